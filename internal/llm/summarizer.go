// Package llm calls the language model that turns item text into a summary, quotes and tags.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"citestack/internal/models"
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("summarizer is not configured: ANTHROPIC_API_KEY is empty")

const (
	maxTagLength   = 100
	maxTags        = 12
	maxQuotes      = 8
	maxQuoteLength = 5000
	maxWhyLength   = 1000
)

// Options configures the summarizer.
type Options struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	BaseURL   string
}

// Summarizer produces enrichments through the Anthropic Messages API.
type Summarizer struct {
	client    anthropic.Client
	model     string
	maxTokens int
	timeout   time.Duration
	ready     bool
}

// NewSummarizer builds a client; a missing key defers the failure to the first call.
func NewSummarizer(opts Options) *Summarizer {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey), option.WithMaxRetries(1)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Summarizer{
		client:    anthropic.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		timeout:   opts.Timeout,
		ready:     opts.APIKey != "",
	}
}

// Summarize asks the model for an enrichment of text in the given mode.
func (s *Summarizer) Summarize(ctx context.Context, text, mode string) (models.Enrichment, error) {
	if !s.ready {
		return models.Enrichment{}, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: int64(s.maxTokens),
		System:    []anthropic.TextBlockParam{{Text: systemPrompt(mode)}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Source text:\n\n" + text)),
		},
	}
	msg, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return models.Enrichment{}, fmt.Errorf("summarize: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return ParseEnrichment(out.String(), mode)
}

func systemPrompt(mode string) string {
	if mode == "tags_only" {
		return `You label research material. Reply with JSON only: {"tags": ["..."]}.
Give 3 to 8 short lowercase topical tags.`
	}
	style := "Write a neutral summary of 3 to 5 sentences."
	switch mode {
	case "concise":
		style = "Write a summary of at most 2 sentences."
	case "analytical":
		style = "Write an analytical summary of 4 to 6 sentences covering claims, evidence and open questions."
	}
	return `You help a researcher file what they read. ` + style + `
Pick up to 5 verbatim quotes worth keeping and say briefly why each matters.
Reply with JSON only, no prose:
{"summary": "...", "quotes": [{"quote": "...", "why_it_matters": "..."}], "tags": ["..."], "suggested_title": "..."}`
}

// ParseEnrichment reads the JSON object in a model reply and normalizes it.
func ParseEnrichment(reply, mode string) (models.Enrichment, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return models.Enrichment{}, errors.New("model reply contained no JSON object")
	}
	var raw models.Enrichment
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return models.Enrichment{}, fmt.Errorf("decode model reply: %w", err)
	}

	out := models.Enrichment{Tags: NormalizeTags(raw.Tags)}
	if mode == "tags_only" {
		return out, nil
	}
	out.Summary = strings.TrimSpace(raw.Summary)
	out.SuggestedTitle = truncate(strings.TrimSpace(raw.SuggestedTitle), 300)
	out.Quotes = []models.Quote{}
	for _, q := range raw.Quotes {
		quote := strings.TrimSpace(q.Quote)
		if quote == "" {
			continue
		}
		out.Quotes = append(out.Quotes, models.Quote{
			Quote:        truncate(quote, maxQuoteLength),
			WhyItMatters: truncate(strings.TrimSpace(q.WhyItMatters), maxWhyLength),
		})
		if len(out.Quotes) == maxQuotes {
			break
		}
	}
	if out.Summary == "" {
		return models.Enrichment{}, errors.New("model reply had an empty summary")
	}
	return out, nil
}

// NormalizeTags lowercases, trims, truncates and deduplicates tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = truncate(strings.ToLower(strings.TrimSpace(t)), maxTagLength)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
