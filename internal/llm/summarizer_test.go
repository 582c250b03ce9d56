package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnrichment(t *testing.T) {
	reply := "Here you go:\n```json\n" + `{
		"summary": "  Soil holds carbon. ",
		"quotes": [{"quote": "Roots feed fungi", "why_it_matters": "mutualism"}, {"quote": "  "}],
		"tags": ["Soil", "soil", " Carbon ", ""],
		"suggested_title": "Soil and carbon"
	}` + "\n```"

	e, err := ParseEnrichment(reply, "full")
	require.NoError(t, err)
	assert.Equal(t, "Soil holds carbon.", e.Summary)
	assert.Equal(t, []string{"soil", "carbon"}, e.Tags)
	require.Len(t, e.Quotes, 1)
	assert.Equal(t, "mutualism", e.Quotes[0].WhyItMatters)
	assert.Equal(t, "Soil and carbon", e.SuggestedTitle)
}

func TestParseEnrichmentTagsOnly(t *testing.T) {
	e, err := ParseEnrichment(`{"tags": ["A", "b"], "summary": "ignored"}`, "tags_only")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, e.Tags)
	assert.Empty(t, e.Summary)
	assert.Nil(t, e.Quotes, "tags-only runs leave quotes untouched")
}

func TestParseEnrichmentRejectsGarbage(t *testing.T) {
	_, err := ParseEnrichment("I cannot help with that.", "full")
	assert.Error(t, err)
	_, err = ParseEnrichment(`{"summary": ""}`, "full")
	assert.Error(t, err)
}

func TestNormalizeTagsTruncates(t *testing.T) {
	long := strings.Repeat("x", 150)
	tags := NormalizeTags([]string{long})
	require.Len(t, tags, 1)
	assert.Len(t, tags[0], maxTagLength)
}

func TestSummarizeCallsMessagesAPI(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)

		text := `{"summary":"Short.","quotes":[],"tags":["go"],"suggested_title":"T"}`
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "test-model",
			"content":       []map[string]any{{"type": "text", "text": text}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	s := NewSummarizer(Options{APIKey: "test-key", Model: "test-model", BaseURL: srv.URL, Timeout: 5 * time.Second})
	e, err := s.Summarize(context.Background(), "some text", "full")
	require.NoError(t, err)
	assert.Equal(t, "test-model", gotModel)
	assert.Equal(t, "Short.", e.Summary)
	assert.Equal(t, []string{"go"}, e.Tags)
}

func TestSummarizeWithoutKey(t *testing.T) {
	_, err := NewSummarizer(Options{}).Summarize(context.Background(), "text", "full")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
