package models

import "time"

// Item source types.
const (
	SourceURL   = "url"
	SourceFile  = "file"
	SourcePaste = "paste"
)

// Item states.
const (
	ItemCaptured  = "captured"
	ItemExtracted = "extracted"
	ItemEnriched  = "enriched"
	ItemFailed    = "failed"
)

// Item is a captured piece of content.
type Item struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	SourceType     string    `json:"sourceType"`
	URL            string    `json:"url,omitempty"`
	CanonicalURL   string    `json:"canonicalUrl,omitempty"`
	FilePath       string    `json:"filePath,omitempty"`
	MimeType       string    `json:"mimeType,omitempty"`
	Title          string    `json:"title,omitempty"`
	RawText        string    `json:"-"`
	CleanedText    string    `json:"-"`
	Summary        string    `json:"summary,omitempty"`
	SuggestedTitle string    `json:"suggestedTitle,omitempty"`
	Status         string    `json:"status"`
	Error          *string   `json:"error,omitempty"`
	ThumbnailURL   string    `json:"thumbnailUrl,omitempty"`
	Quotes         []Quote   `json:"quotes,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Text returns the best available text for enrichment.
func (i Item) Text() string {
	if i.CleanedText != "" {
		return i.CleanedText
	}
	return i.RawText
}

// NewItem collects the inputs of an item insert.
type NewItem struct {
	UserID       string
	SourceType   string
	URL          string
	CanonicalURL string
	FilePath     string
	MimeType     string
	Title        string
	RawText      string
}

// Quote is an excerpt chosen during enrichment.
type Quote struct {
	Quote        string `json:"quote"`
	WhyItMatters string `json:"why_it_matters"`
}

// Extraction is the text pulled out of a source.
type Extraction struct {
	Title       string
	RawText     string
	CleanedText string
}

// Enrichment is the structured output of the summarizer.
type Enrichment struct {
	Summary        string   `json:"summary"`
	Quotes         []Quote  `json:"quotes"`
	Tags           []string `json:"tags"`
	SuggestedTitle string   `json:"suggested_title"`
}
