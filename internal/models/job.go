package models

import (
	"encoding/json"
	"time"
)

// JobType is the closed set of background job kinds.
type JobType string

const (
	JobExtractURL    JobType = "extract_url"
	JobExtractFile   JobType = "extract_file"
	JobEnrichItem    JobType = "enrich_item"
	JobScreenshotURL JobType = "screenshot_url"
)

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	switch t {
	case JobExtractURL, JobExtractFile, JobEnrichItem, JobScreenshotURL:
		return true
	}
	return false
}

// Job lifecycle states persisted in the jobs table.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// DefaultMaxAttempts applies when a job is enqueued without an explicit limit.
const DefaultMaxAttempts = 3

// Job represents a unit of background work.
type Job struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	ItemID      *string         `json:"itemId,omitempty"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	RunAfter    *time.Time      `json:"runAfter,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// NewJob collects the inputs of an enqueue.
type NewJob struct {
	UserID      string
	ItemID      string
	Type        JobType
	Payload     json.RawMessage
	MaxAttempts int
}

// Payload shapes per job type.

type ExtractURLPayload struct {
	ItemID string `json:"itemId"`
	URL    string `json:"url"`
}

type ExtractFilePayload struct {
	ItemID   string `json:"itemId"`
	FilePath string `json:"filePath"`
	MimeType string `json:"mimeType"`
}

type EnrichPayload struct {
	ItemID string `json:"itemId"`
	Mode   string `json:"mode,omitempty"`
}

type ScreenshotPayload struct {
	ItemID string `json:"itemId"`
	URL    string `json:"url,omitempty"`
}
