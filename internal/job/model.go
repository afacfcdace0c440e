package job

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
)

// IsTerminal returns true for statuses that are final once persisted.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusError
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusProcessing, StatusSucceeded, StatusFailed, StatusError:
		return true
	}
	return false
}

// Kind selects the provider a job is processed by.
type Kind string

const (
	KindClips Kind = "clips" // video in, short clips out
	KindAge   Kind = "age"   // image in, age-transformed image out
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindClips || k == KindAge
}

// Media is the media class a kind accepts.
type Media string

const (
	MediaImage Media = "image"
	MediaVideo Media = "video"
)

// Media returns the source media class for k.
func (k Kind) Media() Media {
	if k == KindAge {
		return MediaImage
	}
	return MediaVideo
}

// Job is one user request tracked through the provider lifecycle.
// ID is stable for the job's lifetime; ProviderJobID changes on every
// submission attempt.
type Job struct {
	ID            string          `json:"job_id"`
	UserID        string          `json:"user_id"`
	Kind          Kind            `json:"kind"`
	ProviderJobID string          `json:"provider_job_id,omitempty"`
	Status        Status          `json:"status"`
	Settings      json.RawMessage `json:"settings"`
	SourceURL     string          `json:"source_url,omitempty"`
	Error         string          `json:"error,omitempty"`
	ProviderCode  string          `json:"provider_code,omitempty"`
	RetryCount    int             `json:"retry_count"`
	CallbackURL   string          `json:"callback_url,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Outputs       []Output        `json:"outputs"`
}

// Output is one artifact produced by a job. ProviderOutputID is the
// deduplication key within a job.
type Output struct {
	JobID            string          `json:"job_id"`
	ProviderOutputID string          `json:"provider_output_id"`
	OutputURL        string          `json:"output_url"`
	Title            string          `json:"title,omitempty"`
	Transcript       string          `json:"transcript,omitempty"`
	ViralScore       string          `json:"viral_score,omitempty"`
	ViralReason      string          `json:"viral_reason,omitempty"`
	RelatedTopic     string          `json:"related_topic,omitempty"`
	DurationMs       int64           `json:"duration_ms,omitempty"`
	Extra            json.RawMessage `json:"extra,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// DedupeKey returns the provider output id, falling back to the output URL.
func (o Output) DedupeKey() string {
	if o.ProviderOutputID != "" {
		return o.ProviderOutputID
	}
	return o.OutputURL
}

// StatusUpdate carries the fields written by Store.UpdateStatus.
type StatusUpdate struct {
	Status       Status
	Error        string
	ProviderCode string
	RetryCount   int
}

// CreateRequest is the payload used to submit a new job.
type CreateRequest struct {
	Kind        Kind            `json:"kind"`
	CallbackURL string          `json:"callback_url,omitempty"`
	Settings    json.RawMessage `json:"settings"`
}
