package job

import (
	"context"
	"time"
)

// Store persists job inputs, statuses and outputs. Every user-facing
// operation is scoped to userID; touching another user's job is an
// authorization error, not a not-found.
type Store interface {
	// SaveInput inserts the job record. Called once, after the first
	// successful submission.
	SaveInput(ctx context.Context, j *Job) error
	// SaveOutputs inserts the outputs not already stored for the job and
	// returns how many were inserted.
	SaveOutputs(ctx context.Context, userID, jobID string, outputs []Output) (int, error)
	UpdateStatus(ctx context.Context, userID, jobID string, u StatusUpdate) error
	// RecordSubmission stores the provider id of a resubmission.
	RecordSubmission(ctx context.Context, userID, jobID, providerJobID string, retryCount int) error
	Get(ctx context.Context, userID, jobID string) (*Job, error)
	// FetchHistory returns the user's newest jobs with their outputs.
	FetchHistory(ctx context.Context, userID string, limit int) ([]*Job, error)
	// ListResumable returns non-terminal jobs that reached the provider.
	// Called at startup to resume tracking interrupted by a restart.
	ListResumable(ctx context.Context) ([]*Job, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
}
