package tracker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clipforge/clipforge/internal/job"
)

// Runner runs stored job records through a Tracker, decoding their
// settings into the kind's settings type.
type Runner[S Settings[S]] struct {
	tracker *Tracker[S]
}

func NewRunner[S Settings[S]](t *Tracker[S]) *Runner[S] {
	return &Runner[S]{tracker: t}
}

func (r *Runner[S]) Kind() job.Kind { return r.tracker.kind }

// Validate checks raw settings without contacting anything.
func (r *Runner[S]) Validate(raw json.RawMessage) error {
	s, err := job.DecodeSettings[S](raw)
	if err != nil {
		return err
	}
	return s.Validate()
}

// Run tracks j to a terminal state. A pending job starts from staging; a job
// that already reached the provider resumes polling. The returned snapshot
// is the job's final state.
func (r *Runner[S]) Run(ctx context.Context, j *job.Job, observe func(*job.Job)) (*job.Job, error) {
	s, err := job.DecodeSettings[S](j.Settings)
	if err != nil {
		failed := *j
		now := time.Now().UTC()
		failed.Status = job.StatusError
		failed.Error = "stored settings are unreadable"
		failed.CompletedAt = &now
		return &failed, err
	}

	var sess *Session[S]
	if j.Status == job.StatusPending {
		sess = NewSession(j.ID, j.UserID, j.Kind, s, j.CreatedAt)
		sess.CallbackURL = j.CallbackURL
	} else {
		sess = ResumeSession(j, s)
	}
	sess.Observe = observe

	_, err = r.tracker.Run(ctx, sess)
	return sess.Job(), err
}
