package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/backoff"
	"github.com/clipforge/clipforge/internal/job"
	"github.com/clipforge/clipforge/internal/provider"
	"github.com/clipforge/clipforge/internal/staging"
)

// Settings is the constraint on a kind's provider settings.
type Settings[S any] interface {
	Validate() error
	SourceURL() string
	WithSourceURL(string) S
}

// Stager places assets at URLs the provider can fetch.
type Stager interface {
	EnsureStaged(ctx context.Context, source string, media job.Media, asset *staging.Asset) (string, error)
	Restage(ctx context.Context, output string, media job.Media) (string, error)
}

// Session is one job being tracked. It is owned by the goroutine running
// it; observers receive copies.
type Session[S Settings[S]] struct {
	JobID       string
	UserID      string
	Kind        job.Kind
	CallbackURL string
	Settings    S
	Asset       staging.Asset
	State       State
	Outputs     []job.Output
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	// Observe, when set, receives a snapshot after every transition.
	Observe func(*job.Job)
}

// NewSession starts a job in pending.
func NewSession[S Settings[S]](jobID, userID string, kind job.Kind, settings S, now time.Time) *Session[S] {
	return &Session[S]{
		JobID:     jobID,
		UserID:    userID,
		Kind:      kind,
		Settings:  settings,
		State:     State{Status: job.StatusPending},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ResumeSession continues a stored job that already reached the provider.
// Its staged source URL is reused, so resubmissions never upload again.
func ResumeSession[S Settings[S]](j *job.Job, settings S) *Session[S] {
	return &Session[S]{
		JobID:       j.ID,
		UserID:      j.UserID,
		Kind:        j.Kind,
		CallbackURL: j.CallbackURL,
		Settings:    settings,
		Asset:       staging.Asset{URL: j.SourceURL},
		State: State{
			Status:        job.StatusProcessing,
			ProviderJobID: j.ProviderJobID,
			RetryCount:    j.RetryCount,
			InputSaved:    true,
		},
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// Job returns a snapshot of the session as a job record.
func (s *Session[S]) Job() *job.Job {
	settings, _ := json.Marshal(s.Settings)
	outputs := make([]job.Output, len(s.Outputs))
	copy(outputs, s.Outputs)
	return &job.Job{
		ID:            s.JobID,
		UserID:        s.UserID,
		Kind:          s.Kind,
		ProviderJobID: s.State.ProviderJobID,
		Status:        s.State.Status,
		Settings:      settings,
		SourceURL:     s.Asset.URL,
		Error:         s.State.Message,
		ProviderCode:  s.State.Code,
		RetryCount:    s.State.RetryCount,
		CallbackURL:   s.CallbackURL,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		CompletedAt:   s.CompletedAt,
		Outputs:       outputs,
	}
}

func (s *Session[S]) notify() {
	if s.Observe != nil {
		s.Observe(s.Job())
	}
}

// Options configures a Tracker.
type Options struct {
	Limits Limits
	// CallTimeout bounds every provider and store call.
	CallTimeout time.Duration
	// StageTimeout bounds staging, which copies whole assets.
	StageTimeout time.Duration
	// RestageOutputs copies provider outputs into the staging bucket.
	RestageOutputs bool
	Logger         *slog.Logger
}

// Tracker runs sessions of one kind.
type Tracker[S Settings[S]] struct {
	kind   job.Kind
	client provider.Client[S]
	stager Stager
	store  job.Store
	opts   Options
	log    *slog.Logger
	sleep  func(context.Context, time.Duration) error
	now    func() time.Time
}

func New[S Settings[S]](kind job.Kind, client provider.Client[S], stager Stager, store job.Store, opts Options) *Tracker[S] {
	t := &Tracker[S]{
		kind:   kind,
		client: client,
		stager: stager,
		store:  store,
		opts:   opts,
		log:    opts.Logger,
		sleep:  backoff.Sleep,
		now:    time.Now,
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	t.log = t.log.With("kind", kind)
	if t.opts.CallTimeout <= 0 {
		t.opts.CallTimeout = 30 * time.Second
	}
	if t.opts.StageTimeout <= 0 {
		t.opts.StageTimeout = 10 * time.Minute
	}
	return t
}

// Kind returns the job kind the tracker handles.
func (t *Tracker[S]) Kind() job.Kind { return t.kind }

// Run drives sess until it reaches a terminal state or ctx is done. It
// returns the final state and, for sessions that end in error, the
// failure. A done ctx returns ctx.Err() and leaves the state non-terminal.
func (t *Tracker[S]) Run(ctx context.Context, sess *Session[S]) (State, error) {
	log := t.log.With("job_id", sess.JobID)

	var pending []Effect
	switch {
	case sess.State.Terminal:
		return sess.State, nil
	case sess.State.Status == job.StatusPending:
		pending = t.apply(sess, Event{Type: EventStart})
	case sess.State.ProviderJobID != "":
		log.Info("resuming job", "provider_job_id", sess.State.ProviderJobID)
		pending = []Effect{{Type: EffectPoll}}
	default:
		pending = t.apply(sess, Event{Type: EventUnexpected,
			Err: apperr.Unexpected("resume", errors.New("session has no provider job"))})
	}

	var reported error
	for len(pending) > 0 {
		eff := pending[0]
		pending = pending[1:]
		if reachesOut(eff.Type) && ctx.Err() != nil {
			log.Info("tracking cancelled", "status", sess.State.Status)
			return sess.State, ctx.Err()
		}

		ev, err := t.perform(ctx, log, sess, eff)
		if err != nil {
			log.Info("tracking cancelled", "status", sess.State.Status)
			return sess.State, err
		}
		if eff.Type == EffectReport {
			reported = eff.Err
		}
		if ev != nil {
			pending = append(pending, t.apply(sess, *ev)...)
		}
		if len(pending) == 0 && !sess.State.Terminal {
			pending = t.apply(sess, Event{Type: EventUnexpected,
				Err: apperr.Unexpected("run", fmt.Errorf("no work left in status %s", sess.State.Status))})
		}
	}
	return sess.State, reported
}

// reachesOut reports whether eff waits or calls the provider or stager.
// Store writes that follow a transition run even after cancellation.
func reachesOut(t EffectType) bool {
	switch t {
	case EffectStage, EffectSubmit, EffectResubmit, EffectPoll:
		return true
	}
	return false
}

func (t *Tracker[S]) apply(sess *Session[S], ev Event) []Effect {
	next, effects := Transition(t.opts.Limits, sess.State, ev)
	if next != sess.State {
		now := t.now()
		sess.UpdatedAt = now
		if next.Terminal && !sess.State.Terminal {
			sess.CompletedAt = &now
		}
	}
	sess.State = next
	sess.notify()
	return effects
}

// perform executes eff and returns the event it produced, if any. The only
// error it returns is ctx's.
func (t *Tracker[S]) perform(ctx context.Context, log *slog.Logger, sess *Session[S], eff Effect) (*Event, error) {
	switch eff.Type {
	case EffectStage:
		sctx, cancel := context.WithTimeout(ctx, t.opts.StageTimeout)
		u, err := t.stager.EnsureStaged(sctx, sess.Settings.SourceURL(), t.kind.Media(), &sess.Asset)
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			log.Error("staging failed", "error", err)
			return &Event{Type: EventStageFailed, Err: err}, nil
		}
		sess.Settings = sess.Settings.WithSourceURL(u)
		return &Event{Type: EventStaged}, nil

	case EffectSubmit:
		return t.submit(ctx, log, sess)

	case EffectResubmit:
		log.Info("resubmitting job", "attempt", eff.Attempt+1, "max_retries", t.opts.Limits.MaxRetries, "after", eff.After)
		if err := t.sleep(ctx, eff.After); err != nil {
			return nil, err
		}
		// The asset is cached, so this never uploads again.
		u, err := t.stager.EnsureStaged(ctx, sess.Settings.SourceURL(), t.kind.Media(), &sess.Asset)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			return &Event{Type: EventSubmitFailed, Err: err}, nil
		}
		sess.Settings = sess.Settings.WithSourceURL(u)
		return t.submit(ctx, log, sess)

	case EffectPoll:
		if eff.After > 0 {
			if err := t.sleep(ctx, eff.After); err != nil {
				return nil, err
			}
		}
		return t.poll(ctx, log, sess)

	case EffectSaveInput:
		t.persist(ctx, log, "save input", func(ctx context.Context) error {
			return t.store.SaveInput(ctx, sess.Job())
		})
		return nil, nil

	case EffectRecordSubmission:
		t.persist(ctx, log, "record submission", func(ctx context.Context) error {
			return t.store.RecordSubmission(ctx, sess.UserID, sess.JobID, sess.State.ProviderJobID, sess.State.RetryCount)
		})
		return nil, nil

	case EffectSaveOutputs:
		outputs := eff.Outputs
		if t.opts.RestageOutputs {
			outputs = t.restage(ctx, log, outputs)
		}
		for i := range outputs {
			outputs[i].JobID = sess.JobID
		}
		sess.Outputs = outputs
		sess.notify()
		t.persist(ctx, log, "save outputs", func(ctx context.Context) error {
			n, err := t.store.SaveOutputs(ctx, sess.UserID, sess.JobID, outputs)
			if err == nil {
				log.Info("outputs saved", "inserted", n, "received", len(outputs))
			}
			return err
		})
		return nil, nil

	case EffectUpdateStatus:
		t.persist(ctx, log, "update status", func(ctx context.Context) error {
			return t.store.UpdateStatus(ctx, sess.UserID, sess.JobID, job.StatusUpdate{
				Status:       eff.Status,
				Error:        sess.State.Message,
				ProviderCode: sess.State.Code,
				RetryCount:   sess.State.RetryCount,
			})
		})
		return nil, nil

	case EffectReport:
		log.Error("job ended in error", "error", eff.Err)
		return nil, nil
	}
	return &Event{Type: EventUnexpected, Err: apperr.Unexpected("perform", fmt.Errorf("unknown effect %s", eff.Type))}, nil
}

func (t *Tracker[S]) submit(ctx context.Context, log *slog.Logger, sess *Session[S]) (*Event, error) {
	cctx, cancel := context.WithTimeout(ctx, t.opts.CallTimeout)
	sub, err := t.client.Submit(cctx, sess.Settings)
	cancel()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		log.Warn("submission failed", "error", err)
		return &Event{Type: EventSubmitFailed, Code: apperr.CodeOf(err), Err: err}, nil
	}
	log.Info("job submitted", "provider_job_id", sub.ProviderJobID)
	return &Event{Type: EventSubmitted, ProviderJobID: sub.ProviderJobID, Code: sub.Code}, nil
}

func (t *Tracker[S]) poll(ctx context.Context, log *slog.Logger, sess *Session[S]) (*Event, error) {
	cctx, cancel := context.WithTimeout(ctx, t.opts.CallTimeout)
	res, err := t.client.Poll(cctx, sess.State.ProviderJobID)
	cancel()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		log.Warn("poll failed", "provider_job_id", sess.State.ProviderJobID, "error", err)
		return &Event{Type: EventPollError, Code: apperr.CodeOf(err), Err: err}, nil
	}
	switch res.Status {
	case job.StatusProcessing:
		return &Event{Type: EventPollRunning, Code: res.Code}, nil
	case job.StatusSucceeded:
		return &Event{Type: EventPollSucceeded, Code: res.Code, Outputs: res.Outputs}, nil
	case job.StatusFailed:
		log.Warn("provider reported failure", "code", res.Code, "message", res.Message)
		return &Event{Type: EventPollFailed, Code: res.Code, Message: res.Message}, nil
	}
	return &Event{Type: EventUnexpected, Code: res.Code,
		Err: apperr.Unexpected("poll", fmt.Errorf("provider status %q", res.Status))}, nil
}

// restage copies outputs into the staging bucket. An output that cannot be
// copied keeps its provider URL.
func (t *Tracker[S]) restage(ctx context.Context, log *slog.Logger, outputs []job.Output) []job.Output {
	out := make([]job.Output, len(outputs))
	copy(out, outputs)
	for i := range out {
		if out[i].ProviderOutputID == "" {
			out[i].ProviderOutputID = out[i].OutputURL
		}
		sctx, cancel := context.WithTimeout(ctx, t.opts.StageTimeout)
		u, err := t.stager.Restage(sctx, out[i].OutputURL, t.kind.Media())
		cancel()
		if err != nil {
			log.Warn("output restaging failed, keeping provider url", "output_url", out[i].OutputURL, "error", err)
			continue
		}
		out[i].OutputURL = u
	}
	return out
}

// persist runs a store call. Store failures never change the session's
// outcome; they are logged.
func (t *Tracker[S]) persist(ctx context.Context, log *slog.Logger, op string, fn func(context.Context) error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.CallTimeout)
	defer cancel()
	if err := fn(pctx); err != nil {
		log.Error("persistence failed", "op", op, "error", err)
	}
}
