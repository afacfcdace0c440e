package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/job"
	"github.com/clipforge/clipforge/internal/provider"
	"github.com/clipforge/clipforge/internal/staging"
)

// fakeClient answers polls from a script; the last entry repeats.
type fakeClient struct {
	mu        sync.Mutex
	submitErr error
	polls     []pollReply
	submits   int
	pollCalls int
	sources   []string
}

type pollReply struct {
	res provider.PollResult
	err error
}

func (c *fakeClient) Submit(_ context.Context, s job.AgeSettings) (provider.Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	c.sources = append(c.sources, s.SourceURL())
	if c.submitErr != nil {
		return provider.Submission{}, c.submitErr
	}
	return provider.Submission{ProviderJobID: fmt.Sprintf("pred-%d", c.submits), Status: job.StatusProcessing}, nil
}

func (c *fakeClient) Poll(_ context.Context, _ string) (provider.PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.polls[min(c.pollCalls, len(c.polls)-1)]
	c.pollCalls++
	return r.res, r.err
}

type fakeStager struct {
	uploads   int
	restages  int
	err       error
	restageOK bool
}

func (s *fakeStager) EnsureStaged(_ context.Context, _ string, _ job.Media, asset *staging.Asset) (string, error) {
	if asset.Staged() {
		return asset.URL, nil
	}
	s.uploads++
	if s.err != nil {
		return "", s.err
	}
	asset.URL = "https://bucket/original/face.png"
	return asset.URL, nil
}

func (s *fakeStager) Restage(_ context.Context, output string, _ job.Media) (string, error) {
	s.restages++
	if !s.restageOK {
		return "", apperr.Upload("restage", "down", nil)
	}
	return "https://bucket/processed/" + fmt.Sprint(s.restages), nil
}

// recordingStore counts store calls. Embedding the interface keeps the
// unused methods out of the way.
type recordingStore struct {
	job.Store
	saveInputs  []*job.Job
	saveOutputs [][]job.Output
	updates     []job.StatusUpdate
	submissions []string
	outputsErr  error
}

func (s *recordingStore) SaveInput(_ context.Context, j *job.Job) error {
	s.saveInputs = append(s.saveInputs, j)
	return nil
}

func (s *recordingStore) SaveOutputs(_ context.Context, _, _ string, outputs []job.Output) (int, error) {
	s.saveOutputs = append(s.saveOutputs, outputs)
	return len(outputs), s.outputsErr
}

func (s *recordingStore) UpdateStatus(_ context.Context, _, _ string, u job.StatusUpdate) error {
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingStore) RecordSubmission(_ context.Context, _, _, providerJobID string, _ int) error {
	s.submissions = append(s.submissions, providerJobID)
	return nil
}

type harness struct {
	client  *fakeClient
	stager  *fakeStager
	store   *recordingStore
	tracker *Tracker[job.AgeSettings]
	waits   []time.Duration
}

func newHarness(t *testing.T, polls ...pollReply) *harness {
	t.Helper()
	h := &harness{
		client: &fakeClient{polls: polls},
		stager: &fakeStager{},
		store:  &recordingStore{},
	}
	h.tracker = New[job.AgeSettings](job.KindAge, h.client, h.stager, h.store, Options{Limits: testLimits})
	h.tracker.sleep = func(ctx context.Context, d time.Duration) error {
		h.waits = append(h.waits, d)
		return ctx.Err()
	}
	return h
}

func newAgeSession() *Session[job.AgeSettings] {
	return NewSession("job-1", "user-1", job.KindAge,
		job.AgeSettings{ImageURL: "https://example.com/face.png", TargetAge: "70"}, time.Now())
}

func running() pollReply {
	return pollReply{res: provider.PollResult{Status: job.StatusProcessing}}
}

func failed() pollReply {
	return pollReply{res: provider.PollResult{Status: job.StatusFailed, Code: "failed", Message: "Prediction failed"}}
}

func succeeded(urls ...string) pollReply {
	var outputs []job.Output
	for _, u := range urls {
		outputs = append(outputs, job.Output{OutputURL: u})
	}
	return pollReply{res: provider.PollResult{Status: job.StatusSucceeded, Outputs: outputs}}
}

func TestRun_FirstCallSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeeded("https://out/1.gif"))
	sess := newAgeSession()

	state, err := h.tracker.Run(context.Background(), sess)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != job.StatusSucceeded || !state.Terminal || state.RetryCount != 0 {
		t.Errorf("state = %+v", state)
	}
	if h.client.submits != 1 || len(h.store.saveInputs) != 1 || len(h.store.saveOutputs) != 1 {
		t.Errorf("submits=%d saveInput=%d saveOutputs=%d", h.client.submits, len(h.store.saveInputs), len(h.store.saveOutputs))
	}
	if len(h.store.updates) != 1 || h.store.updates[0].Status != job.StatusSucceeded {
		t.Errorf("updates = %+v", h.store.updates)
	}
	if len(h.store.submissions) != 0 {
		t.Errorf("resubmissions recorded: %v", h.store.submissions)
	}
	if got := h.store.saveOutputs[0][0].JobID; got != "job-1" {
		t.Errorf("output JobID = %q", got)
	}
	saved := h.store.saveInputs[0]
	if saved.SourceURL != "https://bucket/original/face.png" || saved.ProviderJobID != "pred-1" {
		t.Errorf("saved input = %+v", saved)
	}
	if h.client.sources[0] != "https://bucket/original/face.png" {
		t.Errorf("submitted source = %q, want the staged URL", h.client.sources[0])
	}
	if sess.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestRun_AlwaysFailing_ExhaustsRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, failed())

	state, err := h.tracker.Run(context.Background(), newAgeSession())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != job.StatusFailed || !state.Terminal {
		t.Fatalf("state = %+v", state)
	}
	if resubmits := h.client.submits - 1; resubmits != testLimits.MaxRetries {
		t.Errorf("resubmissions = %d, want %d", resubmits, testLimits.MaxRetries)
	}
	if len(h.store.submissions) != testLimits.MaxRetries {
		t.Errorf("recorded submissions = %v", h.store.submissions)
	}
	failedUpdates := 0
	for _, u := range h.store.updates {
		if u.Status == job.StatusFailed {
			failedUpdates++
		}
	}
	if failedUpdates != 1 || len(h.store.updates) != 1 {
		t.Errorf("updates = %+v, want exactly one failed", h.store.updates)
	}
	if h.store.updates[0].Error != "Prediction failed" || h.store.updates[0].RetryCount != testLimits.MaxRetries {
		t.Errorf("failed update = %+v", h.store.updates[0])
	}
	if h.stager.uploads != 1 {
		t.Errorf("uploads = %d, want 1 across retries", h.stager.uploads)
	}
	for _, src := range h.client.sources {
		if src != "https://bucket/original/face.png" {
			t.Errorf("resubmitted with source %q", src)
		}
	}
}

func TestRun_AlwaysProcessing_RunsUntilCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, running())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	polls := 0
	h.tracker.sleep = func(ctx context.Context, d time.Duration) error {
		polls++
		if polls == 50 {
			cancel()
		}
		return ctx.Err()
	}

	state, err := h.tracker.Run(ctx, newAgeSession())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if state.Terminal || state.Status != job.StatusProcessing {
		t.Errorf("state = %+v, want non-terminal processing", state)
	}
	if h.client.pollCalls != 49 {
		t.Errorf("polls = %d, want 49", h.client.pollCalls)
	}
	if len(h.store.updates) != 0 {
		t.Errorf("status updated after cancellation: %+v", h.store.updates)
	}
}

func TestRun_UploadFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, running())
	h.stager.err = apperr.Upload("stage", "source unreachable", nil)

	state, err := h.tracker.Run(context.Background(), newAgeSession())
	if !errors.Is(err, apperr.ErrUpload) {
		t.Fatalf("Run error = %v, want upload error", err)
	}
	if state.Status != job.StatusError || !state.Terminal {
		t.Errorf("state = %+v", state)
	}
	if h.client.submits != 0 || len(h.store.saveInputs) != 0 || len(h.store.updates) != 0 {
		t.Errorf("work done after failed upload: submits=%d store=%+v", h.client.submits, h.store)
	}
}

func TestRun_FirstSubmissionFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t, running())
	h.client.submitErr = apperr.Provider("submit", "4001", "Invalid API key", nil)

	state, err := h.tracker.Run(context.Background(), newAgeSession())
	if !errors.Is(err, apperr.ErrProvider) {
		t.Fatalf("Run error = %v, want provider error", err)
	}
	if state.Status != job.StatusError || state.Code != "4001" || state.Message != "Invalid API key" {
		t.Errorf("state = %+v", state)
	}
	if h.client.submits != 1 || len(h.store.saveInputs) != 0 {
		t.Errorf("submits=%d saveInputs=%d", h.client.submits, len(h.store.saveInputs))
	}
}

func TestRun_PollErrorsExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pollReply{err: apperr.Provider("poll", "503", "provider returned status 503", nil)})

	state, err := h.tracker.Run(context.Background(), newAgeSession())
	if !errors.Is(err, apperr.ErrProvider) {
		t.Fatalf("Run error = %v", err)
	}
	if state.Status != job.StatusError || h.client.pollCalls != testLimits.MaxPollErrors+1 {
		t.Errorf("state = %+v after %d polls", state, h.client.pollCalls)
	}
	if len(h.store.updates) != 1 || h.store.updates[0].Status != job.StatusError {
		t.Errorf("updates = %+v", h.store.updates)
	}
	// Interval before the first poll, then backoff before each retry.
	want := []time.Duration{5 * time.Second, time.Second, 2 * time.Second}
	if len(h.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", h.waits, want)
	}
	for i := range want {
		if h.waits[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, h.waits[i], want[i])
		}
	}
}

func TestRun_RecoversAfterFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, running(), failed(), running(), succeeded("https://out/1.gif"))

	state, err := h.tracker.Run(context.Background(), newAgeSession())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Status != job.StatusSucceeded || state.RetryCount != 0 || state.ProviderJobID != "pred-2" {
		t.Errorf("state = %+v", state)
	}
	if len(h.store.submissions) != 1 || h.store.submissions[0] != "pred-2" {
		t.Errorf("recorded submissions = %v", h.store.submissions)
	}
	if len(h.store.saveInputs) != 1 || len(h.store.saveOutputs) != 1 {
		t.Errorf("saveInputs=%d saveOutputs=%d", len(h.store.saveInputs), len(h.store.saveOutputs))
	}
}

func TestRun_PersistenceFailureKeepsOutcome(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeeded("https://out/1.gif"))
	h.store.outputsErr = apperr.Persistence("save outputs", errors.New("disk full"))

	state, err := h.tracker.Run(context.Background(), newAgeSession())
	if err != nil || state.Status != job.StatusSucceeded {
		t.Errorf("Run = %+v, %v; want succeeded", state, err)
	}
}

func TestRun_Resume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, succeeded("https://out/1.gif"))
	stored := &job.Job{
		ID: "job-1", UserID: "user-1", Kind: job.KindAge, Status: job.StatusProcessing,
		ProviderJobID: "pred-7", SourceURL: "https://bucket/original/face.png", RetryCount: 1,
	}
	sess := ResumeSession(stored, job.AgeSettings{ImageURL: stored.SourceURL})

	state, err := h.tracker.Run(context.Background(), sess)
	if err != nil || state.Status != job.StatusSucceeded {
		t.Fatalf("Run = %+v, %v", state, err)
	}
	if h.client.submits != 0 || h.stager.uploads != 0 || len(h.store.saveInputs) != 0 {
		t.Errorf("resume redid work: submits=%d uploads=%d saveInputs=%d",
			h.client.submits, h.stager.uploads, len(h.store.saveInputs))
	}
}

func TestRun_RestageOutputs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		restageOK bool
		wantURL   string
	}{
		{"copied", true, "https://bucket/processed/1"},
		{"kept on failure", false, "https://out/1.gif"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, succeeded("https://out/1.gif"))
			h.stager.restageOK = tt.restageOK
			h.tracker.opts.RestageOutputs = true

			if _, err := h.tracker.Run(context.Background(), newAgeSession()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			out := h.store.saveOutputs[0][0]
			if out.OutputURL != tt.wantURL {
				t.Errorf("OutputURL = %q, want %q", out.OutputURL, tt.wantURL)
			}
			if out.ProviderOutputID != "https://out/1.gif" {
				t.Errorf("ProviderOutputID = %q, want provider URL", out.ProviderOutputID)
			}
		})
	}
}

func TestRun_ObserverSeesEveryStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, running(), succeeded("https://out/1.gif"))
	var seen []job.Status
	sess := newAgeSession()
	sess.Observe = func(j *job.Job) {
		if len(seen) == 0 || seen[len(seen)-1] != j.Status {
			seen = append(seen, j.Status)
		}
	}

	if _, err := h.tracker.Run(context.Background(), sess); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []job.Status{job.StatusUploading, job.StatusProcessing, job.StatusSucceeded}
	if len(seen) != len(want) {
		t.Fatalf("statuses = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("statuses = %v, want %v", seen, want)
			break
		}
	}
}
