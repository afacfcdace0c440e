package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/job"
)

// fakeRunner succeeds immediately unless block is set, in which case it
// runs until cancelled.
type fakeRunner struct {
	kind  job.Kind
	block bool
	mu    sync.Mutex
	ran   []string
	seen  *job.Job
}

func (r *fakeRunner) Kind() job.Kind { return r.kind }

func (r *fakeRunner) Validate(raw json.RawMessage) error {
	if string(raw) == `{"bad":true}` {
		return apperr.Validation("validate", "missing required fields", "ext")
	}
	return nil
}

func (r *fakeRunner) Run(ctx context.Context, j *job.Job, observe func(*job.Job)) (*job.Job, error) {
	r.mu.Lock()
	r.ran = append(r.ran, j.ID)
	r.mu.Unlock()

	snap := *j
	snap.Status = job.StatusProcessing
	snap.ProviderJobID = "prov-1"
	observe(&snap)
	r.mu.Lock()
	r.seen = &snap
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
		return &snap, ctx.Err()
	}
	done := snap
	done.Status = job.StatusSucceeded
	done.Outputs = []job.Output{{JobID: j.ID, OutputURL: "https://out/1.mp4"}}
	return &done, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[string][]byte
}

func (n *fakeNotifier) Send(_ context.Context, url string, payload []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]byte)
	}
	n.sent[url] = payload
}

func (n *fakeNotifier) get(url string) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[url]
}

func newTestQueue(t *testing.T, runners ...Runner) (*Queue, *job.SQLiteStore, *fakeNotifier) {
	t.Helper()
	store, err := job.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	n := &fakeNotifier{}
	q := New(&config.Config{Concurrency: 2, QueueSize: 10}, store, n, nil, runners...)
	return q, store, n
}

func clipsRequest() job.CreateRequest {
	return job.CreateRequest{Kind: job.KindClips, Settings: json.RawMessage(`{"videoUrl":"https://cdn/a.mp4"}`)}
}

// waitFor polls fn until it returns true or the deadline passes.
func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubmit_Rejections(t *testing.T) {
	q, _, _ := newTestQueue(t, &fakeRunner{kind: job.KindClips})

	tests := []struct {
		name      string
		req       job.CreateRequest
		wantField string
	}{
		{"unknown kind", job.CreateRequest{Kind: "cartoon"}, "kind"},
		{"disabled kind", job.CreateRequest{Kind: job.KindAge}, "kind"},
		{"invalid settings", job.CreateRequest{Kind: job.KindClips, Settings: json.RawMessage(`{"bad":true}`)}, "ext"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Submit("user-1", tt.req)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("Submit error = %v, want validation error", err)
			}
			if f := apperr.FieldsOf(err); len(f) != 1 || f[0] != tt.wantField {
				t.Errorf("fields = %v, want [%s]", f, tt.wantField)
			}
		})
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	store, err := job.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q := New(&config.Config{Concurrency: 1, QueueSize: 1}, store, nil, nil, &fakeRunner{kind: job.KindClips})

	first, err := q.Submit("user-1", clipsRequest())
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := q.Submit("user-1", clipsRequest()); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Submit error = %v, want ErrQueueFull", err)
	}
	if _, err := q.Get(context.Background(), "user-1", first.ID); err != nil {
		t.Errorf("queued job not readable: %v", err)
	}
}

func TestQueue_RunsJobToCompletion(t *testing.T) {
	q, _, n := newTestQueue(t, &fakeRunner{kind: job.KindClips})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := clipsRequest()
	req.CallbackURL = "https://hooks.example.com/done"
	j, err := q.Submit("user-1", req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j.Status != job.StatusPending || j.ID == "" {
		t.Fatalf("initial snapshot = %+v", j)
	}
	ch := q.Subscribe(j.ID)
	q.Start(ctx)

	var last SSEEvent
	for ev := range ch {
		last = ev
	}
	if last.Event != "result" {
		t.Fatalf("last event = %q, want result", last.Event)
	}
	var final job.Job
	if err := json.Unmarshal([]byte(last.Data), &final); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if final.Status != job.StatusSucceeded || len(final.Outputs) != 1 {
		t.Errorf("result = %+v", final)
	}

	got, err := q.Get(ctx, "user-1", j.ID)
	if err != nil || got.Status != job.StatusSucceeded {
		t.Errorf("Get = %+v, %v", got, err)
	}
	if _, err := q.Get(ctx, "user-2", j.ID); !errors.Is(err, apperr.ErrAuthorization) {
		t.Errorf("Get by other user = %v, want authorization error", err)
	}
	waitFor(t, func() bool { return n.get("https://hooks.example.com/done") != nil })
}

func TestQueue_CancelRunningJob(t *testing.T) {
	q, store, _ := newTestQueue(t, &fakeRunner{kind: job.KindClips, block: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := q.Submit("user-1", clipsRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// The runner reports a provider id, so the job exists in the store.
	stored := &job.Job{ID: j.ID, UserID: "user-1", Kind: job.KindClips, ProviderJobID: "prov-1",
		Status: job.StatusProcessing, Settings: j.Settings, SourceURL: "https://cdn/a.mp4"}
	if err := store.SaveInput(ctx, stored); err != nil {
		t.Fatalf("SaveInput: %v", err)
	}
	q.Start(ctx)

	waitFor(t, func() bool {
		got, _ := q.Get(ctx, "user-1", j.ID)
		return got != nil && got.Status == job.StatusProcessing
	})

	if err := q.Cancel(ctx, "user-2", j.ID); !errors.Is(err, apperr.ErrAuthorization) {
		t.Errorf("Cancel by other user = %v, want authorization error", err)
	}
	if err := q.Cancel(ctx, "user-1", j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	waitFor(t, func() bool {
		got, _ := q.Get(ctx, "user-1", j.ID)
		return got != nil && got.Status == job.StatusFailed
	})
	got, _ := q.Get(ctx, "user-1", j.ID)
	if got.Error != "cancelled" || got.CompletedAt == nil {
		t.Errorf("cancelled job = %+v", got)
	}
	rec, err := store.Get(ctx, "user-1", j.ID)
	if err != nil || rec.Status != job.StatusFailed || rec.Error != "cancelled" {
		t.Errorf("stored = %+v, %v", rec, err)
	}
	if err := q.Cancel(ctx, "user-1", j.ID); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("second Cancel = %v, want validation error", err)
	}
}

func TestQueue_CancelLeavesPublishedSnapshot(t *testing.T) {
	r := &fakeRunner{kind: job.KindClips, block: true}
	q, _, _ := newTestQueue(t, r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := q.Submit("user-1", clipsRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	q.Start(ctx)
	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.seen != nil
	})

	// Readers keep polling while the cancellation is recorded.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			got, _ := q.Get(ctx, "user-1", j.ID)
			if got != nil && got.Status == job.StatusFailed {
				return
			}
		}
	}()
	if err := q.Cancel(ctx, "user-1", j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen.Status != job.StatusProcessing || r.seen.Error != "" {
		t.Errorf("runner snapshot mutated: %+v", r.seen)
	}
}

func TestUnsubscribe_KeepsOtherSubscribers(t *testing.T) {
	q, _, _ := newTestQueue(t)
	a := q.Subscribe("job-1")
	b := q.Subscribe("job-1")
	c := q.Subscribe("job-1")

	q.mu.RLock()
	before := q.subs["job-1"]
	q.mu.RUnlock()

	q.Unsubscribe("job-1", a)
	if before[0] != a || before[1] != b || before[2] != c {
		t.Error("Unsubscribe rewrote a slice already handed to notify")
	}

	q.notify("job-1", SSEEvent{Event: "status", Data: "{}"})
	for name, ch := range map[string]chan SSEEvent{"b": b, "c": c} {
		select {
		case <-ch:
		default:
			t.Errorf("subscriber %s missed the event", name)
		}
	}
	select {
	case <-a:
		t.Error("removed subscriber received the event")
	default:
	}

	q.Unsubscribe("job-1", b)
	q.Unsubscribe("job-1", c)
	if _, ok := q.subs["job-1"]; ok {
		t.Error("empty subscriber list kept")
	}
}

func TestQueue_CancelBeforeStart(t *testing.T) {
	r := &fakeRunner{kind: job.KindClips}
	q, _, _ := newTestQueue(t, r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := q.Submit("user-1", clipsRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := q.Cancel(ctx, "user-1", j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	q.Start(ctx)

	waitFor(t, func() bool {
		got, _ := q.Get(ctx, "user-1", j.ID)
		return got != nil && got.Status == job.StatusFailed
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ran) != 0 {
		t.Errorf("cancelled job ran: %v", r.ran)
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	q, _, _ := newTestQueue(t, &fakeRunner{kind: job.KindClips})
	if err := q.Cancel(context.Background(), "user-1", "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Cancel = %v, want not found", err)
	}
}

func TestRecovery(t *testing.T) {
	r := &fakeRunner{kind: job.KindClips}
	q, store, _ := newTestQueue(t, r)
	ctx := context.Background()

	settings := json.RawMessage(`{"videoUrl":"https://cdn/a.mp4"}`)
	for _, j := range []*job.Job{
		{ID: "clip-1", UserID: "u", Kind: job.KindClips, ProviderJobID: "p1", Status: job.StatusProcessing, Settings: settings, SourceURL: "https://cdn/a.mp4"},
		{ID: "age-1", UserID: "u", Kind: job.KindAge, ProviderJobID: "p2", Status: job.StatusProcessing, Settings: settings, SourceURL: "https://cdn/a.png"},
	} {
		if err := store.SaveInput(ctx, j); err != nil {
			t.Fatalf("SaveInput: %v", err)
		}
	}

	if err := q.Recovery(ctx); err != nil {
		t.Fatalf("Recovery: %v", err)
	}
	if len(q.jobs) != 1 {
		t.Errorf("re-enqueued %d jobs, want 1", len(q.jobs))
	}
	disabled, err := store.Get(ctx, "u", "age-1")
	if err != nil || disabled.Status != job.StatusError {
		t.Errorf("disabled kind job = %+v, %v", disabled, err)
	}
}

func TestEvictFinished(t *testing.T) {
	q, _, _ := newTestQueue(t)
	now := time.Now()
	q.live["old"] = &entry{job: &job.Job{ID: "old"}, finished: now.Add(-time.Hour)}
	q.live["fresh"] = &entry{job: &job.Job{ID: "fresh"}, finished: now}
	q.live["running"] = &entry{job: &job.Job{ID: "running"}}

	q.evictFinished(now.Add(-finishedRetention))

	if _, ok := q.live["old"]; ok {
		t.Error("old snapshot kept")
	}
	if len(q.live) != 2 {
		t.Errorf("live = %d entries, want 2", len(q.live))
	}
}
