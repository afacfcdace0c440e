// Package queue runs tracking sessions on a bounded worker pool, keeps live
// snapshots for reads, fans status events out to SSE subscribers and fires
// completion callbacks.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/job"
)

// ErrQueueFull is returned when no more jobs can be accepted.
var ErrQueueFull = errors.New("queue full")

// cancelledMessage is recorded on jobs stopped by their owner.
const cancelledMessage = "cancelled"

// finishedRetention is how long a finished job's snapshot stays readable
// from memory. Jobs that failed before reaching the provider are never
// stored, so this is the only place they can be read from.
const finishedRetention = 15 * time.Minute

// SSEEvent represents a Server-Sent Events event.
type SSEEvent struct {
	Event string // "status", "result"
	Data  string // JSON string
}

// Runner tracks jobs of one kind.
type Runner interface {
	Kind() job.Kind
	Validate(settings json.RawMessage) error
	Run(ctx context.Context, j *job.Job, observe func(*job.Job)) (*job.Job, error)
}

// Notifier delivers completion callbacks.
type Notifier interface {
	Send(ctx context.Context, callbackURL string, payload []byte)
}

type entry struct {
	job       *job.Job
	cancel    context.CancelFunc
	cancelled bool
	finished  time.Time
}

// Queue manages the job queue and workers.
type Queue struct {
	jobs     chan *job.Job
	store    job.Store
	runners  map[job.Kind]Runner
	notifier Notifier
	subs     map[string][]chan SSEEvent
	live     map[string]*entry
	mu       sync.RWMutex
	cfg      *config.Config
	log      *slog.Logger
	now      func() time.Time
}

// New creates a new Queue. Kinds without a runner are rejected at Submit.
func New(cfg *config.Config, store job.Store, notifier Notifier, logger *slog.Logger, runners ...Runner) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		jobs:     make(chan *job.Job, cfg.QueueSize),
		store:    store,
		runners:  make(map[job.Kind]Runner, len(runners)),
		notifier: notifier,
		subs:     make(map[string][]chan SSEEvent),
		live:     make(map[string]*entry),
		cfg:      cfg,
		log:      logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, r := range runners {
		q.runners[r.Kind()] = r
	}
	return q
}

// Enabled reports whether jobs of kind k can be submitted.
func (q *Queue) Enabled(k job.Kind) bool {
	_, ok := q.runners[k]
	return ok
}

// Submit validates req and queues a new job for userID. It returns the
// job's initial snapshot.
func (q *Queue) Submit(userID string, req job.CreateRequest) (*job.Job, error) {
	const op = "submit job"
	runner, ok := q.runners[req.Kind]
	if !ok {
		if !req.Kind.Valid() {
			return nil, apperr.Validation(op, "unknown job kind", "kind")
		}
		return nil, apperr.Validation(op, fmt.Sprintf("kind %q is not enabled", req.Kind), "kind")
	}
	if err := runner.Validate(req.Settings); err != nil {
		return nil, err
	}

	now := q.now()
	j := &job.Job{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        req.Kind,
		Status:      job.StatusPending,
		Settings:    req.Settings,
		CallbackURL: req.CallbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
		Outputs:     []job.Output{},
	}

	q.mu.Lock()
	q.live[j.ID] = &entry{job: j}
	q.mu.Unlock()

	if err := q.enqueue(j); err != nil {
		q.mu.Lock()
		delete(q.live, j.ID)
		q.mu.Unlock()
		return nil, err
	}
	q.log.Info("job queued", "job_id", j.ID, "kind", j.Kind, "user_id", userID)
	return clone(j), nil
}

func (q *Queue) enqueue(j *job.Job) error {
	select {
	case q.jobs <- j:
		return nil
	default:
		return fmt.Errorf("%w: cannot enqueue job %s", ErrQueueFull, j.ID)
	}
}

// Start launches cfg.Concurrency workers. They stop when ctx is done;
// jobs still running are left non-terminal for Recovery on the next start.
func (q *Queue) Start(ctx context.Context) {
	for range q.cfg.Concurrency {
		go q.runWorker(ctx)
	}
	go q.evictLoop(ctx)
}

// Get returns the live snapshot of a job, or the stored record once the
// job is no longer in memory.
func (q *Queue) Get(ctx context.Context, userID, jobID string) (*job.Job, error) {
	q.mu.RLock()
	e, ok := q.live[jobID]
	var snap *job.Job
	if ok {
		snap = clone(e.job)
	}
	q.mu.RUnlock()

	if ok {
		if snap.UserID != userID {
			return nil, apperr.Authorization("get job", "job belongs to another user")
		}
		return snap, nil
	}
	return q.store.Get(ctx, userID, jobID)
}

// Cancel stops a queued or running job owned by userID.
func (q *Queue) Cancel(ctx context.Context, userID, jobID string) error {
	const op = "cancel job"
	q.mu.Lock()
	e, ok := q.live[jobID]
	if !ok {
		q.mu.Unlock()
		j, err := q.store.Get(ctx, userID, jobID)
		if err != nil {
			return err
		}
		return apperr.Validation(op, fmt.Sprintf("job is %s and no longer running", j.Status), "job_id")
	}
	if e.job.UserID != userID {
		q.mu.Unlock()
		return apperr.Authorization(op, "job belongs to another user")
	}
	if !e.finished.IsZero() {
		status := e.job.Status
		q.mu.Unlock()
		return apperr.Validation(op, fmt.Sprintf("job is %s and no longer running", status), "job_id")
	}
	e.cancelled = true
	cancel := e.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.log.Info("job cancellation requested", "job_id", jobID)
	return nil
}

// Subscribe creates a buffered SSE channel for a job and returns it.
func (q *Queue) Subscribe(jobID string) chan SSEEvent {
	ch := make(chan SSEEvent, 64)
	q.mu.Lock()
	q.subs[jobID] = append(q.subs[jobID], ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes an SSE channel from the map.
func (q *Queue) Unsubscribe(jobID string, ch chan SSEEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	chans := q.subs[jobID]
	kept := make([]chan SSEEvent, 0, len(chans))
	for _, c := range chans {
		if c != ch {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(q.subs, jobID)
		return
	}
	q.subs[jobID] = kept
}

// Recovery re-enqueues jobs that reached the provider but were still
// running when the service stopped.
func (q *Queue) Recovery(ctx context.Context) error {
	jobs, err := q.store.ListResumable(ctx)
	if err != nil {
		return fmt.Errorf("list resumable: %w", err)
	}
	for _, j := range jobs {
		if !q.Enabled(j.Kind) {
			q.log.Warn("recovery: kind disabled, failing job", "job_id", j.ID, "kind", j.Kind)
			err := q.store.UpdateStatus(ctx, j.UserID, j.ID, job.StatusUpdate{
				Status:     job.StatusError,
				Error:      fmt.Sprintf("kind %q is not enabled", j.Kind),
				RetryCount: j.RetryCount,
			})
			if err != nil {
				q.log.Error("recovery: update status", "job_id", j.ID, "error", err)
			}
			continue
		}
		q.mu.Lock()
		q.live[j.ID] = &entry{job: j}
		q.mu.Unlock()
		if err := q.enqueue(j); err != nil {
			q.mu.Lock()
			delete(q.live, j.ID)
			q.mu.Unlock()
			q.log.Error("recovery: failed to enqueue job", "job_id", j.ID, "error", err)
			continue
		}
		q.log.Info("recovery: job re-enqueued", "job_id", j.ID, "provider_job_id", j.ProviderJobID)
	}
	return nil
}

// StartCleanup deletes terminal jobs older than ttlHours every
// intervalMinutes. A non-positive ttlHours disables it.
func (q *Queue) StartCleanup(ctx context.Context, ttlHours, intervalMinutes int) {
	if ttlHours <= 0 {
		return
	}
	ttl := time.Duration(ttlHours) * time.Hour
	go func() {
		ticker := time.NewTicker(time.Duration(intervalMinutes) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := q.store.DeleteTerminalBefore(ctx, q.now().Add(-ttl))
				if err != nil {
					q.log.Error("cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					q.log.Info("cleanup: deleted expired jobs", "count", n)
				}
			}
		}
	}()
}

// runWorker is a worker loop: dequeues jobs and processes them.
func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.jobs:
			q.processJob(ctx, j)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, j *job.Job) {
	log := q.log.With("job_id", j.ID, "kind", j.Kind)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	e, ok := q.live[j.ID]
	if !ok {
		q.mu.Unlock()
		return
	}
	cancelled := e.cancelled
	e.cancel = cancel
	q.mu.Unlock()

	runner := q.runners[j.Kind]
	var (
		final *job.Job
		err   error
	)
	if cancelled {
		final = clone(j)
	} else {
		final, err = runner.Run(jobCtx, j, q.update)
	}

	switch {
	case ctx.Err() != nil && !final.Status.IsTerminal():
		// Shutting down: leave the job for Recovery.
		log.Info("worker stopped, job left for recovery", "status", final.Status)
		q.mu.Lock()
		delete(q.live, j.ID)
		q.mu.Unlock()
		q.closeSubscribers(j.ID)
		return
	case cancelled || errors.Is(err, context.Canceled):
		final = q.recordCancelled(ctx, log, final)
	case err != nil:
		log.Warn("job ended in error", "status", final.Status, "error", err)
	}

	q.finalizeJob(ctx, final)
}

// recordCancelled marks a job failed by its owner and stores that outcome
// when the job was already persisted.
func (q *Queue) recordCancelled(ctx context.Context, log *slog.Logger, j *job.Job) *job.Job {
	// The runner may hand back the snapshot it already published.
	j = clone(j)
	now := q.now()
	j.Status = job.StatusFailed
	j.Error = cancelledMessage
	j.UpdatedAt = now
	j.CompletedAt = &now
	if j.ProviderJobID != "" {
		err := q.store.UpdateStatus(ctx, j.UserID, j.ID, job.StatusUpdate{
			Status:       job.StatusFailed,
			Error:        cancelledMessage,
			ProviderCode: j.ProviderCode,
			RetryCount:   j.RetryCount,
		})
		if err != nil {
			log.Error("record cancellation", "error", err)
		}
	}
	log.Info("job cancelled")
	return j
}

func (q *Queue) finalizeJob(ctx context.Context, j *job.Job) {
	q.mu.Lock()
	if e, ok := q.live[j.ID]; ok {
		e.job = j
		e.cancel = nil
		e.finished = q.now()
	}
	q.mu.Unlock()

	data, _ := json.Marshal(j)
	q.notifyAndClose(j.ID, SSEEvent{Event: "result", Data: string(data)})

	if j.CallbackURL != "" && q.notifier != nil {
		q.notifier.Send(ctx, j.CallbackURL, data)
	}
}

// update records a running job's latest snapshot and streams it.
func (q *Queue) update(j *job.Job) {
	q.mu.Lock()
	if e, ok := q.live[j.ID]; ok {
		e.job = clone(j)
	}
	q.mu.Unlock()

	data, _ := json.Marshal(j)
	q.notify(j.ID, SSEEvent{Event: "status", Data: string(data)})
}

func (q *Queue) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.evictFinished(q.now().Add(-finishedRetention))
		}
	}
}

// evictFinished drops snapshots of jobs that finished before cutoff.
func (q *Queue) evictFinished(cutoff time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, e := range q.live {
		if !e.finished.IsZero() && e.finished.Before(cutoff) {
			delete(q.live, id)
		}
	}
}

// notify sends an event to all subscribers of a job without blocking.
func (q *Queue) notify(jobID string, event SSEEvent) {
	q.mu.RLock()
	chans := q.subs[jobID]
	q.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes all channels for the job.
func (q *Queue) notifyAndClose(jobID string, event SSEEvent) {
	q.mu.Lock()
	chans := q.subs[jobID]
	delete(q.subs, jobID)
	q.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}

func (q *Queue) closeSubscribers(jobID string) {
	q.mu.Lock()
	chans := q.subs[jobID]
	delete(q.subs, jobID)
	q.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

func clone(j *job.Job) *job.Job {
	c := *j
	c.Outputs = append([]job.Output{}, j.Outputs...)
	return &c
}
