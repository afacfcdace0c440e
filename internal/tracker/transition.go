// Package tracker drives a job through its provider lifecycle: stage the
// source, submit, poll until a terminal status, resubmit with bounded
// backoff on failure and persist the outcome.
//
// The lifecycle is a pure function, Transition, from a State and an Event
// to the next State and the Effects to perform. Tracker performs the
// effects and feeds their results back as events.
package tracker

import (
	"fmt"
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/backoff"
	"github.com/clipforge/clipforge/internal/job"
)

// Limits bounds a session's retries and waits.
type Limits struct {
	// MaxRetries is the number of resubmissions after a failed run.
	MaxRetries int
	// MaxPollErrors is the number of consecutive poll transport failures
	// tolerated. Zero or less tolerates any number.
	MaxPollErrors int
	PollInterval  time.Duration
	Backoff       backoff.Policy
}

// State is the lifecycle position of one session.
type State struct {
	Status        job.Status
	ProviderJobID string
	RetryCount    int
	// RetryInFlight is set while a resubmission is pending; it keeps a
	// failure from starting a second one.
	RetryInFlight bool
	PollErrors    int
	// InputSaved is set once the job record exists in the store.
	InputSaved bool
	Terminal   bool
	Message    string
	Code       string
}

// EventType identifies what happened.
type EventType int

const (
	EventStart EventType = iota
	EventStaged
	EventStageFailed
	EventSubmitted
	EventSubmitFailed
	EventPollRunning
	EventPollSucceeded
	EventPollFailed
	EventPollError
	EventUnexpected
)

var eventNames = [...]string{
	"start", "staged", "stage_failed", "submitted", "submit_failed",
	"poll_running", "poll_succeeded", "poll_failed", "poll_error", "unexpected",
}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is the outcome of an effect.
type Event struct {
	Type          EventType
	ProviderJobID string
	Code          string
	Message       string
	Outputs       []job.Output
	Err           error
}

// EffectType identifies work the driver performs.
type EffectType int

const (
	EffectStage EffectType = iota
	EffectSubmit
	EffectSaveInput
	EffectRecordSubmission
	EffectPoll
	EffectResubmit
	EffectSaveOutputs
	EffectUpdateStatus
	EffectReport
)

var effectNames = [...]string{
	"stage", "submit", "save_input", "record_submission", "poll",
	"resubmit", "save_outputs", "update_status", "report",
}

func (t EffectType) String() string {
	if int(t) < len(effectNames) {
		return effectNames[t]
	}
	return fmt.Sprintf("effect(%d)", int(t))
}

// Effect is work requested by a transition.
type Effect struct {
	Type EffectType
	// After is the wait before a Poll or Resubmit.
	After time.Duration
	// Attempt is the 0-based resubmission number.
	Attempt int
	Status  job.Status
	Outputs []job.Output
	Err     error
}

// Transition returns the state that follows ev and the effects to perform,
// in order. Terminal states absorb every event. An event that is not valid
// in the current state moves the session to error.
func Transition(l Limits, s State, ev Event) (State, []Effect) {
	if s.Terminal {
		return s, nil
	}

	switch {
	case ev.Type == EventStart && s.Status == job.StatusPending:
		s.Status = job.StatusUploading
		return s, []Effect{{Type: EffectStage}}

	case ev.Type == EventStaged && s.Status == job.StatusUploading:
		s.Status = job.StatusProcessing
		return s, []Effect{{Type: EffectSubmit}}

	case ev.Type == EventStageFailed && s.Status == job.StatusUploading:
		return abort(s, ev)

	case ev.Type == EventSubmitted && s.RetryInFlight:
		s = submitted(s, ev)
		return s, []Effect{{Type: EffectRecordSubmission}, {Type: EffectPoll, After: l.PollInterval}}

	case ev.Type == EventSubmitted && s.Status == job.StatusProcessing && s.ProviderJobID == "":
		s = submitted(s, ev)
		s.InputSaved = true
		return s, []Effect{{Type: EffectSaveInput}, {Type: EffectPoll, After: l.PollInterval}}

	case ev.Type == EventSubmitFailed && s.RetryInFlight:
		s.RetryInFlight = false
		return fail(l, s, ev)

	case ev.Type == EventSubmitFailed && s.Status == job.StatusProcessing && s.ProviderJobID == "":
		return abort(s, ev)

	case isPollEvent(ev.Type) && s.RetryInFlight:
		// A resubmission is pending; results for the old run are stale.
		return s, nil

	case s.Status != job.StatusProcessing && isPollEvent(ev.Type):
		// Polls only happen while processing; anything else is a bug.

	case ev.Type == EventPollRunning:
		s.PollErrors = 0
		return s, []Effect{{Type: EffectPoll, After: l.PollInterval}}

	case ev.Type == EventPollSucceeded:
		s.Status = job.StatusSucceeded
		s.Terminal = true
		s.RetryCount = 0
		s.PollErrors = 0
		s.Message, s.Code = "", ev.Code
		return s, []Effect{
			{Type: EffectSaveOutputs, Outputs: ev.Outputs},
			{Type: EffectUpdateStatus, Status: job.StatusSucceeded},
		}

	case ev.Type == EventPollFailed:
		return fail(l, s, ev)

	case ev.Type == EventPollError:
		s.PollErrors++
		if l.MaxPollErrors > 0 && s.PollErrors > l.MaxPollErrors {
			s.Status = job.StatusError
			s.Terminal = true
			s.Message = fmt.Sprintf("provider unreachable after %d attempts: %s", s.PollErrors, message(ev))
			s.Code = ev.Code
			return s, []Effect{
				{Type: EffectUpdateStatus, Status: job.StatusError},
				{Type: EffectReport, Err: ev.Err},
			}
		}
		return s, []Effect{{Type: EffectPoll, After: l.Backoff.Delay(s.PollErrors - 1)}}
	}

	if ev.Type != EventUnexpected {
		ev = Event{
			Type: EventUnexpected,
			Err:  apperr.Unexpected("transition", fmt.Errorf("event %s in status %s", ev.Type, s.Status)),
		}
	}
	effects := []Effect{}
	if s.InputSaved {
		effects = append(effects, Effect{Type: EffectUpdateStatus, Status: job.StatusError})
	}
	s.Status = job.StatusError
	s.Terminal = true
	s.RetryInFlight = false
	s.Message = message(ev)
	return s, append(effects, Effect{Type: EffectReport, Err: ev.Err})
}

func isPollEvent(t EventType) bool {
	switch t {
	case EventPollRunning, EventPollSucceeded, EventPollFailed, EventPollError:
		return true
	}
	return false
}

func submitted(s State, ev Event) State {
	s.Status = job.StatusProcessing
	s.ProviderJobID = ev.ProviderJobID
	s.RetryInFlight = false
	s.PollErrors = 0
	s.Code = ev.Code
	return s
}

// abort ends a session that never reached the provider. Nothing was stored,
// so the failure is only reported.
func abort(s State, ev Event) (State, []Effect) {
	s.Status = job.StatusError
	s.Terminal = true
	s.Message = message(ev)
	s.Code = ev.Code
	return s, []Effect{{Type: EffectReport, Err: ev.Err}}
}

// fail schedules a resubmission while retries remain and records the
// failure once they are exhausted.
func fail(l Limits, s State, ev Event) (State, []Effect) {
	s.Status = job.StatusFailed
	s.Message = message(ev)
	s.Code = ev.Code
	if s.RetryCount < l.MaxRetries {
		attempt := s.RetryCount
		s.RetryCount++
		s.RetryInFlight = true
		return s, []Effect{{Type: EffectResubmit, Attempt: attempt, After: l.Backoff.Delay(attempt)}}
	}
	s.Terminal = true
	return s, []Effect{{Type: EffectUpdateStatus, Status: job.StatusFailed}}
}

func message(ev Event) string {
	if ev.Message != "" {
		return ev.Message
	}
	if ev.Err != nil {
		return apperr.PublicMessage(ev.Err)
	}
	return ""
}
