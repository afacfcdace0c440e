package provider

import (
	"errors"
	"fmt"
	"sort"

	"github.com/clipforge/clipforge/internal/job"
)

// Outcome is what a raw provider code means.
type Outcome struct {
	Status  job.Status
	Message string
}

// CodeTable maps raw provider codes to outcomes.
type CodeTable map[string]Outcome

// Lookup returns the outcome for code. Unknown codes are failures that keep
// the raw code in the message.
func (t CodeTable) Lookup(code string) Outcome {
	if o, ok := t[code]; ok {
		return o
	}
	return Outcome{Status: job.StatusFailed, Message: fmt.Sprintf("unrecognised provider code %q", code)}
}

// Validate checks that every entry maps to a provider-reportable status and
// that processing, succeeded and failed are all reachable.
func (t CodeTable) Validate() error {
	if len(t) == 0 {
		return errors.New("code table is empty")
	}
	reachable := make(map[job.Status]bool)
	codes := make([]string, 0, len(t))
	for code := range t {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		o := t[code]
		switch o.Status {
		case job.StatusProcessing, job.StatusSucceeded, job.StatusFailed:
		default:
			return fmt.Errorf("code %q maps to status %q, want processing, succeeded or failed", code, o.Status)
		}
		if o.Status == job.StatusFailed && o.Message == "" {
			return fmt.Errorf("failure code %q has no message", code)
		}
		reachable[o.Status] = true
	}
	for _, s := range []job.Status{job.StatusProcessing, job.StatusSucceeded, job.StatusFailed} {
		if !reachable[s] {
			return fmt.Errorf("no code maps to %q", s)
		}
	}
	return nil
}
