package replicate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clipforge/clipforge/internal/job"
	"github.com/clipforge/clipforge/internal/provider"
)

// Codes maps prediction statuses to job statuses.
var Codes = provider.CodeTable{
	"starting":   {Status: job.StatusProcessing, Message: "Starting"},
	"processing": {Status: job.StatusProcessing, Message: "Processing"},
	"succeeded":  {Status: job.StatusSucceeded, Message: "Prediction succeeded"},
	"failed":     {Status: job.StatusFailed, Message: "Prediction failed"},
	"canceled":   {Status: job.StatusFailed, Message: "Prediction canceled"},
}

type Input struct {
	Image     string `json:"image"`
	TargetAge string `json:"target_age"`
}

type Metrics struct {
	PredictTime float64 `json:"predict_time,omitempty"`
}

type URLs struct {
	Cancel string `json:"cancel"`
	Get    string `json:"get"`
	Stream string `json:"stream"`
}

// Prediction is the provider's prediction object, as returned by its API
// and posted to the webhook.
type Prediction struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Input       Input           `json:"input"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
	Metrics     Metrics         `json:"metrics"`
	URLs        URLs            `json:"urls"`
}

// Accepted reports whether p is a webhook event worth recording.
func (p Prediction) Accepted() error {
	if p.ID == "" {
		return fmt.Errorf("prediction id is required")
	}
	if _, ok := Codes[p.Status]; !ok {
		return fmt.Errorf("unsupported prediction status %q", p.Status)
	}
	return nil
}

// OutputURLs returns the output as a list of URLs. The model returns either
// a single URL or a list of them.
func (p Prediction) OutputURLs() []string {
	if len(p.Output) == 0 || string(p.Output) == "null" {
		return nil
	}
	var one string
	if err := json.Unmarshal(p.Output, &one); err == nil {
		if one == "" {
			return nil
		}
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(p.Output, &many); err == nil {
		return many
	}
	return nil
}

// ErrorMessage returns the provider error as text.
func (p Prediction) ErrorMessage() string {
	if len(p.Error) == 0 || string(p.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Error, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(p.Error))
}

// Result converts p into a poll result.
func (p Prediction) Result() provider.PollResult {
	outcome := Codes.Lookup(p.Status)
	res := provider.PollResult{Status: outcome.Status, Code: p.Status, Message: outcome.Message}
	switch outcome.Status {
	case job.StatusFailed:
		if msg := p.ErrorMessage(); msg != "" {
			res.Message = outcome.Message + ": " + msg
		}
	case job.StatusSucceeded:
		res.Outputs = p.outputs()
	}
	return res
}

func (p Prediction) outputs() []job.Output {
	urls := p.OutputURLs()
	out := make([]job.Output, 0, len(urls))
	for _, u := range urls {
		extra, _ := json.Marshal(map[string]any{
			"source_image": p.Input.Image,
			"target_age":   p.Input.TargetAge,
			"predict_time": p.Metrics.PredictTime,
		})
		out = append(out, job.Output{
			OutputURL: u,
			Extra:     extra,
		})
	}
	return out
}
