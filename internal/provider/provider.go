// Package provider defines the contract every external job provider
// implements and the helpers the concrete clients share.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/job"
)

// Submission is the provider's acknowledgement of a new job.
type Submission struct {
	ProviderJobID string
	Status        job.Status
	Code          string
}

// PollResult is the provider-reported state of a job. Outputs is set only
// when Status is succeeded.
type PollResult struct {
	Status  job.Status
	Code    string
	Message string
	Outputs []job.Output
}

// Client submits and polls jobs at one provider. Implementations never
// retry; the tracker owns retry policy.
type Client[S any] interface {
	Submit(ctx context.Context, settings S) (Submission, error)
	Poll(ctx context.Context, providerJobID string) (PollResult, error)
}

// maxResponseBytes bounds provider response bodies.
const maxResponseBytes = 8 << 20

// DoJSON sends body (if non-nil) as JSON and decodes a 2xx response into out.
// Transport failures, non-2xx statuses and undecodable bodies are provider errors.
func DoJSON(ctx context.Context, hc *http.Client, op, method, url string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperr.Unexpected(op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return apperr.Unexpected(op, fmt.Errorf("create request: %w", err))
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return apperr.Provider(op, "", "provider unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperr.Provider(op, "", "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Provider(op, fmt.Sprint(resp.StatusCode),
			fmt.Sprintf("provider returned status %d", resp.StatusCode), errorBody(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Provider(op, "", "unrecognised response shape", err)
	}
	return nil
}

func errorBody(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil
	}
	if len(s) > 512 {
		s = s[:512]
	}
	return fmt.Errorf("%s", s)
}
