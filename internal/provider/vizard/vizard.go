// Package vizard is the clip provider client. Projects are created once and
// then polled until a terminal code is returned.
package vizard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/job"
	"github.com/clipforge/clipforge/internal/provider"
)

const DefaultBaseURL = "https://elb-api.vizard.ai/hvizard-server-front/open-api/v1"

const apiKeyHeader = "VIZARDAI_API_KEY"

// Codes is the provider's response code table.
var Codes = provider.CodeTable{
	"1000": {Status: job.StatusProcessing, Message: "Processing"},
	"2000": {Status: job.StatusSucceeded, Message: "Clipping succeeded"},
	"4001": {Status: job.StatusFailed, Message: "Invalid API key"},
	"4002": {Status: job.StatusFailed, Message: "Clipping failed"},
	"4003": {Status: job.StatusFailed, Message: "Requests exceeded the limit"},
	"4004": {Status: job.StatusFailed, Message: "Unsupported video format"},
	"4005": {Status: job.StatusFailed, Message: "Invalid video URL"},
	"4006": {Status: job.StatusFailed, Message: "Illegal parameter"},
	"4007": {Status: job.StatusFailed, Message: "Insufficient remaining time in account"},
	"4008": {Status: job.StatusFailed, Message: "Failed to download from video URL"},
}

// Client talks to the clip provider's open API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	codes   provider.CodeTable
}

// New returns a Client. An empty baseURL selects DefaultBaseURL; a nil
// http.Client gets a 30s timeout.
func New(apiKey, baseURL string, hc *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    hc,
		codes:   Codes,
	}
}

type createResponse struct {
	Code      json.Number `json:"code"`
	ProjectID json.Number `json:"projectId"`
	ErrMsg    string      `json:"errMsg"`
}

type clip struct {
	VideoID         json.Number `json:"videoId"`
	VideoURL        string      `json:"videoUrl"`
	VideoMsDuration int64       `json:"videoMsDuration"`
	Title           string      `json:"title"`
	Transcript      string      `json:"transcript"`
	ViralScore      string      `json:"viralScore"`
	ViralReason     string      `json:"viralReason"`
	RelatedTopic    string      `json:"relatedTopic"`
	ClipEditorURL   string      `json:"clipEditorUrl"`
}

type queryResponse struct {
	Code      json.Number `json:"code"`
	ErrMsg    string      `json:"errMsg"`
	ShareLink string      `json:"shareLink"`
	Videos    []clip      `json:"videos"`
}

// Submit creates a clipping project.
func (c *Client) Submit(ctx context.Context, s job.ClipSettings) (provider.Submission, error) {
	const op = "vizard submit"
	if err := s.Validate(); err != nil {
		return provider.Submission{}, err
	}

	var resp createResponse
	err := provider.DoJSON(ctx, c.http, op, http.MethodPost, c.baseURL+"/project/create",
		c.header(), s.WithDefaults(), &resp)
	if err != nil {
		return provider.Submission{}, err
	}

	code := resp.Code.String()
	if code == "" {
		return provider.Submission{}, apperr.Provider(op, "", "unrecognised response shape", nil)
	}
	outcome := c.codes.Lookup(code)
	if outcome.Status == job.StatusFailed {
		return provider.Submission{}, apperr.Provider(op, code, outcome.Message, errMsg(resp.ErrMsg))
	}
	if resp.ProjectID.String() == "" {
		return provider.Submission{}, apperr.Provider(op, code, "response carries no project id", nil)
	}
	return provider.Submission{
		ProviderJobID: resp.ProjectID.String(),
		Status:        outcome.Status,
		Code:          code,
	}, nil
}

// Poll queries a project. Provider-reported failures are returned as a
// failed PollResult, not as an error.
func (c *Client) Poll(ctx context.Context, projectID string) (provider.PollResult, error) {
	const op = "vizard poll"
	if projectID == "" {
		return provider.PollResult{}, apperr.Validation(op, "project id is required", "provider_job_id")
	}

	var resp queryResponse
	err := provider.DoJSON(ctx, c.http, op, http.MethodGet,
		c.baseURL+"/project/query/"+url.PathEscape(projectID), c.header(), nil, &resp)
	if err != nil {
		return provider.PollResult{}, err
	}

	code := resp.Code.String()
	if code == "" {
		return provider.PollResult{}, apperr.Provider(op, "", "unrecognised response shape", nil)
	}
	outcome := c.codes.Lookup(code)
	res := provider.PollResult{Status: outcome.Status, Code: code, Message: outcome.Message}
	if outcome.Status == job.StatusFailed && resp.ErrMsg != "" {
		res.Message = outcome.Message + ": " + resp.ErrMsg
	}
	if outcome.Status == job.StatusSucceeded {
		res.Outputs = outputs(resp)
	}
	return res, nil
}

func (c *Client) header() http.Header {
	return http.Header{apiKeyHeader: {c.apiKey}}
}

func outputs(resp queryResponse) []job.Output {
	out := make([]job.Output, 0, len(resp.Videos))
	for _, v := range resp.Videos {
		o := job.Output{
			ProviderOutputID: v.VideoID.String(),
			OutputURL:        v.VideoURL,
			Title:            v.Title,
			Transcript:       v.Transcript,
			ViralScore:       v.ViralScore,
			ViralReason:      v.ViralReason,
			RelatedTopic:     v.RelatedTopic,
			DurationMs:       v.VideoMsDuration,
		}
		extra := map[string]string{}
		if v.ClipEditorURL != "" {
			extra["clip_editor_url"] = v.ClipEditorURL
		}
		if resp.ShareLink != "" {
			extra["share_link"] = resp.ShareLink
		}
		if len(extra) > 0 {
			o.Extra, _ = json.Marshal(extra)
		}
		out = append(out, o)
	}
	return out
}

func errMsg(s string) error {
	if s == "" {
		return nil
	}
	return errors.New(s)
}
