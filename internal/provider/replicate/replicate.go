// Package replicate is the age transformation provider client. Predictions
// report progress to a webhook that fills a Redis cache; Poll reads the
// cache first and falls back to the provider's API on a miss.
package replicate

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/job"
	"github.com/clipforge/clipforge/internal/provider"
)

const (
	DefaultBaseURL = "https://api.replicate.com/v1"
	// DefaultModelVersion is the age transformation model.
	DefaultModelVersion = "9222a21c181b707209ef12b5e0d7e94c994b58f01c7b2fec075d2e892362f13c"
	// WebhookPath is where the provider posts prediction events.
	WebhookPath = "/api/v1/replicate/webhook"
)

var webhookEvents = []string{"start", "output", "completed"}

// Options configures a Client.
type Options struct {
	Token        string
	BaseURL      string
	ModelVersion string
	// PublicURL is this service's externally reachable base URL. Empty
	// disables the webhook and Poll always asks the provider.
	PublicURL string
	HTTP      *http.Client
	Cache     *RedisCache
	// StaleAfter is how long a cached non-terminal status is trusted before
	// Poll asks the provider directly. Zero selects two minutes.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

type Client struct {
	token   string
	baseURL string
	version string
	webhook string
	http    *http.Client
	cache   *RedisCache
	stale   time.Duration
	log     *slog.Logger
}

func New(opts Options) *Client {
	c := &Client{
		token:   opts.Token,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		version: opts.ModelVersion,
		http:    opts.HTTP,
		cache:   opts.Cache,
		stale:   opts.StaleAfter,
		log:     opts.Logger,
	}
	if c.stale <= 0 {
		c.stale = 2 * time.Minute
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.version == "" {
		c.version = DefaultModelVersion
	}
	if opts.PublicURL != "" {
		c.webhook = strings.TrimRight(opts.PublicURL, "/") + WebhookPath
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

type createRequest struct {
	Version             string   `json:"version"`
	Input               Input    `json:"input"`
	Webhook             string   `json:"webhook,omitempty"`
	WebhookEventsFilter []string `json:"webhook_events_filter,omitempty"`
}

// Submit creates a prediction.
func (c *Client) Submit(ctx context.Context, s job.AgeSettings) (provider.Submission, error) {
	const op = "replicate submit"
	if err := s.Validate(); err != nil {
		return provider.Submission{}, err
	}
	s = s.WithDefaults()

	req := createRequest{
		Version: c.version,
		Input:   Input{Image: s.ImageURL, TargetAge: string(s.TargetAge)},
	}
	if c.webhook != "" {
		req.Webhook = c.webhook
		req.WebhookEventsFilter = webhookEvents
	}

	var p Prediction
	if err := provider.DoJSON(ctx, c.http, op, http.MethodPost, c.baseURL+"/predictions", c.header(), req, &p); err != nil {
		return provider.Submission{}, err
	}
	if p.ID == "" {
		return provider.Submission{}, apperr.Provider(op, "", "response carries no prediction id", nil)
	}
	res := p.Result()
	if res.Status == job.StatusFailed {
		return provider.Submission{}, apperr.Provider(op, p.Status, res.Message, nil)
	}
	c.remember(ctx, p)
	return provider.Submission{ProviderJobID: p.ID, Status: res.Status, Code: p.Status}, nil
}

// Poll returns the prediction's state from the cache. It asks the provider
// when the cache has nothing, or only a non-terminal status older than the
// staleness window.
func (c *Client) Poll(ctx context.Context, id string) (provider.PollResult, error) {
	const op = "replicate poll"
	if id == "" {
		return provider.PollResult{}, apperr.Validation(op, "prediction id is required", "provider_job_id")
	}

	if c.cache != nil {
		e, ok, err := c.cache.Get(ctx, id)
		switch {
		case err != nil:
			c.log.Warn("prediction cache read failed, asking provider", "prediction_id", id, "error", err)
		case ok:
			res := e.Prediction.Result()
			if res.Status != job.StatusProcessing || time.Since(e.CachedAt) < c.stale {
				return res, nil
			}
		}
	}

	var p Prediction
	err := provider.DoJSON(ctx, c.http, op, http.MethodGet, c.baseURL+"/predictions/"+url.PathEscape(id), c.header(), nil, &p)
	if err != nil {
		return provider.PollResult{}, err
	}
	if p.Status == "" {
		return provider.PollResult{}, apperr.Provider(op, "", "unrecognised response shape", nil)
	}
	if p.ID == "" {
		p.ID = id
	}
	if !c.remember(ctx, p) {
		// A terminal webhook event landed while the provider answered.
		if e, ok, err := c.cache.Get(ctx, id); err == nil && ok {
			return e.Prediction.Result(), nil
		}
	}
	return p.Result(), nil
}

// remember writes p to the cache so the next polls stay local until the
// webhook reports again. A terminal status already cached is kept; remember
// returns false in that case.
func (c *Client) remember(ctx context.Context, p Prediction) bool {
	if c.cache == nil || c.webhook == "" {
		return true
	}
	written, err := c.cache.Refresh(ctx, p)
	if err != nil {
		c.log.Warn("prediction cache write failed", "prediction_id", p.ID, "error", err)
		return true
	}
	return written
}

func (c *Client) header() http.Header {
	return http.Header{"Authorization": {"Bearer " + c.token}}
}
