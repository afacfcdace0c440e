// Package webhook delivers job completion callbacks to user-supplied URLs.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/clipforge/clipforge/internal/backoff"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Sender posts JSON payloads with retries.
type Sender struct {
	client   *http.Client
	attempts int
	base     time.Duration
	cap      time.Duration
	validate func(string) error
	sleep    func(context.Context, time.Duration) error
	log      *slog.Logger
}

func NewSender(logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		client:   &http.Client{Timeout: 30 * time.Second},
		attempts: retryAttempts,
		base:     retryBase,
		cap:      retryCap,
		validate: ValidateURL,
		sleep:    backoff.Sleep,
		log:      logger,
	}
}

// Send dispatches the JSON payload to callbackURL asynchronously.
// 8 attempts max with full-jitter exponential backoff (cap 5 min), 30s per request.
// Retries stop when ctx is done, so pass a context that outlives the job but
// ends on server shutdown.
func (s *Sender) Send(ctx context.Context, callbackURL string, payload []byte) {
	if err := s.validate(callbackURL); err != nil {
		s.log.Warn("webhook: rejected callback URL", "url", callbackURL, "error", err)
		return
	}
	go s.deliver(ctx, callbackURL, payload) //nolint:errcheck
}

// ValidateURL blocks non-HTTP schemes and private/internal IP ranges.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (s *Sender) deliver(ctx context.Context, callbackURL string, payload []byte) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = s.post(ctx, callbackURL, payload); err == nil {
			return nil
		}
		s.log.Warn("webhook attempt failed", "attempt", attempt, "url", callbackURL, "error", err)
		if attempt < s.attempts {
			if serr := s.sleep(ctx, s.jitter(attempt)); serr != nil {
				return serr
			}
		}
	}
	s.log.Error("webhook: all retries exhausted", "url", callbackURL)
	return err
}

// jitter returns a random duration in [0, min(cap, base*2^attempt)).
// Full jitter keeps simultaneous failures from retrying in lockstep.
func (s *Sender) jitter(attempt int) time.Duration {
	ceiling := backoff.Ceiling(attempt, s.base, s.cap)
	if ceiling <= 0 {
		return 0
	}
	return rand.N(ceiling)
}

func (s *Sender) post(ctx context.Context, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
