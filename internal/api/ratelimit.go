package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// workRoutes start provider work or write to the staging bucket. Only POSTs
// to these are throttled; reads and webhooks pass through.
var workRoutes = map[string]bool{
	"/api/v1/jobs":    true,
	"/api/v1/uploads": true,
}

const clientIdleAfter = 5 * time.Minute

type clientBucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// submitLimiter hands every client address its own token bucket for job
// creation and uploads.
type submitLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	rps     rate.Limit
	burst   int
	now     func() time.Time
}

// newSubmitLimiter allows rps work requests per second per client, with a
// burst of rps rounded up (at least one).
func newSubmitLimiter(rps float64) *submitLimiter {
	return &submitLimiter{
		clients: make(map[string]*clientBucket),
		rps:     rate.Limit(rps),
		burst:   max(1, int(math.Ceil(rps))),
		now:     time.Now,
	}
}

func (l *submitLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[client]
	if !ok {
		b = &clientBucket{tokens: rate.NewLimiter(l.rps, l.burst)}
		l.clients[client] = b
	}
	b.lastSeen = l.now()
	return b.tokens.Allow()
}

// evictIdle forgets clients last seen before cutoff.
func (l *submitLimiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for client, b := range l.clients {
		if b.lastSeen.Before(cutoff) {
			delete(l.clients, client)
		}
	}
}

func (l *submitLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(clientIdleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle(l.now().Add(-clientIdleAfter))
		}
	}
}

// RateLimit throttles job creation and uploads to rps requests per second
// per client address. Idle clients are forgotten until ctx ends. A zero rps
// disables throttling.
func RateLimit(ctx context.Context, rps float64) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	l := newSubmitLimiter(rps)
	go l.evictLoop(ctx)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && workRoutes[r.URL.Path] && !l.allow(clientIP(r)) {
				w.Header().Set("Retry-After", "1")
				writeJSONStatus(w, http.StatusTooManyRequests, false, "too many submissions, retry shortly", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the first X-Forwarded-For hop, or the host of RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
