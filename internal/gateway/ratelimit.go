package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shakram02/mcp-db-gateway/internal/apperr"
)

// limiters holds one token bucket per database name.
type limiters struct {
	rps   float64
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newLimiters(rps float64, burst int) *limiters {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &limiters{rps: rps, burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func (l *limiters) get(name string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[name]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.buckets[name] = lim
	}
	return lim
}

// allow takes a token for name or returns a RateLimited error. Requests are
// rejected rather than queued.
func (l *limiters) allow(name string) error {
	if l.rps <= 0 {
		return nil
	}
	reservation := l.get(name).Reserve()
	if !reservation.OK() {
		return apperr.New(apperr.KindRateLimited, "rate limit exceeded for database %q", name)
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return apperr.New(apperr.KindRateLimited, "rate limit exceeded for database %q, retry in %s", name, delay.Round(time.Millisecond))
	}
	return nil
}
