package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 10 * time.Minute
	limiterIdleTTL       = 30 * time.Minute
)

type tenantLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// tenantLimiters hands out one token bucket per tenant.
type tenantLimiters struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*tenantLimiter
	rps      rate.Limit
	burst    int
}

func (l *tenantLimiters) get(tenantID uuid.UUID) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.limiters[tenantID]
	if !ok {
		tl = &tenantLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[tenantID] = tl
	}
	tl.lastAccess = time.Now()
	return tl.limiter
}

func (l *tenantLimiters) sweep(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, tl := range l.limiters {
		if tl.lastAccess.Before(cutoff) {
			delete(l.limiters, id)
		}
	}
}

// RateLimit applies per-tenant rate limiting. Idle limiters are swept until
// ctx is done.
func RateLimit(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	l := &tenantLimiters{
		limiters: make(map[uuid.UUID]*tenantLimiter),
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
	}

	go func() {
		ticker := time.NewTicker(limiterSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep(time.Now().Add(-limiterIdleTTL))
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, ok := TenantIDFromContext(r.Context())
			if !ok {
				// No tenant in context; skip rate limiting.
				next.ServeHTTP(w, r)
				return
			}

			if !l.get(tenantID).Allow() {
				writeProblem(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
