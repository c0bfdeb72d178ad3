package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/apollo-events/data-sync/api"
	"golang.org/x/time/rate"
)

// DefaultLimiterIdleTTL is how long a store's bucket is kept without
// traffic. A bucket idle that long has refilled, so dropping it changes
// nothing for the store.
const DefaultLimiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a token bucket per store. It must run after Authenticate.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastSweep time.Time
}

func NewRateLimiter(perSecond, burst int) *RateLimiter {
	l := &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  DefaultLimiterIdleTTL,
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
	if perSecond > 0 {
		if refill := time.Duration(burst) * time.Second / time.Duration(perSecond); refill > l.idleTTL {
			l.idleTTL = refill
		}
	}
	l.lastSweep = l.now()
	return l
}

func (l *RateLimiter) limiter(storeID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweep(now)
	}
	entry, ok := l.limiters[storeID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[storeID] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// sweep drops buckets idle for longer than idleTTL. Callers hold mu.
func (l *RateLimiter) sweep(now time.Time) {
	for id, entry := range l.limiters {
		if now.Sub(entry.lastSeen) >= l.idleTTL {
			delete(l.limiters, id)
		}
	}
	l.lastSweep = now
}

func (l *RateLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Reserve takes a token for storeID. It returns how long the caller should
// wait before retrying when none is available.
func (l *RateLimiter) Reserve(storeID string) (time.Duration, bool) {
	reservation := l.limiter(storeID).Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return delay, false
	}
	return 0, true
}

func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay, ok := l.Reserve(StoreID(r.Context())); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(delay)))
			api.WriteError(w, http.StatusTooManyRequests, api.CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RetryAfterSeconds(delay time.Duration) int {
	if !(delay < rate.InfDuration) {
		return 60
	}
	return int(math.Ceil(delay.Seconds()))
}
