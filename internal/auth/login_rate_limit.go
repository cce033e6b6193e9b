package auth

import (
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"epicflare/internal/httpx"
)

const maxTrackedClients = 5000

// LoginRateLimiter is a per-client sliding window shared by every endpoint
// that accepts a password or creates credentials. Clients are keyed by
// httpx.ClientIP, so forwarded addresses only count behind a trusted proxy.
type LoginRateLimiter struct {
	mu         sync.Mutex
	maxHits    int
	window     time.Duration
	attempts   map[string][]time.Time
	maxClients int
	now        func() time.Time
}

func NewLoginRateLimiter(maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &LoginRateLimiter{
		maxHits:    maxHits,
		window:     window,
		attempts:   make(map[string][]time.Time),
		maxClients: maxTrackedClients,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(httpx.ClientIP(r), l.now())
		if !allowed {
			w.Header().Set("Retry-After", fmtInt(int(math.Ceil(retryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "Too many attempts. Try again later.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allow records an attempt for client unless the window is already full, in
// which case it reports how long until the oldest attempt expires.
func (l *LoginRateLimiter) allow(client string, now time.Time) (bool, time.Duration) {
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	live := withinWindow(l.attempts[client], cutoff)
	if len(live) >= l.maxHits {
		l.attempts[client] = live
		return false, max(live[0].Sub(cutoff), time.Second)
	}
	l.attempts[client] = append(live, now)

	if len(l.attempts) > l.maxClients {
		l.evictIdle(cutoff)
	}
	return true, 0
}

// withinWindow drops attempts at or before cutoff. Attempts are stored in
// arrival order.
func withinWindow(attempts []time.Time, cutoff time.Time) []time.Time {
	first := sort.Search(len(attempts), func(i int) bool { return attempts[i].After(cutoff) })
	return attempts[first:]
}

func (l *LoginRateLimiter) evictIdle(cutoff time.Time) {
	for client, attempts := range l.attempts {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(cutoff) {
			delete(l.attempts, client)
		}
	}
}
