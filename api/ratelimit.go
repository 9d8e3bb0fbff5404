package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Per-minute request budgets. The relay budget is the tightest because every
// relay consumes on-chain resources.
const (
	limitGeneralPerMin  = 100
	limitEstimatePerMin = 200
	limitRelayPerMin    = 30

	rateWindow        = time.Minute
	rateLimiterCached = 4096
)

// clientKeyHeader lets signing clients identify themselves by address so
// many agents behind one NAT do not share a bucket.
const clientKeyHeader = "X-Client-Address"

type rateWindowState struct {
	mu    sync.Mutex
	start int64 // unix second the window opened
	count int
}

// rateLimiter is a fixed-window counter per (client, route-class). Windows
// live in a bounded LRU so abandoned clients age out on their own.
type rateLimiter struct {
	windows *lru.Cache[string, *rateWindowState]
}

func newRateLimiter() *rateLimiter {
	windows, _ := lru.New[string, *rateWindowState](rateLimiterCached)
	return &rateLimiter{windows: windows}
}

// allow counts one hit for key under limit. When the budget is exhausted it
// returns false plus the seconds until the window resets.
func (rl *rateLimiter) allow(key string, limit int) (bool, int) {
	st, ok := rl.windows.Get(key)
	if !ok {
		st = &rateWindowState{}
		// Two goroutines may race here; both end up with the cached one.
		if prev, found, _ := rl.windows.PeekOrAdd(key, st); found {
			st = prev
		}
	}

	now := time.Now().Unix()
	windowStart := now - now%int64(rateWindow.Seconds())

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.start != windowStart {
		st.start = windowStart
		st.count = 0
	}
	if st.count >= limit {
		retryAfter := int(st.start + int64(rateWindow.Seconds()) - now)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}
	st.count++
	return true, 0
}

// clientKey identifies the caller: the self-declared signing address when
// present, the peer IP otherwise.
func clientKey(r *http.Request) string {
	if addr := r.Header.Get(clientKeyHeader); addr != "" {
		return addr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitMiddleware enforces a per-minute budget for one route class.
func (a *API) rateLimitMiddleware(class string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter := a.limiter.allow(clientKey(r)+"|"+class, limit)
			if !ok {
				ErrRateLimited.WithRetryAfter(retryAfter).Write(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
