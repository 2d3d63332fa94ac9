package httpx

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const sweepEvery = 5 * time.Minute

// RateLimiter decides whether a keyed request may proceed within a fixed
// window. Implementations fail open on backend trouble.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

type windowState struct {
	count     int
	windowEnd time.Time
}

// memoryRateLimiter is the single-process fallback used when no Redis
// address is configured.
type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]windowState
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryRateLimiter returns an in-process fixed-window limiter.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]windowState),
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	state, ok := rl.windows[key]
	if !ok || now.After(state.windowEnd) {
		state = windowState{count: 1, windowEnd: now.Add(window)}
		rl.windows[key] = state
	} else if state.count < limit {
		state.count++
		rl.windows[key] = state
	} else {
		return rateDecision{allowed: false, count: state.count, windowEnd: state.windowEnd}
	}
	return rateDecision{allowed: true, count: state.count, windowEnd: state.windowEnd}
}

// sweep drops expired windows so idle keys do not accumulate.
func (rl *memoryRateLimiter) sweep() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			rl.mu.Lock()
			for key, state := range rl.windows {
				if now.After(state.windowEnd) {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stop)
	})
}

// rateLimitKeyIP derives a limiter key from the client address, preferring
// the first X-Forwarded-For hop when the API sits behind a proxy.
func rateLimitKeyIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return "ip:" + ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return "ip:" + strings.TrimSpace(req.RemoteAddr)
	}
	return "ip:" + host
}
