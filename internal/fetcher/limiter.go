package fetcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit configures a token bucket per host.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// HostLimiter keeps outbound traffic to each host under a fixed rate. A nil
// limiter never blocks.
type HostLimiter struct {
	rate RateLimit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHostLimiter returns nil when cfg does not enable limiting.
func NewHostLimiter(cfg RateLimit) *HostLimiter {
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		return nil
	}
	return &HostLimiter{rate: cfg, limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until host may receive another request.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	if h == nil || host == "" {
		return nil
	}
	h.mu.Lock()
	limiter := h.ensureLocked(strings.ToLower(host))
	h.mu.Unlock()
	return limiter.Wait(ctx)
}

func (h *HostLimiter) ensureLocked(host string) *rate.Limiter {
	if limiter, ok := h.limiters[host]; ok {
		return limiter
	}
	interval := h.rate.Window / time.Duration(h.rate.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), h.rate.Requests)
	h.limiters[host] = limiter
	return limiter
}
