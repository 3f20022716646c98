package strategies

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoginPacer spaces out login page loads per host so repeated attempts and
// sibling accounts do not trip a provider's abuse detection
type LoginPacer struct {
	interval time.Duration
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLoginPacer allows one login navigation per host every interval; zero disables pacing
func NewLoginPacer(interval time.Duration) *LoginPacer {
	return &LoginPacer{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a login to rawURL's host is allowed or ctx ends
func (p *LoginPacer) Wait(ctx context.Context, rawURL string) error {
	if p == nil || p.interval <= 0 {
		return nil
	}
	return p.limiter(hostOf(rawURL)).Wait(ctx)
}

func (p *LoginPacer) limiter(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.interval), 1)
		p.limiters[host] = l
	}
	return l
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}
