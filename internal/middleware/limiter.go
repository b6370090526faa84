package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter throttles admin requests per client IP. Entries for idle
// clients are dropped by a background sweep bound to ctx.
type IPRateLimiter struct {
	mu    sync.Mutex
	ips   map[string]*client
	rate  rate.Limit
	burst int
}

func NewIPRateLimiter(ctx context.Context, rps float64, burst int) *IPRateLimiter {
	limiter := &IPRateLimiter{
		ips:   make(map[string]*client),
		rate:  rate.Limit(rps),
		burst: burst,
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.cleanup()
			}
		}
	}()
	return limiter
}

func (i *IPRateLimiter) getLimiter(ip string) (*rate.Limiter, error) {
	cleanIP := net.ParseIP(ip)
	if cleanIP == nil {
		return nil, errors.New("invalid IP")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	c, ok := i.ips[cleanIP.String()]
	if !ok {
		c = &client{
			limiter:  rate.NewLimiter(i.rate, i.burst),
			lastSeen: time.Now().UTC(),
		}
		i.ips[cleanIP.String()] = c
		return c.limiter, nil
	}

	c.lastSeen = time.Now().UTC()
	return c.limiter, nil
}

func (i *IPRateLimiter) cleanup() {
	inactiveLimit := 3 * time.Minute

	i.mu.Lock()
	defer i.mu.Unlock()

	for ip, c := range i.ips {
		if time.Since(c.lastSeen) > inactiveLimit {
			delete(i.ips, ip)
		}
	}
}

func (i *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, _ := net.SplitHostPort(r.RemoteAddr)

		limiter, err := i.getLimiter(ip)
		if err != nil {
			http.Error(w, "invalid ip address", http.StatusBadRequest)
			return
		}

		if !limiter.Allow() {
			// peek at when the next token frees up, without consuming it
			reservation := limiter.Reserve()
			delay := reservation.Delay()
			reservation.Cancel()

			retrySeconds := max(1, int(delay.Seconds()))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(i.burst))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds))

			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
