// Package middleware carries the cross-cutting HTTP concerns: per-actor
// rate limits, security headers, and request metrics/tracing.
package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"proofwork/observability"
)

// RateLimit is one route's per-actor budget. Shared routes additionally
// debit a store-backed bucket, so the budget holds across instances.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
	Shared            bool
}

// SharedBuckets is a per-key token budget persisted in the backing store.
type SharedBuckets interface {
	Take(ctx context.Context, key string, ratePerSec, burst float64) (bool, error)
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces in-process token buckets keyed by actor identity
// (bearer-token prefix when present, client IP otherwise).
type RateLimiter struct {
	log      *slog.Logger
	global   RateLimit
	routes   map[string]RateLimit
	shared   SharedBuckets
	mu       sync.Mutex
	visitors map[string]*rateEntry
	now      func() time.Time
}

// NewRateLimiter wires the limiter with a global default plus per-route
// overrides. A nil shared store disables the cross-instance backstop.
func NewRateLimiter(global RateLimit, routes map[string]RateLimit, shared SharedBuckets, log *slog.Logger) *RateLimiter {
	limiter := &RateLimiter{
		log:      log,
		global:   global,
		routes:   routes,
		shared:   shared,
		visitors: make(map[string]*rateEntry),
		now:      time.Now,
	}
	go limiter.sweep()
	return limiter
}

// Limit wraps a handler with the budget registered for the named route.
func (r *RateLimiter) Limit(route string) func(http.Handler) http.Handler {
	limit, ok := r.routes[route]
	if !ok {
		limit = r.global
	}
	return func(next http.Handler) http.Handler {
		if limit.RequestsPerMinute <= 0 {
			return next
		}
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id := route + "|" + actorID(req)
			if !r.obtain(id, limit).Allow() {
				observability.HTTP().Throttles.WithLabelValues(route).Inc()
				w.Header().Set("Retry-After", "60")
				writeThrottled(w)
				return
			}
			if limit.Shared && r.shared != nil {
				ok, err := r.shared.Take(req.Context(), id, limit.RequestsPerMinute/60.0, float64(burst))
				if err != nil {
					// The shared bucket is a backstop; an unreachable store
					// must not take the route down.
					r.log.Warn("shared rate bucket unavailable", "route", route, "error", err)
				} else if !ok {
					observability.HTTP().Throttles.WithLabelValues(route).Inc()
					w.Header().Set("Retry-After", "60")
					writeThrottled(w)
					return
				}
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtain(id string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.visitors[id]
	if !ok {
		perSecond := cfg.RequestsPerMinute / 60.0
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		r.visitors[id] = entry
	}
	entry.lastSeen = r.now()
	return entry.limiter
}

// sweep drops idle visitors so the map stays bounded.
func (r *RateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := r.now().Add(-10 * time.Minute)
		r.mu.Lock()
		for id, entry := range r.visitors {
			if entry.lastSeen.Before(cutoff) {
				delete(r.visitors, id)
			}
		}
		r.mu.Unlock()
	}
}

// actorID prefers the bearer token's printable prefix over the network
// address, so one NAT does not starve a colocated fleet.
func actorID(req *http.Request) string {
	if header := req.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimPrefix(header, "Bearer ")
		if idx := strings.LastIndex(token, "_"); idx > 0 {
			return token[:idx]
		}
		if len(token) > 16 {
			return token[:16]
		}
		return token
	}
	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma > 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func writeThrottled(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":{"code":"rate_limited","message":"too many requests"}}`))
}
