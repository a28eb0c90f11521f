package middleware

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a simple in-memory sliding-window limiter keyed by
// client IP and endpoint. Good enough for a single-process deployment;
// a shared cache would be needed behind a load balancer.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	done chan struct{}
}

func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		hits: make(map[string][]time.Time),
		done: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Limit wraps a handler chain, allowing `requests` hits per `window` for
// each client IP on the named endpoint.
func (rl *RateLimiter) Limit(endpoint string, requests int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r) + ":" + endpoint

			if !rl.allow(key, requests, window) {
				log.Printf("[%s] rate limit exceeded for %s", GetRequestID(r.Context()), key)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "RATE_LIMIT_EXCEEDED",
					"message": fmt.Sprintf("Rate limit exceeded. Maximum %d requests per %d seconds.",
						requests, int(window.Seconds())),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(key string, requests int, window time.Duration) bool {
	now := time.Now()
	windowStart := now.Add(-window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	kept := rl.hits[key][:0]
	for _, ts := range rl.hits[key] {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	rl.hits[key] = kept

	if len(kept) >= requests {
		return false
	}
	rl.hits[key] = append(kept, now)
	return true
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

// cleanupLoop drops stale entries so the hit map does not grow without
// bound across many distinct clients.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.cleanup(time.Hour)
		}
	}
}

func (rl *RateLimiter) cleanup(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, hits := range rl.hits {
		kept := hits[:0]
		for _, ts := range hits {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(rl.hits, key)
		} else {
			rl.hits[key] = kept
		}
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
