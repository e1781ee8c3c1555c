package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter implements a simple token bucket rate limiter per IP address
type RateLimiter struct {
	limiters  map[string]*rate.Limiter
	mu        sync.RWMutex
	rateLimit rate.Limit // Requests per second
	burstSize int        // Maximum burst size
}

// NewRateLimiter creates a new rate limiter
// rateLimit: requests per second
// burstSize: maximum number of requests allowed in a burst
func NewRateLimiter(rateLimit rate.Limit, burstSize int) *RateLimiter {
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: rateLimit,
		burstSize: burstSize,
	}
}

// GetLimiter returns the rate limiter for a given IP address
// Creates a new limiter for the IP if one doesn't exist
func (rl *RateLimiter) GetLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.rateLimit, rl.burstSize)
		rl.limiters[ip] = limiter
	}

	return limiter
}

// NewRateLimitMiddleware creates middleware for per-IP rate limiting
// minuteLimit: requests per minute
func NewRateLimitMiddleware(minuteLimit int, logger *slog.Logger) func(http.Handler) http.Handler {
	rps := rate.Limit(float64(minuteLimit) / 60.0)
	limiter := NewRateLimiter(rps, minuteLimit)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr

			if !limiter.GetLimiter(ip).Allow() {
				logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requireSignature guards state-mutating and information-disclosing routes.
// It reads the raw body, verifies the HMAC-SHA256 signature header against
// the shared secret, and re-buffers the body so the handler can read it
// again. The passive health and status routes are not behind this guard.
func (s *Server) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > MaxPayloadBytes {
			s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
			return
		}

		signature := r.Header.Get(SignatureHeader)
		if signature == "" {
			s.Logger.Warn("No signature provided", "path", r.URL.Path)
			s.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "no signature"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
		if err != nil {
			s.Logger.Error("Failed to read request body", "error", err, "path", r.URL.Path)
			s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read payload"})
			return
		}

		if !VerifySignature(body, signature, s.Secret) {
			s.Logger.Warn("Invalid signature", "path", r.URL.Path)
			s.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
