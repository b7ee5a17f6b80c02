// HTTP middleware for security, logging, and rate limiting.
//
// DESIGN: Middleware chain (applied in order):
//  1. panicRecovery:     Catch panics, return 500, log stack trace
//  2. loggingMiddleware: Request id, request-scoped logger, latency alerts
//  3. rateLimit:         Per-IP token bucket rate limiting
//  4. security:          Security headers, CORS
//  5. bodyLimit:         Cap request body size
package gateway

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/workflowai/inference-gateway/internal/monitoring"
)

// =============================================================================
// RESPONSE WRITER
// =============================================================================

// responseWriter records the status code. It forwards Flush and Hijack so
// SSE and websocket handlers work behind the middleware.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// streaming reports whether the response was a stream or an upgrade.
func (w *responseWriter) streaming() bool {
	return w.status == http.StatusSwitchingProtocols ||
		strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream")
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// rateLimiter is a per-IP token bucket. Buckets refill continuously at rate
// tokens per second up to a burst of rate.
type rateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	rate       float64
	maxBuckets int
	idleTTL    time.Duration
	lastSweep  time.Time
	now        func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newRateLimiter(rate int) *rateLimiter {
	return &rateLimiter{
		buckets:    make(map[string]*bucket),
		rate:       float64(rate),
		maxBuckets: MaxRateLimitBuckets,
		idleTTL:    10 * time.Minute,
		now:        time.Now,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.idleTTL {
		rl.sweep(now)
	}

	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxBuckets {
			rl.evictOldest()
		}
		b = &bucket{tokens: rl.rate, seen: now}
		rl.buckets[ip] = b
	}

	b.tokens = min(rl.rate, b.tokens+now.Sub(b.seen).Seconds()*rl.rate)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops idle buckets; an idle bucket is full anyway. Called with mu held.
func (rl *rateLimiter) sweep(now time.Time) {
	for ip, b := range rl.buckets {
		if now.Sub(b.seen) >= rl.idleTTL {
			delete(rl.buckets, ip)
		}
	}
	rl.lastSweep = now
}

// evictOldest drops the least recently seen bucket. Called with mu held.
func (rl *rateLimiter) evictOldest() {
	var oldest string
	var at time.Time
	for ip, b := range rl.buckets {
		if oldest == "" || b.seen.Before(at) {
			oldest, at = ip, b.seen
		}
	}
	delete(rl.buckets, oldest)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// loggingMiddleware assigns the request id, attaches a request-scoped
// zerolog logger to the context and logs the outcome.
func (g *Gateway) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		ctx := monitoring.WithRequestIDContext(r.Context(), requestID)
		ctx = log.With().Str("request_id", requestID).Logger().WithContext(ctx)
		r = r.WithContext(ctx)

		g.requestLogger.LogIncoming(monitoring.NewRequestInfo(r, requestID, max(int(r.ContentLength), 0)))

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		latency := time.Since(start)

		g.requestLogger.LogResponse(&monitoring.ResponseInfo{
			RequestID:  requestID,
			StatusCode: rw.status,
			Latency:    latency,
		})
		g.metrics.RecordRequest(rw.status < 400, latency)
		if !rw.streaming() {
			g.alerts.FlagHighLatency(requestID, latency, r.URL.Path)
		}
	})
}

func (g *Gateway) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			stack := string(debug.Stack())
			log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
			g.alerts.FlagPanic(monitoring.RequestIDFromContext(r.Context()), rec, stack)
			g.writeError(w, "internal error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	if g.rateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !g.rateLimiter.allow(ip) {
			log.Ctx(r.Context()).Warn().Str("ip", ip).Msg("rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			g.writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// security sets defensive headers and answers CORS preflights for local origins.
func (g *Gateway) security(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")

		if origin := r.Header.Get("Origin"); origin != "" && localOrigin(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Run-ID")
			h.Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func localOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "http://[::1]"} {
		if rest, ok := strings.CutPrefix(origin, prefix); ok && (rest == "" || rest[0] == ':') {
			return true
		}
	}
	return false
}

// clientIP returns the caller's address. Forwarding headers are trusted only
// from a loopback peer (a local reverse proxy).
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !peer.IsLoopback() {
		return host
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return host
}

func (g *Gateway) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.opts.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
