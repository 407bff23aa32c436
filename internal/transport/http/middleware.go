package http

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/spillq/internal/metrics"
)

// ─── CORS ────────────────────────────────────────────────────────────────────

// CORSMiddleware lets browser tooling on another origin drive the queue.
// Preflight requests are answered here.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key")
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Status capture ──────────────────────────────────────────────────────────

// responseWriter records the status code written through it.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection through the
// wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// wrap returns w as a *responseWriter, reusing an existing wrapper.
func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

// ─── Logging ─────────────────────────────────────────────────────────────────

// LoggingMiddleware logs one line per request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrap(w)
		next.ServeHTTP(rw, r)
		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// ─── Metrics ─────────────────────────────────────────────────────────────────

// MetricsMiddleware counts requests and their durations in reg. A nil reg
// disables counting.
func MetricsMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if reg == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)
			durKey := metrics.HTTPDurKey(r.Method, r.URL.Path)
			reg.HTTPReqs.Inc(metrics.HTTPKey(r.Method, r.URL.Path, strconv.Itoa(rw.status)))
			reg.HTTPDurMs.Add(durKey, time.Since(start).Milliseconds())
			reg.HTTPDurCnt.Inc(durKey)
		})
	}
}

// ─── Auth ────────────────────────────────────────────────────────────────────

// AuthMiddleware requires the X-Api-Key header to equal apiKey when auth is
// enabled. The comparison is constant-time.
func AuthMiddleware(apiKey string, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled || apiKey == "" {
			return next
		}
		want := []byte(apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Api-Key")), want) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResp{Error: "unauthorized", Code: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Rate limiting ───────────────────────────────────────────────────────────

const (
	limiterTableMax = 5000
	limiterIdleTTL  = 10 * time.Minute
)

// limiterTable holds one token bucket per client IP.
type limiterTable struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiterTable(rps float64, burst int) *limiterTable {
	return &limiterTable{rps: rate.Limit(rps), burst: burst, buckets: make(map[string]*bucket)}
}

// allow takes one token from ip's bucket. Idle buckets are evicted once the
// table reaches limiterTableMax entries.
func (t *limiterTable) allow(ip string) bool {
	now := time.Now()

	t.mu.Lock()
	b, ok := t.buckets[ip]
	if !ok {
		if len(t.buckets) >= limiterTableMax {
			for k, v := range t.buckets {
				if now.Sub(v.lastSeen) > limiterIdleTTL {
					delete(t.buckets, k)
				}
			}
		}
		b = &bucket{lim: rate.NewLimiter(t.rps, t.burst)}
		t.buckets[ip] = b
	}
	b.lastSeen = now
	t.mu.Unlock()

	return b.lim.AllowN(now, 1)
}

// RateLimitMiddleware applies a per-IP token bucket of rps requests per
// second with the given burst. rps <= 0 disables limiting.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rps <= 0 {
			return next
		}
		table := newLimiterTable(rps, burst)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !table.allow(clientIP(r)) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, errorResp{Error: "rate limit exceeded", Code: "rate_limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the first X-Forwarded-For hop when it parses as an IP,
// otherwise the host part of RemoteAddr. X-Forwarded-For is only trustworthy
// behind a proxy that sets it.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ─── Body size limit ─────────────────────────────────────────────────────────

// maxRequestBodyBytes caps every request body. It sits above the element
// size limit so an oversized push is rejected by the queue with its own error.
const maxRequestBodyBytes = 1 << 20

// MaxBodyMiddleware caps request bodies at maxRequestBodyBytes.
func MaxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// chain wraps h in mw, first = outermost.
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
