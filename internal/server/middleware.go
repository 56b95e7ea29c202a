package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Chain applies middleware so that the first one listed runs first.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// corsMethods covers the block store API. The editor server itself only
// answers GET.
const corsMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"

// CORSMiddleware lets the listed origins call the API from a browser. "*"
// allows any origin. With no origins the handler is returned unchanged.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	anyOrigin := allowed["*"]

	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (anyOrigin || allowed[origin]) {
				h := w.Header()
				if anyOrigin {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// contentSecurityPolicy allows inline styles for theme variables and link
// colors, images from any https origin for thumbnails and products, and the
// same-origin websocket.
var contentSecurityPolicy = strings.Join([]string{
	"default-src 'self'",
	"script-src 'self'",
	"style-src 'self' 'unsafe-inline'",
	"img-src 'self' data: https:",
	"connect-src 'self'",
	"frame-ancestors 'none'",
}, "; ")

// SecurityHeadersMiddleware sets the headers every editor response carries.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	headers := map[string]string{
		"Content-Security-Policy": contentSecurityPolicy,
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}

const (
	// evictionLogInterval throttles the capacity warning.
	evictionLogInterval = 30 * time.Second
	idleClientTTL       = 10 * time.Minute
	sweepInterval       = 5 * time.Minute
)

// unlimitedPaths are never rate limited so health checks keep working under load.
var unlimitedPaths = map[string]bool{"/healthz": true}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client. Requests with a bearer
// token are keyed by the token, so every editor session of one owner shares
// a bucket whichever address it comes from. Anonymous requests, such as the
// browser loading the editor, are keyed by client IP. The least recently
// seen clients are dropped when the table is full.
type RateLimiter struct {
	rps    rate.Limit
	burst  int
	logger *zap.Logger

	mu           sync.Mutex // serializes get-or-create and eviction logging
	clients      *lru.Cache[string, *clientLimiter]
	lastEvictLog time.Time
	evicted      int
}

// NewRateLimiter allows rps requests per second per client with bursts of
// burst. maxClients bounds the table; zero selects 10000.
func NewRateLimiter(rps float64, burst, maxClients int, logger *zap.Logger) *RateLimiter {
	if maxClients <= 0 {
		maxClients = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clients, err := lru.New[string, *clientLimiter](maxClients)
	if err != nil {
		panic("rate limiter: " + err.Error()) // only for a non-positive size
	}
	return &RateLimiter{rps: rate.Limit(rps), burst: burst, logger: logger, clients: clients}
}

// Run drops clients idle for longer than idleClientTTL until ctx is done.
func (l *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (l *RateLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range l.clients.Keys() {
		if c, ok := l.clients.Peek(key); ok && now.Sub(c.lastSeen) > idleClientTTL {
			l.clients.Remove(key)
		}
	}
}

// Allow spends one token of the client's bucket.
func (l *RateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients.Get(key)
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		if l.clients.Add(key, c) {
			l.noteEviction(now)
		}
	}
	c.lastSeen = now
	return c.limiter.Allow()
}

func (l *RateLimiter) noteEviction(now time.Time) {
	l.evicted++
	if now.Sub(l.lastEvictLog) < evictionLogInterval {
		return
	}
	l.logger.Warn("rate limiter evicted least-recent clients",
		zap.Int("evicted", l.evicted), zap.Int("capacity", l.clients.Len()))
	l.lastEvictLog = now
	l.evicted = 0
}

// Len returns the number of tracked clients.
func (l *RateLimiter) Len() int {
	return l.clients.Len()
}

// Middleware rejects requests over the client's limit with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unlimitedPaths[r.URL.Path] || l.Allow(clientKey(r)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// clientKey identifies the caller for rate limiting. Tokens are hashed so
// the table never holds a usable credential.
func clientKey(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		sum := sha256.Sum256([]byte(token))
		return "token:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + getClientIP(r)
}

// getClientIP extracts the client IP from the request. Forwarding headers
// are trusted only from a loopback or private peer, i.e. a reverse proxy.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil {
		return host
	}
	if peer.IsLoopback() || peer.IsPrivate() {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	return peer.String()
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
