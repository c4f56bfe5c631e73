// Package server middleware: admin authentication, per-IP rate limiting and CORS.
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// adminGuard protects admin endpoints with an X-Admin-Token header or Basic
// Auth. With neither configured every request passes.
type adminGuard struct {
	username string
	password string
	token    string
}

// newAdminGuard takes the configured ADMIN_TOKEN and reads Basic Auth
// credentials from ADMIN_USERNAME / ADMIN_PASSWORD.
func newAdminGuard(token string) *adminGuard {
	g := &adminGuard{
		username: os.Getenv("ADMIN_USERNAME"),
		password: os.Getenv("ADMIN_PASSWORD"),
		token:    token,
	}
	if !g.enabled() {
		slog.Warn("admin authentication not configured, reminder and oauth endpoints are open; set ADMIN_TOKEN or ADMIN_USERNAME+ADMIN_PASSWORD")
	}
	return g
}

func (g *adminGuard) enabled() bool {
	return g.token != "" || (g.username != "" && g.password != "")
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (g *adminGuard) authorized(r *http.Request) bool {
	if !g.enabled() {
		return true
	}
	if g.token != "" {
		if tok := r.Header.Get("X-Admin-Token"); tok != "" && secureEqual(tok, g.token) {
			return true
		}
	}
	if g.username != "" && g.password != "" {
		if user, pass, ok := r.BasicAuth(); ok {
			// evaluate both so timing does not reveal which one differs
			userOK := secureEqual(user, g.username)
			passOK := secureEqual(pass, g.password)
			return userOK && passOK
		}
	}
	return false
}

func (g *adminGuard) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="supibot admin"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		slog.Warn("admin request rejected", slog.String("path", r.URL.Path), slog.String("remote", r.RemoteAddr))
	})
}

// limitSettings bounds admin traffic per client IP: burst requests, refilled
// evenly over window.
type limitSettings struct {
	on     bool
	burst  int
	window time.Duration
}

func envPositiveInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// loadLimitSettings reads RATE_LIMIT_ENABLED, RATE_LIMIT_REQUESTS_PER_IP and
// RATE_LIMIT_WINDOW_SECONDS. Limiting is on unless RATE_LIMIT_ENABLED=0.
func loadLimitSettings() limitSettings {
	return limitSettings{
		on:     os.Getenv("RATE_LIMIT_ENABLED") != "0",
		burst:  envPositiveInt("RATE_LIMIT_REQUESTS_PER_IP", 10),
		window: time.Duration(envPositiveInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
	}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// ipLimiter hands each client IP its own token bucket.
type ipLimiter struct {
	set limitSettings

	mu      sync.Mutex
	buckets map[string]*bucket
}

// newIPLimiter starts a sweeper that drops idle buckets until ctx ends.
func newIPLimiter(ctx context.Context, set limitSettings) *ipLimiter {
	l := &ipLimiter{set: set, buckets: map[string]*bucket{}}
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				l.sweep(now)
			}
		}
	}()
	return l
}

// sweep forgets buckets idle for more than two windows.
func (l *ipLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.seen) > 2*l.set.window {
			delete(l.buckets, key)
		}
	}
}

func (l *ipLimiter) allow(key string) bool {
	if !l.set.on {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[key]
	if b == nil {
		refill := rate.Every(l.set.window / time.Duration(l.set.burst))
		b = &bucket{lim: rate.NewLimiter(refill, l.set.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// clientIP prefers the first X-Forwarded-For hop over RemoteAddr.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		addr = strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (l *ipLimiter) wrap(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(l.set.window.Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if l.allow(ip) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", retryAfter)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		slog.Warn("admin rate limit hit", slog.String("ip", ip), slog.String("path", r.URL.Path))
	})
}

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID"
)

// corsPolicy is permissive in development and limited to allowed origins otherwise.
type corsPolicy struct {
	origins    []string
	permissive bool
}

// loadCORSPolicy reads ENV, CORS_PERMISSIVE and CORS_ALLOWED_ORIGINS.
func loadCORSPolicy() *corsPolicy {
	env := strings.ToLower(os.Getenv("ENV"))
	p := &corsPolicy{permissive: env == "" || env == "dev" || env == "development"}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		p.permissive = v == "1" || v == "true"
	}
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			p.origins = append(p.origins, origin)
		}
	}
	if !p.permissive && len(p.origins) == 0 {
		slog.Warn("CORS restricted but CORS_ALLOWED_ORIGINS is empty, cross-origin requests will be refused")
	}
	return p
}

// allows matches origin exactly or against "*.domain" entries, which also
// cover the bare domain.
func (p *corsPolicy) allows(origin string) bool {
	for _, allowed := range p.origins {
		if origin == allowed {
			return true
		}
		if domain, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}

func (p *corsPolicy) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if p.permissive {
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
		} else if origin := r.Header.Get("Origin"); origin != "" && p.allows(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
