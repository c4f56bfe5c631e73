// Package server exposes the HTTP API: health, readiness, status, metrics,
// the reminder reload endpoints, a Server-Sent Events stream of chat events
// and the OAuth flow that stores the bot's chat token.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NotNotQuinn/supibot/telemetry"
)

// NewMux builds the routed handler. ctx bounds the rate limiter's sweeper.
func NewMux(ctx context.Context, d Deps) http.Handler {
	h := NewHandlers(ctx, d)
	guard := newAdminGuard(d.AdminToken)
	limiter := newIPLimiter(ctx, loadLimitSettings())

	open := http.NewServeMux()
	open.Handle("/metrics", promhttp.Handler())
	open.HandleFunc("/healthz", h.HandleHealthz)
	open.HandleFunc("/readyz", h.HandleReadyz)
	open.HandleFunc("/status", h.HandleStatus)
	open.HandleFunc("/events", h.HandleEvents)
	open.HandleFunc("/auth/twitch/callback", h.HandleTwitchOAuthCallback)

	admin := http.NewServeMux()
	admin.HandleFunc("/reminders/reload", h.HandleReloadAll)
	admin.HandleFunc("/reminders/reload-specific", h.HandleReloadSpecific)
	admin.HandleFunc("/auth/twitch/start", h.HandleTwitchOAuthStart)

	// credentials are checked before a request spends a rate limit token
	open.Handle("/reminders/", guard.wrap(limiter.wrap(admin)))
	open.Handle("/auth/twitch/start", guard.wrap(limiter.wrap(admin)))

	return loadCORSPolicy().wrap(traced(open))
}

// traced tags each request with a correlation ID (taken from
// X-Correlation-ID when the caller sends one) and a server span.
func traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", corr)
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+r.URL.Path, telemetry.HTTPAttrs(r.Method, r.URL.Path)...)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("http request", slog.String("component", "http"), slog.String("method", r.Method), slog.String("path", r.URL.Path))
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, sw.status)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets /events stream through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, d Deps, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     NewMux(ctx, d),
		ReadTimeout: 5 * time.Second,
		// no WriteTimeout: /events streams for as long as the client stays
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(stopCtx); err != nil {
			slog.Error("http shutdown", slog.String("component", "http"), slog.Any("err", err))
		}
	}()

	slog.Info("http listening", slog.String("component", "http"), slog.String("addr", addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
