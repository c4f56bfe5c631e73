// Package telemetry provides Prometheus metrics, tracing, and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesSent      prometheus.Counter
	MessagesDropped   *prometheus.CounterVec // reason=queue_full|mode_changed|closed
	TransportErrors   *prometheus.CounterVec // kind
	BansObserved      prometheus.Counter
	ChannelParts      *prometheus.CounterVec // reason=permaban|ban_threshold|banned_notice
	RejoinAttempts    *prometheus.CounterVec // result=ok|failed|skipped
	EmoteFetchFailed  *prometheus.CounterVec // provider
	EmoteSetRefreshes *prometheus.CounterVec // result=ok|failed|unchanged
	StreamTransitions *prometheus.CounterVec // state=online|offline

	// Histograms (seconds)
	JobDuration *prometheus.HistogramVec // job

	// Gauges
	QueueDepth  *prometheus.GaugeVec // channel
	FailedJoins prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_sent_total", Help: "Messages handed to the chat transport"})
		MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_messages_dropped_total", Help: "Outbound messages dropped before delivery"}, []string{"reason"})
		TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_transport_errors_total", Help: "Transport failures by kind"}, []string{"kind"})
		BansObserved = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_bans_observed_total", Help: "Bans and timeouts seen in joined channels"})
		ChannelParts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_channel_parts_total", Help: "Channels parted because of moderation events"}, []string{"reason"})
		RejoinAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_rejoin_attempts_total", Help: "Rejoin sweep attempts by result"}, []string{"result"})
		EmoteFetchFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "emote_fetch_failures_total", Help: "Emote provider requests that did not succeed"}, []string{"provider"})
		EmoteSetRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "emote_set_refreshes_total", Help: "Authorized emote set refreshes by result"}, []string{"result"})
		StreamTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stream_transitions_total", Help: "Online/offline transitions detected by the liveness poll"}, []string{"state"})
		JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "chat_job_duration_seconds", Help: "Periodic job duration seconds", Buckets: prometheus.DefBuckets}, []string{"job"})
		QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chat_queue_depth", Help: "Pending outbound messages per channel"}, []string{"channel"})
		FailedJoins = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_failed_joins", Help: "Channels waiting for the rejoin sweep"})
	})
}

// IncSent counts one delivered message.
func IncSent() {
	if MessagesSent != nil {
		MessagesSent.Inc()
	}
}

// IncDropped counts a dropped outbound message.
func IncDropped(reason string, n int) {
	if MessagesDropped != nil && n > 0 {
		MessagesDropped.WithLabelValues(reason).Add(float64(n))
	}
}

// IncTransportError counts a transport failure of the given kind.
func IncTransportError(kind string) {
	if TransportErrors != nil {
		TransportErrors.WithLabelValues(kind).Inc()
	}
}

// IncBan counts an observed ban or timeout.
func IncBan() {
	if BansObserved != nil {
		BansObserved.Inc()
	}
}

// IncPart counts a moderation-driven part.
func IncPart(reason string) {
	if ChannelParts != nil {
		ChannelParts.WithLabelValues(reason).Inc()
	}
}

// IncRejoin counts a rejoin sweep outcome.
func IncRejoin(result string) {
	if RejoinAttempts != nil {
		RejoinAttempts.WithLabelValues(result).Inc()
	}
}

// IncEmoteFetchFailed counts a failed provider request.
func IncEmoteFetchFailed(provider string) {
	if EmoteFetchFailed != nil {
		EmoteFetchFailed.WithLabelValues(provider).Inc()
	}
}

// IncEmoteSetRefresh counts an authorized emote set refresh outcome.
func IncEmoteSetRefresh(result string) {
	if EmoteSetRefreshes != nil {
		EmoteSetRefreshes.WithLabelValues(result).Inc()
	}
}

// IncStreamTransition counts an online/offline transition.
func IncStreamTransition(state string) {
	if StreamTransitions != nil {
		StreamTransitions.WithLabelValues(state).Inc()
	}
}

// SetQueueDepth records the pending message count of a channel queue.
func SetQueueDepth(channel string, n int) {
	if QueueDepth != nil {
		QueueDepth.WithLabelValues(channel).Set(float64(n))
	}
}

// SetFailedJoins records the size of the failed-join set.
func SetFailedJoins(n int) {
	if FailedJoins != nil {
		FailedJoins.Set(float64(n))
	}
}

// ObserveJob records how long a periodic job took.
func ObserveJob(job string, d time.Duration) {
	if JobDuration != nil {
		JobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
