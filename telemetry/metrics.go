// Package telemetry provides Prometheus metrics, tracing and correlation-id aware logging helpers.
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
	PollsTotal        *prometheus.CounterVec // result=ok|error
	EventsTotal       *prometheus.CounterVec // event=stream_started|stream_ended|stream_updated
	EditsTotal        *prometheus.CounterVec // result=ok|unmodified|not_found|error
	AnnouncementsSent *prometheus.CounterVec // kind=photo|text|end|title|manual
	StateSaveFailures prometheus.Counter

	// Histograms (seconds)
	PollDuration prometheus.Observer

	// Gauges
	StreamLiveGauge         prometheus.Gauge // 1=live,0=offline
	AnnouncementActiveGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_polls_total", Help: "Stream status polls by result"}, []string{"result"})
		EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_events_total", Help: "Classified stream events"}, []string{"event"})
		EditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_announcement_edits_total", Help: "Announcement edits by outcome"}, []string{"result"})
		AnnouncementsSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "herald_messages_sent_total", Help: "Channel messages sent by kind"}, []string{"kind"})
		StateSaveFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "herald_state_save_failures_total", Help: "Failed writes of the persisted stream state"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "herald_poll_duration_seconds", Help: "Duration of one stream status check", Buckets: prometheus.DefBuckets})
		StreamLiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "herald_stream_live", Help: "Tracked broadcaster live=1 offline=0"})
		AnnouncementActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "herald_announcement_active", Help: "1 while a live announcement is being tracked"})
	})
}

// CountPoll records a poll outcome.
func CountPoll(ok bool) {
	if PollsTotal == nil {
		return
	}
	if ok {
		PollsTotal.WithLabelValues("ok").Inc()
	} else {
		PollsTotal.WithLabelValues("error").Inc()
	}
}

// CountEvent records a classified event.
func CountEvent(event string) {
	if EventsTotal != nil && event != "" {
		EventsTotal.WithLabelValues(event).Inc()
	}
}

// CountEdit records an announcement edit outcome.
func CountEdit(result string) {
	if EditsTotal != nil {
		EditsTotal.WithLabelValues(result).Inc()
	}
}

// CountSent records a message sent to the channel.
func CountSent(kind string) {
	if AnnouncementsSent != nil {
		AnnouncementsSent.WithLabelValues(kind).Inc()
	}
}

// SetLive sets the live gauge.
func SetLive(live bool) { setBool(StreamLiveGauge, live) }

// SetAnnouncementActive sets the announcement gauge.
func SetAnnouncementActive(active bool) { setBool(AnnouncementActiveGauge, active) }

func setBool(g prometheus.Gauge, v bool) {
	if g == nil {
		return
	}
	if v {
		g.Set(1)
	} else {
		g.Set(0)
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
