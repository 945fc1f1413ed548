// Package server exposes the operator HTTP surface: liveness and readiness
// probes, the bridge status, Prometheus metrics and authenticated admin actions.
// Every request carries a correlation id for consistent logging.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/telemetry"
)

// Options configures the HTTP surface.
type Options struct {
	Addr     string
	Operator Operator
	// DB is pinged by /readyz when set.
	DB            *sql.DB
	AdminUsername string
	AdminPassword string
	AdminToken    string
	RateLimit     config.RateLimit
	Clock         clock.Clock
}

// OptionsFromConfig fills the auth and rate limit fields from cfg.
func OptionsFromConfig(cfg *config.Config, ops Operator, db *sql.DB) Options {
	return Options{
		Addr:          cfg.HTTPAddr,
		Operator:      ops,
		DB:            db,
		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,
		AdminToken:    cfg.AdminToken,
		RateLimit:     cfg.RateLimit,
	}
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, opts Options) http.Handler {
	authCfg := newAuthConfig(opts.AdminUsername, opts.AdminPassword, opts.AdminToken)
	rateLimiter := newIPRateLimiter(ctx, opts.RateLimit, opts.Clock)

	handlers := NewHandlers(opts.Operator, opts.DB)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/status", handlers.HandleStatus)

	mux.HandleFunc("/admin/stream/check", handlers.HandleAdminCheck)
	mux.HandleFunc("/admin/stream/reset", handlers.HandleAdminReset)
	mux.HandleFunc("/admin/announce", handlers.HandleAdminAnnounce)
	mux.HandleFunc("/admin/announce/update", handlers.HandleAdminAnnounceUpdate)
	mux.HandleFunc("/admin/test", handlers.HandleAdminTest)

	// auth first, then rate limiting, for /admin/ only
	protected := adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg)
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			protected.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, opts Options) error {
	srv := &http.Server{
		Addr:         opts.Addr,
		Handler:      NewMux(ctx, opts),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps ctx values but lets shutdown finish
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", opts.Addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
