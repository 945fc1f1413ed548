// Package oauth schedules proactive refreshes of the Twitch app token so a
// poll never waits on the token endpoint. It performs jittered checks and
// refreshes when the expiry falls within a configured window.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/juju/clock"
)

// Source is a token cache that can report its expiry and force a refresh.
// *twitchapi.TokenSource implements it.
type Source interface {
	Expiry() time.Time
	Refresh(ctx context.Context) error
}

// Refresher periodically checks Source and refreshes it ahead of expiry.
type Refresher struct {
	Source Source
	// Interval is how often to wake up and check (default 5m).
	Interval time.Duration
	// Window triggers a refresh when the remaining lifetime is <= Window (default 15m).
	Window time.Duration
	Clock  clock.Clock
	// Jitter returns a random duration in [0, n). Defaults to math/rand.
	Jitter func(n time.Duration) time.Duration
}

func (r *Refresher) defaults() {
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	if r.Window <= 0 {
		r.Window = 15 * time.Minute
	}
	if r.Clock == nil {
		r.Clock = clock.WallClock
	}
	if r.Jitter == nil {
		r.Jitter = func(n time.Duration) time.Duration {
			if n <= 0 {
				return 0
			}
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			return time.Duration(rand.Int63n(int64(n)))
		}
	}
}

// Run blocks until ctx is done. It always returns nil.
func (r *Refresher) Run(ctx context.Context) error {
	r.defaults()
	log := slog.Default().With(slog.String("component", "token_refresher"))
	log.Info("token refresher started", slog.Duration("interval", r.Interval), slog.Duration("window", r.Window))

	// Randomize initial delay to spread load across instances.
	select {
	case <-ctx.Done():
		return nil
	case <-r.Clock.After(r.Jitter(r.Interval / 2)):
	}
	for {
		r.CheckOnce(ctx, log)

		// per-iteration jitter of +-20% of interval
		jitterRange := r.Interval / 5
		nextSleep := r.Interval + r.Jitter(jitterRange*2) - jitterRange
		if nextSleep < r.Interval/2 {
			nextSleep = r.Interval / 2
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.Clock.After(nextSleep):
		}
	}
}

// CheckOnce refreshes the source when it has no token or the token expires
// within Window. It reports whether a refresh was attempted.
func (r *Refresher) CheckOnce(ctx context.Context, log *slog.Logger) bool {
	r.defaults()
	if log == nil {
		log = slog.Default()
	}
	exp := r.Source.Expiry()
	if !exp.IsZero() && exp.Sub(r.Clock.Now()) > r.Window {
		return false
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := r.Source.Refresh(ctx2); err != nil {
		log.Warn("token refresh failed", slog.Any("err", err))
		return true
	}
	log.Info("token refreshed", slog.Time("expires_at", r.Source.Expiry()))
	return true
}
