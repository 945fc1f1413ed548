package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	clock     *testclock.Clock
	expiry    time.Time
	refreshes int
	err       error
	refreshed chan struct{}
}

func (f *fakeSource) Expiry() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiry
}

func (f *fakeSource) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshed != nil {
		defer func() { f.refreshed <- struct{}{} }()
	}
	if f.err != nil {
		return f.err
	}
	f.expiry = f.clock.Now().Add(time.Hour)
	return nil
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func noJitter(time.Duration) time.Duration { return 0 }

func TestCheckOnce(t *testing.T) {
	now := time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		expiry      time.Time
		err         error
		wantAttempt bool
	}{
		{name: "no token yet", wantAttempt: true},
		{name: "far from expiry", expiry: now.Add(time.Hour), wantAttempt: false},
		{name: "inside window", expiry: now.Add(10 * time.Minute), wantAttempt: true},
		{name: "refresh error is reported as attempt", expiry: now.Add(time.Minute), err: errors.New("boom"), wantAttempt: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := testclock.NewClock(now)
			src := &fakeSource{clock: clk, expiry: tt.expiry, err: tt.err}
			r := &Refresher{Source: src, Clock: clk, Jitter: noJitter}
			assert.Equal(t, tt.wantAttempt, r.CheckOnce(context.Background(), nil))
			if tt.wantAttempt {
				assert.Equal(t, 1, src.count())
			} else {
				assert.Zero(t, src.count())
			}
		})
	}
}

func TestRun_RefreshesAheadOfExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(now)
	src := &fakeSource{clock: clk, expiry: now.Add(20 * time.Minute), refreshed: make(chan struct{}, 4)}
	r := &Refresher{Source: src, Interval: 5 * time.Minute, Window: 15 * time.Minute, Clock: clk, Jitter: noJitter}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// initial delay (zero jitter), then first check: 20m left, no refresh
	require.NoError(t, clk.WaitAdvance(0, time.Second, 1))
	// 5m later: 15m left, inside window
	require.NoError(t, clk.WaitAdvance(5*time.Minute, time.Second, 1))
	select {
	case <-src.refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh not triggered inside window")
	}
	assert.Equal(t, 1, src.count())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
