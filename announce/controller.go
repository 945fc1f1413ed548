// Package announce tracks the single outstanding "stream is live" message and
// rewrites it on a fixed cadence once the stream has been live long enough.
package announce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/onnwee/stream-herald/telemetry"
)

var (
	// ErrMessageNotFound means the announcement was deleted or is inaccessible.
	ErrMessageNotFound = errors.New("announcement message not found")
	// ErrMessageNotModified means the edit would not change the message.
	ErrMessageNotModified = errors.New("announcement message not modified")
	// ErrNoActiveAnnouncement is returned by operator actions while Idle.
	ErrNoActiveAnnouncement = errors.New("no active announcement")
)

// Defaults used when Config leaves a field zero.
const (
	DefaultThreshold    = 10 * time.Minute
	DefaultTickInterval = time.Minute
)

// State of the controller.
type State int

const (
	Idle State = iota
	Announced
	Updating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Announced:
		return "announced"
	case Updating:
		return "updating"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Ref identifies a published announcement. Caption is set for photo
// messages, whose text lives in the caption.
type Ref struct {
	ChatID    string `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Caption   bool   `json:"caption"`
}

// Update is the data rendered into an edit. Minutes is filled in by the
// controller from the elapsed session time.
type Update struct {
	Title       string `json:"title"`
	Category    string `json:"category"`
	ViewerCount int    `json:"viewer_count"`
	Minutes     int    `json:"minutes"`
}

// Editor rewrites a published announcement. Implementations wrap transport
// failures with ErrMessageNotFound or ErrMessageNotModified where they apply.
type Editor interface {
	Edit(ctx context.Context, ref Ref, u Update) error
}

// Config of a Controller.
type Config struct {
	Threshold    time.Duration
	TickInterval time.Duration
	Clock        clock.Clock
}

// Status is a point-in-time view for operators.
type Status struct {
	State     string    `json:"state"`
	Ref       *Ref      `json:"ref,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Minutes   int       `json:"elapsed_minutes"`
	Engaged   bool      `json:"engaged"`
	Data      Update    `json:"data"`
}

// Controller owns the announcement handle. It is safe for concurrent use.
type Controller struct {
	editor       Editor
	clock        clock.Clock
	threshold    time.Duration
	tickInterval time.Duration

	mu        sync.Mutex
	state     State
	ref       Ref
	startedAt time.Time
	engaged   bool
	data      Update
	// session is bumped whenever the handle changes so that an edit outcome
	// arriving after a reset is ignored.
	session uint64
	stop    chan struct{}

	editMu sync.Mutex
	wg     sync.WaitGroup
}

// NewController returns an Idle controller.
func NewController(editor Editor, cfg Config) *Controller {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Controller{
		editor:       editor,
		clock:        cfg.Clock,
		threshold:    cfg.Threshold,
		tickInterval: cfg.TickInterval,
	}
}

func logger() *slog.Logger { return slog.Default().With(slog.String("component", "announce")) }

// SetMessageInfo records a freshly published announcement and enters Announced.
func (c *Controller) SetMessageInfo(ref Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTickerLocked()
	c.session++
	c.ref = ref
	c.startedAt = c.clock.Now()
	c.engaged = false
	c.state = Announced
	telemetry.SetAnnouncementActive(true)
	logger().Info("announcement tracked",
		slog.String("chat_id", ref.ChatID),
		slog.Int64("message_id", ref.MessageID),
		slog.Duration("threshold", c.threshold))
}

// Start stores the initial data and starts the ticker. A running ticker is
// replaced.
func (c *Controller) Start(ctx context.Context, u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = u
	if c.state == Idle {
		logger().Warn("start ignored: no announcement tracked")
		return
	}
	c.stopTickerLocked()
	stop := make(chan struct{})
	c.stop = stop
	c.wg.Add(1)
	go c.loop(ctx, stop)
}

func (c *Controller) loop(ctx context.Context, stop <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-c.clock.After(c.tickInterval):
		}
		select {
		case <-stop:
			return
		default:
		}
		c.Tick(ctx)
	}
}

// Tick is one scheduled check. Panics are recovered so the ticker survives.
func (c *Controller) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger().Error("announcement tick panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()

	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	elapsed := c.clock.Now().Sub(c.startedAt)
	if elapsed < c.threshold {
		c.mu.Unlock()
		logger().Debug("below update threshold",
			slog.Int("elapsed_minutes", Minutes(elapsed)),
			slog.Int("minutes_remaining", Minutes(c.threshold-elapsed)))
		return
	}
	ref, u, session := c.ref, c.data, c.session
	u.Minutes = Minutes(elapsed)
	c.mu.Unlock()

	_ = c.edit(ctx, ref, u, session, true)
}

// Refresh replaces the cached data without editing.
func (c *Controller) Refresh(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		c.data = u
	}
}

// UpdateViewers stores the data and edits immediately, but only once
// periodic updates are engaged. Before that it is a no-op.
func (c *Controller) UpdateViewers(ctx context.Context, u Update) error {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		logger().Debug("update skipped: no announcement tracked")
		return nil
	}
	c.data = u
	if c.state != Updating {
		c.mu.Unlock()
		logger().Info("update skipped: below threshold", slog.String("title", u.Title))
		return nil
	}
	ref, session := c.ref, c.session
	u.Minutes = Minutes(c.clock.Now().Sub(c.startedAt))
	c.mu.Unlock()

	return c.edit(ctx, ref, u, session, false)
}

// ForceUpdate edits the announcement now regardless of the threshold and
// returns the elapsed minutes rendered into it.
func (c *Controller) ForceUpdate(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return 0, ErrNoActiveAnnouncement
	}
	ref, u, session := c.ref, c.data, c.session
	u.Minutes = Minutes(c.clock.Now().Sub(c.startedAt))
	c.mu.Unlock()

	return u.Minutes, c.edit(ctx, ref, u, session, false)
}

// edit performs one edit and applies its outcome. engage latches periodic
// updates on success. A not-modified outcome counts as success.
func (c *Controller) edit(ctx context.Context, ref Ref, u Update, session uint64, engage bool) error {
	c.editMu.Lock()
	defer c.editMu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "announce", "announce.edit")
	defer span.End()

	err := c.editor.Edit(ctx, ref, u)

	c.mu.Lock()
	defer c.mu.Unlock()
	current := session == c.session && c.state != Idle

	switch {
	case err == nil || errors.Is(err, ErrMessageNotModified):
		result := "ok"
		if err != nil {
			result = "unmodified"
		}
		telemetry.CountEdit(result)
		telemetry.SetSpanSuccess(span)
		if current && engage && !c.engaged {
			c.engaged = true
			c.state = Updating
			logger().Info("periodic updates engaged", slog.Int("elapsed_minutes", u.Minutes))
		}
		logger().Debug("announcement edited", slog.String("result", result), slog.Int("viewers", u.ViewerCount))
		return nil
	case errors.Is(err, ErrMessageNotFound):
		telemetry.CountEdit("not_found")
		telemetry.RecordError(span, err)
		if current {
			logger().Warn("announcement message gone, stopping updates", slog.Int64("message_id", ref.MessageID))
			c.resetLocked()
		}
		return err
	default:
		telemetry.CountEdit("error")
		telemetry.RecordError(span, err)
		logger().Error("announcement edit failed", slog.Any("err", err))
		return err
	}
}

// Reset returns to Idle and stops the ticker without waiting for it.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		logger().Info("announcement released")
	}
	c.resetLocked()
}

// Close resets and waits for the ticker goroutine to exit.
func (c *Controller) Close() {
	c.Reset()
	c.wg.Wait()
}

func (c *Controller) resetLocked() {
	c.stopTickerLocked()
	c.session++
	c.state = Idle
	c.ref = Ref{}
	c.startedAt = time.Time{}
	c.engaged = false
	c.data = Update{}
	telemetry.SetAnnouncementActive(false)
}

func (c *Controller) stopTickerLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status reports the handle for operators.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state.String(), Engaged: c.engaged, Data: c.data}
	if c.state != Idle {
		ref := c.ref
		st.Ref = &ref
		st.StartedAt = c.startedAt
		st.Minutes = Minutes(c.clock.Now().Sub(c.startedAt))
	}
	return st
}
