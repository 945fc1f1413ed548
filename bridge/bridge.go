// Package bridge wires the poller, the announcement controller and Telegram:
// it runs the poll loop, turns classified events into channel messages and
// exposes the operator actions used by the HTTP admin routes and the CLI.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/onnwee/stream-herald/announce"
	"github.com/onnwee/stream-herald/state"
	"github.com/onnwee/stream-herald/stream"
	"github.com/onnwee/stream-herald/telegram"
	"github.com/onnwee/stream-herald/telemetry"
)

// Messenger is the Telegram surface the bridge uses.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string, o *telegram.Options) (telegram.Message, error)
	SendPhoto(ctx context.Context, chatID, photo, caption string, o *telegram.Options) (telegram.Message, error)
	EditMessageText(ctx context.Context, chatID string, messageID int64, text string, o *telegram.Options) error
	EditMessageCaption(ctx context.Context, chatID string, messageID int64, caption string, o *telegram.Options) error
}

// Settings control scheduling and which messages are sent.
type Settings struct {
	ChatID          string
	PollInterval    time.Duration
	FirstCheckDelay time.Duration
	StartupSync     bool

	// ImageURL, when set, turns the announcement into a photo message.
	ImageURL string
	// UseThumbnail uses the live thumbnail when ImageURL is empty.
	UseThumbnail bool

	AnnounceStart       bool
	AnnounceEnd         bool
	AnnounceTitleChange bool
}

// Deps are the collaborators of a Bridge.
type Deps struct {
	Poller     *stream.Poller
	Store      *state.Store
	Controller *announce.Controller
	Messenger  Messenger
	Render     *Renderer
	Clock      clock.Clock
}

// Status is the combined operator view.
type Status struct {
	State        state.State     `json:"state"`
	Announcement announce.Status `json:"announcement"`
}

// Bridge is the orchestrator.
type Bridge struct {
	poller   *stream.Poller
	store    *state.Store
	ctrl     *announce.Controller
	msg      Messenger
	render   *Renderer
	clock    clock.Clock
	settings Settings
}

// New builds a bridge. A zero PollInterval means five minutes.
func New(d Deps, s Settings) *Bridge {
	if s.PollInterval <= 0 {
		s.PollInterval = 5 * time.Minute
	}
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	return &Bridge{
		poller:   d.Poller,
		store:    d.Store,
		ctrl:     d.Controller,
		msg:      d.Messenger,
		render:   d.Render,
		clock:    d.Clock,
		settings: s,
	}
}

func logger() *slog.Logger { return slog.Default().With(slog.String("component", "bridge")) }

// Run polls until ctx is done, then stops the controller.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.ctrl.Close()

	if b.settings.StartupSync {
		if snap, err := b.Reconcile(ctx); err != nil {
			logger().Warn("startup sync failed", slog.Any("err", err))
		} else {
			logger().Info("startup sync complete", slog.Bool("live", snap.IsLive))
		}
	}

	logger().Info("poll loop started",
		slog.Duration("first_check", b.settings.FirstCheckDelay),
		slog.Duration("interval", b.settings.PollInterval))
	delay := b.settings.FirstCheckDelay
	for {
		select {
		case <-ctx.Done():
			logger().Info("poll loop stopped")
			return nil
		case <-b.clock.After(delay):
		}
		b.CheckOnce(ctx)
		delay = b.settings.PollInterval
	}
}

// CheckOnce runs one poll and acts on its classification.
func (b *Bridge) CheckOnce(ctx context.Context) stream.Result {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	res := b.poller.CheckForChanges(ctx)
	if res.Failed() {
		// silent to the channel; the poller already logged and counted it
		return res
	}
	b.handle(ctx, res)
	return res
}

func (b *Bridge) handle(ctx context.Context, res stream.Result) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "bridge"))
	snap := *res.Snapshot

	switch res.Event {
	case stream.EventStreamStarted:
		log.Info("stream started", slog.String("title", snap.Title))
		if !b.settings.AnnounceStart {
			log.Info("start announcement disabled")
			return
		}
		if err := b.announceStart(ctx, snap); err != nil {
			log.Error("announcement failed", slog.Any("err", err))
		}
	case stream.EventStreamEnded:
		log.Info("stream ended")
		b.ctrl.Reset()
		if b.settings.AnnounceEnd {
			if _, err := b.send(ctx, "end", b.render.StreamEnd()); err != nil {
				log.Error("stream end message failed", slog.Any("err", err))
			}
		}
	case stream.EventStreamUpdated:
		log.Info("stream title changed", slog.String("title", snap.Title))
		if err := b.ctrl.UpdateViewers(ctx, toUpdate(snap)); err != nil {
			log.Warn("announcement update failed", slog.Any("err", err))
		}
		if b.settings.AnnounceTitleChange {
			if _, err := b.send(ctx, "title", b.render.TitleChange(snap)); err != nil {
				log.Error("title change message failed", slog.Any("err", err))
			}
		}
	default:
		if snap.IsLive {
			b.ctrl.Refresh(toUpdate(snap))
		}
	}
}

// announceStart publishes the announcement and hands it to the controller.
func (b *Bridge) announceStart(ctx context.Context, snap stream.Snapshot) error {
	ref, err := b.publish(ctx, b.render.Announcement(snap), b.imageFor(snap))
	if err != nil {
		return err
	}
	b.ctrl.SetMessageInfo(ref)
	b.ctrl.Start(ctx, toUpdate(snap))
	return nil
}

// publish sends a photo when an image is available, falling back to text.
func (b *Bridge) publish(ctx context.Context, text, image string) (announce.Ref, error) {
	opts := b.render.Options()
	if image != "" {
		m, err := b.msg.SendPhoto(ctx, b.settings.ChatID, image, text, opts)
		if err == nil {
			telemetry.CountSent("photo")
			logger().Info("announcement published", slog.String("kind", "photo"), slog.Int64("message_id", m.MessageID))
			return announce.Ref{ChatID: b.settings.ChatID, MessageID: m.MessageID, Caption: true}, nil
		}
		logger().Warn("photo announcement failed, sending text", slog.Any("err", err))
	}
	m, err := b.send(ctx, "text", text)
	if err != nil {
		return announce.Ref{}, err
	}
	logger().Info("announcement published", slog.String("kind", "text"), slog.Int64("message_id", m.MessageID))
	return announce.Ref{ChatID: b.settings.ChatID, MessageID: m.MessageID}, nil
}

func (b *Bridge) send(ctx context.Context, kind, text string) (telegram.Message, error) {
	m, err := b.msg.SendMessage(ctx, b.settings.ChatID, text, b.render.Options())
	if err != nil {
		return m, fmt.Errorf("send %s message: %w", kind, err)
	}
	telemetry.CountSent(kind)
	return m, nil
}

func (b *Bridge) imageFor(snap stream.Snapshot) string {
	if b.settings.ImageURL != "" {
		return b.settings.ImageURL
	}
	if b.settings.UseThumbnail {
		return snap.ThumbnailURL
	}
	return ""
}

func toUpdate(s stream.Snapshot) announce.Update {
	return announce.Update{Title: s.Title, Category: s.Category, ViewerCount: s.ViewerCount}
}

// Reconcile repairs the persisted state from a fresh snapshot. No message is sent.
func (b *Bridge) Reconcile(ctx context.Context) (stream.Snapshot, error) {
	snap, err := b.poller.ForceCheck(ctx)
	if err != nil {
		return stream.Snapshot{}, fmt.Errorf("reconcile: %w", err)
	}
	if !snap.IsLive {
		b.ctrl.Reset()
	}
	return snap, nil
}

// ResetState puts the persisted state back to offline and drops the
// tracked announcement. The next live poll announces again.
func (b *Bridge) ResetState(ctx context.Context) state.State {
	b.ctrl.Reset()
	return b.poller.Reset(ctx)
}

// Announce publishes a manual announcement. It is not tracked for edits.
func (b *Bridge) Announce(ctx context.Context, title string) (telegram.Message, error) {
	if title == "" {
		title = b.store.Current().Title()
	}
	if title == "" {
		return telegram.Message{}, errors.New("announce: title required while the stream is offline")
	}
	m, err := b.send(ctx, "manual", b.render.Manual(title, b.store.Current().Category()))
	if err != nil {
		return m, err
	}
	logger().Info("manual announcement published", slog.String("title", title))
	return m, nil
}

// ForceUpdate edits the tracked announcement now.
func (b *Bridge) ForceUpdate(ctx context.Context) (int, error) {
	return b.ctrl.ForceUpdate(ctx)
}

// SendTest posts the connectivity check message.
func (b *Bridge) SendTest(ctx context.Context) (telegram.Message, error) {
	return b.send(ctx, "test", b.render.Test())
}

// Ready reports an error until the persisted state has been loaded.
func (b *Bridge) Ready() error {
	if !b.store.Loaded() {
		return errors.New("stream state not loaded")
	}
	return nil
}

// Status returns the persisted state and the announcement handle.
func (b *Bridge) Status() Status {
	return Status{State: b.poller.Status(), Announcement: b.ctrl.Status()}
}
