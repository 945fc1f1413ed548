// Package stream polls the tracked broadcaster and classifies transitions
// between consecutive observations against the persisted state.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/stream-herald/state"
	"github.com/onnwee/stream-herald/telemetry"
)

// Event is the classification of one check.
type Event string

const (
	EventNone          Event = ""
	EventStreamStarted Event = "stream_started"
	EventStreamEnded   Event = "stream_ended"
	EventStreamUpdated Event = "stream_updated"
)

// Result of CheckForChanges. Snapshot is set on every non-failed result.
type Result struct {
	Changed  bool
	Event    Event
	Snapshot *Snapshot
	Err      error
}

// Failed reports whether the snapshot could not be fetched.
func (r Result) Failed() bool { return r.Err != nil }

// Poller compares fresh snapshots with the store and persists the outcome.
type Poller struct {
	source Source
	store  *state.Store
	mu     sync.Mutex
}

// NewPoller wires a source to a loaded store.
func NewPoller(source Source, store *state.Store) *Poller {
	return &Poller{source: source, store: store}
}

// CheckForChanges fetches one snapshot and classifies it. Concurrent calls are
// serialized. A fetch failure leaves the state untouched.
func (p *Poller) CheckForChanges(ctx context.Context) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "stream", "stream.check")
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "poller"))

	var (
		snap Snapshot
		err  error
	)
	telemetry.TimeFunc(telemetry.PollDuration, func() {
		snap, err = p.fetch(ctx)
	})
	telemetry.CountPoll(err == nil)
	if err != nil {
		telemetry.RecordError(span, err)
		log.Warn("stream check failed", slog.Any("err", err))
		return Result{Err: err}
	}

	res := Result{Snapshot: &snap}
	// baseline is the stored record, which another process may have reset
	p.store.Update(ctx, func(prev state.State) state.State {
		next := prev
		res.Event = classify(snap, prev, &next)
		return next
	})
	res.Changed = res.Event != EventNone

	telemetry.SetLive(snap.IsLive)
	telemetry.CountEvent(string(res.Event))
	span.SetAttributes(attribute.Bool("stream.live", snap.IsLive), attribute.String("stream.event", string(res.Event)))
	telemetry.SetSpanSuccess(span)

	if res.Changed {
		log.Info("stream state changed",
			slog.String("event", string(res.Event)),
			slog.String("title", snap.Title),
			slog.String("category", snap.Category))
	} else {
		log.Debug("stream unchanged", slog.Bool("live", snap.IsLive), slog.Int("viewers", snap.ViewerCount))
	}
	return res
}

// ForceCheck overwrites the persisted state from a fresh snapshot without
// producing an event. Fetch failures are returned to the caller.
func (p *Poller) ForceCheck(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "stream", "stream.force_check")
	defer span.End()

	snap, err := p.fetch(ctx)
	telemetry.CountPoll(err == nil)
	if err != nil {
		telemetry.RecordError(span, err)
		return Snapshot{}, err
	}

	p.store.Update(ctx, func(next state.State) state.State {
		next.IsLive = snap.IsLive
		if snap.IsLive {
			next.LastStreamID = state.Ptr(snap.SessionID)
			next.StreamTitle = state.Ptr(snap.Title)
			next.StreamCategory = state.Ptr(snap.Category)
			next.StreamStartedAt = startedAt(snap)
		}
		return next
	})
	telemetry.SetLive(snap.IsLive)
	telemetry.SetSpanSuccess(span)

	telemetry.LoggerWithCorr(ctx).Info("state synchronized",
		slog.String("component", "poller"),
		slog.Bool("live", snap.IsLive),
		slog.String("title", snap.Title))
	return snap, nil
}

// Reset puts the persisted state back to offline. It shares the check lock so
// a reset never lands between a check's read and its write.
func (p *Poller) Reset(ctx context.Context) state.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Reset(ctx)
}

// classify decides the event for snap against prev and fills next with the
// record to persist. A category change alone is not an event and keeps the
// stored category.
func classify(snap Snapshot, prev state.State, next *state.State) Event {
	switch {
	case snap.IsLive && !prev.IsLive:
		next.IsLive = true
		next.LastStreamID = state.Ptr(snap.SessionID)
		next.StreamTitle = state.Ptr(snap.Title)
		next.StreamCategory = state.Ptr(snap.Category)
		next.StreamStartedAt = startedAt(snap)
		return EventStreamStarted
	case !snap.IsLive && prev.IsLive:
		next.IsLive = false
		return EventStreamEnded
	case snap.IsLive && snap.Title != prev.Title():
		next.StreamTitle = state.Ptr(snap.Title)
		next.StreamCategory = state.Ptr(snap.Category)
		return EventStreamUpdated
	}
	return EventNone
}

// Status returns the persisted view.
func (p *Poller) Status() state.State {
	return p.store.Current()
}

// fetch converts a panicking source into an error result.
func (p *Poller) fetch(ctx context.Context) (snap Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("snapshot source panic: %v", r)
		}
	}()
	return p.source.LiveSnapshot(ctx)
}

func startedAt(s Snapshot) *time.Time {
	if s.StartedAt.IsZero() {
		return nil
	}
	t := s.StartedAt.UTC()
	return &t
}
