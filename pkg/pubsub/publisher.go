package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Backend is the fan-out and storage primitive behind a Publisher. The
// publisher core owns local listener sets; the backend owns the remote leg.
type Backend interface {
	// Publish appends the event to the backend's store (when resume is
	// enabled), assigns its id, and broadcasts it. The returned event
	// carries the assigned id.
	Publish(ctx context.Context, ev Event) (Event, error)

	// Attach establishes the remote subscription for a channel. Called once
	// per channel while local listeners exist; concurrent first-subscribers
	// coalesce in the publisher core, so implementations see one call.
	Attach(ctx context.Context, channel string) error

	// Detach tears down the remote subscription. Called after the last
	// local listener for the channel is gone.
	Detach(channel string)

	// Replay delivers stored events with id strictly greater than
	// lastEventID in ascending order.
	Replay(ctx context.Context, channel, lastEventID string, deliver func(Event)) error

	// CompareIDs orders two event ids: negative, zero or positive.
	CompareIDs(a, b string) (int, error)

	// Bind installs the publisher core's dispatch function for live events
	// arriving from the backend. Called once before any subscription.
	Bind(deliver func(Event))
}

// SubscribeOptions control one subscription.
type SubscribeOptions struct {
	// LastEventID, when non-empty, triggers a replay of stored events with
	// id greater than this value before live delivery begins.
	LastEventID string

	// MaxBufferedEvents bounds the iterator's in-memory ring. Zero keeps
	// the default of 100; DropIfNoConsumer (0 after normalization via
	// Exactly) and Unbounded are expressed through the named constants.
	MaxBufferedEvents *int
}

// Buffer sizing sentinels for SubscribeOptions.MaxBufferedEvents.
var (
	// DropIfNoConsumer discards events unless a puller is already waiting.
	DropIfNoConsumer = bufferSize(0)
	// KeepLatest retains only the most recent event.
	KeepLatest = bufferSize(1)
	// Unbounded never drops buffered events.
	Unbounded = bufferSize(-1)
)

func bufferSize(n int) *int { return &n }

// defaultMaxBuffered is the iterator ring size when the caller does not set one.
const defaultMaxBuffered = 100

// Publisher dispatches published events to local listener sets and manages
// the lifecycle of backend subscriptions. One Publisher instance is
// cooperatively single-threaded per subscription: listeners never see
// partial listener-set state, and dispatch iterates a snapshot.
type Publisher struct {
	backend Backend
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[string]*channelState
	nextSub  int64
}

type channelState struct {
	listeners map[int64]Listener

	// attached coalesces concurrent first-subscribes: the first caller
	// performs the backend attach and closes the channel; later callers
	// wait on it and read attachErr.
	attached  chan struct{}
	attachErr error
}

// NewPublisher wires a publisher core to its backend.
func NewPublisher(backend Backend) *Publisher {
	p := &Publisher{
		backend:  backend,
		logger:   slog.Default(),
		channels: make(map[string]*channelState),
	}
	backend.Bind(p.dispatch)
	return p
}

// Publish routes the event through the backend. It fails only if the
// backend append or fan-out fails; it never blocks on slow subscribers.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte, meta Meta) error {
	if channel == "" {
		return fmt.Errorf("pubsub: channel is required")
	}
	// Any caller-supplied id is overwritten by the store at append time.
	meta.ID = ""
	_, err := p.backend.Publish(ctx, Event{Channel: channel, Payload: payload, Meta: meta})
	return err
}

// Subscribe registers listener on channel, optionally resuming from
// opts.LastEventID. The returned function releases the subscription; it must
// be called exactly once.
func (p *Publisher) Subscribe(ctx context.Context, channel string, listener Listener, opts SubscribeOptions) (func(), error) {
	if channel == "" {
		return nil, fmt.Errorf("pubsub: channel is required")
	}
	if listener == nil {
		return nil, fmt.Errorf("pubsub: listener is required")
	}

	gate := newResumeGate(listener, p.backend.CompareIDs, opts.LastEventID != "")

	// 1. Register the (buffering) listener locally so live events arriving
	// during attach/replay are not lost.
	id, state, first := p.addListener(channel, gate.deliver)

	// 2. Ensure the backend subscription exists, awaiting any in-flight
	// attach started by a concurrent subscriber.
	if err := p.awaitAttach(ctx, channel, state, first); err != nil {
		p.removeListener(channel, id)
		return nil, err
	}

	// 3–6. Replay stored events through the deduplicating gate, then drain
	// the live buffer and open the gate. Replay failures are logged and the
	// gate still opens: buffered live events must deliver.
	if opts.LastEventID != "" {
		if err := p.backend.Replay(ctx, channel, opts.LastEventID, gate.replayed); err != nil {
			p.logger.Warn("event replay failed, continuing with live events",
				"channel", channel, "last_event_id", opts.LastEventID, "error", err)
		}
	}
	gate.open(p.logger)

	var once sync.Once
	return func() {
		once.Do(func() { p.removeListener(channel, id) })
	}, nil
}

// addListener registers a listener and reports whether it is the channel's
// first (meaning the caller must attach the backend subscription).
func (p *Publisher) addListener(channel string, l Listener) (int64, *channelState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.channels[channel]
	first := false
	if !ok {
		state = &channelState{
			listeners: make(map[int64]Listener),
			attached:  make(chan struct{}),
		}
		p.channels[channel] = state
		first = true
	}
	p.nextSub++
	id := p.nextSub
	state.listeners[id] = l
	return id, state, first
}

func (p *Publisher) awaitAttach(ctx context.Context, channel string, state *channelState, first bool) error {
	if first {
		err := p.backend.Attach(ctx, channel)
		p.mu.Lock()
		state.attachErr = err
		close(state.attached)
		if err != nil {
			// Drop the failed channel entry so the next subscriber retries
			// the attach with a fresh coalescing point.
			if cur, ok := p.channels[channel]; ok && cur == state {
				delete(p.channels, channel)
			}
		}
		p.mu.Unlock()
		return err
	}
	select {
	case <-state.attached:
		return state.attachErr
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// removeListener drops a listener and detaches the backend subscription when
// the channel's listener set becomes empty.
func (p *Publisher) removeListener(channel string, id int64) {
	p.mu.Lock()
	state, ok := p.channels[channel]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(state.listeners, id)
	last := len(state.listeners) == 0
	if last {
		delete(p.channels, channel)
	}
	p.mu.Unlock()
	if last {
		p.backend.Detach(channel)
	}
}

// dispatch fans a live event out to the channel's listener snapshot.
// Additions and removals are atomic with respect to a single dispatch.
func (p *Publisher) dispatch(ev Event) {
	p.mu.Lock()
	state, ok := p.channels[ev.Channel]
	if !ok {
		p.mu.Unlock()
		return
	}
	snapshot := make([]Listener, 0, len(state.listeners))
	for _, l := range state.listeners {
		snapshot = append(snapshot, l)
	}
	p.mu.Unlock()
	for _, l := range snapshot {
		l(ev)
	}
}

// TrackedChannels reports the number of channels with live local listeners.
// Exposed for leak detection in tests and diagnostics.
func (p *Publisher) TrackedChannels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

// resumeGate buffers live events while a replay is in flight and suppresses
// duplicates across the replay/live transition using a high-water mark over
// the totally ordered event ids.
type resumeGate struct {
	inner Listener
	cmp   func(a, b string) (int, error)

	mu        sync.Mutex
	buffering bool
	buf       []Event
	highWater string
}

func newResumeGate(inner Listener, cmp func(a, b string) (int, error), resuming bool) *resumeGate {
	return &resumeGate{inner: inner, cmp: cmp, buffering: resuming}
}

// deliver is the listener registered with the publisher core. While the gate
// buffers, live events are parked; afterwards they pass straight through.
func (g *resumeGate) deliver(ev Event) {
	g.mu.Lock()
	if g.buffering {
		g.buf = append(g.buf, ev)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.inner(ev)
}

// replayed delivers one replayed event and advances the high-water mark.
// Called from the subscriber's goroutine during the replay phase.
func (g *resumeGate) replayed(ev Event) {
	g.mu.Lock()
	g.highWater = ev.Meta.ID
	g.mu.Unlock()
	g.inner(ev)
}

// open drains the live buffer through the dedupe check and switches the gate
// to direct delivery. Events whose id is at or below the high-water mark
// were already seen via replay and are dropped exactly once.
func (g *resumeGate) open(logger *slog.Logger) {
	// The drain runs under the gate mutex so a live event dispatched
	// concurrently cannot overtake buffered events: deliver blocks on the
	// mutex until buffering is switched off below.
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ev := range g.buf {
		if g.highWater != "" && ev.Meta.ID != "" {
			c, err := g.cmp(ev.Meta.ID, g.highWater)
			if err != nil {
				logger.Warn("unorderable event id during resume drain",
					"channel", ev.Channel, "event_id", ev.Meta.ID, "error", err)
			} else if c <= 0 {
				continue
			}
		}
		g.inner(ev)
	}
	g.buf = nil
	g.buffering = false
}
