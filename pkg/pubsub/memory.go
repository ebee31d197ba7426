package pubsub

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemoryBackend is the in-process backend: events fan out synchronously to
// the bound publisher core and a bounded per-channel history enables resume.
// It is the zero-dependency degenerate case of the Backend contract, used by
// tests and single-process deployments.
type MemoryBackend struct {
	maxHistory int
	retention  time.Duration
	now        func() time.Time

	mu      sync.Mutex
	deliver func(Event)
	history map[string][]memoryEvent
	nextID  map[string]int64
}

type memoryEvent struct {
	ev       Event
	storedAt time.Time
}

// MemoryOptions configure the in-process backend.
type MemoryOptions struct {
	// MaxHistory bounds stored events per channel. Zero keeps the default
	// of 1000; negative disables resume entirely.
	MaxHistory int
	// Retention bounds how long stored events stay replayable. Zero keeps
	// the default of 5 minutes.
	Retention time.Duration
}

// NewMemoryBackend builds an in-process backend.
func NewMemoryBackend(opts MemoryOptions) *MemoryBackend {
	maxHistory := opts.MaxHistory
	if maxHistory == 0 {
		maxHistory = 1000
	}
	retention := opts.Retention
	if retention == 0 {
		retention = 5 * time.Minute
	}
	return &MemoryBackend{
		maxHistory: maxHistory,
		retention:  retention,
		now:        time.Now,
		history:    make(map[string][]memoryEvent),
		nextID:     make(map[string]int64),
	}
}

func (b *MemoryBackend) Bind(deliver func(Event)) {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
}

// Publish assigns the next per-channel id, records the event in history and
// dispatches it to local listeners.
func (b *MemoryBackend) Publish(ctx context.Context, ev Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	b.mu.Lock()
	b.nextID[ev.Channel]++
	ev.Meta.ID = strconv.FormatInt(b.nextID[ev.Channel], 10)
	if b.maxHistory > 0 {
		entries := append(b.history[ev.Channel], memoryEvent{ev: ev, storedAt: b.now()})
		if len(entries) > b.maxHistory {
			entries = entries[len(entries)-b.maxHistory:]
		}
		b.history[ev.Channel] = entries
	}
	deliver := b.deliver
	b.mu.Unlock()

	if deliver != nil {
		deliver(ev)
	}
	return ev, nil
}

func (b *MemoryBackend) Attach(ctx context.Context, channel string) error { return nil }

func (b *MemoryBackend) Detach(channel string) {}

// Replay delivers stored events with id > lastEventID that are still within
// the retention window, oldest first.
func (b *MemoryBackend) Replay(ctx context.Context, channel, lastEventID string, deliver func(Event)) error {
	last, err := strconv.ParseInt(lastEventID, 10, 64)
	if err != nil {
		return fmt.Errorf("pubsub: invalid last event id %q: %w", lastEventID, err)
	}
	cutoff := b.now().Add(-b.retention)

	b.mu.Lock()
	entries := make([]memoryEvent, len(b.history[channel]))
	copy(entries, b.history[channel])
	b.mu.Unlock()

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := strconv.ParseInt(entry.ev.Meta.ID, 10, 64)
		if err != nil {
			continue
		}
		if id <= last || entry.storedAt.Before(cutoff) {
			continue
		}
		deliver(entry.ev)
	}
	return nil
}

func (b *MemoryBackend) CompareIDs(a, c string) (int, error) {
	na, err := strconv.ParseInt(a, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pubsub: invalid event id %q: %w", a, err)
	}
	nc, err := strconv.ParseInt(c, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pubsub: invalid event id %q: %w", c, err)
	}
	switch {
	case na < nc:
		return -1, nil
	case na > nc:
		return 1, nil
	default:
		return 0, nil
	}
}
