// Package redispub is the Redis-backed publisher backend: Pub/Sub for
// low-latency fan-out and Streams for resume. A commander connection runs
// short-lived commands; a dedicated listener connection stays in subscribe
// mode with a single message handler dispatching by channel.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaykit/relay/pkg/pubsub"
)

// Options configure the backend.
type Options struct {
	// Prefix namespaces every key and Pub/Sub channel.
	Prefix string
	// Retention bounds how long stream entries stay replayable. Zero keeps
	// the default of 5 minutes.
	Retention time.Duration
	// Resume enables the Streams leg. Without it the backend is pure
	// Pub/Sub fan-out and events carry no ids.
	Resume bool
	Logger *slog.Logger
}

// Backend implements pubsub.Backend on Redis.
type Backend struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	resume    bool
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	deliver  func(pubsub.Event)
	ps       *redis.PubSub
	psDone   chan struct{}
	attached map[string]bool

	// lastTrim throttles stream cleanup to once per retention window per
	// channel. Stale entries are pruned on each pass to cap its size.
	lastTrim map[string]time.Time
}

// wireEvent is the JSON body stored in stream entries and sent on Pub/Sub.
// The Pub/Sub copy embeds the stream id assigned at append time so live
// subscribers see the same id replay would produce.
type wireEvent struct {
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Retry   *int64          `json:"retry,omitempty"`
	Annot   map[string]string `json:"annotations,omitempty"`
}

// New builds a Redis backend on client.
func New(client redis.UniversalClient, opts Options) *Backend {
	retention := opts.Retention
	if retention == 0 {
		retention = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		client:    client,
		prefix:    opts.Prefix,
		retention: retention,
		resume:    opts.Resume,
		logger:    logger,
		now:       time.Now,
		attached:  make(map[string]bool),
		lastTrim:  make(map[string]time.Time),
	}
}

func (b *Backend) key(channel string) string { return b.prefix + channel }

func (b *Backend) Bind(deliver func(pubsub.Event)) {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
}

// Publish appends to the channel's stream (when resume is enabled), then
// broadcasts on the matching Pub/Sub channel. The first publish per
// retention window also trims expired entries and refreshes the key TTL.
func (b *Backend) Publish(ctx context.Context, ev pubsub.Event) (pubsub.Event, error) {
	key := b.key(ev.Channel)

	stored := wireEvent{Payload: ev.Payload, Retry: ev.Meta.Retry, Annot: ev.Meta.Annotations}
	body, err := json.Marshal(stored)
	if err != nil {
		return pubsub.Event{}, fmt.Errorf("redispub: marshal event: %w", err)
	}

	if b.resume {
		id, err := b.append(ctx, key, body)
		if err != nil {
			return pubsub.Event{}, err
		}
		ev.Meta.ID = id
		stored.ID = id
		body, err = json.Marshal(stored)
		if err != nil {
			return pubsub.Event{}, fmt.Errorf("redispub: marshal event: %w", err)
		}
	}

	if err := b.client.Publish(ctx, key, body).Err(); err != nil {
		return pubsub.Event{}, fmt.Errorf("redispub: publish %s: %w", ev.Channel, err)
	}
	return ev, nil
}

// append runs XADD, folding in the per-window trim transaction when due.
func (b *Backend) append(ctx context.Context, key string, body []byte) (string, error) {
	values := map[string]any{"event": string(body)}

	if !b.trimDue(key) {
		id, err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: values}).Result()
		if err != nil {
			return "", fmt.Errorf("redispub: xadd %s: %w", key, err)
		}
		return id, nil
	}

	minID := strconv.FormatInt(b.now().Add(-b.retention).UnixMilli(), 10)
	pipe := b.client.TxPipeline()
	addCmd := pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: values})
	pipe.XTrimMinIDApprox(ctx, key, minID, 0)
	pipe.Expire(ctx, key, 2*b.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redispub: append transaction %s: %w", key, err)
	}
	return addCmd.Val(), nil
}

// trimDue reports whether the channel's cleanup window has elapsed, and
// prunes trim bookkeeping older than its own retention window.
func (b *Backend) trimDue(key string) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, at := range b.lastTrim {
		if now.Sub(at) > b.retention {
			delete(b.lastTrim, k)
		}
	}
	if at, ok := b.lastTrim[key]; ok && now.Sub(at) <= b.retention {
		return false
	}
	b.lastTrim[key] = now
	return true
}

// Attach subscribes the dedicated listener connection to the channel. The
// first attach creates the connection and its receive loop.
func (b *Backend) Attach(ctx context.Context, channel string) error {
	key := b.key(channel)
	b.mu.Lock()
	if b.ps == nil {
		// The listener connection stays in subscribe mode for its entire
		// life; short-lived commands go through the commander client.
		b.ps = b.client.Subscribe(context.WithoutCancel(ctx))
		b.psDone = make(chan struct{})
		go b.receiveLoop(b.ps, b.psDone)
	}
	ps := b.ps
	b.attached[channel] = true
	b.mu.Unlock()

	if err := ps.Subscribe(ctx, key); err != nil {
		b.mu.Lock()
		delete(b.attached, channel)
		b.mu.Unlock()
		return fmt.Errorf("redispub: subscribe %s: %w", channel, err)
	}
	return nil
}

// Detach unsubscribes the channel. Errors are swallowed: detach runs on the
// unsubscribe path where the caller has nothing to recover.
func (b *Backend) Detach(channel string) {
	key := b.key(channel)
	b.mu.Lock()
	delete(b.attached, channel)
	ps := b.ps
	b.mu.Unlock()
	if ps == nil {
		return
	}
	if err := ps.Unsubscribe(context.Background(), key); err != nil {
		b.logger.Warn("redis unsubscribe failed", "channel", channel, "error", err)
	}
}

// receiveLoop is the single message handler on the listener connection. It
// dispatches by channel to the bound publisher core.
func (b *Backend) receiveLoop(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	for msg := range ps.Channel() {
		channel := msg.Channel
		if b.prefix != "" {
			if !strings.HasPrefix(channel, b.prefix) {
				// The listener only subscribes under the prefix; anything
				// else is a foreign message and must not be misrouted.
				b.logger.Warn("dropping message from unprefixed channel", "channel", channel)
				continue
			}
			channel = strings.TrimPrefix(channel, b.prefix)
		}
		var we wireEvent
		if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
			// Receive-side decode failures drop the message, not the
			// subscription.
			b.logger.Warn("dropping undecodable pubsub message", "channel", channel, "error", err)
			continue
		}
		b.mu.Lock()
		deliver := b.deliver
		b.mu.Unlock()
		if deliver != nil {
			deliver(pubsub.Event{
				Channel: channel,
				Payload: we.Payload,
				Meta:    pubsub.Meta{ID: we.ID, Retry: we.Retry, Annotations: we.Annot},
			})
		}
	}
}

// Replay reads stream entries with id strictly greater than lastEventID in
// ascending order and delivers them synchronously.
func (b *Backend) Replay(ctx context.Context, channel, lastEventID string, deliver func(pubsub.Event)) error {
	if !b.resume {
		return fmt.Errorf("redispub: resume is not enabled")
	}
	key := b.key(channel)
	streams, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, lastEventID},
		Block:   -1, // non-blocking: an empty stream replays nothing
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("redispub: xread %s: %w", channel, err)
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			body, ok := msg.Values["event"].(string)
			if !ok {
				b.logger.Warn("stream entry missing event field", "channel", channel, "id", msg.ID)
				continue
			}
			var we wireEvent
			if err := json.Unmarshal([]byte(body), &we); err != nil {
				b.logger.Warn("dropping undecodable stream entry", "channel", channel, "id", msg.ID, "error", err)
				continue
			}
			deliver(pubsub.Event{
				Channel: channel,
				Payload: we.Payload,
				Meta:    pubsub.Meta{ID: msg.ID, Retry: we.Retry, Annotations: we.Annot},
			})
		}
	}
	return nil
}

func (b *Backend) CompareIDs(a, c string) (int, error) { return CompareStreamIDs(a, c) }

// AttachedChannels reports the listener connection's channel count, for
// leak detection.
func (b *Backend) AttachedChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attached)
}

// Close shuts the listener connection down and waits for its handler loop.
func (b *Backend) Close() error {
	b.mu.Lock()
	ps := b.ps
	done := b.psDone
	b.ps = nil
	b.psDone = nil
	b.attached = make(map[string]bool)
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
