// Package pgpub is the Postgres-backed publisher backend. Publishes persist
// to an events table and broadcast through pg_notify in one transaction, so
// the NOTIFY fires only when the row is committed. A dedicated connection
// stays in LISTEN mode; catchup reads the events table.
package pgpub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaykit/relay/pkg/pubsub"
)

// notifyLimit keeps NOTIFY payloads under PostgreSQL's 8000-byte cap, with
// headroom for the channel name and protocol overhead.
const notifyLimit = 7900

// defaultReplayBatch caps one replay query.
const defaultReplayBatch = 500

// Options configure the backend.
type Options struct {
	// Prefix namespaces the events table and every NOTIFY channel.
	Prefix string
	// Retention bounds how long events stay replayable. Zero keeps the
	// default of 5 minutes.
	Retention time.Duration
	// Resume enables the events-table leg. Without it the backend is pure
	// NOTIFY fan-out and events carry no ids.
	Resume bool
	// ReplayBatch caps events returned per replay query. Zero keeps the
	// default of 500.
	ReplayBatch int
	Logger      *slog.Logger
}

// Backend implements pubsub.Backend on PostgreSQL.
type Backend struct {
	pool        *pgxpool.Pool
	listener    *notifyListener
	table       string
	prefix      string
	retention   time.Duration
	resume      bool
	replayBatch int
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	deliver   func(pubsub.Event)
	attached  map[string]bool
	lastSweep time.Time
}

// wireEvent is the JSON stored in the payload column and sent over NOTIFY.
// The NOTIFY copy embeds the id assigned at insert time; oversized copies
// are replaced by a truncation envelope and refetched on receive.
type wireEvent struct {
	ID        string            `json:"id,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Retry     *int64            `json:"retry,omitempty"`
	Annot     map[string]string `json:"annotations,omitempty"`
	Truncated bool              `json:"truncated,omitempty"`
}

// New builds a Postgres backend and ensures its schema. connString is used
// for the dedicated LISTEN connection; short-lived commands go through pool.
func New(ctx context.Context, pool *pgxpool.Pool, connString string, opts Options) (*Backend, error) {
	retention := opts.Retention
	if retention == 0 {
		retention = 5 * time.Minute
	}
	replayBatch := opts.ReplayBatch
	if replayBatch == 0 {
		replayBatch = defaultReplayBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Backend{
		pool:        pool,
		table:       opts.Prefix + "events",
		prefix:      opts.Prefix,
		retention:   retention,
		resume:      opts.Resume,
		replayBatch: replayBatch,
		logger:      logger,
		now:         time.Now,
		attached:    make(map[string]bool),
	}
	b.listener = newNotifyListener(connString, b.handleNotification, logger)

	if opts.Resume {
		if err := b.createSchema(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Backend) createSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			channel TEXT NOT NULL,
			payload TEXT NOT NULL,
			stored_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, b.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_channel_id ON %s (channel, id)`, b.table, b.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_stored_at ON %s (stored_at)`, b.table, b.table),
	}
	for _, stmt := range stmts {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgpub: create schema: %w", err)
		}
	}
	return nil
}

func (b *Backend) pgChannel(channel string) string { return b.prefix + channel }

func (b *Backend) Bind(deliver func(pubsub.Event)) {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
}

// Publish persists the event (when resume is enabled) and fires pg_notify in
// the same transaction, so subscribers never see an id that did not commit.
func (b *Backend) Publish(ctx context.Context, ev pubsub.Event) (pubsub.Event, error) {
	stored := wireEvent{Payload: ev.Payload, Retry: ev.Meta.Retry, Annot: ev.Meta.Annotations}
	body, err := json.Marshal(stored)
	if err != nil {
		return pubsub.Event{}, fmt.Errorf("pgpub: marshal event: %w", err)
	}

	if !b.resume {
		if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`,
			b.pgChannel(ev.Channel), truncateIfNeeded(string(body))); err != nil {
			return pubsub.Event{}, fmt.Errorf("pgpub: notify %s: %w", ev.Channel, err)
		}
		return ev, nil
	}

	b.sweepIfDue(ctx)

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return pubsub.Event{}, fmt.Errorf("pgpub: begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (channel, payload) VALUES ($1, $2) RETURNING id`, b.table),
		ev.Channel, string(body),
	).Scan(&id)
	if err != nil {
		return pubsub.Event{}, fmt.Errorf("pgpub: persist event: %w", err)
	}

	ev.Meta.ID = strconv.FormatInt(id, 10)
	stored.ID = ev.Meta.ID
	body, err = json.Marshal(stored)
	if err != nil {
		return pubsub.Event{}, fmt.Errorf("pgpub: marshal event: %w", err)
	}

	// pg_notify is transactional: it fires on COMMIT, atomically with the
	// insert above.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`,
		b.pgChannel(ev.Channel), b.notifyPayload(stored, body)); err != nil {
		return pubsub.Event{}, fmt.Errorf("pgpub: notify %s: %w", ev.Channel, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return pubsub.Event{}, fmt.Errorf("pgpub: commit publish: %w", err)
	}
	return ev, nil
}

// notifyPayload returns the NOTIFY copy of the event: the full body when it
// fits, else a routing envelope whose receiver refetches the stored row.
func (b *Backend) notifyPayload(stored wireEvent, body []byte) string {
	if len(body) <= notifyLimit {
		return string(body)
	}
	envelope, err := json.Marshal(wireEvent{ID: stored.ID, Truncated: true})
	if err != nil {
		// Marshal of a two-field struct cannot realistically fail; fall
		// back to the oversized body and let the server reject it.
		return string(body)
	}
	return string(envelope)
}

// truncateIfNeeded guards the resume-less path, where there is no stored row
// to refetch: oversized payloads are dropped to an empty envelope.
func truncateIfNeeded(payload string) string {
	if len(payload) <= notifyLimit {
		return payload
	}
	return `{"truncated":true}`
}

// sweepIfDue deletes expired events at most once per retention window.
func (b *Backend) sweepIfDue(ctx context.Context) {
	now := b.now()
	b.mu.Lock()
	due := now.Sub(b.lastSweep) > b.retention
	if due {
		b.lastSweep = now
	}
	b.mu.Unlock()
	if !due {
		return
	}
	if _, err := b.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE stored_at < $1`, b.table),
		now.Add(-b.retention)); err != nil {
		b.logger.Warn("retention sweep failed", "table", b.table, "error", err)
	}
}

// Attach starts the LISTEN connection on first use and subscribes the channel.
func (b *Backend) Attach(ctx context.Context, channel string) error {
	if err := b.listener.start(ctx); err != nil {
		return err
	}
	if err := b.listener.subscribe(ctx, b.pgChannel(channel)); err != nil {
		return fmt.Errorf("pgpub: listen %s: %w", channel, err)
	}
	b.mu.Lock()
	b.attached[channel] = true
	b.mu.Unlock()
	return nil
}

// Detach unsubscribes the channel. Errors are swallowed: detach runs on the
// unsubscribe path where the caller has nothing to recover.
func (b *Backend) Detach(channel string) {
	b.mu.Lock()
	delete(b.attached, channel)
	b.mu.Unlock()
	if err := b.listener.unsubscribe(context.Background(), b.pgChannel(channel)); err != nil {
		b.logger.Warn("unlisten failed", "channel", channel, "error", err)
	}
}

// handleNotification is the listener's dispatch callback. Truncated
// envelopes are refetched from the events table before delivery.
func (b *Backend) handleNotification(pgChannel, payload string) {
	channel := strings.TrimPrefix(pgChannel, b.prefix)

	var we wireEvent
	if err := json.Unmarshal([]byte(payload), &we); err != nil {
		b.logger.Warn("dropping undecodable notification", "channel", channel, "error", err)
		return
	}
	if we.Truncated {
		if we.ID == "" {
			b.logger.Warn("dropping truncated notification without id", "channel", channel)
			return
		}
		full, err := b.fetchStored(context.Background(), we.ID)
		if err != nil {
			b.logger.Warn("refetch of truncated event failed",
				"channel", channel, "event_id", we.ID, "error", err)
			return
		}
		full.ID = we.ID
		we = full
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

func (b *Backend) fetchStored(ctx context.Context, id string) (wireEvent, error) {
	eventID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return wireEvent{}, fmt.Errorf("pgpub: invalid event id %q: %w", id, err)
	}
	var body string
	err = b.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1`, b.table), eventID).Scan(&body)
	if err != nil {
		return wireEvent{}, fmt.Errorf("pgpub: fetch event %d: %w", eventID, err)
	}
	var we wireEvent
	if err := json.Unmarshal([]byte(body), &we); err != nil {
		return wireEvent{}, fmt.Errorf("pgpub: decode stored event %d: %w", eventID, err)
	}
	return we, nil
}

// Replay reads stored events with id strictly greater than lastEventID in
// ascending order and delivers them synchronously.
func (b *Backend) Replay(ctx context.Context, channel, lastEventID string, deliver func(pubsub.Event)) error {
	if !b.resume {
		return fmt.Errorf("pgpub: resume is not enabled")
	}
	after, err := strconv.ParseInt(lastEventID, 10, 64)
	if err != nil {
		return fmt.Errorf("pgpub: invalid event id %q: %w", lastEventID, err)
	}

	rows, err := b.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, payload FROM %s
			WHERE channel = $1 AND id > $2 AND stored_at >= $3
			ORDER BY id LIMIT $4`, b.table),
		channel, after, b.now().Add(-b.retention), b.replayBatch)
	if err != nil {
		return fmt.Errorf("pgpub: replay query %s: %w", channel, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			body string
		)
		if err := rows.Scan(&id, &body); err != nil {
			return fmt.Errorf("pgpub: scan replay row: %w", err)
		}
		var we wireEvent
		if err := json.Unmarshal([]byte(body), &we); err != nil {
			b.logger.Warn("dropping undecodable stored event", "channel", channel, "id", id, "error", err)
			continue
		}
		deliver(pubsub.Event{
			Channel: channel,
			Payload: we.Payload,
			Meta:    pubsub.Meta{ID: strconv.FormatInt(id, 10), Retry: we.Retry, Annotations: we.Annot},
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("pgpub: iterate replay rows: %w", err)
	}
	return nil
}

// CompareIDs orders two event ids numerically.
func (b *Backend) CompareIDs(a, c string) (int, error) {
	ai, err := strconv.ParseInt(a, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pgpub: invalid event id %q: %w", a, err)
	}
	ci, err := strconv.ParseInt(c, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pgpub: invalid event id %q: %w", c, err)
	}
	switch {
	case ai < ci:
		return -1, nil
	case ai > ci:
		return 1, nil
	default:
		return 0, nil
	}
}

// AttachedChannels reports the LISTEN subscription count, for leak detection.
func (b *Backend) AttachedChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attached)
}

// Close stops the LISTEN connection.
func (b *Backend) Close() error {
	b.listener.stop(context.Background())
	return nil
}
