// Package durable runs the single-instance broker behind token-gated
// websockets. One Node owns one channel: events append to an embedded store
// and fan out to attached sockets; stale sockets are reaped lazily on each
// fan-out instead of by a sweeper, which keeps hibernated connections cheap.
package durable

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/relaykit/relay/pkg/durable/token"
	"github.com/relaykit/relay/pkg/store/sqlitestore"
	"github.com/relaykit/relay/pkg/wire"
)

// Websocket close codes for socket reaping.
const (
	// CloseTokenExpired closes sockets whose token passed its expiry.
	CloseTokenExpired websocket.StatusCode = 4001
	// CloseTokenRevoked closes sockets rejected by the revocation hook.
	CloseTokenRevoked websocket.StatusCode = 4003
)

// RevocationHook lets the application reject a still-unexpired token.
// Consulted on every fan-out.
type RevocationHook func(token.Payload) bool

// Attachment is the durable state carried by one socket. The hibernation id
// doubles as the wire stream id for every frame sent to that socket.
type Attachment struct {
	Token         token.Payload
	HibernationID string
}

// Options configure a node.
type Options struct {
	// WriteTimeout bounds each websocket send. Zero keeps the default of 5s.
	WriteTimeout time.Duration
	// Revoked, when set, is checked per socket on every fan-out.
	Revoked RevocationHook
	Logger  *slog.Logger
}

// Node is one durable broker instance.
type Node struct {
	store        *sqlitestore.Store
	revoked      RevocationHook
	writeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.RWMutex
	sockets map[string]*socket
}

type socket struct {
	attachment Attachment
	conn       *websocket.Conn
	ctx        context.Context
	cancel     context.CancelFunc

	// Resume gate. While replaying, live fan-outs buffer into pending
	// instead of writing; the replay flush delivers them afterwards, minus
	// anything at or below the high-water mark already covered by replay.
	mu        sync.Mutex
	replaying bool
	pending   []pendingEvent
	highWater string
}

type pendingEvent struct {
	id      string
	payload []byte
	retry   *int64
}

// NewNode wires a node to its event store.
func NewNode(store *sqlitestore.Store, opts Options) *Node {
	writeTimeout := opts.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		store:        store,
		revoked:      opts.Revoked,
		writeTimeout: writeTimeout,
		logger:       logger,
		now:          time.Now,
		sockets:      make(map[string]*socket),
	}
}

// HandleSocket manages one accepted websocket's lifecycle. The caller has
// already verified the token; payload is its verified content. A non-empty
// lastEventID replays stored events past that position before live delivery.
// Blocks until the connection closes.
func (n *Node) HandleSocket(parentCtx context.Context, conn *websocket.Conn, payload token.Payload, lastEventID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &socket{
		attachment: Attachment{
			Token:         payload,
			HibernationID: uuid.New().String(),
		},
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
	// Gate up before registration so fan-outs racing the replay query buffer
	// instead of interleaving with replayed events.
	s.replaying = lastEventID != ""

	n.mu.Lock()
	n.sockets[s.attachment.HibernationID] = s
	n.mu.Unlock()
	defer n.unregister(s)

	if lastEventID != "" {
		if err := n.replay(ctx, s, lastEventID); err != nil {
			n.logger.Warn("resume replay failed",
				"hibernation_id", s.attachment.HibernationID, "last_event_id", lastEventID, "error", err)
			_ = conn.Close(websocket.StatusInternalError, "replay failed")
			return
		}
	}

	// Read loop: the client sends nothing meaningful on this leg, but
	// reading is how the close handshake surfaces.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Publish appends payload to the store and fans it out to every attached
// socket, reaping expired and revoked sockets along the way. Returns the
// assigned event id.
func (n *Node) Publish(ctx context.Context, payload []byte, retry *int64) (string, error) {
	id, err := n.store.Append(ctx, payload)
	if err != nil {
		return "", err
	}

	n.mu.RLock()
	snapshot := make([]*socket, 0, len(n.sockets))
	for _, s := range n.sockets {
		snapshot = append(snapshot, s)
	}
	n.mu.RUnlock()

	now := n.now()
	for _, s := range snapshot {
		if s.attachment.Token.Expired(now) {
			n.closeSocket(s, CloseTokenExpired, "token expired")
			continue
		}
		if n.revoked != nil && n.revoked(s.attachment.Token) {
			n.closeSocket(s, CloseTokenRevoked, "token revoked")
			continue
		}
		if err := n.deliver(s, id, payload, retry); err != nil {
			n.logger.Warn("failed to send to durable socket",
				"hibernation_id", s.attachment.HibernationID, "error", err)
		}
	}
	return id, nil
}

// deliver routes one live event through the socket's resume gate: buffered
// while a replay is in flight, dropped when the replay already covered its
// id, written otherwise.
func (n *Node) deliver(s *socket, id string, payload []byte, retry *int64) error {
	s.mu.Lock()
	if s.replaying {
		s.pending = append(s.pending, pendingEvent{id: id, payload: payload, retry: retry})
		s.mu.Unlock()
		return nil
	}
	if s.highWater != "" {
		c, err := n.store.CompareIDs(id, s.highWater)
		if err == nil && c <= 0 {
			s.mu.Unlock()
			return nil
		}
	}
	defer s.mu.Unlock()
	return n.sendEvent(s, id, payload, retry)
}

// replay streams stored events with id > lastEventID to one socket, then
// flushes live events buffered during the query, deduplicated against the
// high-water mark of what replay already delivered. Holding the socket mutex
// through the flush keeps later live sends from overtaking it.
func (n *Node) replay(ctx context.Context, s *socket, lastEventID string) error {
	events, err := n.store.EventsAfter(ctx, lastEventID, 0)
	if err != nil {
		s.mu.Lock()
		s.pending = nil
		s.replaying = false
		s.mu.Unlock()
		return err
	}

	highWater := lastEventID
	for _, ev := range events {
		if err := n.sendEvent(s, ev.ID, ev.Payload, nil); err != nil {
			s.mu.Lock()
			s.pending = nil
			s.replaying = false
			s.mu.Unlock()
			return err
		}
		highWater = ev.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pe := range s.pending {
		c, err := n.store.CompareIDs(pe.id, highWater)
		if err == nil && c <= 0 {
			continue
		}
		if err := n.sendEvent(s, pe.id, pe.payload, pe.retry); err != nil {
			s.pending = nil
			s.replaying = false
			return err
		}
		highWater = pe.id
	}
	s.pending = nil
	s.highWater = highWater
	s.replaying = false
	return nil
}

// sendEvent frames one event on the socket's hibernation id and writes it
// with the node's write timeout.
func (n *Node) sendEvent(s *socket, id string, payload []byte, retry *int64) error {
	frame, err := wire.NewMessageEvent(s.attachment.HibernationID, json.RawMessage(payload), &wire.EventMeta{
		ID:    id,
		Retry: retry,
	})
	if err != nil {
		return err
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(s.ctx, n.writeTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}

func (n *Node) closeSocket(s *socket, code websocket.StatusCode, reason string) {
	n.logger.Info("closing durable socket",
		"hibernation_id", s.attachment.HibernationID, "code", int(code), "reason", reason)
	_ = s.conn.Close(code, reason)
	n.unregister(s)
}

func (n *Node) unregister(s *socket) {
	n.mu.Lock()
	delete(n.sockets, s.attachment.HibernationID)
	n.mu.Unlock()
	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
}

// ActiveSockets reports the number of attached sockets. Feeds the store's
// inactivity probe and leak checks in tests.
func (n *Node) ActiveSockets() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.sockets)
}

// Store exposes the node's event store for wiring and diagnostics.
func (n *Node) Store() *sqlitestore.Store { return n.store }
