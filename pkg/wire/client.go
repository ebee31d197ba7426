package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Request is an outbound call. Events, when set, streams the request body as
// event frames after the request frame.
type Request struct {
	Headers map[string][]string
	Body    json.RawMessage
	Events  Iterator
}

// Response is the correlated reply. Events is non-nil when the response body
// is an event iterator; consume it with Next until ErrDone.
type Response struct {
	Headers map[string][]string
	Body    json.RawMessage
	Events  *EventStream
}

type callResult struct {
	resp *Response
	err  error
}

type pendingCall struct {
	ch chan callResult
}

// ClientPeer issues requests over a Conn and correlates responses and
// iterator frames. Run must be active for calls to complete. State held is
// O(outstanding requests).
type ClientPeer struct {
	conn   Conn
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
	streams map[string]*EventStream
}

// NewClientPeer wraps conn. The caller runs the read loop via Run.
func NewClientPeer(conn Conn) *ClientPeer {
	return &ClientPeer{
		conn:    conn,
		logger:  slog.Default(),
		pending: make(map[string]*pendingCall),
		streams: make(map[string]*EventStream),
	}
}

// Run processes inbound frames until ctx is cancelled or the connection
// fails. Outstanding calls and streams fail with the loop's error.
func (p *ClientPeer) Run(ctx context.Context) error {
	for {
		data, err := p.conn.Receive(ctx)
		if err != nil {
			p.failAll(err)
			return err
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			// Receive-side framing errors drop the frame, not the peer.
			p.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		p.dispatch(ctx, frame)
	}
}

func (p *ClientPeer) dispatch(ctx context.Context, frame Frame) {
	switch frame.Kind {
	case KindResponse:
		var rp responsePayload
		if err := json.Unmarshal(frame.Payload, &rp); err != nil {
			p.logger.Warn("dropping undecodable response", "id", frame.ID, "error", err)
			return
		}
		p.mu.Lock()
		call, ok := p.pending[frame.ID]
		if !ok {
			p.mu.Unlock()
			return
		}
		delete(p.pending, frame.ID)
		if rp.Error != "" {
			p.mu.Unlock()
			call.ch <- callResult{err: &RemoteError{Message: rp.Error, Headers: rp.Headers}}
			return
		}
		resp := &Response{Headers: rp.Headers, Body: rp.Body}
		if rp.Iterator {
			id := frame.ID
			stream := newEventStream(0, func(reason string) { p.abort(id, reason) })
			p.streams[id] = stream
			resp.Events = stream
		}
		p.mu.Unlock()
		call.ch <- callResult{resp: resp}

	case KindEvent:
		var ep eventPayload
		if err := json.Unmarshal(frame.Payload, &ep); err != nil {
			p.logger.Warn("dropping undecodable event frame", "id", frame.ID, "error", err)
			return
		}
		p.mu.Lock()
		stream, ok := p.streams[frame.ID]
		p.mu.Unlock()
		if !ok {
			return
		}
		if stream.push(ep) {
			p.mu.Lock()
			delete(p.streams, frame.ID)
			p.mu.Unlock()
		}

	case KindAbort:
		// Server-initiated abort of a response iterator.
		p.mu.Lock()
		stream, ok := p.streams[frame.ID]
		delete(p.streams, frame.ID)
		p.mu.Unlock()
		if ok {
			stream.fail(fmt.Errorf("wire: aborted by remote"))
		}
	}
}

// Call sends a request and waits for its response. Cancelling ctx sends an
// abort frame for the correlation id and returns the cancellation cause.
func (p *ClientPeer) Call(ctx context.Context, req Request) (*Response, error) {
	id := uuid.New().String()
	call := &pendingCall{ch: make(chan callResult, 1)}

	p.mu.Lock()
	p.pending[id] = call
	p.mu.Unlock()

	payload, err := json.Marshal(requestPayload{
		Headers:  req.Headers,
		Body:     req.Body,
		Iterator: req.Events != nil,
	})
	if err != nil {
		p.drop(id)
		return nil, fmt.Errorf("wire: marshal request: %w", err)
	}
	frame, err := Frame{ID: id, Kind: KindRequest, Payload: payload}.Encode()
	if err != nil {
		p.drop(id)
		return nil, err
	}
	if err := p.conn.Send(ctx, frame); err != nil {
		p.drop(id)
		return nil, fmt.Errorf("wire: send request: %w", err)
	}

	if req.Events != nil {
		go p.pumpIterator(ctx, id, req.Events)
	}

	select {
	case result := <-call.ch:
		return result.resp, result.err
	case <-ctx.Done():
		p.drop(id)
		p.abort(id, "request cancelled")
		return nil, context.Cause(ctx)
	}
}

// pumpIterator streams a request-body iterator as event frames.
func (p *ClientPeer) pumpIterator(ctx context.Context, id string, it Iterator) {
	defer func() {
		if err := it.Close(); err != nil {
			p.logger.Warn("closing request iterator", "id", id, "error", err)
		}
	}()
	for {
		item, err := it.Next(ctx)
		if err != nil {
			terminator := eventPayload{Event: eventError, Data: json.RawMessage(mustJSONString(err.Error()))}
			if err == ErrDone {
				terminator = eventPayload{Event: eventDone}
				if fv, ok := it.(FinalValuer); ok {
					terminator.Data = fv.Final()
				}
			}
			p.sendEvent(ctx, id, terminator)
			return
		}
		if !p.sendEvent(ctx, id, eventPayload{Event: eventMessage, Data: item.Data, Meta: item.Meta}) {
			return
		}
	}
}

func (p *ClientPeer) sendEvent(ctx context.Context, id string, ep eventPayload) bool {
	payload, err := json.Marshal(ep)
	if err != nil {
		p.logger.Warn("marshal event frame", "id", id, "error", err)
		return false
	}
	frame, err := Frame{ID: id, Kind: KindEvent, Payload: payload}.Encode()
	if err != nil {
		return false
	}
	if err := p.conn.Send(ctx, frame); err != nil {
		p.logger.Warn("send event frame", "id", id, "error", err)
		return false
	}
	return true
}

// abort sends an abort frame for id. Errors are swallowed: an abort racing a
// closing connection has nothing left to cancel.
func (p *ClientPeer) abort(id, reason string) {
	payload, _ := json.Marshal(abortPayload{Reason: reason})
	frame, err := Frame{ID: id, Kind: KindAbort, Payload: payload}.Encode()
	if err != nil {
		return
	}
	_ = p.conn.Send(context.Background(), frame)
}

func (p *ClientPeer) drop(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	delete(p.streams, id)
	p.mu.Unlock()
}

func (p *ClientPeer) failAll(err error) {
	p.mu.Lock()
	streams := make([]*EventStream, 0, len(p.streams))
	for _, s := range p.streams {
		streams = append(streams, s)
	}
	calls := make([]*pendingCall, 0, len(p.pending))
	for _, c := range p.pending {
		calls = append(calls, c)
	}
	p.streams = make(map[string]*EventStream)
	p.pending = make(map[string]*pendingCall)
	p.mu.Unlock()

	lost := fmt.Errorf("wire: connection lost: %w", err)
	for _, s := range streams {
		s.fail(lost)
	}
	for _, c := range calls {
		c.ch <- callResult{err: lost}
	}
}

func mustJSONString(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return []byte(`"error"`)
	}
	return b
}
