package wire

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

// IncomingRequest is a decoded request frame. Events is non-nil when the
// request body continues as an event sequence; the request's context is
// cancelled when the client sends an abort frame for the same id.
type IncomingRequest struct {
	ID      string
	Headers map[string][]string
	Body    json.RawMessage
	Events  *EventStream
}

// Reply is a handler's response. Events, when set, streams the response body
// as event frames after the response frame.
type Reply struct {
	Headers map[string][]string
	Body    json.RawMessage
	Events  Iterator
}

// Handler serves one request. A returned error becomes an error response
// frame; the error text crosses the wire.
type Handler func(ctx context.Context, req *IncomingRequest) (*Reply, error)

// ServerPeer accepts request frames on a Conn and serves them with a
// Handler. Each request runs in its own goroutine; abort frames cancel the
// matching request context and tear down its in-flight iterators.
type ServerPeer struct {
	conn    Conn
	handler Handler
	logger  *slog.Logger

	mu         sync.Mutex
	active     map[string]context.CancelCauseFunc
	reqStreams map[string]*EventStream
}

// NewServerPeer wraps conn with handler. The caller runs the loop via Run.
func NewServerPeer(conn Conn, handler Handler) *ServerPeer {
	return &ServerPeer{
		conn:       conn,
		handler:    handler,
		logger:     slog.Default(),
		active:     make(map[string]context.CancelCauseFunc),
		reqStreams: make(map[string]*EventStream),
	}
}

// ErrAborted is the cancellation cause installed when a client abort frame
// arrives for an active request.
var ErrAborted = errors.New("wire: aborted by client")

// Run processes inbound frames until ctx is cancelled or the connection
// fails. In-flight requests are cancelled on exit.
func (p *ServerPeer) Run(ctx context.Context) error {
	defer p.cancelAll()
	for {
		data, err := p.conn.Receive(ctx)
		if err != nil {
			return err
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			p.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		p.dispatch(ctx, frame)
	}
}

func (p *ServerPeer) dispatch(ctx context.Context, frame Frame) {
	switch frame.Kind {
	case KindRequest:
		var rp requestPayload
		if err := json.Unmarshal(frame.Payload, &rp); err != nil {
			p.logger.Warn("dropping undecodable request", "id", frame.ID, "error", err)
			return
		}
		reqCtx, cancel := context.WithCancelCause(ctx)
		req := &IncomingRequest{ID: frame.ID, Headers: rp.Headers, Body: rp.Body}
		p.mu.Lock()
		p.active[frame.ID] = cancel
		if rp.Iterator {
			req.Events = newEventStream(0, nil)
			p.reqStreams[frame.ID] = req.Events
		}
		p.mu.Unlock()
		go p.serve(reqCtx, cancel, req)

	case KindEvent:
		var ep eventPayload
		if err := json.Unmarshal(frame.Payload, &ep); err != nil {
			p.logger.Warn("dropping undecodable event frame", "id", frame.ID, "error", err)
			return
		}
		p.mu.Lock()
		stream, ok := p.reqStreams[frame.ID]
		p.mu.Unlock()
		if !ok {
			return
		}
		if stream.push(ep) {
			p.mu.Lock()
			delete(p.reqStreams, frame.ID)
			p.mu.Unlock()
		}

	case KindAbort:
		p.mu.Lock()
		cancel, ok := p.active[frame.ID]
		stream := p.reqStreams[frame.ID]
		delete(p.reqStreams, frame.ID)
		p.mu.Unlock()
		if stream != nil {
			stream.fail(ErrAborted)
		}
		if ok {
			cancel(ErrAborted)
		}
	}
}

// serve runs the handler and writes the response, streaming the reply
// iterator when present.
func (p *ServerPeer) serve(ctx context.Context, cancel context.CancelCauseFunc, req *IncomingRequest) {
	defer func() {
		cancel(nil)
		p.mu.Lock()
		delete(p.active, req.ID)
		delete(p.reqStreams, req.ID)
		p.mu.Unlock()
	}()

	reply, err := p.handler(ctx, req)
	if errors.Is(context.Cause(ctx), ErrAborted) {
		// The client gave up; nothing is listening for this id anymore.
		return
	}
	if err != nil {
		p.sendResponse(ctx, req.ID, responsePayload{Error: err.Error()})
		return
	}
	if reply == nil {
		reply = &Reply{}
	}

	rp := responsePayload{Headers: reply.Headers, Body: reply.Body, Iterator: reply.Events != nil}
	if !p.sendResponse(ctx, req.ID, rp) {
		if reply.Events != nil {
			_ = reply.Events.Close()
		}
		return
	}
	if reply.Events == nil {
		return
	}
	p.pumpReply(ctx, req.ID, reply.Events)
}

// pumpReply streams the reply iterator. A send failure closes the iterator
// and abandons the response; the handler already completed locally and is
// not retroactively aborted.
func (p *ServerPeer) pumpReply(ctx context.Context, id string, it Iterator) {
	defer func() {
		if err := it.Close(); err != nil {
			p.logger.Warn("closing reply iterator", "id", id, "error", err)
		}
	}()
	for {
		item, err := it.Next(ctx)
		if err != nil {
			terminator := eventPayload{Event: eventError, Data: mustJSONString(err.Error())}
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

func (p *ServerPeer) sendResponse(ctx context.Context, id string, rp responsePayload) bool {
	payload, err := json.Marshal(rp)
	if err != nil {
		p.logger.Warn("marshal response", "id", id, "error", err)
		return false
	}
	frame, err := Frame{ID: id, Kind: KindResponse, Payload: payload}.Encode()
	if err != nil {
		return false
	}
	if err := p.conn.Send(ctx, frame); err != nil {
		p.logger.Warn("send response", "id", id, "error", err)
		return false
	}
	return true
}

func (p *ServerPeer) sendEvent(ctx context.Context, id string, ep eventPayload) bool {
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

// OutstandingRequests reports active request count, for leak checks.
func (p *ServerPeer) OutstandingRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *ServerPeer) cancelAll() {
	p.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(p.active))
	for _, c := range p.active {
		cancels = append(cancels, c)
	}
	streams := make([]*EventStream, 0, len(p.reqStreams))
	for _, s := range p.reqStreams {
		streams = append(streams, s)
	}
	p.active = make(map[string]context.CancelCauseFunc)
	p.reqStreams = make(map[string]*EventStream)
	p.mu.Unlock()
	for _, s := range streams {
		s.fail(ErrConnClosed)
	}
	for _, c := range cancels {
		c(ErrConnClosed)
	}
}
