package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrDone terminates an event stream normally. Producers return it from Next
// to end the sequence; consumers receive it after the done frame.
var ErrDone = errors.New("wire: event stream done")

// Item is one element of an event iterator, with its per-event metadata.
type Item struct {
	Data json.RawMessage
	Meta *EventMeta
}

// Iterator is the producer side of an event sequence. Next returns ErrDone
// to terminate normally; any other error becomes an error terminator frame.
// Close releases producer resources and must be safe to call more than once.
type Iterator interface {
	Next(ctx context.Context) (Item, error)
	Close() error
}

// FinalValuer is optionally implemented by Iterators whose done terminator
// carries a final value.
type FinalValuer interface {
	Final() json.RawMessage
}

type streamSignal struct {
	item  *Item
	final json.RawMessage
	meta  *EventMeta
	err   error
}

// EventStream is the consumer side of an event sequence fed by a peer's read
// loop. Next blocks until an item, terminator or cancellation arrives.
type EventStream struct {
	ch     chan streamSignal
	closed chan struct{}
	cancel func(reason string)

	mu       sync.Mutex
	final    json.RawMessage
	termMeta *EventMeta
	termErr  error
	done     bool
}

func newEventStream(buffer int, cancel func(reason string)) *EventStream {
	if buffer <= 0 {
		buffer = 16
	}
	if cancel == nil {
		cancel = func(string) {}
	}
	return &EventStream{
		ch:     make(chan streamSignal, buffer),
		closed: make(chan struct{}),
		cancel: cancel,
	}
}

// push delivers a decoded event frame payload. Called only from the owning
// peer's read loop. Returns true when the frame was a terminator. Once the
// stream is terminated the frame is dropped instead of blocking, so an
// abandoned stream can never wedge the read loop.
func (s *EventStream) push(p eventPayload) bool {
	var sig streamSignal
	var terminal bool
	switch p.Event {
	case eventMessage:
		sig = streamSignal{item: &Item{Data: p.Data, Meta: p.Meta}}
	case eventDone:
		sig = streamSignal{final: p.Data, meta: p.Meta, err: ErrDone}
		terminal = true
	case eventError:
		msg := "remote iterator failed"
		if len(p.Data) > 0 {
			var detail string
			if json.Unmarshal(p.Data, &detail) == nil && detail != "" {
				msg = detail
			}
		}
		sig = streamSignal{meta: p.Meta, err: fmt.Errorf("wire: %s", msg)}
		terminal = true
	default:
		sig = streamSignal{err: fmt.Errorf("wire: unknown stream event %q", p.Event)}
		terminal = true
	}
	select {
	case s.ch <- sig:
	case <-s.closed:
	}
	return terminal
}

// terminate records the terminal state and wakes parked push and Next calls.
// Only the first call wins.
func (s *EventStream) terminate(err error, final json.RawMessage, meta *EventMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.termErr = err
	s.final = final
	s.termMeta = meta
	close(s.closed)
}

// fail terminates the stream locally (connection loss, abort).
func (s *EventStream) fail(err error) {
	s.terminate(err, nil, nil)
}

// Next returns the next item. It returns ErrDone after the done terminator
// and the stream error after an error terminator. Once terminal, every
// subsequent call returns the same terminal error.
func (s *EventStream) Next(ctx context.Context) (Item, error) {
	s.mu.Lock()
	if s.done {
		err := s.termErr
		s.mu.Unlock()
		return Item{}, err
	}
	s.mu.Unlock()

	select {
	case sig := <-s.ch:
		if sig.err != nil {
			s.terminate(sig.err, sig.final, sig.meta)
			return Item{}, sig.err
		}
		return *sig.item, nil
	case <-s.closed:
		s.mu.Lock()
		err := s.termErr
		s.mu.Unlock()
		return Item{}, err
	case <-ctx.Done():
		return Item{}, context.Cause(ctx)
	}
}

// Final returns the value carried by the done terminator, if any. Valid only
// after Next has returned ErrDone.
func (s *EventStream) Final() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// TerminalMeta returns the event metadata attached to the terminator frame,
// if any. Error terminators may carry a retry hint here.
func (s *EventStream) TerminalMeta() *EventMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termMeta
}

// Close cancels the stream: the peer sends an abort frame for its
// correlation id and pending Next calls fail. Closing a terminated stream is
// a no-op.
func (s *EventStream) Close() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	s.termErr = ErrDone
	close(s.closed)
	s.mu.Unlock()
	s.cancel("closed by consumer")
	return nil
}

// SliceIterator adapts a fixed slice of items to the Iterator interface.
// Used by handlers returning short, fully-materialized sequences.
type SliceIterator struct {
	items []Item
	pos   int
	final json.RawMessage
}

// NewSliceIterator builds an iterator over items; final may be nil.
func NewSliceIterator(items []Item, final json.RawMessage) *SliceIterator {
	return &SliceIterator{items: items, final: final}
}

func (it *SliceIterator) Next(ctx context.Context) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	if it.pos >= len(it.items) {
		return Item{}, ErrDone
	}
	item := it.items[it.pos]
	it.pos++
	return item, nil
}

func (it *SliceIterator) Close() error { return nil }

func (it *SliceIterator) Final() json.RawMessage { return it.final }
