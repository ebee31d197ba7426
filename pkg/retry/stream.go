package retry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/relaykit/relay/pkg/wire"
)

// StreamFunc runs one attempt of an iterator-returning call. lastEventID is
// the position observed so far, empty on the first attempt; restarts receive
// the id of the last yielded item so the server replays only what was missed.
type StreamFunc func(ctx context.Context, lastEventID string) (any, error)

// terminalMetaer is implemented by iterators whose terminator carries event
// metadata (a retry hint on error terminators).
type terminalMetaer interface {
	TerminalMeta() *wire.EventMeta
}

// Stream runs fn under the retry policy and returns a long-lived iterator
// that survives reconnects by restarting fn and stitching the replacement
// iterator in place.
func (e *Engine) Stream(ctx context.Context, fn StreamFunc) (*Stream, error) {
	st := e.newState()
	callCtx, cancel := context.WithCancelCause(ctx)

	for {
		v, err := fn(callCtx, "")
		if err == nil {
			inner, ok := v.(wire.Iterator)
			if !ok {
				cancel(nil)
				st.runCleanups()
				return nil, ErrExpectedEventIterator
			}
			return &Stream{fn: fn, st: st, ctx: callCtx, cancel: cancel, inner: inner}, nil
		}
		if !st.retry(ctx, err) {
			cancel(nil)
			st.runCleanups()
			return nil, err
		}
	}
}

// Stream is the stitched iterator produced by Engine.Stream. The retry budget
// spans the whole call: the initial connect and every restart share it.
type Stream struct {
	fn StreamFunc
	st *state

	// ctx scopes restarts so Close aborts an in-flight one.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	inner  wire.Iterator
	closed bool
	done   sync.Once
}

// Next returns the next item, restarting the underlying call on failure.
// After Close it returns wire.ErrDone without error, matching the quiet
// semantics of consumer-initiated teardown.
func (s *Stream) Next(ctx context.Context) (wire.Item, error) {
	for {
		inner, closed := s.current()
		if closed {
			return wire.Item{}, wire.ErrDone
		}

		item, err := inner.Next(ctx)
		if err == nil {
			if item.Meta != nil {
				s.st.observe(item.Meta.ID, item.Meta.Retry)
			}
			return item, nil
		}
		if errors.Is(err, wire.ErrDone) {
			s.settle()
			return wire.Item{}, err
		}
		if tm, ok := inner.(terminalMetaer); ok {
			if meta := tm.TerminalMeta(); meta != nil {
				s.st.observe(meta.ID, meta.Retry)
			}
		}
		if err := s.restart(ctx, err); err != nil {
			s.settle()
			return wire.Item{}, err
		}
	}
}

// restart reruns fn until a replacement iterator is installed or the retry
// budget rejects the failure. A Close arriving while a restart is in flight
// lets the restart resolve and then discards its result.
func (s *Stream) restart(ctx context.Context, lastErr error) error {
	for {
		if !s.st.retry(ctx, lastErr) {
			return lastErr
		}
		v, err := s.fn(s.ctx, s.st.lastEventID)
		if err != nil {
			if s.isClosed() {
				return wire.ErrDone
			}
			lastErr = err
			continue
		}
		replacement, ok := v.(wire.Iterator)
		if !ok {
			return ErrExpectedEventIterator
		}
		if !s.install(replacement) {
			_ = replacement.Close()
			return wire.ErrDone
		}
		return nil
	}
}

func (s *Stream) current() (wire.Iterator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner, s.closed
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) install(it wire.Iterator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inner = it
	return true
}

// LastEventID reports the position of the last yielded item.
func (s *Stream) LastEventID() string {
	return s.st.lastEventID
}

// Final returns the final value of the done terminator when the current
// inner iterator carries one.
func (s *Stream) Final() json.RawMessage {
	inner, _ := s.current()
	if fv, ok := inner.(wire.FinalValuer); ok {
		return fv.Final()
	}
	return nil
}

// Close tears the stream down: the current inner iterator is closed and any
// in-flight restart is aborted. Safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	inner := s.inner
	s.mu.Unlock()

	s.cancel(errors.New("retry: stream closed by consumer"))
	var err error
	if inner != nil {
		err = inner.Close()
	}
	s.settle()
	return err
}

// settle runs the onRetry cleanups once the call has reached a terminal
// state, newest first.
func (s *Stream) settle() {
	s.done.Do(s.st.runCleanups)
}
