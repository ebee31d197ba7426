package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next after Close. Cancellation via the
// subscription context instead surfaces the context's cause.
var ErrClosed = errors.New("pubsub: subscription closed")

type pullResult struct {
	ev  Event
	err error
}

// Subscription is the async-iterator form of a subscription: events are
// buffered in a bounded ring and pulled with Next. Overflow drops the oldest
// buffered event, never the live tail.
type Subscription struct {
	unsubscribe func()

	mu      sync.Mutex
	buf     []Event
	max     int // -1 unbounded, 0 drop-if-no-waiter, else bound
	waiters []chan pullResult
	closed  bool
	cause   error
}

// Events subscribes to channel and returns the iterator form. Cancelling ctx
// rejects waiting pullers with the cancellation cause, unsubscribes in the
// background and clears the buffer. Close does the same quietly.
func (p *Publisher) Events(ctx context.Context, channel string, opts SubscribeOptions) (*Subscription, error) {
	maxBuffered := defaultMaxBuffered
	if opts.MaxBufferedEvents != nil {
		maxBuffered = *opts.MaxBufferedEvents
	}
	sub := &Subscription{max: maxBuffered}

	unsubscribe, err := p.Subscribe(ctx, channel, sub.push, opts)
	if err != nil {
		return nil, err
	}
	sub.unsubscribe = unsubscribe

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.cancel(context.Cause(ctx))
		}()
	}
	return sub, nil
}

// push is the subscription's listener. With a waiting puller the event is
// handed over directly; otherwise it is buffered per the ring policy.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w <- pullResult{ev: ev}
		return
	}
	switch {
	case s.max == 0:
		// Drop-if-no-consumer: nobody is pulling right now.
		return
	case s.max < 0:
		s.buf = append(s.buf, ev)
	default:
		s.buf = append(s.buf, ev)
		if len(s.buf) > s.max {
			// Drop the oldest buffered event.
			copy(s.buf, s.buf[1:])
			s.buf = s.buf[:len(s.buf)-1]
		}
	}
}

// Next returns the next buffered or live event. It parks when the buffer is
// empty; cancellation of ctx, the subscription context, or Close wakes it.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	s.mu.Lock()
	if len(s.buf) > 0 {
		ev := s.buf[0]
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.mu.Unlock()
		return ev, nil
	}
	if s.closed {
		cause := s.cause
		s.mu.Unlock()
		return Event{}, cause
	}
	w := make(chan pullResult, 1)
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case res := <-w:
		return res.ev, res.err
	case <-ctx.Done():
		s.dropWaiter(w)
		// A result may have raced in while we were being cancelled.
		select {
		case res := <-w:
			return res.ev, res.err
		default:
			return Event{}, context.Cause(ctx)
		}
	}
}

func (s *Subscription) dropWaiter(w chan pullResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.waiters {
		if cur == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// cancel tears the subscription down: waiting pullers are rejected with
// cause, the backend unsubscribe happens in the background, buffers clear.
func (s *Subscription) cancel(cause error) {
	if cause == nil {
		cause = ErrClosed
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cause = cause
	waiters := s.waiters
	s.waiters = nil
	s.buf = nil
	s.mu.Unlock()

	for _, w := range waiters {
		w <- pullResult{err: cause}
	}
	// Unsubscribe asynchronously; a slow backend detach must not block the
	// canceller. Errors are swallowed by the publisher core.
	go s.unsubscribe()
}

// Close releases the subscription. Equivalent to cancellation except that
// pending and subsequent Next calls receive ErrClosed. Safe to call twice.
func (s *Subscription) Close() {
	s.cancel(ErrClosed)
}

// Buffered reports the number of events currently parked in the ring.
func (s *Subscription) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
