// Package retry is the client-side retry/resume engine. One Engine holds the
// defaults; every top-level call gets its own budget of attempts and wall
// clock, honors Retry-After response headers and per-event retry hints, and
// stitches event iterators back together across reconnects.
package retry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExpectedEventIterator reports a stream restart whose replacement result
// was not an event iterator.
var ErrExpectedEventIterator = errors.New("retry: restarted call did not return an event iterator")

// HeaderCarrier is implemented by errors that carry response headers; the
// engine reads Retry-After from them.
type HeaderCarrier interface {
	ResponseHeaders() map[string][]string
}

// DelayContext is what a DelayFunc may consult when picking the next delay.
type DelayContext struct {
	// Attempt is the index of the attempt that just failed, starting at 0.
	Attempt int
	// Err is the failure that triggered the retry decision.
	Err error
	// RetryAfter is the parsed Retry-After from the error's response
	// headers, when present and valid.
	RetryAfter *time.Duration
	// LastEventRetry is the retry hint in milliseconds from the last event
	// yielded before the failure, when streaming.
	LastEventRetry *int64
}

// DelayFunc picks the sleep before the next attempt.
type DelayFunc func(DelayContext) time.Duration

// ConstantDelay always waits d.
func ConstantDelay(d time.Duration) DelayFunc {
	return func(DelayContext) time.Duration { return d }
}

// Options configure an Engine. Zero values keep the documented defaults.
type Options struct {
	// MaxAttempts is the number of retries after the unconditional first
	// attempt. Zero disables retry.
	MaxAttempts int
	// RetryDelay picks the sleep before each retry. Nil uses server hints
	// (Retry-After, then the per-event retry hint) with exponential backoff
	// as the fallback.
	RetryDelay DelayFunc
	// ShouldRetry can veto a retry the budget would allow. Nil permits all.
	ShouldRetry func(attempt int, err error) bool
	// OnRetry runs before each retry; the returned cleanup (may be nil) runs
	// when the whole call settles, newest first.
	OnRetry func(attempt int) func()
	// RetryTimeout bounds total wall clock across all attempts including the
	// first. Zero means unbounded.
	RetryTimeout time.Duration
}

// Engine applies one retry policy to calls and streams.
type Engine struct {
	opts Options
}

// New builds an engine with the given defaults.
func New(opts Options) *Engine {
	return &Engine{opts: opts}
}

// Call runs fn under the retry policy and returns its result.
func (e *Engine) Call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	st := e.newState()
	defer st.runCleanups()
	for {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !st.retry(ctx, err) {
			return nil, err
		}
	}
}

// state is the retry context scoped to a single top-level call.
type state struct {
	opts    Options
	start   time.Time
	attempt int
	backoff backoff.BackOff

	lastEventID    string
	lastEventRetry *int64
	cleanups       []func()
}

func (e *Engine) newState() *state {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // the wall clock budget is enforced here, not in the policy
	return &state{
		opts:    e.opts,
		start:   time.Now(),
		backoff: b,
	}
}

// retry decides whether err warrants another attempt and, if so, performs the
// sleep and the onRetry bookkeeping. Returns false when the caller must
// rethrow err.
func (s *state) retry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if s.attempt >= s.opts.MaxAttempts {
		return false
	}
	elapsed := time.Since(s.start)
	if s.opts.RetryTimeout > 0 && elapsed >= s.opts.RetryTimeout {
		return false
	}
	if s.opts.ShouldRetry != nil && !s.opts.ShouldRetry(s.attempt, err) {
		return false
	}

	delay := s.delayFor(err)
	if s.opts.RetryTimeout > 0 && elapsed+delay > s.opts.RetryTimeout {
		return false
	}

	if s.opts.OnRetry != nil {
		if cleanup := s.opts.OnRetry(s.attempt); cleanup != nil {
			s.cleanups = append(s.cleanups, cleanup)
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return false
	}
	s.attempt++
	return true
}

func (s *state) delayFor(err error) time.Duration {
	dc := DelayContext{
		Attempt:        s.attempt,
		Err:            err,
		RetryAfter:     retryAfterFrom(err),
		LastEventRetry: s.lastEventRetry,
	}
	if s.opts.RetryDelay != nil {
		return s.opts.RetryDelay(dc)
	}
	if dc.RetryAfter != nil {
		return *dc.RetryAfter
	}
	if dc.LastEventRetry != nil {
		return time.Duration(*dc.LastEventRetry) * time.Millisecond
	}
	return s.backoff.NextBackOff()
}

func (s *state) observe(id string, retryHint *int64) {
	if id != "" {
		s.lastEventID = id
	}
	if retryHint != nil {
		s.lastEventRetry = retryHint
	}
}

func (s *state) runCleanups() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	s.cleanups = nil
}

// retryAfterFrom parses Retry-After out of an error's response headers:
// a non-negative integer of seconds or an HTTP-date. Invalid values and
// errors without headers yield nil. Multiple values take the first.
func retryAfterFrom(err error) *time.Duration {
	var hc HeaderCarrier
	if !errors.As(err, &hc) {
		return nil
	}
	headers := hc.ResponseHeaders()
	if headers == nil {
		return nil
	}
	// Header casing is not trusted: match the name case-insensitively.
	var raw string
	for name, values := range headers {
		if strings.EqualFold(name, "Retry-After") && len(values) > 0 {
			raw = values[0]
			break
		}
	}
	if raw == "" {
		return nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return nil
		}
		d := time.Duration(secs) * time.Second
		return &d
	}
	if at, err := http.ParseTime(raw); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
