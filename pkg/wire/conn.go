package wire

import (
	"context"
	"errors"
)

// Conn is an ordered duplex message channel. Implementations must preserve
// send order; they need not be safe for concurrent Receive calls (each peer
// owns its read loop), but Send may be called from multiple goroutines.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// ErrConnClosed is returned by pipe endpoints after Close.
var ErrConnClosed = errors.New("wire: connection closed")

// pipeConn is one end of an in-process message pipe.
type pipeConn struct {
	send chan<- []byte
	recv <-chan []byte
	done chan struct{}
	peer *pipeConn
}

// Pipe returns two connected in-process endpoints. Messages written to one
// end are received by the other in order. Used by tests and by same-process
// peer pairs (the message-port arrangement).
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &pipeConn{send: ab, recv: ba, done: make(chan struct{})}
	b := &pipeConn{send: ba, recv: ab, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *pipeConn) Send(ctx context.Context, data []byte) error {
	msg := append([]byte(nil), data...)
	select {
	case <-c.done:
		return ErrConnClosed
	case <-c.peer.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.send <- msg:
		return nil
	}
}

func (c *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.recv:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.recv:
		return msg, nil
	case <-c.done:
		return nil, ErrConnClosed
	case <-c.peer.done:
		// Drain anything the peer sent before closing.
		select {
		case msg := <-c.recv:
			return msg, nil
		default:
			return nil, ErrConnClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}
