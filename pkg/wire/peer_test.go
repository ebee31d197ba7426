package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startPeers wires a client and server peer over an in-process pipe and
// runs both loops until the test ends.
func startPeers(t *testing.T, handler Handler) *ClientPeer {
	t.Helper()
	clientConn, serverConn := Pipe()
	client := NewClientPeer(clientConn)
	server := NewServerPeer(serverConn, handler)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = client.Run(ctx) }()
	go func() { _ = server.Run(ctx) }()
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})
	return client
}

func TestCallResponse(t *testing.T) {
	t.Run("scalar body round trip", func(t *testing.T) {
		client := startPeers(t, func(ctx context.Context, req *IncomingRequest) (*Reply, error) {
			var n int
			require.NoError(t, json.Unmarshal(req.Body, &n))
			return &Reply{Body: json.RawMessage(fmt.Sprintf("%d", n+1))}, nil
		})

		resp, err := client.Call(context.Background(), Request{Body: json.RawMessage("41")})
		require.NoError(t, err)
		assert.Equal(t, "42", string(resp.Body))
	})

	t.Run("handler error surfaces with headers", func(t *testing.T) {
		client := startPeers(t, func(ctx context.Context, req *IncomingRequest) (*Reply, error) {
			return nil, errors.New("boom")
		})

		_, err := client.Call(context.Background(), Request{Body: json.RawMessage("1")})
		require.Error(t, err)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Contains(t, remote.Message, "boom")
	})

	t.Run("request headers reach the handler", func(t *testing.T) {
		got := make(chan string, 1)
		client := startPeers(t, func(ctx context.Context, req *IncomingRequest) (*Reply, error) {
			got <- req.Headers["last-event-id"][0]
			return &Reply{}, nil
		})

		_, err := client.Call(context.Background(), Request{
			Headers: map[string][]string{"last-event-id": {"42-0"}},
			Body:    json.RawMessage("null"),
		})
		require.NoError(t, err)
		assert.Equal(t, "42-0", <-got)
	})
}

func TestIteratorResponse(t *testing.T) {
	t.Run("items then done with final value", func(t *testing.T) {
		client := startPeers(t, func(ctx context.Context, req *IncomingRequest) (*Reply, error) {
			items := []Item{
				{Data: json.RawMessage(`{"order":1}`), Meta: &EventMeta{ID: "1-0"}},
				{Data: json.RawMessage(`{"order":2}`), Meta: &EventMeta{ID: "2-0"}},
			}
			return &Reply{Events: NewSliceIterator(items, json.RawMessage(`"bye"`))}, nil
		})

		resp, err := client.Call(context.Background(), Request{Body: json.RawMessage("null")})
		require.NoError(t, err)
		require.NotNil(t, resp.Events)

		ctx := context.Background()
		first, err := resp.Events.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, `{"order":1}`, string(first.Data))
		assert.Equal(t, "1-0", first.Meta.ID)

		second, err := resp.Events.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "2-0", second.Meta.ID)

		_, err = resp.Events.Next(ctx)
		require.ErrorIs(t, err, ErrDone)
		assert.Equal(t, `"bye"`, string(resp.Events.Final()))

		// Terminal state is sticky.
		_, err = resp.Events.Next(ctx)
		require.ErrorIs(t, err, ErrDone)
	})

	t.Run("error terminator carries the failure", func(t *testing.T) {
		client := startPeers(t, func(ctx context.Context, req *IncomingRequest) (*Reply, error) {
			return &Reply{Events: &failingIterator{after: 1}}, nil
		})

		resp, err := client.Call(context.Background(), Request{Body: json.RawMessage("null")})
		require.NoError(t, err)

		_, err = resp.Events.Next(context.Background())
		require.NoError(t, err)
		_, err = resp.Events.Next(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDone)
		assert.Contains(t, err.Error(), "stream broke")
	})
}

func TestRequestIterator(t *testing.T) {
	t.Run("server consumes client events", func(t *testing.T) {
		sum := make(chan int, 1)
		client := startPeers(t, func(ctx context.Context, req *IncomingRequest) (*Reply, error) {
			require.NotNil(t, req.Events)
			total := 0
			for {
				item, err := req.Events.Next(ctx)
				if errors.Is(err, ErrDone) {
					break
				}
				require.NoError(t, err)
				var n int
				require.NoError(t, json.Unmarshal(item.Data, &n))
				total += n
			}
			sum <- total
			return &Reply{Body: json.RawMessage("null")}, nil
		})

		items := []Item{
			{Data: json.RawMessage("1")},
			{Data: json.RawMessage("2")},
			{Data: json.RawMessage("3")},
		}
		_, err := client.Call(context.Background(), Request{
			Body:   json.RawMessage("null"),
			Events: NewSliceIterator(items, nil),
		})
		require.NoError(t, err)
		assert.Equal(t, 6, <-sum)
	})
}

func TestAbort(t *testing.T) {
	t.Run("cancelled call aborts the server request", func(t *testing.T) {
		started := make(chan struct{})
		aborted := make(chan error, 1)
		client := startPeers(t, func(ctx context.Context, req *IncomingRequest) (*Reply, error) {
			close(started)
			<-ctx.Done()
			aborted <- context.Cause(ctx)
			return nil, context.Cause(ctx)
		})

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := client.Call(ctx, Request{Body: json.RawMessage("null")})
			errCh <- err
		}()

		<-started
		cancel()
		require.Error(t, <-errCh)

		select {
		case cause := <-aborted:
			assert.ErrorIs(t, cause, ErrAborted)
		case <-time.After(2 * time.Second):
			t.Fatal("server request was not aborted")
		}
	})

	t.Run("closing the stream aborts the response iterator", func(t *testing.T) {
		released := make(chan struct{})
		client := startPeers(t, func(ctx context.Context, req *IncomingRequest) (*Reply, error) {
			return &Reply{Events: &blockingIterator{ctx: ctx, released: released}}, nil
		})

		resp, err := client.Call(context.Background(), Request{Body: json.RawMessage("null")})
		require.NoError(t, err)

		item, err := resp.Events.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "1", string(item.Data))

		require.NoError(t, resp.Events.Close())

		select {
		case <-released:
		case <-time.After(2 * time.Second):
			t.Fatal("server iterator was not torn down")
		}

		_, err = resp.Events.Next(context.Background())
		require.ErrorIs(t, err, ErrDone)
	})
}

func TestOutstandingState(t *testing.T) {
	client := startPeers(t, func(ctx context.Context, req *IncomingRequest) (*Reply, error) {
		return &Reply{Body: json.RawMessage("null")}, nil
	})

	for i := 0; i < 10; i++ {
		_, err := client.Call(context.Background(), Request{Body: json.RawMessage("null")})
		require.NoError(t, err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.pending)
	assert.Empty(t, client.streams)
}

// failingIterator yields `after` items then fails.
type failingIterator struct {
	after int
	sent  int
}

func (it *failingIterator) Next(ctx context.Context) (Item, error) {
	if it.sent >= it.after {
		return Item{}, errors.New("stream broke")
	}
	it.sent++
	return Item{Data: json.RawMessage("1")}, nil
}

func (it *failingIterator) Close() error { return nil }

// blockingIterator yields one item then parks on its request context; Close
// or cancellation releases it.
type blockingIterator struct {
	ctx      context.Context
	released chan struct{}
	sent     bool
	closed   bool
}

func (it *blockingIterator) Next(ctx context.Context) (Item, error) {
	if !it.sent {
		it.sent = true
		return Item{Data: json.RawMessage("1")}, nil
	}
	select {
	case <-it.ctx.Done():
	case <-ctx.Done():
	}
	return Item{}, ErrDone
}

func (it *blockingIterator) Close() error {
	if !it.closed {
		it.closed = true
		close(it.released)
	}
	return nil
}
