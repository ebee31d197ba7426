package durable

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/pkg/durable/token"
	"github.com/relaykit/relay/pkg/store/sqlitestore"
	"github.com/relaykit/relay/pkg/wire"
)

type nodeTestEnv struct {
	node   *Node
	server *httptest.Server

	// payload is attached to every accepted socket; tests mutate it before
	// dialing to simulate expired or revoked tokens.
	payload token.Payload
}

func setupTestNode(t *testing.T, opts Options) *nodeTestEnv {
	t.Helper()

	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "events.db"), sqlitestore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	env := &nodeTestEnv{
		node: NewNode(store, opts),
		payload: token.Payload{
			Channel:   "orders",
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}

	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		env.node.HandleSocket(r.Context(), conn, env.payload, r.Header.Get("Last-Event-Id"))
	}))
	t.Cleanup(env.server.Close)
	return env
}

func dialNode(t *testing.T, env *nodeTestEnv, lastEventID string) *websocket.Conn {
	t.Helper()
	url := "ws" + env.server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var opts *websocket.DialOptions
	if lastEventID != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{"Last-Event-Id": []string{lastEventID}}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readEvent reads one frame and returns the stream id and decoded body.
func readEvent(t *testing.T, conn *websocket.Conn) (string, wire.EventBody) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	frame, err := wire.DecodeFrame(data)
	require.NoError(t, err)
	body, err := wire.DecodeEventBody(frame)
	require.NoError(t, err)
	return frame.ID, body
}

func waitForSockets(t *testing.T, n *Node, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return n.ActiveSockets() == want },
		5*time.Second, 10*time.Millisecond)
}

func TestNodeLiveFanOut(t *testing.T) {
	env := setupTestNode(t, Options{})
	conn := dialNode(t, env, "")
	waitForSockets(t, env.node, 1)

	id, err := env.node.Publish(context.Background(), []byte(`{"order":1}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	streamID, body := readEvent(t, conn)
	assert.NotEmpty(t, streamID, "frames ride on the socket's hibernation id")
	assert.JSONEq(t, `{"order":1}`, string(body.Data))
	require.NotNil(t, body.Meta)
	assert.Equal(t, "1", body.Meta.ID)

	// The hibernation id is stable across sends on the same socket.
	_, err = env.node.Publish(context.Background(), []byte(`{"order":2}`), nil)
	require.NoError(t, err)
	streamID2, _ := readEvent(t, conn)
	assert.Equal(t, streamID, streamID2)
}

func TestNodeResumeReplay(t *testing.T) {
	env := setupTestNode(t, Options{})
	ctx := context.Background()

	for _, p := range []string{`"a"`, `"b"`, `"c"`} {
		_, err := env.node.Publish(ctx, []byte(p), nil)
		require.NoError(t, err)
	}

	conn := dialNode(t, env, "1")

	_, body := readEvent(t, conn)
	assert.Equal(t, "2", body.Meta.ID)
	assert.JSONEq(t, `"b"`, string(body.Data))
	_, body = readEvent(t, conn)
	assert.Equal(t, "3", body.Meta.ID)

	// Live events continue on the same socket after the replay.
	waitForSockets(t, env.node, 1)
	_, err := env.node.Publish(ctx, []byte(`"d"`), nil)
	require.NoError(t, err)
	_, body = readEvent(t, conn)
	assert.Equal(t, "4", body.Meta.ID)
}

// Publishes racing a resume replay must neither duplicate events already
// replayed nor overtake the replay: each event arrives exactly once, in id
// order.
func TestNodePublishDuringResume(t *testing.T) {
	env := setupTestNode(t, Options{})
	ctx := context.Background()

	_, err := env.node.Publish(ctx, []byte(`{"seq":1}`), nil)
	require.NoError(t, err)

	const total = 40
	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 2; i <= total; i++ {
			if _, err := env.node.Publish(ctx, []byte(`{"seq":0}`), nil); err != nil {
				t.Errorf("publish failed: %v", err)
				return
			}
		}
	}()

	conn := dialNode(t, env, "0")

	seen := make(map[string]int)
	prev := int64(0)
	for len(seen) < total {
		_, body := readEvent(t, conn)
		require.NotNil(t, body.Meta)
		id, err := strconv.ParseInt(body.Meta.ID, 10, 64)
		require.NoError(t, err)
		seen[body.Meta.ID]++
		require.Equal(t, 1, seen[body.Meta.ID], "event %s delivered more than once", body.Meta.ID)
		require.Greater(t, id, prev, "event %s arrived out of order", body.Meta.ID)
		prev = id
	}
	<-published
}

func TestNodeRetryHintRidesAlong(t *testing.T) {
	env := setupTestNode(t, Options{})
	conn := dialNode(t, env, "")
	waitForSockets(t, env.node, 1)

	retry := int64(2500)
	_, err := env.node.Publish(context.Background(), []byte(`1`), &retry)
	require.NoError(t, err)

	_, body := readEvent(t, conn)
	require.NotNil(t, body.Meta.Retry)
	assert.Equal(t, int64(2500), *body.Meta.Retry)
}

func TestNodeExpiredTokenClosed(t *testing.T) {
	env := setupTestNode(t, Options{})
	env.payload.ExpiresAt = time.Now().Add(-time.Minute)

	conn := dialNode(t, env, "")
	waitForSockets(t, env.node, 1)

	// The first fan-out reaps the expired socket with the 4001 close code;
	// the event is appended but never delivered to this socket.
	_, err := env.node.Publish(context.Background(), []byte(`1`), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, CloseTokenExpired, websocket.CloseStatus(err))
	waitForSockets(t, env.node, 0)
}

func TestNodeRevokedTokenClosed(t *testing.T) {
	env := setupTestNode(t, Options{
		Revoked: func(p token.Payload) bool { return p.Attachment["banned"] == "yes" },
	})
	env.payload.Attachment = map[string]string{"banned": "yes"}

	conn := dialNode(t, env, "")
	waitForSockets(t, env.node, 1)

	_, err := env.node.Publish(context.Background(), []byte(`1`), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, CloseTokenRevoked, websocket.CloseStatus(err))
}

func TestNodeSocketLifecycle(t *testing.T) {
	env := setupTestNode(t, Options{})

	conn := dialNode(t, env, "")
	conn2 := dialNode(t, env, "")
	waitForSockets(t, env.node, 2)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	waitForSockets(t, env.node, 1)

	// The remaining socket keeps receiving.
	_, err := env.node.Publish(context.Background(), []byte(`1`), nil)
	require.NoError(t, err)
	_, body := readEvent(t, conn2)
	assert.Equal(t, "1", body.Meta.ID)
}
