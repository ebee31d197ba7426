package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/pkg/durable"
	"github.com/relaykit/relay/pkg/durable/token"
	"github.com/relaykit/relay/pkg/retry"
	"github.com/relaykit/relay/pkg/store/sqlitestore"
	"github.com/relaykit/relay/pkg/wire"
)

// fakeDialIterator yields scripted items then a terminal error.
type fakeDialIterator struct {
	items []wire.Item
	term  error
	pos   int
}

func (it *fakeDialIterator) Next(ctx context.Context) (wire.Item, error) {
	if it.pos >= len(it.items) {
		return wire.Item{}, it.term
	}
	item := it.items[it.pos]
	it.pos++
	return item, nil
}

func (it *fakeDialIterator) Close() error { return nil }

func fastEngine() *retry.Engine {
	return retry.New(retry.Options{MaxAttempts: 3, RetryDelay: retry.ConstantDelay(time.Millisecond)})
}

func wireItem(id, v string) wire.Item {
	return wire.Item{Data: json.RawMessage(v), Meta: &wire.EventMeta{ID: id}}
}

func TestTokenURL(t *testing.T) {
	t.Run("sets the fixed parameter", func(t *testing.T) {
		u, err := TokenURL("wss://host/subscribe", "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "wss://host/subscribe?token=tok-1", u)
	})

	t.Run("preserves existing query parameters", func(t *testing.T) {
		u, err := TokenURL("wss://host/subscribe?channel=orders", "tok-1")
		require.NoError(t, err)
		assert.Contains(t, u, "channel=orders")
		assert.Contains(t, u, "token=tok-1")
	})

	t.Run("replaces a stale token", func(t *testing.T) {
		u, err := TokenURL("wss://host/subscribe?token=old", "new")
		require.NoError(t, err)
		assert.Contains(t, u, "token=new")
		assert.NotContains(t, u, "token=old")
	})
}

func TestLinkRefetchesTokenOnReconnect(t *testing.T) {
	type dialRecord struct {
		url         string
		lastEventID string
	}
	var (
		mu    sync.Mutex
		dials []dialRecord
	)

	dial := func(ctx context.Context, socketURL, lastEventID string) (wire.Iterator, error) {
		mu.Lock()
		dials = append(dials, dialRecord{socketURL, lastEventID})
		n := len(dials)
		mu.Unlock()
		if n == 1 {
			return &fakeDialIterator{
				items: []wire.Item{wireItem("1", `"a"`)},
				term:  errors.New("connection lost"),
			}, nil
		}
		return &fakeDialIterator{
			items: []wire.Item{wireItem("2", `"b"`)},
			term:  wire.ErrDone,
		}, nil
	}

	refetches := 0
	link := NewLink(fastEngine(), func(ctx context.Context) (Grant, error) {
		refetches++
		return Grant{Token: "fresh", URL: "wss://host/subscribe"}, nil
	}, Options{Dial: dial})

	s, err := link.Open(context.Background(), Grant{Token: "initial", URL: "wss://host/subscribe"})
	require.NoError(t, err)
	defer s.Close()

	var got []string
	for {
		it, err := s.Next(context.Background())
		if errors.Is(err, wire.ErrDone) {
			break
		}
		require.NoError(t, err)
		got = append(got, it.Meta.ID)
	}
	assert.Equal(t, []string{"1", "2"}, got)

	require.Len(t, dials, 2)
	assert.Contains(t, dials[0].url, "token=initial", "first connect uses the initial grant")
	assert.Empty(t, dials[0].lastEventID)
	assert.Contains(t, dials[1].url, "token=fresh", "reconnects embed a refetched token")
	assert.Equal(t, "1", dials[1].lastEventID, "reconnects resume from the last observed id")
	assert.Equal(t, 1, refetches)
}

func TestInterceptor(t *testing.T) {
	dial := func(ctx context.Context, socketURL, lastEventID string) (wire.Iterator, error) {
		return &fakeDialIterator{items: []wire.Item{wireItem("1", `"a"`)}, term: wire.ErrDone}, nil
	}
	link := NewLink(fastEngine(), func(ctx context.Context) (Grant, error) {
		return Grant{}, errors.New("no refetch expected")
	}, Options{Dial: dial})

	t.Run("unmarked responses pass through", func(t *testing.T) {
		s, upgraded, err := link.Intercept(context.Background(), Response{
			Headers: map[string][]string{"Content-Type": {"application/json"}},
			Body:    json.RawMessage(`{"plain":"value"}`),
		})
		require.NoError(t, err)
		assert.False(t, upgraded)
		assert.Nil(t, s)
	})

	t.Run("marked responses are upgraded", func(t *testing.T) {
		s, upgraded, err := link.Intercept(context.Background(), Response{
			Headers: map[string][]string{"relay-durable-iterator": {"1"}},
			Body:    json.RawMessage(`{"token":"tok","url":"wss://host/subscribe"}`),
		})
		require.NoError(t, err)
		require.True(t, upgraded)
		defer s.Close()

		it, err := s.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "1", it.Meta.ID)
	})

	t.Run("marked response with a broken grant fails", func(t *testing.T) {
		_, _, err := link.Intercept(context.Background(), Response{
			Headers: map[string][]string{"Relay-Durable-Iterator": {"1"}},
			Body:    json.RawMessage(`not json`),
		})
		require.Error(t, err)
	})
}

// durableLinkEnv is a full client-to-node stack over real websockets.
type durableLinkEnv struct {
	node   *durable.Node
	issuer *token.Issuer
	server *httptest.Server
}

func setupDurableLink(t *testing.T, issuer *token.Issuer) *durableLinkEnv {
	t.Helper()

	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "events.db"), sqlitestore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	env := &durableLinkEnv{
		node:   durable.NewNode(store, durable.Options{}),
		issuer: issuer,
	}
	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := env.issuer.Verify(r.URL.Query().Get(TokenQueryParam))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		env.node.HandleSocket(r.Context(), conn, payload, r.Header.Get("Last-Event-Id"))
	}))
	t.Cleanup(env.server.Close)
	return env
}

func (env *durableLinkEnv) wsURL() string {
	return "ws" + env.server.URL[len("http"):]
}

func TestLinkSurvivesTokenExpiry(t *testing.T) {
	// The first token dies mid-stream: the node closes the socket with the
	// expiry code on fan-out, and the link refetches a fresh token and
	// resumes from the last delivered event without loss.
	shortIssuer := token.NewIssuer("secret", 300*time.Millisecond)
	longIssuer := token.NewIssuer("secret", time.Minute)
	env := setupDurableLink(t, shortIssuer)

	firstToken, err := shortIssuer.Issue("orders", "", nil)
	require.NoError(t, err)

	refetches := 0
	link := NewLink(fastEngine(), func(ctx context.Context) (Grant, error) {
		refetches++
		fresh, err := longIssuer.Issue("orders", "", nil)
		if err != nil {
			return Grant{}, err
		}
		return Grant{Token: fresh, URL: env.wsURL()}, nil
	}, Options{})

	s, err := link.Open(context.Background(), Grant{Token: firstToken, URL: env.wsURL()})
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool { return env.node.ActiveSockets() == 1 },
		5*time.Second, 10*time.Millisecond)

	_, err = env.node.Publish(context.Background(), []byte(`{"n":1}`), nil)
	require.NoError(t, err)

	it, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", it.Meta.ID)
	assert.JSONEq(t, `{"n":1}`, string(it.Data))

	// Let the first token expire, then publish: the fan-out reaps the
	// socket with 4001 and the event waits in the store for the resume.
	time.Sleep(350 * time.Millisecond)
	_, err = env.node.Publish(context.Background(), []byte(`{"n":2}`), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	it, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", it.Meta.ID)
	assert.JSONEq(t, `{"n":2}`, string(it.Data))
	assert.Equal(t, 1, refetches)
}
