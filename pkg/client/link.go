// Package client implements the durable iterator link: given a one-shot RPC
// call that returns a short-lived token and a stable websocket URL, it
// produces a long-lived event iterator backed by a reconnecting websocket.
// Reconnects refetch a fresh token by replaying a captured snapshot of the
// original call and resume from the last observed event id.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/relaykit/relay/pkg/retry"
	"github.com/relaykit/relay/pkg/wire"
)

const (
	// TokenQueryParam is the fixed URL query parameter carrying the token.
	TokenQueryParam = "token"
	// DurableHeader marks a response as a durable-subscription grant; the
	// interceptor upgrades only responses carrying it.
	DurableHeader = "Relay-Durable-Iterator"
	// lastEventIDHeader resumes the server-side replay on reconnect.
	lastEventIDHeader = "Last-Event-Id"
)

// Grant is the body of a durable-subscription response.
type Grant struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// TokenFunc replays the captured original RPC call for a fresh grant.
type TokenFunc func(ctx context.Context) (Grant, error)

// DialFunc opens one websocket attempt and wraps it as an event iterator.
// Swapped in tests.
type DialFunc func(ctx context.Context, socketURL, lastEventID string) (wire.Iterator, error)

// Link builds long-lived iterators over token-gated durable sockets.
type Link struct {
	engine  *retry.Engine
	refetch TokenFunc
	dial    DialFunc
	logger  *slog.Logger
}

// Options configure a link.
type Options struct {
	// Dial overrides the websocket dialer; nil uses the real one.
	Dial   DialFunc
	Logger *slog.Logger
}

// NewLink wires a link to its retry engine and token snapshot.
func NewLink(engine *retry.Engine, refetch TokenFunc, opts Options) *Link {
	dial := opts.Dial
	if dial == nil {
		dial = dialSocket
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{engine: engine, refetch: refetch, dial: dial, logger: logger}
}

// Open returns the stitched iterator. The first connect uses the initial
// grant; every reconnect refetches a fresh one, since the server closes
// sockets whose token expired.
func (l *Link) Open(ctx context.Context, initial Grant) (*retry.Stream, error) {
	first := true
	return l.engine.Stream(ctx, func(ctx context.Context, lastEventID string) (any, error) {
		grant := initial
		if !first {
			fresh, err := l.refetch(ctx)
			if err != nil {
				return nil, fmt.Errorf("client: refetch token: %w", err)
			}
			grant = fresh
		}
		first = false

		socketURL, err := TokenURL(grant.URL, grant.Token)
		if err != nil {
			return nil, err
		}
		if lastEventID != "" {
			l.logger.Debug("reconnecting durable socket", "last_event_id", lastEventID)
		}
		return l.dial(ctx, socketURL, lastEventID)
	})
}

// Response is one transport-level RPC response as seen by the interceptor.
type Response struct {
	Headers map[string][]string
	Body    json.RawMessage
}

// Intercept upgrades a response to a durable iterator when it carries the
// marker header. Unmatched responses pass through with upgraded == false.
func (l *Link) Intercept(ctx context.Context, resp Response) (*retry.Stream, bool, error) {
	if !hasHeader(resp.Headers, DurableHeader) {
		return nil, false, nil
	}
	var grant Grant
	if err := json.Unmarshal(resp.Body, &grant); err != nil {
		return nil, false, fmt.Errorf("client: decode durable grant: %w", err)
	}
	stream, err := l.Open(ctx, grant)
	if err != nil {
		return nil, false, err
	}
	return stream, true, nil
}

func hasHeader(headers map[string][]string, name string) bool {
	for k, vals := range headers {
		if strings.EqualFold(k, name) && len(vals) > 0 && vals[0] != "" {
			return true
		}
	}
	return false
}

// TokenURL embeds the token in rawURL under the fixed query parameter,
// preserving any other query parameters.
func TokenURL(rawURL, tok string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("client: parse socket url: %w", err)
	}
	q := u.Query()
	q.Set(TokenQueryParam, tok)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialSocket is the production dialer.
func dialSocket(ctx context.Context, socketURL, lastEventID string) (wire.Iterator, error) {
	var opts *websocket.DialOptions
	if lastEventID != "" {
		opts = &websocket.DialOptions{
			HTTPHeader: http.Header{lastEventIDHeader: []string{lastEventID}},
		}
	}
	conn, _, err := websocket.Dial(ctx, socketURL, opts)
	if err != nil {
		return nil, fmt.Errorf("client: dial durable socket: %w", err)
	}
	return &socketIterator{conn: conn}, nil
}

// socketIterator reads event frames off one websocket connection.
type socketIterator struct {
	conn     *websocket.Conn
	final    json.RawMessage
	termMeta *wire.EventMeta
}

func (it *socketIterator) Next(ctx context.Context) (wire.Item, error) {
	for {
		_, data, err := it.conn.Read(ctx)
		if err != nil {
			return wire.Item{}, fmt.Errorf("client: socket read: %w", err)
		}
		frame, err := wire.DecodeFrame(data)
		if err != nil {
			return wire.Item{}, err
		}
		if frame.Kind != wire.KindEvent {
			// Only event frames travel on this leg; anything else means the
			// endpoint is not a durable socket.
			return wire.Item{}, fmt.Errorf("client: unexpected %s frame on durable socket", frame.Kind)
		}
		body, err := wire.DecodeEventBody(frame)
		if err != nil {
			return wire.Item{}, err
		}
		switch {
		case body.Done:
			it.final = body.Data
			return wire.Item{}, wire.ErrDone
		case body.Err != "":
			it.termMeta = body.Meta
			return wire.Item{}, fmt.Errorf("client: %s", body.Err)
		default:
			return wire.Item{Data: body.Data, Meta: body.Meta}, nil
		}
	}
}

func (it *socketIterator) Close() error {
	return it.conn.Close(websocket.StatusNormalClosure, "")
}

func (it *socketIterator) Final() json.RawMessage { return it.final }

// TerminalMeta exposes the terminator's metadata so the retry engine can
// honor a retry hint delivered with an error terminator.
func (it *socketIterator) TerminalMeta() *wire.EventMeta { return it.termMeta }
