package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaykit/relay/pkg/client"
	"github.com/relaykit/relay/pkg/durable/token"
	"github.com/relaykit/relay/pkg/pubsub"
	"github.com/relaykit/relay/pkg/wire"
)

const lastEventIDHeader = "Last-Event-Id"

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	if len(s.allowedOrigins) > 0 {
		return &websocket.AcceptOptions{OriginPatterns: s.allowedOrigins}
	}
	return &websocket.AcceptOptions{InsecureSkipVerify: true}
}

// subscribeHandler handles GET /api/channels/:channel/ws: upgrades to a
// websocket and streams the channel's events as event frames, resuming from
// the Last-Event-Id header when present.
func (s *Server) subscribeHandler(c *gin.Context) {
	if s.publisher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "channel subscriptions not available on this backend"})
		return
	}
	channel := c.Param("channel")

	conn, err := websocket.Accept(c.Writer, c.Request, s.acceptOptions())
	if err != nil {
		s.logger.Warn("websocket accept failed", "channel", channel, "error", err)
		return
	}

	// CloseRead pumps the read side so client closes cancel the context.
	ctx := conn.CloseRead(c.Request.Context())

	sub, err := s.publisher.Events(ctx, channel, pubsub.SubscribeOptions{
		LastEventID: c.GetHeader(lastEventIDHeader),
	})
	if err != nil {
		s.logger.Error("subscribe failed", "channel", channel, "error", err)
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	streamID := uuid.NewString()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrClosed) {
				s.logger.Warn("subscription ended", "channel", channel, "error", err)
			}
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		frame, err := wire.NewMessageEvent(streamID, ev.Payload, &wire.EventMeta{ID: ev.Meta.ID, Retry: ev.Meta.Retry})
		if err != nil {
			s.logger.Error("encode event failed", "channel", channel, "error", err)
			continue
		}
		data, err := frame.Encode()
		if err != nil {
			s.logger.Error("encode frame failed", "channel", channel, "error", err)
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
	}
}

// durableSubscribeHandler handles GET /api/subscribe: verifies the token from
// the fixed query parameter and hands the socket to the durable node.
func (s *Server) durableSubscribeHandler(c *gin.Context) {
	if s.node == nil || s.issuer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "durable subscriptions not available on this backend"})
		return
	}

	payload, err := s.issuer.Verify(c.Query(client.TokenQueryParam))
	if err != nil {
		status := http.StatusUnauthorized
		msg := "invalid token"
		if errors.Is(err, token.ErrExpired) {
			msg = "token expired"
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, s.acceptOptions())
	if err != nil {
		s.logger.Warn("websocket accept failed", "channel", payload.Channel, "error", err)
		return
	}

	// Blocks until the socket closes.
	s.node.HandleSocket(c.Request.Context(), conn, payload, c.GetHeader(lastEventIDHeader))
}
