// Package api exposes the relay daemon over HTTP: channel publish and
// websocket subscribe on a publisher backend, plus token issuance and
// token-gated durable sockets when the daemon runs the embedded node.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaykit/relay/pkg/durable"
	"github.com/relaykit/relay/pkg/durable/token"
	"github.com/relaykit/relay/pkg/pubsub"
	"github.com/relaykit/relay/pkg/version"
)

// Server holds the HTTP handlers and their collaborators. Exactly one of
// publisher or node is set, depending on the configured backend.
type Server struct {
	publisher *pubsub.Publisher
	node      *durable.Node
	issuer    *token.Issuer

	socketURL      string
	allowedOrigins []string
	logger         *slog.Logger
}

// Options configure the server surface.
type Options struct {
	// SocketURL is the externally reachable websocket endpoint embedded in
	// durable-subscription grants.
	SocketURL string
	// AllowedOrigins are origin patterns accepted on websocket upgrade.
	// Empty accepts any origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewServer wires the handlers. publisher serves the channel endpoints; node
// and issuer serve the durable endpoints. Nil collaborators disable their
// endpoints with 503.
func NewServer(publisher *pubsub.Publisher, node *durable.Node, issuer *token.Issuer, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		publisher:      publisher,
		node:           node,
		issuer:         issuer,
		socketURL:      opts.SocketURL,
		allowedOrigins: opts.AllowedOrigins,
		logger:         logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger), securityHeaders())

	r.GET("/health", s.healthHandler)

	api := r.Group("/api")
	api.POST("/channels/:channel/events", s.publishHandler)
	api.GET("/channels/:channel/ws", s.subscribeHandler)
	api.POST("/token", s.tokenHandler)
	api.POST("/events", s.durablePublishHandler)
	api.GET("/subscribe", s.durableSubscribeHandler)

	return r
}

// healthHandler handles GET /health. Minimal unauthenticated response; the
// backend is not probed so an unhealthy broker does not restart the daemon.
func (s *Server) healthHandler(c *gin.Context) {
	mode := "channels"
	if s.node != nil {
		mode = "durable"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.GitCommit,
		"mode":    mode,
	})
}
