package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaykit/relay/pkg/pubsub"
)

// PublishRequest is the body of POST /api/channels/:channel/events.
type PublishRequest struct {
	Payload     json.RawMessage   `json:"payload" binding:"required"`
	Retry       *int64            `json:"retry,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// publishHandler handles POST /api/channels/:channel/events.
func (s *Server) publishHandler(c *gin.Context) {
	if s.publisher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "channel publishing not available on this backend"})
		return
	}

	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	channel := c.Param("channel")
	if channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel is required"})
		return
	}

	meta := pubsub.Meta{Retry: req.Retry, Annotations: req.Annotations}
	if err := s.publisher.Publish(c.Request.Context(), channel, req.Payload, meta); err != nil {
		s.logger.Error("publish failed", "channel", channel, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// DurablePublishRequest is the body of POST /api/events (durable mode).
type DurablePublishRequest struct {
	Payload json.RawMessage `json:"payload" binding:"required"`
	Retry   *int64          `json:"retry,omitempty"`
}

// durablePublishHandler handles POST /api/events. The durable node has a
// single implicit channel, so no channel parameter exists here.
func (s *Server) durablePublishHandler(c *gin.Context) {
	if s.node == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "durable node not available on this backend"})
		return
	}

	var req DurablePublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.node.Publish(c.Request.Context(), req.Payload, req.Retry)
	if err != nil {
		s.logger.Error("durable publish failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}
