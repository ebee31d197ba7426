package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaykit/relay/pkg/client"
)

// TokenRequest is the body of POST /api/token.
type TokenRequest struct {
	Channel    string            `json:"channel" binding:"required"`
	AllowedRPC string            `json:"allowedRpc,omitempty"`
	Attachment map[string]string `json:"attachment,omitempty"`
}

// tokenHandler handles POST /api/token: issues a short-lived grant for the
// durable socket. The response carries the durable-iterator marker header so
// interceptor-aware clients upgrade it into a reconnecting stream.
func (s *Server) tokenHandler(c *gin.Context) {
	if s.issuer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token issuance not available on this backend"})
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tok, err := s.issuer.Issue(req.Channel, req.AllowedRPC, req.Attachment)
	if err != nil {
		s.logger.Error("token issuance failed", "channel", req.Channel, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}

	c.Header(client.DurableHeader, "1")
	c.JSON(http.StatusOK, client.Grant{Token: tok, URL: s.socketURL})
}
