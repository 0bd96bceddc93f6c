package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-mailbox/pkg/crypto"
	"github.com/ZentaChain/zentalk-mailbox/pkg/protocol"
	"github.com/ZentaChain/zentalk-mailbox/pkg/storage"
)

// HealthResponse reports liveness
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ClientInfo describes a registered client. The public key itself is
// never exposed, only its fingerprint.
type ClientInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Fingerprint  string    `json:"fingerprint"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// QueueInfo reports pending messages for one client
type QueueInfo struct {
	ID      string `json:"id"`
	Pending int    `json:"pending"`
}

func newClientInfo(c storage.ClientIdentity) ClientInfo {
	return ClientInfo{
		ID:           c.ID.String(),
		Name:         c.Name,
		Fingerprint:  crypto.Fingerprint(c.PublicKey[:]),
		RegisteredAt: c.RegisteredAt,
		LastSeen:     c.LastSeen,
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "healthy",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    s.relay.Stats(),
	})
}

// handleClients handles GET /api/v1/clients
func (s *Server) handleClients(c *gin.Context) {
	clients := s.relay.Registry().ListExcept(protocol.ClientID{})

	infos := make([]ClientInfo, len(clients))
	for i, client := range clients {
		infos[i] = newClientInfo(client)
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    infos,
	})
}

// handleClient handles GET /api/v1/clients/:id
func (s *Server) handleClient(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	client, exists := s.relay.Registry().Lookup(id)
	if !exists {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Client not found",
			Message: id.String(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    newClientInfo(client),
	})
}

// handleQueue handles GET /api/v1/queue/:id. It counts without draining.
func (s *Server) handleQueue(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	pending, err := s.relay.Queue().Pending(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Queue unavailable",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    QueueInfo{ID: id.String(), Pending: pending},
	})
}

func parseIDParam(c *gin.Context) (protocol.ClientID, bool) {
	id, err := protocol.ParseClientID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid client ID",
			Message: "Client ID must be a UUID",
		})
		return protocol.ClientID{}, false
	}
	return id, true
}
