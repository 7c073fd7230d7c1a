package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// CreateAlertRequest is the POST /alerts body. chain_id overrides the
// alert-type routing when set.
type CreateAlertRequest struct {
	AlertType string          `json:"alert_type" binding:"required"`
	Data      json.RawMessage `json:"data"`
	ChainID   string          `json:"chain_id"`
}

// CreateAlertResponse acknowledges the queued session.
type CreateAlertResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

func (s *Server) handleCreateAlert(c *gin.Context) {
	var req CreateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chainID := req.ChainID
	if chainID == "" {
		id, err := s.cfg.ChainRegistry.GetIDByAlertType(req.AlertType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no chain configured for alert type " + req.AlertType})
			return
		}
		chainID = id
	} else if !s.cfg.ChainRegistry.Has(chainID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown chain " + chainID})
		return
	}

	payload := string(req.Data)
	if payload == "" {
		payload = "{}"
	}

	sess, err := s.sessions.CreateSession(c.Request.Context(), req.AlertType, payload, chainID, extractAuthor(c))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateAlertResponse{
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Message:   "alert queued for processing",
	})
}
