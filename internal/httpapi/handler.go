// Package httpapi exposes registry status, housekeeping and Prometheus
// metrics over HTTP.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campuslink/campuslink/internal/gateway"
)

type Handler struct {
	service *gateway.Service
}

func NewHandler(svc *gateway.Service) *Handler {
	return &Handler{service: svc}
}

// Health reports liveness together with the registry counts.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.service.Stats()})
}

func (h *Handler) ListConnections(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.List())
}

func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Stats())
}

func (h *Handler) GetConnection(c *gin.Context) {
	info, err := h.service.Status(c.Param("identity"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

type connectBody struct {
	Server string `json:"server"`
}

// Connect logs the identity in with its stored credentials.
func (h *Handler) Connect(c *gin.Context) {
	var body connectBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	info, err := h.service.Connect(c.Request.Context(), c.Param("identity"), body.Server)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) Disconnect(c *gin.Context) {
	if err := h.service.Disconnect(c.Param("identity")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Cleanup(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"removed": h.service.Cleanup()})
}

func (h *Handler) VerifyAudit(c *gin.Context) {
	valid, count, err := h.service.VerifyAudit()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid, "count": count})
}

func statusFor(err error) int {
	if errors.Is(err, gateway.ErrUnknownIdentity) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
