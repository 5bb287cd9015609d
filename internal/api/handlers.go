// services/lockplane/internal/api/handlers.go
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/lockplane/internal/core"
	"github.com/gin-gonic/gin"
)

var errBadRequest = core.BusinessError{Kind: core.KindValidation, Code: "REQUEST_001", Message: "invalid request"}

// Pinger reports dependency health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.ServiceRegistry
	checks   map[string]Pinger
}

// NewAPIHandlers creates a new handler instance. checks are probed by /health.
func NewAPIHandlers(services *core.ServiceRegistry, checks map[string]Pinger) *APIHandlers {
	if checks == nil {
		checks = map[string]Pinger{}
	}
	return &APIHandlers{services: services, checks: checks}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":       state,
		"timestamp":    time.Now().UTC(),
		"service":      "lockplane",
		"dependencies": deps,
	})
}

// --- Agent Endpoints ---

// GetPolicy serves the enforcement policy to a device agent.
func (h *APIHandlers) GetPolicy(c *gin.Context) {
	policy, err := h.services.Policy.DerivePolicy(c.Request.Context(), c.Param("imei"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, policy)
}

type heartbeatRequest struct {
	Timestamp *time.Time `json:"timestamp"`
}

// Heartbeat records that the agent is alive.
func (h *APIHandlers) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
			return
		}
	}

	var reported time.Time
	if req.Timestamp != nil {
		reported = *req.Timestamp
	}

	at, err := h.services.Devices.RecordHeartbeat(c.Request.Context(), c.Param("imei"), reported)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"imei": c.Param("imei"), "recorded_at": at})
}

// --- Auth Endpoints ---

type elevateRequest struct {
	Password string `json:"password" binding:"required"`
}

// Elevate exchanges a password re-authentication for a short-lived elevated token.
func (h *APIHandlers) Elevate(c *gin.Context) {
	principal, _ := principalFrom(c)

	var req elevateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	token, expires, err := h.services.Auth.Elevate(c.Request.Context(), principal, req.Password)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"elevated_token": token,
		"expires_at":     expires,
	})
}

// --- Helpers ---

// parseFilter reads page, page_size, from, to, type and status query parameters.
func parseFilter(c *gin.Context) (core.ListFilter, error) {
	var f core.ListFilter
	var err error

	if v := c.Query("page"); v != "" {
		if f.Page, err = strconv.Atoi(v); err != nil {
			return f, errBadRequest.WithMessage("page must be an integer")
		}
	}
	if v := c.Query("page_size"); v != "" {
		if f.PageSize, err = strconv.Atoi(v); err != nil {
			return f, errBadRequest.WithMessage("page_size must be an integer")
		}
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errBadRequest.WithMessage("from must be RFC3339")
		}
		f.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errBadRequest.WithMessage("to must be RFC3339")
		}
		f.To = &t
	}
	f.Type = c.Query("type")
	f.Status = c.Query("status")
	return f.Normalize(), nil
}

// merchantScope resolves which merchant a request acts for. Merchants always act
// for themselves; admins name one with merchant_id, or none when optional.
func merchantScope(c *gin.Context, required bool) (string, error) {
	principal, ok := principalFrom(c)
	if !ok {
		return "", core.ErrUnauthorized
	}
	if !principal.IsAdmin() {
		return principal.MerchantID, nil
	}
	merchantID := c.Query("merchant_id")
	if merchantID == "" && required {
		return "", errBadRequest.WithMessage("merchant_id is required for admin requests")
	}
	return merchantID, nil
}

// authorizeDevice loads a device the principal may act on.
func (h *APIHandlers) authorizeDevice(c *gin.Context) (*core.Device, error) {
	principal, ok := principalFrom(c)
	if !ok {
		return nil, core.ErrUnauthorized
	}
	device, err := h.services.Devices.Get(c.Request.Context(), c.Param("imei"))
	if err != nil {
		return nil, err
	}
	if !principal.IsAdmin() && device.MerchantID != principal.MerchantID {
		return nil, core.ErrDeviceForbidden
	}
	return device, nil
}
