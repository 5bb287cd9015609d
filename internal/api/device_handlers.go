// services/lockplane/internal/api/device_handlers.go
package api

import (
	"net/http"

	"example.com/backstage/services/lockplane/internal/core"
	"github.com/gin-gonic/gin"
)

type registerDeviceRequest struct {
	IMEI       string `json:"imei" binding:"required"`
	Model      string `json:"model"`
	MerchantID string `json:"merchant_id"`
}

// RegisterDevice registers a device and attempts its enrollment billing.
// 201 when the fee was charged, 202 when the wallet needs a top-up.
func (h *APIHandlers) RegisterDevice(c *gin.Context) {
	principal, _ := principalFrom(c)

	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	merchantID := principal.MerchantID
	if principal.IsAdmin() {
		merchantID = req.MerchantID
	}
	if merchantID == "" {
		_ = c.Error(errBadRequest.WithMessage("merchant_id is required"))
		return
	}

	result, err := h.services.Biller.Enroll(c.Request.Context(), merchantID, req.IMEI, req.Model)
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusCreated
	if !result.Success {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

// GetDevice returns a device the caller may see.
func (h *APIHandlers) GetDevice(c *gin.Context) {
	device, err := h.authorizeDevice(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// RetryEnrollment re-attempts billing for a PENDING_SETUP device.
func (h *APIHandlers) RetryEnrollment(c *gin.Context) {
	device, err := h.authorizeDevice(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	result, err := h.services.Biller.ProcessEnrollment(c.Request.Context(), device.MerchantID, device.IMEI)
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

// ListLockEvents returns the device's audit trail.
func (h *APIHandlers) ListLockEvents(c *gin.Context) {
	device, err := h.authorizeDevice(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	filter, err := parseFilter(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	page, err := h.services.Commands.History(c.Request.Context(), device.IMEI, filter)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type commandRequest struct {
	Command core.CommandType `json:"command" binding:"required"`
	Reason  string           `json:"reason" binding:"required"`
}

// ExecuteCommand applies a manual lock command. Routing requires an admin role
// and an elevated token.
func (h *APIHandlers) ExecuteCommand(c *gin.Context) {
	principal, _ := principalFrom(c)

	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	event, err := h.services.Commands.Execute(c.Request.Context(), core.Command{
		IMEI:      c.Param("imei"),
		Type:      req.Command,
		Reason:    req.Reason,
		ActorType: principal.ActorType(),
		ActorID:   principal.Subject,
		Metadata:  map[string]interface{}{"role": principal.Role},
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, event)
}

// --- Loan Endpoints ---

// CreateLoan records an internally funded loan.
func (h *APIHandlers) CreateLoan(c *gin.Context) {
	principal, _ := principalFrom(c)

	var req core.CreateLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}
	if !principal.IsAdmin() {
		req.MerchantID = principal.MerchantID
	}

	loan, err := h.services.Loans.CreateLoan(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, loan)
}

// ActivateLoan moves a PENDING loan to ACTIVE.
func (h *APIHandlers) ActivateLoan(c *gin.Context) {
	principal, _ := principalFrom(c)
	merchantID := principal.MerchantID
	if principal.IsAdmin() {
		merchantID = ""
	}

	loan, err := h.services.Loans.ActivateLoan(c.Request.Context(), merchantID, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, loan)
}
