// services/lockplane/internal/api/partner_handlers.go
package api

import (
	"io"
	"net/http"

	"example.com/backstage/services/lockplane/internal/core"
	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// PartnerWebhook accepts a signed loan lifecycle event. The raw body is kept
// intact for signature verification.
func (h *APIHandlers) PartnerWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "webhook body too large"})
		return
	}

	result, err := h.services.Webhooks.Handle(c.Request.Context(), core.WebhookRequest{
		PartnerID: c.Param("partnerId"),
		APIKey:    c.GetHeader("X-API-Key"),
		APISecret: c.GetHeader("X-API-Secret"),
		Timestamp: c.GetHeader("X-Webhook-Timestamp"),
		Signature: c.GetHeader("X-Webhook-Signature"),
		Body:      body,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PartnerFundLoan creates a loan funded by the authenticated partner.
func (h *APIHandlers) PartnerFundLoan(c *gin.Context) {
	partner, ok := partnerFrom(c)
	if !ok {
		_ = c.Error(core.ErrPartnerUnauthorized)
		return
	}

	var req core.CreateLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	loan, err := h.services.Loans.FundLoan(c.Request.Context(), partner, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, loan)
}

// --- Admin Partner Endpoints ---

// CreatePartner onboards a partner. Secrets appear in this response only.
func (h *APIHandlers) CreatePartner(c *gin.Context) {
	var req core.CreatePartnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	creds, err := h.services.Partners.CreatePartner(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, creds)
}

func (h *APIHandlers) RotatePartnerSecret(c *gin.Context) {
	creds, err := h.services.Partners.RotateSecret(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, creds)
}

func (h *APIHandlers) DeactivatePartner(c *gin.Context) {
	partner, err := h.services.Partners.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, partner)
}
