// services/lockplane/internal/api/ledger_handlers.go
package api

import (
	"net/http"

	"example.com/backstage/services/lockplane/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// GetWallet returns the merchant's wallet, creating it on first access.
func (h *APIHandlers) GetWallet(c *gin.Context) {
	merchantID, err := merchantScope(c, true)
	if err != nil {
		_ = c.Error(err)
		return
	}

	wallet, err := h.services.Ledger.GetOrCreateWallet(c.Request.Context(), merchantID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

// ListTransactions returns paginated wallet history.
func (h *APIHandlers) ListTransactions(c *gin.Context) {
	merchantID, err := merchantScope(c, true)
	if err != nil {
		_ = c.Error(err)
		return
	}
	filter, err := parseFilter(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	page, err := h.services.Ledger.ListTransactions(c.Request.Context(), merchantID, filter)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListEnrollments returns paginated enrollment billing history.
func (h *APIHandlers) ListEnrollments(c *gin.Context) {
	merchantID, err := merchantScope(c, false)
	if err != nil {
		_ = c.Error(err)
		return
	}
	filter, err := parseFilter(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	page, err := h.services.Biller.ListEnrollments(c.Request.Context(), merchantID, filter)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// QuoteEnrollment prices the merchant's next device enrollment.
func (h *APIHandlers) QuoteEnrollment(c *gin.Context) {
	merchantID, err := merchantScope(c, true)
	if err != nil {
		_ = c.Error(err)
		return
	}

	quote, err := h.services.Biller.Quote(c.Request.Context(), merchantID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// --- Admin Ledger Endpoints ---

type creditRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
}

// CreditWallet tops up a merchant wallet.
func (h *APIHandlers) CreditWallet(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	txn, err := h.services.Ledger.Credit(c.Request.Context(), c.Param("merchantId"), req.Amount, req.Reference, req.Description)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

type walletStatusRequest struct {
	Status core.WalletStatus `json:"status" binding:"required"`
}

func (h *APIHandlers) SetWalletStatus(c *gin.Context) {
	var req walletStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	wallet, err := h.services.Ledger.SetWalletStatus(c.Request.Context(), c.Param("merchantId"), req.Status)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

type refundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RefundEnrollment reverses a PAID enrollment fee.
func (h *APIHandlers) RefundEnrollment(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	billing, err := h.services.Biller.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, billing)
}

func (h *APIHandlers) ListPricingTiers(c *gin.Context) {
	tiers, err := h.services.Biller.ListPricingTiers(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": tiers})
}

type pricingTierRequest struct {
	Name           string          `json:"name" binding:"required"`
	MinVolume      int             `json:"min_volume"`
	MaxVolume      *int            `json:"max_volume"`
	PricePerDevice decimal.Decimal `json:"price_per_device"`
}

func (h *APIHandlers) CreatePricingTier(c *gin.Context) {
	var req pricingTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	tier := &core.PricingTier{
		Name:           req.Name,
		MinVolume:      req.MinVolume,
		MaxVolume:      req.MaxVolume,
		PricePerDevice: req.PricePerDevice,
	}
	if err := h.services.Biller.CreatePricingTier(c.Request.Context(), tier); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, tier)
}

// Reconciliation runs one ledger-versus-billing pass.
func (h *APIHandlers) Reconciliation(c *gin.Context) {
	report, err := h.services.Reconciler.Run(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}
