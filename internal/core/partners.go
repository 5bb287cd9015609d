// services/lockplane/internal/core/partners.go
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"example.com/backstage/services/lockplane/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const apiKeyPrefix = "lp_"

// CreatePartnerRequest onboards a loan partner for a merchant.
type CreatePartnerRequest struct {
	MerchantID            string          `json:"merchant_id" binding:"required"`
	Name                  string          `json:"name" binding:"required"`
	WebhookURL            string          `json:"webhook_url"`
	MinDownPaymentPercent decimal.Decimal `json:"min_down_payment_percent"`
	MaxTenureMonths       int             `json:"max_tenure_months"`
}

// PartnerCredentials is returned exactly once, at creation or rotation.
type PartnerCredentials struct {
	Partner       *LoanPartner `json:"partner"`
	APIKey        string       `json:"api_key"`
	APISecret     string       `json:"api_secret"`
	WebhookSecret string       `json:"webhook_secret"`
}

// --- Partner Service Implementation ---

type PartnerService struct {
	store    DataStore
	hashCost int
	logger   *logrus.Logger
}

func NewPartnerService(store DataStore, logger *logrus.Logger) *PartnerService {
	return &PartnerService{
		store:    store,
		hashCost: bcrypt.DefaultCost,
		logger:   logger,
	}
}

func (s *PartnerService) CreatePartner(ctx context.Context, req CreatePartnerRequest) (*PartnerCredentials, error) {
	if strings.TrimSpace(req.MerchantID) == "" || strings.TrimSpace(req.Name) == "" {
		return nil, ErrInvalidPayload.WithMessage("merchant id and name are required")
	}
	if req.MinDownPaymentPercent.IsNegative() || req.MinDownPaymentPercent.GreaterThan(decimal.NewFromInt(100)) {
		return nil, ErrInvalidPayload.WithMessage("min down payment percent must be between 0 and 100")
	}
	if req.MaxTenureMonths < 0 {
		return nil, ErrInvalidPayload.WithMessage("max tenure must not be negative")
	}

	key, err := utils.GenerateSecret(24)
	if err != nil {
		return nil, err
	}

	partner := &LoanPartner{
		MerchantID:            req.MerchantID,
		Name:                  strings.TrimSpace(req.Name),
		APIKey:                apiKeyPrefix + key,
		WebhookURL:            req.WebhookURL,
		Status:                PartnerStatusActive,
		MinDownPaymentPercent: req.MinDownPaymentPercent,
		MaxTenureMonths:       req.MaxTenureMonths,
	}
	creds, err := s.issueSecrets(partner)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreatePartner(ctx, partner); err != nil {
		return nil, fmt.Errorf("failed to create partner: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"partner_id":  partner.ID,
		"merchant_id": partner.MerchantID,
	}).Info("Loan partner created")
	return creds, nil
}

// RotateSecret replaces both the API secret and the webhook signing secret.
func (s *PartnerService) RotateSecret(ctx context.Context, partnerID string) (*PartnerCredentials, error) {
	partner, err := s.Get(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	creds, err := s.issueSecrets(partner)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	partner.SecretRotatedAt = &now

	if err := s.store.UpdatePartner(ctx, partner); err != nil {
		return nil, fmt.Errorf("failed to rotate partner secret: %w", err)
	}

	s.logger.WithField("partner_id", partner.ID).Info("Loan partner secrets rotated")
	return creds, nil
}

func (s *PartnerService) Deactivate(ctx context.Context, partnerID string) (*LoanPartner, error) {
	partner, err := s.Get(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	partner.Status = PartnerStatusInactive
	if err := s.store.UpdatePartner(ctx, partner); err != nil {
		return nil, fmt.Errorf("failed to deactivate partner: %w", err)
	}

	s.logger.WithField("partner_id", partner.ID).Info("Loan partner deactivated")
	return partner, nil
}

func (s *PartnerService) Get(ctx context.Context, partnerID string) (*LoanPartner, error) {
	partner, err := s.store.GetPartner(ctx, partnerID)
	if err != nil {
		return nil, notFound(err, ErrPartnerNotFound)
	}
	return partner, nil
}

// Authenticate resolves the partner behind an API key and secret. The key must
// belong to the partner named in the request path.
func (s *PartnerService) Authenticate(ctx context.Context, partnerID, apiKey, apiSecret string) (*LoanPartner, error) {
	fields := logrus.Fields{"partner_id": partnerID}

	if apiKey == "" || apiSecret == "" {
		s.logger.WithFields(fields).Warn("Partner credentials missing")
		return nil, ErrPartnerUnauthorized
	}

	partner, err := s.store.GetPartnerByAPIKey(ctx, apiKey)
	if err != nil || partner.ID != partnerID {
		s.logger.WithFields(fields).Warn("Unknown partner API key")
		return nil, ErrPartnerUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(partner.APISecretHash), []byte(apiSecret)); err != nil {
		s.logger.WithFields(fields).Warn("Partner API secret mismatch")
		return nil, ErrPartnerUnauthorized
	}
	if partner.Status != PartnerStatusActive {
		s.logger.WithFields(fields).Warn("Inactive partner attempted access")
		return nil, ErrPartnerInactive
	}
	return partner, nil
}

func (s *PartnerService) issueSecrets(partner *LoanPartner) (*PartnerCredentials, error) {
	secret, err := utils.GenerateSecret(32)
	if err != nil {
		return nil, err
	}
	webhookSecret, err := utils.GenerateSecret(32)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash partner secret: %w", err)
	}

	partner.APISecretHash = string(hash)
	partner.WebhookSecret = webhookSecret
	return &PartnerCredentials{
		Partner:       partner,
		APIKey:        partner.APIKey,
		APISecret:     secret,
		WebhookSecret: webhookSecret,
	}, nil
}
