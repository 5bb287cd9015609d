// services/lockplane/internal/core/auth.go
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type Role string

const (
	RoleMerchant   Role = "MERCHANT"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// Principal is the verified caller behind a bearer token.
type Principal struct {
	Subject    string `json:"sub"`
	MerchantID string `json:"merchant_id"`
	Role       Role   `json:"role"`
	Elevated   bool   `json:"elevated"`
}

// HasRole reports whether the principal holds any of roles.
func (p *Principal) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

func (p *Principal) IsAdmin() bool {
	return p.HasRole(RoleAdmin, RoleSuperAdmin)
}

// ActorType maps a principal to the LockEvent actor taxonomy.
func (p *Principal) ActorType() ActorType {
	if p.IsAdmin() {
		return ActorAdmin
	}
	return ActorMerchant
}

// PrincipalClaims is the JWT body of principal and elevated tokens.
type PrincipalClaims struct {
	MerchantID string `json:"merchant_id,omitempty"`
	Role       Role   `json:"role"`
	Elevated   bool   `json:"elevated,omitempty"`
	jwt.RegisteredClaims
}

// --- Authentication Service Implementation ---

// AuthService verifies principal tokens issued by the upstream auth layer and
// mints short-lived elevated tokens after password re-authentication.
type AuthService struct {
	store       DataStore
	secret      []byte
	issuer      string
	elevatedTTL time.Duration
	hashCost    int
	logger      *logrus.Logger
}

func NewAuthService(store DataStore, secret, issuer string, elevatedTTL time.Duration, logger *logrus.Logger) *AuthService {
	if elevatedTTL <= 0 {
		elevatedTTL = 5 * time.Minute
	}
	return &AuthService{
		store:       store,
		secret:      []byte(secret),
		issuer:      issuer,
		elevatedTTL: elevatedTTL,
		hashCost:    bcrypt.DefaultCost,
		logger:      logger,
	}
}

// IssueToken signs a principal token. The upstream auth layer normally does this.
func (s *AuthService) IssueToken(p Principal, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)
	claims := PrincipalClaims{
		MerchantID: p.MerchantID,
		Role:       p.Role,
		Elevated:   p.Elevated,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses and validates a bearer token.
func (s *AuthService) Verify(raw string) (*Principal, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.Role == "" {
		return nil, ErrUnauthorized.WithMessage("token is missing subject or role")
	}
	switch claims.Role {
	case RoleMerchant:
		if claims.MerchantID == "" {
			return nil, ErrUnauthorized.WithMessage("merchant token is missing merchant id")
		}
	case RoleAdmin, RoleSuperAdmin:
	default:
		return nil, ErrUnauthorized.WithMessage("unknown role")
	}
	return &Principal{
		Subject:    claims.Subject,
		MerchantID: claims.MerchantID,
		Role:       claims.Role,
		Elevated:   claims.Elevated,
	}, nil
}

// Elevate re-authenticates an admin principal by password and returns an elevated token.
func (s *AuthService) Elevate(ctx context.Context, p *Principal, password string) (string, time.Time, error) {
	fields := logrus.Fields{"subject": p.Subject, "role": p.Role}
	if !p.IsAdmin() {
		s.logger.WithFields(fields).Warn("Elevation attempted by non-admin principal")
		return "", time.Time{}, ErrInsufficientRole
	}

	cred, err := s.store.GetOperatorCredential(ctx, p.Subject)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.WithFields(fields).Warn("Elevation attempted without operator credential")
			return "", time.Time{}, ErrInvalidCredentials
		}
		return "", time.Time{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		s.logger.WithFields(fields).Warn("Elevation password mismatch")
		return "", time.Time{}, ErrInvalidCredentials
	}

	elevated := *p
	elevated.Elevated = true
	token, expires, err := s.IssueToken(elevated, s.elevatedTTL)
	if err != nil {
		return "", time.Time{}, err
	}

	s.logger.WithFields(fields).Info("Elevated token issued")
	return token, expires, nil
}

// VerifyElevated checks that raw is a live elevated token for the same subject as p.
func (s *AuthService) VerifyElevated(raw string, p *Principal) error {
	if raw == "" {
		return ErrElevationRequired
	}
	claims, err := s.parse(raw)
	if err != nil {
		return ErrElevationRequired.WithMessage("elevated token is invalid or expired")
	}
	if !claims.Elevated || claims.Subject != p.Subject {
		return ErrElevationRequired
	}
	return nil
}

// SetOperatorPassword stores a bcrypt hash of password for subject.
func (s *AuthService) SetOperatorPassword(ctx context.Context, subject, password string) error {
	if subject == "" || len(password) < 8 {
		return ErrInvalidCredentials.WithMessage("operator subject and a password of at least 8 characters are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.store.SaveOperatorCredential(ctx, &OperatorCredential{Subject: subject, PasswordHash: string(hash)})
}

func (s *AuthService) parse(raw string) (*PrincipalClaims, error) {
	if len(s.secret) == 0 {
		return nil, ErrUnauthorized.WithMessage("token verification is not configured")
	}

	claims := &PrincipalClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, ErrUnauthorized
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrUnauthorized.WithMessage("unexpected token issuer")
	}
	return claims, nil
}
