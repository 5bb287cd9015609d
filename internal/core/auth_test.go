// services/lockplane/internal/core/auth_test.go
package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_IssueAndVerify(t *testing.T) {
	env := newTestEnv(t)
	auth := env.services.Auth

	token, expires, err := auth.IssueToken(Principal{Subject: "user-1", MerchantID: "merchant-m", Role: RoleMerchant}, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	p, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.Subject)
	assert.Equal(t, "merchant-m", p.MerchantID)
	assert.False(t, p.IsAdmin())
	assert.Equal(t, ActorMerchant, p.ActorType())
}

func TestAuthService_RejectsBadTokens(t *testing.T) {
	env := newTestEnv(t)
	auth := env.services.Auth

	expired, _, err := auth.IssueToken(Principal{Subject: "user-1", Role: RoleAdmin}, -time.Minute)
	require.NoError(t, err)
	noMerchant, _, err := auth.IssueToken(Principal{Subject: "user-1", Role: RoleMerchant}, time.Hour)
	require.NoError(t, err)
	unknownRole, _, err := auth.IssueToken(Principal{Subject: "user-1", Role: "ROOT"}, time.Hour)
	require.NoError(t, err)

	other := NewAuthService(env.store, "different-secret", "lockplane", 0, testLogger())
	foreign, _, err := other.IssueToken(Principal{Subject: "user-1", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":          "not-a-token",
		"expired":          expired,
		"missing merchant": noMerchant,
		"unknown role":     unknownRole,
		"wrong secret":     foreign,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.Verify(token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestAuthService_Elevation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	auth := env.services.Auth

	admin := &Principal{Subject: "ops-1", Role: RoleAdmin}
	merchant := &Principal{Subject: "user-1", MerchantID: "merchant-m", Role: RoleMerchant}

	assert.ErrorIs(t, auth.SetOperatorPassword(ctx, "ops-1", "short"), ErrInvalidCredentials)
	require.NoError(t, auth.SetOperatorPassword(ctx, "ops-1", "correct horse"))

	_, _, err := auth.Elevate(ctx, merchant, "correct horse")
	assert.ErrorIs(t, err, ErrInsufficientRole)

	_, _, err = auth.Elevate(ctx, admin, "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = auth.Elevate(ctx, &Principal{Subject: "ops-2", Role: RoleAdmin}, "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, expires, err := auth.Elevate(ctx, admin, "correct horse")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), expires, 5*time.Second)

	assert.NoError(t, auth.VerifyElevated(token, admin))
	assert.ErrorIs(t, auth.VerifyElevated("", admin), ErrElevationRequired)
	assert.ErrorIs(t, auth.VerifyElevated(token, &Principal{Subject: "ops-2", Role: RoleAdmin}), ErrElevationRequired)

	plain, _, err := auth.IssueToken(*admin, time.Hour)
	require.NoError(t, err)
	assert.ErrorIs(t, auth.VerifyElevated(plain, admin), ErrElevationRequired)
}
