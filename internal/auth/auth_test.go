package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("secret", time.Hour)
	token, err := svc.GenerateToken("ops")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Operator)
	assert.Equal(t, "ops", claims.Subject)
}

func TestRejectedTokens(t *testing.T) {
	svc := NewService("secret", time.Hour)

	other, err := NewService("other", time.Hour).GenerateToken("ops")
	require.NoError(t, err)

	expired, err := NewService("secret", -time.Minute).GenerateToken("ops")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Operator: "ops"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"wrong secret": other,
		"expired":      expired,
		"unsigned":     none,
		"garbage":      "not-a-token",
	} {
		_, err := svc.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
}

func TestMissingSecret(t *testing.T) {
	svc := NewService("", 0)
	_, err := svc.GenerateToken("ops")
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = svc.ValidateToken("x")
	assert.ErrorIs(t, err, ErrNoSecret)
}
