package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/config"
	apperrors "pulse/pkg/errors"
)

func newVerifier() *Verifier {
	return NewVerifier(config.AuthConfig{JWTSecret: "test-secret", Issuer: "pulse", Audience: "live"})
}

func TestIssueAndAuthenticate(t *testing.T) {
	v := newVerifier()
	token, err := v.Issue("user-42", "Ada", time.Minute)
	require.NoError(t, err)

	userID, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)

	claims, err := v.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "Ada", claims.DisplayName)
}

func TestAuthenticateRejects(t *testing.T) {
	v := newVerifier()
	other := NewVerifier(config.AuthConfig{JWTSecret: "another-secret", Issuer: "pulse", Audience: "live"})
	foreign := NewVerifier(config.AuthConfig{JWTSecret: "test-secret", Issuer: "someone-else", Audience: "live"})

	expired := newVerifier()
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }

	forged, err := other.Issue("user-1", "", time.Minute)
	require.NoError(t, err)
	stale, err := expired.Issue("user-1", "", time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := foreign.Issue("user-1", "", time.Minute)
	require.NoError(t, err)
	noSubject, err := v.Issue("", "", time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", forged},
		{"expired", stale},
		{"wrong issuer", wrongIssuer},
		{"missing subject", noSubject},
		{"unsigned", none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Authenticate(context.Background(), tt.token)
			require.Error(t, err)
			assert.True(t, apperrors.IsAuthentication(err))
		})
	}
}

func TestUnconfiguredVerifierRejects(t *testing.T) {
	v := NewVerifier(config.AuthConfig{})
	_, err := v.Authenticate(context.Background(), "abc")
	assert.True(t, apperrors.IsAuthentication(err))
}
