package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"pulse/internal/config"
	apperrors "pulse/pkg/errors"
	"pulse/pkg/metrics"
)

// Claims is the token payload accepted from live clients.
type Claims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name,omitempty"`
}

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewVerifier(cfg config.AuthConfig) *Verifier {
	return &Verifier{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}
}

// Authenticate returns the subject of a valid token. Every failure is an
// ErrAuthentication.
func (v *Verifier) Authenticate(ctx context.Context, token string) (string, error) {
	claims, err := v.Verify(token)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("rejected").Inc()
		return "", err
	}
	metrics.AuthAttemptsTotal.WithLabelValues("accepted").Inc()
	return claims.Subject, nil
}

func (v *Verifier) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, apperrors.ErrAuthentication.WithMessage("token is required")
	}
	if len(v.secret) == 0 {
		return nil, apperrors.ErrAuthentication.WithMessage("token verification is not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, apperrors.ErrAuthentication.WithMessage("token subject is required")
	}
	return &claims, nil
}

// Issue signs a token for userID valid for ttl. Used by tooling and tests.
func (v *Verifier) Issue(userID, displayName string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		DisplayName: displayName,
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.ErrAuthentication.WithMessage("token is expired").WithCause(err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.ErrAuthentication.WithMessage("token signature is invalid").WithCause(err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return apperrors.ErrAuthentication.WithMessage("token was issued for another service").WithCause(err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return apperrors.ErrAuthentication.WithMessage("token is malformed").WithCause(err)
	default:
		return apperrors.ErrAuthentication.WithCause(err)
	}
}
