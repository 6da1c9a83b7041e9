package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/prn-tf/artifact-store/internal/domain"
	"github.com/prn-tf/artifact-store/internal/pkg/crypto"
)

// TokenIssuer signs and verifies upload tokens. Every instance configured
// with the same secret accepts the tokens of the others.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// IssuerOption configures a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithClock sets the time source used for issuing and validating tokens.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *TokenIssuer) {
		i.now = now
	}
}

// NewTokenIssuer derives the signing key from secret and returns an issuer
// producing tokens that live for ttl.
func NewTokenIssuer(secret string, ttl time.Duration, opts ...IssuerOption) (*TokenIssuer, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTokenTTL
	}

	key, err := crypto.DeriveKey([]byte(secret), UploadTokenKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to derive upload token key: %w", err)
	}

	issuer := &TokenIssuer{
		key: key,
		ttl: ttl,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(issuer)
	}
	return issuer, nil
}

// TTL returns the lifetime of issued tokens.
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue creates a new signed token with a random ID.
func (i *TokenIssuer) Issue() (string, *UploadClaims, error) {
	now := i.now()
	claims := &UploadClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign upload token: %w", err)
	}
	return token, claims, nil
}

// Validate verifies the signature and expiry of token.
// Expired tokens yield an InvalidUploadTokenError of kind expired; every
// other failure is reported as unknown.
func (i *TokenIssuer) Validate(token string) (*UploadClaims, error) {
	claims := &UploadClaims{}
	_, err := jwt.ParseWithClaims(token, claims, i.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.NewInvalidUploadTokenError(domain.TokenExpired, err)
		}
		return nil, domain.NewInvalidUploadTokenError(domain.TokenUnknown, err)
	}
	if claims.ID == "" {
		return nil, domain.NewInvalidUploadTokenError(domain.TokenUnknown, jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}

func (i *TokenIssuer) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return i.key, nil
}
