package utils

import (
	"errors"
	"fmt"
	"time"

	"mediaforge/models"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

var (
	ErrInvalidToken     = errors.New("invalid token format")
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrInvalidIssuer    = errors.New("invalid issuer")
	ErrNoKey            = errors.New("no signing key configured")
)

// TokenConfig holds signing and verification settings.
type TokenConfig struct {
	SecretKey      []byte        // HMAC (HS256)
	ExpectedIssuer string        // optional
	ClockSkew      time.Duration // optional
}

// VerifyToken checks the signature, the time window and the issuer of an
// access token and returns its claims.
func VerifyToken(tokenString string, cfg TokenConfig) (*models.AccessClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	if len(cfg.SecretKey) == 0 {
		return nil, ErrNoKey
	}

	tok, err := jwt.ParseSigned(tokenString, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &models.AccessClaims{}
	if err := tok.Claims(cfg.SecretKey, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	now := time.Now().Unix()
	skew := int64(cfg.ClockSkew.Seconds())

	if claims.ExpiresAt > 0 && claims.ExpiresAt < now-skew {
		return nil, ErrTokenExpired
	}
	if claims.IssuedAt > 0 && claims.IssuedAt > now+skew {
		return nil, ErrTokenNotYetValid
	}
	if cfg.ExpectedIssuer != "" && claims.Issuer != cfg.ExpectedIssuer {
		return nil, fmt.Errorf("%w: expected '%s', got '%s'",
			ErrInvalidIssuer, cfg.ExpectedIssuer, claims.Issuer)
	}

	return claims, nil
}

// CreateToken signs claims with the configured HMAC key.
func CreateToken(claims *models.AccessClaims, cfg TokenConfig) (string, error) {
	if claims == nil {
		return "", errors.New("claims cannot be nil")
	}
	if len(cfg.SecretKey) == 0 {
		return "", ErrNoKey
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: cfg.SecretKey}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to create JWT: %w", err)
	}
	return token, nil
}
