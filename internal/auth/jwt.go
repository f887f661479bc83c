package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trading-brain/internal/domain"
)

var (
	// ErrInvalidToken covers malformed, tampered and wrongly-signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when the token is past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrBadCredentials is returned when the operator key does not match.
	ErrBadCredentials = errors.New("bad credentials")
)

// OperatorClaims identifies the operator behind an admin request. Every
// override and breaker reset is attributed to this ID in the event log.
type OperatorClaims struct {
	OperatorID string `json:"operator_id"`
	jwt.RegisteredClaims
}

// TokenManager mints and verifies the HS256 bearer tokens guarding the
// operator endpoints.
type TokenManager struct {
	secret   []byte
	duration time.Duration
	clock    domain.Clock
}

// NewTokenManager creates a token manager. A nil clock falls back to the
// wall clock.
func NewTokenManager(secret string, duration time.Duration, clock domain.Clock) *TokenManager {
	if clock == nil {
		clock = domain.SystemClock()
	}
	return &TokenManager{
		secret:   []byte(secret),
		duration: duration,
		clock:    clock,
	}
}

// Mint issues a token for the operator, returning it with its expiry.
func (m *TokenManager) Mint(operatorID string) (string, time.Time, error) {
	now := m.clock.Now()
	expiresAt := now.Add(m.duration)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		OperatorID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "trading-brain",
			Audience:  []string{"brain-operators"},
		},
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify validates a token and returns the operator ID it carries.
func (m *TokenManager) Verify(tokenString string) (string, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.clock.Now),
		jwt.WithIssuer("trading-brain"),
	)

	token, err := parser.ParseWithClaims(tokenString, &OperatorClaims{}, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid || claims.OperatorID == "" {
		return "", ErrInvalidToken
	}
	return claims.OperatorID, nil
}
