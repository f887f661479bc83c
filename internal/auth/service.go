package auth

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Token is the response body for a successful authentication.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Service exchanges the shared operator key for a bearer token. The key is
// never stored: only its bcrypt hash is configured, so a leaked config file
// does not leak access.
type Service struct {
	tokens  *TokenManager
	keyHash []byte
	logger  zerolog.Logger
}

// NewService creates the authentication service. An empty hash disables
// token minting entirely; operator endpoints then stay unreachable.
func NewService(tokens *TokenManager, operatorKeyHash string, logger zerolog.Logger) *Service {
	return &Service{
		tokens:  tokens,
		keyHash: []byte(operatorKeyHash),
		logger:  logger.With().Str("component", "Auth").Logger(),
	}
}

// Authenticate verifies the operator key and mints a token on success.
func (s *Service) Authenticate(operatorID, key string) (Token, error) {
	if len(s.keyHash) == 0 {
		s.logger.Warn().Str("operator_id", operatorID).Msg("Authentication attempted with no operator key configured")
		return Token{}, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(s.keyHash, []byte(key)); err != nil {
		s.logger.Warn().Str("operator_id", operatorID).Msg("Operator key rejected")
		return Token{}, ErrBadCredentials
	}

	access, expiresAt, err := s.tokens.Mint(operatorID)
	if err != nil {
		return Token{}, err
	}

	s.logger.Info().Str("operator_id", operatorID).Time("expires_at", expiresAt).Msg("Operator token issued")
	return Token{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
	}, nil
}

// HashOperatorKey produces the bcrypt hash for AUTH_OPERATOR_KEY_HASH.
func HashOperatorKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
