package taskbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/formscout/formscout/internal/domain"
)

// DefaultJWTExpiry is the agent session token lifetime. Agents refresh ~5
// minutes before expiry.
const DefaultJWTExpiry = 30 * time.Minute

// AgentClaims is the JWT payload for an agent session
type AgentClaims struct {
	AgentID   string `json:"agent_id"`
	UserID    int64  `json:"user_id"`
	CompanyID int64  `json:"company_id"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies agent session JWTs
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a token issuer. Zero expiry uses the default.
func NewTokenIssuer(secret string, expiry time.Duration) *TokenIssuer {
	if expiry <= 0 {
		expiry = DefaultJWTExpiry
	}
	return &TokenIssuer{
		secret: []byte(secret),
		expiry: expiry,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Issue mints a fresh token for an agent. Returns the token and its
// remaining lifetime in seconds (what the agent schedules its refresh on).
func (t *TokenIssuer) Issue(agent *domain.Agent) (string, int64, error) {
	now := t.now()
	claims := AgentClaims{
		AgentID:   agent.AgentID,
		UserID:    agent.UserID,
		CompanyID: agent.CompanyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agent.AgentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", 0, fmt.Errorf("signing token: %w", err)
	}

	return signed, int64(t.expiry.Seconds()), nil
}

// Verify parses and validates a token, returning its claims
func (t *TokenIssuer) Verify(tokenString string) (*AgentClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AgentClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &domain.DomainError{
				Code:    domain.ErrCodeUnauthorized,
				Message: "token expired",
				Err:     domain.ErrUnauthorizedVal,
			}
		}
		return nil, &domain.DomainError{
			Code:    domain.ErrCodeUnauthorized,
			Message: "invalid token",
			Err:     domain.ErrUnauthorizedVal,
		}
	}

	claims, ok := token.Claims.(*AgentClaims)
	if !ok || !token.Valid {
		return nil, &domain.DomainError{
			Code:    domain.ErrCodeUnauthorized,
			Message: "invalid token claims",
			Err:     domain.ErrUnauthorizedVal,
		}
	}

	return claims, nil
}
