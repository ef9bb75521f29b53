// Package tokens issues and validates the platform's HS256 JWTs: the
// access/refresh pair for operators and the detector-scoped fallback tokens
// carried in escalation queue payloads.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

type TokenType string

const (
	Access   TokenType = "access"
	Refresh  TokenType = "refresh"
	Fallback TokenType = "fallback"
)

const (
	DefaultAccessTTL = 15 * time.Minute
	RefreshTTL       = 7 * 24 * time.Hour

	// Fallback tokens must outlive the escalation queue retention window.
	FallbackTTL = 24 * time.Hour
)

// Claims carries the subject (user ID, or detector ID for fallback tokens),
// the role list and the token type.
type Claims struct {
	UserID    string    `json:"sub"`
	Roles     []string  `json:"roles,omitempty"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

type Manager struct {
	signingKey []byte
	accessTTL  time.Duration
}

// NewManager builds a token manager. A non-positive accessTTL falls back to
// DefaultAccessTTL.
func NewManager(signingKey string, accessTTL time.Duration) *Manager {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	return &Manager{signingKey: []byte(signingKey), accessTTL: accessTTL}
}

func (m *Manager) GenerateAccessToken(userID string, roles []string) (string, error) {
	return m.generateToken(userID, roles, Access, m.accessTTL)
}

func (m *Manager) GenerateRefreshToken(userID string) (string, error) {
	return m.generateToken(userID, nil, Refresh, RefreshTTL)
}

// FallbackToken mints a detector-scoped token for escalation queue payloads
// so fallback consumers can post results without operator credentials.
func (m *Manager) FallbackToken(detectorID uuid.UUID) (string, error) {
	return m.generateToken(detectorID.String(), nil, Fallback, FallbackTTL)
}

func (m *Manager) generateToken(subject string, roles []string, tokenType TokenType, duration time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		UserID:    subject,
		Roles:     roles,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(), // jti
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = "v1"

	return token.SignedString(m.signingKey)
}

func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
