package auth

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/tokens"
)

// TokenPair is the login and refresh response body.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// RefreshStore records issued refresh tokens so rotation can revoke the old
// one, making each refresh token single-use.
type RefreshStore interface {
	Create(ctx context.Context, userID uuid.UUID, raw string, expiresAt time.Time) error
	Get(ctx context.Context, raw string) (*data.RefreshToken, error)
	Rotate(ctx context.Context, oldRaw string, userID uuid.UUID, newRaw string, expiresAt time.Time) error
}

// Service authenticates operators and issues JWT pairs.
type Service struct {
	Users   data.UserRepository
	Tokens  *tokens.Manager
	Lockout *Lockout

	// RefreshTokens is optional. Without it refresh tokens are validated by
	// signature and expiry alone and stay reusable until they expire.
	RefreshTokens RefreshStore
}

// Login verifies the credentials and returns a fresh token pair. Bad
// credentials, disabled accounts and locked-out accounts all come back
// KindUnauthorized with a generic message.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	locked, err := s.Lockout.Locked(ctx, email)
	if err != nil {
		log.Printf("[Auth] lockout check for %s: %v", email, err)
	}
	if locked {
		return nil, errs.New(errs.KindUnauthorized, "account temporarily locked")
	}

	u, err := s.Users.GetByEmail(ctx, email)
	if err != nil {
		if err == data.ErrRecordNotFound {
			return nil, s.fail(ctx, email)
		}
		return nil, errs.Wrap(errs.KindStorageFailure, "load user", err)
	}
	if u.IsDisabled || !CheckPassword(password, u.PasswordHash) {
		return nil, s.fail(ctx, email)
	}

	s.Lockout.Clear(ctx, email)
	pair, err := s.pair(u)
	if err != nil {
		return nil, err
	}
	if s.RefreshTokens != nil {
		if err := s.RefreshTokens.Create(ctx, u.ID, pair.RefreshToken, refreshExpiry()); err != nil {
			return nil, errs.Wrap(errs.KindStorageFailure, "store refresh token", err)
		}
	}
	return pair, nil
}

func (s *Service) fail(ctx context.Context, email string) error {
	if err := s.Lockout.RecordFailure(ctx, email); err != nil {
		log.Printf("[Auth] record failed login for %s: %v", email, err)
	}
	return errs.New(errs.KindUnauthorized, "invalid email or password")
}

// Refresh trades a valid refresh token for a new pair. The user row is
// re-read; disabled or deleted accounts are rejected at rotation. With a
// RefreshStore wired, the presented token must still be on record and is
// revoked once the replacement is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.Tokens.ValidateToken(refreshToken)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnauthorized, "invalid refresh token", err)
	}
	if claims.TokenType != tokens.Refresh {
		return nil, errs.New(errs.KindUnauthorized, "not a refresh token")
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, errs.New(errs.KindUnauthorized, "invalid refresh token")
	}

	if s.RefreshTokens != nil {
		rec, err := s.RefreshTokens.Get(ctx, refreshToken)
		if err != nil {
			if err == data.ErrRecordNotFound {
				return nil, errs.New(errs.KindUnauthorized, "unknown refresh token")
			}
			return nil, errs.Wrap(errs.KindStorageFailure, "load refresh token", err)
		}
		if rec.RevokedAt != nil || time.Now().After(rec.ExpiresAt) {
			return nil, errs.New(errs.KindUnauthorized, "refresh token no longer valid")
		}
	}

	u, err := s.Users.GetByID(ctx, id)
	if err != nil {
		if err == data.ErrRecordNotFound {
			return nil, errs.New(errs.KindUnauthorized, "account no longer exists")
		}
		return nil, errs.Wrap(errs.KindStorageFailure, "load user", err)
	}
	if u.IsDisabled {
		return nil, errs.New(errs.KindUnauthorized, "account disabled")
	}

	pair, err := s.pair(u)
	if err != nil {
		return nil, err
	}
	if s.RefreshTokens != nil {
		if err := s.RefreshTokens.Rotate(ctx, refreshToken, u.ID, pair.RefreshToken, refreshExpiry()); err != nil {
			return nil, errs.Wrap(errs.KindStorageFailure, "rotate refresh token", err)
		}
	}
	return pair, nil
}

func refreshExpiry() time.Time {
	return time.Now().UTC().Add(tokens.RefreshTTL)
}

func (s *Service) pair(u *data.User) (*TokenPair, error) {
	access, err := s.Tokens.GenerateAccessToken(u.ID.String(), u.Roles)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknown, "sign access token", err)
	}
	refresh, err := s.Tokens.GenerateRefreshToken(u.ID.String())
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknown, "sign refresh token", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}
