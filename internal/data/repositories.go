package data

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrRecordNotFound = errors.New("record not found")

// DBTX abstracts *sql.DB and *sql.Tx so models run inside or outside
// transactions.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// RefreshToken rows store a SHA-256 of the opaque token, never the token
// itself.
type RefreshToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

type RefreshTokenModel struct {
	DB DBTX
}

func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (m RefreshTokenModel) Create(ctx context.Context, userID uuid.UUID, raw string, expiresAt time.Time) error {
	query := `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`
	_, err := m.DB.ExecContext(ctx, query, userID, HashToken(raw), expiresAt)
	return err
}

func (m RefreshTokenModel) Get(ctx context.Context, raw string) (*RefreshToken, error) {
	query := `
		SELECT id, user_id, token_hash, expires_at, revoked_at, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`
	var t RefreshToken
	err := m.DB.QueryRowContext(ctx, query, HashToken(raw)).Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.RevokedAt, &t.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Rotate revokes the old token and stores the replacement in one statement
// pair. Callers wrap this in a transaction when atomicity matters.
func (m RefreshTokenModel) Rotate(ctx context.Context, oldRaw string, userID uuid.UUID, newRaw string, expiresAt time.Time) error {
	revoke := `
		UPDATE refresh_tokens SET revoked_at = NOW()
		WHERE token_hash = $1 AND revoked_at IS NULL
	`
	if _, err := m.DB.ExecContext(ctx, revoke, HashToken(oldRaw)); err != nil {
		return err
	}
	return m.Create(ctx, userID, newRaw, expiresAt)
}

func (m RefreshTokenModel) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE refresh_tokens SET revoked_at = NOW()
		WHERE user_id = $1 AND revoked_at IS NULL
	`
	_, err := m.DB.ExecContext(ctx, query, userID)
	return err
}
