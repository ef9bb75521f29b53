package data_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestRefreshTokenCreateStoresHash(t *testing.T) {
	db, mock := newMock(t)
	m := data.RefreshTokenModel{DB: db}

	userID := uuid.New()
	expiry := time.Now().Add(time.Hour)

	// The raw token must never reach the database, only its SHA-256.
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WithArgs(userID, data.HashToken("raw-token"), expiry).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := m.Create(context.Background(), userID, "raw-token", expiry); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestRefreshTokenGet(t *testing.T) {
	db, mock := newMock(t)
	m := data.RefreshTokenModel{DB: db}

	userID := uuid.New()
	revoked := time.Now().Add(-time.Minute)
	cols := []string{"id", "user_id", "token_hash", "expires_at", "revoked_at", "created_at"}
	rows := sqlmock.NewRows(cols).
		AddRow(uuid.New().String(), userID.String(), data.HashToken("tok"),
			time.Now().Add(time.Hour), revoked, time.Now().Add(-time.Hour))
	mock.ExpectQuery("SELECT id, user_id, token_hash").
		WithArgs(data.HashToken("tok")).
		WillReturnRows(rows)

	rec, err := m.Get(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.UserID != userID {
		t.Errorf("user = %s, want %s", rec.UserID, userID)
	}
	if rec.RevokedAt == nil || !rec.RevokedAt.Equal(revoked) {
		t.Errorf("revoked_at = %v, want %v", rec.RevokedAt, revoked)
	}
}

func TestRefreshTokenGetMiss(t *testing.T) {
	db, mock := newMock(t)
	m := data.RefreshTokenModel{DB: db}

	cols := []string{"id", "user_id", "token_hash", "expires_at", "revoked_at", "created_at"}
	mock.ExpectQuery("SELECT id, user_id, token_hash").WillReturnRows(sqlmock.NewRows(cols))

	if _, err := m.Get(context.Background(), "missing"); err != data.ErrRecordNotFound {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestRefreshTokenRotate(t *testing.T) {
	db, mock := newMock(t)
	m := data.RefreshTokenModel{DB: db}

	userID := uuid.New()
	expiry := time.Now().Add(time.Hour)

	mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
		WithArgs(data.HashToken("old")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WithArgs(userID, data.HashToken("new"), expiry).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := m.Rotate(context.Background(), "old", userID, "new", expiry); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
