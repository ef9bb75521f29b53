package tokens_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/tokens"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key", 0)

	token, err := mgr.GenerateAccessToken("user-123", []string{"reviewer"})
	if err != nil {
		t.Fatalf("generate access token: %v", err)
	}

	claims, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if claims.UserID != "user-123" {
		t.Errorf("UserID = %s, want user-123", claims.UserID)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "reviewer" {
		t.Errorf("Roles = %v, want [reviewer]", claims.Roles)
	}
	if claims.TokenType != tokens.Access {
		t.Errorf("TokenType = %s, want %s", claims.TokenType, tokens.Access)
	}
}

func TestRefreshTokenType(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key", time.Minute)

	token, err := mgr.GenerateRefreshToken("user-123")
	if err != nil {
		t.Fatalf("generate refresh token: %v", err)
	}
	claims, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if claims.TokenType != tokens.Refresh {
		t.Errorf("TokenType = %s, want %s", claims.TokenType, tokens.Refresh)
	}
	if len(claims.Roles) != 0 {
		t.Errorf("refresh token carries roles: %v", claims.Roles)
	}
}

func TestFallbackTokenScope(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key", 0)
	detectorID := uuid.New()

	token, err := mgr.FallbackToken(detectorID)
	if err != nil {
		t.Fatalf("mint fallback token: %v", err)
	}
	claims, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if claims.TokenType != tokens.Fallback {
		t.Errorf("TokenType = %s, want %s", claims.TokenType, tokens.Fallback)
	}
	if claims.UserID != detectorID.String() {
		t.Errorf("subject = %s, want %s", claims.UserID, detectorID)
	}
	if claims.ExpiresAt == nil || time.Until(claims.ExpiresAt.Time) <= 23*time.Hour {
		t.Errorf("fallback expiry = %v, want about %v out", claims.ExpiresAt, tokens.FallbackTTL)
	}
}

func TestInvalidSignature(t *testing.T) {
	mgr1 := tokens.NewManager("secret-1", 0)
	mgr2 := tokens.NewManager("secret-2", 0)

	token, _ := mgr1.GenerateAccessToken("u1", nil)
	if _, err := mgr2.ValidateToken(token); err == nil {
		t.Error("expected validation error for wrong signature")
	}
}

func TestExpiredToken(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key", time.Nanosecond)

	token, err := mgr.GenerateAccessToken("u1", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := mgr.ValidateToken(token); err == nil {
		t.Error("expected validation error for expired token")
	}
}
