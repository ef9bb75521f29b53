package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/api"
	"github.com/intellioptics/platform/internal/auth"
	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/tokens"
)

// MockUserRepo holds a single account.
type MockUserRepo struct {
	user *data.User
}

func (m *MockUserRepo) GetByEmail(ctx context.Context, email string) (*data.User, error) {
	if m.user == nil || m.user.Email != email {
		return nil, data.ErrRecordNotFound
	}
	return m.user, nil
}

func (m *MockUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*data.User, error) {
	if m.user == nil || m.user.ID != id {
		return nil, data.ErrRecordNotFound
	}
	return m.user, nil
}

func (m *MockUserRepo) Create(ctx context.Context, u *data.User) error {
	u.ID = uuid.New()
	return nil
}

func (m *MockUserRepo) Update(ctx context.Context, u *data.User) error      { return nil }
func (m *MockUserRepo) SoftDelete(ctx context.Context, id uuid.UUID) error  { return nil }
func (m *MockUserRepo) List(ctx context.Context, limit, offset int) ([]*data.User, error) {
	return nil, nil
}

func newAuthHandler(t *testing.T) (*api.AuthHandler, *tokens.Manager) {
	t.Helper()
	hash, err := auth.HashPassword("hunter2!")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := &data.User{
		ID:           uuid.New(),
		Email:        "ops@example.com",
		PasswordHash: hash,
		Roles:        []string{"admin"},
	}
	mgr := tokens.NewManager("test-signing-key", 0)
	svc := &auth.Service{Users: &MockUserRepo{user: u}, Tokens: mgr}
	return &api.AuthHandler{Auth: svc}, mgr
}

func TestAuthHandler_Login(t *testing.T) {
	h, mgr := newAuthHandler(t)
	body := `{"email":"ops@example.com", "password":"hunter2!"}`
	req := httptest.NewRequest("POST", "/v1/auth/login", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	h.Login(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var pair auth.TokenPair
	if err := json.NewDecoder(rr.Body).Decode(&pair); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if pair.TokenType != "bearer" {
		t.Errorf("Expected bearer, got %s", pair.TokenType)
	}
	claims, err := mgr.ValidateToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("validate access token: %v", err)
	}
	if claims.TokenType != tokens.Access {
		t.Errorf("Expected access token, got %s", claims.TokenType)
	}
}

func TestAuthHandler_Login_WrongPassword(t *testing.T) {
	h, _ := newAuthHandler(t)
	body := `{"email":"ops@example.com", "password":"wrong"}`
	req := httptest.NewRequest("POST", "/v1/auth/login", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	h.Login(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rr.Code)
	}
}

func TestAuthHandler_Login_MissingFields(t *testing.T) {
	h, _ := newAuthHandler(t)
	req := httptest.NewRequest("POST", "/v1/auth/login", bytes.NewBufferString(`{"email":"ops@example.com"}`))
	rr := httptest.NewRecorder()
	h.Login(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rr.Code)
	}
}

func TestAuthHandler_Refresh(t *testing.T) {
	h, mgr := newAuthHandler(t)

	// Log in first to learn the user ID baked into the repo.
	login := `{"email":"ops@example.com", "password":"hunter2!"}`
	lr := httptest.NewRecorder()
	h.Login(lr, httptest.NewRequest("POST", "/v1/auth/login", bytes.NewBufferString(login)))
	if lr.Code != http.StatusOK {
		t.Fatalf("login failed: %d", lr.Code)
	}
	var pair auth.TokenPair
	if err := json.NewDecoder(lr.Body).Decode(&pair); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"refresh_token": pair.RefreshToken})
	req := httptest.NewRequest("POST", "/v1/auth/refresh", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	h.Refresh(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var next auth.TokenPair
	if err := json.NewDecoder(rr.Body).Decode(&next); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, err := mgr.ValidateToken(next.AccessToken); err != nil {
		t.Errorf("rotated access token invalid: %v", err)
	}
}

func TestAuthHandler_Refresh_RejectsAccessToken(t *testing.T) {
	h, mgr := newAuthHandler(t)
	access, err := mgr.GenerateAccessToken(uuid.New().String(), nil)
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}
	body, _ := json.Marshal(map[string]string{"refresh_token": access})
	req := httptest.NewRequest("POST", "/v1/auth/refresh", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	h.Refresh(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rr.Code)
	}
}
