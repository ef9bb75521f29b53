package middleware_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/intellioptics/platform/internal/middleware"
	"github.com/intellioptics/platform/internal/tokens"
)

func newAuthMiddleware(t *testing.T) (*middleware.JWTAuth, *tokens.Manager) {
	t.Helper()
	mgr := tokens.NewManager("test-secret", time.Minute)
	return middleware.NewJWTAuth(mgr), mgr
}

func TestJWTAuthInjectsIdentity(t *testing.T) {
	mw, mgr := newAuthMiddleware(t)

	token, err := mgr.GenerateAccessToken("user-1", []string{"reviewer"})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := middleware.GetAuthContext(r.Context())
		if !ok {
			t.Fatal("AuthContext missing")
		}
		if ac.UserID != "user-1" {
			t.Errorf("UserID = %q, want user-1", ac.UserID)
		}
		if !ac.HasRole("reviewer") {
			t.Error("reviewer role missing from AuthContext")
		}
		if ac.TokenID == "" {
			t.Error("TokenID should carry the jti")
		}
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestJWTAuthAcceptsAPITokenHeader(t *testing.T) {
	mw, mgr := newAuthMiddleware(t)

	token, err := mgr.GenerateAccessToken("edge-1", nil)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/image-queries", nil)
	req.Header.Set("x-api-token", token)
	w := httptest.NewRecorder()

	mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := middleware.GetAuthContext(r.Context())
		if !ok || ac.UserID != "edge-1" {
			t.Errorf("AuthContext = %+v, ok = %v", ac, ok)
		}
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestJWTAuthRejections(t *testing.T) {
	mw, mgr := newAuthMiddleware(t)

	refresh, err := mgr.GenerateRefreshToken("user-1")
	if err != nil {
		t.Fatalf("mint refresh token: %v", err)
	}

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not a bearer scheme", "Token abc"},
		{"garbage token", "Bearer not-a-jwt"},
		{"refresh token used as access", "Bearer " + refresh},
	}

	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()

		mw.Middleware(nil).ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: Expected 401, got %d", tc.name, w.Code)
		}
		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["error"] == "" {
			t.Errorf("%s: expected JSON error envelope, got %q", tc.name, w.Body.String())
		}
	}
}

func TestRequireRole(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := middleware.RequireRole("reviewer")(okHandler)

	// Token with the role passes.
	ctx := middleware.WithAuthContext(context.Background(), &middleware.AuthContext{
		UserID: "u1",
		Roles:  []string{"reviewer"},
	})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/", nil).WithContext(ctx))
	if w.Code != http.StatusOK {
		t.Errorf("with role: Expected 200, got %d", w.Code)
	}

	// Token without the role is forbidden.
	ctx = middleware.WithAuthContext(context.Background(), &middleware.AuthContext{UserID: "u1"})
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/", nil).WithContext(ctx))
	if w.Code != http.StatusForbidden {
		t.Errorf("without role: Expected 403, got %d", w.Code)
	}

	// No auth context at all reads as unauthenticated.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no context: Expected 401, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	nextCalled := false
	handler := middleware.CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("OPTIONS", "/v1/detectors", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if nextCalled {
		t.Error("preflight should not reach the handler")
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing Access-Control-Allow-Origin header")
	}
}

func TestCORSPassThrough(t *testing.T) {
	handler := middleware.CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/v1/detectors", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("CORS headers should be set on normal responses too")
	}
}
