// ABOUTME: Tests for the admin auth middleware
// ABOUTME: Covers header extraction, rejection paths, and context propagation

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protectedHandler(t *testing.T, wantOperator string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, ok := OperatorFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, wantOperator, op)
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddleware_ValidToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	token, err := v.Generate("ops-alice", time.Hour)
	require.NoError(t, err)

	handler := Middleware(v)(protectedHandler(t, "ops-alice"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/owners/register", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddleware_Rejections(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"empty token", "Bearer "},
		{"garbage token", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/owners/register", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestMiddleware_NilVerifierClosesSurface(t *testing.T) {
	handler := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/owners/register", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
