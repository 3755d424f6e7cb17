package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthMiddleware_WithValidToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		identity, ok := GetIdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("identity not in context")
		}
		if identity.Subject != "user-42" || identity.Scope != ScopeCustomer {
			t.Fatalf("identity from context = %+v, want user-42/customer", identity)
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+m.IssueToken("user-42", ScopeCustomer))

	handler := m.Middleware(next)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithoutToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	handler := m.Middleware(next)
	handler.ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_TamperedToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	tests := []struct {
		name  string
		token string
	}{
		{name: "foreign signature", token: other.IssueToken("user-42", ScopeCustomer)},
		{name: "scope swapped", token: swapScope(m.IssueToken("user-42", ScopeCustomer))},
		{name: "garbage", token: "not-a-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/protected", nil)
			r.Header.Set("Authorization", "Bearer "+tt.token)

			handler := m.Middleware(next)
			handler.ServeHTTP(w, r)

			res := w.Result()
			if res.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
			}
		})
	}
}

func swapScope(token string) string {
	// Подмена области доступа без перегенерации подписи
	return token[:len("user-42.")] + ScopeAdmin + token[len("user-42."+ScopeCustomer):]
}

func TestRequireScope(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := m.Middleware(m.RequireScope(ScopeStaff)(next))

	t.Run("matching scope", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/staff", nil)
		r.Header.Set("Authorization", "Bearer "+m.IssueToken("staff-1", ScopeStaff))

		handler.ServeHTTP(w, r)

		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
		}
	})

	t.Run("wrong scope", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/staff", nil)
		r.Header.Set("Authorization", "Bearer "+m.IssueToken("user-1", ScopeCustomer))

		handler.ServeHTTP(w, r)

		if w.Result().StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
		}
	})
}
