// Package middleware содержит HTTP middleware для сервиса вознаграждений.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

type contextKey string

const identityKey contextKey = "identity"

// Области доступа bearer-токенов.
const (
	ScopeCustomer = "customer"
	ScopeStaff    = "staff"
	ScopeAdmin    = "admin"
)

// Identity описывает аутентифицированного вызывающего: непрозрачный
// идентификатор субъекта и область доступа.
type Identity struct {
	Subject string
	Scope   string
}

// AuthMiddleware выполняет проверку аутентификации по подписанному bearer-токену.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет заголовок Authorization и добавляет личность
// вызывающего в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		identity, ok := a.parseToken(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope пропускает запрос дальше, только если личность в контексте
// имеет указанную область доступа. Применяется после Middleware.
func (a *AuthMiddleware) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := GetIdentityFromContext(r.Context())
			if !ok || identity.Scope != scope {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IssueToken выпускает подписанный bearer-токен для указанного субъекта
// и области доступа.
func (a *AuthMiddleware) IssueToken(subject, scope string) string {
	return subject + "." + scope + "." + a.sign(subject, scope)
}

func (a *AuthMiddleware) parseToken(token string) (Identity, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, false
	}

	subject := parts[0]
	scope := parts[1]
	signature := parts[2]

	if subject == "" || scope == "" {
		return Identity{}, false
	}

	expected := a.sign(subject, scope)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Identity{}, false
	}

	return Identity{Subject: subject, Scope: scope}, true
}

func (a *AuthMiddleware) sign(subject, scope string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(subject + ":" + scope))
	return hex.EncodeToString(mac.Sum(nil))
}

// GetIdentityFromContext извлекает личность вызывающего из контекста запроса.
func GetIdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}
