// Package middleware содержит HTTP middleware промо-движка.
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

const callerKey contextKey = "caller"

const authHeaderName = "X-Auth-Token"

// AuthMiddleware проверяет подписанный сервисный токен вызывающей стороны.
// Токены выдаются внешним системам при настройке интеграции и передаются
// в заголовке X-Auth-Token.
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

// Middleware проверяет сервисный токен и добавляет идентификатор вызывающей
// стороны в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(authHeaderName)
		if token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		caller, ok := a.parseToken(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Token выдаёт подписанный токен для указанной вызывающей стороны.
func (a *AuthMiddleware) Token(caller string) string {
	return caller + "." + a.sign(caller)
}

func (a *AuthMiddleware) sign(caller string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(caller))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(token string) (string, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", false
	}

	caller := parts[0]
	signature := parts[1]

	if caller == "" {
		return "", false
	}

	if !hmac.Equal([]byte(signature), []byte(a.sign(caller))) {
		return "", false
	}

	return caller, true
}

// GetCallerFromContext извлекает идентификатор вызывающей стороны из контекста запроса.
func GetCallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey).(string)
	return caller, ok
}
