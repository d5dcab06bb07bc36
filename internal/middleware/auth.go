// Package middleware содержит HTTP middleware операторской консоли.
package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/grocery-console/internal/model"
	"github.com/mmeshcher/grocery-console/internal/validation"
)

const (
	// OperatorHeader содержит токен оператора.
	OperatorHeader = "X-Operator-Token"

	operatorCookieName = "operator_token"
	operatorCookieTTL  = 12 * time.Hour
)

// OperatorAuth проверяет подписанный токен оператора и кладёт его идентификатор в контекст.
// Права доступа проверяются внешним слоем авторизации.
type OperatorAuth struct {
	secretKey []byte
}

// NewOperatorAuth создаёт проверку токенов с ключом secret.
// При пустом secret генерируется случайный ключ процесса.
func NewOperatorAuth(secret string) *OperatorAuth {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		// crypto/rand.Read не возвращает ошибку начиная с Go 1.24
		_, _ = rand.Read(key)
	}

	return &OperatorAuth{secretKey: key}
}

// Middleware принимает токен из заголовка X-Operator-Token или cookie operator_token.
func (a *OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(OperatorHeader)
		if token == "" {
			if cookie, err := r.Cookie(operatorCookieName); err == nil {
				token = cookie.Value
			}
		}

		operatorID, ok := a.Verify(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(model.WithActor(r.Context(), operatorID)))
	})
}

// Sign выпускает токен для оператора.
func (a *OperatorAuth) Sign(operatorID string) string {
	return operatorID + "." + a.signature(operatorID)
}

// Verify проверяет токен и возвращает идентификатор оператора.
func (a *OperatorAuth) Verify(token string) (string, bool) {
	operatorID, signature, found := strings.Cut(token, ".")
	if !found || !validation.IsValidID(operatorID) || operatorID == "system" {
		return "", false
	}

	if !hmac.Equal([]byte(signature), []byte(a.signature(operatorID))) {
		return "", false
	}

	return operatorID, true
}

// SetOperatorCookie устанавливает cookie с токеном оператора.
func (a *OperatorAuth) SetOperatorCookie(w http.ResponseWriter, operatorID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     operatorCookieName,
		Value:    a.Sign(operatorID),
		Path:     "/",
		Expires:  time.Now().Add(operatorCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *OperatorAuth) signature(operatorID string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(operatorID))
	return hex.EncodeToString(mac.Sum(nil))
}
