package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ArbiterRole задаёт значение claim "role" в токене арбитра.
const ArbiterRole = "arbiter"

// ArbiterClaims описывает claims токена арбитра. Subject содержит идентификатор арбитра.
type ArbiterClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ArbiterAuth проверяет bearer-токены арбитров, подписанные HS256.
type ArbiterAuth struct {
	secret []byte
}

// NewArbiterAuth создаёт проверку токенов арбитров. С пустым секретом все запросы отклоняются.
func NewArbiterAuth(secret string) *ArbiterAuth {
	return &ArbiterAuth{secret: []byte(secret)}
}

// IssueToken выпускает токен арбитра со сроком действия ttl.
func (a *ArbiterAuth) IssueToken(arbiterID int64, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("arbiter secret is not configured")
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ArbiterClaims{
		Role: ArbiterRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(arbiterID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(a.secret)
}

func (a *ArbiterAuth) parse(tokenString string) (int64, error) {
	if len(a.secret) == 0 {
		return 0, errors.New("arbiter secret is not configured")
	}

	claims := &ArbiterClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}

	if claims.Role != ArbiterRole {
		return 0, fmt.Errorf("role %q is not allowed", claims.Role)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse subject: %w", err)
	}
	return id, nil
}

// Middleware пропускает запрос только с действительным токеном арбитра.
func (a *ArbiterAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tokenString == "" {
			writeUnauthorized(w)
			return
		}

		arbiterID, err := a.parse(tokenString)
		if err != nil {
			writeUnauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), arbiterIDKey, arbiterID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetArbiterIDFromContext извлекает идентификатор арбитра из контекста запроса.
func GetArbiterIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(arbiterIDKey).(int64)
	return id, ok
}
