package relayserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/meidoworks/nekoq-notifyrelay/http/chi"
)

var errUnauthorized = errors.New("unauthorized")

func bearerToken(r *http.Request) (string, bool) {
	auths := strings.Fields(r.Header.Get("Authorization"))
	if len(auths) != 2 || auths[0] != "Bearer" {
		return "", false
	}
	return auths[1], true
}

func jwtAuth(secret []byte, logger *zap.Logger) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(token *jwt.Token) (any, error) {
		return secret, nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				_ = chi.RenderJsonError(http.StatusUnauthorized, errUnauthorized).Render(w)
				return
			}
			if _, err := parser.Parse(token, keyFunc); err != nil {
				logger.Debug("reject token", zap.Error(err))
				_ = chi.RenderJsonError(http.StatusUnauthorized, errUnauthorized).Render(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
