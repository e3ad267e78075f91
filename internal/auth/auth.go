// Package auth covers the two trust boundaries: worker registration tokens
// on the socket side and API keys on the HTTP side.
package auth

import (
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"

	"github.com/mattj23/gridlike/internal/protocol"
)

// TokenAuthenticator accepts workers presenting the configured shared token.
type TokenAuthenticator struct {
	token string
	log   *zap.Logger
}

func NewTokenAuthenticator(token string, log *zap.Logger) *TokenAuthenticator {
	return &TokenAuthenticator{token: token, log: log}
}

func (a *TokenAuthenticator) Authenticate(m *protocol.Register) bool {
	ok := subtle.ConstantTimeCompare([]byte(m.Token), []byte(a.token)) == 1
	a.log.Debug("worker authentication checked",
		zap.String("name", m.Name), zap.Bool("accepted", ok))
	return ok
}

// RequireAPIKey guards HTTP routes behind an X-Api-Key header check. An
// empty configured key disables the guard.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-Api-Key")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
