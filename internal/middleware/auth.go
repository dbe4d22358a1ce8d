package middleware

import (
	"context"
	"net/http"
	"strings"

	"roomchat/internal/auth"
	"roomchat/internal/httpjson"
)

type contextKey string

const identityKey contextKey = "identity"

// TokenValidator keeps this package independent of how tokens are checked.
type TokenValidator interface {
	Validate(tokenString string) (auth.Identity, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := BearerToken(r)
		if tokenString == "" {
			httpjson.Error(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		identity, err := am.validator.Validate(tokenString)
		if err != nil {
			httpjson.Error(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// BearerToken reads the Authorization header, falling back to the
// ?token= query parameter browsers use for websocket handshakes.
func BearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}

func WithIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(auth.Identity)
	return identity, ok && identity.UserID != ""
}
