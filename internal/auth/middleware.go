package auth

import (
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/payorder/internal/common"
)

// Middleware authenticates requests with an HMAC-signed bearer token and
// stores the subject on the request context.
type Middleware struct {
	Secret string
}

// RequireAuth rejects requests without a valid bearer token.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}

		token, err := jwt.Parse([]byte(raw),
			jwt.WithKey(jwa.HS256, []byte(m.Secret)),
			jwt.WithValidate(true),
		)
		if err != nil {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
		sub := token.Subject()
		if sub == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "token missing subject", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(common.WithUserID(r.Context(), sub)))
	})
}
