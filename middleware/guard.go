package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/assertion"
)

type claimsContextKey struct{}

// ClaimsFromContext returns the assertion claims stored by a guard.
func ClaimsFromContext(ctx context.Context) (*assertion.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*assertion.Claims)
	return claims, ok
}

// RequireAssertion rejects requests without a valid MFA assertion in the
// Authorization header.
func RequireAssertion(engine *goMFA.Engine) func(http.Handler) http.Handler {
	return guard(engine, nil)
}

// RequireMethod is RequireAssertion restricted to assertions minted for
// one of methods, e.g. goMFA.MethodTOTP to refuse backup-code logins.
func RequireMethod(engine *goMFA.Engine, methods ...string) func(http.Handler) http.Handler {
	return guard(engine, func(c *assertion.Claims) bool {
		return slices.Contains(methods, c.Method)
	})
}

func guard(engine *goMFA.Engine, accept func(*assertion.Claims) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := engine.VerifyAssertion(token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if accept != nil && !accept(claims) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
