package middleware

import (
	"net"
	"net/http"
	"strings"

	goMFA "github.com/MrEthical07/goMFA"
)

// RequestMetadata copies the client IP, request ID and user agent into the
// request context, where the engine picks them up for audit entries.
//
// With trustProxy the first X-Forwarded-For hop is used as the client IP;
// otherwise RemoteAddr is.
func RequestMetadata(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if ip := clientIP(r, trustProxy); ip != "" {
				ctx = goMFA.WithClientIP(ctx, ip)
			}
			if id := r.Header.Get("X-Request-ID"); id != "" {
				ctx = goMFA.WithRequestID(ctx, id)
			}
			if ua := r.UserAgent(); ua != "" {
				ctx = goMFA.WithUserAgent(ctx, ua)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
