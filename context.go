package goMFA

import "context"

type clientIPContextKey struct{}
type requestIDContextKey struct{}
type userAgentContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. It is recorded in
// the metadata of audit entries written during the call.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithRequestID attaches a correlation id that is copied into audit
// metadata and engine logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}

// contextMetadata returns the request attributes that go into audit
// metadata. Empty values are omitted.
func contextMetadata(ctx context.Context) map[string]string {
	md := map[string]string{}
	if v := clientIPFromContext(ctx); v != "" {
		md["ip"] = v
	}
	if v := requestIDFromContext(ctx); v != "" {
		md["request_id"] = v
	}
	if v := userAgentFromContext(ctx); v != "" {
		md["user_agent"] = v
	}
	return md
}

// RequestMetadata returns the attributes attached with WithClientIP,
// WithRequestID and WithUserAgent as they would appear in audit metadata.
func RequestMetadata(ctx context.Context) map[string]string {
	return contextMetadata(ctx)
}
