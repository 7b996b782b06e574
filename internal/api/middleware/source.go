package middleware

import (
	"context"
	"net/http"
)

// SourceHeader carries the origin of an inbound request
// (slack-bot, web-ui, api-client).
const SourceHeader = "X-Source"

type contextKey string

const sourceKey contextKey = "omnibridge.source"

// Source extracts the X-Source header into the request context so the
// audit record can attribute the request's origin.
func Source(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tag := r.Header.Get(SourceHeader)
		if tag == "" {
			tag = "api-client"
		}
		ctx := context.WithValue(r.Context(), sourceKey, tag)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSource returns the source tag from the context.
func GetSource(ctx context.Context) string {
	if v, ok := ctx.Value(sourceKey).(string); ok {
		return v
	}
	return ""
}
