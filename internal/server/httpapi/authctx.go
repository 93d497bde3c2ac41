package httpapi

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey string

const usernameKey ctxKey = "gs.username"

// WithUsername stores the authenticated username in context.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey, username)
}

// UsernameFromCtx fetches the authenticated username from context.
func UsernameFromCtx(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(usernameKey).(string)
	return v, ok && v != ""
}

// bearerToken extracts "Authorization: Bearer <JWT>". When allowQuery is set the
// token query parameter is accepted as well, since browsers cannot set headers on
// WebSocket upgrades.
func bearerToken(r *http.Request, allowQuery bool) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		if t := strings.TrimSpace(v[7:]); t != "" {
			return t
		}
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}
