package toolserver

import (
	"context"
	"encoding/json"
	"net/http"

	"epicflare/internal/httpx"
	"epicflare/internal/oauth"
	"epicflare/internal/observability"
)

type RequestContext struct {
	BaseURL string
	User    oauth.Props
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}

// Gate admits only requests carrying a bearer token the helper accepts
// for this origin.
type Gate struct {
	helper oauth.Helper
	next   http.Handler
	logger *observability.Logger
}

func NewGate(helper oauth.Helper, next http.Handler, logger *observability.Logger) *Gate {
	return &Gate{helper: helper, next: next, logger: logger}
}

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := httpx.RequestOrigin(r)

	token, ok := httpx.BearerToken(r)
	if !ok {
		unauthorized(w, origin)
		return
	}

	if g.helper == nil {
		g.logger.Warn("mcp_helper_unavailable", map[string]any{"path": r.URL.Path})
		unauthorized(w, origin)
		return
	}

	summary, err := g.helper.UnwrapToken(r.Context(), token)
	if err != nil {
		g.logger.Warn("mcp_token_unwrap_failed", map[string]any{"error": err.Error()})
		unauthorized(w, origin)
		return
	}
	if summary == nil || !oauth.AudienceAllowed(summary.Audience, origin) {
		unauthorized(w, origin)
		return
	}

	ctx := WithRequestContext(r.Context(), RequestContext{
		BaseURL: origin,
		User:    summary.Grant.Props,
	})
	g.next.ServeHTTP(w, r.WithContext(ctx))
}

func unauthorized(w http.ResponseWriter, origin string) {
	w.Header().Set("WWW-Authenticate", oauth.Challenge(origin))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
}
