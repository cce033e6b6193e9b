package oauth

import (
	"encoding/json"
	"net/http"
	"strings"

	"epicflare/internal/httpx"
)

const (
	ProtectedResourcePath = "/.well-known/oauth-protected-resource"
	ResourcePath          = "/mcp"
)

type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported"`
}

func BuildProtectedResourceMetadata(origin string) ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:             origin + ResourcePath,
		AuthorizationServers: []string{origin},
		ScopesSupported:      append([]string(nil), SupportedScopes...),
	}
}

func ProtectedResourceHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, BuildProtectedResourceMetadata(httpx.RequestOrigin(r)))
}

// Challenge is the WWW-Authenticate value sent with every bearer failure.
func Challenge(origin string) string {
	return `Bearer resource_metadata="` + origin + ProtectedResourcePath + `" scope="` + strings.Join(SupportedScopes, " ") + `"`
}

// AudienceAllowed reports whether a token minted for audience may be used
// against origin. Tokens without an audience are accepted.
func AudienceAllowed(audience []string, origin string) bool {
	if len(audience) == 0 {
		return true
	}
	for _, aud := range audience {
		if aud == origin || aud == origin+ResourcePath {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
