package oauthprovider

import (
	"net/http"

	"epicflare/internal/httpx"
	"epicflare/internal/oauth"
)

type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

func (p *Provider) Metadata(origin string) ServerMetadata {
	metadata := ServerMetadata{
		Issuer:                            origin,
		AuthorizationEndpoint:             origin + "/oauth/authorize",
		TokenEndpoint:                     origin + "/oauth/token",
		ScopesSupported:                   append([]string(nil), oauth.SupportedScopes...),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{grantAuthorizationCode, grantRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{AuthMethodClientSecretBasic, AuthMethodClientSecretPost, AuthMethodNone},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
	if p.allowDynamic {
		metadata.RegistrationEndpoint = origin + "/oauth/register"
	}
	return metadata
}

func (p *Provider) MetadataHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.Metadata(httpx.RequestOrigin(r)))
}
