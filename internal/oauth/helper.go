package oauth

import (
	"context"
	"net/url"
)

var SupportedScopes = []string{"profile", "email"}

type AuthRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            []string
}

type ClientInfo struct {
	ClientID                string   `json:"client_id" yaml:"client_id"`
	RedirectURIs            []string `json:"redirect_uris" yaml:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty" yaml:"client_name"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method" yaml:"token_endpoint_auth_method"`
}

type Props struct {
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type CompleteAuthorizationOptions struct {
	Request  AuthRequest
	UserID   string
	Metadata map[string]string
	Scope    []string
	Props    Props
}

type CompleteAuthorizationResult struct {
	RedirectTo string
}

type Grant struct {
	ClientID string
	Scope    []string
	Props    Props
}

type TokenSummary struct {
	Audience []string
	Grant    Grant
}

// Helper owns client registration, code and token issuance, and token
// introspection. LookupClient and UnwrapToken return nil with no error
// when nothing matches.
type Helper interface {
	ParseAuthRequest(ctx context.Context, query url.Values) (*AuthRequest, error)
	LookupClient(ctx context.Context, clientID string) (*ClientInfo, error)
	CompleteAuthorization(ctx context.Context, opts CompleteAuthorizationOptions) (CompleteAuthorizationResult, error)
	UnwrapToken(ctx context.Context, token string) (*TokenSummary, error)
}
