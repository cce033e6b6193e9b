package oauthprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"

	"epicflare/internal/oauth"
)

func (p *Provider) ParseAuthRequest(ctx context.Context, query url.Values) (*oauth.AuthRequest, error) {
	responseType := strings.TrimSpace(query.Get("response_type"))
	if responseType != "code" {
		return nil, fmt.Errorf("%w: response_type must be code", ErrInvalidRequest)
	}

	clientID := strings.TrimSpace(query.Get("client_id"))
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	client, err := p.getClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
		}
		return nil, err
	}

	redirectURI := strings.TrimSpace(query.Get("redirect_uri"))
	if redirectURI == "" || !slices.Contains(client.RedirectURIs, redirectURI) {
		return nil, fmt.Errorf("%w: redirect_uri is not registered for this client", ErrInvalidRequest)
	}

	challenge := strings.TrimSpace(query.Get("code_challenge"))
	method := strings.TrimSpace(query.Get("code_challenge_method"))
	switch {
	case challenge == "" && method != "":
		return nil, fmt.Errorf("%w: code_challenge_method without code_challenge", ErrInvalidRequest)
	case challenge == "" && client.Public():
		return nil, fmt.Errorf("%w: public clients must use PKCE", ErrInvalidRequest)
	case challenge != "" && method != "S256":
		return nil, fmt.Errorf("%w: code_challenge_method must be S256", ErrInvalidRequest)
	}

	resources := make([]string, 0, len(query["resource"]))
	for _, raw := range query["resource"] {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil || !parsed.IsAbs() || parsed.Fragment != "" {
			return nil, fmt.Errorf("%w: resource must be an absolute URI without a fragment", ErrInvalidRequest)
		}
		if !slices.Contains(resources, raw) {
			resources = append(resources, raw)
		}
	}

	return &oauth.AuthRequest{
		ResponseType:        responseType,
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		Scope:               splitScope(query.Get("scope")),
		State:               query.Get("state"),
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Resource:            resources,
	}, nil
}

func (p *Provider) CompleteAuthorization(ctx context.Context, opts oauth.CompleteAuthorizationOptions) (oauth.CompleteAuthorizationResult, error) {
	req := opts.Request
	client, err := p.getClient(ctx, req.ClientID)
	if err != nil {
		return oauth.CompleteAuthorizationResult{}, fmt.Errorf("load client: %w", err)
	}
	if !slices.Contains(client.RedirectURIs, req.RedirectURI) {
		return oauth.CompleteAuthorizationResult{}, fmt.Errorf("%w: redirect_uri is not registered for this client", ErrInvalidRequest)
	}

	grantID, err := uuid.NewV7()
	if err != nil {
		return oauth.CompleteAuthorizationResult{}, fmt.Errorf("generate grant id: %w", err)
	}

	props, err := json.Marshal(opts.Props)
	if err != nil {
		return oauth.CompleteAuthorizationResult{}, fmt.Errorf("encode props: %w", err)
	}
	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	encodedMetadata, err := json.Marshal(metadata)
	if err != nil {
		return oauth.CompleteAuthorizationResult{}, fmt.Errorf("encode metadata: %w", err)
	}

	code, err := randomToken(32)
	if err != nil {
		return oauth.CompleteAuthorizationResult{}, err
	}

	now := p.now()
	if _, err := p.db.Exec(ctx, `
		INSERT INTO oauth_grants (id, client_id, user_id, scope, props, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, grantID.String(), client.ClientID, opts.UserID, strings.Join(opts.Scope, " "), string(props), string(encodedMetadata), now.Unix()); err != nil {
		return oauth.CompleteAuthorizationResult{}, fmt.Errorf("insert grant: %w", err)
	}

	if _, err := p.db.Exec(ctx, `
		INSERT INTO oauth_codes (code_hash, grant_id, redirect_uri, code_challenge, code_challenge_method, resource, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, HashToken(code), grantID.String(), req.RedirectURI, req.CodeChallenge, req.CodeChallengeMethod, encodeList(req.Resource), now.Add(p.codeTTL).Unix()); err != nil {
		return oauth.CompleteAuthorizationResult{}, fmt.Errorf("insert authorization code: %w", err)
	}

	target, err := url.Parse(req.RedirectURI)
	if err != nil {
		return oauth.CompleteAuthorizationResult{}, fmt.Errorf("parse redirect_uri: %w", err)
	}
	params := target.Query()
	params.Set("code", code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	target.RawQuery = params.Encode()

	return oauth.CompleteAuthorizationResult{RedirectTo: target.String()}, nil
}

func splitScope(raw string) []string {
	var scopes []string
	for _, scope := range strings.Fields(raw) {
		if !slices.Contains(scopes, scope) {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}
