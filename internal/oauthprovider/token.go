package oauthprovider

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"epicflare/internal/oauth"
	"epicflare/internal/observability"
)

const maxTokenFormBytes = 64 << 10

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type authorizationCode struct {
	grantID             string
	redirectURI         string
	codeChallenge       string
	codeChallengeMethod string
	resource            []string
	expiresAt           int64
}

type grantRecord struct {
	clientID string
	scope    string
}

func (p *Provider) TokenHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTokenFormBytes)
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, fmt.Errorf("%w: invalid form body", ErrInvalidRequest))
		return
	}

	client, usedBasic, err := p.authenticateClient(r.Context(), r)
	if err != nil {
		if usedBasic && errors.Is(err, ErrInvalidClient) {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		}
		p.respondTokenError(w, err)
		return
	}

	var response TokenResponse
	switch r.PostForm.Get("grant_type") {
	case grantAuthorizationCode:
		response, err = p.exchangeCode(r.Context(), client, r.PostForm)
	case grantRefreshToken:
		response, err = p.refresh(r.Context(), client, r.PostForm)
	case "":
		err = fmt.Errorf("%w: grant_type is required", ErrInvalidRequest)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedGrantType, r.PostForm.Get("grant_type"))
	}
	if err != nil {
		p.respondTokenError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (p *Provider) respondTokenError(w http.ResponseWriter, err error) {
	if _, status := errorCode(err); status == http.StatusInternalServerError {
		observability.CaptureError(p.logger, "oauth_token_failed", err, nil)
	} else {
		p.logger.Warn("oauth_token_rejected", map[string]any{"error": err.Error()})
	}
	writeOAuthError(w, err)
}

// authenticateClient supports client_secret_basic, client_secret_post and
// public clients that send only client_id.
func (p *Provider) authenticateClient(ctx context.Context, r *http.Request) (Client, bool, error) {
	clientID, clientSecret, usedBasic := r.BasicAuth()
	if usedBasic {
		var err error
		if clientID, err = url.QueryUnescape(clientID); err != nil {
			return Client{}, true, fmt.Errorf("%w: malformed basic credentials", ErrInvalidClient)
		}
		if clientSecret, err = url.QueryUnescape(clientSecret); err != nil {
			return Client{}, true, fmt.Errorf("%w: malformed basic credentials", ErrInvalidClient)
		}
	} else {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}

	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return Client{}, usedBasic, fmt.Errorf("%w: client authentication required", ErrInvalidClient)
	}

	client, err := p.getClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return Client{}, usedBasic, fmt.Errorf("%w: unknown client", ErrInvalidClient)
		}
		return Client{}, usedBasic, err
	}

	if client.Public() {
		return client, usedBasic, nil
	}
	if clientSecret == "" || client.SecretHash == "" {
		return Client{}, usedBasic, fmt.Errorf("%w: client authentication failed", ErrInvalidClient)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		return Client{}, usedBasic, fmt.Errorf("%w: client authentication failed", ErrInvalidClient)
	}
	return client, usedBasic, nil
}

func (p *Provider) exchangeCode(ctx context.Context, client Client, form url.Values) (TokenResponse, error) {
	rawCode := strings.TrimSpace(form.Get("code"))
	if rawCode == "" {
		return TokenResponse{}, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}

	code, err := p.consumeCode(ctx, rawCode)
	if err != nil {
		return TokenResponse{}, err
	}
	if code.expiresAt <= p.now().Unix() {
		return TokenResponse{}, fmt.Errorf("%w: authorization code expired", ErrInvalidGrant)
	}

	grant, err := p.getGrant(ctx, code.grantID)
	if err != nil {
		return TokenResponse{}, err
	}
	if grant.clientID != client.ClientID {
		return TokenResponse{}, fmt.Errorf("%w: authorization code was issued to another client", ErrInvalidGrant)
	}
	if form.Get("redirect_uri") != code.redirectURI {
		return TokenResponse{}, fmt.Errorf("%w: redirect_uri does not match the authorization request", ErrInvalidGrant)
	}

	verifier := form.Get("code_verifier")
	if code.codeChallenge != "" {
		if err := VerifyPKCE(code.codeChallenge, code.codeChallengeMethod, verifier); err != nil {
			return TokenResponse{}, err
		}
	} else if verifier != "" {
		return TokenResponse{}, fmt.Errorf("%w: code_verifier sent for a request without code_challenge", ErrInvalidGrant)
	}

	// The token request may narrow the authorized audience, never widen it.
	audience := code.resource
	if requested := form["resource"]; len(requested) > 0 {
		for _, resource := range requested {
			if !slices.Contains(code.resource, resource) {
				return TokenResponse{}, fmt.Errorf("%w: resource was not part of the authorization request", ErrInvalidGrant)
			}
		}
		audience = requested
	}

	issueRefresh := slices.Contains(client.GrantTypes, grantRefreshToken)
	return p.issueTokens(ctx, code.grantID, grant.scope, audience, issueRefresh)
}

func (p *Provider) refresh(ctx context.Context, client Client, form url.Values) (TokenResponse, error) {
	if !slices.Contains(client.GrantTypes, grantRefreshToken) {
		return TokenResponse{}, fmt.Errorf("%w: client may not use refresh_token", ErrUnsupportedGrantType)
	}

	rawToken := strings.TrimSpace(form.Get("refresh_token"))
	if rawToken == "" {
		return TokenResponse{}, fmt.Errorf("%w: refresh_token is required", ErrInvalidRequest)
	}

	var (
		grantID   string
		audience  string
		expiresAt int64
		clientID  string
		scope     string
	)
	err := p.db.QueryFirst(ctx, `
		SELECT t.grant_id, t.audience, t.expires_at, g.client_id, g.scope
		FROM oauth_tokens t
		JOIN oauth_grants g ON g.id = t.grant_id
		WHERE t.token_hash = $1 AND t.kind = $2
	`, HashToken(rawToken), tokenKindRefresh).Scan(&grantID, &audience, &expiresAt, &clientID, &scope)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenResponse{}, fmt.Errorf("%w: unknown refresh token", ErrInvalidGrant)
		}
		return TokenResponse{}, fmt.Errorf("query refresh token: %w", err)
	}
	if expiresAt <= p.now().Unix() {
		return TokenResponse{}, fmt.Errorf("%w: refresh token expired", ErrInvalidGrant)
	}
	if clientID != client.ClientID {
		return TokenResponse{}, fmt.Errorf("%w: refresh token was issued to another client", ErrInvalidGrant)
	}

	if requested := splitScope(form.Get("scope")); len(requested) > 0 {
		granted := strings.Fields(scope)
		for _, s := range requested {
			if !slices.Contains(granted, s) {
				return TokenResponse{}, fmt.Errorf("%w: scope %q exceeds the original grant", ErrInvalidScope, s)
			}
		}
		scope = strings.Join(requested, " ")
	}

	return p.issueTokens(ctx, grantID, scope, decodeList(audience), false)
}

func (p *Provider) issueTokens(ctx context.Context, grantID, scope string, audience []string, withRefresh bool) (TokenResponse, error) {
	now := p.now()

	accessToken, err := randomToken(32)
	if err != nil {
		return TokenResponse{}, err
	}
	if err := p.insertToken(ctx, accessToken, grantID, tokenKindAccess, audience, now.Add(p.accessTTL).Unix()); err != nil {
		return TokenResponse{}, err
	}

	response := TokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
		ExpiresIn:   int64(p.accessTTL.Seconds()),
		Scope:       scope,
	}

	if withRefresh {
		refreshToken, err := randomToken(32)
		if err != nil {
			return TokenResponse{}, err
		}
		if err := p.insertToken(ctx, refreshToken, grantID, tokenKindRefresh, audience, now.Add(p.refreshTTL).Unix()); err != nil {
			return TokenResponse{}, err
		}
		response.RefreshToken = refreshToken
	}

	return response, nil
}

func (p *Provider) insertToken(ctx context.Context, token, grantID, kind string, audience []string, expiresAt int64) error {
	if _, err := p.db.Exec(ctx, `
		INSERT INTO oauth_tokens (token_hash, grant_id, kind, audience, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, HashToken(token), grantID, kind, encodeList(audience), expiresAt); err != nil {
		return fmt.Errorf("insert %s token: %w", kind, err)
	}
	return nil
}

// consumeCode deletes and returns the code in one statement so a code can
// be redeemed at most once.
func (p *Provider) consumeCode(ctx context.Context, rawCode string) (authorizationCode, error) {
	var (
		code     authorizationCode
		resource string
	)
	err := p.db.QueryFirst(ctx, `
		DELETE FROM oauth_codes
		WHERE code_hash = $1
		RETURNING grant_id, redirect_uri, code_challenge, code_challenge_method, resource, expires_at
	`, HashToken(rawCode)).Scan(&code.grantID, &code.redirectURI, &code.codeChallenge, &code.codeChallengeMethod, &resource, &code.expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return authorizationCode{}, fmt.Errorf("%w: invalid or already used authorization code", ErrInvalidGrant)
		}
		return authorizationCode{}, fmt.Errorf("consume authorization code: %w", err)
	}
	code.resource = decodeList(resource)
	return code, nil
}

func (p *Provider) getGrant(ctx context.Context, grantID string) (grantRecord, error) {
	var grant grantRecord
	err := p.db.QueryFirst(ctx, `
		SELECT client_id, scope
		FROM oauth_grants
		WHERE id = $1
	`, grantID).Scan(&grant.clientID, &grant.scope)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return grantRecord{}, fmt.Errorf("%w: grant no longer exists", ErrInvalidGrant)
		}
		return grantRecord{}, fmt.Errorf("query grant: %w", err)
	}
	return grant, nil
}

// UnwrapToken resolves a live access token. Unknown and expired tokens
// yield nil without an error.
func (p *Provider) UnwrapToken(ctx context.Context, token string) (*oauth.TokenSummary, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	var (
		audience  string
		expiresAt int64
		clientID  string
		scope     string
		props     string
	)
	err := p.db.QueryFirst(ctx, `
		SELECT t.audience, t.expires_at, g.client_id, g.scope, g.props
		FROM oauth_tokens t
		JOIN oauth_grants g ON g.id = t.grant_id
		WHERE t.token_hash = $1 AND t.kind = $2
	`, HashToken(token), tokenKindAccess).Scan(&audience, &expiresAt, &clientID, &scope, &props)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query access token: %w", err)
	}
	if expiresAt <= p.now().Unix() {
		return nil, nil
	}

	var decoded oauth.Props
	if err := json.Unmarshal([]byte(props), &decoded); err != nil {
		return nil, fmt.Errorf("decode grant props: %w", err)
	}

	return &oauth.TokenSummary{
		Audience: decodeList(audience),
		Grant: oauth.Grant{
			ClientID: clientID,
			Scope:    strings.Fields(scope),
			Props:    decoded,
		},
	}, nil
}
