package oauthprovider

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"epicflare/internal/oauth"
	"epicflare/internal/observability"
)

const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"

	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"

	maxRegistrationBytes = 64 << 10
)

type Client struct {
	oauth.ClientInfo
	SecretHash    string
	GrantTypes    []string
	ResponseTypes []string
	CreatedAt     time.Time
}

func (c Client) Public() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
}

type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   *int64   `json:"client_secret_expires_at,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

// StaticClient is one entry of the clients seed file.
type StaticClient struct {
	oauth.ClientInfo `yaml:",inline"`
	ClientSecret     string   `yaml:"client_secret"`
	GrantTypes       []string `yaml:"grant_types"`
}

type clientsFile struct {
	Clients []StaticClient `yaml:"clients"`
}

func (p *Provider) RegisterClient(ctx context.Context, req RegistrationRequest) (RegistrationResponse, error) {
	method := strings.TrimSpace(req.TokenEndpointAuthMethod)
	if method == "" {
		method = AuthMethodClientSecretBasic
	}
	if method != AuthMethodNone && method != AuthMethodClientSecretBasic && method != AuthMethodClientSecretPost {
		return RegistrationResponse{}, fmt.Errorf("%w: unsupported token_endpoint_auth_method", ErrInvalidClientMetadata)
	}

	redirectURIs, err := validateRedirectURIs(req.RedirectURIs)
	if err != nil {
		return RegistrationResponse{}, err
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{grantAuthorizationCode, grantRefreshToken}
	}
	for _, grant := range grantTypes {
		if grant != grantAuthorizationCode && grant != grantRefreshToken {
			return RegistrationResponse{}, fmt.Errorf("%w: unsupported grant_type %q", ErrInvalidClientMetadata, grant)
		}
	}
	if !slices.Contains(grantTypes, grantAuthorizationCode) {
		return RegistrationResponse{}, fmt.Errorf("%w: authorization_code grant is required", ErrInvalidClientMetadata)
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	if len(responseTypes) != 1 || responseTypes[0] != "code" {
		return RegistrationResponse{}, fmt.Errorf("%w: only the code response type is supported", ErrInvalidClientMetadata)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return RegistrationResponse{}, fmt.Errorf("generate client id: %w", err)
	}

	client := Client{
		ClientInfo: oauth.ClientInfo{
			ClientID:                id.String(),
			RedirectURIs:            redirectURIs,
			ClientName:              strings.TrimSpace(req.ClientName),
			TokenEndpointAuthMethod: method,
		},
		GrantTypes:    grantTypes,
		ResponseTypes: responseTypes,
		CreatedAt:     p.now().Truncate(time.Second),
	}

	var secret string
	if !client.Public() {
		secret, err = randomToken(32)
		if err != nil {
			return RegistrationResponse{}, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return RegistrationResponse{}, fmt.Errorf("hash client secret: %w", err)
		}
		client.SecretHash = string(hash)
	}

	if err := p.insertClient(ctx, client); err != nil {
		return RegistrationResponse{}, err
	}

	response := RegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		ClientName:              client.ClientName,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
	}
	if secret != "" {
		never := int64(0)
		response.ClientSecretExpiresAt = &never
	}
	return response, nil
}

func (p *Provider) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	if !p.allowDynamic {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRegistrationBytes)
	var body RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeOAuthError(w, fmt.Errorf("%w: invalid JSON body", ErrInvalidClientMetadata))
		return
	}

	response, err := p.RegisterClient(r.Context(), body)
	if err != nil {
		if _, status := errorCode(err); status == http.StatusInternalServerError {
			observability.CaptureError(p.logger, "oauth_client_registration_failed", err, nil)
		}
		writeOAuthError(w, err)
		return
	}

	p.logger.Info("oauth_client_registered", map[string]any{
		"client_id":   response.ClientID,
		"auth_method": response.TokenEndpointAuthMethod,
	})
	writeJSON(w, http.StatusCreated, response)
}

func (p *Provider) LookupClient(ctx context.Context, clientID string) (*oauth.ClientInfo, error) {
	client, err := p.getClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, nil
		}
		return nil, err
	}
	info := client.ClientInfo
	return &info, nil
}

// UpsertClient registers or replaces a client with a known id, used for
// seeding first-party clients.
func (p *Provider) UpsertClient(ctx context.Context, static StaticClient) error {
	clientID := strings.TrimSpace(static.ClientID)
	if clientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidClientMetadata)
	}

	method := static.TokenEndpointAuthMethod
	if method == "" {
		method = AuthMethodNone
		if static.ClientSecret != "" {
			method = AuthMethodClientSecretBasic
		}
	}
	if method != AuthMethodNone && static.ClientSecret == "" {
		return fmt.Errorf("%w: client %s needs a client_secret", ErrInvalidClientMetadata, clientID)
	}

	redirectURIs, err := validateRedirectURIs(static.RedirectURIs)
	if err != nil {
		return err
	}

	grantTypes := static.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{grantAuthorizationCode, grantRefreshToken}
	}

	var secretHash sql.NullString
	if method != AuthMethodNone {
		hash, err := bcrypt.GenerateFromPassword([]byte(static.ClientSecret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash client secret: %w", err)
		}
		secretHash = sql.NullString{String: string(hash), Valid: true}
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO oauth_clients (client_id, client_secret_hash, client_name, redirect_uris, grant_types, response_types, token_endpoint_auth_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (client_id) DO UPDATE SET
			client_secret_hash = excluded.client_secret_hash,
			client_name = excluded.client_name,
			redirect_uris = excluded.redirect_uris,
			grant_types = excluded.grant_types,
			response_types = excluded.response_types,
			token_endpoint_auth_method = excluded.token_endpoint_auth_method
	`, clientID, secretHash, strings.TrimSpace(static.ClientName), encodeList(redirectURIs), encodeList(grantTypes), encodeList([]string{"code"}), method, p.now().Unix())
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

// LoadClientsFile seeds clients from a YAML file of the form
// `clients: [{client_id, client_name, redirect_uris, ...}]`.
func (p *Provider) LoadClientsFile(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read clients file: %w", err)
	}

	var file clientsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return 0, fmt.Errorf("parse clients file: %w", err)
	}

	for _, client := range file.Clients {
		if err := p.UpsertClient(ctx, client); err != nil {
			return 0, err
		}
	}
	return len(file.Clients), nil
}

func (p *Provider) insertClient(ctx context.Context, client Client) error {
	var secretHash sql.NullString
	if client.SecretHash != "" {
		secretHash = sql.NullString{String: client.SecretHash, Valid: true}
	}

	_, err := p.db.Exec(ctx, `
		INSERT INTO oauth_clients (client_id, client_secret_hash, client_name, redirect_uris, grant_types, response_types, token_endpoint_auth_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, client.ClientID, secretHash, client.ClientName, encodeList(client.RedirectURIs), encodeList(client.GrantTypes), encodeList(client.ResponseTypes), client.TokenEndpointAuthMethod, client.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (p *Provider) getClient(ctx context.Context, clientID string) (Client, error) {
	var (
		client        Client
		secretHash    sql.NullString
		redirectURIs  string
		grantTypes    string
		responseTypes string
		createdAt     int64
	)
	err := p.db.QueryFirst(ctx, `
		SELECT client_id, client_secret_hash, client_name, redirect_uris, grant_types, response_types, token_endpoint_auth_method, created_at
		FROM oauth_clients
		WHERE client_id = $1
	`, clientID).Scan(&client.ClientID, &secretHash, &client.ClientName, &redirectURIs, &grantTypes, &responseTypes, &client.TokenEndpointAuthMethod, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Client{}, ErrClientNotFound
		}
		return Client{}, fmt.Errorf("query client: %w", err)
	}

	client.SecretHash = secretHash.String
	client.RedirectURIs = decodeList(redirectURIs)
	client.GrantTypes = decodeList(grantTypes)
	client.ResponseTypes = decodeList(responseTypes)
	client.CreatedAt = time.Unix(createdAt, 0).UTC()
	return client, nil
}

func validateRedirectURIs(uris []string) ([]string, error) {
	if len(uris) == 0 {
		return nil, fmt.Errorf("%w: at least one redirect_uri is required", ErrInvalidRedirectURI)
	}

	out := make([]string, 0, len(uris))
	for _, raw := range uris {
		raw = strings.TrimSpace(raw)
		parsed, err := url.Parse(raw)
		if err != nil || !parsed.IsAbs() || parsed.Host == "" {
			return nil, fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidRedirectURI, raw)
		}
		if parsed.Fragment != "" || strings.Contains(raw, "#") {
			return nil, fmt.Errorf("%w: %q must not contain a fragment", ErrInvalidRedirectURI, raw)
		}
		switch parsed.Scheme {
		case "https":
		case "http":
			if !isLoopbackHost(parsed.Hostname()) {
				return nil, fmt.Errorf("%w: %q must use https unless it targets a loopback address", ErrInvalidRedirectURI, raw)
			}
		default:
			return nil, fmt.Errorf("%w: %q uses an unsupported scheme", ErrInvalidRedirectURI, raw)
		}
		if !slices.Contains(out, raw) {
			out = append(out, raw)
		}
	}
	return out, nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
