package oauthprovider

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"epicflare/internal/db"
	"epicflare/internal/observability"
)

const (
	defaultCodeTTL    = 10 * time.Minute
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour

	tokenKindAccess  = "access"
	tokenKindRefresh = "refresh"
)

var (
	ErrInvalidRequest        = errors.New("invalid_request")
	ErrInvalidClient         = errors.New("invalid_client")
	ErrInvalidGrant          = errors.New("invalid_grant")
	ErrInvalidScope          = errors.New("invalid_scope")
	ErrUnsupportedGrantType  = errors.New("unsupported_grant_type")
	ErrInvalidRedirectURI    = errors.New("invalid_redirect_uri")
	ErrInvalidClientMetadata = errors.New("invalid_client_metadata")
	ErrClientNotFound        = errors.New("client not found")
)

type Config struct {
	CodeTTL             time.Duration
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	AllowDynamicClients bool
}

// Provider is the database-backed authorization server: client registry,
// authorization codes, and bearer tokens. Codes and tokens are stored only
// as SHA-256 hashes.
type Provider struct {
	db     db.Database
	logger *observability.Logger

	codeTTL      time.Duration
	accessTTL    time.Duration
	refreshTTL   time.Duration
	allowDynamic bool

	now func() time.Time
}

func NewProvider(database db.Database, cfg Config, logger *observability.Logger) *Provider {
	p := &Provider{
		db:           database,
		logger:       logger,
		codeTTL:      defaultCodeTTL,
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		allowDynamic: cfg.AllowDynamicClients,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if cfg.CodeTTL > 0 {
		p.codeTTL = cfg.CodeTTL
	}
	if cfg.AccessTokenTTL > 0 {
		p.accessTTL = cfg.AccessTokenTTL
	}
	if cfg.RefreshTokenTTL > 0 {
		p.refreshTTL = cfg.RefreshTokenTTL
	}
	return p
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func encodeList(values []string) string {
	if values == nil {
		values = []string{}
	}
	encoded, _ := json.Marshal(values)
	return string(encoded)
}

func decodeList(raw string) []string {
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}

// errorCode maps a provider error to its RFC 6749 error code and status.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, ErrInvalidClient):
		return "invalid_client", http.StatusUnauthorized
	case errors.Is(err, ErrInvalidGrant):
		return "invalid_grant", http.StatusBadRequest
	case errors.Is(err, ErrInvalidScope):
		return "invalid_scope", http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedGrantType):
		return "unsupported_grant_type", http.StatusBadRequest
	case errors.Is(err, ErrInvalidRedirectURI):
		return "invalid_redirect_uri", http.StatusBadRequest
	case errors.Is(err, ErrInvalidClientMetadata):
		return "invalid_client_metadata", http.StatusBadRequest
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request", http.StatusBadRequest
	default:
		return "server_error", http.StatusInternalServerError
	}
}

func writeOAuthError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	description := strings.TrimPrefix(err.Error(), code+": ")
	if status == http.StatusInternalServerError {
		description = "Internal Server Error"
	}

	body := map[string]string{"error": code}
	if description != "" && description != code {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
