// Package loopback runs the OAuth 2.0 Authorization Code + PKCE flow as a
// native client, receiving the redirect on a 127.0.0.1 listener.
package loopback

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const callbackPath = "/callback"

var (
	ErrStateMismatch = errors.New("oauth state mismatch")
	ErrDenied        = errors.New("authorization denied")
)

type Options struct {
	// Server is the origin of the authorization server.
	Server     string
	ClientID   string
	ClientName string
	Scopes     []string
	// Resource defaults to Server + "/mcp".
	Resource string
	Port     int
	Timeout  time.Duration
	// Open is called with the authorization URL; usually it launches a
	// browser or prints the URL.
	Open       func(authURL string) error
	HTTPClient *http.Client
}

type Result struct {
	ClientID string
	Token    *oauth2.Token
}

type serverMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint"`
}

type callbackResult struct {
	code string
	err  error
}

func Authorize(ctx context.Context, opts Options) (Result, error) {
	server := strings.TrimRight(strings.TrimSpace(opts.Server), "/")
	if server == "" {
		return Result{}, errors.New("server is required")
	}
	if opts.Open == nil {
		return Result{}, errors.New("open callback is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	resource := opts.Resource
	if resource == "" {
		resource = server + "/mcp"
	}

	metadata, err := discover(ctx, httpClient, server)
	if err != nil {
		return Result{}, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", opts.Port))
	if err != nil {
		return Result{}, fmt.Errorf("listen for callback: %w", err)
	}
	defer listener.Close()
	redirectURL := fmt.Sprintf("http://%s%s", listener.Addr().String(), callbackPath)

	clientID := opts.ClientID
	if clientID == "" {
		if metadata.RegistrationEndpoint == "" {
			return Result{}, errors.New("server does not support dynamic registration; pass a client id")
		}
		clientID, err = register(ctx, httpClient, metadata.RegistrationEndpoint, redirectURL, opts.ClientName)
		if err != nil {
			return Result{}, err
		}
	}

	cfg := &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURL,
		Scopes:      opts.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   metadata.AuthorizationEndpoint,
			TokenURL:  metadata.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	state, err := randomState()
	if err != nil {
		return Result{}, err
	}
	verifier := oauth2.GenerateVerifier()
	authURL := cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("resource", resource),
	)

	results := make(chan callbackResult, 1)
	callbackServer := &http.Server{
		Handler:           callbackHandler(state, results),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() { _ = callbackServer.Serve(listener) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = callbackServer.Shutdown(shutdownCtx)
	}()

	if err := opts.Open(authURL); err != nil {
		return Result{}, fmt.Errorf("open authorization url: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var code string
	select {
	case <-waitCtx.Done():
		return Result{}, fmt.Errorf("wait for callback: %w", waitCtx.Err())
	case res := <-results:
		if res.err != nil {
			return Result{}, res.err
		}
		code = res.code
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	token, err := cfg.Exchange(exchangeCtx, code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("resource", resource),
	)
	if err != nil {
		return Result{}, fmt.Errorf("exchange code: %w", err)
	}

	return Result{ClientID: clientID, Token: token}, nil
}

func callbackHandler(state string, results chan<- callbackResult) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		var res callbackResult
		switch {
		case query.Get("state") != state:
			res.err = ErrStateMismatch
		case query.Get("error") != "":
			res.err = fmt.Errorf("%w: %s %s", ErrDenied, query.Get("error"), query.Get("error_description"))
		case query.Get("code") == "":
			res.err = errors.New("callback is missing the code")
		default:
			res.code = query.Get("code")
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if res.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, "Authorization failed. You can close this window.\n")
		} else {
			_, _ = io.WriteString(w, "Authorization complete. You can close this window.\n")
		}

		select {
		case results <- res:
		default:
		}
	})
	return mux
}

func discover(ctx context.Context, client *http.Client, server string) (serverMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/.well-known/oauth-authorization-server", nil)
	if err != nil {
		return serverMetadata{}, fmt.Errorf("build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var metadata serverMetadata
	if err := doJSON(client, req, http.StatusOK, &metadata); err != nil {
		return serverMetadata{}, fmt.Errorf("discover authorization server: %w", err)
	}
	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return serverMetadata{}, errors.New("authorization server metadata is missing endpoints")
	}
	return metadata, nil
}

func register(ctx context.Context, client *http.Client, endpoint, redirectURL, clientName string) (string, error) {
	if clientName == "" {
		clientName = "epicflare cli"
	}
	body, err := json.Marshal(map[string]any{
		"redirect_uris":              []string{redirectURL},
		"client_name":                clientName,
		"token_endpoint_auth_method": "none",
		"grant_types":                []string{"authorization_code", "refresh_token"},
	})
	if err != nil {
		return "", fmt.Errorf("encode registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var registered struct {
		ClientID string `json:"client_id"`
	}
	if err := doJSON(client, req, http.StatusCreated, &registered); err != nil {
		return "", fmt.Errorf("register client: %w", err)
	}
	if registered.ClientID == "" {
		return "", errors.New("registration response is missing client_id")
	}
	return registered.ClientID, nil
}

func doJSON(client *http.Client, req *http.Request, wantStatus int, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != wantStatus {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
