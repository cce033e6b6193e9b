package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"epicflare/internal/config"
	"epicflare/internal/db/dbtest"
	"epicflare/internal/observability"
	"epicflare/internal/session"
)

const testRedirect = "http://127.0.0.1:8976/callback"

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *httptest.Server {
	t.Helper()

	cfg, err := config.Load(func(name string) string {
		switch name {
		case "DATABASE_URL":
			return "sqlite::memory:"
		case "COOKIE_SECRET":
			return "0123456789abcdef0123456789abcdef"
		case "CRON_SECRET":
			return "cron-secret"
		}
		return ""
	})
	require.NoError(t, err)
	for _, fn := range mutate {
		fn(&cfg)
	}

	handler, err := NewHandler(context.Background(), Deps{
		Config:   cfg,
		Database: dbtest.New(t),
		Logger:   observability.NewLoggerTo(io.Discard),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func noRedirectClient(srv *httptest.Server) *http.Client {
	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return client
}

func signup(t *testing.T, srv *httptest.Server, email, password string) *http.Cookie {
	t.Helper()

	body := `{"email":"` + email + `","password":"` + password + `","mode":"signup"}`
	resp, err := srv.Client().Post(srv.URL+"/auth", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName {
			return c
		}
	}
	t.Fatal("signup did not set a session cookie")
	return nil
}

func registerClient(t *testing.T, srv *httptest.Server) string {
	t.Helper()

	body := `{"redirect_uris":["` + testRedirect + `"],"token_endpoint_auth_method":"none","client_name":"Test CLI"}`
	resp, err := srv.Client().Post(srv.URL+"/oauth/register", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.ClientID
}

func oauthConfig(srv *httptest.Server, clientID string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: testRedirect,
		Scopes:      []string{"profile", "email"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/oauth/authorize",
			TokenURL:  srv.URL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// approve submits the consent form and returns the callback redirect.
func approve(t *testing.T, srv *httptest.Server, authURL, email, password string) *url.URL {
	t.Helper()

	form := url.Values{"decision": {"approve"}, "email": {email}, "password": {password}}
	resp, err := noRedirectClient(srv).PostForm(authURL, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return location
}

func mcpCall(t *testing.T, srv *httptest.Server, token, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAuthorizationCodeFlowToMCP(t *testing.T) {
	srv := newTestServer(t)
	signup(t, srv, "user@example.com", "password123")
	clientID := registerClient(t, srv)
	cfg := oauthConfig(srv, clientID)

	verifier := oauth2.GenerateVerifier()
	authURL := cfg.AuthCodeURL("state-1",
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("resource", srv.URL+"/mcp"),
	)

	resp, err := srv.Client().Get(authURL)
	require.NoError(t, err)
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(page), "Test CLI")

	location := approve(t, srv, authURL, "user@example.com", "password123")
	assert.Equal(t, "state-1", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, srv.Client())
	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	require.NotEmpty(t, token.AccessToken)
	assert.NotEmpty(t, token.RefreshToken)

	initResp := mcpCall(t, srv, token.AccessToken, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`)
	initBody, err := io.ReadAll(initResp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, initResp.StatusCode, string(initBody))
	assert.Contains(t, string(initBody), "serverInfo")

	whoamiResp := mcpCall(t, srv, token.AccessToken, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"whoami","arguments":{}}}`)
	whoamiBody, err := io.ReadAll(whoamiResp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, whoamiResp.StatusCode, string(whoamiBody))
	assert.Contains(t, string(whoamiBody), "user@example.com")

	refreshed, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken, Expiry: time.Now().Add(-time.Minute)}).Token()
	require.NoError(t, err)
	assert.NotEqual(t, token.AccessToken, refreshed.AccessToken)
}

func TestMCPRequiresBearer(t *testing.T) {
	srv := newTestServer(t)

	resp := mcpCall(t, srv, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `resource_metadata="`+srv.URL+`/.well-known/oauth-protected-resource"`)

	resp = mcpCall(t, srv, "not-a-token", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthorizeDenyRedirects(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerClient(t, srv)
	authURL := oauthConfig(srv, clientID).AuthCodeURL("s1", oauth2.S256ChallengeOption(oauth2.GenerateVerifier()))

	resp, err := noRedirectClient(srv).PostForm(authURL, url.Values{"decision": {"deny"}})
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, testRedirect+"?error=access_denied&state=s1", resp.Header.Get("Location"))
}

func TestDiscoveryDocuments(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var as map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&as))
	assert.Equal(t, srv.URL, as["issuer"])
	assert.Equal(t, srv.URL+"/oauth/register", as["registration_endpoint"])

	for _, path := range []string{"/.well-known/oauth-protected-resource", "/.well-known/oauth-protected-resource/mcp"} {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		var pr map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&pr))
		_ = resp.Body.Close()
		assert.Equal(t, srv.URL+"/mcp", pr["resource"], path)
	}
}

func TestBaseURLOverridesRequestOrigin(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) { cfg.BaseURL = "https://app.example" })

	resp, err := srv.Client().Get(srv.URL + "/.well-known/oauth-protected-resource")
	require.NoError(t, err)
	defer resp.Body.Close()
	var pr map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pr))
	assert.Equal(t, "https://app.example/mcp", pr["resource"])
}

func TestForwardedHostNeedsTrustedProxy(t *testing.T) {
	resourceFor := func(srv *httptest.Server) any {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/.well-known/oauth-protected-resource", nil)
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-Host", "other.example")
		req.Header.Set("X-Forwarded-Proto", "https")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var pr map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&pr))
		return pr["resource"]
	}

	direct := newTestServer(t)
	assert.Equal(t, direct.URL+"/mcp", resourceFor(direct))

	proxied := newTestServer(t, func(cfg *config.Config) { cfg.TrustProxy = true })
	assert.Equal(t, "https://other.example/mcp", resourceFor(proxied))
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	cookie := signup(t, srv, "user@example.com", "password123")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/session", nil)
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.JSONEq(t, `{"ok":true,"session":{"email":"user@example.com"}}`, string(body))

	req, err = http.NewRequest(http.MethodPost, srv.URL+"/logout", nil)
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err = noRedirectClient(srv).Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestHealthAndCleanup(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/internal/maintenance/cleanup", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer cron-secret")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
