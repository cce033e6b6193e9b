package oauth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epicflare/internal/auth"
	"epicflare/internal/observability"
	"epicflare/internal/session"
)

type fakeHelper struct {
	parseErr    error
	client      *ClientInfo
	lookupErr   error
	completeErr error
	completed   []CompleteAuthorizationOptions
	token       *TokenSummary
}

func (f *fakeHelper) ParseAuthRequest(_ context.Context, query url.Values) (*AuthRequest, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	var scope []string
	if raw := strings.TrimSpace(query.Get("scope")); raw != "" {
		scope = strings.Fields(raw)
	}
	return &AuthRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               scope,
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Resource:            query["resource"],
	}, nil
}

func (f *fakeHelper) LookupClient(_ context.Context, clientID string) (*ClientInfo, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.client == nil || f.client.ClientID != clientID {
		return nil, nil
	}
	return f.client, nil
}

func (f *fakeHelper) CompleteAuthorization(_ context.Context, opts CompleteAuthorizationOptions) (CompleteAuthorizationResult, error) {
	if f.completeErr != nil {
		return CompleteAuthorizationResult{}, f.completeErr
	}
	f.completed = append(f.completed, opts)

	target, _ := url.Parse(opts.Request.RedirectURI)
	q := target.Query()
	q.Set("code", "code-123")
	if opts.Request.State != "" {
		q.Set("state", opts.Request.State)
	}
	target.RawQuery = q.Encode()
	return CompleteAuthorizationResult{RedirectTo: target.String()}, nil
}

func (f *fakeHelper) UnwrapToken(context.Context, string) (*TokenSummary, error) {
	return f.token, nil
}

type fakeUsers struct {
	email    string
	password string
	err      error
	calls    int
}

func (f *fakeUsers) Authenticate(_ context.Context, email, password string) (auth.User, error) {
	f.calls++
	if f.err != nil {
		return auth.User{}, f.err
	}
	if email != f.email || password != f.password {
		return auth.User{}, auth.ErrInvalidCredentials
	}
	return auth.User{ID: 1, Email: email}, nil
}

type fakeSessions struct {
	identity session.Identity
	ok       bool
}

func (f fakeSessions) Read(*http.Request) (session.Identity, bool) {
	return f.identity, f.ok
}

func newAuthorizeFixture() (*AuthorizeHandler, *fakeHelper, *fakeUsers) {
	helper := &fakeHelper{client: &ClientInfo{
		ClientID:                "client-1",
		ClientName:              "Test Client",
		RedirectURIs:            []string{"https://cb.example/x"},
		TokenEndpointAuthMethod: "none",
	}}
	users := &fakeUsers{email: "user@example.com", password: "password123"}
	handler := NewAuthorizeHandler(helper, users, fakeSessions{}, observability.NewLoggerTo(io.Discard))
	return handler, helper, users
}

func authorizeQuery(extra map[string]string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", "client-1")
	q.Set("redirect_uri", "https://cb.example/x")
	q.Set("state", "s1")
	q.Set("code_challenge", "challenge")
	q.Set("code_challenge_method", "S256")
	for k, v := range extra {
		q.Set(k, v)
	}
	return q.Encode()
}

func postAuthorize(h http.Handler, query string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "https://app.example/oauth/authorize?"+query, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthorizeGetRendersForm(t *testing.T) {
	h, _, _ := newAuthorizeFixture()

	query := authorizeQuery(map[string]string{"resource": "https://app.example/mcp"})
	req := httptest.NewRequest(http.MethodGet, "https://app.example/oauth/authorize?"+query, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "Test Client")
	assert.Contains(t, body, "profile, email")
	assert.Contains(t, body, `method="post"`)
	for _, fragment := range []string{"state=s1", "code_challenge=challenge", "code_challenge_method=S256", "client_id=client-1", "resource=https%3a%2f%2fapp.example%2fmcp"} {
		assert.Contains(t, strings.ToLower(body), strings.ToLower(fragment))
	}
}

func TestAuthorizeGetPrefillsSessionEmail(t *testing.T) {
	helper := &fakeHelper{client: &ClientInfo{ClientID: "client-1", RedirectURIs: []string{"https://cb.example/x"}}}
	h := NewAuthorizeHandler(helper, &fakeUsers{}, fakeSessions{identity: session.Identity{ID: "s", Email: "me@example.com"}, ok: true}, observability.NewLoggerTo(io.Discard))

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+authorizeQuery(nil), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `value="me@example.com"`)
	assert.Contains(t, rec.Body.String(), `name="password"`)
}

func TestAuthorizeRejectsMissingClientOrRedirect(t *testing.T) {
	h, _, _ := newAuthorizeFixture()

	for _, query := range []string{
		"response_type=code&redirect_uri=https%3A%2F%2Fcb.example%2Fx",
		"response_type=code&client_id=client-1",
	} {
		req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+query, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
		assert.Empty(t, rec.Header().Get("Location"))
	}
}

func TestAuthorizeRejectsParseFailureAndUnknownClient(t *testing.T) {
	h, helper, _ := newAuthorizeFixture()

	helper.parseErr = errors.New("redirect_uri not registered")
	rec := postAuthorize(h, authorizeQuery(nil), url.Values{"decision": {"deny"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))

	helper.parseErr = nil
	rec = postAuthorize(h, authorizeQuery(map[string]string{"client_id": "unknown"}), url.Values{"decision": {"deny"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Contains(t, rec.Body.String(), "Unknown client.")
}

func TestAuthorizeLookupFailureIsServerError(t *testing.T) {
	h, helper, _ := newAuthorizeFixture()
	helper.lookupErr = errors.New("db down")

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+authorizeQuery(nil), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAuthorizeDeny(t *testing.T) {
	h, helper, users := newAuthorizeFixture()

	rec := postAuthorize(h, authorizeQuery(nil), url.Values{"decision": {"deny"}})

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://cb.example/x?error=access_denied&state=s1", rec.Header().Get("Location"))
	assert.Empty(t, helper.completed)
	assert.Zero(t, users.calls)
}

func TestAuthorizeApprove(t *testing.T) {
	h, helper, _ := newAuthorizeFixture()

	rec := postAuthorize(h, authorizeQuery(nil), url.Values{
		"decision": {"approve"},
		"email":    {" User@Example.com "},
		"password": {"password123"},
	})

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, location.Query().Get("code"))
	assert.Equal(t, "s1", location.Query().Get("state"))

	require.Len(t, helper.completed, 1)
	opts := helper.completed[0]
	assert.Equal(t, []string{"profile", "email"}, opts.Scope)
	assert.Equal(t, SubjectForEmail("user@example.com"), opts.UserID)
	assert.Len(t, opts.UserID, 64)
	assert.Equal(t, Props{UserID: opts.UserID, Email: "user@example.com", DisplayName: "user"}, opts.Props)
	assert.Equal(t, map[string]string{"email": "user@example.com", "clientId": "client-1"}, opts.Metadata)
	assert.Equal(t, "challenge", opts.Request.CodeChallenge)
}

func TestAuthorizeApproveRequiresCredentials(t *testing.T) {
	h, helper, users := newAuthorizeFixture()

	rec := postAuthorize(h, authorizeQuery(nil), url.Values{
		"decision": {"approve"},
		"email":    {"user@example.com"},
		"password": {""},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `value="user@example.com"`)
	assert.Contains(t, rec.Body.String(), "Email and password are required.")
	assert.Empty(t, helper.completed)
	assert.Zero(t, users.calls)
}

func TestAuthorizeApproveWrongPassword(t *testing.T) {
	h, helper, _ := newAuthorizeFixture()

	rec := postAuthorize(h, authorizeQuery(nil), url.Values{
		"decision": {"approve"},
		"email":    {"user@example.com"},
		"password": {"hunter2-secret"},
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid email or password.")
	assert.NotContains(t, rec.Body.String(), "hunter2-secret")
	assert.Empty(t, helper.completed)
}

func TestAuthorizeUnsupportedScope(t *testing.T) {
	h, helper, _ := newAuthorizeFixture()

	rec := postAuthorize(h, authorizeQuery(map[string]string{"scope": "profile admin"}), url.Values{
		"decision": {"approve"},
		"email":    {"user@example.com"},
		"password": {"password123"},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "admin")
	assert.Empty(t, helper.completed)
}

func TestAuthorizeUnknownDecision(t *testing.T) {
	h, helper, _ := newAuthorizeFixture()

	rec := postAuthorize(h, authorizeQuery(nil), url.Values{"decision": {"maybe"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, helper.completed)
}

func TestAuthorizeCompleteFailure(t *testing.T) {
	h, helper, _ := newAuthorizeFixture()
	helper.completeErr = errors.New("write failed")

	rec := postAuthorize(h, authorizeQuery(nil), url.Values{
		"decision": {"approve"},
		"email":    {"user@example.com"},
		"password": {"password123"},
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestResolveScopes(t *testing.T) {
	scopes, invalid := ResolveScopes(nil)
	assert.Equal(t, []string{"profile", "email"}, scopes)
	assert.Empty(t, invalid)

	scopes, invalid = ResolveScopes([]string{"email"})
	assert.Equal(t, []string{"email"}, scopes)
	assert.Empty(t, invalid)

	scopes, invalid = ResolveScopes([]string{"email", "admin", "write"})
	assert.Nil(t, scopes)
	assert.Equal(t, []string{"admin", "write"}, invalid)
}

func TestSubjectForEmailIsStable(t *testing.T) {
	assert.Equal(t, SubjectForEmail("user@example.com"), SubjectForEmail("  USER@example.com"))
	assert.Equal(t, "b4c9a289323b21a01c3e940f150eb9b8c542587f1abfd8f0e1cc1ffc5e475514", SubjectForEmail("user@example.com"))
}
