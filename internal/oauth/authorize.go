package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"epicflare/internal/auth"
	"epicflare/internal/observability"
	"epicflare/internal/session"
)

const maxFormBytes = 64 << 10

// replayedParams survive the login form round trip via the form action.
var replayedParams = []string{
	"response_type",
	"client_id",
	"redirect_uri",
	"scope",
	"state",
	"code_challenge",
	"code_challenge_method",
	"resource",
}

type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (auth.User, error)
}

type SessionReader interface {
	Read(r *http.Request) (session.Identity, bool)
}

type AuthorizeHandler struct {
	helper   Helper
	users    Authenticator
	sessions SessionReader
	logger   *observability.Logger
}

func NewAuthorizeHandler(helper Helper, users Authenticator, sessions SessionReader, logger *observability.Logger) *AuthorizeHandler {
	return &AuthorizeHandler{helper: helper, users: users, sessions: sessions, logger: logger}
}

func (h *AuthorizeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.helper == nil {
		renderError(w, http.StatusBadRequest, "Authorization is not available.")
		return
	}

	query := r.URL.Query()
	if strings.TrimSpace(query.Get("client_id")) == "" || strings.TrimSpace(query.Get("redirect_uri")) == "" {
		renderError(w, http.StatusBadRequest, "Missing client_id or redirect_uri.")
		return
	}

	authReq, err := h.helper.ParseAuthRequest(r.Context(), query)
	if err != nil || authReq == nil {
		h.logger.Warn("oauth_authorize_invalid_request", map[string]any{
			"client_id": query.Get("client_id"),
			"error":     errString(err),
		})
		renderError(w, http.StatusBadRequest, "Invalid authorization request.")
		return
	}

	client, err := h.helper.LookupClient(r.Context(), authReq.ClientID)
	if err != nil {
		observability.CaptureError(h.logger, "oauth_client_lookup_failed", err, map[string]any{"client_id": authReq.ClientID})
		renderError(w, http.StatusInternalServerError, "Unable to load the requesting application.")
		return
	}
	if client == nil {
		renderError(w, http.StatusBadRequest, "Unknown client.")
		return
	}

	page := authorizePage{
		ClientName: clientName(client),
		Scopes:     effectiveScopes(authReq.Scope),
		Action:     formAction(r.URL.Path, query),
	}

	switch r.Method {
	case http.MethodGet:
		if h.sessions != nil {
			if identity, ok := h.sessions.Read(r); ok {
				page.Email = identity.Email
			}
		}
		renderPage(w, http.StatusOK, "authorize.html", page)
	case http.MethodPost:
		h.handleDecision(w, r, authReq, page)
	default:
		w.Header().Set("Allow", "GET, POST")
		renderError(w, http.StatusMethodNotAllowed, "Method not allowed.")
	}
}

func (h *AuthorizeHandler) handleDecision(w http.ResponseWriter, r *http.Request, authReq *AuthRequest, page authorizePage) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		page.Error = "Invalid form submission."
		renderPage(w, http.StatusBadRequest, "authorize.html", page)
		return
	}

	form := r.PostForm
	page.Email = strings.TrimSpace(form.Get("email"))

	switch form.Get("decision") {
	case "deny":
		http.Redirect(w, r, redirectWithError(authReq.RedirectURI, "access_denied", authReq.State), http.StatusFound)
		return
	case "approve":
	default:
		page.Error = "Choose whether to approve or deny this request."
		renderPage(w, http.StatusBadRequest, "authorize.html", page)
		return
	}

	email := auth.NormalizeEmail(form.Get("email"))
	plainPassword := form.Get("password")
	if email == "" || plainPassword == "" {
		page.Error = "Email and password are required."
		renderPage(w, http.StatusBadRequest, "authorize.html", page)
		return
	}

	if _, err := h.users.Authenticate(r.Context(), email, plainPassword); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			page.Error = "Invalid email or password."
			renderPage(w, http.StatusUnauthorized, "authorize.html", page)
			return
		}
		observability.CaptureError(h.logger, "oauth_authenticate_failed", err, nil)
		page.Error = "Unable to sign in."
		renderPage(w, http.StatusInternalServerError, "authorize.html", page)
		return
	}

	scopes, invalid := ResolveScopes(authReq.Scope)
	if len(invalid) > 0 {
		page.Error = "Unsupported scope: " + strings.Join(invalid, ", ")
		renderPage(w, http.StatusBadRequest, "authorize.html", page)
		return
	}

	userID := SubjectForEmail(email)
	result, err := h.helper.CompleteAuthorization(r.Context(), CompleteAuthorizationOptions{
		Request: *authReq,
		UserID:  userID,
		Metadata: map[string]string{
			"email":    email,
			"clientId": authReq.ClientID,
		},
		Scope: scopes,
		Props: Props{
			UserID:      userID,
			Email:       email,
			DisplayName: displayName(email),
		},
	})
	if err != nil {
		observability.CaptureError(h.logger, "oauth_complete_authorization_failed", err, map[string]any{"client_id": authReq.ClientID})
		renderError(w, http.StatusInternalServerError, "Unable to complete authorization.")
		return
	}

	h.logger.Info("oauth_authorization_granted", map[string]any{
		"client_id": authReq.ClientID,
		"scope":     strings.Join(scopes, " "),
	})
	http.Redirect(w, r, result.RedirectTo, http.StatusFound)
}

// ResolveScopes applies the default scope set to an empty request and
// returns any requested scopes outside SupportedScopes.
func ResolveScopes(requested []string) ([]string, []string) {
	if len(requested) == 0 {
		return append([]string(nil), SupportedScopes...), nil
	}

	var invalid []string
	for _, scope := range requested {
		if !slices.Contains(SupportedScopes, scope) {
			invalid = append(invalid, scope)
		}
	}
	if len(invalid) > 0 {
		return nil, invalid
	}
	return append([]string(nil), requested...), nil
}

// SubjectForEmail is the OAuth subject for an account: the hex SHA-256 of
// the normalized email.
func SubjectForEmail(email string) string {
	sum := sha256.Sum256([]byte(auth.NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}

func effectiveScopes(requested []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), SupportedScopes...)
	}
	return requested
}

func displayName(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}

func clientName(client *ClientInfo) string {
	if strings.TrimSpace(client.ClientName) != "" {
		return client.ClientName
	}
	return client.ClientID
}

func formAction(path string, query url.Values) string {
	replay := url.Values{}
	for _, key := range replayedParams {
		if values, ok := query[key]; ok {
			replay[key] = append([]string(nil), values...)
		}
	}
	if len(replay) == 0 {
		return path
	}
	return path + "?" + replay.Encode()
}

func redirectWithError(redirectURI, code, state string) string {
	target, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}

	params := target.Query()
	params.Set("error", code)
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	return target.String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
