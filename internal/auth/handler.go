package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"epicflare/internal/httpx"
	"epicflare/internal/observability"
	"epicflare/internal/session"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	codec   *session.Codec
	logger  *observability.Logger
}

func NewHandler(service *Service, codec *session.Codec, logger *observability.Logger) *Handler {
	return &Handler{service: service, codec: codec, logger: logger}
}

type authRequest struct {
	Email    string
	Password string
	Mode     Mode
}

// parseAuthRequest accepts any JSON document. Fields that are missing or
// not strings come back empty and fail validation.
func parseAuthRequest(payload any) authRequest {
	fields, _ := payload.(map[string]any)
	text := func(name string) string {
		value, _ := fields[name].(string)
		return value
	}
	return authRequest{Email: text("email"), Password: text("password"), Mode: Mode(text("mode"))}
}

type authResponse struct {
	OK   bool `json:"ok"`
	Mode Mode `json:"mode"`
}

type sessionInfo struct {
	Email string `json:"email"`
}

type sessionResponse struct {
	OK      bool         `json:"ok"`
	Session *sessionInfo `json:"session,omitempty"`
}

func (h *Handler) Auth(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload.")
		return
	}
	body := parseAuthRequest(payload)

	email := NormalizeEmail(body.Email)
	if email == "" || body.Password == "" || !body.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "Email, password, and mode are required.")
		return
	}

	var (
		user User
		err  error
	)
	switch body.Mode {
	case ModeSignup:
		user, err = h.service.Signup(r.Context(), email, body.Password)
		if err != nil {
			if errors.Is(err, ErrEmailTaken) {
				writeError(w, http.StatusConflict, "Email already in use.")
				return
			}
			observability.CaptureError(h.logger, "signup_failed", err, nil)
			writeError(w, http.StatusInternalServerError, "Unable to create account.")
			return
		}
	default:
		user, err = h.service.Authenticate(r.Context(), email, body.Password)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				writeError(w, http.StatusUnauthorized, "Invalid email or password.")
				return
			}
			observability.CaptureError(h.logger, "login_failed", err, nil)
			writeError(w, http.StatusInternalServerError, "Unable to sign in.")
			return
		}
	}

	identity, err := session.NewIdentity(user.Email)
	if err != nil {
		observability.CaptureError(h.logger, "session_id_failed", err, nil)
		writeError(w, http.StatusInternalServerError, "Unable to sign in.")
		return
	}
	cookie, err := h.codec.CreateCookie(identity, httpx.IsSecure(r))
	if err != nil {
		observability.CaptureError(h.logger, "session_cookie_failed", err, nil)
		writeError(w, http.StatusInternalServerError, "Unable to sign in.")
		return
	}

	http.SetCookie(w, cookie)
	writeJSON(w, http.StatusOK, authResponse{OK: true, Mode: body.Mode})
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.codec.Read(r)
	if !ok {
		writeJSON(w, http.StatusOK, sessionResponse{OK: false})
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{OK: true, Session: &sessionInfo{Email: identity.Email}})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.codec.DestroyCookie(httpx.IsSecure(r)))
	http.Redirect(w, r, "/login", http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func fmtInt(value int) string {
	return strconv.Itoa(value)
}
