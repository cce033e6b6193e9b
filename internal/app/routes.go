package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"epicflare/internal/auth"
	"epicflare/internal/config"
	"epicflare/internal/db"
	"epicflare/internal/httpx"
	"epicflare/internal/maintenance"
	"epicflare/internal/oauth"
	"epicflare/internal/oauthprovider"
	"epicflare/internal/observability"
	"epicflare/internal/session"
	"epicflare/internal/toolserver"
)

type Deps struct {
	Config   config.Config
	Database db.Database
	Logger   *observability.Logger
}

// NewHandler wires every route onto one mux. The schema is ensured lazily
// on the first request that needs the database.
func NewHandler(ctx context.Context, deps Deps) (http.Handler, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger()
	}

	codec, err := session.NewCodec(cfg.CookieSecret, cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("init session codec: %w", err)
	}

	authService := auth.NewService(auth.NewRepository(deps.Database), logger)
	authHandler := auth.NewHandler(authService, codec, logger)

	provider := oauthprovider.NewProvider(deps.Database, oauthprovider.Config{
		CodeTTL:             cfg.OAuthCodeTTL,
		AccessTokenTTL:      cfg.OAuthAccessTTL,
		RefreshTokenTTL:     cfg.OAuthRefreshTTL,
		AllowDynamicClients: cfg.OAuthAllowDynamic,
	}, logger)

	if cfg.OAuthClientsFile != "" {
		if err := deps.Database.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		count, err := provider.LoadClientsFile(ctx, cfg.OAuthClientsFile)
		if err != nil {
			return nil, fmt.Errorf("load oauth clients: %w", err)
		}
		logger.Info("oauth_clients_loaded", map[string]any{"count": count, "path": cfg.OAuthClientsFile})
	}

	authorizeHandler := oauth.NewAuthorizeHandler(provider, authService, codec, logger)
	cleanupHandler := maintenance.NewCleanupHandler(provider, logger, cfg.CronSecret, cfg.CleanupBatchSize)
	mcpHandler := toolserver.NewGate(provider, toolserver.NewHTTPHandler(), logger)

	credentialLimiter := auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)
	registrationLimiter := auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)

	mux := http.NewServeMux()
	mux.Handle("POST /auth", credentialLimiter.Middleware(http.HandlerFunc(authHandler.Auth)))
	mux.HandleFunc("GET /session", authHandler.Session)
	mux.HandleFunc("POST /logout", authHandler.Logout)

	mux.Handle("GET /oauth/authorize", authorizeHandler)
	mux.Handle("POST /oauth/authorize", credentialLimiter.Middleware(authorizeHandler))
	mux.HandleFunc("GET /oauth/callback", oauth.CallbackHandler)
	mux.HandleFunc("POST /oauth/token", provider.TokenHandler)
	mux.Handle("POST /oauth/register", registrationLimiter.Middleware(http.HandlerFunc(provider.RegisterHandler)))

	mux.HandleFunc("GET /.well-known/oauth-authorization-server", provider.MetadataHandler)
	mux.HandleFunc("GET "+oauth.ProtectedResourcePath, oauth.ProtectedResourceHandler)
	mux.HandleFunc("GET "+oauth.ProtectedResourcePath+oauth.ResourcePath, oauth.ProtectedResourceHandler)

	mux.Handle(oauth.ResourcePath, mcpHandler)

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(deps.Database))

	handler := schemaMiddleware(deps.Database, logger, mux)
	handler = observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, handler))
	return httpx.WithOrigin(cfg.BaseURL, httpx.Proxy{Trust: cfg.TrustProxy, TrustedCount: cfg.TrustedProxyCount}, handler), nil
}

func schemaMiddleware(database db.Database, logger *observability.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			if err := database.EnsureSchema(r.Context()); err != nil {
				observability.CaptureError(logger, "ensure_schema_failed", err, map[string]any{"path": r.URL.Path})
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func healthHandler(database db.Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		writeJSON(w, status, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
