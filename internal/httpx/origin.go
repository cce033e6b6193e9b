package httpx

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Proxy says whether X-Forwarded-* headers come from a reverse proxy we
// control. TrustedCount is the number of proxies appending to
// X-Forwarded-For in front of this server.
type Proxy struct {
	Trust        bool
	TrustedCount int
}

type requestSettings struct {
	baseURL string
	proxy   Proxy
}

type settingsKey struct{}

// WithOrigin pins the public origin when baseURL is set and records whether
// forwarded headers may be honored. Without it, forwarded headers are
// ignored.
func WithOrigin(baseURL string, proxy Proxy, next http.Handler) http.Handler {
	settings := requestSettings{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		proxy:   proxy,
	}
	if settings.proxy.TrustedCount <= 0 {
		settings.proxy.TrustedCount = 1
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), settingsKey{}, settings)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func settingsFrom(r *http.Request) requestSettings {
	settings, _ := r.Context().Value(settingsKey{}).(requestSettings)
	return settings
}

// RequestOrigin returns scheme://host for the request.
func RequestOrigin(r *http.Request) string {
	settings := settingsFrom(r)
	if settings.baseURL != "" {
		return settings.baseURL
	}
	return scheme(r, settings.proxy.Trust) + "://" + host(r, settings.proxy.Trust)
}

// IsSecure reports whether the request arrived over https.
func IsSecure(r *http.Request) bool {
	return strings.HasPrefix(RequestOrigin(r), "https://")
}

// ClientIP is the peer address, or the X-Forwarded-For entry added by the
// outermost trusted proxy when proxies are trusted.
func ClientIP(r *http.Request) string {
	proxy := settingsFrom(r).proxy
	if proxy.Trust {
		var hops []string
		for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
			if hop := strings.TrimSpace(part); hop != "" {
				hops = append(hops, hop)
			}
		}
		if len(hops) > 0 {
			index := len(hops) - proxy.TrustedCount
			if index < 0 {
				index = 0
			}
			return hops[index]
		}
	}

	if r.RemoteAddr == "" {
		return "unknown"
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func scheme(r *http.Request, trustProxy bool) string {
	if r.TLS != nil {
		return "https"
	}
	if trustProxy {
		proto := strings.ToLower(strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]))
		if proto == "https" || proto == "http" {
			return proto
		}
	}
	return "http"
}

func host(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Host"), ",")[0]); forwarded != "" {
			return forwarded
		}
	}
	if r.Host != "" {
		return r.Host
	}
	if r.URL != nil && r.URL.Host != "" {
		return r.URL.Host
	}
	return "localhost"
}
