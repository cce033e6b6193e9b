package observability

import (
	"net/http"
	"net/url"
	"time"

	"github.com/getsentry/sentry-go"
)

const sentryFlushTimeout = 2 * time.Second

const redacted = "[redacted]"

type SentryOptions struct {
	DSN         string
	Environment string
	Release     string
}

// InitSentry is a no-op without a DSN. Events never carry credentials:
// bearer tokens, session cookies and OAuth secrets are redacted before send.
func InitSentry(opts SentryOptions) error {
	if opts.DSN == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			scrubRequest(event.Request)
			return event
		},
	})
}

// FlushSentry waits for buffered events and reports whether all were sent.
func FlushSentry() bool {
	if sentry.CurrentHub().Client() == nil {
		return true
	}
	return sentry.Flush(sentryFlushTimeout)
}

var sensitiveParams = []string{"code", "code_verifier", "client_secret", "refresh_token", "password", "state"}

func scrubRequest(req *sentry.Request) {
	if req == nil {
		return
	}

	for name := range req.Headers {
		switch http.CanonicalHeaderKey(name) {
		case "Authorization", "Cookie", "Set-Cookie":
			req.Headers[name] = redacted
		}
	}
	if req.Cookies != "" {
		req.Cookies = redacted
	}
	req.QueryString = scrubQuery(req.QueryString)
	if req.Data != "" {
		req.Data = redacted
	}
}

func scrubQuery(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return redacted
	}
	changed := false
	for _, name := range sensitiveParams {
		if values.Has(name) {
			values.Set(name, redacted)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	return values.Encode()
}
