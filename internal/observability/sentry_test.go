package observability

import (
	"net/url"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitSentryWithoutDSN(t *testing.T) {
	assert.NoError(t, InitSentry(SentryOptions{Environment: "test"}))
	assert.True(t, FlushSentry())
}

func TestScrubRequestRedactsCredentials(t *testing.T) {
	req := &sentry.Request{
		URL:         "https://app.example/oauth/authorize",
		QueryString: "client_id=cli&code=abc&state=xyz",
		Cookies:     "epicflare_session=secret",
		Data:        "email=user%40example.com&password=hunter2",
		Headers: map[string]string{
			"authorization": "Bearer token",
			"Cookie":        "epicflare_session=secret",
			"Accept":        "application/json",
		},
	}

	scrubRequest(req)

	assert.Equal(t, redacted, req.Headers["authorization"])
	assert.Equal(t, redacted, req.Headers["Cookie"])
	assert.Equal(t, "application/json", req.Headers["Accept"])
	assert.Equal(t, redacted, req.Cookies)
	assert.Equal(t, redacted, req.Data)

	query, err := url.ParseQuery(req.QueryString)
	require.NoError(t, err)
	assert.Equal(t, "cli", query.Get("client_id"))
	assert.Equal(t, redacted, query.Get("code"))
	assert.Equal(t, redacted, query.Get("state"))

	assert.NotPanics(t, func() { scrubRequest(nil) })
}

func TestScrubQueryLeavesPlainQueriesAlone(t *testing.T) {
	assert.Equal(t, "b=2&a=1", scrubQuery("b=2&a=1"))
	assert.Equal(t, "", scrubQuery(""))
}
