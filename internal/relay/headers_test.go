package relay

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"relay_gateway/internal/accounts"
)

func TestBuildRequestHeadersBaseSetAndAuth(t *testing.T) {
	acct := &accounts.Account{AuthType: accounts.AuthTypeBearer, APIKey: "sk-live"}

	h := BuildRequestHeaders(acct, http.Header{})

	assert.Equal(t, "relay-gateway/1.0", h.Get("User-Agent"))
	assert.Equal(t, "text/event-stream,application/json", h.Get("Accept"))
	assert.Equal(t, "responses=experimental", h.Get("OpenAI-Beta"))
	assert.Equal(t, "Bearer sk-live", h.Get("Authorization"))
	assert.Empty(t, h.Get("x-api-key"), "exactly one auth header form")
}

func TestBuildRequestHeadersAPIKeyAuth(t *testing.T) {
	acct := &accounts.Account{AuthType: accounts.AuthTypeAPIKey, APIKey: "sk-live"}

	h := BuildRequestHeaders(acct, http.Header{})

	assert.Equal(t, "sk-live", h.Get("x-api-key"))
	assert.Empty(t, h.Get("Authorization"))
}

func TestBuildRequestHeadersForwardsOnlyAllowListed(t *testing.T) {
	acct := &accounts.Account{AuthType: accounts.AuthTypeBearer, APIKey: "sk"}
	inbound := http.Header{}
	inbound.Set("session_id", "sess-42")
	inbound.Set("Content-Type", "application/json")
	inbound.Set("Authorization", "Bearer caller-credential")
	inbound.Set("X-Custom-Caller", "nope")
	inbound.Set("Host", "evil.example")
	inbound.Set("Content-Length", "999")

	h := BuildRequestHeaders(acct, inbound)

	assert.Equal(t, "sess-42", h.Get("session_id"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "Bearer sk", h.Get("Authorization"), "caller credential never leaks upstream")
	assert.Empty(t, h.Get("X-Custom-Caller"))
	assert.Empty(t, h.Get("Host"))
	assert.Empty(t, h.Get("Content-Length"))
}

func TestBuildRequestHeadersCustomHeadersApplyLast(t *testing.T) {
	acct := &accounts.Account{
		AuthType: accounts.AuthTypeBearer,
		APIKey:   "sk",
		Headers: map[string]string{
			"User-Agent":        "custom-agent/2.0",
			"X-Org":             "org-1",
			"Transfer-Encoding": "chunked",
		},
	}

	h := BuildRequestHeaders(acct, http.Header{})

	assert.Equal(t, "custom-agent/2.0", h.Get("User-Agent"), "account headers override the base set")
	assert.Equal(t, "org-1", h.Get("X-Org"))
	assert.Empty(t, h.Get("Transfer-Encoding"), "hop-by-hop headers stay filtered")
}

func TestBuildResponseHeadersFiltersToAllowList(t *testing.T) {
	upstream := http.Header{}
	upstream.Set("X-Request-Id", "req-1")
	upstream.Set("Openai-Version", "2024-10-01")
	upstream.Set("Openai-Processing-Ms", "123")
	upstream.Set("X-Ratelimit-Remaining-Requests", "99")
	upstream.Set("Set-Cookie", "session=abc")
	upstream.Set("Content-Length", "42")

	h := BuildResponseHeaders(upstream)

	assert.Equal(t, "req-1", h.Get("X-Request-Id"))
	assert.Equal(t, "2024-10-01", h.Get("Openai-Version"))
	assert.Equal(t, "123", h.Get("Openai-Processing-Ms"))
	assert.Equal(t, "99", h.Get("X-Ratelimit-Remaining-Requests"))
	assert.Empty(t, h.Get("Set-Cookie"))
	assert.Empty(t, h.Get("Content-Length"))
}

func TestApplyStreamingHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")

	applyStreamingHeaders(h)

	assert.Equal(t, "text/event-stream", h.Get("Content-Type"))
	assert.Equal(t, "no-cache", h.Get("Cache-Control"))
	assert.Equal(t, "keep-alive", h.Get("Connection"))
}
