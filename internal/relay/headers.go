package relay

import (
	"net/http"
	"strings"

	"relay_gateway/internal/accounts"
)

// baseRequestHeaders go on every outbound relay call before anything else.
var baseRequestHeaders = map[string]string{
	"User-Agent":  "relay-gateway/1.0",
	"Accept":      "text/event-stream,application/json",
	"OpenAI-Beta": "responses=experimental",
}

// forwardedRequestHeaders is the allow-list of caller headers that survive
// translation. Everything else from the caller is dropped.
var forwardedRequestHeaders = []string{
	"session_id",
	"content-type",
}

// forbiddenRequestHeaders are never sent upstream, no matter where they came
// from: caller credentials and hop-by-hop transport headers.
var forbiddenRequestHeaders = map[string]struct{}{
	"authorization":       {},
	"x-api-key":           {},
	"host":                {},
	"content-length":      {},
	"connection":          {},
	"proxy-authorization": {},
	"content-encoding":    {},
	"transfer-encoding":   {},
	"te":                  {},
	"trailer":             {},
	"upgrade":             {},
}

// allowedResponseHeaders is the allow-list of upstream response headers
// exposed to the caller.
var allowedResponseHeaders = map[string]struct{}{
	"openai-version":                 {},
	"x-request-id":                   {},
	"openai-processing-ms":           {},
	"x-chatgpt-account-id":           {},
	"x-ratelimit-limit-requests":     {},
	"x-ratelimit-remaining-requests": {},
	"x-ratelimit-reset-requests":     {},
}

// BuildRequestHeaders assembles the outbound header set for one relay call:
// base headers, then the account's auth header, then the allow-listed caller
// headers, then the account's custom headers last so they can override
// anything before them. Hop-by-hop headers never make it through.
func BuildRequestHeaders(acct *accounts.Account, inbound http.Header) http.Header {
	out := http.Header{}
	for k, v := range baseRequestHeaders {
		out.Set(k, v)
	}

	switch acct.AuthType {
	case accounts.AuthTypeAPIKey:
		out.Set("x-api-key", acct.APIKey)
	default:
		out.Set("Authorization", "Bearer "+acct.APIKey)
	}

	for _, name := range forwardedRequestHeaders {
		if v := inbound.Get(name); v != "" {
			out.Set(name, v)
		}
	}

	for k, v := range acct.Headers {
		lower := strings.ToLower(k)
		if _, forbidden := forbiddenRequestHeaders[lower]; forbidden && lower != "authorization" && lower != "x-api-key" {
			continue
		}
		out.Set(k, v)
	}

	return out
}

// BuildResponseHeaders filters an upstream response down to the allow-listed
// headers.
func BuildResponseHeaders(upstream http.Header) http.Header {
	out := http.Header{}
	for k, vs := range upstream {
		if _, ok := allowedResponseHeaders[strings.ToLower(k)]; !ok {
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// applyStreamingHeaders forces the response headers every SSE reply carries,
// regardless of what the upstream sent.
func applyStreamingHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}
