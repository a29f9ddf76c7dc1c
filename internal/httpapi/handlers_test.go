package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay_gateway/internal/accounts"
	"relay_gateway/internal/config"
)

func setupRouter(t *testing.T) (*http.ServeMux, *Dependencies) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := &config.Config{
		EncryptionKey: strings.Repeat("0123456789abcdef", 4),
		Redis:         config.RedisConfig{Address: mr.Addr()},
	}

	mux, deps, err := NewRouter(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { deps.Redis.Close() })
	return mux, deps
}

type accountEnvelope struct {
	Success bool             `json:"success"`
	Data    accounts.Account `json:"data"`
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAccountLifecycleOverHTTP(t *testing.T) {
	mux, _ := setupRouter(t)

	// create
	rec := doJSON(t, mux, http.MethodPost, "/admin/relay-accounts", map[string]any{
		"name":     "primary",
		"apiKey":   "sk-http-test",
		"priority": 80,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created accountEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.True(t, created.Success)
	assert.NotEmpty(t, created.Data.ID)
	assert.Equal(t, accounts.MaskedSecret, created.Data.APIKey)
	assert.Equal(t, 80, created.Data.Priority)

	id := created.Data.ID

	// list
	rec = doJSON(t, mux, http.MethodGet, "/admin/relay-accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)
	assert.NotContains(t, rec.Body.String(), "sk-http-test", "listing never leaks the secret")

	// get
	rec = doJSON(t, mux, http.MethodGet, "/admin/relay-accounts/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got accountEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, accounts.MaskedSecret, got.Data.APIKey)

	// update
	rec = doJSON(t, mux, http.MethodPut, "/admin/relay-accounts/"+id, map[string]any{
		"name":     "renamed",
		"isActive": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated accountEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "renamed", updated.Data.Name)
	assert.False(t, updated.Data.Active)

	// delete
	rec = doJSON(t, mux, http.MethodDelete, "/admin/relay-accounts/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/admin/relay-accounts/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountValidationErrors(t *testing.T) {
	mux, _ := setupRouter(t)

	rec := doJSON(t, mux, http.MethodPost, "/admin/relay-accounts", map[string]any{"name": "no-key"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/admin/relay-accounts", map[string]any{
		"apiKey":   "sk",
		"authType": "basic",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPut, "/admin/relay-accounts/no-such-id", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchUpdateStatus(t *testing.T) {
	mux, deps := setupRouter(t)

	a, err := deps.Registry.Create(context.Background(), accounts.CreateParams{Name: "a", APIKey: "sk-a"})
	require.NoError(t, err)
	b, err := deps.Registry.Create(context.Background(), accounts.CreateParams{Name: "b", APIKey: "sk-b"})
	require.NoError(t, err)

	rec := doJSON(t, mux, http.MethodPost, "/admin/relay-accounts/batch-update-status", map[string]any{
		"accountIds": []string{a.ID, b.ID, "missing"},
		"isActive":   false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"updated":2`)
	assert.Contains(t, rec.Body.String(), `"failed":1`)

	got, err := deps.Registry.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestRelayEndpointBuffered(t *testing.T) {
	upstreamCalls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		assert.Equal(t, "responses=experimental", r.Header.Get("OpenAI-Beta"))
		w.Header().Set("X-Request-Id", "req-7")
		fmt.Fprint(w, `{"id":"resp_1","usage":{"total_tokens":10}}`)
	}))
	defer upstream.Close()

	mux, deps := setupRouter(t)
	_, err := deps.Registry.Create(context.Background(), accounts.CreateParams{
		Name:    "a",
		APIKey:  "sk-a",
		BaseURL: upstream.URL,
	})
	require.NoError(t, err)

	rec := doJSON(t, mux, http.MethodPost, "/v1/responses", map[string]any{"model": "gpt-4o"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, upstreamCalls)
	assert.Contains(t, rec.Body.String(), "resp_1")
	assert.Equal(t, "req-7", rec.Header().Get("X-Request-Id"))
}

func TestRelayEndpointStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"delta\":\"hi\"}\n\ndata: [DONE]\n\n")
	}))
	defer upstream.Close()

	mux, deps := setupRouter(t)
	_, err := deps.Registry.Create(context.Background(), accounts.CreateParams{
		Name:    "a",
		APIKey:  "sk-a",
		BaseURL: upstream.URL,
	})
	require.NoError(t, err)

	rec := doJSON(t, mux, http.MethodPost, "/v1/responses", map[string]any{"model": "gpt-4o", "stream": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "data: {\"delta\":\"hi\"}")
}

func TestRelayEndpointNoAccounts(t *testing.T) {
	mux, _ := setupRouter(t)

	rec := doJSON(t, mux, http.MethodPost, "/v1/responses", map[string]any{"model": "gpt-4o"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no available relay account")
}

func TestRelayEndpointUnreachableUpstream(t *testing.T) {
	mux, deps := setupRouter(t)
	_, err := deps.Registry.Create(context.Background(), accounts.CreateParams{
		Name:    "a",
		APIKey:  "sk-a",
		BaseURL: "http://127.0.0.1:1",
	})
	require.NoError(t, err)

	rec := doJSON(t, mux, http.MethodPost, "/v1/responses", map[string]any{"model": "gpt-4o"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream service unavailable")
}

func TestRelayEndpointStreamingOpenFailureAnswersInSSE(t *testing.T) {
	mux, deps := setupRouter(t)
	_, err := deps.Registry.Create(context.Background(), accounts.CreateParams{
		Name:    "a",
		APIKey:  "sk-a",
		BaseURL: "http://127.0.0.1:1",
	})
	require.NoError(t, err)

	rec := doJSON(t, mux, http.MethodPost, "/v1/responses", map[string]any{"model": "gpt-4o", "stream": true})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: error\ndata: ")
	assert.Contains(t, rec.Body.String(), "upstream service unavailable")
	assert.NotContains(t, rec.Body.String(), `"success"`, "stream callers never get the JSON envelope")
}

func TestQuotaStatusEndpoint(t *testing.T) {
	mux, _ := setupRouter(t)

	rec := doJSON(t, mux, http.MethodGet, "/admin/quota-reset/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "UTC")
}

func TestHealthEndpoint(t *testing.T) {
	mux, _ := setupRouter(t)

	rec := doJSON(t, mux, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
