package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay_gateway/internal/accounts"
	"relay_gateway/internal/storage"
)

type captureRecorder struct {
	mu        sync.Mutex
	calls     int
	accountID string
	usage     Usage
	model     string
}

func (c *captureRecorder) RecordUsage(_ context.Context, accountID string, usage Usage, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.accountID = accountID
	c.usage = usage
	c.model = model
}

func setupEngine(t *testing.T, cfg EngineConfig) (*Engine, *accounts.Registry, *captureRecorder) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	vault, err := storage.NewVault(key)
	require.NoError(t, err)

	reg := accounts.NewRegistry(client, vault, accounts.RegistryConfig{})
	rec := &captureRecorder{}
	return NewEngine(reg, rec, cfg), reg, rec
}

func createAccount(t *testing.T, reg *accounts.Registry, baseURL string) *accounts.Account {
	t.Helper()
	acct, err := reg.Create(context.Background(), accounts.CreateParams{
		Name:    "relay-test",
		APIKey:  "sk-relay",
		BaseURL: baseURL,
	})
	require.NoError(t, err)
	return acct
}

func TestRelayBufferedPassesStatusHeadersAndBodyThrough(t *testing.T) {
	var gotAuth, gotBeta string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("OpenAI-Beta")
		w.Header().Set("X-Request-Id", "req-9")
		w.Header().Set("Set-Cookie", "secret=1")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{"error":{"message":"short and stout"}}`))
	}))
	defer server.Close()

	engine, reg, _ := setupEngine(t, EngineConfig{})
	acct := createAccount(t, reg, server.URL)

	resp, err := engine.RelayBuffered(context.Background(), acct, Request{Body: []byte(`{"model":"gpt-4o"}`)})
	require.NoError(t, err, "upstream error statuses are responses, not errors")

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "short and stout")
	assert.Equal(t, "req-9", resp.Header.Get("X-Request-Id"))
	assert.Empty(t, resp.Header.Get("Set-Cookie"))
	assert.Equal(t, "Bearer sk-relay", gotAuth)
	assert.Equal(t, "responses=experimental", gotBeta)

	got, err := reg.Get(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastUsedAt, "relay stamps last used")
}

func TestRelayBufferedRecordsUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"resp_1","usage":{"input_tokens":30,"output_tokens":12}}`)
	}))
	defer server.Close()

	engine, reg, rec := setupEngine(t, EngineConfig{})
	acct := createAccount(t, reg, server.URL)

	_, err := engine.RelayBuffered(context.Background(), acct, Request{
		Body:  []byte(`{"model":"gpt-4o"}`),
		Model: "gpt-4o",
	})
	require.NoError(t, err)

	require.Equal(t, 1, rec.calls)
	assert.Equal(t, acct.ID, rec.accountID)
	assert.Equal(t, "gpt-4o", rec.model)
	assert.Equal(t, 42, rec.usage.TotalTokens, "usage arrives normalized")
	assert.Equal(t, 30, rec.usage.PromptTokens)
}

func TestRelayBufferedUnreachableUpstream(t *testing.T) {
	engine, reg, _ := setupEngine(t, EngineConfig{})
	acct := createAccount(t, reg, "http://127.0.0.1:1")

	_, err := engine.RelayBuffered(context.Background(), acct, Request{Body: []byte(`{}`)})
	require.Error(t, err)

	var relayErr *Error
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, KindUpstreamUnavailable, relayErr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, relayErr.HTTPStatus())
}

func TestRelayBufferedTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	engine, reg, _ := setupEngine(t, EngineConfig{UpstreamTimeout: 100 * time.Millisecond})
	acct := createAccount(t, reg, server.URL)

	_, err := engine.RelayBuffered(context.Background(), acct, Request{Body: []byte(`{}`)})
	require.Error(t, err)

	var relayErr *Error
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, KindUpstreamTimeout, relayErr.Kind)
	assert.Equal(t, http.StatusGatewayTimeout, relayErr.HTTPStatus())
}

func TestForwardStreamVerbatimAndUsage(t *testing.T) {
	chunks := []string{
		"event: response.output_text.delta\ndata: {\"delta\":\"hel",
		"lo\"}\n\ndata: {\"usage\":{\"total_tokens\":21,\"input_tokens\":15,\"output_tokens\":6}}\n\n",
		"data: [DONE]\n\n",
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprint(w, c)
			flusher.Flush()
		}
	}))
	defer server.Close()

	engine, reg, rec := setupEngine(t, EngineConfig{})
	acct := createAccount(t, reg, server.URL)

	stream, err := engine.OpenStream(context.Background(), acct, Request{Body: []byte(`{"stream":true}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", stream.Header.Get("Cache-Control"))

	var out bytes.Buffer
	err = engine.ForwardStream(stream, &out, acct, "gpt-4o")
	require.NoError(t, err)

	want := chunks[0] + chunks[1] + chunks[2]
	assert.Equal(t, want, out.String(), "stream bytes are forwarded unmodified")

	require.Equal(t, 1, rec.calls)
	assert.Equal(t, 21, rec.usage.TotalTokens)
	assert.Equal(t, "gpt-4o", rec.model)
}

func TestForwardStreamUpstreamDropEmitsErrorFrame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// promise more bytes than we send, then return; the client sees
		// an unexpected EOF mid-stream
		w.Header().Set("Content-Length", "4096")
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"delta\":\"partial\"}\n\n")
		w.(http.Flusher).Flush()
	}))
	defer server.Close()

	engine, reg, rec := setupEngine(t, EngineConfig{})
	acct := createAccount(t, reg, server.URL)

	stream, err := engine.OpenStream(context.Background(), acct, Request{Body: []byte(`{"stream":true}`)})
	require.NoError(t, err)

	var out bytes.Buffer
	err = engine.ForwardStream(stream, &out, acct, "gpt-4o")
	require.NoError(t, err, "mid-stream failures end the stream in-band")

	assert.Contains(t, out.String(), "data: {\"delta\":\"partial\"}")
	assert.Contains(t, out.String(), "event: error\n")
	assert.Contains(t, out.String(), "api_error")
	assert.Equal(t, 0, rec.calls, "no usage recorded for an interrupted stream")
}

func TestOpenStreamErrorStatusStillStreams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error"}}`)
	}))
	defer server.Close()

	engine, reg, _ := setupEngine(t, EngineConfig{})
	acct := createAccount(t, reg, server.URL)

	stream, err := engine.OpenStream(context.Background(), acct, Request{Body: []byte(`{"stream":true}`)})
	require.NoError(t, err, "upstream error statuses pass through, not mapped")
	assert.Equal(t, http.StatusTooManyRequests, stream.StatusCode)

	var out bytes.Buffer
	require.NoError(t, engine.ForwardStream(stream, &out, acct, ""))
	assert.Contains(t, out.String(), "rate_limit_error")
}

type failingWriter struct {
	wrote int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	f.wrote += len(p)
	return 0, errors.New("broken pipe")
}

func TestForwardStreamDownstreamFailureCancelsUpstream(t *testing.T) {
	served := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(served)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"delta\":\"a\"}\n\n")
		flusher.Flush()
		// keep the stream open until the relay hangs up
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	engine, reg, _ := setupEngine(t, EngineConfig{})
	acct := createAccount(t, reg, server.URL)

	stream, err := engine.OpenStream(context.Background(), acct, Request{Body: []byte(`{"stream":true}`)})
	require.NoError(t, err)

	err = engine.ForwardStream(stream, &failingWriter{}, acct, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "downstream write")

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not canceled after downstream failure")
	}
}
