package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"relay_gateway/internal/accounts"
	"relay_gateway/internal/upstream"
	"relay_gateway/internal/utils"
)

// UsageRecorder receives token usage observed on relayed responses.
// Recording is best effort and must never fail a relay.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, accountID string, usage Usage, model string)
}

// EngineConfig holds relay engine settings
type EngineConfig struct {
	// UpstreamTimeout bounds one relay call. For buffered calls it covers
	// the whole exchange; for streaming it covers time-to-first-byte only,
	// so long streams are never cut mid-flight. Defaults to 60s.
	UpstreamTimeout time.Duration
}

// Engine relays caller payloads to provider accounts. It performs exactly one
// upstream attempt per call; failover across accounts belongs to the caller.
type Engine struct {
	registry  *accounts.Registry
	meter     UsageRecorder
	timeout   time.Duration
	logger    *utils.Logger
	newClient func(*upstream.ProxyConfig, upstream.ClientOptions) (*http.Client, error)
}

// NewEngine creates a relay engine over the given registry. meter may be nil.
func NewEngine(registry *accounts.Registry, meter UsageRecorder, cfg EngineConfig) *Engine {
	timeout := cfg.UpstreamTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Engine{
		registry:  registry,
		meter:     meter,
		timeout:   timeout,
		logger:    utils.NewLogger("relay"),
		newClient: upstream.NewClient,
	}
}

// Request is one caller payload to relay.
type Request struct {
	// Body is the raw caller payload, forwarded verbatim.
	Body []byte
	// Header is the caller's inbound header set; only allow-listed entries
	// survive translation.
	Header http.Header
	// Model is the model named in the payload, used for usage attribution.
	Model string
}

// Response is a completed buffered relay exchange. Status and body come from
// the upstream unchanged; headers are filtered.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RelayBuffered performs one non-streaming relay call. Upstream HTTP
// responses of any status come back as a Response; only transport-level
// failures return a *Error.
func (e *Engine) RelayBuffered(ctx context.Context, acct *accounts.Account, req Request) (*Response, error) {
	e.registry.TouchLastUsed(ctx, acct.ID)

	client, err := e.newClient(acct.Proxy, upstream.ClientOptions{Timeout: e.timeout})
	if err != nil {
		return nil, &Error{Kind: KindInternal, Err: fmt.Errorf("account %s proxy: %w", acct.ID, err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, acct.URL(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, &Error{Kind: KindInternal, Err: err}
	}
	httpReq.Header = BuildRequestHeaders(acct, req.Header)

	started := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		relayErr := classify(err)
		e.logger.Error("Relay request failed", "account", acct.ID, "kind", relayErr.Kind, "error", err)
		return nil, relayErr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		relayErr := classify(err)
		e.logger.Error("Relay response read failed", "account", acct.ID, "kind", relayErr.Kind, "error", err)
		return nil, relayErr
	}

	e.logger.Info("Relayed request",
		"account", acct.ID,
		"status", resp.StatusCode,
		"duration_ms", time.Since(started).Milliseconds())

	if usage, ok := extractUsage(body); ok {
		e.recordUsage(acct.ID, usage, req.Model)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     BuildResponseHeaders(resp.Header),
		Body:       body,
	}, nil
}

// Stream is an open upstream SSE exchange. Header already carries the forced
// event-stream headers; the caller must Close it (ForwardStream does).
type Stream struct {
	StatusCode int
	Header     http.Header
	body       io.ReadCloser
	cancel     context.CancelFunc
}

// Close tears down the upstream connection.
func (s *Stream) Close() {
	s.cancel()
	s.body.Close()
}

// OpenStream starts one streaming relay call and returns once upstream
// response headers arrive. The returned stream's status code passes through
// from the upstream, error statuses included; their bodies still stream.
func (e *Engine) OpenStream(ctx context.Context, acct *accounts.Account, req Request) (*Stream, error) {
	e.registry.TouchLastUsed(ctx, acct.ID)

	client, err := e.newClient(acct.Proxy, upstream.ClientOptions{Timeout: e.timeout, Streaming: true})
	if err != nil {
		return nil, &Error{Kind: KindInternal, Err: fmt.Errorf("account %s proxy: %w", acct.ID, err)}
	}

	sctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(sctx, http.MethodPost, acct.URL(), bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return nil, &Error{Kind: KindInternal, Err: err}
	}
	httpReq.Header = BuildRequestHeaders(acct, req.Header)

	resp, err := client.Do(httpReq)
	if err != nil {
		cancel()
		relayErr := classify(err)
		e.logger.Error("Stream open failed", "account", acct.ID, "kind", relayErr.Kind, "error", err)
		return nil, relayErr
	}

	header := BuildResponseHeaders(resp.Header)
	applyStreamingHeaders(header)

	return &Stream{
		StatusCode: resp.StatusCode,
		Header:     header,
		body:       resp.Body,
		cancel:     cancel,
	}, nil
}

// ForwardStream copies the upstream stream to dst byte for byte, flushing
// after every chunk, while scanning for usage blocks on the side. A mid-stream
// upstream failure becomes one in-band SSE error frame; a downstream write
// failure cancels the upstream read and returns the write error.
func (e *Engine) ForwardStream(stream *Stream, dst io.Writer, acct *accounts.Account, model string) error {
	defer stream.Close()

	flusher, _ := dst.(http.Flusher)
	scanner := &usageScanner{}
	buf := make([]byte, 32*1024)

	for {
		n, readErr := stream.body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := dst.Write(chunk); werr != nil {
				stream.cancel()
				e.logger.Warn("Client disconnected mid-stream", "account", acct.ID, "error", werr)
				return fmt.Errorf("downstream write: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
			scanner.Feed(chunk)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			relayErr := classify(readErr)
			e.logger.Error("Stream interrupted", "account", acct.ID, "kind", relayErr.Kind, "error", readErr)
			if _, werr := dst.Write(relayErr.SSEFrame()); werr == nil && flusher != nil {
				flusher.Flush()
			}
			return nil
		}
	}

	scanner.Flush()
	if usage, ok := scanner.Usage(); ok {
		e.recordUsage(acct.ID, usage, model)
	}
	return nil
}

// recordUsage hands usage to the meter off the request context so recording
// survives the caller hanging up.
func (e *Engine) recordUsage(accountID string, usage Usage, model string) {
	if e.meter == nil {
		return
	}
	e.meter.RecordUsage(context.Background(), accountID, usage.Normalize(), model)
}
