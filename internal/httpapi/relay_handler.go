package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"relay_gateway/internal/accounts"
	"relay_gateway/internal/relay"
	"relay_gateway/internal/utils"
)

const maxRelayBodySize = 10 << 20 // 10 MiB

// handleRelay is the entry point for relayed completion requests.
//
// Flow:
//  1. Validate method, read the raw payload
//  2. Extract model + stream flag
//  3. Select the highest-priority account supporting the model
//  4. Dispatch streaming or buffered relay
//  5. Pass the upstream's response through; map transport failures
func (d *Dependencies) handleRelay(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRelayBodySize))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	// the payload is forwarded verbatim; only model and stream are peeked at
	var peek struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	acct, err := d.Selector.SelectForModel(ctx, peek.Model)
	if err != nil {
		d.Logger.Error("Account selection failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "account selection failed")
		return
	}
	if acct == nil {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "no available relay account")
		return
	}

	req := relay.Request{Body: body, Header: r.Header, Model: peek.Model}

	if peek.Stream {
		d.relayStreaming(w, r, acct, req)
	} else {
		d.relayBuffered(w, r, acct, req)
	}

	d.Logger.Debug("Relay request finished",
		"account", acct.ID,
		"model", peek.Model,
		"stream", peek.Stream,
		"duration_ms", time.Since(start).Milliseconds())
}

func (d *Dependencies) relayBuffered(w http.ResponseWriter, r *http.Request, acct *accounts.Account, req relay.Request) {
	resp, err := d.Engine.RelayBuffered(r.Context(), acct, req)
	if err != nil {
		writeRelayError(w, err)
		return
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (d *Dependencies) relayStreaming(w http.ResponseWriter, r *http.Request, acct *accounts.Account, req relay.Request) {
	stream, err := d.Engine.OpenStream(r.Context(), acct, req)
	if err != nil {
		// the caller asked for an event stream; answer in kind with an
		// in-band error frame instead of a JSON envelope
		writeStreamingRelayError(w, err)
		return
	}

	for k, vs := range stream.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(stream.StatusCode)

	if err := d.Engine.ForwardStream(stream, w, acct, req.Model); err != nil {
		// downstream is gone, nothing left to tell it
		d.Logger.Debug("Stream ended early", "account", acct.ID, "error", err)
	}
}

func writeRelayError(w http.ResponseWriter, err error) {
	relayErr := asRelayError(err)
	if relayErr.Kind == relay.KindUpstreamError && len(relayErr.UpstreamBody) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(relayErr.HTTPStatus())
		w.Write(relayErr.UpstreamBody)
		return
	}
	utils.RespondWithError(w, relayErr.HTTPStatus(), relayErr.Message())
}

func writeStreamingRelayError(w http.ResponseWriter, err error) {
	relayErr := asRelayError(err)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(relayErr.HTTPStatus())
	w.Write(relayErr.SSEFrame())
}

func asRelayError(err error) *relay.Error {
	var relayErr *relay.Error
	if errors.As(err, &relayErr) {
		return relayErr
	}
	return &relay.Error{Kind: relay.KindInternal, Err: err}
}
