// Package proxy implements the Proxy & Stream Wrapper (spec §4.8):
// pre-dispatch validation, a non-streaming dispatch path, and a streaming
// path that forwards upstream bytes to the client while parsing the SSE
// frame for metrics, built directly on the provider.Provider/Stream
// abstraction (provider.Provider.ChatCompletionStream returns raw chunks
// exactly the shape this package's SSE parser expects).
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/omniway/gateway/circuit"
	"github.com/omniway/gateway/provider"
	"github.com/omniway/gateway/store"
)

type dispatchError string

func (e dispatchError) Error() string { return string(e) }

const (
	ErrMaxTokensExceeded   dispatchError = "proxy_error:max_tokens_exceeds_limit"
	ErrInputTooLarge       dispatchError = "proxy_error:input_token_estimate_exceeds_limit"
	ErrStreamingNotAllowed dispatchError = "proxy_error:streaming_not_allowed"
	ErrCircuitOpen         dispatchError = "proxy_error:circuit_open"
	ErrProviderNotFound    dispatchError = "proxy_error:provider_not_found"
)

// Status is the terminal outcome of a dispatch (spec §4.8, distinct from
// store.RequestStatus because TIMEOUT/CLIENT_ABORT only ever arise on the
// streaming path; ERROR also marks an unregistered provider on either path).
type Status string

const (
	StatusCompleted    Status = "COMPLETED"
	StatusClientAbort  Status = "CLIENT_ABORT"
	StatusUpstreamErr  Status = "UPSTREAM_ERROR"
	StatusTimeout      Status = "TIMEOUT"
	StatusError        Status = "ERROR"
)

// ToRequestStatus maps a dispatch Status onto the durable RequestStatus
// enum recorded in request_events.
func (s Status) ToRequestStatus() store.RequestStatus {
	switch s {
	case StatusCompleted:
		return store.StatusSuccess
	case StatusClientAbort:
		return store.StatusClientError
	case StatusTimeout:
		return store.StatusTimeout
	default:
		return store.StatusUpstreamError
	}
}

// Outcome carries the metrics collected during dispatch (spec §4.8 "core
// data").
type Outcome struct {
	Status      Status
	StatusCode  int
	TTFBMs      *int64
	ChunkCount  int64
	OutputBytes int64
	Usage       *provider.Usage
	Response    *provider.ChatResponse
}

// RefundEligible implements spec §4.8's refund-eligibility rule: no first
// byte was ever seen, and the stream did not complete or get aborted by the
// client; only wallet-sourced charges qualify.
func RefundEligible(o Outcome, source store.BillingSource) bool {
	if source != store.SourceWallet {
		return false
	}
	if o.TTFBMs != nil {
		return false
	}
	return o.Status != StatusCompleted && o.Status != StatusClientAbort
}

// Dispatcher routes validated requests to upstream providers.
type Dispatcher struct {
	registry      *provider.Registry
	breaker       *circuit.Breaker
	logger        zerolog.Logger
	streamTimeout time.Duration
}

func New(registry *provider.Registry, breaker *circuit.Breaker, logger zerolog.Logger, streamTimeout time.Duration) *Dispatcher {
	if streamTimeout <= 0 {
		streamTimeout = 300 * time.Second
	}
	return &Dispatcher{registry: registry, breaker: breaker, logger: logger, streamTimeout: streamTimeout}
}

// Validate runs the pre-dispatch checks from spec §4.8.
func Validate(req *provider.ChatRequest, pol *store.Policy, model *store.Model) error {
	maxOut := pol.MaxOutputTokens
	if model.MaxOutputTokens > 0 && model.MaxOutputTokens < maxOut {
		maxOut = model.MaxOutputTokens
	}
	if req.MaxTokens != nil && *req.MaxTokens > maxOut {
		return ErrMaxTokensExceeded
	}

	if estimateInputTokens(req) > pol.MaxInputTokens {
		return ErrInputTooLarge
	}

	if req.Stream && !(pol.HasStreaming && model.SupportsStreaming) {
		return ErrStreamingNotAllowed
	}

	return nil
}

// estimateInputTokens implements the rough estimate in spec §4.8:
// sum(len(message.content)) / 4, ceil.
func estimateInputTokens(req *provider.ChatRequest) int {
	var chars int
	for _, m := range req.Messages {
		switch c := m.Content.(type) {
		case string:
			chars += len(c)
		default:
			if b, err := json.Marshal(c); err == nil {
				chars += len(b)
			}
		}
	}
	return int(math.Ceil(float64(chars) / 4.0))
}

// Do executes the non-streaming path (spec §4.8 "Non-streaming path").
func (d *Dispatcher) Do(ctx context.Context, providerName, requestID string, req *provider.ChatRequest) (Outcome, error) {
	p, ok := d.registry.Get(providerName)
	if !ok {
		return Outcome{Status: StatusError}, fmt.Errorf("%w: %s", ErrProviderNotFound, providerName)
	}
	if !d.breaker.Allow(ctx, providerName) {
		return Outcome{Status: StatusUpstreamErr}, ErrCircuitOpen
	}

	resp, err := p.ChatCompletion(ctx, req)
	if err != nil {
		d.breaker.RecordFailure(ctx, providerName)
		return Outcome{Status: StatusUpstreamErr}, fmt.Errorf("upstream request failed: %w", err)
	}

	d.breaker.RecordSuccess(ctx, providerName)
	usage := resp.Usage
	return Outcome{
		Status:   StatusCompleted,
		Usage:    &usage,
		Response: resp,
	}, nil
}

// DoStream executes the streaming path (spec §4.8 "Streaming path"),
// forwarding bytes to w as they arrive while parsing the SSE frame for
// metrics. flush is called after every write that should reach the client
// immediately (http.Flusher.Flush in production, a no-op in tests).
func (d *Dispatcher) DoStream(ctx context.Context, providerName, requestID string, req *provider.ChatRequest, w io.Writer, flush func()) (Outcome, error) {
	p, ok := d.registry.Get(providerName)
	if !ok {
		return Outcome{Status: StatusError}, fmt.Errorf("%w: %s", ErrProviderNotFound, providerName)
	}
	if !d.breaker.Allow(ctx, providerName) {
		return Outcome{Status: StatusUpstreamErr}, ErrCircuitOpen
	}

	streamCtx, cancel := context.WithTimeout(ctx, d.streamTimeout)
	defer cancel()

	stream, err := p.ChatCompletionStream(streamCtx, req)
	if err != nil {
		d.breaker.RecordFailure(ctx, providerName)
		return Outcome{Status: StatusUpstreamErr}, fmt.Errorf("upstream stream request failed: %w", err)
	}
	defer stream.Close()

	outcome, streamErr := d.pump(streamCtx, providerName, stream, w, flush)

	switch outcome.Status {
	case StatusCompleted:
		d.breaker.RecordSuccess(ctx, providerName)
	case StatusUpstreamErr, StatusTimeout, StatusError:
		d.breaker.RecordFailure(ctx, providerName)
	}

	return outcome, streamErr
}

func (d *Dispatcher) pump(ctx context.Context, providerName string, stream provider.Stream, w io.Writer, flush func()) (Outcome, error) {
	parser := &sseParser{}
	start := time.Now()
	var ttfb *int64
	var outputBytes int64

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Outcome{Status: StatusTimeout, TTFBMs: ttfb, ChunkCount: parser.chunkCount, OutputBytes: outputBytes}, ctx.Err()
			}
			return Outcome{Status: StatusClientAbort, TTFBMs: ttfb, ChunkCount: parser.chunkCount, OutputBytes: outputBytes}, ctx.Err()
		default:
		}

		chunk, err := stream.Next()
		if len(chunk) > 0 {
			if ttfb == nil {
				ms := time.Since(start).Milliseconds()
				ttfb = &ms
			}
			if _, werr := w.Write(chunk); werr != nil {
				return Outcome{Status: StatusClientAbort, TTFBMs: ttfb, ChunkCount: parser.chunkCount, OutputBytes: outputBytes}, werr
			}
			outputBytes += int64(len(chunk))
			if flush != nil {
				flush()
			}
			parser.feed(chunk, d.logger)
		}

		if err != nil {
			if err == io.EOF {
				status := StatusUpstreamErr
				if parser.completed || ttfb != nil {
					status = StatusCompleted
				}
				return Outcome{Status: status, TTFBMs: ttfb, ChunkCount: parser.chunkCount, OutputBytes: outputBytes, Usage: parser.usage}, nil
			}
			return Outcome{Status: StatusUpstreamErr, TTFBMs: ttfb, ChunkCount: parser.chunkCount, OutputBytes: outputBytes}, err
		}

		if parser.completed {
			return Outcome{Status: StatusCompleted, TTFBMs: ttfb, ChunkCount: parser.chunkCount, OutputBytes: outputBytes, Usage: parser.usage}, nil
		}
	}
}

// sseParser implements spec §4.8's SSE parser: split on \n, keep the last
// partial line buffered across reads.
type sseParser struct {
	buf        bytes.Buffer
	chunkCount int64
	usage      *provider.Usage
	completed  bool
}

type sseChunk struct {
	Choices []struct {
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *provider.Usage `json:"usage"`
}

func (p *sseParser) feed(data []byte, logger zerolog.Logger) {
	p.buf.Write(data)
	for {
		b := p.buf.Bytes()
		idx := bytes.IndexByte(b, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(b[:idx], "\r")
		p.buf.Next(idx + 1)
		p.processLine(line, logger)
	}
}

func (p *sseParser) processLine(line []byte, logger zerolog.Logger) {
	if len(line) == 0 || line[0] == ':' {
		return
	}
	if !bytes.HasPrefix(line, []byte("data:")) {
		return
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if string(payload) == "[DONE]" {
		p.completed = true
		return
	}

	var chunk sseChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		logger.Debug().Err(err).Msg("malformed SSE data payload, not counted as a chunk")
		return
	}
	p.chunkCount++
	if chunk.Usage != nil {
		p.usage = chunk.Usage
	}
	for _, c := range chunk.Choices {
		if c.FinishReason != nil && *c.FinishReason != "" {
			p.completed = true
		}
	}
}

// ProviderErrorBody is the pass-through shape for upstream non-2xx bodies
// (spec §4.8 "parse body as the provider error shape").
type ProviderErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ParseProviderError best-effort decodes an upstream error body. Returns
// ok=false if the body isn't in the expected shape.
func ParseProviderError(body []byte) (ProviderErrorBody, bool) {
	var e ProviderErrorBody
	if err := json.Unmarshal(body, &e); err != nil || e.Error.Message == "" {
		return e, false
	}
	return e, true
}

// SetSSEHeaders sets the response headers required for the streaming path.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}
