// Package handler wires the HTTP surface onto the admission pipeline
// described in spec §2: auth, rate limit + concurrency, model access,
// pricing, billing, dispatch, refund and usage — in that order, for every
// request to POST /v1/chat/completions.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/omniway/gateway/apierr"
	"github.com/omniway/gateway/auth"
	"github.com/omniway/gateway/billing"
	"github.com/omniway/gateway/modelaccess"
	"github.com/omniway/gateway/observability"
	"github.com/omniway/gateway/pricing"
	"github.com/omniway/gateway/provider"
	"github.com/omniway/gateway/proxy"
	"github.com/omniway/gateway/ratelimit"
	"github.com/omniway/gateway/refund"
	"github.com/omniway/gateway/store"
	"github.com/omniway/gateway/usage"
)

// chatRequestEnvelope is the wire shape of POST /v1/chat/completions — it
// shares provider.ChatRequest's fields and JSON tags so decoding it costs
// nothing extra, while keeping the HTTP layer's request type distinct from
// the provider-dispatch type the pipeline constructs after model resolution.
type chatRequestEnvelope provider.ChatRequest

func (r *chatRequestEnvelope) toProviderRequest() *provider.ChatRequest {
	pr := provider.ChatRequest(*r)
	return &pr
}

// Gateway is the single admission-pipeline handler for the OpenAI-compatible
// surface (spec §6).
type Gateway struct {
	logger     zerolog.Logger
	authz      *auth.Resolver
	limiter    *ratelimit.Limiter
	access     *modelaccess.Checker
	pricer     *pricing.Resolver
	billing    *billing.Engine
	dispatcher *proxy.Dispatcher
	refunds    *refund.Engine
	usagePipe  *usage.Pipeline
	store      *store.Store
	metrics    *observability.Metrics
}

func NewGateway(
	logger zerolog.Logger,
	authz *auth.Resolver,
	limiter *ratelimit.Limiter,
	access *modelaccess.Checker,
	pricer *pricing.Resolver,
	billingEngine *billing.Engine,
	dispatcher *proxy.Dispatcher,
	refunds *refund.Engine,
	usagePipe *usage.Pipeline,
	db *store.Store,
	metrics *observability.Metrics,
) *Gateway {
	return &Gateway{
		logger:     logger,
		authz:      authz,
		limiter:    limiter,
		access:     access,
		pricer:     pricer,
		billing:    billingEngine,
		dispatcher: dispatcher,
		refunds:    refunds,
		usagePipe:  usagePipe,
		store:      db,
		metrics:    metrics,
	}
}

func (g *Gateway) trackMetrics(provider, model, endpoint, status string, durationMs float64, inTokens, outTokens int64, ttfb *int64, billingSource string, chargedCents int64) {
	if g.metrics == nil {
		return
	}
	g.metrics.TrackRequest(provider, model, endpoint, status, durationMs, inTokens, outTokens)
	g.metrics.TrackBilling(billingSource, chargedCents)
	if ttfb != nil {
		g.metrics.TrackTTFB(provider, model, float64(*ttfb))
	}
}

// ChatCompletions handles POST /v1/chat/completions — the full pipeline.
func (g *Gateway) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := chimw.GetReqID(ctx)

	authCtx, err := g.authz.Resolve(ctx, r)
	if err != nil {
		g.writeErr(w, err, requestID, "authentication failed")
		return
	}
	owner := authCtx.Owner
	pol := authCtx.Policy

	var req chatRequestEnvelope
	if jsonErr := json.NewDecoder(r.Body).Decode(&req); jsonErr != nil {
		apierr.Write(w, apierr.InvalidRequest("bad_request", "could not parse request body: "+jsonErr.Error()).WithRequestID(requestID))
		return
	}
	if req.Model == "" {
		apierr.Write(w, apierr.InvalidRequest("bad_request", "model is required").WithRequestID(requestID))
		return
	}
	if len(req.Messages) == 0 {
		apierr.Write(w, apierr.InvalidRequest("bad_request", "messages must not be empty").WithRequestID(requestID))
		return
	}

	decision := g.limiter.CheckRate(ctx, owner, pol)
	setRateLimitHeaders(w, decision, pol)
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(decision.ResetAt).Seconds()), 10))
		apierr.Write(w, apierr.RateLimited("rate limit exceeded", string(decision.LimitedBy)).WithRequestID(requestID))
		g.recordEvent(requestID, owner, req.Model, store.StatusRateLimited, start)
		return
	}

	acquired, current := g.limiter.AcquireSlot(ctx, owner, requestID, pol.MaxConcurrent)
	w.Header().Set("X-Concurrency-Limit", strconv.Itoa(pol.MaxConcurrent))
	w.Header().Set("X-Concurrency-Current", strconv.Itoa(current))
	if !acquired {
		apierr.Write(w, apierr.ConcurrencyLimited("concurrency limit exceeded").WithRequestID(requestID))
		g.recordEvent(requestID, owner, req.Model, store.StatusRateLimited, start)
		return
	}
	defer g.limiter.ReleaseSlot(ctx, owner, requestID)

	model, err := g.access.Authorize(ctx, req.Model, pol, req.Stream)
	if err != nil {
		g.writeErr(w, err, requestID, "model access denied")
		g.recordEvent(requestID, owner, req.Model, store.StatusClientError, start)
		return
	}

	if err := proxy.Validate(req.toProviderRequest(), pol, model); err != nil {
		g.writeErr(w, err, requestID, "request failed pre-dispatch validation")
		g.recordEvent(requestID, owner, req.Model, store.StatusClientError, start)
		return
	}

	priceCents := g.pricer.PriceCents(ctx, req.Model)

	result, err := g.billing.Charge(ctx, owner, requestID, req.Model, pol, priceCents)
	if err != nil {
		apierr.Write(w, apierr.BillingUnavailable("billing temporarily unavailable").WithRequestID(requestID))
		g.recordEvent(requestID, owner, req.Model, store.StatusBillingBlock, start)
		return
	}
	if result.Code == billing.CodeDenied {
		switch result.Source {
		case billing.SourceLocked:
			apierr.Write(w, apierr.DisputePending("wallet is locked").WithRequestID(requestID))
		default:
			apierr.Write(w, apierr.PaymentRequired("insufficient wallet balance").WithRequestID(requestID))
		}
		g.recordEvent(requestID, owner, req.Model, store.StatusBillingBlock, start)
		return
	}
	if result.Code == billing.CodeReplayed && req.Stream {
		apierr.Write(w, apierr.IdempotentReplayOnStream("request id already billed; a streaming response cannot be replayed").WithRequestID(requestID))
		g.recordEvent(requestID, owner, req.Model, store.StatusClientError, start)
		return
	}

	setBillingHeaders(w, result)

	providerReq := req.toProviderRequest()
	providerReq.Model = model.UpstreamID

	var status store.RequestStatus
	var ttfb *int64
	var chunkCount, outBytes, inTokens, outTokens int64
	var dispatchStatus proxy.Status

	if req.Stream {
		proxy.SetSSEHeaders(w)
		flusher, _ := w.(http.Flusher)
		var flush func()
		if flusher != nil {
			flush = flusher.Flush
		}
		w.WriteHeader(http.StatusOK)
		outcome, _ := g.dispatcher.DoStream(ctx, model.Provider, requestID, providerReq, w, flush)
		dispatchStatus = outcome.Status
		ttfb = outcome.TTFBMs
		chunkCount = outcome.ChunkCount
		outBytes = outcome.OutputBytes
		if outcome.Usage != nil {
			inTokens = int64(outcome.Usage.PromptTokens)
			outTokens = int64(outcome.Usage.CompletionTokens)
		}
		status = dispatchStatus.ToRequestStatus()
	} else {
		outcome, dispatchErr := g.dispatcher.Do(ctx, model.Provider, requestID, providerReq)
		dispatchStatus = outcome.Status
		if dispatchErr != nil {
			if errors.Is(dispatchErr, proxy.ErrCircuitOpen) {
				apierr.Write(w, apierr.CircuitOpen("upstream provider circuit is open").WithRequestID(requestID))
			} else {
				apierr.Write(w, apierr.UpstreamError(http.StatusBadGateway, dispatchErr.Error()).WithRequestID(requestID))
			}
			status = store.StatusUpstreamError
		} else {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Prompt-Tokens", strconv.Itoa(outcome.Response.Usage.PromptTokens))
			w.Header().Set("X-Completion-Tokens", strconv.Itoa(outcome.Response.Usage.CompletionTokens))
			w.Header().Set("X-Total-Tokens", strconv.Itoa(outcome.Response.Usage.TotalTokens))
			if encErr := json.NewEncoder(w).Encode(outcome.Response); encErr != nil {
				g.logger.Error().Err(encErr).Str("request_id", requestID).Msg("failed to encode chat completion response")
			}
			inTokens = int64(outcome.Response.Usage.PromptTokens)
			outTokens = int64(outcome.Response.Usage.CompletionTokens)
			status = store.StatusSuccess
		}
	}

	if proxy.RefundEligible(proxy.Outcome{Status: dispatchStatus, TTFBMs: ttfb}, store.BillingSource(result.Source)) {
		outcome, refundErr := g.refunds.Refund(ctx, owner, requestID, result.ChargedCents, "dispatch_failed_before_first_byte", result.Source == billing.SourceWallet)
		if refundErr != nil {
			g.logger.Error().Err(refundErr).Str("request_id", requestID).Msg("refund attempt failed")
		} else {
			g.logger.Info().Str("request_id", requestID).Str("outcome", string(outcome)).Msg("refund evaluated")
			if g.metrics != nil {
				g.metrics.TrackRefund(string(outcome))
			}
		}
	}

	durationMs := time.Since(start).Milliseconds()
	g.recordEventFull(requestID, owner, req.Model, model.Provider, status, ttfb, durationMs,
		chunkCount, outBytes, inTokens, outTokens, store.BillingSource(result.Source), result.ChargedCents, req.Stream, clientIP(r))
	g.trackMetrics(model.Provider, req.Model, "/v1/chat/completions", string(status), float64(durationMs), inTokens, outTokens, ttfb, string(result.Source), result.ChargedCents)

	g.logger.Info().
		Str("request_id", requestID).
		Str("model", req.Model).
		Str("provider", model.Provider).
		Str("status", string(status)).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("request completed")
}

func (g *Gateway) writeErr(w http.ResponseWriter, err error, requestID, fallbackMsg string) {
	apierr.Write(w, apierr.FromSentinel(err, fallbackMsg).WithRequestID(requestID))
}

func (g *Gateway) recordEvent(requestID string, owner store.Owner, model string, status store.RequestStatus, start time.Time) {
	g.recordEventFull(requestID, owner, model, "", status, nil, time.Since(start).Milliseconds(), 0, 0, 0, 0, store.SourceNone, 0, false, "")
}

func (g *Gateway) recordEventFull(
	requestID string, owner store.Owner, model, providerName string,
	status store.RequestStatus, ttfbMs *int64, totalMs int64,
	chunkCount, outputBytes, inTokens, outTokens int64,
	billingSource store.BillingSource, costCents int64, streaming bool, ip string,
) {
	if g.usagePipe == nil {
		return
	}
	g.usagePipe.Publish(store.RequestEvent{
		RequestID:     requestID,
		OwnerKind:     owner.Kind,
		OwnerID:       owner.ID,
		Model:         model,
		Provider:      providerName,
		Endpoint:      "/v1/chat/completions",
		Status:        status,
		TotalMs:       totalMs,
		TTFBMs:        ttfbMs,
		InputTokens:   inTokens,
		OutputTokens:  outTokens,
		BillingSource: billingSource,
		CostCents:     costCents,
		Streaming:     streaming,
		ChunkCount:    chunkCount,
		OutputBytes:   outputBytes,
		ClientIP:      ip,
		CreatedAt:     time.Now().UTC(),
	})
}

// setRateLimitHeaders reports the remaining allowance for every window plus
// the limit/remaining of the window that denied the request, or of the
// minute window when the request was allowed (spec §6). For an allowed
// request the hour and day windows are not compared to pick the tightest.
func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision, pol *store.Policy) {
	limit, remaining := pol.PerMinute, d.MinuteRemaining
	switch d.LimitedBy {
	case ratelimit.LimitedByHour:
		limit, remaining = pol.PerHour, d.HourRemaining
	case ratelimit.LimitedByDay:
		limit, remaining = pol.PerDay, d.DayRemaining
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Remaining-Minute", strconv.Itoa(d.MinuteRemaining))
	w.Header().Set("X-RateLimit-Remaining-Hour", strconv.Itoa(d.HourRemaining))
	w.Header().Set("X-RateLimit-Remaining-Day", strconv.Itoa(d.DayRemaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func setBillingHeaders(w http.ResponseWriter, r *billing.Result) {
	w.Header().Set("X-Billing-Source", string(r.Source))
	w.Header().Set("X-Billing-Charged-Cents", strconv.FormatInt(r.ChargedCents, 10))
	w.Header().Set("X-Allowance-Remaining", strconv.FormatInt(r.AllowanceRemaining, 10))
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}
