// Package observability's metrics collector is built directly on
// prometheus/client_golang rather than a hand-rolled exposition writer —
// the registry, vector types and promhttp handler below replace any
// homegrown Counter/Gauge/Histogram maps with the library the rest of
// the ecosystem reaches for.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"net/http"
)

// Metrics is the gateway's Prometheus collector set, covering admission
// outcomes, billing source, dispatch latency and circuit state.
type Metrics struct {
	logger zerolog.Logger
	reg    *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec

	billingSourceTotal *prometheus.CounterVec
	billingCentsTotal  *prometheus.CounterVec
	refundsTotal       *prometheus.CounterVec
	ttfbMs             *prometheus.HistogramVec

	walletOpsTotal *prometheus.CounterVec

	providerHealthy *prometheus.GaugeVec
	circuitState    *prometheus.GaugeVec

	safetyViolations *prometheus.CounterVec
}

// NewMetrics registers the gateway's collector set against a fresh
// Prometheus registry.
func NewMetrics(logger zerolog.Logger) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		logger: logger.With().Str("component", "metrics").Logger(),
		reg:    reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omniway_gateway_requests_total",
			Help: "Completed chat completion requests by provider, model, endpoint and status.",
		}, []string{"provider", "model", "endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omniway_gateway_request_duration_ms",
			Help:    "End-to-end request duration in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "model", "endpoint", "status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omniway_gateway_tokens_total",
			Help: "Prompt and completion tokens, by provider, model, endpoint and status.",
		}, []string{"provider", "model", "endpoint", "status"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omniway_gateway_idempotent_replay_total",
			Help: "Billing decisions served from the idempotency cache instead of charged fresh.",
		}, []string{"provider", "model"}),
		billingSourceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omniway_billing_decisions_total",
			Help: "Billing decisions by funding source (allowance, wallet, insufficient_wallet, locked, none).",
		}, []string{"source"}),
		billingCentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omniway_billing_charged_cents_total",
			Help: "Cents charged by funding source.",
		}, []string{"source"}),
		refundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omniway_refunds_total",
			Help: "Refund outcomes by result (success, already_refunded, daily_cap_exceeded, no_charge, error).",
		}, []string{"outcome"}),
		ttfbMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omniway_dispatch_ttfb_ms",
			Help:    "Time to first upstream byte, in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "model"}),
		walletOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omniway_wallet_operations_total",
			Help: "Wallet ledger operations by type.",
		}, []string{"type", "wallet_type"}),
		providerHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omniway_provider_healthy",
			Help: "1 if the provider's last health check succeeded, else 0.",
		}, []string{"provider"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omniway_circuit_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half_open).",
		}, []string{"provider"}),
		safetyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omniway_safety_violations_total",
			Help: "Input/output safety violations by category and severity.",
		}, []string{"category", "severity"}),
	}

	reg.MustRegister(
		m.requestsTotal, m.requestDuration, m.tokensTotal, m.cacheHits,
		m.billingSourceTotal, m.billingCentsTotal, m.refundsTotal, m.ttfbMs,
		m.walletOpsTotal, m.providerHealthy, m.circuitState, m.safetyViolations,
	)
	return m
}

// TrackRequest records a completed request with all relevant labels.
func (m *Metrics) TrackRequest(provider, model, endpoint, status string, latencyMs float64, promptTokens, completionTokens int64) {
	labels := prometheus.Labels{"provider": provider, "model": model, "endpoint": endpoint, "status": status}
	m.requestsTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(latencyMs)
	m.tokensTotal.With(labels).Add(float64(promptTokens + completionTokens))
}

// TrackTTFB records time-to-first-byte for a streamed or non-streamed dispatch.
func (m *Metrics) TrackTTFB(provider, model string, ttfbMs float64) {
	m.ttfbMs.WithLabelValues(provider, model).Observe(ttfbMs)
}

// TrackBilling records a billing decision's funding source and amount.
func (m *Metrics) TrackBilling(source string, chargedCents int64) {
	m.billingSourceTotal.WithLabelValues(source).Inc()
	if chargedCents > 0 {
		m.billingCentsTotal.WithLabelValues(source).Add(float64(chargedCents))
	}
}

// TrackRefund records a refund attempt's outcome.
func (m *Metrics) TrackRefund(outcome string) {
	m.refundsTotal.WithLabelValues(outcome).Inc()
}

// TrackWalletOperation records a wallet ledger operation.
func (m *Metrics) TrackWalletOperation(opType, walletType string, amount float64) {
	m.walletOpsTotal.WithLabelValues(opType, walletType).Inc()
	_ = amount
}

// TrackProviderHealth records provider health status.
func (m *Metrics) TrackProviderHealth(provider string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	m.providerHealthy.WithLabelValues(provider).Set(val)
}

// TrackCircuitState records a circuit breaker's current state per provider.
func (m *Metrics) TrackCircuitState(provider string, state int) {
	m.circuitState.WithLabelValues(provider).Set(float64(state))
}

// TrackSafetyViolation records a safety pipeline violation.
func (m *Metrics) TrackSafetyViolation(category, severity string) {
	m.safetyViolations.WithLabelValues(category, severity).Inc()
}

// Handler serves /metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.HandlerFunc {
	h := promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
	return func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}
}
