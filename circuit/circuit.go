// Package circuit implements the Circuit Breaker component (spec §4.7): a
// per-provider closed/open/half-open state machine stored as a JSON blob
// under an atomic script, grounded in the same load-by-hash idiom used by
// the billing and refund engines.
package circuit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omniway/gateway/redisstore"
)

// Status is the breaker's state.
type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half-open"
)

// state is the JSON blob stored under circuit:{provider}.
type state struct {
	Status      Status `json:"status"`
	Failures    int    `json:"failures"`
	LastFailure int64  `json:"last_failure"` // Unix milliseconds
	NextRetry   int64  `json:"next_retry"`   // Unix milliseconds; 0 while closed
}

// recordFailureScript atomically increments the failure count and opens
// the circuit once the threshold is reached, or transitions a half-open
// probe failure back to open with a fresh window.
const recordFailureScript = `
local raw = redis.call('GET', KEYS[1])
local threshold = tonumber(ARGV[1])
local reset_ms = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

local failures = 0
local status = 'closed'
if raw then
  local ok, decoded = pcall(cjson.decode, raw)
  if ok then
    failures = decoded.failures or 0
    status = decoded.status or 'closed'
  end
end

failures = failures + 1
local next_retry = 0
if status == 'half-open' or failures >= threshold then
  status = 'open'
  next_retry = now_ms + reset_ms
else
  status = 'closed'
end

local blob = cjson.encode({status=status, failures=failures, last_failure=now_ms, next_retry=next_retry})
redis.call('SET', KEYS[1], blob, 'EX', ttl)
return blob
`

// recordSuccessScript closes the circuit (closed stays closed; half-open
// probe success deletes the key, i.e. resets to closed with zero failures).
const recordSuccessScript = `
redis.call('DEL', KEYS[1])
return 1
`

// evaluateScript reads current state and decides admission atomically. A
// closed circuit always admits. An open circuit whose next_retry has
// passed transitions to half-open and admits only the request performing
// that transition; every other request — whether the circuit is still
// open or already half-open from a probe in flight — is denied, so at
// most one probe is ever outstanding per provider (spec §4.7).
const evaluateScript = `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return cjson.encode({status='closed', admit=true})
end
local ok, decoded = pcall(cjson.decode, raw)
if not ok then
  return cjson.encode({status='closed', admit=true})
end

local now_ms = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

if decoded.status == 'closed' then
  return cjson.encode({status='closed', admit=true})
end

if decoded.status == 'open' and now_ms >= tonumber(decoded.next_retry) then
  decoded.status = 'half-open'
  redis.call('SET', KEYS[1], cjson.encode(decoded), 'EX', ttl)
  return cjson.encode({status='half-open', admit=true})
end

return cjson.encode({status=decoded.status, admit=false})
`

// Breaker tracks per-provider circuit state.
type Breaker struct {
	client           *redis.Client
	failureScript    *redisstore.Script
	successScript    *redisstore.Script
	evaluateScript   *redisstore.Script
	logger           zerolog.Logger
	threshold        int
	resetInterval    time.Duration
}

func New(client *redis.Client, logger zerolog.Logger, threshold int, resetInterval time.Duration) *Breaker {
	return &Breaker{
		client:         client,
		failureScript:  redisstore.NewScript(recordFailureScript),
		successScript:  redisstore.NewScript(recordSuccessScript),
		evaluateScript: redisstore.NewScript(evaluateScript),
		logger:         logger,
		threshold:      threshold,
		resetInterval:  resetInterval,
	}
}

func key(provider string) string { return "circuit:" + provider }

func (b *Breaker) safetyTTL() int64 {
	return int64(2*b.resetInterval.Seconds()) + 1
}

// evaluateResult is the admission decision returned by evaluateScript: a
// status label for logging/metrics plus the atomic admit verdict.
type evaluateResult struct {
	Status Status `json:"status"`
	Admit  bool   `json:"admit"`
}

// Allow evaluates whether a request to provider may proceed. Returns false
// if the circuit is open, or already half-open with a probe in flight; the
// single request that performs the open-to-half-open transition is the
// only one admitted as the probe.
func (b *Breaker) Allow(ctx context.Context, provider string) bool {
	res, err := b.evaluateScript.Run(ctx, b.client, []string{key(provider)},
		time.Now().UnixMilli(), b.safetyTTL())
	if err != nil {
		b.logger.Warn().Err(err).Str("provider", provider).Msg("circuit breaker evaluate failed, failing open")
		return true
	}
	var er evaluateResult
	if err := json.Unmarshal([]byte(toStr(res)), &er); err != nil {
		return true
	}
	return er.Admit
}

// RecordFailure counts a failure (upstream 5xx/429, timeout, abort per spec
// §4.7) and opens the circuit at threshold.
func (b *Breaker) RecordFailure(ctx context.Context, provider string) {
	if _, err := b.failureScript.Run(ctx, b.client, []string{key(provider)},
		b.threshold, int64(b.resetInterval.Milliseconds()), b.safetyTTL(), time.Now().UnixMilli()); err != nil {
		b.logger.Warn().Err(err).Str("provider", provider).Msg("circuit breaker record-failure error")
	}
}

// RecordSuccess closes the circuit (deletes the state key).
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) {
	if _, err := b.successScript.Run(ctx, b.client, []string{key(provider)}); err != nil {
		b.logger.Warn().Err(err).Str("provider", provider).Msg("circuit breaker record-success error")
	}
}

func toStr(v interface{}) string {
	s, _ := v.(string)
	return s
}
