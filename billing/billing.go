// Package billing implements the Billing Engine (spec §4.5): an atomic
// allowance-or-wallet charge decision in a single Redis round trip, backed
// by a synchronous durable write for wallet-sourced charges with hot-state
// rollback on durable failure.
package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omniway/gateway/redisstore"
	"github.com/omniway/gateway/store"
)

type billingError string

func (e billingError) Error() string { return string(e) }

const ErrBillingUnavailable billingError = "billing_error:billing_unavailable"

// Source identifies what paid for a charge, or why it was denied.
type Source string

const (
	SourceAllowance          Source = "allowance"
	SourceWallet             Source = "wallet"
	SourceInsufficientWallet Source = "insufficient_wallet"
	SourceLocked             Source = "locked"
)

// Code mirrors the script's 0/1/2 result (spec §4.5 contract).
type Code int

const (
	CodeDenied    Code = 0
	CodeCharged   Code = 1
	CodeReplayed  Code = 2
)

// Result is the outcome of Charge.
type Result struct {
	Code               Code
	Source             Source
	ChargedCents        int64
	AllowanceRemaining int64
	WalletBalanceCents int64
}

// billingScript implements spec §4.5's exact decision order: lock check,
// idempotency replay, allowance path, free-wallet path, wallet path.
const billingScript = `
local lock = redis.call('GET', KEYS[4])
if lock == '1' then
  local balance = tonumber(redis.call('GET', KEYS[2]) or '0')
  local used = tonumber(redis.call('GET', KEYS[1]) or '0')
  local daily_allowance = tonumber(ARGV[1])
  return {0, 'locked', 0, daily_allowance - used, balance}
end

local idem = redis.call('GET', KEYS[3])
if idem then
  local parts = {}
  for token in string.gmatch(idem, "([^:]+)") do
    table.insert(parts, token)
  end
  return {2, parts[1], tonumber(parts[2]), tonumber(parts[3]), tonumber(parts[4])}
end

local daily_allowance = tonumber(ARGV[1])
local price_cents = tonumber(ARGV[2])
local idempotency_ttl = tonumber(ARGV[3])
local day_ttl = tonumber(ARGV[4])

local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local balance = tonumber(redis.call('GET', KEYS[2]) or '0')

if daily_allowance > 0 and used < daily_allowance then
  local n = redis.call('INCR', KEYS[1])
  if n == 1 then redis.call('EXPIRE', KEYS[1], day_ttl) end
  local remaining = daily_allowance - n
  redis.call('SET', KEYS[3], 'allowance:0:' .. remaining .. ':' .. balance, 'EX', idempotency_ttl)
  return {1, 'allowance', 0, remaining, balance}
end

if price_cents <= 0 then
  local remaining = daily_allowance - used
  redis.call('SET', KEYS[3], 'allowance:0:' .. remaining .. ':' .. balance, 'EX', idempotency_ttl)
  return {1, 'allowance', 0, remaining, balance}
end

if balance < price_cents then
  local remaining = daily_allowance - used
  return {0, 'insufficient_wallet', price_cents, remaining, balance}
end

local newbal = redis.call('INCRBY', KEYS[2], -price_cents)
local remaining = daily_allowance - used
redis.call('SET', KEYS[3], 'wallet:' .. price_cents .. ':' .. remaining .. ':' .. newbal, 'EX', idempotency_ttl)
return {1, 'wallet', price_cents, remaining, newbal}
`

// Engine is the billing engine.
type Engine struct {
	redis          *redis.Client
	db             *store.Store
	script         *redisstore.Script
	logger         zerolog.Logger
	idempotencyTTL time.Duration
	dayTTLSafety   time.Duration
}

func New(redisClient *redis.Client, db *store.Store, logger zerolog.Logger, idempotencyTTL, dayTTLSafety time.Duration) *Engine {
	return &Engine{
		redis:          redisClient,
		db:             db,
		script:         redisstore.NewScript(billingScript),
		logger:         logger,
		idempotencyTTL: idempotencyTTL,
		dayTTLSafety:   dayTTLSafety,
	}
}

// Charge implements the contract in spec §4.5.
func (e *Engine) Charge(ctx context.Context, owner store.Owner, requestID, model string, pol *store.Policy, priceCents int64) (*Result, error) {
	effectivePrice := priceCents
	if !pol.WalletEnabled {
		effectivePrice = 0
	}

	keys := []string{
		allowanceKey(owner),
		walletKey(owner),
		idempotencyKey(owner, requestID),
		lockKey(owner),
	}

	res, err := e.script.Run(ctx, e.redis, keys,
		pol.DailyAllowance, effectivePrice, int64(e.idempotencyTTL.Seconds()), secondsUntilUTCMidnight()+int64(e.dayTTLSafety.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("billing script: %w", err)
	}

	result, err := parseResult(res)
	if err != nil {
		return nil, err
	}

	if result.Code == CodeCharged && result.Source == SourceWallet {
		if _, dbErr := e.db.ChargeWallet(ctx, owner, result.ChargedCents, requestID, model); dbErr != nil {
			// Roll back hot-state and surface billing_unavailable (spec §4.5).
			if rollbackErr := e.redis.IncrBy(ctx, walletKey(owner), result.ChargedCents).Err(); rollbackErr != nil {
				e.logger.Error().Err(rollbackErr).Str("owner", owner.String()).Str("request_id", requestID).
					Msg("billing rollback failed after durable write failure — hot-state and durable wallet are now inconsistent")
			}
			return nil, ErrBillingUnavailable
		}
	}

	return result, nil
}

func parseResult(res interface{}) (*Result, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 5 {
		return nil, fmt.Errorf("billing script: unexpected result shape")
	}
	code := Code(toInt64(vals[0]))
	source := Source(toString(vals[1]))
	return &Result{
		Code:               code,
		Source:             source,
		ChargedCents:       toInt64(vals[2]),
		AllowanceRemaining: toInt64(vals[3]),
		WalletBalanceCents: toInt64(vals[4]),
	}, nil
}

func allowanceKey(o store.Owner) string {
	return "allowance:" + o.String() + ":" + time.Now().UTC().Format("20060102")
}

func walletKey(o store.Owner) string { return "wallet:" + o.String() }

func lockKey(o store.Owner) string { return "wallet:" + o.String() + ":locked" }

func idempotencyKey(o store.Owner, requestID string) string {
	return "idem:charge:" + o.String() + ":" + requestID
}

func secondsUntilUTCMidnight() int64 {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return int64(midnight.Sub(now).Seconds())
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
