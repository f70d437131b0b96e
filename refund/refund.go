// Package refund implements the Refund Engine (spec §4.9): an atomic
// idempotent refund with a daily cap per owner, followed by a durable
// write with compensating hot-state rollback on durable failure.
package refund

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omniway/gateway/redisstore"
	"github.com/omniway/gateway/store"
)

// Outcome is the refund's terminal result (spec §4.9 contract).
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeAlreadyRefunded  Outcome = "ALREADY_REFUNDED"
	OutcomeDailyCapExceeded Outcome = "DAILY_CAP_EXCEEDED"
	OutcomeNoCharge         Outcome = "NO_CHARGE"
	OutcomeError            Outcome = "ERROR"
)

// refundScript implements spec §4.9's atomic script: idempotency check,
// daily cap check, then SET idempotency + INCR daily count + INCRBY wallet.
const refundScript = `
local idem_exists = redis.call('EXISTS', KEYS[1])
if idem_exists == 1 then
  return -1
end

local daily_cap = tonumber(ARGV[2])
local count = tonumber(redis.call('GET', KEYS[2]) or '0')
if count >= daily_cap then
  return -2
end

redis.call('SET', KEYS[1], '1', 'EX', tonumber(ARGV[3]))

local n = redis.call('INCR', KEYS[2])
if n == 1 then redis.call('EXPIRE', KEYS[2], tonumber(ARGV[4])) end

local newbal = redis.call('INCRBY', KEYS[3], tonumber(ARGV[1]))
return newbal
`

// Engine refunds wallet-sourced charges.
type Engine struct {
	redis          *redis.Client
	db             *store.Store
	script         *redisstore.Script
	logger         zerolog.Logger
	dailyCap       int
	idempotencyTTL time.Duration
}

func New(redisClient *redis.Client, db *store.Store, logger zerolog.Logger, dailyCap int, idempotencyTTL time.Duration) *Engine {
	return &Engine{
		redis:          redisClient,
		db:             db,
		script:         redisstore.NewScript(refundScript),
		logger:         logger,
		dailyCap:       dailyCap,
		idempotencyTTL: idempotencyTTL,
	}
}

// Refund implements the contract in spec §4.9. A false wasWalletCharge or a
// non-positive amount short-circuits to NO_CHARGE without touching Redis.
func (e *Engine) Refund(ctx context.Context, owner store.Owner, requestID string, amountCents int64, reason string, wasWalletCharge bool) (Outcome, error) {
	if !wasWalletCharge || amountCents <= 0 {
		return OutcomeNoCharge, nil
	}

	idemKey := "idem:refund:" + owner.String() + ":" + requestID
	countKey := "refund:" + owner.String() + ":" + time.Now().UTC().Format("20060102")
	walletKey := "wallet:" + owner.String()

	res, err := e.script.Run(ctx, e.redis, []string{idemKey, countKey, walletKey},
		amountCents, e.dailyCap, int64(e.idempotencyTTL.Seconds()), secondsUntilUTCMidnight())
	if err != nil {
		return OutcomeError, fmt.Errorf("refund script: %w", err)
	}

	code := toInt64(res)
	switch code {
	case -1:
		return OutcomeAlreadyRefunded, nil
	case -2:
		return OutcomeDailyCapExceeded, nil
	}

	if _, dbErr := e.db.Refund(ctx, owner, amountCents, requestID, reason); dbErr != nil {
		e.rollback(ctx, owner, requestID, countKey, amountCents)
		return OutcomeError, fmt.Errorf("durable refund write: %w", dbErr)
	}

	return OutcomeSuccess, nil
}

// rollback compensates the hot-state mutations made by the script when the
// durable write subsequently fails (spec §4.9 "Post-script" rollback).
func (e *Engine) rollback(ctx context.Context, owner store.Owner, requestID, countKey string, amountCents int64) {
	idemKey := "idem:refund:" + owner.String() + ":" + requestID
	walletKey := "wallet:" + owner.String()

	pipe := e.redis.TxPipeline()
	pipe.Del(ctx, idemKey)
	pipe.Decr(ctx, countKey)
	pipe.IncrBy(ctx, walletKey, -amountCents)
	if _, err := pipe.Exec(ctx); err != nil {
		e.logger.Error().Err(err).Str("owner", owner.String()).Str("request_id", requestID).
			Msg("CRITICAL: refund rollback itself failed — operator intervention required")
	}
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
	default:
		return 0
	}
}
