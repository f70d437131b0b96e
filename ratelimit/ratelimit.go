// Package ratelimit implements the Rate Limiter component (spec §4.2):
// atomic fixed-window request counters across minute/hour/day plus
// concurrency slot accounting, both via server-side scripted transactions
// that fail open on hot-state errors.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omniway/gateway/config"
	"github.com/omniway/gateway/redisstore"
	"github.com/omniway/gateway/store"
)

// LimitedBy identifies which window rejected the request.
type LimitedBy string

const (
	LimitedByNone   LimitedBy = "none"
	LimitedByMinute LimitedBy = "minute"
	LimitedByHour   LimitedBy = "hour"
	LimitedByDay    LimitedBy = "day"
)

// Decision is the outcome of check_rate (spec §4.2 contract).
type Decision struct {
	Allowed         bool
	MinuteRemaining int
	HourRemaining   int
	DayRemaining    int
	ResetAt         time.Time
	LimitedBy       LimitedBy
}

// windowRateScript implements spec §4.2's algorithm: read all three
// counters; if any is at or above its limit, return denied without
// incrementing; otherwise increment all three (setting TTL on first
// increment of each) and return remaining counts.
const windowRateScript = `
local c1 = tonumber(redis.call('GET', KEYS[1]) or '0')
local c2 = tonumber(redis.call('GET', KEYS[2]) or '0')
local c3 = tonumber(redis.call('GET', KEYS[3]) or '0')
local l1, l2, l3 = tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3])
local t1, t2, t3 = tonumber(ARGV[4]), tonumber(ARGV[5]), tonumber(ARGV[6])

if c1 >= l1 then
  return {0, 1, l1 - c1, l2 - c2, l3 - c3}
end
if c2 >= l2 then
  return {0, 2, l1 - c1, l2 - c2, l3 - c3}
end
if c3 >= l3 then
  return {0, 3, l1 - c1, l2 - c2, l3 - c3}
end

local n1 = redis.call('INCR', KEYS[1])
if n1 == 1 then redis.call('EXPIRE', KEYS[1], t1) end
local n2 = redis.call('INCR', KEYS[2])
if n2 == 1 then redis.call('EXPIRE', KEYS[2], t2) end
local n3 = redis.call('INCR', KEYS[3])
if n3 == 1 then redis.call('EXPIRE', KEYS[3], t3) end

return {1, 0, l1 - n1, l2 - n2, l3 - n3}
`

// concurrencyAcquireScript implements the "acquire" operation from spec
// §4.2: deny if at max, else INCR and set a safety TTL on first use.
const concurrencyAcquireScript = `
local max = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local reqID = ARGV[3]

local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= max then
  return {0, cur}
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then redis.call('EXPIRE', KEYS[1], ttl) end
redis.call('HSET', KEYS[2], reqID, tostring(redis.call('TIME')[1]))
redis.call('EXPIRE', KEYS[2], ttl)
return {1, n}
`

// concurrencyReleaseScript implements "release": DECR only if above zero,
// never below, and drops the debug hash entry.
const concurrencyReleaseScript = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur > 0 then
  redis.call('DECR', KEYS[1])
end
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`

const safetyTTLSeconds = 300

// Limiter enforces the rate limit and concurrency slot components.
type Limiter struct {
	client           *redis.Client
	windowScript     *redisstore.Script
	acquireScript    *redisstore.Script
	releaseScript    *redisstore.Script
	logger           zerolog.Logger
	hotStateTimeout  time.Duration
}

func New(client *redis.Client, cfg *config.Config, logger zerolog.Logger) *Limiter {
	return &Limiter{
		client:          client,
		windowScript:    redisstore.NewScript(windowRateScript),
		acquireScript:   redisstore.NewScript(concurrencyAcquireScript),
		releaseScript:   redisstore.NewScript(concurrencyReleaseScript),
		logger:          logger,
		hotStateTimeout: cfg.HotStateTimeout,
	}
}

// CheckRate implements the contract in spec §4.2. On hot-state errors it
// fails open (allow, log) per spec §4.2 "Failure policy" and §7 recovery.
func (l *Limiter) CheckRate(ctx context.Context, owner store.Owner, pol *store.Policy) Decision {
	ctx, cancel := context.WithTimeout(ctx, l.hotStateTimeout)
	defer cancel()

	now := time.Now().UTC()
	minuteBucket := now.Unix() / 60
	hourBucket := now.Unix() / 3600
	dayBucket := now.Unix() / 86400

	ownerKey := owner.String()
	keys := []string{
		"rl:" + ownerKey + ":60:" + strconv.FormatInt(minuteBucket, 10),
		"rl:" + ownerKey + ":3600:" + strconv.FormatInt(hourBucket, 10),
		"rl:" + ownerKey + ":86400:" + strconv.FormatInt(dayBucket, 10),
	}

	minuteTTL := 60 - (now.Unix() % 60) + 1
	hourTTL := 3600 - (now.Unix() % 3600) + 1
	dayTTL := 86400 - (now.Unix() % 86400) + 1

	res, err := l.windowScript.Run(ctx, l.client, keys,
		pol.PerMinute, pol.PerHour, pol.PerDay, minuteTTL, hourTTL, dayTTL)
	if err != nil {
		l.logger.Warn().Err(err).Str("owner", ownerKey).Msg("rate limiter hot-state error, failing open")
		return Decision{Allowed: true, LimitedBy: LimitedByNone,
			MinuteRemaining: pol.PerMinute, HourRemaining: pol.PerHour, DayRemaining: pol.PerDay,
			ResetAt: now.Add(time.Duration(minuteTTL) * time.Second)}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 5 {
		l.logger.Warn().Str("owner", ownerKey).Msg("rate limiter script returned unexpected shape, failing open")
		return Decision{Allowed: true, LimitedBy: LimitedByNone}
	}

	allowed := toInt64(vals[0]) == 1
	limitedByCode := toInt64(vals[1])
	minuteRem := int(toInt64(vals[2]))
	hourRem := int(toInt64(vals[3]))
	dayRem := int(toInt64(vals[4]))

	var limitedBy LimitedBy
	var resetSeconds int64
	switch limitedByCode {
	case 1:
		limitedBy = LimitedByMinute
		resetSeconds = minuteTTL
	case 2:
		limitedBy = LimitedByHour
		resetSeconds = hourTTL
	case 3:
		limitedBy = LimitedByDay
		resetSeconds = dayTTL
	default:
		limitedBy = LimitedByNone
		resetSeconds = minuteTTL
	}

	return Decision{
		Allowed:         allowed,
		MinuteRemaining: maxInt(minuteRem, 0),
		HourRemaining:   maxInt(hourRem, 0),
		DayRemaining:    maxInt(dayRem, 0),
		ResetAt:         now.Add(time.Duration(resetSeconds) * time.Second),
		LimitedBy:       limitedBy,
	}
}

// AcquireSlot implements the concurrency "acquire" operation from spec §4.2.
// Fails open on hot-state error.
func (l *Limiter) AcquireSlot(ctx context.Context, owner store.Owner, requestID string, maxConcurrent int) (allowed bool, current int) {
	ctx, cancel := context.WithTimeout(ctx, l.hotStateTimeout)
	defer cancel()

	counterKey := "concurrency:" + owner.String()
	hashKey := "concurrency:" + owner.String() + ":reqs"

	res, err := l.acquireScript.Run(ctx, l.client, []string{counterKey, hashKey}, maxConcurrent, safetyTTLSeconds, requestID)
	if err != nil {
		l.logger.Warn().Err(err).Str("owner", owner.String()).Msg("concurrency acquire hot-state error, failing open")
		return true, 0
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return true, 0
	}
	return toInt64(vals[0]) == 1, int(toInt64(vals[1]))
}

// ReleaseSlot implements the concurrency "release" operation.
func (l *Limiter) ReleaseSlot(ctx context.Context, owner store.Owner, requestID string) {
	ctx, cancel := context.WithTimeout(ctx, l.hotStateTimeout)
	defer cancel()

	counterKey := "concurrency:" + owner.String()
	hashKey := "concurrency:" + owner.String() + ":reqs"
	if _, err := l.releaseScript.Run(ctx, l.client, []string{counterKey, hashKey}, requestID); err != nil {
		l.logger.Warn().Err(err).Str("owner", owner.String()).Msg("concurrency release hot-state error")
	}
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

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
