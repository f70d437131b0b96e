// Package pricing implements the Pricing Resolver (spec §4.4): a
// process-local map (5 min), a hot-state cache (10 min), then the durable
// store, deriving the synthetic per-request charge unit the billing engine
// spends.
package pricing

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omniway/gateway/store"
)

const (
	localTTL    = 5 * time.Minute
	hotStateTTL = 10 * time.Minute

	// defaultPriceCents is charged for unknown models (spec §4.4).
	defaultPriceCents int64 = 1

	// avgTokens is the fixed synthetic request size used to derive a
	// per-request price from per-million-token rates (spec §3).
	avgTokens = 1000
)

// Resolver resolves a model's current per-request price in cents.
type Resolver struct {
	redis  *redis.Client
	db     *store.Store
	logger zerolog.Logger

	mu    sync.Mutex
	local map[string]localEntry
}

type localEntry struct {
	priceCents int64
	expiresAt  time.Time
}

func New(redisClient *redis.Client, db *store.Store, logger zerolog.Logger) *Resolver {
	return &Resolver{redis: redisClient, db: db, logger: logger, local: make(map[string]localEntry)}
}

// PriceCents returns the per-request charge unit for modelID, per spec §3:
// ceil(max(1, (in+out)/1e6 * avg_tokens)).
func (r *Resolver) PriceCents(ctx context.Context, modelID string) int64 {
	r.mu.Lock()
	if e, ok := r.local[modelID]; ok && time.Now().Before(e.expiresAt) {
		r.mu.Unlock()
		return e.priceCents
	}
	r.mu.Unlock()

	cacheKey := "pricing:" + modelID
	if cached, err := r.redis.Get(ctx, cacheKey).Result(); err == nil {
		var p store.Pricing
		if jsonErr := json.Unmarshal([]byte(cached), &p); jsonErr == nil {
			price := derivePrice(&p)
			r.storeLocal(modelID, price)
			return price
		}
	}

	p, err := r.db.FindPricing(ctx, modelID, time.Now().UTC())
	if err != nil {
		if err != store.ErrNotFound {
			r.logger.Warn().Err(err).Str("model", modelID).Msg("pricing lookup failed, using default price")
		}
		r.storeLocal(modelID, defaultPriceCents)
		return defaultPriceCents
	}

	price := derivePrice(p)
	if b, err := json.Marshal(p); err == nil {
		r.redis.Set(ctx, cacheKey, b, hotStateTTL)
	}
	r.storeLocal(modelID, price)
	return price
}

func derivePrice(p *store.Pricing) int64 {
	totalPerM := float64(p.InputPerM + p.OutputPerM)
	raw := totalPerM / 1e6 * float64(avgTokens)
	price := int64(math.Ceil(raw))
	if price < 1 {
		price = 1
	}
	return price
}

func (r *Resolver) storeLocal(modelID string, price int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[modelID] = localEntry{priceCents: price, expiresAt: time.Now().Add(localTTL)}
}

// Invalidate busts both cache tiers after a pricing edit.
func (r *Resolver) Invalidate(ctx context.Context, modelID string) {
	r.mu.Lock()
	delete(r.local, modelID)
	r.mu.Unlock()
	r.redis.Del(ctx, "pricing:"+modelID)
}
