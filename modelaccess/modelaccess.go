// Package modelaccess implements the Model Access component (spec §4.3):
// catalog lookup with a 5-minute cache, capability and allowlist checks.
package modelaccess

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omniway/gateway/store"
)

type accessError string

func (e accessError) Error() string { return string(e) }

const (
	ErrModelNotFound        accessError = "not_found_error:model_not_found"
	ErrModelInactive        accessError = "api_error:model_inactive"
	ErrModelNotAllowed      accessError = "permission_error:model_not_allowed"
	ErrStreamingUnsupported accessError = "invalid_request_error:streaming_not_supported"
	ErrStreamingNotPermitted accessError = "permission_error:streaming_not_permitted"
)

const catalogCacheTTL = 5 * time.Minute

// Checker resolves and authorizes models.
type Checker struct {
	redis  *redis.Client
	db     *store.Store
	logger zerolog.Logger

	mu    sync.Mutex
	local map[string]localEntry
}

type localEntry struct {
	model     *store.Model
	expiresAt time.Time
}

func New(redisClient *redis.Client, db *store.Store, logger zerolog.Logger) *Checker {
	return &Checker{redis: redisClient, db: db, logger: logger, local: make(map[string]localEntry)}
}

// Resolve loads the model, checking the process-local map then Redis then
// Postgres, matching the tiered cache idiom used by the pricing resolver.
func (c *Checker) Resolve(ctx context.Context, modelID string) (*store.Model, error) {
	c.mu.Lock()
	if e, ok := c.local[modelID]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.model, nil
	}
	c.mu.Unlock()

	cacheKey := "model:" + modelID
	if cached, err := c.redis.Get(ctx, cacheKey).Result(); err == nil {
		var m store.Model
		if jsonErr := json.Unmarshal([]byte(cached), &m); jsonErr == nil {
			c.storeLocal(modelID, &m)
			return &m, nil
		}
	}

	m, err := c.db.FindModel(ctx, modelID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrModelNotFound
		}
		return nil, err
	}

	if b, err := json.Marshal(m); err == nil {
		c.redis.Set(ctx, cacheKey, b, catalogCacheTTL)
	}
	c.storeLocal(modelID, m)
	return m, nil
}

func (c *Checker) storeLocal(id string, m *store.Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[id] = localEntry{model: m, expiresAt: time.Now().Add(catalogCacheTTL)}
}

// Authorize implements the deny rules in spec §4.3.
func (c *Checker) Authorize(ctx context.Context, modelID string, pol *store.Policy, streaming bool) (*store.Model, error) {
	m, err := c.Resolve(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if !m.Active {
		return nil, ErrModelInactive
	}
	if len(pol.AllowedModels) > 0 && !contains(pol.AllowedModels, modelID) {
		return nil, ErrModelNotAllowed
	}
	if streaming {
		if !m.SupportsStreaming {
			return nil, ErrStreamingUnsupported
		}
		if !pol.HasStreaming {
			return nil, ErrStreamingNotPermitted
		}
	}
	if m.Deprecated {
		c.logger.Warn().Str("model", modelID).Msg("request served by deprecated model")
	}
	return m, nil
}

// Invalidate busts both cache tiers after a catalog edit.
func (c *Checker) Invalidate(ctx context.Context, modelID string) {
	c.mu.Lock()
	delete(c.local, modelID)
	c.mu.Unlock()
	c.redis.Del(ctx, "model:"+modelID)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
