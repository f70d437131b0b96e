// Package auth implements the Key & Policy Resolver (spec §4.1): bearer-key
// authentication against a two-level cache (hot Redis cache, durable
// Postgres store) and policy resolution with a synthesized default free
// policy for owners with no active subscription.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omniway/gateway/config"
	"github.com/omniway/gateway/store"
)

// authError is the sentinel error type for this package: a string-backed
// error whose value doubles as the "category:code" pair apierr parses.
type authError string

func (e authError) Error() string { return string(e) }

const (
	ErrInvalidFormat authError = "auth_error:invalid_format"
	ErrInvalidKey     authError = "auth_error:invalid"
	ErrInactiveKey    authError = "auth_error:inactive"
	ErrExpiredKey     authError = "auth_error:expired"
	ErrIPNotAllowed   authError = "auth_error:ip_not_allowed"
)

const (
	bearerPrefix  = "omni_"
	keyCacheTTL   = 5 * time.Minute
	policyCacheTTL = 5 * time.Minute
)

// AuthContext is the outcome of a successful resolution (spec §4.1 contract).
type AuthContext struct {
	Owner             store.Owner
	APIKeyID          string
	KeyPrefix         string
	Scopes            []string
	KeyAllowedModels  []string
	KeyAllowedIPs     []string
	Policy            *store.Policy
}

// Resolver authenticates bearer keys and resolves policies.
type Resolver struct {
	redis  *redis.Client
	db     *store.Store
	cfg    *config.Config
	logger zerolog.Logger
}

func New(redisClient *redis.Client, db *store.Store, cfg *config.Config, logger zerolog.Logger) *Resolver {
	return &Resolver{redis: redisClient, db: db, cfg: cfg, logger: logger}
}

// Resolve implements spec §4.1's algorithm end to end.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*AuthContext, error) {
	token, err := parseBearer(req.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	key, err := r.lookupKey(ctx, hash)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !key.Active {
		return nil, ErrInactiveKey
	}
	if key.RevokedAt != nil {
		return nil, ErrInactiveKey
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		return nil, ErrExpiredKey
	}

	owner, err := r.resolveOwner(ctx, key)
	if err != nil {
		return nil, err
	}

	if len(key.AllowedIPs) > 0 {
		ip := clientIP(req)
		if !ipAllowed(ip, key.AllowedIPs) {
			return nil, ErrIPNotAllowed
		}
	}

	policy, err := r.resolvePolicy(ctx, owner)
	if err != nil {
		return nil, err
	}

	go r.touchKey(key.ID, clientIP(req))

	return &AuthContext{
		Owner:            owner,
		APIKeyID:         key.ID,
		KeyPrefix:        key.KeyPrefix,
		Scopes:           key.Scopes,
		KeyAllowedModels: key.AllowedModels,
		KeyAllowedIPs:    key.AllowedIPs,
		Policy:           policy,
	}, nil
}

func parseBearer(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrInvalidFormat
	}
	token := strings.TrimPrefix(header, prefix)
	if !strings.HasPrefix(token, bearerPrefix) {
		return "", ErrInvalidFormat
	}
	return token, nil
}

func (r *Resolver) lookupKey(ctx context.Context, hash string) (*store.ApiKey, error) {
	cacheKey := "auth:key:" + hash

	if cached, err := r.redis.Get(ctx, cacheKey).Result(); err == nil {
		var k store.ApiKey
		if jsonErr := json.Unmarshal([]byte(cached), &k); jsonErr == nil {
			return &k, nil
		}
	}

	key, err := r.db.FindKeyByHash(ctx, hash)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrInvalidKey
		}
		// Hot-state errors fail open for rate limiting, but auth lookups
		// fall back to the durable store directly — a Redis miss here
		// already went to Postgres, so no further fallback is needed.
		return nil, err
	}

	if b, err := json.Marshal(key); err == nil {
		r.redis.Set(ctx, cacheKey, b, keyCacheTTL)
	}
	return key, nil
}

func (r *Resolver) resolveOwner(ctx context.Context, key *store.ApiKey) (store.Owner, error) {
	if key.OwnerKind == store.OwnerOrg && key.ProjectOrgID != "" {
		return store.Owner{Kind: store.OwnerOrg, ID: key.ProjectOrgID}, nil
	}
	if key.ProjectOrgID != "" {
		// project-key case: owner_id on the key row is the project id.
		orgID, err := r.db.FindProjectOrg(ctx, key.OwnerID)
		if err != nil {
			return store.Owner{}, err
		}
		return store.Owner{Kind: store.OwnerOrg, ID: orgID}, nil
	}
	return store.Owner{Kind: key.OwnerKind, ID: key.OwnerID}, nil
}

func (r *Resolver) resolvePolicy(ctx context.Context, owner store.Owner) (*store.Policy, error) {
	cacheKey := "policy:" + owner.String()

	if cached, err := r.redis.Get(ctx, cacheKey).Result(); err == nil {
		var p store.Policy
		if jsonErr := json.Unmarshal([]byte(cached), &p); jsonErr == nil {
			return &p, nil
		}
	}

	pol, err := r.db.FindPolicy(ctx, owner)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}
	if err == store.ErrNotFound || !activeSubscription(pol.SubscriptionStat) {
		pol = defaultFreePolicy(r.cfg)
	}

	if b, err := json.Marshal(pol); err == nil {
		r.redis.Set(ctx, cacheKey, b, policyCacheTTL)
	}
	return pol, nil
}

func activeSubscription(status string) bool {
	switch status {
	case "ACTIVE", "TRIALING", "PAST_DUE":
		return true
	default:
		return false
	}
}

// defaultFreePolicy synthesizes the constants from spec §6.
func defaultFreePolicy(cfg *config.Config) *store.Policy {
	fp := cfg.FreePolicy
	return &store.Policy{
		PerMinute:       fp.PerMinute,
		PerHour:         fp.PerHour,
		PerDay:          fp.PerDay,
		DailyAllowance:  fp.DailyAllowance,
		MaxConcurrent:   fp.MaxConcurrent,
		MaxInputTokens:  fp.MaxInputTokens,
		MaxOutputTokens: fp.MaxOutputTok,
		MaxBodyBytes:    fp.MaxBodyBytes,
		HasStreaming:    fp.HasStreaming,
		HasWalletAccess: fp.HasWalletAccess,
		AllowedModels:   fp.AllowedModels,
		WalletEnabled:   fp.HasWalletAccess,
	}
}

func (r *Resolver) touchKey(keyID, ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.db.TouchKey(ctx, keyID, ip); err != nil {
		r.logger.Debug().Err(err).Str("key_id", keyID).Msg("failed to touch api key usage")
	}
}

// InvalidateKey deletes the hot-cache entry for a key, used on revocation
// (spec §4.1 "Invalidation").
func (r *Resolver) InvalidateKey(ctx context.Context, hash string) error {
	return r.redis.Del(ctx, "auth:key:"+hash).Err()
}

// InvalidatePolicy deletes the hot-cache entry for an owner's policy, used
// on plan/subscription/wallet-lock changes.
func (r *Resolver) InvalidatePolicy(ctx context.Context, owner store.Owner) error {
	return r.redis.Del(ctx, "policy:"+owner.String()).Err()
}

func clientIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := req.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func ipAllowed(ip string, allowed []string) bool {
	parsed := net.ParseIP(ip)
	for _, a := range allowed {
		if a == ip {
			return true
		}
		if _, cidr, err := net.ParseCIDR(a); err == nil && parsed != nil && cidr.Contains(parsed) {
			return true
		}
	}
	return false
}
