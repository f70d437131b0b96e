// Package wallet implements the Wallet Ledger component (spec §4.6): every
// mutation goes through a durable transaction first, then the hot-cache is
// updated with a race-safe INCRBY.
package wallet

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omniway/gateway/store"
)

// Ledger mutates wallets durably and reconciles the hot-state cache.
type Ledger struct {
	redis  *redis.Client
	db     *store.Store
	logger zerolog.Logger
}

func New(redisClient *redis.Client, db *store.Store, logger zerolog.Logger) *Ledger {
	return &Ledger{redis: redisClient, db: db, logger: logger}
}

func walletKey(o store.Owner) string { return "wallet:" + o.String() }
func lockKey(o store.Owner) string   { return "wallet:" + o.String() + ":locked" }

// TopUp durably credits the wallet then reconciles the hot cache.
func (l *Ledger) TopUp(ctx context.Context, owner store.Owner, amountCents int64, ref string) (int64, error) {
	newBalance, err := l.db.TopUp(ctx, owner, amountCents, ref)
	if err != nil {
		return 0, err
	}
	if err := l.redis.IncrBy(ctx, walletKey(owner), amountCents).Err(); err != nil {
		l.logger.Warn().Err(err).Str("owner", owner.String()).Msg("hot-state top-up cache update failed; next reconcile will fix it")
	}
	return newBalance, nil
}

// Refund durably credits the wallet for a non-billing-engine refund path
// (e.g. admin-initiated) and reconciles the cache.
func (l *Ledger) Refund(ctx context.Context, owner store.Owner, amountCents int64, requestID, reason string) (int64, error) {
	newBalance, err := l.db.Refund(ctx, owner, amountCents, requestID, reason)
	if err != nil {
		return 0, err
	}
	if err := l.redis.IncrBy(ctx, walletKey(owner), amountCents).Err(); err != nil {
		l.logger.Warn().Err(err).Str("owner", owner.String()).Msg("hot-state refund cache update failed; next reconcile will fix it")
	}
	return newBalance, nil
}

// Lock sets the lock flag durably, appends the audit row, and sets the
// hot-state lock key the billing engine reads.
func (l *Ledger) Lock(ctx context.Context, owner store.Owner, reason string) error {
	if err := l.db.LockWallet(ctx, owner, reason); err != nil {
		return err
	}
	return l.redis.Set(ctx, lockKey(owner), "1", 0).Err()
}

// Unlock clears the lock flag durably and deletes the hot-state lock key.
func (l *Ledger) Unlock(ctx context.Context, owner store.Owner, reason string) error {
	if err := l.db.UnlockWallet(ctx, owner, reason); err != nil {
		return err
	}
	return l.redis.Del(ctx, lockKey(owner)).Err()
}

// Rollback is a compensating INCRBY on the cache only, the same correction
// the billing engine applies inline when a durable write fails after a
// successful script (spec §4.5).
func (l *Ledger) Rollback(ctx context.Context, owner store.Owner, amountCents int64) error {
	return l.redis.IncrBy(ctx, walletKey(owner), amountCents).Err()
}

// Reconcile overwrites the cache from the durable balance and sets or
// clears the lock key; it records no last-reconciled timestamp. This is the
// only path allowed to write the cache without INCRBY, used for cold start
// / cache miss (spec §4.6).
func (l *Ledger) Reconcile(ctx context.Context, owner store.Owner) (*store.Wallet, error) {
	w, err := l.db.GetWallet(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := l.redis.Set(ctx, walletKey(owner), w.BalanceCents, 0).Err(); err != nil {
		return nil, err
	}
	if w.Locked {
		err = l.redis.Set(ctx, lockKey(owner), "1", 0).Err()
	} else {
		err = l.redis.Del(ctx, lockKey(owner)).Err()
	}
	return w, err
}

// Reconciled checks the invariant in spec §8 property 3: the sum of signed
// ledger amounts equals the current wallet balance.
func (l *Ledger) Reconciled(ctx context.Context, owner store.Owner) (bool, error) {
	w, err := l.db.GetWallet(ctx, owner)
	if err != nil {
		return false, err
	}
	sum, err := l.db.SumLedger(ctx, owner)
	if err != nil {
		return false, err
	}
	return sum == w.BalanceCents, nil
}
