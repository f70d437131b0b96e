package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

var ErrNotFound = errors.New("store: not found")

// FindKeyByHash loads an API key row by its secret digest.
func (s *Store) FindKeyByHash(ctx context.Context, hash string) (*ApiKey, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, secret_hash, key_prefix, owner_kind, owner_id, project_org_id,
		       scopes, allowed_models, allowed_ips, active, expires_at, revoked_at,
		       last_used_at, last_used_ip, usage_count
		FROM api_keys WHERE secret_hash = $1`, hash)

	var k ApiKey
	var projectOrgID sql.NullString
	var expiresAt, revokedAt, lastUsedAt sql.NullTime
	var lastUsedIP sql.NullString
	if err := row.Scan(&k.ID, &k.SecretHash, &k.KeyPrefix, &k.OwnerKind, &k.OwnerID,
		&projectOrgID, pq.Array(&k.Scopes), pq.Array(&k.AllowedModels), pq.Array(&k.AllowedIPs),
		&k.Active, &expiresAt, &revokedAt, &lastUsedAt, &lastUsedIP, &k.UsageCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if projectOrgID.Valid {
		k.ProjectOrgID = projectOrgID.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		k.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		k.RevokedAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		k.LastUsedAt = &t
	}
	k.LastUsedIP = lastUsedIP.String
	return &k, nil
}

// TouchKey fire-and-forget updates last_used_at/last_used_ip/usage_count
// (spec §4.1 step 8). Errors are the caller's to log, not to act on.
func (s *Store) TouchKey(ctx context.Context, keyID, ip string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = $2, last_used_ip = $3, usage_count = usage_count + 1
		WHERE id = $1`, keyID, time.Now().UTC(), ip)
	return err
}

// FindPolicy loads the effective policy for an owner by resolving its
// subscription and plan. Returns ErrNotFound if the owner has no
// subscription row at all (caller should still synthesize the default
// free policy per spec §4.1 step 7 — that is not this function's job).
func (s *Store) FindPolicy(ctx context.Context, owner Owner) (*Policy, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT p.per_minute, p.per_hour, p.per_day, p.daily_allowance, p.max_concurrent,
		       p.max_input_tokens, p.max_output_tokens, p.max_body_bytes,
		       p.has_streaming, p.has_priority, p.has_wallet_access, p.allowed_models,
		       s.status, w.enabled, w.locked
		FROM subscriptions s
		JOIN plans p ON p.id = s.plan_id
		LEFT JOIN wallets w ON w.owner_kind = s.owner_kind AND w.owner_id = s.owner_id
		WHERE s.owner_kind = $1 AND s.owner_id = $2
		ORDER BY s.created_at DESC LIMIT 1`, owner.Kind, owner.ID)

	var pol Policy
	var walletEnabled, walletLocked sql.NullBool
	if err := row.Scan(&pol.PerMinute, &pol.PerHour, &pol.PerDay, &pol.DailyAllowance,
		&pol.MaxConcurrent, &pol.MaxInputTokens, &pol.MaxOutputTokens, &pol.MaxBodyBytes,
		&pol.HasStreaming, &pol.HasPriority, &pol.HasWalletAccess, pq.Array(&pol.AllowedModels),
		&pol.SubscriptionStat, &walletEnabled, &walletLocked); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	pol.WalletEnabled = walletEnabled.Bool
	pol.WalletLocked = walletLocked.Bool
	return &pol, nil
}

// FindProjectOrg resolves a project key's owning org id.
func (s *Store) FindProjectOrg(ctx context.Context, projectID string) (string, error) {
	var orgID string
	err := s.DB.QueryRowContext(ctx, `SELECT org_id FROM projects WHERE id = $1`, projectID).Scan(&orgID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return orgID, err
}
