package store

import (
	"context"
	"database/sql"
)

// InsertEventsDeduped batch-inserts events, skipping rows whose request_id
// already exists (spec §4.10 step 1, spec §8 property 4).
func (s *Store) InsertEventsDeduped(ctx context.Context, tx *sql.Tx, events []RequestEvent) (inserted int, err error) {
	for _, e := range events {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO request_events (request_id, owner_kind, owner_id, model, provider, endpoint,
				status, status_code, total_ms, ttfb_ms, input_bytes, output_bytes, input_tokens,
				output_tokens, billing_source, cost_cents, streaming, chunk_count, client_ip, user_agent, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			ON CONFLICT (request_id) DO NOTHING`,
			e.RequestID, e.OwnerKind, e.OwnerID, e.Model, e.Provider, e.Endpoint,
			e.Status, e.StatusCode, e.TotalMs, e.TTFBMs, e.InputBytes, e.OutputBytes, e.InputTokens,
			e.OutputTokens, e.BillingSource, e.CostCents, e.Streaming, e.ChunkCount, e.ClientIP, e.UserAgent, e.CreatedAt)
		if err != nil {
			return inserted, err
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// UpsertUsageDaily applies the batch's per-owner aggregate delta with
// INCREMENT semantics on update, or a fresh row on first insert (spec
// §4.10 step 2). d is the aggregate of all of this owner's events in the
// job; retried jobs do not double count because the caller skips owners
// whose per-job processed marker is already set (see SPEC_FULL.md
// open-question decision 1).
func (s *Store) UpsertUsageDaily(ctx context.Context, tx *sql.Tx, d UsageDaily) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO usage_daily (owner_kind, owner_id, date, request_count, success_count, error_count,
			in_tokens, out_tokens, cost_cents, allowance_used)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (owner_kind, owner_id, date) DO UPDATE SET
			request_count = usage_daily.request_count + EXCLUDED.request_count,
			success_count = usage_daily.success_count + EXCLUDED.success_count,
			error_count = usage_daily.error_count + EXCLUDED.error_count,
			in_tokens = usage_daily.in_tokens + EXCLUDED.in_tokens,
			out_tokens = usage_daily.out_tokens + EXCLUDED.out_tokens,
			cost_cents = usage_daily.cost_cents + EXCLUDED.cost_cents,
			allowance_used = usage_daily.allowance_used + EXCLUDED.allowance_used`,
		d.OwnerKind, d.OwnerID, d.Date, d.RequestCount, d.SuccessCount, d.ErrorCount,
		d.InTokens, d.OutTokens, d.CostCents, d.AllowanceUsed)
	return err
}

// HasProcessedJobOwner reports whether a given (job, owner) aggregate has
// already been applied, implementing the per-job processed marker from the
// open-question decision in SPEC_FULL.md.
func (s *Store) HasProcessedJobOwner(ctx context.Context, tx *sql.Tx, jobID, ownerKind, ownerID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM usage_job_markers WHERE job_id=$1 AND owner_kind=$2 AND owner_id=$3)`,
		jobID, ownerKind, ownerID).Scan(&exists)
	return exists, err
}

func (s *Store) MarkProcessedJobOwner(ctx context.Context, tx *sql.Tx, jobID, ownerKind, ownerID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO usage_job_markers (job_id, owner_kind, owner_id) VALUES ($1,$2,$3)
		ON CONFLICT DO NOTHING`, jobID, ownerKind, ownerID)
	return err
}

// BeginTx exposes a raw transaction for callers (the usage worker) that
// need to combine InsertEventsDeduped + UpsertUsageDaily atomically.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}
