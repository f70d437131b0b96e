package store

import (
	"context"
	"database/sql"
	"time"
)

// FindPricing selects the pricing row effective at now, newest first (spec
// §4.4: "row with effective_from <= now < effective_to (or effective_to IS
// NULL), newest first").
func (s *Store) FindPricing(ctx context.Context, modelID string, now time.Time) (*Pricing, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT model_id, input_per_million_cents, output_per_million_cents, effective_from, effective_to
		FROM pricing
		WHERE model_id = $1 AND effective_from <= $2 AND (effective_to IS NULL OR effective_to > $2)
		ORDER BY effective_from DESC LIMIT 1`, modelID, now)

	var p Pricing
	var effTo sql.NullTime
	if err := row.Scan(&p.ModelID, &p.InputPerM, &p.OutputPerM, &p.EffectiveFrom, &effTo); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if effTo.Valid {
		t := effTo.Time
		p.EffectiveTo = &t
	}
	return &p, nil
}

// ListModels returns the full active catalog, used by GET /v1/models.
func (s *Store) ListModels(ctx context.Context) ([]Model, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, upstream_id, provider, supports_streaming, supports_vision, supports_tools,
		       supports_json_mode, max_context_tokens, max_output_tokens, active, deprecated
		FROM models WHERE active = true ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []Model
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.ID, &m.UpstreamID, &m.Provider, &m.SupportsStreaming, &m.SupportsVision,
			&m.SupportsTools, &m.SupportsJSONMode, &m.MaxContextTokens, &m.MaxOutputTokens, &m.Active, &m.Deprecated); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// FindModel loads a catalog entry by id.
func (s *Store) FindModel(ctx context.Context, modelID string) (*Model, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, upstream_id, provider, supports_streaming, supports_vision, supports_tools,
		       supports_json_mode, max_context_tokens, max_output_tokens, active, deprecated
		FROM models WHERE id = $1`, modelID)

	var m Model
	if err := row.Scan(&m.ID, &m.UpstreamID, &m.Provider, &m.SupportsStreaming, &m.SupportsVision,
		&m.SupportsTools, &m.SupportsJSONMode, &m.MaxContextTokens, &m.MaxOutputTokens, &m.Active, &m.Deprecated); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}
