package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the store relies on.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists and aggregates usage events.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Insert appends one usage event. Relies on the database's native insert
// semantics for concurrency; there is no read-modify-write here.
func (s *Store) Insert(ctx context.Context, event *Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.TotalTokens == 0 {
		event.TotalTokens = event.InputTokens + event.OutputTokens
	}

	query := `
		INSERT INTO usage_events (
			id, org_id, user_id, feature_kind, model,
			input_tokens, output_tokens, total_tokens,
			latency_ms, cache_hit, prompt_fingerprint, cost_cents, metadata, ts
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.db.Exec(ctx, query,
		event.ID, event.OrgID, event.UserID, event.FeatureKind, event.Model,
		event.InputTokens, event.OutputTokens, event.TotalTokens,
		event.LatencyMs, event.CacheHit, event.PromptFingerprint, event.CostCents,
		event.Metadata, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// SumTokens returns the organization's total token consumption over [start, end).
func (s *Store) SumTokens(ctx context.Context, orgID uuid.UUID, start, end time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(total_tokens), 0)
		FROM usage_events
		WHERE org_id = $1 AND ts >= $2 AND ts < $3
	`
	var total int64
	if err := s.db.QueryRow(ctx, query, orgID, start, end).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum usage tokens: %w", err)
	}
	return total, nil
}

// CountFingerprint counts events with the given prompt fingerprint recorded
// for the organization since the provided cutoff. Backed by the
// (org_id, prompt_fingerprint, ts) index.
func (s *Store) CountFingerprint(ctx context.Context, orgID uuid.UUID, fingerprint string, since time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM usage_events
		WHERE org_id = $1 AND prompt_fingerprint = $2 AND ts >= $3
	`
	var count int64
	if err := s.db.QueryRow(ctx, query, orgID, fingerprint, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count fingerprint events: %w", err)
	}
	return count, nil
}

// Summarize aggregates the organization's events over [start, end).
func (s *Store) Summarize(ctx context.Context, orgID uuid.UUID, start, end time.Time) (Summary, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost_cents), 0),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(AVG(CASE WHEN cache_hit THEN 1.0 ELSE 0.0 END), 0)
		FROM usage_events
		WHERE org_id = $1 AND ts >= $2 AND ts < $3
	`
	var summary Summary
	err := s.db.QueryRow(ctx, query, orgID, start, end).Scan(
		&summary.Requests,
		&summary.InputTokens,
		&summary.OutputTokens,
		&summary.TotalTokens,
		&summary.CostCents,
		&summary.AvgLatencyMs,
		&summary.CacheHitRate,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize usage: %w", err)
	}
	return summary, nil
}

// RecentEvents lists the organization's newest events, newest first.
func (s *Store) RecentEvents(ctx context.Context, orgID uuid.UUID, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, org_id, user_id, feature_kind, model,
		       input_tokens, output_tokens, total_tokens,
		       latency_ms, cache_hit, prompt_fingerprint, cost_cents, metadata, ts
		FROM usage_events
		WHERE org_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		err := rows.Scan(
			&e.ID, &e.OrgID, &e.UserID, &e.FeatureKind, &e.Model,
			&e.InputTokens, &e.OutputTokens, &e.TotalTokens,
			&e.LatencyMs, &e.CacheHit, &e.PromptFingerprint, &e.CostCents, &e.Metadata, &e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage events: %w", err)
	}
	return events, nil
}
