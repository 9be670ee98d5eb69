package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// LedgerRepo is the append-only billing ledger. Rows with blocked_by set are
// recorded but never aggregated into spend.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// scopeColumn maps a quota scope to its ledger predicate column. The id
// argument is always passed as text so one code path serves all three.
func scopeColumn(scope domain.Scope) string {
	switch scope {
	case domain.ScopeUser:
		return "user_id::text"
	case domain.ScopeKey:
		return "key_hash"
	case domain.ScopeProvider:
		return "final_provider_id::text"
	default:
		return "key_hash"
	}
}

// Append inserts one ledger row.
func (r *LedgerRepo) Append(ctx domain.Context, e domain.UsageEntry) error {
	q := `INSERT INTO usage_ledger (id, created_at, user_id, key_hash, final_provider_id,
	        cost_usd, duration_ms, is_success, blocked_by, blocked_reason)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx, q, e.ID, createdAt, e.UserID, e.KeyHash, e.FinalProviderID,
		e.CostUSD, e.DurationMs, e.IsSuccess, e.BlockedBy, e.BlockedReason)
	if err != nil {
		return fmt.Errorf("op=ledger.append: %w", err)
	}
	return nil
}

// SumCostInRange sums billed cost for (scope, id) over [Start, End).
func (r *LedgerRepo) SumCostInRange(ctx domain.Context, scope domain.Scope, id string, tr domain.TimeRange) (float64, error) {
	q := `SELECT COALESCE(SUM(cost_usd), 0) FROM usage_ledger
	      WHERE ` + scopeColumn(scope) + ` = $1
	        AND created_at >= $2 AND created_at < $3
	        AND blocked_by IS NULL AND deleted_at IS NULL`
	var sum float64
	if err := r.Pool.QueryRow(ctx, q, id, tr.Start, tr.End).Scan(&sum); err != nil {
		return 0, fmt.Errorf("op=ledger.sum_cost_in_range: %w", err)
	}
	return sum, nil
}

// SumTotalCost sums all billed cost for (scope, id), optionally only rows at
// or after the reset instant.
func (r *LedgerRepo) SumTotalCost(ctx domain.Context, scope domain.Scope, id string, resetAt *time.Time) (float64, error) {
	q := `SELECT COALESCE(SUM(cost_usd), 0) FROM usage_ledger
	      WHERE ` + scopeColumn(scope) + ` = $1
	        AND blocked_by IS NULL AND deleted_at IS NULL`
	args := []any{id}
	if resetAt != nil {
		q += ` AND created_at >= $2`
		args = append(args, *resetAt)
	}
	var sum float64
	if err := r.Pool.QueryRow(ctx, q, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("op=ledger.sum_total_cost: %w", err)
	}
	return sum, nil
}

// SumQuotaCosts returns all five window sums for (scope, id) in one query
// using filtered aggregates.
func (r *LedgerRepo) SumQuotaCosts(ctx domain.Context, scope domain.Scope, id string, w domain.QuotaWindows) (domain.QuotaSums, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.SumQuotaCosts")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("quota.scope", string(scope)),
	)

	q := `SELECT
	        COALESCE(SUM(cost_usd) FILTER (WHERE created_at >= $2 AND created_at < $3), 0),
	        COALESCE(SUM(cost_usd) FILTER (WHERE created_at >= $4 AND created_at < $5), 0),
	        COALESCE(SUM(cost_usd) FILTER (WHERE created_at >= $6 AND created_at < $7), 0),
	        COALESCE(SUM(cost_usd) FILTER (WHERE created_at >= $8 AND created_at < $9), 0),
	        COALESCE(SUM(cost_usd) FILTER (WHERE ($10::timestamptz IS NULL OR created_at >= $10)
	                                         AND ($11::timestamptz IS NULL OR created_at < $11)), 0)
	      FROM usage_ledger
	      WHERE ` + scopeColumn(scope) + ` = $1
	        AND blocked_by IS NULL AND deleted_at IS NULL`
	var s domain.QuotaSums
	err := r.Pool.QueryRow(ctx, q, id,
		w.R5h.Start, w.R5h.End,
		w.Daily.Start, w.Daily.End,
		w.Weekly.Start, w.Weekly.End,
		w.Monthly.Start, w.Monthly.End,
		w.TotalSince, w.TotalCutoff,
	).Scan(&s.Cost5h, &s.CostDaily, &s.CostWeekly, &s.CostMonthly, &s.CostTotal)
	if err != nil {
		return domain.QuotaSums{}, fmt.Errorf("op=ledger.sum_quota_costs: %w", err)
	}
	return s, nil
}

// FindCostEntriesInRange returns the slim rows used to warm rolling windows,
// oldest first.
func (r *LedgerRepo) FindCostEntriesInRange(ctx domain.Context, scope domain.Scope, id string, tr domain.TimeRange) ([]domain.CostEntry, error) {
	q := `SELECT id, created_at, cost_usd FROM usage_ledger
	      WHERE ` + scopeColumn(scope) + ` = $1
	        AND created_at >= $2 AND created_at < $3
	        AND blocked_by IS NULL AND deleted_at IS NULL
	      ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, id, tr.Start, tr.End)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.find_cost_entries: %w", err)
	}
	defer rows.Close()
	var out []domain.CostEntry
	for rows.Next() {
		var e domain.CostEntry
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.CostUSD); err != nil {
			return nil, fmt.Errorf("op=ledger.find_cost_entries: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=ledger.find_cost_entries: %w", err)
	}
	return out, nil
}

// CountRequestsInRange counts billable rows for (scope, id) over [Start, End).
func (r *LedgerRepo) CountRequestsInRange(ctx domain.Context, scope domain.Scope, id string, tr domain.TimeRange) (int64, error) {
	q := `SELECT COUNT(*) FROM usage_ledger
	      WHERE ` + scopeColumn(scope) + ` = $1
	        AND created_at >= $2 AND created_at < $3
	        AND blocked_by IS NULL AND deleted_at IS NULL`
	var n int64
	if err := r.Pool.QueryRow(ctx, q, id, tr.Start, tr.End).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=ledger.count_requests: %w", err)
	}
	return n, nil
}
