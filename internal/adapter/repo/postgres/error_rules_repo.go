package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// ErrorRuleRepo persists the upstream error classification rules.
type ErrorRuleRepo struct{ Pool PgxPool }

// NewErrorRuleRepo constructs an ErrorRuleRepo with the given pool.
func NewErrorRuleRepo(p PgxPool) *ErrorRuleRepo { return &ErrorRuleRepo{Pool: p} }

const errorRuleColumns = `id, pattern, match_type, category, priority, is_enabled, created_at, updated_at`

func scanErrorRule(row pgx.Row) (domain.ErrorRule, error) {
	var er domain.ErrorRule
	err := row.Scan(&er.ID, &er.Pattern, &er.MatchType, &er.Category, &er.Priority,
		&er.IsEnabled, &er.CreatedAt, &er.UpdatedAt)
	return er, err
}

// Create stores a new rule and returns its id.
func (r *ErrorRuleRepo) Create(ctx domain.Context, er domain.ErrorRule) (int64, error) {
	q := `INSERT INTO error_rules (pattern, match_type, category, priority, is_enabled, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,now(),now()) RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q, er.Pattern, er.MatchType, er.Category, er.Priority, er.IsEnabled).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=errorrule.create: %w", err)
	}
	return id, nil
}

// Update rewrites one rule.
func (r *ErrorRuleRepo) Update(ctx domain.Context, er domain.ErrorRule) error {
	q := `UPDATE error_rules SET pattern=$2, match_type=$3, category=$4, priority=$5, is_enabled=$6, updated_at=now()
	      WHERE id=$1 AND deleted_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, er.ID, er.Pattern, er.MatchType, er.Category, er.Priority, er.IsEnabled)
	if err != nil {
		return fmt.Errorf("op=errorrule.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=errorrule.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete soft-deletes one rule.
func (r *ErrorRuleRepo) Delete(ctx domain.Context, id int64) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE error_rules SET deleted_at=now() WHERE id=$1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("op=errorrule.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=errorrule.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// List returns all live rules in evaluation order: priority desc, then
// creation time asc.
func (r *ErrorRuleRepo) List(ctx domain.Context) ([]domain.ErrorRule, error) {
	q := `SELECT ` + errorRuleColumns + ` FROM error_rules
	      WHERE deleted_at IS NULL
	      ORDER BY priority DESC, created_at ASC, id ASC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=errorrule.list: %w", err)
	}
	defer rows.Close()
	var out []domain.ErrorRule
	for rows.Next() {
		er, err := scanErrorRule(rows)
		if err != nil {
			return nil, fmt.Errorf("op=errorrule.list: %w", err)
		}
		out = append(out, er)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=errorrule.list: %w", err)
	}
	return out, nil
}
