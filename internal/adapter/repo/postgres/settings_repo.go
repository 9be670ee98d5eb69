package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// SettingsRepo persists the single system settings row (id=1). Update bumps
// the version so readers can detect staleness.
type SettingsRepo struct{ Pool PgxPool }

// NewSettingsRepo constructs a SettingsRepo with the given pool.
func NewSettingsRepo(p PgxPool) *SettingsRepo { return &SettingsRepo{Pool: p} }

// Get loads the settings row, returning defaults when it does not exist yet.
func (r *SettingsRepo) Get(ctx domain.Context) (domain.SystemSettings, error) {
	q := `SELECT warmup_intercept_enabled, max_retry_attempts, service_tag, version
	      FROM system_settings WHERE id = 1`
	var s domain.SystemSettings
	err := r.Pool.QueryRow(ctx, q).Scan(&s.WarmupInterceptEnabled, &s.MaxRetryAttempts, &s.ServiceTag, &s.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SystemSettings{MaxRetryAttempts: 3}, nil
	}
	if err != nil {
		return domain.SystemSettings{}, fmt.Errorf("op=settings.get: %w", err)
	}
	return s, nil
}

// Update upserts the settings row and returns the stored snapshot with its
// new version.
func (r *SettingsRepo) Update(ctx domain.Context, s domain.SystemSettings) (domain.SystemSettings, error) {
	q := `INSERT INTO system_settings (id, warmup_intercept_enabled, max_retry_attempts, service_tag, version, updated_at)
	      VALUES (1, $1, $2, $3, 1, now())
	      ON CONFLICT (id) DO UPDATE SET
	        warmup_intercept_enabled = EXCLUDED.warmup_intercept_enabled,
	        max_retry_attempts = EXCLUDED.max_retry_attempts,
	        service_tag = EXCLUDED.service_tag,
	        version = system_settings.version + 1,
	        updated_at = now()
	      RETURNING warmup_intercept_enabled, max_retry_attempts, service_tag, version`
	var out domain.SystemSettings
	err := r.Pool.QueryRow(ctx, q, s.WarmupInterceptEnabled, s.MaxRetryAttempts, s.ServiceTag).
		Scan(&out.WarmupInterceptEnabled, &out.MaxRetryAttempts, &out.ServiceTag, &out.Version)
	if err != nil {
		return domain.SystemSettings{}, fmt.Errorf("op=settings.update: %w", err)
	}
	return out, nil
}
