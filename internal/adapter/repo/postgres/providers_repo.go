package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// ProviderRepo persists providers and their endpoints. Snapshot returns the
// full selection view in one round trip per table.
type ProviderRepo struct{ Pool PgxPool }

// NewProviderRepo constructs a ProviderRepo with the given pool.
func NewProviderRepo(p PgxPool) *ProviderRepo { return &ProviderRepo{Pool: p} }

const providerColumns = `id, name, base_url, provider_type, credential, priority, weight,
	cost_multiplier, is_enabled, group_tag, group_priorities, caps,
	weekly_reset_day, weekly_reset_time,
	first_byte_timeout_streaming_ms, streaming_idle_timeout_ms, request_timeout_non_streaming_ms,
	schedule, overrides, total_reset_at, created_at, updated_at`

func scanProvider(row pgx.Row) (domain.Provider, error) {
	var p domain.Provider
	var caps, groupPrio, schedule, overrides []byte
	err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &p.Type, &p.Credential, &p.Priority, &p.Weight,
		&p.CostMultiplier, &p.IsEnabled, &p.GroupTag, &groupPrio, &caps,
		&p.WeeklyResetDay, &p.WeeklyResetTime,
		&p.FirstByteTimeoutStreamingMs, &p.StreamingIdleTimeoutMs, &p.RequestTimeoutNonStreamingMs,
		&schedule, &overrides, &p.TotalResetAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Provider{}, err
	}
	if err := scanCaps(caps, &p.Caps); err != nil {
		return domain.Provider{}, err
	}
	if len(groupPrio) > 0 {
		if err := json.Unmarshal(groupPrio, &p.GroupPriorities); err != nil {
			return domain.Provider{}, err
		}
	}
	if len(schedule) > 0 && string(schedule) != "null" {
		p.Schedule = &domain.ScheduleWindow{}
		if err := json.Unmarshal(schedule, p.Schedule); err != nil {
			return domain.Provider{}, err
		}
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &p.Overrides); err != nil {
			return domain.Provider{}, err
		}
	}
	return p, nil
}

func providerArgs(p domain.Provider) ([]any, error) {
	caps, err := capsJSON(p.Caps)
	if err != nil {
		return nil, err
	}
	groupPrio, err := json.Marshal(p.GroupPriorities)
	if err != nil {
		return nil, err
	}
	schedule, err := json.Marshal(p.Schedule)
	if err != nil {
		return nil, err
	}
	overrides, err := json.Marshal(p.Overrides)
	if err != nil {
		return nil, err
	}
	return []any{p.Name, p.BaseURL, p.Type, p.Credential, p.Priority, p.Weight,
		p.CostMultiplier, p.IsEnabled, p.GroupTag, groupPrio, caps,
		p.WeeklyResetDay, p.WeeklyResetTime,
		p.FirstByteTimeoutStreamingMs, p.StreamingIdleTimeoutMs, p.RequestTimeoutNonStreamingMs,
		schedule, overrides, p.TotalResetAt}, nil
}

// Create stores a new provider and returns its id.
func (r *ProviderRepo) Create(ctx domain.Context, p domain.Provider) (int64, error) {
	args, err := providerArgs(p)
	if err != nil {
		return 0, fmt.Errorf("op=provider.create: %w", err)
	}
	q := `INSERT INTO providers (name, base_url, provider_type, credential, priority, weight,
	        cost_multiplier, is_enabled, group_tag, group_priorities, caps,
	        weekly_reset_day, weekly_reset_time,
	        first_byte_timeout_streaming_ms, streaming_idle_timeout_ms, request_timeout_non_streaming_ms,
	        schedule, overrides, total_reset_at, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,now(),now())
	      RETURNING id`
	var id int64
	if err := r.Pool.QueryRow(ctx, q, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=provider.create: %w", err)
	}
	return id, nil
}

// Update rewrites the mutable fields of a provider.
func (r *ProviderRepo) Update(ctx domain.Context, p domain.Provider) error {
	args, err := providerArgs(p)
	if err != nil {
		return fmt.Errorf("op=provider.update: %w", err)
	}
	q := `UPDATE providers SET name=$2, base_url=$3, provider_type=$4, credential=$5, priority=$6,
	        weight=$7, cost_multiplier=$8, is_enabled=$9, group_tag=$10, group_priorities=$11, caps=$12,
	        weekly_reset_day=$13, weekly_reset_time=$14,
	        first_byte_timeout_streaming_ms=$15, streaming_idle_timeout_ms=$16,
	        request_timeout_non_streaming_ms=$17, schedule=$18, overrides=$19, total_reset_at=$20,
	        updated_at=now()
	      WHERE id=$1 AND deleted_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, append([]any{p.ID}, args...)...)
	if err != nil {
		return fmt.Errorf("op=provider.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=provider.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete soft-deletes the provider.
func (r *ProviderRepo) Delete(ctx domain.Context, id int64) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE providers SET deleted_at=now() WHERE id=$1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("op=provider.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=provider.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// Get loads one live provider with its endpoints.
func (r *ProviderRepo) Get(ctx domain.Context, id int64) (domain.Provider, error) {
	q := `SELECT ` + providerColumns + ` FROM providers WHERE id=$1 AND deleted_at IS NULL`
	p, err := scanProvider(r.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Provider{}, fmt.Errorf("op=provider.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Provider{}, fmt.Errorf("op=provider.get: %w", err)
	}
	eps, err := r.endpoints(ctx, []int64{id})
	if err != nil {
		return domain.Provider{}, fmt.Errorf("op=provider.get: %w", err)
	}
	p.Endpoints = eps[id]
	return p, nil
}

// Snapshot loads every live provider with its endpoints for the selection
// path. Two queries total, stitched in memory.
func (r *ProviderRepo) Snapshot(ctx domain.Context) ([]domain.Provider, error) {
	tracer := otel.Tracer("repo.providers")
	ctx, span := tracer.Start(ctx, "providers.Snapshot")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"))

	q := `SELECT ` + providerColumns + ` FROM providers WHERE deleted_at IS NULL ORDER BY id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=provider.snapshot: %w", err)
	}
	defer rows.Close()

	var providers []domain.Provider
	var ids []int64
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("op=provider.snapshot: %w", err)
		}
		providers = append(providers, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=provider.snapshot: %w", err)
	}
	if len(providers) == 0 {
		return nil, nil
	}

	eps, err := r.endpoints(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("op=provider.snapshot: %w", err)
	}
	for i := range providers {
		providers[i].Endpoints = eps[providers[i].ID]
	}
	return providers, nil
}

const endpointColumns = `id, provider_id, url, is_enabled, sort_order, last_probe_ok, last_probe_latency_ms, created_at, updated_at`

func (r *ProviderRepo) endpoints(ctx domain.Context, providerIDs []int64) (map[int64][]domain.ProviderEndpoint, error) {
	q := `SELECT ` + endpointColumns + ` FROM provider_endpoints
	      WHERE provider_id = ANY($1) AND deleted_at IS NULL
	      ORDER BY provider_id, sort_order, id`
	rows, err := r.Pool.Query(ctx, q, providerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]domain.ProviderEndpoint)
	for rows.Next() {
		var e domain.ProviderEndpoint
		var latencyMs int64
		if err := rows.Scan(&e.ID, &e.ProviderID, &e.URL, &e.IsEnabled, &e.SortOrder,
			&e.LastProbeOK, &latencyMs, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.LastProbeLatency = time.Duration(latencyMs) * time.Millisecond
		out[e.ProviderID] = append(out[e.ProviderID], e)
	}
	return out, rows.Err()
}

// UpsertEndpoint inserts or updates an endpoint by id.
func (r *ProviderRepo) UpsertEndpoint(ctx domain.Context, e domain.ProviderEndpoint) (int64, error) {
	if e.ID == 0 {
		q := `INSERT INTO provider_endpoints (provider_id, url, is_enabled, sort_order, created_at, updated_at)
		      VALUES ($1,$2,$3,$4,now(),now()) RETURNING id`
		var id int64
		if err := r.Pool.QueryRow(ctx, q, e.ProviderID, e.URL, e.IsEnabled, e.SortOrder).Scan(&id); err != nil {
			return 0, fmt.Errorf("op=provider.upsert_endpoint: %w", err)
		}
		return id, nil
	}
	q := `UPDATE provider_endpoints SET url=$2, is_enabled=$3, sort_order=$4, updated_at=now()
	      WHERE id=$1 AND deleted_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, e.ID, e.URL, e.IsEnabled, e.SortOrder)
	if err != nil {
		return 0, fmt.Errorf("op=provider.upsert_endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("op=provider.upsert_endpoint: %w", domain.ErrNotFound)
	}
	return e.ID, nil
}

// DeleteEndpoint soft-deletes one endpoint.
func (r *ProviderRepo) DeleteEndpoint(ctx domain.Context, id int64) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE provider_endpoints SET deleted_at=now() WHERE id=$1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("op=provider.delete_endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=provider.delete_endpoint: %w", domain.ErrNotFound)
	}
	return nil
}

// UpdateEndpointProbe records a probe result on the endpoint row.
func (r *ProviderRepo) UpdateEndpointProbe(ctx domain.Context, endpointID int64, ok bool, latency time.Duration) error {
	q := `UPDATE provider_endpoints SET last_probe_ok=$2, last_probe_latency_ms=$3, updated_at=now()
	      WHERE id=$1 AND deleted_at IS NULL`
	if _, err := r.Pool.Exec(ctx, q, endpointID, ok, latency.Milliseconds()); err != nil {
		return fmt.Errorf("op=provider.update_endpoint_probe: %w", err)
	}
	return nil
}

// ResetTotalUsage restarts the provider's lifetime-cap accumulation at the
// given instant.
func (r *ProviderRepo) ResetTotalUsage(ctx domain.Context, providerID int64, at time.Time) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE providers SET total_reset_at=$2, updated_at=now() WHERE id=$1 AND deleted_at IS NULL`,
		providerID, at)
	if err != nil {
		return fmt.Errorf("op=provider.reset_total_usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=provider.reset_total_usage: %w", domain.ErrNotFound)
	}
	return nil
}
