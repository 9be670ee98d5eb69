package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// KeyRepo persists API keys. Only the secret digest is stored.
type KeyRepo struct{ Pool PgxPool }

// NewKeyRepo constructs a KeyRepo with the given pool.
func NewKeyRepo(p PgxPool) *KeyRepo { return &KeyRepo{Pool: p} }

const keyColumns = `id, secret_hash, masked_secret, user_id, expires_at, is_enabled,
	can_login_web_ui, provider_group, cache_ttl_preference, caps, created_at, updated_at`

func scanKey(row pgx.Row) (domain.Key, error) {
	var k domain.Key
	var caps []byte
	if err := row.Scan(&k.ID, &k.SecretHash, &k.MaskedSecret, &k.UserID, &k.ExpiresAt, &k.IsEnabled,
		&k.CanLoginWebUI, &k.ProviderGroup, &k.CacheTTLPreference, &caps, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return domain.Key{}, err
	}
	if err := scanCaps(caps, &k.Caps); err != nil {
		return domain.Key{}, err
	}
	return k, nil
}

// Create stores a new key and returns its id.
func (r *KeyRepo) Create(ctx domain.Context, k domain.Key) (int64, error) {
	caps, err := capsJSON(k.Caps)
	if err != nil {
		return 0, fmt.Errorf("op=key.create: %w", err)
	}
	q := `INSERT INTO api_keys (secret_hash, masked_secret, user_id, expires_at, is_enabled,
	        can_login_web_ui, provider_group, cache_ttl_preference, caps, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now()) RETURNING id`
	var id int64
	err = r.Pool.QueryRow(ctx, q, k.SecretHash, k.MaskedSecret, k.UserID, k.ExpiresAt, k.IsEnabled,
		k.CanLoginWebUI, k.ProviderGroup, k.CacheTTLPreference, caps).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=key.create: %w", err)
	}
	return id, nil
}

// Update rewrites the mutable fields of a key. The secret digest is immutable.
func (r *KeyRepo) Update(ctx domain.Context, k domain.Key) error {
	caps, err := capsJSON(k.Caps)
	if err != nil {
		return fmt.Errorf("op=key.update: %w", err)
	}
	q := `UPDATE api_keys SET expires_at=$2, is_enabled=$3, can_login_web_ui=$4, provider_group=$5,
	        cache_ttl_preference=$6, caps=$7, updated_at=now()
	      WHERE id=$1 AND deleted_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, k.ID, k.ExpiresAt, k.IsEnabled, k.CanLoginWebUI, k.ProviderGroup,
		k.CacheTTLPreference, caps)
	if err != nil {
		return fmt.Errorf("op=key.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=key.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete soft-deletes the key.
func (r *KeyRepo) Delete(ctx domain.Context, id int64) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE api_keys SET deleted_at=now() WHERE id=$1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("op=key.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=key.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// Get loads one live key by id.
func (r *KeyRepo) Get(ctx domain.Context, id int64) (domain.Key, error) {
	q := `SELECT ` + keyColumns + ` FROM api_keys WHERE id=$1 AND deleted_at IS NULL`
	k, err := scanKey(r.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Key{}, fmt.Errorf("op=key.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Key{}, fmt.Errorf("op=key.get: %w", err)
	}
	return k, nil
}

// List returns the live keys of a user ordered by id.
func (r *KeyRepo) List(ctx domain.Context, userID int64) ([]domain.Key, error) {
	q := `SELECT ` + keyColumns + ` FROM api_keys WHERE user_id=$1 AND deleted_at IS NULL ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("op=key.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("op=key.list: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=key.list: %w", err)
	}
	return out, nil
}

// FindBySecretHash resolves the bearer digest on the request hot path.
func (r *KeyRepo) FindBySecretHash(ctx domain.Context, hash string) (domain.Key, error) {
	q := `SELECT ` + keyColumns + ` FROM api_keys WHERE secret_hash=$1 AND deleted_at IS NULL`
	k, err := scanKey(r.Pool.QueryRow(ctx, q, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Key{}, fmt.Errorf("op=key.find_by_secret_hash: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return domain.Key{}, fmt.Errorf("op=key.find_by_secret_hash: %w", err)
	}
	return k, nil
}
