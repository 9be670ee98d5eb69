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

// UserRepo persists users. Deleting a user soft-deletes its keys in the same
// transaction.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

func capsJSON(c domain.QuotaCaps) ([]byte, error) { return json.Marshal(c) }

func scanCaps(raw []byte, c *domain.QuotaCaps) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, c)
}

const userColumns = `id, name, note, tags, is_enabled, expires_at, caps, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	var caps []byte
	if err := row.Scan(&u.ID, &u.Name, &u.Note, &u.Tags, &u.IsEnabled, &u.ExpiresAt, &caps, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return domain.User{}, err
	}
	if err := scanCaps(caps, &u.Caps); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// Create stores a new user and returns its id.
func (r *UserRepo) Create(ctx domain.Context, u domain.User) (int64, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "users"),
	)
	if len(u.Tags) > domain.MaxUserTags {
		return 0, fmt.Errorf("op=user.create: too many tags: %w", domain.ErrInvalidArgument)
	}
	caps, err := capsJSON(u.Caps)
	if err != nil {
		return 0, fmt.Errorf("op=user.create: %w", err)
	}
	q := `INSERT INTO users (name, note, tags, is_enabled, expires_at, caps, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,now(),now()) RETURNING id`
	var id int64
	if err := r.Pool.QueryRow(ctx, q, u.Name, u.Note, u.Tags, u.IsEnabled, u.ExpiresAt, caps).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=user.create: %w", err)
	}
	return id, nil
}

// Update rewrites the mutable fields of a user.
func (r *UserRepo) Update(ctx domain.Context, u domain.User) error {
	caps, err := capsJSON(u.Caps)
	if err != nil {
		return fmt.Errorf("op=user.update: %w", err)
	}
	q := `UPDATE users SET name=$2, note=$3, tags=$4, is_enabled=$5, expires_at=$6, caps=$7, updated_at=now()
	      WHERE id=$1 AND deleted_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, u.ID, u.Name, u.Note, u.Tags, u.IsEnabled, u.ExpiresAt, caps)
	if err != nil {
		return fmt.Errorf("op=user.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=user.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete soft-deletes the user and all of its keys atomically.
func (r *UserRepo) Delete(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Delete")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=user.delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `UPDATE users SET deleted_at=$2 WHERE id=$1 AND deleted_at IS NULL`, id, now)
	if err != nil {
		return fmt.Errorf("op=user.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=user.delete: %w", domain.ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `UPDATE api_keys SET deleted_at=$2 WHERE user_id=$1 AND deleted_at IS NULL`, id, now); err != nil {
		return fmt.Errorf("op=user.delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=user.delete: %w", err)
	}
	return nil
}

// Get loads one live user by id.
func (r *UserRepo) Get(ctx domain.Context, id int64) (domain.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id=$1 AND deleted_at IS NULL`
	u, err := scanUser(r.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// List returns all live users ordered by id.
func (r *UserRepo) List(ctx domain.Context) ([]domain.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE deleted_at IS NULL ORDER BY id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=user.list: %w", err)
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("op=user.list: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=user.list: %w", err)
	}
	return out, nil
}
