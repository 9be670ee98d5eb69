package postgres

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// MessageRequestRepo persists the diagnostic request log. The provider chain
// is stored as a jsonb column alongside the scalar filter fields.
type MessageRequestRepo struct{ Pool PgxPool }

// NewMessageRequestRepo constructs a MessageRequestRepo with the given pool.
func NewMessageRequestRepo(p PgxPool) *MessageRequestRepo { return &MessageRequestRepo{Pool: p} }

const messageRequestColumns = `id, created_at, user_id, key_id, session_id, model, endpoint,
	is_streaming, status_code, error_payload, input_tokens, output_tokens, user_agent,
	duration_ms, cost_usd, final_provider_id, retry_count, provider_chain`

// Create appends one request log row and returns its id.
func (r *MessageRequestRepo) Create(ctx domain.Context, m domain.MessageRequest) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	chain, err := json.Marshal(m.ProviderChain)
	if err != nil {
		return "", fmt.Errorf("op=msgreq.create: %w", err)
	}
	q := `INSERT INTO message_requests (` + messageRequestColumns + `)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
	_, err = r.Pool.Exec(ctx, q, m.ID, m.CreatedAt, m.UserID, m.KeyID, m.SessionID, m.Model, m.Endpoint,
		m.IsStreaming, m.StatusCode, m.ErrorPayload, m.InputTokens, m.OutputTokens, m.UserAgent,
		m.DurationMs, m.CostUSD, m.FinalProviderID, m.RetryCount, chain)
	if err != nil {
		return "", fmt.Errorf("op=msgreq.create: %w", err)
	}
	return m.ID, nil
}

// List returns a filtered, newest-first page of the request log plus the
// total match count.
func (r *MessageRequestRepo) List(ctx domain.Context, f domain.UsageLogFilter) ([]domain.MessageRequest, int64, error) {
	where, args := buildLogFilter(f)

	var total int64
	countQ := `SELECT COUNT(*) FROM message_requests ` + where
	if err := r.Pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=msgreq.list: %w", err)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	if size < 1 || size > 200 {
		size = 50
	}
	args = append(args, size, (page-1)*size)
	q := `SELECT ` + messageRequestColumns + ` FROM message_requests ` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=msgreq.list: %w", err)
	}
	defer rows.Close()

	var out []domain.MessageRequest
	for rows.Next() {
		var m domain.MessageRequest
		var chain []byte
		if err := rows.Scan(&m.ID, &m.CreatedAt, &m.UserID, &m.KeyID, &m.SessionID, &m.Model, &m.Endpoint,
			&m.IsStreaming, &m.StatusCode, &m.ErrorPayload, &m.InputTokens, &m.OutputTokens, &m.UserAgent,
			&m.DurationMs, &m.CostUSD, &m.FinalProviderID, &m.RetryCount, &chain); err != nil {
			return nil, 0, fmt.Errorf("op=msgreq.list: %w", err)
		}
		if len(chain) > 0 {
			if err := json.Unmarshal(chain, &m.ProviderChain); err != nil {
				return nil, 0, fmt.Errorf("op=msgreq.list: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=msgreq.list: %w", err)
	}
	return out, total, nil
}

// Stats aggregates the request log over one range in a single round trip.
func (r *MessageRequestRepo) Stats(ctx domain.Context, tr domain.TimeRange) (domain.RequestStats, error) {
	q := `SELECT COUNT(*),
	             COALESCE(SUM(cost_usd), 0),
	             COALESCE(AVG(duration_ms), 0),
	             COUNT(*) FILTER (WHERE status_code >= 400 OR status_code = 0)
	      FROM message_requests
	      WHERE created_at >= $1 AND created_at < $2`
	var st domain.RequestStats
	if err := r.Pool.QueryRow(ctx, q, tr.Start, tr.End).Scan(
		&st.Requests, &st.CostUSD, &st.AvgDurationMs, &st.Errors); err != nil {
		return domain.RequestStats{}, fmt.Errorf("op=msgreq.stats: %w", err)
	}
	return st, nil
}

// buildLogFilter renders the WHERE clause for List. StatusCode accepts an
// exact code or the "!NNN" form to exclude one code.
func buildLogFilter(f domain.UsageLogFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.KeyID != nil {
		add("key_id = $%d", *f.KeyID)
	}
	if f.ProviderID != nil {
		add("final_provider_id = $%d", *f.ProviderID)
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.StartTime != nil {
		add("created_at >= $%d", *f.StartTime)
	}
	if f.EndTime != nil {
		add("created_at < $%d", *f.EndTime)
	}
	if f.StatusCode != "" {
		raw, negate := strings.CutPrefix(f.StatusCode, "!")
		if code, err := strconv.Atoi(raw); err == nil {
			if negate {
				add("status_code <> $%d", code)
			} else {
				add("status_code = $%d", code)
			}
		}
	}
	if f.Model != "" {
		add("model = $%d", f.Model)
	}
	if f.Endpoint != "" {
		add("endpoint = $%d", f.Endpoint)
	}
	if f.MinRetry > 0 {
		add("retry_count >= $%d", f.MinRetry)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
