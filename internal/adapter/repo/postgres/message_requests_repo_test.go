package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-relay/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/llm-relay/internal/domain"
)

func TestMessageRequestRepo_Create_GeneratesID(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewMessageRequestRepo(pool)

	id, err := repo.Create(context.Background(), domain.MessageRequest{
		UserID:     1,
		Model:      "claude-sonnet-4",
		StatusCode: 200,
		ProviderChain: []domain.ChainItem{
			{Name: "anthropic-primary", Reason: domain.ReasonInitialSelection},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, pool.sqls, 1)
	assert.Contains(t, pool.sqls[0], "INSERT INTO message_requests")
	// chain marshals into the jsonb arg at the end of the row
	chain, ok := pool.args[0][len(pool.args[0])-1].([]byte)
	require.True(t, ok)
	assert.Contains(t, string(chain), "initial_selection")
}

func TestMessageRequestRepo_List_StatusFilter(t *testing.T) {
	t.Parallel()

	t.Run("exact code", func(t *testing.T) {
		t.Parallel()
		pool := &poolStub{rowFns: []func(dest ...any) error{scanInto(int64(0))}}
		repo := postgres.NewMessageRequestRepo(pool)

		_, total, err := repo.List(context.Background(), domain.UsageLogFilter{StatusCode: "429"})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Contains(t, pool.sqls[0], "status_code = $1")
	})

	t.Run("exclusion code", func(t *testing.T) {
		t.Parallel()
		pool := &poolStub{rowFns: []func(dest ...any) error{scanInto(int64(3))}}
		repo := postgres.NewMessageRequestRepo(pool)

		_, total, err := repo.List(context.Background(), domain.UsageLogFilter{StatusCode: "!200"})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		assert.Contains(t, pool.sqls[0], "status_code <> $1")
	})

	t.Run("malformed code ignored", func(t *testing.T) {
		t.Parallel()
		pool := &poolStub{rowFns: []func(dest ...any) error{scanInto(int64(0))}}
		repo := postgres.NewMessageRequestRepo(pool)

		_, _, err := repo.List(context.Background(), domain.UsageLogFilter{StatusCode: "!abc"})
		require.NoError(t, err)
		assert.NotContains(t, pool.sqls[0], "status_code")
	})
}

func TestMessageRequestRepo_List_CombinedFilters(t *testing.T) {
	t.Parallel()
	userID := int64(7)
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	now := time.Now().UTC()
	pool := &poolStub{
		rowFns: []func(dest ...any) error{scanInto(int64(1))},
		rowsSets: [][]func(dest ...any) error{{
			// id..provider_chain per messageRequestColumns
			scanInto("req-1", now, int64(7), int64(2), "sess-1", "claude-sonnet-4", "/v1/messages",
				true, 200, "", int64(100), int64(50), "claude-cli",
				int64(1200), 0.015, int64(3), 1, []byte(`[{"name":"anthropic-primary","reason":"request_success"}]`)),
		}},
	}
	repo := postgres.NewMessageRequestRepo(pool)

	list, total, err := repo.List(context.Background(), domain.UsageLogFilter{
		UserID:    &userID,
		StartTime: &start,
		MinRetry:  1,
		Page:      1,
		PageSize:  20,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, list, 1)
	assert.Equal(t, "req-1", list[0].ID)
	require.Len(t, list[0].ProviderChain, 1)
	assert.Equal(t, domain.ReasonRequestSuccess, list[0].ProviderChain[0].Reason)

	countSQL := pool.sqls[0]
	assert.Contains(t, countSQL, "user_id = $1")
	assert.Contains(t, countSQL, "created_at >= $2")
	assert.Contains(t, countSQL, "retry_count >= $3")

	pageSQL := pool.sqls[1]
	assert.Contains(t, pageSQL, "ORDER BY created_at DESC")
	assert.Contains(t, pageSQL, "LIMIT $4 OFFSET $5")
	assert.Equal(t, []any{userID, start, 1, 20, 0}, pool.args[1])
}

func TestMessageRequestRepo_Stats_SingleQuery(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowFns: []func(dest ...any) error{
		scanInto(int64(40), 1.25, 850.0, int64(4)),
	}}
	repo := postgres.NewMessageRequestRepo(pool)

	now := time.Now().UTC()
	st, err := repo.Stats(context.Background(), domain.TimeRange{Start: now.Add(-time.Hour), End: now})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStats{Requests: 40, CostUSD: 1.25, AvgDurationMs: 850, Errors: 4}, st)
	require.Len(t, pool.sqls, 1, "all four aggregates come from one round trip")
	assert.Contains(t, pool.sqls[0], "FILTER")
	assert.Contains(t, pool.sqls[0], "created_at >= $1 AND created_at < $2")
}

func TestMessageRequestRepo_List_DefaultsPagination(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowFns: []func(dest ...any) error{scanInto(int64(0))}}
	repo := postgres.NewMessageRequestRepo(pool)

	_, _, err := repo.List(context.Background(), domain.UsageLogFilter{Page: 0, PageSize: 10000})
	require.NoError(t, err)
	require.Len(t, pool.args, 2)
	assert.Equal(t, []any{50, 0}, pool.args[1], "oversized page size clamps to default")
}
