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

func TestLedgerRepo_ScopePredicates(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scope domain.Scope
		want  string
	}{
		{domain.ScopeUser, "user_id::text = $1"},
		{domain.ScopeKey, "key_hash = $1"},
		{domain.ScopeProvider, "final_provider_id::text = $1"},
	}
	for _, tc := range cases {
		t.Run(string(tc.scope), func(t *testing.T) {
			t.Parallel()
			pool := &poolStub{rowFns: []func(dest ...any) error{scanInto(1.5)}}
			repo := postgres.NewLedgerRepo(pool)

			sum, err := repo.SumCostInRange(context.Background(), tc.scope, "42",
				domain.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()})
			require.NoError(t, err)
			assert.InDelta(t, 1.5, sum, 1e-9)
			assert.Contains(t, pool.sqls[0], tc.want)
		})
	}
}

func TestLedgerRepo_SumsExcludeBlockedAndDeleted(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowFns: []func(dest ...any) error{scanInto(0.0)}}
	repo := postgres.NewLedgerRepo(pool)

	_, err := repo.SumTotalCost(context.Background(), domain.ScopeUser, "1", nil)
	require.NoError(t, err)
	assert.Contains(t, pool.sqls[0], "blocked_by IS NULL")
	assert.Contains(t, pool.sqls[0], "deleted_at IS NULL")
}

func TestLedgerRepo_SumTotalCost_ResetBound(t *testing.T) {
	t.Parallel()
	resetAt := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	pool := &poolStub{rowFns: []func(dest ...any) error{scanInto(9.25)}}
	repo := postgres.NewLedgerRepo(pool)

	sum, err := repo.SumTotalCost(context.Background(), domain.ScopeProvider, "3", &resetAt)
	require.NoError(t, err)
	assert.InDelta(t, 9.25, sum, 1e-9)
	assert.Contains(t, pool.sqls[0], "created_at >= $2")
	require.Len(t, pool.args[0], 2)
	assert.Equal(t, resetAt, pool.args[0][1])
}

func TestLedgerRepo_SumQuotaCosts_SingleQuery(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowFns: []func(dest ...any) error{
		scanInto(0.5, 1.0, 2.0, 3.0, 10.0),
	}}
	repo := postgres.NewLedgerRepo(pool)

	now := time.Now().UTC()
	w := domain.QuotaWindows{
		R5h:     domain.TimeRange{Start: now.Add(-5 * time.Hour), End: now},
		Daily:   domain.TimeRange{Start: now.Add(-24 * time.Hour), End: now},
		Weekly:  domain.TimeRange{Start: now.Add(-7 * 24 * time.Hour), End: now},
		Monthly: domain.TimeRange{Start: now.Add(-30 * 24 * time.Hour), End: now},
	}
	sums, err := repo.SumQuotaCosts(context.Background(), domain.ScopeKey, "hash", w)
	require.NoError(t, err)
	assert.Equal(t, domain.QuotaSums{Cost5h: 0.5, CostDaily: 1.0, CostWeekly: 2.0, CostMonthly: 3.0, CostTotal: 10.0}, sums)
	require.Len(t, pool.sqls, 1, "all five windows come from one round trip")
	assert.Contains(t, pool.sqls[0], "FILTER")
}

func TestLedgerRepo_Append_DefaultsCreatedAt(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewLedgerRepo(pool)

	err := repo.Append(context.Background(), domain.UsageEntry{ID: "led-1", UserID: 1, KeyHash: "h", CostUSD: 0.02})
	require.NoError(t, err)
	require.Len(t, pool.args, 1)
	created, ok := pool.args[0][1].(time.Time)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().UTC(), created, 5*time.Second)
}

func TestLedgerRepo_FindCostEntriesInRange(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	pool := &poolStub{rowsSets: [][]func(dest ...any) error{{
		scanInto("a", t0, 0.1),
		scanInto("b", t0.Add(time.Minute), 0.2),
	}}}
	repo := postgres.NewLedgerRepo(pool)

	entries, err := repo.FindCostEntriesInRange(context.Background(), domain.ScopeUser, "1",
		domain.TimeRange{Start: t0, End: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Contains(t, pool.sqls[0], "ORDER BY created_at")
}
