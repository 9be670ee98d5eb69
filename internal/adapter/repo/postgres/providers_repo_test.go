package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-relay/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// providerRow builds the 22-column scan for a provider row.
func providerRow(id int64, name string, groupPrio, schedule []byte) func(dest ...any) error {
	now := time.Now().UTC()
	return scanInto(id, name, "https://api.example.com", domain.ProviderClaude, "sk-x", 10, 100,
		1.0, true, "default", groupPrio, []byte(`{}`),
		1, "00:00",
		int64(0), int64(0), int64(0),
		schedule, []byte(`{}`), nil, now, now)
}

func endpointRow(id, providerID int64, sortOrder int, probeOK *bool, latencyMs int64) func(dest ...any) error {
	now := time.Now().UTC()
	return scanInto(id, providerID, "https://up.example.com", true, sortOrder, probeOK, latencyMs, now, now)
}

func TestProviderRepo_Snapshot_StitchesEndpoints(t *testing.T) {
	t.Parallel()
	ok := true
	pool := &poolStub{rowsSets: [][]func(dest ...any) error{
		{
			providerRow(1, "anthropic-primary", nil, nil),
			providerRow(2, "anthropic-backup", nil, nil),
		},
		{
			endpointRow(10, 1, 0, &ok, 120),
			endpointRow(11, 1, 1, nil, 0),
			endpointRow(20, 2, 0, &ok, 300),
		},
	}}
	repo := postgres.NewProviderRepo(pool)

	providers, err := repo.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, providers, 2)
	require.Len(t, providers[0].Endpoints, 2)
	require.Len(t, providers[1].Endpoints, 1)
	assert.Equal(t, int64(10), providers[0].Endpoints[0].ID)
	assert.Nil(t, providers[0].Endpoints[1].LastProbeOK, "unprobed endpoint stays nil")
	assert.Equal(t, 120*time.Millisecond, providers[0].Endpoints[0].LastProbeLatency)
	require.Len(t, pool.sqls, 2, "providers then endpoints, two queries total")
	assert.Contains(t, pool.sqls[1], "provider_id = ANY($1)")
}

func TestProviderRepo_Snapshot_DecodesJSONColumns(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowsSets: [][]func(dest ...any) error{
		{providerRow(1, "scheduled", []byte(`{"team-a":5}`), []byte(`{"start":"22:00","end":"08:00","timezone":"UTC"}`))},
		{},
	}}
	repo := postgres.NewProviderRepo(pool)

	providers, err := repo.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, 5, providers[0].GroupPriorities["team-a"])
	require.NotNil(t, providers[0].Schedule)
	assert.Equal(t, "22:00", providers[0].Schedule.Start)
}

func TestProviderRepo_Snapshot_Empty(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowsSets: [][]func(dest ...any) error{{}}}
	repo := postgres.NewProviderRepo(pool)

	providers, err := repo.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, providers)
	assert.Len(t, pool.sqls, 1, "no endpoint query when there are no providers")
}

func TestProviderRepo_UpsertEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("zero id inserts", func(t *testing.T) {
		t.Parallel()
		pool := &poolStub{rowFns: []func(dest ...any) error{scanInto(int64(33))}}
		repo := postgres.NewProviderRepo(pool)

		id, err := repo.UpsertEndpoint(context.Background(), domain.ProviderEndpoint{ProviderID: 1, URL: "https://u"})
		require.NoError(t, err)
		assert.Equal(t, int64(33), id)
		assert.Contains(t, pool.sqls[0], "INSERT INTO provider_endpoints")
	})

	t.Run("existing id updates", func(t *testing.T) {
		t.Parallel()
		pool := &poolStub{}
		repo := postgres.NewProviderRepo(pool)

		id, err := repo.UpsertEndpoint(context.Background(), domain.ProviderEndpoint{ID: 33, URL: "https://u2"})
		require.NoError(t, err)
		assert.Equal(t, int64(33), id)
		assert.Contains(t, pool.sqls[0], "UPDATE provider_endpoints")
	})

	t.Run("missing id is not found", func(t *testing.T) {
		t.Parallel()
		pool := &poolStub{execTags: []pgconn.CommandTag{pgconn.NewCommandTag("UPDATE 0")}}
		repo := postgres.NewProviderRepo(pool)

		_, err := repo.UpsertEndpoint(context.Background(), domain.ProviderEndpoint{ID: 404})
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestProviderRepo_UpdateEndpointProbe(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewProviderRepo(pool)

	err := repo.UpdateEndpointProbe(context.Background(), 10, true, 250*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, pool.args, 1)
	assert.Equal(t, []any{int64(10), true, int64(250)}, pool.args[0])
}

func TestProviderRepo_ResetTotalUsage(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	pool := &poolStub{}
	repo := postgres.NewProviderRepo(pool)

	err := repo.ResetTotalUsage(context.Background(), 3, at)
	require.NoError(t, err)
	assert.Contains(t, pool.sqls[0], "total_reset_at=$2")
	assert.Equal(t, []any{int64(3), at}, pool.args[0])
}
