package breaker

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-relay/internal/adapter/quotacache"
	"github.com/fairyhunter13/llm-relay/internal/domain"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *quotacache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	cache := quotacache.New(rdb, nil, time.UTC)
	return New(cache, cfg), cache, mr
}

func TestObserve_OpensAtThreshold(t *testing.T) {
	reg, _, mr := newTestRegistry(t, Config{FailureThreshold: 3, BaseRecovery: 30 * time.Second, MaxRecovery: 10 * time.Minute})
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	ctx := context.Background()

	reg.Observe(ctx, 11, domain.OutcomeRetryable)
	reg.Observe(ctx, 11, domain.OutcomeRetryable)
	assert.True(t, reg.Healthy(ctx, 11), "below threshold stays closed")

	reg.Observe(ctx, 11, domain.OutcomeRetryable)
	st := reg.State(ctx, 11)
	assert.Equal(t, domain.BreakerOpen, st.State)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.True(t, st.OpenUntil.Equal(now.Add(30*time.Second)))
	assert.Equal(t, int64(30000), st.RecoveryDurationMs)
	assert.False(t, reg.Healthy(ctx, 11))
	assert.False(t, reg.Admit(ctx, 11))
	assert.True(t, mr.Exists("circuit:11"), "transition written through the cache")
}

func TestObserve_SuccessResetsFailureStreak(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{FailureThreshold: 3})
	ctx := context.Background()

	reg.Observe(ctx, 1, domain.OutcomeRetryable)
	reg.Observe(ctx, 1, domain.OutcomeRetryable)
	reg.Observe(ctx, 1, domain.OutcomeSuccess)
	reg.Observe(ctx, 1, domain.OutcomeRetryable)
	reg.Observe(ctx, 1, domain.OutcomeRetryable)
	assert.True(t, reg.Healthy(ctx, 1), "streak broken by success never opens")
}

func TestObserve_FatalAndConcurrentDoNotCount(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{FailureThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		reg.Observe(ctx, 1, domain.OutcomeFatal)
		reg.Observe(ctx, 1, domain.OutcomeConcurrentLimited)
	}
	assert.True(t, reg.Healthy(ctx, 1))
	assert.Equal(t, 0, reg.State(ctx, 1).ConsecutiveFailures)
}

func TestHalfOpen_SingleProbeThenClose(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{FailureThreshold: 1, BaseRecovery: 30 * time.Second, MaxRecovery: time.Minute})
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	ctx := context.Background()

	reg.Observe(ctx, 7, domain.OutcomeRetryable)
	require.Equal(t, domain.BreakerOpen, reg.State(ctx, 7).State)

	now = now.Add(31 * time.Second)
	assert.True(t, reg.Admit(ctx, 7), "first admission after openUntil")
	assert.Equal(t, domain.BreakerHalfOpen, reg.State(ctx, 7).State)
	assert.False(t, reg.Admit(ctx, 7), "half-open admits exactly one")

	reg.Observe(ctx, 7, domain.OutcomeSuccess)
	st := reg.State(ctx, 7)
	assert.Equal(t, domain.BreakerClosed, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 0, st.OpenCount)
	assert.True(t, reg.Admit(ctx, 7))
}

func TestHalfOpen_FailureReopensWithBackoff(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{FailureThreshold: 1, BaseRecovery: 30 * time.Second, MaxRecovery: 2 * time.Minute})
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	ctx := context.Background()

	reg.Observe(ctx, 7, domain.OutcomeRetryable)
	assert.Equal(t, int64(30000), reg.State(ctx, 7).RecoveryDurationMs)

	now = now.Add(31 * time.Second)
	require.True(t, reg.Admit(ctx, 7))
	reg.Observe(ctx, 7, domain.OutcomeRetryable)
	st := reg.State(ctx, 7)
	assert.Equal(t, domain.BreakerOpen, st.State)
	assert.Equal(t, int64(60000), st.RecoveryDurationMs, "second open doubles the recovery window")

	now = now.Add(61 * time.Second)
	require.True(t, reg.Admit(ctx, 7))
	reg.Observe(ctx, 7, domain.OutcomeRetryable)
	assert.Equal(t, int64(120000), reg.State(ctx, 7).RecoveryDurationMs)

	now = now.Add(121 * time.Second)
	require.True(t, reg.Admit(ctx, 7))
	reg.Observe(ctx, 7, domain.OutcomeRetryable)
	assert.Equal(t, int64(120000), reg.State(ctx, 7).RecoveryDurationMs, "backoff capped")
}

func TestManualReset(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{FailureThreshold: 1})
	ctx := context.Background()

	reg.Observe(ctx, 3, domain.OutcomeRetryable)
	require.False(t, reg.Healthy(ctx, 3))

	reg.ManualReset(ctx, 3)
	st := reg.State(ctx, 3)
	assert.Equal(t, domain.BreakerClosed, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.True(t, reg.Admit(ctx, 3))
}

func TestState_SurvivesRestart(t *testing.T) {
	reg, cache, _ := newTestRegistry(t, Config{FailureThreshold: 1, BaseRecovery: 5 * time.Minute, MaxRecovery: 10 * time.Minute})
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	ctx := context.Background()

	reg.Observe(ctx, 9, domain.OutcomeRetryable)
	require.False(t, reg.Healthy(ctx, 9))

	// Fresh registry over the same cache: the open state is still honored.
	reg2 := New(cache, Config{FailureThreshold: 1, BaseRecovery: 5 * time.Minute, MaxRecovery: 10 * time.Minute})
	reg2.now = func() time.Time { return now.Add(time.Minute) }
	assert.False(t, reg2.Healthy(ctx, 9))
	assert.Equal(t, domain.BreakerOpen, reg2.State(ctx, 9).State)
}

type fakeProviderRepo struct {
	domain.ProviderRepo
	providers []domain.Provider
	probes    map[int64]bool
}

func (f *fakeProviderRepo) Snapshot(domain.Context) ([]domain.Provider, error) {
	return f.providers, nil
}

func (f *fakeProviderRepo) UpdateEndpointProbe(_ domain.Context, endpointID int64, ok bool, _ time.Duration) error {
	if f.probes == nil {
		f.probes = make(map[int64]bool)
	}
	f.probes[endpointID] = ok
	return nil
}

func TestProber_SweepRecordsAndFeedsBreaker(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Config{FailureThreshold: 1})
	ctx := context.Background()

	repo := &fakeProviderRepo{providers: []domain.Provider{
		{ID: 1, IsEnabled: true, Endpoints: []domain.ProviderEndpoint{
			{ID: 10, URL: "http://up.example", IsEnabled: true},
			{ID: 11, URL: "http://down.example", IsEnabled: true},
			{ID: 12, URL: "http://skipped.example", IsEnabled: false},
		}},
		{ID: 2, IsEnabled: false, Endpoints: []domain.ProviderEndpoint{
			{ID: 20, URL: "http://never.example", IsEnabled: true},
		}},
	}}
	probe := func(_ domain.Context, url string) (bool, time.Duration) {
		return url == "http://up.example", 5 * time.Millisecond
	}

	p := NewProber(repo, reg, probe, time.Second)
	p.Sweep(ctx)

	assert.Equal(t, map[int64]bool{10: true, 11: false}, repo.probes,
		"disabled endpoints and providers are never probed")
	assert.True(t, reg.Healthy(ctx, 10))
	assert.False(t, reg.Healthy(ctx, 11), "failed probe opened the breaker at threshold 1")
}
