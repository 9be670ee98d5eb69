// Package breaker tracks per-endpoint circuit breaker state.
//
// Each endpoint carries a closed/open/half-open machine. Transitions are
// written through the quota cache so open breakers survive restarts, and an
// in-process mirror avoids a cache round trip on the hot selection path.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// Config bounds the state machine.
type Config struct {
	FailureThreshold int           // consecutive retryable failures before opening
	BaseRecovery     time.Duration // first open duration
	MaxRecovery      time.Duration // backoff cap across successive opens
}

// DefaultConfig mirrors the shipped defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		BaseRecovery:     30 * time.Second,
		MaxRecovery:      10 * time.Minute,
	}
}

type entry struct {
	st      domain.BreakerState
	probing bool // half-open single-admission latch, process-local
	loaded  bool
}

// Registry is the per-endpoint breaker table.
type Registry struct {
	cfg   Config
	cache domain.QuotaCache

	mu      sync.Mutex
	entries map[int64]*entry

	now func() time.Time
}

// New constructs a Registry persisting through cache.
func New(cache domain.QuotaCache, cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.BaseRecovery <= 0 {
		cfg.BaseRecovery = DefaultConfig().BaseRecovery
	}
	if cfg.MaxRecovery < cfg.BaseRecovery {
		cfg.MaxRecovery = DefaultConfig().MaxRecovery
	}
	return &Registry{cfg: cfg, cache: cache, entries: make(map[int64]*entry), now: time.Now}
}

// load returns the entry for an endpoint, hydrating it from the cache on first
// touch so restarts do not reset open breakers before their openUntil.
func (r *Registry) load(ctx domain.Context, endpointID int64) *entry {
	e, ok := r.entries[endpointID]
	if ok && e.loaded {
		return e
	}
	e = &entry{st: domain.BreakerState{State: domain.BreakerClosed}, loaded: true}
	if st, found, err := r.cache.BreakerGet(ctx, endpointID); err != nil {
		slog.Warn("breaker state load failed, starting closed",
			slog.Int64("endpoint_id", endpointID), slog.Any("error", err))
	} else if found {
		e.st = st
	}
	r.entries[endpointID] = e
	return e
}

func (r *Registry) persist(ctx domain.Context, endpointID int64, st domain.BreakerState) {
	if err := r.cache.BreakerSet(ctx, endpointID, st); err != nil {
		slog.Error("breaker state persist failed",
			slog.Int64("endpoint_id", endpointID), slog.Any("error", err))
	}
}

// recoveryFor computes the open duration for the nth open, exponential and
// capped.
func (r *Registry) recoveryFor(openCount int) time.Duration {
	d := r.cfg.BaseRecovery
	for i := 1; i < openCount; i++ {
		d *= 2
		if d >= r.cfg.MaxRecovery {
			return r.cfg.MaxRecovery
		}
	}
	if d > r.cfg.MaxRecovery {
		d = r.cfg.MaxRecovery
	}
	return d
}

// maybeHalfOpen applies the open→half-open transition when openUntil passed.
// Caller holds the lock.
func (r *Registry) maybeHalfOpen(ctx domain.Context, endpointID int64, e *entry) {
	if e.st.State == domain.BreakerOpen && !r.now().Before(e.st.OpenUntil) {
		e.st.State = domain.BreakerHalfOpen
		e.probing = false
		r.persist(ctx, endpointID, e.st)
		slog.Info("breaker half-open", slog.Int64("endpoint_id", endpointID))
	}
}

// Healthy reports whether selection may consider this endpoint. It does not
// consume the half-open probe slot.
func (r *Registry) Healthy(ctx domain.Context, endpointID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.load(ctx, endpointID)
	r.maybeHalfOpen(ctx, endpointID, e)
	switch e.st.State {
	case domain.BreakerOpen:
		return false
	case domain.BreakerHalfOpen:
		return !e.probing
	default:
		return true
	}
}

// Admit reserves the right to forward one request to the endpoint. In
// half-open exactly one caller wins until the outcome is observed.
func (r *Registry) Admit(ctx domain.Context, endpointID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.load(ctx, endpointID)
	r.maybeHalfOpen(ctx, endpointID, e)
	switch e.st.State {
	case domain.BreakerOpen:
		return false
	case domain.BreakerHalfOpen:
		if e.probing {
			return false
		}
		e.probing = true
		return true
	default:
		return true
	}
}

// Observe feeds a request outcome into the machine. Only retryable failures
// count toward opening; fatal and concurrent-limited outcomes leave the
// counters alone.
func (r *Registry) Observe(ctx domain.Context, endpointID int64, outcome domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.load(ctx, endpointID)
	wasProbe := e.st.State == domain.BreakerHalfOpen
	e.probing = false

	switch outcome {
	case domain.OutcomeSuccess:
		if wasProbe || e.st.ConsecutiveFailures > 0 || e.st.State != domain.BreakerClosed {
			e.st = domain.BreakerState{State: domain.BreakerClosed}
			r.persist(ctx, endpointID, e.st)
			if wasProbe {
				slog.Info("breaker closed after probe success", slog.Int64("endpoint_id", endpointID))
			}
		}
	case domain.OutcomeRetryable:
		e.st.ConsecutiveFailures++
		e.st.LastFailureAt = r.now()
		if wasProbe || e.st.ConsecutiveFailures >= r.cfg.FailureThreshold {
			r.open(ctx, endpointID, e)
		} else {
			r.persist(ctx, endpointID, e.st)
		}
	default:
		// fatal_failure and concurrent_limited do not move the machine
	}
}

// open transitions to open with the next backoff step. Caller holds the lock.
func (r *Registry) open(ctx domain.Context, endpointID int64, e *entry) {
	e.st.OpenCount++
	recovery := r.recoveryFor(e.st.OpenCount)
	e.st.State = domain.BreakerOpen
	e.st.RecoveryDurationMs = recovery.Milliseconds()
	e.st.OpenUntil = r.now().Add(recovery)
	r.persist(ctx, endpointID, e.st)
	slog.Warn("breaker opened",
		slog.Int64("endpoint_id", endpointID),
		slog.Int("consecutive_failures", e.st.ConsecutiveFailures),
		slog.Int("open_count", e.st.OpenCount),
		slog.Time("open_until", e.st.OpenUntil))
}

// ManualReset forces the endpoint closed and clears all counters.
func (r *Registry) ManualReset(ctx domain.Context, endpointID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.load(ctx, endpointID)
	e.st = domain.BreakerState{State: domain.BreakerClosed}
	e.probing = false
	r.persist(ctx, endpointID, e.st)
	slog.Info("breaker manually reset", slog.Int64("endpoint_id", endpointID))
}

// State returns a copy of the endpoint's current state for admin views.
func (r *Registry) State(ctx domain.Context, endpointID int64) domain.BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.load(ctx, endpointID)
	r.maybeHalfOpen(ctx, endpointID, e)
	return e.st
}
