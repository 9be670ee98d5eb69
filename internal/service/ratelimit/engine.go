// Package ratelimit composes quota checks across scopes and windows.
//
// The engine reads counters through the quota cache (which itself falls back
// to the ledger) and short-circuits on the first denied dimension in a fixed
// order: user total, user windows, key total, key windows, then concurrency.
// Provider total limits are checked by the selector as a candidate filter.
package ratelimit

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/llm-relay/internal/domain"
	"github.com/fairyhunter13/llm-relay/internal/service/window"
)

// Decision is the outcome of a quota check. Reason, Current, Limit, and Period
// are populated on denial; RetryAfter is derived from the next reset.
type Decision struct {
	Allowed    bool
	Reason     string
	Current    float64
	Limit      float64
	Period     string
	RetryAfter time.Duration
	ResetAt    *time.Time
}

var allow = Decision{Allowed: true}

// Release frees resources acquired by a successful concurrency check.
type Release func(ctx domain.Context)

// Engine is the quota composition layer.
type Engine struct {
	cache  domain.QuotaCache
	ledger domain.LedgerRepo
	loc    *time.Location
	now    func() time.Time
}

// New constructs an Engine using the given timezone for window math. ledger
// answers window checks straight from SQL when the counter cache is
// unreachable; nil disables that fallback.
func New(cache domain.QuotaCache, ledger domain.LedgerRepo, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{cache: cache, ledger: ledger, loc: loc, now: time.Now}
}

func scopeLabel(scope domain.Scope) string {
	switch scope {
	case domain.ScopeUser:
		return "User"
	case domain.ScopeKey:
		return "Key"
	default:
		return "Provider"
	}
}

func periodHan(p domain.Period) string {
	switch p {
	case domain.Period5h:
		return "5小时"
	case domain.PeriodDaily:
		return "日"
	case domain.PeriodWeekly:
		return "周"
	case domain.PeriodMonthly:
		return "月"
	default:
		return "总"
	}
}

func denyReason(scope domain.Scope, p domain.Period, current, limit float64) string {
	return fmt.Sprintf("%s %s消费上限已达到 (%.4f/%s)",
		scopeLabel(scope), periodHan(p), current, strconv.FormatFloat(limit, 'f', -1, 64))
}

// CounterConfigFor derives the counter config for a scope from its caps.
// Weekly reset day/time only matter for the provider scope.
func CounterConfigFor(scope domain.Scope, caps domain.QuotaCaps, weeklyDay int, weeklyTime string, totalResetAt *time.Time) domain.CounterConfig {
	cfg := domain.CounterConfig{
		DailyResetMode: caps.DailyResetMode,
		DailyResetTime: caps.DailyResetTime,
		TotalResetAt:   totalResetAt,
	}
	if cfg.DailyResetMode == "" {
		cfg.DailyResetMode = domain.ResetFixed
	}
	if cfg.DailyResetTime == "" {
		cfg.DailyResetTime = "00:00"
	}
	if scope == domain.ScopeProvider {
		cfg.WeeklyResetDay = weeklyDay
		cfg.WeeklyResetTime = weeklyTime
	}
	return cfg
}

func (e *Engine) winCfg(scope domain.Scope, cfg domain.CounterConfig) window.Config {
	wc := window.UserWeekly(e.loc)
	if scope == domain.ScopeProvider {
		wc.WeeklyResetDay = cfg.WeeklyResetDay
		wc.WeeklyResetTime = cfg.WeeklyResetTime
	}
	wc.DailyResetMode = cfg.DailyResetMode
	wc.DailyResetTime = cfg.DailyResetTime
	return wc
}

// CheckCostLimits evaluates the 5h/daily/weekly/monthly caps for one scope,
// short-circuiting on the first exceeded dimension.
func (e *Engine) CheckCostLimits(ctx domain.Context, scopeID string, scope domain.Scope, caps domain.QuotaCaps, cfg domain.CounterConfig) (Decision, error) {
	checks := []struct {
		period domain.Period
		limit  *float64
	}{
		{domain.Period5h, caps.Limit5hUSD},
		{domain.PeriodDaily, caps.LimitDailyUSD},
		{domain.PeriodWeekly, caps.LimitWeeklyUSD},
		{domain.PeriodMonthly, caps.LimitMonthlyUSD},
	}
	for _, c := range checks {
		if c.limit == nil {
			continue
		}
		current, err := e.cache.Read(ctx, scope, scopeID, c.period, cfg)
		if err != nil {
			if d, ok := e.ledgerCostLimits(ctx, scopeID, scope, caps, cfg); ok {
				return d, nil
			}
			// Neither cache nor SQL could answer; degrade open for this
			// window rather than refuse every request.
			slog.Warn("quota read degraded, allowing window check",
				slog.String("scope", string(scope)), slog.String("id", scopeID),
				slog.String("period", string(c.period)), slog.Any("error", err))
			continue
		}
		if current >= *c.limit {
			return e.deny(scope, c.period, cfg, current, *c.limit), nil
		}
	}
	return allow, nil
}

// ledgerCostLimits evaluates every configured window cap from one
// SumQuotaCosts round trip. Returns false when no ledger is wired or the
// query itself failed.
func (e *Engine) ledgerCostLimits(ctx domain.Context, scopeID string, scope domain.Scope, caps domain.QuotaCaps, cfg domain.CounterConfig) (Decision, bool) {
	if e.ledger == nil {
		return Decision{}, false
	}
	now := e.now()
	wc := e.winCfg(scope, cfg)
	rangeFor := func(p domain.Period) domain.TimeRange {
		start, end := window.For(p, wc, now)
		return domain.TimeRange{Start: start, End: end}
	}
	sums, err := e.ledger.SumQuotaCosts(ctx, scope, scopeID, domain.QuotaWindows{
		R5h:     rangeFor(domain.Period5h),
		Daily:   rangeFor(domain.PeriodDaily),
		Weekly:  rangeFor(domain.PeriodWeekly),
		Monthly: rangeFor(domain.PeriodMonthly),
	})
	if err != nil {
		slog.Warn("ledger quota fallback failed",
			slog.String("scope", string(scope)), slog.String("id", scopeID), slog.Any("error", err))
		return Decision{}, false
	}

	checks := []struct {
		period  domain.Period
		limit   *float64
		current float64
	}{
		{domain.Period5h, caps.Limit5hUSD, sums.Cost5h},
		{domain.PeriodDaily, caps.LimitDailyUSD, sums.CostDaily},
		{domain.PeriodWeekly, caps.LimitWeeklyUSD, sums.CostWeekly},
		{domain.PeriodMonthly, caps.LimitMonthlyUSD, sums.CostMonthly},
	}
	for _, c := range checks {
		if c.limit != nil && c.current >= *c.limit {
			return e.deny(scope, c.period, cfg, c.current, *c.limit), true
		}
	}
	return allow, true
}

func (e *Engine) deny(scope domain.Scope, p domain.Period, cfg domain.CounterConfig, current, limit float64) Decision {
	wc := e.winCfg(scope, cfg)
	ri := window.NextResetInfo(p, wc, e.now())
	d := Decision{
		Allowed: false,
		Reason:  denyReason(scope, p, current, limit),
		Current: current,
		Limit:   limit,
		Period:  ri.PeriodLabel,
		ResetAt: ri.ResetAt,
	}
	if ri.ResetAt != nil {
		d.RetryAfter = ri.ResetAt.Sub(e.now())
	} else {
		// Rolling windows: the precise drain instant depends on entry ages;
		// report the full window length as the upper bound.
		switch p {
		case domain.Period5h:
			d.RetryAfter = window.Rolling5h
		default:
			d.RetryAfter = window.RollingDay
		}
	}
	return d
}

// CheckTotalCostLimit evaluates the lifetime cap. It never fails open: a
// degraded read denies the request.
func (e *Engine) CheckTotalCostLimit(ctx domain.Context, scopeID string, scope domain.Scope, limit *float64, resetAt *time.Time) (Decision, error) {
	if limit == nil {
		return allow, nil
	}
	current, err := e.cache.ReadTotal(ctx, scope, scopeID, resetAt)
	if err != nil {
		slog.Error("total cost read degraded, denying",
			slog.String("scope", string(scope)), slog.String("id", scopeID), slog.Any("error", err))
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("%s 总消费上限检查不可用", scopeLabel(scope)),
			Limit:   *limit,
			Period:  "total",
		}, nil
	}
	if current >= *limit {
		return Decision{
			Allowed: false,
			Reason:  denyReason(scope, domain.PeriodTotal, current, *limit),
			Current: current,
			Limit:   *limit,
			Period:  "total",
		}, nil
	}
	return allow, nil
}

// CheckConcurrency acquires a session slot for the scope. The returned Release
// must be called on pipeline exit when the decision allowed.
func (e *Engine) CheckConcurrency(ctx domain.Context, scopeID string, scope domain.Scope, capacity *int) (Decision, Release, error) {
	if capacity == nil || *capacity <= 0 {
		return allow, func(domain.Context) {}, nil
	}
	allowed, current, err := e.cache.ConcurrentAcquire(ctx, scope, scopeID, *capacity)
	if err != nil {
		return Decision{}, nil, fmt.Errorf("op=ratelimit.check_concurrency: %w", err)
	}
	if !allowed {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("%s 并发会话上限已达到 (%d/%d)", scopeLabel(scope), current, *capacity),
			Current: float64(current),
			Limit:   float64(*capacity),
			Period:  "concurrent",
		}, nil, nil
	}
	release := func(rctx domain.Context) {
		if rerr := e.cache.ConcurrentRelease(rctx, scope, scopeID); rerr != nil {
			slog.Warn("concurrency release failed",
				slog.String("scope", string(scope)), slog.String("id", scopeID), slog.Any("error", rerr))
		}
	}
	return allow, release, nil
}

// CheckRequest runs the full pre-forward enforcement order for a principal:
// user total, user windows, key total, key windows, user concurrency, key
// concurrency. Provider limits are candidate filters inside selection.
func (e *Engine) CheckRequest(ctx domain.Context, user domain.User, key domain.Key) (Decision, Release, error) {
	userID := strconv.FormatInt(user.ID, 10)
	userCfg := CounterConfigFor(domain.ScopeUser, user.Caps, 0, "", nil)

	if d, err := e.CheckTotalCostLimit(ctx, userID, domain.ScopeUser, user.Caps.LimitTotalUSD, nil); err != nil || !d.Allowed {
		return d, nil, err
	}
	if d, err := e.CheckCostLimits(ctx, userID, domain.ScopeUser, user.Caps, userCfg); err != nil || !d.Allowed {
		return d, nil, err
	}

	keyID := key.SecretHash
	keyCfg := CounterConfigFor(domain.ScopeKey, key.Caps, 0, "", nil)
	if d, err := e.CheckTotalCostLimit(ctx, keyID, domain.ScopeKey, key.Caps.LimitTotalUSD, nil); err != nil || !d.Allowed {
		return d, nil, err
	}
	if d, err := e.CheckCostLimits(ctx, keyID, domain.ScopeKey, key.Caps, keyCfg); err != nil || !d.Allowed {
		return d, nil, err
	}

	userDec, userRelease, err := e.CheckConcurrency(ctx, userID, domain.ScopeUser, user.Caps.LimitConcurrentSessions)
	if err != nil || !userDec.Allowed {
		return userDec, nil, err
	}
	keyDec, keyRelease, err := e.CheckConcurrency(ctx, keyID, domain.ScopeKey, key.Caps.LimitConcurrentSessions)
	if err != nil || !keyDec.Allowed {
		userRelease(ctx)
		return keyDec, nil, err
	}

	release := func(rctx domain.Context) {
		keyRelease(rctx)
		userRelease(rctx)
	}
	return allow, release, nil
}

// CheckProviderTotal is the selector-side candidate filter for the provider
// lifetime cap. The sum is never cutoff-bounded: expiring it would silently
// re-enable a provider that exhausted its budget.
func (e *Engine) CheckProviderTotal(ctx domain.Context, p domain.Provider) (Decision, error) {
	return e.CheckTotalCostLimit(ctx, strconv.FormatInt(p.ID, 10), domain.ScopeProvider, p.Caps.LimitTotalUSD, p.TotalResetAt)
}

// TrackCost fans one billed cost out to the user, key, and provider counters.
// Each increment is individually idempotent per ledger id.
func (e *Engine) TrackCost(ctx domain.Context, user domain.User, key domain.Key, provider domain.Provider, costUSD float64, ledgerID string, createdAt time.Time) error {
	var firstErr error
	incr := func(scope domain.Scope, id string, cfg domain.CounterConfig) {
		if err := e.cache.Increment(ctx, scope, id, costUSD, ledgerID, createdAt, cfg); err != nil {
			slog.Error("cost increment failed",
				slog.String("scope", string(scope)), slog.String("id", id), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	incr(domain.ScopeUser, strconv.FormatInt(user.ID, 10),
		CounterConfigFor(domain.ScopeUser, user.Caps, 0, "", nil))
	incr(domain.ScopeKey, key.SecretHash,
		CounterConfigFor(domain.ScopeKey, key.Caps, 0, "", nil))
	incr(domain.ScopeProvider, strconv.FormatInt(provider.ID, 10),
		CounterConfigFor(domain.ScopeProvider, provider.Caps, provider.WeeklyResetDay, provider.WeeklyResetTime, provider.TotalResetAt))
	return firstErr
}
