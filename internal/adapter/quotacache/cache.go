// Package quotacache is the Redis-backed quota counter fast path.
//
// Atomic increments and rolling-window sums run as Lua scripts; on cache miss
// or Redis failure every read falls back to the SQL usage ledger and the
// result is written through with the remaining window TTL.
package quotacache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/llm-relay/internal/domain"
	"github.com/fairyhunter13/llm-relay/internal/service/window"
)

const (
	totalCacheTTL  = 5 * time.Minute
	sessionIdleTTL = time.Hour
	dedupTTL       = 5 * time.Minute
)

// Cache implements domain.QuotaCache on top of go-redis with a ledger
// fallback, mirroring the Lua-scripted limiter pattern used elsewhere in the
// codebase.
type Cache struct {
	rdb    *redis.Client
	ledger domain.LedgerRepo
	loc    *time.Location

	incrScript    *redis.Script
	rollingScript *redis.Script
	acquireScript *redis.Script
	releaseScript *redis.Script

	now func() time.Time
}

// New constructs a Cache. ledger may be nil in tests that never miss.
func New(rdb *redis.Client, ledger domain.LedgerRepo, loc *time.Location) *Cache {
	if loc == nil {
		loc = time.UTC
	}
	return &Cache{
		rdb:           rdb,
		ledger:        ledger,
		loc:           loc,
		incrScript:    redis.NewScript(luaIncrement),
		rollingScript: redis.NewScript(luaRollingSum),
		acquireScript: redis.NewScript(luaAcquire),
		releaseScript: redis.NewScript(luaRelease),
		now:           time.Now,
	}
}

// winCfg maps a scope's counter config onto window math. User and key scopes
// keep the hardcoded Monday 00:00 weekly reset; only providers configure it.
func (c *Cache) winCfg(scope domain.Scope, cfg domain.CounterConfig) window.Config {
	wc := window.UserWeekly(c.loc)
	if scope == domain.ScopeProvider {
		wc.WeeklyResetDay = cfg.WeeklyResetDay
		wc.WeeklyResetTime = cfg.WeeklyResetTime
	}
	wc.DailyResetMode = cfg.DailyResetMode
	wc.DailyResetTime = cfg.DailyResetTime
	return wc
}

func ttlSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Increment applies one billed cost to all counters of (scope, id) in a single
// scripted step. Duplicate ledger ids are no-ops.
func (c *Cache) Increment(ctx domain.Context, scope domain.Scope, id string, costUSD float64, ledgerID string, createdAt time.Time, cfg domain.CounterConfig) error {
	wc := c.winCfg(scope, cfg)
	now := c.now()

	keys := []string{
		keySeen(scope, id, ledgerID),
		key5h(scope, id),
		keyDaily(scope, id, cfg),
		keyWeekly(scope, id, cfg),
		keyMonthly(scope, id),
		keyTotal(scope, id, cfg.TotalResetAt),
	}
	dailyRolling := "0"
	if cfg.DailyResetMode == domain.ResetRolling {
		dailyRolling = "1"
	}
	argv := []any{
		strconv.FormatFloat(costUSD, 'f', -1, 64),
		ledgerID,
		createdAt.UnixMilli(),
		ttlSeconds(window.Rolling5h),
		ttlSeconds(window.TTL(domain.PeriodDaily, wc, now)),
		ttlSeconds(window.TTL(domain.PeriodWeekly, wc, now)),
		ttlSeconds(window.TTL(domain.PeriodMonthly, wc, now)),
		dailyRolling,
		ttlSeconds(dedupTTL),
	}
	if err := c.incrScript.Run(ctx, c.rdb, keys, argv...).Err(); err != nil {
		return fmt.Errorf("op=quotacache.increment: %w", err)
	}
	return nil
}

// Read returns the current cost for the period, warming from the ledger on a
// miss. Fixed periods are plain GET/SET buckets; rolling periods are
// trim-and-sum sorted sets.
func (c *Cache) Read(ctx domain.Context, scope domain.Scope, id string, period domain.Period, cfg domain.CounterConfig) (float64, error) {
	wc := c.winCfg(scope, cfg)
	rolling := period == domain.Period5h ||
		(period == domain.PeriodDaily && cfg.DailyResetMode == domain.ResetRolling)
	if rolling {
		return c.readRolling(ctx, scope, id, period, cfg, wc)
	}
	return c.readFixed(ctx, scope, id, period, cfg, wc)
}

func (c *Cache) fixedKey(scope domain.Scope, id string, period domain.Period, cfg domain.CounterConfig) string {
	switch period {
	case domain.PeriodDaily:
		return keyDaily(scope, id, cfg)
	case domain.PeriodWeekly:
		return keyWeekly(scope, id, cfg)
	default:
		return keyMonthly(scope, id)
	}
}

func (c *Cache) readFixed(ctx domain.Context, scope domain.Scope, id string, period domain.Period, cfg domain.CounterConfig, wc window.Config) (float64, error) {
	key := c.fixedKey(scope, id, period, cfg)
	val, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		f, perr := strconv.ParseFloat(val, 64)
		if perr != nil {
			return 0, fmt.Errorf("op=quotacache.read_fixed parse %q: %w", key, perr)
		}
		return f, nil
	case err != redis.Nil:
		slog.Warn("quota cache read failed, using ledger", slog.String("key", key), slog.Any("error", err))
	}

	now := c.now()
	start, end := window.For(period, wc, now)
	sum, lerr := c.ledgerSumRange(ctx, scope, id, domain.TimeRange{Start: start, End: end})
	if lerr != nil {
		return 0, lerr
	}
	ttl := end.Sub(now)
	if serr := c.rdb.Set(ctx, key, strconv.FormatFloat(sum, 'f', -1, 64), ttl).Err(); serr != nil {
		slog.Warn("quota cache refill failed", slog.String("key", key), slog.Any("error", serr))
	}
	return sum, nil
}

func (c *Cache) rollingKey(scope domain.Scope, id string, period domain.Period, cfg domain.CounterConfig) (string, time.Duration) {
	if period == domain.Period5h {
		return key5h(scope, id), window.Rolling5h
	}
	return keyDaily(scope, id, cfg), window.RollingDay
}

func (c *Cache) readRolling(ctx domain.Context, scope domain.Scope, id string, period domain.Period, cfg domain.CounterConfig, wc window.Config) (float64, error) {
	key, windowLen := c.rollingKey(scope, id, period, cfg)
	now := c.now()

	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		slog.Warn("quota cache exists failed, using ledger", slog.String("key", key), slog.Any("error", err))
		return c.ledgerSumRange(ctx, scope, id, domain.TimeRange{Start: now.Add(-windowLen), End: now})
	}
	if exists == 0 {
		if werr := c.warmRolling(ctx, scope, id, key, windowLen, now); werr != nil {
			return 0, werr
		}
	}

	minScore := now.Add(-windowLen).UnixMilli()
	res, err := c.rollingScript.Run(ctx, c.rdb, []string{key}, minScore).Result()
	if err != nil {
		slog.Warn("rolling sum script failed, using ledger", slog.String("key", key), slog.Any("error", err))
		return c.ledgerSumRange(ctx, scope, id, domain.TimeRange{Start: now.Add(-windowLen), End: now})
	}
	s, ok := res.(string)
	if !ok {
		return 0, fmt.Errorf("op=quotacache.read_rolling: unexpected script result %T", res)
	}
	f, perr := strconv.ParseFloat(s, 64)
	if perr != nil {
		return 0, fmt.Errorf("op=quotacache.read_rolling parse: %w", perr)
	}
	return f, nil
}

// warmRolling rebuilds a missing rolling sorted set from the ledger.
func (c *Cache) warmRolling(ctx domain.Context, scope domain.Scope, id, key string, windowLen time.Duration, now time.Time) error {
	if c.ledger == nil {
		return nil
	}
	entries, err := c.ledger.FindCostEntriesInRange(ctx, scope, id, domain.TimeRange{Start: now.Add(-windowLen), End: now})
	if err != nil {
		return fmt.Errorf("op=quotacache.warm_rolling: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, e := range entries {
		member := e.ID + ":" + strconv.FormatFloat(e.CostUSD, 'f', -1, 64)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(e.CreatedAt.UnixMilli()), Member: member})
	}
	pipe.Expire(ctx, key, windowLen)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=quotacache.warm_rolling: %w", err)
	}
	return nil
}

func (c *Cache) ledgerSumRange(ctx domain.Context, scope domain.Scope, id string, r domain.TimeRange) (float64, error) {
	if c.ledger == nil {
		return 0, nil
	}
	sum, err := c.ledger.SumCostInRange(ctx, scope, id, r)
	if err != nil {
		return 0, fmt.Errorf("op=quotacache.ledger_fallback: %w", err)
	}
	return sum, nil
}

// ReadTotal returns the total cost since the optional reset instant, cached
// for a short TTL so a cap reset takes effect promptly.
func (c *Cache) ReadTotal(ctx domain.Context, scope domain.Scope, id string, resetAt *time.Time) (float64, error) {
	key := keyTotal(scope, id, resetAt)
	val, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		f, perr := strconv.ParseFloat(val, 64)
		if perr != nil {
			return 0, fmt.Errorf("op=quotacache.read_total parse: %w", perr)
		}
		return f, nil
	case err != redis.Nil:
		slog.Warn("total cost cache read failed, using ledger", slog.String("key", key), slog.Any("error", err))
	}

	if c.ledger == nil {
		return 0, nil
	}
	sum, lerr := c.ledger.SumTotalCost(ctx, scope, id, resetAt)
	if lerr != nil {
		return 0, fmt.Errorf("op=quotacache.read_total: %w", lerr)
	}
	if serr := c.rdb.Set(ctx, key, strconv.FormatFloat(sum, 'f', -1, 64), totalCacheTTL).Err(); serr != nil {
		slog.Warn("total cost cache refill failed", slog.String("key", key), slog.Any("error", serr))
	}
	return sum, nil
}

// ConcurrentAcquire reserves one session slot, rolling back when over capacity.
func (c *Cache) ConcurrentAcquire(ctx domain.Context, scope domain.Scope, id string, capacity int) (bool, int64, error) {
	res, err := c.acquireScript.Run(ctx, c.rdb, []string{keySessions(scope, id)}, capacity, ttlSeconds(sessionIdleTTL)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("op=quotacache.concurrent_acquire: %w", err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("op=quotacache.concurrent_acquire: unexpected script result %T", res)
	}
	allowed := toInt64(vals[0]) == 1
	return allowed, toInt64(vals[1]), nil
}

// ConcurrentRelease frees one session slot.
func (c *Cache) ConcurrentRelease(ctx domain.Context, scope domain.Scope, id string) error {
	if err := c.releaseScript.Run(ctx, c.rdb, []string{keySessions(scope, id)}, ttlSeconds(sessionIdleTTL)).Err(); err != nil {
		return fmt.Errorf("op=quotacache.concurrent_release: %w", err)
	}
	return nil
}

// BreakerGet loads the persisted breaker state for an endpoint.
func (c *Cache) BreakerGet(ctx domain.Context, endpointID int64) (domain.BreakerState, bool, error) {
	val, err := c.rdb.Get(ctx, keyBreaker(endpointID)).Bytes()
	if err == redis.Nil {
		return domain.BreakerState{}, false, nil
	}
	if err != nil {
		return domain.BreakerState{}, false, fmt.Errorf("op=quotacache.breaker_get: %w", err)
	}
	var st domain.BreakerState
	if err := json.Unmarshal(val, &st); err != nil {
		return domain.BreakerState{}, false, fmt.Errorf("op=quotacache.breaker_get decode: %w", err)
	}
	return st, true, nil
}

// BreakerSet rewrites the breaker state blob on each transition. Unbounded
// lifetime: restarts must not reset open breakers before their OpenUntil.
func (c *Cache) BreakerSet(ctx domain.Context, endpointID int64, st domain.BreakerState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=quotacache.breaker_set encode: %w", err)
	}
	if err := c.rdb.Set(ctx, keyBreaker(endpointID), b, 0).Err(); err != nil {
		return fmt.Errorf("op=quotacache.breaker_set: %w", err)
	}
	return nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
