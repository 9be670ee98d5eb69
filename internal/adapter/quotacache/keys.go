package quotacache

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fairyhunter13/llm-relay/internal/domain"
	"github.com/fairyhunter13/llm-relay/internal/service/window"
)

// Canonical counter key layout. The namespace is bounded and enumerable:
//
//	{scope}:{id}:cost_5h                      rolling sorted set
//	{scope}:{id}:cost_daily_{HHMM}            fixed daily bucket
//	{scope}:{id}:cost_daily_rolling           rolling 24h sorted set
//	{scope}:{id}:cost_weekly[_{D}_{HHMM}]     fixed week bucket (suffix: provider scope only)
//	{scope}:{id}:cost_monthly                 fixed month bucket
//	total_cost:{scope}:{id}:{resetAtMs|none}  cached total, short TTL
//	sessions:{scope}:{id}                     concurrent session counter
//	circuit:{endpointId}                      breaker state blob
//	seen:{scope}:{id}:{ledgerId}              increment dedup guard

func key5h(scope domain.Scope, id string) string {
	return fmt.Sprintf("%s:%s:cost_5h", scope, id)
}

func keyDaily(scope domain.Scope, id string, cfg domain.CounterConfig) string {
	if cfg.DailyResetMode == domain.ResetRolling {
		return fmt.Sprintf("%s:%s:cost_daily_rolling", scope, id)
	}
	h, m := window.ParseHHMM(cfg.DailyResetTime)
	return fmt.Sprintf("%s:%s:cost_daily_%02d%02d", scope, id, h, m)
}

func keyWeekly(scope domain.Scope, id string, cfg domain.CounterConfig) string {
	if scope == domain.ScopeProvider {
		h, m := window.ParseHHMM(cfg.WeeklyResetTime)
		return fmt.Sprintf("%s:%s:cost_weekly_%d_%02d%02d", scope, id, window.NormalizeDay(cfg.WeeklyResetDay), h, m)
	}
	return fmt.Sprintf("%s:%s:cost_weekly", scope, id)
}

func keyMonthly(scope domain.Scope, id string) string {
	return fmt.Sprintf("%s:%s:cost_monthly", scope, id)
}

// keyTotal includes the reset instant so a cap reset never reads a stale
// pre-reset sum. A nil reset uses the ":none" suffix; no unsuffixed legacy
// variant is ever written.
func keyTotal(scope domain.Scope, id string, resetAt *time.Time) string {
	suffix := "none"
	if resetAt != nil {
		suffix = strconv.FormatInt(resetAt.UnixMilli(), 10)
	}
	return fmt.Sprintf("total_cost:%s:%s:%s", scope, id, suffix)
}

func keySessions(scope domain.Scope, id string) string {
	return fmt.Sprintf("sessions:%s:%s", scope, id)
}

func keyBreaker(endpointID int64) string {
	return fmt.Sprintf("circuit:%d", endpointID)
}

func keySeen(scope domain.Scope, id, ledgerID string) string {
	return fmt.Sprintf("seen:%s:%s:%s", scope, id, ledgerID)
}
