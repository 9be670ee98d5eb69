// Package window computes quota window boundaries, TTLs, and reset metadata in
// a configured IANA timezone.
//
// All functions are pure in (now, config): boundaries are derived with calendar
// arithmetic (time.Date + AddDate in the target location), so DST transitions
// never double-count and a "day" is a calendar day, not 24 wall-clock hours.
package window

import (
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// RollingDay is the rolling daily window length.
const (
	Rolling5h  = 5 * time.Hour
	RollingDay = 24 * time.Hour
)

// Config carries the reset semantics for one scope. Loc must not be nil.
type Config struct {
	DailyResetMode  domain.ResetMode
	DailyResetTime  string // HH:MM
	WeeklyResetDay  int    // 0=Sunday .. 6=Saturday
	WeeklyResetTime string // HH:MM
	Loc             *time.Location
}

// UserWeekly is the hardcoded weekly reset for user/key scopes: Monday 00:00.
func UserWeekly(loc *time.Location) Config {
	return Config{WeeklyResetDay: 1, WeeklyResetTime: "00:00", Loc: loc}
}

// ParseHHMM normalizes an HH:MM string component-wise: an out-of-range or
// malformed hour becomes 0, an out-of-range or malformed minute becomes 0.
func ParseHHMM(s string) (hour, minute int) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 2 {
		if h, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil && h >= 0 && h <= 23 {
			hour = h
		}
		if m, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && m >= 0 && m <= 59 {
			minute = m
		}
	}
	return hour, minute
}

// NormalizeDay maps any integer onto 0-6.
func NormalizeDay(d int) int { return ((d % 7) + 7) % 7 }

func (c Config) loc() *time.Location {
	if c.Loc != nil {
		return c.Loc
	}
	return time.UTC
}

// For returns the [start, end) boundaries of the period containing now.
func For(p domain.Period, cfg Config, now time.Time) (time.Time, time.Time) {
	loc := cfg.loc()
	nl := now.In(loc)
	switch p {
	case domain.Period5h:
		return nl.Add(-Rolling5h), nl
	case domain.PeriodDaily:
		if cfg.DailyResetMode == domain.ResetRolling {
			return nl.Add(-RollingDay), nl
		}
		h, m := ParseHHMM(cfg.DailyResetTime)
		start := time.Date(nl.Year(), nl.Month(), nl.Day(), h, m, 0, 0, loc)
		if start.After(nl) {
			start = start.AddDate(0, 0, -1)
		}
		return start, start.AddDate(0, 0, 1)
	case domain.PeriodWeekly:
		start := weekStart(nl, loc, cfg.WeeklyResetDay, cfg.WeeklyResetTime)
		return start, start.AddDate(0, 0, 7)
	case domain.PeriodMonthly:
		start := time.Date(nl.Year(), nl.Month(), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0)
	default:
		return time.Time{}, time.Time{}
	}
}

func weekStart(nl time.Time, loc *time.Location, day int, hhmm string) time.Time {
	h, m := ParseHHMM(hhmm)
	d := NormalizeDay(day)
	back := (int(nl.Weekday()) - d + 7) % 7
	cand := time.Date(nl.Year(), nl.Month(), nl.Day(), h, m, 0, 0, loc).AddDate(0, 0, -back)
	if cand.After(nl) {
		cand = cand.AddDate(0, 0, -7)
	}
	return cand
}

// TTL returns the remaining lifetime of the period's counter: seconds until the
// next boundary for fixed periods, the full window length for rolling ones.
func TTL(p domain.Period, cfg Config, now time.Time) time.Duration {
	switch p {
	case domain.Period5h:
		return Rolling5h
	case domain.PeriodDaily:
		if cfg.DailyResetMode == domain.ResetRolling {
			return RollingDay
		}
	}
	_, end := For(p, cfg, now)
	if end.IsZero() {
		return 0
	}
	return end.Sub(now)
}

// Reset types reported by NextResetInfo.
const (
	ResetTypeFixed   = "fixed"
	ResetTypeRolling = "rolling"
	ResetTypeNatural = "natural"
	ResetTypeCustom  = "custom"
)

// ResetInfo describes when and how a period's counter next resets.
type ResetInfo struct {
	Type        string     `json:"type"`
	ResetAt     *time.Time `json:"reset_at,omitempty"`
	PeriodLabel string     `json:"period_label"`
}

// NextResetInfo returns reset metadata for quota denial responses. For fixed
// periods ResetAt equals the window end.
func NextResetInfo(p domain.Period, cfg Config, now time.Time) ResetInfo {
	switch p {
	case domain.Period5h:
		return ResetInfo{Type: ResetTypeRolling, PeriodLabel: "5h"}
	case domain.PeriodDaily:
		if cfg.DailyResetMode == domain.ResetRolling {
			return ResetInfo{Type: ResetTypeRolling, PeriodLabel: "24h"}
		}
		_, end := For(p, cfg, now)
		return ResetInfo{Type: ResetTypeFixed, ResetAt: &end, PeriodLabel: "daily"}
	case domain.PeriodWeekly:
		_, end := For(p, cfg, now)
		typ := ResetTypeNatural
		if NormalizeDay(cfg.WeeklyResetDay) != 1 || nonZero(cfg.WeeklyResetTime) {
			typ = ResetTypeCustom
		}
		return ResetInfo{Type: typ, ResetAt: &end, PeriodLabel: "weekly"}
	case domain.PeriodMonthly:
		_, end := For(p, cfg, now)
		return ResetInfo{Type: ResetTypeNatural, ResetAt: &end, PeriodLabel: "monthly"}
	default:
		return ResetInfo{Type: ResetTypeFixed, PeriodLabel: "total"}
	}
}

func nonZero(hhmm string) bool {
	h, m := ParseHHMM(hhmm)
	return h != 0 || m != 0
}
