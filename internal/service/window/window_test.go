package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestParseHHMM_Normalizes(t *testing.T) {
	cases := []struct {
		in   string
		h, m int
	}{
		{"00:00", 0, 0},
		{"12:30", 12, 30},
		{"99:10", 0, 10},
		{"12:70", 12, 0},
		{"garbage", 0, 0},
		{"", 0, 0},
		{"7:5", 7, 5},
	}
	for _, c := range cases {
		h, m := ParseHHMM(c.in)
		assert.Equal(t, c.h, h, "hour for %q", c.in)
		assert.Equal(t, c.m, m, "minute for %q", c.in)
	}
}

func TestNormalizeDay_Modulo(t *testing.T) {
	assert.Equal(t, 0, NormalizeDay(7))
	assert.Equal(t, 1, NormalizeDay(8))
	assert.Equal(t, 6, NormalizeDay(-1))
	assert.Equal(t, 3, NormalizeDay(3))
}

func TestFor_Rolling5h(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	start, end := For(domain.Period5h, Config{Loc: time.UTC}, now)
	assert.Equal(t, now.Add(-5*time.Hour), start)
	assert.Equal(t, now, end)
}

func TestFor_DailyRolling(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{DailyResetMode: domain.ResetRolling, Loc: time.UTC}
	start, end := For(domain.PeriodDaily, cfg, now)
	assert.Equal(t, now.Add(-24*time.Hour), start)
	assert.Equal(t, now, end)
}

func TestFor_DailyFixed_BeforeAndAfterReset(t *testing.T) {
	cfg := Config{DailyResetTime: "06:00", Loc: time.UTC}

	// After today's reset: bucket starts today 06:00.
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	start, end := For(domain.PeriodDaily, cfg, now)
	assert.Equal(t, time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 6, 2, 6, 0, 0, 0, time.UTC), end)

	// Before today's reset: bucket started yesterday.
	now = time.Date(2024, 6, 1, 5, 0, 0, 0, time.UTC)
	start, end = For(domain.PeriodDaily, cfg, now)
	assert.Equal(t, time.Date(2024, 5, 31, 6, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC), end)
}

func TestFor_DailyFixed_ExactResetIsNewBucket(t *testing.T) {
	cfg := Config{DailyResetTime: "06:00", Loc: time.UTC}
	now := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
	start, _ := For(domain.PeriodDaily, cfg, now)
	assert.Equal(t, now, start, "exact reset instant starts a new bucket")
}

func TestFor_Weekly_CrossYearShanghai(t *testing.T) {
	// Wednesday 2024-01-03 UTC in Asia/Shanghai; default Monday 00:00 reset.
	// Monday 2024-01-01 00:00 Shanghai == 2023-12-31 16:00 UTC.
	sh := mustLoc(t, "Asia/Shanghai")
	now := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	start, end := For(domain.PeriodWeekly, UserWeekly(sh), now)
	assert.Equal(t, time.Date(2023, 12, 31, 16, 0, 0, 0, time.UTC), start.UTC())
	assert.Equal(t, start.AddDate(0, 0, 7), end)
}

func TestFor_Weekly_ConfigurableDayTime(t *testing.T) {
	// Friday 18:00 reset; Saturday after the reset.
	cfg := Config{WeeklyResetDay: 5, WeeklyResetTime: "18:00", Loc: time.UTC}
	now := time.Date(2024, 6, 8, 12, 0, 0, 0, time.UTC) // Saturday
	start, _ := For(domain.PeriodWeekly, cfg, now)
	assert.Equal(t, time.Date(2024, 6, 7, 18, 0, 0, 0, time.UTC), start)

	// Friday morning, before the reset: previous Friday's window.
	now = time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	start, _ = For(domain.PeriodWeekly, cfg, now)
	assert.Equal(t, time.Date(2024, 5, 31, 18, 0, 0, 0, time.UTC), start)
}

func TestFor_Monthly_CalendarMonths(t *testing.T) {
	now := time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC)
	start, end := For(domain.PeriodMonthly, Config{Loc: time.UTC}, now)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), end)
	assert.Equal(t, 29*24*time.Hour, end.Sub(start), "leap February is 29 calendar days")
}

func TestFor_ContainsNow_AllPeriods(t *testing.T) {
	locs := []string{"UTC", "Asia/Shanghai", "America/New_York", "Europe/Berlin"}
	now := time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC) // US DST spring forward day
	for _, name := range locs {
		loc := mustLoc(t, name)
		for _, p := range []domain.Period{domain.Period5h, domain.PeriodDaily, domain.PeriodWeekly, domain.PeriodMonthly} {
			cfg := Config{WeeklyResetDay: 1, Loc: loc}
			start, end := For(p, cfg, now)
			assert.False(t, start.After(now), "%s/%s start<=now", name, p)
			assert.False(t, now.After(end), "%s/%s now<=end", name, p)
		}
	}
}

func TestFor_DST_DailyIsCalendarDay(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	// 2024-03-10 is the US spring-forward date: the calendar day has 23 hours.
	now := time.Date(2024, 3, 10, 15, 0, 0, 0, ny)
	start, end := For(domain.PeriodDaily, Config{Loc: ny}, now)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, ny), start)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, ny), end)
	assert.Equal(t, 23*time.Hour, end.Sub(start))
}

func TestTTL(t *testing.T) {
	now := time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)
	cfg := Config{Loc: time.UTC}

	assert.Equal(t, 5*time.Hour, TTL(domain.Period5h, cfg, now))
	assert.Equal(t, time.Hour, TTL(domain.PeriodDaily, cfg, now), "one hour to midnight")

	rolling := Config{DailyResetMode: domain.ResetRolling, Loc: time.UTC}
	assert.Equal(t, 24*time.Hour, TTL(domain.PeriodDaily, rolling, now))
}

func TestNextResetInfo(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{WeeklyResetDay: 1, Loc: time.UTC}

	ri := NextResetInfo(domain.Period5h, cfg, now)
	assert.Equal(t, ResetTypeRolling, ri.Type)
	assert.Equal(t, "5h", ri.PeriodLabel)
	assert.Nil(t, ri.ResetAt)

	ri = NextResetInfo(domain.PeriodDaily, cfg, now)
	require.NotNil(t, ri.ResetAt)
	_, end := For(domain.PeriodDaily, cfg, now)
	assert.Equal(t, end, *ri.ResetAt, "fixed reset_at equals window end")
	assert.Equal(t, ResetTypeFixed, ri.Type)

	ri = NextResetInfo(domain.PeriodDaily, Config{DailyResetMode: domain.ResetRolling, Loc: time.UTC}, now)
	assert.Equal(t, "24h", ri.PeriodLabel)

	ri = NextResetInfo(domain.PeriodWeekly, cfg, now)
	assert.Equal(t, ResetTypeNatural, ri.Type)

	ri = NextResetInfo(domain.PeriodWeekly, Config{WeeklyResetDay: 5, WeeklyResetTime: "18:00", Loc: time.UTC}, now)
	assert.Equal(t, ResetTypeCustom, ri.Type)

	ri = NextResetInfo(domain.PeriodMonthly, cfg, now)
	assert.Equal(t, ResetTypeNatural, ri.Type)
	assert.Equal(t, "monthly", ri.PeriodLabel)
}
