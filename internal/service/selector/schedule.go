package selector

import (
	"time"

	"github.com/fairyhunter13/llm-relay/internal/domain"
	"github.com/fairyhunter13/llm-relay/internal/service/window"
)

// ScheduleActive reports whether the provider's daily window admits now,
// evaluated on the wall clock of the window's timezone. A nil window is always
// active; start==end is a zero-width window and never admits; start>end wraps
// past midnight. The end minute is exclusive.
func ScheduleActive(w *domain.ScheduleWindow, now time.Time) bool {
	if w == nil {
		return true
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil || w.Timezone == "" {
		loc = time.UTC
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	sh, sm := window.ParseHHMM(w.Start)
	eh, em := window.ParseHHMM(w.End)
	start := sh*60 + sm
	end := eh*60 + em

	switch {
	case start == end:
		return false
	case start < end:
		return cur >= start && cur < end
	default: // crosses midnight
		return cur >= start || cur < end
	}
}
