package policy

import (
	"time"
)

// Condition names reported back to callers when evaluation fails.
const (
	CondTimeWindow  = "time_window"
	CondWeekday     = "weekday"
	CondIPAllowList = "ip_allowlist"
	CondIPBlockList = "ip_blocklist"
	CondMaxAmount   = "max_amount"
)

// EvaluateConditions checks every present condition against the given
// context and returns the names of those that failed. An empty result
// means the set passes.
func EvaluateConditions(cs *ConditionSet, ctx EvalContext, now time.Time) []string {
	if cs == nil {
		return nil
	}
	at := ctx.At
	if at.IsZero() {
		at = now
	}

	var failed []string

	if cs.TimeStart != "" && cs.TimeEnd != "" {
		if !withinWindow(at, cs.TimeStart, cs.TimeEnd) {
			failed = append(failed, CondTimeWindow)
		}
	}

	if cs.WeekdaysOnly {
		switch at.Weekday() {
		case time.Saturday, time.Sunday:
			failed = append(failed, CondWeekday)
		}
	}

	if len(cs.AllowedIPs) > 0 && !containsIP(cs.AllowedIPs, ctx.IP) {
		failed = append(failed, CondIPAllowList)
	}

	if len(cs.BlockedIPs) > 0 && containsIP(cs.BlockedIPs, ctx.IP) {
		failed = append(failed, CondIPBlockList)
	}

	if cs.MaxAmount != nil && ctx.Amount > *cs.MaxAmount {
		failed = append(failed, CondMaxAmount)
	}

	return failed
}

// withinWindow checks an "HH:MM" clock window. Windows crossing
// midnight (start > end) wrap around.
func withinWindow(at time.Time, start, end string) bool {
	startMin, okStart := parseClock(start)
	endMin, okEnd := parseClock(end)
	if !okStart || !okEnd {
		return false
	}
	cur := at.Hour()*60 + at.Minute()
	if startMin <= endMin {
		return cur >= startMin && cur <= endMin
	}
	return cur >= startMin || cur <= endMin
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

func containsIP(list []string, ip string) bool {
	for _, candidate := range list {
		if candidate == ip {
			return true
		}
	}
	return false
}
