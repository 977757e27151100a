// Package schedule computes concrete due-times for notifications triggered by
// templates that carry a weekly recurrence rule instead of "send now".
package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Rule is a weekly recurrence: a set of weekdays and a time of day.
type Rule struct {
	Weekdays map[time.Weekday]bool
	Hour     int
	Minute   int
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sun":       time.Sunday,
	"mon":       time.Monday,
	"tue":       time.Tuesday,
	"wed":       time.Wednesday,
	"thu":       time.Thursday,
	"fri":       time.Friday,
	"sat":       time.Saturday,
}

// ParseRule builds a Rule from weekday names and an "HH:MM" time of day.
func ParseRule(days []string, timeOfDay string) (Rule, error) {
	if len(days) == 0 {
		return Rule{}, fmt.Errorf("recurrence rule needs at least one weekday")
	}
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return Rule{}, fmt.Errorf("unknown weekday %q", d)
		}
		set[wd] = true
	}

	t, err := time.Parse("15:04", strings.TrimSpace(timeOfDay))
	if err != nil {
		return Rule{}, fmt.Errorf("invalid time of day %q: %w", timeOfDay, err)
	}

	return Rule{Weekdays: set, Hour: t.Hour(), Minute: t.Minute()}, nil
}

// NextDueTime resolves the rule against now.
//
// If today is in the set and the slot is still ahead, the slot is used. If the
// slot already passed today, the result is now+1m: sending almost immediately
// beats silently skipping a whole week. Otherwise the next matching weekday's
// slot is used.
func (r Rule) NextDueTime(now time.Time) time.Time {
	if len(r.Weekdays) == 0 {
		return now
	}

	if r.Weekdays[now.Weekday()] {
		candidate := r.slotOn(now)
		if candidate.After(now) {
			return candidate
		}
		return now.Add(time.Minute)
	}

	for i := 1; i <= 7; i++ {
		day := now.AddDate(0, 0, i)
		if r.Weekdays[day.Weekday()] {
			return r.slotOn(day)
		}
	}
	return now.Add(time.Minute)
}

func (r Rule) slotOn(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), r.Hour, r.Minute, 0, 0, day.Location())
}
