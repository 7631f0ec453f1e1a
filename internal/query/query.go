// Package query filters entries by time window and all-day flag.
//
// Filters are pure: they hold no state and never mutate the entries they
// look at.
package query

import (
	"fmt"
	"iter"
	"strings"
	"time"

	"calsync/internal/model"
)

// Selector narrows entries by their all-day flag.
type Selector int

const (
	Both Selector = iota
	AllDayOnly
	TimedOnly
)

func (s Selector) String() string {
	switch s {
	case AllDayOnly:
		return "allday"
	case TimedOnly:
		return "timed"
	default:
		return "both"
	}
}

// ParseSelector maps "both" (or ""), "allday" and "timed" to a Selector.
func ParseSelector(s string) (Selector, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both":
		return Both, nil
	case "allday", "all-day":
		return AllDayOnly, nil
	case "timed":
		return TimedOnly, nil
	default:
		return Both, fmt.Errorf("query: unknown all-day selector %q", s)
	}
}

// DefaultDuration is the assumed length of a timed entry without an end.
// All-day entries without an end last one day.
const DefaultDuration = time.Hour

// Filter selects entries overlapping the half-open window [Start, End).
// A nil bound leaves that side open.
type Filter struct {
	Start  *time.Time
	End    *time.Time
	AllDay Selector
}

// Everything reports whether f lets every entry through.
func (f Filter) Everything() bool {
	return f.Start == nil && f.End == nil && f.AllDay == Both
}

// Match reports whether e passes every part of f.
func (f Filter) Match(e *model.Entry) bool {
	return f.matchLower(e) && f.matchUpper(e) && f.matchAllDay(e)
}

// matchLower keeps entries that end strictly after the window start.
func (f Filter) matchLower(e *model.Entry) bool {
	if f.Start == nil {
		return true
	}
	end, bounded := EffectiveEnd(e)
	if !bounded {
		return true
	}
	return end.After(*f.Start)
}

// matchUpper keeps entries that start strictly before the window end.
func (f Filter) matchUpper(e *model.Entry) bool {
	if f.End == nil {
		return true
	}
	start, bounded := EffectiveStart(e)
	if !bounded {
		return true
	}
	return start.Before(*f.End)
}

func (f Filter) matchAllDay(e *model.Entry) bool {
	switch f.AllDay {
	case AllDayOnly:
		return e.AllDay()
	case TimedOnly:
		return !e.AllDay()
	default:
		return true
	}
}

// EffectiveStart returns the earliest instant e covers. For recurring
// entries this is the recurrence start; bounded is false when the
// recurrence has no start.
func EffectiveStart(e *model.Entry) (start time.Time, bounded bool) {
	if r := e.Recurrence(); r != nil {
		if r.StartRecur == nil {
			return time.Time{}, false
		}
		return *r.StartRecur, true
	}
	return e.Start(), true
}

// EffectiveEnd returns the instant e stops covering. bounded is false for
// recurring entries without a recurrence end.
func EffectiveEnd(e *model.Entry) (end time.Time, bounded bool) {
	if r := e.Recurrence(); r != nil {
		if r.EndRecur == nil {
			return time.Time{}, false
		}
		return *r.EndRecur, true
	}
	if !e.End().IsZero() {
		return e.End(), true
	}
	if e.AllDay() {
		return e.Start().AddDate(0, 0, 1), true
	}
	return e.Start().Add(DefaultDuration), true
}

// Apply lazily filters entries. When f lets everything through the input
// sequence is returned unchanged.
func Apply(entries iter.Seq[*model.Entry], f Filter) iter.Seq[*model.Entry] {
	if f.Everything() {
		return entries
	}
	return func(yield func(*model.Entry) bool) {
		for e := range entries {
			if !f.Match(e) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}
