package ics

import (
	"iter"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"calsync/internal/model"
	"calsync/internal/query"
)

const productID = "calsync"

// rruleDays is indexed by time.Weekday.
var rruleDays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// Export renders entries as an iCalendar document. One-off entries without
// a start date have no valid DTSTART and are left out.
func Export(entries iter.Seq[*model.Entry], stamp time.Time) string {
	cal := ical.NewCalendarFor(productID)
	cal.SetMethod(ical.MethodPublish)
	for e := range entries {
		if !e.Recurring() && e.Start().IsZero() {
			continue
		}
		addEvent(cal, e, stamp)
	}
	return cal.Serialize()
}

func addEvent(cal *ical.Calendar, e *model.Entry, stamp time.Time) {
	ev := cal.AddEvent(e.ID())
	ev.SetDtStampTime(stamp)
	ev.SetSummary(e.Title())
	if e.URL() != "" {
		ev.SetURL(e.URL())
	}
	if e.Color() != "" {
		ev.SetColor(e.Color())
	}
	if v, ok := e.Prop(PropDescription); ok {
		ev.SetDescription(v)
	}
	if v, ok := e.Prop(PropLocation); ok {
		ev.SetLocation(v)
	}
	for k, v := range e.Props() {
		if strings.HasPrefix(k, "X-") {
			ev.SetProperty(ical.ComponentProperty(k), v)
		}
	}

	if rec := e.Recurrence(); rec != nil {
		addRecurrence(ev, e, rec)
		return
	}

	start := e.Start()
	end, _ := query.EffectiveEnd(e)
	if e.AllDay() {
		ev.SetAllDayStartAt(start)
		ev.SetAllDayEndAt(end)
		return
	}
	ev.SetStartAt(start)
	ev.SetEndAt(end)
}

// addRecurrence writes the first occurrence as DTSTART/DTEND and the days
// of week as a WEEKLY rule.
func addRecurrence(ev *ical.VEvent, e *model.Entry, rec *model.Recurrence) {
	anchor := time.Unix(0, 0).UTC()
	if rec.StartRecur != nil {
		anchor = *rec.StartRecur
	}

	opt := rrule.ROption{Freq: rrule.DAILY}
	if len(rec.DaysOfWeek) > 0 {
		opt.Freq = rrule.WEEKLY
		for _, d := range rec.DaysOfWeek {
			opt.Byweekday = append(opt.Byweekday, rruleDays[d])
		}
	}
	if rec.EndRecur != nil {
		opt.Until = rec.EndRecur.Add(-time.Second).UTC()
	}

	if e.AllDay() {
		ev.SetAllDayStartAt(anchor)
		ev.SetAllDayEndAt(anchor.AddDate(0, 0, 1))
	} else {
		start := anchor.Add(rec.StartTime)
		end := start.Add(query.DefaultDuration)
		if rec.EndTime > rec.StartTime {
			end = anchor.Add(rec.EndTime)
		}
		ev.SetStartAt(start)
		ev.SetEndAt(end)
	}
	ev.AddRrule(opt.RRuleString())
}
