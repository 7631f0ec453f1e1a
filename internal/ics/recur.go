package ics

import (
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

type builder struct {
	src  Source
	opts Options
}

// build groups events by UID in feed order and turns every group into
// entries.
func (b *builder) build(events []vevent) []*model.Entry {
	var order []string
	bases := make(map[string]vevent)
	overrides := make(map[string][]vevent)

	for _, ev := range events {
		if _, seen := bases[ev.uid]; !seen && len(overrides[ev.uid]) == 0 {
			order = append(order, ev.uid)
		}
		if ev.recurrenceID != nil {
			overrides[ev.uid] = append(overrides[ev.uid], ev)
			continue
		}
		// Duplicate UIDs: the highest SEQUENCE wins.
		if prev, ok := bases[ev.uid]; ok && prev.seq > ev.seq {
			continue
		}
		bases[ev.uid] = ev
	}

	var out []*model.Entry
	for _, uid := range order {
		base, ok := bases[uid]
		switch {
		case !ok:
			// Overrides whose master is not in the feed stand alone.
			for _, ov := range overrides[uid] {
				if ov.cancelled {
					continue
				}
				out = append(out, b.entry(instanceID(ov, *ov.recurrenceID), ov, ov.start, ov.end))
			}
		case base.rrule == "":
			out = append(out, b.entry(uid, base, base.start, base.end))
		default:
			out = append(out, b.recurring(base, overrides[uid])...)
		}
	}
	return out
}

func (b *builder) entry(id string, ev vevent, start, end time.Time) *model.Entry {
	e := model.NewEntry(id)
	e.SetTitle(ev.summary)
	e.SetAllDay(ev.allDay)
	e.SetStart(start)
	e.SetEnd(end)
	e.SetURL(ev.url)
	e.SetSource(b.src.ID)
	if ev.color != "" {
		e.SetColor(ev.color)
	} else {
		e.SetColor(b.src.Color)
	}
	if ev.desc != "" {
		e.SetProp(PropDescription, ev.desc)
	}
	if ev.location != "" {
		e.SetProp(PropLocation, ev.location)
	}
	for k, v := range ev.extra {
		e.SetProp(k, v)
	}
	return e
}

func (b *builder) recurring(base vevent, overrides []vevent) []*model.Entry {
	r, err := rrule.StrToRRule(base.rrule)
	if err != nil {
		appLog.Warn("ics rrule unparsable, keeping first instance", "id", b.src.ID, "uid", base.uid, "rrule", base.rrule, "reason", err)
		return []*model.Entry{b.entry(base.uid, base, base.start, base.end)}
	}

	if len(overrides) == 0 && len(base.exdates) == 0 {
		if rec, ok := weeklyRecurrence(r.OrigOptions, base); ok {
			e := b.entry(base.uid, base, time.Time{}, time.Time{})
			e.SetRecurrence(rec)
			return []*model.Entry{e}
		}
	}
	return b.expand(base, r, overrides)
}

// weeklyRecurrence maps rules a plain days-of-week pattern can express.
// Anything with an interval, a count, BYSETPOS style filters or an nth
// weekday needs expansion.
func weeklyRecurrence(o rrule.ROption, base vevent) (*model.Recurrence, bool) {
	if o.Freq != rrule.DAILY && o.Freq != rrule.WEEKLY {
		return nil, false
	}
	if o.Interval > 1 || o.Count > 0 {
		return nil, false
	}
	if len(o.Bysetpos)+len(o.Bymonth)+len(o.Bymonthday)+len(o.Byyearday)+len(o.Byweekno)+
		len(o.Byhour)+len(o.Byminute)+len(o.Bysecond)+len(o.Byeaster) > 0 {
		return nil, false
	}

	var days []time.Weekday
	for _, wd := range o.Byweekday {
		if wd.N() != 0 {
			return nil, false
		}
		// rrule counts from Monday.
		days = append(days, time.Weekday((wd.Day()+1)%7))
	}
	if o.Freq == rrule.WEEKLY && len(days) == 0 {
		days = []time.Weekday{base.start.Weekday()}
	}
	slices.Sort(days)
	days = slices.Compact(days)

	loc := base.start.Location()
	y, m, d := base.start.Date()
	first := time.Date(y, m, d, 0, 0, 0, 0, loc)
	rec := &model.Recurrence{DaysOfWeek: days, StartRecur: &first}

	if !base.allDay {
		h, mi, s := base.start.Clock()
		rec.StartTime = time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute + time.Duration(s)*time.Second
		if !base.end.IsZero() {
			rec.EndTime = rec.StartTime + base.end.Sub(base.start)
		}
	}
	if !o.Until.IsZero() {
		// UNTIL is inclusive, the recurrence end is not.
		uy, um, ud := o.Until.In(loc).Date()
		last := time.Date(uy, um, ud+1, 0, 0, 0, 0, loc)
		rec.EndRecur = &last
	}
	return rec, true
}

func (b *builder) expand(base vevent, r *rrule.RRule, overrides []vevent) []*model.Entry {
	loc := base.start.Location()
	r.DTStart(base.start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range base.exdates {
		set.ExDate(ex.In(loc))
	}

	// Instances that started before the window but still run into it count.
	from := b.opts.From
	if !base.end.IsZero() {
		from = from.Add(-base.end.Sub(base.start))
	}
	starts := set.Between(from, b.opts.Until, true)
	if len(starts) > b.opts.MaxOccurrences {
		appLog.Warn("ics expansion truncated", "id", b.src.ID, "uid", base.uid, "cap", b.opts.MaxOccurrences)
		starts = starts[:b.opts.MaxOccurrences]
	}

	byRID := make(map[int64]vevent, len(overrides))
	for _, ov := range overrides {
		byRID[ov.recurrenceID.Unix()] = ov
	}

	out := make([]*model.Entry, 0, len(starts))
	for _, s := range starts {
		ev, start, end := base, s, instanceEnd(base, s)
		if ov, ok := byRID[s.Unix()]; ok {
			if ov.cancelled {
				continue
			}
			ev, start, end = ov, ov.start, ov.end
		}
		e := b.entry(instanceID(base, s), ev, start, end)
		e.SetProp(PropGroupID, base.uid)
		out = append(out, e)
	}
	return out
}

// instanceEnd keeps the master's length. All-day lengths are counted in
// days so DST shifts do not move the end off midnight.
func instanceEnd(base vevent, start time.Time) time.Time {
	if base.end.IsZero() {
		return time.Time{}
	}
	if base.allDay {
		days := int(base.end.Sub(base.start).Round(24*time.Hour) / (24 * time.Hour))
		return start.AddDate(0, 0, days)
	}
	return start.Add(base.end.Sub(base.start))
}

// instanceID names one occurrence of a recurring event.
func instanceID(ev vevent, start time.Time) string {
	if ev.allDay {
		return ev.uid + "/" + start.Format("2006-01-02")
	}
	return ev.uid + "/" + start.UTC().Format(time.RFC3339)
}
