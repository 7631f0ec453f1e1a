package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const (
	defaultMaxOccurrences = 5000
	defaultWindow         = 30 * 24 * time.Hour

	// Props set on parsed entries next to the typed fields.
	PropDescription = "description"
	PropLocation    = "location"
	PropGroupID     = "groupId"
)

// Options controls how a feed becomes entries.
type Options struct {
	// Location is used for floating and date-only values. Nil means UTC.
	Location *time.Location

	// From and Until bound recurrence expansion. Zero From means the start
	// of today; zero Until means thirty days after From.
	From  time.Time
	Until time.Time

	// MaxOccurrences caps the instances generated per recurring event.
	MaxOccurrences int
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.From.IsZero() {
		y, m, d := time.Now().In(o.Location).Date()
		o.From = time.Date(y, m, d, 0, 0, 0, 0, o.Location)
	}
	if o.Until.IsZero() || o.Until.Before(o.From) {
		o.Until = o.From.Add(defaultWindow)
	}
	if o.MaxOccurrences <= 0 {
		o.MaxOccurrences = defaultMaxOccurrences
	}
	return o
}

// vevent is one VEVENT with its times already resolved.
type vevent struct {
	uid      string
	seq      int
	summary  string
	desc     string
	location string
	url      string
	color    string

	start  time.Time
	end    time.Time
	allDay bool

	rrule        string
	exdates      []time.Time
	recurrenceID *time.Time
	cancelled    bool

	extra map[string]string
}

// Parse turns one feed body into entries owned by src.ID.
//
// Events whose recurrence fits a weekly pattern become a single recurring
// entry. Other recurring events are expanded between opts.From and
// opts.Until into one entry per instance. Cancelled events and cancelled
// instances are dropped.
func Parse(src Source, body []byte, opts Options) ([]*model.Entry, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	opts = opts.withDefaults()

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", src.ID, err)
	}

	events := make([]vevent, 0, len(cal.Events()))
	for _, ve := range cal.Events() {
		cancelled := strings.EqualFold(propValue(ve, ical.ComponentPropertyStatus), "CANCELLED")
		// A cancelled series is dropped outright. A cancelled instance still
		// has to reach the builder so its slot is excluded from the series.
		if cancelled && ve.GetProperty(ical.ComponentPropertyRecurrenceId) == nil {
			continue
		}
		ev, err := parseVEvent(ve, opts.Location)
		if err != nil {
			appLog.Warn("ics vevent skipped", "id", src.ID, "reason", err)
			continue
		}
		ev.cancelled = cancelled
		events = append(events, ev)
	}

	b := builder{src: src, opts: opts}
	entries := b.build(events)
	appLog.Info("ics parse completed", "id", src.ID, "events", len(events), "entries", len(entries))
	return entries, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (vevent, error) {
	var out vevent

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.uid = strings.TrimSpace(uid.Value)

	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		out.seq, _ = strconv.Atoi(strings.TrimSpace(p.Value))
	}
	out.summary = propValue(ve, ical.ComponentPropertySummary)
	out.desc = propValue(ve, ical.ComponentPropertyDescription)
	out.location = propValue(ve, ical.ComponentPropertyLocation)
	out.url = propValue(ve, ical.ComponentPropertyUrl)
	out.color = propValue(ve, ical.ComponentPropertyColor)

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := parseTime(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.start, out.allDay = start, allDay

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		end, _, err := parseTime(dtEnd.Value, dtEnd.ICalParameters, loc)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		if end.After(start) {
			out.end = end
		}
	}

	out.rrule = propValue(ve, ical.ComponentPropertyRrule)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for part := range strings.SplitSeq(p.Value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			if t, _, err := parseTime(part, p.ICalParameters, loc); err == nil {
				out.exdates = append(out.exdates, t)
			}
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		if t, _, err := parseTime(p.Value, p.ICalParameters, loc); err == nil {
			out.recurrenceID = &t
		}
	}

	for _, p := range ve.Properties {
		if strings.HasPrefix(p.IANAToken, "X-") && p.Value != "" {
			if out.extra == nil {
				out.extra = make(map[string]string)
			}
			out.extra[p.IANAToken] = p.Value
		}
	}
	return out, nil
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

// parseTime reads a DATE or DATE-TIME value. UTC values keep UTC, values
// with a TZID use that zone, and floating values use loc.
func parseTime(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}
	if tz := params["TZID"]; len(tz) > 0 {
		if l, err := time.LoadLocation(strings.Trim(tz[0], `"`)); err == nil {
			loc = l
		}
	}
	isDate := !strings.Contains(v, "T")
	if vs := params["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		isDate = true
	}

	switch {
	case isDate:
		t, err := time.ParseInLocation("20060102", v[:min(len(v), 8)], loc)
		return t, true, err
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	default:
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	}
}
