package model

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Payload is the flat wire shape of an entry: field name to string, bool,
// number or list of ints.
type Payload map[string]any

// Payload keys.
const (
	KeyID          = "id"
	KeyTitle       = "title"
	KeyStart       = "start"
	KeyEnd         = "end"
	KeyAllDay      = "allDay"
	KeyColor       = "color"
	KeyTextColor   = "textColor"
	KeyURL         = "url"
	KeyEditable    = "editable"
	KeySource      = "source"
	KeyResourceIDs = "resourceIds"
	KeyDaysOfWeek  = "daysOfWeek"
	KeyStartTime   = "startTime"
	KeyEndTime     = "endTime"
	KeyStartRecur  = "startRecur"
	KeyEndRecur    = "endRecur"
)

const dateLayout = "2006-01-02"

var reservedKeys = []string{
	KeyID, KeyTitle, KeyStart, KeyEnd, KeyAllDay, KeyColor, KeyTextColor,
	KeyURL, KeyEditable, KeySource, KeyResourceIDs, KeyDaysOfWeek,
	KeyStartTime, KeyEndTime, KeyStartRecur, KeyEndRecur,
}

// Reserved reports whether key is a built-in payload field.
func Reserved(key string) bool {
	return slices.Contains(reservedKeys, key)
}

// ErrInvalidField is wrapped by Apply for values it cannot decode.
var ErrInvalidField = errors.New("invalid field value")

// SerializeFull returns every content field. Used for add commands.
func (e *Entry) SerializeFull() Payload {
	p := e.SerializePartial()
	if e.source != "" {
		p[KeySource] = e.source
	}
	return p
}

// SerializePartial returns the current state for an update command. The
// remote side replaces the whole entry on update, so this is the full
// content minus the source metadata the remote already holds; it is not a
// field-level diff.
func (e *Entry) SerializePartial() Payload {
	p := Payload{
		KeyID:       e.id,
		KeyTitle:    e.title,
		KeyAllDay:   e.allDay,
		KeyEditable: e.editable,
	}
	if !e.start.IsZero() {
		p[KeyStart] = e.formatTime(e.start)
	}
	if !e.end.IsZero() {
		p[KeyEnd] = e.formatTime(e.end)
	}
	if e.color != "" {
		p[KeyColor] = e.color
	}
	if e.textColor != "" {
		p[KeyTextColor] = e.textColor
	}
	if e.url != "" {
		p[KeyURL] = e.url
	}
	if len(e.resourceIDs) > 0 {
		p[KeyResourceIDs] = slices.Clone(e.resourceIDs)
	}
	if r := e.recurrence; r != nil {
		days := make([]int, 0, len(r.DaysOfWeek))
		for _, d := range r.DaysOfWeek {
			days = append(days, int(d))
		}
		p[KeyDaysOfWeek] = days
		if !e.allDay {
			p[KeyStartTime] = formatClock(r.StartTime)
			if r.EndTime > 0 {
				p[KeyEndTime] = formatClock(r.EndTime)
			}
		}
		if r.StartRecur != nil {
			p[KeyStartRecur] = e.formatTime(*r.StartRecur)
		}
		if r.EndRecur != nil {
			p[KeyEndRecur] = e.formatTime(*r.EndRecur)
		}
	}
	for k, v := range e.props {
		if Reserved(k) {
			continue
		}
		p[k] = v
	}
	return p
}

// SerializeIdentity returns only the id. Used for remove commands.
func (e *Entry) SerializeIdentity() Payload {
	return Payload{KeyID: e.id}
}

func (e *Entry) formatTime(t time.Time) string {
	if e.allDay {
		return t.Format(dateLayout)
	}
	return t.Format(time.RFC3339)
}

func formatClock(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FromPayload builds a detached entry from a wire payload. A missing id
// gets a generated one.
func FromPayload(p Payload) (*Entry, error) {
	id := ""
	if v, ok := p[KeyID]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("model: field %q: %w", KeyID, ErrInvalidField)
		}
		id = strings.TrimSpace(s)
	}
	e := NewEntry(id)
	if err := e.Apply(p); err != nil {
		return nil, err
	}
	e.MarkDirty()
	return e, nil
}

// Apply decodes p into e. Either every field in p is applied or, on error,
// none is. The id key is ignored. Fields whose value equals the current
// one leave the entry clean.
//
// daysOfWeek controls whether the entry recurs: null removes the
// recurrence, an empty list means every day. The other recurrence keys
// create an every-day recurrence when none exists yet.
func (e *Entry) Apply(p Payload) error {
	staged := e.Clone()
	for key, raw := range p {
		if key == KeyID {
			continue
		}
		if err := staged.applyField(key, raw); err != nil {
			return fmt.Errorf("model: field %q: %w", key, err)
		}
	}
	e.CopyFrom(staged)
	return nil
}

// Clone copies id and content. The copy is detached and not known to any
// remote surface.
func (e *Entry) Clone() *Entry {
	return &Entry{
		id:          e.id,
		title:       e.title,
		start:       e.start,
		end:         e.end,
		allDay:      e.allDay,
		color:       e.color,
		textColor:   e.textColor,
		url:         e.url,
		editable:    e.editable,
		source:      e.source,
		props:       maps.Clone(e.props),
		recurrence:  e.recurrence.Clone(),
		resourceIDs: slices.Clone(e.resourceIDs),
		state:       e.state,
	}
}

func (e *Entry) applyField(key string, raw any) error {
	switch key {
	case KeyTitle:
		s, err := asString(raw)
		if err != nil {
			return err
		}
		e.SetTitle(s)
	case KeyStart, KeyEnd:
		t, err := asTime(raw)
		if err != nil {
			return err
		}
		if key == KeyStart {
			e.SetStart(t)
		} else {
			e.SetEnd(t)
		}
	case KeyAllDay, KeyEditable:
		b, err := asBool(raw)
		if err != nil {
			return err
		}
		if key == KeyAllDay {
			e.SetAllDay(b)
		} else {
			e.SetEditable(b)
		}
	case KeyColor, KeyTextColor, KeyURL, KeySource:
		s, err := asString(raw)
		if err != nil {
			return err
		}
		switch key {
		case KeyColor:
			e.SetColor(s)
		case KeyTextColor:
			e.SetTextColor(s)
		case KeyURL:
			e.SetURL(s)
		default:
			e.SetSource(s)
		}
	case KeyResourceIDs:
		ids, err := asStrings(raw)
		if err != nil {
			return err
		}
		e.SetResourceIDs(ids)
	case KeyDaysOfWeek:
		if raw == nil {
			e.SetRecurrence(nil)
			return nil
		}
		days, err := asWeekdays(raw)
		if err != nil {
			return err
		}
		r := e.recurrenceOrNew()
		r.DaysOfWeek = days
		e.SetRecurrence(r)
	case KeyStartTime, KeyEndTime:
		d, err := asClock(raw)
		if err != nil {
			return err
		}
		r := e.recurrenceOrNew()
		if key == KeyStartTime {
			r.StartTime = d
		} else {
			r.EndTime = d
		}
		e.SetRecurrence(r)
	case KeyStartRecur, KeyEndRecur:
		var bound *time.Time
		if raw != nil {
			t, err := asTime(raw)
			if err != nil {
				return err
			}
			bound = &t
		}
		r := e.recurrenceOrNew()
		if key == KeyStartRecur {
			r.StartRecur = bound
		} else {
			r.EndRecur = bound
		}
		e.SetRecurrence(r)
	default:
		if raw == nil {
			e.DeleteProp(key)
			return nil
		}
		switch v := raw.(type) {
		case string:
			e.SetProp(key, v)
		case bool, float64, int, int64:
			e.SetProp(key, fmt.Sprint(v))
		default:
			return ErrInvalidField
		}
	}
	return nil
}

func (e *Entry) recurrenceOrNew() *Recurrence {
	if e.recurrence == nil {
		return &Recurrence{}
	}
	return e.recurrence.Clone()
}

func asString(raw any) (string, error) {
	if raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", ErrInvalidField
	}
	return s, nil
}

func asBool(raw any) (bool, error) {
	if raw == nil {
		return false, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, ErrInvalidField
	}
	return b, nil
}

func asStrings(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, ErrInvalidField
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, ErrInvalidField
	}
}

func asWeekdays(raw any) ([]time.Weekday, error) {
	var nums []int
	switch v := raw.(type) {
	case []int:
		nums = v
	case []time.Weekday:
		for _, d := range v {
			nums = append(nums, int(d))
		}
	case []any:
		for _, item := range v {
			f, ok := item.(float64)
			if !ok || f != float64(int(f)) {
				return nil, ErrInvalidField
			}
			nums = append(nums, int(f))
		}
	default:
		return nil, ErrInvalidField
	}
	days := make([]time.Weekday, 0, len(nums))
	for _, n := range nums {
		if n < 0 || n > 6 {
			return nil, ErrInvalidField
		}
		if d := time.Weekday(n); !slices.Contains(days, d) {
			days = append(days, d)
		}
	}
	slices.Sort(days)
	return days, nil
}

// asTime accepts RFC 3339 date-times and plain dates.
func asTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, nil
		}
		if t, err := time.Parse(dateLayout, s); err == nil {
			return t, nil
		}
		return time.Time{}, ErrInvalidField
	default:
		return time.Time{}, ErrInvalidField
	}
}

// asClock parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func asClock(raw any) (time.Duration, error) {
	s, err := asString(raw)
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, ErrInvalidField
	}
	var total time.Duration
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, ErrInvalidField
		}
		total += time.Duration(n) * units[i]
	}
	return total, nil
}
