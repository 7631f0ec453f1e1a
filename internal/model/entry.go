package model

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// SyncState tells whether an entry has field changes that no emitted
// command reflects yet.
type SyncState uint8

const (
	Clean SyncState = iota
	Dirty
)

func (s SyncState) String() string {
	if s == Dirty {
		return "dirty"
	}
	return "clean"
}

// Recurrence describes a simple weekly repeating entry.
//
// StartTime and EndTime are offsets from local midnight. A nil StartRecur or
// EndRecur means the recurrence is unbounded on that side.
type Recurrence struct {
	DaysOfWeek []time.Weekday // empty means every day
	StartTime  time.Duration
	EndTime    time.Duration
	StartRecur *time.Time
	EndRecur   *time.Time
}

// Clone returns a deep copy of r. Clone of nil is nil.
func (r *Recurrence) Clone() *Recurrence {
	if r == nil {
		return nil
	}
	out := *r
	out.DaysOfWeek = slices.Clone(r.DaysOfWeek)
	if r.StartRecur != nil {
		t := *r.StartRecur
		out.StartRecur = &t
	}
	if r.EndRecur != nil {
		t := *r.EndRecur
		out.EndRecur = &t
	}
	return &out
}

// Equal reports whether r and o describe the same recurrence.
func (r *Recurrence) Equal(o *Recurrence) bool {
	if r == nil || o == nil {
		return r == nil && o == nil
	}
	return slices.Equal(r.DaysOfWeek, o.DaysOfWeek) &&
		r.StartTime == o.StartTime &&
		r.EndTime == o.EndTime &&
		timePtrEqual(r.StartRecur, o.StartRecur) &&
		timePtrEqual(r.EndRecur, o.EndRecur)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Entry is one calendar entry tracked by the sync engine.
//
// Content is only changed through setters so every change flips the entry
// to Dirty. The engine owns the two tracking bits (sync state and whether
// the remote surface holds a copy); callers never need to touch them.
type Entry struct {
	id string

	title     string
	start     time.Time
	end       time.Time
	allDay    bool
	color     string
	textColor string
	url       string
	editable  bool
	source    string

	props       map[string]string
	recurrence  *Recurrence
	resourceIDs []string

	state    SyncState
	known    bool
	attached bool
}

// NewEntry creates a detached entry. An empty id gets a random UUID.
// A new entry starts Dirty: none of its content has been sent anywhere.
func NewEntry(id string) *Entry {
	if id == "" {
		id = uuid.NewString()
	}
	return &Entry{
		id:    id,
		state: Dirty,
	}
}

func (e *Entry) ID() string { return e.id }

func (e *Entry) Title() string     { return e.title }
func (e *Entry) Start() time.Time  { return e.start }
func (e *Entry) End() time.Time    { return e.end }
func (e *Entry) AllDay() bool      { return e.allDay }
func (e *Entry) Color() string     { return e.color }
func (e *Entry) TextColor() string { return e.textColor }
func (e *Entry) URL() string       { return e.url }
func (e *Entry) Editable() bool    { return e.editable }

// Source is the id of the feed the entry was imported from, empty for
// entries created through the API.
func (e *Entry) Source() string { return e.source }

// Prop returns a custom property.
func (e *Entry) Prop(key string) (string, bool) {
	v, ok := e.props[key]
	return v, ok
}

// Props returns a copy of all custom properties.
func (e *Entry) Props() map[string]string {
	return maps.Clone(e.props)
}

// Recurrence returns a copy of the recurrence rule, or nil.
func (e *Entry) Recurrence() *Recurrence { return e.recurrence.Clone() }

// Recurring reports whether the entry repeats.
func (e *Entry) Recurring() bool { return e.recurrence != nil }

// ResourceIDs returns the opaque catalog ids the entry references.
func (e *Entry) ResourceIDs() []string { return slices.Clone(e.resourceIDs) }

func (e *Entry) SetTitle(v string) {
	e.title = v
	e.MarkDirty()
}

func (e *Entry) SetStart(v time.Time) {
	e.start = v
	e.MarkDirty()
}

func (e *Entry) SetEnd(v time.Time) {
	e.end = v
	e.MarkDirty()
}

func (e *Entry) SetAllDay(v bool) {
	e.allDay = v
	e.MarkDirty()
}

func (e *Entry) SetColor(v string) {
	e.color = v
	e.MarkDirty()
}

func (e *Entry) SetTextColor(v string) {
	e.textColor = v
	e.MarkDirty()
}

func (e *Entry) SetURL(v string) {
	e.url = v
	e.MarkDirty()
}

func (e *Entry) SetEditable(v bool) {
	e.editable = v
	e.MarkDirty()
}

func (e *Entry) SetSource(v string) {
	e.source = v
	e.MarkDirty()
}

// SetProp sets a free-form property. Keys that collide with a built-in
// payload field are still stored but never override that field on the wire.
func (e *Entry) SetProp(key, value string) {
	if e.props == nil {
		e.props = make(map[string]string)
	}
	e.props[key] = value
	e.MarkDirty()
}

func (e *Entry) DeleteProp(key string) {
	if _, ok := e.props[key]; !ok {
		return
	}
	delete(e.props, key)
	e.MarkDirty()
}

// SetRecurrence replaces the recurrence rule; nil makes the entry one-off.
func (e *Entry) SetRecurrence(r *Recurrence) {
	e.recurrence = r.Clone()
	e.MarkDirty()
}

func (e *Entry) SetResourceIDs(ids []string) {
	e.resourceIDs = compactIDs(ids)
	e.MarkDirty()
}

func compactIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MarkDirty flags unflushed changes. Idempotent.
func (e *Entry) MarkDirty() { e.state = Dirty }

// ClearDirty is called by the reconciler once a command carrying the
// current content was handed to the sink.
func (e *Entry) ClearDirty() { e.state = Clean }

func (e *Entry) IsDirty() bool { return e.state == Dirty }

func (e *Entry) State() SyncState { return e.state }

// KnownToRemote reports whether the remote surface currently holds a
// representation of this entry.
func (e *Entry) KnownToRemote() bool { return e.known }

func (e *Entry) SetKnownToRemote(v bool) { e.known = v }

// Attached reports whether the entry currently belongs to a store.
func (e *Entry) Attached() bool { return e.attached }

// Attach is called by the owning store on insert.
func (e *Entry) Attach() { e.attached = true }

// Detach is called by the owning store on removal. Resource references are
// dropped so a detached entry never points into the catalog.
func (e *Entry) Detach() {
	e.attached = false
	e.resourceIDs = nil
}

// ContentEqual reports whether e and o carry the same content, ignoring
// identity and tracking bits.
func (e *Entry) ContentEqual(o *Entry) bool {
	return e.title == o.title &&
		e.start.Equal(o.start) &&
		e.end.Equal(o.end) &&
		e.allDay == o.allDay &&
		e.color == o.color &&
		e.textColor == o.textColor &&
		e.url == o.url &&
		e.editable == o.editable &&
		e.source == o.source &&
		maps.Equal(e.props, o.props) &&
		e.recurrence.Equal(o.recurrence) &&
		slices.Equal(e.resourceIDs, o.resourceIDs)
}

// CopyFrom overwrites the content of e with the content of o through the
// regular setters. It returns false and leaves e untouched when nothing
// differs.
func (e *Entry) CopyFrom(o *Entry) bool {
	if e.ContentEqual(o) {
		return false
	}
	e.SetTitle(o.title)
	e.SetStart(o.start)
	e.SetEnd(o.end)
	e.SetAllDay(o.allDay)
	e.SetColor(o.color)
	e.SetTextColor(o.textColor)
	e.SetURL(o.url)
	e.SetEditable(o.editable)
	e.SetSource(o.source)
	e.props = maps.Clone(o.props)
	e.SetRecurrence(o.recurrence)
	e.SetResourceIDs(o.resourceIDs)
	return true
}
