package store

import (
	"errors"
	"slices"
	"testing"
	"time"

	"calsync/internal/model"
	"calsync/internal/query"
)

type recordingListener struct {
	added   []string
	removed []string
}

func (r *recordingListener) EntryAdded(e *model.Entry)   { r.added = append(r.added, e.ID()) }
func (r *recordingListener) EntryRemoved(e *model.Entry) { r.removed = append(r.removed, e.ID()) }

func collect(s *Store, f query.Filter) []string {
	var out []string
	for e := range s.Fetch(f) {
		out = append(out, e.ID())
	}
	return out
}

func TestAddIsIdempotent(t *testing.T) {
	l := &recordingListener{}
	s := New(l)
	e := model.NewEntry("1")

	added, err := s.Add(e)
	if err != nil || !added {
		t.Fatalf("first add = %v, %v", added, err)
	}
	if !e.Attached() {
		t.Fatalf("expected entry attached after add")
	}

	again, err := s.Add(model.NewEntry("1"))
	if err != nil || again {
		t.Fatalf("duplicate add = %v, %v", again, err)
	}
	if s.Len() != 1 || !slices.Equal(l.added, []string{"1"}) {
		t.Fatalf("expected one stored entry and one notification, got %d %v", s.Len(), l.added)
	}
	if got, _ := s.Get("1"); got != e {
		t.Fatalf("duplicate add must not replace the stored entry")
	}
}

func TestRemove(t *testing.T) {
	l := &recordingListener{}
	s := New(l)
	stored := model.NewEntry("1")
	stored.SetResourceIDs([]string{"room"})
	_, _ = s.Add(stored)

	removed, err := s.Remove(model.NewEntry("missing"))
	if err != nil || removed {
		t.Fatalf("removing absent id = %v, %v", removed, err)
	}

	// Removing by an equal id detaches the stored instance.
	removed, err = s.Remove(model.NewEntry("1"))
	if err != nil || !removed {
		t.Fatalf("remove = %v, %v", removed, err)
	}
	if stored.Attached() || len(stored.ResourceIDs()) != 0 {
		t.Fatalf("stored entry should be detached with resources cleared")
	}
	if _, ok := s.Get("1"); ok || !slices.Equal(l.removed, []string{"1"}) {
		t.Fatalf("expected removal recorded, got %v", l.removed)
	}
}

func TestNilEntryRejected(t *testing.T) {
	s := New(nil)
	if _, err := s.Add(nil); !errors.Is(err, ErrNilEntry) {
		t.Errorf("Add(nil) err = %v", err)
	}
	if _, err := s.Remove(nil); !errors.Is(err, ErrNilEntry) {
		t.Errorf("Remove(nil) err = %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("nil operations must not change the store")
	}
}

func TestFetchIsLazyAndRestartable(t *testing.T) {
	s := New(nil)
	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		e := model.NewEntry(id)
		e.SetStart(day.Add(time.Duration(i) * time.Hour))
		e.SetEnd(day.Add(time.Duration(i+1) * time.Hour))
		_, _ = s.Add(e)
	}

	from := day.Add(90 * time.Minute)
	f := query.Filter{Start: &from}
	seq := s.Fetch(f)

	var first []string
	for e := range seq {
		first = append(first, e.ID())
	}
	if !slices.Equal(first, []string{"b", "c"}) {
		t.Fatalf("first fetch = %v", first)
	}

	_, _ = s.Remove(model.NewEntry("b"))
	var second []string
	for e := range seq {
		second = append(second, e.ID())
	}
	if !slices.Equal(second, []string{"c"}) {
		t.Fatalf("fetch should re-evaluate on each range, got %v", second)
	}
}

func TestAllSkipsEntriesRemovedWhileRanging(t *testing.T) {
	s := New(nil)
	for _, id := range []string{"a", "b", "c"} {
		_, _ = s.Add(model.NewEntry(id))
	}
	var seen []string
	for e := range s.All() {
		seen = append(seen, e.ID())
		if e.ID() == "a" {
			_, _ = s.Remove(model.NewEntry("b"))
		}
	}
	if !slices.Equal(seen, []string{"a", "c"}) {
		t.Fatalf("got %v", seen)
	}
	if got := collect(s, query.Filter{}); !slices.Equal(got, []string{"a", "c"}) {
		t.Fatalf("fetch everything = %v", got)
	}
	if !slices.Equal(s.IDs(), []string{"a", "c"}) {
		t.Fatalf("ids = %v", s.IDs())
	}
}
