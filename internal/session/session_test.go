package session

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"calsync/internal/calendar"
	"calsync/internal/model"
	"calsync/internal/reconcile"
)

func names(cmds []reconcile.Command) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.Name)
	}
	return out
}

func attach(t *testing.T, s *Session) string {
	t.Helper()
	id, _, err := s.Attach()
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return id
}

func TestPollReturnsBufferedCommands(t *testing.T) {
	s := New()
	id := attach(t, s)

	err := s.Do(func(cal *calendar.Calendar) error {
		return cal.AddEntries(model.NewEntry("1"), model.NewEntry("2"))
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !s.cycle.Pending() {
		t.Fatalf("expected pending flush after mutation")
	}

	cmds, err := s.Poll(id)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Name != reconcile.CommandAdd || len(cmds[0].Payloads) != 2 {
		t.Fatalf("unexpected commands: %+v", cmds)
	}

	cmds, err = s.Poll(id)
	if err != nil || len(cmds) != 0 {
		t.Fatalf("second poll should be empty, got %+v, %v", cmds, err)
	}
}

func TestAttachResendsEverything(t *testing.T) {
	s := New()
	first := attach(t, s)
	_ = s.Do(func(cal *calendar.Calendar) error {
		return cal.AddEntries(model.NewEntry("1"))
	})
	_, _ = s.Poll(first)

	_, cmds, err := s.Attach()
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	got := names(cmds)
	if !slices.Equal(got, []string{reconcile.CommandRemove, reconcile.CommandAdd}) {
		t.Fatalf("attach should remove then add, got %v", got)
	}
}

func TestEverySurfaceSeesTheWholeStream(t *testing.T) {
	s := New()
	a := attach(t, s)
	b := attach(t, s)

	_ = s.Do(func(cal *calendar.Calendar) error {
		return cal.AddEntries(model.NewEntry("1"))
	})
	// a polls first and triggers the flush; b still gets the add.
	gotA, _ := s.Poll(a)
	_ = s.Do(func(cal *calendar.Calendar) error {
		e, _ := cal.Get("1")
		e.SetTitle("renamed")
		return cal.UpdateEntries(e)
	})
	gotB, _ := s.Poll(b)
	gotA2, _ := s.Poll(a)

	if !slices.Equal(names(gotA), []string{reconcile.CommandAdd}) {
		t.Fatalf("a = %v", names(gotA))
	}
	if !slices.Equal(names(gotB), []string{reconcile.CommandAdd, reconcile.CommandUpdate}) {
		t.Fatalf("b = %v", names(gotB))
	}
	if !slices.Equal(names(gotA2), []string{reconcile.CommandUpdate}) {
		t.Fatalf("a second poll = %v", names(gotA2))
	}
}

func TestUnknownAndExpiredSurfaces(t *testing.T) {
	s := New()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if _, err := s.Poll("nobody"); !errors.Is(err, ErrUnknownSurface) {
		t.Fatalf("unknown surface err = %v", err)
	}

	quiet := attach(t, s)
	active := attach(t, s)
	now = now.Add(SurfaceTTL + time.Second)
	if _, err := s.Poll(active); err != nil {
		t.Fatalf("Poll active: %v", err)
	}
	if _, err := s.Poll(quiet); !errors.Is(err, ErrUnknownSurface) {
		t.Fatalf("expired surface err = %v", err)
	}
	if s.Surfaces() != 1 {
		t.Fatalf("surfaces = %d", s.Surfaces())
	}

	s.Detach(active)
	s.Detach("nobody")
	if s.Surfaces() != 0 {
		t.Fatalf("surfaces after detach = %d", s.Surfaces())
	}
}

func TestConcurrentCallersAreSerialized(t *testing.T) {
	s := New()
	id := attach(t, s)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(func(cal *calendar.Calendar) error {
				return cal.AddEntries(model.NewEntry(string(rune('a' + i))))
			})
		}()
	}
	wg.Wait()

	cmds, err := s.Poll(id)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(cmds) != 1 || len(cmds[0].Payloads) != 20 {
		t.Fatalf("expected one batched add of 20, got %+v", names(cmds))
	}
}
