package reconcile

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"calsync/internal/model"
	"calsync/internal/schedule"
	"calsync/internal/store"
)

type recordingSink struct {
	commands []Command
	fail     map[string]error
}

func (s *recordingSink) Send(command string, payloads []model.Payload) error {
	if len(payloads) == 0 {
		panic("empty payload list sent")
	}
	if err := s.fail[command]; err != nil {
		return err
	}
	s.commands = append(s.commands, Command{Name: command, Payloads: payloads})
	return nil
}

// wire renders the recorded commands as "name:id,id" strings.
func (s *recordingSink) wire() []string {
	out := make([]string, 0, len(s.commands))
	for _, c := range s.commands {
		ids := make([]string, 0, len(c.Payloads))
		for _, p := range c.Payloads {
			ids = append(ids, p[model.KeyID].(string))
		}
		out = append(out, c.Name+":"+strings.Join(ids, ","))
	}
	return out
}

type harness struct {
	store *store.Store
	rec   *Reconciler
	cycle *schedule.Cycle
	sink  *recordingSink
}

func newHarness() *harness {
	h := &harness{
		store: store.New(nil),
		cycle: &schedule.Cycle{},
		sink:  &recordingSink{},
	}
	h.rec = New(h.store, h.sink, schedule.NewFlushScheduler(h.cycle))
	h.store.SetListener(h.rec)
	return h
}

func (h *harness) add(t *testing.T, e *model.Entry) {
	t.Helper()
	if _, err := h.store.Add(e); err != nil {
		t.Fatalf("add %s: %v", e.ID(), err)
	}
}

func (h *harness) remove(t *testing.T, e *model.Entry) {
	t.Helper()
	if _, err := h.store.Remove(e); err != nil {
		t.Fatalf("remove %s: %v", e.ID(), err)
	}
}

// cycleEnd runs the host cycle and returns the commands it produced.
func (h *harness) cycleEnd(t *testing.T) []string {
	t.Helper()
	h.sink.commands = nil
	if err := h.cycle.Run(); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	return h.sink.wire()
}

// known adds entries and flushes so they start out on the remote side.
func (h *harness) known(t *testing.T, ids ...string) []*model.Entry {
	t.Helper()
	out := make([]*model.Entry, 0, len(ids))
	for _, id := range ids {
		e := model.NewEntry(id)
		e.SetTitle("entry " + id)
		h.add(t, e)
		out = append(out, e)
	}
	h.cycleEnd(t)
	return out
}

func expectWire(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(want) == 0 {
		want = []string{}
	}
	if !slices.Equal(got, want) {
		t.Fatalf("wire = %v, want %v", got, want)
	}
}

func TestIdempotentAdd(t *testing.T) {
	h := newHarness()
	e := model.NewEntry("1")
	h.add(t, e)
	h.add(t, e)
	h.add(t, model.NewEntry("1"))

	expectWire(t, h.cycleEnd(t), "add:1")
	if !e.KnownToRemote() || e.IsDirty() {
		t.Fatalf("added entry should be known and clean, got known=%v state=%s", e.KnownToRemote(), e.State())
	}
}

func TestAddThenRemoveCancels(t *testing.T) {
	h := newHarness()
	e := model.NewEntry("1")
	h.add(t, e)
	h.remove(t, e)

	expectWire(t, h.cycleEnd(t))
	if e.KnownToRemote() {
		t.Fatalf("cancelled entry must not be known to remote")
	}
}

func TestRemoveThenAddWithinCycle(t *testing.T) {
	h := newHarness()
	e := h.known(t, "1")[0]

	h.remove(t, e)
	h.add(t, e)

	expectWire(t, h.cycleEnd(t), "remove:1", "add:1")
	if !e.KnownToRemote() {
		t.Fatalf("re-added entry should be known to remote")
	}
}

func TestRemoveThenAddDifferentInstance(t *testing.T) {
	h := newHarness()
	old := h.known(t, "1")[0]

	replacement := model.NewEntry("1")
	replacement.SetTitle("replacement")
	h.remove(t, old)
	h.add(t, replacement)
	h.remove(t, replacement)
	h.add(t, replacement)

	expectWire(t, h.cycleEnd(t), "remove:1", "add:1")
	if old.KnownToRemote() || !replacement.KnownToRemote() {
		t.Fatalf("expected old unknown and replacement known, got %v %v", old.KnownToRemote(), replacement.KnownToRemote())
	}
	if got := h.sink.commands[1].Payloads[0][model.KeyTitle]; got != "replacement" {
		t.Fatalf("add should carry the replacement, got %v", got)
	}
}

func TestRemoveOfKnownEntry(t *testing.T) {
	h := newHarness()
	e := h.known(t, "1")[0]
	h.remove(t, e)

	expectWire(t, h.cycleEnd(t), "remove:1")
	if e.KnownToRemote() {
		t.Fatalf("removed entry should no longer be known")
	}
	if got := h.sink.commands[0].Payloads[0]; len(got) != 1 {
		t.Fatalf("remove should carry only the identity payload, got %v", got)
	}
}

func TestUpdateSuppressedForUnknownEntry(t *testing.T) {
	h := newHarness()
	e := model.NewEntry("1")
	e.SetTitle("never sent")
	h.rec.RequestUpdate(e)

	expectWire(t, h.cycleEnd(t))
}

func TestUpdateSuppressedWhenClean(t *testing.T) {
	h := newHarness()
	e := h.known(t, "1")[0]

	e.SetTitle("changed")
	h.rec.RequestUpdate(e)
	expectWire(t, h.cycleEnd(t), "update:1")

	h.rec.RequestUpdate(e)
	expectWire(t, h.cycleEnd(t))

	// Flushing with nothing pending emits nothing either.
	h.sink.commands = nil
	if err := h.rec.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	expectWire(t, h.sink.wire())
}

func TestUpdateCollapsesWithinCycle(t *testing.T) {
	h := newHarness()
	e := h.known(t, "1")[0]

	for _, title := range []string{"a", "b", "c"} {
		e.SetTitle(title)
		h.rec.RequestUpdate(e)
	}
	expectWire(t, h.cycleEnd(t), "update:1")
	if got := h.sink.commands[0].Payloads[0][model.KeyTitle]; got != "c" {
		t.Fatalf("update should carry the latest title, got %v", got)
	}
	if _, ok := h.sink.commands[0].Payloads[0][model.KeySource]; ok {
		t.Fatalf("update should use the partial payload")
	}
}

func TestUpdateDroppedForAddedOrRemoved(t *testing.T) {
	h := newHarness()
	entries := h.known(t, "gone")

	fresh := model.NewEntry("fresh")
	h.add(t, fresh)
	fresh.SetKnownToRemote(true) // pretend a stale bit; add must still win
	h.rec.RequestUpdate(fresh)

	gone := entries[0]
	gone.SetTitle("edited before removal")
	h.rec.RequestUpdate(gone)
	h.remove(t, gone)

	expectWire(t, h.cycleEnd(t), "remove:gone", "add:fresh")
}

func TestFullResync(t *testing.T) {
	h := newHarness()
	entries := h.known(t, "A", "B", "C")

	h.rec.RequestFullResync()
	expectWire(t, h.cycleEnd(t), "remove:A,B,C", "add:A,B,C")
	for _, e := range entries {
		if !e.KnownToRemote() {
			t.Fatalf("%s should be known after resync", e.ID())
		}
	}
}

func TestFullResyncAfterRemoval(t *testing.T) {
	h := newHarness()
	entries := h.known(t, "A", "B")
	h.remove(t, entries[0])
	h.rec.RequestFullResync()

	expectWire(t, h.cycleEnd(t), "remove:A,B", "add:B")
}

func TestOrderingWithinFlush(t *testing.T) {
	h := newHarness()
	entries := h.known(t, "keep", "drop")

	entries[0].SetTitle("changed")
	h.rec.RequestUpdate(entries[0])
	h.add(t, model.NewEntry("new"))
	h.remove(t, entries[1])

	expectWire(t, h.cycleEnd(t), "remove:drop", "add:new", "update:keep")
}

func TestSinkFailureIsIsolated(t *testing.T) {
	h := newHarness()
	entries := h.known(t, "old")

	boom := errors.New("transport down")
	h.sink.fail = map[string]error{CommandRemove: boom}

	fresh := model.NewEntry("fresh")
	h.add(t, fresh)
	h.remove(t, entries[0])

	h.sink.commands = nil
	err := h.cycle.Run()
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error to propagate, got %v", err)
	}
	expectWire(t, h.sink.wire(), "add:fresh")
	if !entries[0].KnownToRemote() {
		t.Fatalf("failed remove must leave the known bit alone")
	}
	if a, u, r := h.rec.pending(); a+u+r != 0 {
		t.Fatalf("pending sets should be cleared after a failing flush, got %d/%d/%d", a, u, r)
	}

	// The next cycle starts clean.
	h.sink.fail = nil
	expectWire(t, h.cycleEnd(t))
}

func TestScenarioUpdateWithoutChange(t *testing.T) {
	h := newHarness()
	e := h.known(t, "1")[0]
	if e.IsDirty() || !e.KnownToRemote() {
		t.Fatalf("precondition: clean and known")
	}

	h.rec.RequestUpdate(e)
	expectWire(t, h.cycleEnd(t))

	e.SetTitle("X")
	h.rec.RequestUpdate(e)
	expectWire(t, h.cycleEnd(t), "update:1")
	if got := h.sink.commands[0].Payloads[0][model.KeyTitle]; got != "X" {
		t.Fatalf("expected title X, got %v", got)
	}
}

func TestNoFlushWithoutCycle(t *testing.T) {
	h := newHarness()
	h.add(t, model.NewEntry("1"))
	h.add(t, model.NewEntry("2"))
	if len(h.sink.commands) != 0 {
		t.Fatalf("mutations must not flush inline")
	}
	if a, _, _ := h.rec.pending(); a != 2 {
		t.Fatalf("expected 2 pending adds, got %d", a)
	}
	expectWire(t, h.cycleEnd(t), "add:1,2")
}
