// Package reconcile batches entry changes into remove, add and update
// commands for a remote surface that can only be written to.
//
// Mutations only record intent. Flush resolves the pending sets against
// each other and against the store, emits at most one command per affected
// entry, and keeps each entry's KnownToRemote and dirty bits in step with
// what was sent.
package reconcile

import (
	"errors"
	"fmt"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/schedule"
)

// Command names understood by the remote surface.
const (
	CommandAdd    = "add"
	CommandUpdate = "update"
	CommandRemove = "remove"
)

// Sink delivers one command to the remote surface. It is fire-and-forget:
// nothing is acknowledged and nothing is retried. payloads is never empty.
type Sink interface {
	Send(command string, payloads []model.Payload) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(command string, payloads []model.Payload) error

func (f SinkFunc) Send(command string, payloads []model.Payload) error {
	return f(command, payloads)
}

// Command is a sent command as recorded by buffering sinks.
type Command struct {
	Name     string          `json:"name"`
	Payloads []model.Payload `json:"payloads"`
}

// Entries is the read side of the store the reconciler needs.
type Entries interface {
	Get(id string) (*model.Entry, bool)
	IDs() []string
}

// Reconciler accumulates pending operations between flushes. It is
// confined to one goroutine, like the store it reads from.
type Reconciler struct {
	entries Entries
	sink    Sink
	sched   *schedule.FlushScheduler

	toAdd    idSet
	toUpdate idSet
	toRemove idSet

	// removed keeps entries that left the store since the last flush so a
	// remove can still be emitted for them.
	removed   map[string]*model.Entry
	resendAll bool
}

func New(entries Entries, sink Sink, sched *schedule.FlushScheduler) *Reconciler {
	return &Reconciler{
		entries: entries,
		sink:    sink,
		sched:   sched,
		removed: make(map[string]*model.Entry),
	}
}

// EntryAdded records that e was inserted into the store.
func (r *Reconciler) EntryAdded(e *model.Entry) {
	r.toAdd.add(e.ID())
	r.arm()
}

// EntryRemoved records that e left the store.
func (r *Reconciler) EntryRemoved(e *model.Entry) {
	id := e.ID()
	r.toRemove.add(id)
	// Keep the instance the remote knows about if the id was removed more
	// than once in this cycle.
	if prev, ok := r.removed[id]; !ok || !prev.KnownToRemote() {
		r.removed[id] = e
	}
	r.arm()
}

// RequestUpdate asks for e's current content to be sent. Entries the
// remote has never seen are ignored; their add will carry the content.
func (r *Reconciler) RequestUpdate(e *model.Entry) {
	if e.KnownToRemote() {
		r.toUpdate.add(e.ID())
	}
	r.arm()
}

// RequestFullResync makes the next flush remove and re-add every stored
// entry.
func (r *Reconciler) RequestFullResync() {
	r.resendAll = true
	r.arm()
}

// pending reports the sizes of the pending sets.
func (r *Reconciler) pending() (add, update, remove int) {
	return r.toAdd.len(), r.toUpdate.len(), r.toRemove.len()
}

func (r *Reconciler) arm() {
	r.sched.Arm(r.Flush)
}

// Flush emits the pending changes as at most one remove, one add and one
// update command, in that order. Sink errors do not stop the remaining
// commands; they are joined and returned. Pending state is cleared even
// when the sink fails or panics.
func (r *Reconciler) Flush() error {
	defer r.reset()

	if r.resendAll {
		for _, id := range r.entries.IDs() {
			r.toRemove.add(id)
			r.toAdd.add(id)
		}
		r.resendAll = false
	}

	// Fresh adds carry current content, removed entries need none.
	r.toUpdate.subtract(&r.toAdd)
	r.toUpdate.subtract(&r.toRemove)

	var errs []error

	removing := make([]*model.Entry, 0, r.toRemove.len())
	for _, id := range r.toRemove.ids {
		if e := r.remoteCopy(id); e != nil {
			removing = append(removing, e)
		}
	}
	if err := r.send(CommandRemove, removing, (*model.Entry).SerializeIdentity); err != nil {
		errs = append(errs, err)
	} else {
		for _, e := range removing {
			e.SetKnownToRemote(false)
		}
	}

	// An add followed by a remove in the same cycle leaves nothing in the
	// store, so no phantom add goes out.
	adding := make([]*model.Entry, 0, r.toAdd.len())
	for _, id := range r.toAdd.ids {
		if e, ok := r.entries.Get(id); ok {
			adding = append(adding, e)
		}
	}
	if err := r.send(CommandAdd, adding, (*model.Entry).SerializeFull); err != nil {
		errs = append(errs, err)
	} else {
		for _, e := range adding {
			e.SetKnownToRemote(true)
			e.ClearDirty()
		}
	}

	updating := make([]*model.Entry, 0, r.toUpdate.len())
	for _, id := range r.toUpdate.ids {
		e, ok := r.entries.Get(id)
		if !ok || !e.IsDirty() || !e.KnownToRemote() {
			continue
		}
		updating = append(updating, e)
	}
	if err := r.send(CommandUpdate, updating, (*model.Entry).SerializePartial); err != nil {
		errs = append(errs, err)
	} else {
		for _, e := range updating {
			e.ClearDirty()
		}
	}

	if n := len(removing) + len(adding) + len(updating); n > 0 {
		appLog.Debug("flush completed",
			"removed", len(removing),
			"added", len(adding),
			"updated", len(updating),
			"errors", len(errs),
		)
	}
	return errors.Join(errs...)
}

// remoteCopy returns the instance the remote surface holds for id, if any.
func (r *Reconciler) remoteCopy(id string) *model.Entry {
	if e, ok := r.removed[id]; ok && e.KnownToRemote() {
		return e
	}
	if e, ok := r.entries.Get(id); ok && e.KnownToRemote() {
		return e
	}
	return nil
}

func (r *Reconciler) send(command string, entries []*model.Entry, encode func(*model.Entry) model.Payload) error {
	if len(entries) == 0 {
		return nil
	}
	payloads := make([]model.Payload, 0, len(entries))
	for _, e := range entries {
		payloads = append(payloads, encode(e))
	}
	if err := r.sink.Send(command, payloads); err != nil {
		return fmt.Errorf("reconcile: send %s (%d entries): %w", command, len(payloads), err)
	}
	return nil
}

func (r *Reconciler) reset() {
	r.toAdd.clear()
	r.toUpdate.clear()
	r.toRemove.clear()
	clear(r.removed)
	r.sched.Disarm()
}

// idSet is an insertion-ordered set of ids.
type idSet struct {
	ids   []string
	index map[string]struct{}
}

func (s *idSet) add(id string) {
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
	if _, ok := s.index[id]; ok {
		return
	}
	s.index[id] = struct{}{}
	s.ids = append(s.ids, id)
}

func (s *idSet) has(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *idSet) len() int { return len(s.ids) }

// subtract removes every id of o from s.
func (s *idSet) subtract(o *idSet) {
	if o.len() == 0 || s.len() == 0 {
		return
	}
	kept := s.ids[:0]
	for _, id := range s.ids {
		if o.has(id) {
			delete(s.index, id)
			continue
		}
		kept = append(kept, id)
	}
	s.ids = kept
}

func (s *idSet) clear() {
	s.ids = nil
	clear(s.index)
}
