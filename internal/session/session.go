// Package session hosts one Calendar for the widgets showing it.
//
// The engine is single-threaded, so every call goes through Do, which
// holds the session lock. Commands produced by a flush are copied into the
// queue of every attached surface and handed out when that surface polls.
// The engine tracks a single remote copy; each surface starts from the full
// resync its Attach triggers and then sees the same command stream.
package session

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"calsync/internal/calendar"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/reconcile"
	"calsync/internal/schedule"
)

// ErrUnknownSurface is returned by Poll for an id that never attached or
// was dropped after going quiet. The surface has to attach again.
var ErrUnknownSurface = errors.New("session: unknown surface")

// SurfaceTTL is how long a surface may go without polling before its queue
// is dropped.
const SurfaceTTL = 2 * time.Minute

// Outbox is a Sink that buffers commands until the session fans them out.
type Outbox struct {
	commands []reconcile.Command
}

func (o *Outbox) Send(command string, payloads []model.Payload) error {
	o.commands = append(o.commands, reconcile.Command{
		Name:     command,
		Payloads: slices.Clone(payloads),
	})
	return nil
}

// Take returns and forgets the buffered commands.
func (o *Outbox) Take() []reconcile.Command {
	out := o.commands
	o.commands = nil
	return out
}

type surface struct {
	queue    []reconcile.Command
	lastSeen time.Time
}

type Session struct {
	mu       sync.Mutex
	cal      *calendar.Calendar
	cycle    *schedule.Cycle
	outbox   *Outbox
	surfaces map[string]*surface
	now      func() time.Time
}

func New(opts ...calendar.Option) *Session {
	s := &Session{
		cycle:    &schedule.Cycle{},
		outbox:   &Outbox{},
		surfaces: make(map[string]*surface),
		now:      time.Now,
	}
	s.cal = calendar.New(s.outbox, s.cycle, opts...)
	return s
}

// Do runs fn with exclusive access to the calendar. Commands it causes are
// delivered on the next Poll or Attach.
func (s *Session) Do(fn func(cal *calendar.Calendar) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.cal)
}

// Attach registers a new surface. It cannot hold anything yet, so
// everything is resent from scratch; the returned commands are that
// snapshot plus anything already pending. Other surfaces receive the same
// resync on their next Poll.
func (s *Session) Attach() (string, []reconcile.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.surfaces[id] = &surface{lastSeen: s.now()}
	s.cal.RefreshAll()
	err := s.drainLocked()
	return id, s.takeLocked(id), err
}

// Poll ends the current cycle and returns the commands queued for surface
// id since its last poll. Commands are returned even when a flush failed.
func (s *Session) Poll(id string) ([]reconcile.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, ok := s.surfaces[id]
	if !ok {
		return nil, ErrUnknownSurface
	}
	sf.lastSeen = s.now()
	err := s.drainLocked()
	return s.takeLocked(id), err
}

// Detach forgets a surface. Unknown ids are ignored.
func (s *Session) Detach(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.surfaces, id)
}

// Surfaces returns the number of attached surfaces.
func (s *Session) Surfaces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.surfaces)
}

// drainLocked runs the armed flushes and copies their commands into every
// live surface queue.
func (s *Session) drainLocked() error {
	err := s.cycle.Run()
	cmds := s.outbox.Take()

	cutoff := s.now().Add(-SurfaceTTL)
	for id, sf := range s.surfaces {
		if sf.lastSeen.Before(cutoff) {
			delete(s.surfaces, id)
			appLog.Info("surface expired", "surface", id, "queued", len(sf.queue))
			continue
		}
		sf.queue = append(sf.queue, cmds...)
	}
	return err
}

func (s *Session) takeLocked(id string) []reconcile.Command {
	sf, ok := s.surfaces[id]
	if !ok {
		return nil
	}
	out := sf.queue
	sf.queue = nil
	return out
}
