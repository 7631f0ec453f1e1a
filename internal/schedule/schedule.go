// Package schedule defers work to the end of the host's current unit of
// work (an HTTP request, a refresh step) and collapses repeated requests
// into a single run.
package schedule

import "errors"

// Host runs fn once before the next unit of observable output leaves the
// process. What counts as a unit of work is up to the host.
type Host interface {
	RunOnce(fn func() error)
}

// HostFunc adapts a plain function to Host.
type HostFunc func(fn func() error)

func (f HostFunc) RunOnce(fn func() error) { f(fn) }

// FlushScheduler registers at most one callback per cycle with its host.
type FlushScheduler struct {
	host  Host
	armed bool
}

func NewFlushScheduler(h Host) *FlushScheduler {
	return &FlushScheduler{host: h}
}

// Arm registers cb with the host unless a callback is already armed for
// the current cycle. The scheduler disarms itself once cb returns, errors
// or panics.
func (s *FlushScheduler) Arm(cb func() error) {
	if s.armed {
		return
	}
	s.armed = true
	s.host.RunOnce(func() error {
		defer s.Disarm()
		return cb()
	})
}

// Disarm allows the next Arm to register a new callback.
func (s *FlushScheduler) Disarm() { s.armed = false }

func (s *FlushScheduler) Armed() bool { return s.armed }

// Cycle is a Host that queues callbacks until Run. It is not safe for
// concurrent use; the owner serializes access.
type Cycle struct {
	queue []func() error
}

func (c *Cycle) RunOnce(fn func() error) {
	c.queue = append(c.queue, fn)
}

// Pending reports whether anything is queued for the next Run.
func (c *Cycle) Pending() bool { return len(c.queue) > 0 }

// Run drains the queue, including callbacks queued while draining, and
// returns the joined errors. A failing callback does not stop the rest.
func (c *Cycle) Run() error {
	var errs []error
	for len(c.queue) > 0 {
		fn := c.queue[0]
		c.queue = c.queue[1:]
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	c.queue = nil
	return errors.Join(errs...)
}
