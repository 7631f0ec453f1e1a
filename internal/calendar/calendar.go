// Package calendar is the mutation and query interface of the sync engine.
//
// A Calendar owns one store and one reconciler. Mutations are accepted
// synchronously; the resulting commands leave through the sink when the
// host runs its cycle. A Calendar is not safe for concurrent use.
package calendar

import (
	"errors"
	"fmt"
	"iter"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/query"
	"calsync/internal/reconcile"
	"calsync/internal/resource"
	"calsync/internal/schedule"
	"calsync/internal/store"
)

// ResourceLookup resolves the opaque resource ids entries carry.
type ResourceLookup interface {
	Lookup(id string) (resource.Resource, bool)
}

type Option func(*Calendar)

// WithResources sets the catalog used by Resources.
func WithResources(l ResourceLookup) Option {
	return func(c *Calendar) { c.resources = l }
}

type Calendar struct {
	store     *store.Store
	rec       *reconcile.Reconciler
	resources ResourceLookup
}

// New wires a store and reconciler that emit to sink whenever host runs
// its cycle.
func New(sink reconcile.Sink, host schedule.Host, opts ...Option) *Calendar {
	st := store.New(nil)
	rec := reconcile.New(st, sink, schedule.NewFlushScheduler(host))
	st.SetListener(rec)

	c := &Calendar{store: st, rec: rec}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func checkEntries(entries []*model.Entry) error {
	for i, e := range entries {
		if e == nil {
			return fmt.Errorf("entry %d: %w", i, store.ErrNilEntry)
		}
	}
	return nil
}

// AddEntries inserts entries. Ids already present are left alone. A nil
// entry rejects the whole call before anything changes.
func (c *Calendar) AddEntries(entries ...*model.Entry) error {
	if err := checkEntries(entries); err != nil {
		return fmt.Errorf("calendar: add entries: %w", err)
	}
	for _, e := range entries {
		if _, err := c.store.Add(e); err != nil {
			return fmt.Errorf("calendar: add entries: %w", err)
		}
	}
	return nil
}

// RemoveEntries removes the entries with the given ids. Unknown ids are
// ignored.
func (c *Calendar) RemoveEntries(entries ...*model.Entry) error {
	if err := checkEntries(entries); err != nil {
		return fmt.Errorf("calendar: remove entries: %w", err)
	}
	for _, e := range entries {
		if _, err := c.store.Remove(e); err != nil {
			return fmt.Errorf("calendar: remove entries: %w", err)
		}
	}
	return nil
}

// UpdateEntries asks for the current content of each entry to be sent.
// Passing a different instance with a stored id copies its content onto
// the stored entry first. Unknown ids are ignored.
func (c *Calendar) UpdateEntries(entries ...*model.Entry) error {
	if err := checkEntries(entries); err != nil {
		return fmt.Errorf("calendar: update entries: %w", err)
	}
	for _, e := range entries {
		stored, ok := c.store.Get(e.ID())
		if !ok {
			continue
		}
		if stored != e {
			stored.CopyFrom(e)
		}
		c.rec.RequestUpdate(stored)
	}
	return nil
}

// RefreshAll makes the next flush resend every entry from scratch.
func (c *Calendar) RefreshAll() {
	c.rec.RequestFullResync()
}

// Fetch yields the entries overlapping [start, end) that match sel. Nil
// bounds are open.
func (c *Calendar) Fetch(start, end *time.Time, sel query.Selector) iter.Seq[*model.Entry] {
	return c.store.Fetch(query.Filter{Start: start, End: end, AllDay: sel})
}

// Get returns the stored entry with id.
func (c *Calendar) Get(id string) (*model.Entry, bool) {
	return c.store.Get(id)
}

// Len returns the number of stored entries.
func (c *Calendar) Len() int { return c.store.Len() }

// Flush runs the reconciler immediately instead of waiting for the host.
func (c *Calendar) Flush() error { return c.rec.Flush() }

// Resources resolves e's resource ids. Ids missing from the catalog are
// skipped.
func (c *Calendar) Resources(e *model.Entry) []resource.Resource {
	if c.resources == nil || e == nil {
		return nil
	}
	var out []resource.Resource
	for _, id := range e.ResourceIDs() {
		if r, ok := c.resources.Lookup(id); ok {
			out = append(out, r)
		}
	}
	return out
}

// Reset replaces all data with entries and requests a full resync.
func (c *Calendar) Reset(entries []*model.Entry) error {
	if err := checkEntries(entries); err != nil {
		return fmt.Errorf("calendar: reset: %w", err)
	}
	for e := range c.store.All() {
		if _, err := c.store.Remove(e); err != nil {
			return fmt.Errorf("calendar: reset: %w", err)
		}
	}
	if err := c.AddEntries(entries...); err != nil {
		return err
	}
	c.RefreshAll()
	return nil
}

// SyncStats summarizes one Sync call.
type SyncStats struct {
	Added     int
	Updated   int
	Removed   int
	Unchanged int
	Skipped   int
}

// Sync merges the current contents of one feed. Incoming entries are
// matched by id: new ones are added, changed ones updated, and stored
// entries of that source missing from incoming are removed. Entries whose
// id belongs to another source are skipped.
func (c *Calendar) Sync(source string, incoming []*model.Entry) (SyncStats, error) {
	var stats SyncStats
	if source == "" {
		return stats, errors.New("calendar: sync needs a source id")
	}
	if err := checkEntries(incoming); err != nil {
		return stats, fmt.Errorf("calendar: sync %q: %w", source, err)
	}

	seen := make(map[string]bool, len(incoming))
	for _, in := range incoming {
		if in.Source() != source {
			in.SetSource(source)
		}
		id := in.ID()
		if seen[id] {
			stats.Skipped++
			continue
		}
		seen[id] = true

		stored, ok := c.store.Get(id)
		switch {
		case !ok:
			if _, err := c.store.Add(in); err != nil {
				return stats, fmt.Errorf("calendar: sync %q: %w", source, err)
			}
			stats.Added++
		case stored.Source() != source:
			appLog.Warn("sync: id owned by another source", "id", id, "source", source, "owner", stored.Source())
			stats.Skipped++
		case stored.CopyFrom(in):
			c.rec.RequestUpdate(stored)
			stats.Updated++
		default:
			stats.Unchanged++
		}
	}

	for e := range c.store.All() {
		if e.Source() != source || seen[e.ID()] {
			continue
		}
		if _, err := c.store.Remove(e); err != nil {
			return stats, fmt.Errorf("calendar: sync %q: %w", source, err)
		}
		stats.Removed++
	}
	return stats, nil
}
