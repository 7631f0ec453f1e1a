// Package feed keeps the calendar in step with the configured ICS sources.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"calsync/internal/calendar"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Host runs fn with exclusive access to the calendar.
type Host interface {
	Do(fn func(cal *calendar.Calendar) error) error
}

type Refresher struct {
	host    Host
	fetcher *ics.Fetcher
	sources []ics.Source

	loc     *time.Location
	horizon time.Duration
	now     func() time.Time

	// refreshing serializes whole refreshes; the session lock is only
	// held while merging.
	refreshing sync.Mutex
}

func NewRefresher(host Host, fetcher *ics.Fetcher, sources []ics.Source, loc *time.Location, horizonDays int) *Refresher {
	if loc == nil {
		loc = time.UTC
	}
	if horizonDays <= 0 {
		horizonDays = 30
	}
	return &Refresher{
		host:    host,
		fetcher: fetcher,
		sources: sources,
		loc:     loc,
		horizon: time.Duration(horizonDays) * 24 * time.Hour,
		now:     time.Now,
	}
}

// Result is the outcome of one Refresh.
type Result struct {
	Stats  map[string]calendar.SyncStats
	Failed []string
}

// Refresh fetches every source and merges each one that produced a
// parsable body. A failing source keeps its previous entries.
func (r *Refresher) Refresh(ctx context.Context) (Result, error) {
	r.refreshing.Lock()
	defer r.refreshing.Unlock()

	start := r.now()
	y, m, d := start.In(r.loc).Date()
	opts := ics.Options{
		Location: r.loc,
		// Yesterday too, so instances running across midnight stay.
		From:  time.Date(y, m, d-1, 0, 0, 0, 0, r.loc),
		Until: time.Date(y, m, d, 0, 0, 0, 0, r.loc).Add(r.horizon),
	}

	result := Result{Stats: make(map[string]calendar.SyncStats)}
	fetched, fetchErr := r.fetcher.FetchAll(ctx, r.sources)
	errs := []error{fetchErr}
	ok := make(map[string]bool, len(fetched))

	parsed := make(map[string][]*model.Entry, len(fetched))
	for _, res := range fetched {
		entries, err := ics.Parse(res.Source, res.Body, opts)
		if err != nil {
			appLog.Error("feed parse failed", err, "id", res.Source.ID)
			errs = append(errs, fmt.Errorf("source %s: %w", res.Source.ID, err))
			continue
		}
		parsed[res.Source.ID] = entries
		ok[res.Source.ID] = true
	}

	err := r.host.Do(func(cal *calendar.Calendar) error {
		for _, src := range r.sources {
			entries, found := parsed[src.ID]
			if !found {
				continue
			}
			stats, err := cal.Sync(src.ID, entries)
			if err != nil {
				return err
			}
			result.Stats[src.ID] = stats
		}
		return nil
	})
	errs = append(errs, err)

	for _, src := range r.sources {
		if !ok[src.ID] {
			result.Failed = append(result.Failed, src.ID)
		}
	}
	appLog.Info("feed refresh done",
		"sources", len(r.sources),
		"failed", len(result.Failed),
		"took", time.Since(start).Round(time.Millisecond),
	)
	return result, errors.Join(errs...)
}
