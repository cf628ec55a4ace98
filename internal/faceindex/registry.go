package faceindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// siteEntry guards one site's snapshot. sem is held for the whole View or
// Update call, including the save.
type siteEntry struct {
	sem  *semaphore.Weighted
	snap *Snapshot // nil until loaded
}

// Registry is the process-wide site -> snapshot cache. Entries are loaded on
// first use and kept for the process lifetime; memory grows with the number
// of sites and enrolled vectors.
type Registry struct {
	store Store

	mu    sync.Mutex // guards sites map only
	sites map[string]*siteEntry
}

// NewRegistry creates an empty registry backed by store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		sites: make(map[string]*siteEntry),
	}
}

func (r *Registry) entry(site string) *siteEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sites[site]
	if !ok {
		e = &siteEntry{sem: semaphore.NewWeighted(1)}
		r.sites[site] = e
	}
	return e
}

// acquire takes the site lock and makes sure the snapshot is loaded.
// On success the caller must call e.sem.Release(1).
func (r *Registry) acquire(ctx context.Context, site string) (*siteEntry, error) {
	if err := ValidateSite(site); err != nil {
		return nil, err
	}
	e := r.entry(site)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for site %s: %w", site, err)
	}
	if e.snap == nil {
		snap, err := r.store.Load(ctx, site)
		if err != nil {
			e.sem.Release(1)
			return nil, fmt.Errorf("loading site %s: %w", site, err)
		}
		e.snap = snap
	}
	return e, nil
}

// View runs fn with exclusive read access to the site's snapshot.
// fn must not keep the snapshot after it returns.
func (r *Registry) View(ctx context.Context, site string, fn func(*Snapshot) error) error {
	e, err := r.acquire(ctx, site)
	if err != nil {
		return err
	}
	defer e.sem.Release(1)
	return fn(e.snap)
}

// Update runs fn with exclusive access and persists the snapshot before
// releasing it. If fn or the save fails, the snapshot is rolled back to its
// length before the call, so the cache never holds unpersisted slots.
func (r *Registry) Update(ctx context.Context, site string, fn func(*Snapshot) error) error {
	e, err := r.acquire(ctx, site)
	if err != nil {
		return err
	}
	defer e.sem.Release(1)

	mark := e.snap.Len()
	if err := fn(e.snap); err != nil {
		e.snap.Truncate(mark)
		return err
	}
	if e.snap.Len() == mark {
		return nil
	}
	if err := r.store.Save(ctx, site, e.snap); err != nil {
		e.snap.Truncate(mark)
		return fmt.Errorf("saving site %s: %w", site, err)
	}
	return nil
}

// SiteStats summarizes one site's snapshot.
type SiteStats struct {
	Site        string         `json:"site_id"`
	Vectors     int            `json:"vectors"`
	Identities  int            `json:"identities"`
	PerIdentity map[string]int `json:"per_identity"`
}

// Stats loads the site if needed and returns its counts.
func (r *Registry) Stats(ctx context.Context, site string) (SiteStats, error) {
	var stats SiteStats
	err := r.View(ctx, site, func(s *Snapshot) error {
		counts := s.IdentityCounts()
		stats = SiteStats{
			Site:        site,
			Vectors:     s.Len(),
			Identities:  len(counts),
			PerIdentity: counts,
		}
		return nil
	})
	return stats, err
}

// Sites returns every site referenced since process start.
func (r *Registry) Sites() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	sites := make([]string, 0, len(r.sites))
	for site := range r.sites {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}
