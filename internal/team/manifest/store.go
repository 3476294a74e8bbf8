package manifest

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/store"
)

// ErrVersionConflict is returned when a manifest mutation lost the
// read-modify-write race twice in a row.
var ErrVersionConflict = fmt.Errorf("manifest version conflict")

// ErrNotFound is returned when the manifest file does not exist.
var ErrNotFound = fmt.Errorf("manifest not found")

const (
	cacheTTL     = 2 * time.Second
	cacheSweep   = 30 * time.Second
	cacheKeyName = "manifest"
)

// Store reads and mutates one team's manifest with a short read-through
// cache. The cache only serves repeated reads inside a monitor tick; every
// mutation invalidates it.
type Store struct {
	layout store.Layout
	cache  *gocache.Cache
}

// NewStore creates a manifest store for the given layout.
func NewStore(layout store.Layout) *Store {
	return &Store{
		layout: layout,
		cache:  gocache.New(cacheTTL, cacheSweep),
	}
}

// Load returns the current manifest, or (nil, nil) when none exists.
func (s *Store) Load() (*Manifest, error) {
	if cached, ok := s.cache.Get(cacheKeyName); ok {
		m := cached.(Manifest)
		return &m, nil
	}

	m, err := store.ReadJSON[Manifest](s.layout.Manifest(), "manifest")
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	if m.SchemaVersion != SchemaVersion {
		log.Warn(log.CatStore, "Manifest schema version mismatch, treating as missing",
			"have", m.SchemaVersion, "want", SchemaVersion)
		return nil, nil
	}

	s.cache.SetDefault(cacheKeyName, *m)
	return m, nil
}

// Save persists m, bumping its version. Used only for initial creation;
// later writes go through Mutate.
func (s *Store) Save(m *Manifest) error {
	m.SchemaVersion = SchemaVersion
	m.Version++
	s.cache.Delete(cacheKeyName)
	return store.WriteJSON(s.layout.Manifest(), m)
}

// Mutate applies fn to the current manifest under optimistic concurrency:
// read, mutate in memory, verify the on-disk version is unchanged, write.
// One retry on conflict, then ErrVersionConflict.
//
// Counter reads and increments inside fn happen within the same rewrite, so
// next_task_id and next_worker_index are monotone across every successful
// mutation.
func (s *Store) Mutate(fn func(*Manifest) error) (*Manifest, error) {
	for attempt := 0; attempt < 2; attempt++ {
		s.cache.Delete(cacheKeyName)
		m, err := store.ReadJSON[Manifest](s.layout.Manifest(), "manifest")
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, ErrNotFound
		}

		expected := m.Version
		if err := fn(m); err != nil {
			return nil, err
		}

		// Verify nothing raced our read before renaming into place.
		current, err := store.ReadJSON[Manifest](s.layout.Manifest(), "manifest")
		if err != nil {
			return nil, err
		}
		if current == nil || current.Version != expected {
			log.Debug(log.CatStore, "Manifest mutation lost race, retrying", "attempt", attempt)
			continue
		}

		m.Version = expected + 1
		if err := store.WriteJSON(s.layout.Manifest(), m); err != nil {
			return nil, err
		}
		s.cache.SetDefault(cacheKeyName, *m)
		return m, nil
	}
	return nil, ErrVersionConflict
}

// AllocateTaskIDs reserves n consecutive task ids and returns the first.
// The counter advance is part of a single atomic manifest rewrite.
func (s *Store) AllocateTaskIDs(n int) (int, error) {
	var first int
	_, err := s.Mutate(func(m *Manifest) error {
		first = m.NextTaskID
		m.NextTaskID += n
		return nil
	})
	return first, err
}

// AllocateWorkerIndex reserves the next worker index and appends the given
// roster entry (the entry's Index is filled in). Indexes are never reused.
func (s *Store) AllocateWorkerIndex(w Worker) (Worker, error) {
	_, err := s.Mutate(func(m *Manifest) error {
		w.Index = m.NextWorkerIndex
		w.Name = fmt.Sprintf("worker-%d", w.Index)
		m.NextWorkerIndex++
		m.Workers = append(m.Workers, w)
		m.WorkerCount = len(m.Workers)
		m.ActiveWorkers++
		return nil
	})
	return w, err
}

// Invalidate drops the read-through cache entry.
func (s *Store) Invalidate() {
	s.cache.Delete(cacheKeyName)
}
