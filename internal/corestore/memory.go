package corestore

import (
	"context"
	"time"

	"github.com/cuemby/fleetform/internal/coreerrors"
	"github.com/cuemby/fleetform/internal/coreevents"
	"github.com/cuemby/fleetform/internal/coremetrics"
	"github.com/cuemby/fleetform/internal/coretypes"
)

func lockName(namespace, key string) string {
	return "memory:" + namespace + ":" + key
}

// StoreMemory writes (namespace,key)=value, taking and releasing the
// per-key lock around the write (spec.md §4.3). Last-writer-wins: whichever
// caller acquires the lock last sees its write persist (spec.md §5).
func (s *Store) StoreMemory(ctx context.Context, entry *coretypes.MemoryEntry) error {
	name := lockName(entry.Namespace, entry.Key)
	if err := s.AcquireLock(ctx, name, entry.Owner, coretypes.LockModeBlocking, 0); err != nil {
		return err
	}
	defer s.ReleaseLock(name, entry.Owner)

	s.mu.Lock()
	k := memKey{Namespace: entry.Namespace, Key: entry.Key}
	now := time.Now()
	cp := *entry
	cp.UpdatedAt = now
	if existing, ok := s.memory[k]; ok {
		cp.CreatedAt = existing.CreatedAt
		s.unindexLocked(k, existing)
	} else {
		cp.CreatedAt = now
	}
	s.memory[k] = &cp
	s.indexLocked(k, &cp)
	s.mu.Unlock()

	coremetrics.MemoryWritesTotal.Inc()
	s.publish(coreevents.TypeMemoryWrite, entry.Owner, "memory write", map[string]string{
		"namespace": entry.Namespace, "key": entry.Key,
	})
	return nil
}

func (s *Store) indexLocked(k memKey, e *coretypes.MemoryEntry) {
	for tag := range e.Tags {
		set, ok := s.memByTag[tag]
		if !ok {
			set = make(map[memKey]struct{})
			s.memByTag[tag] = set
		}
		set[k] = struct{}{}
	}
	if e.Owner != "" {
		set, ok := s.memByOwner[e.Owner]
		if !ok {
			set = make(map[memKey]struct{})
			s.memByOwner[e.Owner] = set
		}
		set[k] = struct{}{}
	}
}

func (s *Store) unindexLocked(k memKey, e *coretypes.MemoryEntry) {
	for tag := range e.Tags {
		if set, ok := s.memByTag[tag]; ok {
			delete(set, k)
		}
	}
	if e.Owner != "" {
		if set, ok := s.memByOwner[e.Owner]; ok {
			delete(set, k)
		}
	}
}

// GetMemory is a snapshot read: it takes only the store mutex, never the
// per-key memory lock that writers hold. Expired entries are invisible
// (spec.md §3 "Memory Entry" invariants).
func (s *Store) GetMemory(namespace, key string) (*coretypes.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.memory[memKey{Namespace: namespace, Key: key}]
	if !ok || e.Expired(time.Now()) {
		return nil, coreerrors.Wrap("store.GetMemory", coretypes.ErrorKindInvalidInput, "no entry for %s/%s", namespace, key)
	}
	cp := *e
	return &cp, nil
}

// MemoryFilter selects entries for SearchMemory; zero-value fields are
// wildcards.
type MemoryFilter struct {
	Namespace string
	Tag       string
	Owner     string
}

// SearchMemory returns every non-expired entry matching filter.
func (s *Store) SearchMemory(filter MemoryFilter) []*coretypes.MemoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var candidates map[memKey]struct{}
	indexed := true
	switch {
	case filter.Tag != "":
		candidates = s.memByTag[filter.Tag]
	case filter.Owner != "":
		candidates = s.memByOwner[filter.Owner]
	default:
		indexed = false
	}

	var out []*coretypes.MemoryEntry
	if indexed {
		for k := range candidates {
			e := s.memory[k]
			if e == nil || e.Expired(now) {
				continue
			}
			if (filter.Namespace == "" || e.Namespace == filter.Namespace) && (filter.Owner == "" || e.Owner == filter.Owner) {
				cp := *e
				out = append(out, &cp)
			}
		}
		return out
	}

	for k, e := range s.memory {
		if e.Expired(now) {
			continue
		}
		if filter.Namespace != "" && k.Namespace != filter.Namespace {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// DeleteMemory removes (namespace,key), gated by the same per-key lock as
// writes.
func (s *Store) DeleteMemory(ctx context.Context, namespace, key, owner string) error {
	name := lockName(namespace, key)
	if err := s.AcquireLock(ctx, name, owner, coretypes.LockModeBlocking, 0); err != nil {
		return err
	}
	defer s.ReleaseLock(name, owner)

	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{Namespace: namespace, Key: key}
	if e, ok := s.memory[k]; ok {
		s.unindexLocked(k, e)
		delete(s.memory, k)
	}
	return nil
}

// PurgeExpired deletes expired entries and returns how many it removed.
// Nothing in the store calls it on a schedule; callers invoke it directly.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	purged := 0
	for k, e := range s.memory {
		if e.Expired(now) {
			s.unindexLocked(k, e)
			delete(s.memory, k)
			purged++
		}
	}
	return purged
}
