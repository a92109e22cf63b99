package log

import (
	"context"
	"sync"

	"github.com/synclog-dev/synclog/pkg/protocol"
)

// MemoryStore is an in-process Store. It keeps entries ordered by
// insertion, which matches ID order for a single appending server.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	index   map[string]*Entry // ID string -> entry
}

// NewMemoryStore creates an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]*Entry)}
}

// Add implements Store. The whole check-and-insert runs under one lock so
// duplicate IDs race deterministically.
func (s *MemoryStore) Add(ctx context.Context, action protocol.Action, meta protocol.Meta) (protocol.Meta, error) {
	key := meta.ID.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; ok {
		return protocol.Meta{}, ErrDuplicate
	}
	e := &Entry{Action: action, Meta: meta}
	s.entries = append(s.entries, e)
	s.index[key] = e
	return meta, nil
}

// ByID implements Store.
func (s *MemoryStore) ByID(ctx context.Context, id protocol.ID) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.index[id.String()]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

// ChangeMeta implements Store.
func (s *MemoryStore) ChangeMeta(ctx context.Context, id protocol.ID, change func(*protocol.Meta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id.String()]
	if !ok {
		return ErrNotFound
	}
	change(&e.Meta)
	return nil
}

// RemoveReason implements Store.
func (s *MemoryStore) RemoveReason(ctx context.Context, reason string, clean func(Entry)) error {
	s.mu.Lock()

	var removed []Entry
	kept := s.entries[:0]
	for _, e := range s.entries {
		had := false
		reasons := e.Meta.Reasons[:0]
		for _, r := range e.Meta.Reasons {
			if r == reason {
				had = true
				continue
			}
			reasons = append(reasons, r)
		}
		if had {
			e.Meta.Reasons = reasons
		}
		if had && len(reasons) == 0 {
			delete(s.index, e.Meta.ID.String())
			removed = append(removed, *e)
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	s.mu.Unlock()

	if clean != nil {
		for _, e := range removed {
			clean(e)
		}
	}
	return nil
}

// Each implements Store. Iteration runs over a snapshot so fn may call
// back into the store.
func (s *MemoryStore) Each(ctx context.Context, fn func(Entry) bool) error {
	s.mu.RLock()
	snapshot := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		snapshot[i] = *e
	}
	s.mu.RUnlock()

	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(e) {
			return nil
		}
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
