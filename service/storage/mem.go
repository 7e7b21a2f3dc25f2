package storage

import (
	"context"
	"sync"
	"time"
)

// memRegistry is the single-process Registry used by tests and dev runs.
type memRegistry struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry // userID -> connID -> entry
	expiry  map[string]map[string]time.Time
	ttl     time.Duration
}

func NewMemRegistry(ttl time.Duration) Registry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &memRegistry{
		entries: make(map[string]map[string]Entry),
		expiry:  make(map[string]map[string]time.Time),
		ttl:     ttl,
	}
}

func (r *memRegistry) Register(_ context.Context, userID string, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[userID] == nil {
		r.entries[userID] = make(map[string]Entry)
		r.expiry[userID] = make(map[string]time.Time)
	}
	r.entries[userID][e.ConnectionID] = e
	r.expiry[userID][e.ConnectionID] = time.Now().Add(r.ttl)
	return nil
}

func (r *memRegistry) Unregister(_ context.Context, userID, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(userID, connectionID)
	return nil
}

func (r *memRegistry) dropLocked(userID, connectionID string) {
	if mm := r.entries[userID]; mm != nil {
		delete(mm, connectionID)
		delete(r.expiry[userID], connectionID)
		if len(mm) == 0 {
			delete(r.entries, userID)
			delete(r.expiry, userID)
		}
	}
}

func (r *memRegistry) Lookup(_ context.Context, userID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []Entry
	for id, e := range r.entries[userID] {
		if now.After(r.expiry[userID][id]) {
			r.dropLocked(userID, id)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *memRegistry) Count(ctx context.Context, userID string) (int, error) {
	es, err := r.Lookup(ctx, userID)
	return len(es), err
}

func (r *memRegistry) SetLastCursor(_ context.Context, userID, connectionID, cursor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mm := r.entries[userID]; mm != nil {
		if e, ok := mm[connectionID]; ok {
			e.LastCursor = cursor
			mm[connectionID] = e
		}
	}
	return nil
}

func (r *memRegistry) Close() error { return nil }
