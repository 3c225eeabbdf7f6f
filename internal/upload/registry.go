package upload

import (
	"sort"
	"sync"
	"time"
)

// Registry is the canonical mapping of session handle to session record.
// Implementations serialize individual operations; the Manager layers the
// per-handle single-writer discipline on top.
type Registry interface {
	// Create stores a new record. Fails with Conflict if the handle exists.
	Create(rec *Record) error
	// Get returns a deep copy of the record, or NotFound.
	Get(handle string) (*Record, error)
	// Update applies the mutator atomically. A mutator error aborts the
	// transition and leaves the stored record unchanged.
	Update(handle string, mutate func(*Record) error) (*Record, error)
	// ScanLastActivityBefore returns snapshots of sessions whose last
	// activity is strictly before t.
	ScanLastActivityBefore(t time.Time) []*Record
	// ScanCompletedBefore returns snapshots of Completed sessions whose
	// completion is strictly before t.
	ScanCompletedBefore(t time.Time) []*Record
	// All returns snapshots of every session, ordered by creation time.
	All() []*Record
	// Delete removes the record. Deleting an absent handle is a no-op.
	Delete(handle string) error
}

// MemoryRegistry is the in-memory Registry used for development and tests.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Record
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]*Record)}
}

func (r *MemoryRegistry) Create(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[rec.Handle]; exists {
		return newError(KindConflict, "session %s already exists", rec.Handle)
	}
	r.sessions[rec.Handle] = rec.Clone()
	return nil
}

func (r *MemoryRegistry) Get(handle string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[handle]
	if !ok {
		return nil, newError(KindNotFound, "unknown session %s", handle)
	}
	return rec.Clone(), nil
}

func (r *MemoryRegistry) Update(handle string, mutate func(*Record) error) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[handle]
	if !ok {
		return nil, newError(KindNotFound, "unknown session %s", handle)
	}
	// Mutate a copy so a failed transition leaves stored state untouched.
	next := rec.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	r.sessions[handle] = next
	return next.Clone(), nil
}

func (r *MemoryRegistry) ScanLastActivityBefore(t time.Time) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, rec := range r.sessions {
		if rec.LastActivity.Before(t) {
			out = append(out, rec.Clone())
		}
	}
	sortByCreation(out)
	return out
}

func (r *MemoryRegistry) ScanCompletedBefore(t time.Time) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, rec := range r.sessions {
		if rec.Status == StatusCompleted && !rec.CompletedAt.IsZero() && rec.CompletedAt.Before(t) {
			out = append(out, rec.Clone())
		}
	}
	sortByCreation(out)
	return out
}

func (r *MemoryRegistry) All() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.sessions))
	for _, rec := range r.sessions {
		out = append(out, rec.Clone())
	}
	sortByCreation(out)
	return out
}

func (r *MemoryRegistry) Delete(handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, handle)
	return nil
}

func sortByCreation(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].Handle < recs[j].Handle
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
