package progress

import (
	"sync"
	"time"

	"mediaforge/models"
)

// StatusUnknown is reported for keys with no snapshot.
const StatusUnknown = "unknown"

// Snapshot is the latest known progress of one job.
type Snapshot struct {
	Status    string            `json:"status"`
	Percent   float64           `json:"percent"`
	Timemark  string            `json:"timemark,omitempty"`
	Error     string            `json:"error,omitempty"`
	Media     *models.MediaInfo `json:"media,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Unknown is the sentinel returned for absent keys.
func Unknown() Snapshot {
	return Snapshot{Status: StatusUnknown, Percent: 0}
}

// Terminal reports whether the snapshot carries a final status.
func (s Snapshot) Terminal() bool {
	switch s.Status {
	case models.JobCompleted.String(), models.JobCancelled.String(), models.JobFailed.String():
		return true
	}
	return false
}

// Registry maps job keys to their latest snapshot.
type Registry struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	now       func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
	}
}

// Set overwrites the snapshot for key.
func (r *Registry) Set(key string, s Snapshot) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = r.now()
	}
	r.mu.Lock()
	r.snapshots[key] = s
	r.mu.Unlock()
}

// Get returns the snapshot for key or the unknown sentinel.
func (r *Registry) Get(key string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.snapshots[key]; ok {
		return s
	}
	return Unknown()
}

// Clear removes key.
func (r *Registry) Clear(key string) {
	r.mu.Lock()
	delete(r.snapshots, key)
	r.mu.Unlock()
}

// Sweep evicts terminal snapshots last updated more than retention ago.
func (r *Registry) Sweep(retention time.Duration) int {
	cutoff := r.now().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, s := range r.snapshots {
		if s.Terminal() && s.UpdatedAt.Before(cutoff) {
			delete(r.snapshots, key)
			removed++
		}
	}
	return removed
}

// All returns a copy of every snapshot.
func (r *Registry) All() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.snapshots))
	for k, v := range r.snapshots {
		out[k] = v
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.snapshots)
}
