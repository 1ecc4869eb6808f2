// Package subsystem keeps the in-memory status of each pipeline subsystem
// as jobs run.
package subsystem

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Status of a subsystem
type Status string

// Subsystem statuses
const (
	StatusIdle      Status = "IDLE"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
)

// Subsystem is the current state of one subsystem
type Subsystem struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry is a goroutine safe status table
type Registry struct {
	mu    sync.RWMutex
	items map[string]*Subsystem
	clock func() time.Time
}

// NewRegistry creates a registry with the given subsystems idle
func NewRegistry(ids ...string) *Registry {
	r := &Registry{
		items: make(map[string]*Subsystem, len(ids)),
		clock: time.Now,
	}
	for _, id := range ids {
		key := normalize(id)
		r.items[key] = &Subsystem{ID: key, Status: StatusIdle, UpdatedAt: r.clock()}
	}
	return r
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// UpdateStatus records a status change. Unknown ids are added.
func (r *Registry) UpdateStatus(id string, status Status, progress int, message string) {
	key := normalize(id)
	if key == "" {
		return
	}
	progress = min(max(progress, 0), 100)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.items[key]
	if !ok {
		s = &Subsystem{ID: key}
		r.items[key] = s
	}
	s.Status = status
	s.Progress = progress
	s.Message = message
	s.UpdatedAt = r.clock()
}

// Get returns a copy of one subsystem
func (r *Registry) Get(id string) (Subsystem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.items[normalize(id)]
	if !ok {
		return Subsystem{}, false
	}
	return *s, true
}

// List returns all subsystems ordered by id
func (r *Registry) List() []Subsystem {
	r.mu.RLock()
	out := make([]Subsystem, 0, len(r.items))
	for _, s := range r.items {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Subsystem) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// ResetAll puts every subsystem back to idle
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	for _, s := range r.items {
		s.Status = StatusIdle
		s.Progress = 0
		s.Message = ""
		s.UpdatedAt = now
	}
}
