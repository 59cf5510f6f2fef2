// Package jobs tracks and schedules the background operations that move
// calendar invitations from a mailbox into a remote calendar: scanning
// mailboxes, exporting tracked events, and the periodic auto-sync that
// chains the two.
package jobs

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// State is the full snapshot of one job, as returned by GET /jobs/:id.
type State struct {
	ID         string      `json:"job_id"`
	Kind       string      `json:"kind"`
	Status     Status      `json:"status"`
	Processed  int         `json:"processed"`
	Total      int         `json:"total"`
	Detail     interface{} `json:"detail,omitempty"`
	Message    string      `json:"message,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// Registry is an in-memory, thread-safe collection of job states keyed by
// generated id.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*State
}

// NewRegistry constructs an empty job registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*State)}
}

// Create registers a new job in the queued state and returns its state.
func (r *Registry) Create(id, kind string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := &State{
		ID:        id,
		Kind:      kind,
		Status:    StatusQueued,
		StartedAt: time.Now().UTC(),
	}
	r.jobs[id] = state
	return state
}

// Start transitions a job to running.
func (r *Registry) Start(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Status = StatusRunning
	}
}

// Progress updates a job's processed/total counters and optional detail
// payload. Safe to call concurrently with Get.
func (r *Registry) Progress(id string, processed, total int, detail interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Processed = processed
		if total > 0 {
			j.Total = total
		}
		if detail != nil {
			j.Detail = detail
		}
	}
}

// Complete marks a job as completed with an optional detail payload.
func (r *Registry) Complete(id, message string, detail interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.Message = message
	j.FinishedAt = &now
	if detail != nil {
		j.Detail = detail
	}
}

// Fail marks a job as failed, preserving whatever progress was recorded.
// Cooperative job cancellation goes through this same path.
func (r *Registry) Fail(id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.Message = message
	j.FinishedAt = &now
}

// Get returns a copy of a job's current state.
func (r *Registry) Get(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return State{}, false
	}
	return *j, true
}

// NewID generates a job id of the form "<prefix>-<uuid hex>".
func NewID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// List returns a copy of every tracked job, most recently started first.
func (r *Registry) List() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]State, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}
