package task

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrTaskExists = errors.New("task already exists")
	ErrNotFound   = errors.New("task not found")
)

// Registry maps task ids to live handles. Entries leave the registry when
// the task reaches a terminal state.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Handle)}
}

func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[h.ID]; ok {
		return ErrTaskExists
	}
	r.tasks[h.ID] = h
	return nil
}

func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tasks[id]
	return h, ok
}

// Remove deletes id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// Release removes h only if it is still the handle registered under its
// id, so a late caller cannot evict a newer task that reused the id.
func (r *Registry) Release(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[h.ID]; ok && cur == h {
		delete(r.tasks, h.ID)
	}
}

// Cancel requests cancellation of a live task and reports whether one was
// found and moved to Cancelled. Unknown or finished ids return false.
func (r *Registry) Cancel(id string) bool {
	h, ok := r.Get(id)
	if !ok {
		return false
	}
	if !h.Cancel() {
		return false
	}
	r.Release(h)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// List returns the live handles ordered by id.
func (r *Registry) List() []*Handle {
	r.mu.RLock()
	out := make([]*Handle, 0, len(r.tasks))
	for _, h := range r.tasks {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
