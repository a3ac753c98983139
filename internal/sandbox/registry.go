package sandbox

import "sync"

// Registry maps task IDs to their live sandbox handles. Each key has exactly
// one writer at a time: the run that owns the task.
type Registry struct {
	mu     sync.Mutex
	byTask map[string]*Handle
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byTask: make(map[string]*Handle)}
}

// Register records h as the live sandbox of taskID.
func (r *Registry) Register(taskID string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTask[taskID] = h
}

// Get returns the sandbox registered for taskID.
func (r *Registry) Get(taskID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byTask[taskID]
	return h, ok
}

// Remove deletes the entry for taskID if it still points at sandboxID.
func (r *Registry) Remove(taskID, sandboxID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byTask[taskID]; ok && h.ID == sandboxID {
		delete(r.byTask, taskID)
		return true
	}
	return false
}

// Transfer moves ownership of a sandbox from one task to another.
func (r *Registry) Transfer(fromTaskID, toTaskID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byTask[fromTaskID]
	if !ok {
		return nil, false
	}
	delete(r.byTask, fromTaskID)
	moved := *h
	moved.TaskID = toTaskID
	r.byTask[toTaskID] = &moved
	return &moved, true
}

// Owns reports whether any task holds the given sandbox.
func (r *Registry) Owns(sandboxID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.byTask {
		if h.ID == sandboxID {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of all live handles.
func (r *Registry) Snapshot() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.byTask))
	for _, h := range r.byTask {
		out = append(out, h)
	}
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byTask)
}
