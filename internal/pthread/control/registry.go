//go:build linux

package control

import "sync"

// Stats is a snapshot of registry activity. Live is the number of
// currently published threads; Created and Reaped are lifetime counters.
type Stats struct {
	Live    uint64
	Created uint64
	Reaped  uint64
}

// Registry is the list of published threads. Handles given out by the
// creation path are validated against it, so operations on a thread that
// was already reaped fail cleanly instead of touching freed state.
//
// The list is intrusive (Threads carry their own links) and guarded by a
// single mutex. The lock is leaf-level: nothing is called while holding
// it, and it is only ever acquired by fully initialized threads, never
// from the bootstrap path of a thread that is still coming up.
type Registry struct {
	mu      sync.Mutex
	head    *Thread
	live    uint64
	created uint64
	reaped  uint64
}

// Global is the process-wide registry used by the creation machinery.
// Tests build private registries; everything else publishes here.
var Global = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Publish adds t to the registry, making its handle valid. Publishing an
// already published thread is a programming error and is ignored.
func (r *Registry) Publish(t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.listed {
		return
	}
	t.next = r.head
	t.prev = nil
	if r.head != nil {
		r.head.prev = t
	}
	r.head = t
	t.listed = true
	r.live++
	r.created++
}

// Remove unlinks t and reports whether it was published. The reap paths
// call this exactly once per thread; false means someone else already
// reaped it.
func (r *Registry) Remove(t *Thread) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !t.listed {
		return false
	}
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		r.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	}
	t.next, t.prev = nil, nil
	t.listed = false
	r.live--
	r.reaped++
	return true
}

// Find reports whether t is currently published. This is the handle
// validation step: a stale handle (already joined, or a detached thread
// that finished) is simply no longer in the list.
func (r *Registry) Find(t *Thread) bool {
	if t == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.listed
}

// FindByTID returns the published thread whose current id is tid, or nil.
// Diagnostic use only; ids recycle, and a thread at its exit reads as id
// zero.
func (r *Registry) FindByTID(tid uint32) *Thread {
	if tid == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for t := r.head; t != nil; t = t.next {
		if t.TID() == tid {
			return t
		}
	}
	return nil
}

// Live returns a snapshot of the published threads, newest first.
func (r *Registry) Live() []*Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Thread, 0, r.live)
	for t := r.head; t != nil; t = t.next {
		out = append(out, t)
	}
	return out
}

// Stats returns current registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Live: r.live, Created: r.created, Reaped: r.reaped}
}
