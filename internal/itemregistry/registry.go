// Package itemregistry provides a strong-key/weak-value map: entries keep
// their values reachable only through weak pointers, and a loss callback
// reports when the collector reclaims one. It backs the per-connection
// table of client callback handles so that handles dropped by server-side
// code are eventually released on the client too.
//
// The runtime batch-allocates tiny pointer-free values; such a value may
// never become individually collectable, so its cleanup may never run.
// Stored values are expected to be real handle structs, which carry
// pointers and are tracked individually.
package itemregistry

import (
	"runtime"
	"sync"
	"weak"
)

// Registry maps int64 ids to weakly-held *V values. The loss callback
// fires exactly once per id, either from the collector's cleanup or from
// a Get that observes the value already reclaimed, never both. It does
// not fire for ids removed via Delete, Clear or an overwriting Set. The
// callback runs without the registry lock held and may be invoked from
// the runtime's cleanup goroutine.
type Registry[V any] struct {
	mu      sync.Mutex
	entries map[int64]*entry[V]
	gen     uint64
	onLoss  func(id int64)
}

type entry[V any] struct {
	ptr     weak.Pointer[V]
	gen     uint64
	cleanup runtime.Cleanup
}

// New builds a registry. onLoss may be nil.
func New[V any](onLoss func(id int64)) *Registry[V] {
	return &Registry[V]{
		entries: make(map[int64]*entry[V]),
		onLoss:  onLoss,
	}
}

// Set stores id → v, silently replacing any previous entry for id.
// A nil value is a programming error.
func (r *Registry[V]) Set(id int64, v *V) {
	if v == nil {
		panic("itemregistry: Set with nil value")
	}
	r.mu.Lock()
	if old, ok := r.entries[id]; ok {
		old.cleanup.Stop()
	}
	r.gen++
	e := &entry[V]{ptr: weak.Make(v), gen: r.gen}
	r.entries[id] = e
	// The cleanup argument must not reference v, or v would never become
	// unreachable; the generation guards against a stale cleanup firing
	// for a re-used id.
	e.cleanup = runtime.AddCleanup(v, func(arg lossArg[V]) {
		arg.r.reclaimed(arg.id, arg.gen)
	}, lossArg[V]{r: r, id: id, gen: r.gen})
	r.mu.Unlock()
}

type lossArg[V any] struct {
	r   *Registry[V]
	id  int64
	gen uint64
}

// Get returns the value for id. If the entry exists but its value was
// already reclaimed, the entry is dropped and the loss callback fires
// before Get returns.
func (r *Registry[V]) Get(id int64) (*V, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	if v := e.ptr.Value(); v != nil {
		r.mu.Unlock()
		return v, true
	}
	// Reclaimed but the cleanup has not run yet. Fire the loss exactly
	// once and stop the cleanup so it cannot fire a second time.
	e.cleanup.Stop()
	delete(r.entries, id)
	r.mu.Unlock()
	if r.onLoss != nil {
		r.onLoss(id)
	}
	return nil, false
}

// Peek is Get without side effects: it never fires the loss callback and
// never removes the entry. Used when the caller is about to re-register
// the same id and a "lost" signal would be spurious.
func (r *Registry[V]) Peek(id int64) (*V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	v := e.ptr.Value()
	if v == nil {
		return nil, false
	}
	return v, true
}

// Delete removes id without notifying: the caller already knows. Removing
// the entry first is what keeps an in-flight collector cleanup for the
// same id from also firing.
func (r *Registry[V]) Delete(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.cleanup.Stop()
		delete(r.entries, id)
	}
}

// Clear removes every entry without notifying.
func (r *Registry[V]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		e.cleanup.Stop()
		delete(r.entries, id)
	}
}

// Len reports the number of live entries (reclaimed-but-unswept entries
// included).
func (r *Registry[V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// reclaimed is the collector-driven loss path.
func (r *Registry[V]) reclaimed(id int64, gen uint64) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	r.mu.Unlock()
	if r.onLoss != nil {
		r.onLoss(id)
	}
}
