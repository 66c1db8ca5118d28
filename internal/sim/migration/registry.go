package migration

import (
	"fmt"
	"sync"

	"handover.ai/internal/sim/runtime"
)

// SessionHandle names a session inside a Registry. Handles are never reused.
type SessionHandle uint32

type entry struct {
	session runtime.Session
	storer  *Storer

	pred   SessionHandle
	linked bool
	remap  *Remap
}

// Registry is the process-wide bookkeeping for migrations: the storer of each
// session, the predecessor each successor migrated from, and the identifier
// remap each successor produced. Only direct predecessors are ever followed.
//
// All methods are safe for concurrent use. Callbacks and Reconcile run
// without the registry lock held, so hooks may call back into the registry.
type Registry struct {
	opts Options

	mu      sync.Mutex
	next    SessionHandle
	entries map[SessionHandle]*entry
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:    opts.normalized(),
		entries: map[SessionHandle]*entry{},
	}
}

func (r *Registry) Options() Options { return r.opts }

// Track allocates a handle for a live session.
func (r *Registry) Track(s runtime.Session) SessionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries[r.next] = &entry{session: s}
	return r.next
}

// TrackImported allocates a handle for a predecessor that only exists as a
// snapshot, e.g. one read back from a dump written by another process.
func (r *Registry) TrackImported(snap *Snapshot) SessionHandle {
	st := NewStorer(r.opts)
	st.adopt(snap)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries[r.next] = &entry{storer: st}
	return r.next
}

func (r *Registry) Session(h SessionHandle) (runtime.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[h]
	if e == nil || e.session == nil {
		return nil, false
	}
	return e.session, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Link records that newH migrated from oldH. It may be called once per session.
func (r *Registry) Link(newH, oldH SessionHandle) error {
	if newH == oldH {
		return ErrSelfLink
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ne, oe := r.entries[newH], r.entries[oldH]
	if ne == nil {
		return fmt.Errorf("link %d: %w", newH, ErrUnknownSession)
	}
	if oe == nil {
		return fmt.Errorf("link %d -> %d: %w", newH, oldH, ErrUnknownSession)
	}
	if ne.linked {
		return fmt.Errorf("link %d -> %d (already -> %d): %w", newH, oldH, ne.pred, ErrAlreadyLinked)
	}
	ne.pred = oldH
	ne.linked = true
	return nil
}

func (r *Registry) Predecessor(h SessionHandle) (SessionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[h]
	if e == nil || !e.linked {
		return 0, false
	}
	return e.pred, true
}

// StorerFor returns the storer bound to h, creating it on first access.
func (r *Registry) StorerFor(h SessionHandle) (*Storer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[h]
	if e == nil {
		return nil, fmt.Errorf("storer for %d: %w", h, ErrUnknownSession)
	}
	return r.storerLocked(e), nil
}

func (r *Registry) storerLocked(e *entry) *Storer {
	if e.storer == nil {
		e.storer = NewStorer(r.opts)
	}
	return e.storer
}

// Release drops the predecessor of h together with its storer and snapshot.
// The remap of h stays queryable. Without a predecessor it does nothing.
func (r *Registry) Release(h SessionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[h]
	if e == nil || !e.linked {
		return
	}
	delete(r.entries, e.pred)
	r.opts.Logger.Debug("released predecessor", "session", h, "predecessor", e.pred)
	e.pred = 0
	e.linked = false
}

// Forget drops the entry of h itself.
func (r *Registry) Forget(h SessionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, h)
}

// Capture snapshots the session behind h. It should run once, right before
// the session shuts down.
func (r *Registry) Capture(h SessionHandle, include func(runtime.Entity) bool) (CaptureReport, error) {
	r.mu.Lock()
	e := r.entries[h]
	if e == nil || e.session == nil {
		r.mu.Unlock()
		return CaptureReport{}, fmt.Errorf("capture %d: %w", h, ErrUnknownSession)
	}
	st, s := r.storerLocked(e), e.session
	r.mu.Unlock()
	return st.Capture(s, include)
}

// SpawnsAndRestores reconciles the predecessor's snapshot into the session
// behind h and keeps the resulting remap on h's entry.
func (r *Registry) SpawnsAndRestores(h SessionHandle, hooks Hooks) (ReconcileReport, error) {
	r.mu.Lock()
	e := r.entries[h]
	if e == nil || e.session == nil {
		r.mu.Unlock()
		return ReconcileReport{}, fmt.Errorf("reconcile %d: %w", h, ErrUnknownSession)
	}
	if !e.linked {
		r.mu.Unlock()
		return ReconcileReport{}, fmt.Errorf("reconcile %d: %w", h, ErrNotLinked)
	}
	pe := r.entries[e.pred]
	if pe == nil {
		r.mu.Unlock()
		return ReconcileReport{}, fmt.Errorf("reconcile %d: predecessor %d: %w", h, e.pred, ErrUnknownSession)
	}
	var snap *Snapshot
	if pe.storer != nil {
		snap, _ = pe.storer.Snapshot()
	}
	s := e.session
	r.mu.Unlock()

	if snap == nil {
		return ReconcileReport{}, fmt.Errorf("reconcile %d: %w", h, ErrNoSnapshot)
	}
	remap, rep, err := Reconcile(s, snap, hooks, r.opts)
	// A partial remap is kept: the entities it names are live in s.
	if remap != nil {
		r.mu.Lock()
		if cur := r.entries[h]; cur != nil {
			cur.remap = remap
		}
		r.mu.Unlock()
	}
	if err != nil {
		return rep, fmt.Errorf("reconcile %d: %w", h, err)
	}
	return rep, nil
}

// Remap returns the identifier remap h produced, once its reconcile returned.
func (r *Registry) Remap(h SessionHandle) (*Remap, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[h]
	if e == nil || e.remap == nil {
		return nil, false
	}
	return e.remap, true
}

// CheckUpdate calls fn with the new id of old if h's reconcile remapped it.
func (r *Registry) CheckUpdate(h SessionHandle, old runtime.EntityID, fn func(runtime.EntityID)) {
	remap, ok := r.Remap(h)
	if !ok || fn == nil {
		return
	}
	if id, ok := remap.Lookup(old); ok {
		fn(id)
	}
}

// ReceiveUpdatedIDs calls fn for every id in ids that h's reconcile remapped.
func (r *Registry) ReceiveUpdatedIDs(h SessionHandle, fn func(oldID, newID runtime.EntityID), ids ...runtime.EntityID) {
	remap, ok := r.Remap(h)
	if !ok || fn == nil {
		return
	}
	for _, old := range ids {
		if id, ok := remap.Lookup(old); ok {
			fn(old, id)
		}
	}
}
