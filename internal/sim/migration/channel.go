package migration

import "fmt"

// Register queues p on the storer of h; it is evaluated if h is ever captured.
func (r *Registry) Register(h SessionHandle, key string, p Producer) error {
	st, err := r.StorerFor(h)
	if err != nil {
		return err
	}
	return st.Register(key, p)
}

// TryRestore calls fn with the value h's predecessor captured under key. A
// session without predecessor, a predecessor that never captured, or a
// missing key are no-ops. A value of another kind than want is an error.
func (r *Registry) TryRestore(h SessionHandle, key string, want Kind, fn func(Value)) error {
	v, ok, err := r.predecessorValue(h, key)
	if err != nil || !ok {
		return err
	}
	if v.Kind() != want {
		return fmt.Errorf("restore %q: holds %s, want %s: %w", key, v.Kind(), want, ErrKindMismatch)
	}
	if fn != nil {
		fn(v)
	}
	return nil
}

// StoreAndTryRestore registers p for the next migration of h and restores
// the value the previous migration carried under the same key.
func (r *Registry) StoreAndTryRestore(h SessionHandle, key string, p Producer, want Kind, fn func(Value)) error {
	if err := r.Register(h, key, p); err != nil {
		return err
	}
	return r.TryRestore(h, key, want, fn)
}

// TryRestoreAs is TryRestore keyed on the Go type of the payload: bool,
// int64, float64, string, []byte, mathx.Vec3, mathx.Quat, runtime.EntityID,
// or the concrete type of an opaque value.
func TryRestoreAs[T any](r *Registry, h SessionHandle, key string, fn func(T)) error {
	v, ok, err := r.predecessorValue(h, key)
	if err != nil || !ok {
		return err
	}
	t, ok := v.Interface().(T)
	if !ok {
		var zero T
		return fmt.Errorf("restore %q: holds %s, want %T: %w", key, v.Kind(), zero, ErrKindMismatch)
	}
	if fn != nil {
		fn(t)
	}
	return nil
}

func (r *Registry) predecessorValue(h SessionHandle, key string) (Value, bool, error) {
	r.mu.Lock()
	e := r.entries[h]
	if e == nil {
		r.mu.Unlock()
		return Value{}, false, fmt.Errorf("restore %q for %d: %w", key, h, ErrUnknownSession)
	}
	if !e.linked {
		r.mu.Unlock()
		return Value{}, false, nil
	}
	pe := r.entries[e.pred]
	r.mu.Unlock()
	if pe == nil || pe.storer == nil {
		return Value{}, false, nil
	}
	snap, ok := pe.storer.Snapshot()
	if !ok {
		return Value{}, false, nil
	}
	v, ok := snap.Value(key)
	return v, ok, nil
}
