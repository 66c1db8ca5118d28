package migration

import (
	"fmt"
	"sync"

	"handover.ai/internal/sim/runtime"
)

// Storer holds the value producers registered against one session and, once
// that session has been captured, its Snapshot.
type Storer struct {
	opts Options

	mu        sync.Mutex
	producers map[string]Producer
	capturing bool
	snap      *Snapshot
}

func NewStorer(opts Options) *Storer {
	return &Storer{
		opts:      opts.normalized(),
		producers: map[string]Producer{},
	}
}

// Register queues p for evaluation at capture time. Registrations made once
// the capture has started, including from a producer, have no effect.
func (st *Storer) Register(key string, p Producer) error {
	if p == nil {
		return fmt.Errorf("register %q: %w", key, ErrNilProducer)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.capturing || st.snap != nil {
		st.opts.Logger.Debug("register after capture ignored", "key", key)
		return nil
	}
	if _, dup := st.producers[key]; dup {
		return fmt.Errorf("register %q: %w", key, ErrDuplicateKey)
	}
	st.producers[key] = p
	return nil
}

// Capture runs without holding the storer lock, so producers may call back
// into the storer or the registry.
func (st *Storer) Capture(s runtime.Session, include func(runtime.Entity) bool) (CaptureReport, error) {
	st.mu.Lock()
	if st.capturing || st.snap != nil {
		st.mu.Unlock()
		return CaptureReport{}, ErrAlreadyCaptured
	}
	st.capturing = true
	producers := st.producers
	st.producers = nil
	st.mu.Unlock()

	snap, rep := Capture(s, include, producers, st.opts)

	st.mu.Lock()
	st.snap = snap
	st.capturing = false
	st.mu.Unlock()
	st.opts.Logger.Info("captured session state",
		"tick", rep.Tick, "entities", rep.Entities, "bodies", rep.Bodies,
		"skipped", rep.Skipped, "values", rep.Values, "failed_values", rep.FailedValues)
	return rep, nil
}

func (st *Storer) Snapshot() (*Snapshot, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snap, st.snap != nil
}

// Pending reports how many producers wait for the capture.
func (st *Storer) Pending() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.producers)
}

func (st *Storer) adopt(snap *Snapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.snap = snap
	st.producers = nil
}
