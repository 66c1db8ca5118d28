// Package interpqueue delays values produced on a snapshot-interpolated view
// until the view's interpolation target has caught up with the tick that
// produced them.
package interpqueue

import (
	"sort"
	"sync"

	"handover.ai/internal/sim/runtime"
)

// Clock is the view a Queue is attached to.
type Clock interface {
	Tick() runtime.Tick
	// IsResimulation reports a tick being replayed after a correction.
	IsResimulation() bool
	// Immediate reports an authoritative or predicted view, which sees
	// values at the tick they are produced.
	Immediate() bool
	// InterpFrom is the older of the two snapshots the view interpolates between.
	InterpFrom() runtime.Tick
}

type pending[T any] struct {
	release runtime.Tick
	value   T
}

// Queue is safe for concurrent use. Subscribers run without the queue lock.
type Queue[T any] struct {
	mu      sync.Mutex
	clock   Clock
	pred    func(T) bool
	items   []pending[T]
	subs    map[uint64]func(T)
	nextSub uint64
}

// New attaches a queue to clock. A nil pred releases everything.
func New[T any](clock Clock, pred func(T) bool) *Queue[T] {
	return &Queue[T]{clock: clock, pred: pred, subs: map[uint64]func(T){}}
}

func (q *Queue[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSub++
	id := q.nextSub
	q.subs[id] = fn
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.subs, id)
	}
}

// Enqueue hands v to subscribers now on an immediate view, or holds it until
// tick + (tick - interpFrom) otherwise. Values produced while resimulating
// are dropped.
func (q *Queue[T]) Enqueue(v T) {
	q.mu.Lock()
	if q.clock == nil || q.clock.IsResimulation() {
		q.mu.Unlock()
		return
	}
	if q.clock.Immediate() {
		subs := q.snapshotSubs()
		q.mu.Unlock()
		publish(subs, v)
		return
	}
	q.items = append(q.items, pending[T]{release: ReleaseTick(q.clock.Tick(), q.clock.InterpFrom()), value: v})
	q.mu.Unlock()
}

// Update releases every held value whose tick has been reached, in the order
// they were enqueued. Call it once per simulation tick.
func (q *Queue[T]) Update() {
	q.mu.Lock()
	if q.clock == nil || q.clock.IsResimulation() {
		q.mu.Unlock()
		return
	}
	now := q.clock.Tick()
	n := 0
	for n < len(q.items) && q.items[n].release <= now {
		n++
	}
	if n == 0 {
		q.mu.Unlock()
		return
	}
	due := make([]T, 0, n)
	for _, it := range q.items[:n] {
		if q.pred == nil || q.pred(it.value) {
			due = append(due, it.value)
		}
	}
	q.items = append(q.items[:0], q.items[n:]...)
	subs := q.snapshotSubs()
	q.mu.Unlock()

	for _, v := range due {
		publish(subs, v)
	}
}

// Len is the number of held values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ClearQueue drops held values; subscribers stay.
func (q *Queue[T]) ClearQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Reset reattaches the queue to another view, dropping held values and
// every subscriber.
func (q *Queue[T]) Reset(clock Clock, pred func(T) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = clock
	q.pred = pred
	q.items = nil
	q.subs = map[uint64]func(T){}
}

// ReleaseTick mirrors the interpolation delay forward: a value produced at
// tick while the view shows interpFrom becomes visible that many ticks later.
func ReleaseTick(tick, interpFrom runtime.Tick) runtime.Tick {
	if interpFrom >= tick {
		return tick
	}
	return tick + (tick - interpFrom)
}

func (q *Queue[T]) snapshotSubs() []func(T) {
	ids := make([]uint64, 0, len(q.subs))
	for id := range q.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, q.subs[id])
	}
	return out
}

func publish[T any](subs []func(T), v T) {
	for _, fn := range subs {
		fn(v)
	}
}
