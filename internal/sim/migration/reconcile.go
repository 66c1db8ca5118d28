package migration

import (
	"fmt"
	"sort"

	"handover.ai/internal/sim/runtime"
)

// Hooks are invoked for every entity reconcile brings back. BeforeSpawned
// runs inside the creation hook, after physics has been restored and before
// the entity is observable. AfterSpawned runs once Spawn has returned.
type Hooks struct {
	BeforeSpawned func(s runtime.Session, e runtime.Entity)
	AfterSpawned  func(s runtime.Session, e runtime.Entity)
}

type ReconcileReport struct {
	Tick       runtime.Tick
	AlignSteps int
	Resumed    int
	Respawned  int
	Dropped    int
}

// Reconcile replays snap against s, which must be a different session than
// the one captured. The clock is aligned to snap.Tick first; then entities s
// already resumed on its own keep their ids, and every remaining entity is
// spawned fresh with its old->new id pair recorded in the returned Remap.
//
// A snapshot can be reconciled once. Alignment failures consume it too:
// they mean the orchestration is broken and retrying cannot help. When a
// spawn fails the returned Remap still holds every entity spawned so far.
func Reconcile(s runtime.Session, snap *Snapshot, hooks Hooks, opts Options) (*Remap, ReconcileReport, error) {
	opts = opts.normalized()
	rep := ReconcileReport{Tick: snap.Tick}
	if !snap.reconciled.CompareAndSwap(false, true) {
		return nil, rep, ErrAlreadyReconciled
	}

	steps, err := alignClock(s, snap.Tick, opts.MaxAlignSteps)
	rep.AlignSteps = steps
	if err != nil {
		return nil, rep, err
	}

	pending := make(map[runtime.EntityID]runtime.PrefabID, len(snap.Prefabs))
	for id, prefab := range snap.Prefabs {
		pending[id] = prefab
	}
	remap := &Remap{ids: make(map[runtime.EntityID]runtime.EntityID, len(pending))}

	// Resumed entities first: fresh spawns may be handed id values that
	// still have to be matched here.
	for _, e := range s.ResumedEntities() {
		id := e.ID()
		if _, ok := pending[id]; !ok {
			continue
		}
		delete(pending, id)

		tf := snap.Transforms[id]
		spawned, err := s.Spawn(runtime.SpawnRequest{
			Resume:   e,
			Position: tf.Position,
			Rotation: tf.Rotation,
			OnBeforeSpawned: func(ne runtime.Entity) {
				restoreBody(ne, id, snap, opts.Capabilities)
				if hooks.BeforeSpawned != nil {
					hooks.BeforeSpawned(s, ne)
				}
			},
		})
		if err != nil {
			return remap, rep, fmt.Errorf("respawn resumed entity %s: %w", id, err)
		}
		if hooks.AfterSpawned != nil {
			hooks.AfterSpawned(s, spawned)
		}
		rep.Resumed++
	}

	if !opts.Capabilities.SpawnAfterSnapshot {
		rep.Dropped = len(pending)
		if rep.Dropped > 0 {
			opts.Logger.Warn("entities not resumed by the session were dropped", "count", rep.Dropped)
		}
		opts.Metrics.observeReconcile(rep)
		return remap, rep, nil
	}

	ids := make([]runtime.EntityID, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, oldID := range ids {
		oldID := oldID
		tf := snap.Transforms[oldID]
		spawned, err := s.Spawn(runtime.SpawnRequest{
			Prefab:   pending[oldID],
			Position: tf.Position,
			Rotation: tf.Rotation,
			OnBeforeSpawned: func(ne runtime.Entity) {
				restoreBody(ne, oldID, snap, opts.Capabilities)
				remap.ids[oldID] = ne.ID()
				if hooks.BeforeSpawned != nil {
					hooks.BeforeSpawned(s, ne)
				}
			},
		})
		if err != nil {
			return remap, rep, fmt.Errorf("spawn %s from %s: %w", oldID, pending[oldID], err)
		}
		if hooks.AfterSpawned != nil {
			hooks.AfterSpawned(s, spawned)
		}
		rep.Respawned++
	}

	opts.Logger.Info("reconciled snapshot",
		"tick", rep.Tick, "align_steps", rep.AlignSteps,
		"resumed", rep.Resumed, "respawned", rep.Respawned)
	opts.Metrics.observeReconcile(rep)
	return remap, rep, nil
}

func restoreBody(e runtime.Entity, oldID runtime.EntityID, snap *Snapshot, caps Capabilities) {
	b, ok := snap.Bodies[oldID]
	if !ok {
		return
	}
	writeBody(e, b, caps)
}

// alignClock steps s until it reaches target. A session already past target,
// one that does not advance, or a gap wider than maxSteps is a configuration
// error rather than something to wait out.
func alignClock(s runtime.Session, target runtime.Tick, maxSteps int) (int, error) {
	start := s.Tick()
	if start > target {
		return 0, fmt.Errorf("%w: session tick %d is past snapshot tick %d", ErrTickUnreachable, start, target)
	}
	if gap := uint64(target - start); gap > uint64(maxSteps) {
		return 0, fmt.Errorf("%w: %d steps needed, limit %d", ErrTickUnreachable, gap, maxSteps)
	}
	steps := 0
	for s.Tick() != target {
		prev := s.Tick()
		if err := s.Step(); err != nil {
			return steps, fmt.Errorf("align step at tick %d: %w", prev, err)
		}
		steps++
		now := s.Tick()
		if now <= prev || now > target {
			return steps, fmt.Errorf("%w: step moved tick %d -> %d, target %d", ErrTickUnreachable, prev, now, target)
		}
	}
	return steps, nil
}
