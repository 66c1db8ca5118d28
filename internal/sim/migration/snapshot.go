package migration

import (
	"sort"
	"sync/atomic"

	"handover.ai/internal/sim/mathx"
	"handover.ai/internal/sim/runtime"
)

type Transform struct {
	Position mathx.Vec3
	Rotation mathx.Quat
}

var IdentityTransform = Transform{Rotation: mathx.Identity}

// BodyState is the rigidbody state of one entity. AngularVelocity is always
// a 3D vector; 2D bodies store their yaw rate in Z.
type BodyState struct {
	Velocity        mathx.Vec3
	AngularVelocity mathx.Vec3
	Mass            float32
	Drag            float32
	AngularDrag     float32
	Flags           runtime.BodyFlags
	Constraints     uint32
	Dim             runtime.Dimension
}

// Snapshot is the state of one session at Tick. Every id in Prefabs has a
// Transform; Bodies holds only entities with a rigidbody.
type Snapshot struct {
	Tick       runtime.Tick
	Prefabs    map[runtime.EntityID]runtime.PrefabID
	Transforms map[runtime.EntityID]Transform
	Bodies     map[runtime.EntityID]BodyState
	Values     map[string]Value

	reconciled atomic.Bool
}

func newSnapshot(tick runtime.Tick, capacity int) *Snapshot {
	return &Snapshot{
		Tick:       tick,
		Prefabs:    make(map[runtime.EntityID]runtime.PrefabID, capacity),
		Transforms: make(map[runtime.EntityID]Transform, capacity),
		Bodies:     make(map[runtime.EntityID]BodyState, capacity),
		Values:     map[string]Value{},
	}
}

func (s *Snapshot) Len() int { return len(s.Prefabs) }

// IDs returns the captured entity ids in ascending order.
func (s *Snapshot) IDs() []runtime.EntityID {
	out := make([]runtime.EntityID, 0, len(s.Prefabs))
	for id := range s.Prefabs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Snapshot) Value(key string) (Value, bool) {
	v, ok := s.Values[key]
	return v, ok
}

func (s *Snapshot) Reconciled() bool { return s.reconciled.Load() }

type CaptureReport struct {
	Tick         runtime.Tick
	Entities     int
	Bodies       int
	Skipped      int
	Values       int
	FailedValues int
}

// Capture records every entity of s that passes include (nil includes all)
// and whose prefab resolves through the shared prefab table, then evaluates
// each producer once. Failing producers are logged and their keys omitted.
func Capture(s runtime.Session, include func(runtime.Entity) bool, producers map[string]Producer, opts Options) (*Snapshot, CaptureReport) {
	opts = opts.normalized()
	behaviours := s.Behaviours()
	snap := newSnapshot(s.Tick(), len(behaviours)/2)
	rep := CaptureReport{Tick: snap.Tick}

	seen := make(map[runtime.EntityID]bool, len(behaviours))
	table := s.Prefabs()
	for _, b := range behaviours {
		e := b.Entity()
		if e == nil {
			continue
		}
		id := e.ID()
		if seen[id] {
			continue
		}
		seen[id] = true

		if include != nil && !include(e) {
			rep.Skipped++
			continue
		}
		prefab, ok := table.Lookup(e.TypeGUID())
		if !ok {
			opts.Logger.Debug("entity has no networked prefab, skipping", "entity", id, "type", e.TypeGUID())
			rep.Skipped++
			continue
		}

		if body, ok := readBody(e, opts.Capabilities); ok {
			snap.Bodies[id] = body
			rep.Bodies++
		}
		snap.Transforms[id] = readTransform(e)
		snap.Prefabs[id] = prefab
		rep.Entities++
	}

	keys := make([]string, 0, len(producers))
	for k := range producers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := evaluate(k, producers[k])
		if err != nil {
			opts.Logger.Warn("value producer failed, key omitted", "key", k, "error", err)
			rep.FailedValues++
			continue
		}
		snap.Values[k] = v
		rep.Values++
	}

	opts.Metrics.observeCapture(rep)
	return snap, rep
}

func readTransform(e runtime.Entity) Transform {
	if pr, ok := e.PositionRotation(); ok {
		return Transform{Position: pr.Position(), Rotation: pr.Rotation()}
	}
	if p, ok := e.Position(); ok {
		return Transform{Position: p.Position(), Rotation: mathx.Identity}
	}
	return IdentityTransform
}

func readBody(e runtime.Entity, caps Capabilities) (BodyState, bool) {
	if caps.Physics3D {
		if rb, ok := e.Rigidbody(); ok {
			flags, constraints := rb.Flags()
			return BodyState{
				Velocity:        rb.Velocity(),
				AngularVelocity: rb.AngularVelocity(),
				Mass:            rb.Mass(),
				Drag:            rb.Drag(),
				AngularDrag:     rb.AngularDrag(),
				Flags:           flags,
				Constraints:     constraints,
				Dim:             runtime.Dim3D,
			}, true
		}
	}
	if caps.Physics2D {
		if rb, ok := e.Rigidbody2D(); ok {
			flags, constraints := rb.Flags()
			return BodyState{
				Velocity:        rb.Velocity().XYZ(),
				AngularVelocity: mathx.Forward.Scale(rb.AngularVelocity()),
				Mass:            rb.Mass(),
				Drag:            rb.Drag(),
				AngularDrag:     rb.AngularDrag(),
				Flags:           flags,
				Constraints:     constraints,
				Dim:             runtime.Dim2D,
			}, true
		}
	}
	return BodyState{}, false
}

// writeBody projects b onto whichever rigidbody e carries.
func writeBody(e runtime.Entity, b BodyState, caps Capabilities) bool {
	if caps.Physics3D {
		if rb, ok := e.Rigidbody(); ok {
			rb.SetVelocity(b.Velocity)
			rb.SetAngularVelocity(b.AngularVelocity)
			rb.SetFlags(b.Flags, b.Constraints)
			rb.SetMass(b.Mass)
			rb.SetDrag(b.Drag)
			rb.SetAngularDrag(b.AngularDrag)
			return true
		}
	}
	if caps.Physics2D {
		if rb, ok := e.Rigidbody2D(); ok {
			rb.SetVelocity(b.Velocity.XY())
			rb.SetAngularVelocity(b.AngularVelocity.Z)
			rb.SetFlags(b.Flags, b.Constraints)
			rb.SetMass(b.Mass)
			rb.SetDrag(b.Drag)
			rb.SetAngularDrag(b.AngularDrag)
			return true
		}
	}
	return false
}
