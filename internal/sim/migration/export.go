package migration

import (
	"fmt"
	"sort"

	"handover.ai/internal/persistence/snapshot"
	"handover.ai/internal/sim/mathx"
	"handover.ai/internal/sim/runtime"
)

// Export converts s into its dump form. Opaque values cannot be encoded and
// are left out; the second return counts them.
func (s *Snapshot) Export(migrationID, sessionID string) (snapshot.SnapshotV1, int) {
	out := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:     snapshot.Version,
			MigrationID: migrationID,
			SessionID:   sessionID,
			Tick:        uint64(s.Tick),
			Entities:    len(s.Prefabs),
		},
		Entities: make([]snapshot.EntityV1, 0, len(s.Prefabs)),
	}
	for _, id := range s.IDs() {
		tf := s.Transforms[id]
		ev := snapshot.EntityV1{
			ID:       uint32(id),
			Prefab:   uint32(s.Prefabs[id]),
			Position: tf.Position.Array(),
			Rotation: tf.Rotation.Array(),
		}
		if b, ok := s.Bodies[id]; ok {
			ev.Body = &snapshot.BodyV1{
				Dim:             uint8(b.Dim),
				Velocity:        b.Velocity.Array(),
				AngularVelocity: b.AngularVelocity.Array(),
				Mass:            b.Mass,
				Drag:            b.Drag,
				AngularDrag:     b.AngularDrag,
				Flags:           uint32(b.Flags),
				Constraints:     b.Constraints,
			}
		}
		out.Entities = append(out.Entities, ev)
	}

	keys := make([]string, 0, len(s.Values))
	for k := range s.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	skipped := 0
	for _, k := range keys {
		v := s.Values[k]
		dv := snapshot.ValueV1{Key: k, Kind: v.kind.String()}
		switch v.kind {
		case KindBool:
			dv.Bool = v.b
		case KindInt:
			dv.Int = v.i
		case KindFloat:
			dv.Float = v.f
		case KindString:
			dv.Str = v.s
		case KindBytes:
			dv.Bytes = append([]byte(nil), v.raw...)
		case KindVec3:
			a := v.v.Array()
			dv.Vec = [4]float32{a[0], a[1], a[2], 0}
		case KindQuat:
			dv.Vec = v.q.Array()
		case KindEntityID:
			dv.ID = uint32(v.id)
		default:
			skipped++
			continue
		}
		out.Values = append(out.Values, dv)
	}
	return out, skipped
}

// Import rebuilds a Snapshot from its dump form. The result has not been
// reconciled yet, whatever happened to the snapshot it was exported from.
func Import(in snapshot.SnapshotV1) (*Snapshot, error) {
	snap := newSnapshot(runtime.Tick(in.Header.Tick), len(in.Entities))
	for _, e := range in.Entities {
		id := runtime.EntityID(e.ID)
		if !id.IsValid() {
			return nil, fmt.Errorf("import: entity with zero id")
		}
		if _, dup := snap.Prefabs[id]; dup {
			return nil, fmt.Errorf("import: duplicate entity %s", id)
		}
		prefab := runtime.PrefabID(e.Prefab)
		if !prefab.IsValid() {
			return nil, fmt.Errorf("import: entity %s: zero prefab id", id)
		}
		snap.Prefabs[id] = prefab
		snap.Transforms[id] = Transform{
			Position: mathx.Vec3From(e.Position),
			Rotation: mathx.QuatFrom(e.Rotation),
		}
		if b := e.Body; b != nil {
			dim := runtime.Dimension(b.Dim)
			if dim != runtime.Dim3D && dim != runtime.Dim2D {
				return nil, fmt.Errorf("import: entity %s: body dimension %d", id, b.Dim)
			}
			snap.Bodies[id] = BodyState{
				Velocity:        mathx.Vec3From(b.Velocity),
				AngularVelocity: mathx.Vec3From(b.AngularVelocity),
				Mass:            b.Mass,
				Drag:            b.Drag,
				AngularDrag:     b.AngularDrag,
				Flags:           runtime.BodyFlags(b.Flags),
				Constraints:     b.Constraints,
				Dim:             dim,
			}
		}
	}
	for _, dv := range in.Values {
		kind, ok := ParseKind(dv.Kind)
		if !ok {
			return nil, fmt.Errorf("import: value %q: unknown kind %q", dv.Key, dv.Kind)
		}
		var v Value
		switch kind {
		case KindBool:
			v = Bool(dv.Bool)
		case KindInt:
			v = Int(dv.Int)
		case KindFloat:
			v = Float(dv.Float)
		case KindString:
			v = String(dv.Str)
		case KindBytes:
			v = Bytes(dv.Bytes)
		case KindVec3:
			v = Vec(mathx.Vec3{X: dv.Vec[0], Y: dv.Vec[1], Z: dv.Vec[2]})
		case KindQuat:
			v = Rot(mathx.QuatFrom(dv.Vec))
		case KindEntityID:
			v = EntityRef(runtime.EntityID(dv.ID))
		default:
			return nil, fmt.Errorf("import: value %q: kind %s is not portable", dv.Key, kind)
		}
		snap.Values[dv.Key] = v
	}
	return snap, nil
}
