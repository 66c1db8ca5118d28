package localsim

import (
	"handover.ai/internal/sim/mathx"
	"handover.ai/internal/sim/runtime"
)

type transform struct {
	pos mathx.Vec3
	rot mathx.Quat
}

func (t *transform) Position() mathx.Vec3     { return t.pos }
func (t *transform) SetPosition(p mathx.Vec3) { t.pos = p }
func (t *transform) Rotation() mathx.Quat     { return t.rot }
func (t *transform) SetRotation(q mathx.Quat) { t.rot = q }

type bodyCommon struct {
	mass        float32
	drag        float32
	angularDrag float32
	flags       runtime.BodyFlags
	constraints uint32
}

func (b *bodyCommon) Mass() float32                      { return b.mass }
func (b *bodyCommon) SetMass(v float32)                  { b.mass = v }
func (b *bodyCommon) Drag() float32                      { return b.drag }
func (b *bodyCommon) SetDrag(v float32)                  { b.drag = v }
func (b *bodyCommon) AngularDrag() float32               { return b.angularDrag }
func (b *bodyCommon) SetAngularDrag(v float32)           { b.angularDrag = v }
func (b *bodyCommon) Flags() (runtime.BodyFlags, uint32) { return b.flags, b.constraints }
func (b *bodyCommon) SetFlags(f runtime.BodyFlags, c uint32) {
	b.flags = f
	b.constraints = c
}

type body3 struct {
	bodyCommon
	vel    mathx.Vec3
	angVel mathx.Vec3
}

func (b *body3) Velocity() mathx.Vec3            { return b.vel }
func (b *body3) SetVelocity(v mathx.Vec3)        { b.vel = v }
func (b *body3) AngularVelocity() mathx.Vec3     { return b.angVel }
func (b *body3) SetAngularVelocity(v mathx.Vec3) { b.angVel = v }

type body2 struct {
	bodyCommon
	vel    mathx.Vec2
	angVel float32
}

func (b *body2) Velocity() mathx.Vec2         { return b.vel }
func (b *body2) SetVelocity(v mathx.Vec2)     { b.vel = v }
func (b *body2) AngularVelocity() float32     { return b.angVel }
func (b *body2) SetAngularVelocity(v float32) { b.angVel = v }

// Object is an entity living in (or pending resume into) a Runner.
type Object struct {
	id     runtime.EntityID
	prefab runtime.PrefabID
	guid   runtime.TypeGUID
	kind   TransformKind

	tf     *transform
	b3     *body3
	b2     *body2
	nBehav int
}

func newObject(id runtime.EntityID, def PrefabDef) *Object {
	o := &Object{
		id:     id,
		prefab: def.ID,
		guid:   def.GUID,
		kind:   def.Transform,
		nBehav: def.Behaviours,
	}
	if o.nBehav <= 0 {
		o.nBehav = 1
	}
	if def.Transform != TransformNone {
		o.tf = &transform{rot: mathx.Identity}
	}
	common := bodyCommon{mass: def.Mass, drag: def.Drag, angularDrag: def.AngularDrag}
	switch def.Body {
	case runtime.Dim3D:
		o.b3 = &body3{bodyCommon: common}
	case runtime.Dim2D:
		o.b2 = &body2{bodyCommon: common}
	}
	return o
}

func (o *Object) ID() runtime.EntityID       { return o.id }
func (o *Object) TypeGUID() runtime.TypeGUID { return o.guid }
func (o *Object) Prefab() runtime.PrefabID   { return o.prefab }

func (o *Object) PositionRotation() (runtime.PositionRotation, bool) {
	if o.kind != TransformPositionRotation {
		return nil, false
	}
	return o.tf, true
}

func (o *Object) Position() (runtime.Position, bool) {
	if o.kind != TransformPosition {
		return nil, false
	}
	return o.tf, true
}

func (o *Object) Rigidbody() (runtime.Rigidbody, bool) {
	if o.b3 == nil {
		return nil, false
	}
	return o.b3, true
}

func (o *Object) Rigidbody2D() (runtime.Rigidbody2D, bool) {
	if o.b2 == nil {
		return nil, false
	}
	return o.b2, true
}

// Pose returns the object's transform, or the identity transform when it has none.
func (o *Object) Pose() (mathx.Vec3, mathx.Quat) {
	if o.tf == nil {
		return mathx.Zero3, mathx.Identity
	}
	return o.tf.pos, o.tf.rot
}

func (o *Object) setPose(pos mathx.Vec3, rot mathx.Quat) {
	if o.tf == nil {
		return
	}
	o.tf.pos = pos
	if rot == (mathx.Quat{}) {
		rot = mathx.Identity
	}
	if o.kind == TransformPositionRotation {
		o.tf.rot = rot
	}
}

func (o *Object) integrate(dt float32) {
	switch {
	case o.b3 != nil:
		b := o.b3
		if b.flags&runtime.BodyKinematic != 0 {
			return
		}
		b.vel = b.vel.Scale(damping(b.drag, dt))
		b.angVel = b.angVel.Scale(damping(b.angularDrag, dt))
		if o.tf != nil {
			o.tf.pos = o.tf.pos.Add(b.vel.Scale(dt))
			if o.kind == TransformPositionRotation && b.angVel.Z != 0 {
				o.tf.rot = mathx.YawQuat(b.angVel.Z * dt).Mul(o.tf.rot).Normalize()
			}
		}
	case o.b2 != nil:
		b := o.b2
		if b.flags&runtime.BodyKinematic != 0 {
			return
		}
		b.vel = b.vel.Scale(damping(b.drag, dt))
		b.angVel *= damping(b.angularDrag, dt)
		if o.tf != nil {
			o.tf.pos = o.tf.pos.Add(b.vel.XYZ().Scale(dt))
			if o.kind == TransformPositionRotation && b.angVel != 0 {
				o.tf.rot = mathx.YawQuat(b.angVel * dt).Mul(o.tf.rot).Normalize()
			}
		}
	}
}

func damping(drag, dt float32) float32 {
	f := 1 - drag*dt
	if f < 0 {
		return 0
	}
	return f
}

type behaviour struct {
	obj *Object
}

func (b behaviour) Entity() runtime.Entity { return b.obj }
