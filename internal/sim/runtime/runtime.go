// Package runtime is the narrow surface of a simulation session that the
// migration storer consumes. Implementations own entity storage, physics and
// identifier allocation; the storer only reads and writes through these
// interfaces.
package runtime

import (
	"fmt"

	"handover.ai/internal/sim/mathx"
)

type Tick uint64

// EntityID is scoped to the session that allocated it. Zero is never allocated.
type EntityID uint32

func (id EntityID) IsValid() bool  { return id != 0 }
func (id EntityID) String() string { return fmt.Sprintf("[Id:%d]", uint32(id)) }

// PrefabID identifies a blueprint through the prefab table shared by every session.
type PrefabID uint32

func (id PrefabID) IsValid() bool  { return id != 0 }
func (id PrefabID) String() string { return fmt.Sprintf("[Prefab:%d]", uint32(id)) }

// TypeGUID is the runtime type handle an entity was instantiated from.
type TypeGUID string

type Dimension uint8

const (
	Dim3D Dimension = iota + 1
	Dim2D
)

func (d Dimension) String() string {
	switch d {
	case Dim3D:
		return "3D"
	case Dim2D:
		return "2D"
	default:
		return "unknown"
	}
}

type BodyFlags uint32

const (
	BodyKinematic BodyFlags = 1 << iota
	BodySleeping
	BodyUseGravity
)

type PrefabTable interface {
	Lookup(guid TypeGUID) (PrefabID, bool)
}

type PositionRotation interface {
	Position() mathx.Vec3
	Rotation() mathx.Quat
	SetPosition(mathx.Vec3)
	SetRotation(mathx.Quat)
}

type Position interface {
	Position() mathx.Vec3
	SetPosition(mathx.Vec3)
}

type Rigidbody interface {
	Velocity() mathx.Vec3
	SetVelocity(mathx.Vec3)
	AngularVelocity() mathx.Vec3
	SetAngularVelocity(mathx.Vec3)
	Mass() float32
	SetMass(float32)
	Drag() float32
	SetDrag(float32)
	AngularDrag() float32
	SetAngularDrag(float32)
	Flags() (BodyFlags, uint32)
	SetFlags(flags BodyFlags, constraints uint32)
}

type Rigidbody2D interface {
	Velocity() mathx.Vec2
	SetVelocity(mathx.Vec2)
	AngularVelocity() float32
	SetAngularVelocity(float32)
	Mass() float32
	SetMass(float32)
	Drag() float32
	SetDrag(float32)
	AngularDrag() float32
	SetAngularDrag(float32)
	Flags() (BodyFlags, uint32)
	SetFlags(flags BodyFlags, constraints uint32)
}

// Entity is a replicated object. Every capability accessor reports whether
// the entity carries it.
type Entity interface {
	ID() EntityID
	TypeGUID() TypeGUID
	PositionRotation() (PositionRotation, bool)
	Position() (Position, bool)
	Rigidbody() (Rigidbody, bool)
	Rigidbody2D() (Rigidbody2D, bool)
}

// Behaviour is one entity-owning component. An entity may host several.
type Behaviour interface {
	Entity() Entity
}

type SpawnRequest struct {
	// Prefab is used when Resume is nil.
	Prefab PrefabID
	// Resume re-instantiates an entity recreated by the session's own resume
	// mechanism, keeping its identifier.
	Resume Entity

	Position mathx.Vec3
	Rotation mathx.Quat

	// OnBeforeSpawned runs after the entity has its identifier and before it
	// is visible to the rest of the simulation.
	OnBeforeSpawned func(Entity)
}

type Session interface {
	Tick() Tick
	// Step advances the simulation by exactly one deterministic step.
	Step() error
	Behaviours() []Behaviour
	Prefabs() PrefabTable
	// ResumedEntities lists entities recreated by the session's lower-level
	// resume mechanism that have not been spawned yet. Their IDs are the
	// ones they held before the migration.
	ResumedEntities() []Entity
	Spawn(req SpawnRequest) (Entity, error)
}
