package localsim

import (
	"errors"
	"fmt"
	"sort"

	"handover.ai/internal/sim/mathx"
	"handover.ai/internal/sim/runtime"
)

var (
	ErrClosed        = errors.New("runner is shut down")
	ErrUnknownPrefab = errors.New("unknown prefab")
	ErrNotResumed    = errors.New("entity is not pending resume")
)

type Config struct {
	ID         string
	TickRateHz int
	// FirstID is the first entity id the allocator hands out (default 1).
	FirstID runtime.EntityID
}

func (c *Config) normalize() {
	if c.TickRateHz <= 0 {
		c.TickRateHz = 60
	}
	if !c.FirstID.IsValid() {
		c.FirstID = 1
	}
}

// ResumeEntity is one entity captured by PushResumeSnapshot.
type ResumeEntity struct {
	ID       runtime.EntityID
	Prefab   runtime.PrefabID
	Position mathx.Vec3
	Rotation mathx.Quat
	Velocity mathx.Vec3
	// AngularVelocity holds the yaw rate in Z for 2D bodies.
	AngularVelocity mathx.Vec3
}

// ResumeSnapshot is the durable state a host pushes periodically so that a
// successor can recreate entities with their original identifiers.
type ResumeSnapshot struct {
	Tick     runtime.Tick
	Entities []ResumeEntity
}

// Runner is a deterministic single-threaded session: fixed delta time,
// explicit Euler integration, entities stepped in ascending id order.
type Runner struct {
	cfg     Config
	catalog *Catalog
	dt      float32

	tick    runtime.Tick
	nextID  runtime.EntityID
	objects map[runtime.EntityID]*Object
	resumed map[runtime.EntityID]*Object
	// reserved ids belong to pending resumed entities and are never reallocated.
	reserved map[runtime.EntityID]bool
	closed   bool
}

func New(cfg Config, catalog *Catalog) (*Runner, error) {
	if catalog == nil {
		return nil, fmt.Errorf("nil catalog")
	}
	cfg.normalize()
	return &Runner{
		cfg:      cfg,
		catalog:  catalog,
		dt:       1 / float32(cfg.TickRateHz),
		nextID:   cfg.FirstID,
		objects:  map[runtime.EntityID]*Object{},
		resumed:  map[runtime.EntityID]*Object{},
		reserved: map[runtime.EntityID]bool{},
	}, nil
}

// NewFromResume boots a successor session at the resume snapshot's tick with
// the snapshot's entities pending in ResumedEntities.
func NewFromResume(cfg Config, catalog *Catalog, rs ResumeSnapshot) (*Runner, error) {
	r, err := New(cfg, catalog)
	if err != nil {
		return nil, err
	}
	r.tick = rs.Tick
	for _, re := range rs.Entities {
		if !re.ID.IsValid() {
			return nil, fmt.Errorf("resume entity with invalid id")
		}
		if _, dup := r.resumed[re.ID]; dup {
			return nil, fmt.Errorf("duplicate resume entity %s", re.ID)
		}
		def, ok := catalog.Def(re.Prefab)
		if !ok {
			return nil, fmt.Errorf("resume entity %s: %w %s", re.ID, ErrUnknownPrefab, re.Prefab)
		}
		o := newObject(re.ID, def)
		o.setPose(re.Position, re.Rotation)
		switch {
		case o.b3 != nil:
			o.b3.vel = re.Velocity
			o.b3.angVel = re.AngularVelocity
		case o.b2 != nil:
			o.b2.vel = re.Velocity.XY()
			o.b2.angVel = re.AngularVelocity.Z
		}
		r.resumed[re.ID] = o
		r.reserved[re.ID] = true
	}
	return r, nil
}

func (r *Runner) ID() string                   { return r.cfg.ID }
func (r *Runner) Tick() runtime.Tick           { return r.tick }
func (r *Runner) DeltaTime() float32           { return r.dt }
func (r *Runner) Catalog() *Catalog            { return r.catalog }
func (r *Runner) Closed() bool                 { return r.closed }
func (r *Runner) Prefabs() runtime.PrefabTable { return r.catalog }

func (r *Runner) Step() error {
	if r.closed {
		return ErrClosed
	}
	for _, o := range r.Objects() {
		o.integrate(r.dt)
	}
	r.tick++
	return nil
}

// Objects returns live objects in ascending id order.
func (r *Runner) Objects() []*Object {
	out := make([]*Object, 0, len(r.objects))
	for _, o := range r.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Runner) Object(id runtime.EntityID) (*Object, bool) {
	o, ok := r.objects[id]
	return o, ok
}

func (r *Runner) Behaviours() []runtime.Behaviour {
	objs := r.Objects()
	out := make([]runtime.Behaviour, 0, len(objs))
	for _, o := range objs {
		for i := 0; i < o.nBehav; i++ {
			out = append(out, behaviour{obj: o})
		}
	}
	return out
}

func (r *Runner) ResumedEntities() []runtime.Entity {
	ids := make([]runtime.EntityID, 0, len(r.resumed))
	for id := range r.resumed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]runtime.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.resumed[id])
	}
	return out
}

// Instantiate spawns a prefab directly, the way game code does outside a migration.
func (r *Runner) Instantiate(prefab runtime.PrefabID, pos mathx.Vec3, rot mathx.Quat) (*Object, error) {
	e, err := r.Spawn(runtime.SpawnRequest{Prefab: prefab, Position: pos, Rotation: rot})
	if err != nil {
		return nil, err
	}
	return e.(*Object), nil
}

func (r *Runner) Spawn(req runtime.SpawnRequest) (runtime.Entity, error) {
	if r.closed {
		return nil, ErrClosed
	}
	var o *Object
	if req.Resume != nil {
		pending, ok := r.resumed[req.Resume.ID()]
		if !ok {
			return nil, fmt.Errorf("spawn %s: %w", req.Resume.ID(), ErrNotResumed)
		}
		delete(r.resumed, pending.id)
		delete(r.reserved, pending.id)
		o = pending
	} else {
		def, ok := r.catalog.Def(req.Prefab)
		if !ok {
			return nil, fmt.Errorf("spawn: %w %s", ErrUnknownPrefab, req.Prefab)
		}
		o = newObject(r.allocate(), def)
	}
	o.setPose(req.Position, req.Rotation)
	if req.OnBeforeSpawned != nil {
		req.OnBeforeSpawned(o)
	}
	r.objects[o.id] = o
	return o, nil
}

func (r *Runner) Despawn(id runtime.EntityID) bool {
	if _, ok := r.objects[id]; !ok {
		return false
	}
	delete(r.objects, id)
	return true
}

func (r *Runner) allocate() runtime.EntityID {
	for {
		id := r.nextID
		r.nextID++
		if r.reserved[id] {
			continue
		}
		if _, live := r.objects[id]; live {
			continue
		}
		return id
	}
}

// PushResumeSnapshot records the live entities so that a successor booted
// with NewFromResume recreates them under the same ids.
func (r *Runner) PushResumeSnapshot() ResumeSnapshot {
	rs := ResumeSnapshot{Tick: r.tick}
	for _, o := range r.Objects() {
		pos, rot := o.Pose()
		re := ResumeEntity{ID: o.id, Prefab: o.prefab, Position: pos, Rotation: rot}
		switch {
		case o.b3 != nil:
			re.Velocity = o.b3.vel
			re.AngularVelocity = o.b3.angVel
		case o.b2 != nil:
			re.Velocity = o.b2.vel.XYZ()
			re.AngularVelocity = mathx.Forward.Scale(o.b2.angVel)
		}
		rs.Entities = append(rs.Entities, re)
	}
	return rs
}

func (r *Runner) Shutdown() { r.closed = true }
