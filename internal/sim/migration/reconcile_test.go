package migration

import (
	"errors"
	"testing"

	"handover.ai/internal/sim/localsim"
	"handover.ai/internal/sim/mathx"
	"handover.ai/internal/sim/runtime"
)

func testCatalog(t *testing.T) *localsim.Catalog {
	t.Helper()
	cat, err := localsim.NewCatalog(
		localsim.PrefabDef{ID: 1, GUID: "crate", Transform: localsim.TransformPositionRotation, Body: runtime.Dim3D, Drag: 0.5},
		localsim.PrefabDef{ID: 2, GUID: "puck", Transform: localsim.TransformPosition, Body: runtime.Dim2D, Behaviours: 3},
		localsim.PrefabDef{ID: 3, GUID: "marker", Transform: localsim.TransformNone},
		localsim.PrefabDef{ID: 4, GUID: "scenery", Transform: localsim.TransformPositionRotation, Unlisted: true},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

// scenario is a host at tick 50 holding A (resumable from the tick 40
// resume snapshot), plus B and C spawned after that snapshot was pushed.
type scenario struct {
	cat  *localsim.Catalog
	old  *localsim.Runner
	rs   localsim.ResumeSnapshot
	a    *localsim.Object
	b    *localsim.Object
	c    *localsim.Object
	reg  *Registry
	oldH SessionHandle
}

func newScenario(t *testing.T, opts Options) *scenario {
	t.Helper()
	sc := &scenario{cat: testCatalog(t)}
	old, err := localsim.New(localsim.Config{ID: "old"}, sc.cat)
	if err != nil {
		t.Fatalf("new old runner: %v", err)
	}
	sc.old = old
	if sc.a, err = old.Instantiate(1, mathx.Vec3{X: 1}, mathx.Identity); err != nil {
		t.Fatalf("instantiate A: %v", err)
	}
	rbA, _ := sc.a.Rigidbody()
	rbA.SetVelocity(mathx.Vec3{Z: 1})
	stepTo(t, old, 40)
	sc.rs = old.PushResumeSnapshot()

	if sc.b, err = old.Instantiate(1, mathx.Vec3{Y: 2}, mathx.YawQuat(0.5)); err != nil {
		t.Fatalf("instantiate B: %v", err)
	}
	rbB, _ := sc.b.Rigidbody()
	rbB.SetVelocity(mathx.Vec3{X: 3})
	rbB.SetAngularVelocity(mathx.Vec3{Z: 1})
	rbB.SetMass(3)
	rbB.SetDrag(0.125)
	rbB.SetAngularDrag(0.2)
	rbB.SetFlags(runtime.BodyUseGravity, 0b011)
	if sc.c, err = old.Instantiate(2, mathx.Vec3{X: 5, Y: 5}, mathx.Identity); err != nil {
		t.Fatalf("instantiate C: %v", err)
	}
	rbC, _ := sc.c.Rigidbody2D()
	rbC.SetVelocity(mathx.Vec2{X: -1})
	rbC.SetAngularVelocity(2)
	rbC.SetMass(2.5)
	rbC.SetDrag(0.25)
	rbC.SetAngularDrag(0.75)
	rbC.SetFlags(runtime.BodySleeping, 0b100)
	stepTo(t, old, 50)

	sc.reg = NewRegistry(opts)
	sc.oldH = sc.reg.Track(old)
	return sc
}

func stepTo(t *testing.T, r *localsim.Runner, tick runtime.Tick) {
	t.Helper()
	for r.Tick() < tick {
		if err := r.Step(); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
}

type bodyProps struct {
	mass, drag, angularDrag float32
	flags                   runtime.BodyFlags
	constraints             uint32
}

func propsOf(e runtime.Entity) (bodyProps, bool) {
	if rb, ok := e.Rigidbody(); ok {
		f, c := rb.Flags()
		return bodyProps{rb.Mass(), rb.Drag(), rb.AngularDrag(), f, c}, true
	}
	if rb, ok := e.Rigidbody2D(); ok {
		f, c := rb.Flags()
		return bodyProps{rb.Mass(), rb.Drag(), rb.AngularDrag(), f, c}, true
	}
	return bodyProps{}, false
}

// successor captures the old host, shuts it down and boots its successor
// from the tick 40 resume snapshot, linked in the registry.
func (sc *scenario) successor(t *testing.T) (*localsim.Runner, SessionHandle) {
	t.Helper()
	return sc.successorFrom(t, 100)
}

func (sc *scenario) successorFrom(t *testing.T, firstID runtime.EntityID) (*localsim.Runner, SessionHandle) {
	t.Helper()
	if _, err := sc.reg.Capture(sc.oldH, nil); err != nil {
		t.Fatalf("capture: %v", err)
	}
	sc.old.Shutdown()
	nr, err := localsim.NewFromResume(localsim.Config{ID: "new", FirstID: firstID}, sc.cat, sc.rs)
	if err != nil {
		t.Fatalf("new from resume: %v", err)
	}
	newH := sc.reg.Track(nr)
	if err := sc.reg.Link(newH, sc.oldH); err != nil {
		t.Fatalf("link: %v", err)
	}
	return nr, newH
}

func TestSpawnsAndRestores_ResumedAndRespawned(t *testing.T) {
	sc := newScenario(t, DefaultOptions())
	aPos, aRot := sc.a.Pose()
	bPos, bRot := sc.b.Pose()
	rbB, _ := sc.b.Rigidbody()
	bVel, bAng := rbB.Velocity(), rbB.AngularVelocity()
	rbC, _ := sc.c.Rigidbody2D()
	cVel, cAng := rbC.Velocity(), rbC.AngularVelocity()
	bProps, _ := propsOf(sc.b)
	cProps, _ := propsOf(sc.c)
	if bProps != (bodyProps{3, 0.125, 0.2, runtime.BodyUseGravity, 0b011}) ||
		cProps != (bodyProps{2.5, 0.25, 0.75, runtime.BodySleeping, 0b100}) {
		t.Fatalf("scenario bodies: B=%+v C=%+v", bProps, cProps)
	}
	wantProps := map[runtime.EntityID]bodyProps{100: bProps, 101: cProps}

	nr, newH := sc.successor(t)

	var before, after []runtime.EntityID
	hooks := Hooks{
		BeforeSpawned: func(s runtime.Session, e runtime.Entity) {
			if _, live := nr.Object(e.ID()); live {
				t.Errorf("entity %s observable before its creation hook returned", e.ID())
			}
			if e.ID() == 100 {
				rb, ok := e.Rigidbody()
				if !ok {
					t.Errorf("B lost its rigidbody")
				} else if rb.Velocity() != bVel || rb.AngularVelocity() != bAng {
					t.Errorf("B physics not restored before hook: vel=%v ang=%v", rb.Velocity(), rb.AngularVelocity())
				}
			}
			if want, ok := wantProps[e.ID()]; ok {
				if got, _ := propsOf(e); got != want {
					t.Errorf("entity %s body before hook = %+v, want %+v", e.ID(), got, want)
				}
			}
			before = append(before, e.ID())
		},
		AfterSpawned: func(s runtime.Session, e runtime.Entity) {
			if _, live := nr.Object(e.ID()); !live {
				t.Errorf("entity %s not live after spawn", e.ID())
			}
			after = append(after, e.ID())
		},
	}
	rep, err := sc.reg.SpawnsAndRestores(newH, hooks)
	if err != nil {
		t.Fatalf("SpawnsAndRestores: %v", err)
	}
	if nr.Tick() != 50 || rep.AlignSteps != 10 {
		t.Fatalf("alignment: tick=%d steps=%d", nr.Tick(), rep.AlignSteps)
	}
	if rep.Resumed != 1 || rep.Respawned != 2 || rep.Dropped != 0 {
		t.Fatalf("report: %+v", rep)
	}
	want := []runtime.EntityID{1, 100, 101}
	if len(before) != 3 || len(after) != 3 {
		t.Fatalf("hook calls: before=%v after=%v", before, after)
	}
	for i := range want {
		if before[i] != want[i] || after[i] != want[i] {
			t.Fatalf("hook order: before=%v after=%v want %v", before, after, want)
		}
	}

	remap, ok := sc.reg.Remap(newH)
	if !ok || remap.Len() != 2 {
		t.Fatalf("remap: ok=%v len=%d", ok, remap.Len())
	}
	if id, ok := remap.Lookup(2); !ok || id != 100 {
		t.Fatalf("B remap: %v %v", id, ok)
	}
	if id, ok := remap.Lookup(3); !ok || id != 101 {
		t.Fatalf("C remap: %v %v", id, ok)
	}
	if _, ok := remap.Lookup(1); ok {
		t.Fatalf("resumed entity must not be remapped")
	}

	a, ok := nr.Object(1)
	if !ok {
		t.Fatalf("A not resumed under its own id")
	}
	if pos, rot := a.Pose(); pos != aPos || rot != aRot {
		t.Fatalf("A pose = %v %v, want %v %v", pos, rot, aPos, aRot)
	}
	b, _ := nr.Object(100)
	if pos, rot := b.Pose(); pos != bPos || rot != bRot {
		t.Fatalf("B pose = %v %v, want %v %v", pos, rot, bPos, bRot)
	}
	c, _ := nr.Object(101)
	rb2, _ := c.Rigidbody2D()
	if rb2.Velocity() != cVel || rb2.AngularVelocity() != cAng {
		t.Fatalf("C 2D body = %v %v, want %v %v", rb2.Velocity(), rb2.AngularVelocity(), cVel, cAng)
	}
	for id, want := range wantProps {
		o, _ := nr.Object(id)
		if got, ok := propsOf(o); !ok || got != want {
			t.Fatalf("entity %s body = %+v, want %+v", id, got, want)
		}
	}
	if len(nr.ResumedEntities()) != 0 {
		t.Fatalf("resume queue not drained")
	}
}

// With a successor allocating from 1, fresh spawns are handed the very id
// values the snapshot used, once the resumed entity holds its own.
func TestSpawnsAndRestores_OverlappingIDSpace(t *testing.T) {
	sc := newScenario(t, DefaultOptions())
	bPos, _ := sc.b.Pose()
	cPos, _ := sc.c.Pose()
	nr, newH := sc.successorFrom(t, 1)

	rep, err := sc.reg.SpawnsAndRestores(newH, Hooks{})
	if err != nil {
		t.Fatalf("SpawnsAndRestores: %v", err)
	}
	if rep.Resumed != 1 || rep.Respawned != 2 || len(nr.Objects()) != 3 {
		t.Fatalf("report %+v, objects %d", rep, len(nr.Objects()))
	}
	remap, ok := sc.reg.Remap(newH)
	if !ok || remap.Len() != 2 {
		t.Fatalf("remap: ok=%v len=%d", ok, remap.Len())
	}
	for _, old := range []runtime.EntityID{2, 3} {
		if id, ok := remap.Lookup(old); !ok || id != old {
			t.Fatalf("remap %s = %v %v, want %s", old, id, ok, old)
		}
	}
	if _, ok := remap.Lookup(1); ok {
		t.Fatalf("resumed entity must not be remapped")
	}
	b, _ := nr.Object(2)
	c, _ := nr.Object(3)
	if pos, _ := b.Pose(); pos != bPos {
		t.Fatalf("id 2 pose = %v, want B at %v", pos, bPos)
	}
	if pos, _ := c.Pose(); pos != cPos {
		t.Fatalf("id 3 pose = %v, want C at %v", pos, cPos)
	}
}

func TestSpawnsAndRestores_Deterministic(t *testing.T) {
	run := func() []mathx.Vec3 {
		sc := newScenario(t, DefaultOptions())
		nr, newH := sc.successor(t)
		if _, err := sc.reg.SpawnsAndRestores(newH, Hooks{}); err != nil {
			t.Fatalf("SpawnsAndRestores: %v", err)
		}
		stepTo(t, nr, 80)
		var out []mathx.Vec3
		for _, o := range nr.Objects() {
			pos, _ := o.Pose()
			out = append(out, pos)
		}
		return out
	}
	p1, p2 := run(), run()
	if len(p1) != 3 || len(p1) != len(p2) {
		t.Fatalf("object count: %d vs %d", len(p1), len(p2))
	}
	for i := range p1 {
		if p1[i] != p2[i] {
			t.Fatalf("object %d diverged: %v vs %v", i, p1[i], p2[i])
		}
	}
}

func TestSpawnsAndRestores_SecondCallFails(t *testing.T) {
	sc := newScenario(t, DefaultOptions())
	nr, newH := sc.successor(t)
	if _, err := sc.reg.SpawnsAndRestores(newH, Hooks{}); err != nil {
		t.Fatalf("first: %v", err)
	}
	n := len(nr.Objects())
	if _, err := sc.reg.SpawnsAndRestores(newH, Hooks{}); !errors.Is(err, ErrAlreadyReconciled) {
		t.Fatalf("second err = %v, want ErrAlreadyReconciled", err)
	}
	if len(nr.Objects()) != n {
		t.Fatalf("second call spawned entities")
	}
}

func TestSpawnsAndRestores_Sequencing(t *testing.T) {
	sc := newScenario(t, DefaultOptions())
	nr, err := localsim.New(localsim.Config{ID: "unlinked"}, sc.cat)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h := sc.reg.Track(nr)
	if _, err := sc.reg.SpawnsAndRestores(h, Hooks{}); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("unlinked err = %v, want ErrNotLinked", err)
	}
	if err := sc.reg.Link(h, sc.oldH); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := sc.reg.SpawnsAndRestores(h, Hooks{}); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("uncaptured err = %v, want ErrNoSnapshot", err)
	}
	if _, err := sc.reg.SpawnsAndRestores(999, Hooks{}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("unknown err = %v, want ErrUnknownSession", err)
	}
}

func TestSpawnsAndRestores_SessionPastSnapshot(t *testing.T) {
	sc := newScenario(t, DefaultOptions())
	if _, err := sc.reg.Capture(sc.oldH, nil); err != nil {
		t.Fatalf("capture: %v", err)
	}
	nr, err := localsim.New(localsim.Config{ID: "late"}, sc.cat)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	stepTo(t, nr, 60)
	h := sc.reg.Track(nr)
	if err := sc.reg.Link(h, sc.oldH); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := sc.reg.SpawnsAndRestores(h, Hooks{}); !errors.Is(err, ErrTickUnreachable) {
		t.Fatalf("err = %v, want ErrTickUnreachable", err)
	}
	if nr.Tick() != 60 || len(nr.Objects()) != 0 {
		t.Fatalf("failed alignment changed the session: tick=%d objects=%d", nr.Tick(), len(nr.Objects()))
	}
	if _, err := sc.reg.SpawnsAndRestores(h, Hooks{}); !errors.Is(err, ErrAlreadyReconciled) {
		t.Fatalf("retry err = %v, want ErrAlreadyReconciled", err)
	}
}

func TestSpawnsAndRestores_AlignLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxAlignSteps = 5
	sc := newScenario(t, opts)
	nr, newH := sc.successor(t)
	if _, err := sc.reg.SpawnsAndRestores(newH, Hooks{}); !errors.Is(err, ErrTickUnreachable) {
		t.Fatalf("err = %v, want ErrTickUnreachable", err)
	}
	if nr.Tick() != 40 {
		t.Fatalf("session stepped past the limit check: tick=%d", nr.Tick())
	}
}

func TestSpawnsAndRestores_WithoutSpawnAfterSnapshot(t *testing.T) {
	opts := DefaultOptions()
	opts.Capabilities.SpawnAfterSnapshot = false
	sc := newScenario(t, opts)
	nr, newH := sc.successor(t)
	rep, err := sc.reg.SpawnsAndRestores(newH, Hooks{})
	if err != nil {
		t.Fatalf("SpawnsAndRestores: %v", err)
	}
	if rep.Resumed != 1 || rep.Respawned != 0 || rep.Dropped != 2 {
		t.Fatalf("report: %+v", rep)
	}
	if len(nr.Objects()) != 1 {
		t.Fatalf("objects = %d, want 1", len(nr.Objects()))
	}
	remap, ok := sc.reg.Remap(newH)
	if !ok || remap.Len() != 0 {
		t.Fatalf("remap: ok=%v len=%d", ok, remap.Len())
	}
}

func TestCheckUpdate(t *testing.T) {
	sc := newScenario(t, DefaultOptions())
	_, newH := sc.successor(t)

	called := false
	sc.reg.CheckUpdate(newH, 2, func(runtime.EntityID) { called = true })
	if called {
		t.Fatalf("callback ran before reconcile")
	}
	if _, err := sc.reg.SpawnsAndRestores(newH, Hooks{}); err != nil {
		t.Fatalf("SpawnsAndRestores: %v", err)
	}

	sc.reg.CheckUpdate(newH, 1, func(runtime.EntityID) { called = true })
	sc.reg.CheckUpdate(newH, 77, func(runtime.EntityID) { called = true })
	if called {
		t.Fatalf("callback ran for an identifier that was never remapped")
	}
	var got runtime.EntityID
	sc.reg.CheckUpdate(newH, 2, func(id runtime.EntityID) { got = id })
	if got != 100 {
		t.Fatalf("CheckUpdate(2) = %v, want 100", got)
	}

	seen := map[runtime.EntityID]runtime.EntityID{}
	sc.reg.ReceiveUpdatedIDs(newH, func(o, n runtime.EntityID) { seen[o] = n }, 1, 2, 3, 99)
	if len(seen) != 2 || seen[2] != 100 || seen[3] != 101 {
		t.Fatalf("ReceiveUpdatedIDs = %v", seen)
	}
}
