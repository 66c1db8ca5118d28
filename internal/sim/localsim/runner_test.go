package localsim

import (
	"errors"
	"testing"

	"handover.ai/internal/sim/mathx"
	"handover.ai/internal/sim/runtime"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := NewCatalog(
		PrefabDef{ID: 1, GUID: "crate", Transform: TransformPositionRotation, Body: runtime.Dim3D, Drag: 0.5},
		PrefabDef{ID: 2, GUID: "puck", Transform: TransformPosition, Body: runtime.Dim2D, Behaviours: 3},
		PrefabDef{ID: 3, GUID: "marker", Transform: TransformNone},
		PrefabDef{ID: 4, GUID: "scenery", Transform: TransformPositionRotation, Unlisted: true},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func TestNewCatalog_RejectsDuplicates(t *testing.T) {
	if _, err := NewCatalog(PrefabDef{ID: 1, GUID: "a"}, PrefabDef{ID: 1, GUID: "b"}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	if _, err := NewCatalog(PrefabDef{ID: 1, GUID: "a"}, PrefabDef{ID: 2, GUID: "a"}); err == nil {
		t.Fatalf("expected duplicate guid error")
	}
	if _, err := NewCatalog(PrefabDef{ID: 0, GUID: "a"}); err == nil {
		t.Fatalf("expected invalid id error")
	}
}

func TestCatalogLookup_HidesUnlisted(t *testing.T) {
	cat := testCatalog(t)
	if id, ok := cat.Lookup("crate"); !ok || id != 1 {
		t.Fatalf("crate lookup: id=%v ok=%v", id, ok)
	}
	if _, ok := cat.Lookup("scenery"); ok {
		t.Fatalf("unlisted prefab should not resolve")
	}
	if _, ok := cat.Def(4); !ok {
		t.Fatalf("unlisted prefab should still be instantiable")
	}
}

func TestRunner_StepIsDeterministic(t *testing.T) {
	run := func() (runtime.Tick, mathx.Vec3) {
		r, err := New(Config{ID: "det", TickRateHz: 30}, testCatalog(t))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		o, err := r.Instantiate(1, mathx.Vec3{X: 1}, mathx.Identity)
		if err != nil {
			t.Fatalf("instantiate: %v", err)
		}
		rb, _ := o.Rigidbody()
		rb.SetVelocity(mathx.Vec3{X: 3, Y: -1})
		rb.SetAngularVelocity(mathx.Vec3{Z: 2})
		for i := 0; i < 90; i++ {
			if err := r.Step(); err != nil {
				t.Fatalf("step: %v", err)
			}
		}
		pos, _ := o.Pose()
		return r.Tick(), pos
	}
	t1, p1 := run()
	t2, p2 := run()
	if t1 != 90 || t2 != 90 {
		t.Fatalf("ticks: %d %d", t1, t2)
	}
	if p1 != p2 {
		t.Fatalf("positions diverged: %+v vs %+v", p1, p2)
	}
	if p1.X <= 1 {
		t.Fatalf("body did not move: %+v", p1)
	}
}

func TestRunner_KinematicBodyDoesNotIntegrate(t *testing.T) {
	r, _ := New(Config{}, testCatalog(t))
	o, _ := r.Instantiate(1, mathx.Vec3{}, mathx.Identity)
	rb, _ := o.Rigidbody()
	rb.SetVelocity(mathx.Vec3{X: 10})
	rb.SetFlags(runtime.BodyKinematic, 0)
	_ = r.Step()
	if pos, _ := o.Pose(); pos != (mathx.Vec3{}) {
		t.Fatalf("kinematic body moved to %+v", pos)
	}
}

func TestRunner_BehavioursRepeatPerEntity(t *testing.T) {
	r, _ := New(Config{}, testCatalog(t))
	_, _ = r.Instantiate(2, mathx.Vec3{}, mathx.Identity)
	_, _ = r.Instantiate(3, mathx.Vec3{}, mathx.Identity)
	if got := len(r.Behaviours()); got != 4 {
		t.Fatalf("behaviours: got %d want 4", got)
	}
}

func TestNewFromResume_ReservesIDsAndStartsAtResumeTick(t *testing.T) {
	cat := testCatalog(t)
	old, _ := New(Config{ID: "old"}, cat)
	a, _ := old.Instantiate(1, mathx.Vec3{X: 5}, mathx.Identity)
	for i := 0; i < 10; i++ {
		_ = old.Step()
	}
	rs := old.PushResumeSnapshot()
	old.Shutdown()
	if err := old.Step(); !errors.Is(err, ErrClosed) {
		t.Fatalf("step after shutdown: %v", err)
	}

	next, err := NewFromResume(Config{ID: "new"}, cat, rs)
	if err != nil {
		t.Fatalf("from resume: %v", err)
	}
	if next.Tick() != 10 {
		t.Fatalf("tick: got %d want 10", next.Tick())
	}
	pending := next.ResumedEntities()
	if len(pending) != 1 || pending[0].ID() != a.ID() {
		t.Fatalf("pending resume: %+v", pending)
	}
	if len(next.Behaviours()) != 0 {
		t.Fatalf("resumed entities must not be live before spawn")
	}

	fresh, err := next.Instantiate(3, mathx.Vec3{}, mathx.Identity)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if fresh.ID() == a.ID() {
		t.Fatalf("allocator reused reserved id %s", a.ID())
	}

	seen := false
	e, err := next.Spawn(runtime.SpawnRequest{
		Resume:   pending[0],
		Position: mathx.Vec3{Y: 7},
		Rotation: mathx.Identity,
		OnBeforeSpawned: func(e runtime.Entity) {
			if _, live := next.Object(e.ID()); live {
				t.Fatalf("entity observable inside creation hook")
			}
			seen = true
		},
	})
	if err != nil {
		t.Fatalf("spawn resumed: %v", err)
	}
	if !seen || e.ID() != a.ID() {
		t.Fatalf("resume spawn: hook=%v id=%s", seen, e.ID())
	}
	if _, err := next.Spawn(runtime.SpawnRequest{Resume: pending[0]}); !errors.Is(err, ErrNotResumed) {
		t.Fatalf("second resume spawn: %v", err)
	}
}

func TestRunner_SpawnUnknownPrefab(t *testing.T) {
	r, _ := New(Config{}, testCatalog(t))
	if _, err := r.Spawn(runtime.SpawnRequest{Prefab: 99}); !errors.Is(err, ErrUnknownPrefab) {
		t.Fatalf("expected ErrUnknownPrefab, got %v", err)
	}
}
