package host

import (
	"sync"
	"testing"

	"handover.ai/internal/sim/handover"
	"handover.ai/internal/sim/runtime"
	"handover.ai/internal/sim/tuning"
)

type recordingSink struct {
	mu     sync.Mutex
	events []handover.Event
}

func (s *recordingSink) Publish(e handover.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) snapshot() []handover.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]handover.Event(nil), s.events...)
}

func testTuning() tuning.Tuning {
	tu := tuning.Defaults()
	tu.Sim.ResumeEveryTicks = 40
	tu.Sim.MigrateEveryTicks = 150
	tu.Sim.SuccessorFirstID = 1000
	tu.Spawns = []tuning.SpawnSpec{
		{Prefab: 2, Pos: [3]float32{4, 4, 0}, Vel: [3]float32{0, 1, 0}, AtTick: 140},
		{Prefab: 1, Vel: [3]float32{1, 0, 0}},
	}
	return tu
}

func steps(t *testing.T, h *Host, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := h.Step(); err != nil {
			t.Fatalf("step %d: %v", h.Tick(), err)
		}
	}
}

func TestHost_MigratesAndCarriesValues(t *testing.T) {
	rec := &recordingSink{}
	delayed := &recordingSink{}
	h, err := New(Config{Tuning: testTuning(), Sinks: []handover.Sink{rec}, DelayedSinks: []handover.Sink{delayed}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer h.Close()

	if st := h.Status(); st.Session != "host-0" || st.Entities != 1 {
		t.Fatalf("boot status: %+v", st)
	}
	steps(t, h, 149)
	if h.Focus() != 2 {
		t.Fatalf("focus before migration = %v", h.Focus())
	}
	steps(t, h, 1)

	st := h.Status()
	if st.Session != "host-1" || st.Tick != 150 || st.Generation != 1 || st.Migrations != 1 || st.Entities != 2 {
		t.Fatalf("status after migration: %+v", st)
	}
	// The puck spawned after the last resume push comes back under a new id.
	if h.Focus() != 1000 {
		t.Fatalf("focus = %v, want remapped to 1000", h.Focus())
	}
	if _, ok := h.Session().Object(1); !ok {
		t.Fatalf("resumed crate lost its id")
	}
	if _, ok := h.Session().Object(runtime.EntityID(1000)); !ok {
		t.Fatalf("respawned puck missing")
	}

	events := rec.snapshot()
	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	resumed := events[1]
	if resumed.Phase != handover.PhaseResumed || resumed.Resumed != 1 || resumed.Respawned != 1 || resumed.AlignSteps != 30 {
		t.Fatalf("resumed event: %+v", resumed)
	}
	if len(resumed.Remap) != 1 || resumed.Remap[0].Old != 2 || resumed.Remap[0].New != 1000 {
		t.Fatalf("remap: %+v", resumed.Remap)
	}

	if got := delayed.snapshot(); len(got) != 0 {
		t.Fatalf("delayed sink saw events before the interpolation delay: %+v", got)
	}
	steps(t, h, 2)
	if got := delayed.snapshot(); len(got) != 3 || got[2].Phase != handover.PhaseCompleted {
		t.Fatalf("delayed events: %+v", got)
	}
}

func TestHost_SecondMigrationKeepsIDs(t *testing.T) {
	rec := &recordingSink{}
	h, err := New(Config{Tuning: testTuning(), Sinks: []handover.Sink{rec}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer h.Close()

	steps(t, h, 300)
	st := h.Status()
	if st.Generation != 2 || st.Migrations != 2 || st.Session != "host-2" {
		t.Fatalf("status: %+v", st)
	}
	events := rec.snapshot()
	if len(events) != 6 {
		t.Fatalf("events = %d", len(events))
	}
	second := events[4]
	if second.Resumed != 2 || second.Respawned != 0 || second.AlignSteps != 20 {
		t.Fatalf("second resume: %+v", second)
	}
	if h.Focus() != 1000 {
		t.Fatalf("focus = %v", h.Focus())
	}
}

func TestNew_RejectsInvalidTuning(t *testing.T) {
	tu := tuning.Defaults()
	tu.Prefabs = nil
	if _, err := New(Config{Tuning: tu}); err == nil {
		t.Fatalf("expected validation error")
	}
}
