package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	persistlog "handover.ai/internal/persistence/log"
	"handover.ai/internal/persistence/snapshot"
	"handover.ai/internal/sim/handover"
	"handover.ai/internal/sim/host"
	"handover.ai/internal/sim/migration"
	"handover.ai/internal/sim/tuning"
	"handover.ai/internal/transport/observer"
)

func testDump() snapshot.SnapshotV1 {
	return snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, MigrationID: "01HTEST", SessionID: "host-0", Tick: 50, Entities: 2},
		Entities: []snapshot.EntityV1{
			{ID: 2, Prefab: 2, Position: [3]float32{4, 4, 0}, Rotation: [4]float32{0, 0, 0, 1},
				Body: &snapshot.BodyV1{Dim: 2, Velocity: [3]float32{0, 1, 0}, Mass: 0.5}},
			{ID: 1, Prefab: 1, Rotation: [4]float32{0, 0, 0, 1}},
		},
		Values: []snapshot.ValueV1{{Key: "score", Kind: "int", Int: 42}},
	}
}

func runApp(t *testing.T, args ...string) string {
	t.Helper()
	a := app()
	var out, errOut bytes.Buffer
	a.Writer = &out
	a.ErrWriter = &errOut
	if err := a.Run(append([]string{"handover"}, args...)); err != nil {
		t.Fatalf("run %v: %v (stderr %q)", args, err, errOut.String())
	}
	return out.String()
}

func TestInspect_Table(t *testing.T) {
	path := filepath.Join(t.TempDir(), snapshot.FileName("01HTEST"))
	if err := snapshot.WriteSnapshot(path, testDump()); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := runApp(t, "inspect", path)
	if !strings.Contains(out, "tick 50") || !strings.Contains(out, "score") || !strings.Contains(out, "42") {
		t.Fatalf("output:\n%s", out)
	}
	// Entities are listed by id.
	if strings.Index(out, "\n1 ") > strings.Index(out, "\n2 ") {
		t.Fatalf("entities not sorted:\n%s", out)
	}
}

func TestInspect_JSONHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.snap.zst")
	if err := snapshot.WriteSnapshot(path, testDump()); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := runApp(t, "inspect", "--header", "-o", "json", path)
	var h snapshot.Header
	if err := json.Unmarshal([]byte(out), &h); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if h.MigrationID != "01HTEST" || h.Entities != 2 {
		t.Fatalf("header: %+v", h)
	}
}

func TestEvents_FiltersByMigration(t *testing.T) {
	dir := t.TempDir()
	l := persistlog.NewEventLogger(dir)
	now := time.Now().UTC()
	for _, e := range []handover.Event{
		{MigrationID: "a", Phase: handover.PhaseCaptured, Time: now},
		{MigrationID: "b", Phase: handover.PhaseCaptured, Time: now},
		{MigrationID: "a", Phase: handover.PhaseResumed, Time: now},
	} {
		if err := l.Publish(e); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	_ = l.Close()
	matches, _ := filepath.Glob(filepath.Join(dir, "events", "migrations-*.jsonl.zst"))
	if len(matches) == 0 {
		t.Fatalf("no event log written")
	}

	out := runApp(t, "events", "--migration", "a", "-o", "json", matches[len(matches)-1])
	var got []handover.Event
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, e := range got {
		if e.MigrationID != "a" {
			t.Fatalf("unfiltered event: %+v", e)
		}
	}

	out = runApp(t, "events", "-o", "json", dir)
	got = nil
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode data dir: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("data dir events = %d, want 3", len(got))
	}
}

func TestMux_HealthAndMetrics(t *testing.T) {
	promReg := prometheus.NewRegistry()
	h, err := host.New(host.Config{Tuning: tuning.Defaults(), Metrics: migration.NewMetrics(promReg)})
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	defer h.Close()
	srv := httptest.NewServer(newMux(h, observer.NewServer(nil), promReg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	var st host.Status
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil || st.Session != "host-0" {
		t.Fatalf("status: %+v err=%v", st, err)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}
