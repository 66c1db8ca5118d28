package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestWriteReadSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dumps", FileName("01J0TEST"))

	in := SnapshotV1{
		Header: Header{Version: Version, MigrationID: "01J0TEST", SessionID: "host-a", Tick: 50, Entities: 2},
		Entities: []EntityV1{
			{ID: 1, Prefab: 7, Position: [3]float32{1, 2, 3}, Rotation: [4]float32{0, 0, 0, 1}},
			{ID: 2, Prefab: 9, Rotation: [4]float32{0, 0, 0, 1}, Body: &BodyV1{Dim: 2, Velocity: [3]float32{4, 5, 0}, AngularVelocity: [3]float32{0, 0, 1.5}, Mass: 2}},
		},
		Values: []ValueV1{{Key: "score", Kind: "int", Int: 42}},
	}
	if err := WriteSnapshot(path, in); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.MigrationID != "01J0TEST" || h.Tick != 50 || h.Entities != 2 {
		t.Fatalf("header mismatch: %+v", h)
	}

	out, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(out.Entities) != 2 || out.Entities[1].Body == nil {
		t.Fatalf("entities mismatch: %+v", out.Entities)
	}
	if out.Entities[1].Body.AngularVelocity[2] != 1.5 {
		t.Fatalf("2d angular velocity lost: %+v", out.Entities[1].Body)
	}
	if out.Entities[0].Body != nil {
		t.Fatalf("entity without body got one: %+v", out.Entities[0].Body)
	}
	if len(out.Values) != 1 || out.Values[0].Int != 42 {
		t.Fatalf("values mismatch: %+v", out.Values)
	}
}

func TestReadSnapshotRejectsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v9.snap.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	if _, err := enc.Write([]byte(`{"version":9,"migration_id":"x","tick":1,"entities":0}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = enc.Close()
	_ = f.Close()

	if _, err := ReadHeader(path); !errors.Is(err, ErrVersion) {
		t.Fatalf("ReadHeader err = %v, want ErrVersion", err)
	}
	if _, err := ReadSnapshot(path); !errors.Is(err, ErrVersion) {
		t.Fatalf("ReadSnapshot err = %v, want ErrVersion", err)
	}
}
