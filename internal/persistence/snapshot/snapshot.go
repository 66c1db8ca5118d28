package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

var ErrVersion = errors.New("unsupported snapshot version")

type Header struct {
	Version     int    `json:"version"`
	MigrationID string `json:"migration_id"`
	SessionID   string `json:"session_id,omitempty"`
	Tick        uint64 `json:"tick"`
	Entities    int    `json:"entities"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	Entities []EntityV1 `json:"entities"`
	Values   []ValueV1  `json:"values,omitempty"`
}

type EntityV1 struct {
	ID       uint32     `json:"id"`
	Prefab   uint32     `json:"prefab"`
	Position [3]float32 `json:"pos"`
	Rotation [4]float32 `json:"rot"`
	Body     *BodyV1    `json:"body,omitempty"`
}

type BodyV1 struct {
	Dim             uint8      `json:"dim"`
	Velocity        [3]float32 `json:"vel"`
	AngularVelocity [3]float32 `json:"ang_vel"`
	Mass            float32    `json:"mass"`
	Drag            float32    `json:"drag"`
	AngularDrag     float32    `json:"angular_drag"`
	Flags           uint32     `json:"flags,omitempty"`
	Constraints     uint32     `json:"constraints,omitempty"`
}

// ValueV1 is one keyed value. Kind names which field is meaningful.
type ValueV1 struct {
	Key   string     `json:"key"`
	Kind  string     `json:"kind"`
	Bool  bool       `json:"bool,omitempty"`
	Int   int64      `json:"int,omitempty"`
	Float float64    `json:"float,omitempty"`
	Str   string     `json:"str,omitempty"`
	Bytes []byte     `json:"bytes,omitempty"`
	Vec   [4]float32 `json:"vec,omitempty"`
	ID    uint32     `json:"id,omitempty"`
}

// FileName is the dump name for a migration inside a dump directory.
func FileName(migrationID string) string {
	return migrationID + ".snap.zst"
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	if _, err := readHeader(br); err != nil {
		return snap, err
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("%w: %d", ErrVersion, snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line, without touching the body.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return Header{}, err
	}
	defer dec.Close()
	return readHeader(bufio.NewReader(dec))
}

func readHeader(br *bufio.Reader) (Header, error) {
	var h Header
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return h, nil
}
