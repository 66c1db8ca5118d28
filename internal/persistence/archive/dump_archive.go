// Package archive keeps the snapshot dumps of finished migrations, one
// directory per migration with a meta.json next to the dump.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"handover.ai/internal/sim/handover"
)

type Meta struct {
	MigrationID string         `json:"migration_id"`
	Outcome     handover.Phase `json:"outcome"`
	From        string         `json:"from"`
	To          string         `json:"to,omitempty"`
	Tick        uint64         `json:"tick"`
	Entities    int            `json:"entities"`
	Respawned   int            `json:"respawned"`
	Remapped    int            `json:"remapped"`
	Snapshot    string         `json:"snapshot"`
	CreatedAt   string         `json:"created_at"`
	Error       string         `json:"error,omitempty"`
}

// Archiver is a handover sink. It remembers the dump of every captured
// migration and archives it once the migration completes or fails. Only the
// newest Keep archives are retained; migration ids sort by time.
type Archiver struct {
	root string
	keep int
	now  func() time.Time

	mu      sync.Mutex
	pending map[string]*Meta
}

func NewArchiver(dataDir string, keep int) *Archiver {
	return &Archiver{
		root:    filepath.Join(dataDir, "archives"),
		keep:    keep,
		now:     time.Now,
		pending: map[string]*Meta{},
	}
}

func (a *Archiver) Root() string { return a.root }

func (a *Archiver) Publish(e handover.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch e.Phase {
	case handover.PhaseCaptured:
		if e.DumpPath == "" {
			return nil
		}
		a.pending[e.MigrationID] = &Meta{
			MigrationID: e.MigrationID,
			From:        e.From,
			Tick:        e.Tick,
			Entities:    e.Entities,
			Snapshot:    e.DumpPath,
		}
		return nil
	case handover.PhaseResumed:
		if m := a.pending[e.MigrationID]; m != nil {
			m.To = e.To
			m.Respawned = e.Respawned
			m.Remapped = len(e.Remap)
		}
		return nil
	}

	m := a.pending[e.MigrationID]
	if m == nil {
		return nil
	}
	delete(a.pending, e.MigrationID)
	m.Outcome = e.Phase
	m.Error = e.Error
	if m.To == "" {
		m.To = e.To
	}
	m.CreatedAt = a.now().UTC().Format(time.RFC3339Nano)
	if _, err := ArchiveDump(a.root, *m); err != nil {
		return err
	}
	return a.prune()
}

// ArchiveDump moves m.Snapshot into root/<migration id>/ and writes meta.json
// beside it. It returns the archived dump path.
func ArchiveDump(root string, m Meta) (string, error) {
	if m.MigrationID == "" {
		return "", fmt.Errorf("archive: empty migration id")
	}
	dir := filepath.Join(root, m.MigrationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, filepath.Base(m.Snapshot))
	if err := moveFile(m.Snapshot, dst); err != nil {
		return "", fmt.Errorf("archive %s: %w", m.MigrationID, err)
	}
	m.Snapshot = filepath.Base(dst)
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

// List returns the archived migrations under root, oldest first.
func List(root string) ([]Meta, error) {
	ents, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Meta
	for _, ent := range ents {
		if !ent.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(root, ent.Name(), "meta.json"))
		if err != nil {
			continue
		}
		var m Meta
		if err := json.Unmarshal(b, &m); err != nil {
			return out, fmt.Errorf("%s: %w", ent.Name(), err)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MigrationID < out[j].MigrationID })
	return out, nil
}

func (a *Archiver) prune() error {
	if a.keep <= 0 {
		return nil
	}
	ents, err := os.ReadDir(a.root)
	if err != nil {
		return err
	}
	var dirs []string
	for _, ent := range ents {
		if ent.IsDir() {
			dirs = append(dirs, ent.Name())
		}
	}
	sort.Strings(dirs)
	for len(dirs) > a.keep {
		if err := os.RemoveAll(filepath.Join(a.root, dirs[0])); err != nil {
			return err
		}
		dirs = dirs[1:]
	}
	return nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
