// Package handover sequences host migrations over a migration.Registry:
// capture the outgoing session, reconcile into its successor, release the
// predecessor. Every phase is published to the configured sinks.
package handover

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"

	"handover.ai/internal/persistence/snapshot"
	"handover.ai/internal/sim/migration"
	"handover.ai/internal/sim/runtime"
)

var (
	ErrUnknownMigration = errors.New("unknown migration")
	ErrPhase            = errors.New("migration is in the wrong phase")
)

type Config struct {
	Registry *migration.Registry
	Sinks    []Sink
	// DumpDir, when set, receives a snapshot dump for every captured session.
	DumpDir string
	Logger  hclog.Logger

	Now     func() time.Time
	Entropy io.Reader
}

// Migration is the handle Begin returns. Its fields are informational; the
// coordinator keeps the authoritative state.
type Migration struct {
	ID       ulid.ULID
	From     migration.SessionHandle
	FromName string
	Capture  migration.CaptureReport
	DumpPath string
}

type state struct {
	m     Migration
	phase Phase
	to    migration.SessionHandle
}

type Coordinator struct {
	reg   *migration.Registry
	dump  string
	log   hclog.Logger
	now   func() time.Time
	sinks []Sink

	mu      sync.Mutex
	entropy io.Reader
	active  map[ulid.ULID]*state
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("nil registry")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Entropy == nil {
		cfg.Entropy = rand.Reader
	}
	return &Coordinator{
		reg:     cfg.Registry,
		dump:    cfg.DumpDir,
		log:     cfg.Logger.Named("handover"),
		now:     cfg.Now,
		sinks:   append([]Sink(nil), cfg.Sinks...),
		entropy: ulid.Monotonic(cfg.Entropy, 0),
		active:  map[ulid.ULID]*state{},
	}, nil
}

func (c *Coordinator) Registry() *migration.Registry { return c.reg }

// Begin captures the session behind oldH. It should run right before that
// session shuts down.
func (c *Coordinator) Begin(oldH migration.SessionHandle, include func(runtime.Entity) bool) (Migration, error) {
	id, err := c.newID()
	if err != nil {
		return Migration{}, err
	}
	m := Migration{ID: id, From: oldH, FromName: c.sessionName(oldH)}

	rep, err := c.reg.Capture(oldH, include)
	if err != nil {
		c.publish(Event{MigrationID: id.String(), Phase: PhaseFailed, From: m.FromName, Error: err.Error()})
		return Migration{}, fmt.Errorf("begin migration %s: %w", id, err)
	}
	m.Capture = rep

	if c.dump != "" {
		path, err := c.writeDump(m)
		if err != nil {
			c.log.Warn("snapshot dump failed", "migration", id, "error", err)
		}
		m.DumpPath = path
	}

	c.mu.Lock()
	c.active[id] = &state{m: m, phase: PhaseCaptured}
	c.mu.Unlock()

	c.log.Info("migration captured", "migration", id, "from", m.FromName, "tick", rep.Tick, "entities", rep.Entities)
	c.publish(Event{
		MigrationID:  id.String(),
		Phase:        PhaseCaptured,
		From:         m.FromName,
		Tick:         uint64(rep.Tick),
		Entities:     rep.Entities,
		Bodies:       rep.Bodies,
		Skipped:      rep.Skipped,
		Values:       rep.Values,
		FailedValues: rep.FailedValues,
		DumpPath:     m.DumpPath,
	})
	return m, nil
}

// Resume links newH to the captured session and reconciles the snapshot into it.
func (c *Coordinator) Resume(m Migration, newH migration.SessionHandle, hooks migration.Hooks) (migration.ReconcileReport, error) {
	st, err := c.transition(m.ID, PhaseCaptured, PhaseResumed)
	if err != nil {
		return migration.ReconcileReport{}, err
	}
	c.mu.Lock()
	st.to = newH
	c.mu.Unlock()
	toName := c.sessionName(newH)

	if err := c.reg.Link(newH, st.m.From); err != nil {
		c.fail(st, toName, err)
		return migration.ReconcileReport{}, fmt.Errorf("resume migration %s: %w", m.ID, err)
	}
	rep, err := c.reg.SpawnsAndRestores(newH, hooks)
	if err != nil {
		c.fail(st, toName, err)
		return rep, fmt.Errorf("resume migration %s: %w", m.ID, err)
	}

	var pairs []migration.IDPair
	if remap, ok := c.reg.Remap(newH); ok {
		pairs = remap.Pairs()
	}
	c.log.Info("migration resumed", "migration", m.ID, "to", toName,
		"align_steps", rep.AlignSteps, "resumed", rep.Resumed, "respawned", rep.Respawned, "dropped", rep.Dropped)
	c.publish(Event{
		MigrationID: m.ID.String(),
		Phase:       PhaseResumed,
		From:        st.m.FromName,
		To:          toName,
		Tick:        uint64(rep.Tick),
		AlignSteps:  rep.AlignSteps,
		Resumed:     rep.Resumed,
		Respawned:   rep.Respawned,
		Dropped:     rep.Dropped,
		Remap:       pairs,
	})
	return rep, nil
}

// Complete releases the predecessor. The successor's remap stays queryable.
func (c *Coordinator) Complete(m Migration) error {
	st, err := c.transition(m.ID, PhaseResumed, PhaseCompleted)
	if err != nil {
		return err
	}
	c.reg.Release(st.to)

	c.mu.Lock()
	delete(c.active, m.ID)
	c.mu.Unlock()

	c.publish(Event{
		MigrationID: m.ID.String(),
		Phase:       PhaseCompleted,
		From:        st.m.FromName,
		To:          c.sessionName(st.to),
		Tick:        uint64(st.m.Capture.Tick),
	})
	return nil
}

// Active reports migrations that have not completed or failed.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Coordinator) transition(id ulid.ULID, from, to Phase) (*state, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.active[id]
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMigration, id)
	}
	if st.phase != from {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrPhase, id, st.phase, from)
	}
	st.phase = to
	return st, nil
}

func (c *Coordinator) fail(st *state, toName string, err error) {
	c.mu.Lock()
	st.phase = PhaseFailed
	delete(c.active, st.m.ID)
	c.mu.Unlock()

	c.log.Error("migration failed", "migration", st.m.ID, "from", st.m.FromName, "to", toName, "error", err)
	c.publish(Event{
		MigrationID: st.m.ID.String(),
		Phase:       PhaseFailed,
		From:        st.m.FromName,
		To:          toName,
		Tick:        uint64(st.m.Capture.Tick),
		Error:       err.Error(),
	})
}

func (c *Coordinator) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = c.now().UTC()
	}
	for _, s := range c.sinks {
		if err := s.Publish(e); err != nil {
			c.log.Warn("sink publish failed", "migration", e.MigrationID, "phase", e.Phase, "error", err)
		}
	}
}

func (c *Coordinator) newID() (ulid.ULID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(c.now()), c.entropy)
	if err != nil {
		return ulid.ULID{}, fmt.Errorf("migration id: %w", err)
	}
	return id, nil
}

func (c *Coordinator) sessionName(h migration.SessionHandle) string {
	if s, ok := c.reg.Session(h); ok {
		if named, ok := s.(interface{ ID() string }); ok && named.ID() != "" {
			return named.ID()
		}
	}
	return fmt.Sprintf("session-%d", h)
}

func (c *Coordinator) writeDump(m Migration) (string, error) {
	st, err := c.reg.StorerFor(m.From)
	if err != nil {
		return "", err
	}
	snap, ok := st.Snapshot()
	if !ok {
		return "", migration.ErrNoSnapshot
	}
	dump, skipped := snap.Export(m.ID.String(), m.FromName)
	if skipped > 0 {
		c.log.Debug("opaque values left out of dump", "migration", m.ID, "count", skipped)
	}
	path := filepath.Join(c.dump, snapshot.FileName(m.ID.String()))
	if err := snapshot.WriteSnapshot(path, dump); err != nil {
		return "", err
	}
	return path, nil
}
