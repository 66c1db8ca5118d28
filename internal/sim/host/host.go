// Package host runs a local simulation that periodically hands itself over
// to a freshly booted successor session, the way a relay-hosted game moves
// its authority when the host leaves.
package host

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"handover.ai/internal/sim/handover"
	"handover.ai/internal/sim/interpqueue"
	"handover.ai/internal/sim/localsim"
	"handover.ai/internal/sim/mathx"
	"handover.ai/internal/sim/migration"
	"handover.ai/internal/sim/runtime"
	"handover.ai/internal/sim/tuning"
)

// Keys of the values every session carries to its successor.
const (
	KeyMigrations  = "host.migrations"
	KeySpawnCursor = "host.spawn_cursor"
	KeyFocus       = "host.focus"
)

type Config struct {
	Tuning tuning.Tuning
	Sinks  []handover.Sink
	// DelayedSinks see events through the interpolation delay of a proxy
	// view, the way a non-authoritative client would.
	DelayedSinks []handover.Sink
	DumpDir      string
	Metrics      *migration.Metrics
	Logger       hclog.Logger
}

// Status is a point-in-time summary safe to read from any goroutine.
type Status struct {
	Session    string       `json:"session"`
	Tick       runtime.Tick `json:"tick"`
	Generation int64        `json:"generation"`
	Migrations int64        `json:"migrations"`
	Entities   int64        `json:"entities"`
	Pending    int          `json:"pending_events"`
}

// Host is driven by one goroutine (Run or Step). Status and Tick may be
// called concurrently.
type Host struct {
	tune   tuning.Tuning
	cat    *localsim.Catalog
	spawns []tuning.SpawnSpec
	reg    *migration.Registry
	coord  *handover.Coordinator
	events *interpqueue.Queue[handover.Event]
	log    hclog.Logger

	cur    *localsim.Runner
	curH   migration.SessionHandle
	resume localsim.ResumeSnapshot

	migrations int64
	cursor     int64
	focus      runtime.EntityID

	tick     atomic.Uint64
	gen      atomic.Int64
	migrated atomic.Int64
	entities atomic.Int64
	session  atomic.Value
}

func New(cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	cfg.Tuning.Normalize()
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, err
	}
	cat, err := cfg.Tuning.Catalog()
	if err != nil {
		return nil, err
	}

	opts := cfg.Tuning.Options()
	opts.Logger = cfg.Logger.Named("migration")
	opts.Metrics = cfg.Metrics

	h := &Host{
		tune: cfg.Tuning,
		cat:  cat,
		reg:  migration.NewRegistry(opts),
		log:  cfg.Logger.Named("host"),
	}
	h.spawns = append([]tuning.SpawnSpec(nil), cfg.Tuning.Spawns...)
	sort.SliceStable(h.spawns, func(i, j int) bool { return h.spawns[i].AtTick < h.spawns[j].AtTick })

	h.events = interpqueue.New[handover.Event](&interpqueue.View{
		Source: h,
		Delay:  runtime.Tick(cfg.Tuning.Interp.DelayTicks),
	}, nil)
	for _, s := range cfg.DelayedSinks {
		s := s
		h.events.Subscribe(func(e handover.Event) {
			if err := s.Publish(e); err != nil {
				h.log.Warn("delayed sink publish failed", "migration", e.MigrationID, "error", err)
			}
		})
	}
	sinks := append([]handover.Sink(nil), cfg.Sinks...)
	if len(cfg.DelayedSinks) > 0 {
		sinks = append(sinks, handover.SinkFunc(func(e handover.Event) error {
			h.events.Enqueue(e)
			return nil
		}))
	}
	h.coord, err = handover.New(handover.Config{
		Registry: h.reg,
		Sinks:    sinks,
		DumpDir:  cfg.DumpDir,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	boot, err := localsim.New(localsim.Config{ID: h.sessionName(0), TickRateHz: h.tune.Sim.TickRateHz}, cat)
	if err != nil {
		return nil, err
	}
	h.cur = boot
	h.curH = h.reg.Track(boot)
	if err := h.spawnDue(); err != nil {
		return nil, err
	}
	h.resume = boot.PushResumeSnapshot()
	if err := h.carry(h.curH); err != nil {
		return nil, err
	}
	h.publishStatus()
	return h, nil
}

func (h *Host) Registry() *migration.Registry { return h.reg }
func (h *Host) Session() *localsim.Runner     { return h.cur }
func (h *Host) Focus() runtime.EntityID       { return h.focus }

// Tick is the clock of the current session.
func (h *Host) Tick() runtime.Tick { return runtime.Tick(h.tick.Load()) }

func (h *Host) Status() Status {
	name, _ := h.session.Load().(string)
	return Status{
		Session:    name,
		Tick:       h.Tick(),
		Generation: h.gen.Load(),
		Migrations: h.migrated.Load(),
		Entities:   h.entities.Load(),
		Pending:    h.events.Len(),
	}
}

func (h *Host) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(h.tune.Sim.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.Step(); err != nil {
				return err
			}
		}
	}
}

// Step advances the current session by one tick, then spawns what is due,
// migrates on the migration interval and pushes the resume snapshot on the
// resume interval. A migration always resumes from the previous push.
func (h *Host) Step() error {
	if err := h.cur.Step(); err != nil {
		return err
	}
	h.tick.Store(uint64(h.cur.Tick()))
	if err := h.spawnDue(); err != nil {
		return err
	}
	t := int(h.cur.Tick())
	if every := h.tune.Sim.MigrateEveryTicks; every > 0 && t%every == 0 {
		if err := h.Migrate(); err != nil {
			return err
		}
	}
	if every := h.tune.Sim.ResumeEveryTicks; every > 0 && t%every == 0 {
		h.resume = h.cur.PushResumeSnapshot()
	}
	h.events.Update()
	h.publishStatus()
	return nil
}

// Migrate captures the current session, boots its successor from the last
// resume snapshot and reconciles the capture into it.
func (h *Host) Migrate() error {
	oldH := h.curH
	m, err := h.coord.Begin(oldH, nil)
	if err != nil {
		return err
	}
	h.cur.Shutdown()

	gen := h.gen.Add(1)
	next, err := localsim.NewFromResume(localsim.Config{
		ID:         h.sessionName(gen),
		TickRateHz: h.tune.Sim.TickRateHz,
		FirstID:    runtime.EntityID(h.tune.Sim.SuccessorFirstID),
	}, h.cat, h.resume)
	if err != nil {
		return fmt.Errorf("boot successor: %w", err)
	}
	newH := h.reg.Track(next)
	h.cur, h.curH = next, newH

	hooks := migration.Hooks{
		AfterSpawned: func(_ runtime.Session, e runtime.Entity) {
			h.log.Trace("entity spawned", "session", next.ID(), "entity", e.ID(), "type", e.TypeGUID())
		},
	}
	if _, err := h.coord.Resume(m, newH, hooks); err != nil {
		return err
	}
	if err := h.carry(newH); err != nil {
		return err
	}
	if err := h.coord.Complete(m); err != nil {
		return err
	}
	h.tick.Store(uint64(next.Tick()))
	h.migrated.Store(h.migrations)
	return nil
}

// carry registers the host's values on h and restores what h's predecessor
// captured under the same keys.
func (h *Host) carry(sh migration.SessionHandle) error {
	if err := h.reg.StoreAndTryRestore(sh, KeyMigrations,
		migration.Lazy(func() migration.Value { return migration.Int(h.migrations + 1) }),
		migration.KindInt,
		func(v migration.Value) { h.migrations, _ = v.Int() },
	); err != nil {
		return err
	}
	if err := h.reg.StoreAndTryRestore(sh, KeySpawnCursor,
		migration.Lazy(func() migration.Value { return migration.Int(h.cursor) }),
		migration.KindInt,
		func(v migration.Value) { h.cursor, _ = v.Int() },
	); err != nil {
		return err
	}
	if err := h.reg.Register(sh, KeyFocus, func() (migration.Value, error) {
		if !h.focus.IsValid() {
			return migration.Value{}, fmt.Errorf("no focus entity")
		}
		return migration.EntityRef(h.focus), nil
	}); err != nil {
		return err
	}
	return migration.TryRestoreAs(h.reg, sh, KeyFocus, func(old runtime.EntityID) {
		h.focus = old
		h.reg.CheckUpdate(sh, old, func(id runtime.EntityID) {
			h.log.Debug("focus entity remapped", "old", old, "new", id)
			h.focus = id
		})
	})
}

// spawnDue instantiates every configured spawn whose tick has been reached.
// The focus follows the most recent one.
func (h *Host) spawnDue() error {
	now := int(h.cur.Tick())
	for int(h.cursor) < len(h.spawns) && h.spawns[h.cursor].AtTick <= now {
		sp := h.spawns[h.cursor]
		o, err := h.cur.Instantiate(runtime.PrefabID(sp.Prefab), sp.Position(), mathx.Identity)
		if err != nil {
			return fmt.Errorf("spawn prefab %d: %w", sp.Prefab, err)
		}
		if rb, ok := o.Rigidbody(); ok {
			rb.SetVelocity(sp.Velocity())
			rb.SetAngularVelocity(sp.AngularVelocity())
		}
		if rb, ok := o.Rigidbody2D(); ok {
			rb.SetVelocity(sp.Velocity().XY())
			rb.SetAngularVelocity(sp.AngularVelocity().Z)
		}
		h.focus = o.ID()
		h.cursor++
	}
	return nil
}

func (h *Host) publishStatus() {
	h.entities.Store(int64(len(h.cur.Objects())))
	h.session.Store(h.cur.ID())
}

func (h *Host) sessionName(gen int64) string { return fmt.Sprintf("host-%d", gen) }

// Close shuts the current session down. Events still held for the delayed
// sinks are dropped.
func (h *Host) Close() {
	if n := h.events.Len(); n > 0 {
		h.log.Debug("dropping delayed events", "count", n)
	}
	h.events.ClearQueue()
	h.cur.Shutdown()
}
