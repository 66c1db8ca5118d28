package tuning

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"handover.ai/internal/sim/localsim"
	"handover.ai/internal/sim/mathx"
	"handover.ai/internal/sim/migration"
	"handover.ai/internal/sim/runtime"
)

//go:embed tuning.schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

type Tuning struct {
	Capabilities  CapabilitiesSpec `yaml:"capabilities"`
	MaxAlignSteps int              `yaml:"max_align_steps"`
	Sim           SimSpec          `yaml:"sim"`
	Interp        InterpSpec       `yaml:"interp"`
	Prefabs       []PrefabSpec     `yaml:"prefabs"`
	Spawns        []SpawnSpec      `yaml:"spawns,omitempty"`
}

type CapabilitiesSpec struct {
	Physics3D          bool `yaml:"physics_3d"`
	Physics2D          bool `yaml:"physics_2d"`
	SpawnAfterSnapshot bool `yaml:"spawn_after_snapshot"`
}

type SimSpec struct {
	TickRateHz int `yaml:"tick_rate_hz"`
	// ResumeEveryTicks is how often the demo host pushes its resume snapshot.
	ResumeEveryTicks  int `yaml:"resume_every_ticks"`
	MigrateEveryTicks int `yaml:"migrate_every_ticks"`
	SuccessorFirstID  int `yaml:"successor_first_id"`
}

type InterpSpec struct {
	DelayTicks int `yaml:"delay_ticks"`
}

type PrefabSpec struct {
	ID          int     `yaml:"id"`
	GUID        string  `yaml:"guid"`
	Transform   string  `yaml:"transform"`
	Body        string  `yaml:"body"`
	Behaviours  int     `yaml:"behaviours"`
	Mass        float32 `yaml:"mass"`
	Drag        float32 `yaml:"drag"`
	AngularDrag float32 `yaml:"angular_drag"`
	Unlisted    bool    `yaml:"unlisted"`
}

type SpawnSpec struct {
	Prefab int        `yaml:"prefab"`
	Pos    [3]float32 `yaml:"pos"`
	Vel    [3]float32 `yaml:"vel"`
	AngVel [3]float32 `yaml:"ang_vel"`
	// AtTick spawns the entity once the host reaches this tick instead of at boot.
	AtTick int `yaml:"at_tick"`
}

// Load reads a tuning file. An empty path yields the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := validateSchema(raw); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func Defaults() Tuning {
	return Tuning{
		Capabilities: CapabilitiesSpec{
			Physics3D:          true,
			Physics2D:          true,
			SpawnAfterSnapshot: true,
		},
		MaxAlignSteps: migration.DefaultMaxAlignSteps,
		Sim: SimSpec{
			TickRateHz:        60,
			ResumeEveryTicks:  30,
			MigrateEveryTicks: 300,
			SuccessorFirstID:  1,
		},
		Interp: InterpSpec{DelayTicks: 2},
		Prefabs: []PrefabSpec{
			{ID: 1, GUID: "crate", Transform: "position_rotation", Body: "3d", Mass: 1, Drag: 0.1, AngularDrag: 0.05},
			{ID: 2, GUID: "puck", Transform: "position", Body: "2d", Mass: 0.5, Drag: 0.2},
			{ID: 3, GUID: "marker", Transform: "none", Body: "none"},
		},
	}
}

func (t *Tuning) Normalize() {
	if t.Sim.TickRateHz <= 0 {
		t.Sim.TickRateHz = 60
	}
	if t.Sim.SuccessorFirstID <= 0 {
		t.Sim.SuccessorFirstID = 1
	}
	if t.MaxAlignSteps <= 0 {
		t.MaxAlignSteps = migration.DefaultMaxAlignSteps
	}
	for i := range t.Prefabs {
		p := &t.Prefabs[i]
		p.GUID = strings.TrimSpace(p.GUID)
		if p.Transform == "" {
			p.Transform = "position_rotation"
		}
		if p.Body == "" {
			p.Body = "none"
		}
		if p.Behaviours <= 0 {
			p.Behaviours = 1
		}
	}
}

func (t Tuning) Validate() error {
	if len(t.Prefabs) == 0 {
		return fmt.Errorf("at least one prefab required")
	}
	if t.Sim.MigrateEveryTicks > 0 && t.Sim.ResumeEveryTicks > t.Sim.MigrateEveryTicks {
		return fmt.Errorf("sim.resume_every_ticks (%d) exceeds sim.migrate_every_ticks (%d)", t.Sim.ResumeEveryTicks, t.Sim.MigrateEveryTicks)
	}
	if t.Sim.ResumeEveryTicks > t.MaxAlignSteps {
		return fmt.Errorf("sim.resume_every_ticks (%d) exceeds max_align_steps (%d)", t.Sim.ResumeEveryTicks, t.MaxAlignSteps)
	}
	ids := map[int]bool{}
	for _, p := range t.Prefabs {
		if p.ID <= 0 {
			return fmt.Errorf("prefab %q: id must be > 0", p.GUID)
		}
		if ids[p.ID] {
			return fmt.Errorf("duplicate prefab id: %d", p.ID)
		}
		ids[p.ID] = true
		if _, err := transformKind(p.Transform); err != nil {
			return fmt.Errorf("prefab %d: %w", p.ID, err)
		}
		if _, err := bodyDim(p.Body); err != nil {
			return fmt.Errorf("prefab %d: %w", p.ID, err)
		}
	}
	for i, s := range t.Spawns {
		if !ids[s.Prefab] {
			return fmt.Errorf("spawns[%d]: unknown prefab %d", i, s.Prefab)
		}
	}
	return nil
}

// Options maps the tuning onto storer options. Logger and metrics are left
// to the caller.
func (t Tuning) Options() migration.Options {
	opts := migration.DefaultOptions()
	opts.Capabilities = migration.Capabilities{
		Physics3D:          t.Capabilities.Physics3D,
		Physics2D:          t.Capabilities.Physics2D,
		SpawnAfterSnapshot: t.Capabilities.SpawnAfterSnapshot,
	}
	opts.MaxAlignSteps = t.MaxAlignSteps
	return opts
}

func (t Tuning) Catalog() (*localsim.Catalog, error) {
	defs := make([]localsim.PrefabDef, 0, len(t.Prefabs))
	for _, p := range t.Prefabs {
		kind, err := transformKind(p.Transform)
		if err != nil {
			return nil, err
		}
		dim, err := bodyDim(p.Body)
		if err != nil {
			return nil, err
		}
		defs = append(defs, localsim.PrefabDef{
			ID:          runtime.PrefabID(p.ID),
			GUID:        runtime.TypeGUID(p.GUID),
			Transform:   kind,
			Body:        dim,
			Behaviours:  p.Behaviours,
			Mass:        p.Mass,
			Drag:        p.Drag,
			AngularDrag: p.AngularDrag,
			Unlisted:    p.Unlisted,
		})
	}
	return localsim.NewCatalog(defs...)
}

func (s SpawnSpec) Position() mathx.Vec3        { return mathx.Vec3From(s.Pos) }
func (s SpawnSpec) Velocity() mathx.Vec3        { return mathx.Vec3From(s.Vel) }
func (s SpawnSpec) AngularVelocity() mathx.Vec3 { return mathx.Vec3From(s.AngVel) }

func transformKind(s string) (localsim.TransformKind, error) {
	switch s {
	case "none":
		return localsim.TransformNone, nil
	case "position":
		return localsim.TransformPosition, nil
	case "position_rotation":
		return localsim.TransformPositionRotation, nil
	default:
		return 0, fmt.Errorf("unknown transform %q", s)
	}
}

func bodyDim(s string) (runtime.Dimension, error) {
	switch s {
	case "none":
		return 0, nil
	case "3d":
		return runtime.Dim3D, nil
	case "2d":
		return runtime.Dim2D, nil
	default:
		return 0, fmt.Errorf("unknown body %q", s)
	}
}

func validateSchema(raw []byte) error {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("tuning.schema.json", schemaJSON)
	})
	if schemaErr != nil {
		return fmt.Errorf("compile schema: %w", schemaErr)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	// The validator wants JSON-shaped values (float64 numbers, string keys).
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}
