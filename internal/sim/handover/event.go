package handover

import (
	"time"

	"handover.ai/internal/sim/migration"
)

type Phase string

const (
	PhaseCaptured  Phase = "CAPTURED"
	PhaseResumed   Phase = "RESUMED"
	PhaseCompleted Phase = "COMPLETED"
	PhaseFailed    Phase = "FAILED"
)

// Event describes one phase of one migration.
type Event struct {
	MigrationID string    `json:"migration_id"`
	Phase       Phase     `json:"phase"`
	Time        time.Time `json:"time"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Tick        uint64    `json:"tick"`

	Entities     int `json:"entities,omitempty"`
	Bodies       int `json:"bodies,omitempty"`
	Skipped      int `json:"skipped,omitempty"`
	Values       int `json:"values,omitempty"`
	FailedValues int `json:"failed_values,omitempty"`

	AlignSteps int                `json:"align_steps,omitempty"`
	Resumed    int                `json:"resumed,omitempty"`
	Respawned  int                `json:"respawned,omitempty"`
	Dropped    int                `json:"dropped,omitempty"`
	Remap      []migration.IDPair `json:"remap,omitempty"`

	DumpPath string `json:"dump_path,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Sink receives every event the coordinator emits. Publish must not block
// for long; a returned error is logged and otherwise ignored.
type Sink interface {
	Publish(Event) error
}

type SinkFunc func(Event) error

func (f SinkFunc) Publish(e Event) error { return f(e) }
