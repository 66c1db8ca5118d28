package interpqueue

import "handover.ai/internal/sim/runtime"

// View is a Clock over a session seen through a fixed interpolation delay,
// the way a proxy client renders a remote host.
type View struct {
	Source interface{ Tick() runtime.Tick }
	// Delay is how many ticks the interpolation source trails Source.
	Delay runtime.Tick
	// Authority or Predicted views release values immediately.
	Authority bool
	Predicted bool
}

func (v *View) Tick() runtime.Tick   { return v.Source.Tick() }
func (v *View) IsResimulation() bool { return false }
func (v *View) Immediate() bool      { return v.Authority || v.Predicted }

func (v *View) InterpFrom() runtime.Tick {
	t := v.Source.Tick()
	if t < v.Delay {
		return 0
	}
	return t - v.Delay
}
