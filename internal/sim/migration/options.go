package migration

import "github.com/hashicorp/go-hclog"

// DefaultMaxAlignSteps bounds clock alignment. At 60Hz this is a bit under
// five minutes of simulated time between the resume point and the capture.
const DefaultMaxAlignSteps = 16384

// Capabilities switch whole features of the storer on or off. The storer
// still branches on what each entity actually carries.
type Capabilities struct {
	Physics3D bool
	Physics2D bool
	// SpawnAfterSnapshot re-instantiates entities the successor did not
	// resume on its own. Their identifiers change and are recorded in the Remap.
	SpawnAfterSnapshot bool
}

func AllCapabilities() Capabilities {
	return Capabilities{Physics3D: true, Physics2D: true, SpawnAfterSnapshot: true}
}

type Options struct {
	Capabilities  Capabilities
	MaxAlignSteps int
	Logger        hclog.Logger
	Metrics       *Metrics
}

func DefaultOptions() Options {
	return Options{
		Capabilities:  AllCapabilities(),
		MaxAlignSteps: DefaultMaxAlignSteps,
	}
}

func (o Options) normalized() Options {
	if o.MaxAlignSteps <= 0 {
		o.MaxAlignSteps = DefaultMaxAlignSteps
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	return o
}
