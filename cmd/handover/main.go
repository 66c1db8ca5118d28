// Command handover runs a local host that migrates itself between sessions
// and inspects what those migrations leave behind.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/urfave/cli/v2"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:    "handover",
		Usage:   "host-migration state continuity for tick-driven simulations",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "trace, debug, info, warn or error",
				EnvVars: []string{"HANDOVER_LOG_LEVEL"},
				Value:   "info",
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "emit JSON log lines",
				EnvVars: []string{"HANDOVER_LOG_JSON"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			inspectCommand(),
			eventsCommand(),
			archivesCommand(),
		},
	}
}

func newLogger(c *cli.Context) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "handover",
		Level:      hclog.LevelFromString(strings.TrimSpace(c.String("log-level"))),
		JSONFormat: c.Bool("log-json"),
		Output:     os.Stderr,
	})
}
