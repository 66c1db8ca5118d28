package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"handover.ai/internal/persistence/archive"
	persistlog "handover.ai/internal/persistence/log"
	"handover.ai/internal/persistence/snapshot"
	"handover.ai/internal/sim/handover"
	"handover.ai/internal/sim/migration"
	"handover.ai/internal/sim/runtime"
)

func outputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "table, json or yaml",
		Value:   "table",
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "print a migration snapshot dump",
		ArgsUsage: "<dump.snap.zst>",
		Flags: []cli.Flag{
			outputFlag(),
			&cli.BoolFlag{
				Name:  "header",
				Usage: "print only the header",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("missing dump path")
			}
			if c.Bool("header") {
				h, err := snapshot.ReadHeader(path)
				if err != nil {
					return err
				}
				return render(c.App.Writer, c.String("output"), h, func(w io.Writer) {
					fmt.Fprintf(w, "migration\t%s\nsession\t%s\ntick\t%d\nentities\t%d\n", h.MigrationID, h.SessionID, h.Tick, h.Entities)
				})
			}
			snap, err := snapshot.ReadSnapshot(path)
			if err != nil {
				return err
			}
			// A dump that does not import cleanly is still printed, with a warning.
			if _, err := migration.Import(snap); err != nil {
				fmt.Fprintf(c.App.ErrWriter, "warning: %v\n", err)
			}
			return render(c.App.Writer, c.String("output"), snap, func(w io.Writer) { printSnapshot(w, snap) })
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:      "events",
		Usage:     "print migration events from an hourly event log or a whole data directory",
		ArgsUsage: "<migrations-YYYY-MM-DD-HH.jsonl.zst | data dir>",
		Flags: []cli.Flag{
			outputFlag(),
			&cli.StringFlag{
				Name:  "migration",
				Usage: "only events of this migration id",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("missing event log path")
			}
			events, err := readEventArg(path)
			if err != nil {
				return err
			}
			if id := strings.TrimSpace(c.String("migration")); id != "" {
				kept := events[:0]
				for _, e := range events {
					if e.MigrationID == id {
						kept = append(kept, e)
					}
				}
				events = kept
			}
			return render(c.App.Writer, c.String("output"), events, func(w io.Writer) {
				fmt.Fprintln(w, "TIME\tMIGRATION\tPHASE\tFROM\tTO\tTICK\tENTITIES\tRESUMED\tRESPAWNED\tERROR")
				for _, e := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
						e.Time.Format("15:04:05.000"), e.MigrationID, e.Phase, e.From, e.To,
						e.Tick, e.Entities, e.Resumed, e.Respawned, e.Error)
				}
			})
		},
	}
}

func readEventArg(path string) ([]handover.Event, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return persistlog.ReadEvents(path)
	}
	segs, err := persistlog.ListEventLogs(path)
	if err != nil {
		return nil, err
	}
	var out []handover.Event
	for _, seg := range segs {
		evs, err := persistlog.ReadEvents(seg)
		if err != nil {
			return out, err
		}
		out = append(out, evs...)
	}
	return out, nil
}

func archivesCommand() *cli.Command {
	return &cli.Command{
		Name:  "archives",
		Usage: "list archived migration dumps",
		Flags: []cli.Flag{
			outputFlag(),
			&cli.StringFlag{
				Name:    "data",
				Usage:   "runtime data directory",
				EnvVars: []string{"HANDOVER_DATA"},
				Value:   "./data",
			},
		},
		Action: func(c *cli.Context) error {
			metas, err := archive.List(filepath.Join(c.String("data"), "archives"))
			if err != nil {
				return err
			}
			return render(c.App.Writer, c.String("output"), metas, func(w io.Writer) {
				fmt.Fprintln(w, "MIGRATION\tOUTCOME\tFROM\tTO\tTICK\tENTITIES\tREMAPPED\tCREATED")
				for _, m := range metas {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
						m.MigrationID, m.Outcome, m.From, m.To, m.Tick, m.Entities, m.Remapped, m.CreatedAt)
				}
			})
		},
	}
}

func render(out io.Writer, format string, v any, table func(io.Writer)) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(v)
	case "", "table":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func printSnapshot(w io.Writer, snap snapshot.SnapshotV1) {
	h := snap.Header
	fmt.Fprintf(w, "migration %s  session %s  tick %d  entities %d\n\n", h.MigrationID, h.SessionID, h.Tick, h.Entities)

	ents := append([]snapshot.EntityV1(nil), snap.Entities...)
	sort.Slice(ents, func(i, j int) bool { return ents[i].ID < ents[j].ID })
	fmt.Fprintln(w, "ID\tPREFAB\tPOSITION\tBODY\tVELOCITY")
	for _, e := range ents {
		body, vel := "-", "-"
		if e.Body != nil {
			body = runtime.Dimension(e.Body.Dim).String()
			vel = fmt.Sprintf("%.3g,%.3g,%.3g", e.Body.Velocity[0], e.Body.Velocity[1], e.Body.Velocity[2])
		}
		fmt.Fprintf(w, "%d\t%d\t%.3g,%.3g,%.3g\t%s\t%s\n", e.ID, e.Prefab,
			e.Position[0], e.Position[1], e.Position[2], body, vel)
	}
	if len(snap.Values) == 0 {
		return
	}
	fmt.Fprintln(w, "\nKEY\tKIND\tVALUE")
	for _, v := range snap.Values {
		fmt.Fprintf(w, "%s\t%s\t%s\n", v.Key, v.Kind, valueText(v))
	}
}

func valueText(v snapshot.ValueV1) string {
	switch v.Kind {
	case "bool":
		return fmt.Sprint(v.Bool)
	case "int":
		return fmt.Sprint(v.Int)
	case "float":
		return fmt.Sprint(v.Float)
	case "string":
		return v.Str
	case "bytes":
		return fmt.Sprintf("%d bytes", len(v.Bytes))
	case "vec3":
		return fmt.Sprintf("%g,%g,%g", v.Vec[0], v.Vec[1], v.Vec[2])
	case "quat":
		return fmt.Sprintf("%g,%g,%g,%g", v.Vec[0], v.Vec[1], v.Vec[2], v.Vec[3])
	case "entity_id":
		return runtime.EntityID(v.ID).String()
	default:
		return "?"
	}
}
