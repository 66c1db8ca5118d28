package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"handover.ai/internal/persistence/archive"
	"handover.ai/internal/persistence/indexdb"
	persistlog "handover.ai/internal/persistence/log"
	"handover.ai/internal/sim/handover"
	"handover.ai/internal/sim/host"
	"handover.ai/internal/sim/migration"
	"handover.ai/internal/sim/tuning"
	"handover.ai/internal/transport/observer"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run a local host that hands itself over to a new session periodically",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "http listen address (metrics, health, observer feed)",
				EnvVars: []string{"HANDOVER_ADDR"},
				Value:   "127.0.0.1:8080",
			},
			&cli.StringFlag{
				Name:    "tuning",
				Usage:   "path to tuning.yaml (empty: built-in defaults)",
				EnvVars: []string{"HANDOVER_TUNING"},
				Value:   "./configs/tuning.yaml",
			},
			&cli.StringFlag{
				Name:    "data",
				Usage:   "runtime data directory",
				EnvVars: []string{"HANDOVER_DATA"},
				Value:   "./data",
			},
			&cli.BoolFlag{
				Name:  "dump",
				Usage: "write a snapshot dump for every migration",
				Value: true,
			},
			&cli.IntFlag{
				Name:  "keep-dumps",
				Usage: "archived migration dumps to retain (0: all)",
				Value: 50,
			},
			&cli.BoolFlag{
				Name:  "disable-db",
				Usage: "disable the sqlite migration index",
			},
			&cli.StringFlag{
				Name:    "index-endpoint",
				Usage:   "http endpoint receiving migration event batches (optional)",
				EnvVars: []string{"HANDOVER_INDEX_ENDPOINT"},
			},
			&cli.StringFlag{
				Name:    "index-token",
				Usage:   "bearer token for --index-endpoint",
				EnvVars: []string{"HANDOVER_INDEX_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "cluster",
				Usage:   "cluster id reported to --index-endpoint",
				EnvVars: []string{"HANDOVER_CLUSTER"},
				Value:   "local",
			},
			&cli.DurationFlag{
				Name:  "duration",
				Usage: "stop after this long (0: run until interrupted)",
			},
		},
		Action: runHost,
	}
}

func runHost(c *cli.Context) error {
	logger := newLogger(c)

	tune, err := tuning.Load(strings.TrimSpace(c.String("tuning")))
	if err != nil {
		return fmt.Errorf("load tuning: %w", err)
	}
	dataDir := c.String("data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := migration.NewMetrics(promReg)

	events := persistlog.NewEventLogger(dataDir)
	defer events.Close()
	sinks := []handover.Sink{events}

	if !c.Bool("disable-db") {
		idx, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index", "handover.sqlite"))
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Warn("index tuning failed", "error", err)
		}
		registerIndexStats(promReg, "sqlite", func() (float64, float64) {
			st := idx.Stats()
			return float64(st.QueueDepth), float64(st.DropTotal)
		})
		sinks = append(sinks, idx)
	}

	if ep := strings.TrimSpace(c.String("index-endpoint")); ep != "" {
		remote, err := indexdb.OpenRemote(indexdb.RemoteConfig{
			Endpoint: ep,
			Token:    c.String("index-token"),
			Cluster:  c.String("cluster"),
			Logger:   logger.Named("remote-index"),
		})
		if err != nil {
			return fmt.Errorf("open remote index: %w", err)
		}
		defer remote.Close()
		registerIndexStats(promReg, "remote", func() (float64, float64) {
			st := remote.Stats()
			return float64(st.QueueDepth), float64(st.QueueDroppedTotal)
		})
		sinks = append(sinks, remote)
	}

	obs := observer.NewServer(logger.Named("observer"))

	var dumpDir string
	if c.Bool("dump") {
		dumpDir = filepath.Join(dataDir, "dumps")
		sinks = append(sinks, archive.NewArchiver(dataDir, c.Int("keep-dumps")))
	}
	h, err := host.New(host.Config{
		Tuning:       tune,
		Sinks:        sinks,
		DelayedSinks: []handover.Sink{obs},
		DumpDir:      dumpDir,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if d := c.Duration("duration"); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	srv := &http.Server{
		Addr:              c.String("addr"),
		Handler:           newMux(h, obs, promReg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("host running",
		"tick_rate_hz", tune.Sim.TickRateHz,
		"migrate_every_ticks", tune.Sim.MigrateEveryTicks,
		"resume_every_ticks", tune.Sim.ResumeEveryTicks)
	err = h.Run(ctx)
	st := h.Status()
	logger.Info("host stopped", "session", st.Session, "tick", st.Tick, "migrations", st.Migrations)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func newMux(h *host.Host, obs *observer.Server, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(h.Status())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/observer/ws", obs.WSHandler())
	return mux
}

func registerIndexStats(reg prometheus.Registerer, backend string, stats func() (depth, dropped float64)) {
	labels := prometheus.Labels{"backend": backend}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "handover_index_queue_depth",
			Help:        "Migration events waiting to be indexed.",
			ConstLabels: labels,
		}, func() float64 { d, _ := stats(); return d }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "handover_index_dropped_total",
			Help:        "Migration events the index dropped.",
			ConstLabels: labels,
		}, func() float64 { _, n := stats(); return n }),
	)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
