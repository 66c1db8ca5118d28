package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"handover.ai/internal/sim/handover"
)

type RemoteConfig struct {
	Endpoint string
	Token    string
	// Cluster tags every batch so one ingest endpoint can serve several fleets.
	Cluster       string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	// MaxRetained bounds how many events a failing endpoint may hold back.
	MaxRetained int
	Logger      hclog.Logger
}

// RemoteIndex ships migration events in batches to an HTTP ingest endpoint.
// A failed batch is retained and retried with the next flush.
type RemoteIndex struct {
	cfg        RemoteConfig
	httpClient *http.Client

	ch   chan handover.Event
	wg   sync.WaitGroup
	once sync.Once

	// mu guards closed and the send on ch against Close.
	mu     sync.RWMutex
	closed bool

	queueDropped atomic.Uint64
	flushFail    atomic.Uint64
	sent         atomic.Uint64
}

type RemoteStats struct {
	QueueDepth        int
	QueueDroppedTotal uint64
	FlushFailTotal    uint64
	SentTotal         uint64
}

type remoteBatch struct {
	Cluster string           `json:"cluster"`
	Events  []handover.Event `json:"events"`
}

func OpenRemote(cfg RemoteConfig) (*RemoteIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Cluster = strings.TrimSpace(cfg.Cluster)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty ingest endpoint")
	}
	if cfg.Cluster == "" {
		return nil, fmt.Errorf("empty cluster id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 8 * cfg.BatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	d := &RemoteIndex{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan handover.Event, 4096),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *RemoteIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.ch)
		d.mu.Unlock()
		d.wg.Wait()
	})
	return nil
}

func (d *RemoteIndex) Publish(e handover.Event) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil
	}
	select {
	case d.ch <- e:
	default:
		d.queueDropped.Add(1)
		d.cfg.Logger.Warn("remote index queue full, event dropped", "migration", e.MigrationID, "phase", e.Phase)
	}
	return nil
}

func (d *RemoteIndex) Stats() RemoteStats {
	if d == nil {
		return RemoteStats{}
	}
	return RemoteStats{
		QueueDepth:        len(d.ch),
		QueueDroppedTotal: d.queueDropped.Load(),
		FlushFailTotal:    d.flushFail.Load(),
		SentTotal:         d.sent.Load(),
	}
}

func (d *RemoteIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]handover.Event, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			d.flushFail.Add(1)
			d.cfg.Logger.Warn("remote index flush failed", "batch", len(batch), "error", err)
			if over := len(batch) - d.cfg.MaxRetained; over > 0 {
				d.queueDropped.Add(uint64(over))
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		d.sent.Add(uint64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *RemoteIndex) sendBatch(events []handover.Event) error {
	buf, err := json.Marshal(remoteBatch{Cluster: d.cfg.Cluster, Events: events})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	if d.cfg.Token != "" {
		req.Header.Set("authorization", "Bearer "+d.cfg.Token)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
