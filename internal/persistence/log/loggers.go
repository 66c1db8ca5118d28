// Package log keeps the durable record of migration events: one zstd
// compressed JSONL file per UTC hour under <data>/events.
package log

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"handover.ai/internal/sim/handover"
)

var ErrClosed = errors.New("event log closed")

const (
	eventsDir    = "events"
	eventsPrefix = "migrations"
	hourLayout   = "2006-01-02-15"
)

// hourFile is the open segment for one hour.
type hourFile struct {
	hour time.Time
	f    *os.File
	zw   *zstd.Encoder
	je   *json.Encoder
}

func openHour(dir string, hour time.Time) (*hourFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(segmentPath(dir, hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &hourFile{hour: hour, f: f, zw: zw, je: json.NewEncoder(zw)}, nil
}

// append writes one line and flushes the zstd frame, so a crash loses at
// most the event being written.
func (h *hourFile) append(v any) error {
	if err := h.je.Encode(v); err != nil {
		return err
	}
	return h.zw.Flush()
}

func (h *hourFile) close() error {
	return errors.Join(h.zw.Close(), h.f.Close())
}

func segmentPath(dir string, hour time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl.zst", eventsPrefix, hour.Format(hourLayout)))
}

// EventLogger is a handover sink appending every migration event to the
// segment of the hour it was published in.
type EventLogger struct {
	dir string
	now func() time.Time

	mu     sync.Mutex
	cur    *hourFile
	closed bool
}

func NewEventLogger(dataDir string) *EventLogger {
	return &EventLogger{dir: filepath.Join(dataDir, eventsDir), now: time.Now}
}

func (l *EventLogger) Publish(e handover.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	hour := l.now().UTC().Truncate(time.Hour)
	if l.cur == nil || !l.cur.hour.Equal(hour) {
		if l.cur != nil {
			err := l.cur.close()
			l.cur = nil
			if err != nil {
				return fmt.Errorf("close segment: %w", err)
			}
		}
		hf, err := openHour(l.dir, hour)
		if err != nil {
			return err
		}
		l.cur = hf
	}
	return l.cur.append(e)
}

func (l *EventLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.cur == nil {
		return nil
	}
	err := l.cur.close()
	l.cur = nil
	return err
}

// ListEventLogs returns the hourly segments under dataDir, oldest first.
func ListEventLogs(dataDir string) ([]string, error) {
	dir := filepath.Join(dataDir, eventsDir)
	ents, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ent := range ents {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, eventsPrefix+"-") || !strings.HasSuffix(name, ".jsonl.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// ReadEvents decodes every event in one hourly segment.
func ReadEvents(path string) ([]handover.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []handover.Event
	jd := json.NewDecoder(dec)
	for {
		var e handover.Event
		if err := jd.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("%s: event %d: %w", path, len(out), err)
		}
		out = append(out, e)
	}
}
