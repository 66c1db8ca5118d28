package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"handover.ai/internal/sim/handover"
	"handover.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index of migration events. Writes are
// queued and applied by one goroutine; the JSONL event log stays the source
// of truth, so a full queue drops instead of stalling the simulation.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan handover.Event
	wg   sync.WaitGroup
	once sync.Once

	// mu guards closed and the send on ch against Close.
	mu     sync.RWMutex
	closed bool

	dropTotal  atomic.Uint64
	writeTotal atomic.Uint64
	errTotal   atomic.Uint64
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	DropTotal     uint64
	WriteTotal    uint64
	ErrorTotal    uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan handover.Event, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS migrations (
			id TEXT PRIMARY KEY,
			from_session TEXT NOT NULL,
			to_session TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL,
			tick INTEGER NOT NULL,
			entities INTEGER NOT NULL DEFAULT 0,
			failed_values INTEGER NOT NULL DEFAULT 0,
			align_steps INTEGER NOT NULL DEFAULT 0,
			resumed INTEGER NOT NULL DEFAULT 0,
			respawned INTEGER NOT NULL DEFAULT 0,
			dropped INTEGER NOT NULL DEFAULT 0,
			dump_path TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_migrations_tick ON migrations(tick);`,
		`CREATE TABLE IF NOT EXISTS migration_events (
			migration_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			phase TEXT NOT NULL,
			time TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (migration_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS remaps (
			migration_id TEXT NOT NULL,
			old_id INTEGER NOT NULL,
			new_id INTEGER NOT NULL,
			PRIMARY KEY (migration_id, old_id)
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Publish queues e. It never blocks and never fails; drops are counted.
func (s *SQLiteIndex) Publish(e handover.Event) error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- e:
	default:
		s.dropTotal.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTotal:     s.dropTotal.Load(),
		WriteTotal:    s.writeTotal.Load(),
		ErrorTotal:    s.errTotal.Load(),
	}
}

// UpsertTuning stores the tuning actually applied, keyed by its digest.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO configs(name,digest,json,updated_at) VALUES(?,?,?,?)`,
		"tuning", hex.EncodeToString(sum[:]), string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsertMigration, _ := s.db.Prepare(`INSERT INTO migrations(id,from_session,to_session,phase,tick,entities,failed_values,align_steps,resumed,respawned,dropped,dump_path,error,updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			to_session=CASE WHEN excluded.to_session<>'' THEN excluded.to_session ELSE migrations.to_session END,
			phase=excluded.phase,
			entities=MAX(migrations.entities, excluded.entities),
			failed_values=MAX(migrations.failed_values, excluded.failed_values),
			align_steps=MAX(migrations.align_steps, excluded.align_steps),
			resumed=MAX(migrations.resumed, excluded.resumed),
			respawned=MAX(migrations.respawned, excluded.respawned),
			dropped=MAX(migrations.dropped, excluded.dropped),
			dump_path=CASE WHEN excluded.dump_path<>'' THEN excluded.dump_path ELSE migrations.dump_path END,
			error=excluded.error,
			updated_at=excluded.updated_at`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO migration_events(migration_id,seq,phase,time,raw_json)
		VALUES(?, (SELECT COALESCE(MAX(seq),0)+1 FROM migration_events WHERE migration_id=?), ?, ?, ?)`)
	insertRemap, _ := s.db.Prepare(`INSERT OR REPLACE INTO remaps(migration_id,old_id,new_id) VALUES(?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{upsertMigration, insertEvent, insertRemap} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()
	if upsertMigration == nil || insertEvent == nil || insertRemap == nil {
		for range s.ch {
			s.errTotal.Add(1)
		}
		return
	}

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.errTotal.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.errTotal.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for e := range s.ch {
		begin()
		if tx == nil {
			s.errTotal.Add(1)
			continue
		}
		if err := s.apply(tx, upsertMigration, insertEvent, insertRemap, e); err != nil {
			rollback()
			continue
		}
		s.writeTotal.Add(1)
		opCount++
		// Commit when idle so readers see events promptly.
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}
	commit()
}

func (s *SQLiteIndex) apply(tx *sql.Tx, upsertMigration, insertEvent, insertRemap *sql.Stmt, e handover.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ts := e.Time.UTC().Format(time.RFC3339Nano)
	if _, err := tx.Stmt(upsertMigration).Exec(
		e.MigrationID, e.From, e.To, string(e.Phase), int64(e.Tick),
		e.Entities, e.FailedValues, e.AlignSteps, e.Resumed, e.Respawned, e.Dropped,
		e.DumpPath, e.Error, ts,
	); err != nil {
		return err
	}
	if _, err := tx.Stmt(insertEvent).Exec(e.MigrationID, e.MigrationID, string(e.Phase), ts, string(raw)); err != nil {
		return err
	}
	for _, p := range e.Remap {
		if _, err := tx.Stmt(insertRemap).Exec(e.MigrationID, int64(p.Old), int64(p.New)); err != nil {
			return err
		}
	}
	return nil
}
