// Package audit archives activity events to SQLite.
//
// The archive is write-only: nothing reads it back at start-up, so a restart
// still begins with an empty activity log. Each process writes under its own
// run id because event ids restart at 1.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/eldavier/Kiro-sub000/internal/errors"
	"github.com/eldavier/Kiro-sub000/internal/event"
	"github.com/eldavier/Kiro-sub000/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// FileName is the database created inside a directory path.
const FileName = "activity.sqlite"

// Sink writes activity events to a SQLite database.
type Sink struct {
	db     *sql.DB
	insert *sql.Stmt
	runID  string
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
}

// Open opens (creating if needed) the archive at path. A path without a .db
// or .sqlite suffix is treated as a directory.
func Open(ctx context.Context, path string, logger *logging.Logger) (*Sink, error) {
	if path == "" {
		return nil, errors.NewValidationError("audit path is required").WithField("audit.path")
	}
	if ext := filepath.Ext(path); ext != ".db" && ext != ".sqlite" {
		path = filepath.Join(path, FileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Sink{db: db, runID: uuid.NewString(), logger: logger.WithComponent("audit")}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("activity archive opened", "path", path, "run_id", s.runID)
	return s, nil
}

func (s *Sink) init(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("audit: %s: %w", q, err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		return err
	}
	stmt, err := s.db.PrepareContext(ctx, `
INSERT INTO activity_events
  (event_id, run_id, recorded_at, timestamp, pipeline_id, agent_id, agent_name, mode, status, message, data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("audit: prepare insert: %w", err)
	}
	s.insert = stmt
	return nil
}

// migrate applies every embedded migration not yet recorded.
func (s *Sink) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("audit: create schema_migrations: %w", err)
	}
	applied := map[int]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })
	for _, f := range files {
		name := f.Name()
		version, err := strconv.Atoi(strings.SplitN(name, "_", 2)[0])
		if err != nil {
			return fmt.Errorf("audit: bad migration name %q", name)
		}
		if applied[version] {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("audit: migration %s failed: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`, version, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// RunID identifies this process's rows.
func (s *Sink) RunID() string {
	return s.runID
}

// Record writes one event.
func (s *Sink) Record(ctx context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("audit: sink closed")
	}
	var data sql.NullString
	if ev.Data != nil {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("audit: encode data of event %d: %w", ev.ID, err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}
	pipeline := sql.NullString{String: ev.PipelineID, Valid: ev.PipelineID != ""}
	_, err := s.insert.ExecContext(ctx,
		ev.ID, s.runID, time.Now().UnixMilli(), ev.Timestamp.UTC().Format(time.RFC3339Nano),
		pipeline, ev.AgentID, ev.AgentName, ev.Mode, string(ev.Status), ev.Message, data,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event %d: %w", ev.ID, err)
	}
	return nil
}

// Attach subscribes the sink to bus. Write failures are logged, never
// returned to the emitter.
func (s *Sink) Attach(bus *event.Bus) (detach func()) {
	return bus.Subscribe(func(ev event.Event) {
		if err := s.Record(context.Background(), ev); err != nil {
			s.logger.Warn("failed to archive activity event", "event_id", ev.ID, "error", err)
		}
	})
}

// Close releases the database. It is safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.insert != nil {
		_ = s.insert.Close()
	}
	return s.db.Close()
}
