package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/C25Ronaldo/voice-pick-bot/internal/config"
	"github.com/C25Ronaldo/voice-pick-bot/internal/jobs"
)

// Event is one recorded step of a job's timeline.
type Event struct {
	ID        int64
	JobID     string
	UserID    string
	Type      string
	Detail    string
	CreatedAt time.Time
}

// Store is a SQLite-backed job timeline. In ephemeral mode it records
// nothing.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

var _ jobs.Recorder = (*Store)(nil)

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// the bridge records from two goroutines; one connection keeps writes ordered
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    user_id TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    user_id TEXT,
    event_type TEXT NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_job_created ON events(job_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs(user_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Record appends evt to its job's timeline, creating the job row on first
// sight.
func (s *Store) Record(ctx context.Context, evt jobs.TimelineEvent) (err error) {
	if s.disabled() {
		return nil
	}
	at := evt.At
	if at.IsZero() {
		at = s.clock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	jobID := evt.JobID.String()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(job_id, user_id, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(job_id) DO NOTHING`,
		jobID, evt.UserID, at.UnixNano()); err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO events(job_id, user_id, event_type, detail, created_at) VALUES(?, ?, ?, ?, ?)`,
		jobID, evt.UserID, evt.Type, evt.Detail, at.UnixNano()); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return tx.Commit()
}

// ListJobEvents returns up to limit events of a job, oldest first.
func (s *Store) ListJobEvents(ctx context.Context, jobID uuid.UUID, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	return s.query(ctx,
		`SELECT id, job_id, user_id, event_type, detail, created_at
		 FROM events WHERE job_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		jobID.String(), clampLimit(limit))
}

// ListUserEvents returns up to limit of a user's most recent events,
// newest first.
func (s *Store) ListUserEvents(ctx context.Context, userID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	return s.query(ctx,
		`SELECT id, job_id, user_id, event_type, detail, created_at
		 FROM events WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, clampLimit(limit))
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detail sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.JobID, &e.UserID, &e.Type, &detail, &created); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() || s.cfg.RetentionMode != "persistent" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
