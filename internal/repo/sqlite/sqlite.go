package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/NTM-Digital/ntmServices/internal/domain"
	"github.com/NTM-Digital/ntmServices/internal/repo"
)

var _ repo.MonitorStore = (*Store)(nil)
var _ repo.IncidentStore = (*Store)(nil)

// timeLayout is fixed width so text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS monitored_urls (
  id                TEXT PRIMARY KEY,
  name              TEXT NOT NULL,
  url               TEXT NOT NULL,
  expected_response TEXT NOT NULL DEFAULT '{}',
  check_interval    INTEGER NOT NULL DEFAULT 60,
  retry_interval    INTEGER NOT NULL DEFAULT 30,
  last_check_at     TEXT NULL,
  created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS monitor_incidents (
  id                TEXT PRIMARY KEY,
  monitored_urls_id TEXT NOT NULL REFERENCES monitored_urls(id) ON DELETE CASCADE,
  error_message     TEXT NOT NULL,
  is_open           INTEGER NOT NULL DEFAULT 1,
  started_at        TEXT NOT NULL,
  ended_at          TEXT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_monitor_incidents_open
  ON monitor_incidents (monitored_urls_id, error_message) WHERE is_open = 1;
CREATE INDEX IF NOT EXISTS idx_monitor_incidents_monitor_time
  ON monitor_incidents (monitored_urls_id, started_at DESC);

CREATE TABLE IF NOT EXISTS monitor_changes (
  seq        INTEGER PRIMARY KEY AUTOINCREMENT,
  operation  TEXT NOT NULL,
  monitor_id TEXT NOT NULL,
  changed_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TRIGGER IF NOT EXISTS monitored_urls_insert AFTER INSERT ON monitored_urls
BEGIN
  INSERT INTO monitor_changes (operation, monitor_id) VALUES ('INSERT', NEW.id);
END;
CREATE TRIGGER IF NOT EXISTS monitored_urls_update
  AFTER UPDATE OF name, url, expected_response, check_interval, retry_interval ON monitored_urls
BEGIN
  INSERT INTO monitor_changes (operation, monitor_id) VALUES ('UPDATE', NEW.id);
END;
CREATE TRIGGER IF NOT EXISTS monitored_urls_delete AFTER DELETE ON monitored_urls
BEGIN
  INSERT INTO monitor_changes (operation, monitor_id) VALUES ('DELETE', OLD.id);
END;
`

// Store keeps monitors and incidents in a single SQLite file.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// New opens (creating if needed) the database at path and applies the schema.
func New(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time; avoids SQLITE_BUSY between the pool's connections
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// rows written by SQLite defaults use millisecond precision
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

// ---- MonitorStore ----

const monitorColumns = `id, name, url, expected_response, check_interval, retry_interval, last_check_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMonitor(row scanner) (*domain.Monitor, error) {
	var (
		m         domain.Monitor
		id        string
		expected  string
		lastCheck sql.NullString
		createdAt string
	)
	if err := row.Scan(&id, &m.Name, &m.URL, &expected, &m.CheckInterval, &m.RetryInterval, &lastCheck, &createdAt); err != nil {
		return nil, err
	}
	m.ID = domain.MonitorID(id)
	m.Expected = domain.ParseExpectation([]byte(expected))
	m.LastCheckAt = parseNullTime(lastCheck)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

func (s *Store) List(ctx context.Context) ([]domain.Monitor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+monitorColumns+` FROM monitored_urls ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	defer rows.Close()

	var out []domain.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monitor: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id domain.MonitorID) (*domain.Monitor, error) {
	m, err := scanMonitor(s.db.QueryRowContext(ctx,
		`SELECT `+monitorColumns+` FROM monitored_urls WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get monitor: %w", err)
	}
	return m, nil
}

func (s *Store) Create(ctx context.Context, m *domain.Monitor) error {
	expected, err := json.Marshal(m.Expected)
	if err != nil {
		return fmt.Errorf("encode expected_response: %w", err)
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO monitored_urls (id, name, url, expected_response, check_interval, retry_interval, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, m.Name, m.URL, string(expected), m.CheckInterval, m.RetryInterval, formatTime(now),
	); err != nil {
		return fmt.Errorf("insert monitor: %w", err)
	}
	m.ID = domain.MonitorID(id)
	m.CreatedAt = now
	return nil
}

func (s *Store) Update(ctx context.Context, id domain.MonitorID, p domain.MonitorPatch) (*domain.Monitor, error) {
	if p.Empty() {
		return nil, repo.ErrNoFields
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	m, err := scanMonitor(tx.QueryRowContext(ctx,
		`SELECT `+monitorColumns+` FROM monitored_urls WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load monitor: %w", err)
	}
	p.Apply(m)

	expected, err := json.Marshal(m.Expected)
	if err != nil {
		return nil, fmt.Errorf("encode expected_response: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE monitored_urls
		    SET name = ?, url = ?, expected_response = ?, check_interval = ?, retry_interval = ?
		  WHERE id = ?`,
		m.Name, m.URL, string(expected), m.CheckInterval, m.RetryInterval, string(id),
	); err != nil {
		return nil, fmt.Errorf("update monitor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

func (s *Store) Delete(ctx context.Context, id domain.MonitorID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitored_urls WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) TouchLastCheck(ctx context.Context, id domain.MonitorID) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE monitored_urls SET last_check_at = ? WHERE id = ?`,
		formatTime(time.Now()), string(id)); err != nil {
		return fmt.Errorf("touch last check: %w", err)
	}
	return nil
}

// ---- IncidentStore ----

const incidentColumns = `id, monitored_urls_id, error_message, is_open, started_at, ended_at`

func scanIncident(row scanner) (*domain.Incident, error) {
	var (
		inc       domain.Incident
		id, monID string
		startedAt string
		endedAt   sql.NullString
	)
	if err := row.Scan(&id, &monID, &inc.ErrorMessage, &inc.IsOpen, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	inc.ID = domain.IncidentID(id)
	inc.MonitorID = domain.MonitorID(monID)
	inc.StartedAt = parseTime(startedAt)
	inc.EndedAt = parseNullTime(endedAt)
	return &inc, nil
}

func (s *Store) OpenIncident(ctx context.Context, id domain.MonitorID, msg string) (*domain.Incident, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM monitored_urls WHERE id = ?`, string(id)).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, repo.ErrNotFound
		}
		return nil, false, fmt.Errorf("load monitor: %w", err)
	}

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE monitor_incidents
		    SET is_open = 0, ended_at = ?
		  WHERE monitored_urls_id = ? AND is_open = 1 AND error_message <> ?`,
		now, string(id), msg,
	); err != nil {
		return nil, false, fmt.Errorf("close stale incidents: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO monitor_incidents (id, monitored_urls_id, error_message, is_open, started_at)
		 VALUES (?, ?, ?, 1, ?)`,
		uuid.NewString(), string(id), msg, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert incident: %w", err)
	}
	n, _ := res.RowsAffected()

	inc, err := scanIncident(tx.QueryRowContext(ctx,
		`SELECT `+incidentColumns+`
		   FROM monitor_incidents
		  WHERE monitored_urls_id = ? AND error_message = ? AND is_open = 1`,
		string(id), msg))
	if err != nil {
		return nil, false, fmt.Errorf("open incident: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return inc, n > 0, nil
}

func (s *Store) ListOpen(ctx context.Context, id domain.MonitorID) ([]domain.Incident, error) {
	return s.queryIncidents(ctx,
		`SELECT `+incidentColumns+`
		   FROM monitor_incidents
		  WHERE monitored_urls_id = ? AND is_open = 1
		  ORDER BY started_at DESC, rowid DESC`, string(id))
}

func (s *Store) ListIncidents(ctx context.Context, id domain.MonitorID, limit int) ([]domain.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryIncidents(ctx,
		`SELECT `+incidentColumns+`
		   FROM monitor_incidents
		  WHERE monitored_urls_id = ?
		  ORDER BY started_at DESC, rowid DESC
		  LIMIT ?`, string(id), limit)
}

func (s *Store) queryIncidents(ctx context.Context, q string, args ...any) ([]domain.Incident, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

func (s *Store) CloseIncident(ctx context.Context, id domain.IncidentID) (*domain.Incident, error) {
	inc, err := scanIncident(s.db.QueryRowContext(ctx,
		`UPDATE monitor_incidents
		    SET is_open = 0, ended_at = COALESCE(ended_at, ?)
		  WHERE id = ?
		  RETURNING `+incidentColumns,
		formatTime(time.Now()), string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("close incident: %w", err)
	}
	return inc, nil
}
