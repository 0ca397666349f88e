package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/NTM-Digital/ntmServices/internal/domain"
	"github.com/NTM-Digital/ntmServices/internal/repo"
)

var _ repo.MonitorStore = (*Store)(nil)
var _ repo.IncidentStore = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema applies the schema and the change-notification trigger for
// channel. It is safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context, channel string) error {
	if _, err := s.pool.Exec(ctx, schemaSQL(channel)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// validID filters ids that can never match a uuid column so callers get
// ErrNotFound instead of an encoding error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// ---- MonitorStore ----

const monitorColumns = `id::text, name, url, expected_response, check_interval, retry_interval, last_check_at, created_at`

func scanMonitor(row pgx.Row) (*domain.Monitor, error) {
	var (
		m        domain.Monitor
		id       string
		expected []byte
	)
	if err := row.Scan(&id, &m.Name, &m.URL, &expected, &m.CheckInterval, &m.RetryInterval, &m.LastCheckAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.ID = domain.MonitorID(id)
	m.Expected = domain.ParseExpectation(expected)
	return &m, nil
}

func (s *Store) List(ctx context.Context) ([]domain.Monitor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+monitorColumns+`
		   FROM monitored_urls
		  ORDER BY name ASC, id ASC`)
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
	if !validID(string(id)) {
		return nil, repo.ErrNotFound
	}
	m, err := scanMonitor(s.pool.QueryRow(ctx,
		`SELECT `+monitorColumns+` FROM monitored_urls WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
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
	var id string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO monitored_urls (name, url, expected_response, check_interval, retry_interval)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id::text, created_at`,
		m.Name, m.URL, expected, m.CheckInterval, m.RetryInterval,
	).Scan(&id, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert monitor: %w", err)
	}
	m.ID = domain.MonitorID(id)
	return nil
}

// Update reads, patches and writes the row in one transaction. All columns
// are written so the notify trigger fires for every real edit.
func (s *Store) Update(ctx context.Context, id domain.MonitorID, p domain.MonitorPatch) (*domain.Monitor, error) {
	if p.Empty() {
		return nil, repo.ErrNoFields
	}
	if !validID(string(id)) {
		return nil, repo.ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := scanMonitor(tx.QueryRow(ctx,
		`SELECT `+monitorColumns+` FROM monitored_urls WHERE id = $1 FOR UPDATE`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
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
	if _, err := tx.Exec(ctx,
		`UPDATE monitored_urls
		    SET name = $2, url = $3, expected_response = $4, check_interval = $5, retry_interval = $6
		  WHERE id = $1`,
		string(id), m.Name, m.URL, expected, m.CheckInterval, m.RetryInterval,
	); err != nil {
		return nil, fmt.Errorf("update monitor: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

func (s *Store) Delete(ctx context.Context, id domain.MonitorID) error {
	if !validID(string(id)) {
		return repo.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM monitored_urls WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *Store) TouchLastCheck(ctx context.Context, id domain.MonitorID) error {
	if !validID(string(id)) {
		return repo.ErrNotFound
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE monitored_urls SET last_check_at = now() WHERE id = $1`, string(id)); err != nil {
		return fmt.Errorf("touch last check: %w", err)
	}
	return nil
}

// ---- IncidentStore ----

const incidentColumns = `id::text, monitored_urls_id::text, error_message, is_open, started_at, ended_at`

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var (
		inc       domain.Incident
		id, monID string
	)
	if err := row.Scan(&id, &monID, &inc.ErrorMessage, &inc.IsOpen, &inc.StartedAt, &inc.EndedAt); err != nil {
		return nil, err
	}
	inc.ID = domain.IncidentID(id)
	inc.MonitorID = domain.MonitorID(monID)
	return &inc, nil
}

func (s *Store) OpenIncident(ctx context.Context, id domain.MonitorID, msg string) (*domain.Incident, bool, error) {
	if !validID(string(id)) {
		return nil, false, repo.ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE monitor_incidents
		    SET is_open = FALSE, ended_at = now()
		  WHERE monitored_urls_id = $1
		    AND is_open = TRUE
		    AND error_message <> $2`,
		string(id), msg,
	); err != nil {
		return nil, false, fmt.Errorf("close stale incidents: %w", err)
	}

	created := true
	inc, err := scanIncident(tx.QueryRow(ctx,
		`INSERT INTO monitor_incidents (monitored_urls_id, error_message, is_open)
		 VALUES ($1, $2, TRUE)
		 ON CONFLICT (monitored_urls_id, error_message) WHERE is_open DO NOTHING
		 RETURNING `+incidentColumns,
		string(id), msg))
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		inc, err = scanIncident(tx.QueryRow(ctx,
			`SELECT `+incidentColumns+`
			   FROM monitor_incidents
			  WHERE monitored_urls_id = $1 AND error_message = $2 AND is_open = TRUE`,
			string(id), msg))
	}
	if err != nil {
		return nil, false, fmt.Errorf("open incident: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return inc, created, nil
}

func (s *Store) ListOpen(ctx context.Context, id domain.MonitorID) ([]domain.Incident, error) {
	if !validID(string(id)) {
		return nil, nil
	}
	return s.queryIncidents(ctx,
		`SELECT `+incidentColumns+`
		   FROM monitor_incidents
		  WHERE monitored_urls_id = $1 AND is_open = TRUE
		  ORDER BY started_at DESC`, string(id))
}

func (s *Store) ListIncidents(ctx context.Context, id domain.MonitorID, limit int) ([]domain.Incident, error) {
	if !validID(string(id)) {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.queryIncidents(ctx,
		`SELECT `+incidentColumns+`
		   FROM monitor_incidents
		  WHERE monitored_urls_id = $1
		  ORDER BY started_at DESC
		  LIMIT $2`, string(id), limit)
}

func (s *Store) queryIncidents(ctx context.Context, q string, args ...any) ([]domain.Incident, error) {
	rows, err := s.pool.Query(ctx, q, args...)
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
	if !validID(string(id)) {
		return nil, repo.ErrNotFound
	}
	inc, err := scanIncident(s.pool.QueryRow(ctx,
		`UPDATE monitor_incidents
		    SET is_open = FALSE, ended_at = COALESCE(ended_at, now())
		  WHERE id = $1
		  RETURNING `+incidentColumns, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("close incident: %w", err)
	}
	return inc, nil
}
