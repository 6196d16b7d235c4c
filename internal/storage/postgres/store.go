// Package postgres provides the Postgres-backed harvest store.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

//go:embed schema.sql
var schemaSQL string

const defaultListLimit = 50

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// Store implements harvest.Store and harvest.DecisionStore over Postgres.
type Store struct {
	pool   pool
	logger *zap.Logger
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, logger)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates missing tables and constraints.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// InTx implements harvest.Store.
func (s *Store) InTx(ctx context.Context, fn func(tx harvest.HarvestTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&harvestTx{tx: tx}); err != nil {
		if rErr := tx.Rollback(ctx); rErr != nil && !errors.Is(rErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.Error(rErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type harvestTx struct {
	tx pgx.Tx
}

const upsertSourceSQL = `
INSERT INTO source (name, adapter, publisher, base_url, terms_url, default_throttle)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (name) DO UPDATE SET
	adapter = EXCLUDED.adapter,
	publisher = EXCLUDED.publisher,
	base_url = EXCLUDED.base_url,
	terms_url = EXCLUDED.terms_url,
	default_throttle = EXCLUDED.default_throttle
RETURNING id`

func (t *harvestTx) UpsertSource(ctx context.Context, src harvest.SourceConfig) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, upsertSourceSQL,
		src.Name, src.Key, src.Publisher, src.BaseURL, nullable(src.TermsURL), src.Throttle.Seconds(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert source: %w", err)
	}
	return id, nil
}

// (xmax = 0) is true only for rows created by this statement.
const upsertDatasetSQL = `
INSERT INTO dataset (source_id, title, year, term, cohort, notes)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT ON CONSTRAINT dataset_identity DO UPDATE SET
	notes = EXCLUDED.notes,
	source_id = EXCLUDED.source_id
RETURNING id, (xmax = 0) AS inserted`

func (t *harvestTx) UpsertDataset(ctx context.Context, ds harvest.Dataset) (int64, bool, error) {
	var (
		id       int64
		inserted bool
	)
	err := t.tx.QueryRow(ctx, upsertDatasetSQL,
		ds.SourceID, ds.Title, ds.Year, ds.Term, string(ds.Cohort), ds.Notes,
	).Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("failed to upsert dataset: %w", err)
	}
	return id, inserted, nil
}

const upsertMetricSQL = `
INSERT INTO metric (
	dataset_id, campus, major, discipline, source_school, school_type, cohort,
	stat_name, stat_value_numeric, stat_value_text, unit, percentile, year, term, notes
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT ON CONSTRAINT metric_identity DO UPDATE SET
	school_type = EXCLUDED.school_type,
	cohort = EXCLUDED.cohort,
	stat_value_numeric = EXCLUDED.stat_value_numeric,
	stat_value_text = EXCLUDED.stat_value_text,
	unit = EXCLUDED.unit,
	percentile = EXCLUDED.percentile,
	notes = EXCLUDED.notes
RETURNING id, (xmax = 0) AS inserted`

func (t *harvestTx) UpsertMetric(ctx context.Context, m harvest.Metric) (int64, bool, error) {
	var (
		id       int64
		inserted bool
	)
	err := t.tx.QueryRow(ctx, upsertMetricSQL,
		m.DatasetID, m.Campus, m.Major, m.Discipline, m.SourceSchool, nullable(string(m.SchoolType)), string(m.Cohort),
		m.StatName, m.StatValueNumeric, m.StatValueText, m.Unit, m.Percentile, m.Year, m.Term, m.Notes,
	).Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("failed to upsert metric: %w", err)
	}
	return id, inserted, nil
}

const insertCitationSQL = `
INSERT INTO citation (metric_id, title, publisher, year, source_url, retrieved_at, interpretation_note)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT ON CONSTRAINT citation_identity DO NOTHING
RETURNING id`

const selectCitationSQL = `
SELECT id FROM citation WHERE metric_id = $1 AND title = $2 AND source_url = $3`

func (t *harvestTx) UpsertCitation(ctx context.Context, c harvest.Citation) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRow(ctx, insertCitationSQL,
		c.MetricID, c.Title, c.Publisher, c.Year, c.SourceURL, c.RetrievedAt, c.InterpretationNote,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to insert citation: %w", err)
	}
	if err := t.tx.QueryRow(ctx, selectCitationSQL, c.MetricID, c.Title, c.SourceURL).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("failed to load existing citation: %w", err)
	}
	return id, false, nil
}

const upsertFileIngestSQL = `
INSERT INTO file_ingest (dataset_id, url, fetched_at, mime, bytes, http_status, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT ON CONSTRAINT file_ingest_identity DO UPDATE SET
	fetched_at = EXCLUDED.fetched_at,
	mime = EXCLUDED.mime,
	bytes = EXCLUDED.bytes,
	http_status = EXCLUDED.http_status,
	status = EXCLUDED.status
RETURNING id, (xmax = 0) AS inserted`

func (t *harvestTx) UpsertFileIngest(ctx context.Context, f harvest.FileIngest) (int64, bool, error) {
	var (
		id       int64
		inserted bool
	)
	err := t.tx.QueryRow(ctx, upsertFileIngestSQL,
		f.DatasetID, f.URL, f.FetchedAt, nullable(f.MIME), nullableInt(f.Bytes), nullableInt(f.HTTPStatus), f.Status,
	).Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("failed to upsert file ingest: %w", err)
	}
	return id, inserted, nil
}

const runColumns = `id, adapter, started_at, finished_at, status, new_records, message, warnings_jsonb, dataset_id`

// CreateRun implements harvest.Store.
func (s *Store) CreateRun(ctx context.Context, adapter string, startedAt time.Time) (harvest.RunLog, error) {
	run := harvest.RunLog{Adapter: adapter, StartedAt: startedAt, Status: harvest.RunStatusRunning}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO runlog (adapter, started_at, status) VALUES ($1, $2, $3) RETURNING id`,
		adapter, startedAt, string(harvest.RunStatusRunning),
	).Scan(&run.ID)
	if err != nil {
		return harvest.RunLog{}, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// FinishRun implements harvest.Store. Only running rows are updated.
func (s *Store) FinishRun(ctx context.Context, run harvest.RunLog) (harvest.RunLog, error) {
	if !run.Status.Terminal() {
		return harvest.RunLog{}, fmt.Errorf("run %d: status %q is not terminal", run.ID, run.Status)
	}
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	warnings, err := json.Marshal(nonNil(run.Warnings))
	if err != nil {
		return harvest.RunLog{}, fmt.Errorf("marshal warnings: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
UPDATE runlog SET
	status = $2,
	finished_at = $3,
	new_records = $4,
	message = $5,
	warnings_jsonb = $6,
	dataset_id = $7
WHERE id = $1 AND status = 'running'
RETURNING `+runColumns,
		run.ID, string(run.Status), finished, run.NewRecords, run.Message, warnings, run.DatasetID,
	)
	updated, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetRun(ctx, run.ID)
	}
	if err != nil {
		return harvest.RunLog{}, fmt.Errorf("failed to finish run: %w", err)
	}
	return updated, nil
}

// GetRun implements harvest.Store.
func (s *Store) GetRun(ctx context.Context, id int64) (harvest.RunLog, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runlog WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.RunLog{}, fmt.Errorf("run %d: %w", id, harvest.ErrNotFound)
	}
	if err != nil {
		return harvest.RunLog{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns implements harvest.Store. Newest runs come first.
func (s *Store) ListRuns(ctx context.Context, adapter string, limit int) ([]harvest.RunLog, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runlog WHERE ($1 = '' OR adapter = $1) ORDER BY id DESC LIMIT $2`,
		adapter, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	var out []harvest.RunLog
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (harvest.RunLog, error) {
	var (
		run      harvest.RunLog
		status   string
		warnings []byte
	)
	if err := row.Scan(
		&run.ID, &run.Adapter, &run.StartedAt, &run.FinishedAt, &status,
		&run.NewRecords, &run.Message, &warnings, &run.DatasetID,
	); err != nil {
		return harvest.RunLog{}, err //nolint:wrapcheck // callers wrap and match pgx.ErrNoRows
	}
	run.Status = harvest.RunStatus(status)
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &run.Warnings); err != nil {
			return harvest.RunLog{}, fmt.Errorf("decode warnings: %w", err)
		}
	}
	return run, nil
}

// GetDecision implements harvest.DecisionStore.
func (s *Store) GetDecision(ctx context.Context, robotsURL string) (harvest.RobotsDecision, bool, error) {
	d := harvest.RobotsDecision{URL: robotsURL}
	err := s.pool.QueryRow(ctx,
		`SELECT allowed, reason, decided_at FROM robots_decision WHERE url = $1`, robotsURL,
	).Scan(&d.Allowed, &d.Reason, &d.DecidedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.RobotsDecision{}, false, nil
	}
	if err != nil {
		return harvest.RobotsDecision{}, false, fmt.Errorf("failed to get robots decision: %w", err)
	}
	return d, true, nil
}

// PutDecision implements harvest.DecisionStore.
func (s *Store) PutDecision(ctx context.Context, d harvest.RobotsDecision) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO robots_decision (url, allowed, reason, decided_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (url) DO UPDATE SET
	allowed = EXCLUDED.allowed,
	reason = EXCLUDED.reason,
	decided_at = EXCLUDED.decided_at`,
		d.URL, d.Allowed, d.Reason, d.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put robots decision: %w", err)
	}
	return nil
}

// DeleteDecision implements harvest.DecisionStore.
func (s *Store) DeleteDecision(ctx context.Context, robotsURL string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM robots_decision WHERE url = $1`, robotsURL); err != nil {
		return fmt.Errorf("failed to delete robots decision: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
