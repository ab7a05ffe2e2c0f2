package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"factorlab/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ CombinationStore = (*SQLiteStore)(nil)
var _ ResultStore = (*SQLiteStore)(nil)

// SQLiteStore implements CombinationStore and ResultStore backed by a SQLite
// database. Factor lists and result series are stored as JSON documents.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS combinations (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_by  TEXT NOT NULL DEFAULT '',
	factors     TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS backtest_results (
	id               TEXT PRIMARY KEY,
	config_id        TEXT NOT NULL,
	combination_id   TEXT NOT NULL DEFAULT '',
	combination_name TEXT NOT NULL DEFAULT '',
	stock_code       TEXT NOT NULL,
	total_return     REAL NOT NULL,
	completed_at     TEXT NOT NULL,
	payload          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_stock ON backtest_results (stock_code, completed_at);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, enables WAL
// and runs the schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers; SQLite allows one at a time.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// CombinationStore implementation
// ---------------------------------------------------------------------------

// SaveCombination upserts a combination by ID.
func (s *SQLiteStore) SaveCombination(ctx context.Context, c *domain.Combination) error {
	prepareCombination(c, time.Now().UTC())

	factors, err := json.Marshal(c.Factors)
	if err != nil {
		return fmt.Errorf("encoding factors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO combinations (id, name, description, created_by, factors, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			created_by = excluded.created_by,
			factors = excluded.factors,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Description, c.CreatedBy, string(factors),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving combination %q: %w", c.Name, err)
	}
	return nil
}

// GetCombination retrieves a combination by ID.
func (s *SQLiteStore) GetCombination(ctx context.Context, id string) (*domain.Combination, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_by, factors, created_at, updated_at
		FROM combinations WHERE id = ?`, id)
	c, err := scanCombination(row)
	if err != nil {
		return nil, fmt.Errorf("combination %s: %w", id, err)
	}
	return c, nil
}

// GetCombinationByName retrieves a combination by its unique name.
func (s *SQLiteStore) GetCombinationByName(ctx context.Context, name string) (*domain.Combination, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_by, factors, created_at, updated_at
		FROM combinations WHERE name = ?`, name)
	c, err := scanCombination(row)
	if err != nil {
		return nil, fmt.Errorf("combination %q: %w", name, err)
	}
	return c, nil
}

// ListCombinations returns every combination ordered by name.
func (s *SQLiteStore) ListCombinations(ctx context.Context) ([]domain.Combination, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, created_by, factors, created_at, updated_at
		FROM combinations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing combinations: %w", err)
	}
	defer rows.Close()

	var out []domain.Combination
	for rows.Next() {
		c, err := scanCombination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteCombination removes a combination by ID.
func (s *SQLiteStore) DeleteCombination(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM combinations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting combination %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("combination %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCombination(row rowScanner) (*domain.Combination, error) {
	var (
		c                domain.Combination
		factors          string
		created, updated string
	)
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedBy, &factors, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(factors), &c.Factors); err != nil {
		return nil, fmt.Errorf("decoding factors: %w", err)
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// ---------------------------------------------------------------------------
// ResultStore implementation
// ---------------------------------------------------------------------------

// SaveResult upserts a backtest result. The full result is kept as JSON;
// indexed columns support listing by stock code.
func (s *SQLiteStore) SaveResult(ctx context.Context, r *domain.BacktestResult) error {
	prepareResult(r)

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO backtest_results
			(id, config_id, combination_id, combination_name, stock_code, total_return, completed_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConfigID, r.CombinationID, r.CombinationName, r.StockCode,
		r.Metrics.TotalReturn, formatTime(r.CompletedAt), string(payload))
	if err != nil {
		return fmt.Errorf("saving result %s: %w", r.ID, err)
	}
	return nil
}

// GetResult retrieves a result by ID.
func (s *SQLiteStore) GetResult(ctx context.Context, id string) (*domain.BacktestResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM backtest_results WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("result %s: %w", id, err)
	}
	var r domain.BacktestResult
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("decoding result %s: %w", id, err)
	}
	return &r, nil
}

// ListResults returns results for stockCode (all when empty), newest first.
func (s *SQLiteStore) ListResults(ctx context.Context, stockCode string) ([]domain.BacktestResult, error) {
	query := `SELECT payload FROM backtest_results`
	var args []any
	if stockCode != "" {
		query += ` WHERE stock_code = ?`
		args = append(args, stockCode)
	}
	query += ` ORDER BY completed_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()

	var out []domain.BacktestResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r domain.BacktestResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// timeLayout is fixed-width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
