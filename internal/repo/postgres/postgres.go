// Package postgres implements the Repository over PostgreSQL, storing the
// property aggregate as a JSONB document alongside indexed columns.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/desertmls/harvester/internal/domain"
	"github.com/desertmls/harvester/internal/repo"
)

// Schema holds the DDL this repository expects. Applied by operators, not
// at runtime.
const Schema = `
CREATE TABLE IF NOT EXISTS properties (
	property_id  TEXT PRIMARY KEY,
	zipcode      TEXT NOT NULL,
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	first_seen   TIMESTAMPTZ NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	doc          JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_properties_zipcode ON properties (zipcode);
CREATE INDEX IF NOT EXISTS idx_properties_last_updated ON properties (last_updated);

CREATE TABLE IF NOT EXISTS daily_reports (
	report_date TEXT PRIMARY KEY,
	doc         JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Store implements repo.Repository for PostgreSQL.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New wraps an open connection pool.
func New(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// Open connects and verifies the database URL.
func Open(databaseURL string, timeout time.Duration) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return New(db, timeout), nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, p *domain.Property) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal property: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO properties (property_id, zipcode, is_active, first_seen, last_updated, doc)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.PropertyID, p.Address.Zipcode, p.IsActive, p.FirstSeen, p.LastUpdated, doc)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return "", repo.ErrAlreadyExists
		}
		return "", fmt.Errorf("insert property: %w", err)
	}
	return p.PropertyID, nil
}

// Upsert merges the incoming observation into the stored document inside a
// transaction, using SELECT ... FOR UPDATE so concurrent writers for the
// same property serialize.
func (s *Store) Upsert(ctx context.Context, p *domain.Property) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowxContext(ctx,
		`SELECT doc FROM properties WHERE property_id = $1 FOR UPDATE`,
		p.PropertyID).Scan(&raw)

	created := false
	var merged *domain.Property
	switch err {
	case sql.ErrNoRows:
		created = true
		merged = p
		if merged.LastUpdated.Before(merged.FirstSeen) {
			merged.LastUpdated = merged.FirstSeen
		}
	case nil:
		var existing domain.Property
		if err := json.Unmarshal(raw, &existing); err != nil {
			return "", false, fmt.Errorf("decode stored property: %w", err)
		}
		merged = repo.Merge(&existing, p)
	default:
		return "", false, fmt.Errorf("load property for upsert: %w", err)
	}

	doc, err := json.Marshal(merged)
	if err != nil {
		return "", false, fmt.Errorf("marshal property: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO properties (property_id, zipcode, is_active, first_seen, last_updated, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (property_id) DO UPDATE
		SET zipcode = EXCLUDED.zipcode,
		    is_active = EXCLUDED.is_active,
		    last_updated = EXCLUDED.last_updated,
		    doc = EXCLUDED.doc`,
		merged.PropertyID, merged.Address.Zipcode, merged.IsActive,
		merged.FirstSeen, merged.LastUpdated, doc)
	if err != nil {
		return "", false, fmt.Errorf("upsert property: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit upsert: %w", err)
	}
	return merged.PropertyID, created, nil
}

func (s *Store) GetByID(ctx context.Context, propertyID string) (*domain.Property, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var raw []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT doc FROM properties WHERE property_id = $1`, propertyID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get property: %w", err)
	}

	var p domain.Property
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode property: %w", err)
	}
	return &p, nil
}

func (s *Store) SearchByZipcode(ctx context.Context, zip string, limit int, includeInactive bool) ([]*domain.Property, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT doc FROM properties WHERE zipcode = $1`
	if !includeInactive {
		query += ` AND is_active`
	}
	query += ` ORDER BY last_updated DESC LIMIT $2`

	return s.queryDocs(ctx, query, zip, normalizeLimit(limit))
}

func (s *Store) RecentUpdates(ctx context.Context, within time.Duration, limit int) ([]*domain.Property, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-within)
	return s.queryDocs(ctx,
		`SELECT doc FROM properties WHERE last_updated > $1 ORDER BY last_updated DESC LIMIT $2`,
		cutoff, normalizeLimit(limit))
}

func (s *Store) AppendPrice(ctx context.Context, propertyID string, obs domain.PriceObservation) (bool, error) {
	p, err := s.GetByID(ctx, propertyID)
	if err == repo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	p.AddPrice(obs)
	p.LastUpdated = time.Now().UTC()
	if _, _, err := s.Upsert(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) PriceStats(ctx context.Context, zip string) (repo.ZipPriceStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var stats repo.ZipPriceStats
	err := s.db.QueryRowxContext(ctx, `
		SELECT COALESCE(MIN((doc->>'current_price')::float8), 0) AS min,
		       COALESCE(MAX((doc->>'current_price')::float8), 0) AS max,
		       COALESCE(AVG((doc->>'current_price')::float8), 0) AS avg,
		       COUNT(*) FILTER (WHERE doc->>'current_price' IS NOT NULL) AS count
		FROM properties WHERE zipcode = $1`, zip).
		Scan(&stats.Min, &stats.Max, &stats.Avg, &stats.Count)
	if err != nil {
		return stats, fmt.Errorf("price stats: %w", err)
	}
	return stats, nil
}

func (s *Store) UpsertDailyReport(ctx context.Context, r *domain.DailyReport) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_reports (report_date, doc)
		VALUES ($1, $2)
		ON CONFLICT (report_date) DO UPDATE SET doc = EXCLUDED.doc`,
		r.Date, doc)
	if err != nil {
		return "", fmt.Errorf("upsert daily report: %w", err)
	}
	return r.Date, nil
}

func (s *Store) GetDailyReport(ctx context.Context, date string) (*domain.DailyReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var raw []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT doc FROM daily_reports WHERE report_date = $1`, date).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get daily report: %w", err)
	}
	var r domain.DailyReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode daily report: %w", err)
	}
	return &r, nil
}

func (s *Store) queryDocs(ctx context.Context, query string, args ...interface{}) ([]*domain.Property, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query properties: %w", err)
	}
	defer rows.Close()

	var out []*domain.Property
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		var p domain.Property
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode property: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
