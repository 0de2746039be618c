package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a measurement does not exist
var ErrNotFound = errors.New("measurement not found")

// Store provides SQLite-backed persistence of measurement history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

const measurementColumns = `
	id, created_at, download_mbps, upload_mbps, upload_estimated, ping_ms,
	ip, country, city, region, isp, failed_probes, report_json
`

// SaveMeasurement inserts m, assigning a new ID when it has none
func (s *Store) SaveMeasurement(m *Measurement) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	query := `INSERT INTO measurements (` + measurementColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(
		query,
		m.ID, m.CreatedAt.UTC(), m.DownloadMbps, m.UploadMbps, m.UploadEstimated, m.PingMs,
		m.IP, m.Country, m.City, m.Region, m.ISP,
		strings.Join(m.FailedProbes, ","), m.ReportJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}
	return nil
}

// GetMeasurement retrieves a measurement by ID
func (s *Store) GetMeasurement(id string) (*Measurement, error) {
	query := `SELECT ` + measurementColumns + ` FROM measurements WHERE id = ?`

	m, err := scanMeasurement(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to query measurement: %w", err)
	}
	return m, nil
}

// ListMeasurements returns measurements newest first. A limit <= 0 returns all.
func (s *Store) ListMeasurements(limit int) ([]Measurement, error) {
	query := `SELECT ` + measurementColumns + ` FROM measurements ORDER BY created_at DESC, rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		out = append(out, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating measurements: %w", err)
	}

	return out, nil
}

// CountMeasurements returns the number of stored measurements
func (s *Store) CountMeasurements() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM measurements").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count measurements: %w", err)
	}
	return n, nil
}

// PruneMeasurements keeps the newest keep measurements and deletes the rest.
// It returns the number of deleted rows. A keep <= 0 deletes nothing.
func (s *Store) PruneMeasurements(keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	const query = `
		DELETE FROM measurements WHERE rowid NOT IN (
			SELECT rowid FROM measurements ORDER BY created_at DESC, rowid DESC LIMIT ?
		)
	`
	result, err := s.db.Exec(query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune measurements: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("pruned measurement history", "deleted", n, "kept", keep)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMeasurement(row rowScanner) (*Measurement, error) {
	m := &Measurement{}
	var failed string
	err := row.Scan(
		&m.ID, &m.CreatedAt, &m.DownloadMbps, &m.UploadMbps, &m.UploadEstimated, &m.PingMs,
		&m.IP, &m.Country, &m.City, &m.Region, &m.ISP, &failed, &m.ReportJSON,
	)
	if err != nil {
		return nil, err
	}
	if failed != "" {
		m.FailedProbes = strings.Split(failed, ",")
	}
	return m, nil
}
