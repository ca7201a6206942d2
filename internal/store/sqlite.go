package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no export matches.
var ErrNotFound = errors.New("export not found")

// Store provides SQLite-backed persistence
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
	// Exports run concurrently in batch mode; one connection serializes
	// writers and keeps ":memory:" databases on a single connection.
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

	logger.Debug("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func unixOrNull(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timeOrZero(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

// CreateExport inserts a new record. CreatedAt defaults to now.
func (s *Store) CreateExport(rec *ExportRecord) error {
	const query = `
		INSERT INTO exports (
			id, path, identity, status, item_count, source_bytes, container_bytes,
			size_constrained, split, error_message, created_at, completed_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}

	_, err := s.db.Exec(
		query,
		rec.ID, rec.Path, rec.Identity, rec.Status, rec.ItemCount, rec.SourceBytes,
		rec.ContainerBytes, rec.SizeConstrained, rec.Split, rec.ErrorMessage,
		rec.CreatedAt.Unix(), unixOrNull(rec.CompletedAt), unixOrNull(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert export: %w", err)
	}
	return nil
}

// CompleteExport records the final totals and status of an export.
func (s *Store) CompleteExport(rec *ExportRecord) error {
	const query = `
		UPDATE exports SET
			status = ?, item_count = ?, source_bytes = ?, container_bytes = ?,
			size_constrained = ?, split = ?, completed_at = ?, expires_at = ?
		WHERE id = ?
	`

	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	result, err := s.db.Exec(
		query,
		rec.Status, rec.ItemCount, rec.SourceBytes, rec.ContainerBytes,
		rec.SizeConstrained, rec.Split, unixOrNull(rec.CompletedAt), unixOrNull(rec.ExpiresAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update export: %w", err)
	}
	return checkAffected(result, rec.ID)
}

// FailExport marks an export failed with the given error.
func (s *Store) FailExport(id string, cause error, at time.Time) error {
	const query = `
		UPDATE exports SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	result, err := s.db.Exec(query, StatusFailed, msg, unixOrNull(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark export failed: %w", err)
	}
	return checkAffected(result, id)
}

func checkAffected(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectExports = `
	SELECT id, path, identity, status, item_count, source_bytes, container_bytes,
	       size_constrained, split, error_message, created_at, completed_at, expires_at
	FROM exports
`

type scanner interface {
	Scan(dest ...any) error
}

func scanExport(row scanner) (*ExportRecord, error) {
	var (
		rec                  ExportRecord
		created              int64
		completed, expiresAt sql.NullInt64
	)
	err := row.Scan(
		&rec.ID, &rec.Path, &rec.Identity, &rec.Status, &rec.ItemCount,
		&rec.SourceBytes, &rec.ContainerBytes, &rec.SizeConstrained, &rec.Split,
		&rec.ErrorMessage, &created, &completed, &expiresAt,
	)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.CompletedAt = timeOrZero(completed)
	rec.ExpiresAt = timeOrZero(expiresAt)
	return &rec, nil
}

// GetExport retrieves an export by id or by directory path.
func (s *Store) GetExport(idOrPath string) (*ExportRecord, error) {
	row := s.db.QueryRow(selectExports+" WHERE id = ? OR path = ?", idOrPath, idOrPath)
	rec, err := scanExport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrPath)
		}
		return nil, fmt.Errorf("failed to query export: %w", err)
	}
	return rec, nil
}

// ListExports returns exports, newest first. A limit of zero returns all.
func (s *Store) ListExports(limit int) ([]ExportRecord, error) {
	query := selectExports + " ORDER BY created_at DESC, id"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryExports(query, args...)
}

// ListExpiredExports returns finished exports whose expiry is at or before now.
func (s *Store) ListExpiredExports(now time.Time) ([]ExportRecord, error) {
	query := selectExports + " WHERE expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at"
	return s.queryExports(query, now.Unix())
}

func (s *Store) queryExports(query string, args ...any) ([]ExportRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exports: %w", err)
	}
	defer rows.Close()

	var recs []ExportRecord
	for rows.Next() {
		rec, err := scanExport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan export: %w", err)
		}
		recs = append(recs, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exports: %w", err)
	}
	return recs, nil
}

// DeleteExport removes the tracking record for an export.
func (s *Store) DeleteExport(id string) error {
	result, err := s.db.Exec("DELETE FROM exports WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete export: %w", err)
	}
	return checkAffected(result, id)
}
