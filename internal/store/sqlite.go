package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/lumenwell/anchor/internal/types"
)

const metaKeyLastBackup = "last_backup_at"

// SQLiteStore is the SQLite-backed record database.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRecord stores a new record in the owner's collection.
// A dated check-in replaces the owner's existing live check-in for the same
// date, keeping its id. Other collections may hold many records per day.
func (s *SQLiteStore) CreateRecord(ctx context.Context, ownerID, collection string, rec types.NewRecord) (*types.Record, error) {
	if !types.IsKnownCollection(collection) {
		return nil, ErrUnknownCollection
	}

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if rec.Date != "" && collection == string(types.CollectionCheckins) {
		// Same-day check-in replaces rather than duplicates.
		var existingID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM records
			WHERE owner_id = ? AND collection = ? AND date = ? AND deleted_at IS NULL
		`, ownerID, collection, rec.Date).Scan(&existingID)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `
				UPDATE records SET payload = ?, updated_at = ? WHERE id = ?
			`, string(rec.Payload), nowStr, existingID); err != nil {
				return nil, fmt.Errorf("replace daily record: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("commit transaction: %w", err)
			}
			return s.GetRecord(ctx, ownerID, collection, existingID)
		case err != sql.ErrNoRows:
			return nil, fmt.Errorf("check existing daily record: %w", err)
		}
	}

	id := ulid.Make().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (id, owner_id, collection, date, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, ownerID, collection, nullableDate(rec.Date), string(rec.Payload), nowStr, nowStr)
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &types.Record{
		ID:         id,
		OwnerID:    ownerID,
		Collection: collection,
		Date:       rec.Date,
		Payload:    rec.Payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// UpdateRecord replaces the payload of an existing record. Last write wins.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, ownerID, collection, id string, upd types.UpdateRecord) (*types.Record, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `
		UPDATE records SET payload = ?, date = COALESCE(?, date), updated_at = ?
		WHERE id = ? AND owner_id = ? AND collection = ? AND deleted_at IS NULL
	`, string(upd.Payload), nullableDate(upd.Date), now, id, ownerID, collection)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	return s.GetRecord(ctx, ownerID, collection, id)
}

// GetRecord retrieves a record by id.
func (s *SQLiteStore) GetRecord(ctx context.Context, ownerID, collection, id string) (*types.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, collection, date, payload, created_at, updated_at
		FROM records
		WHERE id = ? AND owner_id = ? AND collection = ? AND deleted_at IS NULL
	`, id, ownerID, collection)

	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan row: %w", err)
	}

	return rec, nil
}

// QueryRecords returns live records in the owner's collection, most recent first.
func (s *SQLiteStore) QueryRecords(ctx context.Context, ownerID, collection string, q types.RecordQuery) (*types.QueryResult, error) {
	if !types.IsKnownCollection(collection) {
		return nil, ErrUnknownCollection
	}

	query := `
		SELECT id, owner_id, collection, date, payload, created_at, updated_at
		FROM records
		WHERE owner_id = ? AND collection = ? AND deleted_at IS NULL
	`
	args := []any{ownerID, collection}

	if q.Since != "" {
		query += " AND date >= ?"
		args = append(args, q.Since)
	}
	if q.Until != "" {
		query += " AND date <= ?"
		args = append(args, q.Until)
	}

	query += " ORDER BY date DESC, created_at DESC"

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return &types.QueryResult{
		Records: records,
		AsOf:    time.Now().UTC(),
	}, nil
}

// DeleteRecord soft-deletes a record.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, ownerID, collection, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx, `
		UPDATE records SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND collection = ? AND deleted_at IS NULL
	`, now, now, id, ownerID, collection)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetStats returns aggregate store statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*types.StoreStats, error) {
	var recordCount, ownerCount int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE deleted_at IS NULL").Scan(&recordCount)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT owner_id) FROM records WHERE deleted_at IS NULL").Scan(&ownerCount)
	if err != nil {
		return nil, fmt.Errorf("count owners: %w", err)
	}

	stats := &types.StoreStats{
		RecordCount: recordCount,
		OwnerCount:  ownerCount,
	}

	var lastBackup string
	err = s.db.QueryRowContext(ctx,
		"SELECT value FROM store_meta WHERE key = ?", metaKeyLastBackup).Scan(&lastBackup)
	if err == nil {
		if t, perr := time.Parse(time.RFC3339, lastBackup); perr == nil {
			stats.LastBackup = &t
		}
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("read last backup: %w", err)
	}

	return stats, nil
}

// GenerateBackup writes a consistent copy of the database next to the live file.
// VACUUM INTO produces a standalone database without stopping writers.
func (s *SQLiteStore) GenerateBackup(ctx context.Context) error {
	path := s.backupPath()

	// VACUUM INTO refuses to overwrite an existing file.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale backup: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaKeyLastBackup, now)
	if err != nil {
		return fmt.Errorf("record backup time: %w", err)
	}

	return nil
}

// GetBackupPath returns the path of the most recent backup file.
func (s *SQLiteStore) GetBackupPath(ctx context.Context) (string, error) {
	path := s.backupPath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoBackup
		}
		return "", fmt.Errorf("stat backup: %w", err)
	}
	return path, nil
}

func (s *SQLiteStore) backupPath() string {
	return s.dbPath + ".backup"
}

func nullableDate(date string) any {
	if date == "" {
		return nil
	}
	return date
}

// scanRecord scans a row into a Record, parsing timestamps.
func scanRecord(scanner interface{ Scan(...any) error }) (*types.Record, error) {
	var rec types.Record
	var date sql.NullString
	var payload string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Collection,
		&date,
		&payload,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if date.Valid {
		rec.Date = date.String
	}
	rec.Payload = []byte(payload)

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		rec.UpdatedAt = t
	}

	return &rec, nil
}
