package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/papiche/UPassport-sub000/pkg/permit"
)

// SQLiteStore keeps all four entity mappings in sqlite. Save replaces the
// full snapshot inside a single transaction, which gives the same
// no-torn-reads guarantee as the file backend's rename.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or reuses) the database and runs migrations.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens a sqlite database at the given DSN.
func OpenSQLiteStore(dsn string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	return NewSQLiteStore(db, logger)
}

var sqliteTables = []string{"permit_definitions", "permit_requests", "permit_attestations", "permit_credentials"}

func (s *SQLiteStore) migrate() error {
	for _, table := range sqliteTables {
		query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        id TEXT PRIMARY KEY,
        record JSON NOT NULL
	);`, table)
		if _, err := s.db.ExecContext(context.Background(), query); err != nil {
			return fmt.Errorf("store: migrate %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()

	if err := loadTable(ctx, s, "permit_definitions", snap.Definitions, func(d *permit.Definition) error {
		if d.ID == "" {
			return fmt.Errorf("missing id")
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := loadTable(ctx, s, "permit_requests", snap.Requests, func(r *permit.Request) error {
		_, err := permit.ParseStatus(string(r.Status))
		return err
	}); err != nil {
		return nil, err
	}
	if err := loadTable(ctx, s, "permit_attestations", snap.Attestations, func(a *permit.Attestation) error {
		if a.AttestationID == "" {
			return fmt.Errorf("missing id")
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := loadTable(ctx, s, "permit_credentials", snap.Credentials, func(c *permit.Credential) error {
		_, err := permit.ParseStatus(string(c.Status))
		return err
	}); err != nil {
		return nil, err
	}

	return snap, nil
}

func loadTable[T any](ctx context.Context, s *SQLiteStore, table string, dest map[string]*T, validate func(*T) error) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT id, record FROM %s", table))
	if err != nil {
		return fmt.Errorf("store: query %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		var record []byte
		if err := rows.Scan(&id, &record); err != nil {
			return fmt.Errorf("store: scan %s: %w", table, err)
		}
		var v T
		if err := json.Unmarshal(record, &v); err != nil {
			s.logger.Warn("skipping corrupt record", "table", table, "id", id, "err", err)
			continue
		}
		if err := validate(&v); err != nil {
			s.logger.Warn("skipping invalid record", "table", table, "id", id, "err", err)
			continue
		}
		dest[id] = &v
	}
	return rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := saveTable(ctx, tx, "permit_definitions", snap.Definitions); err != nil {
		return err
	}
	if err := saveTable(ctx, tx, "permit_requests", snap.Requests); err != nil {
		return err
	}
	if err := saveTable(ctx, tx, "permit_attestations", snap.Attestations); err != nil {
		return err
	}
	if err := saveTable(ctx, tx, "permit_credentials", snap.Credentials); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit save: %w", err)
	}
	return nil
}

func saveTable[T any](ctx context.Context, tx *sql.Tx, table string, records map[string]*T) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return fmt.Errorf("store: clear %s: %w", table, err)
	}
	query := fmt.Sprintf("INSERT INTO %s (id, record) VALUES (?, ?)", table)
	for id, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("store: marshal %s/%s: %w", table, id, err)
		}
		if _, err := tx.ExecContext(ctx, query, id, raw); err != nil {
			return fmt.Errorf("store: insert %s/%s: %w", table, id, err)
		}
	}
	return nil
}
