package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLStore is the default MetadataStore backing, a single sqlite database
// file holding every namespace in one records table keyed by (namespace,
// id). A pure-Go driver (modernc.org/sqlite)
// keeps the core's binary self-contained with no cgo toolchain dependency.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating if absent) the sqlite database at path and
// ensures its schema exists.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers; avoid SQLITE_BUSY under concurrency

	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			namespace TEXT NOT NULL,
			id        TEXT NOT NULL,
			payload   BLOB NOT NULL,
			version   INTEGER NOT NULL,
			PRIMARY KEY (namespace, id)
		)`)
	if err != nil {
		return fmt.Errorf("running schema migration: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, ns Namespace, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload, version FROM records WHERE namespace = ? AND id = ?`, string(ns), id)

	var rec Record
	rec.ID = id
	if err := row.Scan(&rec.Payload, &rec.Version); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get %s/%s: %w", ns, id, err)
	}
	return rec, nil
}

func (s *SQLStore) Put(ctx context.Context, ns Namespace, id string, payload []byte) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin put tx: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx, `SELECT version FROM records WHERE namespace = ? AND id = ?`, string(ns), id).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		version = 1
		if _, err := tx.ExecContext(ctx, `INSERT INTO records (namespace, id, payload, version) VALUES (?, ?, ?, ?)`,
			string(ns), id, payload, version); err != nil {
			return Record{}, fmt.Errorf("insert %s/%s: %w", ns, id, err)
		}
	case err != nil:
		return Record{}, fmt.Errorf("put %s/%s: %w", ns, id, err)
	default:
		version++
		if _, err := tx.ExecContext(ctx, `UPDATE records SET payload = ?, version = ? WHERE namespace = ? AND id = ?`,
			payload, version, string(ns), id); err != nil {
			return Record{}, fmt.Errorf("update %s/%s: %w", ns, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit put %s/%s: %w", ns, id, err)
	}
	return Record{ID: id, Payload: payload, Version: version}, nil
}

func (s *SQLStore) Delete(ctx context.Context, ns Namespace, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE namespace = ? AND id = ?`, string(ns), id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", ns, id, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, ns Namespace) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload, version FROM records WHERE namespace = ?`, string(ns))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ns, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Payload, &rec.Version); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", ns, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CompareAndSwap conditions the write on the namespace/id's current version
// matching expectedVersion, inside a single transaction so concurrent
// callers racing on the same record never both win.
func (s *SQLStore) CompareAndSwap(ctx context.Context, ns Namespace, id string, expectedVersion int, newPayload []byte) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin cas tx: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int
	err = tx.QueryRowContext(ctx, `SELECT version FROM records WHERE namespace = ? AND id = ?`, string(ns), id).Scan(&currentVersion)
	switch {
	case err == sql.ErrNoRows:
		currentVersion = 0
	case err != nil:
		return Record{}, fmt.Errorf("cas read %s/%s: %w", ns, id, err)
	}

	if currentVersion != expectedVersion {
		return Record{}, ErrCASMismatch
	}

	newVersion := currentVersion + 1
	if currentVersion == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO records (namespace, id, payload, version) VALUES (?, ?, ?, ?)`,
			string(ns), id, newPayload, newVersion); err != nil {
			return Record{}, fmt.Errorf("cas insert %s/%s: %w", ns, id, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE records SET payload = ?, version = ? WHERE namespace = ? AND id = ?`,
			newPayload, newVersion, string(ns), id); err != nil {
			return Record{}, fmt.Errorf("cas update %s/%s: %w", ns, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit cas %s/%s: %w", ns, id, err)
	}
	return Record{ID: id, Payload: newPayload, Version: newVersion}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
