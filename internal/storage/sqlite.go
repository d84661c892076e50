package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLStore keeps slots in a single SQL table.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore wraps an open database whose schema is already migrated.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// OpenSQLite opens (creating if needed) a SQLite slot database.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	// modernc.org/sqlite registers as "sqlite".
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}
	store := NewSQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the slots table.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS slots (
		name TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("migrate slots: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, slot Slot) ([]byte, error) {
	if err := validSlot(slot); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM slots WHERE name = ?`, string(slot)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s slot: %w", slot, err)
	}
	return value, nil
}

func (s *SQLStore) Put(ctx context.Context, slot Slot, value []byte) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slots (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(slot), value, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put %s slot: %w", slot, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, slot Slot) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM slots WHERE name = ?`, string(slot)); err != nil {
		return fmt.Errorf("delete %s slot: %w", slot, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
