package providers

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-go-golems/grove/pkg/errdefs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteProvidersSchemaV1 = `
CREATE TABLE IF NOT EXISTS providers (
    id TEXT PRIMARY KEY,
    payload_json TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore keeps one JSON payload per provider row, mirrored in memory for reads.
type SQLiteStore struct {
	mu     sync.RWMutex
	mirror *MemoryStore
	db     *sql.DB
	ownsDB bool
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens dsn and owns the resulting handle.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errdefs.Config("db", "empty provider store dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s, err := newSQLiteStore(db, true)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB shares a handle opened elsewhere, typically the conversation store's.
// Closing the store leaves the handle open.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	return newSQLiteStore(db, false)
}

func newSQLiteStore(db *sql.DB, ownsDB bool) (*SQLiteStore, error) {
	s := &SQLiteStore{
		mirror: NewMemoryStore(),
		db:     db,
		ownsDB: ownsDB,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.loadFromDB(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(sqliteProvidersSchemaV1); err != nil {
		return errors.Wrap(err, "could not migrate providers table")
	}
	return nil
}

func (s *SQLiteStore) loadFromDB() error {
	rows, err := s.db.Query(`SELECT id, payload_json FROM providers ORDER BY id ASC`)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var id string
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		p := &Provider{}
		if err := json.Unmarshal([]byte(payload), p); err != nil {
			return errdefs.Parse(errors.Wrapf(err, "provider %s", id))
		}
		if p.ID != id {
			return errdefs.Conflict("provider id mismatch payload=%q row=%q", p.ID, id)
		}
		s.mirror.providers[id] = p
	}
	return rows.Err()
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed {
		return errors.New("sqlite provider store closed")
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.mirror.List(ctx)
}

func (s *SQLiteStore) Put(ctx context.Context, p *Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO providers (id, payload_json, updated_at_ms)
VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET payload_json = excluded.payload_json, updated_at_ms = excluded.updated_at_ms`,
		p.ID,
		string(payload),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return errors.Wrapf(err, "could not persist provider %s", p.ID)
	}
	return s.mirror.Put(ctx, p)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.mirror.Delete(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
