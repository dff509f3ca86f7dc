package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/grove/pkg/conversation"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteGraphSchemaV1 = `
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    thinking TEXT,
    created_at_ns INTEGER NOT NULL,
    attachments_json TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS relationships (
    parent TEXT NOT NULL,
    child TEXT NOT NULL UNIQUE,
    idx INTEGER NOT NULL,
    reason TEXT,
    PRIMARY KEY (parent, idx)
);

CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    root TEXT NOT NULL UNIQUE,
    created_at_ns INTEGER NOT NULL,
    updated_at_ns INTEGER NOT NULL,
    preview_provider TEXT NOT NULL DEFAULT '',
    preview_model TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS previews (
    chat_id TEXT PRIMARY KEY REFERENCES chats(id) ON DELETE CASCADE,
    text TEXT NOT NULL,
    updated_at_ns INTEGER NOT NULL
);
`

// DSN builds the connection string used for file backed databases.
func DSN(path string) string {
	if path == "" || path == ":memory:" {
		return "file::memory:?_foreign_keys=on"
	}
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
}

// SQLiteStore persists the graph in a SQLite database.
//
// The (parent, idx) primary key and the unique child column enforce sibling ordering and
// single parenthood at the database level, so several processes can share one file.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

var _ conversation.Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite graph store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the handle so other stores can share the same database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return err
	}
	if _, err := s.db.Exec(sqliteGraphSchemaV1); err != nil {
		return errors.Wrap(err, "could not migrate graph schema")
	}
	return nil
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed || s.db == nil {
		return errClosed
	}
	return nil
}

func isConstraintViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code == sqlite3.ErrConstraint
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func (s *SQLiteStore) PutMessage(ctx context.Context, m *conversation.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	attachments := m.Attachments
	if attachments == nil {
		attachments = []conversation.Attachment{}
	}
	b, err := json.Marshal(attachments)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages(id, role, content, thinking, created_at_ns, attachments_json) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID.String(), string(m.Role), m.Content, nullString(m.Thinking), nanos(m.CreatedAt), string(b))
	if err != nil {
		if isConstraintViolation(err) {
			return errdefs.Conflict("message %s already exists", m.ID)
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, m *conversation.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, thinking = ? WHERE id = ?`,
		m.Content, nullString(m.Thinking), m.ID.String())
	if err != nil {
		return err
	}
	return expectRow(res, errdefs.NotFound("message", m.ID))
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*conversation.Message, error) {
	var (
		id, role, content, attachments string
		thinking                       sql.NullString
		createdAt                      int64
	)
	if err := row.Scan(&id, &role, &content, &thinking, &createdAt, &attachments); err != nil {
		return nil, err
	}
	nodeID, err := conversation.ParseNodeID(id)
	if err != nil {
		return nil, err
	}
	m := &conversation.Message{
		ID:        nodeID,
		Role:      conversation.Role(role),
		Content:   content,
		Thinking:  stringPtr(thinking),
		CreatedAt: fromNanos(createdAt),
	}
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return nil, errors.Wrapf(err, "message %s has invalid attachments", id)
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	return m, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id conversation.NodeID) (*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, role, content, thinking, created_at_ns, attachments_json FROM messages WHERE id = ?`, id.String())
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("message", id)
	}
	return m, err
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id conversation.NodeID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	return expectRow(res, errdefs.NotFound("message", id))
}

func (s *SQLiteStore) InsertRelationship(ctx context.Context, r conversation.Relationship) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relationships(parent, child, idx, reason) VALUES (?, ?, ?, ?)`,
		r.Parent.String(), r.Child.String(), int64(r.Index), nullString(r.Reason))
	if err != nil {
		if isConstraintViolation(err) {
			return errdefs.Conflict("relationship %s -> %s at index %d violates sibling constraints", r.Parent, r.Child, r.Index)
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) DeleteRelationship(ctx context.Context, parent conversation.NodeID, child conversation.NodeID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM relationships WHERE parent = ? AND child = ?`, parent.String(), child.String())
	if err != nil {
		return err
	}
	return expectRow(res, errdefs.NotFoundf("relationship", parent.String()+"->"+child.String()))
}

func scanRelationship(row rowScanner) (conversation.Relationship, error) {
	var (
		parent, child string
		idx           int64
		reason        sql.NullString
	)
	if err := row.Scan(&parent, &child, &idx, &reason); err != nil {
		return conversation.Relationship{}, err
	}
	p, err := conversation.ParseNodeID(parent)
	if err != nil {
		return conversation.Relationship{}, err
	}
	c, err := conversation.ParseNodeID(child)
	if err != nil {
		return conversation.Relationship{}, err
	}
	return conversation.Relationship{Parent: p, Child: c, Index: uint32(idx), Reason: stringPtr(reason)}, nil
}

func (s *SQLiteStore) ChildrenOf(ctx context.Context, parent conversation.NodeID) ([]conversation.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT parent, child, idx, reason FROM relationships WHERE parent = ? ORDER BY idx ASC`, parent.String())
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []conversation.Relationship{}
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) ParentOf(ctx context.Context, child conversation.NodeID) (*conversation.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT parent, child, idx, reason FROM relationships WHERE child = ?`, child.String())
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

const chatColumns = `id, root, created_at_ns, updated_at_ns, preview_provider, preview_model`

func scanChat(row rowScanner) (*conversation.Chat, error) {
	var (
		id, root                      string
		createdAt, updatedAt          int64
		previewProvider, previewModel string
	)
	if err := row.Scan(&id, &root, &createdAt, &updatedAt, &previewProvider, &previewModel); err != nil {
		return nil, err
	}
	chatID, err := conversation.ParseNodeID(id)
	if err != nil {
		return nil, err
	}
	rootID, err := conversation.ParseNodeID(root)
	if err != nil {
		return nil, err
	}
	return &conversation.Chat{
		ID:              chatID,
		Root:            rootID,
		CreatedAt:       fromNanos(createdAt),
		UpdatedAt:       fromNanos(updatedAt),
		PreviewProvider: previewProvider,
		PreviewModel:    previewModel,
	}, nil
}

func (s *SQLiteStore) PutChat(ctx context.Context, c *conversation.Chat) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chats(`+chatColumns+`) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    updated_at_ns = MAX(chats.updated_at_ns, excluded.updated_at_ns),
    preview_provider = excluded.preview_provider,
    preview_model = excluded.preview_model`,
		c.ID.String(), c.Root.String(), nanos(c.CreatedAt), nanos(c.UpdatedAt), c.PreviewProvider, c.PreviewModel)
	if err != nil {
		if isConstraintViolation(err) {
			return errdefs.Conflict("message %s is already the root of a chat", c.Root)
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, id conversation.NodeID) (*conversation.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	c, err := scanChat(s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("chat", id)
	}
	return c, err
}

func (s *SQLiteStore) ChatByRoot(ctx context.Context, root conversation.NodeID) (*conversation.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	c, err := scanChat(s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE root = ?`, root.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) ListChats(ctx context.Context) ([]*conversation.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+chatColumns+` FROM chats ORDER BY created_at_ns ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []*conversation.Chat{}
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, c)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) TouchChat(ctx context.Context, root conversation.NodeID, t time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE chats SET updated_at_ns = MAX(updated_at_ns, ?) WHERE root = ?`, nanos(t), root.String())
	return err
}

func (s *SQLiteStore) DeleteChat(ctx context.Context, id conversation.NodeID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM previews WHERE chat_id = ?`, id.String()); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	if err := expectRow(res, errdefs.NotFound("chat", id)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) PutPreview(ctx context.Context, p *conversation.Preview) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO previews(chat_id, text, updated_at_ns) VALUES (?, ?, ?)
ON CONFLICT(chat_id) DO UPDATE SET text = excluded.text, updated_at_ns = excluded.updated_at_ns`,
		p.ChatID.String(), p.Text, nanos(p.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return errdefs.NotFound("chat", p.ChatID)
		}
		return err
	}
	return nil
}

func scanPreview(row rowScanner) (*conversation.Preview, error) {
	var (
		chatID, text string
		updatedAt    int64
	)
	if err := row.Scan(&chatID, &text, &updatedAt); err != nil {
		return nil, err
	}
	id, err := conversation.ParseNodeID(chatID)
	if err != nil {
		return nil, err
	}
	return &conversation.Preview{ChatID: id, Text: text, UpdatedAt: fromNanos(updatedAt)}, nil
}

func (s *SQLiteStore) GetPreview(ctx context.Context, chatID conversation.NodeID) (*conversation.Preview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	p, err := scanPreview(s.db.QueryRowContext(ctx,
		`SELECT chat_id, text, updated_at_ns FROM previews WHERE chat_id = ?`, chatID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("preview", chatID)
	}
	return p, err
}

func (s *SQLiteStore) ListPreviews(ctx context.Context) ([]*conversation.Preview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, text, updated_at_ns FROM previews ORDER BY chat_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []*conversation.Preview{}
	for rows.Next() {
		p, err := scanPreview(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, p)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
