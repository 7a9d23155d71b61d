package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore is the relational conversation store.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("chatstore: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DSNForFile derives a sqlite DSN with WAL and foreign keys enabled.
func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("chatstore: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("chatstore: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			is_deleted INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_user ON conversations(user_id, updated_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			is_complete INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_conversation ON messages(conversation_id, id DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "chatstore: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, userID int64, title, model string) (*Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("chatstore: db is nil")
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations(user_id, title, model, is_deleted, created_at_ms, updated_at_ms)
		VALUES(?, ?, ?, 0, ?, ?)
	`, userID, title, model, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "chatstore: insert conversation")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "chatstore: conversation id")
	}
	return &Conversation{
		ID:        id,
		UserID:    userID,
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// FindConversation returns the conversation only when it exists, is owned by
// ownerID and is not soft-deleted. Everything else is ErrNotFound.
func (s *SQLiteStore) FindConversation(ctx context.Context, id, ownerID int64) (*Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("chatstore: db is nil")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, model, is_deleted, created_at_ms, updated_at_ms
		FROM conversations
		WHERE id = ? AND user_id = ? AND is_deleted = 0
	`, id, ownerID)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var deleted int
	var createdMs, updatedMs int64
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &deleted, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "chatstore: scan conversation")
	}
	c.IsDeleted = deleted != 0
	c.CreatedAt = time.UnixMilli(createdMs)
	c.UpdatedAt = time.UnixMilli(updatedMs)
	return &c, nil
}

// Touch bumps updated_at so the conversation sorts first in recency listings.
func (s *SQLiteStore) Touch(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return errors.New("chatstore: db is nil")
	}
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at_ms = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	return errors.Wrap(err, "chatstore: touch conversation")
}

func (s *SQLiteStore) Rename(ctx context.Context, id, ownerID int64, title string) error {
	if s == nil || s.db == nil {
		return errors.New("chatstore: db is nil")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at_ms = ?
		WHERE id = ? AND user_id = ? AND is_deleted = 0
	`, title, time.Now().UnixMilli(), id, ownerID)
	if err != nil {
		return errors.Wrap(err, "chatstore: rename conversation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "chatstore: rename rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete hides the conversation from all reads. The rows stay until the
// reaper physically removes them.
func (s *SQLiteStore) SoftDelete(ctx context.Context, id, ownerID int64) error {
	if s == nil || s.db == nil {
		return errors.New("chatstore: db is nil")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET is_deleted = 1, updated_at_ms = ?
		WHERE id = ? AND user_id = ? AND is_deleted = 0
	`, time.Now().UnixMilli(), id, ownerID)
	if err != nil {
		return errors.Wrap(err, "chatstore: soft delete conversation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "chatstore: soft delete rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID int64, limit int, cursor *int64) (*ConversationPage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("chatstore: db is nil")
	}
	if limit <= 0 {
		limit = DefaultConversationPageSize
	}
	clauses := []string{"user_id = ?", "is_deleted = 0"}
	args := []any{userID}
	if cursor != nil {
		clauses = append(clauses, "updated_at_ms < ?")
		args = append(args, *cursor)
	}
	query := fmt.Sprintf(`
		SELECT id, title, updated_at_ms
		FROM conversations
		WHERE %s
		ORDER BY updated_at_ms DESC
		LIMIT ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "chatstore: list conversations")
	}
	defer func() { _ = rows.Close() }()

	items := []ConversationSummary{}
	var updatedMsLast int64
	for rows.Next() {
		var it ConversationSummary
		var updatedMs int64
		if err := rows.Scan(&it.ID, &it.Title, &updatedMs); err != nil {
			return nil, err
		}
		it.UpdatedAt = time.UnixMilli(updatedMs)
		items = append(items, it)
		updatedMsLast = updatedMs
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &ConversationPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		updatedMsLast = page.Items[len(page.Items)-1].UpdatedAt.UnixMilli()
		page.NextCursor = &updatedMsLast
	}
	return page, nil
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, convID int64, role Role, content string, isComplete bool) (*Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("chatstore: db is nil")
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(conversation_id, role, content, is_complete, created_at_ms)
		VALUES(?, ?, ?, ?, ?)
	`, convID, string(role), content, boolToInt(isComplete), now.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "chatstore: insert message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "chatstore: message id")
	}
	return &Message{
		ID:             id,
		ConversationID: convID,
		Role:           role,
		Content:        content,
		IsComplete:     isComplete,
		CreatedAt:      now,
	}, nil
}

// UpdateMessage writes the terminal content of an assistant placeholder.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, id int64, content string, isComplete bool, tokenCount *int) error {
	if s == nil || s.db == nil {
		return errors.New("chatstore: db is nil")
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, is_complete = ?, token_count = ?
		WHERE id = ?
	`, content, boolToInt(isComplete), tokenCount, id)
	return errors.Wrap(err, "chatstore: update message")
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("chatstore: db is nil")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, is_complete, token_count, created_at_ms
		FROM messages WHERE id = ?
	`, id)
	var m Message
	var complete int
	var createdMs int64
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &complete, &m.TokenCount, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "chatstore: scan message")
	}
	m.IsComplete = complete != 0
	m.CreatedAt = time.UnixMilli(createdMs)
	return &m, nil
}

// ListMessages returns a newest-first page ordered by id descending.
func (s *SQLiteStore) ListMessages(ctx context.Context, convID int64, limit int, cursor *int64) (*MessagePage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("chatstore: db is nil")
	}
	if limit <= 0 {
		limit = DefaultMessagePageSize
	}
	clauses := []string{"conversation_id = ?"}
	args := []any{convID}
	if cursor != nil {
		clauses = append(clauses, "id < ?")
		args = append(args, *cursor)
	}
	query := fmt.Sprintf(`
		SELECT id, conversation_id, role, content, is_complete, token_count, created_at_ms
		FROM messages
		WHERE %s
		ORDER BY id DESC
		LIMIT ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "chatstore: list messages")
	}
	defer func() { _ = rows.Close() }()

	items := []Message{}
	for rows.Next() {
		var m Message
		var complete int
		var createdMs int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &complete, &m.TokenCount, &createdMs); err != nil {
			return nil, err
		}
		m.IsComplete = complete != 0
		m.CreatedAt = time.UnixMilli(createdMs)
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &MessagePage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[len(page.Items)-1].ID
		page.NextCursor = &last
	}
	return page, nil
}

// RecentMessages returns the last n complete messages in chronological order,
// used to rebuild the context window when the cache is empty.
func (s *SQLiteStore) RecentMessages(ctx context.Context, convID int64, n int) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("chatstore: db is nil")
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, is_complete, token_count, created_at_ms
		FROM messages
		WHERE conversation_id = ? AND is_complete = 1
		ORDER BY id DESC
		LIMIT ?
	`, convID, n)
	if err != nil {
		return nil, errors.Wrap(err, "chatstore: recent messages")
	}
	defer func() { _ = rows.Close() }()

	items := []Message{}
	for rows.Next() {
		var m Message
		var complete int
		var createdMs int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &complete, &m.TokenCount, &createdMs); err != nil {
			return nil, err
		}
		m.IsComplete = complete != 0
		m.CreatedAt = time.UnixMilli(createdMs)
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse to chronological order
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// ReapDeleted physically removes conversations soft-deleted before the cutoff,
// cascading to their messages. Returns the number of conversations removed.
func (s *SQLiteStore) ReapDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("chatstore: db is nil")
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id IN (
			SELECT id FROM conversations WHERE is_deleted = 1 AND updated_at_ms < ?
		)
	`, cutoff.UnixMilli()); err != nil {
		return 0, errors.Wrap(err, "chatstore: reap messages")
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE is_deleted = 1 AND updated_at_ms < ?
	`, cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "chatstore: reap conversations")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "chatstore: reap rows affected")
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
