package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SQLiteStore is a Store backed by SQLite (modernc.org/sqlite driver).
//
// The *sql.DB is owned by the caller. Writes are serialized in-process by a
// mutex, matching SQLite's single writer.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
  id              TEXT PRIMARY KEY,
  kind            TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
  direct_key      TEXT UNIQUE,
  last_message_id TEXT,
  last_message_at INTEGER,
  created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_members (
  conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
  user_id         TEXT NOT NULL,
  joined_at       INTEGER NOT NULL,
  PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_members_user ON conversation_members (user_id);

CREATE TABLE IF NOT EXISTS messages (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
  seq             INTEGER NOT NULL,
  sender_id       TEXT NOT NULL,
  content         TEXT NOT NULL,
  kind            TEXT NOT NULL,
  client_msg_id   TEXT,
  is_read         INTEGER NOT NULL DEFAULT 0,
  read_at         INTEGER,
  created_at      INTEGER NOT NULL,
  UNIQUE (conversation_id, seq),
  UNIQUE (conversation_id, sender_id, client_msg_id)
);
`

// NewSQLiteStore constructs the store and ensures its tables exist.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("messaging: nil sqlite db")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("messaging: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close is a no-op because the db is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }

// CreateDirectConversation implements Store.
func (s *SQLiteStore) CreateDirectConversation(ctx context.Context, in CreateDirectInput) (Conversation, bool, error) {
	const op = "messaging.CreateDirectConversation"
	a, b := strings.TrimSpace(in.UserA), strings.TrimSpace(in.UserB)
	if in.ID == "" || a == "" || b == "" || a == b {
		return Conversation{}, false, invalid(op, "two distinct users and an id are required")
	}
	now := nowOr(in.Now)
	key := DirectKey(a, b)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, kind, direct_key, created_at) VALUES (?, 'direct', ?, ?)
		 ON CONFLICT (direct_key) DO NOTHING`,
		in.ID, key, now.UnixMilli(),
	)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var id string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE direct_key = ?`, key).Scan(&id); err != nil {
			return Conversation{}, false, fmt.Errorf("lookup direct conversation: %w", err)
		}
		c, err := sqliteGetConversation(ctx, tx, id)
		if err != nil {
			return Conversation{}, false, err
		}
		return c, false, tx.Commit()
	}

	if err := sqliteInsertMembers(ctx, tx, in.ID, []string{a, b}, now); err != nil {
		return Conversation{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, false, err
	}
	return Conversation{
		ID:             in.ID,
		Kind:           KindDirect,
		ParticipantIDs: normalizeParticipants([]string{a, b}),
		CreatedAt:      time.UnixMilli(now.UnixMilli()).UTC(),
	}, true, nil
}

// CreateGroupConversation implements Store.
func (s *SQLiteStore) CreateGroupConversation(ctx context.Context, in CreateGroupInput) (Conversation, error) {
	const op = "messaging.CreateGroupConversation"
	parts := normalizeParticipants(in.ParticipantIDs)
	if in.ID == "" || len(parts) < 2 {
		return Conversation{}, invalid(op, "an id and at least two participants are required")
	}
	now := nowOr(in.Now)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, kind, created_at) VALUES (?, 'group', ?)`,
		in.ID, now.UnixMilli(),
	); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if err := sqliteInsertMembers(ctx, tx, in.ID, parts, now); err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, err
	}
	return Conversation{ID: in.ID, Kind: KindGroup, ParticipantIDs: parts, CreatedAt: time.UnixMilli(now.UnixMilli()).UTC()}, nil
}

func sqliteInsertMembers(ctx context.Context, tx *sql.Tx, conversationID string, users []string, now time.Time) error {
	for _, u := range users {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, joined_at) VALUES (?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			conversationID, u, now.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}
	return nil
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// GetConversation implements Store.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	return sqliteGetConversation(ctx, s.db, conversationID)
}

func sqliteGetConversation(ctx context.Context, q sqliteQuerier, conversationID string) (Conversation, error) {
	c, err := scanSQLiteConversation(q.QueryRowContext(ctx,
		`SELECT id, kind, COALESCE(last_message_id, ''), last_message_at, created_at
		   FROM conversations WHERE id = ?`,
		conversationID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, opErr("messaging.GetConversation", ErrConversationNotFound, nil)
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.ParticipantIDs, err = sqliteMembers(ctx, q, c.ID); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteConversation(row scanner) (Conversation, error) {
	var (
		c       Conversation
		kind    string
		lastAt  sql.NullInt64
		created int64
	)
	if err := row.Scan(&c.ID, &kind, &c.LastMessageID, &lastAt, &created); err != nil {
		return Conversation{}, err
	}
	c.Kind = ConversationKind(kind)
	c.CreatedAt = time.UnixMilli(created).UTC()
	if lastAt.Valid {
		at := time.UnixMilli(lastAt.Int64).UTC()
		c.LastMessageAt = &at
	}
	return c, nil
}

func sqliteMembers(ctx context.Context, q sqliteQuerier, conversationID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListConversations implements Store.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.kind, COALESCE(c.last_message_id, ''), c.last_message_at, c.created_at
		   FROM conversations c
		   JOIN conversation_members m ON m.conversation_id = c.id
		  WHERE m.user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	var out []Conversation
	for rows.Next() {
		c, err := scanSQLiteConversation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].ParticipantIDs, err = sqliteMembers(ctx, s.db, out[i].ID); err != nil {
			return nil, err
		}
	}
	sortConversations(out)
	return out, nil
}

// AppendMessage implements Store.
func (s *SQLiteStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "messaging.AppendMessage"
	if in.ID == "" || in.ConversationID == "" || in.SenderID == "" || in.Content == "" {
		return AppendMessageResult{}, invalid(op, "id, conversation, sender and content are required")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	now := nowOr(in.Now)
	// Stored at millisecond precision; return what a later read would see.
	now = time.UnixMilli(now.UnixMilli()).UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, in.ConversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return AppendMessageResult{}, opErr(op, ErrConversationNotFound, nil)
	}
	if err != nil {
		return AppendMessageResult{}, err
	}

	if in.ClientMsgID != "" {
		existing, err := scanSQLiteMessage(tx.QueryRowContext(ctx,
			`SELECT `+sqliteMessageColumns+` FROM messages
			  WHERE conversation_id = ? AND sender_id = ? AND client_msg_id = ?`,
			in.ConversationID, in.SenderID, in.ClientMsgID,
		))
		if err == nil {
			return AppendMessageResult{Message: existing, Duplicated: true}, tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`, in.ConversationID,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, sender_id, content, kind, client_msg_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)`,
		in.ID, in.ConversationID, seq, in.SenderID, in.Content, string(in.Kind), in.ClientMsgID, now.UnixMilli(),
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = ?, last_message_at = ? WHERE id = ?`,
		in.ID, now.UnixMilli(), in.ConversationID,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("update conversation pointer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return AppendMessageResult{}, err
	}

	return AppendMessageResult{Message: Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Kind:           in.Kind,
		Seq:            seq,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      now,
	}}, nil
}

const sqliteMessageColumns = `id, conversation_id, seq, sender_id, content, kind, COALESCE(client_msg_id, ''), is_read, read_at, created_at`

func scanSQLiteMessage(row scanner) (Message, error) {
	var (
		m       Message
		kind    string
		isRead  int64
		readAt  sql.NullInt64
		created int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.Content, &kind, &m.ClientMsgID, &isRead, &readAt, &created); err != nil {
		return Message{}, err
	}
	m.Kind = MessageKind(kind)
	m.IsRead = isRead != 0
	if readAt.Valid {
		at := time.UnixMilli(readAt.Int64).UTC()
		m.ReadAt = &at
	}
	m.CreatedAt = time.UnixMilli(created).UTC()
	return m, nil
}

// ListMessages implements Store.
func (s *SQLiteStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if in.ConversationID == "" {
		return ListMessagesResult{}, invalid("messaging.ListMessages", "conversation id is required")
	}
	limit := clampLimit(in.Limit)
	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages
		  WHERE conversation_id = ? AND seq > ?
		  ORDER BY seq ASC LIMIT ?`,
		in.ConversationID, after, limit+1,
	)
	if err != nil {
		return ListMessagesResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit+1)
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return ListMessagesResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListMessagesResult{}, err
	}
	if len(msgs) == 0 {
		if _, err := s.GetConversation(ctx, in.ConversationID); err != nil {
			return ListMessagesResult{}, err
		}
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ListMessagesResult{Messages: msgs, HasMore: hasMore}, nil
}

// MarkRead implements Store.
func (s *SQLiteStore) MarkRead(ctx context.Context, in MarkReadInput) ([]string, error) {
	if in.ConversationID == "" || in.ReaderID == "" {
		return nil, invalid("messaging.MarkRead", "conversation and reader are required")
	}
	now := nowOr(in.Now)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM messages
		  WHERE conversation_id = ? AND sender_id <> ? AND is_read = 0
		  ORDER BY seq ASC`,
		in.ConversationID, in.ReaderID,
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET is_read = 1, read_at = ?
		  WHERE conversation_id = ? AND sender_id <> ? AND is_read = 0`,
		now.UnixMilli(), in.ConversationID, in.ReaderID,
	); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}
