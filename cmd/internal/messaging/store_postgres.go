package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a per-conversation transactional advisory lock, so seq
//     allocation is gap free and duplicates never consume a seq.
//   - Direct conversations are deduplicated by a UNIQUE direct_key, so racing
//     find-or-create calls converge on one row.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parlor").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parlor",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate applies PostgresSchemaSQL for the store's schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("messaging: migrate: %w", err)
	}
	return nil
}

// PostgresSchemaSQL returns the DDL required by PostgresStore in schema.
func PostgresSchemaSQL(schema string) string {
	conversations := pgIdent(schema, "conversations")
	members := pgIdent(schema, "conversation_members")
	cursors := pgIdent(schema, "conversation_cursors")
	messages := pgIdent(schema, "messages")

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
  id              TEXT PRIMARY KEY,
  kind            TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
  direct_key      TEXT UNIQUE,
  last_message_id TEXT,
  last_message_at TIMESTAMPTZ,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT chk_conversations_direct_key CHECK ((kind = 'direct') = (direct_key IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS %[3]s (
  conversation_id TEXT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,
  user_id         TEXT NOT NULL,
  joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_members_user ON %[3]s (user_id);

CREATE TABLE IF NOT EXISTS %[4]s (
  conversation_id TEXT PRIMARY KEY REFERENCES %[2]s(id) ON DELETE CASCADE,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[5]s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,
  seq             BIGINT NOT NULL,
  sender_id       TEXT NOT NULL,
  content         TEXT NOT NULL,
  kind            TEXT NOT NULL CHECK (kind IN ('text', 'image', 'file')),
  client_msg_id   TEXT,
  is_read         BOOLEAN NOT NULL DEFAULT false,
  read_at         TIMESTAMPTZ,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_messages_conversation_seq UNIQUE (conversation_id, seq),
  CONSTRAINT uq_messages_client_msg UNIQUE (conversation_id, sender_id, client_msg_id),
  CONSTRAINT chk_messages_content_len CHECK (char_length(content) > 0 AND char_length(content) <= 4000)
);
`, pgx.Identifier{schema}.Sanitize(), conversations, members, cursors, messages)
}

// CreateDirectConversation implements Store.
func (s *PostgresStore) CreateDirectConversation(ctx context.Context, in CreateDirectInput) (Conversation, bool, error) {
	const op = "messaging.CreateDirectConversation"
	a, b := strings.TrimSpace(in.UserA), strings.TrimSpace(in.UserB)
	if in.ID == "" || a == "" || b == "" || a == b {
		return Conversation{}, false, invalid(op, "two distinct users and an id are required")
	}
	now := nowOr(in.Now)
	key := DirectKey(a, b)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A concurrent creator holding the same key makes this insert wait, then
	// do nothing; the SELECT below sees its committed row.
	tag, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversations")+` (id, kind, direct_key, created_at)
		 VALUES ($1, 'direct', $2, $3)
		 ON CONFLICT (direct_key) DO NOTHING`,
		in.ID, key, now,
	)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var id string
		if err := tx.QueryRow(ctx,
			`SELECT id FROM `+s.table("conversations")+` WHERE direct_key = $1`, key,
		).Scan(&id); err != nil {
			return Conversation{}, false, fmt.Errorf("lookup direct conversation: %w", err)
		}
		c, err := s.getConversation(ctx, tx, id)
		if err != nil {
			return Conversation{}, false, err
		}
		return c, false, tx.Commit(ctx)
	}

	if err := s.insertMembers(ctx, tx, in.ID, []string{a, b}, now); err != nil {
		return Conversation{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, false, err
	}
	return Conversation{
		ID:             in.ID,
		Kind:           KindDirect,
		ParticipantIDs: normalizeParticipants([]string{a, b}),
		CreatedAt:      now,
	}, true, nil
}

// CreateGroupConversation implements Store.
func (s *PostgresStore) CreateGroupConversation(ctx context.Context, in CreateGroupInput) (Conversation, error) {
	const op = "messaging.CreateGroupConversation"
	parts := normalizeParticipants(in.ParticipantIDs)
	if in.ID == "" || len(parts) < 2 {
		return Conversation{}, invalid(op, "an id and at least two participants are required")
	}
	now := nowOr(in.Now)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversations")+` (id, kind, created_at) VALUES ($1, 'group', $2)`,
		in.ID, now,
	); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if err := s.insertMembers(ctx, tx, in.ID, parts, now); err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return Conversation{ID: in.ID, Kind: KindGroup, ParticipantIDs: parts, CreatedAt: now}, nil
}

func (s *PostgresStore) insertMembers(ctx context.Context, tx pgx.Tx, conversationID string, users []string, now time.Time) error {
	batch := &pgx.Batch{}
	for _, u := range users {
		batch.Queue(
			`INSERT INTO `+s.table("conversation_members")+` (conversation_id, user_id, joined_at)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			conversationID, u, now,
		)
	}
	batch.Queue(
		`INSERT INTO `+s.table("conversation_cursors")+` (conversation_id, next_seq) VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		conversationID,
	)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert members: %w", err)
	}
	return nil
}

// GetConversation implements Store.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	return s.getConversation(ctx, s.pool, conversationID)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) getConversation(ctx context.Context, q pgQuerier, conversationID string) (Conversation, error) {
	var (
		c      Conversation
		kind   string
		lastID *string
	)
	err := q.QueryRow(ctx,
		`SELECT c.id, c.kind, c.last_message_id, c.last_message_at, c.created_at,
		        ARRAY(SELECT m.user_id FROM `+s.table("conversation_members")+` m
		               WHERE m.conversation_id = c.id ORDER BY m.user_id)
		   FROM `+s.table("conversations")+` c
		  WHERE c.id = $1`,
		conversationID,
	).Scan(&c.ID, &kind, &lastID, &c.LastMessageAt, &c.CreatedAt, &c.ParticipantIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr("messaging.GetConversation", ErrConversationNotFound, nil)
	}
	if err != nil {
		return Conversation{}, err
	}
	c.Kind = ConversationKind(kind)
	if lastID != nil {
		c.LastMessageID = *lastID
	}
	slices.Sort(c.ParticipantIDs)
	return c, nil
}

// ListConversations implements Store.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.kind, c.last_message_id, c.last_message_at, c.created_at,
		        ARRAY(SELECT m2.user_id FROM `+s.table("conversation_members")+` m2
		               WHERE m2.conversation_id = c.id ORDER BY m2.user_id)
		   FROM `+s.table("conversations")+` c
		   JOIN `+s.table("conversation_members")+` m ON m.conversation_id = c.id
		  WHERE m.user_id = $1
		  ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC, c.id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c      Conversation
			kind   string
			lastID *string
		)
		if err := rows.Scan(&c.ID, &kind, &lastID, &c.LastMessageAt, &c.CreatedAt, &c.ParticipantIDs); err != nil {
			return nil, err
		}
		c.Kind = ConversationKind(kind)
		if lastID != nil {
			c.LastMessageID = *lastID
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "messaging.AppendMessage"
	if in.ID == "" || in.ConversationID == "" || in.SenderID == "" || in.Content == "" {
		return AppendMessageResult{}, invalid(op, "id, conversation, sender and content are required")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	now := nowOr(in.Now)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all writes per conversation: no seq waste for duplicates and
	// strict monotonic ordering without races.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var one int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM `+s.table("conversations")+` WHERE id = $1`, in.ConversationID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, opErr(op, ErrConversationNotFound, nil)
	}
	if err != nil {
		return AppendMessageResult{}, err
	}

	if in.ClientMsgID != "" {
		existing, err := s.readByClientMsgID(ctx, tx, in.ConversationID, in.SenderID, in.ClientMsgID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendMessageResult{}, err
			}
			return AppendMessageResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversation_cursors")+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+s.table("conversation_cursors")+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (
		     id, conversation_id, seq, sender_id, content, kind, client_msg_id, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		in.ID, in.ConversationID, seq, in.SenderID, in.Content, string(in.Kind), in.ClientMsgID, now,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.table("conversations")+`
		    SET last_message_id = $2, last_message_at = $3
		  WHERE id = $1`,
		in.ConversationID, in.ID, now,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("update conversation pointer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
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

const pgMessageColumns = `id, conversation_id, seq, sender_id, content, kind, COALESCE(client_msg_id, ''), is_read, read_at, created_at`

func scanPGMessage(row pgx.Row) (Message, error) {
	var (
		m    Message
		kind string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.Content, &kind, &m.ClientMsgID, &m.IsRead, &m.ReadAt, &m.CreatedAt)
	m.Kind = MessageKind(kind)
	return m, err
}

func (s *PostgresStore) readByClientMsgID(ctx context.Context, tx pgx.Tx, conversationID, senderID, clientMsgID string) (Message, error) {
	return scanPGMessage(tx.QueryRow(ctx,
		`SELECT `+pgMessageColumns+`
		   FROM `+s.table("messages")+`
		  WHERE conversation_id = $1 AND sender_id = $2 AND client_msg_id = $3`,
		conversationID, senderID, clientMsgID,
	))
}

// ListMessages returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if in.ConversationID == "" {
		return ListMessagesResult{}, invalid("messaging.ListMessages", "conversation id is required")
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	limit := clampLimit(in.Limit)
	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMessageColumns+`
		   FROM `+s.table("messages")+`
		  WHERE conversation_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.ConversationID, after, limit+1,
	)
	if err != nil {
		return ListMessagesResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit+1)
	for rows.Next() {
		m, err := scanPGMessage(rows)
		if err != nil {
			return ListMessagesResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	if len(msgs) == 0 {
		// Distinguish an empty conversation from a missing one.
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
func (s *PostgresStore) MarkRead(ctx context.Context, in MarkReadInput) ([]string, error) {
	if in.ConversationID == "" || in.ReaderID == "" {
		return nil, invalid("messaging.MarkRead", "conversation and reader are required")
	}
	now := nowOr(in.Now)

	rows, err := s.pool.Query(ctx,
		`WITH updated AS (
		   UPDATE `+s.table("messages")+`
		      SET is_read = true, read_at = $3
		    WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read
		   RETURNING id, seq
		 )
		 SELECT id FROM updated ORDER BY seq ASC`,
		in.ConversationID, in.ReaderID, now,
	)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PostgresStore) table(name string) string {
	return pgIdent(s.schema, name)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
