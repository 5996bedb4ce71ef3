package messaging

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is the dev/test Store used when no database is configured.
// Like the database stores it never drops messages; WithMaxMessages bounds
// growth by refusing appends instead.
type InMemoryStore struct {
	mu          sync.Mutex
	convs       map[string]*memConv
	direct      map[string]string              // direct key -> conversation id
	byUser      map[string]map[string]struct{} // user id -> conversation ids
	maxMessages int
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithMaxMessages caps each conversation at n messages. Appends beyond the
// cap fail with ErrPersistence; n <= 0 means unbounded.
func WithMaxMessages(n int) InMemoryOption {
	return func(s *InMemoryStore) { s.maxMessages = n }
}

type memConv struct {
	conv   Conversation
	seq    int64
	dedupe map[string]int64 // sender \x00 client_msg_id -> seq
	msgs   []Message        // ordered by seq
}

// NewInMemoryStore constructs an in-memory Store.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		convs:  make(map[string]*memConv),
		direct: make(map[string]string),
		byUser: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// CreateDirectConversation implements Store.
func (s *InMemoryStore) CreateDirectConversation(ctx context.Context, in CreateDirectInput) (Conversation, bool, error) {
	const op = "messaging.CreateDirectConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	a, b := strings.TrimSpace(in.UserA), strings.TrimSpace(in.UserB)
	if in.ID == "" || a == "" || b == "" || a == b {
		return Conversation{}, false, invalid(op, "two distinct users and an id are required")
	}

	key := DirectKey(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.direct[key]; ok {
		return cloneConversation(s.convs[id].conv), false, nil
	}
	if _, exists := s.convs[in.ID]; exists {
		return Conversation{}, false, invalid(op, "conversation id already in use")
	}

	c := s.insertLocked(in.ID, KindDirect, []string{a, b}, nowOr(in.Now))
	s.direct[key] = in.ID
	return cloneConversation(c.conv), true, nil
}

// CreateGroupConversation implements Store.
func (s *InMemoryStore) CreateGroupConversation(ctx context.Context, in CreateGroupInput) (Conversation, error) {
	const op = "messaging.CreateGroupConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	parts := normalizeParticipants(in.ParticipantIDs)
	if in.ID == "" || len(parts) < 2 {
		return Conversation{}, invalid(op, "an id and at least two participants are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.convs[in.ID]; exists {
		return Conversation{}, invalid(op, "conversation id already in use")
	}
	c := s.insertLocked(in.ID, KindGroup, parts, nowOr(in.Now))
	return cloneConversation(c.conv), nil
}

func (s *InMemoryStore) insertLocked(id string, kind ConversationKind, participants []string, now time.Time) *memConv {
	c := &memConv{
		conv: Conversation{
			ID:             id,
			Kind:           kind,
			ParticipantIDs: normalizeParticipants(participants),
			CreatedAt:      now,
		},
		dedupe: make(map[string]int64),
		msgs:   make([]Message, 0, 64),
	}
	s.convs[id] = c
	for _, p := range c.conv.ParticipantIDs {
		set := s.byUser[p]
		if set == nil {
			set = make(map[string]struct{})
			s.byUser[p] = set
		}
		set[id] = struct{}{}
	}
	return c
}

// GetConversation implements Store.
func (s *InMemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return Conversation{}, opErr("messaging.GetConversation", ErrConversationNotFound, nil)
	}
	return cloneConversation(c.conv), nil
}

// ListConversations implements Store.
func (s *InMemoryStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		out = append(out, cloneConversation(s.convs[id].conv))
	}
	s.mu.Unlock()

	sortConversations(out)
	return out, nil
}

// AppendMessage implements Store.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "messaging.AppendMessage"
	if in.ID == "" || in.ConversationID == "" || in.SenderID == "" || in.Content == "" {
		return AppendMessageResult{}, invalid(op, "id, conversation, sender and content are required")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return AppendMessageResult{}, opErr(op, ErrConversationNotFound, nil)
	}

	dkey := ""
	if in.ClientMsgID != "" {
		dkey = in.SenderID + "\x00" + in.ClientMsgID
		if seq, ok := c.dedupe[dkey]; ok {
			if m, found := c.bySeq(seq); found {
				return AppendMessageResult{Message: m, Duplicated: true}, nil
			}
		}
	}

	if s.maxMessages > 0 && len(c.msgs) >= s.maxMessages {
		return AppendMessageResult{}, opErr(op, ErrPersistence, errors.New("conversation is full"))
	}

	c.seq++
	msg := Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Kind:           in.Kind,
		Seq:            c.seq,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      now,
	}
	if dkey != "" {
		c.dedupe[dkey] = msg.Seq
	}
	c.msgs = append(c.msgs, msg)

	at := now
	c.conv.LastMessageID = msg.ID
	c.conv.LastMessageAt = &at

	return AppendMessageResult{Message: msg}, nil
}

func (c *memConv) bySeq(seq int64) (Message, bool) {
	i, found := slices.BinarySearchFunc(c.msgs, seq, func(m Message, s int64) int { return cmp.Compare(m.Seq, s) })
	if !found {
		return Message{}, false
	}
	return cloneMessage(c.msgs[i]), true
}

// ListMessages returns messages ordered by seq ASC with paging via AfterSeq.
func (s *InMemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	const op = "messaging.ListMessages"
	if in.ConversationID == "" {
		return ListMessagesResult{}, invalid(op, "conversation id is required")
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	limit := clampLimit(in.Limit)

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	if c == nil {
		s.mu.Unlock()
		return ListMessagesResult{}, opErr(op, ErrConversationNotFound, nil)
	}
	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].Seq > after })
	}
	end := min(start+limit+1, len(c.msgs))
	out := make([]Message, 0, end-start)
	for _, m := range c.msgs[start:end] {
		out = append(out, cloneMessage(m))
	}
	s.mu.Unlock()

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ListMessagesResult{Messages: out, HasMore: hasMore}, nil
}

// MarkRead implements Store.
func (s *InMemoryStore) MarkRead(ctx context.Context, in MarkReadInput) ([]string, error) {
	const op = "messaging.MarkRead"
	if in.ConversationID == "" || in.ReaderID == "" {
		return nil, invalid(op, "conversation and reader are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return nil, opErr(op, ErrConversationNotFound, nil)
	}
	var ids []string
	for i := range c.msgs {
		m := &c.msgs[i]
		if m.IsRead || m.SenderID == in.ReaderID {
			continue
		}
		at := now
		m.IsRead = true
		m.ReadAt = &at
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func cloneConversation(c Conversation) Conversation {
	c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		c.LastMessageAt = &at
	}
	return c
}

func cloneMessage(m Message) Message {
	if m.ReadAt != nil {
		at := *m.ReadAt
		m.ReadAt = &at
	}
	return m
}

// sortConversations orders by most recent activity, never-used conversations last.
func sortConversations(cs []Conversation) {
	slices.SortStableFunc(cs, func(a, b Conversation) int {
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt != nil:
			if c := b.LastMessageAt.Compare(*a.LastMessageAt); c != 0 {
				return c
			}
		case a.LastMessageAt != nil:
			return -1
		case b.LastMessageAt != nil:
			return 1
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
