package messaging

import (
	"context"
	"time"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Store persists conversations and messages.
//
// Requirements:
//   - At most one direct conversation per unordered pair (DirectKey)
//   - Monotonic gap-free seq per conversation
//   - Idempotency per (conversation, sender, client_msg_id) when a client id is given
//   - The conversation pointer is updated in the same transaction as the append
//   - Missing conversations are reported as ErrConversationNotFound
type Store interface {
	CreateDirectConversation(ctx context.Context, in CreateDirectInput) (Conversation, bool, error)
	CreateGroupConversation(ctx context.Context, in CreateGroupInput) (Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)

	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error)
	MarkRead(ctx context.Context, in MarkReadInput) ([]string, error)

	Close() error
}

// CreateDirectInput describes a find-or-create of a direct conversation.
// ID is used only when a new conversation is created.
type CreateDirectInput struct {
	ID    string
	UserA string
	UserB string
	Now   time.Time
}

// CreateGroupInput describes a new group conversation.
type CreateGroupInput struct {
	ID             string
	ParticipantIDs []string
	Now            time.Time
}

// AppendMessageInput describes a message append request.
// ID is used only when the append is not a duplicate.
type AppendMessageInput struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Kind           MessageKind
	ClientMsgID    string
	Now            time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Message    Message
	Duplicated bool
}

// ListMessagesInput describes a history page request.
type ListMessagesInput struct {
	ConversationID string
	AfterSeq       *int64
	Limit          int
}

// ListMessagesResult contains a history window ordered by seq ASC.
type ListMessagesResult struct {
	Messages []Message
	HasMore  bool
}

// MarkReadInput marks every unread message of others in a conversation as read.
type MarkReadInput struct {
	ConversationID string
	ReaderID       string
	Now            time.Time
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
