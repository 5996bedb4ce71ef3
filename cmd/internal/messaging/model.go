package messaging

import (
	"slices"
	"strings"
	"time"
)

// ConversationKind distinguishes 1:1 from multi-party conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// MessageKind is the payload type of a message.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// Conversation is a set of participants plus a pointer to the latest message.
//
// ParticipantIDs is sorted and duplicate free. A direct conversation has
// exactly two participants.
type Conversation struct {
	ID             string
	Kind           ConversationKind
	ParticipantIDs []string
	LastMessageID  string
	LastMessageAt  *time.Time
	CreatedAt      time.Time
}

// HasParticipant reports whether userID belongs to c.
func (c Conversation) HasParticipant(userID string) bool {
	_, found := slices.BinarySearch(c.ParticipantIDs, userID)
	return found
}

// Message is a persisted chat message.
//
// Seq is the per-conversation insertion order (1..n, no gaps). Everything but
// IsRead/ReadAt is immutable once stored.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Kind           MessageKind
	Seq            int64
	ClientMsgID    string
	IsRead         bool
	ReadAt         *time.Time
	CreatedAt      time.Time
}

// ReadReceipt describes a MarkRead outcome.
type ReadReceipt struct {
	ConversationID string
	ReaderID       string
	MessageIDs     []string
	ReadAt         time.Time
}

// DirectKey is the unique key of the direct conversation between a and b,
// independent of argument order.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// normalizeParticipants trims, drops blanks, sorts and dedupes ids.
func normalizeParticipants(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
