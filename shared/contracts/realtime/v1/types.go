package v1

import "time"

// Message kinds (wire-stable).
const (
	KindText  = "text"
	KindImage = "image"
	KindFile  = "file"
)

// Message is the server-confirmed message as seen by clients.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content"`
	Kind           string     `json:"kind"`
	Seq            int64      `json:"seq"`
	ClientMsgID    string     `json:"clientMsgId,omitempty"`
	IsRead         bool       `json:"isRead"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// ---- client -> server ----

// HelloPayload opens a session. Resume lists conversations the client still
// considers active after a reconnect.
type HelloPayload struct {
	Resume []string `json:"resume,omitempty"`
}

// ConversationPayload addresses a conversation room (join/leave/mark_read).
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload requests sending a message into a conversation.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	ClientMsgID    string `json:"clientMsgId"`
	Content        string `json:"content"`
	Kind           string `json:"kind,omitempty"`
}

// FetchMessagesPayload requests a window of the message log.
type FetchMessagesPayload struct {
	ConversationID string `json:"conversationId"`
	AfterSeq       *int64 `json:"afterSeq,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ---- server -> client ----

// HelloAckPayload confirms the connection identity and the rooms it is joined to.
type HelloAckPayload struct {
	ConnectionID string   `json:"connectionId"`
	UserID       string   `json:"userId"`
	Rooms        []string `json:"rooms"`
}

// MessageAckPayload acknowledges a websocket send with the persisted message.
type MessageAckPayload struct {
	ClientMsgID string  `json:"clientMsgId"`
	Message     Message `json:"message"`
}

// MessageEventPayload is the body of message_created and message_notification.
type MessageEventPayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// MessagesReadPayload announces that a participant read messages.
type MessagesReadPayload struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

// MessagesChunkPayload returns a window of the message log.
type MessagesChunkPayload struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"hasMore"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RequestID echoes the id of the envelope that failed, when known.
	RequestID string `json:"requestId,omitempty"`
	// ConversationID and ClientMsgID identify a failed send_message.
	ConversationID string `json:"conversationId,omitempty"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}
