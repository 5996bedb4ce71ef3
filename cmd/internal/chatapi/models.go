package chatapi

import (
	"time"

	"parlor/cmd/internal/messaging"
	v1 "parlor/shared/contracts/realtime/v1"
)

type createDirectRequest struct {
	OtherUserID string `json:"otherUserId"`
}

type createGroupRequest struct {
	ParticipantIDs []string `json:"participantIds"`
}

type sendMessageRequest struct {
	Content     string `json:"content"`
	Kind        string `json:"kind,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

type conversationResponse struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	ParticipantIDs []string   `json:"participantIds"`
	LastMessageID  string     `json:"lastMessageId,omitempty"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

type conversationListResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}

type messageResponse struct {
	Message v1.Message `json:"message"`
}

func toConversationResponse(c messaging.Conversation) conversationResponse {
	return conversationResponse{
		ID:             c.ID,
		Kind:           string(c.Kind),
		ParticipantIDs: c.ParticipantIDs,
		LastMessageID:  c.LastMessageID,
		LastMessageAt:  c.LastMessageAt,
		CreatedAt:      c.CreatedAt,
	}
}

func toMessage(m messaging.Message) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           string(m.Kind),
		Seq:            m.Seq,
		ClientMsgID:    m.ClientMsgID,
		IsRead:         m.IsRead,
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
	}
}
