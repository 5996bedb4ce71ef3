package messaging

// EventType names a server-pushed event.
type EventType string

const (
	EventMessageCreated      EventType = "message_created"
	EventMessageNotification EventType = "message_notification"
	EventMessagesRead        EventType = "messages_read"
)

// Event is what ingestion hands to the fan-out layer. Exactly one of Message
// and Read is set.
type Event struct {
	Type           EventType
	ConversationID string
	Message        *Message
	Read           *ReadReceipt
}

// Fanout delivers events to connected clients.
//
// PublishConversation delivers ev to every connection joined to the
// conversation room and returns the set of user ids it delivered to. The set
// is taken under the same lock that delivers, so it is the post-commit
// membership snapshot used to decide who gets a notification instead.
type Fanout interface {
	PublishConversation(conversationID string, ev Event) map[string]struct{}
	PublishUser(userID string, ev Event) int
}

// NopFanout drops everything (tests and tools without a broker).
type NopFanout struct{}

func (NopFanout) PublishConversation(string, Event) map[string]struct{} { return nil }
func (NopFanout) PublishUser(string, Event) int                         { return 0 }
