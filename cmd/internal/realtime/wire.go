package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"parlor/cmd/identity/ids"
	"parlor/cmd/internal/messaging"
	v1 "parlor/shared/contracts/realtime/v1"
)

func toWireMessage(m messaging.Message) v1.Message {
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

func toWireMessages(in []messaging.Message) []v1.Message {
	out := make([]v1.Message, 0, len(in))
	for _, m := range in {
		out = append(out, toWireMessage(m))
	}
	return out
}

// newFrame encodes one server envelope.
func newFrame(typ string, now time.Time, payload any) ([]byte, error) {
	id, err := ids.New(now)
	if err != nil {
		return nil, err
	}
	env, err := v1.NewEnvelope(typ, id, now, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// encodeEvent encodes a fan-out event once for every recipient.
func encodeEvent(ev messaging.Event, now time.Time) ([]byte, error) {
	switch ev.Type {
	case messaging.EventMessageCreated, messaging.EventMessageNotification:
		if ev.Message == nil {
			return nil, fmt.Errorf("%s without message", ev.Type)
		}
		return newFrame(string(ev.Type), now, v1.MessageEventPayload{
			ConversationID: ev.ConversationID,
			Message:        toWireMessage(*ev.Message),
		})
	case messaging.EventMessagesRead:
		if ev.Read == nil {
			return nil, fmt.Errorf("%s without receipt", ev.Type)
		}
		return newFrame(v1.TypeMessagesRead, now, readPayload(*ev.Read))
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func readPayload(rr messaging.ReadReceipt) v1.MessagesReadPayload {
	msgIDs := rr.MessageIDs
	if msgIDs == nil {
		msgIDs = []string{}
	}
	return v1.MessagesReadPayload{
		ConversationID: rr.ConversationID,
		ReaderID:       rr.ReaderID,
		MessageIDs:     msgIDs,
		ReadAt:         rr.ReadAt,
	}
}
