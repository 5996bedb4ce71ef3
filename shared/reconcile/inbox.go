package reconcile

import (
	"fmt"
	"sort"
	"sync"

	v1 "parlor/shared/contracts/realtime/v1"
)

// Inbox holds the timelines of open conversations and unread counters for
// the rest, and routes server envelopes to them.
type Inbox struct {
	selfID string

	mu     sync.Mutex
	open   map[string]*Timeline
	unread map[string]int
}

// NewInbox returns an Inbox for the signed-in user selfID.
func NewInbox(selfID string) *Inbox {
	return &Inbox{
		selfID: selfID,
		open:   make(map[string]*Timeline),
		unread: make(map[string]int),
	}
}

// Open returns the timeline for conversationID, creating it, and clears its unread count.
func (b *Inbox) Open(conversationID string) *Timeline {
	b.mu.Lock()
	defer b.mu.Unlock()

	tl, ok := b.open[conversationID]
	if !ok {
		tl = NewTimeline(conversationID)
		b.open[conversationID] = tl
	}
	delete(b.unread, conversationID)
	return tl
}

// Close forgets the timeline of conversationID.
func (b *Inbox) Close(conversationID string) {
	b.mu.Lock()
	delete(b.open, conversationID)
	b.mu.Unlock()
}

// Timeline returns the open timeline for conversationID.
func (b *Inbox) Timeline(conversationID string) (*Timeline, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tl, ok := b.open[conversationID]
	return tl, ok
}

// Unread is the number of notifications seen for a conversation that is not open.
func (b *Inbox) Unread(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unread[conversationID]
}

// Resume lists the open conversations, sorted, for hello{resume} after a reconnect.
func (b *Inbox) Resume() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.open))
	for id := range b.open {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Load merges msgs into the open timeline of
// conversationID; used for the full re-fetch after a reconnect.
func (b *Inbox) Load(conversationID string, msgs []v1.Message) error {
	tl, ok := b.Timeline(conversationID)
	if !ok {
		return nil
	}
	return tl.Load(msgs)
}

// Handle applies one server envelope. An error frame for a send rolls back the
// placeholder it names. Types the inbox does not track are ignored.
func (b *Inbox) Handle(env v1.Envelope) error {
	switch env.Type {
	case v1.TypeMessageCreated, v1.TypeMessageNotification:
		var p v1.MessageEventPayload
		if err := env.Decode(&p); err != nil {
			return fmt.Errorf("reconcile: %s: %w", env.Type, err)
		}
		convID := p.ConversationID
		if convID == "" {
			convID = p.Message.ConversationID
		}
		if tl, ok := b.Timeline(convID); ok {
			_, err := tl.ApplyBroadcast(p.Message)
			return err
		}
		if env.Type == v1.TypeMessageNotification && p.Message.SenderID != b.selfID {
			b.mu.Lock()
			b.unread[convID]++
			b.mu.Unlock()
		}
		return nil

	case v1.TypeMessageAck:
		var p v1.MessageAckPayload
		if err := env.Decode(&p); err != nil {
			return fmt.Errorf("reconcile: %s: %w", env.Type, err)
		}
		if tl, ok := b.Timeline(p.Message.ConversationID); ok {
			_, err := tl.ApplyAck(p.ClientMsgID, p.Message)
			return err
		}
		return nil

	case v1.TypeMessagesRead:
		var p v1.MessagesReadPayload
		if err := env.Decode(&p); err != nil {
			return fmt.Errorf("reconcile: %s: %w", env.Type, err)
		}
		if tl, ok := b.Timeline(p.ConversationID); ok {
			tl.ApplyRead(p.MessageIDs, p.ReadAt)
		}
		return nil

	case v1.TypeMessagesChunk:
		var p v1.MessagesChunkPayload
		if err := env.Decode(&p); err != nil {
			return fmt.Errorf("reconcile: %s: %w", env.Type, err)
		}
		return b.Load(p.ConversationID, p.Messages)

	case v1.TypeError:
		var p v1.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return fmt.Errorf("reconcile: %s: %w", env.Type, err)
		}
		tempID := p.ClientMsgID
		if tempID == "" {
			tempID = p.RequestID
		}
		if tempID != "" {
			b.rollback(p.ConversationID, tempID)
		}
		return nil

	default:
		return nil
	}
}

// rollback drops the placeholder tempID after a failed send. Without a
// conversation id every open timeline is tried; temp ids are unique.
func (b *Inbox) rollback(conversationID, tempID string) bool {
	if conversationID != "" {
		tl, ok := b.Timeline(conversationID)
		return ok && tl.Rollback(tempID)
	}
	b.mu.Lock()
	tls := make([]*Timeline, 0, len(b.open))
	for _, tl := range b.open {
		tls = append(tls, tl)
	}
	b.mu.Unlock()

	for _, tl := range tls {
		if tl.Rollback(tempID) {
			return true
		}
	}
	return false
}
