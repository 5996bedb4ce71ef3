package reconcile

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "parlor/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

// ErrConversationMismatch is returned when input addresses another conversation.
var ErrConversationMismatch = errors.New("reconcile: conversation mismatch")

// Entry is one row of a timeline. Pending entries are local placeholders
// whose Message carries only what the client knew at intent time.
type Entry struct {
	TempID  string
	Pending bool
	Message v1.Message
}

// Placeholder is an optimistic, not yet confirmed message.
type Placeholder struct {
	TempID         string
	ConversationID string
	SenderID       string
	Content        string
	Kind           string
	CreatedAt      time.Time
}

// NewPlaceholder builds a placeholder with a fresh temporary id. The id is
// also sent as clientMsgId so the server dedupes retries and the broadcast
// can be correlated exactly.
func NewPlaceholder(conversationID, senderID, content, kind string, now time.Time) Placeholder {
	if kind == "" {
		kind = v1.KindText
	}
	return Placeholder{
		TempID:         uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Kind:           kind,
		CreatedAt:      now.UTC(),
	}
}

// SendPayload is the send_message body for p.
func (p Placeholder) SendPayload() v1.SendMessagePayload {
	return v1.SendMessagePayload{
		ConversationID: p.ConversationID,
		ClientMsgID:    p.TempID,
		Content:        p.Content,
		Kind:           p.Kind,
	}
}

// Timeline is the ordered message list of one open conversation.
// Confirmed messages are ordered by seq; placeholders follow in intent order.
type Timeline struct {
	conversationID string

	mu        sync.Mutex
	confirmed []v1.Message
	byID      map[string]struct{}
	pending   []Placeholder
}

// NewTimeline returns an empty timeline for conversationID.
func NewTimeline(conversationID string) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		byID:           make(map[string]struct{}),
	}
}

// ConversationID returns the conversation this timeline belongs to.
func (t *Timeline) ConversationID() string { return t.conversationID }

// AddPlaceholder records user intent to send. Adding the same temp id twice is a no-op.
func (t *Timeline) AddPlaceholder(p Placeholder) error {
	if p.ConversationID != "" && p.ConversationID != t.conversationID {
		return ErrConversationMismatch
	}
	if strings.TrimSpace(p.TempID) == "" {
		return errors.New("reconcile: placeholder without temp id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pendingIndex(p.TempID) >= 0 {
		return nil
	}
	p.ConversationID = t.conversationID
	t.pending = append(t.pending, p)
	return nil
}

// ApplyAck resolves the placeholder tempID with the server's message.
// It reports whether msg was inserted (false when a broadcast already did).
func (t *Timeline) ApplyAck(tempID string, msg v1.Message) (bool, error) {
	if msg.ConversationID != "" && msg.ConversationID != t.conversationID {
		return false, ErrConversationMismatch
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.pendingIndex(tempID); i >= 0 {
		t.removePending(i)
	}
	return t.insertLocked(msg), nil
}

// ApplyBroadcast merges a message_created (or notification) for this
// conversation. When the message is new and a placeholder by the same sender
// still stands for it, the placeholder is replaced instead of kept alongside.
func (t *Timeline) ApplyBroadcast(msg v1.Message) (bool, error) {
	if msg.ConversationID != "" && msg.ConversationID != t.conversationID {
		return false, ErrConversationMismatch
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byID[msg.ID]; ok {
		return false, nil
	}
	if i := t.matchPlaceholder(msg); i >= 0 {
		t.removePending(i)
	}
	return t.insertLocked(msg), nil
}

// Rollback drops the placeholder of a failed send. It reports whether one was removed.
func (t *Timeline) Rollback(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.pendingIndex(tempID)
	if i < 0 {
		return false
	}
	t.removePending(i)
	return true
}

// Load merges a fetched window of the log (history or post-reconnect
// catch-up). Placeholders whose clientMsgId is now confirmed are dropped.
func (t *Timeline) Load(msgs []v1.Message) error {
	for _, m := range msgs {
		if m.ConversationID != "" && m.ConversationID != t.conversationID {
			return ErrConversationMismatch
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range msgs {
		if _, ok := t.byID[m.ID]; ok {
			continue
		}
		if i := t.matchPlaceholder(m); i >= 0 {
			t.removePending(i)
		}
		t.insertLocked(m)
	}
	return nil
}

// ApplyRead marks the listed messages read.
func (t *Timeline) ApplyRead(messageIDs []string, readAt time.Time) int {
	want := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.confirmed {
		if _, ok := want[t.confirmed[i].ID]; !ok || t.confirmed[i].IsRead {
			continue
		}
		ts := readAt
		t.confirmed[i].IsRead = true
		t.confirmed[i].ReadAt = &ts
		n++
	}
	return n
}

// Entries returns a snapshot: confirmed messages by seq, then placeholders.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.confirmed)+len(t.pending))
	for _, m := range t.confirmed {
		out = append(out, Entry{Message: m})
	}
	for _, p := range t.pending {
		out = append(out, Entry{
			TempID:  p.TempID,
			Pending: true,
			Message: v1.Message{
				ConversationID: p.ConversationID,
				SenderID:       p.SenderID,
				Content:        p.Content,
				Kind:           p.Kind,
				ClientMsgID:    p.TempID,
				CreatedAt:      p.CreatedAt,
			},
		})
	}
	return out
}

// LastSeq is the highest confirmed seq, the afterSeq for catch-up fetches.
func (t *Timeline) LastSeq() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.confirmed) == 0 {
		return 0
	}
	return t.confirmed[len(t.confirmed)-1].Seq
}

// Pending returns the number of unresolved placeholders.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Timeline) insertLocked(msg v1.Message) bool {
	if msg.ID == "" {
		return false
	}
	if _, ok := t.byID[msg.ID]; ok {
		return false
	}
	i := sort.Search(len(t.confirmed), func(i int) bool { return t.confirmed[i].Seq > msg.Seq })
	t.confirmed = append(t.confirmed, v1.Message{})
	copy(t.confirmed[i+1:], t.confirmed[i:])
	t.confirmed[i] = msg
	t.byID[msg.ID] = struct{}{}
	return true
}

func (t *Timeline) pendingIndex(tempID string) int {
	for i, p := range t.pending {
		if p.TempID == tempID {
			return i
		}
	}
	return -1
}

// matchPlaceholder matches on clientMsgId when msg carries one. Only
// messages without it fall back to the oldest placeholder by the same sender
// with the same content and kind.
func (t *Timeline) matchPlaceholder(msg v1.Message) int {
	if msg.ClientMsgID != "" {
		if i := t.pendingIndex(msg.ClientMsgID); i >= 0 && t.pending[i].SenderID == msg.SenderID {
			return i
		}
		return -1
	}
	for i, p := range t.pending {
		if p.SenderID == msg.SenderID && p.Content == msg.Content && kindOf(p.Kind) == kindOf(msg.Kind) {
			return i
		}
	}
	return -1
}

func (t *Timeline) removePending(i int) {
	t.pending = append(t.pending[:i], t.pending[i+1:]...)
}

func kindOf(k string) string {
	if k == "" {
		return v1.KindText
	}
	return k
}
