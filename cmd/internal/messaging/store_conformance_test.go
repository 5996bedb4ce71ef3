package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// runStoreConformance exercises the Store contract against any implementation.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("direct conversation is unique per pair", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		first, created, err := st.CreateDirectConversation(ctx, CreateDirectInput{ID: "c-1", UserA: "alice", UserB: "bob"})
		if err != nil || !created {
			t.Fatalf("create: created=%v err=%v", created, err)
		}
		again, created, err := st.CreateDirectConversation(ctx, CreateDirectInput{ID: "c-2", UserA: "bob", UserB: "alice"})
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if created || again.ID != first.ID {
			t.Fatalf("expected existing conversation %q, got %q (created=%v)", first.ID, again.ID, created)
		}
		if again.Kind != KindDirect || len(again.ParticipantIDs) != 2 {
			t.Fatalf("unexpected conversation: %+v", again)
		}
		if _, _, err := st.CreateDirectConversation(ctx, CreateDirectInput{ID: "c-3", UserA: "alice", UserB: "alice"}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for self conversation, got %v", err)
		}
	})

	t.Run("concurrent find-or-create converges", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		const n = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			seen    = map[string]int{}
			created int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, b := "u-1", "u-2"
				if i%2 == 1 {
					a, b = b, a
				}
				c, ok, err := st.CreateDirectConversation(ctx, CreateDirectInput{ID: fmt.Sprintf("race-%d", i), UserA: a, UserB: b})
				if err != nil {
					t.Errorf("create %d: %v", i, err)
					return
				}
				mu.Lock()
				seen[c.ID]++
				if ok {
					created++
				}
				mu.Unlock()
			}(i)
		}
		wg.Wait()
		if len(seen) != 1 || created != 1 {
			t.Fatalf("expected exactly one conversation, got ids=%v created=%d", seen, created)
		}
	})

	t.Run("append assigns gap-free seq and dedupes", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		mustGroup(t, st, "g-1", "alice", "bob", "carol")

		now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		first, err := st.AppendMessage(ctx, AppendMessageInput{
			ID: "m-1", ConversationID: "g-1", SenderID: "alice", Content: "hi", Kind: MessageText, ClientMsgID: "cm-1", Now: now,
		})
		if err != nil || first.Duplicated || first.Message.Seq != 1 {
			t.Fatalf("first append: %+v err=%v", first, err)
		}
		dup, err := st.AppendMessage(ctx, AppendMessageInput{
			ID: "m-2", ConversationID: "g-1", SenderID: "alice", Content: "hi", Kind: MessageText, ClientMsgID: "cm-1", Now: now.Add(time.Second),
		})
		if err != nil || !dup.Duplicated || dup.Message.ID != "m-1" || dup.Message.Seq != 1 {
			t.Fatalf("duplicate append: %+v err=%v", dup, err)
		}
		// Same client id from another sender is a different message.
		other, err := st.AppendMessage(ctx, AppendMessageInput{
			ID: "m-3", ConversationID: "g-1", SenderID: "bob", Content: "yo", Kind: MessageText, ClientMsgID: "cm-1", Now: now.Add(2 * time.Second),
		})
		if err != nil || other.Duplicated || other.Message.Seq != 2 {
			t.Fatalf("other sender append: %+v err=%v", other, err)
		}
		// No client id: never deduped.
		for i := 0; i < 2; i++ {
			r, err := st.AppendMessage(ctx, AppendMessageInput{
				ID: fmt.Sprintf("m-x%d", i), ConversationID: "g-1", SenderID: "carol", Content: "same", Kind: MessageText, Now: now.Add(3 * time.Second),
			})
			if err != nil || r.Duplicated || r.Message.Seq != int64(3+i) {
				t.Fatalf("append without client id %d: %+v err=%v", i, r, err)
			}
		}

		conv, err := st.GetConversation(ctx, "g-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if conv.LastMessageID != "m-x1" || conv.LastMessageAt == nil {
			t.Fatalf("expected pointer at m-x1, got %+v", conv)
		}

		if _, err := st.AppendMessage(ctx, AppendMessageInput{
			ID: "m-9", ConversationID: "missing", SenderID: "alice", Content: "x", Kind: MessageText,
		}); !errors.Is(err, ErrConversationNotFound) {
			t.Fatalf("expected ErrConversationNotFound, got %v", err)
		}
	})

	t.Run("log keeps every message and its dedupe key", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		mustGroup(t, st, "g-log", "alice", "bob")

		const n = 250
		for i := 0; i < n; i++ {
			if _, err := st.AppendMessage(ctx, AppendMessageInput{
				ID: fmt.Sprintf("log-%04d", i), ConversationID: "g-log", SenderID: "alice", Content: "x", Kind: MessageText, ClientMsgID: fmt.Sprintf("cm%d", i),
			}); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		res, err := st.ListMessages(ctx, ListMessagesInput{ConversationID: "g-log", Limit: 1})
		if err != nil || len(res.Messages) != 1 || res.Messages[0].Seq != 1 || res.Messages[0].ID != "log-0000" {
			t.Fatalf("first message: %+v err=%v", res, err)
		}

		again, err := st.AppendMessage(ctx, AppendMessageInput{
			ID: "log-again", ConversationID: "g-log", SenderID: "alice", Content: "x", Kind: MessageText, ClientMsgID: "cm0",
		})
		if err != nil || !again.Duplicated || again.Message.ID != "log-0000" {
			t.Fatalf("resend of oldest client id: %+v err=%v", again, err)
		}
	})

	t.Run("concurrent appends keep seq dense", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		mustGroup(t, st, "g-2", "alice", "bob")

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := st.AppendMessage(ctx, AppendMessageInput{
					ID: fmt.Sprintf("cc-%02d", i), ConversationID: "g-2", SenderID: "alice", Content: "x", Kind: MessageText,
				}); err != nil {
					t.Errorf("append %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		res, err := st.ListMessages(ctx, ListMessagesInput{ConversationID: "g-2", Limit: 100})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(res.Messages) != n {
			t.Fatalf("expected %d messages, got %d", n, len(res.Messages))
		}
		for i, m := range res.Messages {
			if m.Seq != int64(i+1) {
				t.Fatalf("seq gap at %d: %d", i, m.Seq)
			}
		}
	})

	t.Run("list messages pages by afterSeq", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		mustGroup(t, st, "g-3", "alice", "bob")
		for i := 0; i < 5; i++ {
			mustAppend(t, st, "g-3", "alice", fmt.Sprintf("p-%d", i))
		}

		page, err := st.ListMessages(ctx, ListMessagesInput{ConversationID: "g-3", Limit: 2})
		if err != nil || len(page.Messages) != 2 || !page.HasMore || page.Messages[0].Seq != 1 {
			t.Fatalf("page 1: %+v err=%v", page, err)
		}
		after := page.Messages[1].Seq
		page, err = st.ListMessages(ctx, ListMessagesInput{ConversationID: "g-3", AfterSeq: &after, Limit: 10})
		if err != nil || len(page.Messages) != 3 || page.HasMore || page.Messages[0].Seq != 3 {
			t.Fatalf("page 2: %+v err=%v", page, err)
		}

		if _, err := st.ListMessages(ctx, ListMessagesInput{ConversationID: "nope"}); !errors.Is(err, ErrConversationNotFound) {
			t.Fatalf("expected ErrConversationNotFound, got %v", err)
		}
	})

	t.Run("list conversations by recent activity", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, id := range []string{"a", "b", "c"} {
			if _, err := st.CreateGroupConversation(ctx, CreateGroupInput{
				ID: id, ParticipantIDs: []string{"alice", "bob"}, Now: base.Add(time.Duration(i) * time.Minute),
			}); err != nil {
				t.Fatalf("create %s: %v", id, err)
			}
		}
		if _, err := st.CreateGroupConversation(ctx, CreateGroupInput{ID: "z", ParticipantIDs: []string{"bob", "carol"}, Now: base}); err != nil {
			t.Fatalf("create z: %v", err)
		}
		if _, err := st.AppendMessage(ctx, AppendMessageInput{
			ID: "m-a", ConversationID: "a", SenderID: "bob", Content: "x", Kind: MessageText, Now: base.Add(time.Hour),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}

		cs, err := st.ListConversations(ctx, "alice")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		got := make([]string, 0, len(cs))
		for _, c := range cs {
			got = append(got, c.ID)
		}
		if fmt.Sprint(got) != "[a c b]" {
			t.Fatalf("unexpected order: %v", got)
		}
	})

	t.Run("mark read is monotonic and skips own messages", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		mustGroup(t, st, "g-4", "alice", "bob")
		m1 := mustAppend(t, st, "g-4", "alice", "r-1")
		mustAppend(t, st, "g-4", "bob", "r-2")
		m3 := mustAppend(t, st, "g-4", "alice", "r-3")

		ids, err := st.MarkRead(ctx, MarkReadInput{ConversationID: "g-4", ReaderID: "bob"})
		if err != nil {
			t.Fatalf("mark read: %v", err)
		}
		if fmt.Sprint(ids) != fmt.Sprint([]string{m1.ID, m3.ID}) {
			t.Fatalf("unexpected ids: %v", ids)
		}
		ids, err = st.MarkRead(ctx, MarkReadInput{ConversationID: "g-4", ReaderID: "bob"})
		if err != nil || len(ids) != 0 {
			t.Fatalf("second mark read should be empty: %v err=%v", ids, err)
		}

		res, err := st.ListMessages(ctx, ListMessagesInput{ConversationID: "g-4"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, m := range res.Messages {
			wantRead := m.SenderID == "alice"
			if m.IsRead != wantRead || (m.ReadAt != nil) != wantRead {
				t.Fatalf("message %s read=%v readAt=%v", m.ID, m.IsRead, m.ReadAt)
			}
		}
	})
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustGroup(t *testing.T, st Store, id string, users ...string) Conversation {
	t.Helper()
	c, err := st.CreateGroupConversation(context.Background(), CreateGroupInput{ID: id, ParticipantIDs: users})
	if err != nil {
		t.Fatalf("create group %s: %v", id, err)
	}
	return c
}

var appendCounter struct {
	sync.Mutex
	n int
}

func mustAppend(t *testing.T, st Store, convID, sender, content string) Message {
	t.Helper()
	appendCounter.Lock()
	appendCounter.n++
	id := fmt.Sprintf("msg-%06d", appendCounter.n)
	appendCounter.Unlock()

	r, err := st.AppendMessage(context.Background(), AppendMessageInput{
		ID: id, ConversationID: convID, SenderID: sender, Content: content, Kind: MessageText,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return r.Message
}
