package messaging

import (
	"errors"
	"fmt"
	"testing"
)

func TestInMemoryStore_Conformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestInMemoryStore_UnboundedByDefault(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := testCtx(t)
	mustGroup(t, st, "g", "alice", "bob")

	const n = 10_001
	for i := 0; i < n; i++ {
		if _, err := st.AppendMessage(ctx, AppendMessageInput{
			ID: fmt.Sprintf("m%d", i), ConversationID: "g", SenderID: "alice", Content: "x", Kind: MessageText, ClientMsgID: fmt.Sprintf("cm%d", i),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	res, err := st.ListMessages(ctx, ListMessagesInput{ConversationID: "g", Limit: 1})
	if err != nil || len(res.Messages) != 1 || res.Messages[0].ID != "m0" || res.Messages[0].Seq != 1 {
		t.Fatalf("first listed: %+v err=%v", res, err)
	}

	again, err := st.AppendMessage(ctx, AppendMessageInput{
		ID: "m-again", ConversationID: "g", SenderID: "alice", Content: "x", Kind: MessageText, ClientMsgID: "cm0",
	})
	if err != nil || !again.Duplicated || again.Message.Seq != 1 {
		t.Fatalf("resend cm0: %+v err=%v", again, err)
	}
}

func TestInMemoryStore_MaxMessagesRefusesAppends(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore(WithMaxMessages(3))
	ctx := testCtx(t)
	mustGroup(t, st, "g", "alice", "bob")

	for i := 0; i < 3; i++ {
		if _, err := st.AppendMessage(ctx, AppendMessageInput{
			ID: fmt.Sprintf("m%d", i), ConversationID: "g", SenderID: "alice", Content: "x", Kind: MessageText, ClientMsgID: fmt.Sprintf("cm%d", i),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if _, err := st.AppendMessage(ctx, AppendMessageInput{
		ID: "m3", ConversationID: "g", SenderID: "alice", Content: "x", Kind: MessageText, ClientMsgID: "cm3",
	}); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence past the cap, got %v", err)
	}

	// Resends of stored messages still resolve once the conversation is full.
	again, err := st.AppendMessage(ctx, AppendMessageInput{
		ID: "m-again", ConversationID: "g", SenderID: "alice", Content: "x", Kind: MessageText, ClientMsgID: "cm0",
	})
	if err != nil || !again.Duplicated || again.Message.ID != "m0" {
		t.Fatalf("resend cm0: %+v err=%v", again, err)
	}

	res, err := st.ListMessages(ctx, ListMessagesInput{ConversationID: "g"})
	if err != nil || len(res.Messages) != 3 || res.Messages[0].Seq != 1 {
		t.Fatalf("list: %+v err=%v", res, err)
	}
}
