package reconcile

import (
	"errors"
	"fmt"
	"testing"
	"time"

	v1 "parlor/shared/contracts/realtime/v1"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, seq int64, sender, content, clientMsgID string) v1.Message {
	return v1.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Content:        content,
		Kind:           v1.KindText,
		Seq:            seq,
		ClientMsgID:    clientMsgID,
		CreatedAt:      t0.Add(time.Duration(seq) * time.Second),
	}
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Pending {
			out = append(out, "tmp:"+e.TempID)
			continue
		}
		out = append(out, e.Message.ID)
	}
	return out
}

func mustAdd(t *testing.T, tl *Timeline, p Placeholder) {
	t.Helper()
	if err := tl.AddPlaceholder(p); err != nil {
		t.Fatalf("AddPlaceholder: %v", err)
	}
}

func TestTimeline_BroadcastBeforeAck(t *testing.T) {
	t.Parallel()

	tl := NewTimeline("c1")
	p := Placeholder{TempID: "t1", SenderID: "alice", Content: "hi", Kind: v1.KindText}
	mustAdd(t, tl, p)

	// Broadcast arrives first and carries no clientMsgId: content match.
	if ins, err := tl.ApplyBroadcast(msg("m1", 1, "alice", "hi", "")); err != nil || !ins {
		t.Fatalf("ApplyBroadcast ins=%v err=%v", ins, err)
	}
	if got := ids(tl.Entries()); fmt.Sprint(got) != "[m1]" {
		t.Fatalf("after broadcast: %v", got)
	}

	if ins, err := tl.ApplyAck("t1", msg("m1", 1, "alice", "hi", "")); err != nil || ins {
		t.Fatalf("ApplyAck ins=%v err=%v", ins, err)
	}
	if got := ids(tl.Entries()); fmt.Sprint(got) != "[m1]" {
		t.Fatalf("after ack: %v", got)
	}
}

func TestTimeline_AckBeforeBroadcast(t *testing.T) {
	t.Parallel()

	tl := NewTimeline("c1")
	mustAdd(t, tl, Placeholder{TempID: "t1", SenderID: "alice", Content: "hi"})

	if ins, _ := tl.ApplyAck("t1", msg("m1", 1, "alice", "hi", "t1")); !ins {
		t.Fatal("ack should insert")
	}
	if ins, _ := tl.ApplyBroadcast(msg("m1", 1, "alice", "hi", "t1")); ins {
		t.Fatal("broadcast after ack must not insert")
	}
	if got := ids(tl.Entries()); fmt.Sprint(got) != "[m1]" {
		t.Fatalf("entries: %v", got)
	}
	if tl.Pending() != 0 {
		t.Fatalf("pending=%d", tl.Pending())
	}
}

func TestTimeline_IdempotentUnderAnyInterleaving(t *testing.T) {
	t.Parallel()

	m := msg("m1", 1, "alice", "hi", "t1")
	ack := func(tl *Timeline) { _, _ = tl.ApplyAck("t1", m) }
	bc := func(tl *Timeline) { _, _ = tl.ApplyBroadcast(m) }

	sequences := map[string][]func(*Timeline){
		"ack":                 {ack},
		"bc":                  {bc},
		"ack,bc":              {ack, bc},
		"bc,ack":              {bc, ack},
		"bc,bc,ack":           {bc, bc, ack},
		"ack,ack,bc,bc":       {ack, ack, bc, bc},
		"bc,ack,bc,ack,bc":    {bc, ack, bc, ack, bc},
		"ack,bc,ack,bc,ack,b": {ack, bc, ack, bc, ack, bc},
	}

	for name, seq := range sequences {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			tl := NewTimeline("c1")
			mustAdd(t, tl, Placeholder{TempID: "t1", SenderID: "alice", Content: "hi"})
			for _, step := range seq {
				step(tl)
			}
			if got := ids(tl.Entries()); fmt.Sprint(got) != "[m1]" {
				t.Fatalf("entries: %v", got)
			}
		})
	}
}

func TestTimeline_BroadcastFromOtherSenderKeepsPlaceholder(t *testing.T) {
	t.Parallel()

	tl := NewTimeline("c1")
	mustAdd(t, tl, Placeholder{TempID: "t1", SenderID: "alice", Content: "hi"})

	_, _ = tl.ApplyBroadcast(msg("m1", 1, "bob", "hi", ""))

	got := ids(tl.Entries())
	if fmt.Sprint(got) != "[m1 tmp:t1]" {
		t.Fatalf("entries: %v", got)
	}
}

func TestTimeline_ClientMsgIDPreferredOverContent(t *testing.T) {
	t.Parallel()

	tl := NewTimeline("c1")
	mustAdd(t, tl, Placeholder{TempID: "t1", SenderID: "alice", Content: "same"})
	mustAdd(t, tl, Placeholder{TempID: "t2", SenderID: "alice", Content: "same"})

	_, _ = tl.ApplyBroadcast(msg("m2", 2, "alice", "same", "t2"))

	if got := ids(tl.Entries()); fmt.Sprint(got) != "[m2 tmp:t1]" {
		t.Fatalf("entries: %v", got)
	}
}

func TestTimeline_ForeignClientMsgIDKeepsPlaceholder(t *testing.T) {
	t.Parallel()

	tl := NewTimeline("c1")
	mustAdd(t, tl, Placeholder{TempID: "t-new", SenderID: "alice", Content: "ok"})

	// An older "ok" from another device or session carries its own client id.
	if err := tl.Load([]v1.Message{msg("m1", 1, "alice", "ok", "t-old")}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, _ = tl.ApplyBroadcast(msg("m2", 2, "alice", "ok", "t-other"))

	if got := ids(tl.Entries()); fmt.Sprint(got) != "[m1 m2 tmp:t-new]" {
		t.Fatalf("entries: %v", got)
	}
	if tl.Pending() != 1 {
		t.Fatalf("Pending=%d want 1", tl.Pending())
	}
}

func TestTimeline_OrderedBySeq(t *testing.T) {
	t.Parallel()

	tl := NewTimeline("c1")
	mustAdd(t, tl, Placeholder{TempID: "t9", SenderID: "alice", Content: "later"})
	for _, m := range []v1.Message{
		msg("m3", 3, "bob", "c", ""),
		msg("m1", 1, "bob", "a", ""),
		msg("m2", 2, "bob", "b", ""),
	} {
		_, _ = tl.ApplyBroadcast(m)
	}

	if got := ids(tl.Entries()); fmt.Sprint(got) != "[m1 m2 m3 tmp:t9]" {
		t.Fatalf("entries: %v", got)
	}
	if tl.LastSeq() != 3 {
		t.Fatalf("LastSeq=%d", tl.LastSeq())
	}
}

func TestTimeline_Rollback(t *testing.T) {
	t.Parallel()

	tl := NewTimeline("c1")
	mustAdd(t, tl, Placeholder{TempID: "t1", SenderID: "alice", Content: "hi"})
	mustAdd(t, tl, Placeholder{TempID: "t1", SenderID: "alice", Content: "hi"})
	if tl.Pending() != 1 {
		t.Fatalf("duplicate temp id added twice: pending=%d", tl.Pending())
	}

	if !tl.Rollback("t1") {
		t.Fatal("Rollback should remove the placeholder")
	}
	if tl.Rollback("t1") {
		t.Fatal("second Rollback should be a no-op")
	}
	if len(tl.Entries()) != 0 {
		t.Fatalf("entries: %v", ids(tl.Entries()))
	}
}

func TestTimeline_LoadDropsConfirmedPlaceholders(t *testing.T) {
	t.Parallel()

	tl := NewTimeline("c1")
	mustAdd(t, tl, Placeholder{TempID: "t1", SenderID: "alice", Content: "hi"})
	mustAdd(t, tl, Placeholder{TempID: "t2", SenderID: "alice", Content: "unsent"})
	_, _ = tl.ApplyBroadcast(msg("m1", 1, "bob", "yo", ""))

	err := tl.Load([]v1.Message{
		msg("m1", 1, "bob", "yo", ""),
		msg("m2", 2, "alice", "hi", "t1"),
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := ids(tl.Entries()); fmt.Sprint(got) != "[m1 m2 tmp:t2]" {
		t.Fatalf("entries: %v", got)
	}
}

func TestTimeline_ConversationMismatch(t *testing.T) {
	t.Parallel()

	tl := NewTimeline("c1")
	other := msg("m1", 1, "bob", "x", "")
	other.ConversationID = "c2"

	if _, err := tl.ApplyBroadcast(other); !errors.Is(err, ErrConversationMismatch) {
		t.Fatalf("ApplyBroadcast err=%v", err)
	}
	if _, err := tl.ApplyAck("t", other); !errors.Is(err, ErrConversationMismatch) {
		t.Fatalf("ApplyAck err=%v", err)
	}
	if err := tl.Load([]v1.Message{other}); !errors.Is(err, ErrConversationMismatch) {
		t.Fatalf("Load err=%v", err)
	}
	if err := tl.AddPlaceholder(Placeholder{TempID: "t", ConversationID: "c2"}); !errors.Is(err, ErrConversationMismatch) {
		t.Fatalf("AddPlaceholder err=%v", err)
	}
}

func TestTimeline_ApplyRead(t *testing.T) {
	t.Parallel()

	tl := NewTimeline("c1")
	_ = tl.Load([]v1.Message{msg("m1", 1, "bob", "a", ""), msg("m2", 2, "bob", "b", "")})

	if n := tl.ApplyRead([]string{"m1", "zz"}, t0); n != 1 {
		t.Fatalf("ApplyRead=%d want 1", n)
	}
	if n := tl.ApplyRead([]string{"m1"}, t0); n != 0 {
		t.Fatalf("second ApplyRead=%d want 0", n)
	}
	e := tl.Entries()
	if !e[0].Message.IsRead || e[0].Message.ReadAt == nil || e[1].Message.IsRead {
		t.Fatalf("read flags: %+v", e)
	}
}

func TestNewPlaceholder(t *testing.T) {
	t.Parallel()

	a := NewPlaceholder("c1", "alice", "hi", "", t0)
	b := NewPlaceholder("c1", "alice", "hi", "", t0)
	if a.TempID == "" || a.TempID == b.TempID {
		t.Fatalf("temp ids not unique: %q %q", a.TempID, b.TempID)
	}
	if a.Kind != v1.KindText {
		t.Fatalf("Kind=%q", a.Kind)
	}
	sp := a.SendPayload()
	if sp.ClientMsgID != a.TempID || sp.ConversationID != "c1" || sp.Content != "hi" {
		t.Fatalf("SendPayload=%+v", sp)
	}
}
