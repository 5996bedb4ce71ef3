package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"parlor/cmd/internal/messaging"
	v1 "parlor/shared/contracts/realtime/v1"
)

func newTestRooms(t *testing.T) *Rooms {
	t.Helper()
	return NewRooms(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mustConnect(t *testing.T, r *Rooms, connID, userID string, queue int) *Client {
	t.Helper()
	c := NewClient(connID, userID, queue)
	if err := r.OnConnect(c); err != nil {
		t.Fatalf("OnConnect(%s): %v", connID, err)
	}
	return c
}

func testEvent(convID string, seq int64) messaging.Event {
	return messaging.Event{
		Type:           messaging.EventMessageCreated,
		ConversationID: convID,
		Message: &messaging.Message{
			ID:             "m" + string(rune('0'+seq)),
			ConversationID: convID,
			SenderID:       "alice",
			Content:        "hi",
			Kind:           messaging.MessageText,
			Seq:            seq,
			CreatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func drainEnvelopes(t *testing.T, c *Client) []v1.Envelope {
	t.Helper()
	var out []v1.Envelope
	for {
		select {
		case b := <-c.Send:
			var env v1.Envelope
			if err := json.Unmarshal(b, &env); err != nil {
				t.Fatalf("unmarshal frame: %v", err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRooms_OnConnectJoinsPersonalRoomIdempotently(t *testing.T) {
	t.Parallel()

	r := newTestRooms(t)
	c := mustConnect(t, r, "c1", "alice", 8)
	if err := r.OnConnect(c); err != nil {
		t.Fatalf("second OnConnect: %v", err)
	}

	got := r.JoinedRooms("c1")
	if len(got) != 1 || got[0] != UserRoom("alice") {
		t.Fatalf("rooms=%v", got)
	}
	if c.State() != StateAuthenticated {
		t.Fatalf("state=%s", c.State())
	}
	if r.Connections() != 1 {
		t.Fatalf("connections=%d", r.Connections())
	}
}

func TestRooms_JoinLeaveIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRooms(t)
	c := mustConnect(t, r, "c1", "alice", 8)

	for i := 0; i < 2; i++ {
		if !r.Join("c1", "conv") {
			t.Fatalf("join #%d refused", i)
		}
	}
	if got := r.JoinedRooms("c1"); len(got) != 2 {
		t.Fatalf("rooms after double join=%v", got)
	}
	if c.State() != StateJoined {
		t.Fatalf("state=%s", c.State())
	}

	r.Leave("c1", "conv")
	r.Leave("c1", "conv")
	r.Leave("c1", "never-joined")
	if r.IsJoined("c1", "conv") {
		t.Fatalf("still joined after leave")
	}
	if c.State() != StateAuthenticated {
		t.Fatalf("state after leaving last conversation=%s", c.State())
	}
}

func TestRooms_DisconnectDropsEverythingAndIsTerminal(t *testing.T) {
	t.Parallel()

	r := newTestRooms(t)
	c := mustConnect(t, r, "c1", "alice", 8)
	r.Join("c1", "conv")

	if got := r.Disconnect("c1"); got != c {
		t.Fatalf("Disconnect returned %v", got)
	}
	if len(r.JoinedRooms("c1")) != 0 {
		t.Fatalf("memberships survived disconnect")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state=%s", c.State())
	}
	if r.Join("c1", "conv") {
		t.Fatalf("join after disconnect must be refused")
	}
	if err := r.OnConnect(c); err != ErrClientDisconnected {
		t.Fatalf("reconnect of disconnected client: %v", err)
	}
	if users := r.PublishConversation("conv", testEvent("conv", 1)); len(users) != 0 {
		t.Fatalf("disconnected member still addressed: %v", users)
	}
	if r.Disconnect("c1") != nil {
		t.Fatalf("second disconnect should be a no-op")
	}
}

func TestRooms_ReconnectRejoin(t *testing.T) {
	t.Parallel()

	r := newTestRooms(t)
	c := NewClient("c2", "alice", 8)

	got, err := r.ReconnectRejoin(c, []string{"b", "a", " ", "a"})
	if err != nil {
		t.Fatalf("ReconnectRejoin: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("rejoined=%v", got)
	}
	rooms := r.JoinedRooms("c2")
	want := []RoomID{ConversationRoom("a"), ConversationRoom("b"), UserRoom("alice")}
	if len(rooms) != len(want) {
		t.Fatalf("rooms=%v", rooms)
	}
	for i := range want {
		if rooms[i] != want[i] {
			t.Fatalf("rooms=%v want %v", rooms, want)
		}
	}
}

func TestRooms_ReconnectRejoinConvergesWithConcurrentJoins(t *testing.T) {
	t.Parallel()

	r := newTestRooms(t)
	c := mustConnect(t, r, "c1", "alice", 8)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = r.ReconnectRejoin(c, []string{"a", "b"})
	}()
	go func() {
		defer wg.Done()
		r.Join("c1", "b")
		r.Join("c1", "c")
	}()
	wg.Wait()

	for _, id := range []string{"a", "b", "c"} {
		if !r.IsJoined("c1", id) {
			t.Fatalf("not joined to %s after concurrent rejoin", id)
		}
	}
}

func TestRooms_PublishConversationReturnsSnapshot(t *testing.T) {
	t.Parallel()

	r := newTestRooms(t)
	a := mustConnect(t, r, "ca", "alice", 8)
	b := mustConnect(t, r, "cb", "bob", 8)
	carol := mustConnect(t, r, "cc", "carol", 8)
	r.Join("ca", "conv")
	r.Join("cb", "conv")

	users := r.PublishConversation("conv", testEvent("conv", 1))
	if len(users) != 2 {
		t.Fatalf("users=%v", users)
	}
	for _, u := range []string{"alice", "bob"} {
		if _, ok := users[u]; !ok {
			t.Fatalf("missing %s in %v", u, users)
		}
	}

	for _, c := range []*Client{a, b} {
		envs := drainEnvelopes(t, c)
		if len(envs) != 1 || envs[0].Type != v1.TypeMessageCreated {
			t.Fatalf("%s got %+v", c.UserID, envs)
		}
		var p v1.MessageEventPayload
		if err := envs[0].Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.ConversationID != "conv" || p.Message.Seq != 1 || p.Message.Content != "hi" {
			t.Fatalf("payload=%+v", p)
		}
	}
	if envs := drainEnvelopes(t, carol); len(envs) != 0 {
		t.Fatalf("non-member received %+v", envs)
	}
}

func TestRooms_PublishUserReachesEveryConnectionOfTheUser(t *testing.T) {
	t.Parallel()

	r := newTestRooms(t)
	mustConnect(t, r, "c1", "bob", 8)
	mustConnect(t, r, "c2", "bob", 8)
	mustConnect(t, r, "c3", "carol", 8)

	ev := testEvent("conv", 1)
	ev.Type = messaging.EventMessageNotification
	if n := r.PublishUser("bob", ev); n != 2 {
		t.Fatalf("delivered=%d", n)
	}
	if n := r.PublishUser("nobody", ev); n != 0 {
		t.Fatalf("delivered to absent user=%d", n)
	}
}

func TestRooms_PublishPreservesOrderPerConnection(t *testing.T) {
	t.Parallel()

	r := newTestRooms(t)
	c := mustConnect(t, r, "c1", "alice", 16)
	r.Join("c1", "conv")

	for seq := int64(1); seq <= 5; seq++ {
		r.PublishConversation("conv", testEvent("conv", seq))
	}

	envs := drainEnvelopes(t, c)
	if len(envs) != 5 {
		t.Fatalf("got %d frames", len(envs))
	}
	for i, env := range envs {
		var p v1.MessageEventPayload
		if err := env.Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.Message.Seq != int64(i+1) {
			t.Fatalf("frame %d has seq %d", i, p.Message.Seq)
		}
	}
}

func TestRooms_SlowConsumerIsEvicted(t *testing.T) {
	t.Parallel()

	r := newTestRooms(t)
	slow := mustConnect(t, r, "slow", "alice", 1)
	fast := mustConnect(t, r, "fast", "bob", 8)
	r.Join("slow", "conv")
	r.Join("fast", "conv")

	r.PublishConversation("conv", testEvent("conv", 1))
	r.PublishConversation("conv", testEvent("conv", 2))

	select {
	case <-slow.Done():
	default:
		t.Fatalf("slow consumer was not closed")
	}
	if slow.CloseReason() != CloseReasonSlowConsumer {
		t.Fatalf("close reason=%q", slow.CloseReason())
	}
	if r.IsJoined("slow", "conv") {
		t.Fatalf("slow consumer still joined")
	}
	if got := len(drainEnvelopes(t, fast)); got != 2 {
		t.Fatalf("fast consumer got %d frames", got)
	}
}

func TestRooms_MessagesReadEvent(t *testing.T) {
	t.Parallel()

	r := newTestRooms(t)
	c := mustConnect(t, r, "c1", "alice", 8)
	r.Join("c1", "conv")

	readAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.PublishConversation("conv", messaging.Event{
		Type:           messaging.EventMessagesRead,
		ConversationID: "conv",
		Read:           &messaging.ReadReceipt{ConversationID: "conv", ReaderID: "bob", MessageIDs: []string{"m1"}, ReadAt: readAt},
	})

	envs := drainEnvelopes(t, c)
	if len(envs) != 1 || envs[0].Type != v1.TypeMessagesRead {
		t.Fatalf("got %+v", envs)
	}
	var p v1.MessagesReadPayload
	if err := envs[0].Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ReaderID != "bob" || len(p.MessageIDs) != 1 || !p.ReadAt.Equal(readAt) {
		t.Fatalf("payload=%+v", p)
	}
}

func TestRooms_Shutdown(t *testing.T) {
	t.Parallel()

	r := newTestRooms(t)
	c := mustConnect(t, r, "c1", "alice", 8)

	r.Shutdown()

	if c.CloseReason() != CloseReasonShutdown {
		t.Fatalf("close reason=%q", c.CloseReason())
	}
	if r.Connections() != 0 {
		t.Fatalf("connections=%d", r.Connections())
	}
	if err := r.OnConnect(NewClient("c2", "bob", 8)); err != ErrRoomsClosed {
		t.Fatalf("OnConnect after shutdown: %v", err)
	}
}

func TestClient_CloseIsIdempotentAndKeepsFirstReason(t *testing.T) {
	t.Parallel()

	c := NewClient("c1", "alice", 0)
	if cap(c.Send) != 64 {
		t.Fatalf("default queue=%d", cap(c.Send))
	}
	c.Close("first")
	c.Close("second")
	if c.CloseReason() != "first" {
		t.Fatalf("reason=%q", c.CloseReason())
	}
	if c.setState(StateJoined) {
		t.Fatalf("Disconnected must be terminal")
	}
}
