// Package main provides a CI-friendly websocket smoke test for a running parlor server.
//
// It validates:
//   - handshake, subprotocol selection and hello/hello_ack
//   - direct conversation creation over the HTTP API
//   - send -> message_ack plus message_created for the joined sender
//   - message_notification for a participant that has not joined
//   - history fetch and idempotent resend by clientMsgId
//   - client reconciliation converging on one entry per message
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "parlor/shared/contracts/realtime/v1"
	"parlor/shared/reconcile"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	userID string
	inbox  *reconcile.Inbox

	// created holds the ids seen in message_created frames.
	created map[string]bool

	frames chan v1.Envelope
	errCh  chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "websocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		tokenA  = flag.String("token-a", os.Getenv("PARLOR_SMOKE_TOKEN_A"), "access token for client A")
		tokenB  = flag.String("token-b", os.Getenv("PARLOR_SMOKE_TOKEN_B"), "access token for client B")
		text    = flag.String("text", "hello parlor", "message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	apiBase, err := apiBaseURL(*wsURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*tokenA) == "" || strings.TrimSpace(*tokenB) == "" {
		fatalf("-token-a and -token-b are required (mint them with parlortoken)")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s\n", a.userID, b.userID)
	}

	convID := mustCreateDirect(root, apiBase, *tokenA, b.userID, *timeout)
	a.inbox.Open(convID)
	mustJoin(root, a, convID, *timeout)

	// B has not joined: it must get a notification, not a room broadcast.
	p1, m1 := mustSend(root, a, convID, *text, *timeout)
	mustAwaitCreated(root, a, m1.ID, *timeout)
	n := b.mustReadUntilType(root, v1.TypeMessageNotification, *timeout)
	var np v1.MessageEventPayload
	mustDecode(n, &np)
	if np.Message.ID != m1.ID || np.Message.Content != *text {
		fatalf("notification mismatch: got id=%q content=%q", np.Message.ID, np.Message.Content)
	}
	mustSingleEntry(a, convID, m1.ID)

	b.inbox.Open(convID)
	mustJoin(root, b, convID, *timeout)

	_, m2 := mustSend(root, a, convID, *text+" again", *timeout)
	mustAwaitCreated(root, b, m2.ID, *timeout)
	mustSingleEntry(b, convID, m2.ID)

	mustFetchContains(root, b, convID, []string{m1.ID, m2.ID}, *timeout)

	// Resending the same clientMsgId returns the stored message.
	dup := mustSendPayload(root, a, p1.SendPayload(), *timeout)
	if dup.ID != m1.ID || dup.Seq != m1.Seq {
		fatalf("dedupe: got id=%s seq=%d want id=%s seq=%d", dup.ID, dup.Seq, m1.ID, m1.Seq)
	}

	mustWrite(root, b.conn, v1.TypeMarkRead, v1.ConversationPayload{ConversationID: convID}, *timeout)
	read := b.mustReadUntilType(root, v1.TypeMessagesRead, *timeout)
	var rp v1.MessagesReadPayload
	mustDecode(read, &rp)
	if rp.ReaderID != b.userID || len(rp.MessageIDs) == 0 {
		fatalf("messages_read mismatch: %+v", rp)
	}

	fmt.Printf("OK: A=%s B=%s conversation=%s seq=%d message=%s\n", a.userID, b.userID, convID, m2.Seq, m2.ID)
}

func apiBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:    name,
		conn:    conn,
		frames:  make(chan v1.Envelope, 512),
		errCh:   make(chan error, 1),
		created: make(map[string]bool),
	}
	c.startReadLoop()

	mustWrite(parent, conn, v1.TypeHello, v1.HelloPayload{}, stepTimeout)
	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	mustDecode(ack, &p)
	if strings.TrimSpace(p.ConnectionID) == "" || strings.TrimSpace(p.UserID) == "" {
		fatalf("hello_ack incomplete (%s): %+v", name, p)
	}
	c.userID = p.UserID
	c.inbox = reconcile.NewInbox(p.UserID)
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.frames)
		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}
			select {
			case c.frames <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustReadUntilType feeds every frame to the client's inbox and returns the
// first frame of type want. A server error frame aborts the run.
func (c *smokeClient) mustReadUntilType(parent context.Context, want string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s)", want, c.name)
		case err := <-c.errCh:
			fatalf("read loop (%s): %v", c.name, err)
		case env, ok := <-c.frames:
			if !ok {
				fatalf("connection closed waiting for %s (%s)", want, c.name)
			}
			if env.Type == v1.TypeError && want != v1.TypeError {
				var p v1.ErrorPayload
				_ = env.Decode(&p)
				fatalf("server error (%s): %s: %s", c.name, p.Code, p.Message)
			}
			mustApply(c, env)
			if env.Type == want {
				return env
			}
		}
	}
}

func mustApply(c *smokeClient, env v1.Envelope) {
	if env.Type == v1.TypeMessageCreated {
		var p v1.MessageEventPayload
		mustDecode(env, &p)
		c.created[p.Message.ID] = true
	}
	if c.inbox == nil {
		return
	}
	if err := c.inbox.Handle(env); err != nil {
		fatalf("reconcile (%s): %v", c.name, err)
	}
}

func mustCreateDirect(parent context.Context, apiBase, token, otherUserID string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"otherUserId": otherUserID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/api/conversations/direct", bytes.NewReader(body))
	if err != nil {
		fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create direct: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		fatalf("create direct: status %d", resp.StatusCode)
	}

	var conv struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil || conv.ID == "" {
		fatalf("create direct: bad response: %v", err)
	}
	return conv.ID
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, v1.TypeJoinConversation, v1.ConversationPayload{ConversationID: convID}, stepTimeout)
	env := c.mustReadUntilType(parent, v1.TypeJoinedConversation, stepTimeout)

	var p v1.ConversationPayload
	mustDecode(env, &p)
	if p.ConversationID != convID {
		fatalf("joined mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

// mustSend sends through a placeholder in the client's timeline.
func mustSend(parent context.Context, c *smokeClient, convID, text string, stepTimeout time.Duration) (reconcile.Placeholder, v1.Message) {
	tl, ok := c.inbox.Timeline(convID)
	if !ok {
		fatalf("conversation %s not open (%s)", convID, c.name)
	}
	p := reconcile.NewPlaceholder(convID, c.userID, text, v1.KindText, time.Now())
	if err := tl.AddPlaceholder(p); err != nil {
		fatalf("placeholder (%s): %v", c.name, err)
	}
	msg := mustSendPayload(parent, c, p.SendPayload(), stepTimeout)
	if msg.Seq <= 0 || msg.SenderID != c.userID {
		fatalf("ack invalid (%s): %+v", c.name, msg)
	}
	return p, msg
}

func mustSendPayload(parent context.Context, c *smokeClient, payload v1.SendMessagePayload, stepTimeout time.Duration) v1.Message {
	mustWrite(parent, c.conn, v1.TypeSendMessage, payload, stepTimeout)
	env := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout)

	var p v1.MessageAckPayload
	mustDecode(env, &p)
	if p.ClientMsgID != payload.ClientMsgID {
		fatalf("ack clientMsgId mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, payload.ClientMsgID)
	}
	return p.Message
}

// mustAwaitCreated returns once the room broadcast for messageID has been
// seen; it may already have arrived ahead of the ack.
func mustAwaitCreated(parent context.Context, c *smokeClient, messageID string, stepTimeout time.Duration) {
	for !c.created[messageID] {
		c.mustReadUntilType(parent, v1.TypeMessageCreated, stepTimeout)
	}
}

func mustSingleEntry(c *smokeClient, convID, messageID string) {
	tl, ok := c.inbox.Timeline(convID)
	if !ok {
		fatalf("conversation %s not open (%s)", convID, c.name)
	}
	n := 0
	for _, e := range tl.Entries() {
		if e.Pending {
			fatalf("placeholder still pending (%s): %s", c.name, e.TempID)
		}
		if e.Message.ID == messageID {
			n++
		}
	}
	if n != 1 {
		fatalf("reconcile (%s): %d entries for %s, want 1", c.name, n, messageID)
	}
}

func mustFetchContains(parent context.Context, c *smokeClient, convID string, want []string, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, v1.TypeFetchMessages, v1.FetchMessagesPayload{ConversationID: convID, Limit: 50}, stepTimeout)
	env := c.mustReadUntilType(parent, v1.TypeMessagesChunk, stepTimeout)

	var p v1.MessagesChunkPayload
	mustDecode(env, &p)
	have := make(map[string]bool, len(p.Messages))
	for _, m := range p.Messages {
		have[m.ID] = true
	}
	for _, id := range want {
		if !have[id] {
			fatalf("messages_chunk missing %s (%s)", id, c.name)
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, typ string, payload any, stepTimeout time.Duration) {
	env, err := v1.NewEnvelope(typ, uuid.NewString(), time.Now().UTC(), payload)
	if err != nil {
		fatalf("envelope %s: %v", typ, err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal %s: %v", typ, err)
	}
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		fatalf("write %s: %v", typ, err)
	}
}

func mustDecode(env v1.Envelope, dst any) {
	if err := env.Decode(dst); err != nil {
		fatalf("decode %s: %v", env.Type, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
