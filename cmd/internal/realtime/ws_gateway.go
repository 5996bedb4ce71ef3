package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"parlor/cmd/identity/ids"
	"parlor/cmd/internal/auth"
	"parlor/cmd/internal/messaging"
	"parlor/cmd/internal/metrics"
	"parlor/cmd/internal/ratelimit"
	v1 "parlor/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Error codes local to the gateway. Domain failures use messaging.Code.
const (
	codeBadJSON     = "bad_json"
	codeBadEnvelope = "bad_envelope"
	codeBadPayload  = "bad_payload"
	codeRateLimited = "rate_limited"
	codeUnsupported = "unsupported"
	codeInternal    = "internal"
)

// Authenticator resolves the bearer credential presented at upgrade time.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// Messenger is the ingestion surface the gateway drives.
type Messenger interface {
	Send(ctx context.Context, in messaging.SendInput) (messaging.Message, error)
	AuthorizeJoin(ctx context.Context, userID, conversationID string) error
	ListMessages(ctx context.Context, req messaging.ListMessagesRequest) (messaging.ListMessagesResult, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (messaging.ReadReceipt, error)
}

// WSGateway is the WebSocket entrypoint for parlor realtime.
//
// It authenticates before the upgrade, enforces origin policy, subprotocol
// selection, rate limits and heartbeats, and routes validated envelopes to
// Rooms and the Messenger.
type WSGateway struct {
	log       *slog.Logger
	rooms     *Rooms
	messenger Messenger
	authn     Authenticator
	metrics   *metrics.Metrics
	sendLimit ratelimit.Limiter
	now       func() time.Time

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
	allowAnyOrigin bool
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway)

func WithGatewayMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// WithSendLimiter sets the per-user budget for send_message, shared with the HTTP API.
func WithSendLimiter(l ratelimit.Limiter) GatewayOption {
	return func(g *WSGateway) {
		if l != nil {
			g.sendLimit = l
		}
	}
}

// NewWSGateway constructs a gateway. cfg is normalized; zero values fall back to defaults.
func NewWSGateway(log *slog.Logger, rooms *Rooms, messenger Messenger, authn Authenticator, cfg GatewayConfig, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if rooms == nil {
		rooms = NewRooms(log)
	}
	cfg.normalize()

	g := &WSGateway{
		log:       log,
		rooms:     rooms,
		messenger: messenger,
		authn:     authn,
		sendLimit: ratelimit.Unlimited{},
		now:       func() time.Time { return time.Now().UTC() },
		cfg:       cfg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	// websocket.Accept enforces its own origin policy (same-host, or
	// OriginPatterns for cross-origin). Derive the patterns from the
	// allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins)
	for _, a := range cfg.AllowedOrigins {
		if a == "*" {
			g.allowAnyOrigin = true
		}
	}
	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades the request and runs the session loops.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ident, err := g.authn.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		reason := auth.Reason(err)
		g.metrics.ObserveAuthFailure(reason)
		g.log.Info("ws.reject.auth", "reason", reason, "remote", r.RemoteAddr, "err", err)
		if errors.Is(err, auth.ErrDirectoryUnavailable) {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="parlor"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure || g.allowAnyOrigin,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := ids.New(g.now())
	if err != nil {
		g.log.Error("ws.connection_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(connID, ident.UserID, g.cfg.SendQueueSize)

	if err := g.rooms.OnConnect(client); err != nil {
		g.log.Info("ws.reject.connect", "connection_id", connID, "err", err)
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	g.metrics.ConnectionOpened()
	defer g.metrics.ConnectionClosed()

	log := g.log.With("connection_id", connID, "user_id", ident.UserID)
	log.Info("ws.connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &session{
		g:      g,
		log:    log,
		conn:   conn,
		client: client,
		cancel: cancel,
		rl:     ratelimit.NewSlidingWindow(g.cfg.RateEvents, g.cfg.RateWindow),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop(ctx)
	}()

	s.readLoop(ctx)

	s.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	log.Info("ws.disconnected", "reason", client.CloseReason())
}

// session is the per-connection state shared by the three loops.
type session struct {
	g      *WSGateway
	log    *slog.Logger
	conn   *websocket.Conn
	client *Client
	cancel context.CancelFunc
	rl     *ratelimit.SlidingWindow

	closeOnce sync.Once
}

// shutdown is idempotent. Memberships are dropped before the client is
// closed, and Send is never closed.
func (s *session) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.g.rooms.Disconnect(s.client.ConnectionID)
		s.client.Close(reason)
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			// Closed from outside: slow consumer eviction or server shutdown.
			switch s.client.CloseReason() {
			case CloseReasonSlowConsumer:
				s.shutdown(websocket.StatusTryAgainLater, CloseReasonSlowConsumer)
			case CloseReasonShutdown:
				s.shutdown(websocket.StatusGoingAway, CloseReasonShutdown)
			default:
				s.shutdown(websocket.StatusNormalClosure, "bye")
			}
			return
		case frame := <-s.client.Send:
			if err := writeFrame(ctx, s.conn, frame, s.g.cfg.WriteTimeout); err != nil {
				s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *session) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(s.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, s.g.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				s.log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	for {
		readCtx, readCancel := context.WithTimeout(ctx, s.g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, s.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				s.shutdown(websocket.StatusNormalClosure, CloseReasonPeer)
				return
			case readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				s.shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				s.sendError("", codeBadJSON, "invalid JSON")
				continue
			default:
				s.log.Info("ws.read.fail", "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		if !s.rl.Allow(s.g.now()) {
			s.g.metrics.ObserveRateLimited("ws_connection")
			s.writeErrorNow(ctx, env.ID, codeRateLimited, "too many events")
			s.shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			s.sendError(env.ID, codeBadEnvelope, err.Error())
			continue
		}

		if !s.dispatch(ctx, env) {
			return
		}
	}
}

// dispatch handles one envelope. It returns false when the session ended.
func (s *session) dispatch(ctx context.Context, env v1.Envelope) bool {
	switch env.Type {
	case v1.TypeHello:
		return s.onHello(ctx, env)
	case v1.TypeJoinConversation:
		return s.onJoin(ctx, env)
	case v1.TypeLeaveConversation:
		return s.onLeave(env)
	case v1.TypeSendMessage:
		return s.onSendMessage(ctx, env)
	case v1.TypeMarkRead:
		return s.onMarkRead(ctx, env)
	case v1.TypeFetchMessages:
		return s.onFetchMessages(ctx, env)
	default:
		return s.sendError(env.ID, codeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

// ---- handlers ----

func (s *session) onHello(ctx context.Context, env v1.Envelope) bool {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := env.Decode(&p); err != nil {
			return s.sendError(env.ID, codeBadPayload, "invalid payload")
		}
	}

	resume := make([]string, 0, len(p.Resume))
	for _, id := range p.Resume {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if s.g.cfg.RequireMembership {
			if err := s.g.messenger.AuthorizeJoin(ctx, s.client.UserID, id); err != nil {
				s.log.Info("ws.resume.skip", "conversation_id", id, "code", messaging.Code(err))
				continue
			}
		}
		resume = append(resume, id)
	}

	if _, err := s.g.rooms.ReconnectRejoin(s.client, resume); err != nil {
		s.shutdown(websocket.StatusGoingAway, CloseReasonShutdown)
		return false
	}

	rooms := s.g.rooms.JoinedRooms(s.client.ConnectionID)
	names := make([]string, 0, len(rooms))
	for _, r := range rooms {
		names = append(names, string(r))
	}
	return s.reply(v1.TypeHelloAck, v1.HelloAckPayload{
		ConnectionID: s.client.ConnectionID,
		UserID:       s.client.UserID,
		Rooms:        names,
	})
}

func (s *session) onJoin(ctx context.Context, env v1.Envelope) bool {
	var p v1.ConversationPayload
	if err := env.Decode(&p); err != nil {
		return s.sendError(env.ID, codeBadPayload, "invalid payload")
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return s.sendError(env.ID, messaging.ErrInvalidInput.Error(), "missing conversationId")
	}

	if s.g.cfg.RequireMembership {
		if err := s.g.messenger.AuthorizeJoin(ctx, s.client.UserID, convID); err != nil {
			return s.sendDomainError(env.ID, err)
		}
	}

	if !s.g.rooms.Join(s.client.ConnectionID, convID) {
		return false
	}
	s.g.metrics.ObserveJoin()
	return s.reply(v1.TypeJoinedConversation, v1.ConversationPayload{ConversationID: convID})
}

func (s *session) onLeave(env v1.Envelope) bool {
	var p v1.ConversationPayload
	if err := env.Decode(&p); err != nil {
		return s.sendError(env.ID, codeBadPayload, "invalid payload")
	}
	convID := strings.TrimSpace(p.ConversationID)
	s.g.rooms.Leave(s.client.ConnectionID, convID)
	return s.reply(v1.TypeLeftConversation, v1.ConversationPayload{ConversationID: convID})
}

func (s *session) onSendMessage(ctx context.Context, env v1.Envelope) bool {
	var p v1.SendMessagePayload
	decodeErr := env.Decode(&p)

	// Send failures name the clientMsgId so the client can roll back its placeholder.
	fail := func(code, msg string) bool {
		return s.reply(v1.TypeError, v1.ErrorPayload{
			Code:           code,
			Message:        msg,
			RequestID:      env.ID,
			ConversationID: strings.TrimSpace(p.ConversationID),
			ClientMsgID:    p.ClientMsgID,
		})
	}
	if decodeErr != nil {
		return fail(codeBadPayload, "invalid payload")
	}

	d, err := s.g.sendLimit.Allow(ctx, "user:"+s.client.UserID)
	if err != nil {
		s.log.Warn("ws.ratelimit.fail", "err", err)
	} else if !d.Allowed {
		s.g.metrics.ObserveRateLimited("send")
		return fail(codeRateLimited, fmt.Sprintf("retry after %s", d.RetryAfter.Round(time.Millisecond)))
	}

	msg, err := s.g.messenger.Send(ctx, messaging.SendInput{
		ConversationID: p.ConversationID,
		SenderID:       s.client.UserID,
		Content:        p.Content,
		Kind:           messaging.MessageKind(p.Kind),
		ClientMsgID:    p.ClientMsgID,
	})
	if err != nil {
		return fail(s.domainError(err))
	}

	return s.reply(v1.TypeMessageAck, v1.MessageAckPayload{
		ClientMsgID: p.ClientMsgID,
		Message:     toWireMessage(msg),
	})
}

func (s *session) onMarkRead(ctx context.Context, env v1.Envelope) bool {
	var p v1.ConversationPayload
	if err := env.Decode(&p); err != nil {
		return s.sendError(env.ID, codeBadPayload, "invalid payload")
	}

	rr, err := s.g.messenger.MarkRead(ctx, p.ConversationID, s.client.UserID)
	if err != nil {
		return s.sendDomainError(env.ID, err)
	}

	// The room broadcast already reached this connection when it is joined
	// and something changed.
	if len(rr.MessageIDs) > 0 && s.g.rooms.IsJoined(s.client.ConnectionID, rr.ConversationID) {
		return true
	}
	return s.reply(v1.TypeMessagesRead, readPayload(rr))
}

func (s *session) onFetchMessages(ctx context.Context, env v1.Envelope) bool {
	var p v1.FetchMessagesPayload
	if err := env.Decode(&p); err != nil {
		return s.sendError(env.ID, codeBadPayload, "invalid payload")
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	out, err := s.g.messenger.ListMessages(ctx, messaging.ListMessagesRequest{
		ConversationID: p.ConversationID,
		RequesterID:    s.client.UserID,
		AfterSeq:       p.AfterSeq,
		Limit:          limit,
	})
	if err != nil {
		return s.sendDomainError(env.ID, err)
	}

	return s.reply(v1.TypeMessagesChunk, v1.MessagesChunkPayload{
		ConversationID: strings.TrimSpace(p.ConversationID),
		Messages:       toWireMessages(out.Messages),
		HasMore:        out.HasMore,
	})
}

// ---- send helpers ----

// reply enqueues a server envelope. A full queue evicts the connection as a
// slow consumer and returns false.
func (s *session) reply(typ string, payload any) bool {
	frame, err := newFrame(typ, s.g.now(), payload)
	if err != nil {
		s.log.Error("ws.encode.fail", "type", typ, "err", err)
		return true
	}
	return s.enqueue(frame)
}

func (s *session) enqueue(frame []byte) bool {
	select {
	case <-s.client.Done():
		return false
	default:
	}
	if s.client.offer(frame) {
		return true
	}
	s.g.metrics.ObserveSlowConsumer()
	s.log.Warn("ws.slow_consumer")
	s.shutdown(websocket.StatusTryAgainLater, CloseReasonSlowConsumer)
	return false
}

func (s *session) sendError(requestID, code, msg string) bool {
	return s.reply(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, RequestID: requestID})
}

// writeErrorNow writes an error frame directly, bypassing the queue, for
// errors that are immediately followed by a close.
func (s *session) writeErrorNow(ctx context.Context, requestID, code, msg string) {
	frame, err := newFrame(v1.TypeError, s.g.now(), v1.ErrorPayload{Code: code, Message: msg, RequestID: requestID})
	if err != nil {
		return
	}
	if err := writeFrame(ctx, s.conn, frame, s.g.cfg.WriteTimeout); err != nil {
		s.log.Info("ws.write.fail", "err", err)
	}
}

func (s *session) sendDomainError(requestID string, err error) bool {
	code, msg := s.domainError(err)
	return s.sendError(requestID, code, msg)
}

// domainError maps a messaging error to its wire code and message.
func (s *session) domainError(err error) (code, msg string) {
	code = messaging.Code(err)
	switch code {
	case "":
		s.log.Error("ws.request.fail", "err", err)
		return codeInternal, "internal error"
	case messaging.ErrPersistence.Error():
		s.log.Error("ws.request.fail", "code", code, "err", err)
		return code, "message could not be stored"
	case messaging.ErrInvalidInput.Error():
		return code, err.Error()
	default:
		return code, strings.ReplaceAll(code, "_", " ")
	}
}

// ---- frame IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores port and scheme.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, unique host
// patterns of the allowlist for websocket.AcceptOptions.OriginPatterns.
// Accept matches against host:port, so every host also gets a port wildcard
// to agree with enforceOrigin.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, 2*len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
