package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"parlor/cmd/identity"
	"parlor/cmd/identity/ids"
	"parlor/cmd/internal/metrics"
)

const defaultSendTimeout = 10 * time.Second

// Service is the message ingestion and conversation API.
type Service struct {
	store   Store
	fanout  Fanout
	users   identity.Directory
	seq     *sequencer
	log     *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	now         func() time.Time
	newID       func(time.Time) (string, error)
	sendTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithDirectory enables participant existence checks on conversation creation.
func WithDirectory(d identity.Directory) Option {
	return func(s *Service) { s.users = d }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the collectors. nil disables metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides id generation.
func WithIDGenerator(gen func(time.Time) (string, error)) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithSendTimeout bounds persist plus fan-out for one Send.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// NewService wires a store with a fan-out layer. A nil fanout disables delivery.
func NewService(store Store, fanout Fanout, opts ...Option) *Service {
	if fanout == nil {
		fanout = NopFanout{}
	}
	s := &Service{
		store:       store,
		fanout:      fanout,
		seq:         newSequencer(),
		log:         slog.Default(),
		tracer:      otel.Tracer("parlor/messaging"),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       ids.New,
		sendTimeout: defaultSendTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SendInput is a message submission from an authenticated sender.
type SendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Kind           MessageKind
	ClientMsgID    string
}

// Send persists a message and fans it out.
//
// On success the message is published as message_created to the conversation
// room and as message_notification to the personal room of every other
// participant that had no connection in the conversation room at publish time.
// A repeated ClientMsgID returns the original message without a second fan-out.
//
// Send is not cancelled by the caller going away (e.g. a websocket closing
// mid-send); it is bounded by its own timeout instead.
func (s *Service) Send(ctx context.Context, in SendInput) (Message, error) {
	const op = "messaging.Send"
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sendTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("parlor.conversation_id", in.ConversationID),
		attribute.String("parlor.sender_id", in.SenderID),
	))
	defer span.End()

	msg, result, err := s.send(ctx, op, in)
	s.metrics.ObserveSend(result, time.Since(start).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, Code(err))
		if errors.Is(err, ErrPersistence) {
			span.RecordError(err)
			s.log.Error("messaging.send.fail",
				slog.String("conversation_id", in.ConversationID),
				slog.String("sender_id", in.SenderID),
				slog.Any("err", err),
			)
		}
		return Message{}, err
	}
	span.SetAttributes(attribute.Int64("parlor.seq", msg.Seq), attribute.String("parlor.result", result))
	return msg, nil
}

func (s *Service) send(ctx context.Context, op string, in SendInput) (Message, string, error) {
	convID := strings.TrimSpace(in.ConversationID)
	sender := strings.TrimSpace(in.SenderID)
	if convID == "" || sender == "" {
		return Message{}, "rejected", invalid(op, "conversation and sender are required")
	}
	content, kind, err := normalizeContent(op, in.Content, in.Kind)
	if err != nil {
		return Message{}, "rejected", err
	}
	clientMsgID := strings.TrimSpace(in.ClientMsgID)
	if len(clientMsgID) > 128 {
		return Message{}, "rejected", invalid(op, "client message id is too long")
	}

	conv, err := s.conversationFor(ctx, op, convID, sender)
	if err != nil {
		if errors.Is(err, ErrPersistence) {
			return Message{}, "error", err
		}
		return Message{}, "rejected", err
	}

	// Persist and publish under the conversation's sequencer so that the
	// order seen by subscribers is the commit order.
	unlock := s.seq.Lock(convID)
	defer unlock()

	now := s.now()
	id, err := s.newID(now)
	if err != nil {
		return Message{}, "error", opErr(op, ErrPersistence, err)
	}

	res, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		Kind:           kind,
		ClientMsgID:    clientMsgID,
		Now:            now,
	})
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return Message{}, "rejected", opErr(op, ErrConversationNotFound, nil)
		}
		s.metrics.ObserveStoreError("append")
		return Message{}, "error", opErr(op, ErrPersistence, err)
	}
	if res.Duplicated {
		s.log.Debug("messaging.send.duplicate",
			slog.String("conversation_id", convID),
			slog.String("client_msg_id", clientMsgID),
			slog.Int64("seq", res.Message.Seq),
		)
		return res.Message, "duplicate", nil
	}

	s.publishMessage(conv, res.Message)
	return res.Message, "ok", nil
}

// publishMessage must be called with the conversation's sequencer held.
func (s *Service) publishMessage(conv Conversation, msg Message) {
	m := msg
	joined := s.fanout.PublishConversation(conv.ID, Event{
		Type:           EventMessageCreated,
		ConversationID: conv.ID,
		Message:        &m,
	})

	for _, p := range conv.ParticipantIDs {
		if p == msg.SenderID {
			continue
		}
		if _, inRoom := joined[p]; inRoom {
			continue
		}
		s.fanout.PublishUser(p, Event{
			Type:           EventMessageNotification,
			ConversationID: conv.ID,
			Message:        &m,
		})
		s.metrics.ObserveNotification()
	}
}

// conversationFor loads a conversation and checks that userID participates.
func (s *Service) conversationFor(ctx context.Context, op, conversationID, userID string) (Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return Conversation{}, opErr(op, ErrConversationNotFound, nil)
		}
		s.metrics.ObserveStoreError("get_conversation")
		return Conversation{}, opErr(op, ErrPersistence, err)
	}
	if !conv.HasParticipant(userID) {
		return Conversation{}, opErr(op, ErrNotAParticipant, nil)
	}
	return conv, nil
}

// AuthorizeJoin reports whether userID may join the conversation's room.
func (s *Service) AuthorizeJoin(ctx context.Context, userID, conversationID string) error {
	const op = "messaging.AuthorizeJoin"
	userID, conversationID = strings.TrimSpace(userID), strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return invalid(op, "user and conversation are required")
	}
	_, err := s.conversationFor(ctx, op, conversationID, userID)
	return err
}

// GetConversation returns a conversation the requester participates in.
func (s *Service) GetConversation(ctx context.Context, requesterID, conversationID string) (Conversation, error) {
	return s.conversationFor(ctx, "messaging.GetConversation", strings.TrimSpace(conversationID), strings.TrimSpace(requesterID))
}

// CreateOrFindDirect returns the unique direct conversation between userID and
// otherUserID, creating it if needed. The bool reports creation.
func (s *Service) CreateOrFindDirect(ctx context.Context, userID, otherUserID string) (Conversation, bool, error) {
	const op = "messaging.CreateOrFindDirect"
	userID, otherUserID = strings.TrimSpace(userID), strings.TrimSpace(otherUserID)
	if userID == "" || otherUserID == "" {
		return Conversation{}, false, invalid(op, "both users are required")
	}
	if userID == otherUserID {
		return Conversation{}, false, invalid(op, "cannot start a conversation with yourself")
	}
	if err := s.checkUsers(ctx, op, otherUserID); err != nil {
		return Conversation{}, false, err
	}

	now := s.now()
	id, err := s.newID(now)
	if err != nil {
		return Conversation{}, false, opErr(op, ErrPersistence, err)
	}
	conv, created, err := s.store.CreateDirectConversation(ctx, CreateDirectInput{
		ID: id, UserA: userID, UserB: otherUserID, Now: now,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return Conversation{}, false, err
		}
		s.metrics.ObserveStoreError("create_direct")
		return Conversation{}, false, opErr(op, ErrPersistence, err)
	}
	if created {
		s.log.Info("messaging.conversation.created",
			slog.String("conversation_id", conv.ID),
			slog.String("kind", string(conv.Kind)),
		)
	}
	return conv, created, nil
}

// CreateGroup creates a group conversation of creatorID plus participantIDs.
func (s *Service) CreateGroup(ctx context.Context, creatorID string, participantIDs []string) (Conversation, error) {
	const op = "messaging.CreateGroup"
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return Conversation{}, invalid(op, "creator is required")
	}
	parts := normalizeParticipants(append([]string{creatorID}, participantIDs...))
	if len(parts) < 2 {
		return Conversation{}, invalid(op, "a group needs at least one other participant")
	}
	others := make([]string, 0, len(parts)-1)
	for _, p := range parts {
		if p != creatorID {
			others = append(others, p)
		}
	}
	if err := s.checkUsers(ctx, op, others...); err != nil {
		return Conversation{}, err
	}

	now := s.now()
	id, err := s.newID(now)
	if err != nil {
		return Conversation{}, opErr(op, ErrPersistence, err)
	}
	conv, err := s.store.CreateGroupConversation(ctx, CreateGroupInput{ID: id, ParticipantIDs: parts, Now: now})
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return Conversation{}, err
		}
		s.metrics.ObserveStoreError("create_group")
		return Conversation{}, opErr(op, ErrPersistence, err)
	}
	s.log.Info("messaging.conversation.created",
		slog.String("conversation_id", conv.ID),
		slog.String("kind", string(conv.Kind)),
		slog.Int("participants", len(conv.ParticipantIDs)),
	)
	return conv, nil
}

func (s *Service) checkUsers(ctx context.Context, op string, userIDs ...string) error {
	if s.users == nil {
		return nil
	}
	for _, id := range userIDs {
		if _, err := s.users.GetUser(ctx, id); err != nil {
			if identity.IsNotFound(err) || identity.IsInvalidInput(err) {
				return opErr(op, ErrUserNotFound, err)
			}
			return opErr(op, ErrPersistence, err)
		}
	}
	return nil
}

// ListConversations returns userID's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	const op = "messaging.ListConversations"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid(op, "user is required")
	}
	cs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		s.metrics.ObserveStoreError("list_conversations")
		return nil, opErr(op, ErrPersistence, err)
	}
	return cs, nil
}

// ListMessagesRequest carries the requester so participation can be checked.
type ListMessagesRequest struct {
	ConversationID string
	RequesterID    string
	AfterSeq       *int64
	Limit          int
}

// ListMessages returns one page of a conversation's history, ordered by seq.
// Paging by AfterSeq makes it restartable after a reconnect.
func (s *Service) ListMessages(ctx context.Context, req ListMessagesRequest) (ListMessagesResult, error) {
	const op = "messaging.ListMessages"
	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		return ListMessagesResult{}, invalid(op, "conversation is required")
	}
	if req.AfterSeq != nil && *req.AfterSeq < 0 {
		return ListMessagesResult{}, invalid(op, "afterSeq must not be negative")
	}
	if _, err := s.conversationFor(ctx, op, convID, strings.TrimSpace(req.RequesterID)); err != nil {
		return ListMessagesResult{}, err
	}
	res, err := s.store.ListMessages(ctx, ListMessagesInput{
		ConversationID: convID,
		AfterSeq:       req.AfterSeq,
		Limit:          req.Limit,
	})
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return ListMessagesResult{}, opErr(op, ErrConversationNotFound, nil)
		}
		s.metrics.ObserveStoreError("list_messages")
		return ListMessagesResult{}, opErr(op, ErrPersistence, err)
	}
	return res, nil
}

// MarkRead marks every unread message sent by others as read by readerID and
// publishes messages_read to the conversation room when anything changed.
// Like Send it outlives the caller's context and is bounded by the send timeout.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string) (ReadReceipt, error) {
	const op = "messaging.MarkRead"
	conversationID, readerID = strings.TrimSpace(conversationID), strings.TrimSpace(readerID)
	if conversationID == "" || readerID == "" {
		return ReadReceipt{}, invalid(op, "conversation and reader are required")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sendTimeout)
	defer cancel()
	if _, err := s.conversationFor(ctx, op, conversationID, readerID); err != nil {
		return ReadReceipt{}, err
	}

	unlock := s.seq.Lock(conversationID)
	defer unlock()

	now := s.now()
	ids, err := s.store.MarkRead(ctx, MarkReadInput{ConversationID: conversationID, ReaderID: readerID, Now: now})
	if err != nil {
		s.metrics.ObserveStoreError("mark_read")
		return ReadReceipt{}, opErr(op, ErrPersistence, err)
	}
	rr := ReadReceipt{ConversationID: conversationID, ReaderID: readerID, MessageIDs: ids, ReadAt: now}
	if len(ids) > 0 {
		s.fanout.PublishConversation(conversationID, Event{
			Type:           EventMessagesRead,
			ConversationID: conversationID,
			Read:           &rr,
		})
	}
	return rr, nil
}
