// Package chatapi is the request/response surface of parlor: conversation
// management, history paging and sends acknowledged over plain HTTP.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"parlor/cmd/internal/auth"
	"parlor/cmd/internal/messaging"
	"parlor/cmd/internal/metrics"
	"parlor/cmd/internal/ratelimit"
	v1 "parlor/shared/contracts/realtime/v1"

	"github.com/go-chi/chi/v5"
)

const defaultMaxBodyBytes = 16 << 10

// Authenticator resolves a bearer credential.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// Messenger is the subset of messaging.Service the API drives.
type Messenger interface {
	CreateOrFindDirect(ctx context.Context, userID, otherUserID string) (messaging.Conversation, bool, error)
	CreateGroup(ctx context.Context, creatorID string, participantIDs []string) (messaging.Conversation, error)
	GetConversation(ctx context.Context, requesterID, conversationID string) (messaging.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]messaging.Conversation, error)
	ListMessages(ctx context.Context, req messaging.ListMessagesRequest) (messaging.ListMessagesResult, error)
	Send(ctx context.Context, in messaging.SendInput) (messaging.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (messaging.ReadReceipt, error)
}

// Handler wires the conversation endpoints to the messaging service.
type Handler struct {
	log       *slog.Logger
	svc       Messenger
	authn     Authenticator
	metrics   *metrics.Metrics
	sendLimit ratelimit.Limiter
	ipLimit   ratelimit.Limiter

	trustProxy   bool
	maxBodyBytes int64
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

// WithSendLimiter throttles message creation per user.
func WithSendLimiter(l ratelimit.Limiter) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.sendLimit = l
		}
	}
}

// WithIPLimiter throttles every API request per client address, before authentication.
func WithIPLimiter(l ratelimit.Limiter, trustProxy bool) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.ipLimit = l
			h.trustProxy = trustProxy
		}
	}
}

func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc Messenger, authn Authenticator, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:          log,
		svc:          svc,
		authn:        authn,
		sendLimit:    ratelimit.Unlimited{},
		ipLimit:      ratelimit.Unlimited{},
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes returns the /api/conversations subtree.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.limitByIP)
	r.Use(h.requireAuth)

	r.Get("/", h.handleListConversations)
	r.Post("/direct", h.handleCreateDirect)
	r.Post("/group", h.handleCreateGroup)
	r.Route("/{conversationID}", func(r chi.Router) {
		r.Get("/", h.handleGetConversation)
		r.Get("/messages", h.handleListMessages)
		r.Post("/messages", h.handleSendMessage)
		r.Post("/read", h.handleMarkRead)
	})
	return r
}

// ---- middleware ----

func (h *Handler) limitByIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := h.ipLimit.Allow(r.Context(), "ip:"+ratelimit.ClientIP(r, h.trustProxy))
		if err != nil {
			h.log.Warn("chatapi.ratelimit.fail", "err", err)
		} else if !d.Allowed {
			h.metrics.ObserveRateLimited("http_ip")
			writeRateLimited(w, d.RetryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, err := h.authn.Authenticate(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			h.metrics.ObserveAuthFailure(auth.Reason(err))
			if errors.Is(err, auth.ErrDirectoryUnavailable) {
				h.log.Error("chatapi.auth.directory.fail", "err", err)
				writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="parlor"`)
			writeError(w, http.StatusUnauthorized, "unauthenticated", "valid bearer token required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), ident)))
	})
}

func userID(r *http.Request) string {
	ident, _ := auth.IdentityFrom(r.Context())
	return ident.UserID
}

// ---- handlers ----

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.svc.ListConversations(r.Context(), userID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := conversationListResponse{Conversations: make([]conversationResponse, 0, len(convs))}
	for _, c := range convs {
		out.Conversations = append(out.Conversations, toConversationResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateDirect(w http.ResponseWriter, r *http.Request) {
	var req createDirectRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	conv, created, err := h.svc.CreateOrFindDirect(r.Context(), userID(r), req.OtherUserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toConversationResponse(conv))
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	conv, err := h.svc.CreateGroup(r.Context(), userID(r), req.ParticipantIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConversationResponse(conv))
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.GetConversation(r.Context(), userID(r), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	q := r.URL.Query()

	var afterSeq *int64
	if raw := strings.TrimSpace(q.Get("afterSeq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, messaging.ErrInvalidInput.Error(), "afterSeq must be a non-negative integer")
			return
		}
		afterSeq = &n
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, messaging.ErrInvalidInput.Error(), "limit must be a positive integer")
			return
		}
		limit = n
	}

	res, err := h.svc.ListMessages(r.Context(), messaging.ListMessagesRequest{
		ConversationID: convID,
		RequesterID:    userID(r),
		AfterSeq:       afterSeq,
		Limit:          limit,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	msgs := make([]v1.Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		msgs = append(msgs, toMessage(m))
	}
	writeJSON(w, http.StatusOK, v1.MessagesChunkPayload{
		ConversationID: convID,
		Messages:       msgs,
		HasMore:        res.HasMore,
	})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	uid := userID(r)
	d, err := h.sendLimit.Allow(r.Context(), "user:"+uid)
	if err != nil {
		h.log.Warn("chatapi.ratelimit.fail", "err", err)
	} else if !d.Allowed {
		h.metrics.ObserveRateLimited("send")
		writeRateLimited(w, d.RetryAfter)
		return
	}

	msg, err := h.svc.Send(r.Context(), messaging.SendInput{
		ConversationID: chi.URLParam(r, "conversationID"),
		SenderID:       uid,
		Content:        req.Content,
		Kind:           messaging.MessageKind(req.Kind),
		ClientMsgID:    req.ClientMsgID,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: toMessage(msg)})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	rr, err := h.svc.MarkRead(r.Context(), chi.URLParam(r, "conversationID"), userID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	ids := rr.MessageIDs
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, v1.MessagesReadPayload{
		ConversationID: rr.ConversationID,
		ReaderID:       rr.ReaderID,
		MessageIDs:     ids,
		ReadAt:         rr.ReadAt,
	})
}
