package chatapi

import (
	"errors"
	"net/http"

	"parlor/cmd/internal/messaging"
)

// writeServiceError maps messaging error kinds onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, messaging.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, messaging.ErrInvalidInput.Error(), causeMessage(err, "invalid request"))
	case errors.Is(err, messaging.ErrNotAParticipant):
		writeError(w, http.StatusForbidden, messaging.ErrNotAParticipant.Error(), "not a participant of this conversation")
	case errors.Is(err, messaging.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, messaging.ErrConversationNotFound.Error(), "conversation not found")
	case errors.Is(err, messaging.ErrUserNotFound):
		writeError(w, http.StatusNotFound, messaging.ErrUserNotFound.Error(), "user not found")
	case errors.Is(err, messaging.ErrPersistence):
		h.log.Error("chatapi.request.fail", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, messaging.ErrPersistence.Error(), "please retry later")
	default:
		h.log.Error("chatapi.request.fail", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// causeMessage returns the innermost cause of an op error, which carries the
// user-facing validation message.
func causeMessage(err error, fallback string) string {
	var op *messaging.OpError
	if errors.As(err, &op) && op.Err != nil {
		return op.Err.Error()
	}
	return fallback
}
