package messaging

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, stable for errors.Is and API status mapping.
var (
	ErrInvalidInput         = errors.New("invalid_input")
	ErrNotAParticipant      = errors.New("not_a_participant")
	ErrConversationNotFound = errors.New("conversation_not_found")
	ErrUserNotFound         = errors.New("user_not_found")
	ErrPersistence          = errors.New("persistence_failure")
)

// OpError is a typed operation error. Kind is one of the sentinel kinds; Err
// is the optional underlying cause.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind, cause error) error {
	return &OpError{Op: op, Kind: kind, Err: cause}
}

func invalid(op, msg string) error {
	return &OpError{Op: op, Kind: ErrInvalidInput, Err: errors.New(msg)}
}

// Code returns the stable wire code for err ("" when it is not a messaging kind).
func Code(err error) string {
	for _, k := range []error{ErrInvalidInput, ErrNotAParticipant, ErrConversationNotFound, ErrUserNotFound, ErrPersistence} {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return ""
}
