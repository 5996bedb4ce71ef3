// Package v1 defines the parlor realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated at handshake.
const Subprotocol = "parlor.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session (client -> server). It may carry rooms to resume.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeJoinConversation joins a conversation room (client -> server).
	TypeJoinConversation = "join_conversation"
	// TypeJoinedConversation confirms a join (server -> client).
	TypeJoinedConversation = "joined_conversation"
	// TypeLeaveConversation leaves a conversation room (client -> server).
	TypeLeaveConversation = "leave_conversation"
	// TypeLeftConversation confirms a leave (server -> client).
	TypeLeftConversation = "left_conversation"

	// TypeSendMessage requests sending a new message (client -> server).
	TypeSendMessage = "send_message"
	// TypeMessageAck acknowledges a send request with the persisted message (server -> client).
	TypeMessageAck = "message_ack"

	// TypeMessageCreated is published to room conversation:<id> (server -> room members).
	TypeMessageCreated = "message_created"
	// TypeMessageNotification is published to room user:<id> of participants not in the conversation room.
	TypeMessageNotification = "message_notification"

	// TypeMarkRead marks the conversation as read by the caller (client -> server).
	TypeMarkRead = "mark_read"
	// TypeMessagesRead is published to conversation:<id> after a read (server -> room members).
	TypeMessagesRead = "messages_read"

	// TypeFetchMessages requests a window of the message log (client -> server).
	TypeFetchMessages = "fetch_messages"
	// TypeMessagesChunk returns a window of the message log (server -> client).
	TypeMessagesChunk = "messages_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeJoinConversation,
		TypeJoinedConversation,
		TypeLeaveConversation,
		TypeLeftConversation,
		TypeSendMessage,
		TypeMessageAck,
		TypeMessageCreated,
		TypeMessageNotification,
		TypeMarkRead,
		TypeMessagesRead,
		TypeFetchMessages,
		TypeMessagesChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(e.Payload, dst)
}
