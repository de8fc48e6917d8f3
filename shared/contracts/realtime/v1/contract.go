// Package v1 defines the relay realtime protocol v1 contract.
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

// Client -> server event types (wire-stable).
const (
	TypeUserOnline        = "user:online"
	TypePing              = "ping"
	TypeTypingStart       = "typing:start"
	TypeTypingStop        = "typing:stop"
	TypeConversationJoin  = "conversation:join"
	TypeConversationLeave = "conversation:leave"

	TypeMessageSend      = "message:send"
	TypeMessageDelivered = "message:delivered"
	TypeMessageRead      = "message:read"
	TypeMessagesMarkRead = "messages:mark-read"
	TypeMessageEdit      = "message:edit"
	TypeMessageDelete    = "message:delete"
	TypeMessageReaction  = "message:reaction"

	TypeCallInitiate     = "call:initiate"
	TypeCallAnswer       = "call:answer"
	TypeCallICECandidate = "call:ice-candidate"
	TypeCallReject       = "call:reject"
	TypeCallEnd          = "call:end"
)

// Server -> client event types (wire-stable).
// TypeCallICECandidate is shared by both directions.
const (
	TypeUsersOnlineList       = "users:online-list"
	TypeUserStatus            = "user:status"
	TypeUserLastSeen          = "user:last-seen"
	TypeUserTyping            = "user:typing"
	TypeUserStopTyping        = "user:stop-typing"
	TypeMessageNew            = "message:new"
	TypeMessageStatus         = "message:status"
	TypeMessageEdited         = "message:edited"
	TypeMessageDeleted        = "message:deleted"
	TypeUnreadUpdated         = "conversation:unread-updated"
	TypeMessageReactionUpdate = "message:reaction-update"
	TypeCallIncoming          = "call:incoming"
	TypeCallAnswered          = "call:answered"
	TypeCallRejected          = "call:rejected"
	TypeCallEnded             = "call:ended"
	TypePong                  = "pong"

	// TypeError reports rejected input back to the sender only.
	TypeError = "error"
)

// Status values carried by user:status and message:status.
const (
	StatusOnline    = "online"
	StatusOffline   = "offline"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

var inboundTypes = map[string]struct{}{
	TypeUserOnline:        {},
	TypePing:              {},
	TypeTypingStart:       {},
	TypeTypingStop:        {},
	TypeConversationJoin:  {},
	TypeConversationLeave: {},
	TypeMessageSend:       {},
	TypeMessageDelivered:  {},
	TypeMessageRead:       {},
	TypeMessagesMarkRead:  {},
	TypeMessageEdit:       {},
	TypeMessageDelete:     {},
	TypeMessageReaction:   {},
	TypeCallInitiate:      {},
	TypeCallAnswer:        {},
	TypeCallICECandidate:  {},
	TypeCallReject:        {},
	TypeCallEnd:           {},
}

// IsInbound reports whether typ is an event a client may send.
func IsInbound(typ string) bool {
	_, ok := inboundTypes[typ]
	return ok
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation of an inbound Envelope.
// Payload shape is validated per type by Decode.
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
	if !IsInbound(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}
