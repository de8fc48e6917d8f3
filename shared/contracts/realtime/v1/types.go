package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPayload is wrapped by every decode/validation failure in this package.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is implemented by every inbound payload type.
type Payload interface {
	Validate() error
}

// DecodePayload decodes raw into the payload type registered for typ and validates it.
// An empty payload is treated as {}.
func DecodePayload(typ string, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch typ {
	case TypeUserOnline:
		p = &UserOnlinePayload{}
	case TypePing:
		p = &PingPayload{}
	case TypeTypingStart, TypeTypingStop:
		p = &TypingPayload{}
	case TypeConversationJoin, TypeConversationLeave:
		p = &ConversationRefPayload{}
	case TypeMessageSend:
		p = &MessageSendPayload{}
	case TypeMessageDelivered, TypeMessageRead:
		p = &MessageRefPayload{}
	case TypeMessagesMarkRead:
		p = &MarkReadPayload{}
	case TypeMessageEdit:
		p = &MessageEditPayload{}
	case TypeMessageDelete:
		p = &MessageDeletePayload{}
	case TypeMessageReaction:
		p = &MessageReactionPayload{}
	case TypeCallInitiate:
		p = &CallInitiatePayload{}
	case TypeCallAnswer:
		p = &CallAnswerPayload{}
	case TypeCallICECandidate:
		p = &CallICECandidatePayload{}
	case TypeCallReject:
		p = &CallRejectPayload{}
	case TypeCallEnd:
		p = &CallEndPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, typ)
	}

	if isEmptyJSON(raw) {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, typ, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, typ, err)
	}
	return p, nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("missing field: %s", name)
	}
	return nil
}

func requiredRaw(name string, v json.RawMessage) error {
	if isEmptyJSON(v) {
		return fmt.Errorf("missing field: %s", name)
	}
	return nil
}

// ---- client -> server payloads ----

// UserOnlinePayload announces the identity of a connection.
type UserOnlinePayload struct {
	UserID string `json:"userId"`
}

func (p *UserOnlinePayload) Validate() error { return required("userId", p.UserID) }

// PingPayload carries no fields.
type PingPayload struct{}

func (p *PingPayload) Validate() error { return nil }

// TypingPayload is used by typing:start and typing:stop.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (p *TypingPayload) Validate() error {
	if err := required("conversationId", p.ConversationID); err != nil {
		return err
	}
	return required("userId", p.UserID)
}

// ConversationRefPayload is used by conversation:join and conversation:leave.
type ConversationRefPayload struct {
	ConversationID string `json:"conversationId"`
}

func (p *ConversationRefPayload) Validate() error {
	return required("conversationId", p.ConversationID)
}

// ParticipantIDs decodes a participant list given either as user id strings
// or as objects carrying an "_id" (or "id") field.
type ParticipantIDs []string

func (ids *ParticipantIDs) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for i, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			MongoID string `json:"_id"`
			ID      string `json:"id"`
		}
		if err := json.Unmarshal(r, &obj); err != nil {
			return fmt.Errorf("participants[%d]: %w", i, err)
		}
		if obj.MongoID != "" {
			out = append(out, obj.MongoID)
		} else {
			out = append(out, obj.ID)
		}
	}
	*ids = out
	return nil
}

// MessageSendPayload holds the routing fields of message:send.
// The full payload is forwarded verbatim as message:new.
type MessageSendPayload struct {
	ID             string         `json:"_id"`
	ConversationID string         `json:"conversationId"`
	Participants   ParticipantIDs `json:"participants"`
}

func (p *MessageSendPayload) Validate() error {
	if err := required("_id", p.ID); err != nil {
		return err
	}
	if err := required("conversationId", p.ConversationID); err != nil {
		return err
	}
	for i, id := range p.Participants {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("empty participant at index %d", i)
		}
	}
	return nil
}

// MessageRefPayload is used by message:delivered and message:read.
type MessageRefPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

func (p *MessageRefPayload) Validate() error {
	if err := required("messageId", p.MessageID); err != nil {
		return err
	}
	return required("conversationId", p.ConversationID)
}

// MarkReadPayload is used by messages:mark-read.
type MarkReadPayload struct {
	MessageIDs     []string `json:"messageIds"`
	ConversationID string   `json:"conversationId"`
}

func (p *MarkReadPayload) Validate() error {
	if err := required("conversationId", p.ConversationID); err != nil {
		return err
	}
	if p.MessageIDs == nil {
		return errors.New("missing field: messageIds")
	}
	for i, id := range p.MessageIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("empty messageIds[%d]", i)
		}
	}
	return nil
}

// MessageEditPayload is used by message:edit and forwarded as message:edited.
type MessageEditPayload struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	Content        string     `json:"content"`
	Edited         bool       `json:"edited"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	IsLastMessage  *bool      `json:"isLastMessage,omitempty"`
}

func (p *MessageEditPayload) Validate() error {
	if err := required("messageId", p.MessageID); err != nil {
		return err
	}
	return required("conversationId", p.ConversationID)
}

// MessageDeletePayload is used by message:delete and forwarded as message:deleted.
type MessageDeletePayload struct {
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	NewLastMessage json.RawMessage `json:"newLastMessage,omitempty"`
}

func (p *MessageDeletePayload) Validate() error {
	if err := required("messageId", p.MessageID); err != nil {
		return err
	}
	return required("conversationId", p.ConversationID)
}

// MessageReactionPayload is used by message:reaction.
type MessageReactionPayload struct {
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	Reactions      json.RawMessage `json:"reactions"`
}

func (p *MessageReactionPayload) Validate() error {
	if err := required("messageId", p.MessageID); err != nil {
		return err
	}
	if err := required("conversationId", p.ConversationID); err != nil {
		return err
	}
	return requiredRaw("reactions", p.Reactions)
}

// CallInitiatePayload starts a call towards ReceiverID.
type CallInitiatePayload struct {
	CallID     string          `json:"callId"`
	ReceiverID string          `json:"receiverId"`
	Type       string          `json:"type"`
	Offer      json.RawMessage `json:"offer"`
}

func (p *CallInitiatePayload) Validate() error {
	if err := required("callId", p.CallID); err != nil {
		return err
	}
	if err := required("receiverId", p.ReceiverID); err != nil {
		return err
	}
	if err := required("type", p.Type); err != nil {
		return err
	}
	return requiredRaw("offer", p.Offer)
}

// CallAnswerPayload answers CallerID's call.
type CallAnswerPayload struct {
	CallID   string          `json:"callId"`
	CallerID string          `json:"callerId"`
	Answer   json.RawMessage `json:"answer"`
}

func (p *CallAnswerPayload) Validate() error {
	if err := required("callId", p.CallID); err != nil {
		return err
	}
	if err := required("callerId", p.CallerID); err != nil {
		return err
	}
	return requiredRaw("answer", p.Answer)
}

// CallICECandidatePayload carries one ICE candidate for TargetID.
type CallICECandidatePayload struct {
	TargetID  string          `json:"targetId"`
	Candidate json.RawMessage `json:"candidate"`
}

func (p *CallICECandidatePayload) Validate() error {
	if err := required("targetId", p.TargetID); err != nil {
		return err
	}
	return requiredRaw("candidate", p.Candidate)
}

// CallRejectPayload rejects CallerID's call.
type CallRejectPayload struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
}

func (p *CallRejectPayload) Validate() error {
	if err := required("callId", p.CallID); err != nil {
		return err
	}
	return required("callerId", p.CallerID)
}

// CallEndPayload ends a call with TargetID.
type CallEndPayload struct {
	CallID   string `json:"callId"`
	TargetID string `json:"targetId"`
}

func (p *CallEndPayload) Validate() error {
	if err := required("callId", p.CallID); err != nil {
		return err
	}
	return required("targetId", p.TargetID)
}

// ---- server -> client payloads ----

type UsersOnlineListPayload struct {
	OnlineUsers []string `json:"onlineUsers"`
}

type UserStatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type UserLastSeenPayload struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

// UserTypingPayload is used by user:typing and user:stop-typing.
type UserTypingPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type MessageStatusPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

type UnreadUpdatedPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type CallIncomingPayload struct {
	CallID   string          `json:"callId"`
	CallerID string          `json:"callerId"`
	Type     string          `json:"type"`
	Offer    json.RawMessage `json:"offer"`
}

type CallAnsweredPayload struct {
	CallID string          `json:"callId"`
	Answer json.RawMessage `json:"answer"`
}

type CallICECandidateRelayPayload struct {
	SenderID  string          `json:"senderId"`
	Candidate json.RawMessage `json:"candidate"`
}

// CallRefPayload is used by call:rejected and call:ended.
type CallRefPayload struct {
	CallID string `json:"callId"`
}

// ErrorPayload reports rejected input to the sender.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
