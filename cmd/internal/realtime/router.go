package realtime

import (
	"context"
	"encoding/json"

	v1 "relay/shared/contracts/realtime/v1"
)

// SendMessage relays a new message (message:send).
//
// The raw payload is forwarded untouched as message:new to the conversation
// group and, directly, to every reachable participant that is not viewing it.
// Unreachable participants are recorded in the pending ledger. When at least
// one participant was reachable, a single "delivered" status is scheduled for
// the group as it exists when the delay elapses.
func (h *Hub) SendMessage(ctx context.Context, c *Client, msg *v1.MessageSendPayload, raw json.RawMessage) error {
	sender, err := h.UserID(c)
	if err != nil {
		return err
	}
	if err := h.authorize(ctx, sender, msg.ConversationID); err != nil {
		return err
	}

	now := h.now()
	key := ledgerKey{ConversationID: msg.ConversationID, MessageID: msg.ID}

	h.mu.Lock()
	if cur, err := h.identityLocked(c); err != nil || cur != sender {
		h.mu.Unlock()
		return ErrNotIdentified
	}

	targets := h.members.subscribers(key.ConversationID)
	seen := map[string]struct{}{sender: {}}
	var (
		reachable bool
		offline   int
		evicted   []ledgerKey
	)
	for _, pid := range msg.Participants {
		if _, dup := seen[pid]; dup {
			continue
		}
		seen[pid] = struct{}{}

		pc, ok := h.sessions.lookup(pid)
		if !ok {
			offline++
			evicted = append(evicted, h.ledger.add(key, pid, now)...)
			continue
		}
		reachable = true
		if !h.members.isSubscribed(key.ConversationID, pc) {
			targets = append(targets, pc)
		}
	}
	h.observeLocked()
	h.mu.Unlock()

	h.emit(outbound{targets: targets, env: h.envelope(v1.TypeMessageNew, raw)})

	if len(evicted) > 0 {
		h.metrics.addLedgerEvictions("overflow", len(evicted))
		h.log.Warn("hub.ledger.overflow", "evicted", len(evicted), "max_entries", h.cfg.LedgerMaxEntries)
	}
	if reachable {
		h.scheduleDelivered(key)
	}

	h.log.Debug("hub.message.send",
		"user_id", sender,
		"conversation_id", key.ConversationID,
		"message_id", key.MessageID,
		"recipients", len(targets),
		"pending", offline,
	)
	return nil
}

// scheduleDelivered emits one "delivered" status for key after the configured
// delay, addressed to whoever is in the conversation group at that moment.
func (h *Hub) scheduleDelivered(key ledgerKey) {
	h.sched.schedule(h.cfg.DeliveredDelay, func() {
		h.mu.Lock()
		targets := h.members.subscribers(key.ConversationID)
		h.mu.Unlock()

		h.emit(outbound{
			targets: targets,
			env:     h.envelope(v1.TypeMessageStatus, v1.MessageStatusPayload{MessageID: key.MessageID, Status: v1.StatusDelivered}),
		})
	})
}

// groupExcept returns the identity of c and the conversation group without c.
func (h *Hub) groupExcept(c *Client, conversationID string) (string, []*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID, err := h.identityLocked(c)
	if err != nil {
		return "", nil, err
	}
	all := h.members.subscribers(conversationID)
	out := all[:0]
	for _, x := range all {
		if x != c {
			out = append(out, x)
		}
	}
	return userID, out, nil
}

// group returns the identity of c and the full conversation group.
func (h *Hub) group(c *Client, conversationID string) (string, []*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID, err := h.identityLocked(c)
	if err != nil {
		return "", nil, err
	}
	return userID, h.members.subscribers(conversationID), nil
}

// Typing relays typing:start / typing:stop to the group, excluding the sender.
func (h *Hub) Typing(c *Client, start bool, p *v1.TypingPayload) error {
	_, targets, err := h.groupExcept(c, p.ConversationID)
	if err != nil {
		return err
	}
	typ := v1.TypeUserStopTyping
	if start {
		typ = v1.TypeUserTyping
	}
	h.emit(outbound{
		targets: targets,
		env:     h.envelope(typ, v1.UserTypingPayload{UserID: p.UserID, ConversationID: p.ConversationID}),
	})
	return nil
}

// MessageStatus re-broadcasts a client-reported delivered/read status to the group.
func (h *Hub) MessageStatus(c *Client, status string, p *v1.MessageRefPayload) error {
	_, targets, err := h.group(c, p.ConversationID)
	if err != nil {
		return err
	}
	h.emit(outbound{
		targets: targets,
		env:     h.envelope(v1.TypeMessageStatus, v1.MessageStatusPayload{MessageID: p.MessageID, Status: status}),
	})
	return nil
}

// MarkRead emits one "read" status per message id followed by a single
// conversation:unread-updated carrying the reader's identity.
func (h *Hub) MarkRead(c *Client, p *v1.MarkReadPayload) error {
	reader, targets, err := h.group(c, p.ConversationID)
	if err != nil {
		return err
	}

	outs := make([]outbound, 0, len(p.MessageIDs)+1)
	for _, id := range p.MessageIDs {
		outs = append(outs, outbound{
			targets: targets,
			env:     h.envelope(v1.TypeMessageStatus, v1.MessageStatusPayload{MessageID: id, Status: v1.StatusRead}),
		})
	}
	outs = append(outs, outbound{
		targets: targets,
		env:     h.envelope(v1.TypeUnreadUpdated, v1.UnreadUpdatedPayload{ConversationID: p.ConversationID, UserID: reader}),
	})
	h.emit(outs...)
	return nil
}

// Forward re-broadcasts raw to the conversation group as typ. It serves
// message:edit, message:delete and message:reaction, whose payloads are opaque
// to the relay beyond the routing fields.
func (h *Hub) Forward(c *Client, conversationID, typ string, raw json.RawMessage) error {
	_, targets, err := h.group(c, conversationID)
	if err != nil {
		return err
	}
	h.emit(outbound{targets: targets, env: h.envelope(typ, raw)})
	return nil
}
