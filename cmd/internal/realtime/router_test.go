package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	v1 "relay/shared/contracts/realtime/v1"
)

func sendMessage(t *testing.T, h *Hub, from *Client, id, conv string, participants ...string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"_id":            id,
		"conversationId": conv,
		"participants":   participants,
		"content":        "hello " + id,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg := &v1.MessageSendPayload{ID: id, ConversationID: conv, Participants: v1.ParticipantIDs(participants)}
	if err := h.SendMessage(context.Background(), from, msg, raw); err != nil {
		t.Fatalf("send %s: %v", id, err)
	}
	return raw
}

func TestSendMessage_OfflineRecipient_DeliveredOnReconnect(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, HubConfig{})
	a := mustIdentify(t, h, "A")
	mustJoin(t, h, a, "c1")
	drain(a)

	raw := sendMessage(t, h, a, "m1", "c1", "A", "B")

	newMsg := waitForType(t, a, v1.TypeMessageNew)
	if string(newMsg.Payload) != string(raw) {
		t.Fatalf("message:new must carry the payload verbatim: %s", newMsg.Payload)
	}

	h.mu.Lock()
	awaiting := h.ledger.awaiting(ledgerKey{"c1", "m1"})
	h.mu.Unlock()
	if !reflect.DeepEqual(awaiting, []string{"B"}) {
		t.Fatalf("ledger = %v, want {c1:{m1:{B}}}", awaiting)
	}

	// Nobody was reachable: no status at send time.
	expectQuiet(t, a, v1.TypeMessageStatus, 50*time.Millisecond)

	mustIdentify(t, h, "B")

	st := decodeAs[v1.MessageStatusPayload](t, waitForType(t, a, v1.TypeMessageStatus))
	if st.MessageID != "m1" || st.Status != v1.StatusDelivered {
		t.Fatalf("status = %+v", st)
	}
	expectQuiet(t, a, v1.TypeMessageStatus, 50*time.Millisecond)

	h.mu.Lock()
	n := h.ledger.len()
	h.mu.Unlock()
	if n != 0 {
		t.Fatalf("ledger should be empty, has %d", n)
	}
}

func TestSendMessage_AllViewing_OneDelayedDelivered(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, HubConfig{DeliveredDelay: 20 * time.Millisecond})
	a := mustIdentify(t, h, "A")
	b := mustIdentify(t, h, "B")
	c := mustIdentify(t, h, "C")
	for _, cl := range []*Client{a, b, c} {
		mustJoin(t, h, cl, "c1")
	}
	drain(a)
	drain(b)
	drain(c)

	sendMessage(t, h, a, "m1", "c1", "A", "B", "C")

	for _, cl := range []*Client{a, b, c} {
		waitForType(t, cl, v1.TypeMessageNew)
		st := decodeAs[v1.MessageStatusPayload](t, waitForType(t, cl, v1.TypeMessageStatus))
		if st.MessageID != "m1" || st.Status != v1.StatusDelivered {
			t.Fatalf("status = %+v", st)
		}
	}
	for _, cl := range []*Client{a, b, c} {
		expectQuiet(t, cl, v1.TypeMessageStatus, 60*time.Millisecond)
	}
	if h.sched.pending() != 0 {
		t.Fatalf("scheduled task left behind")
	}
}

func TestSendMessage_OnlineNotViewing_ReceivesDirectly(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, HubConfig{})
	a := mustIdentify(t, h, "A")
	b := mustIdentify(t, h, "B")
	mustJoin(t, h, a, "c1")
	drain(a)
	drain(b)

	sendMessage(t, h, a, "m1", "c1", "A", "B")

	if got := ofType(drain(b), v1.TypeMessageNew); len(got) != 1 {
		t.Fatalf("B should get exactly one message:new, got %d", len(got))
	}

	// B was reachable, so a status is scheduled for the group (A only).
	waitForType(t, a, v1.TypeMessageStatus)
	expectQuiet(t, b, v1.TypeMessageStatus, 50*time.Millisecond)

	h.mu.Lock()
	n := h.ledger.len()
	h.mu.Unlock()
	if n != 0 {
		t.Fatalf("reachable participants must not enter the ledger")
	}
}

func TestSendMessage_ViewerParticipantNotDuplicated(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, HubConfig{})
	a := mustIdentify(t, h, "A")
	b := mustIdentify(t, h, "B")
	mustJoin(t, h, a, "c1")
	mustJoin(t, h, b, "c1")
	drain(b)

	sendMessage(t, h, a, "m1", "c1", "A", "B", "B")

	if got := ofType(drain(b), v1.TypeMessageNew); len(got) != 1 {
		t.Fatalf("B should get exactly one message:new, got %d", len(got))
	}
}

func TestJoin_ReconcilesOnlyThatConversation(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, HubConfig{})
	a := mustIdentify(t, h, "A")
	b := mustIdentify(t, h, "B")
	mustJoin(t, h, a, "c1")
	mustJoin(t, h, a, "c2")

	// B is online but has pending entries in two conversations.
	h.mu.Lock()
	h.ledger.add(ledgerKey{"c1", "m1"}, "B", h.now())
	h.ledger.add(ledgerKey{"c2", "m2"}, "B", h.now())
	h.mu.Unlock()
	drain(a)

	mustJoin(t, h, b, "c1")

	st := decodeAs[v1.MessageStatusPayload](t, waitForType(t, a, v1.TypeMessageStatus))
	if st.MessageID != "m1" || st.Status != v1.StatusDelivered {
		t.Fatalf("expected delivered for m1, got %+v", st)
	}
	expectQuiet(t, a, v1.TypeMessageStatus, 50*time.Millisecond)

	h.mu.Lock()
	c1 := h.ledger.awaiting(ledgerKey{"c1", "m1"})
	c2 := h.ledger.awaiting(ledgerKey{"c2", "m2"})
	h.mu.Unlock()
	if c1 != nil {
		t.Fatalf("c1 entry should be cleared, got %v", c1)
	}
	if !reflect.DeepEqual(c2, []string{"B"}) {
		t.Fatalf("c2 entry must be untouched, got %v", c2)
	}

	// Joining again finds nothing left to reconcile.
	mustJoin(t, h, b, "c1")
	expectQuiet(t, a, v1.TypeMessageStatus, 30*time.Millisecond)
}

func TestSendMessage_LedgerOverflowEvictsOldest(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, HubConfig{LedgerMaxEntries: 2})
	a := mustIdentify(t, h, "A")

	sendMessage(t, h, a, "m1", "c1", "A", "B")
	sendMessage(t, h, a, "m2", "c1", "A", "B")
	sendMessage(t, h, a, "m3", "c1", "A", "B")

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ledger.len() != 2 {
		t.Fatalf("ledger len = %d", h.ledger.len())
	}
	if h.ledger.awaiting(ledgerKey{"c1", "m1"}) != nil {
		t.Fatalf("oldest entry should be evicted")
	}
}

func TestSendMessage_AuthorizerDenies(t *testing.T) {
	t.Parallel()

	deny := authorizerFunc(func(_ context.Context, userID, conv string) error {
		if conv == "secret" {
			return ErrNotAuthorized
		}
		return nil
	})
	h := newTestHub(t, HubConfig{}, WithAuthorizer(deny))
	a := mustIdentify(t, h, "A")

	msg := &v1.MessageSendPayload{ID: "m1", ConversationID: "secret", Participants: v1.ParticipantIDs{"A", "B"}}
	if err := h.SendMessage(context.Background(), a, msg, json.RawMessage(`{}`)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := h.Join(context.Background(), a, "secret"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized on join, got %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ledger.len() != 0 {
		t.Fatalf("denied send must not touch the ledger")
	}
}

func TestSendMessage_AuthorizerFailureIsNotDenial(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	h := newTestHub(t, HubConfig{}, WithAuthorizer(authorizerFunc(func(context.Context, string, string) error { return boom })))
	a := mustIdentify(t, h, "A")

	err := h.Join(context.Background(), a, "c1")
	if !errors.Is(err, boom) || errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
}

type authorizerFunc func(ctx context.Context, userID, conversationID string) error

func (f authorizerFunc) Authorize(ctx context.Context, userID, conversationID string) error {
	return f(ctx, userID, conversationID)
}

func TestTyping_ExcludesSender(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, HubConfig{})
	a := mustIdentify(t, h, "A")
	b := mustIdentify(t, h, "B")
	mustJoin(t, h, a, "c1")
	mustJoin(t, h, b, "c1")
	drain(a)
	drain(b)

	if err := h.Typing(a, true, &v1.TypingPayload{ConversationID: "c1", UserID: "A"}); err != nil {
		t.Fatalf("typing: %v", err)
	}
	if err := h.Typing(a, false, &v1.TypingPayload{ConversationID: "c1", UserID: "A"}); err != nil {
		t.Fatalf("typing stop: %v", err)
	}

	got := drain(b)
	if len(got) != 2 || got[0].Type != v1.TypeUserTyping || got[1].Type != v1.TypeUserStopTyping {
		t.Fatalf("unexpected envelopes for B: %v", got)
	}
	p := decodeAs[v1.UserTypingPayload](t, got[0])
	if p.UserID != "A" || p.ConversationID != "c1" {
		t.Fatalf("typing payload = %+v", p)
	}
	if extra := drain(a); len(extra) != 0 {
		t.Fatalf("sender must not receive its own typing events")
	}
}

func TestMarkRead_PerMessageStatusesThenUnread(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, HubConfig{})
	a := mustIdentify(t, h, "A")
	b := mustIdentify(t, h, "B")
	mustJoin(t, h, a, "c1")
	mustJoin(t, h, b, "c1")
	drain(a)
	drain(b)

	if err := h.MarkRead(b, &v1.MarkReadPayload{MessageIDs: []string{"m1", "m2"}, ConversationID: "c1"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	got := drain(a)
	if len(got) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(got))
	}
	for i, id := range []string{"m1", "m2"} {
		st := decodeAs[v1.MessageStatusPayload](t, got[i])
		if got[i].Type != v1.TypeMessageStatus || st.MessageID != id || st.Status != v1.StatusRead {
			t.Fatalf("envelope %d = %s %+v", i, got[i].Type, st)
		}
	}
	if got[2].Type != v1.TypeUnreadUpdated {
		t.Fatalf("last envelope = %s", got[2].Type)
	}
	u := decodeAs[v1.UnreadUpdatedPayload](t, got[2])
	if u.ConversationID != "c1" || u.UserID != "B" {
		t.Fatalf("unread payload = %+v", u)
	}
}

func TestStatusAndForward_RebroadcastToGroup(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, HubConfig{})
	a := mustIdentify(t, h, "A")
	b := mustIdentify(t, h, "B")
	outsider := mustIdentify(t, h, "C")
	mustJoin(t, h, a, "c1")
	mustJoin(t, h, b, "c1")
	drain(a)
	drain(b)
	drain(outsider)

	if err := h.MessageStatus(b, v1.StatusDelivered, &v1.MessageRefPayload{MessageID: "m1", ConversationID: "c1"}); err != nil {
		t.Fatalf("status: %v", err)
	}
	raw := json.RawMessage(`{"messageId":"m1","conversationId":"c1","reactions":[{"emoji":"+1"}]}`)
	if err := h.Forward(b, "c1", v1.TypeMessageReactionUpdate, raw); err != nil {
		t.Fatalf("forward: %v", err)
	}

	for _, cl := range []*Client{a, b} {
		got := drain(cl)
		if len(got) != 2 {
			t.Fatalf("expected 2 envelopes, got %d", len(got))
		}
		if got[0].Type != v1.TypeMessageStatus || got[1].Type != v1.TypeMessageReactionUpdate {
			t.Fatalf("types = %s, %s", got[0].Type, got[1].Type)
		}
		if string(got[1].Payload) != string(raw) {
			t.Fatalf("forward must not rewrite the payload: %s", got[1].Payload)
		}
	}
	if got := drain(outsider); len(got) != 0 {
		t.Fatalf("non-members must not receive group events")
	}
}

func TestDeliveredStatus_FiresAfterSenderDisconnects(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, HubConfig{DeliveredDelay: 30 * time.Millisecond})
	a := mustIdentify(t, h, "A")
	b := mustIdentify(t, h, "B")
	mustJoin(t, h, a, "c1")
	mustJoin(t, h, b, "c1")

	sendMessage(t, h, a, "m1", "c1", "A", "B")
	h.Disconnect(a)

	st := decodeAs[v1.MessageStatusPayload](t, waitForType(t, b, v1.TypeMessageStatus))
	if st.MessageID != "m1" || st.Status != v1.StatusDelivered {
		t.Fatalf("status = %+v", st)
	}
}
