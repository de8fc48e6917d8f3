package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "relay/shared/contracts/realtime/v1"
)

// HubConfig carries the Hub's timing and bound parameters.
// Zero values select the defaults.
type HubConfig struct {
	// StaleTimeout is the inactivity after which the sweeper evicts a session.
	StaleTimeout time.Duration
	// DeliveredDelay is how long a send waits before broadcasting "delivered".
	DeliveredDelay time.Duration
	// LedgerMaxAge bounds how long a pending delivery is kept.
	LedgerMaxAge time.Duration
	// LedgerMaxEntries bounds the number of pending message entries.
	LedgerMaxEntries int
}

func (c HubConfig) withDefaults() HubConfig {
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = defaultStaleTimeout
	}
	if c.DeliveredDelay <= 0 {
		c.DeliveredDelay = defaultDeliveredDelay
	}
	if c.LedgerMaxAge <= 0 {
		c.LedgerMaxAge = defaultLedgerMaxAge
	}
	if c.LedgerMaxEntries <= 0 {
		c.LedgerMaxEntries = defaultLedgerMaxEntries
	}
	return c
}

// HubOption configures optional Hub collaborators.
type HubOption func(*Hub)

// WithClock replaces time.Now (tests advance a fake clock).
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithPresenceMirror publishes presence transitions to pm.
func WithPresenceMirror(pm PresenceMirror) HubOption {
	return func(h *Hub) {
		if pm != nil {
			h.mirror = pm
		}
	}
}

// WithAuthorizer installs the authorization hook used by join and send.
func WithAuthorizer(a Authorizer) HubOption {
	return func(h *Hub) {
		if a != nil {
			h.authz = a
		}
	}
}

// Hub owns the relay's transient state: the connection registry, presence
// store, membership directory (with its conversation groups) and pending
// delivery ledger. All four are guarded by one mutex, so operations that
// touch several of them are atomic with respect to each other and to the
// sweeper. Fan-out targets are computed under the lock and enqueued after
// it is released; enqueueing never blocks.
type Hub struct {
	log     *slog.Logger
	cfg     HubConfig
	now     func() time.Time
	metrics *Metrics
	mirror  PresenceMirror
	authz   Authorizer
	sched   *scheduler

	mirrorWG sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	sessions *registry
	presence *presenceStore
	members  *membershipDirectory
	ledger   *pendingLedger
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, cfg HubConfig, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	h := &Hub{
		log:      log,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		mirror:   nopMirror{},
		authz:    AllowAll{},
		sched:    newScheduler(),
		sessions: newRegistry(),
		presence: newPresenceStore(),
		members:  newMembershipDirectory(),
		ledger:   newPendingLedger(cfg.LedgerMaxEntries),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// outbound is one computed fan-out, enqueued after the Hub lock is released.
type outbound struct {
	targets []*Client
	env     v1.Envelope
}

func (h *Hub) emit(outs ...outbound) {
	for _, o := range outs {
		if len(o.targets) == 0 {
			continue
		}
		dropped := fanout(o.targets, o.env)
		h.metrics.addEmitted(o.env.Type, len(o.targets)-dropped, dropped)
		if dropped > 0 {
			h.log.Debug("hub.emit.dropped", "type", o.env.Type, "dropped", dropped)
		}
	}
}

func (h *Hub) envelope(typ string, payload any) v1.Envelope {
	now := h.now().UTC()
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			h.log.Error("hub.envelope.marshal_fail", "type", typ, "err", err)
			raw = json.RawMessage(`{}`)
		} else {
			raw = b
		}
	}
	return newEnvelope(typ, raw, now)
}

// identityLocked returns the user c is registered as. A connection that never
// identified, or was replaced by a newer one, has no identity.
func (h *Hub) identityLocked(c *Client) (string, error) {
	if c == nil || c.userID == "" {
		return "", ErrNotIdentified
	}
	cur, ok := h.sessions.lookup(c.userID)
	if !ok || cur != c {
		return "", ErrNotIdentified
	}
	return c.userID, nil
}

// UserID returns the identity currently bound to c.
func (h *Hub) UserID(c *Client) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identityLocked(c)
}

func (h *Hub) authorize(ctx context.Context, userID, conversationID string) error {
	err := h.authz.Authorize(ctx, userID, conversationID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotAuthorized):
		return err
	default:
		return fmt.Errorf("authorize %s in %s: %w", userID, conversationID, err)
	}
}

func (h *Hub) observeLocked() {
	h.metrics.observeTables(h.sessions.len(), h.ledger.len())
}

// othersLocked returns every registered connection except c.
func (h *Hub) othersLocked(c *Client) []*Client {
	all := h.sessions.clients()
	out := all[:0]
	for _, x := range all {
		if x != c {
			out = append(out, x)
		}
	}
	return out
}

// Identify binds c to userID (user:online): registers the session, touches
// presence, reconciles pending deliveries across all conversations, sends the
// online snapshot to c and announces the user to everyone else.
// A previous connection for the same user is replaced and closed.
func (h *Hub) Identify(c *Client, userID string) error {
	userID = strings.TrimSpace(userID)
	if c == nil || userID == "" {
		return fmt.Errorf("%w: empty userId", ErrMalformedPayload)
	}
	now := h.now()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}

	var outs []outbound
	var previousUser string
	if c.userID != "" && c.userID != userID {
		// Same connection re-identifying as someone else ends the old session.
		previousUser = c.userID
		if o, ok := h.teardownLocked(c.userID, c, now); ok {
			outs = append(outs, o...)
		}
	}

	prev := h.sessions.register(userID, c)
	if prev != nil {
		h.members.drop(userID, prev)
		prev.userID = ""
	}
	c.userID = userID
	h.presence.touch(userID, now)
	delivered := h.ledger.resolve(userID, "")

	outs = append(outs,
		outbound{
			targets: []*Client{c},
			env:     h.envelope(v1.TypeUsersOnlineList, v1.UsersOnlineListPayload{OnlineUsers: h.presence.listOnline()}),
		},
		outbound{
			targets: h.othersLocked(c),
			env:     h.envelope(v1.TypeUserStatus, v1.UserStatusPayload{UserID: userID, Status: v1.StatusOnline}),
		},
	)
	outs = append(outs, h.deliveredLocked(delivered)...)
	h.observeLocked()
	h.mu.Unlock()

	if prev != nil {
		prev.closeWithReason(closeReasonReplaced)
		h.log.Info("hub.session.replaced", "user_id", userID, "old_session_id", prev.SessionID, "session_id", c.SessionID)
	}
	h.emit(outs...)

	if previousUser != "" {
		h.startMirror("offline", previousUser, func(ctx context.Context) error {
			return h.mirror.MarkOffline(ctx, previousUser, now)
		})
	}
	h.startMirror("online", userID, func(ctx context.Context) error {
		return h.mirror.MarkOnline(ctx, userID, now)
	})

	h.log.Info("hub.session.register", "user_id", userID, "session_id", c.SessionID, "delivered", len(delivered))
	return nil
}

// Heartbeat refreshes c's presence (ping) and the mirrored entry's TTL.
// It reports false when c has no identity.
func (h *Hub) Heartbeat(c *Client) bool {
	now := h.now()

	h.mu.Lock()
	userID, err := h.identityLocked(c)
	if err != nil {
		h.mu.Unlock()
		return false
	}
	h.presence.touch(userID, now)
	h.mu.Unlock()

	h.startMirror("refresh", userID, func(ctx context.Context) error {
		return h.mirror.MarkOnline(ctx, userID, now)
	})
	return true
}

// Disconnect tears down c's session if c is still the registered handle for
// its user. Idempotent.
func (h *Hub) Disconnect(c *Client) {
	if c == nil {
		return
	}
	now := h.now()

	h.mu.Lock()
	userID := c.userID
	var (
		outs []outbound
		ok   bool
	)
	if userID != "" {
		outs, ok = h.teardownLocked(userID, c, now)
	}
	h.observeLocked()
	h.mu.Unlock()

	if !ok {
		return
	}
	h.emit(outs...)
	h.startMirror("offline", userID, func(ctx context.Context) error {
		return h.mirror.MarkOffline(ctx, userID, now)
	})
	h.log.Info("hub.session.disconnect", "user_id", userID, "session_id", c.SessionID)
}

// teardownLocked is the single cascading-removal path shared by disconnect,
// re-identification and the sweeper. It is a no-op unless c is the handle
// registered for userID.
func (h *Hub) teardownLocked(userID string, c *Client, lastSeen time.Time) ([]outbound, bool) {
	if !h.sessions.removeIf(userID, c) {
		return nil, false
	}
	h.presence.remove(userID)
	h.members.drop(userID, c)
	c.userID = ""

	others := h.sessions.clients()
	return []outbound{
		{targets: others, env: h.envelope(v1.TypeUserStatus, v1.UserStatusPayload{UserID: userID, Status: v1.StatusOffline})},
		{targets: others, env: h.envelope(v1.TypeUserLastSeen, v1.UserLastSeenPayload{UserID: userID, LastSeen: lastSeen.UTC()})},
	}, true
}

// Join subscribes c to conversationID (conversation:join) and reconciles the
// user's pending deliveries for that conversation only.
func (h *Hub) Join(ctx context.Context, c *Client, conversationID string) error {
	userID, err := h.UserID(c)
	if err != nil {
		return err
	}
	if err := h.authorize(ctx, userID, conversationID); err != nil {
		return err
	}

	h.mu.Lock()
	if cur, err := h.identityLocked(c); err != nil || cur != userID {
		h.mu.Unlock()
		return ErrNotIdentified
	}
	h.members.join(userID, conversationID, c)
	delivered := h.ledger.resolve(userID, conversationID)
	outs := h.deliveredLocked(delivered)
	h.observeLocked()
	h.mu.Unlock()

	h.emit(outs...)
	h.log.Debug("hub.conversation.join", "user_id", userID, "conversation_id", conversationID, "delivered", len(delivered))
	return nil
}

// Leave unsubscribes c from conversationID (conversation:leave). Idempotent.
func (h *Hub) Leave(c *Client, conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID, err := h.identityLocked(c)
	if err != nil {
		return err
	}
	if h.members.leave(userID, conversationID, c) {
		h.log.Debug("hub.conversation.leave", "user_id", userID, "conversation_id", conversationID)
	}
	return nil
}

// deliveredLocked builds one "delivered" status per reconciled message,
// addressed to the conversation group as it is now.
func (h *Hub) deliveredLocked(keys []ledgerKey) []outbound {
	outs := make([]outbound, 0, len(keys))
	for _, k := range keys {
		outs = append(outs, outbound{
			targets: h.members.subscribers(k.ConversationID),
			env:     h.envelope(v1.TypeMessageStatus, v1.MessageStatusPayload{MessageID: k.MessageID, Status: v1.StatusDelivered}),
		})
	}
	return outs
}

func (h *Hub) startMirror(op, userID string, fn func(ctx context.Context) error) {
	if _, nop := h.mirror.(nopMirror); nop {
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.mirrorWG.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.mirrorWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			h.log.Warn("hub.mirror.fail", "op", op, "user_id", userID, "err", err)
		}
	}()
}

// Close cancels pending delayed emissions, closes every registered
// connection and waits for in-flight presence mirror writes. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.sessions.clients()
	h.mu.Unlock()

	h.sched.stop()
	for _, c := range clients {
		c.closeWithReason(closeReasonShutdown)
	}
	h.mirrorWG.Wait()
	h.log.Info("hub.closed", "sessions", len(clients))
}
