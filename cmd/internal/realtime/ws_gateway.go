package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "relay.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 10 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
)

var wsDefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// Error codes reported to the sender in an error envelope.
const (
	errCodeBadJSON          = "bad_json"
	errCodeMalformedPayload = "malformed_payload"
	errCodeNotAuthorized    = "not_authorized"
	errCodeNotIdentified    = "not_identified"
	errCodeRateLimited      = "rate_limited"
	errCodeUnavailable      = "unavailable"
	errCodeInternal         = "internal"
)

// GatewayConfig holds the transport knobs of the WebSocket gateway.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's origin verification. Dev only.
	DevInsecure bool

	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    wsDefaultOriginRequired,
		AllowedOrigins:    append([]string(nil), wsDefaultAllowedOrigins...),
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint of the relay.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, decodes envelopes and routes them to the Hub. Each connection
// runs its events sequentially in its own read loop; a failure in one
// connection's handler never affects another.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	metrics *Metrics
	cfg     GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	// baseCtx is cancelled by Shutdown when the grace period runs out.
	baseCtx     context.Context
	forceCancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	live    map[*Client]struct{}
	wg      sync.WaitGroup
}

// NewWSGateway constructs a gateway. A nil hub gets a private default Hub.
func NewWSGateway(log *slog.Logger, hub *Hub, cfg GatewayConfig, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log, HubConfig{}, WithMetrics(metrics))
	}
	cfg = cfg.withDefaults()

	baseCtx, forceCancel := context.WithCancel(context.Background())
	return &WSGateway{
		log:     log,
		hub:     hub,
		metrics: metrics,
		cfg:     cfg,
		// websocket.Accept enforces its own origin policy; deriving its
		// patterns from the allowlist keeps the two layers in agreement.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
		baseCtx:        baseCtx,
		forceCancel:    forceCancel,
		live:           make(map[*Client]struct{}),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// admit tracks client as live unless the gateway is shutting down.
func (g *WSGateway) admit(c *Client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.live[c] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *WSGateway) release(c *Client) {
	g.mu.Lock()
	delete(g.live, c)
	g.mu.Unlock()
	g.wg.Done()
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	sessionID, err := NewSessionID(time.Now())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	client := NewClient(sessionID, g.cfg.SendQueueSize)
	if !g.admit(client) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.release(client)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopForce := context.AfterFunc(g.baseCtx, cancel)
	defer stopForce()

	log := g.log.With("session_id", sessionID)
	log.Debug("ws.open", "remote", r.RemoteAddr)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// The Hub forgets the client before its done channel closes.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Disconnect(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed by the Hub (takeover, sweep, shutdown) or by shutdown itself.
				code, reason := closeStatusFor(client.CloseReason())
				shutdown(code, reason)
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusGoingAway, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.metrics.incRejected(errCodeBadJSON)
				g.sendError(client, errCodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.metrics.incRejected(errCodeRateLimited)
			g.sendError(client, errCodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		panicked, err := g.safeDispatch(ctx, client, env)
		if panicked {
			shutdown(websocket.StatusInternalError, "internal error")
			break readLoop
		}
		if err != nil {
			g.reportError(log, client, env.Type, err)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	log.Debug("ws.close", "reason", client.CloseReason())
}

// closeStatusFor maps a Client close reason to the WebSocket close frame.
func closeStatusFor(reason string) (websocket.StatusCode, string) {
	switch reason {
	case closeReasonReplaced:
		return websocket.StatusPolicyViolation, reason
	case closeReasonStale, closeReasonShutdown:
		return websocket.StatusGoingAway, reason
	default:
		return websocket.StatusNormalClosure, "bye"
	}
}

// safeDispatch runs dispatch and converts a handler panic into a
// connection-scoped failure.
func (g *WSGateway) safeDispatch(ctx context.Context, client *Client, env v1.Envelope) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("ws.handler.panic",
				"session_id", client.SessionID,
				"type", env.Type,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			panicked = true
		}
	}()
	return false, g.dispatch(ctx, client, env)
}

// dispatch validates env and routes it to the Hub.
func (g *WSGateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	g.metrics.incEvent(env.Type)

	payload, err := v1.DecodePayload(env.Type, env.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch p := payload.(type) {
	case *v1.UserOnlinePayload:
		return g.hub.Identify(client, p.UserID)

	case *v1.PingPayload:
		g.hub.Heartbeat(client)
		g.send(client, v1.TypePong, json.RawMessage(`{}`))
		return nil

	case *v1.TypingPayload:
		return g.hub.Typing(client, env.Type == v1.TypeTypingStart, p)

	case *v1.ConversationRefPayload:
		if env.Type == v1.TypeConversationJoin {
			return g.hub.Join(ctx, client, p.ConversationID)
		}
		return g.hub.Leave(client, p.ConversationID)

	case *v1.MessageSendPayload:
		return g.hub.SendMessage(ctx, client, p, env.Payload)

	case *v1.MessageRefPayload:
		status := v1.StatusDelivered
		if env.Type == v1.TypeMessageRead {
			status = v1.StatusRead
		}
		return g.hub.MessageStatus(client, status, p)

	case *v1.MarkReadPayload:
		return g.hub.MarkRead(client, p)

	case *v1.MessageEditPayload:
		return g.hub.Forward(client, p.ConversationID, v1.TypeMessageEdited, env.Payload)

	case *v1.MessageDeletePayload:
		return g.hub.Forward(client, p.ConversationID, v1.TypeMessageDeleted, env.Payload)

	case *v1.MessageReactionPayload:
		return g.hub.Forward(client, p.ConversationID, v1.TypeMessageReactionUpdate, env.Payload)

	case *v1.CallInitiatePayload:
		return g.hub.InitiateCall(client, p)
	case *v1.CallAnswerPayload:
		return g.hub.AnswerCall(client, p)
	case *v1.CallICECandidatePayload:
		return g.hub.RelayICECandidate(client, p)
	case *v1.CallRejectPayload:
		return g.hub.RejectCall(client, p)
	case *v1.CallEndPayload:
		return g.hub.EndCall(client, p)

	default:
		return fmt.Errorf("%w: unsupported type %s", ErrMalformedPayload, env.Type)
	}
}

// reportError maps a handler error to an error envelope for the sender.
// Unknown signaling targets are dropped without telling the sender.
func (g *WSGateway) reportError(log *slog.Logger, client *Client, typ string, err error) {
	var code string
	switch {
	case errors.Is(err, ErrUnknownRecipient):
		log.Debug("ws.event.dropped", "type", typ, "err", err)
		return
	case errors.Is(err, ErrMalformedPayload):
		code = errCodeMalformedPayload
	case errors.Is(err, ErrNotAuthorized):
		code = errCodeNotAuthorized
	case errors.Is(err, ErrNotIdentified):
		code = errCodeNotIdentified
	case errors.Is(err, ErrHubClosed):
		code = errCodeUnavailable
	default:
		code = errCodeInternal
		log.Error("ws.event.fail", "type", typ, "err", err)
	}

	g.metrics.incRejected(code)
	log.Info("ws.event.reject", "type", typ, "code", code, "err", err)

	msg := err.Error()
	if code == errCodeInternal {
		msg = "internal error"
	}
	g.sendError(client, code, msg)
}

// ---- send helpers ----

func (g *WSGateway) send(client *Client, typ string, payload json.RawMessage) bool {
	ok := client.offer(newEnvelope(typ, payload, time.Now().UTC()))
	if ok {
		g.metrics.addEmitted(typ, 1, 0)
	} else {
		g.metrics.addEmitted(typ, 0, 1)
	}
	return ok
}

func (g *WSGateway) sendError(client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.send(client, v1.TypeError, p)
}

// Shutdown stops admitting connections, closes every live one with
// StatusGoingAway and waits for their handlers. When ctx ends first the
// remaining connections are cancelled and ctx.Err is returned.
func (g *WSGateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	clients := make([]*Client, 0, len(g.live))
	for c := range g.live {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	g.log.Info("ws.shutdown", "connections", len(clients))
	for _, c := range clients {
		c.closeWithReason(closeReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.forceCancel()
		return nil
	case <-ctx.Done():
		g.forceCancel()
		<-done
		return ctx.Err()
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, err := NewEnvelopeID(ts)
	if err != nil {
		id = ""
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns sorted, deduplicated host
// patterns for the allowlist. websocket.Accept matches OriginPatterns against
// the origin's host[:port] with filepath.Match, so each host also gets a
// "host:*" pattern.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, 2*len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
