// Package main provides a CI-friendly WebSocket smoke test for the relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - user:online snapshot
//   - offline send, then "delivered" once the recipient identifies
//   - live fanout of message:new to a joined recipient
//   - read status back to the sender
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	defaultSubprotocol = "relay.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		convID  = flag.String("conv", "", "Conversation ID (random when empty)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	run := strings.ToLower(ulid.Make().String())
	if strings.TrimSpace(*convID) == "" {
		*convID = "smoke-conv-" + run
	}
	userA := "smoke-a-" + run
	userB := "smoke-b-" + run

	root := context.Background()

	a := mustConnect(root, "A", userA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	mustJoin(root, a, *convID, *timeout)

	// B is offline: the first message goes to the pending ledger.
	offlineID := "msg-offline-" + run
	mustSend(root, a, *convID, offlineID, "sent while you were away", []string{userA, userB}, *timeout)
	mustAssertNoStatus(root, a, offlineID, 500*time.Millisecond)

	b := mustConnect(root, "B", userB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustReadStatus(root, a, offlineID, v1.StatusDelivered, *timeout)
	if *verbose {
		fmt.Printf("offline message %s delivered on identify\n", offlineID)
	}

	mustJoin(root, b, *convID, *timeout)

	liveID := "msg-live-" + run
	mustSend(root, a, *convID, liveID, "hello relay", []string{userA, userB}, *timeout)

	b.mustReadUntil(root, v1.TypeMessageNew, *timeout, func(env v1.Envelope) bool {
		var p struct {
			ID string `json:"_id"`
		}
		return json.Unmarshal(env.Payload, &p) == nil && p.ID == liveID
	})
	mustReadStatus(root, a, liveID, v1.StatusDelivered, *timeout)

	mustWrite(root, b.conn, v1.TypeMessagesMarkRead, v1.MarkReadPayload{
		MessageIDs:     []string{liveID},
		ConversationID: *convID,
	}, *timeout)
	mustReadStatus(root, a, liveID, v1.StatusRead, *timeout)

	fmt.Printf("OK: conv_id=%s A=%s B=%s offline=%s live=%s\n", *convID, userA, userB, offlineID, liveID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != defaultSubprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, defaultSubprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, conn, v1.TypeUserOnline, v1.UserOnlinePayload{UserID: userID}, stepTimeout)

	c.mustReadUntil(parent, v1.TypeUsersOnlineList, stepTimeout, func(env v1.Envelope) bool {
		var p v1.UsersOnlineListPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal users:online-list (%s): %v", name, err)
		}
		for _, id := range p.OnlineUsers {
			if id == userID {
				return true
			}
		}
		fatalf("users:online-list (%s) does not contain %q: %v", name, userID, p.OnlineUsers)
		return false
	})

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if env.V != v1.Version {
				select {
				case c.errCh <- fmt.Errorf("bad envelope version: %q", env.V):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, v1.TypeConversationJoin, v1.ConversationRefPayload{ConversationID: convID}, stepTimeout)
}

func mustSend(parent context.Context, c *smokeClient, convID, msgID, content string, participants []string, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, v1.TypeMessageSend, map[string]any{
		"_id":            msgID,
		"conversationId": convID,
		"participants":   participants,
		"sender":         c.userID,
		"content":        content,
	}, stepTimeout)
}

func mustReadStatus(parent context.Context, c *smokeClient, msgID, status string, stepTimeout time.Duration) {
	c.mustReadUntil(parent, v1.TypeMessageStatus, stepTimeout, func(env v1.Envelope) bool {
		var p v1.MessageStatusPayload
		return json.Unmarshal(env.Payload, &p) == nil && p.MessageID == msgID && p.Status == status
	})
}

// mustAssertNoStatus fails if any status for msgID arrives within wait.
func mustAssertNoStatus(parent context.Context, c *smokeClient, msgID string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection error (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed (%s)", c.name)
			}
			if env.Type != v1.TypeMessageStatus {
				continue
			}
			var p v1.MessageStatusPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.MessageID == msgID {
				fatalf("unexpected %q status for offline message %s (%s)", p.Status, msgID, c.name)
			}
		}
	}
}

// mustReadUntil consumes the inbox until an envelope of wantType satisfies
// match. Other types are skipped; a server error is fatal.
func (c *smokeClient) mustReadUntil(parent context.Context, wantType string, stepTimeout time.Duration, match func(v1.Envelope) bool) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == wantType && (match == nil || match(env)) {
				return env
			}
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ulid.Make().String(),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
