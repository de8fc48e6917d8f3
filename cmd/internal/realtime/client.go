package realtime

import (
	"sync"

	v1 "relay/shared/contracts/realtime/v1"
)

// Close reasons reported through Client.CloseReason.
const (
	closeReasonReplaced = "session replaced"
	closeReasonStale    = "session stale"
	closeReasonShutdown = "server shutting down"
	closeReasonClosed   = "closed"
)

// Client is the connection handle the Hub routes to: one connected websocket session.
//
// Design notes:
// - Send is never closed by the server so concurrent broadcasters cannot panic.
// - done signals the transport goroutines to stop; Close is idempotent.
// - userID is owned by the Hub and only read or written under the Hub lock.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	userID string

	done        chan struct{}
	closeOnce   sync.Once
	closeReason string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	c.closeWithReason(closeReasonClosed)
}

// CloseReason returns why the client was closed. Empty while open.
// Valid to call once Done is closed.
func (c *Client) CloseReason() string {
	select {
	case <-c.Done():
		return c.closeReason
	default:
		return ""
	}
}

func (c *Client) closeWithReason(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.done)
	})
}

// offer enqueues env without blocking. It reports false when the client is
// shutting down or its queue is full.
func (c *Client) offer(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
