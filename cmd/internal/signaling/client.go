package signaling

import "sync"

// Client represents one registered websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent fanout.
// - done is used to signal the owning session's goroutines to stop.
// - Close is idempotent; the first recorded close status wins.
type Client struct {
	Identity  string
	SessionID string
	Send      chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	closeCode   int
	closeReason string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(identity, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		Identity:  identity,
		SessionID: sessionID,
		Send:      make(chan []byte, sendQueueSize),
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

// Closed reports whether the client is shutting down.
func (c *Client) Closed() bool {
	if c == nil {
		return true
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep fanout safe under concurrency.
func (c *Client) Close() {
	c.CloseWithStatus(0, "")
}

// CloseWithStatus records a close code and reason, then signals shutdown.
// The owning session reads the recorded status to close the transport with
// a distinguishable code (supersession, server error, ...). Later calls are
// no-ops; only the first status is kept.
func (c *Client) CloseWithStatus(code int, reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// CloseStatus returns the recorded close code and reason, and whether a
// non-default status was recorded.
func (c *Client) CloseStatus() (code int, reason string, ok bool) {
	if c == nil {
		return 0, "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closeCode != 0
}
