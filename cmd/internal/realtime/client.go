package realtime

import (
	"sync"
	"sync/atomic"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateJoined
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Close reasons recorded on a Client.
const (
	CloseReasonSlowConsumer = "slow consumer"
	CloseReasonShutdown     = "server shutdown"
	CloseReasonPeer         = "peer closed"
)

// Client represents one connected websocket session.
//
// Send carries pre-encoded frames. It is never closed by the server so that
// concurrent publishers cannot panic; done signals goroutines to stop.
type Client struct {
	ConnectionID string
	UserID       string
	Send         chan []byte

	state atomic.Int32

	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connectionID, userID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnectionID: connectionID,
		UserID:       userID,
		Send:         make(chan []byte, sendQueueSize),
		done:         make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// setState moves the client to s. Disconnected is terminal.
func (c *Client) setState(s ConnState) bool {
	for {
		cur := c.state.Load()
		if ConnState(cur) == StateDisconnected {
			return s == StateDisconnected
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
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

// Close signals the client goroutines to stop (idempotent). The first reason wins.
// It does NOT close Send.
func (c *Client) Close(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		c.setState(StateDisconnected)
		close(c.done)
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseReason returns the reason passed to the first Close call.
func (c *Client) CloseReason() string {
	if v, ok := c.reason.Load().(string); ok {
		return v
	}
	return ""
}

// offer enqueues frame without blocking. It reports false when the queue is full.
func (c *Client) offer(frame []byte) bool {
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}
