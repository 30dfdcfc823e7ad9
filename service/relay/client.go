package relay

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Client is one live connection session. The transport pumps live in
// server.go; router handlers run in the connection's read loop, so userID
// and roomID only change from that one goroutine. The mutex exists because
// eviction reaches into a *different* connection's client.
type Client struct {
	ConnID string
	WS     *websocket.Conn // nil in unit tests; Send is read directly instead
	Send   chan []byte

	mu     sync.Mutex
	userID string
	roomID string

	sendOnce  sync.Once
	closeOnce sync.Once
}

// NewClient creates a session around an accepted connection.
func NewClient(connID string, ws *websocket.Conn, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 256
	}
	return &Client{
		ConnID: connID,
		WS:     ws,
		Send:   make(chan []byte, sendQueueSize),
	}
}

// User returns the authenticated identity, or "" before authentication.
func (c *Client) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setUser(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// Room returns the current conversation, or "" when not joined anywhere.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// swapRoom atomically installs the new room and returns the previous one.
func (c *Client) swapRoom(next string) (prev string) {
	c.mu.Lock()
	prev = c.roomID
	c.roomID = next
	c.mu.Unlock()
	return prev
}

// enqueue offers a payload to the writer without blocking. A full queue
// means a slow client; the payload is dropped (no retry, no delivery
// guarantee beyond the socket itself).
func (c *Client) enqueue(payload []byte) bool {
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound queue exactly once; the writer pump reacts by
// sending a close frame.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() { close(c.Send) })
}

// closeWS closes the underlying socket exactly once, which unblocks the
// connection's read loop and triggers its teardown path.
func (c *Client) closeWS() {
	c.closeOnce.Do(func() {
		if c.WS != nil {
			_ = c.WS.Close()
		}
	})
}
