package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabdoc/internal/models"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
)

// Client is one admitted connection. Frames are queued and written by
// WritePump so that a broadcast never blocks on a slow peer.
type Client struct {
	ID        string
	Principal models.Principal
	Conn      *websocket.Conn

	mu   sync.Mutex
	hook func(models.WSFrame)
	room *Room

	send      chan models.WSFrame
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, p models.Principal) *Client {
	return &Client{
		ID:        uuid.NewString(),
		Principal: p,
		Conn:      conn,
		send:      make(chan models.WSFrame, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.WSFrame)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send queues a frame. A client whose queue is full is closed.
func (c *Client) Send(frame models.WSFrame) {
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(frame)
		return
	}
	if c.Conn == nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		c.Close()
	}
}

// WritePump drains the send queue onto the connection until Close. Frames
// queued before Close are still flushed.
func (c *Client) WritePump() {
	if c.Conn == nil {
		return
	}
	defer c.Conn.Close()
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case frame := <-c.send:
					if err := c.write(frame); err != nil {
						return
					}
				default:
					_ = c.Conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (c *Client) write(frame models.WSFrame) error {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(frame)
}

// Close stops the client. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) Done() <-chan struct{} { return c.done }

// Room returns the session the client currently has open, if any.
func (c *Client) Room() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) setRoom(r *Room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
}
