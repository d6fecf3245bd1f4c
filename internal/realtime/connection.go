package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 128
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// Connection wraps one websocket for one authenticated user and
// coordinates outbound writes via a buffered channel. A user may hold any
// number of concurrent connections. Safe for concurrent use.
type Connection struct {
	ID   string
	User *models.User

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	// teardownOnce guards the hub's state-machine teardown so racing
	// termination signals run it exactly once.
	teardownOnce sync.Once
}

// NewConnection constructs a Connection for the given authenticated user.
func NewConnection(user *models.User, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.NewString(),
		User: user,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Start arms read deadlines and launches the write loop. It must be
// called exactly once per connection backed by a live websocket, before
// the first ReadMessage.
func (c *Connection) Start() {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writeLoop()
}

// Send enqueues payload for delivery without blocking. A connection whose
// buffer is full is closed: delivery is best-effort and one slow consumer
// must not stall fan-out to the rest of a room.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errSlowConsumer
	}
}

// ReadMessage blocks until the next inbound frame or transport error.
func (c *Connection) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Close terminates the connection and stops the write loop. Safe to call
// from any goroutine, any number of times.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws == nil {
			return
		}
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
