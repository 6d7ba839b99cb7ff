package server

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatserver/internal/types"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Close codes sent during the connection lifecycle. 4001 distinguishes
// a missing or invalid token from transport-level failures.
const (
	CloseAuthFailure     = 4001
	CloseSessionReplaced = 4002
)

// Client is one live transport session tied to exactly one
// authenticated user. It is owned by the ChatServer, which registers it
// on connect and tears it down on close, error or failed liveness check.
type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan any
	probe      chan struct{}
	alive      atomic.Bool
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	c := &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan any, 256),
		probe:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	c.alive.Store(true)

	return c
}

func (c *Client) User() types.User {
	return c.user
}

// Write pumps queued envelopes and liveness probes to the connection.
// It is the only goroutine that writes data frames.
func (c *Client) Write() {
	defer func() {
		c.conn.Close()
		c.log.Printf("write exiting for %q", c.user.Username)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.probe:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		case <-c.stop:
			return
		}
	}
}

// Read pumps inbound envelopes off the connection and dispatches them
// one at a time, so each event is fully handled before the next.
func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Printf("read exiting for %q", c.user.Username)
	}()

	pongWait := c.chatServer.pongWait()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		c.handleMessage(raw)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Printf("error parsing message from %q: %v", c.user.Username, err)
		c.queueMessage(ErrProcessingFailed())
		return
	}

	switch msg.Type {
	case TypeJoinRoom:
		c.chatServer.handleJoinRoom(c, msg.RoomId)
	case TypeLeaveRoom:
		c.chatServer.handleLeaveRoom(c, msg.RoomId)
	case TypeSendMessage:
		c.chatServer.handleSendMessage(c, msg.RoomId, msg.Text)
	case TypeTyping:
		c.chatServer.handleTyping(c, msg.RoomId, msg.IsTyping)
	case TypePing:
		c.queueMessage(newPong())
	default:
		c.queueMessage(ErrUnknownMessageType())
	}
}

// queueMessage enqueues an envelope for delivery. Delivery is best
// effort: a full queue or a mid-teardown client drops the message
// without surfacing an error to the caller.
func (c *Client) queueMessage(msg any) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- msg:
	default:
		c.log.Printf("dropping message for %q, send queue is full", c.user.Username)
		return false
	}

	return true
}

func (c *Client) queueProbe() {
	select {
	case c.probe <- struct{}{}:
	default:
	}
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.chatServer.removeClient(c)
	c.stopClient()
}

// closeConn sends a close frame and closes the underlying connection.
// Safe to call concurrently with the pumps.
func (c *Client) closeConn(code int, reason string) {
	if c.conn == nil {
		return
	}

	deadline := time.Now().Add(writeWait)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.conn.Close()
}

func (c *Client) writeMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}
