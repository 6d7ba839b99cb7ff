package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatserver/internal/database"
	"github.com/npezzotti/go-chatserver/internal/stats"
)

// historyLimit caps the message backlog sent on room_joined.
const historyLimit = 50

const defaultPingInterval = 30 * time.Second

// Metric names registered with the stats provider.
const (
	statConnections   = "Connections"
	statSubscriptions = "Subscriptions"
	statActiveRooms   = "ActiveRooms"
	statMessagesSent  = "MessagesSent"
)

// ChatServer owns the two shared tables of the live layer: the session
// registry (one client per user) and the room subscription table
// (per-room sets of subscribed user ids). All mutations are serialized
// behind mu; store and identity calls never run under the lock.
type ChatServer struct {
	log          *log.Logger
	db           database.ChatRepository
	stats        stats.StatsProvider
	pingInterval time.Duration

	mu            sync.Mutex
	sessions      map[int]*Client
	subscriptions map[int]map[int]struct{}

	stop chan struct{}
	done chan struct{}
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, su stats.StatsProvider, pingInterval time.Duration) (*ChatServer, error) {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	cs := &ChatServer{
		log:           logger,
		db:            db,
		stats:         su,
		pingInterval:  pingInterval,
		sessions:      make(map[int]*Client),
		subscriptions: make(map[int]map[int]struct{}),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	cs.stats.RegisterMetric(statConnections)
	cs.stats.RegisterMetric(statSubscriptions)
	cs.stats.RegisterMetric(statActiveRooms)
	cs.stats.RegisterMetric(statMessagesSent)

	return cs, nil
}

// Run drives the liveness monitor until Shutdown is called. A
// connection that has not answered the previous probe is terminated, so
// a silently dead connection is evicted within two intervals.
func (cs *ChatServer) Run() {
	ticker := time.NewTicker(cs.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cs.checkLiveness()
		case <-cs.stop:
			cs.closeAllClients()
			close(cs.done)
			return
		}
	}
}

// Shutdown stops the liveness monitor and closes every live connection
// with a going-away status.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) pongWait() time.Duration {
	return 2 * cs.pingInterval
}

// RegisterClient enters an authenticated client into the session
// registry and acknowledges the connection. At most one client per user
// may be registered: a prior session for the same user is fully torn
// down and force-closed before the new one takes its place.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.mu.Lock()
	prev := cs.sessions[c.user.Id]
	var affected []int
	if prev != nil {
		affected = cs.dropSubscriptionsLocked(prev.user.Id)
	}
	cs.sessions[c.user.Id] = c
	cs.mu.Unlock()

	if prev != nil {
		cs.log.Printf("replacing session for %q", prev.user.Username)
		for _, roomId := range affected {
			cs.broadcast(roomId, prev.user.Id, newUserDisconnected(roomId, prev.user.Id))
		}
		prev.stopClient()
		prev.closeConn(CloseSessionReplaced, "session replaced by a new connection")
		cs.stats.Decr(statConnections)
	}

	cs.stats.Incr(statConnections)
	cs.log.Printf("user %q connected", c.user.Username)
	c.queueMessage(newConnectionAck(c.user))
}

// removeClient is the idempotent teardown path shared by client close,
// read errors and liveness eviction. It only acts if the registry still
// points at this client, so a superseded session cannot disturb the
// tables of its replacement.
func (cs *ChatServer) removeClient(c *Client) {
	cs.mu.Lock()
	if cs.sessions[c.user.Id] != c {
		cs.mu.Unlock()
		return
	}
	delete(cs.sessions, c.user.Id)
	affected := cs.dropSubscriptionsLocked(c.user.Id)
	cs.mu.Unlock()

	for _, roomId := range affected {
		cs.broadcast(roomId, c.user.Id, newUserDisconnected(roomId, c.user.Id))
	}

	cs.stats.Decr(statConnections)
	cs.log.Printf("user %q disconnected", c.user.Username)
}

// dropSubscriptionsLocked removes the user from every room it appears
// in and returns the affected room ids. Empty subscriber sets are
// deleted. Callers must hold mu.
func (cs *ChatServer) dropSubscriptionsLocked(userId int) []int {
	var affected []int
	for roomId, subs := range cs.subscriptions {
		if _, ok := subs[userId]; !ok {
			continue
		}

		delete(subs, userId)
		cs.stats.Decr(statSubscriptions)
		affected = append(affected, roomId)

		if len(subs) == 0 {
			delete(cs.subscriptions, roomId)
			cs.stats.Decr(statActiveRooms)
		}
	}

	return affected
}

func (cs *ChatServer) handleJoinRoom(c *Client, roomId int) {
	// durable membership is re-checked on every join, it may have
	// changed since the last one
	member, err := cs.db.IsRoomMember(roomId, c.user.Id)
	if err != nil {
		cs.log.Printf("membership check for room %d: %v", roomId, err)
		c.queueMessage(ErrProcessingFailed())
		return
	}
	if !member {
		c.queueMessage(ErrNotAMember())
		return
	}

	messages, err := cs.db.GetLatestMessages(roomId, historyLimit)
	if err != nil {
		cs.log.Printf("latest messages for room %d: %v", roomId, err)
		c.queueMessage(ErrProcessingFailed())
		return
	}

	cs.mu.Lock()
	if cs.sessions[c.user.Id] != c {
		// superseded while the store calls were in flight
		cs.mu.Unlock()
		return
	}
	subs, ok := cs.subscriptions[roomId]
	if !ok {
		subs = make(map[int]struct{})
		cs.subscriptions[roomId] = subs
		cs.stats.Incr(statActiveRooms)
	}
	_, rejoin := subs[c.user.Id]
	subs[c.user.Id] = struct{}{}
	cs.mu.Unlock()

	if !rejoin {
		cs.stats.Incr(statSubscriptions)
	}

	c.queueMessage(newRoomJoined(roomId, toMessages(messages)))
	cs.broadcast(roomId, c.user.Id, newUserJoined(roomId, c.user.Id))
	cs.log.Printf("user %q joined room %d", c.user.Username, roomId)
}

func (cs *ChatServer) handleLeaveRoom(c *Client, roomId int) {
	cs.mu.Lock()
	subs, ok := cs.subscriptions[roomId]
	if ok {
		if _, ok := subs[c.user.Id]; ok {
			delete(subs, c.user.Id)
			cs.stats.Decr(statSubscriptions)
			if len(subs) == 0 {
				delete(cs.subscriptions, roomId)
				cs.stats.Decr(statActiveRooms)
			}
		}
	}
	cs.mu.Unlock()

	c.queueMessage(newRoomLeft(roomId))
	cs.broadcast(roomId, c.user.Id, newUserLeft(roomId, c.user.Id))
	cs.log.Printf("user %q left room %d", c.user.Username, roomId)
}

func (cs *ChatServer) handleSendMessage(c *Client, roomId int, text string) {
	cs.mu.Lock()
	_, subscribed := cs.subscriptions[roomId][c.user.Id]
	cs.mu.Unlock()

	// live subscription is required, durable membership alone does not
	// allow injecting messages into a room
	if !subscribed {
		c.queueMessage(ErrMustJoinRoom())
		return
	}

	msg, err := cs.db.CreateMessage(roomId, c.user.Id, text)
	if err != nil {
		cs.log.Printf("create message in room %d: %v", roomId, err)
		c.queueMessage(ErrProcessingFailed())
		return
	}

	cs.stats.Incr(statMessagesSent)
	cs.broadcast(roomId, 0, newMessageEvent(roomId, toMessage(msg)))
}

func (cs *ChatServer) handleTyping(c *Client, roomId int, isTyping bool) {
	cs.broadcast(roomId, c.user.Id, newTypingEvent(roomId, c.user.Id, isTyping))
}

// broadcast delivers msg to every currently subscribed, currently live
// client of the room, except excludeUserId (0 means no exclusion).
// Enqueueing happens under the lock so concurrent broadcasts to the
// same room reach every subscriber in the same order; queueMessage
// never blocks, so no slow work runs while mu is held. Delivery is
// best effort, a failed recipient never aborts the rest.
func (cs *ChatServer) broadcast(roomId, excludeUserId int, msg any) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for userId := range cs.subscriptions[roomId] {
		if userId == excludeUserId {
			continue
		}
		if client, ok := cs.sessions[userId]; ok {
			client.queueMessage(msg)
		}
	}
}

// checkLiveness runs once per monitor tick. A client that has not
// answered the previous probe is terminated exactly like a
// client-initiated close; everyone else gets a fresh probe.
func (cs *ChatServer) checkLiveness() {
	cs.mu.Lock()
	clients := make([]*Client, 0, len(cs.sessions))
	for _, c := range cs.sessions {
		clients = append(clients, c)
	}
	cs.mu.Unlock()

	for _, c := range clients {
		if !c.alive.Load() {
			cs.log.Printf("no pong from %q since last probe, terminating", c.user.Username)
			cs.removeClient(c)
			c.stopClient()
			c.closeConn(websocket.CloseGoingAway, "liveness check failed")
			continue
		}

		c.alive.Store(false)
		c.queueProbe()
	}
}

func (cs *ChatServer) closeAllClients() {
	cs.mu.Lock()
	clients := make([]*Client, 0, len(cs.sessions))
	for _, c := range cs.sessions {
		clients = append(clients, c)
	}
	cs.sessions = make(map[int]*Client)
	cs.subscriptions = make(map[int]map[int]struct{})
	cs.mu.Unlock()

	for _, c := range clients {
		c.stopClient()
		c.closeConn(websocket.CloseGoingAway, "server shutting down")
	}
}
