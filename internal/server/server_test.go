package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatserver/internal/database"
	"github.com/npezzotti/go-chatserver/internal/stats"
	"github.com/npezzotti/go-chatserver/internal/testutil"
	"github.com/npezzotti/go-chatserver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestChatServer creates a ChatServer backed by the given repository
// mock, with stats expectations loose enough for any test flow.
func newTestChatServer(t *testing.T, db database.ChatRepository) *ChatServer {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return().Times(4)
	su.On("Incr", mock.Anything).Return()
	su.On("Decr", mock.Anything).Return()

	cs, err := NewChatServer(testutil.TestLogger(t), db, su, time.Minute)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

func newTestClient(t *testing.T, cs *ChatServer, id int, name string) *Client {
	return NewClient(types.User{Id: id, Username: name}, nil, cs, testutil.TestLogger(t))
}

// registerAndDrain registers a client and pops the connection ack so
// tests can assert on subsequent envelopes only.
func registerAndDrain(t *testing.T, cs *ChatServer, c *Client) {
	cs.RegisterClient(c)

	select {
	case msg := <-c.send:
		ack, ok := msg.(ConnectionAck)
		assert.True(t, ok, "expected first envelope to be a connection ack")
		assert.Equal(t, TypeConnection, ack.Type, "expected connection type")
		assert.Equal(t, c.user.Id, ack.UserId, "expected ack to carry the user id")
		assert.Equal(t, c.user.Username, ack.Username, "expected ack to carry the username")
	default:
		t.Fatal("expected connection ack to be queued on register")
	}
}

func receive(t *testing.T, c *Client) any {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	default:
		t.Fatalf("expected an envelope queued for %q, but found none", c.user.Username)
		return nil
	}
}

func assertNoEnvelope(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("expected no envelope for %q, got %+v", c.user.Username, msg)
	default:
	}
}

// assertTableInvariants verifies that no room entry has an empty
// subscriber set and that the subscription count matches the expected
// number of currently joined (user, room) pairs.
func assertTableInvariants(t *testing.T, cs *ChatServer, wantPairs int) {
	t.Helper()
	cs.mu.Lock()
	defer cs.mu.Unlock()

	total := 0
	for roomId, subs := range cs.subscriptions {
		assert.NotEmpty(t, subs, "expected no empty subscriber set for room %d", roomId)
		total += len(subs)
	}
	assert.Equal(t, wantPairs, total, "expected subscription count to match joined pairs")
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return().Times(4)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, su, time.Minute)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, db, cs.db, "expected database repository to be set")
	assert.NotNil(t, cs.sessions, "expected session registry to be initialized")
	assert.NotNil(t, cs.subscriptions, "expected subscription table to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.done, "expected done channel to be initialized")
	assert.Equal(t, time.Minute, cs.pingInterval, "expected ping interval to be set")
}

func TestNewChatServerDefaultInterval(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return().Times(4)

	cs, err := NewChatServer(testutil.TestLogger(t), &database.MockChatRepository{}, su, 0)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.Equal(t, defaultPingInterval, cs.pingInterval, "expected default ping interval")
}

func TestRegisterClient(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{})
	c := newTestClient(t, cs, 1, "alice")

	registerAndDrain(t, cs, c)

	cs.mu.Lock()
	assert.Equal(t, c, cs.sessions[1], "expected client to be registered for its user id")
	cs.mu.Unlock()
}

func TestRegisterClientReplacesExisting(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("IsRoomMember", 7, mock.Anything).Return(true, nil)
	db.On("GetLatestMessages", 7, historyLimit).Return([]database.Message{}, nil)

	cs := newTestChatServer(t, db)

	alice := newTestClient(t, cs, 1, "alice")
	registerAndDrain(t, cs, alice)
	cs.handleJoinRoom(alice, 7)
	receive(t, alice) // room_joined

	first := newTestClient(t, cs, 2, "bob")
	registerAndDrain(t, cs, first)
	cs.handleJoinRoom(first, 7)
	receive(t, first)  // room_joined
	receive(t, alice)  // user_joined for bob

	second := newTestClient(t, cs, 2, "bob")
	registerAndDrain(t, cs, second)

	cs.mu.Lock()
	assert.Equal(t, second, cs.sessions[2], "expected the second connection to be current")
	_, subscribed := cs.subscriptions[7][2]
	cs.mu.Unlock()
	assert.False(t, subscribed, "expected the superseded connection's subscriptions to be dropped")

	// the old connection is force-closed, not orphaned
	select {
	case <-first.stop:
	default:
		t.Error("expected the superseded client to be stopped")
	}

	msg := receive(t, alice)
	evt, ok := msg.(UserEvent)
	assert.True(t, ok, "expected a user event for the remaining subscriber")
	assert.Equal(t, TypeUserDisconnected, evt.Type, "expected user_disconnected on replacement")
	assert.Equal(t, 2, evt.UserId, "expected the replaced user's id")

	// a broadcast to user 2 now reaches only the second connection
	cs.mu.Lock()
	cs.subscriptions[7] = map[int]struct{}{1: {}, 2: {}}
	cs.mu.Unlock()
	cs.broadcast(7, 1, newTypingEvent(7, 1, true))
	assertNoEnvelope(t, first)
	receive(t, second)

	// the superseded connection's own teardown is now a no-op
	cs.removeClient(first)
	cs.mu.Lock()
	assert.Equal(t, second, cs.sessions[2], "expected the current session to survive stale teardown")
	cs.mu.Unlock()

	db.AssertExpectations(t)
}

func TestJoinRoom(t *testing.T) {
	t.Run("successful join", func(t *testing.T) {
		history := []database.Message{
			{Id: 10, RoomId: 7, UserId: 1, Username: "alice", Text: "first"},
			{Id: 11, RoomId: 7, UserId: 1, Username: "alice", Text: "second"},
		}
		db := &database.MockChatRepository{}
		db.On("IsRoomMember", 7, 1).Return(true, nil)
		db.On("GetLatestMessages", 7, historyLimit).Return(history, nil)
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		c := newTestClient(t, cs, 1, "alice")
		registerAndDrain(t, cs, c)

		cs.handleJoinRoom(c, 7)

		msg := receive(t, c)
		joined, ok := msg.(RoomJoined)
		assert.True(t, ok, "expected a room_joined envelope")
		assert.Equal(t, TypeRoomJoined, joined.Type, "expected room_joined type")
		assert.Equal(t, 7, joined.RoomId, "expected the joined room id")
		assert.Len(t, joined.Messages, 2, "expected the recent history")
		assert.Equal(t, "first", joined.Messages[0].Text, "expected chronological history")
		assert.Equal(t, "second", joined.Messages[1].Text, "expected chronological history")

		assertTableInvariants(t, cs, 1)
	})

	t.Run("not a member", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("IsRoomMember", 7, 1).Return(false, nil)
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		c := newTestClient(t, cs, 1, "alice")
		registerAndDrain(t, cs, c)

		cs.handleJoinRoom(c, 7)

		msg := receive(t, c)
		errMsg, ok := msg.(ErrorMessage)
		assert.True(t, ok, "expected an error envelope")
		assert.Equal(t, "you are not a member of this room", errMsg.Message, "expected membership error")

		assertTableInvariants(t, cs, 0)
	})

	t.Run("membership check failure", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("IsRoomMember", 7, 1).Return(false, errors.New("connection refused"))
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		c := newTestClient(t, cs, 1, "alice")
		registerAndDrain(t, cs, c)

		cs.handleJoinRoom(c, 7)

		// a store failure is not the same as non-membership
		msg := receive(t, c)
		errMsg, ok := msg.(ErrorMessage)
		assert.True(t, ok, "expected an error envelope")
		assert.Equal(t, "failed to process message", errMsg.Message, "expected a processing error, not a membership error")
		assertTableInvariants(t, cs, 0)
	})

	t.Run("membership revoked between joins", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("IsRoomMember", 7, 1).Return(true, nil).Once()
		db.On("GetLatestMessages", 7, historyLimit).Return([]database.Message{}, nil).Once()
		db.On("IsRoomMember", 7, 1).Return(false, nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		c := newTestClient(t, cs, 1, "alice")
		registerAndDrain(t, cs, c)

		cs.handleJoinRoom(c, 7)
		receive(t, c) // room_joined
		cs.handleLeaveRoom(c, 7)
		receive(t, c) // room_left

		// membership is re-checked on every join
		cs.handleJoinRoom(c, 7)
		msg := receive(t, c)
		_, ok := msg.(ErrorMessage)
		assert.True(t, ok, "expected rejection after membership was revoked")
		assertTableInvariants(t, cs, 0)
	})

	t.Run("message store failure", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("IsRoomMember", 7, 1).Return(true, nil)
		db.On("GetLatestMessages", 7, historyLimit).Return([]database.Message(nil), errors.New("connection refused"))
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		c := newTestClient(t, cs, 1, "alice")
		registerAndDrain(t, cs, c)

		cs.handleJoinRoom(c, 7)

		msg := receive(t, c)
		errMsg, ok := msg.(ErrorMessage)
		assert.True(t, ok, "expected an error envelope")
		assert.Equal(t, "failed to process message", errMsg.Message, "expected processing error")
		assertTableInvariants(t, cs, 0)
	})

	t.Run("rejoin is idempotent", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("IsRoomMember", 7, 1).Return(true, nil)
		db.On("GetLatestMessages", 7, historyLimit).Return([]database.Message{}, nil)
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		c := newTestClient(t, cs, 1, "alice")
		registerAndDrain(t, cs, c)

		cs.handleJoinRoom(c, 7)
		receive(t, c)
		cs.handleJoinRoom(c, 7)

		msg := receive(t, c)
		_, ok := msg.(RoomJoined)
		assert.True(t, ok, "expected the history to be re-sent on rejoin")
		assertTableInvariants(t, cs, 1)
	})
}

func TestJoinRoomNotifiesSubscribers(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("IsRoomMember", 7, mock.Anything).Return(true, nil)
	db.On("GetLatestMessages", 7, historyLimit).Return([]database.Message{}, nil)
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	alice := newTestClient(t, cs, 1, "alice")
	bob := newTestClient(t, cs, 2, "bob")
	registerAndDrain(t, cs, alice)
	registerAndDrain(t, cs, bob)

	cs.handleJoinRoom(alice, 7)
	receive(t, alice) // room_joined

	cs.handleJoinRoom(bob, 7)
	receive(t, bob) // room_joined

	msg := receive(t, alice)
	evt, ok := msg.(UserEvent)
	assert.True(t, ok, "expected a user event for alice")
	assert.Equal(t, TypeUserJoined, evt.Type, "expected user_joined")
	assert.Equal(t, 7, evt.RoomId, "expected the joined room id")
	assert.Equal(t, 2, evt.UserId, "expected bob's user id")

	// the joining user is excluded from its own user_joined broadcast
	assertNoEnvelope(t, bob)
}

func TestLeaveRoom(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("IsRoomMember", 7, mock.Anything).Return(true, nil)
	db.On("GetLatestMessages", 7, historyLimit).Return([]database.Message{}, nil)
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	alice := newTestClient(t, cs, 1, "alice")
	bob := newTestClient(t, cs, 2, "bob")
	registerAndDrain(t, cs, alice)
	registerAndDrain(t, cs, bob)

	cs.handleJoinRoom(alice, 7)
	receive(t, alice)
	cs.handleJoinRoom(bob, 7)
	receive(t, bob)
	receive(t, alice) // user_joined

	cs.handleLeaveRoom(bob, 7)

	msg := receive(t, bob)
	left, ok := msg.(RoomLeft)
	assert.True(t, ok, "expected a room_left envelope")
	assert.Equal(t, 7, left.RoomId, "expected the left room id")

	msg = receive(t, alice)
	evt, ok := msg.(UserEvent)
	assert.True(t, ok, "expected a user event for alice")
	assert.Equal(t, TypeUserLeft, evt.Type, "expected user_left")
	assert.Equal(t, 2, evt.UserId, "expected bob's user id")

	assertTableInvariants(t, cs, 1)

	// last subscriber leaving removes the room entry entirely
	cs.handleLeaveRoom(alice, 7)
	receive(t, alice)
	cs.mu.Lock()
	_, exists := cs.subscriptions[7]
	cs.mu.Unlock()
	assert.False(t, exists, "expected the empty room entry to be deleted")
	assertTableInvariants(t, cs, 0)
}

func TestSendMessage(t *testing.T) {
	t.Run("requires a live subscription", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		c := newTestClient(t, cs, 1, "alice")
		registerAndDrain(t, cs, c)

		// durable membership alone is not enough: the user never joined
		cs.handleSendMessage(c, 7, "hi")

		msg := receive(t, c)
		errMsg, ok := msg.(ErrorMessage)
		assert.True(t, ok, "expected an error envelope")
		assert.Equal(t, "you must join the room first", errMsg.Message, "expected join-first error")
	})

	t.Run("broadcasts to all subscribers including the sender", func(t *testing.T) {
		record := database.Message{Id: 101, RoomId: 7, UserId: 2, Username: "bob", Text: "hi"}
		db := &database.MockChatRepository{}
		db.On("IsRoomMember", 7, mock.Anything).Return(true, nil)
		db.On("GetLatestMessages", 7, historyLimit).Return([]database.Message{}, nil)
		db.On("CreateMessage", 7, 2, "hi").Return(record, nil)
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		alice := newTestClient(t, cs, 1, "alice")
		bob := newTestClient(t, cs, 2, "bob")
		registerAndDrain(t, cs, alice)
		registerAndDrain(t, cs, bob)

		cs.handleJoinRoom(alice, 7)
		receive(t, alice)
		cs.handleJoinRoom(bob, 7)
		receive(t, bob)
		receive(t, alice) // user_joined

		cs.handleSendMessage(bob, 7, "hi")

		for _, c := range []*Client{alice, bob} {
			msg := receive(t, c)
			nm, ok := msg.(NewMessage)
			assert.True(t, ok, "expected a new_message envelope for %q", c.user.Username)
			assert.Equal(t, 7, nm.RoomId, "expected the room id")
			assert.Equal(t, 101, nm.Message.Id, "expected the store-assigned message id")
			assert.Equal(t, 2, nm.Message.UserId, "expected the sender's user id")
			assert.Equal(t, "hi", nm.Message.Text, "expected the message text")
		}
	})

	t.Run("message store failure", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("IsRoomMember", 7, 1).Return(true, nil)
		db.On("GetLatestMessages", 7, historyLimit).Return([]database.Message{}, nil)
		db.On("CreateMessage", 7, 1, "hi").Return(database.Message{}, errors.New("connection refused"))
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db)
		c := newTestClient(t, cs, 1, "alice")
		registerAndDrain(t, cs, c)
		cs.handleJoinRoom(c, 7)
		receive(t, c)

		cs.handleSendMessage(c, 7, "hi")

		msg := receive(t, c)
		errMsg, ok := msg.(ErrorMessage)
		assert.True(t, ok, "expected an error envelope")
		assert.Equal(t, "failed to process message", errMsg.Message, "expected processing error")
	})
}

func TestTyping(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("IsRoomMember", 7, mock.Anything).Return(true, nil)
	db.On("GetLatestMessages", 7, historyLimit).Return([]database.Message{}, nil)
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	alice := newTestClient(t, cs, 1, "alice")
	bob := newTestClient(t, cs, 2, "bob")
	registerAndDrain(t, cs, alice)
	registerAndDrain(t, cs, bob)

	cs.handleJoinRoom(alice, 7)
	receive(t, alice)
	cs.handleJoinRoom(bob, 7)
	receive(t, bob)
	receive(t, alice) // user_joined

	cs.handleTyping(bob, 7, true)

	msg := receive(t, alice)
	evt, ok := msg.(TypingEvent)
	assert.True(t, ok, "expected a typing envelope")
	assert.Equal(t, 7, evt.RoomId, "expected the room id")
	assert.Equal(t, 2, evt.UserId, "expected bob's user id")
	assert.True(t, evt.IsTyping, "expected isTyping to be set")

	// the typing user is excluded
	assertNoEnvelope(t, bob)
}

func TestRemoveClientTeardown(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("IsRoomMember", mock.Anything, mock.Anything).Return(true, nil)
	db.On("GetLatestMessages", mock.Anything, historyLimit).Return([]database.Message{}, nil)
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	alice := newTestClient(t, cs, 1, "alice")
	bob := newTestClient(t, cs, 2, "bob")
	carol := newTestClient(t, cs, 3, "carol")
	registerAndDrain(t, cs, alice)
	registerAndDrain(t, cs, bob)
	registerAndDrain(t, cs, carol)

	// bob is subscribed to rooms 7 and 8, with a different witness in each
	cs.handleJoinRoom(alice, 7)
	receive(t, alice)
	cs.handleJoinRoom(carol, 8)
	receive(t, carol)
	cs.handleJoinRoom(bob, 7)
	receive(t, bob)
	receive(t, alice) // user_joined
	cs.handleJoinRoom(bob, 8)
	receive(t, bob)
	receive(t, carol) // user_joined

	cs.removeClient(bob)

	for _, tc := range []struct {
		witness *Client
		roomId  int
	}{
		{alice, 7},
		{carol, 8},
	} {
		msg := receive(t, tc.witness)
		evt, ok := msg.(UserEvent)
		assert.True(t, ok, "expected a user event for %q", tc.witness.user.Username)
		assert.Equal(t, TypeUserDisconnected, evt.Type, "expected user_disconnected")
		assert.Equal(t, tc.roomId, evt.RoomId, "expected the affected room id")
		assert.Equal(t, 2, evt.UserId, "expected bob's user id")
		// exactly one broadcast per affected room
		assertNoEnvelope(t, tc.witness)
	}

	cs.mu.Lock()
	_, registered := cs.sessions[2]
	_, in7 := cs.subscriptions[7][2]
	_, in8 := cs.subscriptions[8][2]
	cs.mu.Unlock()
	assert.False(t, registered, "expected bob to be removed from the session registry")
	assert.False(t, in7, "expected bob to be removed from room 7")
	assert.False(t, in8, "expected bob to be removed from room 8")
	assertTableInvariants(t, cs, 2)

	// teardown is idempotent
	cs.removeClient(bob)
	assertNoEnvelope(t, alice)
	assertNoEnvelope(t, carol)
}

func TestCheckLiveness(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("IsRoomMember", 7, mock.Anything).Return(true, nil)
	db.On("GetLatestMessages", 7, historyLimit).Return([]database.Message{}, nil)
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	alice := newTestClient(t, cs, 1, "alice")
	bob := newTestClient(t, cs, 2, "bob")
	registerAndDrain(t, cs, alice)
	registerAndDrain(t, cs, bob)

	cs.handleJoinRoom(alice, 7)
	receive(t, alice)
	cs.handleJoinRoom(bob, 7)
	receive(t, bob)
	receive(t, alice) // user_joined

	// first tick: everyone was alive, so probes go out
	cs.checkLiveness()
	assert.False(t, alice.alive.Load(), "expected alive to be cleared pending a pong")
	assert.False(t, bob.alive.Load(), "expected alive to be cleared pending a pong")
	assert.Len(t, alice.probe, 1, "expected a probe queued for alice")
	assert.Len(t, bob.probe, 1, "expected a probe queued for bob")

	// alice answers the probe, bob stays silent
	alice.alive.Store(true)

	// second tick: bob is evicted, alice is probed again
	cs.checkLiveness()

	cs.mu.Lock()
	_, registered := cs.sessions[2]
	_, subscribed := cs.subscriptions[7][2]
	cs.mu.Unlock()
	assert.False(t, registered, "expected the dead connection to be removed from the registry")
	assert.False(t, subscribed, "expected the dead connection to be removed from the room")

	select {
	case <-bob.stop:
	default:
		t.Error("expected the dead client to be stopped")
	}

	msg := receive(t, alice)
	evt, ok := msg.(UserEvent)
	assert.True(t, ok, "expected a user event for alice")
	assert.Equal(t, TypeUserDisconnected, evt.Type, "expected user_disconnected after liveness eviction")
	assert.Equal(t, 2, evt.UserId, "expected bob's user id")
	assertTableInvariants(t, cs, 1)
}

func TestBroadcastNoExclusion(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{})
	alice := newTestClient(t, cs, 1, "alice")
	bob := newTestClient(t, cs, 2, "bob")
	registerAndDrain(t, cs, alice)
	registerAndDrain(t, cs, bob)

	cs.mu.Lock()
	cs.subscriptions[7] = map[int]struct{}{1: {}, 2: {}}
	cs.mu.Unlock()

	cs.broadcast(7, 0, newPong())

	receive(t, alice)
	receive(t, bob)
}

// TestBroadcastOrderingConcurrent fires broadcasts into one room from
// several goroutines and verifies every subscriber observes the same
// sequence: concurrent broadcasts may interleave, but never reorder
// between subscribers of the same room.
func TestBroadcastOrderingConcurrent(t *testing.T) {
	// senders*perSender stays under the send queue capacity so no
	// broadcast is dropped as overflow
	const (
		senders    = 8
		perSender  = 30
		numClients = 8
	)

	cs := newTestChatServer(t, &database.MockChatRepository{})

	clients := make([]*Client, numClients)
	subs := make(map[int]struct{}, numClients)
	for i := range clients {
		clients[i] = newTestClient(t, cs, i+1, fmt.Sprintf("user-%d", i+1))
		registerAndDrain(t, cs, clients[i])
		subs[i+1] = struct{}{}
	}
	cs.mu.Lock()
	cs.subscriptions[7] = subs
	cs.mu.Unlock()

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				cs.broadcast(7, 0, newMessageEvent(7, types.Message{
					RoomId: 7,
					Text:   fmt.Sprintf("s%d-%d", s, i),
				}))
			}
		}(s)
	}
	wg.Wait()

	sequences := make([][]string, numClients)
	for i, c := range clients {
		for len(c.send) > 0 {
			nm := (<-c.send).(NewMessage)
			sequences[i] = append(sequences[i], nm.Message.Text)
		}
		assert.Len(t, sequences[i], senders*perSender, "expected every broadcast to reach client %d", i+1)
	}

	for i := 1; i < numClients; i++ {
		assert.Equal(t, sequences[0], sequences[i],
			"expected clients 1 and %d to observe broadcasts in the same order", i+1)
	}
}

func TestBroadcastSkipsUnregisteredSubscribers(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{})
	alice := newTestClient(t, cs, 1, "alice")
	registerAndDrain(t, cs, alice)

	// user 2 appears in the table but has no live session
	cs.mu.Lock()
	cs.subscriptions[7] = map[int]struct{}{1: {}, 2: {}}
	cs.mu.Unlock()

	cs.broadcast(7, 0, newPong())
	receive(t, alice)
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{})
		c := newTestClient(t, cs, 1, "alice")
		registerAndDrain(t, cs, c)

		go cs.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected no error shutting down")

		select {
		case <-c.stop:
		default:
			t.Error("expected clients to be stopped on shutdown")
		}

		cs.mu.Lock()
		assert.Empty(t, cs.sessions, "expected the session registry to be cleared")
		assert.Empty(t, cs.subscriptions, "expected the subscription table to be cleared")
		cs.mu.Unlock()
	})

	t.Run("context expired", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{})

		// Run is not started, so done never closes
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected a deadline error")
	})
}

// TestRoomScenario walks the full alice and bob exchange: join, join
// notification, message fan-out including the sender, and disconnect
// notification.
func TestRoomScenario(t *testing.T) {
	history := []database.Message{
		{Id: 1, RoomId: 7, UserId: 1, Username: "alice", Text: "earlier"},
	}
	record := database.Message{Id: 2, RoomId: 7, UserId: 2, Username: "bob", Text: "hi"}

	db := &database.MockChatRepository{}
	db.On("IsRoomMember", 7, mock.Anything).Return(true, nil)
	db.On("GetLatestMessages", 7, historyLimit).Return(history, nil)
	db.On("CreateMessage", 7, 2, "hi").Return(record, nil)
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db)
	alice := newTestClient(t, cs, 1, "alice")
	bob := newTestClient(t, cs, 2, "bob")
	registerAndDrain(t, cs, alice)
	registerAndDrain(t, cs, bob)

	// alice joins room 7 and receives the backlog
	cs.handleJoinRoom(alice, 7)
	joined := receive(t, alice).(RoomJoined)
	assert.Equal(t, 7, joined.RoomId, "expected room 7")
	assert.Len(t, joined.Messages, 1, "expected the backlog")

	// bob joins, alice is notified
	cs.handleJoinRoom(bob, 7)
	receive(t, bob) // room_joined
	evt := receive(t, alice).(UserEvent)
	assert.Equal(t, TypeUserJoined, evt.Type, "expected user_joined")
	assert.Equal(t, 2, evt.UserId, "expected bob's id")

	// bob sends a message, both receive it
	cs.handleSendMessage(bob, 7, "hi")
	for _, c := range []*Client{alice, bob} {
		nm := receive(t, c).(NewMessage)
		assert.Equal(t, "hi", nm.Message.Text, "expected the message text for %q", c.user.Username)
		assert.Equal(t, 2, nm.Message.UserId, "expected bob as the sender")
	}

	// bob disconnects, alice is notified and is the only subscriber left
	cs.removeClient(bob)
	disc := receive(t, alice).(UserEvent)
	assert.Equal(t, TypeUserDisconnected, disc.Type, "expected user_disconnected")
	assert.Equal(t, 2, disc.UserId, "expected bob's id")

	cs.mu.Lock()
	subs := cs.subscriptions[7]
	cs.mu.Unlock()
	assert.Equal(t, map[int]struct{}{1: {}}, subs, "expected only alice to remain subscribed")
}
