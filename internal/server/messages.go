package server

import (
	"github.com/npezzotti/go-chatserver/internal/database"
	"github.com/npezzotti/go-chatserver/internal/types"
)

// Inbound envelope types.
const (
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypePing        = "ping"
)

// Outbound envelope types.
const (
	TypeConnection       = "connection"
	TypeRoomJoined       = "room_joined"
	TypeRoomLeft         = "room_left"
	TypeUserJoined       = "user_joined"
	TypeUserLeft         = "user_left"
	TypeUserDisconnected = "user_disconnected"
	TypeNewMessage       = "new_message"
	TypePong             = "pong"
	TypeError            = "error"
)

// ClientMessage is a single inbound envelope. Type selects which of the
// remaining fields are meaningful; anything outside the enumerated types
// is rejected with an error envelope.
type ClientMessage struct {
	Type     string `json:"type"`
	RoomId   int    `json:"roomId,omitempty"`
	Text     string `json:"text,omitempty"`
	IsTyping bool   `json:"isTyping,omitempty"`
}

type ConnectionAck struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	UserId   int    `json:"userId"`
	Username string `json:"username"`
}

type RoomJoined struct {
	Type     string          `json:"type"`
	RoomId   int             `json:"roomId"`
	Messages []types.Message `json:"messages"`
}

type RoomLeft struct {
	Type   string `json:"type"`
	RoomId int    `json:"roomId"`
}

// UserEvent covers user_joined, user_left and user_disconnected.
type UserEvent struct {
	Type   string `json:"type"`
	RoomId int    `json:"roomId"`
	UserId int    `json:"userId"`
}

type NewMessage struct {
	Type    string        `json:"type"`
	RoomId  int           `json:"roomId"`
	Message types.Message `json:"message"`
}

type TypingEvent struct {
	Type     string `json:"type"`
	RoomId   int    `json:"roomId"`
	UserId   int    `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type Pong struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newConnectionAck(user types.User) ConnectionAck {
	return ConnectionAck{
		Type:     TypeConnection,
		Message:  "connected to chat server",
		UserId:   user.Id,
		Username: user.Username,
	}
}

func newRoomJoined(roomId int, messages []types.Message) RoomJoined {
	if messages == nil {
		messages = []types.Message{}
	}

	return RoomJoined{
		Type:     TypeRoomJoined,
		RoomId:   roomId,
		Messages: messages,
	}
}

func newRoomLeft(roomId int) RoomLeft {
	return RoomLeft{Type: TypeRoomLeft, RoomId: roomId}
}

func newUserJoined(roomId, userId int) UserEvent {
	return UserEvent{Type: TypeUserJoined, RoomId: roomId, UserId: userId}
}

func newUserLeft(roomId, userId int) UserEvent {
	return UserEvent{Type: TypeUserLeft, RoomId: roomId, UserId: userId}
}

func newUserDisconnected(roomId, userId int) UserEvent {
	return UserEvent{Type: TypeUserDisconnected, RoomId: roomId, UserId: userId}
}

func newMessageEvent(roomId int, msg types.Message) NewMessage {
	return NewMessage{Type: TypeNewMessage, RoomId: roomId, Message: msg}
}

func newTypingEvent(roomId, userId int, isTyping bool) TypingEvent {
	return TypingEvent{Type: TypeTyping, RoomId: roomId, UserId: userId, IsTyping: isTyping}
}

func newPong() Pong {
	return Pong{Type: TypePong}
}

func ErrNotAMember() ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: "you are not a member of this room"}
}

func ErrMustJoinRoom() ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: "you must join the room first"}
}

func ErrUnknownMessageType() ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: "unknown message type"}
}

func ErrProcessingFailed() ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: "failed to process message"}
}

func toMessage(m database.Message) types.Message {
	return types.Message{
		Id:        m.Id,
		RoomId:    m.RoomId,
		UserId:    m.UserId,
		Username:  m.Username,
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
	}
}

func toMessages(msgs []database.Message) []types.Message {
	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = toMessage(m)
	}
	return out
}

