package database

import "errors"

// ErrAlreadyExists is returned when an insert violates a uniqueness
// constraint, e.g. a duplicate email or a repeated room membership.
var ErrAlreadyExists = errors.New("already exists")

type ChatRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(id int) (User, error)
	GetAccountByEmail(email string) (User, error)
	ListAccounts() ([]User, error)
	CreateRoom(name string, ownerId int) (Room, error)
	GetRoomById(id int) (Room, error)
	UpdateRoom(id int, name string) (Room, error)
	ListRooms() ([]Room, error)
	ListRoomsForAccount(accountId int) ([]Room, error)
	DeleteRoom(id int) error
	AddRoomMember(roomId, accountId int) error
	RemoveRoomMember(roomId, accountId int) error
	ListRoomMembers(roomId int) ([]RoomMember, error)
	IsRoomMember(roomId, accountId int) (bool, error)
	CreateMessage(roomId, accountId int, text string) (Message, error)
	GetLatestMessages(roomId, limit int) ([]Message, error)
	GetMessagesBefore(roomId, beforeId, limit int) ([]Message, error)
}
