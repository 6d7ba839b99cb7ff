package database

import "time"

type User struct {
	Id           int
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Room struct {
	Id        int
	Name      string
	OwnerId   int
	CreatedAt time.Time
}

type RoomMember struct {
	Id       int
	RoomId   int
	UserId   int
	Username string
	Email    string
	JoinedAt time.Time
}

type Message struct {
	Id        int
	RoomId    int
	UserId    int
	Username  string
	Text      string
	CreatedAt time.Time
}

type CreateAccountParams struct {
	Username     string
	Email        string
	PasswordHash string
}
