package types

import (
	"time"
)

type User struct {
	Id        int       `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

type Room struct {
	Id        int       `json:"id"`
	Name      string    `json:"name"`
	OwnerId   int       `json:"ownerId"`
	Members   []User    `json:"members,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Message is a single room message as recorded by the message store.
// Id is store-assigned and monotonic per room, and is the ordering key.
type Message struct {
	Id        int       `json:"id"`
	RoomId    int       `json:"roomId"`
	UserId    int       `json:"userId"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}
