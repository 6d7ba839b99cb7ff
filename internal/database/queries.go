package database

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres error code for unique_violation.
const uniqueViolation = "23505"

func translateError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO users (username, email, password_hash, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, username, email, created_at",
		params.Username,
		params.Email,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.Email,
		&u.CreatedAt,
	)

	return u, translateError(err)
}

func (db *PgChatRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, created_at FROM users "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.Email,
		&u.CreatedAt,
	)

	return u, err
}

func (db *PgChatRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, created_at FROM users "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.CreatedAt,
	)

	return u, err
}

func (db *PgChatRepository) ListAccounts() ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT id, username, email, created_at FROM users ORDER BY id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.Username, &u.Email, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PgChatRepository) CreateRoom(name string, ownerId int) (Room, error) {
	res := db.conn.QueryRow(
		"INSERT INTO rooms (name, owner_id, created_at) "+
			"VALUES ($1, $2, $3) RETURNING id, name, owner_id, created_at",
		name,
		ownerId,
		time.Now().UTC(),
	)

	var r Room
	err := res.Scan(
		&r.Id,
		&r.Name,
		&r.OwnerId,
		&r.CreatedAt,
	)

	return r, translateError(err)
}

func (db *PgChatRepository) GetRoomById(id int) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, name, owner_id, created_at FROM rooms "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var r Room
	err := row.Scan(
		&r.Id,
		&r.Name,
		&r.OwnerId,
		&r.CreatedAt,
	)

	return r, err
}

func (db *PgChatRepository) UpdateRoom(id int, name string) (Room, error) {
	res := db.conn.QueryRow(
		"UPDATE rooms SET name = $1 WHERE id = $2 "+
			"RETURNING id, name, owner_id, created_at",
		name,
		id,
	)

	var r Room
	err := res.Scan(
		&r.Id,
		&r.Name,
		&r.OwnerId,
		&r.CreatedAt,
	)

	return r, err
}

func (db *PgChatRepository) ListRooms() ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT id, name, owner_id, created_at FROM rooms ORDER BY created_at",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.Id, &r.Name, &r.OwnerId, &r.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}

	return rooms, rows.Err()
}

func (db *PgChatRepository) ListRoomsForAccount(accountId int) ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT r.id, r.name, r.owner_id, r.created_at FROM rooms r "+
			"JOIN room_members rm ON rm.room_id = r.id "+
			"WHERE rm.user_id = $1 ORDER BY rm.joined_at",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.Id, &r.Name, &r.OwnerId, &r.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}

	return rooms, rows.Err()
}

func (db *PgChatRepository) DeleteRoom(id int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE room_id = $1", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM room_members WHERE room_id = $1", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM rooms WHERE id = $1", id); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgChatRepository) AddRoomMember(roomId, accountId int) error {
	_, err := db.conn.Exec(
		"INSERT INTO room_members (room_id, user_id, joined_at) VALUES ($1, $2, $3)",
		roomId,
		accountId,
		time.Now().UTC(),
	)

	return translateError(err)
}

func (db *PgChatRepository) RemoveRoomMember(roomId, accountId int) error {
	res, err := db.conn.Exec(
		"DELETE FROM room_members WHERE room_id = $1 AND user_id = $2",
		roomId,
		accountId,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgChatRepository) ListRoomMembers(roomId int) ([]RoomMember, error) {
	rows, err := db.conn.Query(
		"SELECT rm.id, rm.room_id, rm.user_id, u.username, u.email, rm.joined_at "+
			"FROM room_members rm JOIN users u ON u.id = rm.user_id "+
			"WHERE rm.room_id = $1 ORDER BY rm.joined_at",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []RoomMember
	for rows.Next() {
		var m RoomMember
		if err := rows.Scan(&m.Id, &m.RoomId, &m.UserId, &m.Username, &m.Email, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}

	return members, rows.Err()
}

func (db *PgChatRepository) IsRoomMember(roomId, accountId int) (bool, error) {
	row := db.conn.QueryRow(
		"SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2 LIMIT 1",
		roomId,
		accountId,
	)

	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

func (db *PgChatRepository) CreateMessage(roomId, accountId int, text string) (Message, error) {
	res := db.conn.QueryRow(
		"INSERT INTO messages (room_id, user_id, message, created_at) "+
			"VALUES ($1, $2, $3, $4) "+
			"RETURNING id, room_id, user_id, message, created_at, "+
			"(SELECT username FROM users WHERE id = $2)",
		roomId,
		accountId,
		text,
		time.Now().UTC(),
	)

	var m Message
	err := res.Scan(
		&m.Id,
		&m.RoomId,
		&m.UserId,
		&m.Text,
		&m.CreatedAt,
		&m.Username,
	)

	return m, err
}

// GetLatestMessages returns the newest messages for a room in
// chronological order.
func (db *PgChatRepository) GetLatestMessages(roomId, limit int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT m.id, m.room_id, m.user_id, u.username, m.message, m.created_at "+
			"FROM messages m JOIN users u ON u.id = m.user_id "+
			"WHERE m.room_id = $1 ORDER BY m.id DESC LIMIT $2",
		roomId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessagesReversed(rows)
}

// GetMessagesBefore returns up to limit messages older than beforeId in
// chronological order, for history paging.
func (db *PgChatRepository) GetMessagesBefore(roomId, beforeId, limit int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT m.id, m.room_id, m.user_id, u.username, m.message, m.created_at "+
			"FROM messages m JOIN users u ON u.id = m.user_id "+
			"WHERE m.room_id = $1 AND m.id < $2 ORDER BY m.id DESC LIMIT $3",
		roomId,
		beforeId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessagesReversed(rows)
}

func scanMessagesReversed(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Id, &m.RoomId, &m.UserId, &m.Username, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// rows arrive newest first, callers want chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}
