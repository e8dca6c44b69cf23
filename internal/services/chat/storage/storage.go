// Package storage defines chat persistence contracts shared by the chat
// transport and its storage backends.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrRoomNotFound reports a lookup for a room that does not exist.
var ErrRoomNotFound = errors.New("chat room not found")

// Room is a chat room between one tutor and one student.
type Room struct {
	ID          string
	TutorID     string
	TutorName   string
	StudentID   string
	StudentName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is a persisted chat message.
type Message struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderName string
	Content    string
	IsRead     bool
	CreatedAt  time.Time
}

// Store is the persistence boundary for chat rooms and messages.
type Store interface {
	CreateRoom(ctx context.Context, room Room) error
	GetRoom(ctx context.Context, roomID string) (Room, error)
	AppendMessage(ctx context.Context, message Message) error
	// RoomHistory returns the most recent messages of a room in ascending
	// creation order, at most limit entries.
	RoomHistory(ctx context.Context, roomID string, limit int) ([]Message, error)
	// MarkMessageRead flags one message as read. Messages sent by readerID
	// are excluded so a sender cannot ack their own message.
	MarkMessageRead(ctx context.Context, roomID, messageID, readerID string) error
	// MarkMessagesRead flags several messages as read with the same
	// exclusion rule and reports how many rows changed.
	MarkMessagesRead(ctx context.Context, roomID string, messageIDs []string, readerID string) (int, error)
}
