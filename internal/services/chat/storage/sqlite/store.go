package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/DmitryDubovikov/tutors-marketplace/internal/platform/storage/sqlitemigrate"
	"github.com/DmitryDubovikov/tutors-marketplace/internal/services/chat/storage"
	"github.com/DmitryDubovikov/tutors-marketplace/internal/services/chat/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements chat persistence over SQLite.
//
// A single SQLite file backs room and message state so history hydration and
// read receipts share the same transaction and visibility boundaries.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens a chat SQLite store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateRoom persists a tutor/student room.
func (s *Store) CreateRoom(ctx context.Context, room storage.Room) error {
	if strings.TrimSpace(room.ID) == "" {
		return fmt.Errorf("room id is required")
	}
	now := room.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	updated := room.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO chat_rooms (id, tutor_id, tutor_name, student_id, student_name, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.TutorID, room.TutorName, room.StudentID, room.StudentName,
		toMillis(now), toMillis(updated),
	)
	if err != nil {
		return fmt.Errorf("insert chat room: %w", err)
	}
	return nil
}

// GetRoom loads one room or storage.ErrRoomNotFound.
func (s *Store) GetRoom(ctx context.Context, roomID string) (storage.Room, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, tutor_id, tutor_name, student_id, student_name, created_at, updated_at
FROM chat_rooms
WHERE id = ?`, roomID)

	var room storage.Room
	var createdAt, updatedAt int64
	err := row.Scan(
		&room.ID, &room.TutorID, &room.TutorName,
		&room.StudentID, &room.StudentName,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return storage.Room{}, storage.ErrRoomNotFound
	}
	if err != nil {
		return storage.Room{}, fmt.Errorf("select chat room: %w", err)
	}
	room.CreatedAt = fromMillis(createdAt)
	room.UpdatedAt = fromMillis(updatedAt)
	return room, nil
}

// AppendMessage persists one message and bumps the room's updated timestamp.
func (s *Store) AppendMessage(ctx context.Context, message storage.Message) error {
	if strings.TrimSpace(message.ID) == "" {
		return fmt.Errorf("message id is required")
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages (id, room_id, sender_id, sender_name, content, is_read, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.ID, message.RoomID, message.SenderID, message.SenderName,
		message.Content, boolToInt(message.IsRead), toMillis(message.CreatedAt),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert chat message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_rooms SET updated_at = ? WHERE id = ?`,
		toMillis(message.CreatedAt), message.RoomID,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("touch chat room: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append message: %w", err)
	}
	return nil
}

// RoomHistory returns the latest messages of a room in ascending order.
func (s *Store) RoomHistory(ctx context.Context, roomID string, limit int) ([]storage.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, room_id, sender_id, sender_name, content, is_read, created_at
FROM chat_messages
WHERE room_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("select room history: %w", err)
	}
	defer rows.Close()

	var newestFirst []storage.Message
	for rows.Next() {
		var msg storage.Message
		var isRead int
		var createdAt int64
		if err := rows.Scan(
			&msg.ID, &msg.RoomID, &msg.SenderID, &msg.SenderName,
			&msg.Content, &isRead, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan room history: %w", err)
		}
		msg.IsRead = isRead != 0
		msg.CreatedAt = fromMillis(createdAt)
		newestFirst = append(newestFirst, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room history: %w", err)
	}

	history := make([]storage.Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		history = append(history, newestFirst[i])
	}
	return history, nil
}

// MarkMessageRead flags one message as read, excluding the reader's own.
func (s *Store) MarkMessageRead(ctx context.Context, roomID, messageID, readerID string) error {
	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE chat_messages
SET is_read = 1
WHERE id = ? AND room_id = ? AND sender_id <> ?`,
		messageID, roomID, readerID,
	)
	if err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	return nil
}

// MarkMessagesRead flags several messages as read in a single statement.
func (s *Store) MarkMessagesRead(ctx context.Context, roomID string, messageIDs []string, readerID string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]any, 0, len(messageIDs)+2)
	for _, id := range messageIDs {
		args = append(args, id)
	}
	args = append(args, roomID, readerID)

	result, err := s.sqlDB.ExecContext(ctx, fmt.Sprintf(`
UPDATE chat_messages
SET is_read = 1
WHERE id IN (%s) AND room_id = ? AND sender_id <> ?`, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count marked messages: %w", err)
	}
	return int(affected), nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
