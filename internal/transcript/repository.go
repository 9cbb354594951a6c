package transcript

import (
	"context"
	"database/sql"

	"go-chat-client/internal/timeline"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Save inserts msg, or updates its status when it was saved before.
func (r *Repository) Save(ctx context.Context, msg timeline.Message) error {
	query := `
		INSERT INTO chat_messages (id, room_id, author, body, locally_originated, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status
	`
	_, err := r.db.ExecContext(ctx, query,
		msg.ID, msg.RoomID, msg.Author, msg.Body, msg.LocallyOriginated, string(msg.Status), msg.CreatedAt)
	return err
}

// Recent returns up to limit of the newest messages of a room, oldest first.
func (r *Repository) Recent(ctx context.Context, roomID string, limit int) ([]timeline.Message, error) {
	query := `
		SELECT id, room_id, author, body, locally_originated, status, created_at
		FROM chat_messages
		WHERE room_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []timeline.Message
	for rows.Next() {
		var msg timeline.Message
		var status string
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Author, &msg.Body, &msg.LocallyOriginated, &status, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Status = timeline.Status(status)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
