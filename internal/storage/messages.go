package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/petervdpas/agora/internal/errs"
	"github.com/petervdpas/agora/internal/proto"
)

// SaveMessage stores a chat message.
func (d *DB) SaveMessage(ctx context.Context, m *proto.ChatMessage) error {
	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO chat_messages (id, from_user, to_user, room, body, type, created_at, delivered)
		VALUES (:id, :from_user, :to_user, :room, :body, :type, :created_at, :delivered)`, m)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// MarkDelivered sets delivered=true. Unknown ids are ignored.
func (d *DB) MarkDelivered(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE chat_messages SET delivered = 1 WHERE id = ?`, id)
	return err
}

func (d *DB) GetMessage(ctx context.Context, id string) (proto.ChatMessage, error) {
	var m proto.ChatMessage
	err := d.db.GetContext(ctx, &m, `
		SELECT id, from_user, to_user, room, body, type, created_at, delivered
		FROM chat_messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return m, errs.NotFound("message %s not found", id)
	}
	return m, err
}

// UndeliveredFor lists direct messages to userID not yet pushed to a live
// connection, oldest first.
func (d *DB) UndeliveredFor(ctx context.Context, userID string, limit int) ([]proto.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []proto.ChatMessage
	err := d.db.SelectContext(ctx, &out, `
		SELECT id, from_user, to_user, room, body, type, created_at, delivered
		FROM chat_messages
		WHERE to_user = ? AND delivered = 0
		ORDER BY id ASC LIMIT ?`, userID, limit)
	return out, err
}
