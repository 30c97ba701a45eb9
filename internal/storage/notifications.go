package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/petervdpas/agora/internal/errs"
	"github.com/petervdpas/agora/internal/proto"
)

// CreateNotification stores n, assigning an id and timestamp when empty.
func (d *DB) CreateNotification(ctx context.Context, n *proto.Notification) error {
	if n.ID == "" {
		n.ID = proto.NewID()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = proto.NowMillis()
	}
	if n.Data == "" {
		n.Data = "{}"
	}
	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, data, created_at, read)
		VALUES (:id, :user_id, :type, :data, :created_at, :read)`, n)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// MarkNotificationRead acknowledges a notification on behalf of userID.
// Only the owner may acknowledge it.
func (d *DB) MarkNotificationRead(ctx context.Context, id, userID string) error {
	var owner string
	err := d.db.GetContext(ctx, &owner, `SELECT user_id FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound("notification %s not found", id)
	}
	if err != nil {
		return err
	}
	if owner != userID {
		return errs.Forbidden("notification %s belongs to another user", id)
	}
	_, err = d.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ?`, id)
	return err
}

// ListNotifications returns userID's notifications, newest first.
func (d *DB) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]proto.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, user_id, type, data, created_at, read FROM notifications WHERE user_id = ?`
	if unreadOnly {
		q += ` AND read = 0`
	}
	q += ` ORDER BY id DESC LIMIT ?`
	var out []proto.Notification
	err := d.db.SelectContext(ctx, &out, q, userID, limit)
	return out, err
}
