package storage

import "context"

func (d *DB) AddRoomSubscriber(ctx context.Context, roomID, userID string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_subscriptions (room_id, user_id) VALUES (?, ?)`, roomID, userID)
	return err
}

func (d *DB) RemoveRoomSubscriber(ctx context.Context, roomID, userID string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM room_subscriptions WHERE room_id = ? AND user_id = ?`, roomID, userID)
	return err
}

// ListRoomSubscribers returns the users subscribed to roomID.
func (d *DB) ListRoomSubscribers(ctx context.Context, roomID string) ([]string, error) {
	var users []string
	err := d.db.SelectContext(ctx, &users,
		`SELECT user_id FROM room_subscriptions WHERE room_id = ? ORDER BY user_id`, roomID)
	return users, err
}
