package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/petervdpas/agora/internal/proto"
)

type eventRow struct {
	ID        string `db:"id"`
	Type      string `db:"type"`
	Target    string `db:"target"`
	Payload   string `db:"payload"`
	CreatedAt int64  `db:"created_at"`
	Origin    string `db:"origin"`
}

// AppendEvent stores evt in the log. Appending the same id twice is a no-op.
func (d *DB) AppendEvent(ctx context.Context, evt proto.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, type, target, payload, created_at, origin)
		VALUES (?, ?, ?, ?, ?, ?)`,
		evt.ID, string(evt.Type), evt.Target.Key(), string(payload), evt.CreatedAt, evt.Origin)
	return err
}

// EventsSince returns logged events addressed to any of targets with an id
// greater than sinceID, oldest first. An empty sinceID starts from the
// beginning of the log.
func (d *DB) EventsSince(ctx context.Context, targets []proto.Target, sinceID string, limit int) ([]proto.Event, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	keys := make([]string, len(targets))
	for i, t := range targets {
		keys[i] = t.Key()
	}

	q, args, err := sqlx.In(`
		SELECT id, type, target, payload, created_at, origin
		FROM events
		WHERE target IN (?) AND id > ?
		ORDER BY id ASC
		LIMIT ?`, keys, sinceID, limit)
	if err != nil {
		return nil, err
	}

	var rows []eventRow
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(q), args...); err != nil {
		return nil, err
	}

	out := make([]proto.Event, 0, len(rows))
	for _, r := range rows {
		target, err := proto.ParseTarget(r.Target)
		if err != nil {
			log.Warnf("skipping event %s: %v", r.ID, err)
			continue
		}
		evt := proto.Event{
			ID:        r.ID,
			Type:      proto.EventType(r.Type),
			Target:    target,
			CreatedAt: r.CreatedAt,
			Origin:    r.Origin,
		}
		if r.Payload != "" && r.Payload != "null" {
			if err := json.Unmarshal([]byte(r.Payload), &evt.Payload); err != nil {
				log.Warnf("event %s has bad payload: %v", r.ID, err)
			}
		}
		out = append(out, evt)
	}
	return out, nil
}

// PruneEvents deletes log entries created before cutoffMillis.
func (d *DB) PruneEvents(ctx context.Context, cutoffMillis int64) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoffMillis)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
