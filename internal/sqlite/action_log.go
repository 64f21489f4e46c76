package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cwrk-planet/room-hub/internal/domain"
)

type ActionLog struct {
	db *DB
}

func NewActionLog(db *DB) *ActionLog {
	return &ActionLog{db: db}
}

func (l *ActionLog) AppendAction(ctx context.Context, roomID string, a domain.Action) error {
	_, err := l.db.sqlDB.ExecContext(ctx, `
		INSERT INTO room_actions (id, room_id, kind, payload, sender_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, roomID, a.Kind, nullJSON(a.Payload), a.SenderID, toMicros(a.Timestamp))
	return err
}

func (l *ActionLog) ListActions(ctx context.Context, roomID string) ([]domain.Action, error) {
	rows, err := l.db.sqlDB.QueryContext(ctx, `
		SELECT id, room_id, kind, payload, sender_id, created_at
		FROM room_actions
		WHERE room_id = ?
		ORDER BY seq ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Action, 0, 16)
	for rows.Next() {
		var (
			a       domain.Action
			payload sql.NullString
			ts      int64
		)
		if err := rows.Scan(&a.ID, &a.RoomID, &a.Kind, &payload, &a.SenderID, &ts); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			a.Payload = json.RawMessage(payload.String)
		}
		a.Timestamp = fromMicros(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}
