package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cwrk-planet/room-hub/internal/domain"
)

// ActionLog stores room actions in room_actions, ordered by insertion.
type ActionLog struct {
	db *pgxpool.Pool
}

func NewActionLog(db *pgxpool.Pool) *ActionLog {
	return &ActionLog{db: db}
}

func (l *ActionLog) AppendAction(ctx context.Context, roomID string, a domain.Action) error {
	var payload []byte
	if len(a.Payload) > 0 {
		payload = a.Payload
	}
	_, err := l.db.Exec(ctx, `
		INSERT INTO room_actions (id, room_id, kind, payload, sender_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, roomID, a.Kind, payload, a.SenderID, a.Timestamp)
	return err
}

func (l *ActionLog) ListActions(ctx context.Context, roomID string) ([]domain.Action, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, room_id, kind, payload, sender_id, created_at
		FROM room_actions
		WHERE room_id=$1
		ORDER BY seq ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Action, 0, 16)
	for rows.Next() {
		var (
			a       domain.Action
			payload []byte
		)
		if err := rows.Scan(&a.ID, &a.RoomID, &a.Kind, &payload, &a.SenderID, &a.Timestamp); err != nil {
			return nil, err
		}
		a.Payload = rawJSON(payload)
		a.Timestamp = a.Timestamp.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
