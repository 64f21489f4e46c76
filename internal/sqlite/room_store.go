package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cwrk-planet/room-hub/internal/cursor"
	"github.com/cwrk-planet/room-hub/internal/domain"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type RoomStore struct {
	db  *DB
	now func() time.Time
}

func NewRoomStore(db *DB) *RoomStore {
	return &RoomStore{db: db, now: time.Now}
}

func (s *RoomStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *RoomStore) CreateRoom(ctx context.Context, room *domain.Room) error {
	var meta []byte
	if room.Metadata != nil {
		b, err := json.Marshal(room.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = b
	}

	tx, err := s.db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rooms (id, code, creator_id, max_participants, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.Code, room.CreatorID, room.MaxParticipants, string(room.Status), nullJSON(meta),
		toMicros(room.CreatedAt), toMicros(room.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrCodeConflict
		}
		return err
	}
	for _, p := range room.Participants {
		if err := insertParticipant(ctx, tx, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertParticipant(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO room_participants (room_id, user_id, role, user_data, joined_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.RoomID, p.UserID, string(p.Role), nullJSON(p.UserData), toMicros(p.JoinedAt))
	return err
}

const roomColumns = `id, code, creator_id, max_participants, status, metadata, created_at, updated_at`

func scanRoom(row scanner) (*domain.Room, error) {
	var (
		r                domain.Room
		status           string
		meta             sql.NullString
		created, updated int64
	)
	if err := row.Scan(&r.ID, &r.Code, &r.CreatorID, &r.MaxParticipants, &status, &meta, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, err
	}
	r.Status = domain.RoomStatus(status)
	r.CreatedAt = fromMicros(created)
	r.UpdatedAt = fromMicros(updated)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	r.Participants = []domain.Participant{}
	return &r, nil
}

func loadParticipants(ctx context.Context, q queryer, rooms map[string]*domain.Room) error {
	if len(rooms) == 0 {
		return nil
	}
	args := make([]any, 0, len(rooms))
	for id := range rooms {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")

	rows, err := q.QueryContext(ctx, `
		SELECT room_id, user_id, role, user_data, joined_at
		FROM room_participants
		WHERE room_id IN (`+placeholders+`)
		ORDER BY seq ASC`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p      domain.Participant
			role   string
			data   sql.NullString
			joined int64
		)
		if err := rows.Scan(&p.RoomID, &p.UserID, &role, &data, &joined); err != nil {
			return err
		}
		p.Role = domain.Role(role)
		if data.Valid && data.String != "" {
			p.UserData = json.RawMessage(data.String)
		}
		p.JoinedAt = fromMicros(joined)
		r := rooms[p.RoomID]
		r.Participants = append(r.Participants, p)
	}
	return rows.Err()
}

func getRoom(ctx context.Context, q queryer, where string, arg any) (*domain.Room, error) {
	r, err := scanRoom(q.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE `+where, arg))
	if err != nil {
		return nil, err
	}
	if err := loadParticipants(ctx, q, map[string]*domain.Room{r.ID: r}); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *RoomStore) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	return getRoom(ctx, s.db.sqlDB, `id = ?`, id)
}

func (s *RoomStore) GetRoomByCode(ctx context.Context, code string) (*domain.Room, error) {
	return getRoom(ctx, s.db.sqlDB, `code = ? AND status <> 'closed'`, code)
}

func (s *RoomStore) ListRooms(ctx context.Context, limit int, cursorStr string) ([]domain.Room, string, error) {
	cur, err := cursor.Decode(cursorStr)
	if err != nil {
		return nil, "", err
	}

	query := `SELECT ` + roomColumns + ` FROM rooms`
	args := []any{}
	if cur != nil {
		ts := toMicros(cur.CreatedAt)
		query += ` WHERE created_at < ? OR (created_at = ? AND id < ?)`
		args = append(args, ts, ts, cur.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	var list []*domain.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			_ = rows.Close()
			return nil, "", err
		}
		list = append(list, r)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	byID := make(map[string]*domain.Room, len(list))
	for _, r := range list {
		byID[r.ID] = r
	}
	if err := loadParticipants(ctx, s.db.sqlDB, byID); err != nil {
		return nil, "", err
	}

	rooms := make([]domain.Room, 0, len(list))
	for _, r := range list {
		rooms = append(rooms, *r)
	}
	return rooms, cursor.Next(rooms, limit), nil
}

// update runs fn on the room inside a write transaction and persists the
// resulting status and updated_at.
func (s *RoomStore) update(ctx context.Context, roomID string, fn func(tx *sql.Tx, r *domain.Room) error) (*domain.Room, error) {
	tx, err := s.db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := getRoom(ctx, tx, `id = ?`, roomID)
	if err != nil {
		return nil, err
	}
	if err := fn(tx, r); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET status = ?, updated_at = ? WHERE id = ?`,
		string(r.Status), toMicros(r.UpdatedAt), r.ID); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrCodeConflict
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *RoomStore) AddParticipant(ctx context.Context, roomID string, p domain.Participant) (*domain.Room, error) {
	return s.update(ctx, roomID, func(tx *sql.Tx, r *domain.Room) error {
		added, err := r.Admit(p, s.timestamp())
		if err != nil || !added {
			return err
		}
		return insertParticipant(ctx, tx, r.Participants[len(r.Participants)-1])
	})
}

func (s *RoomStore) RemoveParticipant(ctx context.Context, roomID, userID string, closeIfEmpty bool) (*domain.Room, bool, error) {
	var closed bool
	r, err := s.update(ctx, roomID, func(tx *sql.Tx, r *domain.Room) error {
		var err error
		if closed, err = r.Leave(userID, s.timestamp(), closeIfEmpty); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM room_participants WHERE room_id = ? AND user_id = ?`, roomID, userID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return r, closed, nil
}

func (s *RoomStore) SetStatus(ctx context.Context, roomID string, status domain.RoomStatus) (*domain.Room, error) {
	if !status.Valid() {
		return nil, domain.Validationf("unknown room status %q", status)
	}
	return s.update(ctx, roomID, func(_ *sql.Tx, r *domain.Room) error {
		r.Status = status
		r.UpdatedAt = s.timestamp()
		return nil
	})
}

func (s *RoomStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
