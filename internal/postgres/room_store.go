package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cwrk-planet/room-hub/internal/cursor"
	"github.com/cwrk-planet/room-hub/internal/domain"
)

const pgUniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type RoomStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewRoomStore(db *pgxpool.Pool) *RoomStore {
	return &RoomStore{db: db, now: time.Now}
}

func (s *RoomStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func encodeMetadata(m map[string]json.RawMessage) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func decodeMetadata(b []byte) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func isCodeConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "rooms_open_code_uq"
}

func (s *RoomStore) CreateRoom(ctx context.Context, room *domain.Room) error {
	meta, err := encodeMetadata(room.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO rooms (id, code, creator_id, max_participants, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		room.ID, room.Code, room.CreatorID, room.MaxParticipants, string(room.Status), meta, room.CreatedAt, room.UpdatedAt)
	if err != nil {
		if isCodeConflict(err) {
			return domain.ErrCodeConflict
		}
		return err
	}

	for _, p := range room.Participants {
		if err := insertParticipant(ctx, tx, p); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func insertParticipant(ctx context.Context, tx pgx.Tx, p domain.Participant) error {
	var data []byte
	if len(p.UserData) > 0 {
		data = p.UserData
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO room_participants (room_id, user_id, role, user_data, joined_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.RoomID, p.UserID, string(p.Role), data, p.JoinedAt)
	return err
}

const roomColumns = `id, code, creator_id, max_participants, status, metadata, created_at, updated_at`

func scanRoom(row pgx.Row) (*domain.Room, error) {
	var (
		r      domain.Room
		status string
		meta   []byte
	)
	if err := row.Scan(&r.ID, &r.Code, &r.CreatorID, &r.MaxParticipants, &status, &meta, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, err
	}
	r.Status = domain.RoomStatus(status)
	m, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	r.Metadata = m
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// loadParticipants fills the rosters of rooms, keyed by room id, in join order.
func loadParticipants(ctx context.Context, q querier, rooms map[string]*domain.Room) error {
	if len(rooms) == 0 {
		return nil
	}
	ids := make([]string, 0, len(rooms))
	for id := range rooms {
		ids = append(ids, id)
	}

	rows, err := q.Query(ctx, `
		SELECT room_id, user_id, role, user_data, joined_at
		FROM room_participants
		WHERE room_id = ANY($1)
		ORDER BY seq ASC`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p    domain.Participant
			role string
			data []byte
		)
		if err := rows.Scan(&p.RoomID, &p.UserID, &role, &data, &p.JoinedAt); err != nil {
			return err
		}
		p.Role = domain.Role(role)
		p.UserData = rawJSON(data)
		p.JoinedAt = p.JoinedAt.UTC()
		r := rooms[p.RoomID]
		r.Participants = append(r.Participants, p)
	}
	return rows.Err()
}

func (s *RoomStore) getRoom(ctx context.Context, q querier, query string, arg any) (*domain.Room, error) {
	r, err := scanRoom(q.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, err
	}
	r.Participants = []domain.Participant{}
	if err := loadParticipants(ctx, q, map[string]*domain.Room{r.ID: r}); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *RoomStore) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	return s.getRoom(ctx, s.db, `SELECT `+roomColumns+` FROM rooms WHERE id=$1`, id)
}

func (s *RoomStore) GetRoomByCode(ctx context.Context, code string) (*domain.Room, error) {
	return s.getRoom(ctx, s.db, `SELECT `+roomColumns+` FROM rooms WHERE code=$1 AND status <> 'closed'`, code)
}

func (s *RoomStore) ListRooms(ctx context.Context, limit int, cursorStr string) ([]domain.Room, string, error) {
	cur, err := cursor.Decode(cursorStr)
	if err != nil {
		return nil, "", err
	}

	query := `
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE ($1::timestamptz IS NULL OR created_at < $1
		       OR (created_at = $1 AND id < $2))
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	var createdAt any
	var id any
	if cur != nil {
		createdAt = cur.CreatedAt
		id = cur.ID
	}

	rows, err := s.db.Query(ctx, query, createdAt, id, limit)
	if err != nil {
		return nil, "", err
	}
	var list []*domain.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			rows.Close()
			return nil, "", err
		}
		r.Participants = []domain.Participant{}
		list = append(list, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	byID := make(map[string]*domain.Room, len(list))
	for _, r := range list {
		byID[r.ID] = r
	}
	if err := loadParticipants(ctx, s.db, byID); err != nil {
		return nil, "", err
	}

	rooms := make([]domain.Room, 0, len(list))
	for _, r := range list {
		rooms = append(rooms, *r)
	}
	return rooms, cursor.Next(rooms, limit), nil
}

// lockRoom reads the room row FOR UPDATE; parallel transactions on the same
// room wait here, so capacity checks cannot interleave.
func lockRoom(ctx context.Context, tx pgx.Tx, roomID string) (*domain.Room, error) {
	r, err := scanRoom(tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id=$1 FOR UPDATE`, roomID))
	if err != nil {
		return nil, err
	}
	r.Participants = []domain.Participant{}
	if err := loadParticipants(ctx, tx, map[string]*domain.Room{r.ID: r}); err != nil {
		return nil, err
	}
	return r, nil
}

func touchRoom(ctx context.Context, tx pgx.Tx, r *domain.Room) error {
	_, err := tx.Exec(ctx, `UPDATE rooms SET status=$2, updated_at=$3 WHERE id=$1`,
		r.ID, string(r.Status), r.UpdatedAt)
	if err != nil && isCodeConflict(err) {
		return domain.ErrCodeConflict
	}
	return err
}

func (s *RoomStore) AddParticipant(ctx context.Context, roomID string, p domain.Participant) (*domain.Room, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	r, err := lockRoom(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	prev := r.UpdatedAt
	added, err := r.Admit(p, s.timestamp())
	if err != nil {
		return nil, err
	}
	if added {
		if err := insertParticipant(ctx, tx, r.Participants[len(r.Participants)-1]); err != nil {
			return nil, err
		}
	}
	if !r.UpdatedAt.Equal(prev) {
		if err := touchRoom(ctx, tx, r); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// RemoveParticipant deletes the participant and, when asked, closes the
// emptied room under the same row lock, so no join can land in between.
func (s *RoomStore) RemoveParticipant(ctx context.Context, roomID, userID string, closeIfEmpty bool) (*domain.Room, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	r, err := lockRoom(ctx, tx, roomID)
	if err != nil {
		return nil, false, err
	}
	closed, err := r.Leave(userID, s.timestamp(), closeIfEmpty)
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM room_participants WHERE room_id=$1 AND user_id=$2`, roomID, userID); err != nil {
		return nil, false, err
	}
	if err := touchRoom(ctx, tx, r); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return r, closed, nil
}

func (s *RoomStore) SetStatus(ctx context.Context, roomID string, status domain.RoomStatus) (*domain.Room, error) {
	if !status.Valid() {
		return nil, domain.Validationf("unknown room status %q", status)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	r, err := lockRoom(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	r.Status = status
	r.UpdatedAt = s.timestamp()
	if err := touchRoom(ctx, tx, r); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *RoomStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.Ping(ctx)
}
