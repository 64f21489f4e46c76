package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/internal/service"
	"github.com/cwrk-planet/room-hub/pkg/protocol"
)

type Rooms interface {
	CreateRoom(ctx context.Context, p service.CreateRoomParams) (*domain.Room, error)
	FindRoomByCode(ctx context.Context, code string) (*domain.Room, error)
	GetRoom(ctx context.Context, id string) (*domain.Room, error)
	ListRooms(ctx context.Context, limit int, cursor string) ([]domain.Room, string, error)
	AddParticipant(ctx context.Context, roomID, userID string, userData json.RawMessage) (*domain.Room, error)
	CloseRoom(ctx context.Context, roomID string) (*domain.Room, error)
	Ping(ctx context.Context) error
}

// Evictor disconnects the live channels of a room.
type Evictor interface {
	Evict(roomID string, msg protocol.Error) int
}

type Handler struct {
	rooms Rooms
	live  Evictor
}

func NewHandler(rooms Rooms, live Evictor) *Handler {
	return &Handler{rooms: rooms, live: live}
}

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.Validationf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return domain.Validationf("invalid json: %v", err)
	}
	return nil
}

// POST /rooms
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, "CreateRoom", err)
		return
	}

	room, err := h.rooms.CreateRoom(r.Context(), service.CreateRoomParams{
		CreatorID:       req.CreatorID,
		CreatorData:     req.CreatorData,
		MaxParticipants: req.MaxParticipants,
		Metadata:        req.Metadata,
	})
	if err != nil {
		writeError(w, r, "CreateRoom", err)
		return
	}
	writeJSON(w, http.StatusCreated, RoomResponse{Success: true, Room: room})
}

// GET /rooms?code=  или  GET /rooms?limit=&cursor=
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("code") {
		h.findByCode(w, r, q.Get("code"))
		return
	}

	limit := 20
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, r, "ListRooms", domain.Validationf("limit must be a number"))
			return
		}
		limit = n
	}

	rooms, next, err := h.rooms.ListRooms(r.Context(), limit, q.Get("cursor"))
	if err != nil {
		writeError(w, r, "ListRooms", err)
		return
	}
	if rooms == nil {
		rooms = []domain.Room{}
	}
	writeJSON(w, http.StatusOK, RoomsListResponse{Success: true, Items: rooms, NextCursor: next})
}

func (h *Handler) findByCode(w http.ResponseWriter, r *http.Request, code string) {
	if strings.TrimSpace(code) == "" {
		writeError(w, r, "FindRoomByCode", domain.Validationf("room code is required"))
		return
	}
	room, err := h.rooms.FindRoomByCode(r.Context(), code)
	if err != nil {
		writeError(w, r, "FindRoomByCode", err)
		return
	}
	writeJSON(w, http.StatusOK, RoomResponse{Success: true, Room: room})
}

// GET /rooms/{id}
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.GetRoom(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "GetRoom", err)
		return
	}
	writeJSON(w, http.StatusOK, RoomResponse{Success: true, Room: room})
}

// POST /rooms/{id}/join
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, "JoinRoom", err)
		return
	}

	room, err := h.rooms.AddParticipant(r.Context(), chi.URLParam(r, "id"), req.UserID, req.UserData)
	if err != nil {
		writeError(w, r, "JoinRoom", err)
		return
	}
	writeJSON(w, http.StatusOK, RoomResponse{Success: true, Room: room})
}

// POST /rooms/{id}/close
func (h *Handler) CloseRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	room, err := h.rooms.CloseRoom(r.Context(), id)
	if err != nil {
		writeError(w, r, "CloseRoom", err)
		return
	}
	if h.live != nil {
		h.live.Evict(id, protocol.Error{Message: "room closed", Code: domain.CodeState})
	}
	writeJSON(w, http.StatusOK, RoomResponse{Success: true, Room: room})
}

// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.rooms.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
