package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LiveRooms reports how many channels are connected to a room in this process.
type LiveRooms interface {
	Live(roomID string) int
}

// EmptyRoomReaper closes rooms that stay without connected channels for
// the grace period. A zero grace closes on the next timer tick.
type EmptyRoomReaper struct {
	rooms   *RoomService
	live    LiveRooms
	grace   time.Duration
	timeout time.Duration

	// mu is held across the close, so a join cannot start in between
	mu      sync.Mutex
	timers  map[string]*pendingClose
	joining map[string]int
	resume  map[string]bool // close was deferred by a join in flight
	stopped bool
	wg      sync.WaitGroup
}

func NewEmptyRoomReaper(rooms *RoomService, live LiveRooms, grace time.Duration) *EmptyRoomReaper {
	return &EmptyRoomReaper{
		rooms:   rooms,
		live:    live,
		grace:   grace,
		timeout: 5 * time.Second,
		timers:  make(map[string]*pendingClose),
		joining: make(map[string]int),
		resume:  make(map[string]bool),
	}
}

type pendingClose struct {
	timer *time.Timer
}

// RoomEmpty schedules roomID for closing.
func (r *EmptyRoomReaper) RoomEmpty(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedule(roomID)
}

func (r *EmptyRoomReaper) schedule(roomID string) {
	if r.stopped {
		return
	}
	r.cancel(roomID)
	p := &pendingClose{}
	r.wg.Add(1)
	p.timer = time.AfterFunc(r.grace, func() {
		defer r.wg.Done()
		r.fire(roomID, p)
	})
	r.timers[roomID] = p
}

func (r *EmptyRoomReaper) cancel(roomID string) bool {
	p, ok := r.timers[roomID]
	if !ok {
		return false
	}
	if p.timer.Stop() {
		r.wg.Done()
	}
	delete(r.timers, roomID)
	return true
}

// RoomJoining cancels a pending close for roomID and keeps the room open
// until done is called. done must be called once the join has registered
// or failed; a deferred close is then rescheduled if the room is still
// without live channels.
func (r *EmptyRoomReaper) RoomJoining(roomID string) (done func()) {
	r.mu.Lock()
	if r.cancel(roomID) {
		r.resume[roomID] = true
	}
	r.joining[roomID]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.joining[roomID]--; r.joining[roomID] > 0 {
				return
			}
			delete(r.joining, roomID)
			resume := r.resume[roomID]
			delete(r.resume, roomID)
			if resume && r.live.Live(roomID) == 0 {
				r.schedule(roomID)
			}
		})
	}
}

func (r *EmptyRoomReaper) fire(roomID string, p *pendingClose) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timers[roomID] != p {
		// перепланирован или отменён
		return
	}
	delete(r.timers, roomID)
	if r.joining[roomID] > 0 {
		r.resume[roomID] = true
		return
	}
	if r.live.Live(roomID) > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.rooms.closeRoom(ctx, roomID, "empty"); err != nil {
		slog.Error("reaper.closeRoom:", slog.String("room_id", roomID), slog.Any("err", err))
	}
}

// Stop cancels pending timers and waits for running ones.
func (r *EmptyRoomReaper) Stop() {
	r.mu.Lock()
	r.stopped = true
	for id := range r.timers {
		r.cancel(id)
	}
	r.mu.Unlock()

	r.wg.Wait()
}
