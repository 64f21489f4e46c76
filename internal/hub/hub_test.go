package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/pkg/protocol"
)

type fakeChannel struct {
	id string

	mu     sync.Mutex
	msgs   []protocol.Outbound
	full   bool
	closed bool
}

func newFakeChannel(id string) *fakeChannel { return &fakeChannel{id: id} }

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Send(msg protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return ErrBackpressure
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Event())
	}
	return out
}

func (c *fakeChannel) last() protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return nil
	}
	return c.msgs[len(c.msgs)-1]
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type recorder struct {
	mu      sync.Mutex
	actions []domain.Action
}

func (r *recorder) Record(_ string, a domain.Action) {
	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
}

func eq(a, b []string) bool { return fmt.Sprint(a) == fmt.Sprint(b) }

func TestRegister_SnapshotAndJoinBroadcast(t *testing.T) {
	h := New(nil)
	a, b := newFakeChannel("ca"), newFakeChannel("cb")
	info := &domain.Room{ID: "r1", Code: "ABC123", Status: domain.RoomActive, MaxParticipants: 2}

	st := h.Register("r1", a, "A", nil, info, nil)
	if len(st.Participants) != 0 || st.Code != "ABC123" || st.MaxParticipants != 2 {
		t.Fatalf("A snapshot = %+v", st)
	}

	st = h.Register("r1", b, "B", json.RawMessage(`{"name":"Bob"}`), nil, nil)
	if len(st.Participants) != 1 || st.Participants[0].UserID != "A" {
		t.Fatalf("B snapshot = %+v", st)
	}

	if !eq(a.events(), []string{"room-state", "user-joined"}) {
		t.Fatalf("A events = %v", a.events())
	}
	if !eq(b.events(), []string{"room-state"}) {
		t.Fatalf("B must not see its own join: %v", b.events())
	}
	uj := a.last().(protocol.UserJoined)
	if uj.UserID != "B" || uj.ChannelID != "cb" || string(uj.UserData) != `{"name":"Bob"}` {
		t.Fatalf("user-joined = %+v", uj)
	}
	if h.Live("r1") != 2 {
		t.Fatalf("Live = %d", h.Live("r1"))
	}
}

func TestRegister_Idempotent(t *testing.T) {
	h := New(nil)
	a, b := newFakeChannel("ca"), newFakeChannel("cb")
	h.Register("r1", a, "A", nil, nil, nil)
	h.Register("r1", b, "B", nil, nil, nil)
	h.Register("r1", b, "B", nil, nil, nil)

	if h.Live("r1") != 2 {
		t.Fatalf("duplicate registration: Live = %d", h.Live("r1"))
	}
	if !eq(a.events(), []string{"room-state", "user-joined"}) {
		t.Fatalf("re-register must not broadcast: %v", a.events())
	}
	if !eq(b.events(), []string{"room-state", "room-state"}) {
		t.Fatalf("re-register must re-send the snapshot: %v", b.events())
	}
}

func TestBroadcastAction(t *testing.T) {
	rec := &recorder{}
	h := New(rec)
	fixed := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	a, b, c := newFakeChannel("ca"), newFakeChannel("cb"), newFakeChannel("cc")
	h.Register("r1", a, "A", nil, nil, nil)
	h.Register("r1", b, "B", nil, nil, nil)
	h.Register("r1", c, "C", nil, nil, nil)

	got, err := h.BroadcastAction("r1", domain.Action{Kind: "add-paragraph", Payload: json.RawMessage(`{"text":"hi"}`), SenderID: "A"}, a)
	if err != nil {
		t.Fatalf("BroadcastAction: %v", err)
	}
	if got.ID == "" || got.RoomID != "r1" || !got.Timestamp.Equal(fixed) {
		t.Fatalf("stamped action = %+v", got)
	}

	for _, ch := range []*fakeChannel{b, c} {
		ev, ok := ch.last().(protocol.ActionEvent)
		if !ok {
			t.Fatalf("%s last = %#v", ch.id, ch.last())
		}
		if ev.SenderID != "A" || ev.Action != "add-paragraph" || string(ev.Payload) != `{"text":"hi"}` || ev.Timestamp != fixed.UnixMilli() {
			t.Fatalf("%s got %+v", ch.id, ev)
		}
	}
	for _, e := range a.events() {
		if e == protocol.EventRoomAction {
			t.Fatal("sender received its own action")
		}
	}
	if ack, ok := a.last().(protocol.ActionAccepted); !ok || ack.ID != got.ID || ack.Timestamp != fixed.UnixMilli() {
		t.Fatalf("sender ack = %#v", a.last())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.actions) != 1 || rec.actions[0].ID != got.ID {
		t.Fatalf("recorded = %+v", rec.actions)
	}
}

func TestBroadcastAction_RequiresMembership(t *testing.T) {
	rec := &recorder{}
	h := New(rec)
	a, stranger := newFakeChannel("ca"), newFakeChannel("cx")

	if _, err := h.BroadcastAction("r1", domain.Action{Kind: "x"}, a); !errors.Is(err, domain.ErrNotJoined) {
		t.Fatalf("unknown room err = %v", err)
	}
	h.Register("r1", a, "A", nil, nil, nil)
	if _, err := h.BroadcastAction("r1", domain.Action{Kind: "x"}, stranger); !errors.Is(err, domain.ErrNotJoined) {
		t.Fatalf("stranger err = %v", err)
	}
	if len(rec.actions) != 0 {
		t.Fatalf("rejected actions must not be recorded: %+v", rec.actions)
	}
}

func TestBroadcastAction_OrderAndIDs(t *testing.T) {
	h := New(nil)
	a, b := newFakeChannel("ca"), newFakeChannel("cb")
	h.Register("r1", a, "A", nil, nil, nil)
	h.Register("r1", b, "B", nil, nil, nil)

	var ids []string
	for i := 0; i < 50; i++ {
		act, err := h.BroadcastAction("r1", domain.Action{Kind: fmt.Sprint(i), SenderID: "A"}, a)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, act.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		ev, ok := m.(protocol.ActionEvent)
		if !ok {
			continue
		}
		if ev.Action != fmt.Sprint(n) || ev.ID != ids[n] {
			t.Fatalf("position %d got %+v", n, ev)
		}
		if n > 0 && ids[n] <= ids[n-1] {
			t.Fatalf("ids not monotonic: %s <= %s", ids[n], ids[n-1])
		}
		n++
	}
	if n != 50 {
		t.Fatalf("delivered %d actions", n)
	}
}

func TestRecordOrderMatchesDelivery(t *testing.T) {
	rec := &recorder{}
	h := New(rec)
	a, b, c := newFakeChannel("ca"), newFakeChannel("cb"), newFakeChannel("cc")
	h.Register("r1", a, "A", nil, nil, nil)
	h.Register("r1", b, "B", nil, nil, nil)
	h.Register("r1", c, "C", nil, nil, nil)

	var wg sync.WaitGroup
	for _, sender := range []*fakeChannel{a, b} {
		wg.Add(1)
		go func(ch *fakeChannel) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := h.BroadcastAction("r1", domain.Action{Kind: "tick", SenderID: ch.id}, ch); err != nil {
					t.Error(err)
					return
				}
			}
		}(sender)
	}
	wg.Wait()

	var delivered []string
	c.mu.Lock()
	for _, m := range c.msgs {
		if ev, ok := m.(protocol.ActionEvent); ok {
			delivered = append(delivered, ev.ID)
		}
	}
	c.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.actions) != 400 || len(delivered) != 400 {
		t.Fatalf("recorded %d, delivered %d", len(rec.actions), len(delivered))
	}
	for i, act := range rec.actions {
		if act.ID != delivered[i] {
			t.Fatalf("position %d: recorded %s, delivered %s", i, act.ID, delivered[i])
		}
	}
}

func TestDeregister(t *testing.T) {
	h := New(nil)
	a, b := newFakeChannel("ca"), newFakeChannel("cb")
	h.Register("r1", a, "A", nil, nil, nil)
	h.Register("r1", b, "B", nil, nil, nil)

	removed, empty := h.Deregister("r1", b)
	if !removed || empty {
		t.Fatalf("removed=%v empty=%v", removed, empty)
	}
	removed, _ = h.Deregister("r1", b)
	if removed {
		t.Fatal("second deregister must be a no-op")
	}

	left := 0
	for _, e := range a.events() {
		if e == protocol.EventUserLeft {
			left++
		}
	}
	if left != 1 {
		t.Fatalf("user-left delivered %d times", left)
	}
	if ul := a.last().(protocol.UserLeft); ul.UserID != "B" || ul.ChannelID != "cb" {
		t.Fatalf("user-left = %+v", ul)
	}

	removed, empty = h.Deregister("r1", a)
	if !removed || !empty || h.Live("r1") != 0 {
		t.Fatalf("last deregister removed=%v empty=%v", removed, empty)
	}
	if _, err := h.BroadcastAction("r1", domain.Action{}, nil); !errors.Is(err, domain.ErrNotJoined) {
		t.Fatalf("dropped room must reject broadcasts, err = %v", err)
	}
}

func TestRegister_SeedAndHistory(t *testing.T) {
	h := New(nil)
	seed := []domain.Action{{ID: "01", Kind: "old", SenderID: "Z", Timestamp: time.UnixMilli(1000)}}
	a, b := newFakeChannel("ca"), newFakeChannel("cb")

	st := h.Register("r1", a, "A", nil, nil, seed)
	if len(st.Actions) != 1 || st.Actions[0].Action != "old" || st.Actions[0].Timestamp != 1000 {
		t.Fatalf("seeded snapshot = %+v", st.Actions)
	}
	if _, err := h.BroadcastAction("r1", domain.Action{Kind: "new", SenderID: "A"}, a); err != nil {
		t.Fatal(err)
	}

	st = h.Register("r1", b, "B", nil, nil, []domain.Action{{Kind: "ignored"}})
	if len(st.Actions) != 2 || st.Actions[0].Action != "old" || st.Actions[1].Action != "new" {
		t.Fatalf("live room must keep its own history: %+v", st.Actions)
	}
}

func TestLaggingChannelIsClosedWithoutBlockingOthers(t *testing.T) {
	h := New(nil)
	a, slow, c := newFakeChannel("ca"), newFakeChannel("cslow"), newFakeChannel("cc")
	h.Register("r1", a, "A", nil, nil, nil)
	h.Register("r1", slow, "S", nil, nil, nil)
	h.Register("r1", c, "C", nil, nil, nil)

	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	if _, err := h.BroadcastAction("r1", domain.Action{Kind: "x", SenderID: "A"}, a); err != nil {
		t.Fatal(err)
	}
	if !slow.isClosed() {
		t.Fatal("lagging channel must be closed")
	}
	if _, ok := c.last().(protocol.ActionEvent); !ok {
		t.Fatalf("healthy channel missed the action: %v", c.events())
	}
}

func TestEvict(t *testing.T) {
	h := New(nil)
	a, b := newFakeChannel("ca"), newFakeChannel("cb")
	h.Register("r1", a, "A", nil, nil, nil)
	h.Register("r1", b, "B", nil, nil, nil)

	if n := h.Evict("r1", protocol.Error{Message: "room closed", Code: domain.CodeState}); n != 2 {
		t.Fatalf("evicted %d", n)
	}
	for _, ch := range []*fakeChannel{a, b} {
		if !ch.isClosed() {
			t.Fatalf("%s not closed", ch.id)
		}
		if e, ok := ch.last().(protocol.Error); !ok || e.Code != domain.CodeState {
			t.Fatalf("%s last = %#v", ch.id, ch.last())
		}
	}
}

func TestConcurrentRoomsAndChurn(t *testing.T) {
	h := New(&recorder{})
	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		for u := 0; u < 8; u++ {
			wg.Add(1)
			go func(r, u int) {
				defer wg.Done()
				roomID := fmt.Sprintf("r%d", r)
				ch := newFakeChannel(fmt.Sprintf("c%d-%d", r, u))
				for i := 0; i < 20; i++ {
					h.Register(roomID, ch, fmt.Sprintf("u%d", u), nil, nil, nil)
					_, _ = h.BroadcastAction(roomID, domain.Action{Kind: "tick"}, ch)
					h.Deregister(roomID, ch)
				}
			}(r, u)
		}
	}
	wg.Wait()

	for r := 0; r < 8; r++ {
		if n := h.Live(fmt.Sprintf("r%d", r)); n != 0 {
			t.Fatalf("room r%d still has %d channels", r, n)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.rooms) != 0 {
		t.Fatalf("rooms left in map: %d", len(h.rooms))
	}
}
