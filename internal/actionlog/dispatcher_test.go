package actionlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/room-hub/internal/domain"
)

type flakyAppender struct {
	*Memory
	fail func(a domain.Action) error
}

func (f flakyAppender) AppendAction(ctx context.Context, roomID string, a domain.Action) error {
	if err := f.fail(a); err != nil {
		return err
	}
	return f.Memory.AppendAction(ctx, roomID, a)
}

func TestDispatcher_PreservesPerRoomOrder(t *testing.T) {
	mem := NewMemory()
	d := NewDispatcher(mem, DispatcherConfig{Workers: 4, QueueSize: 1000})

	rooms := []string{"r1", "r2", "r3", "r4", "r5"}
	for i := 0; i < 100; i++ {
		for _, room := range rooms {
			d.Record(room, domain.Action{ID: fmt.Sprintf("%s-%03d", room, i), RoomID: room})
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, room := range rooms {
		got, _ := mem.ListActions(context.Background(), room)
		if len(got) != 100 {
			t.Fatalf("%s: %d actions", room, len(got))
		}
		for i, a := range got {
			if a.ID != fmt.Sprintf("%s-%03d", room, i) {
				t.Fatalf("%s: position %d has %s", room, i, a.ID)
			}
		}
	}
}

func TestDispatcher_FailuresGoToSink(t *testing.T) {
	var mu sync.Mutex
	var sunk []string
	app := flakyAppender{Memory: NewMemory(), fail: func(a domain.Action) error {
		if a.Kind == "bad" {
			return errors.New("disk full")
		}
		return nil
	}}
	d := NewDispatcher(app, DispatcherConfig{Workers: 1, OnError: func(_ string, a domain.Action, err error) {
		if !errors.Is(err, domain.ErrPersistence) {
			t.Errorf("sink err = %v, want ErrPersistence", err)
		}
		mu.Lock()
		sunk = append(sunk, a.ID)
		mu.Unlock()
	}})

	d.Record("r1", domain.Action{ID: "1", Kind: "ok"})
	d.Record("r1", domain.Action{ID: "2", Kind: "bad"})
	d.Record("r1", domain.Action{ID: "3", Kind: "ok"})
	_ = d.Close(context.Background())

	got, _ := app.ListActions(context.Background(), "r1")
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "3" {
		t.Fatalf("stored = %+v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sunk) != 1 || sunk[0] != "2" {
		t.Fatalf("sunk = %v", sunk)
	}
}

func TestDispatcher_RecordNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	app := flakyAppender{Memory: NewMemory(), fail: func(domain.Action) error {
		<-release
		return nil
	}}

	var mu sync.Mutex
	var dropped int
	d := NewDispatcher(app, DispatcherConfig{Workers: 1, QueueSize: 1, OnError: func(_ string, _ domain.Action, err error) {
		if errors.Is(err, ErrQueueFull) {
			mu.Lock()
			dropped++
			mu.Unlock()
		}
	}})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Record("r1", domain.Action{ID: fmt.Sprint(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a stuck appender")
	}

	close(release)
	_ = d.Close(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if dropped == 0 {
		t.Fatal("expected drops with a queue of one")
	}
}

func TestDispatcher_RecoversAppenderPanic(t *testing.T) {
	var sunk int
	app := flakyAppender{Memory: NewMemory(), fail: func(a domain.Action) error {
		if a.ID == "boom" {
			panic("appender bug")
		}
		return nil
	}}
	d := NewDispatcher(app, DispatcherConfig{Workers: 1, OnError: func(string, domain.Action, error) { sunk++ }})

	d.Record("r1", domain.Action{ID: "boom"})
	d.Record("r1", domain.Action{ID: "after"})
	_ = d.Close(context.Background())

	got, _ := app.ListActions(context.Background(), "r1")
	if sunk != 1 || len(got) != 1 || got[0].ID != "after" {
		t.Fatalf("sunk=%d stored=%+v", sunk, got)
	}
}

func TestDispatcher_CloseHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	app := flakyAppender{Memory: NewMemory(), fail: func(domain.Action) error {
		<-block
		return nil
	}}
	d := NewDispatcher(app, DispatcherConfig{Workers: 1, WriteTimeout: time.Minute})
	d.Record("r1", domain.Action{ID: "1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close err = %v", err)
	}

	d.Record("r1", domain.Action{ID: "late"}) // must not panic on closed queues
}

func TestDispatcher_PendingUntilWritten(t *testing.T) {
	release := make(chan struct{})
	app := flakyAppender{Memory: NewMemory(), fail: func(domain.Action) error {
		<-release
		return nil
	}}
	d := NewDispatcher(app, DispatcherConfig{Workers: 1, QueueSize: 10})

	for i := 0; i < 3; i++ {
		d.Record("r1", domain.Action{ID: fmt.Sprint(i), RoomID: "r1"})
	}
	if got := d.PendingActions("r1"); len(got) != 3 || got[0].ID != "0" || got[2].ID != "2" {
		t.Fatalf("pending = %+v", got)
	}
	if got := d.PendingActions("r2"); len(got) != 0 {
		t.Fatalf("r2 pending = %+v", got)
	}

	close(release)
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := d.PendingActions("r1"); len(got) != 0 {
		t.Fatalf("pending after drain = %+v", got)
	}
}

func TestDispatcher_DroppedIsNotPending(t *testing.T) {
	release := make(chan struct{})
	app := flakyAppender{Memory: NewMemory(), fail: func(domain.Action) error {
		<-release
		return nil
	}}
	d := NewDispatcher(app, DispatcherConfig{Workers: 1, QueueSize: 1})

	for i := 0; i < 5; i++ {
		d.Record("r1", domain.Action{ID: fmt.Sprint(i)})
	}
	// один у воркера, один в очереди
	if got := d.PendingActions("r1"); len(got) > 2 {
		t.Fatalf("pending = %d entries, dropped writes must not stay pending", len(got))
	}
	close(release)
	_ = d.Close(context.Background())
}

type staticPending map[string][]domain.Action

func (s staticPending) PendingActions(roomID string) []domain.Action { return s[roomID] }

func TestWithPending_MergesQueuedAfterStored(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	_ = mem.AppendAction(ctx, "r1", domain.Action{ID: "1"})
	_ = mem.AppendAction(ctx, "r1", domain.Action{ID: "2"})

	r := WithPending(mem, staticPending{"r1": {{ID: "2"}, {ID: "3"}}})
	got, err := r.ListActions(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	if fmt.Sprint(ids) != "[1 2 3]" {
		t.Fatalf("ids = %v", ids)
	}

	got, _ = r.ListActions(ctx, "empty")
	if len(got) != 0 {
		t.Fatalf("empty room = %+v", got)
	}
}
