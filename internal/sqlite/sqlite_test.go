package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cwrk-planet/room-hub/internal/actionlog"
	"github.com/cwrk-planet/room-hub/internal/service"
	"github.com/cwrk-planet/room-hub/internal/storetest"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "roomhub.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRoomStoreSuite(t *testing.T) {
	storetest.RoomStore(t, func(t *testing.T) service.RoomStore { return NewRoomStore(openTestDB(t)) })
}

func TestActionLogSuite(t *testing.T) {
	storetest.ActionLog(t, func(t *testing.T) actionlog.Log { return NewActionLog(openTestDB(t)) })
}

func TestOpen_ReappliesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomhub.db")
	ctx := context.Background()

	db, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("schema_migrations rows = %d, want 1", n)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRoomStore_ServiceIntegration(t *testing.T) {
	svc := service.NewRoomService(NewRoomStore(openTestDB(t)), service.DefaultOptions())
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, service.CreateRoomParams{CreatorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	found, err := svc.FindRoomByCode(ctx, room.Code)
	if err != nil || found.ID != room.ID {
		t.Fatalf("FindRoomByCode = %v, %v", found, err)
	}
	if _, err := svc.AddParticipant(ctx, room.ID, "alice", nil); err != nil {
		t.Fatal(err)
	}
	got, err := svc.RemoveParticipant(ctx, room.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "closed" {
		t.Fatalf("status after last leave = %s", got.Status)
	}
}
