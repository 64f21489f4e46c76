package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/cwrk-planet/room-hub/internal/actionlog"
	"github.com/cwrk-planet/room-hub/internal/service"
	"github.com/cwrk-planet/room-hub/internal/storetest"
)

// testDB connects to ROOMHUB_TEST_POSTGRES_DSN and applies the schema.
func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("ROOMHUB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ROOMHUB_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := New(ctx, Config{DSN: dsn, MaxConns: 8, ApplicationName: "room-hub-test"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestRoomStoreSuite(t *testing.T) {
	db := testDB(t)
	storetest.RoomStore(t, func(t *testing.T) service.RoomStore { return NewRoomStore(db.Pool) })
}

func TestActionLogSuite(t *testing.T) {
	db := testDB(t)
	storetest.ActionLog(t, func(t *testing.T) actionlog.Log { return NewActionLog(db.Pool) })
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
