package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cwrk-planet/room-hub/internal/actionlog"
	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/internal/storetest"
)

func testLog(t *testing.T, ttl time.Duration) *ActionLog {
	t.Helper()
	addr := os.Getenv("ROOMHUB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ROOMHUB_TEST_REDIS_ADDR not set")
	}
	l, err := New(context.Background(), Config{Addr: addr, TTL: ttl})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestActionLogSuite(t *testing.T) {
	storetest.ActionLog(t, func(t *testing.T) actionlog.Log { return testLog(t, time.Minute) })
}

func TestAppendSetsTTL(t *testing.T) {
	l := testLog(t, time.Minute)
	ctx := context.Background()
	roomID := uuid.NewString()

	if err := l.AppendAction(ctx, roomID, domain.Action{ID: "a1", Kind: "k", SenderID: "u", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	ttl, err := l.client.TTL(ctx, roomActionsKey(roomID)).Result()
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestRoomActionsKey(t *testing.T) {
	if got := roomActionsKey("r1"); got != "room:r1:actions" {
		t.Fatalf("key = %q", got)
	}
}
