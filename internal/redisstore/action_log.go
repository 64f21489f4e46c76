// Package redisstore keeps room action logs in Redis lists.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cwrk-planet/room-hub/internal/domain"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL is refreshed on every append; 0 keeps the log forever.
	TTL time.Duration
}

type ActionLog struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects and pings Redis.
func New(ctx context.Context, cfg Config) (*ActionLog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewActionLog(client, cfg.TTL), nil
}

func NewActionLog(client *redis.Client, ttl time.Duration) *ActionLog {
	return &ActionLog{client: client, ttl: ttl}
}

func (l *ActionLog) Close() error {
	return l.client.Close()
}

func (l *ActionLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// roomActionsKey returns the key for a room's action list.
func roomActionsKey(roomID string) string {
	return fmt.Sprintf("room:%s:actions", roomID)
}

type record struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"senderId"`
	Timestamp int64           `json:"ts"` // unix micro
}

func (l *ActionLog) AppendAction(ctx context.Context, roomID string, a domain.Action) error {
	data, err := json.Marshal(record{
		ID:        a.ID,
		Kind:      a.Kind,
		Payload:   a.Payload,
		SenderID:  a.SenderID,
		Timestamp: a.Timestamp.UTC().UnixMicro(),
	})
	if err != nil {
		return err
	}

	key := roomActionsKey(roomID)
	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if l.ttl > 0 {
		pipe.Expire(ctx, key, l.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (l *ActionLog) ListActions(ctx context.Context, roomID string) ([]domain.Action, error) {
	items, err := l.client.LRange(ctx, roomActionsKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]domain.Action, 0, len(items))
	for _, item := range items {
		var rec record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		out = append(out, domain.Action{
			ID:        rec.ID,
			RoomID:    roomID,
			Kind:      rec.Kind,
			Payload:   rec.Payload,
			SenderID:  rec.SenderID,
			Timestamp: time.UnixMicro(rec.Timestamp).UTC(),
		})
	}
	return out, nil
}
