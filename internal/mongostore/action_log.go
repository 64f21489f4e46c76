// Package mongostore keeps room action logs in a MongoDB collection.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cwrk-planet/room-hub/internal/domain"
)

type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// ActionLog stores one document per action.
type ActionLog struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type actionDocument struct {
	ID        string    `bson:"_id"`
	RoomID    string    `bson:"room_id"`
	Kind      string    `bson:"kind"`
	Payload   string    `bson:"payload,omitempty"`
	SenderID  string    `bson:"sender_id"`
	Timestamp time.Time `bson:"timestamp"`
}

// New connects, pings and ensures the (room_id, timestamp) index.
func New(ctx context.Context, cfg Config) (*ActionLog, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "room_actions"
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	l := &ActionLog{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
	}
	if _, err := l.collection.Indexes().CreateOne(cctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}},
	}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create index: %w", err)
	}
	return l, nil
}

func (l *ActionLog) Close(ctx context.Context) error {
	return l.client.Disconnect(ctx)
}

func (l *ActionLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx, nil)
}

func (l *ActionLog) AppendAction(ctx context.Context, roomID string, a domain.Action) error {
	_, err := l.collection.InsertOne(ctx, actionDocument{
		ID:        a.ID,
		RoomID:    roomID,
		Kind:      a.Kind,
		Payload:   string(a.Payload),
		SenderID:  a.SenderID,
		Timestamp: a.Timestamp.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		// повторная запись того же действия
		return nil
	}
	return err
}

// ListActions returns the room's actions ordered by timestamp, then id.
// Action ids are ULIDs, so the order matches acceptance order.
func (l *ActionLog) ListActions(ctx context.Context, roomID string) ([]domain.Action, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := l.collection.Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find actions: %w", err)
	}
	defer cur.Close(ctx)

	out := make([]domain.Action, 0, 16)
	for cur.Next(ctx) {
		var doc actionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		a := domain.Action{
			ID:        doc.ID,
			RoomID:    doc.RoomID,
			Kind:      doc.Kind,
			SenderID:  doc.SenderID,
			Timestamp: doc.Timestamp.UTC(),
		}
		if doc.Payload != "" {
			a.Payload = []byte(doc.Payload)
		}
		out = append(out, a)
	}
	return out, cur.Err()
}
