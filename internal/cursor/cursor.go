// Package cursor encodes keyset pagination positions for room listings.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cwrk-planet/room-hub/internal/domain"
)

var ErrInvalidCursor = fmt.Errorf("%w: invalid cursor", domain.ErrValidation)

// Cursor points at the last row of a page ordered by (created_at DESC, id DESC).
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func Encode(c Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode returns nil for an empty string.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode json: %v", ErrInvalidCursor, err)
	}
	return &c, nil
}

// After reports whether a row sorts after c in a (created_at DESC, id DESC) listing.
func (c *Cursor) After(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	return createdAt.Before(c.CreatedAt) || (createdAt.Equal(c.CreatedAt) && id < c.ID)
}

// Next returns the cursor for the page that ends with rooms, or "" when the
// page was not full.
func Next(rooms []domain.Room, limit int) string {
	if limit <= 0 || len(rooms) < limit {
		return ""
	}
	last := rooms[len(rooms)-1]
	s, _ := Encode(Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	return s
}
