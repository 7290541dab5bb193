package gradchat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Direction selects which side of a cursor a page is read from.
type Direction string

const (
	Before Direction = "before"
	After  Direction = "after"
)

// Boundary is the range-read boundary of fetchPage. A zero Key with
// Direction Before reads the newest messages.
type Boundary struct {
	Direction Direction
	Key       OrderingKey
}

// Latest is the boundary of the initial page load.
func Latest() Boundary { return Boundary{Direction: Before} }

// OlderThan reads the page strictly older than k.
func OlderThan(k OrderingKey) Boundary { return Boundary{Direction: Before, Key: k} }

// NewerThan reads the page strictly newer than k.
func NewerThan(k OrderingKey) Boundary { return Boundary{Direction: After, Key: k} }

// Contains reports whether a message falls strictly inside the boundary.
func (b Boundary) Contains(m Message) bool {
	if b.Key.IsZero() {
		return true
	}
	k := m.OrderingKey()
	if b.Direction == After {
		return b.Key.Less(k)
	}
	return k.Less(b.Key)
}

// EncodeCursor renders an ordering key as an opaque cursor string.
func EncodeCursor(k OrderingKey) string {
	if k.IsZero() {
		return ""
	}
	data, _ := json.Marshal(k)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (OrderingKey, error) {
	if cursor == "" {
		return OrderingKey{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return OrderingKey{}, fmt.Errorf("decode cursor: %w", err)
	}
	var k OrderingKey
	if err := json.Unmarshal(data, &k); err != nil {
		return OrderingKey{}, fmt.Errorf("decode cursor: %w", err)
	}
	return k, nil
}
