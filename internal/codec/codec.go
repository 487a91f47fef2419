// Package codec encodes projected messages into WebSocket text frames.
package codec

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Encode renders msg as one JSON object. Fields keep struct declaration order,
// amounts are plain numbers and timestamps are RFC 3339.
func Encode(msg any) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return b, nil
}
