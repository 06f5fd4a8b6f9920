package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPosition is returned for payloads that are not a position.
var ErrInvalidPosition = errors.New("invalid position")

// wirePosition uses pointers so that missing coordinates can be rejected.
type wirePosition struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

// Encode serializes a Position into a JSON text payload.
func Encode(p Position) []byte {
	// A struct of two float64 fields cannot fail to marshal.
	data, _ := json.Marshal(p)
	return data
}

// Decode deserializes a JSON payload into a Position. Both coordinates are
// required; unknown fields are ignored.
func Decode(data []byte) (Position, error) {
	var w wirePosition
	if err := json.Unmarshal(data, &w); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	if w.X == nil || w.Y == nil {
		return Position{}, fmt.Errorf("%w: x and y are required", ErrInvalidPosition)
	}
	return Position{X: *w.X, Y: *w.Y}, nil
}

// Parse reads a position typed by a user, either as JSON or as "x,y".
func Parse(input string) (Position, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "{") {
		return Decode([]byte(input))
	}

	parts := strings.Split(input, ",")
	if len(parts) != 2 {
		return Position{}, fmt.Errorf("%w: want \"x,y\" or JSON, got %q", ErrInvalidPosition, input)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Position{}, fmt.Errorf("%w: x: %v", ErrInvalidPosition, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Position{}, fmt.Errorf("%w: y: %v", ErrInvalidPosition, err)
	}
	return Position{X: x, Y: y}, nil
}
