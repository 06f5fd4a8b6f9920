// Package protocol defines the application payload carried over the data
// channel once the peers are connected.
package protocol

// Position is a point update sent between peers as {"x":..,"y":..}.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DefaultPayload is the payload offered before the user enters a position.
const DefaultPayload = `{"x": 0, "y": 0}`

// DefaultPosition is DefaultPayload decoded.
var DefaultPosition = Position{}
