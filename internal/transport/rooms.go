// Package transport is the room-based broadcast primitive that delivers
// station events to connected viewers. A connection joins rooms (one per
// station it watches); broadcasting to a room reaches every connection in
// it. The rest of the system treats this as an external collaborator: the
// state machine never talks to transport directly, only through the fanout
// bridge.
package transport

import "context"

// Rooms is the broadcast contract.
type Rooms interface {
	Join(connID, room string)
	Leave(connID, room string)

	// LeaveAll removes the connection from every room and returns the
	// rooms it was in.
	LeaveAll(connID string) []string

	InRoom(connID, room string) bool
	Members(room string) []string

	// Broadcast delivers event/payload to every connection in the room.
	Broadcast(ctx context.Context, room, event string, payload any) error
}
