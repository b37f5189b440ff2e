// Package peer coordinates the two sides of a replicated match. One
// process holds the authoritative state and serves it over a
// websocket (host); the other keeps a read-only replica and forwards
// every intent to the host (guest). Which process plays which role is
// decided by a first-claim election in Redis.
package peer

// Role is the side this process plays for a given room.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// ConnState tracks the guest's link to the host. There is no
// transparent reconnect: once the link drops the guest surfaces
// StateLost and the caller decides what to do.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateLost         ConnState = "lost"
)

// StateCallback observes guest link transitions.
type StateCallback func(state ConnState)
