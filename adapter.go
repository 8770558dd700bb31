package roomio

// Adapter is the interface for managing room membership of a namespace.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Join adds a socket to a room. Joining twice is a no-op.
	Join(socketID, room string) error

	// Leave removes a socket from a room. Empty rooms disappear.
	Leave(socketID, room string) error

	// LeaveAll removes a socket from every room it is in
	LeaveAll(socketID string) error

	// Members returns a snapshot of the socket IDs in a room
	Members(room string) []string

	// Rooms returns a snapshot of the rooms a socket is in
	Rooms(socketID string) []string

	// Fanout propagates a broadcast to other processes.
	// Single-process adapters do nothing here.
	Fanout(packet *Packet, opts BroadcastOptions) error

	// Close releases all state
	Close() error
}

// BroadcastOptions describe a broadcast target in adapter terms
type BroadcastOptions struct {
	Rooms  []string       `json:"rooms,omitempty"`
	Except []string       `json:"except,omitempty"`
	Flags  BroadcastFlags `json:"flags"`
}

// BroadcastFlags are delivery modifiers of a broadcast
type BroadcastFlags struct {
	Compress bool `json:"compress,omitempty"`
	Volatile bool `json:"volatile,omitempty"`
	Local    bool `json:"local,omitempty"`
}
