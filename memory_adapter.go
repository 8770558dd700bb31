package roomio

import (
	"hash/maphash"
	"sync"
)

const adapterStripes = 64

type set map[string]struct{}

// stripe holds the index entries of every room and socket whose key hashes to it
type stripe struct {
	mu      sync.RWMutex
	rooms   map[string]set // room -> socketIDs
	sockets map[string]set // socketID -> rooms
}

// MemoryAdapter is an in-memory implementation of the Adapter interface.
// Both indices are spread over lock stripes so unrelated rooms never contend.
type MemoryAdapter struct {
	seed    maphash.Seed
	stripes [adapterStripes]stripe
}

// NewMemoryAdapter creates a new in-memory adapter
func NewMemoryAdapter() *MemoryAdapter {
	a := &MemoryAdapter{seed: maphash.MakeSeed()}
	for i := range a.stripes {
		a.stripes[i].rooms = make(map[string]set)
		a.stripes[i].sockets = make(map[string]set)
	}
	return a
}

func (a *MemoryAdapter) roomStripe(room string) int {
	return int(maphash.String(a.seed, "r:"+room) % adapterStripes)
}

func (a *MemoryAdapter) socketStripe(socketID string) int {
	return int(maphash.String(a.seed, "s:"+socketID) % adapterStripes)
}

// lockPair locks the stripes of a (socket, room) pair in index order
func (a *MemoryAdapter) lockPair(socketID, room string) func() {
	i, j := a.socketStripe(socketID), a.roomStripe(room)
	if i > j {
		i, j = j, i
	}
	a.stripes[i].mu.Lock()
	if i == j {
		return a.stripes[i].mu.Unlock
	}
	a.stripes[j].mu.Lock()
	return func() {
		a.stripes[j].mu.Unlock()
		a.stripes[i].mu.Unlock()
	}
}

// Join adds a socket to a room
func (a *MemoryAdapter) Join(socketID, room string) error {
	unlock := a.lockPair(socketID, room)
	defer unlock()

	rs := &a.stripes[a.roomStripe(room)]
	if rs.rooms[room] == nil {
		rs.rooms[room] = make(set)
	}
	rs.rooms[room][socketID] = struct{}{}

	ss := &a.stripes[a.socketStripe(socketID)]
	if ss.sockets[socketID] == nil {
		ss.sockets[socketID] = make(set)
	}
	ss.sockets[socketID][room] = struct{}{}

	return nil
}

// Leave removes a socket from a room
func (a *MemoryAdapter) Leave(socketID, room string) error {
	unlock := a.lockPair(socketID, room)
	defer unlock()

	a.leaveLocked(socketID, room)
	return nil
}

func (a *MemoryAdapter) leaveLocked(socketID, room string) {
	rs := &a.stripes[a.roomStripe(room)]
	if members := rs.rooms[room]; members != nil {
		delete(members, socketID)
		if len(members) == 0 {
			delete(rs.rooms, room)
		}
	}

	ss := &a.stripes[a.socketStripe(socketID)]
	if rooms := ss.sockets[socketID]; rooms != nil {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(ss.sockets, socketID)
		}
	}
}

// LeaveAll removes a socket from all rooms.
// The room list is taken as one snapshot, then each pair is removed under its own locks.
func (a *MemoryAdapter) LeaveAll(socketID string) error {
	for _, room := range a.Rooms(socketID) {
		unlock := a.lockPair(socketID, room)
		a.leaveLocked(socketID, room)
		unlock()
	}
	return nil
}

// Members returns all socket IDs in a room
func (a *MemoryAdapter) Members(room string) []string {
	rs := &a.stripes[a.roomStripe(room)]
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	return keys(rs.rooms[room])
}

// Rooms returns all rooms a socket is in
func (a *MemoryAdapter) Rooms(socketID string) []string {
	ss := &a.stripes[a.socketStripe(socketID)]
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	return keys(ss.sockets[socketID])
}

// AllRooms returns every non-empty room
func (a *MemoryAdapter) AllRooms() []string {
	var out []string
	for i := range a.stripes {
		s := &a.stripes[i]
		s.mu.RLock()
		for room := range s.rooms {
			out = append(out, room)
		}
		s.mu.RUnlock()
	}
	return out
}

// Fanout does nothing: local delivery is performed by the namespace
func (a *MemoryAdapter) Fanout(*Packet, BroadcastOptions) error {
	return nil
}

// Close cleans up the adapter
func (a *MemoryAdapter) Close() error {
	for i := range a.stripes {
		s := &a.stripes[i]
		s.mu.Lock()
		s.rooms = make(map[string]set)
		s.sockets = make(map[string]set)
		s.mu.Unlock()
	}
	return nil
}

func keys(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}
