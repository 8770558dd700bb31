package roomio

import (
	"context"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

const clusterPublishTimeout = 5 * time.Second

const (
	envelopeJoin      = "join"
	envelopeLeave     = "leave"
	envelopeLeaveAll  = "leave_all"
	envelopeBroadcast = "broadcast"
)

type clusterEnvelope struct {
	NodeID  string            `json:"node_id"`
	Kind    string            `json:"kind"`
	Socket  string            `json:"sid,omitempty"`
	Room    string            `json:"room,omitempty"`
	Packet  *Packet           `json:"packet,omitempty"`
	Options *BroadcastOptions `json:"opts,omitempty"`
}

// ClusterAdapter keeps room membership of local sockets in memory and shares
// membership changes and broadcasts with the other nodes on a Bus.
// Each node delivers broadcasts only to its own sockets.
type ClusterAdapter struct {
	*MemoryAdapter

	nodeID  string
	ns      *Namespace
	bus     Bus
	channel string
	remote  *MemoryAdapter
	cancel  func()
}

// NewClusterAdapter creates an adapter for ns and subscribes it to the namespace channel of bus
func NewClusterAdapter(ns *Namespace, bus Bus) (*ClusterAdapter, error) {
	a := &ClusterAdapter{
		MemoryAdapter: NewMemoryAdapter(),
		nodeID:        uuid.NewString(),
		ns:            ns,
		bus:           bus,
		channel:       "roomio:" + ns.name,
		remote:        NewMemoryAdapter(),
	}

	cancel, err := bus.Subscribe(a.channel, a.handle)
	if err != nil {
		return nil, err
	}
	a.cancel = cancel

	return a, nil
}

// ClusterAdapterFactory returns a Config.AdapterFactory building cluster adapters on bus.
// A namespace whose subscription fails falls back to a memory adapter.
func ClusterAdapterFactory(bus Bus) func(*Namespace) Adapter {
	return func(ns *Namespace) Adapter {
		a, err := NewClusterAdapter(ns, bus)
		if err != nil {
			ns.logger.Error("cluster subscribe failed, using memory adapter", "err", err)
			return NewMemoryAdapter()
		}
		return a
	}
}

// NodeID returns the identity this adapter publishes under
func (a *ClusterAdapter) NodeID() string {
	return a.nodeID
}

// Join adds a local socket to a room and announces it
func (a *ClusterAdapter) Join(socketID, room string) error {
	_ = a.MemoryAdapter.Join(socketID, room)
	return a.publish("join", clusterEnvelope{Kind: envelopeJoin, Socket: socketID, Room: room})
}

// Leave removes a local socket from a room and announces it
func (a *ClusterAdapter) Leave(socketID, room string) error {
	_ = a.MemoryAdapter.Leave(socketID, room)
	return a.publish("leave", clusterEnvelope{Kind: envelopeLeave, Socket: socketID, Room: room})
}

// LeaveAll removes a local socket from every room and announces it
func (a *ClusterAdapter) LeaveAll(socketID string) error {
	_ = a.MemoryAdapter.LeaveAll(socketID)
	return a.publish("leave_all", clusterEnvelope{Kind: envelopeLeaveAll, Socket: socketID})
}

// Fanout hands a broadcast to the other nodes
func (a *ClusterAdapter) Fanout(packet *Packet, opts BroadcastOptions) error {
	return a.publish("fanout", clusterEnvelope{Kind: envelopeBroadcast, Packet: packet, Options: &opts})
}

// ClusterMembers returns the socket IDs in room across every node seen so far
func (a *ClusterAdapter) ClusterMembers(room string) []string {
	members := appendUnique(a.MemoryAdapter.Members(room), a.remote.Members(room)...)
	sort.Strings(members)
	return members
}

// Close unsubscribes from the bus and drops all state
func (a *ClusterAdapter) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	_ = a.remote.Close()
	return a.MemoryAdapter.Close()
}

func (a *ClusterAdapter) publish(op string, env clusterEnvelope) error {
	env.NodeID = a.nodeID

	payload, err := json.Marshal(env)
	if err != nil {
		return &AdapterError{Op: op, SocketID: env.Socket, Room: env.Room, Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), clusterPublishTimeout)
	defer cancel()

	if err := a.bus.Publish(ctx, a.channel, payload); err != nil {
		a.ns.logger.Warn("cluster publish failed", "op", op, "sid", env.Socket, "room", env.Room, "err", err)
		return &AdapterError{Op: op, SocketID: env.Socket, Room: env.Room, Err: err}
	}
	return nil
}

func (a *ClusterAdapter) handle(payload []byte) {
	var env clusterEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		a.ns.logger.Warn("malformed cluster envelope", "err", err)
		return
	}
	if env.NodeID == a.nodeID {
		return
	}

	switch env.Kind {
	case envelopeJoin:
		_ = a.remote.Join(env.Socket, env.Room)
	case envelopeLeave:
		_ = a.remote.Leave(env.Socket, env.Room)
	case envelopeLeaveAll:
		_ = a.remote.LeaveAll(env.Socket)
	case envelopeBroadcast:
		if env.Packet == nil || env.Options == nil {
			return
		}
		opts := *env.Options
		opts.Flags.Local = true
		if err := a.ns.deliver(a, env.Packet, opts); err != nil {
			a.ns.logger.Debug("remote broadcast partially failed", "from", env.NodeID, "err", err)
		}
	}
}
