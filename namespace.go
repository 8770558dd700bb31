package roomio

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/ramory-l/roomio/engine"
)

// ConnectionHandler is called for every socket admitted to a namespace
type ConnectionHandler func(s *Socket)

// Namespace represents an isolated partition of sockets, handlers and rooms
type Namespace struct {
	name    string
	server  *Server
	parent  *Namespace
	adapter Adapter
	logger  *slog.Logger

	sockets map[string]*Socket
	mu      sync.RWMutex

	onConnection []ConnectionHandler
	middleware   []Middleware
	handlersMu   sync.RWMutex

	children   map[string]*Namespace
	childrenMu sync.RWMutex
}

func newNamespace(name string, server *Server, parent *Namespace) *Namespace {
	ns := &Namespace{
		name:     name,
		server:   server,
		parent:   parent,
		logger:   server.logger.With("namespace", name),
		sockets:  make(map[string]*Socket),
		children: make(map[string]*Namespace),
	}

	ns.adapter = server.config.AdapterFactory(ns)

	return ns
}

func normalizeNamespace(name string) string {
	if name == "" {
		return "/"
	}
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return name
}

// Name returns the namespace name
func (ns *Namespace) Name() string {
	return ns.name
}

// Parent returns the parent namespace, nil for the root
func (ns *Namespace) Parent() *Namespace {
	return ns.parent
}

// Server returns the server owning the namespace
func (ns *Namespace) Server() *Server {
	return ns.server
}

// Adapter returns the room adapter of the namespace
func (ns *Namespace) Adapter() Adapter {
	return ns.adapter
}

// child returns the named child, creating it on first use
func (ns *Namespace) child(name string) *Namespace {
	ns.childrenMu.RLock()
	child, exists := ns.children[name]
	ns.childrenMu.RUnlock()

	if exists {
		return child
	}

	ns.childrenMu.Lock()
	defer ns.childrenMu.Unlock()

	// Double-check after acquiring write lock
	if child, exists := ns.children[name]; exists {
		return child
	}

	child = newNamespace(name, ns.server, ns)
	ns.children[name] = child

	return child
}

func (ns *Namespace) lookupChild(name string) (*Namespace, bool) {
	ns.childrenMu.RLock()
	defer ns.childrenMu.RUnlock()

	child, ok := ns.children[name]
	return child, ok
}

// OnConnection registers a handler for admitted sockets
func (ns *Namespace) OnConnection(handler ConnectionHandler) {
	if handler == nil {
		panic("roomio: nil connection handler")
	}
	ns.handlersMu.Lock()
	ns.onConnection = append(ns.onConnection, handler)
	ns.handlersMu.Unlock()
}

func (ns *Namespace) operator() BroadcastOperator {
	return BroadcastOperator{namespace: ns}
}

// To returns a BroadcastOperator for emitting to specific rooms
func (ns *Namespace) To(rooms ...string) BroadcastOperator {
	return ns.operator().To(rooms...)
}

// In is an alias of To
func (ns *Namespace) In(rooms ...string) BroadcastOperator {
	return ns.To(rooms...)
}

// Except returns a BroadcastOperator for every socket but the given IDs
func (ns *Namespace) Except(socketIDs ...string) BroadcastOperator {
	return ns.operator().Except(socketIDs...)
}

// Compress returns a BroadcastOperator with the compression flag set
func (ns *Namespace) Compress(v bool) BroadcastOperator {
	return ns.operator().Compress(v)
}

// Volatile returns a volatile BroadcastOperator
func (ns *Namespace) Volatile() BroadcastOperator {
	return ns.operator().Volatile()
}

// Local returns a BroadcastOperator restricted to this process
func (ns *Namespace) Local() BroadcastOperator {
	return ns.operator().Local()
}

// Emit broadcasts an event to all sockets in the namespace
func (ns *Namespace) Emit(event string, data any) error {
	return ns.operator().Emit(event, data)
}

// Sockets returns all registered sockets
func (ns *Namespace) Sockets() []*Socket {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	sockets := make([]*Socket, 0, len(ns.sockets))
	for _, socket := range ns.sockets {
		sockets = append(sockets, socket)
	}
	return sockets
}

// Socket retrieves a socket by ID
func (ns *Namespace) Socket(id string) (*Socket, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	socket, ok := ns.sockets[id]
	return socket, ok
}

// FetchSockets returns the admitted sockets, sorted by ID
func (ns *Namespace) FetchSockets() []*Socket {
	return ns.operator().FetchSockets()
}

// SocketsJoin makes every admitted socket join rooms
func (ns *Namespace) SocketsJoin(rooms ...string) error {
	return ns.operator().SocketsJoin(rooms...)
}

// SocketsLeave makes every admitted socket leave rooms
func (ns *Namespace) SocketsLeave(rooms ...string) error {
	return ns.operator().SocketsLeave(rooms...)
}

// DisconnectSockets disconnects every admitted socket
func (ns *Namespace) DisconnectSockets(close bool) error {
	return ns.operator().DisconnectSockets(close)
}

// DisconnectAll disconnects every socket of the namespace, admitted or not
func (ns *Namespace) DisconnectAll(close bool) error {
	var errs error
	for _, s := range ns.Sockets() {
		if err := s.Disconnect(close); err != nil {
			errs = multierr.Append(errs, &DeliveryError{SocketID: s.id, Err: err})
		}
	}
	return errs
}

// ForEachInRoom calls fn for every local socket in room
func (ns *Namespace) ForEachInRoom(room string, fn func(*Socket)) {
	for _, s := range ns.To(room).FetchSockets() {
		fn(s)
	}
}

// Rooms returns the rooms known to the local adapter
func (ns *Namespace) Rooms() []string {
	var rooms []string
	if lister, ok := ns.adapter.(interface{ AllRooms() []string }); ok {
		rooms = lister.AllRooms()
	} else {
		seen := make(map[string]struct{})
		for _, s := range ns.Sockets() {
			for _, room := range ns.adapter.Rooms(s.id) {
				seen[room] = struct{}{}
			}
		}
		rooms = keys(seen)
	}
	sort.Strings(rooms)
	return rooms
}

// topic names the transport topic of a room in this namespace
func (ns *Namespace) topic(room string) string {
	return ns.name + "#" + room
}

// admit registers a socket for conn and runs the middleware chain
func (ns *Namespace) admit(conn Conn) (*Socket, error) {
	socket := newSocket(ns, conn)
	ns.register(socket)

	if err := ns.runMiddleware(socket); err != nil {
		ns.refuse(socket, err)
		return nil, &AdmissionError{SocketID: socket.id, Err: err}
	}

	if !socket.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		// transport went away while middleware ran
		ns.server.stats.refused()
		return nil, &AdmissionError{SocketID: socket.id, Err: ErrSocketDisconnected}
	}
	ns.server.stats.connected()
	socket.subscribeRooms()

	if err := socket.Join(socket.id); err != nil && !errors.Is(err, ErrSocketDisconnected) {
		ns.logger.Warn("failed to join own room", "sid", socket.id, "err", err)
	}
	if socket.State() != StateConnected {
		// transport closed right after the middleware chain finished
		return nil, &AdmissionError{SocketID: socket.id, Err: ErrSocketDisconnected}
	}

	if err := socket.send(&Packet{
		Type:      TypeConnect,
		Namespace: ns.name,
		Data:      map[string]any{"sid": socket.id},
	}, false); err != nil {
		ns.logger.Debug("connect packet not delivered", "sid", socket.id, "err", err)
	}

	ns.handlersMu.RLock()
	handlers := append([]ConnectionHandler(nil), ns.onConnection...)
	ns.handlersMu.RUnlock()

	for _, handler := range handlers {
		socket.safeCall("connection", func() { handler(socket) })
	}

	socket.fire(TypeConnect, nil, nil)
	socket.inbox.start()

	ns.logger.Debug("socket connected", "sid", socket.id, "remote", socket.handshake.RemoteAddr)
	return socket, nil
}

func (ns *Namespace) refuse(s *Socket, err error) {
	ns.server.stats.refused()
	ns.logger.Info("connection refused by middleware", "sid", s.id, "err", err)

	_ = s.send(&Packet{
		Type:      TypeConnectError,
		Namespace: ns.name,
		Data:      map[string]any{"message": err.Error()},
	}, false)
	s.fire(TypeError, &AdmissionError{SocketID: s.id, Err: err}, nil)

	if derr := s.disconnect(ReasonAdmissionRefused, true, false); derr != nil {
		ns.logger.Debug("closing refused connection", "sid", s.id, "err", derr)
	}
}

// register adds s to the registry, first disconnecting any socket holding the same ID
func (ns *Namespace) register(s *Socket) {
	for {
		ns.mu.Lock()
		prior, exists := ns.sockets[s.id]
		if !exists {
			ns.sockets[s.id] = s
			ns.mu.Unlock()
			return
		}
		ns.mu.Unlock()

		ns.logger.Info("superseding socket", "sid", s.id)
		_ = prior.disconnect(ReasonSuperseded, true, true)

		ns.mu.Lock()
		if ns.sockets[s.id] == prior {
			delete(ns.sockets, s.id)
		}
		ns.mu.Unlock()
	}
}

// remove drops s from the registry unless its ID was already taken over
func (ns *Namespace) remove(s *Socket) {
	ns.mu.Lock()
	if ns.sockets[s.id] == s {
		delete(ns.sockets, s.id)
	}
	ns.mu.Unlock()
}

// resolve returns the connected local sockets matching opts, each at most once
func (ns *Namespace) resolve(opts BroadcastOptions) []*Socket {
	return ns.resolveIn(ns.adapter, opts)
}

func (ns *Namespace) resolveIn(adapter Adapter, opts BroadcastOptions) []*Socket {
	except := make(map[string]struct{}, len(opts.Except))
	for _, id := range opts.Except {
		except[id] = struct{}{}
	}

	var ids map[string]struct{}
	if len(opts.Rooms) > 0 {
		ids = make(map[string]struct{})
		for _, room := range opts.Rooms {
			for _, id := range adapter.Members(room) {
				ids[id] = struct{}{}
			}
		}
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	var out []*Socket
	add := func(id string, s *Socket) {
		if _, skip := except[id]; skip || s.State() != StateConnected {
			return
		}
		out = append(out, s)
	}

	if ids == nil {
		for id, s := range ns.sockets {
			add(id, s)
		}
		return out
	}
	for id := range ids {
		if s, ok := ns.sockets[id]; ok {
			add(id, s)
		}
	}
	return out
}

// broadcast delivers packet to the local sockets matching opts
func (ns *Namespace) broadcast(packet *Packet, opts BroadcastOptions) error {
	return ns.deliver(ns.adapter, packet, opts)
}

// deliver resolves opts against adapter, so an adapter can deliver before it is installed
func (ns *Namespace) deliver(adapter Adapter, packet *Packet, opts BroadcastOptions) error {
	data, err := packet.Encode()
	if err != nil {
		return err
	}

	if pub, ok := ns.server.topicPublisher(); ok && len(opts.Rooms) == 1 && len(opts.Except) == 0 && !opts.Flags.Volatile {
		n, err := pub.Publish(ns.topic(opts.Rooms[0]), data, opts.Flags.Compress)
		ns.server.stats.sent(n, len(data))
		if err == nil {
			return nil
		}

		var errs error
		for _, e := range multierr.Errors(err) {
			var serr *engine.SendError
			if errors.As(e, &serr) {
				e = &DeliveryError{SocketID: serr.SessionID, Err: serr.Err}
			}
			errs = multierr.Append(errs, e)
		}
		ns.logger.Warn("topic publish incomplete", "room", opts.Rooms[0], "delivered", n, "err", errs)
		return errs
	}

	var (
		errs error
		sent int
	)
	for _, s := range ns.resolveIn(adapter, opts) {
		if opts.Flags.Volatile && !s.Connected() {
			continue
		}
		if err := s.writeRaw(data, opts.Flags.Compress); err != nil {
			if opts.Flags.Volatile && errors.Is(err, engine.ErrSlowClient) {
				continue
			}
			errs = multierr.Append(errs, &DeliveryError{SocketID: s.id, Err: err})
			continue
		}
		sent++
	}
	ns.server.stats.sent(sent, len(data))

	if errs != nil {
		ns.logger.Warn("broadcast partially failed", "event", packet.Type, "delivered", sent, "failed", len(multierr.Errors(errs)))
	}
	return errs
}

// shutdown disconnects every socket, releases handlers and the adapter, then does the same for children
func (ns *Namespace) shutdown(ctx context.Context) error {
	var errs error
	for _, s := range ns.Sockets() {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := s.disconnect(ReasonServerShutdown, true, true); err != nil {
			errs = multierr.Append(errs, &DeliveryError{SocketID: s.id, Err: err})
		}
	}

	ns.handlersMu.Lock()
	ns.onConnection = nil
	ns.middleware = nil
	ns.handlersMu.Unlock()

	errs = multierr.Append(errs, ns.adapter.Close())

	ns.childrenMu.RLock()
	children := make([]*Namespace, 0, len(ns.children))
	for _, child := range ns.children {
		children = append(children, child)
	}
	ns.childrenMu.RUnlock()

	for _, child := range children {
		errs = multierr.Append(errs, child.shutdown(ctx))
	}
	return errs
}
