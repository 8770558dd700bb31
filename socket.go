package roomio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/ramory-l/roomio/engine"
)

// Disconnect reasons passed to "disconnect" handlers
const (
	ReasonServerDisconnect = "server namespace disconnect"
	ReasonClientDisconnect = "client namespace disconnect"
	ReasonSuperseded       = "superseded by a new connection"
	ReasonAdmissionRefused = "admission refused"
	ReasonServerShutdown   = "server shutting down"
)

// SocketState is the lifecycle stage of a socket. It only ever moves forward.
type SocketState int32

const (
	StateConnecting SocketState = iota
	StateConnected
	StateDisconnecting
	StateClosed
)

func (st SocketState) String() string {
	switch st {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SocketState(%d)", int32(st))
	}
}

// EventHandler handles an event. reply is nil unless the sender asked for an acknowledgment.
type EventHandler func(s *Socket, data any, reply ReplyFunc)

// ReplyFunc answers an acknowledgment request. Only the first call is sent.
type ReplyFunc func(data any, err error)

// AnyHandler observes every inbound application event
type AnyHandler func(s *Socket, event string, data any)

type handlerEntry struct {
	fn   EventHandler
	once bool
}

type emitFlags struct {
	compress   bool
	volatile   bool
	timeout    time.Duration
	hasTimeout bool
}

// Socket represents a client connection in one namespace
type Socket struct {
	id        string
	conn      Conn
	namespace *Namespace
	handshake engine.Handshake
	state     atomic.Int32

	rooms   map[string]struct{}
	roomsMu sync.Mutex

	handlers    map[string][]*handlerEntry
	anyHandlers []AnyHandler
	handlersMu  sync.RWMutex

	flags   emitFlags
	flagsMu sync.Mutex

	acks  *ackTable
	inbox *inbox

	data   sync.Map
	auth   any
	authMu sync.RWMutex
}

func newSocket(ns *Namespace, conn Conn) *Socket {
	s := &Socket{
		id:        conn.ID(),
		conn:      conn,
		namespace: ns,
		handshake: conn.Handshake(),
		rooms:     make(map[string]struct{}),
		handlers:  make(map[string][]*handlerEntry),
		acks:      newAckTable(),
	}
	s.inbox = newInbox(s.handleFrame)

	conn.OnMessage(s.inbox.push)
	conn.OnClose(func(reason string) {
		_ = s.disconnect(reason, false, false)
	})

	return s
}

// ID returns the socket ID
func (s *Socket) ID() string {
	return s.id
}

// Namespace returns the namespace the socket belongs to
func (s *Socket) Namespace() *Namespace {
	return s.namespace
}

// Handshake returns a copy of the metadata captured when the connection was accepted
func (s *Socket) Handshake() engine.Handshake {
	return s.handshake.Clone()
}

// State returns the lifecycle stage
func (s *Socket) State() SocketState {
	return SocketState(s.state.Load())
}

// Connected reports whether the socket passed admission and has not disconnected
func (s *Socket) Connected() bool {
	return s.State() == StateConnected
}

// Set stores arbitrary data on the socket
func (s *Socket) Set(key string, value any) {
	s.data.Store(key, value)
}

// Get retrieves data from the socket
func (s *Socket) Get(key string) (any, bool) {
	return s.data.Load(key)
}

// SetAuth stores the authenticated user payload, usually from middleware
func (s *Socket) SetAuth(v any) {
	s.authMu.Lock()
	s.auth = v
	s.authMu.Unlock()
}

// Auth returns the payload stored by SetAuth
func (s *Socket) Auth() any {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.auth
}

// On registers an event handler
func (s *Socket) On(event string, handler EventHandler) {
	s.addHandler(event, handler, false)
}

// Once registers a handler that is removed after its first call
func (s *Socket) Once(event string, handler EventHandler) {
	s.addHandler(event, handler, true)
}

func (s *Socket) addHandler(event string, handler EventHandler, once bool) {
	if handler == nil {
		panic("roomio: nil event handler for " + event)
	}
	s.handlersMu.Lock()
	s.handlers[event] = append(s.handlers[event], &handlerEntry{fn: handler, once: once})
	s.handlersMu.Unlock()
}

// OnAny registers a listener for every inbound application event
func (s *Socket) OnAny(handler AnyHandler) {
	if handler == nil {
		panic("roomio: nil any-event handler")
	}
	s.handlersMu.Lock()
	s.anyHandlers = append(s.anyHandlers, handler)
	s.handlersMu.Unlock()
}

// Off removes event handlers
func (s *Socket) Off(event string) {
	s.handlersMu.Lock()
	delete(s.handlers, event)
	s.handlersMu.Unlock()
}

// OffAll removes every handler and listener
func (s *Socket) OffAll() {
	s.handlersMu.Lock()
	s.handlers = make(map[string][]*handlerEntry)
	s.anyHandlers = nil
	s.handlersMu.Unlock()
}

// Compress sets the compression flag of the next emission
func (s *Socket) Compress(v bool) *Socket {
	s.flagsMu.Lock()
	s.flags.compress = v
	s.flagsMu.Unlock()
	return s
}

// Volatile marks the next emission as droppable when the socket cannot take it
func (s *Socket) Volatile() *Socket {
	s.flagsMu.Lock()
	s.flags.volatile = true
	s.flagsMu.Unlock()
	return s
}

// Timeout sets the acknowledgment deadline of the next EmitWithAck
func (s *Socket) Timeout(d time.Duration) *Socket {
	s.flagsMu.Lock()
	s.flags.timeout = d
	s.flags.hasTimeout = true
	s.flagsMu.Unlock()
	return s
}

func (s *Socket) takeFlags() emitFlags {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	f := s.flags
	s.flags = emitFlags{}
	return f
}

// Emit sends an event to the client
func (s *Socket) Emit(event string, data any) error {
	return s.emit(event, data, nil)
}

// EmitWithAck sends an event and calls ack with the client's reply
func (s *Socket) EmitWithAck(event string, data any, ack AckFunc) error {
	if ack == nil {
		panic("roomio: nil ack callback for " + event)
	}
	return s.emit(event, data, ack)
}

func (s *Socket) emit(event string, data any, ack AckFunc) error {
	flags := s.takeFlags()

	if IsReserved(event) {
		return fmt.Errorf("%w: %q", ErrReservedEvent, event)
	}
	if !s.Connected() {
		if flags.volatile {
			return nil
		}
		return ErrSocketDisconnected
	}

	packet := newEventPacket(s.namespace.name, event, data)
	if ack != nil {
		timeout := s.namespace.server.config.AckTimeout
		if flags.hasTimeout {
			timeout = flags.timeout
		}
		id, err := s.acks.register(ack, timeout)
		if err != nil {
			return err
		}
		packet.ID = id
		packet.AckRequested = true
	}

	if err := s.send(packet, flags.compress); err != nil {
		if packet.ID != "" {
			s.acks.discard(packet.ID)
		}
		if flags.volatile && errors.Is(err, engine.ErrSlowClient) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Socket) send(packet *Packet, compress bool) error {
	data, err := packet.Encode()
	if err != nil {
		return err
	}
	if err := s.conn.Send(data, compress); err != nil {
		return err
	}
	s.namespace.server.stats.sent(1, len(data))
	return nil
}

// writeRaw delivers an already encoded broadcast frame
func (s *Socket) writeRaw(data []byte, compress bool) error {
	if !s.Connected() {
		return ErrSocketDisconnected
	}
	return s.conn.Send(data, compress)
}

// To returns a BroadcastOperator for the given rooms that excludes this socket
func (s *Socket) To(rooms ...string) BroadcastOperator {
	return s.namespace.To(rooms...).Except(s.id)
}

// In is an alias of To
func (s *Socket) In(rooms ...string) BroadcastOperator {
	return s.To(rooms...)
}

// Broadcast returns a BroadcastOperator for every other socket of the namespace
func (s *Socket) Broadcast() BroadcastOperator {
	return s.namespace.Except(s.id)
}

// Join adds the socket to rooms. A socket that is disconnecting or closed
// cannot join and gets ErrSocketDisconnected.
func (s *Socket) Join(rooms ...string) error {
	for _, room := range rooms {
		mustRoom(room)
	}

	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	if s.State() >= StateDisconnecting {
		return ErrSocketDisconnected
	}

	var errs error
	for _, room := range rooms {
		if err := s.namespace.adapter.Join(s.id, room); err != nil {
			errs = multierr.Append(errs, err)
			var aerr *AdapterError
			if !errors.As(err, &aerr) {
				continue
			}
		}
		if _, ok := s.rooms[room]; !ok {
			s.rooms[room] = struct{}{}
			// topics are only held while connected; admission subscribes the rest
			if s.State() == StateConnected {
				s.conn.Subscribe(s.namespace.topic(room))
			}
		}
	}
	return errs
}

// Leave removes the socket from a room
func (s *Socket) Leave(room string) error {
	mustRoom(room)

	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	err := s.namespace.adapter.Leave(s.id, room)
	var aerr *AdapterError
	if err != nil && !errors.As(err, &aerr) {
		return err
	}
	if _, ok := s.rooms[room]; ok {
		delete(s.rooms, room)
		s.conn.Unsubscribe(s.namespace.topic(room))
	}
	return err
}

// LeaveAll removes the socket from every room
func (s *Socket) LeaveAll() error {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	err := s.namespace.adapter.LeaveAll(s.id)
	for room := range s.rooms {
		s.conn.Unsubscribe(s.namespace.topic(room))
	}
	s.rooms = make(map[string]struct{})
	return err
}

// subscribeRooms mirrors the joined rooms onto transport topics
func (s *Socket) subscribeRooms() {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	if s.State() != StateConnected {
		return
	}
	for room := range s.rooms {
		s.conn.Subscribe(s.namespace.topic(room))
	}
}

func (s *Socket) unsubscribeRooms() {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	for room := range s.rooms {
		s.conn.Unsubscribe(s.namespace.topic(room))
	}
}

// Rooms returns all rooms the socket is in
func (s *Socket) Rooms() []string {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// InRoom reports whether the socket joined room
func (s *Socket) InRoom(room string) bool {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

// Disconnect disconnects the socket, closing the transport connection when close is true
func (s *Socket) Disconnect(close bool) error {
	return s.disconnect(ReasonServerDisconnect, close, true)
}

func (s *Socket) disconnect(reason string, closeConn, notify bool) error {
	var wasConnected bool
	for {
		st := s.state.Load()
		if SocketState(st) >= StateDisconnecting {
			return nil
		}
		if s.state.CompareAndSwap(st, int32(StateDisconnecting)) {
			wasConnected = SocketState(st) == StateConnected
			break
		}
	}
	// joins are refused from here on, so no topic is taken again
	s.unsubscribeRooms()

	if notify && s.conn.Alive() {
		_ = s.send(&Packet{Type: TypeDisconnect, Namespace: s.namespace.name, Data: reason}, false)
	}
	s.inbox.close()

	if wasConnected {
		s.fire(TypeDisconnect, reason, nil)
	}

	if n := s.acks.cancelAll(ErrAckCancelled); n > 0 {
		s.namespace.logger.Debug("cancelled pending acknowledgments", "sid", s.id, "count", n)
	}

	err := s.LeaveAll()
	s.namespace.remove(s)
	if wasConnected {
		s.namespace.server.stats.disconnected()
	}

	s.OffAll()
	s.state.Store(int32(StateClosed))

	if closeConn {
		err = multierr.Append(err, s.conn.Close(closeCode(reason), reason))
	}

	s.namespace.logger.Debug("socket disconnected", "sid", s.id, "reason", reason)
	return err
}

func (s *Socket) handleFrame(data []byte) {
	s.namespace.server.stats.received(len(data))

	packet, err := DecodePacket(data)
	if err != nil {
		s.protocolError(data, err)
		return
	}
	if packet.Namespace != "" && packet.Namespace != s.namespace.name {
		s.protocolError(data, fmt.Errorf("packet addressed to namespace %q", packet.Namespace))
		return
	}

	switch {
	case packet.IsAck():
		var replyErr error
		if packet.Error != "" {
			replyErr = errors.New(packet.Error)
		}
		if !s.acks.settle(packet.ID, packet.Data, replyErr) {
			s.namespace.logger.Debug("dropping ack with unknown id", "sid", s.id, "id", packet.ID)
		}
	case packet.Type == TypeDisconnect:
		_ = s.disconnect(ReasonClientDisconnect, true, false)
	case IsReserved(packet.Type):
		s.protocolError(data, fmt.Errorf("reserved event %q sent by client", packet.Type))
	default:
		var reply ReplyFunc
		if packet.AckRequested {
			reply = s.replier(packet.ID)
		}
		s.dispatch(packet.Type, packet.Data, reply)
	}
}

func (s *Socket) replier(id string) ReplyFunc {
	var sent atomic.Bool
	return func(data any, err error) {
		if !sent.CompareAndSwap(false, true) {
			return
		}
		if serr := s.send(newAckPacket(s.namespace.name, id, data, err), false); serr != nil {
			s.namespace.logger.Debug("ack reply not delivered", "sid", s.id, "id", id, "err", serr)
		}
	}
}

func (s *Socket) protocolError(frame []byte, err error) {
	perr := &ProtocolError{SocketID: s.id, Frame: frame, Err: err}
	s.namespace.logger.Debug("protocol error", "sid", s.id, "err", err)

	_ = s.send(&Packet{
		Type:      TypeError,
		Namespace: s.namespace.name,
		Data:      map[string]any{"message": err.Error()},
	}, false)
	s.fire(TypeError, perr, nil)
}

func (s *Socket) dispatch(event string, data any, reply ReplyFunc) {
	s.fire(event, data, reply)

	s.handlersMu.RLock()
	listeners := append([]AnyHandler(nil), s.anyHandlers...)
	s.handlersMu.RUnlock()

	for _, fn := range listeners {
		s.safeCall(event, func() { fn(s, event, data) })
	}
}

// fire runs the handlers of event in registration order, dropping once-only ones
func (s *Socket) fire(event string, data any, reply ReplyFunc) {
	s.handlersMu.Lock()
	entries := s.handlers[event]
	if len(entries) == 0 {
		s.handlersMu.Unlock()
		return
	}
	snapshot := append([]*handlerEntry(nil), entries...)
	kept := make([]*handlerEntry, 0, len(entries))
	for _, e := range entries {
		if !e.once {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.handlers, event)
	} else {
		s.handlers[event] = kept
	}
	s.handlersMu.Unlock()

	for _, e := range snapshot {
		fn := e.fn
		s.safeCall(event, func() { fn(s, data, reply) })
	}
}

func (s *Socket) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.namespace.logger.Error("event handler panicked", "sid", s.id, "event", event, "panic", r)
		}
	}()
	fn()
}

func closeCode(reason string) int {
	if reason == ReasonAdmissionRefused {
		return CloseAdmissionRefused
	}
	return CloseNormal
}

func mustRoom(room string) {
	if room == "" {
		panic("roomio: empty room name")
	}
}
