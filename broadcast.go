package roomio

import (
	"fmt"
	"sort"

	"go.uber.org/multierr"
)

// BroadcastOperator selects the sockets an emission goes to.
// It is a value: every modifier returns a new operator and leaves the receiver untouched.
// Operators come from Server, Namespace or Socket; the zero value resolves to
// nothing and its Emit returns ErrUnboundOperator.
type BroadcastOperator struct {
	namespace *Namespace
	rooms     []string
	except    []string
	flags     BroadcastFlags
}

// To adds rooms to broadcast to. The target is the union of all rooms added.
func (b BroadcastOperator) To(rooms ...string) BroadcastOperator {
	for _, room := range rooms {
		mustRoom(room)
	}
	b.rooms = appendUnique(b.rooms, rooms...)
	return b
}

// In is an alias of To
func (b BroadcastOperator) In(rooms ...string) BroadcastOperator {
	return b.To(rooms...)
}

// Except excludes specific socket IDs from the broadcast
func (b BroadcastOperator) Except(socketIDs ...string) BroadcastOperator {
	b.except = appendUnique(b.except, socketIDs...)
	return b
}

// Compress sets whether the frames are sent compressed
func (b BroadcastOperator) Compress(v bool) BroadcastOperator {
	b.flags.Compress = v
	return b
}

// Volatile skips sockets that cannot take the message right now
func (b BroadcastOperator) Volatile() BroadcastOperator {
	b.flags.Volatile = true
	return b
}

// Local restricts the broadcast to this process
func (b BroadcastOperator) Local() BroadcastOperator {
	b.flags.Local = true
	return b
}

// Options returns the target in adapter terms
func (b BroadcastOperator) Options() BroadcastOptions {
	return BroadcastOptions{
		Rooms:  append([]string(nil), b.rooms...),
		Except: append([]string(nil), b.except...),
		Flags:  b.flags,
	}
}

// Emit broadcasts an event. Failed deliveries do not stop the others;
// they are returned combined and can be split with multierr.Errors.
func (b BroadcastOperator) Emit(event string, data any) error {
	if IsReserved(event) {
		return fmt.Errorf("%w: %q", ErrReservedEvent, event)
	}
	if b.namespace == nil {
		return ErrUnboundOperator
	}

	packet := newEventPacket(b.namespace.name, event, data)
	opts := b.Options()

	err := b.namespace.broadcast(packet, opts)
	if !opts.Flags.Local {
		if ferr := b.namespace.adapter.Fanout(packet, opts); ferr != nil {
			err = multierr.Append(err, ferr)
		}
	}
	return err
}

// Members returns the IDs of the local sockets the target resolves to
func (b BroadcastOperator) Members() []string {
	sockets := b.resolve()
	ids := make([]string, 0, len(sockets))
	for _, s := range sockets {
		ids = append(ids, s.id)
	}
	sort.Strings(ids)
	return ids
}

// FetchSockets returns the local sockets the target resolves to
func (b BroadcastOperator) FetchSockets() []*Socket {
	sockets := b.resolve()
	sort.Slice(sockets, func(i, j int) bool { return sockets[i].id < sockets[j].id })
	return sockets
}

// SocketsJoin makes every matching socket join rooms
func (b BroadcastOperator) SocketsJoin(rooms ...string) error {
	var errs error
	for _, s := range b.resolve() {
		errs = multierr.Append(errs, s.Join(rooms...))
	}
	return errs
}

// SocketsLeave makes every matching socket leave rooms
func (b BroadcastOperator) SocketsLeave(rooms ...string) error {
	var errs error
	for _, s := range b.resolve() {
		for _, room := range rooms {
			errs = multierr.Append(errs, s.Leave(room))
		}
	}
	return errs
}

// DisconnectSockets disconnects every matching socket
func (b BroadcastOperator) DisconnectSockets(close bool) error {
	var errs error
	for _, s := range b.resolve() {
		if err := s.Disconnect(close); err != nil {
			errs = multierr.Append(errs, &DeliveryError{SocketID: s.id, Err: err})
		}
	}
	return errs
}

func (b BroadcastOperator) resolve() []*Socket {
	if b.namespace == nil {
		return nil
	}
	return b.namespace.resolve(b.Options())
}

func appendUnique(dst []string, values ...string) []string {
	out := make([]string, 0, len(dst)+len(values))
	seen := make(map[string]struct{}, len(dst)+len(values))
	for _, v := range dst {
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
