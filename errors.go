package roomio

import (
	"errors"
	"fmt"
)

var (
	// ErrAckTimeout is passed to an ack callback when no reply arrived in time
	ErrAckTimeout = errors.New("acknowledgment timed out")

	// ErrAckCancelled is passed to an ack callback when the socket disconnected first
	ErrAckCancelled = errors.New("acknowledgment cancelled: socket disconnected")

	// ErrSocketDisconnected is returned when emitting on a socket that is not connected
	ErrSocketDisconnected = errors.New("socket is not connected")

	// ErrReservedEvent is returned when an application emits a reserved event name
	ErrReservedEvent = errors.New("event name is reserved")

	// ErrAdmissionTimeout aborts admission when middleware never calls next
	ErrAdmissionTimeout = errors.New("middleware did not complete in time")

	// ErrInvalidNamespace is returned when a connection asks for an unknown namespace
	ErrInvalidNamespace = errors.New("invalid namespace")

	// ErrUnboundOperator is returned by a BroadcastOperator that no namespace created
	ErrUnboundOperator = errors.New("broadcast operator has no namespace")
)

// AdmissionError reports that middleware refused a connection
type AdmissionError struct {
	SocketID string
	Err      error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission of socket %s refused: %v", e.SocketID, e.Err)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// DeliveryError reports a failed send to one resolved socket
type DeliveryError struct {
	SocketID string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to socket %s failed: %v", e.SocketID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ProtocolError reports an inbound frame that could not be handled
type ProtocolError struct {
	SocketID string
	Frame    []byte
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from socket %s: %v", e.SocketID, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AdapterError reports that a membership change could not be propagated.
// The local index has already been updated when this is returned.
type AdapterError struct {
	Op       string
	SocketID string
	Room     string
	Err      error
}

func (e *AdapterError) Error() string {
	if e.Room == "" {
		return fmt.Sprintf("adapter %s for socket %s: %v", e.Op, e.SocketID, e.Err)
	}
	return fmt.Sprintf("adapter %s for socket %s in room %q: %v", e.Op, e.SocketID, e.Room, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }
