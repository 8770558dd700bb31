package roomio

import "github.com/ramory-l/roomio/engine"

// Close codes used when the server closes a transport connection
const (
	CloseNormal           = 1000
	CloseInvalidNamespace = 4004
	CloseAdmissionRefused = 4003
)

// Conn is a transport connection a socket runs on.
// *engine.Session implements it; other transports can be plugged in through Server.Accept.
type Conn interface {
	ID() string
	Handshake() engine.Handshake

	// Send delivers one message, reporting failure instead of panicking
	Send(data []byte, compress bool) error

	Subscribe(topic string)
	Unsubscribe(topic string)

	// Alive reports whether the connection is still open
	Alive() bool

	Close(code int, reason string) error

	OnMessage(fn func(data []byte))
	OnClose(fn func(reason string))
}

// Publisher fans a message out to every connection subscribed to a topic
type Publisher interface {
	Publish(topic string, data []byte, compress bool) (int, error)
}
