package roomio

import (
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ramory-l/roomio/engine"
)

// fakeConn is an in-memory Conn that records what the server sends
type fakeConn struct {
	id        string
	handshake engine.Handshake
	alive     atomic.Bool

	mu          sync.Mutex
	sent        [][]byte
	topics      map[string]struct{}
	sendErr     error
	closeCode   int
	closeReason string
	onMessage   func([]byte)
	onClose     func(string)
}

func newFakeConn(id string) *fakeConn {
	c := &fakeConn{
		id: id,
		handshake: engine.Handshake{
			Time:       time.Now(),
			URL:        "/socket.io/",
			Query:      url.Values{},
			RemoteAddr: "127.0.0.1:40000",
		},
		topics: make(map[string]struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *fakeConn) inNamespace(name string) *fakeConn {
	c.handshake.Query.Set("namespace", name)
	return c
}

func (c *fakeConn) ID() string                  { return c.id }
func (c *fakeConn) Handshake() engine.Handshake { return c.handshake }
func (c *fakeConn) Alive() bool                 { return c.alive.Load() }

func (c *fakeConn) Send(data []byte, compress bool) error {
	if !c.alive.Load() {
		return engine.ErrSessionClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) Subscribe(topic string) {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
}

func (c *fakeConn) Unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (c *fakeConn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *fakeConn) Close(code int, reason string) error {
	if !c.alive.Swap(false) {
		return nil
	}
	c.mu.Lock()
	c.closeCode = code
	c.closeReason = reason
	handler := c.onClose
	c.mu.Unlock()

	if handler != nil {
		handler(reason)
	}
	return nil
}

func (c *fakeConn) closed() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, !c.alive.Load()
}

func (c *fakeConn) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnClose(fn func(string)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// receive simulates a frame from the client
func (c *fakeConn) receive(t *testing.T, p *Packet) {
	t.Helper()
	data, err := p.Encode()
	require.NoError(t, err)
	c.receiveRaw(data)
}

func (c *fakeConn) receiveRaw(data []byte) {
	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	handler(data)
}

func (c *fakeConn) packets(t *testing.T) []*Packet {
	t.Helper()
	c.mu.Lock()
	frames := append([][]byte(nil), c.sent...)
	c.mu.Unlock()

	out := make([]*Packet, 0, len(frames))
	for _, f := range frames {
		p, err := DecodePacket(f)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

// events returns the sent packets of the given type
func (c *fakeConn) events(t *testing.T, event string) []*Packet {
	t.Helper()
	var out []*Packet
	for _, p := range c.packets(t) {
		if p.Type == event {
			out = append(out, p)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Logger = testLogger()
	server := NewServer(cfg)
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func accept(t *testing.T, server *Server, conn *fakeConn) *Socket {
	t.Helper()
	socket, err := server.Accept(conn)
	require.NoError(t, err)
	return socket
}
