package roomio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceOfIsMemoized(t *testing.T) {
	server := newTestServer(t, nil)

	chat := server.Of("/chat")
	assert.Same(t, chat, server.Of("/chat"))
	assert.Same(t, chat, server.Of("chat"))
	assert.Same(t, server.Of("/"), server.Of(""))
	assert.NotSame(t, chat, server.Of("/"))

	assert.Equal(t, "/chat", chat.Name())
	assert.Same(t, server.Of("/"), chat.Parent())
	assert.Nil(t, server.Of("/").Parent())
	assert.Same(t, server, chat.Server())
	assert.NotSame(t, chat.Adapter(), server.Of("/").Adapter())
}

func TestNamespaceHandlersAreIsolated(t *testing.T) {
	server := newTestServer(t, nil)

	var rootHits, chatHits atomic.Int32
	server.OnConnection(func(s *Socket) {
		s.On("hello", func(*Socket, any, ReplyFunc) { rootHits.Add(1) })
	})
	server.Of("/chat").OnConnection(func(s *Socket) {
		s.On("hello", func(*Socket, any, ReplyFunc) { chatHits.Add(1) })
	})

	conn := newFakeConn("c1").inNamespace("/chat")
	socket := accept(t, server, conn)
	assert.Same(t, server.Of("/chat"), socket.Namespace())

	conn.receive(t, &Packet{Type: "hello"})

	require.Eventually(t, func() bool { return chatHits.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, rootHits.Load())
	assert.Empty(t, server.Sockets())
	assert.Len(t, server.Of("/chat").Sockets(), 1)
}

func TestNamespaceMiddlewareAbort(t *testing.T) {
	server := newTestServer(t, nil)
	ns := server.Of("/")

	var secondRan, connected, connectFired atomic.Bool
	var admissionErr atomic.Value
	ns.Use(func(s *Socket, next func(error)) {
		s.On(TypeConnect, func(*Socket, any, ReplyFunc) { connectFired.Store(true) })
		s.On(TypeError, func(_ *Socket, data any, _ ReplyFunc) { admissionErr.Store(data) })
		next(errors.New("unauthorized"))
	})
	ns.Use(func(s *Socket, next func(error)) {
		secondRan.Store(true)
		next(nil)
	})
	ns.OnConnection(func(*Socket) { connected.Store(true) })

	conn := newFakeConn("c1")
	socket, err := server.Accept(conn)
	require.Error(t, err)
	assert.Nil(t, socket)

	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "c1", aerr.SocketID)
	assert.EqualError(t, aerr.Err, "unauthorized")

	assert.False(t, secondRan.Load())
	assert.False(t, connected.Load())
	assert.False(t, connectFired.Load())
	assert.IsType(t, &AdmissionError{}, admissionErr.Load())

	assert.Empty(t, conn.events(t, TypeConnect))
	refused := conn.events(t, TypeConnectError)
	require.Len(t, refused, 1)
	assert.Equal(t, map[string]any{"message": "unauthorized"}, refused[0].Data)

	code, closed := conn.closed()
	assert.True(t, closed)
	assert.Equal(t, CloseAdmissionRefused, code)

	stats := server.Stats()
	assert.Equal(t, int64(1), stats.FailedConnections)
	assert.Zero(t, stats.ActiveConnections)
	assert.Empty(t, server.Sockets())
}

func TestNamespaceMiddlewareRunsInOrder(t *testing.T) {
	server := newTestServer(t, nil)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	server.Use(func(s *Socket, next func(error)) {
		record("auth")
		s.SetAuth("ada")
		// continuation from another goroutine
		go next(nil)
	})
	server.Use(func(s *Socket, next func(error)) {
		record("limit")
		next(nil)
	})
	server.OnConnection(func(s *Socket) {
		record("connection")
		assert.Equal(t, "ada", s.Auth())
		s.On(TypeConnect, func(*Socket, any, ReplyFunc) { record("connect") })
	})

	accept(t, server, newFakeConn("c1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"auth", "limit", "connection", "connect"}, order)
}

func TestNamespaceMiddlewareNextTwice(t *testing.T) {
	server := newTestServer(t, nil)

	server.Use(func(s *Socket, next func(error)) {
		next(nil)
		next(errors.New("ignored"))
	})

	socket := accept(t, server, newFakeConn("c1"))
	assert.True(t, socket.Connected())
}

func TestNamespaceMiddlewareTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond
	server := newTestServer(t, cfg)

	server.Use(func(s *Socket, next func(error)) {})

	_, err := server.Accept(newFakeConn("c1"))
	assert.ErrorIs(t, err, ErrAdmissionTimeout)
	assert.Equal(t, int64(1), server.Stats().FailedConnections)
}

func TestNamespaceMiddlewarePanic(t *testing.T) {
	server := newTestServer(t, nil)
	server.Use(func(s *Socket, next func(error)) { panic("bad middleware") })

	_, err := server.Accept(newFakeConn("c1"))
	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Contains(t, aerr.Err.Error(), "bad middleware")
}

func TestNamespaceNilRegistrationsPanic(t *testing.T) {
	server := newTestServer(t, nil)

	assert.Panics(t, func() { server.Use(nil) })
	assert.Panics(t, func() { server.OnConnection(nil) })

	socket := accept(t, server, newFakeConn("c1"))
	assert.Panics(t, func() { socket.On("x", nil) })
	assert.Panics(t, func() { socket.OnAny(nil) })
	assert.Panics(t, func() { _ = socket.EmitWithAck("x", nil, nil) })
}

func TestNamespaceUnknownIsRefused(t *testing.T) {
	server := newTestServer(t, nil)
	conn := newFakeConn("c1").inNamespace("/nope")

	_, err := server.Accept(conn)
	assert.ErrorIs(t, err, ErrInvalidNamespace)

	code, closed := conn.closed()
	assert.True(t, closed)
	assert.Equal(t, CloseInvalidNamespace, code)
	assert.Equal(t, int64(1), server.Stats().FailedConnections)

	_, exists := server.lookup("/nope")
	assert.False(t, exists, "client connections never create namespaces")
}

func TestNamespaceSupersession(t *testing.T) {
	server := newTestServer(t, nil)

	reasons := make(chan any, 1)
	server.OnConnection(func(s *Socket) {
		s.Once(TypeDisconnect, func(_ *Socket, reason any, _ ReplyFunc) { reasons <- reason })
	})

	first := newFakeConn("same")
	old := accept(t, server, first)
	require.NoError(t, old.Join("lobby"))

	second := newFakeConn("same")
	current := accept(t, server, second)

	assert.Equal(t, ReasonSuperseded, <-reasons)
	assert.Equal(t, StateClosed, old.State())
	_, closed := first.closed()
	assert.True(t, closed)

	got, ok := server.Of("/").Socket("same")
	require.True(t, ok)
	assert.Same(t, current, got)
	assert.Empty(t, server.To("lobby").Members())
	assert.Equal(t, int64(1), server.Stats().ActiveConnections)
}

func TestNamespaceDisconnectAllAndRooms(t *testing.T) {
	server := newTestServer(t, nil)
	ns := server.Of("/")

	s1 := accept(t, server, newFakeConn("s1"))
	s2 := accept(t, server, newFakeConn("s2"))
	require.NoError(t, s1.Join("lobby"))
	require.NoError(t, s2.Join("lobby", "vip"))

	assert.Equal(t, []string{"lobby", "s1", "s2", "vip"}, ns.Rooms())
	assert.Len(t, ns.FetchSockets(), 2)

	require.NoError(t, ns.DisconnectAll(true))
	assert.Empty(t, ns.Sockets())
	assert.Empty(t, ns.Rooms())
	assert.Zero(t, server.Stats().ActiveConnections)
	assert.Equal(t, int64(2), server.Stats().PeakConnections)
}

func TestServerShutdown(t *testing.T) {
	server := newTestServer(t, nil)
	chat := server.Of("/chat")

	rootConn := newFakeConn("r1")
	chatConn := newFakeConn("c1").inNamespace("/chat")
	accept(t, server, rootConn)
	var disconnected atomic.Bool
	chat.OnConnection(func(s *Socket) {
		s.On(TypeDisconnect, func(*Socket, any, ReplyFunc) { disconnected.Store(true) })
	})
	accept(t, server, chatConn)

	require.NoError(t, server.Shutdown(context.Background()))

	assert.True(t, disconnected.Load())
	for _, conn := range []*fakeConn{rootConn, chatConn} {
		_, closed := conn.closed()
		assert.True(t, closed)
		packets := conn.events(t, TypeDisconnect)
		require.Len(t, packets, 1)
		assert.Equal(t, ReasonServerShutdown, packets[0].Data)
	}
	assert.Empty(t, chat.Sockets())

	chat.handlersMu.RLock()
	assert.Empty(t, chat.onConnection)
	chat.handlersMu.RUnlock()

	_, err := server.Accept(newFakeConn("late"))
	assert.Error(t, err)
	assert.NoError(t, server.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestServerShutdownHonorsContext(t *testing.T) {
	server := newTestServer(t, nil)
	accept(t, server, newFakeConn("s1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := server.Shutdown(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServerStatsCounters(t *testing.T) {
	server := newTestServer(t, nil)
	conn := newFakeConn("s1")
	socket := accept(t, server, conn)

	var got atomic.Bool
	socket.On("ping", func(*Socket, any, ReplyFunc) { got.Store(true) })
	conn.receive(t, &Packet{Type: "ping"})
	require.Eventually(t, got.Load, time.Second, 5*time.Millisecond)

	require.NoError(t, socket.Emit("pong", nil))

	stats := server.Stats()
	assert.Equal(t, int64(1), stats.TotalConnections)
	assert.Equal(t, int64(1), stats.ActiveConnections)
	assert.Equal(t, int64(1), stats.MessagesReceived)
	assert.Positive(t, stats.BytesReceived)
	// connect packet and pong
	assert.Equal(t, int64(2), stats.MessagesSent)
	assert.Positive(t, stats.BytesSent)
}
