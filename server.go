package roomio

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/ramory-l/roomio/engine"
)

// Server represents a broadcast server: a tree of namespaces over a transport
type Server struct {
	config Config
	eio    *engine.Server
	root   *Namespace
	stats  *counters
	logger *slog.Logger

	// publisher is the transport used for single-room topic publishing
	publisher Publisher
	// foreign is set once a connection that is not an engine session is accepted
	foreign atomic.Bool
	closed  atomic.Bool
}

// NewServer creates a new server. A nil config uses DefaultConfig.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := config.sanitize()

	eio := engine.NewServer(&engine.Config{
		PingInterval:      cfg.PingInterval,
		PingTimeout:       cfg.PingTimeout,
		MaxPayload:        cfg.MaxPayload,
		AllowedOrigins:    cfg.AllowedOrigins,
		EnableCompression: cfg.EnableCompression,
		PreserveSessionID: cfg.PreserveSessionID,
		Logger:            cfg.Logger,
	})

	server := &Server{
		config:    cfg,
		eio:       eio,
		stats:     newCounters(),
		logger:    cfg.Logger,
		publisher: eio,
	}
	server.root = newNamespace("/", server, nil)

	// Handle transport connections
	eio.OnConnect(func(session *engine.Session) {
		if _, err := server.Accept(session); err != nil {
			server.logger.Debug("session not admitted", "sid", session.ID(), "err", err)
		}
	})

	return server
}

// Of returns a namespace, creating it if it doesn't exist
func (s *Server) Of(name string) *Namespace {
	name = normalizeNamespace(name)
	if name == "/" {
		return s.root
	}
	return s.root.child(name)
}

func (s *Server) lookup(name string) (*Namespace, bool) {
	name = normalizeNamespace(name)
	if name == "/" {
		return s.root, true
	}
	return s.root.lookupChild(name)
}

// OnConnection sets a connection handler on the default namespace
func (s *Server) OnConnection(handler ConnectionHandler) {
	s.root.OnConnection(handler)
}

// Use adds middleware to the default namespace
func (s *Server) Use(mw Middleware) {
	s.root.Use(mw)
}

// Emit broadcasts to all clients in the default namespace
func (s *Server) Emit(event string, data any) error {
	return s.root.Emit(event, data)
}

// To returns a BroadcastOperator for the default namespace
func (s *Server) To(rooms ...string) BroadcastOperator {
	return s.root.To(rooms...)
}

// In is an alias of To
func (s *Server) In(rooms ...string) BroadcastOperator {
	return s.root.In(rooms...)
}

// Except returns a BroadcastOperator of the default namespace without the given sockets
func (s *Server) Except(socketIDs ...string) BroadcastOperator {
	return s.root.Except(socketIDs...)
}

// Sockets returns the sockets of the default namespace
func (s *Server) Sockets() []*Socket {
	return s.root.Sockets()
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.eio.ServeHTTP(w, r)
}

// Engine returns the underlying transport server
func (s *Server) Engine() *engine.Server {
	return s.eio
}

// Stats returns a snapshot of the connection and traffic counters
func (s *Server) Stats() Stats {
	return s.stats.snapshot()
}

// Accept admits conn to the namespace named by its handshake "namespace"
// query parameter, the default namespace when absent.
func (s *Server) Accept(conn Conn) (*Socket, error) {
	if _, ok := conn.(*engine.Session); !ok {
		// room topics only reach engine sessions
		s.foreign.Store(true)
	}

	if s.closed.Load() {
		s.stats.refused()
		_ = conn.Close(CloseNormal, ReasonServerShutdown)
		return nil, &AdmissionError{SocketID: conn.ID(), Err: ErrSocketDisconnected}
	}

	name := conn.Handshake().Query.Get("namespace")
	ns, ok := s.lookup(name)
	if !ok {
		s.stats.refused()
		s.logger.Info("connection to unknown namespace", "namespace", name, "sid", conn.ID())
		_ = conn.Close(CloseInvalidNamespace, "invalid namespace")
		return nil, &AdmissionError{SocketID: conn.ID(), Err: ErrInvalidNamespace}
	}

	return ns.admit(conn)
}

func (s *Server) topicPublisher() (Publisher, bool) {
	if s.publisher == nil || s.foreign.Load() {
		return nil, false
	}
	return s.publisher, true
}

// Shutdown stops accepting connections, disconnects every socket in every
// namespace and closes the transport. It returns early when ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.eio.StopAccepting()

	errs := s.root.shutdown(ctx)
	if err := ctx.Err(); err != nil {
		return multierr.Append(errs, err)
	}

	s.eio.Close()
	s.logger.Info("server shut down", "connections", s.stats.snapshot().TotalConnections)
	return errs
}

// Close shuts the server down without a deadline
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}
