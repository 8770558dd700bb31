package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowClient    = errors.New("slow client")
)

// SendError is a failed send to one session of a topic publish
type SendError struct {
	SessionID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to session %s: %v", e.SessionID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Config holds transport configuration
type Config struct {
	PingInterval      time.Duration
	PingTimeout       time.Duration
	MaxPayload        int64
	AllowedOrigins    []string
	EnableCompression bool
	PreserveSessionID bool
	Logger            *slog.Logger
}

// DefaultConfig returns default transport configuration
func DefaultConfig() *Config {
	return &Config{
		PingInterval:   25 * time.Second,
		PingTimeout:    20 * time.Second,
		MaxPayload:     1e6, // 1MB
		AllowedOrigins: []string{"*"},
	}
}

// Server upgrades HTTP requests to WebSocket sessions
type Server struct {
	config    *Config
	upgrader  websocket.Upgrader
	sessions  sync.Map
	topics    *topicRegistry
	logger    *slog.Logger
	closing   atomic.Bool
	mu        sync.RWMutex
	onConnect func(*Session)
}

// NewServer creates a new transport server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	origins := newOriginPolicy(config.AllowedOrigins, logger)

	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin:       origins.check,
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: config.EnableCompression,
		},
		topics: newTopicRegistry(),
		logger: logger,
	}
}

// ServeHTTP handles HTTP requests and upgrades to WebSocket
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "only WebSocket transport is supported", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sid := s.sessionID(r)
	session := NewSession(sid, conn, s, NewHandshake(r))
	s.sessions.Store(sid, session)
	session.Start()

	s.mu.RLock()
	handler := s.onConnect
	s.mu.RUnlock()

	if handler != nil {
		handler(session)
	}
}

func (s *Server) sessionID(r *http.Request) string {
	if s.config.PreserveSessionID {
		if sid := r.URL.Query().Get("sid"); sid != "" {
			if _, err := uuid.Parse(sid); err == nil {
				return sid
			}
		}
	}
	return uuid.NewString()
}

// OnConnect sets the connection handler
func (s *Server) OnConnect(fn func(*Session)) {
	s.mu.Lock()
	s.onConnect = fn
	s.mu.Unlock()
}

// GetSession retrieves a session by ID
func (s *Server) GetSession(sid string) (*Session, bool) {
	val, ok := s.sessions.Load(sid)
	if !ok {
		return nil, false
	}
	return val.(*Session), true
}

// Publish sends data to every session subscribed to topic and
// returns the number of sessions that accepted it
func (s *Server) Publish(topic string, data []byte, compress bool) (int, error) {
	return s.topics.publish(topic, data, compress)
}

// StopAccepting refuses new upgrades with 503. Open sessions are left alone.
func (s *Server) StopAccepting() {
	s.closing.Store(true)
}

// Close stops accepting upgrades and closes all sessions
func (s *Server) Close() {
	s.StopAccepting()

	s.sessions.Range(func(key, value interface{}) bool {
		session := value.(*Session)
		_ = session.Close(websocket.CloseGoingAway, "server shutdown")
		return true
	})
}

// forget drops a session unless its sid has already been taken over
func (s *Server) forget(session *Session) {
	s.sessions.CompareAndDelete(session.id, session)
}
