package engine

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type frame struct {
	data     []byte
	compress bool
}

// Session represents a single upgraded WebSocket connection
type Session struct {
	id         string
	conn       *websocket.Conn
	server     *Server
	handshake  Handshake
	outgoing   chan frame
	closeOnce  sync.Once
	closed     chan struct{}
	closeMsg   []byte
	writerDone chan struct{}
	alive      atomic.Bool
	mu         sync.RWMutex
	onClose    func(string)
	msgMu      sync.Mutex
	onMessage  func([]byte)
	pending    [][]byte
	topicsMu   sync.Mutex
	topics     map[string]struct{}
}

// NewSession creates a new session
func NewSession(id string, conn *websocket.Conn, server *Server, handshake Handshake) *Session {
	s := &Session{
		id:         id,
		conn:       conn,
		server:     server,
		handshake:  handshake,
		outgoing:   make(chan frame, 256),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
		topics:     make(map[string]struct{}),
	}
	s.alive.Store(true)

	return s
}

// ID returns the session ID
func (s *Session) ID() string {
	return s.id
}

// Handshake returns a copy of the upgrade request metadata
func (s *Session) Handshake() Handshake {
	return s.handshake.Clone()
}

// Alive reports whether the connection is still open
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// Start starts the session loops
func (s *Session) Start() {
	go s.writeLoop()
	go s.readLoop()
}

// Send queues a message for the client
func (s *Session) Send(data []byte, compress bool) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outgoing <- frame{data: data, compress: compress}:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		// Channel full, connection might be slow
		return ErrSlowClient
	}
}

// Subscribe adds the session to a publish topic
func (s *Session) Subscribe(topic string) {
	s.topicsMu.Lock()
	s.topics[topic] = struct{}{}
	s.topicsMu.Unlock()

	s.server.topics.subscribe(topic, s)
}

// Unsubscribe removes the session from a publish topic
func (s *Session) Unsubscribe(topic string) {
	s.topicsMu.Lock()
	delete(s.topics, topic)
	s.topicsMu.Unlock()

	s.server.topics.unsubscribe(topic, s)
}

// Close flushes queued messages, sends a close frame with the given code and
// closes the connection. Only the first call has an effect.
func (s *Session) Close(code int, reason string) error {
	var (
		err   error
		fired bool
	)
	s.closeOnce.Do(func() {
		fired = true
		s.alive.Store(false)
		s.closeMsg = websocket.FormatCloseMessage(code, reason)
		close(s.closed)

		// the write loop sends the close frame once its queue is empty
		select {
		case <-s.writerDone:
		case <-time.After(writeWait):
		}
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}

		s.topicsMu.Lock()
		for topic := range s.topics {
			s.server.topics.unsubscribe(topic, s)
		}
		s.topics = make(map[string]struct{})
		s.topicsMu.Unlock()

		s.server.forget(s)
	})

	// the close handler may call Close again, so it runs outside the once
	if fired {
		s.mu.RLock()
		handler := s.onClose
		s.mu.RUnlock()
		if handler != nil {
			handler(reason)
		}
	}
	return err
}

// OnMessage sets the message handler. Frames read before a handler was set
// are handed to fn first. fn runs on the read loop and must not block.
func (s *Session) OnMessage(fn func([]byte)) {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()

	s.onMessage = fn
	if fn == nil {
		return
	}
	for _, data := range s.pending {
		fn(data)
	}
	s.pending = nil
}

// OnClose sets the close handler
func (s *Session) OnClose(fn func(string)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

func (s *Session) readLoop() {
	reason := "transport error"
	defer func() {
		_ = s.Close(websocket.CloseNormalClosure, reason)
	}()

	cfg := s.server.config
	deadline := cfg.PingInterval + cfg.PingTimeout

	s.conn.SetReadLimit(cfg.MaxPayload)
	_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				reason = "message too big"
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				reason = "transport close"
			}
			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(deadline))

		s.msgMu.Lock()
		if s.onMessage != nil {
			s.onMessage(data)
		} else {
			s.pending = append(s.pending, data)
		}
		s.msgMu.Unlock()
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)

	ticker := time.NewTicker(s.server.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.outgoing:
			if err := s.write(f, time.Now().Add(writeWait)); err != nil {
				go s.Close(websocket.CloseGoingAway, "write error")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				go s.Close(websocket.CloseGoingAway, "ping error")
				return
			}
		case <-s.closed:
			s.flush()
			return
		}
	}
}

func (s *Session) write(f frame, deadline time.Time) error {
	_ = s.conn.SetWriteDeadline(deadline)
	s.conn.EnableWriteCompression(f.compress)
	return s.conn.WriteMessage(websocket.TextMessage, f.data)
}

// flush writes what is still queued, then the close frame
func (s *Session) flush() {
	deadline := time.Now().Add(writeWait)
	for {
		select {
		case f := <-s.outgoing:
			if err := s.write(f, deadline); err != nil {
				return
			}
		default:
			_ = s.conn.WriteControl(websocket.CloseMessage, s.closeMsg, deadline)
			return
		}
	}
}
