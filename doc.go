// Package roomio provides a real-time broadcast server over WebSocket.
//
// Clients connect to a namespace, join rooms, and exchange named events with
// the server. The server emits to single sockets, to rooms, or to a whole
// namespace, and can ask for acknowledgments.
//
// # Features
//
//   - Namespaces with their own handlers, middleware and rooms
//   - Room membership through a pluggable Adapter (in-memory or clustered over a Bus)
//   - Fluent broadcast targeting with room union and socket exclusion
//   - Event acknowledgments with timeouts
//   - Admission middleware with a connect timeout
//   - Connection and traffic statistics
//
// # Quick Start
//
//	server := roomio.NewServer(nil)
//
//	server.OnConnection(func(socket *roomio.Socket) {
//	    socket.On("message", func(s *roomio.Socket, data any, reply roomio.ReplyFunc) {
//	        s.To("lobby").Emit("message", data)
//	    })
//
//	    socket.On("disconnect", func(s *roomio.Socket, reason any, _ roomio.ReplyFunc) {
//	        log.Printf("client disconnected: %s, reason: %v", s.ID(), reason)
//	    })
//	})
//
//	http.Handle("/socket.io/", server)
//	http.ListenAndServe(":3000", nil)
//
// # Namespaces
//
// A client picks its namespace with the "namespace" query parameter of the
// upgrade request. Namespaces must be created on the server with Of first.
//
//	admin := server.Of("/admin")
//	admin.Use(func(s *roomio.Socket, next func(error)) {
//	    if s.Handshake().Header.Get("Authorization") == "" {
//	        next(errors.New("unauthorized"))
//	        return
//	    }
//	    next(nil)
//	})
//
// # Rooms
//
// Every socket is in the room named by its own ID.
//
//	socket.Join("room1")
//	server.To("room1", "room2").Except(socket.ID()).Emit("news", "hello")
//	socket.Leave("room1")
//
// # Acknowledgments
//
//	socket.Timeout(5*time.Second).EmitWithAck("question", "name?", func(data any, err error) {
//	    if errors.Is(err, roomio.ErrAckTimeout) {
//	        return
//	    }
//	    log.Printf("client answered: %v", data)
//	})
//
// # Thread Safety
//
// All operations are goroutine-safe. Events of one socket are dispatched one
// at a time in arrival order; different sockets are handled concurrently.
package roomio
