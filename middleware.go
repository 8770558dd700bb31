package roomio

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Middleware runs before a socket is admitted to a namespace.
// It must call next exactly once: with nil to continue or with an error to refuse the socket.
// next may be called from another goroutine.
type Middleware func(s *Socket, next func(err error))

// Use appends middleware to the namespace chain
func (ns *Namespace) Use(mw Middleware) {
	if mw == nil {
		panic("roomio: nil middleware")
	}
	ns.handlersMu.Lock()
	ns.middleware = append(ns.middleware, mw)
	ns.handlersMu.Unlock()
}

func (ns *Namespace) runMiddleware(s *Socket) error {
	ns.handlersMu.RLock()
	chain := append([]Middleware(nil), ns.middleware...)
	ns.handlersMu.RUnlock()

	if len(chain) == 0 {
		return nil
	}

	timer := time.NewTimer(ns.server.config.ConnectTimeout)
	defer timer.Stop()

	for i, mw := range chain {
		done := make(chan error, 1)
		go ns.callMiddleware(mw, s, ns.continuation(s, i, done))

		select {
		case err := <-done:
			if err != nil {
				return err
			}
		case <-timer.C:
			return ErrAdmissionTimeout
		}
	}
	return nil
}

// continuation builds a next func that only forwards its first call
func (ns *Namespace) continuation(s *Socket, index int, done chan<- error) func(error) {
	var called atomic.Bool
	return func(err error) {
		if !called.CompareAndSwap(false, true) {
			ns.logger.Warn("middleware called next more than once", "sid", s.id, "index", index)
			return
		}
		done <- err
	}
}

func (ns *Namespace) callMiddleware(mw Middleware, s *Socket, next func(error)) {
	defer func() {
		if r := recover(); r != nil {
			next(fmt.Errorf("middleware panicked: %v", r))
		}
	}()
	mw(s, next)
}
