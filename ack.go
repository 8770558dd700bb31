package roomio

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// AckFunc receives the reply to an EmitWithAck call, or ErrAckTimeout / ErrAckCancelled
type AckFunc func(data any, err error)

type pendingAck struct {
	fn    AckFunc
	timer *time.Timer
	done  atomic.Bool
}

// ackTable holds the acknowledgments a socket is waiting for.
// A reply, a timeout and a cancellation race through done; only the first one runs fn.
type ackTable struct {
	mu      sync.Mutex
	next    atomic.Uint64
	pending map[string]*pendingAck
	closed  bool
}

func newAckTable() *ackTable {
	return &ackTable{pending: make(map[string]*pendingAck)}
}

// register adds a pending entry. Once cancelAll has run it fails with ErrSocketDisconnected.
func (t *ackTable) register(fn AckFunc, timeout time.Duration) (string, error) {
	id := strconv.FormatUint(t.next.Add(1), 10)
	p := &pendingAck{fn: fn}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrSocketDisconnected
	}
	t.pending[id] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			t.settle(id, nil, ErrAckTimeout)
		})
	}
	t.mu.Unlock()

	return id, nil
}

func (t *ackTable) take(id string) *pendingAck {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return p
}

// settle resolves a pending entry and reports whether this call won the race
func (t *ackTable) settle(id string, data any, err error) bool {
	p := t.take(id)
	if p == nil || !p.done.CompareAndSwap(false, true) {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.fn(data, err)
	return true
}

// discard drops an entry without calling its callback
func (t *ackTable) discard(id string) {
	if p := t.take(id); p != nil && p.done.CompareAndSwap(false, true) && p.timer != nil {
		p.timer.Stop()
	}
}

// cancelAll resolves every pending entry with err and closes the table
func (t *ackTable) cancelAll(err error) int {
	t.mu.Lock()
	t.closed = true
	pending := t.pending
	t.pending = make(map[string]*pendingAck)
	t.mu.Unlock()

	n := 0
	for _, p := range pending {
		if !p.done.CompareAndSwap(false, true) {
			continue
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		p.fn(nil, err)
		n++
	}
	return n
}

func (t *ackTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
