package roomio

import (
	"sync"

	"github.com/eapache/queue"
)

// inbox records inbound frames in arrival order and hands them to a single
// drain goroutine, so handlers of one socket never run concurrently while
// the transport read loop never waits on them.
type inbox struct {
	mu      sync.Mutex
	frames  *queue.Queue
	open    bool
	running bool
	closed  bool
	handle  func([]byte)
}

func newInbox(handle func([]byte)) *inbox {
	return &inbox{frames: queue.New(), handle: handle}
}

func (b *inbox) push(frame []byte) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.frames.Add(frame)
	start := b.open && !b.running
	if start {
		b.running = true
	}
	b.mu.Unlock()

	if start {
		go b.drain()
	}
}

// start begins dispatching; frames pushed before it are kept and delivered first
func (b *inbox) start() {
	b.mu.Lock()
	b.open = true
	start := !b.closed && !b.running && b.frames.Length() > 0
	if start {
		b.running = true
	}
	b.mu.Unlock()

	if start {
		go b.drain()
	}
}

func (b *inbox) drain() {
	for {
		b.mu.Lock()
		if b.closed || b.frames.Length() == 0 {
			b.running = false
			b.mu.Unlock()
			return
		}
		frame := b.frames.Remove().([]byte)
		b.mu.Unlock()

		b.handle(frame)
	}
}

// close drops queued frames; a frame already being handled finishes
func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.frames = queue.New()
	b.mu.Unlock()
}
