package roomio

import (
	"context"
	"sync"
)

// Bus carries adapter envelopes between processes.
// Subscribers for a channel see every payload published on it, including their own.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, fn func(payload []byte)) (cancel func(), err error)
}

// LocalBus is an in-process Bus. Payloads are handed to subscribers synchronously.
type LocalBus struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]func([]byte)
	next    uint64
	failErr error
}

// NewLocalBus creates an empty in-process bus
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[uint64]func([]byte))}
}

// SetPublishError makes every Publish fail with err until it is reset with nil
func (b *LocalBus) SetPublishError(err error) {
	b.mu.Lock()
	b.failErr = err
	b.mu.Unlock()
}

// Publish delivers payload to every subscriber of channel
func (b *LocalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.failErr != nil {
		err := b.failErr
		b.mu.RUnlock()
		return err
	}
	handlers := make([]func([]byte), 0, len(b.subs[channel]))
	for _, fn := range b.subs[channel] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(append([]byte(nil), payload...))
	}
	return nil
}

// Subscribe registers fn for channel
func (b *LocalBus) Subscribe(channel string, fn func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]func([]byte))
	}
	b.subs[channel][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], id)
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
			b.mu.Unlock()
		})
	}, nil
}
