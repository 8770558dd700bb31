package engine

import (
	"sync"

	"go.uber.org/multierr"
)

// topicRegistry maps publish topics to their subscribed sessions
type topicRegistry struct {
	mu   sync.RWMutex
	subs map[string]map[*Session]struct{}
}

func newTopicRegistry() *topicRegistry {
	return &topicRegistry{subs: make(map[string]map[*Session]struct{})}
}

func (t *topicRegistry) subscribe(topic string, s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subs[topic] == nil {
		t.subs[topic] = make(map[*Session]struct{})
	}
	t.subs[topic][s] = struct{}{}
}

func (t *topicRegistry) unsubscribe(topic string, s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if subs := t.subs[topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(t.subs, topic)
		}
	}
}

func (t *topicRegistry) count(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[topic])
}

func (t *topicRegistry) publish(topic string, data []byte, compress bool) (int, error) {
	t.mu.RLock()
	targets := make([]*Session, 0, len(t.subs[topic]))
	for s := range t.subs[topic] {
		targets = append(targets, s)
	}
	t.mu.RUnlock()

	var (
		sent int
		errs error
	)
	for _, s := range targets {
		if err := s.Send(data, compress); err != nil {
			errs = multierr.Append(errs, &SendError{SessionID: s.id, Err: err})
			continue
		}
		sent++
	}
	return sent, errs
}
