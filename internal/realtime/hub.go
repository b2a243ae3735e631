package realtime

import (
	"context"
	"sync"

	"github.com/victornm/classquiz/internal/domain"
)

// Hub delivers notifications inside the process. It is used when no Redis is configured.
// A slow subscriber loses its oldest pending notification rather than blocking the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*hubSub]struct{}
}

type hubSub struct {
	c chan Notification

	mu     sync.Mutex
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSub]struct{})}
}

func (h *Hub) PublishStudent(_ context.Context, s domain.Student) error {
	h.deliver(studentChannel("", s.TestPin, s.Username), studentNotification(s))
	return nil
}

func (h *Hub) PublishSession(_ context.Context, s domain.TestSession, roster []domain.Student) error {
	n := sessionNotification(s)
	for _, st := range roster {
		h.deliver(studentChannel("", s.Pin, st.Username), n)
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, pin, username string) (*Subscription, error) {
	channel := studentChannel("", pin, username)
	sub := &hubSub{c: make(chan Notification, subscriptionBuffer)}

	h.mu.Lock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*hubSub]struct{})
	}
	h.subs[channel][sub] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	s := newSubscription(sub.c, func() {
		close(done)
		h.remove(channel, sub)
	})

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	return s, nil
}

func (h *Hub) remove(channel string, sub *hubSub) {
	h.mu.Lock()
	delete(h.subs[channel], sub)
	if len(h.subs[channel]) == 0 {
		delete(h.subs, channel)
	}
	h.mu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	close(sub.c)
	sub.mu.Unlock()
}

func (h *Hub) deliver(channel string, n Notification) {
	h.mu.RLock()
	subs := make([]*hubSub, 0, len(h.subs[channel]))
	for sub := range h.subs[channel] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.send(n)
	}
}

func (s *hubSub) send(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.c <- n:
		return
	default:
	}

	// drop oldest
	select {
	case <-s.c:
	default:
	}
	select {
	case s.c <- n:
	default:
	}
}
