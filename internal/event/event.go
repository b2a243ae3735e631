package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize = 64
	defaultTimeout  = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

type subscription struct {
	h    Handler
	pool chan struct{}
}

// Bus is an in-memory event bus. Every subscription owns its own worker pool so a slow
// handler only throttles itself.
type Bus struct {
	poolSize int
	timeout  time.Duration
	wg       *sync.WaitGroup

	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]*subscription
}

type Option func(b *Bus)

// WithPoolSize bounds the number of concurrently running invocations per handler.
func WithPoolSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.poolSize = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		poolSize: defaultPoolSize,
		timeout:  defaultTimeout,
		wg:       new(sync.WaitGroup),
		handlers: make(map[string]map[int]*subscription),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe to an event. The returned func removes the handler; it is safe to call more than once.
func (b *Bus) Subscribe(name string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if b.handlers[name] == nil {
		b.handlers[name] = make(map[int]*subscription)
	}
	b.handlers[name][id] = &subscription{
		h:    h,
		pool: make(chan struct{}, b.poolSize),
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.handlers[name], id)
		if len(b.handlers[name]) == 0 {
			delete(b.handlers, name)
		}
	}
}

// Publish an event
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.handlers[e.Name()]))
	for _, s := range b.handlers[e.Name()] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(ctx, s, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, s *subscription, e Event) {
	b.wg.Add(1)

	s.pool <- struct{}{}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "event: handler panic",
					"event", e.Name(),
					"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
				)
			}

			cancel()
			<-s.pool
			b.wg.Done()
		}()

		if err := s.h(ctx, e); err != nil {
			slog.ErrorContext(ctx, "event: handle event failed",
				"event", e.Name(),
				"error", err,
			)
		}
	}()
}

// Stop waits for all in-flight handlers to finish
func (b *Bus) Stop() {
	b.wg.Wait()
}
