// Package poll re-synchronises state from the store at a fixed interval while a key (a session
// PIN) is current.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultInterval = 5 * time.Second

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type RefreshFunc func(ctx context.Context, key string) error

type Config struct {
	Interval      time.Duration
	NewTickerFunc func(d time.Duration) Ticker
	Refresh       RefreshFunc

	// OnRefresh, if set, is called after every tick with the refresh outcome.
	OnRefresh func(key string, err error)
}

// Scheduler runs at most one polling loop. Starting it for another key replaces the running loop.
type Scheduler struct {
	interval  time.Duration
	newTicker func(d time.Duration) Ticker
	refresh   RefreshFunc
	onRefresh func(key string, err error)

	group singleflight.Group

	mu     sync.Mutex
	key    string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(c Config) *Scheduler {
	s := &Scheduler{
		interval:  c.Interval,
		newTicker: c.NewTickerFunc,
		refresh:   c.Refresh,
		onRefresh: c.OnRefresh,
	}

	if s.interval <= 0 {
		s.interval = defaultInterval
	}

	if s.newTicker == nil {
		s.newTicker = newTimeTicker
	}

	return s
}

// Start begins polling key. It is a no-op when key is already being polled.
func (s *Scheduler) Start(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil && s.key == key {
		return
	}
	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.key, s.cancel, s.done = key, cancel, done

	go s.run(ctx, key, s.newTicker(s.interval), done)
}

// Stop cancels the running loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel == nil {
		return
	}

	s.cancel()
	<-s.done

	s.key, s.cancel, s.done = "", nil, nil
}

// Key returns the key currently polled, or "" when stopped.
func (s *Scheduler) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.key
}

// Refresh runs the refresh function immediately. Concurrent calls for the same key share one
// round trip, including the one issued by the ticker.
func (s *Scheduler) Refresh(ctx context.Context, key string) error {
	_, err, _ := s.group.Do(key, func() (any, error) {
		return nil, s.refresh(ctx, key)
	})
	return err
}

func (s *Scheduler) run(ctx context.Context, key string, t Ticker, done chan struct{}) {
	defer close(done)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			err := s.Refresh(ctx, key)
			if ctx.Err() != nil {
				return
			}

			if err != nil {
				slog.ErrorContext(ctx, "poll: refresh failed", "key", key, "error", err)
			}

			if s.onRefresh != nil {
				s.onRefresh(key, err)
			}
		}
	}
}

type timeTicker struct {
	t *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }

func (t timeTicker) Stop() { t.t.Stop() }
