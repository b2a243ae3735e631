package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/classquiz/internal/domain"
)

const defaultMaxConcurrent = 100

type Config struct {
	Redis         redis.UniversalClient
	Prefix        string
	MaxConcurrent int
}

// Redis fans notifications out over Redis pub/sub, one channel per student.
type Redis struct {
	redis         redis.UniversalClient
	prefix        string
	maxConcurrent int
}

func NewRedis(c Config) *Redis {
	n := c.MaxConcurrent
	if n <= 0 {
		n = defaultMaxConcurrent
	}

	return &Redis{
		redis:         c.Redis,
		prefix:        c.Prefix,
		maxConcurrent: n,
	}
}

func (r *Redis) PublishStudent(ctx context.Context, s domain.Student) error {
	return r.publish(ctx, studentChannel(r.prefix, s.TestPin, s.Username), studentNotification(s))
}

// PublishSession notifies every student of the roster about the session's new state.
func (r *Redis) PublishSession(ctx context.Context, s domain.TestSession, roster []domain.Student) error {
	n := sessionNotification(s)

	var eg errgroup.Group
	eg.SetLimit(r.maxConcurrent)

	for _, st := range roster {
		eg.Go(func() error {
			return r.publish(ctx, studentChannel(r.prefix, s.Pin, st.Username), n)
		})
	}

	return eg.Wait()
}

func (r *Redis) publish(ctx context.Context, channel string, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("realtime: marshal %s: %v", n.Event, err)
	}

	if err := r.redis.Publish(ctx, channel, b).Err(); err != nil {
		return fmt.Errorf("realtime: publish %s: %w", n.Event, err)
	}

	return nil
}

// Subscribe listens on the student's channel. The subscription is confirmed by Redis before
// Subscribe returns and ends when ctx is done or Close is called.
func (r *Redis) Subscribe(ctx context.Context, pin, username string) (*Subscription, error) {
	channel := studentChannel(r.prefix, pin, username)

	ps := r.redis.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("realtime: subscribe %s: %w", channel, err)
	}

	out := make(chan Notification, subscriptionBuffer)
	done := make(chan struct{})
	msgs := ps.Channel()

	go func() {
		defer close(out)

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = ps.Close()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var n Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					slog.WarnContext(ctx, "realtime: drop malformed notification", "channel", channel, "error", err)
					continue
				}

				select {
				case out <- n:
				case <-done:
					return
				}
			}
		}
	}()

	return newSubscription(out, func() {
		close(done)
		_ = ps.Close()
	}), nil
}
