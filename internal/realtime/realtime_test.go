package realtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/classquiz/internal/domain"
	"github.com/victornm/classquiz/internal/realtime"
)

type notifier interface {
	PublishStudent(ctx context.Context, s domain.Student) error
	PublishSession(ctx context.Context, s domain.TestSession, roster []domain.Student) error
	Subscribe(ctx context.Context, pin, username string) (*realtime.Subscription, error)
}

func newRedisNotifier(t *testing.T) notifier {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return realtime.NewRedis(realtime.Config{Redis: client, Prefix: "classquiz", MaxConcurrent: 2})
}

func newHubNotifier(t *testing.T) notifier {
	return realtime.NewHub()
}

func TestNotifier(t *testing.T) {
	impls := map[string]func(t *testing.T) notifier{
		"redis": newRedisNotifier,
		"hub":   newHubNotifier,
	}

	for name, newNotifier := range impls {
		t.Run(name, func(t *testing.T) {
			t.Run("student update reaches only that student", func(t *testing.T) {
				ctx := context.Background()
				n := newNotifier(t)

				bob, err := n.Subscribe(ctx, "123456", "Bob")
				require.NoError(t, err)
				defer bob.Close()

				alice, err := n.Subscribe(ctx, "123456", "Alice")
				require.NoError(t, err)
				defer alice.Close()

				require.NoError(t, n.PublishStudent(ctx, domain.Student{TestPin: "123456", Username: "Bob", Status: domain.StudentApproved}))

				got := receive(t, bob)
				assert.Equal(t, realtime.EventStudentUpdated, got.Event)
				assert.Equal(t, "123456", got.Pin)
				require.NotNil(t, got.Student)
				assert.Equal(t, domain.StudentApproved, got.Student.Status)

				assertSilent(t, alice)
			})

			t.Run("session update fans out to the roster", func(t *testing.T) {
				ctx := context.Background()
				n := newNotifier(t)

				usernames := []string{"Alice", "Bob", "Carol"}
				subs := make([]*realtime.Subscription, 0, len(usernames))
				roster := make([]domain.Student, 0, len(usernames))
				for _, u := range usernames {
					s, err := n.Subscribe(ctx, "123456", u)
					require.NoError(t, err)
					defer s.Close()
					subs = append(subs, s)
					roster = append(roster, domain.Student{TestPin: "123456", Username: u})
				}

				sess := domain.TestSession{Pin: "123456", Status: domain.SessionStarted, IsActive: true}
				require.NoError(t, n.PublishSession(ctx, sess, roster))

				for _, s := range subs {
					got := receive(t, s)
					assert.Equal(t, realtime.EventSessionUpdated, got.Event)
					require.NotNil(t, got.Session)
					assert.Equal(t, domain.SessionStarted, got.Session.Status)
				}
			})

			t.Run("close ends the channel", func(t *testing.T) {
				n := newNotifier(t)

				s, err := n.Subscribe(context.Background(), "123456", "Alice")
				require.NoError(t, err)

				s.Close()
				s.Close()

				assertClosed(t, s)
			})

			t.Run("context cancellation ends the subscription", func(t *testing.T) {
				n := newNotifier(t)
				ctx, cancel := context.WithCancel(context.Background())

				s, err := n.Subscribe(ctx, "123456", "Alice")
				require.NoError(t, err)
				defer s.Close()

				cancel()
				assertClosed(t, s)
			})
		})
	}
}

func TestHub_SlowSubscriberKeepsNewest(t *testing.T) {
	ctx := context.Background()
	h := realtime.NewHub()

	s, err := h.Subscribe(ctx, "123456", "Alice")
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, h.PublishStudent(ctx, domain.Student{TestPin: "123456", Username: "Alice", Score: i}))
	}
	require.NoError(t, h.PublishStudent(ctx, domain.Student{TestPin: "123456", Username: "Alice", Status: domain.StudentRejected}))

	var last realtime.Notification
	for {
		select {
		case n := <-s.C:
			last = n
			continue
		default:
		}
		break
	}

	require.NotNil(t, last.Student)
	assert.Equal(t, domain.StudentRejected, last.Student.Status)
}

func receive(t *testing.T, s *realtime.Subscription) realtime.Notification {
	t.Helper()

	select {
	case n, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
		return realtime.Notification{}
	}
}

func assertSilent(t *testing.T, s *realtime.Subscription) {
	t.Helper()

	select {
	case n := <-s.C:
		t.Fatalf("unexpected notification: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func assertClosed(t *testing.T, s *realtime.Subscription) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription not closed")
		}
	}
}
