// Package realtime pushes approval and session status changes to the waiting client of one
// student, so the client does not have to wait for the next poll.
package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/victornm/classquiz/internal/domain"
)

const (
	EventStudentUpdated = "student.updated"
	EventSessionUpdated = "session.updated"
)

const subscriptionBuffer = 8

type Notification struct {
	Event   string          `json:"event"`
	Pin     string          `json:"pin"`
	Student *StudentPayload `json:"student,omitempty"`
	Session *SessionPayload `json:"session,omitempty"`
}

type StudentPayload struct {
	Username    string               `json:"username"`
	Status      domain.StudentStatus `json:"status"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
}

type SessionPayload struct {
	Status   domain.SessionStatus `json:"status"`
	IsActive bool                 `json:"isActive"`
}

func studentNotification(s domain.Student) Notification {
	return Notification{
		Event: EventStudentUpdated,
		Pin:   s.TestPin,
		Student: &StudentPayload{
			Username:    s.Username,
			Status:      s.Status,
			CompletedAt: s.CompletedAt,
		},
	}
}

func sessionNotification(s domain.TestSession) Notification {
	return Notification{
		Event: EventSessionUpdated,
		Pin:   s.Pin,
		Session: &SessionPayload{
			Status:   s.Status,
			IsActive: s.IsActive,
		},
	}
}

func studentChannel(prefix, pin, username string) string {
	if prefix == "" {
		return fmt.Sprintf("session:%s:student:%s", pin, username)
	}
	return fmt.Sprintf("%s:session:%s:student:%s", prefix, pin, username)
}

// Subscription delivers notifications for a single student until closed.
type Subscription struct {
	C <-chan Notification

	once  sync.Once
	close func()
}

func newSubscription(c <-chan Notification, close func()) *Subscription {
	return &Subscription{C: c, close: close}
}

// Close tears the subscription down. C is closed afterwards. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.close)
}
