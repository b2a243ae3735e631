package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/classquiz/internal/domain"
	"github.com/victornm/classquiz/internal/errors"
	"github.com/victornm/classquiz/internal/event"
	"github.com/victornm/classquiz/internal/realtime"
)

// refresh replaces the session and roster with the store's. The store always wins, including
// over local student writes that have not landed yet.
func (c *Coordinator) refresh(ctx context.Context, pin string) error {
	var (
		sess     *domain.TestSession
		students []domain.Student
	)
	err := c.store(ctx, "refresh roster", func(ctx context.Context) error {
		var err error
		if sess, err = c.repo.GetSession(ctx, pin); err != nil {
			return err
		}
		students, err = c.repo.ListStudents(ctx, pin)
		return err
	})
	if errors.Is(err, errors.CodeNotFound) {
		c.markInactive(ctx, pin)
		c.releasePoller(pin)
		return err
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.pinLocked() != pin {
		c.mu.Unlock()
		return nil
	}

	sessionChanged := c.session.Status != sess.Status || c.session.IsActive != sess.IsActive
	c.session = cloneSession(sess)
	c.roster = cloneStudents(students)
	c.replaceListedLocked(*sess)

	studentChanged := false
	if c.student != nil && c.student.TestPin == pin {
		if i := c.rosterIndexLocked(c.student.Username); i >= 0 {
			fresh := c.roster[i].Clone()
			studentChanged = fresh.Status != c.student.Status || fresh.IsFinished() != c.student.IsFinished()
			c.student = &fresh
		}
	}
	c.mu.Unlock()

	if sessionChanged {
		c.publishSession(ctx)
	}
	if studentChanged {
		c.publishStudent(ctx)
	}
	c.publishRoster(ctx)

	if !sess.IsActive {
		c.releasePoller(pin)
	}

	return nil
}

// releasePoller stops polling pin unless it is again the current, active session. It runs on its
// own goroutine because it is called from the poll loop, which Stop waits for.
func (c *Coordinator) releasePoller(pin string) {
	go func() {
		c.pollMu.Lock()
		defer c.pollMu.Unlock()

		if c.poller.Key() != pin || c.pollable() == pin {
			return
		}
		c.poller.Stop()
	}()
}

// markInactive records that the current session disappeared from the store.
func (c *Coordinator) markInactive(ctx context.Context, pin string) {
	c.mu.Lock()
	changed := c.pinLocked() == pin && c.session.IsActive
	if changed {
		c.session.IsActive = false
	}
	c.mu.Unlock()

	if changed {
		c.publishSession(ctx)
	}
}

// apply merges a push notification into local state.
func (c *Coordinator) apply(ctx context.Context, n realtime.Notification) {
	var sessionChanged, studentChanged bool

	c.mu.Lock()
	if c.pinLocked() == n.Pin {
		if p := n.Session; p != nil {
			sessionChanged = c.session.Status != p.Status || c.session.IsActive != p.IsActive
			c.session.Status = p.Status
			c.session.IsActive = p.IsActive
			c.replaceListedLocked(*c.session)
		}

		if p := n.Student; p != nil {
			if c.isCurrentStudentLocked(p.Username) {
				studentChanged = c.student.Status != p.Status || c.student.IsFinished() != (p.CompletedAt != nil)
				c.student.Status = p.Status
				if p.CompletedAt != nil {
					at := *p.CompletedAt
					c.student.CompletedAt = &at
				}
			}
			if i := c.rosterIndexLocked(p.Username); i >= 0 {
				c.roster[i].Status = p.Status
			}
		}
	}
	c.mu.Unlock()

	if sessionChanged {
		c.publishSession(ctx)
	}
	if studentChanged {
		c.publishStudent(ctx)
	}
}

// Update is a snapshot of the local student and the current session.
type Update struct {
	Student domain.Student
	Session domain.TestSession
}

// Watch delivers a snapshot every time the local student's approval or finish state, or the
// current session's status, changes.
type Watch struct {
	C <-chan Update

	c      chan Update
	mu     sync.Mutex
	closed bool

	once     sync.Once
	teardown []func()
}

func (w *Watch) send(u Update) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	select {
	case w.c <- u:
		return
	default:
	}

	// drop oldest
	select {
	case <-w.c:
	default:
	}
	select {
	case w.c <- u:
	default:
	}
}

// Close ends the watch. C is closed afterwards.
func (w *Watch) Close() {
	w.once.Do(func() {
		for _, f := range w.teardown {
			f()
		}

		w.mu.Lock()
		w.closed = true
		close(w.c)
		w.mu.Unlock()
	})
}

// WatchStudent follows the local student from the waiting view. Changes arrive through the
// per-student push subscription when realtime is configured, and through polling otherwise.
// The watch ends when ctx is done or Close is called.
func (c *Coordinator) WatchStudent(ctx context.Context) (*Watch, error) {
	st := c.Student()
	if st == nil {
		return nil, errors.New(errors.CodeFailedPrecondition, errors.WithMessage("no student has joined"))
	}

	ch := make(chan Update, 8)
	w := &Watch{C: ch, c: ch}

	emit := func(context.Context, event.Event) error {
		if u, ok := c.snapshot(); ok {
			w.send(u)
		}
		return nil
	}
	w.teardown = append(w.teardown,
		c.eb.Subscribe(domain.EventNameStudentChanged, emit),
		c.eb.Subscribe(domain.EventNameSessionChanged, emit),
	)

	if c.rt != nil {
		sub, err := c.rt.Subscribe(ctx, st.TestPin, st.Username)
		if err != nil {
			slog.WarnContext(ctx, "coordinator: push subscription failed, relying on polling",
				"pin", st.TestPin,
				"username", st.Username,
				"error", err,
			)
		} else {
			w.teardown = append(w.teardown, sub.Close)

			go func() {
				for n := range sub.C {
					c.apply(context.WithoutCancel(ctx), n)
				}
			}()
		}
	}

	stop := make(chan struct{})
	w.teardown = append(w.teardown, func() { close(stop) })

	go func() {
		select {
		case <-ctx.Done():
			w.Close()
		case <-stop:
		}
	}()

	return w, nil
}

func (c *Coordinator) snapshot() (Update, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.student == nil || c.session == nil || c.student.TestPin != c.session.Pin {
		return Update{}, false
	}

	return Update{
		Student: c.student.Clone(),
		Session: *cloneSession(c.session),
	}, true
}

// WaitForStart blocks in the lobby until the local student is approved and the session has
// started, then waits out the countdown. It fails when the student is rejected or the session
// ends first.
func (c *Coordinator) WaitForStart(ctx context.Context) error {
	w, err := c.WatchStudent(ctx)
	if err != nil {
		return err
	}
	defer w.Close()

	for {
		u, ok := c.snapshot()
		if !ok {
			return errNoSession()
		}

		switch {
		case u.Student.Status == domain.StudentRejected:
			return errors.New(errors.CodePermissionDenied, errors.WithMessage(MsgRejected))
		case !u.Session.IsActive || u.Session.Status == domain.SessionFinished:
			return errInactive()
		case u.Student.Status == domain.StudentApproved && u.Session.Status == domain.SessionStarted:
			return c.countdownWait(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-w.C:
			if !ok {
				return ctx.Err()
			}
		}
	}
}

func (c *Coordinator) countdownWait(ctx context.Context) error {
	t := time.NewTimer(c.countdown)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
