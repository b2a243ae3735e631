package coordinator

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/victornm/classquiz/internal/domain"
	"github.com/victornm/classquiz/internal/errors"
)

const pinAttempts = 5

var pinSpace = big.NewInt(1_000_000)

// AdminLogin compares password against the shared secret. Success marks this client as admin.
func (c *Coordinator) AdminLogin(password string) bool {
	if c.password == "" || subtle.ConstantTimeCompare([]byte(password), []byte(c.password)) != 1 {
		return false
	}

	c.mu.Lock()
	c.admin = true
	c.mu.Unlock()

	return true
}

func (c *Coordinator) AdminLogout() {
	c.mu.Lock()
	c.admin = false
	c.mu.Unlock()
}

func (c *Coordinator) requireAdmin() error {
	if !c.IsAdmin() {
		return errors.New(errors.CodePermissionDenied, errors.WithMessage("admin login required"))
	}
	return nil
}

// CreateTestPin creates a WAITING session offering games in the given order and makes it
// current. A generated PIN that collides with an existing one is regenerated a few times before
// the conflict is returned.
func (c *Coordinator) CreateTestPin(ctx context.Context, games []domain.GameID) (string, error) {
	if err := c.requireAdmin(); err != nil {
		return "", err
	}

	selected, err := normalizeGames(games)
	if err != nil {
		return "", err
	}

	var sess *domain.TestSession
	for attempt := 1; ; attempt++ {
		pin, err := c.newPin()
		if err != nil {
			return "", errors.Internal(fmt.Errorf("generate pin: %w", err))
		}

		err = c.store(ctx, "create session", func(ctx context.Context) error {
			var err error
			sess, err = c.repo.CreateSession(ctx, domain.TestSession{
				Pin:           pin,
				IsActive:      true,
				Status:        domain.SessionWaiting,
				SelectedGames: selected,
			})
			return err
		})
		if err == nil {
			break
		}

		if !errors.Is(err, errors.CodeAlreadyExists) || attempt == pinAttempts {
			return "", err
		}
	}

	c.mu.Lock()
	c.session = cloneSession(sess)
	c.sessions = append([]domain.TestSession{*cloneSession(sess)}, c.sessions...)
	c.roster = nil
	c.student = nil
	c.mu.Unlock()

	c.syncPoller()
	c.publishSession(ctx)
	c.publishRoster(ctx)

	return sess.Pin, nil
}

// StartTest moves the current session from WAITING to STARTED and pushes the change to every
// student on the roster.
func (c *Coordinator) StartTest(ctx context.Context) error {
	if err := c.requireAdmin(); err != nil {
		return err
	}

	sess := c.Session()
	if sess == nil {
		return errNoSession()
	}
	if !sess.IsActive {
		return errInactive()
	}
	if !sess.Status.CanTransition(domain.SessionStarted) {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("cannot start a test that is %s", sess.Status))
	}

	var students []domain.Student
	err := c.store(ctx, "start test", func(ctx context.Context) error {
		if err := c.repo.UpdateSessionStatus(ctx, sess.Pin, domain.SessionStarted); err != nil {
			return err
		}

		var err error
		students, err = c.repo.ListStudents(ctx, sess.Pin)
		return err
	})
	if err != nil {
		return err
	}

	sess.Status = domain.SessionStarted
	c.applySession(ctx, *sess, students)

	return nil
}

// StopTest finishes the current session and force-finishes every student still playing.
// Calling it again is harmless.
func (c *Coordinator) StopTest(ctx context.Context) error {
	if err := c.requireAdmin(); err != nil {
		return err
	}

	sess := c.Session()
	if sess == nil {
		return errNoSession()
	}

	var students []domain.Student
	err := c.store(ctx, "stop test", func(ctx context.Context) error {
		if sess.Status != domain.SessionFinished {
			if err := c.repo.UpdateSessionStatus(ctx, sess.Pin, domain.SessionFinished); err != nil {
				return err
			}
		}

		if _, err := c.repo.FinishStudents(ctx, sess.Pin, c.now()); err != nil {
			return err
		}

		var err error
		students, err = c.repo.ListStudents(ctx, sess.Pin)
		return err
	})
	if err != nil {
		return err
	}

	sess.Status = domain.SessionFinished
	c.applySession(ctx, *sess, students)

	return nil
}

// applySession installs an admin-changed session with its fresh roster and pushes the change.
func (c *Coordinator) applySession(ctx context.Context, sess domain.TestSession, students []domain.Student) {
	c.mu.Lock()
	if c.session != nil && c.session.Pin == sess.Pin {
		c.session = cloneSession(&sess)
		c.roster = cloneStudents(students)
		c.replaceListedLocked(sess)
	}
	c.mu.Unlock()

	if c.rt != nil {
		if err := c.notify(ctx, func(ctx context.Context) error { return c.rt.PublishSession(ctx, sess, students) }); err != nil {
			c.reportFailure("notify session", err)
		}
	}

	c.publishSession(ctx)
	c.publishRoster(ctx)
}

// ApproveStudent admits a pending student.
func (c *Coordinator) ApproveStudent(ctx context.Context, username string) error {
	return c.decide(ctx, username, domain.StudentApproved)
}

// RejectStudent turns a pending student away.
func (c *Coordinator) RejectStudent(ctx context.Context, username string) error {
	return c.decide(ctx, username, domain.StudentRejected)
}

func (c *Coordinator) decide(ctx context.Context, username string, status domain.StudentStatus) error {
	if err := c.requireAdmin(); err != nil {
		return err
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessage(MsgUsernameRequired))
	}

	pin := c.currentPin()
	if pin == "" {
		return errNoSession()
	}

	var st *domain.Student
	err := c.store(ctx, "decide student", func(ctx context.Context) error {
		var err error
		if st, err = c.repo.GetStudent(ctx, pin, username); err != nil {
			return err
		}

		if st.Status != domain.StudentPending {
			return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("student is not pending: %s is %s", username, st.Status))
		}

		return c.repo.UpdateStudent(ctx, pin, username, domain.StudentPatch{Status: &status})
	})
	if err != nil {
		return err
	}

	st.Status = status

	c.mu.Lock()
	if c.pinLocked() == pin {
		c.upsertRosterLocked(*st)
	}
	c.mu.Unlock()

	if c.rt != nil {
		if err := c.notify(ctx, func(ctx context.Context) error { return c.rt.PublishStudent(ctx, *st) }); err != nil {
			c.reportFailure("notify student", err)
		}
	}

	c.publishRoster(ctx)

	return nil
}

// DeleteAllUsers removes every student of the current session. The session itself is kept.
func (c *Coordinator) DeleteAllUsers(ctx context.Context) error {
	if err := c.requireAdmin(); err != nil {
		return err
	}

	pin := c.currentPin()
	if pin == "" {
		return errNoSession()
	}

	err := c.store(ctx, "delete students", func(ctx context.Context) error {
		_, err := c.repo.DeleteStudents(ctx, pin)
		return err
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.pinLocked() == pin {
		c.roster = nil
	}
	if c.student != nil && c.student.TestPin == pin {
		c.student = nil
	}
	c.mu.Unlock()

	c.publishRoster(ctx)

	return nil
}

// DeleteSession deletes a session and its students. When it was current, local state is
// cleared and the most recent remaining session becomes current.
func (c *Coordinator) DeleteSession(ctx context.Context, pin string) error {
	if err := c.requireAdmin(); err != nil {
		return err
	}

	pin = strings.TrimSpace(pin)
	if err := c.validatePin(pin); err != nil {
		return err
	}

	err := c.store(ctx, "delete session", func(ctx context.Context) error {
		return c.repo.DeleteSession(ctx, pin)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessions = slices.DeleteFunc(c.sessions, func(s domain.TestSession) bool { return s.Pin == pin })
	wasCurrent := c.pinLocked() == pin
	if wasCurrent {
		c.session = nil
		c.roster = nil
		c.student = nil
	}
	c.mu.Unlock()

	if wasCurrent {
		c.syncPoller()
		c.publishSession(ctx)
	}

	_, err = c.FetchSessions(ctx)
	return err
}

// FetchSessions reloads the active sessions, most recent first. When no session is current the
// most recent one is selected.
func (c *Coordinator) FetchSessions(ctx context.Context) ([]domain.TestSession, error) {
	if err := c.requireAdmin(); err != nil {
		return nil, err
	}

	var sessions []domain.TestSession
	err := c.store(ctx, "list sessions", func(ctx context.Context) error {
		var err error
		sessions, err = c.repo.ListActiveSessions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions = sessions
	selected := ""
	if c.session == nil && len(sessions) > 0 {
		c.session = cloneSession(&sessions[0])
		c.roster = nil
		selected = sessions[0].Pin
	}
	c.mu.Unlock()

	if selected != "" {
		c.syncPoller()
		c.publishSession(ctx)
		if err := c.poller.Refresh(ctx, selected); err != nil {
			return nil, err
		}
	}

	return c.Sessions(), nil
}

// SwitchSession makes another active session current and loads its roster.
func (c *Coordinator) SwitchSession(ctx context.Context, pin string) error {
	if err := c.requireAdmin(); err != nil {
		return err
	}

	pin = strings.TrimSpace(pin)
	if err := c.validatePin(pin); err != nil {
		return err
	}

	var (
		sess     *domain.TestSession
		students []domain.Student
	)
	err := c.store(ctx, "switch session", func(ctx context.Context) error {
		var err error
		if sess, err = c.repo.GetSession(ctx, pin); err != nil {
			return err
		}
		students, err = c.repo.ListStudents(ctx, pin)
		return err
	})
	if errors.Is(err, errors.CodeNotFound) {
		return errors.New(errors.CodeNotFound, errors.WithMessage(MsgInvalidPin), errors.WithCause(err))
	}
	if err != nil {
		return err
	}
	if !sess.IsActive {
		return errInactive()
	}

	c.mu.Lock()
	c.session = cloneSession(sess)
	c.roster = cloneStudents(students)
	c.student = nil
	c.replaceListedLocked(*sess)
	c.mu.Unlock()

	c.syncPoller()
	c.publishSession(ctx)
	c.publishRoster(ctx)

	return nil
}

// replaceListedLocked keeps the fetched session list in line with a session changed locally.
func (c *Coordinator) replaceListedLocked(sess domain.TestSession) {
	for i := range c.sessions {
		if c.sessions[i].Pin == sess.Pin {
			c.sessions[i] = *cloneSession(&sess)
		}
	}
}

// notify runs a push with the store timeout. Push failures never fail the admin action; the
// next poll delivers the same change.
func (c *Coordinator) notify(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return fn(ctx)
}

func normalizeGames(games []domain.GameID) ([]domain.GameID, error) {
	out := make([]domain.GameID, 0, len(games))
	for _, g := range games {
		if !g.Valid() {
			return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown game: %s", g))
		}
		if !slices.Contains(out, g) {
			out = append(out, g)
		}
	}

	if len(out) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessage("select at least one game"))
	}

	return out, nil
}

func randomPin() (string, error) {
	n, err := rand.Int(rand.Reader, pinSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
