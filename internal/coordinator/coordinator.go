// Package coordinator tracks one client's view of a test session. It mirrors the current
// session, its roster and the local student's record, funnels every mutation to the store, and
// reconciles with the store through polling and push notifications.
//
// Student-initiated writes (score updates, finishing) are applied locally first and written in
// the background. A failed background write is not rolled back: it is logged and delivered on
// StoreErrors until the next poll overwrites local state with the store's. Concurrent writers to
// the same row are not versioned, the last write wins.
package coordinator

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/victornm/classquiz/internal/domain"
	"github.com/victornm/classquiz/internal/errors"
	"github.com/victornm/classquiz/internal/event"
	"github.com/victornm/classquiz/internal/leaderboard"
	"github.com/victornm/classquiz/internal/poll"
	"github.com/victornm/classquiz/internal/realtime"
)

const (
	MsgInvalidPin       = "Invalid test PIN"
	MsgPinFormat        = "Test PIN must be 6 digits"
	MsgInactive         = "Test is no longer active"
	MsgUsernameTaken    = "Username already taken for this test"
	MsgUsernameRequired = "Username is required"
	MsgRejected         = "Your request to join was rejected"
)

const (
	defaultStoreTimeout = 10 * time.Second
	defaultCountdown    = 3 * time.Second
	storeErrorsBuffer   = 16
	writeQueueSize      = 64
)

type Repository interface {
	CreateSession(ctx context.Context, s domain.TestSession) (*domain.TestSession, error)
	GetSession(ctx context.Context, pin string) (*domain.TestSession, error)
	ListActiveSessions(ctx context.Context) ([]domain.TestSession, error)
	UpdateSessionStatus(ctx context.Context, pin string, status domain.SessionStatus) error
	DeleteSession(ctx context.Context, pin string) error

	CreateStudent(ctx context.Context, s domain.Student) (*domain.Student, error)
	GetStudent(ctx context.Context, pin, username string) (*domain.Student, error)
	ListStudents(ctx context.Context, pin string) ([]domain.Student, error)
	UpdateStudent(ctx context.Context, pin, username string, patch domain.StudentPatch) error
	FinishStudents(ctx context.Context, pin string, at time.Time) (int64, error)
	DeleteStudents(ctx context.Context, pin string) (int64, error)
}

// Realtime pushes approval and session changes to a single student's waiting client.
type Realtime interface {
	PublishStudent(ctx context.Context, s domain.Student) error
	PublishSession(ctx context.Context, s domain.TestSession, roster []domain.Student) error
	Subscribe(ctx context.Context, pin, username string) (*realtime.Subscription, error)
}

type Config struct {
	Repository Repository
	// Realtime is optional. Without it waiting clients only observe changes on the next poll.
	Realtime Realtime
	// EventBus is optional. A private bus is created when nil.
	EventBus *event.Bus

	AdminPassword string
	StoreTimeout  time.Duration
	PollInterval  time.Duration
	NewTickerFunc func(d time.Duration) poll.Ticker
	Countdown     time.Duration

	// OnPoll, if set, observes the outcome of every periodic refresh.
	OnPoll func(pin string, err error)

	Now    func() time.Time
	NewPin func() (string, error)
}

type Coordinator struct {
	repo      Repository
	rt        Realtime
	eb        *event.Bus
	password  string
	timeout   time.Duration
	countdown time.Duration
	now       func() time.Time
	newPin    func() (string, error)
	validate  *validator.Validate

	poller *poll.Scheduler
	pollMu sync.Mutex

	storeErrs chan error

	writesMu   sync.Mutex
	writes     chan write
	writesDone chan struct{}
	closed     bool
	closeOnce  sync.Once

	mu       sync.RWMutex
	admin    bool
	sessions []domain.TestSession
	session  *domain.TestSession
	roster   []domain.Student
	student  *domain.Student
}

type write struct {
	op   string
	fn   func(ctx context.Context) error
	done chan error
}

func New(c Config) *Coordinator {
	co := &Coordinator{
		repo:       c.Repository,
		rt:         c.Realtime,
		eb:         c.EventBus,
		password:   c.AdminPassword,
		timeout:    c.StoreTimeout,
		countdown:  c.Countdown,
		now:        c.Now,
		newPin:     c.NewPin,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		storeErrs:  make(chan error, storeErrorsBuffer),
		writes:     make(chan write, writeQueueSize),
		writesDone: make(chan struct{}),
	}

	if co.eb == nil {
		co.eb = event.NewBus()
	}
	if co.timeout <= 0 {
		co.timeout = defaultStoreTimeout
	}
	if co.countdown <= 0 {
		co.countdown = defaultCountdown
	}
	if co.now == nil {
		co.now = time.Now
	}
	if co.newPin == nil {
		co.newPin = randomPin
	}

	co.poller = poll.NewScheduler(poll.Config{
		Interval:      c.PollInterval,
		NewTickerFunc: c.NewTickerFunc,
		Refresh:       co.refresh,
		OnRefresh:     c.OnPoll,
	})

	go co.runWrites()

	return co
}

// EventBus returns the bus the coordinator announces state changes on.
func (c *Coordinator) EventBus() *event.Bus {
	return c.eb
}

// StoreErrors delivers background failures: fire-and-forget writes and push notifications that
// did not go through. Errors are dropped when nobody drains the channel.
func (c *Coordinator) StoreErrors() <-chan error {
	return c.storeErrs
}

// Close stops polling, flushes queued writes and waits for event handlers.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.pollMu.Lock()
		c.poller.Stop()
		c.pollMu.Unlock()

		c.writesMu.Lock()
		c.closed = true
		close(c.writes)
		c.writesMu.Unlock()

		<-c.writesDone
		c.eb.Stop()
	})
}

func (c *Coordinator) IsAdmin() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.admin
}

// Session returns the current session, or nil.
func (c *Coordinator) Session() *domain.TestSession {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return cloneSession(c.session)
}

// Sessions returns the last fetched list of active sessions, most recent first.
func (c *Coordinator) Sessions() []domain.TestSession {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.TestSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, *cloneSession(&s))
	}
	return out
}

func (c *Coordinator) Roster() []domain.Student {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return cloneStudents(c.roster)
}

// Student returns the local student's record, or nil when this client has not joined.
func (c *Coordinator) Student() *domain.Student {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.student == nil {
		return nil
	}
	s := c.student.Clone()
	return &s
}

// PendingStudents is the approval queue of the current session in join order.
func (c *Coordinator) PendingStudents() []domain.Student {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []domain.Student
	for _, s := range c.roster {
		if s.Status == domain.StudentPending {
			out = append(out, s.Clone())
		}
	}
	return out
}

func (c *Coordinator) Counts() domain.Counts {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n domain.Counts
	for _, s := range c.roster {
		switch {
		case s.Status == domain.StudentRejected:
		case s.Status == domain.StudentPending:
			n.Joined++
			n.Pending++
		case s.IsFinished():
			n.Joined++
			n.Finished++
		default:
			n.Joined++
			n.Playing++
		}
	}
	return n
}

// Leaderboard ranks the finished, approved students of the current roster.
func (c *Coordinator) Leaderboard() domain.Leaderboard {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return leaderboard.Rank(c.pinLocked(), c.roster)
}

// GameLeaderboard ranks the current roster by their result for a single game.
func (c *Coordinator) GameLeaderboard(g domain.GameID) (domain.Leaderboard, error) {
	if !g.Valid() {
		return domain.Leaderboard{}, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown game: %s", g))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return leaderboard.RankGame(c.pinLocked(), c.roster, g), nil
}

// RefreshRoster reloads the current session and roster now. It shares an in-flight poll.
func (c *Coordinator) RefreshRoster(ctx context.Context) error {
	pin := c.currentPin()
	if pin == "" {
		return errNoSession()
	}

	return c.poller.Refresh(ctx, pin)
}

func (c *Coordinator) pinLocked() string {
	if c.session == nil {
		return ""
	}
	return c.session.Pin
}

func (c *Coordinator) currentPin() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.pinLocked()
}

// pollable returns the pin of the current session if it is still active.
func (c *Coordinator) pollable() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil || !c.session.IsActive {
		return ""
	}
	return c.session.Pin
}

// syncPoller points the poller at the current session, or stops it when there is none or the
// session is no longer active.
func (c *Coordinator) syncPoller() {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	if pin := c.pollable(); pin != "" {
		c.poller.Start(pin)
		return
	}
	c.poller.Stop()
}

// store runs one round trip against the repository with the configured timeout.
func (c *Coordinator) store(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}

	var e *errors.Error
	if stderrors.As(err, &e) {
		return e
	}

	if ctx.Err() != nil {
		return errors.Store(fmt.Errorf("%s: %w", op, ctx.Err()))
	}

	return errors.Convert(fmt.Errorf("%s: %w", op, err))
}

// enqueue schedules a fire-and-forget write. Student writes run one at a time in submission
// order.
func (c *Coordinator) enqueue(op string, fn func(ctx context.Context) error) {
	if err := c.push(write{op: op, fn: fn}); err != nil {
		c.reportFailure(op, err)
	}
}

// writeAndWait queues a student write behind the pending ones and waits for its outcome.
func (c *Coordinator) writeAndWait(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	if err := c.push(write{op: op, fn: fn, done: done}); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Store(fmt.Errorf("%s: %w", op, ctx.Err()))
	}
}

func (c *Coordinator) push(w write) error {
	c.writesMu.Lock()
	defer c.writesMu.Unlock()

	if c.closed {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessage("coordinator closed"))
	}

	c.writes <- w
	return nil
}

func (c *Coordinator) runWrites() {
	defer close(c.writesDone)

	for w := range c.writes {
		err := c.store(context.Background(), w.op, w.fn)

		if w.done != nil {
			w.done <- err
			continue
		}

		if err != nil {
			c.reportFailure(w.op, err)
		}
	}
}

func (c *Coordinator) reportFailure(op string, err error) {
	slog.Error("coordinator: background operation failed", "op", op, "error", err)

	select {
	case c.storeErrs <- fmt.Errorf("%s: %w", op, err):
	default:
	}

	c.eb.Publish(context.Background(), domain.EventStoreFailed{Op: op, Err: err})
}

func (c *Coordinator) publishSession(ctx context.Context) {
	c.eb.Publish(ctx, domain.EventSessionChanged{Session: c.Session()})
}

func (c *Coordinator) publishRoster(ctx context.Context) {
	c.mu.RLock()
	e := domain.EventRosterUpdated{Pin: c.pinLocked(), Students: cloneStudents(c.roster)}
	c.mu.RUnlock()

	c.eb.Publish(ctx, e)
}

func (c *Coordinator) publishStudent(ctx context.Context) {
	if s := c.Student(); s != nil {
		c.eb.Publish(ctx, domain.EventStudentChanged{Student: *s})
	}
}

// upsertRosterLocked replaces the roster entry for s, appending it when absent.
func (c *Coordinator) upsertRosterLocked(s domain.Student) {
	if i := c.rosterIndexLocked(s.Username); i >= 0 {
		c.roster[i] = s.Clone()
		return
	}
	c.roster = append(c.roster, s.Clone())
}

func (c *Coordinator) rosterIndexLocked(username string) int {
	return slices.IndexFunc(c.roster, func(s domain.Student) bool { return s.Username == username })
}

// isCurrentStudentLocked reports whether username is this client's own student in the
// current session.
func (c *Coordinator) isCurrentStudentLocked(username string) bool {
	return c.student != nil && c.session != nil &&
		c.student.TestPin == c.session.Pin && c.student.Username == username
}

func errNoSession() error {
	return errors.New(errors.CodeFailedPrecondition, errors.WithMessage("no current test session"))
}

func errInactive() error {
	return errors.New(errors.CodeFailedPrecondition, errors.WithMessage(MsgInactive))
}

func cloneSession(s *domain.TestSession) *domain.TestSession {
	if s == nil {
		return nil
	}
	c := *s
	c.SelectedGames = slices.Clone(s.SelectedGames)
	return &c
}

func cloneStudents(in []domain.Student) []domain.Student {
	out := make([]domain.Student, 0, len(in))
	for _, s := range in {
		out = append(out, s.Clone())
	}
	return out
}
