package coordinator_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/classquiz/internal/coordinator"
	"github.com/victornm/classquiz/internal/domain"
	"github.com/victornm/classquiz/internal/errors"
	"github.com/victornm/classquiz/internal/poll"
	"github.com/victornm/classquiz/internal/realtime"
	"github.com/victornm/classquiz/internal/repository"
)

const password = "secret"

var now = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type idleTicker struct{}

func (idleTicker) C() <-chan time.Time { return nil }

func (idleTicker) Stop() {}

type env struct {
	repo *faultyRepo
	hub  *realtime.Hub
	pins atomic.Int32
}

func newEnv() *env {
	return &env{
		repo: &faultyRepo{Memory: repository.NewMemoryWithClock(func() time.Time { return now })},
		hub:  realtime.NewHub(),
	}
}

func (e *env) nextPin() (string, error) {
	return fmt.Sprintf("%06d", 100000+e.pins.Add(1)), nil
}

type option func(c *coordinator.Config)

func (e *env) client(t *testing.T, opts ...option) *coordinator.Coordinator {
	t.Helper()

	c := coordinator.Config{
		Repository:    e.repo,
		Realtime:      e.hub,
		AdminPassword: password,
		Countdown:     time.Millisecond,
		NewTickerFunc: func(time.Duration) poll.Ticker { return idleTicker{} },
		Now:           func() time.Time { return now },
		NewPin:        e.nextPin,
	}
	for _, opt := range opts {
		opt(&c)
	}

	co := coordinator.New(c)
	t.Cleanup(co.Close)

	return co
}

func (e *env) admin(t *testing.T, opts ...option) *coordinator.Coordinator {
	t.Helper()

	co := e.client(t, opts...)
	require.True(t, co.AdminLogin(password))
	return co
}

// faultyRepo injects failures into selected repository calls.
type faultyRepo struct {
	*repository.Memory

	mu        sync.Mutex
	updateErr error
	blockGet  bool
}

func (r *faultyRepo) failUpdates(err error) {
	r.mu.Lock()
	r.updateErr = err
	r.mu.Unlock()
}

func (r *faultyRepo) blockGets() {
	r.mu.Lock()
	r.blockGet = true
	r.mu.Unlock()
}

func (r *faultyRepo) UpdateStudent(ctx context.Context, pin, username string, patch domain.StudentPatch) error {
	r.mu.Lock()
	err := r.updateErr
	r.mu.Unlock()

	if err != nil {
		return err
	}
	return r.Memory.UpdateStudent(ctx, pin, username, patch)
}

func (r *faultyRepo) GetSession(ctx context.Context, pin string) (*domain.TestSession, error) {
	r.mu.Lock()
	block := r.blockGet
	r.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.Memory.GetSession(ctx, pin)
}

func requireCode(t *testing.T, err error, code errors.Code, msg string) {
	t.Helper()

	require.Error(t, err)
	e := errors.Convert(err)
	assert.Equal(t, code, e.Code, "error: %v", err)
	if msg != "" {
		assert.Equal(t, msg, e.Message)
	}
}

func awaitUpdate(t *testing.T, w *coordinator.Watch, ok func(u coordinator.Update) bool) coordinator.Update {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u, open := <-w.C:
			require.True(t, open, "watch closed")
			if ok(u) {
				return u
			}
		case <-deadline:
			t.Fatal("expected update not received")
			return coordinator.Update{}
		}
	}
}

func result(g domain.GameID, score, took, correct, total int) domain.GameResult {
	return domain.GameResult{GameID: g, Score: score, TimeTaken: took, CorrectAnswers: correct, TotalQuestions: total, CompletedAt: now}
}

func TestAliceCompletesEveryGame(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	admin := e.admin(t)

	pin, err := admin.CreateTestPin(ctx, []domain.GameID{domain.GameBubble, domain.GameCrossmath})
	require.NoError(t, err)
	require.Equal(t, domain.SessionWaiting, admin.Session().Status)

	alice := e.client(t)
	resp, err := alice.JoinTest(ctx, coordinator.JoinTestRequest{Pin: pin, Username: "  Alice "})
	require.NoError(t, err)
	assert.False(t, resp.Pending)
	assert.Equal(t, "Alice", resp.Student.Username)
	assert.Equal(t, domain.StudentApproved, resp.Student.Status)

	g, ok := alice.NextGame()
	require.True(t, ok)
	assert.Equal(t, domain.GameBubble, g)

	w, err := alice.WatchStudent(ctx)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, admin.StartTest(ctx))

	awaitUpdate(t, w, func(u coordinator.Update) bool { return u.Session.Status == domain.SessionStarted })
	require.NoError(t, alice.WaitForStart(ctx))

	require.NoError(t, alice.SubmitGameResult(ctx, "Alice", result(domain.GameBubble, 120, 45, 28, 30)))
	g, ok = alice.NextGame()
	require.True(t, ok)
	assert.Equal(t, domain.GameCrossmath, g)

	require.NoError(t, alice.SubmitGameResult(ctx, "Alice", result(domain.GameCrossmath, 80, 60, 8, 10)))
	_, ok = alice.NextGame()
	assert.False(t, ok)

	require.NoError(t, alice.FinishTest(ctx, "Alice"))
	assert.True(t, alice.Student().IsFinished())

	board := alice.Leaderboard()
	require.Len(t, board.Entries, 1)
	assert.Equal(t, "Alice", board.Entries[0].Username)
	assert.Equal(t, 200, board.Entries[0].Score)
	assert.Equal(t, 105, board.Entries[0].TotalTime)

	alice.Close()

	require.NoError(t, admin.RefreshRoster(ctx))
	board = admin.Leaderboard()
	require.Len(t, board.Entries, 1)
	assert.Equal(t, 200, board.Entries[0].Score)
	assert.Equal(t, 105, board.Entries[0].TotalTime)

	crossmath, err := admin.GameLeaderboard(domain.GameCrossmath)
	require.NoError(t, err)
	require.Len(t, crossmath.Entries, 1)
	assert.Equal(t, 80, crossmath.Entries[0].Score)
}

func TestBobJoinsLateAndIsRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	admin := e.admin(t)

	pin, err := admin.CreateTestPin(ctx, domain.Games)
	require.NoError(t, err)
	require.NoError(t, admin.StartTest(ctx))

	bob := e.client(t)
	resp, err := bob.JoinTest(ctx, coordinator.JoinTestRequest{Pin: pin, Username: "Bob"})
	require.NoError(t, err)
	assert.True(t, resp.Pending)
	assert.Equal(t, domain.StudentPending, resp.Student.Status)

	w, err := bob.WatchStudent(ctx)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, admin.RefreshRoster(ctx))
	pending := admin.PendingStudents()
	require.Len(t, pending, 1)
	assert.Equal(t, "Bob", pending[0].Username)
	assert.Equal(t, domain.Counts{Joined: 1, Pending: 1}, admin.Counts())

	require.NoError(t, admin.RejectStudent(ctx, "Bob"))

	u := awaitUpdate(t, w, func(u coordinator.Update) bool { return u.Student.Status != domain.StudentPending })
	assert.Equal(t, domain.StudentRejected, u.Student.Status)

	requireCode(t, bob.WaitForStart(ctx), errors.CodePermissionDenied, coordinator.MsgRejected)
	assert.Empty(t, admin.PendingStudents())

	requireCode(t, admin.ApproveStudent(ctx, "Bob"), errors.CodeFailedPrecondition, "")

	require.NoError(t, admin.StopTest(ctx))
	roster := admin.Roster()
	require.Len(t, roster, 1)
	assert.False(t, roster[0].IsFinished(), "stopping the test leaves rejected students alone")
	assert.Empty(t, admin.Leaderboard().Entries)
	assert.Equal(t, domain.Counts{}, admin.Counts())
}

func TestApprovedLateJoinerProceeds(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	admin := e.admin(t)

	pin, err := admin.CreateTestPin(ctx, domain.Games)
	require.NoError(t, err)
	require.NoError(t, admin.StartTest(ctx))

	carol := e.client(t)
	_, err = carol.JoinTest(ctx, coordinator.JoinTestRequest{Pin: pin, Username: "Carol"})
	require.NoError(t, err)

	done := make(chan error, 1)
	w, err := carol.WatchStudent(ctx)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, admin.ApproveStudent(ctx, "Carol"))
	awaitUpdate(t, w, func(u coordinator.Update) bool { return u.Student.Status == domain.StudentApproved })

	go func() { done <- carol.WaitForStart(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("approved student still waiting")
	}
}

func TestJoinTest(t *testing.T) {
	type inputs struct {
		client *coordinator.Coordinator
		req    coordinator.JoinTestRequest
	}

	tests := map[string]struct {
		arrange func(t *testing.T, e *env) inputs
		assert  func(t *testing.T, e *env, resp *coordinator.JoinTestResponse, err error)
	}{
		"empty username is rejected before any store call": {
			arrange: func(t *testing.T, e *env) inputs {
				return inputs{client: e.client(t), req: coordinator.JoinTestRequest{Pin: "123456", Username: "   "}}
			},
			assert: func(t *testing.T, e *env, _ *coordinator.JoinTestResponse, err error) {
				requireCode(t, err, errors.CodeInvalidArgument, coordinator.MsgUsernameRequired)
			},
		},

		"malformed pin": {
			arrange: func(t *testing.T, e *env) inputs {
				return inputs{client: e.client(t), req: coordinator.JoinTestRequest{Pin: "12a456", Username: "Alice"}}
			},
			assert: func(t *testing.T, e *env, _ *coordinator.JoinTestResponse, err error) {
				requireCode(t, err, errors.CodeInvalidArgument, coordinator.MsgPinFormat)
			},
		},

		"unknown pin": {
			arrange: func(t *testing.T, e *env) inputs {
				return inputs{client: e.client(t), req: coordinator.JoinTestRequest{Pin: "999999", Username: "Alice"}}
			},
			assert: func(t *testing.T, e *env, _ *coordinator.JoinTestResponse, err error) {
				requireCode(t, err, errors.CodeNotFound, coordinator.MsgInvalidPin)
			},
		},

		"finished test": {
			arrange: func(t *testing.T, e *env) inputs {
				admin := e.admin(t)
				pin, err := admin.CreateTestPin(context.Background(), domain.Games)
				require.NoError(t, err)
				require.NoError(t, admin.StopTest(context.Background()))

				return inputs{client: e.client(t), req: coordinator.JoinTestRequest{Pin: pin, Username: "Alice"}}
			},
			assert: func(t *testing.T, e *env, _ *coordinator.JoinTestResponse, err error) {
				requireCode(t, err, errors.CodeFailedPrecondition, coordinator.MsgInactive)
			},
		},

		"duplicate username never creates a second row": {
			arrange: func(t *testing.T, e *env) inputs {
				admin := e.admin(t)
				pin, err := admin.CreateTestPin(context.Background(), domain.Games)
				require.NoError(t, err)

				_, err = e.client(t).JoinTest(context.Background(), coordinator.JoinTestRequest{Pin: pin, Username: "Alice"})
				require.NoError(t, err)

				return inputs{client: e.client(t), req: coordinator.JoinTestRequest{Pin: pin, Username: "Alice"}}
			},
			assert: func(t *testing.T, e *env, _ *coordinator.JoinTestResponse, err error) {
				requireCode(t, err, errors.CodeAlreadyExists, coordinator.MsgUsernameTaken)

				students, err := e.repo.ListStudents(context.Background(), "100001")
				require.NoError(t, err)
				assert.Len(t, students, 1)
			},
		},

		"store timeout surfaces as unavailable": {
			arrange: func(t *testing.T, e *env) inputs {
				e.repo.blockGets()
				return inputs{
					client: e.client(t, func(c *coordinator.Config) { c.StoreTimeout = 10 * time.Millisecond }),
					req:    coordinator.JoinTestRequest{Pin: "123456", Username: "Alice"},
				}
			},
			assert: func(t *testing.T, e *env, _ *coordinator.JoinTestResponse, err error) {
				requireCode(t, err, errors.CodeUnavailable, "")
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := newEnv()
			in := tt.arrange(t, e)

			resp, err := in.client.JoinTest(context.Background(), in.req)

			tt.assert(t, e, resp, err)
		})
	}
}

func TestVerifyTestPin(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	admin := e.admin(t)

	pin, err := admin.CreateTestPin(ctx, domain.Games)
	require.NoError(t, err)

	student := e.client(t)

	ok, err := student.VerifyTestPin(ctx, pin)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = student.VerifyTestPin(ctx, "000000")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = student.VerifyTestPin(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Nil(t, student.Session(), "verification never selects a session")
}

func TestSessionTransitionsOnlyGoForward(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	admin := e.admin(t)

	pin, err := admin.CreateTestPin(ctx, domain.Games)
	require.NoError(t, err)

	alice := e.client(t)
	_, err = alice.JoinTest(ctx, coordinator.JoinTestRequest{Pin: pin, Username: "Alice"})
	require.NoError(t, err)

	require.NoError(t, admin.StartTest(ctx))
	requireCode(t, admin.StartTest(ctx), errors.CodeFailedPrecondition, "")

	require.NoError(t, admin.StopTest(ctx))
	require.NoError(t, admin.StopTest(ctx), "stopping twice is harmless")
	requireCode(t, admin.StartTest(ctx), errors.CodeFailedPrecondition, "")

	sess, err := e.repo.GetSession(ctx, pin)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFinished, sess.Status)

	roster := admin.Roster()
	require.Len(t, roster, 1)
	assert.True(t, roster[0].IsFinished(), "stop force-finishes students still playing")
	assert.Equal(t, now, *roster[0].CompletedAt)

	require.NoError(t, alice.RefreshRoster(ctx))
	assert.True(t, alice.Student().IsFinished())
	requireCode(t, alice.SubmitGameResult(ctx, "Alice", result(domain.GameBubble, 1, 1, 1, 1)),
		errors.CodeFailedPrecondition, coordinator.MsgInactive)
}

func TestAdminOperationsRequireLogin(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	c := e.client(t)

	assert.False(t, c.AdminLogin("wrong"))
	assert.False(t, c.IsAdmin())

	_, err := c.CreateTestPin(ctx, domain.Games)
	requireCode(t, err, errors.CodePermissionDenied, "")
	requireCode(t, c.StartTest(ctx), errors.CodePermissionDenied, "")
	requireCode(t, c.DeleteAllUsers(ctx), errors.CodePermissionDenied, "")

	require.True(t, c.AdminLogin(password))
	c.AdminLogout()
	assert.False(t, c.IsAdmin())
}

func TestCreateTestPin(t *testing.T) {
	ctx := context.Background()

	t.Run("games are validated and deduplicated", func(t *testing.T) {
		e := newEnv()
		admin := e.admin(t)

		_, err := admin.CreateTestPin(ctx, nil)
		requireCode(t, err, errors.CodeInvalidArgument, "")

		_, err = admin.CreateTestPin(ctx, []domain.GameID{"chess"})
		requireCode(t, err, errors.CodeInvalidArgument, "")

		_, err = admin.CreateTestPin(ctx, []domain.GameID{domain.GameNumlink, domain.GameBubble, domain.GameNumlink})
		require.NoError(t, err)
		assert.Equal(t, []domain.GameID{domain.GameNumlink, domain.GameBubble}, admin.Session().SelectedGames)
	})

	t.Run("colliding pins are regenerated", func(t *testing.T) {
		e := newEnv()
		pins := []string{"111111", "111111", "222222"}
		var i atomic.Int32
		admin := e.admin(t, func(c *coordinator.Config) {
			c.NewPin = func() (string, error) { return pins[int(i.Add(1))-1], nil }
		})

		first, err := admin.CreateTestPin(ctx, domain.Games)
		require.NoError(t, err)
		second, err := admin.CreateTestPin(ctx, domain.Games)
		require.NoError(t, err)

		assert.Equal(t, "111111", first)
		assert.Equal(t, "222222", second)
		assert.Equal(t, "222222", admin.Session().Pin, "newest session becomes current")
	})

	t.Run("persistent collisions surface the conflict", func(t *testing.T) {
		e := newEnv()
		admin := e.admin(t, func(c *coordinator.Config) {
			c.NewPin = func() (string, error) { return "111111", nil }
		})

		_, err := admin.CreateTestPin(ctx, domain.Games)
		require.NoError(t, err)

		_, err = admin.CreateTestPin(ctx, domain.Games)
		requireCode(t, err, errors.CodeAlreadyExists, "")
		assert.Equal(t, "111111", admin.Session().Pin, "failed create leaves state unchanged")
	})
}

func TestDeleteAllUsers(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	admin := e.admin(t)

	pin, err := admin.CreateTestPin(ctx, domain.Games)
	require.NoError(t, err)

	for _, name := range []string{"Alice", "Bob"} {
		resp, err := e.client(t).JoinTest(ctx, coordinator.JoinTestRequest{Pin: pin, Username: name})
		require.NoError(t, err)
		require.False(t, resp.Pending)
	}
	require.NoError(t, admin.StopTest(ctx))
	require.Len(t, admin.Leaderboard().Entries, 2)

	require.NoError(t, admin.DeleteAllUsers(ctx))

	assert.Empty(t, admin.Roster())
	assert.Empty(t, admin.Leaderboard().Entries)

	require.NoError(t, admin.RefreshRoster(ctx))
	assert.Empty(t, admin.Leaderboard().Entries)

	_, err = e.repo.GetSession(ctx, pin)
	require.NoError(t, err, "the session row survives")
}

func TestSessionsListAndDelete(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	admin := e.admin(t)

	first, err := admin.CreateTestPin(ctx, domain.Games)
	require.NoError(t, err)
	second, err := admin.CreateTestPin(ctx, domain.Games)
	require.NoError(t, err)

	other := e.admin(t)
	sessions, err := other.FetchSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.NotNil(t, other.Session())
	assert.Equal(t, sessions[0].Pin, other.Session().Pin, "most recent session is selected")

	require.NoError(t, other.SwitchSession(ctx, first))
	assert.Equal(t, first, other.Session().Pin)

	require.NoError(t, other.DeleteSession(ctx, first))
	require.NotNil(t, other.Session())
	assert.Equal(t, second, other.Session().Pin, "remaining session becomes current")
	assert.Len(t, other.Sessions(), 1)

	requireCode(t, other.SwitchSession(ctx, first), errors.CodeNotFound, coordinator.MsgInvalidPin)

	require.NoError(t, other.DeleteSession(ctx, second))
	assert.Nil(t, other.Session())
	assert.Empty(t, other.Sessions())
}

func TestSubmitGameResultValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	admin := e.admin(t)

	pin, err := admin.CreateTestPin(ctx, []domain.GameID{domain.GameBubble})
	require.NoError(t, err)

	alice := e.client(t)
	_, err = alice.JoinTest(ctx, coordinator.JoinTestRequest{Pin: pin, Username: "Alice"})
	require.NoError(t, err)

	requireCode(t, alice.FinishTest(ctx, "Alice"), errors.CodeFailedPrecondition, "")

	requireCode(t, alice.SubmitGameResult(ctx, "Alice", result(domain.GameNumlink, 10, 10, 1, 1)), errors.CodeInvalidArgument, "")
	requireCode(t, alice.SubmitGameResult(ctx, "Alice", result(domain.GameBubble, 10, 10, 5, 1)), errors.CodeInvalidArgument, "")
	requireCode(t, alice.SubmitGameResult(ctx, "Alice", result(domain.GameBubble, -1, 10, 1, 1)), errors.CodeInvalidArgument, "")

	require.NoError(t, alice.SubmitGameResult(ctx, "Alice", result(domain.GameBubble, 10, 10, 1, 1)))
	requireCode(t, alice.SubmitGameResult(ctx, "Alice", result(domain.GameBubble, 10, 10, 1, 1)), errors.CodeAlreadyExists, "")

	require.NoError(t, alice.FinishTest(ctx, "Alice"))
	require.NoError(t, alice.FinishTest(ctx, "Alice"), "finishing twice is harmless")
}

func TestUpdateStudentScore(t *testing.T) {
	ctx := context.Background()

	t.Run("writes reach the store in order", func(t *testing.T) {
		e := newEnv()
		admin := e.admin(t)
		pin, err := admin.CreateTestPin(ctx, domain.Games)
		require.NoError(t, err)

		alice := e.client(t)
		_, err = alice.JoinTest(ctx, coordinator.JoinTestRequest{Pin: pin, Username: "Alice"})
		require.NoError(t, err)

		for i := 1; i <= 10; i++ {
			require.NoError(t, alice.UpdateStudentScore(ctx, coordinator.UpdateScoreRequest{Username: "Alice", Score: i * 10, Level: i, CorrectAnswers: i}))
		}
		assert.Equal(t, 100, alice.Student().Score, "local record is updated at once")

		alice.Close()

		got, err := e.repo.GetStudent(ctx, pin, "Alice")
		require.NoError(t, err)
		assert.Equal(t, 100, got.Score)
		assert.Equal(t, 10, got.Level)
		assert.Equal(t, 10, got.CorrectAnswers)
	})

	t.Run("failed writes are reported and not rolled back", func(t *testing.T) {
		e := newEnv()
		admin := e.admin(t)
		pin, err := admin.CreateTestPin(ctx, domain.Games)
		require.NoError(t, err)

		alice := e.client(t)
		_, err = alice.JoinTest(ctx, coordinator.JoinTestRequest{Pin: pin, Username: "Alice"})
		require.NoError(t, err)

		e.repo.failUpdates(errors.Store(fmt.Errorf("connection reset")))

		require.NoError(t, alice.UpdateStudentScore(ctx, coordinator.UpdateScoreRequest{Username: "Alice", Score: 42}))
		assert.Equal(t, 42, alice.Student().Score)

		select {
		case err := <-alice.StoreErrors():
			assert.True(t, errors.Is(err, errors.CodeUnavailable), "got %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("store failure not reported")
		}

		require.NoError(t, alice.RefreshRoster(ctx))
		assert.Zero(t, alice.Student().Score, "the next poll restores the store's value")
	})

	t.Run("negative values are rejected", func(t *testing.T) {
		e := newEnv()
		admin := e.admin(t)
		_, err := admin.CreateTestPin(ctx, domain.Games)
		require.NoError(t, err)

		requireCode(t, admin.UpdateStudentScore(ctx, coordinator.UpdateScoreRequest{Username: "Alice", Score: -5}), errors.CodeInvalidArgument, "")
	})
}

func TestPollingRefreshesRoster(t *testing.T) {
	ctx := context.Background()
	e := newEnv()

	tick := make(chan time.Time)
	polled := make(chan error, 4)

	admin := e.admin(t, func(c *coordinator.Config) {
		c.NewTickerFunc = func(time.Duration) poll.Ticker { return chanTicker(tick) }
		c.OnPoll = func(_ string, err error) { polled <- err }
	})

	pin, err := admin.CreateTestPin(ctx, domain.Games)
	require.NoError(t, err)

	_, err = e.client(t).JoinTest(ctx, coordinator.JoinTestRequest{Pin: pin, Username: "Alice"})
	require.NoError(t, err)
	assert.Empty(t, admin.Roster(), "admin has not polled yet")

	tick <- now

	select {
	case err := <-polled:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not run")
	}

	roster := admin.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "Alice", roster[0].Username)
}

type chanTicker chan time.Time

func (t chanTicker) C() <-chan time.Time { return t }

func (chanTicker) Stop() {}

// stopTicker reports when the poller releases it.
type stopTicker struct {
	c       chan time.Time
	once    sync.Once
	stopped chan struct{}
}

func newStopTicker() *stopTicker {
	return &stopTicker{c: make(chan time.Time), stopped: make(chan struct{})}
}

func (t *stopTicker) C() <-chan time.Time { return t.c }

func (t *stopTicker) Stop() { t.once.Do(func() { close(t.stopped) }) }

func TestPollingStopsWhenSessionIsDeleted(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	admin := e.admin(t)

	pin, err := admin.CreateTestPin(ctx, domain.Games)
	require.NoError(t, err)

	ticker := newStopTicker()
	polled := make(chan error, 4)
	alice := e.client(t, func(c *coordinator.Config) {
		c.NewTickerFunc = func(time.Duration) poll.Ticker { return ticker }
		c.OnPoll = func(_ string, err error) { polled <- err }
	})
	_, err = alice.JoinTest(ctx, coordinator.JoinTestRequest{Pin: pin, Username: "Alice"})
	require.NoError(t, err)

	require.NoError(t, admin.DeleteSession(ctx, pin))

	ticker.c <- now
	select {
	case err := <-polled:
		requireCode(t, err, errors.CodeNotFound, "")
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not run")
	}

	select {
	case <-ticker.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("poller still running against the deleted session")
	}

	assert.False(t, alice.Session().IsActive)

	select {
	case ticker.c <- now:
		t.Fatal("tick accepted after the poller stopped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGameLeaderboardRejectsUnknownGame(t *testing.T) {
	e := newEnv()
	_, err := e.client(t).GameLeaderboard("chess")
	requireCode(t, err, errors.CodeInvalidArgument, "")
}
