package coordinator

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/victornm/classquiz/internal/domain"
	"github.com/victornm/classquiz/internal/errors"
)

// VerifyTestPin reports whether an active session exists for pin. It only reads.
func (c *Coordinator) VerifyTestPin(ctx context.Context, pin string) (bool, error) {
	pin = strings.TrimSpace(pin)
	if c.validatePin(pin) != nil {
		return false, nil
	}

	var sess *domain.TestSession
	err := c.store(ctx, "verify pin", func(ctx context.Context) error {
		var err error
		sess, err = c.repo.GetSession(ctx, pin)
		return err
	})
	if errors.Is(err, errors.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return sess.IsActive, nil
}

type JoinTestRequest struct {
	Pin      string
	Username string
}

type JoinTestResponse struct {
	Student domain.Student
	// Pending is set when the test had already started. The student waits for approval.
	Pending bool
}

// JoinTest registers the student in the session. Joining a started test leaves the student
// pending approval; otherwise the student is approved at once.
func (c *Coordinator) JoinTest(ctx context.Context, req JoinTestRequest) (*JoinTestResponse, error) {
	pin := strings.TrimSpace(req.Pin)
	username := strings.TrimSpace(req.Username)

	if username == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessage(MsgUsernameRequired))
	}
	if err := c.validatePin(pin); err != nil {
		return nil, err
	}

	var (
		sess *domain.TestSession
		st   *domain.Student
	)
	err := c.store(ctx, "join test", func(ctx context.Context) error {
		var err error
		if sess, err = c.repo.GetSession(ctx, pin); err != nil {
			if errors.Is(err, errors.CodeNotFound) {
				return errors.New(errors.CodeNotFound, errors.WithMessage(MsgInvalidPin), errors.WithCause(err))
			}
			return err
		}

		if !sess.Joinable() {
			return errInactive()
		}

		status := domain.StudentApproved
		if sess.Status == domain.SessionStarted {
			status = domain.StudentPending
		}

		st, err = c.repo.CreateStudent(ctx, domain.Student{
			TestPin:   pin,
			Username:  username,
			Status:    status,
			StartedAt: c.now(),
		})
		if errors.Is(err, errors.CodeAlreadyExists) {
			return errors.New(errors.CodeAlreadyExists, errors.WithMessage(MsgUsernameTaken), errors.WithCause(err))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.pinLocked() != pin {
		c.roster = nil
	}
	c.session = cloneSession(sess)
	s := st.Clone()
	c.student = &s
	c.upsertRosterLocked(*st)
	c.mu.Unlock()

	c.syncPoller()
	c.publishSession(ctx)
	c.publishStudent(ctx)
	c.publishRoster(ctx)

	return &JoinTestResponse{
		Student: st.Clone(),
		Pending: st.Status == domain.StudentPending,
	}, nil
}

type UpdateScoreRequest struct {
	Username       string
	Score          int `validate:"gte=0"`
	Level          int `validate:"gte=0"`
	CorrectAnswers int `validate:"gte=0"`
	// TotalQuestions is left untouched when nil.
	TotalQuestions *int `validate:"omitnil,gte=0"`
}

// UpdateStudentScore records in-game progress. The local record changes immediately and the
// store write happens in the background; a failed write is reported on StoreErrors and not
// rolled back.
func (c *Coordinator) UpdateStudentScore(ctx context.Context, req UpdateScoreRequest) error {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessage(MsgUsernameRequired))
	}
	if err := c.validate.StructCtx(ctx, req); err != nil {
		return invalid("score update", err)
	}

	patch := domain.StudentPatch{
		Score:          &req.Score,
		Level:          &req.Level,
		CorrectAnswers: &req.CorrectAnswers,
		TotalQuestions: req.TotalQuestions,
	}

	c.mu.Lock()
	pin := c.pinLocked()
	if pin == "" {
		c.mu.Unlock()
		return errNoSession()
	}
	c.applyLocalLocked(username, patch)
	c.mu.Unlock()

	c.enqueue("update score", func(ctx context.Context) error {
		return c.repo.UpdateStudent(ctx, pin, username, patch)
	})

	return nil
}

// SubmitGameResult appends a completed game to the student's history, locally and in the
// store. The student's score becomes the total over all recorded games. A game can only be
// recorded once and must be one the session offers.
func (c *Coordinator) SubmitGameResult(ctx context.Context, username string, result domain.GameResult) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessage(MsgUsernameRequired))
	}
	if err := c.validate.StructCtx(ctx, result); err != nil {
		return invalid("game result", err)
	}
	if !result.GameID.Valid() {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown game: %s", result.GameID))
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = c.now()
	}

	sess := c.Session()
	if sess == nil {
		return errNoSession()
	}
	if !sess.Joinable() {
		return errInactive()
	}
	if !slices.Contains(sess.SelectedGames, result.GameID) {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("game not selected for this test: %s", result.GameID))
	}

	st, err := c.lookupStudent(ctx, sess.Pin, username)
	if err != nil {
		return err
	}
	if st.HasPlayed(result.GameID) {
		return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("game already recorded: %s", result.GameID))
	}

	st.GameHistory = append(st.GameHistory, result)
	total := st.TotalScore()
	patch := domain.StudentPatch{
		Score:        &total,
		AppendResult: &result,
	}

	c.mu.Lock()
	if c.pinLocked() == sess.Pin {
		c.applyLocalLocked(username, patch)
	}
	c.mu.Unlock()

	return c.writeAndWait(ctx, "submit game result", func(ctx context.Context) error {
		return c.repo.UpdateStudent(ctx, sess.Pin, username, patch)
	})
}

// FinishTest marks the student finished once every selected game is recorded. The local record
// changes immediately and the store write happens in the background.
func (c *Coordinator) FinishTest(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessage(MsgUsernameRequired))
	}

	sess := c.Session()
	if sess == nil {
		return errNoSession()
	}

	st, err := c.lookupStudent(ctx, sess.Pin, username)
	if err != nil {
		return err
	}
	if st.IsFinished() {
		return nil
	}
	if g, ok := nextGame(*sess, *st); ok {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("games remaining: next is %s", g))
	}

	at := c.now()
	patch := domain.StudentPatch{CompletedAt: &at}

	c.mu.Lock()
	own := c.isCurrentStudentLocked(username)
	if c.pinLocked() == sess.Pin {
		c.applyLocalLocked(username, patch)
	}
	c.mu.Unlock()

	c.enqueue("finish test", func(ctx context.Context) error {
		return c.repo.UpdateStudent(ctx, sess.Pin, username, patch)
	})

	if own {
		c.publishStudent(ctx)
	}
	c.publishRoster(ctx)

	return nil
}

// NextGame returns the first selected game the local student has not played yet, in the order
// the session lists them. ok is false when every game is done or nobody has joined.
func (c *Coordinator) NextGame() (g domain.GameID, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil || c.student == nil || c.student.TestPin != c.session.Pin {
		return "", false
	}

	return nextGame(*c.session, *c.student)
}

func nextGame(sess domain.TestSession, st domain.Student) (domain.GameID, bool) {
	for _, g := range sess.SelectedGames {
		if !st.HasPlayed(g) {
			return g, true
		}
	}
	return "", false
}

// lookupStudent finds the student locally, falling back to the store.
func (c *Coordinator) lookupStudent(ctx context.Context, pin, username string) (*domain.Student, error) {
	c.mu.RLock()
	var local *domain.Student
	switch {
	case c.isCurrentStudentLocked(username):
		s := c.student.Clone()
		local = &s
	case c.pinLocked() == pin:
		if i := c.rosterIndexLocked(username); i >= 0 {
			s := c.roster[i].Clone()
			local = &s
		}
	}
	c.mu.RUnlock()

	if local != nil {
		return local, nil
	}

	var st *domain.Student
	err := c.store(ctx, "get student", func(ctx context.Context) error {
		var err error
		st, err = c.repo.GetStudent(ctx, pin, username)
		return err
	})
	return st, err
}

// applyLocalLocked applies patch to the local student and the roster entry of username.
func (c *Coordinator) applyLocalLocked(username string, patch domain.StudentPatch) {
	if c.isCurrentStudentLocked(username) {
		patch.Apply(c.student)
	}
	if i := c.rosterIndexLocked(username); i >= 0 {
		patch.Apply(&c.roster[i])
	}
}

func (c *Coordinator) validatePin(pin string) error {
	if err := c.validate.Var(pin, "len=6,number"); err != nil {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessage(MsgPinFormat), errors.WithCause(err))
	}
	return nil
}

func invalid(what string, err error) error {
	var ve validator.ValidationErrors
	if stderrors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid %s: %s must satisfy %s", what, fe.Field(), tagDescription(fe)),
			errors.WithCause(err))
	}
	return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid %s", what), errors.WithCause(err))
}

func tagDescription(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
}
