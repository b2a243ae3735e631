package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/victornm/classquiz/internal/coordinator"
	"github.com/victornm/classquiz/internal/domain"
	"github.com/victornm/classquiz/internal/errors"
)

// HeaderClientID carries the id returned by POST /v1/clients on every other request.
const HeaderClientID = "X-Client-ID"

const (
	clientIDKey    = "client_id"
	coordinatorKey = "coordinator"
)

type Config struct {
	Registry *Registry
	// AllowedOrigins restricts websocket upgrades. Empty permits every origin.
	AllowedOrigins []string
}

type API struct {
	reg      *Registry
	upgrader websocket.Upgrader
}

func New(c Config) *API {
	return &API{
		reg:      c.Registry,
		upgrader: buildUpgrader(c.AllowedOrigins),
	}
}

// Register mounts every route under /v1.
func (a *API) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/clients", a.createClient)

	g := v1.Group("", a.client)
	g.DELETE("/clients/me", a.deleteClient)
	g.GET("/pins/:pin", a.verifyPin)

	g.POST("/admin/login", a.login)
	g.POST("/admin/logout", a.logout)

	g.POST("/sessions", a.createSession)
	g.GET("/sessions", a.listSessions)
	g.DELETE("/sessions/:pin", a.deleteSession)
	g.POST("/sessions/:pin/select", a.selectSession)

	g.GET("/session", a.currentSession)
	g.POST("/session/start", a.startTest)
	g.POST("/session/stop", a.stopTest)
	g.POST("/session/refresh", a.refresh)
	g.GET("/session/students", a.roster)
	g.GET("/session/students/pending", a.pending)
	g.DELETE("/session/students", a.deleteStudents)
	g.POST("/session/students/:username/approve", a.approve)
	g.POST("/session/students/:username/reject", a.reject)

	g.GET("/leaderboard", a.leaderboard)
	g.GET("/leaderboard/:game", a.gameLeaderboard)

	g.POST("/join", a.join)
	g.GET("/me", a.me)
	g.PUT("/me/score", a.updateScore)
	g.POST("/me/results", a.submitResult)
	g.POST("/me/finish", a.finish)
	g.GET("/me/next-game", a.nextGame)
	g.POST("/me/wait", a.wait)
	g.GET("/me/watch", a.watch)
}

// client resolves the caller's coordinator from the client id header.
func (a *API) client(c *gin.Context) {
	id := c.GetHeader(HeaderClientID)
	if id == "" {
		id = c.Query("client")
	}

	co, ok := a.reg.Get(id)
	if !ok {
		abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessage("unknown client, register with POST /v1/clients")))
		return
	}

	c.Set(clientIDKey, id)
	c.Set(coordinatorKey, co)
	c.Next()
}

func coordinatorOf(c *gin.Context) *coordinator.Coordinator {
	return c.MustGet(coordinatorKey).(*coordinator.Coordinator)
}

// abort writes err as a JSON error response.
func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed", "path", c.FullPath(), "error", err)
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": Error{Code: int(e.Code), Message: e.Message}})
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessage("invalid request body"), errors.WithCause(err)))
		return false
	}
	return true
}

func (a *API) createClient(c *gin.Context) {
	id, _ := a.reg.Create()
	c.JSON(http.StatusCreated, CreateClientResponse{ClientID: id})
}

func (a *API) deleteClient(c *gin.Context) {
	a.reg.Remove(c.GetString(clientIDKey))
	c.Status(http.StatusNoContent)
}

func (a *API) verifyPin(c *gin.Context) {
	ok, err := coordinatorOf(c).VerifyTestPin(c.Request.Context(), c.Param("pin"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, VerifyPinResponse{Valid: ok})
}

func (a *API) login(c *gin.Context) {
	var req LoginRequest
	if !bind(c, &req) {
		return
	}

	if !coordinatorOf(c).AdminLogin(req.Password) {
		abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessage("invalid password")))
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) logout(c *gin.Context) {
	coordinatorOf(c).AdminLogout()
	c.Status(http.StatusNoContent)
}

func (a *API) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if !bind(c, &req) {
		return
	}

	co := coordinatorOf(c)
	if _, err := co.CreateTestPin(c.Request.Context(), req.Games); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, fromSession(*co.Session()))
}

func (a *API) listSessions(c *gin.Context) {
	sessions, err := coordinatorOf(c).FetchSessions(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, fromSessions(sessions))
}

func (a *API) deleteSession(c *gin.Context) {
	if err := coordinatorOf(c).DeleteSession(c.Request.Context(), c.Param("pin")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) selectSession(c *gin.Context) {
	co := coordinatorOf(c)
	if err := co.SwitchSession(c.Request.Context(), c.Param("pin")); err != nil {
		abort(c, err)
		return
	}
	a.currentSession(c)
}

func (a *API) currentSession(c *gin.Context) {
	co := coordinatorOf(c)
	sess := co.Session()
	if sess == nil {
		abort(c, errors.New(errors.CodeNotFound, errors.WithMessage("no current test session")))
		return
	}
	c.JSON(http.StatusOK, CurrentSessionResponse{
		Session: fromSession(*sess),
		Counts:  fromCounts(co.Counts()),
	})
}

func (a *API) startTest(c *gin.Context) {
	if err := coordinatorOf(c).StartTest(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	a.currentSession(c)
}

func (a *API) stopTest(c *gin.Context) {
	if err := coordinatorOf(c).StopTest(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	a.currentSession(c)
}

func (a *API) refresh(c *gin.Context) {
	if err := coordinatorOf(c).RefreshRoster(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	a.currentSession(c)
}

func (a *API) roster(c *gin.Context) {
	c.JSON(http.StatusOK, fromStudents(coordinatorOf(c).Roster()))
}

func (a *API) pending(c *gin.Context) {
	c.JSON(http.StatusOK, fromStudents(coordinatorOf(c).PendingStudents()))
}

func (a *API) deleteStudents(c *gin.Context) {
	if err := coordinatorOf(c).DeleteAllUsers(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) approve(c *gin.Context) {
	if err := coordinatorOf(c).ApproveStudent(c.Request.Context(), c.Param("username")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) reject(c *gin.Context) {
	if err := coordinatorOf(c).RejectStudent(c.Request.Context(), c.Param("username")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) leaderboard(c *gin.Context) {
	co := coordinatorOf(c)
	if co.Session() == nil {
		abort(c, errors.New(errors.CodeNotFound, errors.WithMessage("no current test session")))
		return
	}
	c.JSON(http.StatusOK, fromLeaderboard(co.Leaderboard()))
}

func (a *API) gameLeaderboard(c *gin.Context) {
	l, err := coordinatorOf(c).GameLeaderboard(domain.GameID(c.Param("game")))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, fromLeaderboard(l))
}

func (a *API) join(c *gin.Context) {
	var req JoinRequest
	if !bind(c, &req) {
		return
	}

	resp, err := coordinatorOf(c).JoinTest(c.Request.Context(), coordinator.JoinTestRequest{
		Pin:      req.Pin,
		Username: req.Username,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, JoinResponse{Student: fromStudent(resp.Student), Pending: resp.Pending})
}

// self returns the student that joined through this client.
func self(c *gin.Context) (*coordinator.Coordinator, *domain.Student, bool) {
	co := coordinatorOf(c)
	st := co.Student()
	if st == nil {
		abort(c, errors.New(errors.CodeFailedPrecondition, errors.WithMessage("no student has joined")))
		return nil, nil, false
	}
	return co, st, true
}

// latest returns the client's student after a write. The coordinator may have dropped it in the
// meantime, when its session was deleted, and then st is reported as it was.
func latest(co *coordinator.Coordinator, st *domain.Student) domain.Student {
	if s := co.Student(); s != nil {
		return *s
	}
	return *st
}

func (a *API) me(c *gin.Context) {
	_, st, ok := self(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, fromStudent(*st))
}

func (a *API) updateScore(c *gin.Context) {
	co, st, ok := self(c)
	if !ok {
		return
	}

	var req ScoreRequest
	if !bind(c, &req) {
		return
	}

	err := co.UpdateStudentScore(c.Request.Context(), coordinator.UpdateScoreRequest{
		Username:       st.Username,
		Score:          req.Score,
		Level:          req.Level,
		CorrectAnswers: req.CorrectAnswers,
		TotalQuestions: req.TotalQuestions,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (a *API) submitResult(c *gin.Context) {
	co, st, ok := self(c)
	if !ok {
		return
	}

	var result domain.GameResult
	if !bind(c, &result) {
		return
	}

	if err := co.SubmitGameResult(c.Request.Context(), st.Username, result); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, fromStudent(latest(co, st)))
}

func (a *API) finish(c *gin.Context) {
	co, st, ok := self(c)
	if !ok {
		return
	}

	if err := co.FinishTest(c.Request.Context(), st.Username); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, fromStudent(latest(co, st)))
}

func (a *API) nextGame(c *gin.Context) {
	co, _, ok := self(c)
	if !ok {
		return
	}

	g, ok := co.NextGame()
	c.JSON(http.StatusOK, NextGameResponse{GameID: g, Done: !ok})
}

// wait blocks until the student may start playing.
func (a *API) wait(c *gin.Context) {
	co, _, ok := self(c)
	if !ok {
		return
	}

	if err := co.WaitForStart(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	g, _ := co.NextGame()
	c.JSON(http.StatusOK, NextGameResponse{GameID: g, Done: g == ""})
}
