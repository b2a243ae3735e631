package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// GameID identifies one of the mini-games a session can offer.
type GameID string

const (
	GameBubble    GameID = "bubble"
	GameCrossmath GameID = "crossmath"
	GameNumlink   GameID = "numlink"
)

// Games lists every known game in default preference order.
var Games = []GameID{GameBubble, GameCrossmath, GameNumlink}

func (g GameID) Valid() bool {
	return slices.Contains(Games, g)
}

type SessionStatus string

const (
	SessionWaiting  SessionStatus = "WAITING"
	SessionStarted  SessionStatus = "STARTED"
	SessionFinished SessionStatus = "FINISHED"
)

// CanTransition reports whether a session may move from s to next. Transitions only go forward.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionWaiting:
		return next == SessionStarted || next == SessionFinished
	case SessionStarted:
		return next == SessionFinished
	default:
		return false
	}
}

type StudentStatus string

const (
	StudentPending  StudentStatus = "PENDING"
	StudentApproved StudentStatus = "APPROVED"
	StudentRejected StudentStatus = "REJECTED"
)

// TestSession is one instance of a test identified by its PIN.
type TestSession struct {
	ID            string
	Pin           string
	CreatedAt     time.Time
	IsActive      bool
	Status        SessionStatus
	SelectedGames []GameID
}

// Joinable reports whether students may still join the session.
func (s TestSession) Joinable() bool {
	return s.IsActive && s.Status != SessionFinished
}

// GameResult is the immutable outcome of one completed mini-game.
type GameResult struct {
	GameID         GameID    `json:"gameId" validate:"required"`
	Score          int       `json:"score" validate:"gte=0"`
	TimeTaken      int       `json:"timeTaken" validate:"gte=0"` // seconds
	CorrectAnswers int       `json:"correctAnswers" validate:"gte=0,ltefield=TotalQuestions"`
	TotalQuestions int       `json:"totalQuestions" validate:"gte=0"`
	CompletedAt    time.Time `json:"completedAt"`
}

// Student is a participant's record for one session.
type Student struct {
	ID             string
	Username       string
	TestPin        string
	Score          int
	Level          int
	CorrectAnswers int
	TotalQuestions int
	StartedAt      time.Time
	CompletedAt    *time.Time
	Status         StudentStatus
	GameHistory    []GameResult
}

func (s Student) IsFinished() bool {
	return s.CompletedAt != nil
}

// HasPlayed reports whether a result for the game is already recorded.
func (s Student) HasPlayed(g GameID) bool {
	return slices.ContainsFunc(s.GameHistory, func(r GameResult) bool { return r.GameID == g })
}

// Result returns the recorded result for a game.
func (s Student) Result(g GameID) (GameResult, bool) {
	for _, r := range s.GameHistory {
		if r.GameID == g {
			return r, true
		}
	}
	return GameResult{}, false
}

// TotalScore is the sum of all recorded game scores, or the running score column when no game
// history is tracked.
func (s Student) TotalScore() int {
	if len(s.GameHistory) == 0 {
		return s.Score
	}
	total := 0
	for _, r := range s.GameHistory {
		total += r.Score
	}
	return total
}

// TotalTime is the sum of recorded game durations in seconds. Without history it falls back to the
// wall time between joining and completion.
func (s Student) TotalTime() int {
	if len(s.GameHistory) == 0 {
		if s.CompletedAt == nil {
			return 0
		}
		return int(s.CompletedAt.Sub(s.StartedAt) / time.Second)
	}
	total := 0
	for _, r := range s.GameHistory {
		total += r.TimeTaken
	}
	return total
}

// Clone returns a deep copy so callers never share the coordinator's backing slices.
func (s Student) Clone() Student {
	c := s
	c.GameHistory = slices.Clone(s.GameHistory)
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

// StudentPatch is a partial update. Nil fields are left untouched in the store.
type StudentPatch struct {
	Score          *int
	Level          *int
	CorrectAnswers *int
	TotalQuestions *int
	Status         *StudentStatus
	CompletedAt    *time.Time
	AppendResult   *GameResult
}

func (p StudentPatch) Empty() bool {
	return p.Score == nil && p.Level == nil && p.CorrectAnswers == nil && p.TotalQuestions == nil &&
		p.Status == nil && p.CompletedAt == nil && p.AppendResult == nil
}

// Apply mutates s the way the store would.
func (p StudentPatch) Apply(s *Student) {
	if p.Score != nil {
		s.Score = *p.Score
	}
	if p.Level != nil {
		s.Level = *p.Level
	}
	if p.CorrectAnswers != nil {
		s.CorrectAnswers = *p.CorrectAnswers
	}
	if p.TotalQuestions != nil {
		s.TotalQuestions = *p.TotalQuestions
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		s.CompletedAt = &at
	}
	if p.AppendResult != nil {
		s.GameHistory = append(s.GameHistory, *p.AppendResult)
	}
}

// Leaderboard is a ranked projection of a session's students.
type Leaderboard struct {
	Pin     string
	GameID  GameID // empty for the overall leaderboard
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	Rank           int
	Username       string
	Score          int
	TotalTime      int
	CorrectAnswers int
	TotalQuestions int
	Accuracy       decimal.Decimal // percent, two decimals
	CompletedAt    *time.Time
}

// Counts summarises the roster for dashboards.
type Counts struct {
	Joined   int
	Pending  int
	Playing  int
	Finished int
}
