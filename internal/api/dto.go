package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/classquiz/internal/coordinator"
	"github.com/victornm/classquiz/internal/domain"
)

type Session struct {
	ID            string               `json:"id"`
	Pin           string               `json:"pin"`
	CreatedAt     time.Time            `json:"createdAt"`
	IsActive      bool                 `json:"isActive"`
	Status        domain.SessionStatus `json:"status"`
	SelectedGames []domain.GameID      `json:"selectedGames"`
}

type Student struct {
	ID             string               `json:"id"`
	Username       string               `json:"username"`
	TestPin        string               `json:"testPin"`
	Score          int                  `json:"score"`
	Level          int                  `json:"level"`
	CorrectAnswers int                  `json:"correctAnswers"`
	TotalQuestions int                  `json:"totalQuestions"`
	StartedAt      time.Time            `json:"startedAt"`
	CompletedAt    *time.Time           `json:"completedAt,omitempty"`
	Status         domain.StudentStatus `json:"status"`
	GameHistory    []domain.GameResult  `json:"gameHistory"`
}

type LeaderboardEntry struct {
	Rank           int             `json:"rank"`
	Username       string          `json:"username"`
	Score          int             `json:"score"`
	TotalTime      int             `json:"totalTime"`
	CorrectAnswers int             `json:"correctAnswers"`
	TotalQuestions int             `json:"totalQuestions"`
	Accuracy       decimal.Decimal `json:"accuracy"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

type Leaderboard struct {
	Pin     string             `json:"pin"`
	GameID  domain.GameID      `json:"gameId,omitempty"`
	Entries []LeaderboardEntry `json:"entries"`
}

type Counts struct {
	Joined   int `json:"joined"`
	Pending  int `json:"pending"`
	Playing  int `json:"playing"`
	Finished int `json:"finished"`
}

type Update struct {
	Student Student `json:"student"`
	Session Session `json:"session"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type (
	CreateClientResponse struct {
		ClientID string `json:"clientId"`
	}

	LoginRequest struct {
		Password string `json:"password" binding:"required"`
	}

	CreateSessionRequest struct {
		Games []domain.GameID `json:"games" binding:"required,min=1"`
	}

	CurrentSessionResponse struct {
		Session Session `json:"session"`
		Counts  Counts  `json:"counts"`
	}

	VerifyPinResponse struct {
		Valid bool `json:"valid"`
	}

	JoinRequest struct {
		Pin      string `json:"pin"`
		Username string `json:"username"`
	}

	JoinResponse struct {
		Student Student `json:"student"`
		Pending bool    `json:"pending"`
	}

	ScoreRequest struct {
		Score          int  `json:"score"`
		Level          int  `json:"level"`
		CorrectAnswers int  `json:"correctAnswers"`
		TotalQuestions *int `json:"totalQuestions"`
	}

	NextGameResponse struct {
		GameID domain.GameID `json:"gameId,omitempty"`
		Done   bool          `json:"done"`
	}
)

func fromSession(s domain.TestSession) Session {
	games := s.SelectedGames
	if games == nil {
		games = []domain.GameID{}
	}
	return Session{
		ID:            s.ID,
		Pin:           s.Pin,
		CreatedAt:     s.CreatedAt,
		IsActive:      s.IsActive,
		Status:        s.Status,
		SelectedGames: games,
	}
}

func fromSessions(in []domain.TestSession) []Session {
	out := make([]Session, 0, len(in))
	for _, s := range in {
		out = append(out, fromSession(s))
	}
	return out
}

func fromStudent(s domain.Student) Student {
	history := s.GameHistory
	if history == nil {
		history = []domain.GameResult{}
	}
	return Student{
		ID:             s.ID,
		Username:       s.Username,
		TestPin:        s.TestPin,
		Score:          s.Score,
		Level:          s.Level,
		CorrectAnswers: s.CorrectAnswers,
		TotalQuestions: s.TotalQuestions,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
		Status:         s.Status,
		GameHistory:    history,
	}
}

func fromStudents(in []domain.Student) []Student {
	out := make([]Student, 0, len(in))
	for _, s := range in {
		out = append(out, fromStudent(s))
	}
	return out
}

func fromLeaderboard(l domain.Leaderboard) Leaderboard {
	entries := make([]LeaderboardEntry, 0, len(l.Entries))
	for _, e := range l.Entries {
		entries = append(entries, LeaderboardEntry{
			Rank:           e.Rank,
			Username:       e.Username,
			Score:          e.Score,
			TotalTime:      e.TotalTime,
			CorrectAnswers: e.CorrectAnswers,
			TotalQuestions: e.TotalQuestions,
			Accuracy:       e.Accuracy,
			CompletedAt:    e.CompletedAt,
		})
	}
	return Leaderboard{Pin: l.Pin, GameID: l.GameID, Entries: entries}
}

func fromCounts(c domain.Counts) Counts {
	return Counts(c)
}

func fromUpdate(u coordinator.Update) Update {
	return Update{Student: fromStudent(u.Student), Session: fromSession(u.Session)}
}
