package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/victornm/classquiz/internal/domain"
)

// sessionRow mirrors a test_sessions row. Nullable columns are pointers so a missing value maps
// to a documented default instead of a zero value that looks intentional.
type sessionRow struct {
	ID            string
	Pin           string
	CreatedAt     *time.Time
	IsActive      *bool
	Status        *string
	SelectedGames []byte
}

// studentRow mirrors an exam_results row.
type studentRow struct {
	ID             string
	TestPin        string
	StudentName    string
	Score          *int32
	Level          *int32
	CorrectAnswers *int32
	TotalQuestions *int32
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Status         *string
	GameHistory    []byte
}

// gameResultRow is one element of the game_history json array.
type gameResultRow struct {
	GameID         string   `json:"game_id"`
	Score          int      `json:"score"`
	TimeTaken      int      `json:"time_taken"`
	CorrectAnswers int      `json:"correct_answers"`
	TotalQuestions int      `json:"total_questions"`
	CompletedAt    flexTime `json:"completed_at"`
}

// flexTime is written as RFC 3339 and read from either an RFC 3339 string or epoch millis.
type flexTime struct {
	time.Time
}

func (t flexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}

	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("parse epoch millis %s: %w", b, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// Defaults applied when reading rows:
//   - is_active NULL is treated as active (the column default)
//   - unknown or NULL session status is WAITING
//   - NULL selected_games means every game, unknown ids are dropped
//   - NULL student status is APPROVED (implicit approval)
//   - NULL counters are 0, NULL game_history is empty, NULL completed_at is unfinished
func (r sessionRow) toDomain() domain.TestSession {
	s := domain.TestSession{
		ID:       r.ID,
		Pin:      r.Pin,
		IsActive: true,
		Status:   domain.SessionWaiting,
	}
	if r.CreatedAt != nil {
		s.CreatedAt = *r.CreatedAt
	}
	if r.IsActive != nil {
		s.IsActive = *r.IsActive
	}
	if r.Status != nil {
		switch st := domain.SessionStatus(*r.Status); st {
		case domain.SessionWaiting, domain.SessionStarted, domain.SessionFinished:
			s.Status = st
		}
	}

	s.SelectedGames = decodeGames(r.SelectedGames)
	return s
}

func decodeGames(raw []byte) []domain.GameID {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return append([]domain.GameID(nil), domain.Games...)
	}

	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return append([]domain.GameID(nil), domain.Games...)
	}

	games := make([]domain.GameID, 0, len(ids))
	for _, id := range ids {
		g := domain.GameID(id)
		if g.Valid() && !containsGame(games, g) {
			games = append(games, g)
		}
	}
	return games
}

func encodeGames(games []domain.GameID) ([]byte, error) {
	ids := make([]string, 0, len(games))
	for _, g := range games {
		ids = append(ids, string(g))
	}
	return json.Marshal(ids)
}

func containsGame(games []domain.GameID, g domain.GameID) bool {
	for _, x := range games {
		if x == g {
			return true
		}
	}
	return false
}

func (r studentRow) toDomain() domain.Student {
	s := domain.Student{
		ID:             r.ID,
		Username:       r.StudentName,
		TestPin:        r.TestPin,
		Score:          intOrZero(r.Score),
		Level:          intOrZero(r.Level),
		CorrectAnswers: intOrZero(r.CorrectAnswers),
		TotalQuestions: intOrZero(r.TotalQuestions),
		Status:         domain.StudentApproved,
	}
	if r.StartedAt != nil {
		s.StartedAt = *r.StartedAt
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		s.CompletedAt = &at
	}
	if r.Status != nil {
		switch st := domain.StudentStatus(*r.Status); st {
		case domain.StudentPending, domain.StudentApproved, domain.StudentRejected:
			s.Status = st
		}
	}

	s.GameHistory = decodeHistory(r.GameHistory)
	return s
}

func decodeHistory(raw []byte) []domain.GameResult {
	if len(raw) == 0 {
		return nil
	}

	var rows []gameResultRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil
	}

	history := make([]domain.GameResult, 0, len(rows))
	for _, row := range rows {
		g := domain.GameID(row.GameID)
		if !g.Valid() {
			continue
		}
		history = append(history, domain.GameResult{
			GameID:         g,
			Score:          row.Score,
			TimeTaken:      row.TimeTaken,
			CorrectAnswers: row.CorrectAnswers,
			TotalQuestions: row.TotalQuestions,
			CompletedAt:    row.CompletedAt.Time,
		})
	}
	return history
}

func encodeResult(r domain.GameResult) gameResultRow {
	return gameResultRow{
		GameID:         string(r.GameID),
		Score:          r.Score,
		TimeTaken:      r.TimeTaken,
		CorrectAnswers: r.CorrectAnswers,
		TotalQuestions: r.TotalQuestions,
		CompletedAt:    flexTime{r.CompletedAt},
	}
}

func encodeHistory(history []domain.GameResult) ([]byte, error) {
	rows := make([]gameResultRow, 0, len(history))
	for _, r := range history {
		rows = append(rows, encodeResult(r))
	}
	return json.Marshal(rows)
}

func intOrZero(v *int32) int {
	if v == nil {
		return 0
	}
	return int(*v)
}

func ptr[T any](v T) *T {
	return &v
}
