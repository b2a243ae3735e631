package repository

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/classquiz/internal/domain"
)

func TestSessionRow_ToDomain(t *testing.T) {
	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		row  sessionRow
		want domain.TestSession
	}{
		"null columns map to defaults": {
			row: sessionRow{ID: "id-1", Pin: "123456"},
			want: domain.TestSession{
				ID:            "id-1",
				Pin:           "123456",
				IsActive:      true,
				Status:        domain.SessionWaiting,
				SelectedGames: domain.Games,
			},
		},
		"selected games keep order and drop unknown ids": {
			row: sessionRow{
				ID:            "id-2",
				Pin:           "654321",
				CreatedAt:     &created,
				IsActive:      ptr(false),
				Status:        ptr("STARTED"),
				SelectedGames: []byte(`["numlink","chess","bubble","numlink"]`),
			},
			want: domain.TestSession{
				ID:            "id-2",
				Pin:           "654321",
				CreatedAt:     created,
				IsActive:      false,
				Status:        domain.SessionStarted,
				SelectedGames: []domain.GameID{domain.GameNumlink, domain.GameBubble},
			},
		},
		"unknown status is waiting": {
			row: sessionRow{ID: "id-3", Pin: "111111", Status: ptr("PAUSED"), SelectedGames: []byte(`[]`)},
			want: domain.TestSession{
				ID:            "id-3",
				Pin:           "111111",
				IsActive:      true,
				Status:        domain.SessionWaiting,
				SelectedGames: []domain.GameID{},
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.row.toDomain())
		})
	}
}

func TestStudentRow_ToDomain(t *testing.T) {
	t.Run("null columns map to defaults", func(t *testing.T) {
		s := studentRow{ID: "s1", TestPin: "123456", StudentName: "Alice"}.toDomain()

		assert.Equal(t, "Alice", s.Username)
		assert.Equal(t, domain.StudentApproved, s.Status)
		assert.Zero(t, s.Score)
		assert.False(t, s.IsFinished())
		assert.Empty(t, s.GameHistory)
	})

	t.Run("game history accepts string and epoch millis timestamps", func(t *testing.T) {
		done := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
		raw := `[
			{"game_id":"bubble","score":120,"time_taken":45,"correct_answers":28,"total_questions":30,"completed_at":"2024-05-01T09:30:00Z"},
			{"game_id":"crossmath","score":80,"time_taken":60,"correct_answers":8,"total_questions":10,"completed_at":1714555800000},
			{"game_id":"unknown","score":1}
		]`

		s := studentRow{
			StudentName: "Alice",
			Score:       ptr(int32(200)),
			Status:      ptr("PENDING"),
			CompletedAt: &done,
			GameHistory: []byte(raw),
		}.toDomain()

		require.Len(t, s.GameHistory, 2)
		assert.Equal(t, domain.StudentPending, s.Status)
		assert.True(t, s.IsFinished())
		assert.Equal(t, done, s.GameHistory[0].CompletedAt)
		assert.Equal(t, done, s.GameHistory[1].CompletedAt)
		assert.Equal(t, 200, s.TotalScore())
		assert.Equal(t, 105, s.TotalTime())
	})

	t.Run("corrupt history is empty", func(t *testing.T) {
		s := studentRow{StudentName: "Bob", GameHistory: []byte(`{not json`)}.toDomain()
		assert.Empty(t, s.GameHistory)
	})
}

func TestEncodeHistory(t *testing.T) {
	done := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	b, err := encodeHistory([]domain.GameResult{{GameID: domain.GameNumlink, Score: 10, CompletedAt: done}})
	require.NoError(t, err)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Len(t, raw, 1)
	assert.Equal(t, "numlink", raw[0]["game_id"])
	assert.Equal(t, "2024-05-01T09:30:00Z", raw[0]["completed_at"])
}

func TestBuildStudentUpdate(t *testing.T) {
	t.Run("only set fields are written", func(t *testing.T) {
		stmt, args, err := buildStudentUpdate("123456", "Alice", domain.StudentPatch{
			Score: ptr(50),
			Level: ptr(2),
		})
		require.NoError(t, err)
		assert.Equal(t, "UPDATE exam_results SET score = $3, level = $4 WHERE test_pin = $1 AND student_name = $2;", stmt)
		assert.Equal(t, []any{"123456", "Alice", 50, 2}, args)
	})

	t.Run("appending a result concatenates json", func(t *testing.T) {
		stmt, args, err := buildStudentUpdate("123456", "Alice", domain.StudentPatch{
			AppendResult: &domain.GameResult{GameID: domain.GameBubble, Score: 120},
		})
		require.NoError(t, err)
		assert.Contains(t, stmt, "game_history = COALESCE(game_history, '[]'::jsonb) || $3::jsonb")
		require.Len(t, args, 3)
	})

	t.Run("empty patch is rejected", func(t *testing.T) {
		_, _, err := buildStudentUpdate("123456", "Alice", domain.StudentPatch{})
		require.Error(t, err)
	})
}
