package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/classquiz/internal/domain"
	"github.com/victornm/classquiz/internal/errors"
)

// Memory is an in-process store with the same row shapes, defaults and uniqueness rules as
// Postgres. Useful for tests and single-node demos.
type Memory struct {
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]sessionRow
	students []studentRow
}

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock allows deterministic timestamps in tests.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		now:      now,
		sessions: make(map[string]sessionRow),
	}
}

func (m *Memory) CreateSession(_ context.Context, s domain.TestSession) (*domain.TestSession, error) {
	games, err := encodeGames(s.SelectedGames)
	if err != nil {
		return nil, fmt.Errorf("encode selected games: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.Pin]; ok {
		return nil, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("test PIN already exists: pin=%s", s.Pin))
	}

	row := sessionRow{
		ID:            uuid.NewString(),
		Pin:           s.Pin,
		CreatedAt:     ptr(m.now()),
		IsActive:      ptr(true),
		Status:        ptr(string(domain.SessionWaiting)),
		SelectedGames: games,
	}
	m.sessions[s.Pin] = row

	out := row.toDomain()
	return &out, nil
}

func (m *Memory) GetSession(_ context.Context, pin string) (*domain.TestSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.sessions[pin]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: pin=%s", pin))
	}

	out := row.toDomain()
	return &out, nil
}

func (m *Memory) ListActiveSessions(_ context.Context) ([]domain.TestSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]domain.TestSession, 0, len(m.sessions))
	for _, row := range m.sessions {
		s := row.toDomain()
		if s.IsActive {
			sessions = append(sessions, s)
		}
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	return sessions, nil
}

func (m *Memory) UpdateSessionStatus(_ context.Context, pin string, status domain.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.sessions[pin]
	if !ok {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: pin=%s", pin))
	}
	row.Status = ptr(string(status))
	m.sessions[pin] = row

	return nil
}

// DeleteSession removes the session and, like the foreign key cascade, its students.
func (m *Memory) DeleteSession(_ context.Context, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[pin]; !ok {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: pin=%s", pin))
	}
	delete(m.sessions, pin)
	m.deleteStudentsLocked(pin)

	return nil
}

func (m *Memory) CreateStudent(_ context.Context, s domain.Student) (*domain.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.TestPin]; !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: pin=%s", s.TestPin))
	}
	if m.indexLocked(s.TestPin, s.Username) >= 0 {
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("username already taken: pin=%s username=%s", s.TestPin, s.Username))
	}

	startedAt := s.StartedAt
	if startedAt.IsZero() {
		startedAt = m.now()
	}

	row := studentRow{
		ID:             uuid.NewString(),
		TestPin:        s.TestPin,
		StudentName:    s.Username,
		Score:          ptr(int32(0)),
		Level:          ptr(int32(0)),
		CorrectAnswers: ptr(int32(0)),
		TotalQuestions: ptr(int32(0)),
		StartedAt:      &startedAt,
		Status:         ptr(string(s.Status)),
		GameHistory:    []byte("[]"),
	}
	m.students = append(m.students, row)

	out := row.toDomain()
	return &out, nil
}

func (m *Memory) GetStudent(_ context.Context, pin, username string) (*domain.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := m.indexLocked(pin, username)
	if i < 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("student not found: pin=%s username=%s", pin, username))
	}

	out := m.students[i].toDomain()
	return &out, nil
}

func (m *Memory) ListStudents(_ context.Context, pin string) ([]domain.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var students []domain.Student
	for _, row := range m.students {
		if row.TestPin == pin {
			students = append(students, row.toDomain())
		}
	}

	return students, nil
}

func (m *Memory) UpdateStudent(_ context.Context, pin, username string, patch domain.StudentPatch) error {
	if patch.Empty() {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessage("empty student update"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexLocked(pin, username)
	if i < 0 {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("student not found: pin=%s username=%s", pin, username))
	}

	row := m.students[i]
	if patch.Score != nil {
		row.Score = ptr(int32(*patch.Score))
	}
	if patch.Level != nil {
		row.Level = ptr(int32(*patch.Level))
	}
	if patch.CorrectAnswers != nil {
		row.CorrectAnswers = ptr(int32(*patch.CorrectAnswers))
	}
	if patch.TotalQuestions != nil {
		row.TotalQuestions = ptr(int32(*patch.TotalQuestions))
	}
	if patch.Status != nil {
		row.Status = ptr(string(*patch.Status))
	}
	if patch.CompletedAt != nil {
		row.CompletedAt = ptr(*patch.CompletedAt)
	}
	if patch.AppendResult != nil {
		var history []gameResultRow
		if len(row.GameHistory) > 0 {
			if err := json.Unmarshal(row.GameHistory, &history); err != nil {
				return errors.Internal(fmt.Errorf("decode game history: %w", err))
			}
		}
		b, err := json.Marshal(append(history, encodeResult(*patch.AppendResult)))
		if err != nil {
			return errors.Internal(fmt.Errorf("encode game history: %w", err))
		}
		row.GameHistory = b
	}
	m.students[i] = row

	return nil
}

// FinishStudents completes every unfinished student of pin except rejected ones.
func (m *Memory) FinishStudents(_ context.Context, pin string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for i, row := range m.students {
		if row.TestPin == pin && row.CompletedAt == nil && !rejected(row) {
			m.students[i].CompletedAt = ptr(at)
			n++
		}
	}

	return n, nil
}

func rejected(row studentRow) bool {
	return row.Status != nil && *row.Status == string(domain.StudentRejected)
}

func (m *Memory) DeleteStudents(_ context.Context, pin string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.deleteStudentsLocked(pin), nil
}

func (m *Memory) deleteStudentsLocked(pin string) int64 {
	kept := m.students[:0]
	var n int64
	for _, row := range m.students {
		if row.TestPin == pin {
			n++
			continue
		}
		kept = append(kept, row)
	}
	m.students = kept
	return n
}

func (m *Memory) indexLocked(pin, username string) int {
	for i, row := range m.students {
		if row.TestPin == pin && row.StudentName == username {
			return i
		}
	}
	return -1
}
