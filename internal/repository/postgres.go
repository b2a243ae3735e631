package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/classquiz/internal/domain"
	"github.com/victornm/classquiz/internal/errors"
)

const codeUniqueViolation = "23505"

const (
	sessionColumns = `id::text, pin, created_at, is_active, status, selected_games`
	studentColumns = `id::text, test_pin, student_name, score, level, correct_answers, total_questions,
	started_at, completed_at, status, game_history`
)

type Config struct {
	DB *pgxpool.Pool
}

// Postgres stores sessions in test_sessions and students in exam_results.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(c Config) *Postgres {
	return &Postgres{db: c.DB}
}

func (p *Postgres) CreateSession(ctx context.Context, s domain.TestSession) (*domain.TestSession, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	games, err := encodeGames(s.SelectedGames)
	if err != nil {
		return nil, fmt.Errorf("encode selected games: %w", err)
	}

	const stmt = `
INSERT INTO test_sessions (id, pin, is_active, status, selected_games)
VALUES ($1, $2, TRUE, $3, $4)
RETURNING ` + sessionColumns + `;`

	row, err := scanSession(p.db.QueryRow(ctx, stmt, id, s.Pin, string(domain.SessionWaiting), games))
	if err != nil {
		return nil, storeError("insert session", err, "test PIN already exists: pin=%s", s.Pin)
	}

	out := row.toDomain()
	return &out, nil
}

func (p *Postgres) GetSession(ctx context.Context, pin string) (*domain.TestSession, error) {
	const stmt = `SELECT ` + sessionColumns + ` FROM test_sessions WHERE pin = $1;`

	row, err := scanSession(p.db.QueryRow(ctx, stmt, pin))
	if err != nil {
		return nil, storeError("get session", err, "session not found: pin=%s", pin)
	}

	out := row.toDomain()
	return &out, nil
}

func (p *Postgres) ListActiveSessions(ctx context.Context) ([]domain.TestSession, error) {
	const stmt = `SELECT ` + sessionColumns + ` FROM test_sessions WHERE is_active IS NOT FALSE ORDER BY created_at DESC;`

	rows, err := p.db.Query(ctx, stmt)
	if err != nil {
		return nil, storeError("list sessions", err, "")
	}

	sessions, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.TestSession, error) {
		row, err := scanSession(r)
		if err != nil {
			return domain.TestSession{}, err
		}
		return row.toDomain(), nil
	})
	if err != nil {
		return nil, storeError("list sessions", err, "")
	}

	return sessions, nil
}

func (p *Postgres) UpdateSessionStatus(ctx context.Context, pin string, status domain.SessionStatus) error {
	const stmt = `UPDATE test_sessions SET status = $2 WHERE pin = $1;`

	tag, err := p.db.Exec(ctx, stmt, pin, string(status))
	if err != nil {
		return storeError("update session status", err, "")
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: pin=%s", pin))
	}

	return nil
}

func (p *Postgres) DeleteSession(ctx context.Context, pin string) error {
	const stmt = `DELETE FROM test_sessions WHERE pin = $1;`

	tag, err := p.db.Exec(ctx, stmt, pin)
	if err != nil {
		return storeError("delete session", err, "")
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: pin=%s", pin))
	}

	return nil
}

func (p *Postgres) CreateStudent(ctx context.Context, s domain.Student) (*domain.Student, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate student ID: %w", err)
	}

	const stmt = `
INSERT INTO exam_results (id, test_pin, student_name, score, level, correct_answers, total_questions, started_at, status, game_history)
VALUES ($1, $2, $3, 0, 0, 0, 0, $4, $5, '[]'::jsonb)
RETURNING ` + studentColumns + `;`

	row, err := scanStudent(p.db.QueryRow(ctx, stmt, id, s.TestPin, s.Username, s.StartedAt, string(s.Status)))
	if err != nil {
		return nil, storeError("insert student", err, "username already taken: pin=%s username=%s", s.TestPin, s.Username)
	}

	out := row.toDomain()
	return &out, nil
}

func (p *Postgres) GetStudent(ctx context.Context, pin, username string) (*domain.Student, error) {
	const stmt = `SELECT ` + studentColumns + ` FROM exam_results WHERE test_pin = $1 AND student_name = $2;`

	row, err := scanStudent(p.db.QueryRow(ctx, stmt, pin, username))
	if err != nil {
		return nil, storeError("get student", err, "student not found: pin=%s username=%s", pin, username)
	}

	out := row.toDomain()
	return &out, nil
}

func (p *Postgres) ListStudents(ctx context.Context, pin string) ([]domain.Student, error) {
	const stmt = `SELECT ` + studentColumns + ` FROM exam_results WHERE test_pin = $1 ORDER BY started_at ASC, id ASC;`

	rows, err := p.db.Query(ctx, stmt, pin)
	if err != nil {
		return nil, storeError("list students", err, "")
	}

	students, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Student, error) {
		row, err := scanStudent(r)
		if err != nil {
			return domain.Student{}, err
		}
		return row.toDomain(), nil
	})
	if err != nil {
		return nil, storeError("list students", err, "")
	}

	return students, nil
}

// UpdateStudent writes only the fields set in the patch so concurrent writers of other columns
// are not clobbered. Appending a game result is done in SQL so the array is never rewritten.
func (p *Postgres) UpdateStudent(ctx context.Context, pin, username string, patch domain.StudentPatch) error {
	stmt, args, err := buildStudentUpdate(pin, username, patch)
	if err != nil {
		return err
	}

	tag, err := p.db.Exec(ctx, stmt, args...)
	if err != nil {
		return storeError("update student", err, "")
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("student not found: pin=%s username=%s", pin, username))
	}

	return nil
}

func (p *Postgres) FinishStudents(ctx context.Context, pin string, at time.Time) (int64, error) {
	const stmt = `UPDATE exam_results SET completed_at = $2 WHERE test_pin = $1 AND completed_at IS NULL
	AND status IS DISTINCT FROM 'REJECTED';`

	tag, err := p.db.Exec(ctx, stmt, pin, at)
	if err != nil {
		return 0, storeError("finish students", err, "")
	}

	return tag.RowsAffected(), nil
}

func (p *Postgres) DeleteStudents(ctx context.Context, pin string) (int64, error) {
	const stmt = `DELETE FROM exam_results WHERE test_pin = $1;`

	tag, err := p.db.Exec(ctx, stmt, pin)
	if err != nil {
		return 0, storeError("delete students", err, "")
	}

	return tag.RowsAffected(), nil
}

func buildStudentUpdate(pin, username string, patch domain.StudentPatch) (string, []any, error) {
	if patch.Empty() {
		return "", nil, errors.New(errors.CodeInvalidArgument, errors.WithMessage("empty student update"))
	}

	var (
		sets []string
		args = []any{pin, username}
	)

	set := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Score != nil {
		set("score", *patch.Score)
	}
	if patch.Level != nil {
		set("level", *patch.Level)
	}
	if patch.CorrectAnswers != nil {
		set("correct_answers", *patch.CorrectAnswers)
	}
	if patch.TotalQuestions != nil {
		set("total_questions", *patch.TotalQuestions)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.CompletedAt != nil {
		set("completed_at", *patch.CompletedAt)
	}
	if patch.AppendResult != nil {
		b, err := json.Marshal([]gameResultRow{encodeResult(*patch.AppendResult)})
		if err != nil {
			return "", nil, fmt.Errorf("encode game result: %w", err)
		}
		args = append(args, b)
		sets = append(sets, fmt.Sprintf("game_history = COALESCE(game_history, '[]'::jsonb) || $%d::jsonb", len(args)))
	}

	stmt := fmt.Sprintf("UPDATE exam_results SET %s WHERE test_pin = $1 AND student_name = $2;", strings.Join(sets, ", "))
	return stmt, args, nil
}

func scanSession(r pgx.Row) (sessionRow, error) {
	var row sessionRow
	err := r.Scan(&row.ID, &row.Pin, &row.CreatedAt, &row.IsActive, &row.Status, &row.SelectedGames)
	return row, err
}

func scanStudent(r pgx.Row) (studentRow, error) {
	var row studentRow
	err := r.Scan(
		&row.ID, &row.TestPin, &row.StudentName, &row.Score, &row.Level, &row.CorrectAnswers, &row.TotalQuestions,
		&row.StartedAt, &row.CompletedAt, &row.Status, &row.GameHistory,
	)
	return row, err
}

// storeError maps driver errors onto the error taxonomy. The format is used for the unique
// violation and not-found messages.
func storeError(op string, err error, format string, args ...any) error {
	var pgErr *pgconn.PgError
	switch {
	case stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation:
		return errors.New(errors.CodeAlreadyExists, errors.WithMessagef(format, args...), errors.WithCause(err))
	case stderrors.Is(err, pgx.ErrNoRows):
		return errors.New(errors.CodeNotFound, errors.WithMessagef(format, args...), errors.WithCause(err))
	default:
		return errors.Store(fmt.Errorf("%s: %w", op, err))
	}
}
