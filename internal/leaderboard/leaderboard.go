// Package leaderboard ranks a session's roster. Rankings are recomputed from the roster they
// are given on every call.
package leaderboard

import (
	"cmp"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/victornm/classquiz/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Rank orders finished, approved students by total score descending, then total time ascending.
// Exact ties keep roster order.
func Rank(pin string, students []domain.Student) domain.Leaderboard {
	entries := make([]domain.LeaderboardEntry, 0, len(students))

	for _, s := range students {
		if !s.IsFinished() || s.Status != domain.StudentApproved {
			continue
		}

		correct, total := s.CorrectAnswers, s.TotalQuestions
		if len(s.GameHistory) > 0 {
			correct, total = 0, 0
			for _, r := range s.GameHistory {
				correct += r.CorrectAnswers
				total += r.TotalQuestions
			}
		}

		entries = append(entries, domain.LeaderboardEntry{
			Username:       s.Username,
			Score:          s.TotalScore(),
			TotalTime:      s.TotalTime(),
			CorrectAnswers: correct,
			TotalQuestions: total,
			Accuracy:       Accuracy(correct, total),
			CompletedAt:    s.CompletedAt,
		})
	}

	return domain.Leaderboard{
		Pin:     pin,
		Entries: sortEntries(entries),
	}
}

// RankGame ranks the students that have a recorded result for g, using that result only.
func RankGame(pin string, students []domain.Student, g domain.GameID) domain.Leaderboard {
	entries := make([]domain.LeaderboardEntry, 0, len(students))

	for _, s := range students {
		r, ok := s.Result(g)
		if !ok {
			continue
		}

		at := r.CompletedAt
		entries = append(entries, domain.LeaderboardEntry{
			Username:       s.Username,
			Score:          r.Score,
			TotalTime:      r.TimeTaken,
			CorrectAnswers: r.CorrectAnswers,
			TotalQuestions: r.TotalQuestions,
			Accuracy:       Accuracy(r.CorrectAnswers, r.TotalQuestions),
			CompletedAt:    &at,
		})
	}

	return domain.Leaderboard{
		Pin:     pin,
		GameID:  g,
		Entries: sortEntries(entries),
	}
}

// Accuracy is correct/total as a percentage rounded to two decimals. Zero when total is zero.
func Accuracy(correct, total int) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}

	return decimal.NewFromInt(int64(correct)).
		Mul(hundred).
		DivRound(decimal.NewFromInt(int64(total)), 2)
}

func sortEntries(entries []domain.LeaderboardEntry) []domain.LeaderboardEntry {
	slices.SortStableFunc(entries, func(a, b domain.LeaderboardEntry) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.TotalTime, b.TotalTime)
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}

	return entries
}
