// Package scoring grades a finished attempt. It is pure: no I/O and no clock.
package scoring

import (
	"math"
	"strings"

	"github.com/stemsi/quiz-engine/internal/model"
)

// QuestionResult is the grading outcome of one question.
type QuestionResult struct {
	QuestionID string `json:"question_id"`
	Answered   bool   `json:"answered"`
	Correct    bool   `json:"correct"`
	Earned     int    `json:"earned"`
	Points     int    `json:"points"`
}

// Result is the grading outcome of a whole attempt.
type Result struct {
	Score        int              `json:"score"`
	Passed       bool             `json:"passed"`
	EarnedPoints int              `json:"earned_points"`
	TotalPoints  int              `json:"total_points"`
	Questions    []QuestionResult `json:"questions"`
}

// Score grades answers against questions. Unanswered questions earn nothing but still
// count toward the total. The score is round(100*earned/total), or 0 when total is 0.
func Score(questions []model.Question, answers model.Answers, passingScore int) Result {
	res := Result{Questions: make([]QuestionResult, 0, len(questions))}

	for i := range questions {
		q := &questions[i]
		points := q.Points
		if points < 0 {
			points = 0
		}

		qr := QuestionResult{QuestionID: q.Key(), Points: points}
		if ans, ok := answers[q.Key()]; ok {
			qr.Answered = true
			qr.Correct = IsCorrect(q, ans)
		}
		if qr.Correct {
			qr.Earned = points
		}

		res.TotalPoints += points
		res.EarnedPoints += qr.Earned
		res.Questions = append(res.Questions, qr)
	}

	if res.TotalPoints > 0 {
		res.Score = int(math.Round(float64(res.EarnedPoints) / float64(res.TotalPoints) * 100))
	}
	res.Passed = res.Score >= passingScore
	return res
}

// IsCorrect compares one answer with the question's canonical answer.
// Multiple choice options are opaque strings, so only surrounding space is ignored.
// Every other type compares trimmed, lower-cased text.
func IsCorrect(q *model.Question, answer string) bool {
	if q.QuestionType == model.QuestionTypeMultipleChoice {
		return strings.TrimSpace(answer) == strings.TrimSpace(q.CorrectAnswer)
	}
	return normalize(answer) == normalize(q.CorrectAnswer)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
