// Package reconcile keeps the grade ledger consistent with evaluation
// summaries, both on the automatic scoring path and after manual edits.
package reconcile

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/pavelanni/gradescan/internal/model"
	"github.com/pavelanni/gradescan/internal/store"
)

// Reconciler derives ledger updates from evaluation payloads. The
// ledger total and the evaluation summary total are never written
// independently: every path through this package updates both.
type Reconciler struct {
	store *store.Store
}

func New(st *store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// ApplySummary upserts the ledger entry for a freshly scored
// evaluation. A payload without a summary is not an error: the ledger
// simply stays untouched until a grader records marks manually.
func (r *Reconciler) ApplySummary(testID, studentID int64, payload *model.EvaluationPayload) error {
	if payload == nil || payload.Summary == nil {
		return nil
	}

	awarded := payload.Summary.TotalScore[0]
	possible := payload.Summary.TotalScore[1]
	err := r.store.UpsertLedgerEntry(model.GradeLedgerEntry{
		TestID:    testID,
		StudentID: studentID,
		Marks:     awarded,
		Remark:    fmt.Sprintf("Auto-scored: %g/%g", awarded, possible),
	})
	if err != nil {
		return fmt.Errorf("upsert ledger entry: %w", err)
	}
	return nil
}

// OverrideQuestionScore applies a grader's correction to one question.
// The new score is clamped into [0, maxScore], all totals are
// recomputed from the per-question array, and both the evaluation
// payload and the ledger entry are rewritten.
func (r *Reconciler) OverrideQuestionScore(testID, studentID int64, questionNumber int, newScore float64) (*model.Evaluation, error) {
	ev, err := r.store.GetEvaluation(testID, studentID)
	if err != nil {
		return nil, fmt.Errorf("load evaluation: %w", err)
	}
	if ev == nil || ev.Payload == nil {
		return nil, fmt.Errorf("no scored evaluation for test %d student %d", testID, studentID)
	}

	payload := ev.Payload
	idx := -1
	for i, a := range payload.Answers {
		if a.QuestionNumber == questionNumber {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("question %d not found in evaluation", questionNumber)
	}

	maxScore := payload.Answers[idx].Score[1]
	clamped := math.Max(0, math.Min(newScore, maxScore))
	if clamped != newScore {
		slog.Info("clamped override score",
			"question", questionNumber, "requested", newScore, "clamped", clamped)
	}
	payload.Answers[idx].Score[0] = clamped

	payload.Summary = recomputeSummary(payload.Answers)

	if err := r.store.UpdateEvaluationPayload(ev.ID, payload); err != nil {
		return nil, fmt.Errorf("persist recomputed payload: %w", err)
	}
	err = r.store.UpsertLedgerEntry(model.GradeLedgerEntry{
		TestID:    testID,
		StudentID: studentID,
		Marks:     payload.Summary.TotalScore[0],
		Remark:    "Score updated manually",
	})
	if err != nil {
		return nil, fmt.Errorf("upsert ledger entry: %w", err)
	}
	return ev, nil
}

// Repair scans completed evaluations and rewrites any ledger rows whose
// marks drifted from the evaluation summary. It exists because ledger
// writes on the scoring path are best-effort. Returns the number of
// rows repaired.
func (r *Reconciler) Repair() (int, error) {
	evals, err := r.store.ListCompletedEvaluations()
	if err != nil {
		return 0, fmt.Errorf("list completed evaluations: %w", err)
	}

	repaired := 0
	for _, ev := range evals {
		if ev.Payload == nil || ev.Payload.Summary == nil {
			continue
		}
		want := ev.Payload.Summary.TotalScore[0]

		entry, err := r.store.GetLedgerEntry(ev.TestID, ev.StudentID)
		if err != nil {
			return repaired, fmt.Errorf("load ledger entry: %w", err)
		}
		if entry != nil && entry.Marks == want {
			continue
		}

		if err := r.ApplySummary(ev.TestID, ev.StudentID, ev.Payload); err != nil {
			return repaired, err
		}
		slog.Info("repaired ledger entry",
			"test_id", ev.TestID, "student_id", ev.StudentID, "marks", want)
		repaired++
	}
	return repaired, nil
}

func recomputeSummary(answers []model.AnswerScore) *model.ScoreSummary {
	var awarded, possible float64
	for _, a := range answers {
		awarded += a.Score[0]
		possible += a.Score[1]
	}
	pct := 0
	if possible > 0 {
		pct = int(math.Round(100 * awarded / possible))
	}
	return &model.ScoreSummary{
		TotalScore: [2]float64{awarded, possible},
		Percentage: pct,
	}
}
