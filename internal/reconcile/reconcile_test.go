package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/gradescan/internal/model"
	"github.com/pavelanni/gradescan/internal/store"
)

func setup(t *testing.T) (*store.Store, *Reconciler, int64, int64) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	testID, err := st.CreateTest(model.Test{Subject: "Math", Topic: "Algebra", MaxMarks: 15})
	require.NoError(t, err)
	studentID, err := st.CreateStudent(model.Student{ExternalID: "S-001", DisplayName: "Asha Rao"})
	require.NoError(t, err)

	return st, New(st), testID, studentID
}

func completeWith(t *testing.T, st *store.Store, testID, studentID int64, payload *model.EvaluationPayload) {
	t.Helper()
	id, claimed, err := st.BeginEvaluation(testID, studentID, "Math")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, st.CompleteEvaluation(id, payload))
}

func threeQuestionPayload() *model.EvaluationPayload {
	return &model.EvaluationPayload{
		Answers: []model.AnswerScore{
			{QuestionNumber: 1, Score: [2]float64{5, 5}},
			{QuestionNumber: 2, Score: [2]float64{3, 5}},
			{QuestionNumber: 3, Score: [2]float64{2, 5}},
		},
		Summary: &model.ScoreSummary{TotalScore: [2]float64{10, 15}, Percentage: 67},
	}
}

func TestApplySummary(t *testing.T) {
	st, r, testID, studentID := setup(t)
	completeWith(t, st, testID, studentID, threeQuestionPayload())

	require.NoError(t, r.ApplySummary(testID, studentID, threeQuestionPayload()))

	entry, err := st.GetLedgerEntry(testID, studentID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 10.0, entry.Marks)
	assert.Equal(t, "Auto-scored: 10/15", entry.Remark)
}

func TestApplySummaryNoSummary(t *testing.T) {
	st, r, testID, studentID := setup(t)

	require.NoError(t, r.ApplySummary(testID, studentID, &model.EvaluationPayload{}))
	require.NoError(t, r.ApplySummary(testID, studentID, nil))

	entry, err := st.GetLedgerEntry(testID, studentID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestOverrideQuestionScore(t *testing.T) {
	st, r, testID, studentID := setup(t)
	completeWith(t, st, testID, studentID, threeQuestionPayload())
	require.NoError(t, r.ApplySummary(testID, studentID, threeQuestionPayload()))

	// Question 2 goes from 3 to 5: the ledger rises by exactly 2.
	_, err := r.OverrideQuestionScore(testID, studentID, 2, 5)
	require.NoError(t, err)

	ev, err := st.GetEvaluation(testID, studentID)
	require.NoError(t, err)
	assert.Equal(t, 5.0, ev.Payload.Answers[1].Score[0])
	assert.Equal(t, [2]float64{12, 15}, ev.Payload.Summary.TotalScore)
	assert.Equal(t, 80, ev.Payload.Summary.Percentage)

	entry, err := st.GetLedgerEntry(testID, studentID)
	require.NoError(t, err)
	assert.Equal(t, 12.0, entry.Marks)
	assert.Equal(t, "Score updated manually", entry.Remark)

	// Ledger total always equals the summary total.
	assert.Equal(t, ev.Payload.Summary.TotalScore[0], entry.Marks)
}

func TestOverrideClamps(t *testing.T) {
	st, r, testID, studentID := setup(t)
	completeWith(t, st, testID, studentID, threeQuestionPayload())

	_, err := r.OverrideQuestionScore(testID, studentID, 2, 99)
	require.NoError(t, err)
	ev, _ := st.GetEvaluation(testID, studentID)
	assert.Equal(t, 5.0, ev.Payload.Answers[1].Score[0])

	_, err = r.OverrideQuestionScore(testID, studentID, 2, -4)
	require.NoError(t, err)
	ev, _ = st.GetEvaluation(testID, studentID)
	assert.Equal(t, 0.0, ev.Payload.Answers[1].Score[0])
}

func TestOverrideDivideByZeroGuard(t *testing.T) {
	st, r, testID, studentID := setup(t)
	completeWith(t, st, testID, studentID, &model.EvaluationPayload{
		Answers: []model.AnswerScore{
			{QuestionNumber: 1, Score: [2]float64{0, 0}},
		},
		Summary: &model.ScoreSummary{},
	})

	_, err := r.OverrideQuestionScore(testID, studentID, 1, 3)
	require.NoError(t, err)

	ev, _ := st.GetEvaluation(testID, studentID)
	assert.Equal(t, 0, ev.Payload.Summary.Percentage)
	assert.Equal(t, 0.0, ev.Payload.Summary.TotalScore[0])
}

func TestOverrideUnknownQuestion(t *testing.T) {
	st, r, testID, studentID := setup(t)
	completeWith(t, st, testID, studentID, threeQuestionPayload())

	_, err := r.OverrideQuestionScore(testID, studentID, 42, 3)
	assert.Error(t, err)
}

func TestOverrideWithoutEvaluation(t *testing.T) {
	_, r, testID, studentID := setup(t)

	_, err := r.OverrideQuestionScore(testID, studentID, 1, 3)
	assert.Error(t, err)
}

func TestRepair(t *testing.T) {
	st, r, testID, studentID := setup(t)
	completeWith(t, st, testID, studentID, threeQuestionPayload())

	// The scoring-path ledger write never happened.
	n, err := r.Repair()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := st.GetLedgerEntry(testID, studentID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 10.0, entry.Marks)

	// A consistent ledger needs no repair.
	n, err = r.Repair()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Drift gets rewritten.
	require.NoError(t, st.UpsertLedgerEntry(model.GradeLedgerEntry{
		TestID: testID, StudentID: studentID, Marks: 99, Remark: "oops",
	}))
	n, err = r.Repair()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	entry, _ = st.GetLedgerEntry(testID, studentID)
	assert.Equal(t, 10.0, entry.Marks)
}
