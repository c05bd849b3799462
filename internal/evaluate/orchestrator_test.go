package evaluate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/gradescan/internal/model"
	"github.com/pavelanni/gradescan/internal/scorer"
	"github.com/pavelanni/gradescan/internal/store"
)

// fakeScorer replays scripted outcomes and records every request.
type fakeScorer struct {
	calls   []scorer.Request
	outcome func(attempt int) (*model.EvaluationPayload, error)
}

func (f *fakeScorer) Score(ctx context.Context, req scorer.Request) (*model.EvaluationPayload, error) {
	f.calls = append(f.calls, req)
	return f.outcome(len(f.calls))
}

func goodPayload() *model.EvaluationPayload {
	return &model.EvaluationPayload{
		Answers: []model.AnswerScore{
			{QuestionNumber: 1, Score: [2]float64{8, 10}},
		},
		Summary: &model.ScoreSummary{TotalScore: [2]float64{8, 10}, Percentage: 80},
		Text:    "student wrote this",
	}
}

type fixture struct {
	store     *store.Store
	scorer    *fakeScorer
	orch      *Orchestrator
	delays    []time.Duration
	testID    int64
	studentID int64
}

func setup(t *testing.T, outcome func(attempt int) (*model.EvaluationPayload, error)) *fixture {
	t.Helper()

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	testID, err := st.CreateTest(model.Test{Subject: "Math", Topic: "Algebra", MaxMarks: 10})
	require.NoError(t, err)
	studentID, err := st.CreateStudent(model.Student{ExternalID: "S-001", DisplayName: "Asha Rao"})
	require.NoError(t, err)

	_, err = st.UpsertDocumentAsset(model.DocumentAsset{
		TestID: testID, Role: model.RoleQuestionPaper,
		URL: "https://store.local/papers/math.png",
	})
	require.NoError(t, err)
	_, err = st.UpsertDocumentAsset(model.DocumentAsset{
		TestID: testID, Role: model.RoleAnswerKey,
		URL: "https://store.local/keys/math.png",
	})
	require.NoError(t, err)
	_, err = st.UpsertDocumentAsset(model.DocumentAsset{
		TestID: testID, StudentID: studentID, Role: model.RoleAnswerSheet,
		URL:        "https://store.local/sheets/s-001.pdf",
		ArchiveURL: "https://store.local/sheets/s-001.zip",
	})
	require.NoError(t, err)

	f := &fixture{
		store:     st,
		scorer:    &fakeScorer{outcome: outcome},
		testID:    testID,
		studentID: studentID,
	}
	f.orch = New(st, f.scorer, WithBaseDelay(time.Millisecond))
	f.orch.sleep = func(ctx context.Context, d time.Duration) error {
		f.delays = append(f.delays, d)
		return nil
	}
	return f
}

func always(p *model.EvaluationPayload, err error) func(int) (*model.EvaluationPayload, error) {
	return func(int) (*model.EvaluationPayload, error) { return p, err }
}

func TestEvaluateSuccess(t *testing.T) {
	f := setup(t, always(goodPayload(), nil))

	ev, err := f.orch.Evaluate(context.Background(), f.testID, f.studentID)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.StatusCompleted, ev.Status)
	assert.Equal(t, 0, ev.RetryCount)
	require.NotNil(t, ev.Payload)
	assert.Equal(t, [2]float64{8, 10}, ev.Payload.Summary.TotalScore)

	// Ledger and transcript come along as secondary writes.
	entry, err := f.store.GetLedgerEntry(f.testID, f.studentID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 8.0, entry.Marks)

	text, err := f.store.GetAnswerText(f.testID, f.studentID)
	require.NoError(t, err)
	assert.Equal(t, "student wrote this", text)

	// The scorer saw cache-busted URLs and the archive.
	require.Len(t, f.scorer.calls, 1)
	req := f.scorer.calls[0]
	assert.Equal(t, 0, req.RetryAttempt)
	assert.Equal(t, "S-001", req.StudentInfo.ExternalID)
	for _, u := range []string{req.QuestionPaper.URL, req.AnswerKey.URL, req.StudentAnswer.URL, req.StudentAnswer.ZipURL} {
		parsed, perr := url.Parse(u)
		require.NoError(t, perr)
		assert.NotEmpty(t, parsed.Query().Get("t"), "missing cache-bust token in %s", u)
	}
}

func TestNoAnswerSheetCreatesNoRow(t *testing.T) {
	f := setup(t, always(goodPayload(), nil))
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	testID, err := st.CreateTest(model.Test{Subject: "Math", MaxMarks: 10})
	require.NoError(t, err)
	studentID, err := st.CreateStudent(model.Student{ExternalID: "S-002", DisplayName: "No Upload"})
	require.NoError(t, err)

	orch := New(st, f.scorer, WithBaseDelay(time.Millisecond))
	_, err = orch.Evaluate(context.Background(), testID, studentID)
	assert.ErrorIs(t, err, ErrNoAnswerSheet)

	ev, err := st.GetEvaluation(testID, studentID)
	require.NoError(t, err)
	assert.Nil(t, ev, "fail-fast input errors must not create an evaluation row")
	assert.Empty(t, f.scorer.calls)
}

func TestRetryBound(t *testing.T) {
	f := setup(t, always(nil, errors.New("download timeout fetching sheet")))

	_, err := f.orch.Evaluate(context.Background(), f.testID, f.studentID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download timeout")

	// Exactly 3 total attempts, backoff doubling between them.
	assert.Len(t, f.scorer.calls, 3)
	require.Len(t, f.delays, 2)
	assert.Equal(t, time.Millisecond, f.delays[0])
	assert.Equal(t, 2*time.Millisecond, f.delays[1])

	ev, err := f.store.GetEvaluation(f.testID, f.studentID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, ev.Status)
	assert.Equal(t, 2, ev.RetryCount)
	assert.Contains(t, ev.LastError, "download timeout")

	// Retry attempt numbers were forwarded to the scorer.
	for i, call := range f.scorer.calls {
		assert.Equal(t, i, call.RetryAttempt)
	}
}

func TestCacheBustTokensDifferPerAttempt(t *testing.T) {
	f := setup(t, always(nil, errors.New("download timeout")))

	_, _ = f.orch.Evaluate(context.Background(), f.testID, f.studentID)
	require.Len(t, f.scorer.calls, 3)

	seen := map[string]bool{}
	for _, call := range f.scorer.calls {
		parsed, err := url.Parse(call.StudentAnswer.URL)
		require.NoError(t, err)
		tok := parsed.Query().Get("t")
		require.NotEmpty(t, tok)
		assert.False(t, seen[tok], "cache-bust token reused across attempts")
		seen[tok] = true
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	f := setup(t, always(nil, errors.New("scoring service: status 401: invalid api key")))

	_, err := f.orch.Evaluate(context.Background(), f.testID, f.studentID)
	require.Error(t, err)

	assert.Len(t, f.scorer.calls, 1)
	assert.Empty(t, f.delays)

	ev, _ := f.store.GetEvaluation(f.testID, f.studentID)
	assert.Equal(t, model.StatusFailed, ev.Status)
	assert.Equal(t, 0, ev.RetryCount)
}

func TestRejectedCredentialsSurfaceAsConfiguration(t *testing.T) {
	f := setup(t, always(nil, fmt.Errorf("%w (status 401)", scorer.ErrUnauthorized)))

	_, err := f.orch.Evaluate(context.Background(), f.testID, f.studentID)
	require.ErrorIs(t, err, ErrConfiguration)

	// One attempt, no backoff: a bad key cannot heal on retry.
	assert.Len(t, f.scorer.calls, 1)
	assert.Empty(t, f.delays)

	ev, _ := f.store.GetEvaluation(f.testID, f.studentID)
	assert.Equal(t, model.StatusFailed, ev.Status)
	assert.Contains(t, ev.LastError, "rejected credentials")
}

func TestRetryThenSuccess(t *testing.T) {
	f := setup(t, func(attempt int) (*model.EvaluationPayload, error) {
		if attempt == 1 {
			return nil, fmt.Errorf("vision call: %w", context.DeadlineExceeded)
		}
		return goodPayload(), nil
	})

	ev, err := f.orch.Evaluate(context.Background(), f.testID, f.studentID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, ev.Status)
	assert.Equal(t, 0, ev.RetryCount, "retry counter resets on success")
	assert.Empty(t, ev.LastError)

	assert.Len(t, f.scorer.calls, 2)
	entry, err := f.store.GetLedgerEntry(f.testID, f.studentID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 8.0, entry.Marks)
}

func TestIdempotentRerun(t *testing.T) {
	f := setup(t, always(goodPayload(), nil))

	first, err := f.orch.Evaluate(context.Background(), f.testID, f.studentID)
	require.NoError(t, err)

	better := goodPayload()
	better.Summary.TotalScore = [2]float64{9, 10}
	f.scorer.outcome = always(better, nil)

	second, err := f.orch.Evaluate(context.Background(), f.testID, f.studentID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "rerun must reuse the evaluation row")
	assert.Equal(t, [2]float64{9, 10}, second.Payload.Summary.TotalScore)
}

func TestConcurrentClaimFailsClosed(t *testing.T) {
	f := setup(t, always(goodPayload(), nil))

	_, claimed, err := f.store.BeginEvaluation(f.testID, f.studentID, "Math")
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = f.orch.Evaluate(context.Background(), f.testID, f.studentID)
	assert.ErrorIs(t, err, ErrAlreadyInProgress)
	assert.Empty(t, f.scorer.calls)
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("download timeout"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("lookup scorer.local: no such host"), true},
		{errors.New("OCR extraction failed on page 3"), true},
		{errors.New("scoring service: status 503: overloaded"), true},
		{context.DeadlineExceeded, true},
		{errors.New("scoring service: status 401: bad key"), false},
		{ErrNoAnswerSheet, false},
		{ErrConfiguration, false},
		{scorer.ErrUnauthorized, false},
		{context.Canceled, false},
		{nil, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, retryable(tc.err), "err: %v", tc.err)
	}
}
