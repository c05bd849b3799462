// Package evaluate drives the end-to-end evaluation of one student's
// answer sheet: resolve inputs, claim the evaluation row, call the
// scorer with retry and backoff, persist the outcome and hand the
// summary to the reconciler.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/gradescan/internal/i18n"
	"github.com/pavelanni/gradescan/internal/model"
	"github.com/pavelanni/gradescan/internal/objstore"
	"github.com/pavelanni/gradescan/internal/reconcile"
	"github.com/pavelanni/gradescan/internal/scorer"
	"github.com/pavelanni/gradescan/internal/store"
)

const (
	// defaultMaxAttempts is the total attempt bound: one initial try
	// plus two retries.
	defaultMaxAttempts = 3
	// defaultBaseDelay is the first backoff delay; it doubles per
	// retry (5s, then 10s).
	defaultBaseDelay = 5 * time.Second
)

// Notifier receives user-visible progress messages. The messages are
// already localized from the caller's context.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string) {}

// Orchestrator runs evaluations. Safe for concurrent use: per-pair
// exclusion comes from the store's status claim, not from the
// orchestrator itself.
type Orchestrator struct {
	store       *store.Store
	scorer      scorer.Scorer
	reconciler  *reconcile.Reconciler
	notifier    Notifier
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(context.Context, time.Duration) error
}

// Option adjusts orchestrator behavior.
type Option func(*Orchestrator)

// WithNotifier routes progress messages to n.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithBaseDelay overrides the first retry delay.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.baseDelay = d }
}

// WithMaxAttempts overrides the total attempt bound.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) { o.maxAttempts = n }
}

func New(st *store.Store, sc scorer.Scorer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       st,
		scorer:      sc,
		reconciler:  reconcile.New(st),
		notifier:    nopNotifier{},
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Evaluate runs the full evaluation flow for one (test, student) pair
// and returns the final evaluation row. The input checks run before
// any row is claimed, so a student with nothing uploaded leaves no
// trace in the evaluations table.
func (o *Orchestrator) Evaluate(ctx context.Context, testID, studentID int64) (*model.Evaluation, error) {
	in, err := o.resolveInputs(testID, studentID)
	if err != nil {
		return nil, err
	}

	evalID, claimed, err := o.store.BeginEvaluation(testID, studentID, in.Test.Subject)
	if err != nil {
		return nil, fmt.Errorf("claim evaluation: %w", err)
	}
	if !claimed {
		return nil, ErrAlreadyInProgress
	}

	o.notifier.Notify(ctx, i18n.Td(ctx, "EvalStarted",
		map[string]any{"Student": in.Student.DisplayName}))

	payload, attempts, runErr := o.runAttempts(ctx, evalID, in)
	if runErr != nil {
		retries := attempts - 1
		if err := o.store.FailEvaluation(evalID, runErr.Error(), retries); err != nil {
			slog.Error("record evaluation failure", "eval_id", evalID, "error", err)
		}
		o.notifyFailure(ctx, runErr, retries)
		ev, _ := o.store.GetEvaluation(testID, studentID)
		return ev, runErr
	}

	if err := o.store.CompleteEvaluation(evalID, payload); err != nil {
		return nil, fmt.Errorf("persist evaluation result: %w", err)
	}

	// Secondary writes are best-effort: a failed ledger or transcript
	// write is logged and later fixed by the repair job, it does not
	// undo the completed evaluation.
	if err := o.reconciler.ApplySummary(testID, studentID, payload); err != nil {
		slog.Error("apply score summary", "test_id", testID, "student_id", studentID, "error", err)
	}
	if payload.Text != "" {
		if err := o.store.SetAnswerText(testID, studentID, payload.Text); err != nil {
			slog.Error("cache answer transcript", "test_id", testID, "student_id", studentID, "error", err)
		}
	}

	if payload.Summary != nil {
		o.notifier.Notify(ctx, i18n.Td(ctx, "EvalCompleted", map[string]any{
			"Awarded":  payload.Summary.TotalScore[0],
			"Possible": payload.Summary.TotalScore[1],
		}))
	}
	return o.store.GetEvaluation(testID, studentID)
}

// runAttempts calls the scorer up to maxAttempts times, backing off
// between transient failures. It returns the number of attempts made.
func (o *Orchestrator) runAttempts(ctx context.Context, evalID int64, in *model.EvaluationInput) (*model.EvaluationPayload, int, error) {
	req := o.buildRequest(in)

	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		req.RetryAttempt = attempt - 1
		// Fresh cache-bust tokens per attempt: a retry must not read
		// the stale objects that may have caused the failure.
		req.QuestionPaper.URL = objstore.CacheBust(in.QuestionPaperURL)
		req.AnswerKey.URL = objstore.CacheBust(in.AnswerKeyURL)
		req.StudentAnswer.URL = objstore.CacheBust(in.AnswerSheetURL)
		if in.AnswerArchiveURL != "" {
			req.StudentAnswer.ZipURL = objstore.CacheBust(in.AnswerArchiveURL)
		}

		payload, err := o.scorer.Score(ctx, req)
		if err == nil {
			return payload, attempt, nil
		}
		// Rejected credentials are a deployment problem, not a scoring
		// failure.
		if errors.Is(err, scorer.ErrUnauthorized) {
			err = fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		lastErr = err

		if !retryable(err) || attempt == o.maxAttempts {
			return nil, attempt, err
		}

		delay := o.baseDelay << (attempt - 1)
		if rerr := o.store.RecordEvaluationRetry(evalID, attempt, err.Error()); rerr != nil {
			slog.Error("record retry", "eval_id", evalID, "error", rerr)
		}
		slog.Warn("scoring attempt failed, backing off",
			"eval_id", evalID, "attempt", attempt, "delay", delay, "error", err)
		o.notifier.Notify(ctx, i18n.Td(ctx, "EvalRetry", map[string]any{
			"Attempt": attempt,
			"Delay":   delay.String(),
		}))

		if err := o.sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}
	return nil, o.maxAttempts, lastErr
}

// resolveInputs gathers the documents and identities one evaluation
// needs. Missing inputs fail fast and are never retried.
func (o *Orchestrator) resolveInputs(testID, studentID int64) (*model.EvaluationInput, error) {
	test, err := o.store.GetTest(testID)
	if err != nil {
		return nil, fmt.Errorf("load test %d: %w", testID, err)
	}
	student, err := o.store.GetStudent(studentID)
	if err != nil {
		return nil, fmt.Errorf("load student %d: %w", studentID, err)
	}
	if student == nil {
		return nil, fmt.Errorf("student %d: %w", studentID, ErrMissingDocument)
	}

	sheet, err := o.store.GetDocumentAsset(testID, studentID, model.RoleAnswerSheet)
	if err != nil {
		return nil, fmt.Errorf("load answer sheet: %w", err)
	}
	if sheet == nil || sheet.URL == "" {
		return nil, ErrNoAnswerSheet
	}

	paper, err := o.store.GetDocumentAsset(testID, 0, model.RoleQuestionPaper)
	if err != nil {
		return nil, fmt.Errorf("load question paper: %w", err)
	}
	key, err := o.store.GetDocumentAsset(testID, 0, model.RoleAnswerKey)
	if err != nil {
		return nil, fmt.Errorf("load answer key: %w", err)
	}
	if paper == nil {
		return nil, fmt.Errorf("question paper for test %d: %w", testID, ErrMissingDocument)
	}
	if key == nil {
		return nil, fmt.Errorf("answer key for test %d: %w", testID, ErrMissingDocument)
	}

	return &model.EvaluationInput{
		Test:             test,
		Student:          *student,
		QuestionPaperURL: paper.URL,
		QuestionTopic:    test.Topic,
		AnswerKeyURL:     key.URL,
		AnswerKeyTopic:   test.Topic,
		AnswerSheetURL:   sheet.URL,
		AnswerArchiveURL: sheet.ArchiveURL,
	}, nil
}

func (o *Orchestrator) buildRequest(in *model.EvaluationInput) scorer.Request {
	return scorer.Request{
		QuestionPaper: scorer.DocumentRef{URL: in.QuestionPaperURL, Topic: in.QuestionTopic},
		AnswerKey:     scorer.DocumentRef{URL: in.AnswerKeyURL, Topic: in.AnswerKeyTopic},
		StudentAnswer: scorer.AnswerRef{URL: in.AnswerSheetURL, ZipURL: in.AnswerArchiveURL},
		StudentInfo: scorer.StudentInfo{
			ExternalID: in.Student.ExternalID,
			Name:       in.Student.DisplayName,
			ClassName:  in.Student.ClassName,
		},
		TestID: in.Test.ID,
	}
}

func (o *Orchestrator) notifyFailure(ctx context.Context, err error, retries int) {
	if retries > 0 {
		o.notifier.Notify(ctx, i18n.Td(ctx, "EvalFailedRetries", map[string]any{
			"Retries": retries,
			"Cause":   err.Error(),
		}))
		return
	}
	o.notifier.Notify(ctx, i18n.Td(ctx, "EvalFailed",
		map[string]any{"Cause": err.Error()}))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
