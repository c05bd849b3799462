package store

import (
	"fmt"
	"time"

	"github.com/pavelanni/gradescan/internal/model"
)

// ExportTestResults builds export-ready per-student results for a test.
func (s *Store) ExportTestResults(testID int64) (*model.TestExport, error) {
	test, err := s.GetTest(testID)
	if err != nil {
		return nil, fmt.Errorf("get test %d: %w", testID, err)
	}

	evals, err := s.ListEvaluationsForTest(testID)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}

	var results []model.StudentResult
	for _, ev := range evals {
		student, err := s.GetStudent(ev.StudentID)
		if err != nil {
			return nil, fmt.Errorf("get student %d: %w", ev.StudentID, err)
		}

		var externalID, displayName string
		if student != nil {
			externalID = student.ExternalID
			displayName = student.DisplayName
		}

		res := model.StudentResult{
			ExternalID:  externalID,
			DisplayName: displayName,
			Status:      ev.Status,
			RetryCount:  ev.RetryCount,
			LastError:   ev.LastError,
			EvaluatedAt: ev.UpdatedAt,
		}
		if ev.Payload != nil {
			res.Answers = ev.Payload.Answers
			if ev.Payload.Summary != nil {
				total := ev.Payload.Summary.TotalScore
				res.TotalScore = &total
				res.Percentage = ev.Payload.Summary.Percentage
			}
		}

		entry, err := s.GetLedgerEntry(testID, ev.StudentID)
		if err != nil {
			return nil, fmt.Errorf("get ledger entry for student %d: %w", ev.StudentID, err)
		}
		if entry != nil {
			marks := entry.Marks
			res.LedgerMarks = &marks
			res.Remark = entry.Remark
		}

		results = append(results, res)
	}

	return &model.TestExport{
		TestID:      testID,
		Subject:     test.Subject,
		Date:        time.Now().Format("2006-01-02"),
		NumStudents: len(results),
		Results:     results,
	}, nil
}
