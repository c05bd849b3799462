package model

import "time"

// TestExport is the top-level JSON structure for evaluation result export.
type TestExport struct {
	TestID      int64           `json:"test_id"`
	Subject     string          `json:"subject"`
	Date        string          `json:"date"`
	NumStudents int             `json:"num_students"`
	Results     []StudentResult `json:"results"`
}

// StudentResult holds one student's evaluation outcome for export.
type StudentResult struct {
	ExternalID  string           `json:"external_id"`
	DisplayName string           `json:"display_name"`
	Status      EvaluationStatus `json:"status"`
	RetryCount  int              `json:"retry_count"`
	LastError   string           `json:"last_error,omitempty"`
	Answers     []AnswerScore    `json:"answers,omitempty"`
	TotalScore  *[2]float64      `json:"total_score,omitempty"`
	Percentage  int              `json:"percentage"`
	LedgerMarks *float64         `json:"ledger_marks,omitempty"`
	Remark      string           `json:"remark,omitempty"`
	EvaluatedAt time.Time        `json:"evaluated_at"`
}
