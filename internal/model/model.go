package model

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// EvaluationStatus represents the lifecycle state of an evaluation.
type EvaluationStatus string

const (
	StatusPending    EvaluationStatus = "pending"
	StatusInProgress EvaluationStatus = "in_progress"
	StatusCompleted  EvaluationStatus = "completed"
	StatusFailed     EvaluationStatus = "failed"
)

// DocumentRole identifies what an uploaded document is.
// It is a closed set: use ParseDocumentRole to validate external input.
type DocumentRole string

const (
	RoleQuestionPaper DocumentRole = "question_paper"
	RoleAnswerKey     DocumentRole = "answer_key"
	RoleAnswerSheet   DocumentRole = "answer_sheet"
)

// ParseDocumentRole validates a role string from an external source.
func ParseDocumentRole(s string) (DocumentRole, error) {
	switch DocumentRole(s) {
	case RoleQuestionPaper, RoleAnswerKey, RoleAnswerSheet:
		return DocumentRole(s), nil
	}
	return "", fmt.Errorf("unknown document role %q", s)
}

// DocumentRoles returns every valid role, in a stable order.
func DocumentRoles() []DocumentRole {
	return []DocumentRole{RoleQuestionPaper, RoleAnswerKey, RoleAnswerSheet}
}

// Student is the subset of student data the pipeline needs: identity for
// record keys and display info passed to the scorer.
type Student struct {
	ID          int64     `json:"id"`
	ExternalID  string    `json:"external_id"`
	DisplayName string    `json:"display_name"`
	ClassName   string    `json:"class_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Test describes the test an answer sheet is evaluated against.
type Test struct {
	ID       int64   `json:"id"`
	Subject  string  `json:"subject"`
	Topic    string  `json:"topic"`
	MaxMarks float64 `json:"max_marks"`
}

// Evaluation is the record of one automated scoring attempt for a
// (test, student) pair. At most one non-deleted row exists per pair;
// repeated attempts update the same row in place.
type Evaluation struct {
	ID         int64              `json:"id"`
	TestID     int64              `json:"test_id"`
	StudentID  int64              `json:"student_id"`
	Subject    string             `json:"subject"`
	Status     EvaluationStatus   `json:"status"`
	Payload    *EvaluationPayload `json:"payload,omitempty"`
	LastError  string             `json:"last_error,omitempty"`
	RetryCount int                `json:"retry_count"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// EvaluationPayload is the scorer's result: per-question scores plus a
// summary. Score pairs are [awarded, possible].
type EvaluationPayload struct {
	Answers []AnswerScore `json:"answers"`
	Summary *ScoreSummary `json:"summary,omitempty"`
	Text    string        `json:"text,omitempty"`
}

// AnswerScore holds the scorer's verdict on a single question.
type AnswerScore struct {
	QuestionNumber int        `json:"question_number"`
	Score          [2]float64 `json:"score"`
	Remark         string     `json:"remark,omitempty"`
	AnswerText     string     `json:"answer_text,omitempty"`
}

// ScoreSummary aggregates per-question scores.
type ScoreSummary struct {
	TotalScore [2]float64 `json:"totalScore"`
	Percentage int        `json:"percentage"`
}

// GradeLedgerEntry is the authoritative marks record for a (test, student)
// pair, whether auto-scored or set manually.
type GradeLedgerEntry struct {
	ID        int64     `json:"id"`
	TestID    int64     `json:"test_id"`
	StudentID int64     `json:"student_id"`
	Marks     float64   `json:"marks"`
	Remark    string    `json:"remark"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentAsset is an uploaded document plus its derived artifacts.
// ArchiveURL points at the page-image bundle built for PDF sources;
// ExtractedText caches the vision model's output.
type DocumentAsset struct {
	ID            int64        `json:"id"`
	TestID        int64        `json:"test_id"`
	StudentID     int64        `json:"student_id"` // 0 for test-level documents
	Role          DocumentRole `json:"role"`
	URL           string       `json:"url"`
	ArchiveURL    string       `json:"archive_url,omitempty"`
	ExtractedText string       `json:"extracted_text,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// IsPDF reports whether the asset's original object is a PDF, by URL
// extension. PDFs must be rasterized and archived before vision extraction.
func (d DocumentAsset) IsPDF() bool {
	return HasPDFExt(d.URL)
}

// HasPDFExt reports whether a URL points at a PDF object, ignoring any
// query string.
func HasPDFExt(url string) bool {
	url, _, _ = strings.Cut(url, "?")
	return strings.EqualFold(path.Ext(url), ".pdf")
}

// PageImage is one rasterized page carried through the pipeline. Order is
// explicit via Index; Name exists for the archive serialization boundary
// (zero-padded so lexicographic sort equals page order).
type PageImage struct {
	Index int
	Name  string
	Data  []byte
}

// EvaluationInput bundles everything the orchestrator needs for one run.
type EvaluationInput struct {
	Test    Test
	Student Student

	QuestionPaperURL string
	QuestionTopic    string
	AnswerKeyURL     string
	AnswerKeyTopic   string

	// AnswerSheetURL may be empty: the student submitted nothing.
	AnswerSheetURL string
	// AnswerArchiveURL is the pre-built page-image bundle for PDF sheets.
	AnswerArchiveURL string
}

// PipelineConfig holds runtime parameters set via CLI flags.
type PipelineConfig struct {
	Bucket           string
	MaxRetries       int           // additional attempts after the first
	RetryBaseDelay   time.Duration // doubles per attempt
	ArchivePageLimit int
	ZipCompression   int // flate level, size/speed tradeoff only
}
