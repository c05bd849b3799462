package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/gradescan/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases
	// on a single backing store.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		class_name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		max_marks REAL NOT NULL DEFAULT 100
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'in_progress',
		payload TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (test_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS grade_ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		marks REAL NOT NULL DEFAULT 0,
		remark TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		UNIQUE (test_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS document_assets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL DEFAULT 0,
		role TEXT NOT NULL,
		url TEXT NOT NULL,
		archive_url TEXT NOT NULL DEFAULT '',
		extracted_text TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE (test_id, student_id, role)
	);

	CREATE TABLE IF NOT EXISTS answer_texts (
		test_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (test_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS pipeline_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateTest stores a test.
func (s *Store) CreateTest(t model.Test) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO tests (subject, topic, max_marks) VALUES (?, ?, ?)`,
		t.Subject, t.Topic, t.MaxMarks,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetTest returns a test by ID.
func (s *Store) GetTest(id int64) (model.Test, error) {
	var t model.Test
	err := s.db.QueryRow(
		`SELECT id, subject, topic, max_marks FROM tests WHERE id = ?`, id,
	).Scan(&t.ID, &t.Subject, &t.Topic, &t.MaxMarks)
	return t, err
}

// GetEvaluation returns the evaluation for a (test, student) pair,
// or nil if none exists.
func (s *Store) GetEvaluation(testID, studentID int64) (*model.Evaluation, error) {
	var ev model.Evaluation
	var payload string
	err := s.db.QueryRow(
		`SELECT id, test_id, student_id, subject, status, payload, last_error, retry_count, created_at, updated_at
		 FROM evaluations WHERE test_id = ? AND student_id = ?`, testID, studentID,
	).Scan(&ev.ID, &ev.TestID, &ev.StudentID, &ev.Subject, &ev.Status, &payload,
		&ev.LastError, &ev.RetryCount, &ev.CreatedAt, &ev.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if payload != "" {
		ev.Payload = &model.EvaluationPayload{}
		if err := json.Unmarshal([]byte(payload), ev.Payload); err != nil {
			return nil, fmt.Errorf("decode evaluation payload: %w", err)
		}
	}
	return &ev, nil
}

// BeginEvaluation claims the evaluation row for a (test, student) pair and
// marks it in_progress. If no row exists one is created; if a row exists in
// any terminal state it is reused with its identity intact. The claim is a
// compare-and-swap: a row already in_progress is left untouched and
// claimed=false is returned, so concurrent triggers fail closed.
func (s *Store) BeginEvaluation(testID, studentID int64, subject string) (id int64, claimed bool, err error) {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO evaluations (test_id, student_id, subject, status, last_error, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, 'in_progress', '', 0, ?, ?)
		 ON CONFLICT(test_id, student_id) DO UPDATE
		 SET status = 'in_progress', last_error = '', retry_count = 0, updated_at = ?
		 WHERE evaluations.status != 'in_progress'`,
		testID, studentID, subject, now, now, now,
	)
	if err != nil {
		return 0, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}

	ev, err := s.GetEvaluation(testID, studentID)
	if err != nil {
		return 0, false, err
	}
	if ev == nil {
		return 0, false, fmt.Errorf("evaluation row missing after claim for test %d student %d", testID, studentID)
	}
	return ev.ID, affected > 0, nil
}

// RecordEvaluationRetry records a failed attempt that will be retried:
// the row stays in_progress with the error and retry count visible.
func (s *Store) RecordEvaluationRetry(id int64, retryCount int, lastErr string) error {
	_, err := s.db.Exec(
		`UPDATE evaluations SET retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		retryCount, lastErr, time.Now(), id,
	)
	return err
}

// CompleteEvaluation stores the scorer's payload and marks the evaluation
// completed. The retry counter is reset: it counts retries of the current
// outcome, not historical attempts.
func (s *Store) CompleteEvaluation(id int64, payload *model.EvaluationPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode evaluation payload: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE evaluations SET status = 'completed', payload = ?, last_error = '', retry_count = 0, updated_at = ?
		 WHERE id = ?`,
		string(data), time.Now(), id,
	)
	return err
}

// FailEvaluation marks the evaluation failed with the terminal error and
// the number of retries spent.
func (s *Store) FailEvaluation(id int64, lastErr string, retryCount int) error {
	_, err := s.db.Exec(
		`UPDATE evaluations SET status = 'failed', last_error = ?, retry_count = ?, updated_at = ? WHERE id = ?`,
		lastErr, retryCount, time.Now(), id,
	)
	return err
}

// UpdateEvaluationPayload rewrites the payload of an existing evaluation,
// used when a grader edits a per-question score after the fact.
func (s *Store) UpdateEvaluationPayload(id int64, payload *model.EvaluationPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode evaluation payload: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE evaluations SET payload = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now(), id,
	)
	return err
}

// ListCompletedEvaluations returns all completed evaluations, used by the
// ledger repair job.
func (s *Store) ListCompletedEvaluations() ([]model.Evaluation, error) {
	rows, err := s.db.Query(
		`SELECT id, test_id, student_id, subject, status, payload, last_error, retry_count, created_at, updated_at
		 FROM evaluations WHERE status = 'completed' ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var evals []model.Evaluation
	for rows.Next() {
		var ev model.Evaluation
		var payload string
		if err := rows.Scan(&ev.ID, &ev.TestID, &ev.StudentID, &ev.Subject, &ev.Status, &payload,
			&ev.LastError, &ev.RetryCount, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, err
		}
		if payload != "" {
			ev.Payload = &model.EvaluationPayload{}
			if err := json.Unmarshal([]byte(payload), ev.Payload); err != nil {
				return nil, fmt.Errorf("decode evaluation payload: %w", err)
			}
		}
		evals = append(evals, ev)
	}
	return evals, rows.Err()
}

// ListEvaluationsForTest returns all evaluations recorded for a test.
func (s *Store) ListEvaluationsForTest(testID int64) ([]model.Evaluation, error) {
	rows, err := s.db.Query(
		`SELECT id, test_id, student_id, subject, status, payload, last_error, retry_count, created_at, updated_at
		 FROM evaluations WHERE test_id = ? ORDER BY student_id`, testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var evals []model.Evaluation
	for rows.Next() {
		var ev model.Evaluation
		var payload string
		if err := rows.Scan(&ev.ID, &ev.TestID, &ev.StudentID, &ev.Subject, &ev.Status, &payload,
			&ev.LastError, &ev.RetryCount, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, err
		}
		if payload != "" {
			ev.Payload = &model.EvaluationPayload{}
			if err := json.Unmarshal([]byte(payload), ev.Payload); err != nil {
				return nil, fmt.Errorf("decode evaluation payload: %w", err)
			}
		}
		evals = append(evals, ev)
	}
	return evals, rows.Err()
}

// UpsertLedgerEntry inserts or updates the grade ledger row for a
// (test, student) pair.
func (s *Store) UpsertLedgerEntry(e model.GradeLedgerEntry) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO grade_ledger (test_id, student_id, marks, remark, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(test_id, student_id) DO UPDATE SET marks = ?, remark = ?, updated_at = ?`,
		e.TestID, e.StudentID, e.Marks, e.Remark, now, e.Marks, e.Remark, now,
	)
	return err
}

// GetLedgerEntry returns the ledger row for a (test, student) pair,
// or nil if no grade has been recorded yet.
func (s *Store) GetLedgerEntry(testID, studentID int64) (*model.GradeLedgerEntry, error) {
	var e model.GradeLedgerEntry
	err := s.db.QueryRow(
		`SELECT id, test_id, student_id, marks, remark, updated_at
		 FROM grade_ledger WHERE test_id = ? AND student_id = ?`, testID, studentID,
	).Scan(&e.ID, &e.TestID, &e.StudentID, &e.Marks, &e.Remark, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertDocumentAsset records an uploaded document. Re-uploading the same
// (test, student, role) supersedes the previous object and clears derived
// artifacts.
func (s *Store) UpsertDocumentAsset(a model.DocumentAsset) (int64, error) {
	_, err := s.db.Exec(
		`INSERT INTO document_assets (test_id, student_id, role, url, archive_url, extracted_text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(test_id, student_id, role) DO UPDATE
		 SET url = ?, archive_url = ?, extracted_text = ?, created_at = ?`,
		a.TestID, a.StudentID, a.Role, a.URL, a.ArchiveURL, a.ExtractedText, time.Now(),
		a.URL, a.ArchiveURL, a.ExtractedText, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	got, err := s.GetDocumentAsset(a.TestID, a.StudentID, a.Role)
	if err != nil {
		return 0, err
	}
	return got.ID, nil
}

// GetDocumentAsset returns the document for a (test, student, role) key,
// or nil if none was uploaded. These rows are the single source of truth
// for document pairing; filenames are never parsed for roles.
func (s *Store) GetDocumentAsset(testID, studentID int64, role model.DocumentRole) (*model.DocumentAsset, error) {
	var a model.DocumentAsset
	err := s.db.QueryRow(
		`SELECT id, test_id, student_id, role, url, archive_url, extracted_text, created_at
		 FROM document_assets WHERE test_id = ? AND student_id = ? AND role = ?`,
		testID, studentID, role,
	).Scan(&a.ID, &a.TestID, &a.StudentID, &a.Role, &a.URL, &a.ArchiveURL, &a.ExtractedText, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SetAssetArchiveURL records the page-image bundle built for a document.
func (s *Store) SetAssetArchiveURL(id int64, archiveURL string) error {
	_, err := s.db.Exec(`UPDATE document_assets SET archive_url = ? WHERE id = ?`, archiveURL, id)
	return err
}

// SetAssetExtractedText caches the vision model's output for a document.
func (s *Store) SetAssetExtractedText(id int64, text string) error {
	_, err := s.db.Exec(`UPDATE document_assets SET extracted_text = ? WHERE id = ?`, text, id)
	return err
}

// SetAnswerText upserts the full-text transcript of a student's answers.
func (s *Store) SetAnswerText(testID, studentID int64, text string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO answer_texts (test_id, student_id, text, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(test_id, student_id) DO UPDATE SET text = ?, updated_at = ?`,
		testID, studentID, text, now, text, now,
	)
	return err
}

// GetAnswerText returns the transcript for a (test, student) pair.
// Returns empty string and nil error when none has been stored.
func (s *Store) GetAnswerText(testID, studentID int64) (string, error) {
	var text string
	err := s.db.QueryRow(
		`SELECT text FROM answer_texts WHERE test_id = ? AND student_id = ?`, testID, studentID,
	).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return text, err
}
