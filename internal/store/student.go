package store

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/pavelanni/gradescan/internal/model"
)

// CreateStudent inserts a new student.
func (s *Store) CreateStudent(st model.Student) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO students (external_id, display_name, class_name, created_at)
		 VALUES (?, ?, ?, ?)`,
		st.ExternalID, st.DisplayName, st.ClassName, time.Now(),
	)
	if err != nil {
		slog.Error("failed to create student", "external_id", st.ExternalID, "error", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	slog.Info("created student", "id", id, "external_id", st.ExternalID)
	return id, nil
}

// GetStudent returns a student by ID, or nil if not found.
func (s *Store) GetStudent(id int64) (*model.Student, error) {
	var st model.Student
	err := s.db.QueryRow(
		`SELECT id, external_id, display_name, class_name, created_at
		 FROM students WHERE id = ?`, id,
	).Scan(&st.ID, &st.ExternalID, &st.DisplayName, &st.ClassName, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStudentByExternalID returns a student by school roll number, or nil.
func (s *Store) GetStudentByExternalID(externalID string) (*model.Student, error) {
	var st model.Student
	err := s.db.QueryRow(
		`SELECT id, external_id, display_name, class_name, created_at
		 FROM students WHERE external_id = ?`, externalID,
	).Scan(&st.ID, &st.ExternalID, &st.DisplayName, &st.ClassName, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListStudents returns all students ordered by ID.
func (s *Store) ListStudents() ([]model.Student, error) {
	rows, err := s.db.Query(
		`SELECT id, external_id, display_name, class_name, created_at FROM students ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var students []model.Student
	for rows.Next() {
		var st model.Student
		if err := rows.Scan(&st.ID, &st.ExternalID, &st.DisplayName, &st.ClassName, &st.CreatedAt); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}
