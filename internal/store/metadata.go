package store

import (
	"database/sql"
	"time"
)

const lastReconcileRunKey = "last_reconcile_run"

// SetMetadata upserts a key-value pair in the pipeline_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO pipeline_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM pipeline_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetLastReconcileRun records when the ledger repair job last completed.
func (s *Store) SetLastReconcileRun(t time.Time) error {
	return s.SetMetadata(lastReconcileRunKey, t.UTC().Format(time.RFC3339))
}

// GetLastReconcileRun returns the last repair run time, or the zero time
// if the job has never run.
func (s *Store) GetLastReconcileRun() (time.Time, error) {
	v, err := s.GetMetadata(lastReconcileRunKey)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, v)
}
