// Package state persists the bridge's operational state in SQLite:
// the portal session tokens (so restarts don't re-trigger the email
// two-factor challenge) and an audit log of submitted meter readings.
// Structured snapshot data lives in memory only; it is cheap to
// re-fetch and goes stale fast.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eircbridge/eircbridge/internal/eirc"
)

// Store persists bridge state. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a state store on an open database handle. The
// schema is created automatically.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate state: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS portal_tokens (
			login      TEXT PRIMARY KEY,
			tokens     TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS submissions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id   INTEGER NOT NULL,
			registration TEXT NOT NULL,
			scale_id     INTEGER NOT NULL,
			value        REAL NOT NULL,
			submitted_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_submissions_meter
			ON submissions(registration, scale_id);
	`)
	return err
}

// SaveTokens upserts the session tokens for a portal login.
func (s *Store) SaveTokens(login string, tokens eirc.TokenState) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO portal_tokens (login, tokens, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (login) DO UPDATE
		 SET tokens = excluded.tokens, updated_at = excluded.updated_at`,
		login, string(data), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save tokens for %s: %w", login, err)
	}
	return nil
}

// LoadTokens returns the stored tokens for a login. The second return
// is false when nothing is stored.
func (s *Store) LoadTokens(login string) (eirc.TokenState, bool, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT tokens FROM portal_tokens WHERE login = ?`, login,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return eirc.TokenState{}, false, nil
	}
	if err != nil {
		return eirc.TokenState{}, false, fmt.Errorf("load tokens for %s: %w", login, err)
	}

	var tokens eirc.TokenState
	if err := json.Unmarshal([]byte(data), &tokens); err != nil {
		return eirc.TokenState{}, false, fmt.Errorf("decode tokens for %s: %w", login, err)
	}
	return tokens, true, nil
}

// ClearTokens removes the stored tokens for a login, forcing a fresh
// login on the next start. No error if nothing is stored.
func (s *Store) ClearTokens(login string) error {
	_, err := s.db.Exec(`DELETE FROM portal_tokens WHERE login = ?`, login)
	if err != nil {
		return fmt.Errorf("clear tokens for %s: %w", login, err)
	}
	return nil
}

// Submission is one audit log entry for a submitted meter reading.
type Submission struct {
	AccountID    int64
	Registration string
	ScaleID      int64
	Value        float64
	SubmittedAt  time.Time
}

// RecordSubmission appends a reading submission to the audit log.
func (s *Store) RecordSubmission(sub Submission) error {
	at := sub.SubmittedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO submissions (account_id, registration, scale_id, value, submitted_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sub.AccountID, sub.Registration, sub.ScaleID, sub.Value,
		at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// LastSubmission returns the most recent submission for one scale of a
// meter. The second return is false when the scale has no history.
func (s *Store) LastSubmission(registration string, scaleID int64) (Submission, bool, error) {
	row := s.db.QueryRow(
		`SELECT account_id, registration, scale_id, value, submitted_at
		 FROM submissions
		 WHERE registration = ? AND scale_id = ?
		 ORDER BY id DESC LIMIT 1`,
		registration, scaleID,
	)
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return Submission{}, false, nil
	}
	if err != nil {
		return Submission{}, false, fmt.Errorf("last submission %s/%d: %w", registration, scaleID, err)
	}
	return sub, true, nil
}

// RecentSubmissions returns up to limit submissions, newest first.
func (s *Store) RecentSubmissions(limit int) ([]Submission, error) {
	rows, err := s.db.Query(
		`SELECT account_id, registration, scale_id, value, submitted_at
		 FROM submissions ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent submissions: %w", err)
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (Submission, error) {
	var sub Submission
	var at string
	if err := row.Scan(&sub.AccountID, &sub.Registration, &sub.ScaleID, &sub.Value, &at); err != nil {
		return Submission{}, err
	}
	if t, err := time.Parse(time.RFC3339, at); err == nil {
		sub.SubmittedAt = t
	}
	return sub, nil
}
