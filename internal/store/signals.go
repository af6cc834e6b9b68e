package store

import (
	"database/sql"
	"fmt"
)

// Signal is a normalised external post persisted for deduplication and
// scoring. Rows are immutable after first insert except for the proposal
// attachment fields.
type Signal struct {
	ID          string
	Source      string
	URL         string
	Title       string
	BodyExcerpt string
	Author      string
	CreatedAt   string
	RawJSON     string
	ScoredJSON  string
	ProposalID  sql.NullString
	Status      string
	InsertedAt  string
}

const signalCols = `id, source, url, title, body_excerpt, author, created_at, raw_json, scored_json, proposal_id, status, inserted_at`

// InsertSignal inserts a signal row, returning false when a row with the
// same ID already exists. The duplicate insert is a no-op.
func (s *Store) InsertSignal(sig Signal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sig.InsertedAt == "" {
		sig.InsertedAt = NowISO()
	}
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO signals (`+signalCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Source, sig.URL, sig.Title, sig.BodyExcerpt, sig.Author, sig.CreatedAt,
		sig.RawJSON, sig.ScoredJSON, sig.ProposalID, sig.Status, sig.InsertedAt,
	)
	if err != nil {
		return false, fmt.Errorf("store: insert signal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: insert signal rows affected: %w", err)
	}
	return affected > 0, nil
}

// SignalExists reports whether a signal with the given ID is recorded.
func (s *Store) SignalExists(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow(`SELECT 1 FROM signals WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: check signal exists: %w", err)
	}
	return true, nil
}

// GetSignal returns a signal by ID, or nil when absent.
func (s *Store) GetSignal(id string) (*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+signalCols+` FROM signals WHERE id = ?`, id)
	var sig Signal
	err := row.Scan(
		&sig.ID, &sig.Source, &sig.URL, &sig.Title, &sig.BodyExcerpt, &sig.Author,
		&sig.CreatedAt, &sig.RawJSON, &sig.ScoredJSON, &sig.ProposalID, &sig.Status, &sig.InsertedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get signal: %w", err)
	}
	return &sig, nil
}

// CountSignalsBySource returns row counts grouped by source.
func (s *Store) CountSignalsBySource() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT source, COUNT(*) FROM signals GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("store: count signals by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("store: scan signal source count: %w", err)
		}
		counts[source] = count
	}
	return counts, rows.Err()
}
