package store

import (
	"database/sql"
	"fmt"
)

// Mission is one bounded engine run. At most one mission is running
// process-wide; that invariant is enforced by the mission engine.
type Mission struct {
	ID            string
	StartedAt     string
	EndsAt        string
	Status        string
	ConfigJSON    string
	AuthorityMode sql.NullString
}

// InsertMission records a mission row.
func (s *Store) InsertMission(m Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO missions (id, started_at, ends_at, status, config_json, authority_mode)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.StartedAt, m.EndsAt, m.Status, m.ConfigJSON, m.AuthorityMode,
	)
	if err != nil {
		return fmt.Errorf("store: insert mission: %w", err)
	}
	return nil
}

// UpdateMissionStatus transitions a mission row.
func (s *Store) UpdateMissionStatus(missionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE missions SET status = ? WHERE id = ?`, status, missionID)
	if err != nil {
		return fmt.Errorf("store: update mission status: %w", err)
	}
	return nil
}

// GetMission returns a mission by ID, or nil when absent.
func (s *Store) GetMission(missionID string) (*Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, started_at, ends_at, status, config_json, authority_mode FROM missions WHERE id = ?`,
		missionID,
	)
	var m Mission
	err := row.Scan(&m.ID, &m.StartedAt, &m.EndsAt, &m.Status, &m.ConfigJSON, &m.AuthorityMode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get mission: %w", err)
	}
	return &m, nil
}

// SetMissionAuthority updates a mission's authority mode, reporting whether
// the mission exists.
func (s *Store) SetMissionAuthority(missionID, mode string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE missions SET authority_mode = ? WHERE id = ?`, mode, missionID)
	if err != nil {
		return false, fmt.Errorf("store: set mission authority: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: get rows affected: %w", err)
	}
	return affected > 0, nil
}
