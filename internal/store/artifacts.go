package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Artifact is an immutable record of a produced deliverable. Inline
// approval snapshots carry kind "json" and no path; lane outputs point at
// files under the artifact tree.
type Artifact struct {
	ID          string
	ProposalID  string
	ExecutionID sql.NullString
	CreatedAt   string
	Kind        sql.NullString
	Path        sql.NullString
	SHA256      sql.NullString
	DataJSON    string
	Text        string
}

const artifactCols = `id, proposal_id, execution_id, created_at, kind, path, sha256, data_json, text`

// InsertArtifact records an artifact and returns its derived ID.
func (s *Store) InsertArtifact(proposalID, executionID, kind, path, sha256Hex, dataJSON, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifactID := HashID(fmt.Sprintf("artifact:%s:%d", proposalID, time.Now().UnixNano()))
	if dataJSON == "" {
		dataJSON = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO artifacts (id, proposal_id, execution_id, created_at, kind, path, sha256, data_json, text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifactID, proposalID, nullable(executionID), NowISO(), nullable(kind), nullable(path), nullable(sha256Hex), dataJSON, text,
	)
	if err != nil {
		return "", fmt.Errorf("store: insert artifact: %w", err)
	}
	return artifactID, nil
}

// GetArtifact returns an artifact by ID, or nil when absent.
func (s *Store) GetArtifact(artifactID string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	artifacts, err := s.queryArtifacts(`SELECT `+artifactCols+` FROM artifacts WHERE id = ?`, artifactID)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, nil
	}
	return &artifacts[0], nil
}

// ListArtifacts returns the newest artifacts up to limit.
func (s *Store) ListArtifacts(limit int) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryArtifacts(
		`SELECT `+artifactCols+` FROM artifacts ORDER BY rowid DESC LIMIT ?`, limit,
	)
}

// ListExecutionArtifacts returns all artifacts captured by one execution,
// newest first.
func (s *Store) ListExecutionArtifacts(executionID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryArtifacts(
		`SELECT `+artifactCols+` FROM artifacts WHERE execution_id = ? ORDER BY rowid DESC`, executionID,
	)
}

func (s *Store) queryArtifacts(query string, args ...any) ([]Artifact, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(
			&a.ID, &a.ProposalID, &a.ExecutionID, &a.CreatedAt, &a.Kind, &a.Path, &a.SHA256, &a.DataJSON, &a.Text,
		); err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
