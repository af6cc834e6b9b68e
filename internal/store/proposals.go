package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProposalData is the drafted response attached to a proposal, stored as
// JSON in the data_json column.
type ProposalData struct {
	SignalID                  string            `json:"signal_id"`
	Source                    string            `json:"source"`
	ProblemSummary            string            `json:"problem_summary"`
	SolutionOptions           []string          `json:"solution_options"`
	SuggestedPriceRange       string            `json:"suggested_price_range"`
	EstimatedBuildTimeMinutes int               `json:"estimated_build_time_minutes"`
	MessageTemplate           string            `json:"message_template"`
	ContactMethod             map[string]string `json:"contact_method"`
}

// Proposal is a drafted response subject to operator approval.
type Proposal struct {
	ID                    string
	SignalID              string
	Status                string
	CreatedAt             string
	UpdatedAt             string
	ApprovedAt            sql.NullString
	ExecutingAt           sql.NullString
	ExecutedAt            sql.NullString
	ExecutionMode         sql.NullString
	EstimatedRevenueCents sql.NullInt64
	RealizedRevenueCents  sql.NullInt64
	MissionID             sql.NullString
	DataJSON              string
}

// ProposalListing is a proposal joined with its originating signal.
type ProposalListing struct {
	Proposal
	Title  string
	URL    string
	Source string
}

const proposalCols = `id, signal_id, status, created_at, updated_at, approved_at, executing_at, executed_at, execution_mode, estimated_revenue_cents, realized_revenue_cents, mission_id, data_json`

// Data decodes the proposal's data_json payload.
func (p *Proposal) Data() (ProposalData, error) {
	var data ProposalData
	if err := json.Unmarshal([]byte(p.DataJSON), &data); err != nil {
		return ProposalData{}, fmt.Errorf("store: decode proposal data: %w", err)
	}
	return data, nil
}

// InsertProposal records a new proposal and returns its derived ID.
func (s *Store) InsertProposal(signalID string, data ProposalData, status, missionID, executionMode string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proposalID := HashID(fmt.Sprintf("proposal:%s:%d", signalID, time.Now().UnixNano()))
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("store: encode proposal data: %w", err)
	}
	now := NowISO()
	_, err = s.db.Exec(
		`INSERT INTO proposals (id, signal_id, status, created_at, updated_at, data_json, execution_mode, mission_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		proposalID, signalID, status, now, now, string(encoded), executionMode, nullable(missionID),
	)
	if err != nil {
		return "", fmt.Errorf("store: insert proposal: %w", err)
	}

	if _, err := s.db.Exec(
		`UPDATE signals SET proposal_id = ?, status = 'queued' WHERE id = ?`,
		proposalID, signalID,
	); err != nil {
		return "", fmt.Errorf("store: attach proposal to signal: %w", err)
	}
	return proposalID, nil
}

// UpdateProposalStatus transitions a proposal and stamps the matching
// lifecycle timestamp column.
func (s *Store) UpdateProposalStatus(proposalID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := NowISO()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{status, now}
	switch status {
	case "approved":
		sets = append(sets, "approved_at = ?")
		args = append(args, now)
	case "executing":
		sets = append(sets, "executing_at = ?")
		args = append(args, now)
	case "executed", "failed", "cancelled":
		sets = append(sets, "executed_at = ?")
		args = append(args, now)
	}
	args = append(args, proposalID)
	_, err := s.db.Exec(`UPDATE proposals SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("store: update proposal status: %w", err)
	}
	return nil
}

// SetRealizedRevenue records realised revenue for a fulfilled proposal.
func (s *Store) SetRealizedRevenue(proposalID string, cents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE proposals SET realized_revenue_cents = ?, updated_at = ? WHERE id = ?`,
		cents, NowISO(), proposalID,
	)
	if err != nil {
		return fmt.Errorf("store: set realized revenue: %w", err)
	}
	return nil
}

// GetProposal returns a proposal by ID, or nil when absent.
func (s *Store) GetProposal(id string) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	proposals, err := s.queryProposals(`SELECT `+proposalCols+` FROM proposals WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(proposals) == 0 {
		return nil, nil
	}
	return &proposals[0], nil
}

// ListQueue returns queued proposals joined with their signals, newest first.
func (s *Store) ListQueue() ([]ProposalListing, error) {
	return s.listJoined(`WHERE proposals.status = 'queued'`, nil)
}

// ListProposals returns proposals joined with their signals, optionally
// filtered by a status set, newest first.
func (s *Store) ListProposals(statuses []string) ([]ProposalListing, error) {
	if len(statuses) == 0 {
		return s.listJoined("", nil)
	}
	placeholders := strings.Repeat("?, ", len(statuses)-1) + "?"
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return s.listJoined(`WHERE proposals.status IN (`+placeholders+`)`, args)
}

func (s *Store) listJoined(where string, args []any) ([]ProposalListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT proposals.id, proposals.signal_id, proposals.status, proposals.created_at,
		       proposals.updated_at, proposals.approved_at, proposals.executing_at,
		       proposals.executed_at, proposals.execution_mode, proposals.estimated_revenue_cents,
		       proposals.realized_revenue_cents, proposals.mission_id, proposals.data_json,
		       signals.title, signals.url, signals.source
		FROM proposals
		JOIN signals ON signals.id = proposals.signal_id
		` + where + `
		ORDER BY proposals.created_at DESC, proposals.id DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list proposals: %w", err)
	}
	defer rows.Close()

	var listings []ProposalListing
	for rows.Next() {
		var l ProposalListing
		if err := rows.Scan(
			&l.ID, &l.SignalID, &l.Status, &l.CreatedAt, &l.UpdatedAt,
			&l.ApprovedAt, &l.ExecutingAt, &l.ExecutedAt, &l.ExecutionMode,
			&l.EstimatedRevenueCents, &l.RealizedRevenueCents, &l.MissionID, &l.DataJSON,
			&l.Title, &l.URL, &l.Source,
		); err != nil {
			return nil, fmt.Errorf("store: scan proposal listing: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// RevenueBySource sums realised revenue cents grouped by signal source,
// skipping proposals with no realised revenue.
func (s *Store) RevenueBySource() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT signals.source, SUM(proposals.realized_revenue_cents)
		FROM proposals
		JOIN signals ON signals.id = proposals.signal_id
		WHERE proposals.realized_revenue_cents IS NOT NULL
		GROUP BY signals.source`)
	if err != nil {
		return nil, fmt.Errorf("store: revenue by source: %w", err)
	}
	defer rows.Close()

	revenue := make(map[string]int64)
	for rows.Next() {
		var source string
		var cents int64
		if err := rows.Scan(&source, &cents); err != nil {
			return nil, fmt.Errorf("store: scan revenue by source: %w", err)
		}
		revenue[source] = cents
	}
	return revenue, rows.Err()
}

func (s *Store) queryProposals(query string, args ...any) ([]Proposal, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query proposals: %w", err)
	}
	defer rows.Close()

	var proposals []Proposal
	for rows.Next() {
		var p Proposal
		if err := rows.Scan(
			&p.ID, &p.SignalID, &p.Status, &p.CreatedAt, &p.UpdatedAt,
			&p.ApprovedAt, &p.ExecutingAt, &p.ExecutedAt, &p.ExecutionMode,
			&p.EstimatedRevenueCents, &p.RealizedRevenueCents, &p.MissionID, &p.DataJSON,
		); err != nil {
			return nil, fmt.Errorf("store: scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
