package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TelemetryEvent is one append-only log entry. Rows are never mutated.
type TelemetryEvent struct {
	ID          string
	TS          string
	MissionID   sql.NullString
	ProposalID  sql.NullString
	ExecutionID sql.NullString
	Type        string
	PayloadJSON string
}

// Payload decodes the event payload into a generic map.
func (e *TelemetryEvent) Payload() map[string]any {
	payload := map[string]any{}
	_ = json.Unmarshal([]byte(e.PayloadJSON), &payload)
	return payload
}

// InsertTelemetryEvent appends an event and returns its ID.
func (s *Store) InsertTelemetryEvent(eventType string, payload any, missionID, proposalID, executionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("store: encode telemetry payload: %w", err)
	}
	eventID := HashID(fmt.Sprintf("telemetry:%s:%d:%s", eventType, time.Now().UnixNano(), uuid.NewString()))
	_, err = s.db.Exec(
		`INSERT INTO telemetry_events (id, ts, mission_id, proposal_id, execution_id, type, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eventID, NowISO(), nullable(missionID), nullable(proposalID), nullable(executionID), eventType, string(encoded),
	)
	if err != nil {
		return "", fmt.Errorf("store: insert telemetry event: %w", err)
	}
	return eventID, nil
}

// EventsByType returns all events of one type in insertion order.
func (s *Store) EventsByType(eventType string) ([]TelemetryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, ts, mission_id, proposal_id, execution_id, type, payload_json
		 FROM telemetry_events WHERE type = ? ORDER BY rowid ASC`,
		eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query telemetry events: %w", err)
	}
	defer rows.Close()

	var events []TelemetryEvent
	for rows.Next() {
		var e TelemetryEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.MissionID, &e.ProposalID, &e.ExecutionID, &e.Type, &e.PayloadJSON); err != nil {
			return nil, fmt.Errorf("store: scan telemetry event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEventsByType returns how many events of one type were recorded.
func (s *Store) CountEventsByType(eventType string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM telemetry_events WHERE type = ?`, eventType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count telemetry events: %w", err)
	}
	return count, nil
}
