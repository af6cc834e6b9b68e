package mission

import (
	"math"
	"sync"
	"time"

	"github.com/antigravity-dev/pulz/internal/store"
)

// State is the process-wide mission state record. It is owned by the
// mission engine; external readers take snapshots through the API layer.
type State struct {
	mu sync.Mutex

	running                bool
	startedAt              string
	endsAt                 string
	sources                []string
	ratePerSourcePerMinute float64
	maxItems               int
	itemsProcessed         int
	lastError              string
	lastScan               string
	modelCalls             int
	tokenUsage             int
	tokenUsageAvailable    bool
	provider               string
	missionID              string
	authorityMode          string
	executionBlocked       bool
}

// NewState creates mission state with the default authority mode.
func NewState() *State {
	return &State{authorityMode: "auto_draft_queue", ratePerSourcePerMinute: 1, maxItems: 100}
}

// Snapshot is the JSON shape served by /status.
type Snapshot struct {
	Running             bool     `json:"running"`
	StartedAt           *string  `json:"started_at"`
	EndsAt              *string  `json:"ends_at"`
	Sources             []string `json:"sources"`
	Rate                float64  `json:"rate"`
	MaxItems            int      `json:"max_items"`
	ItemsProcessed      int      `json:"items_processed"`
	ItemsPerMin         float64  `json:"items_per_min"`
	LastError           *string  `json:"last_error"`
	LastScan            *string  `json:"last_scan"`
	ModelCalls          int      `json:"model_calls"`
	TokenUsage          *int     `json:"token_usage"`
	TokenUsageAvailable bool     `json:"token_usage_available"`
	Provider            *string  `json:"provider"`
	MissionID           *string  `json:"mission_id"`
	AuthorityMode       string   `json:"authority_mode"`
	ExecutionBlocked    bool     `json:"execution_blocked"`
}

// Snapshot returns a copy of the current state with the derived
// items-per-minute rate. Readers may observe slightly stale counters.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Running:             s.running,
		Sources:             append([]string(nil), s.sources...),
		Rate:                s.ratePerSourcePerMinute,
		MaxItems:            s.maxItems,
		ItemsProcessed:      s.itemsProcessed,
		ModelCalls:          s.modelCalls,
		TokenUsageAvailable: s.tokenUsageAvailable,
		AuthorityMode:       s.authorityMode,
		ExecutionBlocked:    s.executionBlocked,
	}
	if snap.Sources == nil {
		snap.Sources = []string{}
	}
	snap.StartedAt = optional(s.startedAt)
	snap.EndsAt = optional(s.endsAt)
	snap.LastError = optional(s.lastError)
	snap.LastScan = optional(s.lastScan)
	snap.Provider = optional(s.provider)
	snap.MissionID = optional(s.missionID)
	if s.tokenUsageAvailable {
		usage := s.tokenUsage
		snap.TokenUsage = &usage
	}
	if s.startedAt != "" {
		if started, err := time.Parse(store.TimeLayout, s.startedAt); err == nil {
			elapsedMin := time.Since(started).Minutes()
			if elapsedMin < 1 {
				elapsedMin = 1
			}
			snap.ItemsPerMin = math.Round(float64(s.itemsProcessed)/elapsedMin*100) / 100
		}
	}
	return snap
}

// begin resets counters at mission start.
func (s *State) begin(missionID, startedAt, endsAt string, sources []string, rate float64, maxItems int, authorityMode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.missionID = missionID
	s.startedAt = startedAt
	s.endsAt = endsAt
	s.sources = append([]string(nil), sources...)
	s.ratePerSourcePerMinute = rate
	s.maxItems = maxItems
	s.itemsProcessed = 0
	s.lastError = ""
	s.lastScan = ""
	s.modelCalls = 0
	s.tokenUsage = 0
	s.tokenUsageAvailable = false
	s.authorityMode = authorityMode
	s.executionBlocked = false
}

func (s *State) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Running reports whether a mission loop is live.
func (s *State) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// MissionID returns the current mission's ID, or empty.
func (s *State) MissionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missionID
}

// AuthorityMode returns the mode gating autonomous behaviour.
func (s *State) AuthorityMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorityMode
}

// SetAuthorityMode changes the gate for the current mission.
func (s *State) SetAuthorityMode(mode string) {
	s.mu.Lock()
	s.authorityMode = mode
	s.mu.Unlock()
}

// ExecutionBlocked reports the kill-switch flag.
func (s *State) ExecutionBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executionBlocked
}

// SetExecutionBlocked flips the kill switch.
func (s *State) SetExecutionBlocked(blocked bool) {
	s.mu.Lock()
	s.executionBlocked = blocked
	s.mu.Unlock()
}

// SetLastError records a trapped connector or model error.
func (s *State) SetLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

// MarkScan stamps the top of a loop iteration.
func (s *State) MarkScan(ts string) {
	s.mu.Lock()
	s.lastScan = ts
	s.mu.Unlock()
}

// IncItems bumps the processed counter and returns the new value.
func (s *State) IncItems() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemsProcessed++
	return s.itemsProcessed
}

// ItemsProcessed returns the processed counter.
func (s *State) ItemsProcessed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsProcessed
}

// RecordModelCall accounts one language-model call and its token usage.
func (s *State) RecordModelCall(tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelCalls++
	s.provider = "ollama"
	if tokens > 0 {
		s.tokenUsage = tokens
		s.tokenUsageAvailable = true
	}
}

// TimeLeft returns whole seconds until ends_at, or nil outside a mission.
func (s *State) TimeLeft() *int {
	s.mu.Lock()
	endsAt := s.endsAt
	s.mu.Unlock()
	if endsAt == "" {
		return nil
	}
	ends, err := time.Parse(store.TimeLayout, endsAt)
	if err != nil {
		return nil
	}
	seconds := int(time.Until(ends).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	return &seconds
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
