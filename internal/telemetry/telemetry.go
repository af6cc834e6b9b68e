// Package telemetry records append-only engine events and derives cost and
// ROI aggregates from them.
package telemetry

import (
	"log/slog"
	"math"
	"sort"

	"github.com/antigravity-dev/pulz/internal/store"
)

// Recorder appends telemetry events. Recording is best-effort: a failed
// write is logged and never propagated into the calling flow.
type Recorder struct {
	store  *store.Store
	logger *slog.Logger
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(s *store.Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: s, logger: logger}
}

// Record appends one event. Mission, proposal and execution IDs may be
// empty when the event is not correlated.
func (r *Recorder) Record(eventType string, payload map[string]any, missionID, proposalID, executionID string) {
	if _, err := r.store.InsertTelemetryEvent(eventType, payload, missionID, proposalID, executionID); err != nil {
		r.logger.Warn("telemetry record failed", "type", eventType, "error", err)
	}
}

// TokensUsed records a tokens_used event with its provider tag.
func (r *Recorder) TokensUsed(tokens int, provider, missionID string) {
	if tokens <= 0 {
		return
	}
	r.Record("tokens_used", map[string]any{"tokens": tokens, "provider": provider}, missionID, "", "")
}

// Summary is the /telemetry/summary aggregate.
type Summary struct {
	TokensOverTime   []TokenBucket  `json:"tokens_over_time"`
	TotalTokens      int64          `json:"total_tokens"`
	TotalCostUSD     float64        `json:"total_cost_usd"`
	CostPerSignal    float64        `json:"cost_per_signal"`
	CostPerProposal  float64        `json:"cost_per_proposal"`
	CostPerExecution float64        `json:"cost_per_execution"`
	ROIBySource      []ROIEntry     `json:"roi_by_source"`
	Config           SummaryConfig  `json:"config"`
}

// TokenBucket is token usage truncated to one hour.
type TokenBucket struct {
	TS     string `json:"ts"`
	Tokens int64  `json:"tokens"`
}

// ROIEntry is the per-source cost/revenue breakdown.
type ROIEntry struct {
	Source       string   `json:"source"`
	Signals      int      `json:"signals"`
	CostUSD      float64  `json:"cost_usd"`
	RevenueCents *int64   `json:"revenue_cents"`
	ROI          *float64 `json:"roi"`
	Unrealized   bool     `json:"unrealized"`
}

// SummaryConfig echoes the cost configuration the aggregate was computed
// with.
type SummaryConfig struct {
	CostPer1MTokensUSD map[string]float64 `json:"cost_per_1m_tokens_usd"`
}

// Summarize computes the full aggregate. Token totals derive exclusively
// from tokens_used events; the per-provider rate map supplies USD per
// million tokens, with the "default" entry covering unknown providers.
func Summarize(s *store.Store, costPer1M map[string]float64) (*Summary, error) {
	tokenEvents, err := s.EventsByType("tokens_used")
	if err != nil {
		return nil, err
	}
	signalCount, err := s.CountEventsByType("connector_item")
	if err != nil {
		return nil, err
	}
	proposalCount, err := s.CountEventsByType("proposal_created")
	if err != nil {
		return nil, err
	}
	executionCount, err := s.CountEventsByType("execution_started")
	if err != nil {
		return nil, err
	}
	sourceCounts, err := s.CountSignalsBySource()
	if err != nil {
		return nil, err
	}
	revenueBySource, err := s.RevenueBySource()
	if err != nil {
		return nil, err
	}

	var totalTokens int64
	var totalCost float64
	buckets := map[string]int64{}
	for _, ev := range tokenEvents {
		payload := ev.Payload()
		tokens := int64(asFloat(payload["tokens"]))
		provider, _ := payload["provider"].(string)
		totalTokens += tokens
		totalCost += float64(tokens) / 1_000_000 * rateFor(costPer1M, provider)
		if len(ev.TS) >= 13 {
			buckets[ev.TS[:13]+":00:00Z"] += tokens
		}
	}

	summary := &Summary{
		TotalTokens:  totalTokens,
		TotalCostUSD: round4(totalCost),
		Config:       SummaryConfig{CostPer1MTokensUSD: costPer1M},
	}
	if signalCount > 0 {
		summary.CostPerSignal = round4(totalCost / float64(signalCount))
	}
	if proposalCount > 0 {
		summary.CostPerProposal = round4(totalCost / float64(proposalCount))
	}
	if executionCount > 0 {
		summary.CostPerExecution = round4(totalCost / float64(executionCount))
	}

	hours := make([]string, 0, len(buckets))
	for hour := range buckets {
		hours = append(hours, hour)
	}
	sort.Strings(hours)
	summary.TokensOverTime = make([]TokenBucket, 0, len(hours))
	for _, hour := range hours {
		summary.TokensOverTime = append(summary.TokensOverTime, TokenBucket{TS: hour, Tokens: buckets[hour]})
	}

	costPerSignal := 0.0
	if signalCount > 0 {
		costPerSignal = totalCost / float64(signalCount)
	}
	sources := make([]string, 0, len(sourceCounts))
	for source := range sourceCounts {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	for _, source := range sources {
		count := sourceCounts[source]
		entry := ROIEntry{
			Source:     source,
			Signals:    count,
			CostUSD:    round4(costPerSignal * float64(count)),
			Unrealized: true,
		}
		if cents, ok := revenueBySource[source]; ok {
			entry.RevenueCents = &cents
			entry.Unrealized = false
			if entry.CostUSD > 0 {
				roi := round4((float64(cents) / 100) / entry.CostUSD)
				entry.ROI = &roi
			}
		}
		summary.ROIBySource = append(summary.ROIBySource, entry)
	}
	return summary, nil
}

func rateFor(costPer1M map[string]float64, provider string) float64 {
	if provider != "" {
		if rate, ok := costPer1M[provider]; ok {
			return rate
		}
	}
	return costPer1M["default"]
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
