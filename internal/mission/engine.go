// Package mission implements the rate-limited polling loop that drives
// connectors, deduplicates signals, and drafts proposals under the
// configured authority mode.
package mission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antigravity-dev/pulz/internal/broadcast"
	"github.com/antigravity-dev/pulz/internal/classify"
	"github.com/antigravity-dev/pulz/internal/config"
	"github.com/antigravity-dev/pulz/internal/connector"
	"github.com/antigravity-dev/pulz/internal/metrics"
	"github.com/antigravity-dev/pulz/internal/runner"
	"github.com/antigravity-dev/pulz/internal/store"
	"github.com/antigravity-dev/pulz/internal/telemetry"
)

// ErrAlreadyRunning is returned when a second mission start is attempted.
var ErrAlreadyRunning = errors.New("mission already running")

// stopGrace bounds how long Stop waits for cancelled executions to
// finalise.
const stopGrace = 10 * time.Second

// StartParams configures one mission run.
type StartParams struct {
	DurationMinutes        int
	Sources                []string
	RatePerSourcePerMinute float64
	MaxItems               int
	AuthorityMode          string
}

// Engine owns the mission loop. At most one mission runs at a time.
type Engine struct {
	cfg         *config.Config
	store       *store.Store
	state       *State
	classifier  *classify.Classifier
	recorder    *telemetry.Recorder
	broadcaster *broadcast.Broadcaster
	runner      *runner.Runner
	logger      *slog.Logger

	// resolve and throttleFn are seams replaceable in tests.
	resolve    func(name string, src config.Source) (connector.Connector, error)
	throttleFn func(rate float64) time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine wires the mission engine.
func NewEngine(cfg *config.Config, s *store.Store, state *State, classifier *classify.Classifier, recorder *telemetry.Recorder, b *broadcast.Broadcaster, r *runner.Runner, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		store:       s,
		state:       state,
		classifier:  classifier,
		recorder:    recorder,
		broadcaster: b,
		runner:      r,
		logger:      logger,
		resolve:     connector.FromCatalogue,
		throttleFn:  throttleFor,
	}
}

// State returns the engine's process-wide state record.
func (e *Engine) State() *State {
	return e.state
}

// Start launches the mission loop. Unknown sources are skipped silently;
// when nothing resolves the mission records the error and does not run.
func (e *Engine) Start(params StartParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Running() {
		return ErrAlreadyRunning
	}
	if !config.ValidAuthorityMode(params.AuthorityMode) {
		return fmt.Errorf("mission: invalid authority mode %q", params.AuthorityMode)
	}

	var connectors []connector.Connector
	for _, name := range params.Sources {
		src, ok := e.cfg.Sources[name]
		if !ok {
			continue
		}
		conn, err := e.resolve(name, src)
		if err != nil {
			e.logger.Warn("connector resolve failed", "source", name, "error", err)
			continue
		}
		connectors = append(connectors, conn)
	}
	if len(connectors) == 0 {
		e.state.SetLastError("No valid connectors configured")
		return nil
	}

	startedAt := time.Now().UTC()
	endsAt := startedAt.Add(time.Duration(params.DurationMinutes) * time.Minute)
	missionID := store.HashID("mission:" + startedAt.Format(store.TimeLayout))

	configJSON, err := json.Marshal(map[string]any{
		"duration_minutes": params.DurationMinutes,
		"sources":          params.Sources,
		"rate":             params.RatePerSourcePerMinute,
		"max_items":        params.MaxItems,
		"started_at":       startedAt.Format(store.TimeLayout),
		"ends_at":          endsAt.Format(store.TimeLayout),
		"authority_mode":   params.AuthorityMode,
	})
	if err != nil {
		return fmt.Errorf("mission: encode config: %w", err)
	}
	if err := e.store.InsertMission(store.Mission{
		ID:            missionID,
		StartedAt:     startedAt.Format(store.TimeLayout),
		EndsAt:        endsAt.Format(store.TimeLayout),
		Status:        "running",
		ConfigJSON:    string(configJSON),
		AuthorityMode: nullString(params.AuthorityMode),
	}); err != nil {
		return err
	}

	e.state.begin(missionID, startedAt.Format(store.TimeLayout), endsAt.Format(store.TimeLayout),
		params.Sources, params.RatePerSourcePerMinute, params.MaxItems, params.AuthorityMode)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	metrics.MissionRunning.Set(1)
	go e.loop(ctx, missionID, endsAt, connectors, params, done)

	e.logger.Info("mission started",
		"mission_id", missionID,
		"sources", params.Sources,
		"rate", params.RatePerSourcePerMinute,
		"max_items", params.MaxItems,
		"authority_mode", params.AuthorityMode)
	return nil
}

// Stop engages the kill switch, cancels running executions of the current
// mission, and waits for the loop to exit. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Running() {
		return
	}
	missionID := e.state.MissionID()
	e.state.SetExecutionBlocked(true)
	if e.cancel != nil {
		e.cancel()
	}
	e.runner.CancelMissionExecutions(missionID, stopGrace)
	if e.done != nil {
		<-e.done
	}
	e.logger.Info("mission stopped", "mission_id", missionID)
}

// loop drives connectors in round-robin order until stopped, the item
// budget is consumed, or the mission window closes.
func (e *Engine) loop(ctx context.Context, missionID string, endsAt time.Time, connectors []connector.Connector, params StartParams, done chan struct{}) {
	defer func() {
		if err := e.store.UpdateMissionStatus(missionID, "stopped"); err != nil {
			e.logger.Warn("mark mission stopped failed", "mission_id", missionID, "error", err)
		}
		metrics.MissionRunning.Set(0)
		e.state.end()
		close(done)
	}()

	throttle := e.throttleFn(params.RatePerSourcePerMinute)

	for {
		if ctx.Err() != nil {
			return
		}
		if e.state.ItemsProcessed() >= params.MaxItems {
			return
		}
		if !time.Now().UTC().Before(endsAt) {
			return
		}
		e.state.MarkScan(store.NowISO())

		for _, conn := range connectors {
			if ctx.Err() != nil {
				return
			}
			if err := e.pollConnector(ctx, conn, missionID, params); err != nil {
				// Transient by definition: surfaced in last_error, retried
				// on the next loop tick.
				e.state.SetLastError(fmt.Sprintf("%s: %v", conn.Name(), err))
				metrics.ConnectorErrors.WithLabelValues(conn.Name()).Inc()
			}
			if e.state.ItemsProcessed() >= params.MaxItems {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(throttle):
			}
		}
	}
}

func (e *Engine) pollConnector(ctx context.Context, conn connector.Connector, missionID string, params StartParams) error {
	signals, err := conn.FetchSignals(ctx)
	if err != nil {
		return err
	}
	for _, sig := range signals {
		if ctx.Err() != nil {
			return nil
		}
		if e.state.ItemsProcessed() >= params.MaxItems {
			return nil
		}
		if err := e.processSignal(ctx, sig, missionID); err != nil {
			return err
		}
	}
	return nil
}

// processSignal scores one signal, gates proposal creation by authority
// mode, and publishes the live event. Duplicates are skipped.
func (e *Engine) processSignal(ctx context.Context, sig connector.Signal, missionID string) error {
	normalizeSignal(&sig)

	exists, err := e.store.SignalExists(sig.ID)
	if err != nil {
		return err
	}
	if exists {
		metrics.SignalsDeduplicated.Inc()
		return nil
	}

	scored, usage := e.classifier.Classify(ctx, sig.Title, sig.BodyExcerpt)
	if usage.ModelCall {
		e.state.RecordModelCall(usage.Tokens)
		e.recorder.TokensUsed(usage.Tokens, usage.Provider, missionID)
		e.recorder.Record("model_call", map[string]any{"provider": usage.Provider}, missionID, "", "")
		metrics.TokensUsed.WithLabelValues(usage.Provider).Add(float64(usage.Tokens))
	} else {
		e.recorder.TokensUsed(usage.Tokens, usage.Provider, missionID)
		metrics.TokensUsed.WithLabelValues(usage.Provider).Add(float64(usage.Tokens))
	}
	e.recorder.Record("connector_item", map[string]any{"source": sig.Source, "signal_id": sig.ID}, missionID, "", "")

	authorityMode := e.state.AuthorityMode()
	proposalID := ""
	proposalStatus := ""
	var data store.ProposalData
	if scored.RecommendedNextAction == classify.ActionDraftProposal && authorityMode != "scan_only" {
		data = draftProposal(sig, scored)
		proposalStatus = "queued"
		if authorityMode == "draft_only" {
			proposalStatus = "draft"
		}
		executionMode := "manual"
		if authorityMode == "execute_after_approval" {
			executionMode = "auto_after_approval"
		}
		proposalID, err = e.store.InsertProposal(sig.ID, data, proposalStatus, missionID, executionMode)
		if err != nil {
			return err
		}
		e.recorder.Record("proposal_created",
			map[string]any{"source": sig.Source, "proposal_id": proposalID, "status": proposalStatus},
			missionID, proposalID, "")
		metrics.ProposalsCreated.WithLabelValues(proposalStatus).Inc()
	}

	scoredJSON, err := json.Marshal(scored)
	if err != nil {
		return fmt.Errorf("mission: encode scoring: %w", err)
	}
	rawJSON, err := json.Marshal(sig.Raw)
	if err != nil {
		rawJSON = []byte("{}")
	}
	status := scored.RecommendedNextAction
	if proposalID != "" {
		status = "queued"
	}
	if _, err := e.store.InsertSignal(store.Signal{
		ID:          sig.ID,
		Source:      sig.Source,
		URL:         sig.URL,
		Title:       sig.Title,
		BodyExcerpt: sig.BodyExcerpt,
		Author:      sig.Author,
		CreatedAt:   sig.CreatedAt,
		RawJSON:     string(rawJSON),
		ScoredJSON:  string(scoredJSON),
		ProposalID:  nullString(proposalID),
		Status:      status,
	}); err != nil {
		return err
	}

	eventData := map[string]any{
		"signal":  signalPayload(sig),
		"scoring": scored,
		"status":  status,
	}
	if proposalID != "" {
		eventData["proposal"] = data
		eventData["proposal_id"] = proposalID
		eventData["status"] = proposalStatus
	}
	e.broadcaster.Publish(broadcast.Event{Type: "signal", Data: eventData})
	e.state.IncItems()
	metrics.SignalsProcessed.Inc()
	return nil
}

// normalizeSignal fills the fields a connector may leave empty: the ID is
// derived from the URL, timestamps default to now.
func normalizeSignal(sig *connector.Signal) {
	if sig.ID == "" {
		sig.ID = store.HashID(sig.URL)
	}
	if sig.Source == "" {
		sig.Source = "unknown"
	}
	if sig.Author == "" {
		sig.Author = "unknown"
	}
	if sig.CreatedAt == "" {
		sig.CreatedAt = store.NowISO()
	}
	if sig.Raw == nil {
		sig.Raw = map[string]any{}
	}
}

// draftProposal builds the proposal payload for a scored signal.
func draftProposal(sig connector.Signal, scored classify.Scoring) store.ProposalData {
	contact := map[string]string{"channel": "unknown", "handle": sig.Author, "link": sig.URL}
	switch {
	case strings.HasPrefix(sig.Source, "reddit:"):
		contact = map[string]string{"channel": "reddit", "handle": sig.Author, "permalink": sig.URL}
	case strings.HasPrefix(sig.Source, "rss:"):
		contact = map[string]string{"channel": "rss", "author": sig.Author, "url": sig.URL}
	}

	message := fmt.Sprintf(
		"Hi there! I saw your post and can help with a fast-turnaround solution.\n\n"+
			"Summary: %s\n"+
			"Approach: %s with a focused scope and quick delivery.\n"+
			"Estimated delivery: %d minutes of build time.\n"+
			"Price range: %s.\n\n"+
			"If helpful, I can outline a short scope and timeline based on your exact requirements.",
		sig.Title, scored.Category, scored.EstimatedBuildTimeMinutes, scored.SuggestedPriceRange,
	)

	summary := sig.BodyExcerpt
	if summary == "" {
		summary = sig.Title
	}
	return store.ProposalData{
		SignalID:       sig.ID,
		Source:         sig.Source,
		ProblemSummary: summary,
		SolutionOptions: []string{
			"Lean MVP with core workflow and export",
			"Enhanced version with templates + automation hooks",
		},
		SuggestedPriceRange:       scored.SuggestedPriceRange,
		EstimatedBuildTimeMinutes: scored.EstimatedBuildTimeMinutes,
		MessageTemplate:           message,
		ContactMethod:             contact,
	}
}

func signalPayload(sig connector.Signal) map[string]any {
	return map[string]any{
		"id":           sig.ID,
		"source":       sig.Source,
		"url":          sig.URL,
		"title":        sig.Title,
		"body_excerpt": sig.BodyExcerpt,
		"author":       sig.Author,
		"created_at":   sig.CreatedAt,
		"contact_hint": sig.ContactHint,
	}
}

// throttleFor derives the inter-connector sleep: 60/rate seconds with a
// 5 s floor, and a flat 60 s for sub-unity rates so a tiny rate cannot
// stall the loop unboundedly.
func throttleFor(rate float64) time.Duration {
	if rate < 1 {
		return 60 * time.Second
	}
	throttle := time.Duration(60 / rate * float64(time.Second))
	if throttle < 5*time.Second {
		return 5 * time.Second
	}
	return throttle
}

func nullString(value string) (ns sql.NullString) {
	if value != "" {
		ns.String = value
		ns.Valid = true
	}
	return ns
}
