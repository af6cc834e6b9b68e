// Package runner executes approved proposals: one goroutine per execution,
// with cooperative cancellation, artifact capture, and telemetry.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/antigravity-dev/pulz/internal/broadcast"
	"github.com/antigravity-dev/pulz/internal/executor"
	"github.com/antigravity-dev/pulz/internal/metrics"
	"github.com/antigravity-dev/pulz/internal/store"
	"github.com/antigravity-dev/pulz/internal/telemetry"
)

// ErrBlocked is returned when the mission kill switch is engaged.
var ErrBlocked = errors.New("execution blocked by mission kill switch")

// ErrActiveExecution is returned when the proposal already has an
// execution in flight.
var ErrActiveExecution = errors.New("proposal already has an active execution")

// ErrUnknownLane is returned for lanes with no registered executor.
var ErrUnknownLane = errors.New("invalid execution lane")

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner owns the execution registry. Registry operations never touch the
// store while holding the registry lock.
type Runner struct {
	store       *store.Store
	recorder    *telemetry.Recorder
	broadcaster *broadcast.Broadcaster
	logger      *slog.Logger
	outputDir   string
	blocked     func() bool

	// executorFor resolves lanes, replaceable in tests.
	executorFor func(lane string) (executor.Executor, bool)

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a runner. blocked is consulted before every enqueue; a nil
// func never blocks.
func New(s *store.Store, recorder *telemetry.Recorder, b *broadcast.Broadcaster, outputDir string, blocked func() bool, logger *slog.Logger) *Runner {
	if blocked == nil {
		blocked = func() bool { return false }
	}
	return &Runner{
		store:       s,
		recorder:    recorder,
		broadcaster: b,
		logger:      logger,
		outputDir:   outputDir,
		blocked:     blocked,
		executorFor: executor.For,
		entries:     make(map[string]*entry),
	}
}

// Enqueue records a new execution for the proposal and starts its worker.
func (r *Runner) Enqueue(proposalID string, data store.ProposalData, lane, missionID, approvedBy string) (string, error) {
	ex, ok := r.executorFor(lane)
	if !ok {
		return "", ErrUnknownLane
	}
	if r.blocked() {
		return "", ErrBlocked
	}
	active, err := r.store.HasActiveExecution(proposalID)
	if err != nil {
		return "", err
	}
	if active {
		return "", ErrActiveExecution
	}

	executionID, err := r.store.InsertExecution(proposalID, missionID, lane, "queued", approvedBy, map[string]any{"proposal": data})
	if err != nil {
		return "", err
	}
	r.recorder.Record("execution_queued", map[string]any{"status": "queued", "lane": lane}, missionID, proposalID, executionID)
	r.publish("execution_queued", proposalID, executionID, lane, "queued", map[string]any{"message": "Execution queued"}, missionID, false)

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.entries[executionID] = e
	r.mu.Unlock()

	go r.run(ctx, e, ex, executionID, proposalID, data, lane, missionID)
	return executionID, nil
}

// SetExecutorResolver overrides lane resolution (used in testing).
func (r *Runner) SetExecutorResolver(fn func(lane string) (executor.Executor, bool)) {
	r.executorFor = fn
}

// Cancel triggers cooperative cancellation of an execution. Unknown IDs are
// a no-op.
func (r *Runner) Cancel(executionID string) {
	r.mu.Lock()
	e := r.entries[executionID]
	r.mu.Unlock()
	if e != nil {
		e.cancel()
	}
}

// Wait blocks until the execution's worker has finalised, or returns
// immediately when it is not (or no longer) registered.
func (r *Runner) Wait(executionID string) {
	r.mu.Lock()
	e := r.entries[executionID]
	r.mu.Unlock()
	if e != nil {
		<-e.done
	}
}

// CancelMissionExecutions cancels every running execution belonging to the
// mission and waits for the workers to finalise, up to grace.
func (r *Runner) CancelMissionExecutions(missionID string, grace time.Duration) {
	running, err := r.store.RunningExecutions(missionID)
	if err != nil {
		r.logger.Warn("list running executions for cancel failed", "mission_id", missionID, "error", err)
		return
	}
	deadline := time.After(grace)
	for _, e := range running {
		r.Cancel(e.ID)
	}
	for _, e := range running {
		r.mu.Lock()
		reg := r.entries[e.ID]
		r.mu.Unlock()
		if reg == nil {
			continue
		}
		select {
		case <-reg.done:
		case <-deadline:
			r.logger.Warn("execution did not finalise within grace", "execution_id", e.ID)
			return
		}
	}
}

// run drives one execution through its phases. Terminal handling maps a
// context cancellation to cancelled and any other failure to failed, on
// both the execution and its proposal.
func (r *Runner) run(ctx context.Context, e *entry, ex executor.Executor, executionID, proposalID string, data store.ProposalData, lane, missionID string) {
	defer func() {
		e.cancel()
		r.mu.Lock()
		delete(r.entries, executionID)
		r.mu.Unlock()
		close(e.done)
	}()

	emit := func(eventType, status string, payload map[string]any) {
		line, _ := payload["message"].(string)
		if line == "" {
			line = eventType
		}
		if err := r.store.AppendExecutionLog(executionID, line); err != nil {
			r.logger.Warn("append execution log failed", "execution_id", executionID, "error", err)
		}
		r.publish(eventType, proposalID, executionID, lane, status, payload, missionID, true)
	}

	started := time.Now()
	r.setStatus(executionID, "running", "")
	r.setProposalStatus(proposalID, "executing")
	emit("execution_started", "running", map[string]any{"message": "Execution started"})

	plan := ex.Plan(data)
	execMetrics := map[string]any{"plan": plan}
	if err := r.store.SetExecutionMetrics(executionID, execMetrics); err != nil {
		r.logger.Warn("set execution metrics failed", "execution_id", executionID, "error", err)
	}

	outcome, err := ex.Run(ctx, executionID, data, executor.Env{OutputDir: r.outputDir, MissionID: missionID}, emit)
	elapsed := math.Round(time.Since(started).Seconds()*100) / 100

	if err != nil {
		if errors.Is(err, context.Canceled) {
			r.setStatus(executionID, "cancelled", "")
			r.setProposalStatus(proposalID, "cancelled")
			emit("execution_cancelled", "cancelled", map[string]any{"message": "Execution cancelled"})
			metrics.ExecutionsFinished.WithLabelValues(lane, "cancelled").Inc()
			return
		}
		r.setStatus(executionID, "failed", err.Error())
		r.setProposalStatus(proposalID, "failed")
		emit("execution_failed", "failed", map[string]any{"message": err.Error()})
		metrics.ExecutionsFinished.WithLabelValues(lane, "failed").Inc()
		return
	}

	if err := r.store.SetExecutionOutputs(executionID, outcome.Outputs); err != nil {
		r.logger.Warn("set execution outputs failed", "execution_id", executionID, "error", err)
	}
	for key, value := range outcome.Metrics {
		execMetrics[key] = value
	}
	execMetrics["elapsed_seconds"] = elapsed
	if err := r.store.SetExecutionMetrics(executionID, execMetrics); err != nil {
		r.logger.Warn("set execution metrics failed", "execution_id", executionID, "error", err)
	}

	for _, artifact := range outcome.Artifacts {
		if _, err := r.store.InsertArtifact(proposalID, executionID, artifact.Kind, artifact.Path, artifact.SHA256, encodeData(data), ""); err != nil {
			r.logger.Warn("insert artifact failed", "execution_id", executionID, "error", err)
			continue
		}
		emit("execution_artifact", "running", map[string]any{
			"message":  fmt.Sprintf("Artifact %s stored", artifact.Kind),
			"artifact": artifact,
		})
	}

	r.setStatus(executionID, "succeeded", "")
	r.setProposalStatus(proposalID, "executed")
	emit("execution_finished", "succeeded", map[string]any{"message": "Execution finished"})
	metrics.ExecutionsFinished.WithLabelValues(lane, "succeeded").Inc()
}

// publish broadcasts an execution event. With record set, lifecycle
// boundary events are also appended to telemetry; the queued event records
// its own telemetry with a different payload shape.
func (r *Runner) publish(eventType, proposalID, executionID, lane, status string, payload map[string]any, missionID string, record bool) {
	envelope := map[string]any{
		"ts":           store.NowISO(),
		"mission_id":   missionID,
		"proposal_id":  proposalID,
		"execution_id": executionID,
		"lane":         lane,
		"status":       status,
		"payload":      payload,
	}
	r.broadcaster.Publish(broadcast.Event{Type: eventType, Data: envelope})
	if record {
		switch eventType {
		case "execution_started", "execution_finished", "execution_failed", "execution_cancelled":
			r.recorder.Record(eventType, envelope, missionID, proposalID, executionID)
		}
	}
}

// PublishCancelled emits the cancelled event for an execution finalised
// outside its worker (idempotent API cancels).
func (r *Runner) PublishCancelled(proposalID, executionID, lane, missionID string) {
	r.publish("execution_cancelled", proposalID, executionID, lane, "cancelled",
		map[string]any{"message": "Execution cancelled"}, missionID, true)
}

func (r *Runner) setStatus(executionID, status, errMsg string) {
	if err := r.store.UpdateExecutionStatus(executionID, status, errMsg); err != nil {
		r.logger.Error("update execution status failed", "execution_id", executionID, "status", status, "error", err)
	}
}

func (r *Runner) setProposalStatus(proposalID, status string) {
	if err := r.store.UpdateProposalStatus(proposalID, status); err != nil {
		r.logger.Error("update proposal status failed", "proposal_id", proposalID, "status", status, "error", err)
	}
}

func encodeData(data store.ProposalData) string {
	encoded, err := json.Marshal(data)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
