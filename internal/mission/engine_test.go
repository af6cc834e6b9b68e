package mission

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antigravity-dev/pulz/internal/broadcast"
	"github.com/antigravity-dev/pulz/internal/classify"
	"github.com/antigravity-dev/pulz/internal/config"
	"github.com/antigravity-dev/pulz/internal/connector"
	"github.com/antigravity-dev/pulz/internal/runner"
	"github.com/antigravity-dev/pulz/internal/store"
	"github.com/antigravity-dev/pulz/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeConnector serves a fixed batch of signals on every poll.
type fakeConnector struct {
	name    string
	signals []connector.Signal
	polls   atomic.Int32
	err     error
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) FetchSignals(ctx context.Context) ([]connector.Signal, error) {
	f.polls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.signals, nil
}

func draftableSignal(id string) connector.Signal {
	return connector.Signal{
		ID:          id,
		Source:      "reddit:r/smallbusiness",
		URL:         "https://example.com/" + id,
		Title:       "Need a resume template generator",
		BodyExcerpt: "Looking for a simple tool",
		Author:      "alice",
		CreatedAt:   "2026-08-01T10:00:00Z",
		Raw:         map[string]any{"id": id},
		ContactHint: "alice",
	}
}

func testEngine(t *testing.T, conn connector.Connector) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := testLogger()
	cfg := config.Default()
	cfg.Ollama.URL = ""
	b := broadcast.New()
	recorder := telemetry.NewRecorder(s, logger)
	state := NewState()
	run := runner.New(s, recorder, b, t.TempDir(), state.ExecutionBlocked, logger)
	classifier := classify.New(nil, logger)

	e := NewEngine(cfg, s, state, classifier, recorder, b, run, logger)
	e.throttleFn = func(rate float64) time.Duration { return time.Millisecond }
	if conn != nil {
		e.resolve = func(name string, src config.Source) (connector.Connector, error) {
			return conn, nil
		}
	}
	return e, s
}

func startParams(maxItems int) StartParams {
	return StartParams{
		DurationMinutes:        5,
		Sources:                []string{"reddit_smallbusiness"},
		RatePerSourcePerMinute: 12,
		MaxItems:               maxItems,
		AuthorityMode:          "auto_draft_queue",
	}
}

func waitStopped(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for e.state.Running() {
		if time.Now().After(deadline) {
			t.Fatal("mission loop never exited")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartProcessesSignalsAndCreatesProposals(t *testing.T) {
	conn := &fakeConnector{name: "reddit:r/smallbusiness", signals: []connector.Signal{
		draftableSignal("a"), draftableSignal("b"),
	}}
	e, s := testEngine(t, conn)

	if err := e.Start(startParams(2)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitStopped(t, e)

	if got := e.state.ItemsProcessed(); got != 2 {
		t.Errorf("items processed = %d, want 2", got)
	}
	proposals, err := s.ListProposals(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(proposals) != 2 {
		t.Fatalf("proposals = %d, want 2", len(proposals))
	}
	for _, p := range proposals {
		if p.Status != "queued" {
			t.Errorf("proposal status = %s, want queued", p.Status)
		}
		if p.ExecutionMode.String != "manual" {
			t.Errorf("execution mode = %s, want manual", p.ExecutionMode.String)
		}
	}
	created, _ := s.CountEventsByType("proposal_created")
	if created != 2 {
		t.Errorf("proposal_created events = %d, want 2", created)
	}
	items, _ := s.CountEventsByType("connector_item")
	if items != 2 {
		t.Errorf("connector_item events = %d, want 2", items)
	}
}

func TestDedupAcrossLoops(t *testing.T) {
	conn := &fakeConnector{name: "reddit:r/smallbusiness", signals: []connector.Signal{draftableSignal("a")}}
	e, s := testEngine(t, conn)

	if err := e.Start(startParams(100)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Let the loop poll the same payload more than once, then stop.
	deadline := time.Now().Add(5 * time.Second)
	for conn.polls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("connector never polled twice")
		}
		time.Sleep(20 * time.Millisecond)
	}
	e.Stop()
	waitStopped(t, e)

	var signalCount int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM signals`).Scan(&signalCount); err != nil {
		t.Fatal(err)
	}
	if signalCount != 1 {
		t.Errorf("signals = %d, want 1", signalCount)
	}
	proposals, _ := s.ListProposals(nil)
	if len(proposals) != 1 {
		t.Errorf("proposals = %d, want 1", len(proposals))
	}
}

func TestScanOnlyNeverDrafts(t *testing.T) {
	conn := &fakeConnector{name: "reddit:r/smallbusiness", signals: []connector.Signal{draftableSignal("a")}}
	e, s := testEngine(t, conn)

	params := startParams(1)
	params.AuthorityMode = "scan_only"
	if err := e.Start(params); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitStopped(t, e)

	proposals, _ := s.ListProposals(nil)
	if len(proposals) != 0 {
		t.Fatalf("proposals = %d, want 0 under scan_only", len(proposals))
	}
	sig, err := s.GetSignal("a")
	if err != nil || sig == nil {
		t.Fatalf("signal missing: %v", err)
	}
	if sig.Status != "draft_proposal" {
		t.Errorf("signal status = %s, want draft_proposal", sig.Status)
	}
}

func TestDraftOnlyCreatesDrafts(t *testing.T) {
	conn := &fakeConnector{name: "reddit:r/smallbusiness", signals: []connector.Signal{draftableSignal("a")}}
	e, s := testEngine(t, conn)

	params := startParams(1)
	params.AuthorityMode = "draft_only"
	if err := e.Start(params); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitStopped(t, e)

	proposals, _ := s.ListProposals(nil)
	if len(proposals) != 1 || proposals[0].Status != "draft" {
		t.Fatalf("proposals = %+v, want one draft", proposals)
	}
}

func TestExecuteAfterApprovalSetsAutoMode(t *testing.T) {
	conn := &fakeConnector{name: "reddit:r/smallbusiness", signals: []connector.Signal{draftableSignal("a")}}
	e, s := testEngine(t, conn)

	params := startParams(1)
	params.AuthorityMode = "execute_after_approval"
	if err := e.Start(params); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitStopped(t, e)

	proposals, _ := s.ListProposals(nil)
	if len(proposals) != 1 {
		t.Fatalf("proposals = %d, want 1", len(proposals))
	}
	if proposals[0].Status != "queued" || proposals[0].ExecutionMode.String != "auto_after_approval" {
		t.Errorf("proposal = %s / %s", proposals[0].Status, proposals[0].ExecutionMode.String)
	}
}

func TestIgnoredSignalCreatesNoProposal(t *testing.T) {
	sig := draftableSignal("a")
	sig.Title = "nothing interesting"
	sig.BodyExcerpt = "just chatting"
	conn := &fakeConnector{name: "reddit:r/smallbusiness", signals: []connector.Signal{sig}}
	e, s := testEngine(t, conn)

	if err := e.Start(startParams(1)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitStopped(t, e)

	proposals, _ := s.ListProposals(nil)
	if len(proposals) != 0 {
		t.Errorf("proposals = %d, want 0", len(proposals))
	}
	got, _ := s.GetSignal("a")
	if got.Status != "ignore" {
		t.Errorf("signal status = %s, want ignore", got.Status)
	}
}

func TestStartRejectsSecondMission(t *testing.T) {
	conn := &fakeConnector{name: "reddit:r/smallbusiness", signals: nil}
	e, _ := testEngine(t, conn)

	if err := e.Start(startParams(100)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.Start(startParams(100)); err != ErrAlreadyRunning {
		t.Errorf("second start err = %v, want ErrAlreadyRunning", err)
	}
	e.Stop()
	waitStopped(t, e)
}

func TestStartWithNoValidConnectors(t *testing.T) {
	e, _ := testEngine(t, nil)

	params := startParams(10)
	params.Sources = []string{"nonexistent_source"}
	if err := e.Start(params); err != nil {
		t.Fatalf("Start should not error: %v", err)
	}
	if e.state.Running() {
		t.Error("mission should not be running")
	}
	snap := e.state.Snapshot()
	if snap.LastError == nil || *snap.LastError != "No valid connectors configured" {
		t.Errorf("last_error = %v", snap.LastError)
	}
}

func TestConnectorErrorIsTrapped(t *testing.T) {
	conn := &fakeConnector{name: "reddit:r/smallbusiness", err: context.DeadlineExceeded}
	e, _ := testEngine(t, conn)

	if err := e.Start(startParams(100)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := e.state.Snapshot()
		if snap.LastError != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("last_error never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	e.Stop()
	waitStopped(t, e)
}

func TestStopEngagesKillSwitch(t *testing.T) {
	conn := &fakeConnector{name: "reddit:r/smallbusiness", signals: nil}
	e, s := testEngine(t, conn)

	if err := e.Start(startParams(100)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	missionID := e.state.MissionID()
	e.Stop()
	waitStopped(t, e)

	if !e.state.ExecutionBlocked() {
		t.Error("kill switch not engaged after stop")
	}
	m, err := s.GetMission(missionID)
	if err != nil || m == nil {
		t.Fatalf("mission missing: %v", err)
	}
	if m.Status != "stopped" {
		t.Errorf("mission status = %s, want stopped", m.Status)
	}

	// Stop again: idempotent.
	e.Stop()
}

func TestMaxItemsHaltsProcessing(t *testing.T) {
	signals := []connector.Signal{draftableSignal("a"), draftableSignal("b"), draftableSignal("c")}
	conn := &fakeConnector{name: "reddit:r/smallbusiness", signals: signals}
	e, s := testEngine(t, conn)

	if err := e.Start(startParams(2)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitStopped(t, e)

	var signalCount int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM signals`).Scan(&signalCount); err != nil {
		t.Fatal(err)
	}
	if signalCount != 2 {
		t.Errorf("signals = %d, want 2 (max_items mid-batch)", signalCount)
	}
}

func TestThrottleFor(t *testing.T) {
	if got := throttleFor(0.5); got != 60*time.Second {
		t.Errorf("rate 0.5 throttle = %v, want 60s", got)
	}
	if got := throttleFor(2); got != 30*time.Second {
		t.Errorf("rate 2 throttle = %v, want 30s", got)
	}
	if got := throttleFor(60); got != 5*time.Second {
		t.Errorf("rate 60 throttle = %v, want 5s floor", got)
	}
}

func TestSnapshotShape(t *testing.T) {
	state := NewState()
	snap := state.Snapshot()
	if snap.Running {
		t.Error("fresh state should not be running")
	}
	if snap.AuthorityMode != "auto_draft_queue" {
		t.Errorf("authority = %s", snap.AuthorityMode)
	}
	if snap.StartedAt != nil || snap.MissionID != nil {
		t.Error("fresh state should have nil started_at and mission_id")
	}

	state.begin("m1", store.NowISO(), store.NowISO(), []string{"x"}, 2, 10, "scan_only")
	state.IncItems()
	snap = state.Snapshot()
	if !snap.Running || snap.ItemsProcessed != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.ItemsPerMin <= 0 {
		t.Errorf("items_per_min = %f", snap.ItemsPerMin)
	}
}
