package classify

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHeuristicScoreCounting(t *testing.T) {
	if got := HeuristicScore("nothing interesting here at all"); got != 0 {
		t.Errorf("score = %d, want 0", got)
	}
	// "need", "looking for", "pdf" and "generator" each count once.
	if got := HeuristicScore("need help, looking for a pdf generator"); got != 4 {
		t.Errorf("score = %d, want 4", got)
	}
}

func TestHeuristicBoundaries(t *testing.T) {
	cases := []struct {
		name       string
		text       string
		wantAction string
	}{
		{"zero score no risk", "just venting about my day", ActionIgnore},
		{"one score with risk", "need help with a legal matter", ActionNeedsClarification},
		{"high score no risk", "need a resume template generator", ActionDraftProposal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scored := Heuristic(tc.text)
			if scored.RecommendedNextAction != tc.wantAction {
				t.Errorf("action = %s, want %s", scored.RecommendedNextAction, tc.wantAction)
			}
		})
	}
}

func TestHeuristicCategories(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"need a lease template", CategoryDocGenerator},
		{"automation between two systems", CategoryAutomation},
		{"a small web app idea", CategoryMicroSaaS},
		{"random chatter", CategoryIgnore},
	}
	for _, tc := range cases {
		if got := Heuristic(tc.text).Category; got != tc.want {
			t.Errorf("category(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestHeuristicEstimates(t *testing.T) {
	// doc_generator with score 4: 240 + (4-2)*60.
	scored := Heuristic("need help, looking for a pdf generator")
	if scored.Category != CategoryDocGenerator {
		t.Fatalf("category = %s", scored.Category)
	}
	if scored.EstimatedBuildTimeMinutes != 360 {
		t.Errorf("minutes = %d, want 360", scored.EstimatedBuildTimeMinutes)
	}
	if scored.SuggestedPriceRange != "$600 - $1,500" {
		t.Errorf("price = %q", scored.SuggestedPriceRange)
	}
	if scored.Feasibility != "HIGH" {
		t.Errorf("feasibility = %s, want HIGH", scored.Feasibility)
	}
}

func TestFeasibilityRiskOverrides(t *testing.T) {
	// High score but risky: MED, never HIGH.
	scored := Heuristic("need a contract template generator for legal work")
	if scored.Feasibility != "MED" {
		t.Errorf("feasibility = %s, want MED", scored.Feasibility)
	}
	if len(scored.RiskFlags) != 1 || scored.RiskFlags[0] != "legal" {
		t.Errorf("risk flags = %v", scored.RiskFlags)
	}

	// Low score: LOW.
	if got := Heuristic("tool").Feasibility; got != "LOW" {
		t.Errorf("feasibility = %s, want LOW", got)
	}
}

func TestRiskFlagOrderDeterministic(t *testing.T) {
	scored := Heuristic("tax advice for a medical clinic with legal exposure")
	want := []string{"legal", "medical", "financial"}
	if len(scored.RiskFlags) != len(want) {
		t.Fatalf("risk flags = %v", scored.RiskFlags)
	}
	for i := range want {
		if scored.RiskFlags[i] != want[i] {
			t.Errorf("risk flags = %v, want %v", scored.RiskFlags, want)
		}
	}
}

func TestClassifyWithoutModel(t *testing.T) {
	c := New(nil, testLogger())
	scored, usage := c.Classify(context.Background(), "Need a resume template", "generator please")
	if scored.Rationale != "keyword heuristic" {
		t.Errorf("rationale = %q", scored.Rationale)
	}
	if usage.Provider != "estimate" || usage.ModelCall {
		t.Errorf("usage = %+v", usage)
	}
	if usage.Tokens < 1 {
		t.Errorf("tokens = %d", usage.Tokens)
	}
}

func TestClassifyMergesModelOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response": "Sure! {\"category\": \"micro_saas\", \"feasibility\": \"high\", \"recommended_next_action\": \"draft_proposal\"} hope that helps", "prompt_eval_count": 90, "eval_count": 30}`))
	}))
	defer srv.Close()

	c := New(NewOllama("test", srv.URL, time.Second), testLogger())
	scored, usage := c.Classify(context.Background(), "Need a resume template", "generator please")
	if scored.Category != CategoryMicroSaaS {
		t.Errorf("category = %s, want micro_saas", scored.Category)
	}
	if scored.Feasibility != "HIGH" {
		t.Errorf("feasibility = %s, want HIGH (case coerced)", scored.Feasibility)
	}
	if scored.Rationale != "llm_assisted" {
		t.Errorf("rationale = %q", scored.Rationale)
	}
	if !usage.ModelCall || usage.Provider != "ollama" || usage.Tokens != 120 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestClassifyRejectsUnknownEnums(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response": "{\"category\": \"quantum_blockchain\", \"feasibility\": \"MAYBE\"}", "prompt_eval_count": 10, "eval_count": 5}`))
	}))
	defer srv.Close()

	c := New(NewOllama("test", srv.URL, time.Second), testLogger())
	scored, _ := c.Classify(context.Background(), "Need a resume template", "generator please")
	heuristic := Heuristic("Need a resume template\ngenerator please")
	if scored.Category != heuristic.Category {
		t.Errorf("category = %s, want heuristic %s", scored.Category, heuristic.Category)
	}
	if scored.Feasibility != heuristic.Feasibility {
		t.Errorf("feasibility = %s, want heuristic %s", scored.Feasibility, heuristic.Feasibility)
	}
	// Merge still happened, so the rationale is marked.
	if scored.Rationale != "llm_assisted" {
		t.Errorf("rationale = %q", scored.Rationale)
	}
}

func TestClassifyModelRiskForcesClarification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response": "{\"risk_flags\": [\"legal\"]}", "prompt_eval_count": 10, "eval_count": 5}`))
	}))
	defer srv.Close()

	c := New(NewOllama("test", srv.URL, time.Second), testLogger())
	scored, _ := c.Classify(context.Background(), "Need a resume template", "generator please")
	if scored.RecommendedNextAction != ActionNeedsClarification {
		t.Errorf("action = %s, want needs_clarification", scored.RecommendedNextAction)
	}
}

func TestClassifyUnparseableModelFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response": "no json here", "prompt_eval_count": 7, "eval_count": 3}`))
	}))
	defer srv.Close()

	c := New(NewOllama("test", srv.URL, time.Second), testLogger())
	scored, usage := c.Classify(context.Background(), "Need a resume template", "generator please")
	if scored.Rationale != "keyword heuristic" {
		t.Errorf("rationale = %q", scored.Rationale)
	}
	// Estimated token accounting still happens on model failure.
	if usage.Provider != "estimate" || usage.Tokens < 1 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestClassifyModelDownFallsBack(t *testing.T) {
	c := New(NewOllama("test", "http://127.0.0.1:1/api/generate", 100*time.Millisecond), testLogger())
	scored, usage := c.Classify(context.Background(), "Need a resume template", "generator please")
	if scored.Rationale != "keyword heuristic" {
		t.Errorf("rationale = %q", scored.Rationale)
	}
	if usage.ModelCall {
		t.Errorf("usage = %+v", usage)
	}
}

func TestParseJSONBlock(t *testing.T) {
	if parseJSONBlock("no braces") != nil {
		t.Error("expected nil for missing braces")
	}
	if parseJSONBlock("{broken json}") != nil {
		t.Error("expected nil for malformed json")
	}
	parsed := parseJSONBlock(`prefix {"category": "automation"} suffix`)
	if parsed == nil || parsed.Category == nil || *parsed.Category != "automation" {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 1 {
		t.Errorf("empty = %d, want 1", got)
	}
	if got := EstimateTokens("12345678"); got != 2 {
		t.Errorf("8 chars = %d, want 2", got)
	}
}
