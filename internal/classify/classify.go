// Package classify scores signals with a keyword heuristic, optionally
// refined by a local language model.
package classify

import (
	"context"
	"log/slog"
	"strings"
)

// Categories.
const (
	CategoryDocGenerator = "doc_generator"
	CategoryAutomation   = "automation"
	CategoryMicroSaaS    = "micro_saas"
	CategoryIgnore       = "ignore"
)

// Recommended next actions.
const (
	ActionDraftProposal      = "draft_proposal"
	ActionIgnore             = "ignore"
	ActionNeedsClarification = "needs_clarification"
)

// keywords is the fixed heuristic list; each keyword present in the text
// contributes one point.
var keywords = []string{
	"need",
	"looking for",
	"is there a tool",
	"generator",
	"template",
	"lease",
	"resume",
	"pdf",
	"proposal",
	"automation",
	"integrate",
	"web app",
	"tool",
}

// riskFamilies maps a risk flag to the keywords that raise it. Order is
// fixed so flags come out deterministic.
var riskFamilies = []struct {
	flag     string
	keywords []string
}{
	{"legal", []string{"legal", "law", "attorney", "contract"}},
	{"medical", []string{"medical", "health", "clinic", "patient"}},
	{"financial", []string{"loan", "investment", "tax", "accounting"}},
}

// Scoring is the classification of one signal.
type Scoring struct {
	Category                  string   `json:"category"`
	Feasibility               string   `json:"feasibility"`
	EstimatedBuildTimeMinutes int      `json:"estimated_build_time_minutes"`
	SuggestedPriceRange       string   `json:"suggested_price_range"`
	RiskFlags                 []string `json:"risk_flags"`
	RecommendedNextAction     string   `json:"recommended_next_action"`
	Rationale                 string   `json:"rationale"`
}

// Usage reports the token cost of one classification.
type Usage struct {
	Tokens    int
	Provider  string
	ModelCall bool
}

// Classifier scores signals. A nil Ollama client keeps classification
// purely heuristic.
type Classifier struct {
	ollama *Ollama
	logger *slog.Logger
}

// New creates a classifier. ollama may be nil.
func New(ollama *Ollama, logger *slog.Logger) *Classifier {
	return &Classifier{ollama: ollama, logger: logger}
}

// Classify scores title+body. The heuristic result always exists; when the
// model responds with parseable JSON its declared keys are merged over it
// and the rationale becomes llm_assisted. Model failures are silent and
// fall back to an estimated token count.
func (c *Classifier) Classify(ctx context.Context, title, body string) (Scoring, Usage) {
	text := title + "\n" + body
	scored := Heuristic(text)

	if c.ollama != nil {
		refined, tokens, err := c.ollama.Classify(ctx, text)
		if err == nil && refined != nil {
			merged := merge(scored, refined)
			merged.Rationale = "llm_assisted"
			if len(merged.RiskFlags) > 0 {
				merged.RecommendedNextAction = ActionNeedsClarification
			}
			return merged, Usage{Tokens: tokens, Provider: "ollama", ModelCall: true}
		}
		if err != nil {
			c.logger.Debug("llm classify failed", "error", err)
		}
	}

	return scored, Usage{Tokens: EstimateTokens(text), Provider: "estimate"}
}

// Heuristic computes the keyword-only scoring for text.
func Heuristic(text string) Scoring {
	lower := strings.ToLower(text)
	score := HeuristicScore(lower)
	category := categorize(lower)
	flags := riskFlags(lower)

	base, price := estimateBase(category)
	feasibility := "MED"
	if score >= 2 && len(flags) == 0 {
		feasibility = "HIGH"
	}
	if score <= 1 {
		feasibility = "LOW"
	}
	if len(flags) > 0 {
		feasibility = "MED"
	}

	action := ActionIgnore
	if score >= 2 && len(flags) == 0 {
		action = ActionDraftProposal
	}
	if len(flags) > 0 {
		action = ActionNeedsClarification
	}

	return Scoring{
		Category:                  category,
		Feasibility:               feasibility,
		EstimatedBuildTimeMinutes: base + max(0, score-2)*60,
		SuggestedPriceRange:       price,
		RiskFlags:                 flags,
		RecommendedNextAction:     action,
		Rationale:                 "keyword heuristic",
	}
}

// HeuristicScore counts how many fixed keywords appear in the lowercased
// text.
func HeuristicScore(lower string) int {
	score := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	return score
}

func categorize(lower string) string {
	if containsAny(lower, "template", "pdf", "resume", "lease", "generator") {
		return CategoryDocGenerator
	}
	if containsAny(lower, "automation", "integrate", "zapier", "api") {
		return CategoryAutomation
	}
	if containsAny(lower, "app", "web", "saas", "tool") {
		return CategoryMicroSaaS
	}
	return CategoryIgnore
}

func riskFlags(lower string) []string {
	var flags []string
	for _, family := range riskFamilies {
		if containsAny(lower, family.keywords...) {
			flags = append(flags, family.flag)
		}
	}
	return flags
}

func estimateBase(category string) (minutes int, price string) {
	switch category {
	case CategoryDocGenerator:
		return 240, "$600 - $1,500"
	case CategoryAutomation:
		return 360, "$900 - $2,500"
	case CategoryMicroSaaS:
		return 480, "$1,200 - $3,500"
	default:
		return 180, "$400 - $900"
	}
}

func containsAny(lower string, words ...string) bool {
	for _, word := range words {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// EstimateTokens approximates token usage at one token per four characters.
func EstimateTokens(text string) int {
	tokens := len(text) / 4
	if tokens < 1 {
		return 1
	}
	return tokens
}

// merge overlays the model's declared keys onto the heuristic scoring.
// Unknown enum values keep the heuristic value; free-form model output is
// never trusted beyond the declared fields.
func merge(base Scoring, refined *llmScoring) Scoring {
	merged := base
	if refined.Category != nil {
		if category, ok := normalizeCategory(*refined.Category); ok {
			merged.Category = category
		}
	}
	if refined.Feasibility != nil {
		if feasibility, ok := normalizeFeasibility(*refined.Feasibility); ok {
			merged.Feasibility = feasibility
		}
	}
	if refined.EstimatedBuildTimeMinutes != nil && *refined.EstimatedBuildTimeMinutes >= 0 {
		merged.EstimatedBuildTimeMinutes = *refined.EstimatedBuildTimeMinutes
	}
	if refined.SuggestedPriceRange != nil && *refined.SuggestedPriceRange != "" {
		merged.SuggestedPriceRange = *refined.SuggestedPriceRange
	}
	if refined.RiskFlags != nil {
		merged.RiskFlags = *refined.RiskFlags
	}
	if refined.RecommendedNextAction != nil {
		if action, ok := normalizeAction(*refined.RecommendedNextAction); ok {
			merged.RecommendedNextAction = action
		}
	}
	return merged
}

func normalizeCategory(raw string) (string, bool) {
	switch canonical(raw) {
	case CategoryDocGenerator, "doc", "document_generator", "template":
		return CategoryDocGenerator, true
	case CategoryAutomation, "integration":
		return CategoryAutomation, true
	case CategoryMicroSaaS, "saas", "web_app":
		return CategoryMicroSaaS, true
	case CategoryIgnore, "none":
		return CategoryIgnore, true
	default:
		return "", false
	}
}

func normalizeFeasibility(raw string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LOW":
		return "LOW", true
	case "MED", "MEDIUM":
		return "MED", true
	case "HIGH":
		return "HIGH", true
	default:
		return "", false
	}
}

func normalizeAction(raw string) (string, bool) {
	switch canonical(raw) {
	case ActionDraftProposal:
		return ActionDraftProposal, true
	case ActionIgnore, "skip":
		return ActionIgnore, true
	case ActionNeedsClarification:
		return ActionNeedsClarification, true
	default:
		return "", false
	}
}

func canonical(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), " ", "_")
}
