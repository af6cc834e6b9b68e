package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Ollama is a minimal client for the /api/generate endpoint. The raw
// prompt_eval_count and eval_count fields feed token accounting, which is
// why no higher-level client wraps this.
type Ollama struct {
	model  string
	url    string
	client *http.Client
}

// NewOllama creates a client. A zero timeout uses the 20 s default.
func NewOllama(model, url string, timeout time.Duration) *Ollama {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Ollama{
		model:  model,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// llmScoring mirrors Scoring with optional fields, so absent keys leave the
// heuristic value in place.
type llmScoring struct {
	Category                  *string   `json:"category"`
	Feasibility               *string   `json:"feasibility"`
	EstimatedBuildTimeMinutes *int      `json:"estimated_build_time_minutes"`
	SuggestedPriceRange       *string   `json:"suggested_price_range"`
	RiskFlags                 *[]string `json:"risk_flags"`
	RecommendedNextAction     *string   `json:"recommended_next_action"`
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Classify asks the model for a JSON-only classification of text. Returns
// the parsed refinement (nil when the model output held no parseable JSON
// object) and the token count reported by the model.
func (o *Ollama) Classify(ctx context.Context, text string) (*llmScoring, int, error) {
	prompt := "Classify the following opportunity. Respond ONLY with JSON containing keys: " +
		"category, feasibility, estimated_build_time_minutes, suggested_price_range, risk_flags, recommended_next_action, rationale. " +
		"Risk flags must be array of strings.\n\nText: " + text

	body, err := json.Marshal(generateRequest{Model: o.model, Prompt: prompt, Stream: false})
	if err != nil {
		return nil, 0, fmt.Errorf("classify: encode ollama request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("classify: ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("classify: ollama call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("classify: ollama call: status %d", resp.StatusCode)
	}

	var payload generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, 0, fmt.Errorf("classify: decode ollama response: %w", err)
	}

	tokens := payload.PromptEvalCount + payload.EvalCount
	parsed := parseJSONBlock(payload.Response)
	if parsed == nil {
		return nil, tokens, fmt.Errorf("classify: no JSON object in model output")
	}
	return parsed, tokens, nil
}

// parseJSONBlock extracts the object between the first { and the last } in
// text. Malformed JSON is discarded.
func parseJSONBlock(text string) *llmScoring {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil
	}
	var parsed llmScoring
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil
	}
	return &parsed
}
