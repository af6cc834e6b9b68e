package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antigravity-dev/pulz/internal/store"
)

// HTML renders a single-page proposal summary with a stylesheet.
type HTML struct{}

func (HTML) Lane() string { return "html" }

func (HTML) Plan(data store.ProposalData) Plan {
	return planFor(data, 2)
}

func (HTML) Run(ctx context.Context, executionID string, data store.ProposalData, env Env, emit Emit) (*Outcome, error) {
	if err := checkCancel(ctx); err != nil {
		return nil, err
	}
	emit("execution_log", "running", map[string]any{"message": "Generating HTML layout"})
	outputRoot := filepath.Join(env.OutputDir, executionID, "html")
	if err := os.MkdirAll(outputRoot, 0o755); err != nil {
		return nil, fmt.Errorf("executor: create html dir: %w", err)
	}

	htmlPath := filepath.Join(outputRoot, "index.html")
	cssPath := filepath.Join(outputRoot, "styles.css")
	summary := summaryOr(data, "Opportunity")

	var options strings.Builder
	for _, option := range data.SolutionOptions {
		options.WriteString("<li>" + option + "</li>")
	}
	page := fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>%s</title>
    <link rel="stylesheet" href="styles.css" />
  </head>
  <body>
    <main class="container">
      <h1>%s</h1>
      <section>
        <h2>Proposal</h2>
        <p>%s</p>
      </section>
      <section>
        <h2>Solution options</h2>
        <ul>
          %s
        </ul>
      </section>
    </main>
  </body>
</html>
`, summary, summary, brMessage(data.MessageTemplate), options.String())

	css := `body { font-family: Arial, sans-serif; background: #0f172a; color: #e2e8f0; margin: 0; padding: 0; }
.container { max-width: 960px; margin: 0 auto; padding: 48px 24px; }
h1, h2 { color: #38bdf8; }
section { margin-top: 24px; padding: 16px; background: #111827; border-radius: 12px; }
`

	if err := writeFile(htmlPath, page); err != nil {
		return nil, err
	}
	if err := writeFile(cssPath, css); err != nil {
		return nil, err
	}
	if err := checkCancel(ctx); err != nil {
		return nil, err
	}

	htmlSum, err := hashFile(htmlPath)
	if err != nil {
		return nil, err
	}
	cssSum, err := hashFile(cssPath)
	if err != nil {
		return nil, err
	}
	emit("execution_progress", "running", map[string]any{"message": "HTML generated"})
	artifacts := []ArtifactFile{
		{Kind: "html", Path: htmlPath, SHA256: htmlSum},
		{Kind: "html", Path: cssPath, SHA256: cssSum},
	}
	return &Outcome{
		Outputs:   map[string]any{"html_path": htmlPath, "css_path": cssPath},
		Artifacts: artifacts,
		Metrics:   map[string]any{"artifact_count": len(artifacts)},
	}, nil
}
