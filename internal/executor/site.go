package executor

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/antigravity-dev/pulz/internal/store"
)

// Site builds a three-page static site and a flat zip bundle of the pages.
type Site struct{}

func (Site) Lane() string { return "site" }

func (Site) Plan(data store.ProposalData) Plan {
	return planFor(data, 5)
}

// sitePages maps filenames to page titles, in build order.
var sitePages = []struct {
	filename string
	title    string
}{
	{"index.html", "Home"},
	{"about.html", "About"},
	{"contact.html", "Contact"},
}

func (Site) Run(ctx context.Context, executionID string, data store.ProposalData, env Env, emit Emit) (*Outcome, error) {
	if err := checkCancel(ctx); err != nil {
		return nil, err
	}
	emit("execution_log", "running", map[string]any{"message": "Building static site"})
	outputRoot := filepath.Join(env.OutputDir, executionID, "site")
	if err := os.MkdirAll(outputRoot, 0o755); err != nil {
		return nil, fmt.Errorf("executor: create site dir: %w", err)
	}

	summary := summaryOr(data, "Opportunity")
	message := brMessage(data.MessageTemplate)
	for _, page := range sitePages {
		pagePath := filepath.Join(outputRoot, page.filename)
		content := fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>%s - %s</title>
  </head>
  <body>
    <main>
      <h1>%s</h1>
      <p>%s</p>
      <p>%s</p>
    </main>
  </body>
</html>
`, page.title, summary, page.title, summary, message)
		if err := writeFile(pagePath, content); err != nil {
			return nil, err
		}
		if err := checkCancel(ctx); err != nil {
			return nil, err
		}
	}

	zipPath := filepath.Join(env.OutputDir, executionID, "site.zip")
	if err := zipPages(zipPath, outputRoot); err != nil {
		return nil, err
	}
	if err := checkCancel(ctx); err != nil {
		return nil, err
	}

	indexPath := filepath.Join(outputRoot, "index.html")
	indexSum, err := hashFile(indexPath)
	if err != nil {
		return nil, err
	}
	zipSum, err := hashFile(zipPath)
	if err != nil {
		return nil, err
	}
	emit("execution_progress", "running", map[string]any{"message": "Static site bundle ready"})
	artifacts := []ArtifactFile{
		{Kind: "html", Path: indexPath, SHA256: indexSum},
		{Kind: "zip", Path: zipPath, SHA256: zipSum},
	}
	return &Outcome{
		Outputs:   map[string]any{"site_dir": outputRoot, "zip_path": zipPath},
		Artifacts: artifacts,
		Metrics:   map[string]any{"artifact_count": len(artifacts)},
	}, nil
}

// zipPages bundles the site pages into a flat archive with no
// subdirectories.
func zipPages(zipPath, pagesDir string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("executor: create zip: %w", err)
	}
	defer f.Close()

	archive := zip.NewWriter(f)
	for _, page := range sitePages {
		src, err := os.Open(filepath.Join(pagesDir, page.filename))
		if err != nil {
			archive.Close()
			return fmt.Errorf("executor: open page for zip: %w", err)
		}
		entry, err := archive.Create(page.filename)
		if err != nil {
			src.Close()
			archive.Close()
			return fmt.Errorf("executor: create zip entry: %w", err)
		}
		if _, err := io.Copy(entry, src); err != nil {
			src.Close()
			archive.Close()
			return fmt.Errorf("executor: write zip entry: %w", err)
		}
		src.Close()
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("executor: finalize zip: %w", err)
	}
	return nil
}
