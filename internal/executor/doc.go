package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antigravity-dev/pulz/internal/store"
)

// Doc renders the proposal as a markdown document plus a PDF of the same
// text body.
type Doc struct{}

func (Doc) Lane() string { return "doc" }

func (Doc) Plan(data store.ProposalData) Plan {
	return planFor(data, 3)
}

func (Doc) Run(ctx context.Context, executionID string, data store.ProposalData, env Env, emit Emit) (*Outcome, error) {
	if err := checkCancel(ctx); err != nil {
		return nil, err
	}
	emit("execution_log", "running", map[string]any{"message": "Generating markdown + PDF document"})
	outputRoot := filepath.Join(env.OutputDir, executionID, "doc")
	if err := os.MkdirAll(outputRoot, 0o755); err != nil {
		return nil, fmt.Errorf("executor: create doc dir: %w", err)
	}

	mdPath := filepath.Join(outputRoot, "document.md")
	pdfPath := filepath.Join(outputRoot, "document.pdf")
	text := proposalText(data)

	if err := writeFile(mdPath, "# Proposal Document\n\n"+text+"\n"); err != nil {
		return nil, err
	}
	if err := os.WriteFile(pdfPath, simplePDFBytes(text), 0o644); err != nil {
		return nil, fmt.Errorf("executor: write doc pdf: %w", err)
	}
	if err := checkCancel(ctx); err != nil {
		return nil, err
	}

	mdSum, err := hashFile(mdPath)
	if err != nil {
		return nil, err
	}
	pdfSum, err := hashFile(pdfPath)
	if err != nil {
		return nil, err
	}
	emit("execution_progress", "running", map[string]any{"message": "Document artifacts generated"})
	artifacts := []ArtifactFile{
		{Kind: "doc", Path: mdPath, SHA256: mdSum},
		{Kind: "pdf", Path: pdfPath, SHA256: pdfSum},
	}
	return &Outcome{
		Outputs:   map[string]any{"md_path": mdPath, "pdf_path": pdfPath},
		Artifacts: artifacts,
		Metrics:   map[string]any{"artifact_count": len(artifacts)},
	}, nil
}
