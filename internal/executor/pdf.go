package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antigravity-dev/pulz/internal/store"
)

// PDF renders the proposal text as a minimal hand-written PDF 1.4 file.
type PDF struct{}

func (PDF) Lane() string { return "pdf" }

func (PDF) Plan(data store.ProposalData) Plan {
	return planFor(data, 2)
}

func (PDF) Run(ctx context.Context, executionID string, data store.ProposalData, env Env, emit Emit) (*Outcome, error) {
	if err := checkCancel(ctx); err != nil {
		return nil, err
	}
	emit("execution_log", "running", map[string]any{"message": "Generating PDF"})
	outputRoot := filepath.Join(env.OutputDir, executionID, "pdf")
	if err := os.MkdirAll(outputRoot, 0o755); err != nil {
		return nil, fmt.Errorf("executor: create pdf dir: %w", err)
	}
	pdfPath := filepath.Join(outputRoot, "proposal.pdf")
	if err := os.WriteFile(pdfPath, simplePDFBytes(proposalText(data)), 0o644); err != nil {
		return nil, fmt.Errorf("executor: write pdf: %w", err)
	}
	if err := checkCancel(ctx); err != nil {
		return nil, err
	}
	sum, err := hashFile(pdfPath)
	if err != nil {
		return nil, err
	}
	emit("execution_progress", "running", map[string]any{"message": "PDF generated"})
	artifacts := []ArtifactFile{{Kind: "pdf", Path: pdfPath, SHA256: sum}}
	return &Outcome{
		Outputs:   map[string]any{"pdf_path": pdfPath},
		Artifacts: artifacts,
		Metrics:   map[string]any{"artifact_count": len(artifacts)},
	}, nil
}

// simplePDFBytes builds a single-page PDF 1.4 document: Catalog, Pages, one
// 612x792 Page, a Helvetica text stream wrapped at 80 columns with a 14 pt
// line advance, stopping once y drops below 50.
func simplePDFBytes(text string) []byte {
	var content strings.Builder
	content.WriteString("BT\n/F1 12 Tf\n")
	y := 770
	for i, line := range wrapText(text, 80) {
		if i > 0 {
			content.WriteString("\n")
		}
		fmt.Fprintf(&content, "1 0 0 1 50 %d Tm (%s) Tj", y, escapePDFText(line))
		y -= 14
		if y < 50 {
			break
		}
	}
	content.WriteString("\nET")
	stream := content.String()

	objects := []string{
		"1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj",
		"2 0 obj << /Type /Pages /Kids [3 0 R] /Count 1 >> endobj",
		"3 0 obj << /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >> endobj",
		fmt.Sprintf("4 0 obj << /Length %d >> stream\n%s\nendstream endobj", len(stream), stream),
		"5 0 obj << /Type /Font /Subtype /Type1 /BaseFont /Helvetica >> endobj",
	}

	var pdf strings.Builder
	pdf.WriteString("%PDF-1.4\n")
	offsets := make([]int, 0, len(objects))
	for _, obj := range objects {
		offsets = append(offsets, pdf.Len())
		pdf.WriteString(obj)
		pdf.WriteString("\n")
	}
	xrefStart := pdf.Len()
	pdf.WriteString("xref\n0 6\n0000000000 65535 f \n")
	for _, offset := range offsets {
		fmt.Fprintf(&pdf, "%010d 00000 n \n", offset)
	}
	fmt.Fprintf(&pdf, "trailer << /Size 6 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF", xrefStart)
	return []byte(pdf.String())
}

// wrapText greedily wraps text into lines of at most width characters,
// treating all whitespace as word separators.
func wrapText(text string, width int) []string {
	words := strings.Fields(text)
	var lines []string
	var current strings.Builder
	for _, word := range words {
		if current.Len() == 0 {
			current.WriteString(word)
			continue
		}
		if current.Len()+1+len(word) > width {
			lines = append(lines, current.String())
			current.Reset()
			current.WriteString(word)
			continue
		}
		current.WriteString(" ")
		current.WriteString(word)
	}
	if current.Len() > 0 {
		lines = append(lines, current.String())
	}
	return lines
}

// escapePDFText escapes the characters with meaning inside a PDF string.
func escapePDFText(line string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return replacer.Replace(line)
}
