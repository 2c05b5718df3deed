// Package pdfexport turns a research answer's markdown body into a
// paginated PDF (spec §4.10, component C10): a Unicode-capable font is
// registered from disk, `[n]` citations are extracted the way
// internal/tools/pdf.go regex-parses PDF structure on the read side, and a
// trailing Sources table with clickable links closes the document.
package pdfexport

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

// Source is one citation backing the exported report.
type Source struct {
	Number int
	Title  string
	URL    string
}

// Exporter renders markdown reports to PDF. FontDir/FontFile name a
// Unicode TTF registered via AddUTF8Font; when empty, Exporter falls back
// to gofpdf's built-in Helvetica core font (Latin-1 only).
type Exporter struct {
	FontDir  string
	FontFile string // e.g. "DejaVuSans.ttf", resolved under FontDir
	fontName string
}

// NewExporter builds an Exporter. Pass "" for fontDir/fontFile to use the
// core Helvetica font.
func NewExporter(fontDir, fontFile string) *Exporter {
	return &Exporter{FontDir: fontDir, FontFile: fontFile, fontName: "DejaVu"}
}

var citationRe = regexp.MustCompile(`\[(\d+)\]`)

// Render produces a paginated PDF for title/body, with a Sources table
// built from sources at the end. Citation markers in body ([n]) are left
// in place; the Sources table is the lookup target.
func (e *Exporter) Render(title, body string, sources []Source) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(title, true)
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)

	fontFamily := "Arial"
	if e.FontDir != "" && e.FontFile != "" {
		pdf.AddUTF8Font(e.fontName, "", e.FontDir+"/"+e.FontFile)
		fontFamily = e.fontName
	}

	pdf.AddPage()
	pdf.SetFont(fontFamily, "", 18)
	pdf.MultiCell(0, 10, title, "", "L", false)
	pdf.Ln(4)

	pdf.SetFont(fontFamily, "", 11)
	for _, line := range strings.Split(body, "\n") {
		e.renderLine(pdf, fontFamily, line)
	}

	if len(sources) > 0 {
		e.renderSources(pdf, fontFamily, sources)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdfexport: render: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Exporter) renderLine(pdf *gofpdf.Fpdf, fontFamily, line string) {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "## "):
		pdf.Ln(2)
		pdf.SetFont(fontFamily, "B", 14)
		pdf.MultiCell(0, 8, strings.TrimPrefix(trimmed, "## "), "", "L", false)
		pdf.SetFont(fontFamily, "", 11)
	case strings.HasPrefix(trimmed, "# "):
		pdf.Ln(2)
		pdf.SetFont(fontFamily, "B", 16)
		pdf.MultiCell(0, 9, strings.TrimPrefix(trimmed, "# "), "", "L", false)
		pdf.SetFont(fontFamily, "", 11)
	case trimmed == "":
		pdf.Ln(4)
	default:
		pdf.MultiCell(0, 6, trimmed, "", "L", false)
	}
}

// renderSources emits a trailing table of every cited source, numbered and
// linked (gofpdf's WriteLinkString), sorted by citation number.
func (e *Exporter) renderSources(pdf *gofpdf.Fpdf, fontFamily string, sources []Source) {
	sorted := make([]Source, len(sources))
	copy(sorted, sources)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	pdf.AddPage()
	pdf.SetFont(fontFamily, "B", 14)
	pdf.MultiCell(0, 8, "Sources", "", "L", false)
	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 10)

	for _, s := range sorted {
		label := fmt.Sprintf("[%d] %s", s.Number, s.Title)
		pdf.SetTextColor(0, 0, 0)
		pdf.MultiCell(0, 6, label, "", "L", false)

		pdf.SetTextColor(0, 0, 238)
		pdf.WriteLinkString(6, s.URL, s.URL)
		pdf.Ln(8)
		pdf.SetTextColor(0, 0, 0)
	}
}

// ExtractCitations finds every distinct [n] marker in body, in first-seen
// order, for callers that need to know which source numbers a report
// actually references (e.g. to drop unused rows before rendering).
func ExtractCitations(body string) []int {
	seen := make(map[int]bool)
	var out []int
	for _, m := range citationRe.FindAllStringSubmatch(body, -1) {
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
