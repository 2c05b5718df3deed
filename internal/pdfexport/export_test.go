package pdfexport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExporter_Render_ProducesNonEmptyPDF(t *testing.T) {
	e := NewExporter("", "")
	body := "## Findings\n\nGoroutines are cheap [1].\n\nChannels synchronize them [2]."
	sources := []Source{
		{Number: 1, Title: "Go Concurrency", URL: "https://go.dev/blog/concurrency"},
		{Number: 2, Title: "Effective Go", URL: "https://go.dev/doc/effective_go"},
	}

	data, err := e.Render("Concurrency report", body, sources)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Equal(t, "%PDF", string(data[:4]))
}

func TestExporter_Render_NoSourcesStillProducesPDF(t *testing.T) {
	e := NewExporter("", "")
	data, err := e.Render("Empty report", "Nothing to cite here.", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestExtractCitations_ReturnsDistinctMarkersInFirstSeenOrder(t *testing.T) {
	body := "A claim [2], another [1], and a repeat [2] plus [3]."
	assert.Equal(t, []int{2, 1, 3}, ExtractCitations(body))
}

func TestExtractCitations_NoMarkersReturnsEmpty(t *testing.T) {
	assert.Empty(t, ExtractCitations("no citations at all"))
}
