package composer

import (
	"strings"

	"github.com/kalambet/refnote/internal/records"
)

const (
	noteHeader      = "[Note] "
	webImportHeader = "[Web] "
	segmentEnd      = "\n---\n\n"

	instruction = "Answer the question below based on the reference material above."

	attributionHeader = "\n\n---\nSources:\n"
)

// Prompt is the outgoing LLM prompt plus the attribution block that is
// appended to a derived note when the query succeeds.
type Prompt struct {
	Text        string
	Attribution string
}

// HasReferences reports whether the prompt was built with any selection.
func (p Prompt) HasReferences() bool {
	return p.Attribution != ""
}

// Compose builds the prompt for query with the given references. With no
// references the prompt is the query verbatim and Attribution is empty.
// The output depends only on its inputs.
func Compose(query string, notes []records.Note, webImports []records.WebImport) Prompt {
	if len(notes) == 0 && len(webImports) == 0 {
		return Prompt{Text: query}
	}

	var sb strings.Builder
	for _, n := range notes {
		sb.WriteString(noteHeader)
		sb.WriteString(n.Title)
		sb.WriteString("\n")
		sb.WriteString(n.Content)
		sb.WriteString(segmentEnd)
	}
	for _, w := range webImports {
		sb.WriteString(webImportHeader)
		sb.WriteString(w.Title)
		sb.WriteString(" (")
		sb.WriteString(w.URL)
		sb.WriteString(")\n")
		sb.WriteString(w.Content)
		sb.WriteString(segmentEnd)
	}
	sb.WriteString(instruction)
	sb.WriteString("\n\n")
	sb.WriteString(query)

	return Prompt{
		Text:        sb.String(),
		Attribution: attribution(notes, webImports),
	}
}

func attribution(notes []records.Note, webImports []records.WebImport) string {
	var sb strings.Builder
	sb.WriteString(attributionHeader)
	for _, n := range notes {
		sb.WriteString("- Note: ")
		sb.WriteString(n.Title)
		sb.WriteString("\n")
	}
	for _, w := range webImports {
		sb.WriteString("- Web: ")
		sb.WriteString(w.Title)
		sb.WriteString(" (")
		sb.WriteString(w.URL)
		sb.WriteString(")\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
