package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

var (
	horizontalSpace = regexp.MustCompile(`[ \t\r\f\v\x{00a0}]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// Extracted is the readable content of a fetched document.
type Extracted struct {
	Title string
	Text  string
}

// Extractor turns a fetched HTML body into plain text.
type Extractor interface {
	Extract(body []byte) (Extracted, error)
}

// HTMLExtractor walks the parsed document tree, skipping non-content
// elements and breaking lines at block boundaries.
type HTMLExtractor struct{}

var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
}

var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true,
	"dd": true, "div": true, "dl": true, "dt": true, "figcaption": true,
	"figure": true, "footer": true, "form": true, "h1": true, "h2": true,
	"h3": true, "h4": true, "h5": true, "h6": true, "header": true, "hr": true,
	"li": true, "main": true, "nav": true, "ol": true, "p": true, "pre": true,
	"section": true, "table": true, "td": true, "th": true, "tr": true, "ul": true,
}

func (HTMLExtractor) Extract(body []byte) (Extracted, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Extracted{}, fmt.Errorf("parsing html: %w", err)
	}

	var (
		sb    strings.Builder
		title string
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipElements[n.Data] {
				return
			}
			if n.Data == "title" {
				if title == "" {
					title = cleanText(nodeText(n))
				}
				return
			}
			if blockElements[n.Data] {
				sb.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			sb.WriteByte('\n')
		}
	}
	walk(doc)

	return Extracted{Title: title, Text: cleanText(sb.String())}, nil
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

// cleanText collapses runs of horizontal whitespace, trims every line and
// keeps at most one blank line between paragraphs.
func cleanText(s string) string {
	s = horizontalSpace.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// extractPDF returns the plain text and document title of a PDF body.
// The pdf package panics on some malformed input; that is reported as an error.
func extractPDF(body []byte) (out Extracted, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return Extracted{}, fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return Extracted{}, fmt.Errorf("reading pdf text: %w", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return Extracted{}, fmt.Errorf("reading pdf text: %w", err)
	}
	if len(bytes.TrimSpace(text)) == 0 {
		return Extracted{}, errors.New("pdf has no extractable text")
	}

	title := r.Trailer().Key("Info").Key("Title").Text()
	return Extracted{Title: cleanText(title), Text: cleanText(string(text))}, nil
}

func isPDF(contentType string, body []byte) bool {
	return strings.Contains(contentType, "application/pdf") || bytes.HasPrefix(body, []byte("%PDF-"))
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(contentType, "html") {
		return true
	}
	if contentType != "" && !strings.HasPrefix(contentType, "application/octet-stream") {
		return false
	}
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}
