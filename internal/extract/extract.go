// Package extract turns fetched pages and uploaded files into plain text for enrichment.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// ErrUnsupportedType is returned for content types that have no extractor.
var ErrUnsupportedType = errors.New("unsupported file type")

// Document is the extracted content of a page or file.
type Document struct {
	Title string
	// Raw is the markdown rendering; Text is the same content with markup stripped.
	Raw  string
	Text string
}

var (
	noiseSelector   = "script, style, noscript, iframe, svg, nav, footer, aside, form"
	contentSelector = "article, main, [role='main']"
	blankLines      = regexp.MustCompile(`\n{3,}`)
	mdImage         = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdLink          = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdMarkers       = regexp.MustCompile(`(?m)^\s{0,3}(#{1,6}\s+|>\s?|[-*+]\s+)`)
	mdEmphasis      = regexp.MustCompile("[*_`]{1,3}")
)

// FromHTML extracts the title and main content of an HTML page.
func FromHTML(r io.Reader, baseURL string) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("meta[property='og:title']").AttrOr("content", ""))
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	doc.Find(noiseSelector).Remove()
	content := doc.Find(contentSelector).First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	html, err := goquery.OuterHtml(content)
	if err != nil {
		return Document{}, fmt.Errorf("render content: %w", err)
	}

	converter := md.NewConverter(baseURL, true, nil)
	markdown, err := converter.ConvertString(html)
	if err != nil {
		// fall back to the visible text of the content node
		markdown = content.Text()
	}
	markdown = tidy(markdown)
	return Document{Title: collapseSpaces(title), Raw: markdown, Text: stripMarkdown(markdown)}, nil
}

// FromFile extracts text from an uploaded file by content type.
func FromFile(data []byte, contentType string) (Document, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return FromHTML(bytes.NewReader(data), "")
	case "text/plain", "text/markdown", "text/x-markdown", "text/csv":
		if !utf8.Valid(data) {
			data = bytes.ToValidUTF8(data, []byte("�"))
		}
		text := tidy(string(data))
		return Document{Raw: text, Text: text}, nil
	default:
		return Document{}, ErrUnsupportedType
	}
}

func tidy(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func stripMarkdown(s string) string {
	s = mdImage.ReplaceAllString(s, "")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdMarkers.ReplaceAllString(s, "")
	s = mdEmphasis.ReplaceAllString(s, "")
	return tidy(s)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
