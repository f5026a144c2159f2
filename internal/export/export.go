// Package export assembles the current slide contents of a deck into one
// self-contained printable HTML document.
package export

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/deckflow/backend/internal/deck"
)

const (
	LayoutWidescreen  = "widescreen"
	LayoutA4Landscape = "a4-landscape"
	LayoutA4Portrait  = "a4"
)

// Options controls the combined document layout and how slide documents are
// embedded.
type Options struct {
	// Layout selects the print page geometry. Defaults to widescreen.
	Layout string
	// EmbedFrames keeps each slide's full document inside its own iframe
	// instead of splicing its body into the combined document.
	EmbedFrames bool
}

var (
	doctypePattern  = regexp.MustCompile(`(?is)<!DOCTYPE[^>]*>`)
	htmlOpenPattern = regexp.MustCompile(`(?is)<html[^>]*>`)
	htmlClosePat    = regexp.MustCompile(`(?is)</html>`)
	headPattern     = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	bodyOpenPattern = regexp.MustCompile(`(?is)<body[^>]*>`)
	bodyClosePat    = regexp.MustCompile(`(?is)</body>`)
)

// RenderDeck combines the ordered current slide contents into a single HTML
// document with one section per slide and page breaks for print.
func RenderDeck(materialized deck.MaterializedDeck, opts Options) string {
	title := materialized.Deck.Title
	if strings.TrimSpace(title) == "" {
		title = "Presentation"
	}

	var sections strings.Builder
	for _, slide := range materialized.Slides {
		if opts.EmbedFrames {
			srcdoc := html.EscapeString(slide.HTMLContent)
			sections.WriteString(fmt.Sprintf(
				`<section class="slide"><iframe class="slide-frame" srcdoc="%s" loading="lazy"></iframe></section>`,
				srcdoc))
		} else {
			sections.WriteString(fmt.Sprintf(
				`<section class="slide">%s</section>`,
				extractBodyInner(slide.HTMLContent)))
		}
		sections.WriteString("\n")
	}

	created := ""
	if materialized.Deck.CreatedAtSeconds > 0 {
		created = time.Unix(materialized.Deck.CreatedAtSeconds, 0).UTC().Format(time.RFC3339)
	}

	pageCSS, slideBoxCSS := layoutCSS(opts.Layout)

	var doc strings.Builder
	doc.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n  <head>\n")
	doc.WriteString("    <meta charset=\"utf-8\" />\n")
	doc.WriteString("    <meta name=\"viewport\" content=\"width=device-width, initial-scale=1\" />\n")
	doc.WriteString(fmt.Sprintf("    <title>%s</title>\n", html.EscapeString(title)))
	doc.WriteString("    <script src=\"https://cdn.tailwindcss.com\"></script>\n")
	doc.WriteString("    <style>\n")
	doc.WriteString("      " + pageCSS + "\n")
	doc.WriteString("      html, body { background: #f8fafc; margin: 0; padding: 0; }\n")
	doc.WriteString("      main { margin: 0; padding: 0; }\n")
	doc.WriteString("      .deck-meta { font-size: 12px; color: #64748b; margin: 8px 16px; }\n")
	doc.WriteString("      " + slideBoxCSS + "\n")
	doc.WriteString("      .slide-frame { width: 100%; height: 100%; border: 0; display: block; }\n")
	doc.WriteString("      .slide:last-child { page-break-after: auto; break-after: auto; }\n")
	doc.WriteString("      @media print { html, body, main { width: 100%; height: 100%; margin: 0; padding: 0; } }\n")
	doc.WriteString("    </style>\n  </head>\n  <body>\n    <main>\n")
	doc.WriteString(fmt.Sprintf("      <div class=\"deck-meta\">Generated: %s</div>\n", html.EscapeString(created)))
	doc.WriteString(sections.String())
	doc.WriteString("    </main>\n  </body>\n</html>\n")
	return doc.String()
}

func layoutCSS(layout string) (pageCSS string, slideBoxCSS string) {
	switch layout {
	case LayoutA4Landscape:
		return "@page { size: A4 landscape; margin: 10mm; }",
			".slide { page-break-after: always; break-after: page; background: white;" +
				" width: auto; min-height: 100vh; margin: 0 auto 16px auto; padding: 12px; }"
	case LayoutA4Portrait:
		return "@page { size: A4; margin: 12mm; }",
			".slide { page-break-after: always; break-after: page; background: white;" +
				" width: auto; min-height: 100vh; margin: 0 auto 16px auto; padding: 16px; }"
	default:
		return "@page { size: 1920px 1080px; margin: 0; }",
			".slide { page-break-after: always; break-after: page; background: white;" +
				" width: 1920px; height: 1080px; margin: 0; padding: 0; }"
	}
}

// extractBodyInner returns only the markup inside <body>. Slides without a
// body wrapper are stripped of any top-level document scaffolding instead.
func extractBodyInner(document string) string {
	if document == "" {
		return ""
	}
	bodyOpen := bodyOpenPattern.FindStringIndex(document)
	bodyClose := bodyClosePat.FindStringIndex(document)
	if bodyOpen != nil && bodyClose != nil && bodyOpen[1] <= bodyClose[0] {
		return document[bodyOpen[1]:bodyClose[0]]
	}

	cleaned := doctypePattern.ReplaceAllString(document, "")
	cleaned = htmlOpenPattern.ReplaceAllString(cleaned, "")
	cleaned = htmlClosePat.ReplaceAllString(cleaned, "")
	cleaned = headPattern.ReplaceAllString(cleaned, "")
	cleaned = bodyOpenPattern.ReplaceAllString(cleaned, "")
	cleaned = bodyClosePat.ReplaceAllString(cleaned, "")
	return cleaned
}
