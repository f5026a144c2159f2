package export

import (
	"strings"
	"testing"

	"github.com/deckflow/backend/internal/deck"
)

func sampleDeck() deck.MaterializedDeck {
	return deck.MaterializedDeck{
		Deck: deck.Deck{
			DeckID:           "deck-1",
			Title:            "Solar <Power> Pitch",
			CreatedAtSeconds: 1700000000,
		},
		Slides: []deck.MaterializedSlide{
			{Order: 1, HTMLContent: "<html><head><title>One</title></head><body><p>first body</p></body></html>"},
			{Order: 2, HTMLContent: "<html><head><title>Two</title></head><body><p>second body</p></body></html>"},
			{Order: 3, HTMLContent: "<p>bare fragment</p>"},
		},
	}
}

func TestRenderDeckContainsEverySlideBody(t *testing.T) {
	document := RenderDeck(sampleDeck(), Options{})

	for _, body := range []string{"<p>first body</p>", "<p>second body</p>", "<p>bare fragment</p>"} {
		if !strings.Contains(document, body) {
			t.Fatalf("expected document to contain %q", body)
		}
	}
	if strings.Count(document, "<section class=\"slide\">") != 3 {
		t.Fatalf("expected one section per slide")
	}
	if !strings.Contains(document, "<title>Solar &lt;Power&gt; Pitch</title>") {
		t.Fatalf("expected escaped deck title, got %q", document)
	}
	// Slide-level document scaffolding must not leak into the combined page.
	if strings.Contains(document, "<title>One</title>") {
		t.Fatalf("expected slide head content to be stripped")
	}
}

func TestRenderDeckEmbedFramesEscapesDocuments(t *testing.T) {
	document := RenderDeck(sampleDeck(), Options{EmbedFrames: true})

	if strings.Count(document, "<iframe class=\"slide-frame\"") != 3 {
		t.Fatalf("expected one iframe per slide")
	}
	if !strings.Contains(document, "srcdoc=\"&lt;html&gt;") {
		t.Fatalf("expected slide documents escaped into srcdoc")
	}
	if strings.Contains(document, "<section class=\"slide\"><html>") {
		t.Fatalf("expected no raw slide documents outside iframes")
	}
}

func TestRenderDeckLayouts(t *testing.T) {
	widescreen := RenderDeck(sampleDeck(), Options{Layout: LayoutWidescreen})
	if !strings.Contains(widescreen, "size: 1920px 1080px") {
		t.Fatalf("expected widescreen page size")
	}

	landscape := RenderDeck(sampleDeck(), Options{Layout: LayoutA4Landscape})
	if !strings.Contains(landscape, "size: A4 landscape") {
		t.Fatalf("expected a4 landscape page size")
	}

	fallback := RenderDeck(sampleDeck(), Options{Layout: "bogus"})
	if !strings.Contains(fallback, "size: 1920px 1080px") {
		t.Fatalf("expected unknown layouts to fall back to widescreen")
	}
}

func TestRenderDeckUntitledFallback(t *testing.T) {
	materialized := sampleDeck()
	materialized.Deck.Title = "   "
	document := RenderDeck(materialized, Options{})
	if !strings.Contains(document, "<title>Presentation</title>") {
		t.Fatalf("expected fallback title")
	}
}

func TestExtractBodyInnerFallsBackToStripping(t *testing.T) {
	stripped := extractBodyInner("<!DOCTYPE html><html><head><style>x</style></head><p>kept</p></html>")
	if strings.Contains(stripped, "<style>") || !strings.Contains(stripped, "<p>kept</p>") {
		t.Fatalf("expected scaffolding stripped and content kept, got %q", stripped)
	}
	if extractBodyInner("") != "" {
		t.Fatalf("expected empty input to stay empty")
	}
}
