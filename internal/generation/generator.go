// Package generation defines the contract with the external generation
// collaborator: the model-backed planner/writer and the render backend. The
// orchestrator drives slide pipelines exclusively through the Generator
// interface; Remote bridges to the collaborator service, and the model
// backends themselves live outside this repository.
package generation

import (
	"context"

	"github.com/deckflow/backend/internal/deck"
)

// Stage names one step of the slide pipeline.
type Stage string

const (
	StageOutline Stage = "outline"
	StagePlan    Stage = "plan"
	StageWrite   Stage = "write"
	StageRender  Stage = "render"
)

// StylePreferences carries the caller's visual preferences through to the
// collaborator.
type StylePreferences struct {
	Layout  string `json:"layout_preference,omitempty"`
	Color   string `json:"color_preference,omitempty"`
	Persona string `json:"persona_preference,omitempty"`
}

// FileText is the extracted text of an uploaded file, appended to the prompt.
type FileText struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Text        string `json:"extracted_text"`
}

// DeckContext is the deck-level framing shared by every slide of one deck.
type DeckContext struct {
	Title       string
	Goal        string
	Audience    string
	CoreMessage string
	ColorTheme  string
	Style       StylePreferences
}

// SlideBrief is one outline entry: the topic a slide task elaborates during
// its plan stage.
type SlideBrief struct {
	Title   string
	Message string
}

// DeckOutline is the deck-level planning result: framing plus one brief per
// slide.
type DeckOutline struct {
	Title       string
	Goal        string
	Audience    string
	CoreMessage string
	ColorTheme  string
	Slides      []SlideBrief
}

// OutlineRequest asks the collaborator for a deck outline.
type OutlineRequest struct {
	Prompt string
	Style  StylePreferences
}

// PlanRequest asks for the detailed plan of one slide.
type PlanRequest struct {
	Context DeckContext
	Order   int
	Brief   SlideBrief
}

// WriteRequest asks for the body content of one slide. For modifications the
// existing content and the user's instruction ride along as context.
type WriteRequest struct {
	Context            DeckContext
	Order              int
	Plan               deck.SlidePlan
	ExistingContent    string
	ModificationPrompt string
}

// RenderRequest asks for the final standalone HTML of one slide.
type RenderRequest struct {
	Context DeckContext
	Order   int
	Plan    deck.SlidePlan
	Body    string
}

// Generator is the external generation collaborator. Every call is a
// suspension point: implementations must honor context cancellation and
// deadlines.
type Generator interface {
	DeckOutline(ctx context.Context, req OutlineRequest) (DeckOutline, error)
	PlanSlide(ctx context.Context, req PlanRequest) (deck.SlidePlan, error)
	WriteContent(ctx context.Context, req WriteRequest) (string, error)
	RenderSlide(ctx context.Context, req RenderRequest) (string, error)
}
