package deck

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status enumerates the wire-visible deck lifecycle states.
type Status string

const (
	// StatusStarting marks a deck that is admitted or queued but not yet generating.
	StatusStarting Status = "starting"
	// StatusPlanning marks a deck whose slides are in the plan stage.
	StatusPlanning Status = "planning"
	// StatusWriting marks a deck whose slides are in the write stage.
	StatusWriting Status = "writing"
	// StatusRendering marks a deck whose slides are in the render stage.
	StatusRendering Status = "rendering"
	// StatusModifying marks a completed deck with a single-slide modification in flight.
	StatusModifying Status = "modifying"
	// StatusCompleted marks a deck whose generation pass finished.
	StatusCompleted Status = "completed"
	// StatusFailed marks a deck stopped by a systemic error.
	StatusFailed Status = "failed"
	// StatusCancelled marks a deck stopped by user request.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends a generation pass.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Generating reports whether a generation pass is in flight.
func (s Status) Generating() bool {
	switch s {
	case StatusStarting, StatusPlanning, StatusWriting, StatusRendering:
		return true
	}
	return false
}

// ParseStatus validates a raw status string.
func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case StatusStarting, StatusPlanning, StatusWriting, StatusRendering,
		StatusModifying, StatusCompleted, StatusFailed, StatusCancelled:
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, value)
}

// CreatedBy tags the origin of a slide version.
type CreatedBy string

const (
	// CreatedBySystem marks versions written by the generation pipeline.
	CreatedBySystem CreatedBy = "system"
	// CreatedByAI marks versions produced by an AI modification.
	CreatedByAI CreatedBy = "ai"
	// CreatedByUser marks versions materialized from a manual save.
	CreatedByUser CreatedBy = "user"
)

// Deck models the persisted deck record.
type Deck struct {
	DeckID             string `gorm:"column:deck_id;primaryKey;size:36;not null"`
	Title              string `gorm:"column:title;size:190;not null"`
	Status             Status `gorm:"column:status;size:16;not null;index:idx_decks_status"`
	Progress           int    `gorm:"column:progress;not null;default:0"`
	Step               string `gorm:"column:step;size:190;not null;default:''"`
	Goal               string `gorm:"column:goal;size:64;not null;default:''"`
	Audience           string `gorm:"column:audience;type:text;not null;default:''"`
	CoreMessage        string `gorm:"column:core_message;type:text;not null;default:''"`
	ColorTheme         string `gorm:"column:color_theme;size:64;not null;default:''"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null;index:idx_decks_created"`
	UpdatedAtSeconds   int64  `gorm:"column:updated_at_s;not null;default:0"`
	CompletedAtSeconds int64  `gorm:"column:completed_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Deck) TableName() string {
	return "decks"
}

// Slide models one persisted slide of a deck. The order is 1-based and stable
// once assigned.
type Slide struct {
	DeckID           string `gorm:"column:deck_id;primaryKey;size:36;not null"`
	SlideOrder       int    `gorm:"column:slide_order;primaryKey;not null"`
	PlanJSON         string `gorm:"column:plan_json;type:text;not null;default:''"`
	HTMLContent      string `gorm:"column:html_content;type:text;not null;default:''"`
	CurrentVersionID string `gorm:"column:current_version_id;size:190;not null;default:''"`
	Failed           bool   `gorm:"column:failed;not null;default:false"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Slide) TableName() string {
	return "slides"
}

// SlideVersion is one immutable materialized snapshot of a slide's HTML.
// Content never changes after the row is written; reverting re-flags rows.
type SlideVersion struct {
	VersionID        string    `gorm:"column:version_id;primaryKey;size:190;not null"`
	DeckID           string    `gorm:"column:deck_id;size:36;not null;index:idx_versions_slide,priority:1"`
	SlideOrder       int       `gorm:"column:slide_order;not null;index:idx_versions_slide,priority:2"`
	Content          string    `gorm:"column:content;type:text;not null"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null"`
	IsCurrent        bool      `gorm:"column:is_current;not null;default:false"`
	CreatedBy        CreatedBy `gorm:"column:created_by;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SlideVersion) TableName() string {
	return "slide_versions"
}

// SlidePlan carries the plan-stage output for one slide, serialized into the
// slide row as JSON.
type SlidePlan struct {
	Title          string   `json:"slide_title"`
	Message        string   `json:"message,omitempty"`
	LayoutType     string   `json:"layout_type,omitempty"`
	KeyPoints      []string `json:"key_points,omitempty"`
	DataPoints     []string `json:"data_points,omitempty"`
	ExpertInsights []string `json:"expert_insights,omitempty"`
}

// EncodePlan serializes a slide plan for storage.
func EncodePlan(plan SlidePlan) (string, error) {
	encoded, err := json.Marshal(plan)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// DecodePlan deserializes a stored slide plan. An empty payload yields the
// zero plan.
func DecodePlan(raw string) (SlidePlan, error) {
	if strings.TrimSpace(raw) == "" {
		return SlidePlan{}, nil
	}
	var plan SlidePlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return SlidePlan{}, err
	}
	return plan, nil
}

// StatusSnapshot is the read-optimized status projection. It is always derived
// from the deck and slide rows, never independently mutated.
type StatusSnapshot struct {
	DeckID             string
	Title              string
	Status             Status
	SlideCount         int
	Progress           int
	Step               string
	CreatedAtSeconds   int64
	UpdatedAtSeconds   int64
	CompletedAtSeconds int64
}

// Summary is the list-view projection of a deck.
type Summary struct {
	DeckID           string
	Title            string
	Status           Status
	SlideCount       int
	CreatedAtSeconds int64
	UpdatedAtSeconds int64
}

// VersionMeta describes one version without its content body, keeping list
// payloads bounded.
type VersionMeta struct {
	VersionID        string
	CreatedAtSeconds int64
	IsCurrent        bool
	CreatedBy        CreatedBy
}

// MaterializedSlide is the full read view of one slide.
type MaterializedSlide struct {
	Order            int
	Plan             SlidePlan
	HTMLContent      string
	CurrentVersionID string
	Failed           bool
	UpdatedAtSeconds int64
	Versions         []VersionMeta
}

// MaterializedDeck is the full read view of a deck: slide content plus version
// metadata, with version bodies omitted.
type MaterializedDeck struct {
	Deck   Deck
	Slides []MaterializedSlide
}
