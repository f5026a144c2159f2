package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deckflow/backend/internal/deck"
)

// ErrScriptedFailure is the error injected by Scripted failure scripts.
var ErrScriptedFailure = errors.New("generation: scripted failure")

// Scripted is a deterministic Generator for tests. It fabricates outlines,
// plans, and HTML, optionally injecting per-stage failures and delays, and
// records call and concurrency statistics.
type Scripted struct {
	mu          sync.Mutex
	slideCount  int
	delay       time.Duration
	failures    map[string]int
	stageCalls  map[Stage]int
	inFlight    int
	maxInFlight int

	// Hook, when set, runs inside every stage call before the scripted
	// response. Tests use it to hold stages open or observe ordering.
	Hook func(ctx context.Context, stage Stage, order int) error
}

// NewScripted returns a Scripted generator producing outlines with the given
// slide count.
func NewScripted(slideCount int) *Scripted {
	return &Scripted{
		slideCount: slideCount,
		failures:   make(map[string]int),
		stageCalls: make(map[Stage]int),
	}
}

// WithDelay makes every stage call sleep (context-aware) before responding.
func (s *Scripted) WithDelay(delay time.Duration) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = delay
	return s
}

// FailStage scripts the next count calls of the given stage/slide to fail.
// Order zero addresses the outline stage.
func (s *Scripted) FailStage(stage Stage, order, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[failureKey(stage, order)] = count
}

// StageCalls reports how many calls a stage has received.
func (s *Scripted) StageCalls(stage Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageCalls[stage]
}

// MaxInFlight reports the highest number of simultaneous stage calls observed.
func (s *Scripted) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// DeckOutline fabricates a deck outline with the configured slide count.
func (s *Scripted) DeckOutline(ctx context.Context, req OutlineRequest) (DeckOutline, error) {
	if err := s.enter(ctx, StageOutline, 0); err != nil {
		return DeckOutline{}, err
	}
	defer s.exit()

	title := req.Prompt
	if runes := []rune(title); len(runes) > 60 {
		title = string(runes[:60])
	}
	outline := DeckOutline{
		Title:       title,
		Goal:        "inform",
		Audience:    "General audience",
		CoreMessage: "Core message for " + title,
		ColorTheme:  "professional_blue",
	}
	for i := 1; i <= s.slideCount; i++ {
		outline.Slides = append(outline.Slides, SlideBrief{
			Title:   fmt.Sprintf("Slide %d", i),
			Message: fmt.Sprintf("Key message for slide %d", i),
		})
	}
	return outline, nil
}

// PlanSlide fabricates a slide plan from the brief.
func (s *Scripted) PlanSlide(ctx context.Context, req PlanRequest) (deck.SlidePlan, error) {
	if err := s.enter(ctx, StagePlan, req.Order); err != nil {
		return deck.SlidePlan{}, err
	}
	defer s.exit()

	return deck.SlidePlan{
		Title:      req.Brief.Title,
		Message:    req.Brief.Message,
		LayoutType: "content_slide",
		KeyPoints:  []string{"point one", "point two", "point three"},
	}, nil
}

// WriteContent fabricates slide body content; modifications echo the
// instruction so tests can assert the rewrite happened.
func (s *Scripted) WriteContent(ctx context.Context, req WriteRequest) (string, error) {
	if err := s.enter(ctx, StageWrite, req.Order); err != nil {
		return "", err
	}
	defer s.exit()

	if req.ModificationPrompt != "" {
		return fmt.Sprintf("<p>slide %d modified: %s</p>", req.Order, req.ModificationPrompt), nil
	}
	points := strings.Join(req.Plan.KeyPoints, ", ")
	return fmt.Sprintf("<p>slide %d: %s (%s)</p>", req.Order, req.Plan.Title, points), nil
}

// RenderSlide wraps the body into a minimal standalone HTML document.
func (s *Scripted) RenderSlide(ctx context.Context, req RenderRequest) (string, error) {
	if err := s.enter(ctx, StageRender, req.Order); err != nil {
		return "", err
	}
	defer s.exit()

	return fmt.Sprintf("<html><head><title>%s</title></head><body>%s</body></html>",
		req.Plan.Title, req.Body), nil
}

func (s *Scripted) enter(ctx context.Context, stage Stage, order int) error {
	s.mu.Lock()
	s.stageCalls[stage]++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	delay := s.delay
	key := failureKey(stage, order)
	fail := false
	if s.failures[key] > 0 {
		s.failures[key]--
		fail = true
	}
	hook := s.Hook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, stage, order); err != nil {
			s.exitOnError()
			return err
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.exitOnError()
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		s.exitOnError()
		return err
	}
	if fail {
		s.exitOnError()
		return fmt.Errorf("%w: %s slide %d", ErrScriptedFailure, stage, order)
	}
	return nil
}

// exitOnError balances enter for the error paths; success paths defer exit.
func (s *Scripted) exitOnError() {
	s.exit()
}

func (s *Scripted) exit() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
}

func failureKey(stage Stage, order int) string {
	return fmt.Sprintf("%s:%d", stage, order)
}
