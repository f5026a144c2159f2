package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/deckflow/backend/internal/deck"
	"github.com/deckflow/backend/internal/generation"
)

// deckJob owns one deck's generation pass: it fetches the outline, fans out
// the slide tasks under the per-deck bound, aggregates their stage completion
// into deck-level status/progress, and performs the exactly-once terminal
// transition. It is the single writer of deck-level state while active.
type deckJob struct {
	orch     *Orchestrator
	deckID   string
	prompt   string
	style    generation.StylePreferences
	executor *stageExecutor

	ctx    context.Context
	cancel context.CancelFunc

	// pubMu orders persisted transitions: a transition derived first is
	// written to the store first.
	pubMu sync.Mutex

	mu       sync.Mutex
	slides   map[int]*slideProgress
	status   deck.Status
	progress int
	terminal bool
}

type slideProgress struct {
	plan   bool
	write  bool
	render bool
	failed bool
}

func newDeckJob(orch *Orchestrator, deckID, prompt string, style generation.StylePreferences) *deckJob {
	ctx, cancel := context.WithCancel(orch.rootCtx)
	return &deckJob{
		orch:   orch,
		deckID: deckID,
		prompt: prompt,
		style:  style,
		executor: &stageExecutor{
			timeout: orch.cfg.StageTimeout,
			retries: orch.cfg.StageRetries,
			backoff: orch.cfg.RetryBackoff,
			logger:  orch.logger,
		},
		ctx:    ctx,
		cancel: cancel,
		slides: make(map[int]*slideProgress),
		status: deck.StatusStarting,
	}
}

// run executes the generation pass. The admission slot is already held; the
// orchestrator is released when the job finishes.
func (j *deckJob) run() {
	defer j.orch.releaseJob(j)

	j.orch.logger.Info("deck generation starting", zap.String("deck_id", j.deckID))
	j.publish(deck.StatusPlanning, 0, "Planning presentation structure...")

	var outline generation.DeckOutline
	err := j.executor.run(j.ctx, j.deckID, generation.StageOutline, 0, func(callCtx context.Context) error {
		produced, outlineErr := j.orch.generator.DeckOutline(callCtx, generation.OutlineRequest{
			Prompt: j.prompt,
			Style:  j.style,
		})
		if outlineErr != nil {
			return outlineErr
		}
		outline = produced
		return nil
	})
	if err != nil {
		if j.ctx.Err() != nil {
			j.finish(deck.StatusCancelled, "Cancelled by user")
			return
		}
		// No outline means no slide tasks can exist: the whole pass fails.
		j.orch.logger.Error("deck outline failed", zap.String("deck_id", j.deckID), zap.Error(err))
		j.finish(deck.StatusFailed, "Planning failed")
		return
	}
	if len(outline.Slides) == 0 {
		j.orch.logger.Error("deck outline produced no slides", zap.String("deck_id", j.deckID))
		j.finish(deck.StatusFailed, "Planning produced no slides")
		return
	}

	if err := j.orch.store.UpdatePlanMetadata(j.orch.persistCtx(), j.deckID,
		outline.Title, outline.Goal, outline.Audience, outline.CoreMessage, outline.ColorTheme); err != nil {
		j.orch.logger.Error("persisting outline failed", zap.String("deck_id", j.deckID), zap.Error(err))
		j.finish(deck.StatusFailed, "Storage unavailable")
		return
	}

	deckContext := generation.DeckContext{
		Title:       outline.Title,
		Goal:        outline.Goal,
		Audience:    outline.Audience,
		CoreMessage: outline.CoreMessage,
		ColorTheme:  outline.ColorTheme,
		Style:       j.style,
	}

	j.mu.Lock()
	for i := range outline.Slides {
		j.slides[i+1] = &slideProgress{}
	}
	j.mu.Unlock()

	slots := make(chan struct{}, j.orch.cfg.MaxSlideConcurrency)
	var wg sync.WaitGroup
	systemic := make(chan error, len(outline.Slides))

	for i, brief := range outline.Slides {
		task := &slideTask{
			deckID:  j.deckID,
			order:   i + 1,
			brief:   brief,
			context: deckContext,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
			case <-j.ctx.Done():
				return
			}
			if err := task.run(j.ctx, j); err != nil {
				systemic <- err
			}
		}()
	}
	wg.Wait()
	close(systemic)

	if err := <-systemic; err != nil {
		j.orch.logger.Error("systemic failure during slide generation",
			zap.String("deck_id", j.deckID), zap.Error(err))
		j.finish(deck.StatusFailed, "Storage unavailable")
		return
	}
	if j.ctx.Err() != nil {
		j.finish(deck.StatusCancelled, "Cancelled by user")
		return
	}
	j.finish(deck.StatusCompleted, "Completed")
}

// stageDone records one completed stage for one slide and folds it into the
// deck-level status and progress.
func (j *deckJob) stageDone(order int, stage generation.Stage) {
	j.mu.Lock()
	progress, ok := j.slides[order]
	if !ok {
		j.mu.Unlock()
		return
	}
	switch stage {
	case generation.StagePlan:
		progress.plan = true
	case generation.StageWrite:
		progress.write = true
	case generation.StageRender:
		progress.render = true
	}
	j.mu.Unlock()

	j.publishAggregate()
}

// slideFailed resolves a slide that exhausted its retries: it no longer holds
// back the deck-level stage aggregation, but its missing stages never count
// toward progress.
func (j *deckJob) slideFailed(order int) {
	j.mu.Lock()
	if progress, ok := j.slides[order]; ok {
		progress.failed = true
	}
	j.mu.Unlock()

	j.publishAggregate()
}

// aggregateLocked derives deck status, progress, and step from the slide
// tallies. Status is the minimum unresolved stage across slides; progress is
// completed stages over slide_count x 3. Both are monotone because stage
// flags only ever flip to true.
func (j *deckJob) aggregateLocked() (deck.Status, int, string) {
	total := len(j.slides)
	planned, written, rendered, completedStages := 0, 0, 0, 0
	for _, progress := range j.slides {
		if progress.plan {
			planned++
			completedStages++
		}
		if progress.write {
			written++
			completedStages++
		}
		if progress.render {
			rendered++
			completedStages++
		}
		if progress.failed {
			// Resolved: stop holding back the aggregate stage.
			if !progress.plan {
				planned++
			}
			if !progress.write {
				written++
			}
			if !progress.render {
				rendered++
			}
		}
	}

	status := deck.StatusPlanning
	step := fmt.Sprintf("Planning slides (%d/%d)", planned, total)
	switch {
	case planned >= total && written >= total:
		status = deck.StatusRendering
		step = fmt.Sprintf("Rendering slides (%d/%d)", rendered, total)
	case planned >= total:
		status = deck.StatusWriting
		step = fmt.Sprintf("Writing slide content (%d/%d)", written, total)
	}

	percent := 0
	if total > 0 {
		percent = completedStages * 100 / (total * 3)
	}
	return status, percent, step
}

// publish persists an in-flight transition and notifies watchers.
func (j *deckJob) publish(status deck.Status, percent int, step string) {
	j.pubMu.Lock()
	defer j.pubMu.Unlock()
	j.publishHeld(status, percent, step)
}

// publishAggregate derives the deck-level transition from the slide tallies
// and writes it out. Derivation happens under pubMu so a preempted slide task
// can never persist a stale aggregate over a newer one.
func (j *deckJob) publishAggregate() {
	j.pubMu.Lock()
	defer j.pubMu.Unlock()

	j.mu.Lock()
	status, percent, step := j.aggregateLocked()
	j.mu.Unlock()

	j.publishHeld(status, percent, step)
}

// publishHeld runs with pubMu held. Writes stop once the job is terminal;
// progress never moves backwards.
func (j *deckJob) publishHeld(status deck.Status, percent int, step string) {
	j.mu.Lock()
	if j.terminal {
		j.mu.Unlock()
		return
	}
	if percent < j.progress {
		percent = j.progress
	}
	j.status = status
	j.progress = percent
	j.mu.Unlock()

	if err := j.orch.store.SetProgress(j.orch.persistCtx(), j.deckID, status, percent, step); err != nil {
		j.orch.logger.Error("persisting progress failed", zap.String("deck_id", j.deckID), zap.Error(err))
		return
	}
	j.orch.notify(j.deckID, status, percent, step)
}

// finish performs the exactly-once terminal transition for this generation
// pass. It takes pubMu so an in-flight publish cannot land after the terminal
// row.
func (j *deckJob) finish(status deck.Status, step string) {
	j.pubMu.Lock()
	defer j.pubMu.Unlock()

	j.mu.Lock()
	if j.terminal {
		j.mu.Unlock()
		return
	}
	j.terminal = true
	j.status = status
	if status == deck.StatusCompleted {
		j.progress = 100
	}
	j.mu.Unlock()

	if err := j.orch.store.SetTerminal(j.orch.persistCtx(), j.deckID, status, step); err != nil {
		j.orch.logger.Error("persisting terminal status failed",
			zap.String("deck_id", j.deckID), zap.Error(err))
	}
	j.orch.logger.Info("deck generation finished",
		zap.String("deck_id", j.deckID), zap.String("status", string(status)))
	j.orch.notify(j.deckID, status, j.progress, step)
}
