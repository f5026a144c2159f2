package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deckflow/backend/internal/deck"
	"github.com/deckflow/backend/internal/generation"
)

// stageExecutor runs one pipeline stage call against the generation
// collaborator: bounded timeout per attempt, bounded retries with exponential
// backoff on external failures, and a cancellation check before the stage and
// between retries.
type stageExecutor struct {
	timeout time.Duration
	retries int
	backoff time.Duration
	logger  *zap.Logger
}

// run invokes fn up to 1+retries times. Timeouts and collaborator errors are
// reported as deck.ErrExternalService; cancellation surfaces as the context
// error so callers can distinguish it from failure.
func (e *stageExecutor) run(ctx context.Context, deckID string, stage generation.Stage, order int, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wrapped := fmt.Errorf("%w: stage %s: %v", deck.ErrExternalService, stage, err)
		if attempt >= e.retries {
			return wrapped
		}

		e.logger.Warn("stage attempt failed, retrying",
			zap.String("deck_id", deckID),
			zap.String("stage", string(stage)),
			zap.Int("slide_order", order),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		wait := e.backoff << attempt
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// slideTask is the unit of work producing one slide: the three ordered stages
// plan, write, render. It knows nothing about sibling slides; results flow
// back through the owning deck job.
type slideTask struct {
	deckID  string
	order   int
	brief   generation.SlideBrief
	context generation.DeckContext
}

// run drives the slide through its pipeline, committing the initial version on
// render success or a placeholder on exhausted retries. Only systemic storage
// faults are returned as errors; external failures and cancellation resolve
// through the deck job's tallies.
func (t *slideTask) run(ctx context.Context, j *deckJob) error {
	executor := j.executor
	generator := j.orch.generator

	var plan deck.SlidePlan
	err := executor.run(ctx, t.deckID, generation.StagePlan, t.order, func(callCtx context.Context) error {
		produced, planErr := generator.PlanSlide(callCtx, generation.PlanRequest{
			Context: t.context,
			Order:   t.order,
			Brief:   t.brief,
		})
		if planErr != nil {
			return planErr
		}
		plan = produced
		return nil
	})
	if done, stageErr := t.resolveStageError(ctx, j, err, deck.SlidePlan{Title: t.brief.Title}); done {
		return stageErr
	}
	j.stageDone(t.order, generation.StagePlan)

	var body string
	err = executor.run(ctx, t.deckID, generation.StageWrite, t.order, func(callCtx context.Context) error {
		produced, writeErr := generator.WriteContent(callCtx, generation.WriteRequest{
			Context: t.context,
			Order:   t.order,
			Plan:    plan,
		})
		if writeErr != nil {
			return writeErr
		}
		body = produced
		return nil
	})
	if done, stageErr := t.resolveStageError(ctx, j, err, plan); done {
		return stageErr
	}
	j.stageDone(t.order, generation.StageWrite)

	var html string
	err = executor.run(ctx, t.deckID, generation.StageRender, t.order, func(callCtx context.Context) error {
		produced, renderErr := generator.RenderSlide(callCtx, generation.RenderRequest{
			Context: t.context,
			Order:   t.order,
			Plan:    plan,
			Body:    body,
		})
		if renderErr != nil {
			return renderErr
		}
		html = produced
		return nil
	})
	if done, stageErr := t.resolveStageError(ctx, j, err, plan); done {
		return stageErr
	}

	// The render stage only counts as done once the version is committed, so
	// a cancellation arriving here leaves the slide without a version.
	if _, commitErr := j.orch.store.CommitSlide(j.orch.persistCtx(), t.deckID, t.order, plan, html, deck.CreatedBySystem); commitErr != nil {
		return commitErr
	}
	j.stageDone(t.order, generation.StageRender)
	return nil
}

// resolveStageError folds a stage result into the task: nil keeps the
// pipeline going, cancellation stops it silently, and an exhausted external
// failure records the slide as failed with a placeholder.
func (t *slideTask) resolveStageError(ctx context.Context, j *deckJob, err error, plan deck.SlidePlan) (bool, error) {
	if err == nil {
		return false, nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return true, nil
	}

	j.orch.logger.Warn("slide pipeline failed",
		zap.String("deck_id", t.deckID),
		zap.Int("slide_order", t.order),
		zap.Error(err))

	placeholder := fmt.Sprintf("<html><body><p>Slide %d could not be generated.</p></body></html>", t.order)
	if markErr := j.orch.store.MarkSlideFailed(j.orch.persistCtx(), t.deckID, t.order, plan, placeholder); markErr != nil {
		return true, markErr
	}
	j.slideFailed(t.order)
	return true, nil
}
