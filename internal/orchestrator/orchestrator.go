// Package orchestrator coordinates deck generation and revision jobs: it
// admits decks under the global concurrency bound, drives per-slide pipeline
// stages through deck jobs, routes modification, revert, and cancel requests,
// and answers status and read queries from committed state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/deckflow/backend/internal/deck"
	"github.com/deckflow/backend/internal/generation"
)

const (
	minPromptLength             = 5
	maxPromptLength             = 5000
	maxModificationPromptLength = 2000
	defaultListLimit            = 10
	maxListLimit                = 100
	titleLimit                  = 60
)

var (
	errMissingStore     = errors.New("deck store is required")
	errMissingGenerator = errors.New("generator is required")
	errClosed           = errors.New("orchestrator is shut down")
)

// Config bounds the orchestrator's concurrency and stage retry behavior.
type Config struct {
	MaxDecks            int
	MaxSlideConcurrency int
	StageTimeout        time.Duration
	StageRetries        int
	RetryBackoff        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDecks <= 0 {
		c.MaxDecks = 3
	}
	if c.MaxSlideConcurrency <= 0 {
		c.MaxSlideConcurrency = 3
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 60 * time.Second
	}
	if c.StageRetries < 0 {
		c.StageRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// StatusPublisher receives committed status transitions for fan-out to
// watchers. Implementations must not block.
type StatusPublisher interface {
	PublishStatus(deckID string, status deck.Status, progress int, step string)
}

// Dependencies wires the orchestrator.
type Dependencies struct {
	Store      *deck.Store
	Generator  generation.Generator
	IDProvider deck.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	Events     StatusPublisher
	Config     Config
}

// Orchestrator is the top-level job coordinator.
type Orchestrator struct {
	store     *deck.Store
	generator generation.Generator
	ids       deck.IDProvider
	clock     func() time.Time
	logger    *zap.Logger
	events    StatusPublisher
	cfg       Config

	rootCtx    context.Context
	rootCancel context.CancelFunc
	locks      *keyedLocks

	mu       sync.Mutex
	queue    []*deckJob
	active   map[string]*deckJob
	mods     map[string]map[int]context.CancelFunc
	modCount map[string]int
	closed   bool
	wg       sync.WaitGroup
}

// New validates dependencies and constructs an Orchestrator.
func New(deps Dependencies) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Generator == nil {
		return nil, errMissingGenerator
	}
	ids := deps.IDProvider
	if ids == nil {
		ids = deck.NewUUIDProvider()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      deps.Store,
		generator:  deps.Generator,
		ids:        ids,
		clock:      clock,
		logger:     logger,
		events:     deps.Events,
		cfg:        deps.Config.withDefaults(),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		locks:      newKeyedLocks(),
		active:     make(map[string]*deckJob),
		mods:       make(map[string]map[int]context.CancelFunc),
		modCount:   make(map[string]int),
	}, nil
}

// CreateDeckRequest carries the inputs for a new deck.
type CreateDeckRequest struct {
	Prompt string
	Style  generation.StylePreferences
	Files  []generation.FileText
}

// CreateDeck validates the request, persists the deck in starting state, and
// admits it under the global bound. Decks beyond the bound queue FIFO and stay
// in starting until a slot frees.
func (o *Orchestrator) CreateDeck(ctx context.Context, req CreateDeckRequest) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if utf8.RuneCountInString(prompt) < minPromptLength {
		return "", fmt.Errorf("%w: prompt must be at least %d characters", deck.ErrValidation, minPromptLength)
	}
	if utf8.RuneCountInString(prompt) > maxPromptLength {
		return "", fmt.Errorf("%w: prompt must be at most %d characters", deck.ErrValidation, maxPromptLength)
	}

	deckID, err := o.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("%w: id generation: %v", deck.ErrInternal, err)
	}

	record := deck.Deck{
		DeckID:           deckID,
		Title:            deriveTitle(prompt),
		Status:           deck.StatusStarting,
		Progress:         0,
		Step:             "Queued",
		CreatedAtSeconds: o.clock().UTC().Unix(),
	}
	if err := o.store.CreateDeck(ctx, record); err != nil {
		return "", err
	}

	job := newDeckJob(o, deckID, enhancePrompt(prompt, req.Files), req.Style)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", fmt.Errorf("%w: %v", deck.ErrInternal, errClosed)
	}
	if len(o.active) < o.cfg.MaxDecks {
		o.startLocked(job)
	} else {
		o.queue = append(o.queue, job)
		o.logger.Info("deck queued for admission",
			zap.String("deck_id", deckID), zap.Int("queue_length", len(o.queue)))
	}
	return deckID, nil
}

// GetStatus returns the committed status snapshot for a deck.
func (o *Orchestrator) GetStatus(ctx context.Context, deckID string) (deck.StatusSnapshot, error) {
	return o.store.Snapshot(ctx, deckID)
}

// GetDeck returns the full materialized deck: slide content plus version
// metadata.
func (o *Orchestrator) GetDeck(ctx context.Context, deckID string) (deck.MaterializedDeck, error) {
	return o.store.GetMaterialized(ctx, deckID)
}

// ListDecks returns deck summaries, newest first. The limit is clamped to
// 1..100 with a default of 10.
func (o *Orchestrator) ListDecks(ctx context.Context, limit int) ([]deck.Summary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return o.store.ListDecks(ctx, limit)
}

// ListVersions returns a slide's version history, newest first.
func (o *Orchestrator) ListVersions(ctx context.Context, deckID string, order int) ([]deck.SlideVersion, error) {
	return o.store.ListVersions(ctx, deckID, order)
}

// ModifySlide re-runs the pipeline scoped to one slide of a completed deck,
// driven by the user's instruction. Exactly one pipeline task may act on a
// slide at a time; a concurrent request observes a conflict.
func (o *Orchestrator) ModifySlide(ctx context.Context, deckID string, order int, modificationPrompt string) error {
	prompt := strings.TrimSpace(modificationPrompt)
	if prompt == "" {
		return fmt.Errorf("%w: modification prompt is required", deck.ErrValidation)
	}
	if utf8.RuneCountInString(prompt) > maxModificationPromptLength {
		return fmt.Errorf("%w: modification prompt must be at most %d characters", deck.ErrValidation, maxModificationPromptLength)
	}

	materialized, err := o.store.GetMaterialized(ctx, deckID)
	if err != nil {
		return err
	}
	status := materialized.Deck.Status
	if status != deck.StatusCompleted && status != deck.StatusModifying {
		return fmt.Errorf("%w: deck is %s, modifications require a completed deck", deck.ErrConflict, status)
	}
	slide, ok := findSlide(materialized, order)
	if !ok {
		return fmt.Errorf("%w: slide %d of deck %s", deck.ErrNotFound, order, deckID)
	}

	if !o.locks.tryAcquire(deckID, order) {
		return fmt.Errorf("%w: slide %d already has a pipeline task in flight", deck.ErrConflict, order)
	}

	modCtx, cancel := context.WithCancel(o.rootCtx)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		o.locks.release(deckID, order)
		return fmt.Errorf("%w: %v", deck.ErrInternal, errClosed)
	}
	if o.mods[deckID] == nil {
		o.mods[deckID] = make(map[int]context.CancelFunc)
	}
	o.mods[deckID][order] = cancel
	o.modCount[deckID]++
	o.wg.Add(1)
	o.mu.Unlock()

	if err := o.store.SetStatus(o.persistCtx(), deckID, deck.StatusModifying, fmt.Sprintf("Modifying slide %d", order)); err != nil {
		o.finishModification(deckID, order)
		return err
	}
	o.notify(deckID, deck.StatusModifying, 0, fmt.Sprintf("Modifying slide %d", order))

	go o.runModification(modCtx, deckID, order, prompt, materialized.Deck, slide)
	return nil
}

// runModification executes the write and render stages for one slide, reusing
// its stored plan as context. Success appends an AI version and flips the
// current pointer; failure or cancellation leaves history untouched. Either
// way the deck resolves back to completed.
func (o *Orchestrator) runModification(ctx context.Context, deckID string, order int, prompt string, record deck.Deck, slide deck.MaterializedSlide) {
	defer o.finishModification(deckID, order)

	executor := &stageExecutor{
		timeout: o.cfg.StageTimeout,
		retries: o.cfg.StageRetries,
		backoff: o.cfg.RetryBackoff,
		logger:  o.logger,
	}
	deckContext := generation.DeckContext{
		Title:       record.Title,
		Goal:        record.Goal,
		Audience:    record.Audience,
		CoreMessage: record.CoreMessage,
		ColorTheme:  record.ColorTheme,
	}

	var body string
	err := executor.run(ctx, deckID, generation.StageWrite, order, func(callCtx context.Context) error {
		produced, writeErr := o.generator.WriteContent(callCtx, generation.WriteRequest{
			Context:            deckContext,
			Order:              order,
			Plan:               slide.Plan,
			ExistingContent:    slide.HTMLContent,
			ModificationPrompt: prompt,
		})
		if writeErr != nil {
			return writeErr
		}
		body = produced
		return nil
	})
	if err == nil {
		err = executor.run(ctx, deckID, generation.StageRender, order, func(callCtx context.Context) error {
			produced, renderErr := o.generator.RenderSlide(callCtx, generation.RenderRequest{
				Context: deckContext,
				Order:   order,
				Plan:    slide.Plan,
				Body:    body,
			})
			if renderErr != nil {
				return renderErr
			}
			body = produced
			return nil
		})
	}

	if err != nil {
		if ctx.Err() != nil {
			o.logger.Info("slide modification cancelled",
				zap.String("deck_id", deckID), zap.Int("slide_order", order))
		} else {
			o.logger.Warn("slide modification failed",
				zap.String("deck_id", deckID), zap.Int("slide_order", order), zap.Error(err))
		}
		return
	}

	if _, commitErr := o.store.CommitSlide(o.persistCtx(), deckID, order, slide.Plan, body, deck.CreatedByAI); commitErr != nil {
		o.logger.Error("committing modified slide failed",
			zap.String("deck_id", deckID), zap.Int("slide_order", order), zap.Error(commitErr))
		return
	}
	o.logger.Info("slide modification completed",
		zap.String("deck_id", deckID), zap.Int("slide_order", order))
}

// finishModification releases the slide lock and, once the last in-flight
// modification for the deck resolves, returns the deck to completed.
func (o *Orchestrator) finishModification(deckID string, order int) {
	o.mu.Lock()
	if cancels, ok := o.mods[deckID]; ok {
		if cancel, held := cancels[order]; held {
			cancel()
			delete(cancels, order)
		}
		if len(cancels) == 0 {
			delete(o.mods, deckID)
		}
	}
	o.modCount[deckID]--
	last := o.modCount[deckID] <= 0
	if last {
		delete(o.modCount, deckID)
	}
	o.mu.Unlock()

	o.locks.release(deckID, order)
	o.wg.Done()

	if last {
		if err := o.store.SetStatus(o.persistCtx(), deckID, deck.StatusCompleted, "Completed"); err != nil {
			o.logger.Error("restoring completed status failed",
				zap.String("deck_id", deckID), zap.Error(err))
			return
		}
		o.notify(deckID, deck.StatusCompleted, 100, "Completed")
	}
}

// SaveSlide materializes manually edited HTML as a new user version. Unchanged
// content is a no-op.
func (o *Orchestrator) SaveSlide(ctx context.Context, deckID string, order int, html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", fmt.Errorf("%w: html content is required", deck.ErrValidation)
	}
	if err := o.requireNotGenerating(ctx, deckID); err != nil {
		return "", err
	}
	if !o.locks.tryAcquire(deckID, order) {
		return "", fmt.Errorf("%w: slide %d already has a pipeline task in flight", deck.ErrConflict, order)
	}
	defer o.locks.release(deckID, order)

	versionID, _, err := o.store.SaveVersion(ctx, deckID, order, html, deck.CreatedByUser)
	return versionID, err
}

// RevertSlide restores a previously recorded version as the slide's current
// version.
func (o *Orchestrator) RevertSlide(ctx context.Context, deckID string, order int, versionID string) error {
	if err := o.requireNotGenerating(ctx, deckID); err != nil {
		return err
	}
	if !o.locks.tryAcquire(deckID, order) {
		return fmt.Errorf("%w: slide %d already has a pipeline task in flight", deck.ErrConflict, order)
	}
	defer o.locks.release(deckID, order)

	return o.store.Revert(ctx, deckID, order, versionID)
}

// Cancel stops an active generation pass or any in-flight modifications for
// the deck. It is idempotent: cancelling a terminal or unknown-state deck is a
// no-op.
func (o *Orchestrator) Cancel(ctx context.Context, deckID string) error {
	o.mu.Lock()
	if job, ok := o.active[deckID]; ok {
		o.mu.Unlock()
		job.cancel()
		return nil
	}
	for i, queued := range o.queue {
		if queued.deckID == deckID {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.mu.Unlock()
			queued.cancel()
			if err := o.store.SetTerminal(o.persistCtx(), deckID, deck.StatusCancelled, "Cancelled by user"); err != nil {
				return err
			}
			o.notify(deckID, deck.StatusCancelled, 0, "Cancelled by user")
			return nil
		}
	}
	if cancels, ok := o.mods[deckID]; ok {
		pending := make([]context.CancelFunc, 0, len(cancels))
		for _, cancel := range cancels {
			pending = append(pending, cancel)
		}
		o.mu.Unlock()
		for _, cancel := range pending {
			cancel()
		}
		return nil
	}
	o.mu.Unlock()

	// No live job: reconcile a stale active status left by a crash.
	status, err := o.store.CurrentStatus(ctx, deckID)
	if err != nil {
		return err
	}
	if status.Generating() {
		return o.store.SetTerminal(o.persistCtx(), deckID, deck.StatusCancelled, "Cancelled by user")
	}
	return nil
}

// DeleteDeck removes a deck and cascades to its slides and version history.
// Active decks must be cancelled first.
func (o *Orchestrator) DeleteDeck(ctx context.Context, deckID string) error {
	o.mu.Lock()
	_, generating := o.active[deckID]
	_, modifying := o.mods[deckID]
	for _, queued := range o.queue {
		if queued.deckID == deckID {
			generating = true
			break
		}
	}
	o.mu.Unlock()
	if generating || modifying {
		return fmt.Errorf("%w: deck is active, cancel it first", deck.ErrConflict)
	}

	status, err := o.store.CurrentStatus(ctx, deckID)
	if err != nil {
		return err
	}
	if status.Generating() || status == deck.StatusModifying {
		return fmt.Errorf("%w: deck is active, cancel it first", deck.ErrConflict)
	}
	return o.store.DeleteDeck(ctx, deckID)
}

// Close stops admissions, cancels in-flight work, and waits for jobs to
// drain.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	queued := o.queue
	o.queue = nil
	o.mu.Unlock()

	for _, job := range queued {
		job.cancel()
	}
	o.rootCancel()
	o.wg.Wait()
}

// startLocked admits a job: callers hold o.mu.
func (o *Orchestrator) startLocked(job *deckJob) {
	o.active[job.deckID] = job
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		job.run()
	}()
}

// releaseJob frees the admission slot and starts the next queued deck, FIFO.
func (o *Orchestrator) releaseJob(job *deckJob) {
	job.cancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, job.deckID)
	if o.closed || len(o.queue) == 0 {
		return
	}
	next := o.queue[0]
	o.queue = o.queue[1:]
	o.startLocked(next)
}

// requireNotGenerating rejects slide-level writes while the deck's generation
// pass still owns the slides.
func (o *Orchestrator) requireNotGenerating(ctx context.Context, deckID string) error {
	status, err := o.store.CurrentStatus(ctx, deckID)
	if err != nil {
		return err
	}
	if status.Generating() {
		return fmt.Errorf("%w: deck is %s, wait for generation to finish", deck.ErrConflict, status)
	}
	return nil
}

// persistCtx returns the context used for store writes that must survive job
// cancellation: committed state stays committed.
func (o *Orchestrator) persistCtx() context.Context {
	return context.Background()
}

func (o *Orchestrator) notify(deckID string, status deck.Status, progress int, step string) {
	if o.events == nil {
		return
	}
	o.events.PublishStatus(deckID, status, progress, step)
}

// deriveTitle truncates on rune boundaries so multibyte prompts never yield
// invalid UTF-8.
func deriveTitle(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= titleLimit {
		return prompt
	}
	return string(runes[:titleLimit]) + "..."
}

// enhancePrompt appends extracted file texts to the prompt, mirroring the
// upload flow: the collaborator receives one combined instruction.
func enhancePrompt(prompt string, files []generation.FileText) string {
	if len(files) == 0 {
		return prompt
	}
	var builder strings.Builder
	builder.WriteString(prompt)
	builder.WriteString("\n\nGenerate the presentation from the following uploaded files:\n")
	for _, file := range files {
		builder.WriteString(fmt.Sprintf("\n=== File: %s ===\n", file.Filename))
		if file.ContentType != "" {
			builder.WriteString(fmt.Sprintf("File type: %s\n", file.ContentType))
		}
		builder.WriteString(file.Text)
		builder.WriteString("\n=== End of File ===\n")
	}
	return builder.String()
}

func findSlide(materialized deck.MaterializedDeck, order int) (deck.MaterializedSlide, bool) {
	for _, slide := range materialized.Slides {
		if slide.Order == order {
			return slide, true
		}
	}
	return deck.MaterializedSlide{}, false
}
