package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/deckflow/backend/internal/deck"
	"github.com/deckflow/backend/internal/export"
	"github.com/deckflow/backend/internal/generation"
	"github.com/deckflow/backend/internal/orchestrator"
)

const (
	subjectContextKey = "deckflow_subject"

	watchHeartbeatInterval = 15 * time.Second
)

var (
	errMissingOrchestrator  = errors.New("orchestrator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens. When nil the API runs unauthenticated.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Events       *EventDispatcher
	Tokens       TokenValidator
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Orchestrator == nil {
		return nil, errMissingOrchestrator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		decks:  deps.Orchestrator,
		events: deps.Events,
		tokens: deps.Tokens,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealthz)

	api := router.Group("/v1")
	if deps.Tokens != nil {
		api.Use(handler.authorizeRequest)
	}
	api.POST("/decks", handler.handleCreateDeck)
	api.GET("/decks", handler.handleListDecks)
	api.GET("/decks/:deck_id", handler.handleDeckStatus)
	api.GET("/decks/:deck_id/data", handler.handleDeckData)
	api.GET("/decks/:deck_id/watch", handler.handleDeckWatch)
	api.GET("/decks/:deck_id/export", handler.handleDeckExport)
	api.POST("/decks/:deck_id/cancel", handler.handleDeckCancel)
	api.DELETE("/decks/:deck_id", handler.handleDeckDelete)
	api.POST("/decks/:deck_id/slides/:slide_order/modify", handler.handleSlideModify)
	api.GET("/decks/:deck_id/slides/:slide_order/versions", handler.handleSlideVersions)
	api.POST("/decks/:deck_id/slides/:slide_order/revert", handler.handleSlideRevert)
	api.POST("/decks/:deck_id/slides/:slide_order/save", handler.handleSlideSave)

	return router, nil
}

type httpHandler struct {
	decks  *orchestrator.Orchestrator
	events *EventDispatcher
	tokens TokenValidator
	logger *zap.Logger
}

type stylePayload struct {
	Layout  string `json:"layout_preference"`
	Color   string `json:"color_preference"`
	Persona string `json:"persona_preference"`
}

type filePayload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Text        string `json:"text"`
}

type createDeckPayload struct {
	Prompt string        `json:"prompt"`
	Style  stylePayload  `json:"style"`
	Files  []filePayload `json:"files"`
}

type deckStatusPayload struct {
	DeckID             string      `json:"deck_id"`
	Title              string      `json:"title"`
	Status             deck.Status `json:"status"`
	SlideCount         int         `json:"slide_count"`
	Progress           int         `json:"progress"`
	Step               string      `json:"step"`
	CreatedAtSeconds   int64       `json:"created_at_s"`
	UpdatedAtSeconds   int64       `json:"updated_at_s,omitempty"`
	CompletedAtSeconds int64       `json:"completed_at_s,omitempty"`
}

type deckSummaryPayload struct {
	DeckID           string      `json:"deck_id"`
	Title            string      `json:"title"`
	Status           deck.Status `json:"status"`
	SlideCount       int         `json:"slide_count"`
	CreatedAtSeconds int64       `json:"created_at_s"`
	UpdatedAtSeconds int64       `json:"updated_at_s,omitempty"`
}

type slidePlanPayload struct {
	Title          string   `json:"slide_title"`
	Message        string   `json:"message,omitempty"`
	LayoutType     string   `json:"layout_type,omitempty"`
	KeyPoints      []string `json:"key_points,omitempty"`
	DataPoints     []string `json:"data_points,omitempty"`
	ExpertInsights []string `json:"expert_insights,omitempty"`
}

type versionMetaPayload struct {
	VersionID        string         `json:"version_id"`
	CreatedAtSeconds int64          `json:"created_at_s"`
	IsCurrent        bool           `json:"is_current"`
	CreatedBy        deck.CreatedBy `json:"created_by"`
}

type slidePayload struct {
	Order            int                  `json:"slide_order"`
	Plan             slidePlanPayload     `json:"plan"`
	HTMLContent      string               `json:"html_content"`
	CurrentVersionID string               `json:"current_version_id,omitempty"`
	Failed           bool                 `json:"failed,omitempty"`
	UpdatedAtSeconds int64                `json:"updated_at_s,omitempty"`
	Versions         []versionMetaPayload `json:"versions"`
}

type deckDataPayload struct {
	Deck   deckStatusPayload `json:"deck"`
	Goal   string            `json:"goal,omitempty"`
	Slides []slidePayload    `json:"slides"`
}

type versionPayload struct {
	VersionID        string         `json:"version_id"`
	CreatedAtSeconds int64          `json:"created_at_s"`
	IsCurrent        bool           `json:"is_current"`
	CreatedBy        deck.CreatedBy `json:"created_by"`
	Content          string         `json:"content"`
}

type modifySlidePayload struct {
	Prompt string `json:"prompt"`
}

type revertSlidePayload struct {
	VersionID string `json:"version_id"`
}

type saveSlidePayload struct {
	HTMLContent string `json:"html_content"`
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateDeck(c *gin.Context) {
	var request createDeckPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	files := make([]generation.FileText, 0, len(request.Files))
	for _, file := range request.Files {
		files = append(files, generation.FileText{
			Filename:    file.Filename,
			ContentType: file.ContentType,
			Text:        file.Text,
		})
	}

	deckID, err := h.decks.CreateDeck(c.Request.Context(), orchestrator.CreateDeckRequest{
		Prompt: request.Prompt,
		Style: generation.StylePreferences{
			Layout:  request.Style.Layout,
			Color:   request.Style.Color,
			Persona: request.Style.Persona,
		},
		Files: files,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"deck_id": deckID, "status": deck.StatusStarting})
}

func (h *httpHandler) handleListDecks(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = parsed
	}

	summaries, err := h.decks.ListDecks(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload := make([]deckSummaryPayload, 0, len(summaries))
	for _, summary := range summaries {
		payload = append(payload, deckSummaryPayload{
			DeckID:           summary.DeckID,
			Title:            summary.Title,
			Status:           summary.Status,
			SlideCount:       summary.SlideCount,
			CreatedAtSeconds: summary.CreatedAtSeconds,
			UpdatedAtSeconds: summary.UpdatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"decks": payload})
}

func (h *httpHandler) handleDeckStatus(c *gin.Context) {
	snapshot, err := h.decks.GetStatus(c.Request.Context(), c.Param("deck_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusPayload(snapshot))
}

func (h *httpHandler) handleDeckData(c *gin.Context) {
	materialized, err := h.decks.GetDeck(c.Request.Context(), c.Param("deck_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deckPayload(materialized))
}

func (h *httpHandler) handleDeckWatch(c *gin.Context) {
	deckID := c.Param("deck_id")
	snapshot, err := h.decks.GetStatus(c.Request.Context(), deckID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if h.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "status streaming is not enabled"})
		return
	}

	stream, cancel := h.events.Subscribe(c.Request.Context(), deckID)
	defer cancel()

	heartbeat := time.NewTicker(watchHeartbeatInterval)
	defer heartbeat.Stop()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Seed the stream with the committed snapshot so late subscribers see
	// current state before the next transition.
	c.SSEvent(statusEventName, StatusEvent{
		DeckID:    snapshot.DeckID,
		Status:    snapshot.Status,
		Progress:  snapshot.Progress,
		Step:      snapshot.Step,
		Timestamp: time.Now().UTC(),
	})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(statusEventName, event)
			if event.Status.Terminal() {
				return false
			}
			return true
		case <-heartbeat.C:
			c.SSEvent(heartbeatEventName, gin.H{"timestamp": time.Now().UTC()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) handleDeckExport(c *gin.Context) {
	materialized, err := h.decks.GetDeck(c.Request.Context(), c.Param("deck_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	format := strings.ToLower(c.DefaultQuery("format", "html"))
	if format != "html" {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported export format %q", format)})
		return
	}

	document := export.RenderDeck(materialized, export.Options{
		Layout:      c.DefaultQuery("layout", export.LayoutWidescreen),
		EmbedFrames: c.Query("embed") == "iframe",
	})
	if c.Query("download") == "true" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename(materialized.Deck.Title)))
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(document))
}

func (h *httpHandler) handleDeckCancel(c *gin.Context) {
	deckID := c.Param("deck_id")
	if err := h.decks.Cancel(c.Request.Context(), deckID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"deck_id": deckID})
}

func (h *httpHandler) handleDeckDelete(c *gin.Context) {
	if err := h.decks.DeleteDeck(c.Request.Context(), c.Param("deck_id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSlideModify(c *gin.Context) {
	deckID, order, ok := h.slideParams(c)
	if !ok {
		return
	}
	var request modifySlidePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.decks.ModifySlide(c.Request.Context(), deckID, order, request.Prompt); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"deck_id":     deckID,
		"slide_order": order,
		"status":      deck.StatusModifying,
	})
}

func (h *httpHandler) handleSlideVersions(c *gin.Context) {
	deckID, order, ok := h.slideParams(c)
	if !ok {
		return
	}
	versions, err := h.decks.ListVersions(c.Request.Context(), deckID, order)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]versionPayload, 0, len(versions))
	for _, version := range versions {
		payload = append(payload, versionPayload{
			VersionID:        version.VersionID,
			CreatedAtSeconds: version.CreatedAtSeconds,
			IsCurrent:        version.IsCurrent,
			CreatedBy:        version.CreatedBy,
			Content:          version.Content,
		})
	}
	c.JSON(http.StatusOK, gin.H{"versions": payload})
}

func (h *httpHandler) handleSlideRevert(c *gin.Context) {
	deckID, order, ok := h.slideParams(c)
	if !ok {
		return
	}
	var request revertSlidePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.VersionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version_id is required"})
		return
	}
	if err := h.decks.RevertSlide(c.Request.Context(), deckID, order, request.VersionID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deck_id":     deckID,
		"slide_order": order,
		"version_id":  request.VersionID,
	})
}

func (h *httpHandler) handleSlideSave(c *gin.Context) {
	deckID, order, ok := h.slideParams(c)
	if !ok {
		return
	}
	var request saveSlidePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	versionID, err := h.decks.SaveSlide(c.Request.Context(), deckID, order, request.HTMLContent)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deck_id":     deckID,
		"slide_order": order,
		"version_id":  versionID,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// respondError is the single mapping point from domain sentinels to HTTP
// status codes.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, deck.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, deck.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, deck.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, deck.ErrExternalService):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) slideParams(c *gin.Context) (string, int, bool) {
	deckID := c.Param("deck_id")
	order, err := strconv.Atoi(c.Param("slide_order"))
	if err != nil || order < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slide_order must be a positive integer"})
		return "", 0, false
	}
	return deckID, order, true
}

func statusPayload(snapshot deck.StatusSnapshot) deckStatusPayload {
	return deckStatusPayload{
		DeckID:             snapshot.DeckID,
		Title:              snapshot.Title,
		Status:             snapshot.Status,
		SlideCount:         snapshot.SlideCount,
		Progress:           snapshot.Progress,
		Step:               snapshot.Step,
		CreatedAtSeconds:   snapshot.CreatedAtSeconds,
		UpdatedAtSeconds:   snapshot.UpdatedAtSeconds,
		CompletedAtSeconds: snapshot.CompletedAtSeconds,
	}
}

func deckPayload(materialized deck.MaterializedDeck) deckDataPayload {
	record := materialized.Deck
	payload := deckDataPayload{
		Deck: deckStatusPayload{
			DeckID:             record.DeckID,
			Title:              record.Title,
			Status:             record.Status,
			SlideCount:         len(materialized.Slides),
			Progress:           record.Progress,
			Step:               record.Step,
			CreatedAtSeconds:   record.CreatedAtSeconds,
			UpdatedAtSeconds:   record.UpdatedAtSeconds,
			CompletedAtSeconds: record.CompletedAtSeconds,
		},
		Goal:   record.Goal,
		Slides: make([]slidePayload, 0, len(materialized.Slides)),
	}
	for _, slide := range materialized.Slides {
		versions := make([]versionMetaPayload, 0, len(slide.Versions))
		for _, version := range slide.Versions {
			versions = append(versions, versionMetaPayload{
				VersionID:        version.VersionID,
				CreatedAtSeconds: version.CreatedAtSeconds,
				IsCurrent:        version.IsCurrent,
				CreatedBy:        version.CreatedBy,
			})
		}
		payload.Slides = append(payload.Slides, slidePayload{
			Order: slide.Order,
			Plan: slidePlanPayload{
				Title:          slide.Plan.Title,
				Message:        slide.Plan.Message,
				LayoutType:     slide.Plan.LayoutType,
				KeyPoints:      slide.Plan.KeyPoints,
				DataPoints:     slide.Plan.DataPoints,
				ExpertInsights: slide.Plan.ExpertInsights,
			},
			HTMLContent:      slide.HTMLContent,
			CurrentVersionID: slide.CurrentVersionID,
			Failed:           slide.Failed,
			UpdatedAtSeconds: slide.UpdatedAtSeconds,
			Versions:         versions,
		})
	}
	return payload
}

func exportFilename(title string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '-', r == '_':
			return '_'
		}
		return -1
	}, title)
	if cleaned == "" {
		cleaned = "deck"
	}
	return cleaned + ".html"
}
