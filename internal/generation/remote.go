package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deckflow/backend/internal/deck"
)

const defaultRemoteTimeout = 120 * time.Second

// Remote is the HTTP bridge to the generation collaborator service. Each stage
// maps to one JSON endpoint under the configured base URL.
type Remote struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// RemoteConfig configures the collaborator bridge.
type RemoteConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewRemote constructs a Remote generator.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("generator base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &Remote{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type remoteOutlinePayload struct {
	Prompt string           `json:"prompt"`
	Style  StylePreferences `json:"style"`
}

type remoteOutlineResponse struct {
	Title       string `json:"deck_title"`
	Goal        string `json:"goal"`
	Audience    string `json:"audience"`
	CoreMessage string `json:"core_message"`
	ColorTheme  string `json:"color_theme"`
	Slides      []struct {
		Title   string `json:"slide_title"`
		Message string `json:"message"`
	} `json:"slides"`
}

// DeckOutline implements Generator.
func (r *Remote) DeckOutline(ctx context.Context, req OutlineRequest) (DeckOutline, error) {
	var response remoteOutlineResponse
	payload := remoteOutlinePayload{Prompt: req.Prompt, Style: req.Style}
	if err := r.post(ctx, "/v1/outline", payload, &response); err != nil {
		return DeckOutline{}, err
	}
	outline := DeckOutline{
		Title:       response.Title,
		Goal:        response.Goal,
		Audience:    response.Audience,
		CoreMessage: response.CoreMessage,
		ColorTheme:  response.ColorTheme,
		Slides:      make([]SlideBrief, 0, len(response.Slides)),
	}
	for _, slide := range response.Slides {
		outline.Slides = append(outline.Slides, SlideBrief{Title: slide.Title, Message: slide.Message})
	}
	return outline, nil
}

type remotePlanPayload struct {
	Context remoteDeckContext `json:"context"`
	Order   int               `json:"slide_order"`
	Title   string            `json:"slide_title"`
	Message string            `json:"message"`
}

// PlanSlide implements Generator.
func (r *Remote) PlanSlide(ctx context.Context, req PlanRequest) (deck.SlidePlan, error) {
	var plan deck.SlidePlan
	payload := remotePlanPayload{
		Context: remoteContext(req.Context),
		Order:   req.Order,
		Title:   req.Brief.Title,
		Message: req.Brief.Message,
	}
	if err := r.post(ctx, "/v1/plan", payload, &plan); err != nil {
		return deck.SlidePlan{}, err
	}
	return plan, nil
}

type remoteWritePayload struct {
	Context            remoteDeckContext `json:"context"`
	Order              int               `json:"slide_order"`
	Plan               deck.SlidePlan    `json:"plan"`
	ExistingContent    string            `json:"existing_content,omitempty"`
	ModificationPrompt string            `json:"modification_prompt,omitempty"`
}

type remoteContentResponse struct {
	Content string `json:"content"`
}

// WriteContent implements Generator.
func (r *Remote) WriteContent(ctx context.Context, req WriteRequest) (string, error) {
	var response remoteContentResponse
	payload := remoteWritePayload{
		Context:            remoteContext(req.Context),
		Order:              req.Order,
		Plan:               req.Plan,
		ExistingContent:    req.ExistingContent,
		ModificationPrompt: req.ModificationPrompt,
	}
	if err := r.post(ctx, "/v1/write", payload, &response); err != nil {
		return "", err
	}
	return response.Content, nil
}

type remoteRenderPayload struct {
	Context remoteDeckContext `json:"context"`
	Order   int               `json:"slide_order"`
	Plan    deck.SlidePlan    `json:"plan"`
	Body    string            `json:"body"`
}

// RenderSlide implements Generator.
func (r *Remote) RenderSlide(ctx context.Context, req RenderRequest) (string, error) {
	var response remoteContentResponse
	payload := remoteRenderPayload{
		Context: remoteContext(req.Context),
		Order:   req.Order,
		Plan:    req.Plan,
		Body:    req.Body,
	}
	if err := r.post(ctx, "/v1/render", payload, &response); err != nil {
		return "", err
	}
	return response.Content, nil
}

type remoteDeckContext struct {
	Title       string           `json:"deck_title"`
	Goal        string           `json:"goal,omitempty"`
	Audience    string           `json:"audience,omitempty"`
	CoreMessage string           `json:"core_message,omitempty"`
	ColorTheme  string           `json:"color_theme,omitempty"`
	Style       StylePreferences `json:"style"`
}

func remoteContext(deckContext DeckContext) remoteDeckContext {
	return remoteDeckContext{
		Title:       deckContext.Title,
		Goal:        deckContext.Goal,
		Audience:    deckContext.Audience,
		CoreMessage: deckContext.CoreMessage,
		ColorTheme:  deckContext.ColorTheme,
		Style:       deckContext.Style,
	}
}

func (r *Remote) post(ctx context.Context, path string, payload any, out any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	response, err := r.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("collaborator error (status %d): %s", response.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
