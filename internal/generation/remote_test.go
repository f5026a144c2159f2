package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deckflow/backend/internal/deck"
)

func newCollaborator(t *testing.T) (*httptest.Server, *Remote) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/outline", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer collab-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var payload struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"deck_title":   "Outline for " + payload.Prompt,
			"goal":         "inform",
			"color_theme":  "professional_blue",
			"slides":       []map[string]string{{"slide_title": "Intro", "message": "Why it matters"}},
			"audience":     "Everyone",
			"core_message": "The point",
		})
	})
	mux.HandleFunc("/v1/plan", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(deck.SlidePlan{Title: "Intro", LayoutType: "content_slide"})
	})
	mux.HandleFunc("/v1/write", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "<p>body</p>"})
	})
	mux.HandleFunc("/v1/render", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Body string `json:"body"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "<html><body>" + payload.Body + "</body></html>"})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	remote, err := NewRemote(RemoteConfig{BaseURL: server.URL, APIKey: "collab-key"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return server, remote
}

func TestRemoteDrivesAllStages(t *testing.T) {
	_, remote := newCollaborator(t)

	outline, err := remote.DeckOutline(context.Background(), OutlineRequest{Prompt: "solar"})
	if err != nil {
		t.Fatalf("unexpected outline error: %v", err)
	}
	if outline.Title != "Outline for solar" {
		t.Fatalf("unexpected title %q", outline.Title)
	}
	if len(outline.Slides) != 1 || outline.Slides[0].Title != "Intro" {
		t.Fatalf("unexpected slides %+v", outline.Slides)
	}

	plan, err := remote.PlanSlide(context.Background(), PlanRequest{Order: 1, Brief: outline.Slides[0]})
	if err != nil {
		t.Fatalf("unexpected plan error: %v", err)
	}
	if plan.Title != "Intro" {
		t.Fatalf("unexpected plan %+v", plan)
	}

	body, err := remote.WriteContent(context.Background(), WriteRequest{Order: 1, Plan: plan})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if body != "<p>body</p>" {
		t.Fatalf("unexpected body %q", body)
	}

	html, err := remote.RenderSlide(context.Background(), RenderRequest{Order: 1, Plan: plan, Body: body})
	if err != nil {
		t.Fatalf("unexpected render error: %v", err)
	}
	if !strings.Contains(html, "<p>body</p>") {
		t.Fatalf("expected rendered document to embed the body, got %q", html)
	}
}

func TestRemoteReportsCollaboratorErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	remote, err := NewRemote(RemoteConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := remote.WriteContent(context.Background(), WriteRequest{Order: 1}); err == nil {
		t.Fatalf("expected an error for a non-200 response")
	} else if !strings.Contains(err.Error(), "status 503") {
		t.Fatalf("expected the status code in the error, got %v", err)
	}
}

func TestRemoteRequiresBaseURL(t *testing.T) {
	if _, err := NewRemote(RemoteConfig{}); err == nil {
		t.Fatalf("expected constructor error without a base URL")
	}
}

func TestRemoteHonorsContextCancellation(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	t.Cleanup(func() {
		close(blocked)
		server.Close()
	})

	remote, err := NewRemote(RemoteConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := remote.WriteContent(ctx, WriteRequest{Order: 1}); err == nil {
		t.Fatalf("expected an error for a cancelled context")
	}
}
