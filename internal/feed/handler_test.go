package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clipshelf/clipshelf/internal/auth"
	"github.com/go-chi/chi/v5"
)

const testJWTSecret = "test-secret-for-feed-tests"

func newTestRouter(t *testing.T, store *fakeStore) (http.Handler, *Manager) {
	t.Helper()
	m, _ := newTestManager(t)
	h := NewHandler(m, func(string) Store { return store })

	r := chi.NewRouter()
	r.Route("/api/feeds", func(r chi.Router) {
		r.Use(auth.NewHandler(nil, testJWTSecret).Middleware)
		r.Post("/", h.Create)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/events", h.PostEvent)
		r.Get("/{id}/stream", h.Stream)
		r.Delete("/{id}", h.Delete)
	})
	return r, m
}

func newRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	token, err := auth.GenerateAccessToken(testJWTSecret, testUserID)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func do(t *testing.T, router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	return body.Error
}

func createFeed(t *testing.T, router http.Handler, body createRequest) State {
	t.Helper()
	rec := do(t, router, newRequest(t, http.MethodPost, "/api/feeds/", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}
	var state State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return state
}

func TestHandler_CreateAndEvents(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore(testVideos()...))

	state := createFeed(t, router, createRequest{VideoIDs: []string{videoA, videoB}})
	if state.ID == "" {
		t.Fatal("expected session id")
	}
	if state.Snapshot.VideoID != videoA {
		t.Errorf("expected active %q, got %q", videoA, state.Snapshot.VideoID)
	}

	rec := do(t, router, newRequest(t, http.MethodPost, "/api/feeds/"+state.ID+"/events", Event{Type: EventNext}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	var after State
	if err := json.Unmarshal(rec.Body.Bytes(), &after); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if after.Snapshot.VideoID != videoB || !after.Snapshot.HasStarted {
		t.Errorf("unexpected snapshot after next: %+v", after.Snapshot)
	}

	rec = do(t, router, newRequest(t, http.MethodGet, "/api/feeds/"+state.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	rec = do(t, router, newRequest(t, http.MethodDelete, "/api/feeds/"+state.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	rec = do(t, router, newRequest(t, http.MethodGet, "/api/feeds/"+state.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d after delete, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   createRequest
		status int
		want   string
	}{
		{"neither", createRequest{}, http.StatusBadRequest, "either playlistId or videoIds is required"},
		{"both", createRequest{PlaylistID: testPlaylistID, VideoIDs: []string{videoA}}, http.StatusBadRequest, "either playlistId or videoIds is required"},
		{"bad playlist id", createRequest{PlaylistID: "nope"}, http.StatusNotFound, "playlist not found"},
		{"unknown playlist", createRequest{PlaylistID: "00000000-0000-4000-8000-000000000000"}, http.StatusNotFound, "playlist not found"},
		{"unknown video", createRequest{VideoIDs: []string{"00000000-0000-4000-8000-000000000000"}}, http.StatusNotFound, "one or more videos not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t, newFakeStore(testVideos()...))
			rec := do(t, router, newRequest(t, http.MethodPost, "/api/feeds/", tt.body))
			if rec.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, rec.Code)
			}
			if got := errorMessage(t, rec); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestHandler_EventErrors(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore(testVideos()...))
	state := createFeed(t, router, createRequest{VideoIDs: []string{videoA}})

	tests := []struct {
		name   string
		ev     Event
		status int
	}{
		{"unknown type", Event{Type: "rewind"}, http.StatusBadRequest},
		{"out of range", Event{Type: EventSelect, Index: intPtr(3)}, http.StatusBadRequest},
		{"unknown video", Event{Type: EventError, VideoID: videoB}, http.StatusNotFound},
		{"not tracking", Event{Type: EventProgress, VideoID: videoA, Seconds: floatPtr(12)}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, newRequest(t, http.MethodPost, "/api/feeds/"+state.ID+"/events", tt.ev))
			if rec.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_MobileClientsStartMuted(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore(testVideos()...))

	req := newRequest(t, http.MethodPost, "/api/feeds/", createRequest{VideoIDs: []string{videoB}})
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1")
	rec := do(t, router, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, rec.Code)
	}
	var state State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	generic := state.Window[0].Embed.Generic
	if generic == nil || !generic.Muted {
		t.Errorf("expected muted generic embed, got %+v", generic)
	}
}

func TestHandler_StreamSendsStateEvents(t *testing.T) {
	router, m := newTestRouter(t, newFakeStore(testVideos()...))
	srv := httptest.NewServer(router)
	defer srv.Close()

	state := createFeed(t, router, createRequest{VideoIDs: []string{videoA, videoB}})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/feeds/"+state.ID+"/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header = newRequest(t, http.MethodGet, "/", nil).Header
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	events := make(chan string, 8)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		var event string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: ") && event == EventState:
				events <- strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	readState := func() State {
		t.Helper()
		select {
		case data, ok := <-events:
			if !ok {
				t.Fatal("stream ended early")
			}
			var s State
			if err := json.Unmarshal([]byte(data), &s); err != nil {
				t.Fatalf("failed to parse state: %v", err)
			}
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for state event")
		}
		return State{}
	}

	if first := readState(); first.Snapshot.HasStarted {
		t.Error("expected initial state before start")
	}

	rec := do(t, router, newRequest(t, http.MethodPost, "/api/feeds/"+state.ID+"/events", Event{Type: EventSelect, Index: intPtr(1)}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if next := readState(); next.Snapshot.VideoID != videoB {
		t.Errorf("expected streamed active %q, got %q", videoB, next.Snapshot.VideoID)
	}

	if err := m.Remove(testUserID, state.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected no further state events")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after unmount")
	}
}
