package feed

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clipshelf/clipshelf/internal/catalog"
	"github.com/clipshelf/clipshelf/internal/video"
	"github.com/jonboulle/clockwork"
)

const (
	testUserID     = "550e8400-e29b-41d4-a716-446655440000"
	otherUserID    = "660e8400-e29b-41d4-a716-446655440001"
	testPlaylistID = "8b3e4c1a-5d9f-4e3a-b12c-3f4a5b6c7d8e"
	videoA         = "6f1c2a9e-3b7d-4c1e-9f0a-1d2e3f4a5b6c"
	videoB         = "7a2d3b0f-4c8e-4d2f-a01b-2e3f4a5b6c7d"
	videoC         = "9c4f5d2b-6e0a-4f4b-c23d-4a5b6c7d8e9f"
)

type savedProgress struct {
	videoID string
	seconds float64
}

type fakeStore struct {
	mu       sync.Mutex
	videos   map[string]catalog.Video
	playlist []string
	saves    []savedProgress
	orders   [][]string
}

func newFakeStore(videos ...catalog.Video) *fakeStore {
	s := &fakeStore{videos: make(map[string]catalog.Video)}
	for _, v := range videos {
		s.videos[v.ID] = v
		s.playlist = append(s.playlist, v.ID)
	}
	return s
}

func (s *fakeStore) PlaylistVideos(_ context.Context, playlistID string) ([]catalog.Video, error) {
	if playlistID != testPlaylistID {
		return nil, video.ErrNotFound
	}
	return s.VideosByID(context.Background(), s.playlist)
}

func (s *fakeStore) VideosByID(_ context.Context, ids []string) ([]catalog.Video, error) {
	out := make([]catalog.Video, 0, len(ids))
	for _, id := range ids {
		v, ok := s.videos[id]
		if !ok {
			return nil, fmt.Errorf("video %s: %w", id, video.ErrNotFound)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *fakeStore) UpdateProgress(_ context.Context, videoID string, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, savedProgress{videoID, seconds})
	return nil
}

func (s *fakeStore) ReorderPlaylist(_ context.Context, _ string, videoIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, videoIDs)
	return nil
}

func (s *fakeStore) savedProgress() []savedProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]savedProgress(nil), s.saves...)
}

func (s *fakeStore) savedOrders() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.orders...)
}

// Three entries: a YouTube iframe with a fallback timer, a direct file
// played by the generic element, and an Instagram reel.
func testVideos() []catalog.Video {
	return []catalog.Video{
		{ID: videoA, URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", Title: "a", Duration: 60},
		{ID: videoB, URL: "https://cdn.example.com/clips/b.mp4", Title: "b", Duration: 30, LastTimestamp: 3},
		{ID: videoC, URL: "https://www.instagram.com/reel/Cabc123/", Title: "c"},
	}
}

func newTestManager(t *testing.T) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager(Options{Clock: clk})
	t.Cleanup(m.CloseAll)
	return m, clk
}

// eventually polls cond; timer callbacks run on their own goroutine.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// gatedStore holds every entry load until release is closed.
type gatedStore struct {
	*fakeStore
	release chan struct{}
}

func (s *gatedStore) VideosByID(ctx context.Context, ids []string) ([]catalog.Video, error) {
	<-s.release
	return s.fakeStore.VideosByID(ctx, ids)
}

func nextMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("stream closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func nextState(t *testing.T, ch <-chan Message) State {
	t.Helper()
	for {
		msg := nextMessage(t, ch)
		if msg.Event == EventState {
			return msg.Data.(State)
		}
	}
}

func intPtr(n int) *int { return &n }

func floatPtr(f float64) *float64 { return &f }
