package video

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/clipshelf/clipshelf/internal/auth"
	"github.com/clipshelf/clipshelf/internal/metadata"
	"github.com/go-chi/chi/v5"
	"github.com/pashagolub/pgxmock/v4"
)

const (
	testJWTSecret  = "test-secret-for-video-tests"
	testUserID     = "550e8400-e29b-41d4-a716-446655440000"
	testVideoID    = "6f1c2a9e-3b7d-4c1e-9f0a-1d2e3f4a5b6c"
	testVideoID2   = "7a2d3b0f-4c8e-4d2f-a01b-2e3f4a5b6c7d"
	testPlaylistID = "8b3e4c1a-5d9f-4e3a-b12c-3f4a5b6c7d8e"
	testTagID      = "9c4f5d2b-6e0a-4f4b-c23d-4a5b6c7d8e9f"
)

type mockStorage struct {
	mu           sync.Mutex
	puts         map[string][]byte
	putErr       error
	downloadURL  string
	downloadErr  error
	deleteErr    error
	deleteCalled chan string
}

func (m *mockStorage) PutObject(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	if m.puts == nil {
		m.puts = make(map[string][]byte)
	}
	m.puts[key] = data
	return nil
}

func (m *mockStorage) GenerateDownloadURL(_ context.Context, key string, _ time.Duration) (string, error) {
	if m.downloadErr != nil {
		return "", m.downloadErr
	}
	if m.downloadURL != "" {
		return m.downloadURL, nil
	}
	return "https://storage.example.com/" + key + "?signed=1", nil
}

func (m *mockStorage) DeleteObject(_ context.Context, key string) error {
	if m.deleteCalled != nil {
		m.deleteCalled <- key
	}
	return m.deleteErr
}

type fakeFetcher struct {
	hints metadata.Hints
	err   error
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (metadata.Hints, error) {
	f.calls = append(f.calls, rawURL)
	return f.hints, f.err
}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func authenticatedRequest(t *testing.T, method, target string, body []byte) *http.Request {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	token, err := auth.GenerateAccessToken(testJWTSecret, testUserID)
	if err != nil {
		t.Fatalf("failed to generate access token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func newAuthMiddleware() func(http.Handler) http.Handler {
	return auth.NewHandler(nil, testJWTSecret).Middleware
}

// serve routes a single authenticated request through a chi router so URL
// params resolve.
func serve(t *testing.T, method, pattern, target string, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
	}
	r := chi.NewRouter()
	r.With(newAuthMiddleware()).MethodFunc(method, pattern, handler)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, authenticatedRequest(t, method, target, payload))
	return rec
}

func parseErrorResponse(t *testing.T, body []byte) string {
	t.Helper()
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	return errResp.Error
}

var videoColumnNames = []string{
	"id", "url", "title", "thumbnail_url", "thumbnail_key", "author_name",
	"duration", "last_timestamp", "aspect_ratio", "notes",
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
func floatPtr(f float64) *float64 {
	return &f
}

func videoRow(rows *pgxmock.Rows, id, url string, duration *int, last *float64, thumbKey *string) *pgxmock.Rows {
	return rows.AddRow(id, url, "title "+id[:4], strPtr("https://img.example.com/"+id[:4]+".jpg"), thumbKey,
		(*string)(nil), duration, last, "auto", (*string)(nil))
}

func expectNoTags(mock pgxmock.PgxPoolIface) {
	mock.ExpectQuery(`SELECT vt.video_id, t.id, t.name, t.color`).
		WillReturnRows(pgxmock.NewRows([]string{"video_id", "id", "name", "color"}))
}
