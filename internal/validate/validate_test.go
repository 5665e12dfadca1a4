package validate

import (
	"strings"
	"testing"
)

func TestLengthLimits(t *testing.T) {
	tests := []struct {
		name  string
		check func(string) string
		max   int
		want  string
	}{
		{"title", Title, MaxTitleLength, "title must be 500 characters or fewer"},
		{"notes", Notes, MaxNotesLength, "notes must be 5000 characters or fewer"},
		{"playlist title", PlaylistTitle, MaxPlaylistTitleLength, "playlist title must be 200 characters or fewer"},
		{"playlist description", PlaylistDescription, MaxPlaylistDescriptionLength, "playlist description must be 2000 characters or fewer"},
		{"tag name", TagName, MaxTagNameLength, "tag name must be 50 characters or fewer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check(""); got != "" {
				t.Errorf("empty: expected no error, got %q", got)
			}
			if got := tt.check(strings.Repeat("a", tt.max)); got != "" {
				t.Errorf("at limit: expected no error, got %q", got)
			}
			if got := tt.check(strings.Repeat("a", tt.max+1)); got != tt.want {
				t.Errorf("over limit: expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestVideoURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"https", "https://www.youtube.com/watch?v=abc", ""},
		{"no scheme", "vimeo.com/12345", ""},
		{"http", "http://example.com/clip.mp4", ""},
		{"blank", "   ", "url is required"},
		{"ftp", "ftp://example.com/clip.mp4", "url must use http or https"},
		{"no host", "https://", "url is invalid"},
		{"too long", "https://example.com/" + strings.Repeat("a", MaxURLLength), "url must be 2048 characters or fewer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VideoURL(tt.input); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestAspectRatio(t *testing.T) {
	for _, valid := range []string{"", "auto", "horizontal", "vertical", "square"} {
		if got := AspectRatio(valid); got != "" {
			t.Errorf("AspectRatio(%q): expected no error, got %q", valid, got)
		}
	}
	if got := AspectRatio("portrait"); got == "" {
		t.Error("expected error for unknown aspect ratio")
	}
}

func TestFieldLimits(t *testing.T) {
	limits := FieldLimits()

	expected := map[string]int{
		"url":                 MaxURLLength,
		"title":               MaxTitleLength,
		"notes":               MaxNotesLength,
		"playlistTitle":       MaxPlaylistTitleLength,
		"playlistDescription": MaxPlaylistDescriptionLength,
		"tagName":             MaxTagNameLength,
	}
	if len(limits) != len(expected) {
		t.Fatalf("expected %d limits, got %d", len(expected), len(limits))
	}
	for key, want := range expected {
		if got := limits[key]; got != want {
			t.Errorf("FieldLimits()[%q] = %d, want %d", key, got, want)
		}
	}
}
