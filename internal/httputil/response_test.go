package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONSetsHeaderAndStatus(t *testing.T) {
	recorder := httptest.NewRecorder()

	WriteJSON(recorder, http.StatusCreated, map[string]string{"platform": "youtube"})

	if recorder.Code != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, recorder.Code)
	}
	if ct := recorder.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected %q, got %q", "application/json", ct)
	}

	var decoded map[string]string
	if err := json.NewDecoder(recorder.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if decoded["platform"] != "youtube" {
		t.Errorf("expected %q, got %q", "youtube", decoded["platform"])
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		message    string
	}{
		{"NotFound", http.StatusNotFound, "video not found"},
		{"Unauthorized", http.StatusUnauthorized, "missing authorization header"},
		{"Conflict", http.StatusConflict, "tag already exists"},
		{"EmptyMessage", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()

			WriteError(recorder, tt.statusCode, tt.message)

			if recorder.Code != tt.statusCode {
				t.Errorf("expected status %d, got %d", tt.statusCode, recorder.Code)
			}
			var decoded ErrorBody
			if err := json.NewDecoder(recorder.Body).Decode(&decoded); err != nil {
				t.Fatalf("failed to decode response body: %v", err)
			}
			if decoded.Error != tt.message {
				t.Errorf("expected %q, got %q", tt.message, decoded.Error)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		URL string `json:"url"`
	}

	t.Run("valid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"url":"https://vimeo.com/1"}`))
		var got body
		if err := DecodeJSON(httptest.NewRecorder(), req, 1024, &got); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.URL != "https://vimeo.com/1" {
			t.Errorf("expected %q, got %q", "https://vimeo.com/1", got.URL)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"url":"x","extra":1}`))
		var got body
		if err := DecodeJSON(httptest.NewRecorder(), req, 1024, &got); err == nil {
			t.Error("expected error for unknown field")
		}
	})

	t.Run("too large", func(t *testing.T) {
		payload := `{"url":"` + strings.Repeat("a", 100) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload))
		var got body
		if err := DecodeJSON(httptest.NewRecorder(), req, 16, &got); err == nil {
			t.Error("expected error for oversized body")
		}
	})
}
