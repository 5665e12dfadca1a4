package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/clipshelf/clipshelf/internal/auth"
	"github.com/clipshelf/clipshelf/internal/httputil"
	"github.com/clipshelf/clipshelf/internal/playlist"
	"github.com/clipshelf/clipshelf/internal/video"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mssola/useragent"
)

const (
	maxBodyBytes     = 64 << 10
	maxFeedVideos    = 500
	streamPingPeriod = 15 * time.Second
)

// StoreFunc returns the persistence collaborator for a user.
type StoreFunc func(userID string) Store

type Handler struct {
	manager *Manager
	stores  StoreFunc
}

func NewHandler(manager *Manager, stores StoreFunc) *Handler {
	return &Handler{manager: manager, stores: stores}
}

type createRequest struct {
	PlaylistID string   `json:"playlistId"`
	VideoIDs   []string `json:"videoIds"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req createRequest
	if err := httputil.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if (req.PlaylistID == "") == (len(req.VideoIDs) == 0) {
		httputil.WriteError(w, http.StatusBadRequest, "either playlistId or videoIds is required")
		return
	}
	if len(req.VideoIDs) > maxFeedVideos {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("maximum %d videos per feed", maxFeedVideos))
		return
	}
	if req.PlaylistID != "" && !validID(req.PlaylistID) {
		httputil.WriteError(w, http.StatusNotFound, "playlist not found")
		return
	}
	for _, id := range req.VideoIDs {
		if !validID(id) {
			httputil.WriteError(w, http.StatusNotFound, "one or more videos not found")
			return
		}
	}

	session, err := h.manager.Create(r.Context(), CreateParams{
		UserID:     userID,
		PlaylistID: req.PlaylistID,
		VideoIDs:   req.VideoIDs,
		Store:      h.stores(userID),
		Muted:      useragent.New(r.UserAgent()).Mobile(),
	})
	switch {
	case errors.Is(err, ErrTooManySessions):
		httputil.WriteError(w, http.StatusTooManyRequests, "too many open feeds")
		return
	case errors.Is(err, video.ErrNotFound) && req.PlaylistID != "":
		httputil.WriteError(w, http.StatusNotFound, "playlist not found")
		return
	case errors.Is(err, video.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "one or more videos not found")
		return
	case err != nil:
		slog.Error("feed: failed to create session", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create feed")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, session.State())
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	s, err := h.manager.Get(auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "feed not found")
		return nil, false
	}
	return s, true
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.State())
}

// PostEvent applies one client event and answers with the resulting state.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var ev Event
	if err := httputil.DecodeJSON(w, r, maxBodyBytes, &ev); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.Apply(r.Context(), ev)
	switch {
	case errors.Is(err, ErrUnknownEvent):
		httputil.WriteError(w, http.StatusBadRequest, "unknown event type")
		return
	case errors.Is(err, ErrMissingField):
		httputil.WriteError(w, http.StatusBadRequest, "event is missing a required field")
		return
	case errors.Is(err, playlist.ErrIndexOutOfRange):
		httputil.WriteError(w, http.StatusBadRequest, "index out of range")
		return
	case errors.Is(err, playlist.ErrUnknownVideo):
		httputil.WriteError(w, http.StatusNotFound, "video not in feed")
		return
	case errors.Is(err, ErrNotTracking):
		httputil.WriteError(w, http.StatusConflict, "video is not tracking progress")
		return
	case errors.Is(err, playlist.ErrClosed):
		httputil.WriteError(w, http.StatusNotFound, "feed not found")
		return
	case err != nil:
		slog.Warn("feed: event failed", "session_id", s.ID(), "type", ev.Type, "error", err)
		httputil.WriteError(w, http.StatusBadGateway, "event failed")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, s.State())
}

// Stream sends state and directive events until the client disconnects or
// the session is unmounted.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	_, _ = io.WriteString(w, "retry: 2000\n\n")
	_ = rc.Flush()

	msgs, cancel := s.Subscribe()
	defer cancel()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-msgs:
			if !open {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				return
			}
			_ = rc.Flush()
		case <-ping.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

func writeEvent(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", msg.Event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, data)
	return err
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.manager.Remove(auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if errors.Is(err, ErrSessionNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "feed not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
