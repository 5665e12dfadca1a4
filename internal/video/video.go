package video

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/clipshelf/clipshelf/internal/auth"
	"github.com/clipshelf/clipshelf/internal/catalog"
	"github.com/clipshelf/clipshelf/internal/embed"
	"github.com/clipshelf/clipshelf/internal/httputil"
	"github.com/clipshelf/clipshelf/internal/metadata"
	"github.com/clipshelf/clipshelf/internal/metrics"
	"github.com/clipshelf/clipshelf/internal/source"
	"github.com/clipshelf/clipshelf/internal/validate"
	"github.com/go-chi/chi/v5"
)

type videoItem struct {
	catalog.Video
	Source          source.Source      `json:"source"`
	EffectiveAspect source.AspectRatio `json:"effectiveAspect"`
	Embed           *embed.Spec        `json:"embed,omitempty"`
}

func (h *Handler) item(v catalog.Video, withEmbed bool) videoItem {
	src := v.Source()
	aspect := source.ResolveAspect(v.AspectRatio, src)
	item := videoItem{Video: v, Source: src, EffectiveAspect: aspect}
	if withEmbed {
		spec := h.selector.Select(src, embed.Context{
			Vertical: aspect == source.AspectVertical,
			Active:   true,
			StartAt:  v.LastTimestamp,
			Native:   true,
		})
		item.Embed = &spec
	}
	return item
}

// classify runs the classifier and counts the result.
func classify(rawURL string) source.Source {
	src := source.Classify(rawURL)
	metrics.Classifications.WithLabelValues(string(src.Kind)).Inc()
	return src
}

type createVideoRequest struct {
	URL         string   `json:"url"`
	Title       *string  `json:"title"`
	Notes       *string  `json:"notes"`
	AspectRatio string   `json:"aspectRatio"`
	TagIDs      []string `json:"tagIds"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req createVideoRequest
	if err := httputil.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validate.VideoURL(req.URL); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validate.AspectRatio(req.AspectRatio); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	title := trimmedOrEmpty(req.Title)
	if msg := validate.Title(title); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	notes := trimmedOrNil(req.Notes)
	if notes != nil {
		if msg := validate.Notes(*notes); msg != "" {
			httputil.WriteError(w, http.StatusBadRequest, msg)
			return
		}
	}
	tagIDs := uniqueIDs(req.TagIDs)
	if msg := checkTagIDs(tagIDs); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	if status, msg := h.verifyTags(r.Context(), userID, tagIDs); status != 0 {
		httputil.WriteError(w, status, msg)
		return
	}

	normalized := source.Normalize(req.URL)
	src := classify(normalized)
	hints := h.fetchHints(r.Context(), normalized)

	if title == "" {
		title = hints.Title
	}
	if title == "" {
		title = src.CanonicalURL
	}
	title = truncate(title, validate.MaxTitleLength)

	aspect := source.AspectRatio(req.AspectRatio)
	if aspect == "" {
		aspect = hints.AspectHint()
	}

	v := catalog.Video{
		URL:         normalized,
		Title:       title,
		AspectRatio: aspect,
		Notes:       notes,
		Duration:    hints.Duration,
		Tags:        []catalog.Tag{},
	}
	v.ThumbnailURL = nilIfEmpty(hints.ThumbnailURL)
	v.AuthorName = nilIfEmpty(hints.AuthorName)

	err := h.db.QueryRow(r.Context(),
		`INSERT INTO videos (user_id, url, title, platform, external_id, subtype,
		                     thumbnail_url, author_name, duration, aspect_ratio, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		userID, v.URL, v.Title, string(src.Kind), nilIfEmpty(src.ExternalID), nilIfEmpty(src.Subtype),
		v.ThumbnailURL, v.AuthorName, nilIfZero(v.Duration), string(v.AspectRatio), v.Notes,
	).Scan(&v.ID)
	if err != nil {
		slog.Error("video: failed to insert", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create video")
		return
	}

	if len(tagIDs) > 0 {
		if status, msg := h.replaceVideoTags(r.Context(), v.ID, tagIDs); status != 0 {
			httputil.WriteError(w, status, msg)
			return
		}
		h.syncAutoAddPlaylists(r.Context(), userID, tagIDs)
		saved, err := h.storeFor(userID).GetVideo(r.Context(), v.ID)
		if err == nil {
			v = saved
		}
	}

	httputil.WriteJSON(w, http.StatusCreated, h.item(v, false))
}

// fetchHints scrapes metadata hints when a fetcher is configured. Failures
// only cost the hints.
func (h *Handler) fetchHints(ctx context.Context, rawURL string) metadata.Hints {
	if h.metadata == nil {
		return metadata.Hints{}
	}
	hints, err := h.metadata.Fetch(ctx, rawURL)
	if err != nil {
		slog.Warn("video: metadata fetch failed", "url", rawURL, "error", err)
		return metadata.Hints{}
	}
	return hints
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	tagID := r.URL.Query().Get("tag")
	if tagID != "" && !validID(tagID) {
		httputil.WriteJSON(w, http.StatusOK, []videoItem{})
		return
	}

	videos, err := h.Store(r).ListVideos(r.Context(), tagID)
	if err != nil {
		slog.Error("video: failed to list", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list videos")
		return
	}

	items := make([]videoItem, 0, len(videos))
	for _, v := range videos {
		items = append(items, h.item(v, false))
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")
	if !validID(videoID) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}

	v, err := h.Store(r).GetVideo(r.Context(), videoID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}
	if err != nil {
		slog.Error("video: failed to get", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get video")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, h.item(v, true))
}

type updateVideoRequest struct {
	URL         *string `json:"url"`
	Title       *string `json:"title"`
	Notes       *string `json:"notes"`
	AspectRatio *string `json:"aspectRatio"`
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	videoID := chi.URLParam(r, "id")
	if !validID(videoID) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}

	var req updateVideoRequest
	if err := httputil.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var set updateBuilder
	if req.URL != nil {
		if msg := validate.VideoURL(*req.URL); msg != "" {
			httputil.WriteError(w, http.StatusBadRequest, msg)
			return
		}
		normalized := source.Normalize(*req.URL)
		src := classify(normalized)
		set.add("url", normalized)
		set.add("platform", string(src.Kind))
		set.add("external_id", nilIfEmpty(src.ExternalID))
		set.add("subtype", nilIfEmpty(src.Subtype))
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			httputil.WriteError(w, http.StatusBadRequest, "title is required")
			return
		}
		if msg := validate.Title(title); msg != "" {
			httputil.WriteError(w, http.StatusBadRequest, msg)
			return
		}
		set.add("title", title)
	}
	if req.Notes != nil {
		notes := trimmedOrNil(req.Notes)
		if notes != nil {
			if msg := validate.Notes(*notes); msg != "" {
				httputil.WriteError(w, http.StatusBadRequest, msg)
				return
			}
		}
		set.add("notes", notes)
	}
	if req.AspectRatio != nil {
		if *req.AspectRatio == "" {
			httputil.WriteError(w, http.StatusBadRequest, "aspect ratio must be one of auto, horizontal, vertical, square")
			return
		}
		if msg := validate.AspectRatio(*req.AspectRatio); msg != "" {
			httputil.WriteError(w, http.StatusBadRequest, msg)
			return
		}
		set.add("aspect_ratio", *req.AspectRatio)
	}
	if set.empty() {
		httputil.WriteError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	set.touch()

	query, args := set.build("videos", videoID, userID)
	tag, err := h.db.Exec(r.Context(), query, args...)
	if err != nil {
		slog.Error("video: failed to update", "video_id", videoID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update video")
		return
	}
	if tag.RowsAffected() == 0 {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	videoID := chi.URLParam(r, "id")
	if !validID(videoID) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}

	var thumbnailKey *string
	err := h.db.QueryRow(r.Context(),
		`DELETE FROM videos WHERE id = $1 AND user_id = $2 RETURNING thumbnail_key`,
		videoID, userID,
	).Scan(&thumbnailKey)
	if err != nil {
		if isNoRows(err) {
			httputil.WriteError(w, http.StatusNotFound, "video not found")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to delete video")
		return
	}

	if thumbnailKey != nil && h.storage != nil {
		key := *thumbnailKey
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := deleteWithRetry(ctx, h.storage, key, 3); err != nil {
				slog.Error("video: failed to delete mirrored thumbnail", "key", key, "error", err)
				metrics.PersistenceFailures.WithLabelValues("thumbnail_delete").Inc()
			}
		}()
	}

	w.WriteHeader(http.StatusNoContent)
}

type progressRequest struct {
	Timestamp float64 `json:"timestamp"`
}

// UpdateProgress is the progress update endpoint used by the single-video
// card.
func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")
	if !validID(videoID) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}

	var req progressRequest
	if err := httputil.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Timestamp < 0 || math.IsNaN(req.Timestamp) || math.IsInf(req.Timestamp, 0) {
		httputil.WriteError(w, http.StatusBadRequest, "timestamp must be a non-negative number")
		return
	}

	saved, err := h.Store(r).SaveProgress(r.Context(), videoID, req.Timestamp)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}
	if err != nil {
		slog.Error("video: failed to save progress", "video_id", videoID, "error", err)
		metrics.ProgressSaves.WithLabelValues(metrics.OutcomeError).Inc()
		httputil.WriteError(w, http.StatusInternalServerError, "failed to save progress")
		return
	}
	if saved {
		metrics.ProgressSaves.WithLabelValues(metrics.OutcomeSaved).Inc()
	} else {
		metrics.ProgressSaves.WithLabelValues(metrics.OutcomeSkipped).Inc()
	}

	w.WriteHeader(http.StatusNoContent)
}

type classifyResponse struct {
	Source          source.Source      `json:"source"`
	EffectiveAspect source.AspectRatio `json:"effectiveAspect"`
	Embed           embed.Spec         `json:"embed"`
}

// Classify exposes the classifier and the default embed for a URL.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if strings.TrimSpace(raw) == "" {
		httputil.WriteError(w, http.StatusBadRequest, "url is required")
		return
	}
	if len(raw) > validate.MaxURLLength {
		httputil.WriteError(w, http.StatusBadRequest, "url is too long")
		return
	}

	src := classify(raw)
	aspect := source.ResolveAspect(source.AspectAuto, src)
	spec := h.selector.Select(src, embed.Context{
		Vertical: aspect == source.AspectVertical,
		Active:   true,
	})

	httputil.WriteJSON(w, http.StatusOK, classifyResponse{
		Source:          src,
		EffectiveAspect: aspect,
		Embed:           spec,
	})
}

func trimmedOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nilIfZero(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
