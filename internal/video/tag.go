package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/clipshelf/clipshelf/internal/auth"
	"github.com/clipshelf/clipshelf/internal/httputil"
	"github.com/clipshelf/clipshelf/internal/metrics"
	"github.com/clipshelf/clipshelf/internal/playlist"
	"github.com/clipshelf/clipshelf/internal/validate"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type tagItem struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Color      *string `json:"color"`
	VideoCount int64   `json:"videoCount"`
	CreatedAt  string  `json:"createdAt"`
}

const (
	maxTagsPerUser  = 100
	maxTagsPerVideo = 10
)

var colorRegex = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

func (h *Handler) ListTags(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	rows, err := h.db.Query(r.Context(),
		`SELECT t.id, t.name, t.color, t.created_at,
		        (SELECT COUNT(*) FROM video_tags vt WHERE vt.tag_id = t.id) AS video_count
		 FROM tags t
		 WHERE t.user_id = $1
		 ORDER BY t.name`,
		userID,
	)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list tags")
		return
	}
	defer rows.Close()

	items := make([]tagItem, 0)
	for rows.Next() {
		var item tagItem
		var createdAt time.Time
		if err := rows.Scan(&item.ID, &item.Name, &item.Color, &createdAt, &item.VideoCount); err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to scan tag")
			return
		}
		item.CreatedAt = createdAt.Format(time.RFC3339)
		items = append(items, item)
	}

	httputil.WriteJSON(w, http.StatusOK, items)
}

type createTagRequest struct {
	Name  string  `json:"name"`
	Color *string `json:"color"`
}

func (h *Handler) CreateTag(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req createTagRequest
	if err := httputil.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "tag name is required")
		return
	}
	if msg := validate.TagName(name); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Color != nil && !colorRegex.MatchString(*req.Color) {
		httputil.WriteError(w, http.StatusBadRequest, "color must be a valid hex color (e.g. #ff0000)")
		return
	}

	var count int
	if err := h.db.QueryRow(r.Context(),
		`SELECT COUNT(*) FROM tags WHERE user_id = $1`,
		userID,
	).Scan(&count); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to check tag limit")
		return
	}
	if count >= maxTagsPerUser {
		httputil.WriteError(w, http.StatusForbidden, fmt.Sprintf("maximum of %d tags reached", maxTagsPerUser))
		return
	}

	item := tagItem{Name: name, Color: req.Color}
	var createdAt time.Time
	err := h.db.QueryRow(r.Context(),
		`INSERT INTO tags (user_id, name, color)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		userID, name, req.Color,
	).Scan(&item.ID, &createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			httputil.WriteError(w, http.StatusConflict, "a tag with this name already exists")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create tag")
		return
	}
	item.CreatedAt = createdAt.Format(time.RFC3339)

	httputil.WriteJSON(w, http.StatusCreated, item)
}

type updateTagRequest struct {
	Name  *string `json:"name"`
	Color *string `json:"color"`
}

func (h *Handler) UpdateTag(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	tagID := chi.URLParam(r, "id")
	if !validID(tagID) {
		httputil.WriteError(w, http.StatusNotFound, "tag not found")
		return
	}

	var req updateTagRequest
	if err := httputil.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == nil && req.Color == nil {
		httputil.WriteError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	var set updateBuilder
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			httputil.WriteError(w, http.StatusBadRequest, "tag name is required")
			return
		}
		if msg := validate.TagName(trimmed); msg != "" {
			httputil.WriteError(w, http.StatusBadRequest, msg)
			return
		}
		set.add("name", trimmed)
	}
	if req.Color != nil {
		if !colorRegex.MatchString(*req.Color) {
			httputil.WriteError(w, http.StatusBadRequest, "color must be a valid hex color (e.g. #ff0000)")
			return
		}
		set.add("color", *req.Color)
	}

	query, args := set.build("tags", tagID, userID)
	result, err := h.db.Exec(r.Context(), query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			httputil.WriteError(w, http.StatusConflict, "a tag with this name already exists")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update tag")
		return
	}
	if result.RowsAffected() == 0 {
		httputil.WriteError(w, http.StatusNotFound, "tag not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	tagID := chi.URLParam(r, "id")
	if !validID(tagID) {
		httputil.WriteError(w, http.StatusNotFound, "tag not found")
		return
	}

	result, err := h.db.Exec(r.Context(),
		`DELETE FROM tags WHERE id = $1 AND user_id = $2`,
		tagID, userID,
	)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to delete tag")
		return
	}
	if result.RowsAffected() == 0 {
		httputil.WriteError(w, http.StatusNotFound, "tag not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type setVideoTagsRequest struct {
	TagIDs []string `json:"tagIds"`
}

func (h *Handler) SetVideoTags(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	videoID := chi.URLParam(r, "id")
	if !validID(videoID) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}

	var req setVideoTagsRequest
	if err := httputil.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tagIDs := uniqueIDs(req.TagIDs)
	if msg := checkTagIDs(tagIDs); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	var id string
	err := h.db.QueryRow(r.Context(),
		`SELECT id FROM videos WHERE id = $1 AND user_id = $2`,
		videoID, userID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httputil.WriteError(w, http.StatusNotFound, "video not found")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to verify video")
		return
	}

	if status, msg := h.verifyTags(r.Context(), userID, tagIDs); status != 0 {
		httputil.WriteError(w, status, msg)
		return
	}
	if status, msg := h.replaceVideoTags(r.Context(), videoID, tagIDs); status != 0 {
		httputil.WriteError(w, status, msg)
		return
	}
	h.syncAutoAddPlaylists(r.Context(), userID, tagIDs)

	w.WriteHeader(http.StatusNoContent)
}

func checkTagIDs(tagIDs []string) string {
	if len(tagIDs) > maxTagsPerVideo {
		return fmt.Sprintf("maximum %d tags per video", maxTagsPerVideo)
	}
	for _, id := range tagIDs {
		if !validID(id) {
			return "one or more tags not found"
		}
	}
	return ""
}

// verifyTags checks that every id names one of the user's tags. A non-zero
// status is an HTTP error to report.
func (h *Handler) verifyTags(ctx context.Context, userID string, tagIDs []string) (int, string) {
	if len(tagIDs) == 0 {
		return 0, ""
	}
	var count int
	if err := h.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM tags WHERE id = ANY($1) AND user_id = $2`,
		tagIDs, userID,
	).Scan(&count); err != nil {
		return http.StatusInternalServerError, "failed to verify tags"
	}
	if count != len(tagIDs) {
		return http.StatusBadRequest, "one or more tags not found"
	}
	return 0, ""
}

// replaceVideoTags swaps a video's tag set. Callers verify tagIDs first.
func (h *Handler) replaceVideoTags(ctx context.Context, videoID string, tagIDs []string) (int, string) {
	if _, err := h.db.Exec(ctx,
		`DELETE FROM video_tags WHERE video_id = $1`,
		videoID,
	); err != nil {
		return http.StatusInternalServerError, "failed to update video tags"
	}
	if len(tagIDs) > 0 {
		if _, err := h.db.Exec(ctx,
			`INSERT INTO video_tags (video_id, tag_id)
			 SELECT $1, unnest($2::uuid[])`,
			videoID, tagIDs,
		); err != nil {
			return http.StatusInternalServerError, "failed to update video tags"
		}
	}
	return 0, ""
}

// syncAutoAddPlaylists pulls newly tagged videos into every auto-add
// playlist that follows one of tagIDs. Failures are logged and counted; the
// tag change itself already succeeded.
func (h *Handler) syncAutoAddPlaylists(ctx context.Context, userID string, tagIDs []string) {
	if len(tagIDs) == 0 {
		return
	}
	rows, err := h.db.Query(ctx,
		`SELECT DISTINCT p.id
		 FROM playlists p
		 JOIN playlist_tags pt ON pt.playlist_id = p.id
		 WHERE p.user_id = $1 AND p.auto_add AND pt.tag_id = ANY($2)`,
		userID, tagIDs,
	)
	if err != nil {
		slog.Error("video: failed to find auto-add playlists", "error", err)
		metrics.PersistenceFailures.WithLabelValues("tag_sync").Inc()
		return
	}
	var playlistIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			slog.Error("video: failed to scan auto-add playlist", "error", err)
			metrics.PersistenceFailures.WithLabelValues("tag_sync").Inc()
			return
		}
		playlistIDs = append(playlistIDs, id)
	}
	rows.Close()

	store := h.storeFor(userID)
	for _, id := range playlistIDs {
		if _, err := playlist.SyncMembership(ctx, store, id); err != nil {
			slog.Error("video: auto-add sync failed", "playlist_id", id, "error", err)
			metrics.PersistenceFailures.WithLabelValues("tag_sync").Inc()
		}
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
