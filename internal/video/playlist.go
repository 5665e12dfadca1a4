package video

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clipshelf/clipshelf/internal/auth"
	"github.com/clipshelf/clipshelf/internal/catalog"
	"github.com/clipshelf/clipshelf/internal/httputil"
	"github.com/clipshelf/clipshelf/internal/metrics"
	"github.com/clipshelf/clipshelf/internal/playlist"
	"github.com/clipshelf/clipshelf/internal/validate"
	"github.com/go-chi/chi/v5"
)

const maxPlaylistsPerUser = 200

type playlistItem struct {
	catalog.Playlist
	VideoCount int `json:"videoCount"`
}

type playlistDetail struct {
	playlistItem
	Videos []videoItem `json:"videos"`
}

const playlistColumns = `p.id, p.title, p.description, p.auto_add, p.created_at, p.updated_at,
		        ARRAY(SELECT pt.tag_id::text FROM playlist_tags pt WHERE pt.playlist_id = p.id ORDER BY pt.tag_id),
		        ARRAY(SELECT pv.video_id::text FROM playlist_videos pv WHERE pv.playlist_id = p.id ORDER BY pv.position, pv.added_at)`

func scanPlaylist(row scanner) (playlistItem, error) {
	var item playlistItem
	var createdAt, updatedAt time.Time
	if err := row.Scan(&item.ID, &item.Title, &item.Description, &item.AutoAdd, &createdAt, &updatedAt,
		&item.TagIDs, &item.VideoIDs); err != nil {
		return playlistItem{}, err
	}
	if item.TagIDs == nil {
		item.TagIDs = []string{}
	}
	if item.VideoIDs == nil {
		item.VideoIDs = []string{}
	}
	item.VideoCount = len(item.VideoIDs)
	item.CreatedAt = createdAt.Format(time.RFC3339)
	item.UpdatedAt = updatedAt.Format(time.RFC3339)
	return item, nil
}

type createPlaylistRequest struct {
	Title       string   `json:"title"`
	Description *string  `json:"description"`
	TagIDs      []string `json:"tagIds"`
	AutoAdd     bool     `json:"autoAdd"`
}

func (h *Handler) CreatePlaylist(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req createPlaylistRequest
	if err := httputil.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		httputil.WriteError(w, http.StatusBadRequest, "playlist title is required")
		return
	}
	if msg := validate.PlaylistTitle(title); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	description := trimmedOrNil(req.Description)
	if description != nil {
		if msg := validate.PlaylistDescription(*description); msg != "" {
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

	var count int
	if err := h.db.QueryRow(r.Context(),
		`SELECT COUNT(*) FROM playlists WHERE user_id = $1`,
		userID,
	).Scan(&count); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to check playlist limit")
		return
	}
	if count >= maxPlaylistsPerUser {
		httputil.WriteError(w, http.StatusForbidden, "playlist limit reached")
		return
	}

	item := playlistItem{Playlist: catalog.Playlist{
		Title:       title,
		Description: description,
		AutoAdd:     req.AutoAdd,
		TagIDs:      tagIDs,
		VideoIDs:    []string{},
	}}
	var createdAt, updatedAt time.Time
	if err := h.db.QueryRow(r.Context(),
		`INSERT INTO playlists (user_id, title, description, auto_add)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		userID, title, description, req.AutoAdd,
	).Scan(&item.ID, &createdAt, &updatedAt); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create playlist")
		return
	}
	item.CreatedAt = createdAt.Format(time.RFC3339)
	item.UpdatedAt = updatedAt.Format(time.RFC3339)

	if len(tagIDs) > 0 {
		if status, msg := h.replacePlaylistTags(r.Context(), item.ID, tagIDs); status != 0 {
			httputil.WriteError(w, status, msg)
			return
		}
	}

	if req.AutoAdd && len(tagIDs) > 0 {
		store := h.storeFor(userID)
		if _, err := playlist.SyncMembership(r.Context(), store, item.ID); err != nil {
			slog.Error("playlist: initial tag sync failed", "playlist_id", item.ID, "error", err)
			metrics.PersistenceFailures.WithLabelValues("tag_sync").Inc()
		} else if synced, err := h.getPlaylist(r.Context(), userID, item.ID); err == nil {
			item = synced
		}
	}

	httputil.WriteJSON(w, http.StatusCreated, item)
}

func (h *Handler) getPlaylist(ctx context.Context, userID, playlistID string) (playlistItem, error) {
	item, err := scanPlaylist(h.db.QueryRow(ctx,
		`SELECT `+playlistColumns+`
		 FROM playlists p
		 WHERE p.id = $1 AND p.user_id = $2`,
		playlistID, userID,
	))
	if isNoRows(err) {
		return playlistItem{}, ErrNotFound
	}
	return item, err
}

func (h *Handler) ListPlaylists(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	rows, err := h.db.Query(r.Context(),
		`SELECT `+playlistColumns+`
		 FROM playlists p
		 WHERE p.user_id = $1
		 ORDER BY p.created_at`,
		userID,
	)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list playlists")
		return
	}
	defer rows.Close()

	items := make([]playlistItem, 0)
	for rows.Next() {
		item, err := scanPlaylist(rows)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to scan playlist")
			return
		}
		items = append(items, item)
	}

	httputil.WriteJSON(w, http.StatusOK, items)
}

func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	playlistID := chi.URLParam(r, "id")
	if !validID(playlistID) {
		httputil.WriteError(w, http.StatusNotFound, "playlist not found")
		return
	}

	item, err := h.getPlaylist(r.Context(), userID, playlistID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "playlist not found")
		return
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get playlist")
		return
	}

	videos, err := h.storeFor(userID).PlaylistVideos(r.Context(), playlistID)
	if err != nil {
		slog.Error("playlist: failed to load videos", "playlist_id", playlistID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list playlist videos")
		return
	}

	detail := playlistDetail{playlistItem: item, Videos: make([]videoItem, 0, len(videos))}
	detail.VideoIDs = make([]string, 0, len(videos))
	for _, v := range videos {
		detail.Videos = append(detail.Videos, h.item(v, false))
		detail.VideoIDs = append(detail.VideoIDs, v.ID)
	}
	detail.VideoCount = len(videos)

	httputil.WriteJSON(w, http.StatusOK, detail)
}

type updatePlaylistRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	TagIDs      *[]string `json:"tagIds"`
	AutoAdd     *bool     `json:"autoAdd"`
}

func (h *Handler) UpdatePlaylist(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	playlistID := chi.URLParam(r, "id")
	if !validID(playlistID) {
		httputil.WriteError(w, http.StatusNotFound, "playlist not found")
		return
	}

	var req updatePlaylistRequest
	if err := httputil.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == nil && req.Description == nil && req.TagIDs == nil && req.AutoAdd == nil {
		httputil.WriteError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	var set updateBuilder
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			httputil.WriteError(w, http.StatusBadRequest, "playlist title is required")
			return
		}
		if msg := validate.PlaylistTitle(title); msg != "" {
			httputil.WriteError(w, http.StatusBadRequest, msg)
			return
		}
		set.add("title", title)
	}
	if req.Description != nil {
		description := trimmedOrNil(req.Description)
		if description != nil {
			if msg := validate.PlaylistDescription(*description); msg != "" {
				httputil.WriteError(w, http.StatusBadRequest, msg)
				return
			}
		}
		set.add("description", description)
	}
	if req.AutoAdd != nil {
		set.add("auto_add", *req.AutoAdd)
	}
	var tagIDs []string
	if req.TagIDs != nil {
		tagIDs = uniqueIDs(*req.TagIDs)
		if msg := checkTagIDs(tagIDs); msg != "" {
			httputil.WriteError(w, http.StatusBadRequest, msg)
			return
		}
		if status, msg := h.verifyTags(r.Context(), userID, tagIDs); status != 0 {
			httputil.WriteError(w, status, msg)
			return
		}
	}

	store := h.storeFor(userID)
	if !set.empty() {
		set.touch()
		query, args := set.build("playlists", playlistID, userID)
		tag, err := h.db.Exec(r.Context(), query, args...)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to update playlist")
			return
		}
		if tag.RowsAffected() == 0 {
			httputil.WriteError(w, http.StatusNotFound, "playlist not found")
			return
		}
	} else if err := store.ownsPlaylist(r.Context(), playlistID); err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "playlist not found")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to verify playlist ownership")
		return
	}

	if req.TagIDs != nil {
		if status, msg := h.replacePlaylistTags(r.Context(), playlistID, tagIDs); status != 0 {
			httputil.WriteError(w, status, msg)
			return
		}
	}

	if req.TagIDs != nil || (req.AutoAdd != nil && *req.AutoAdd) {
		h.syncIfAutoAdd(r.Context(), store, playlistID)
	}

	w.WriteHeader(http.StatusNoContent)
}

// syncIfAutoAdd runs the tag union for auto-add playlists after their
// tags or flag change.
func (h *Handler) syncIfAutoAdd(ctx context.Context, store *Store, playlistID string) {
	var autoAdd bool
	if err := h.db.QueryRow(ctx,
		`SELECT auto_add FROM playlists WHERE id = $1`,
		playlistID,
	).Scan(&autoAdd); err != nil {
		slog.Error("playlist: failed to read auto-add flag", "playlist_id", playlistID, "error", err)
		return
	}
	if !autoAdd {
		return
	}
	if _, err := playlist.SyncMembership(ctx, store, playlistID); err != nil {
		slog.Error("playlist: tag sync failed", "playlist_id", playlistID, "error", err)
		metrics.PersistenceFailures.WithLabelValues("tag_sync").Inc()
	}
}

func (h *Handler) replacePlaylistTags(ctx context.Context, playlistID string, tagIDs []string) (int, string) {
	if _, err := h.db.Exec(ctx,
		`DELETE FROM playlist_tags WHERE playlist_id = $1`,
		playlistID,
	); err != nil {
		return http.StatusInternalServerError, "failed to update playlist tags"
	}
	if len(tagIDs) > 0 {
		if _, err := h.db.Exec(ctx,
			`INSERT INTO playlist_tags (playlist_id, tag_id)
			 SELECT $1, unnest($2::uuid[])`,
			playlistID, tagIDs,
		); err != nil {
			return http.StatusInternalServerError, "failed to update playlist tags"
		}
	}
	return 0, ""
}

func (h *Handler) DeletePlaylist(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	playlistID := chi.URLParam(r, "id")
	if !validID(playlistID) {
		httputil.WriteError(w, http.StatusNotFound, "playlist not found")
		return
	}

	tag, err := h.db.Exec(r.Context(),
		`DELETE FROM playlists WHERE id = $1 AND user_id = $2`,
		playlistID, userID,
	)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to delete playlist")
		return
	}
	if tag.RowsAffected() == 0 {
		httputil.WriteError(w, http.StatusNotFound, "playlist not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type playlistVideosRequest struct {
	VideoIDs []string `json:"videoIds"`
}

// AddPlaylistVideos appends videos after the current last position. Videos
// already in the playlist keep their place.
func (h *Handler) AddPlaylistVideos(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	playlistID := chi.URLParam(r, "id")
	if !validID(playlistID) {
		httputil.WriteError(w, http.StatusNotFound, "playlist not found")
		return
	}

	var req playlistVideosRequest
	if err := httputil.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	videoIDs := uniqueIDs(req.VideoIDs)
	if len(videoIDs) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "at least 1 video ID is required")
		return
	}
	for _, id := range videoIDs {
		if !validID(id) {
			httputil.WriteError(w, http.StatusNotFound, "one or more videos not found")
			return
		}
	}

	if err := h.storeFor(userID).ownsPlaylist(r.Context(), playlistID); err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "playlist not found")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to verify playlist ownership")
		return
	}

	var owned int
	if err := h.db.QueryRow(r.Context(),
		`SELECT COUNT(*) FROM videos WHERE id = ANY($1) AND user_id = $2`,
		videoIDs, userID,
	).Scan(&owned); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to verify video ownership")
		return
	}
	if owned != len(videoIDs) {
		httputil.WriteError(w, http.StatusNotFound, "one or more videos not found")
		return
	}

	if _, err := h.db.Exec(r.Context(),
		`INSERT INTO playlist_videos (playlist_id, video_id, position)
		 SELECT $1, n.video_id,
		        (SELECT COALESCE(MAX(position), -1) FROM playlist_videos WHERE playlist_id = $1) + n.ord
		 FROM unnest($2::uuid[]) WITH ORDINALITY AS n(video_id, ord)
		 ON CONFLICT (playlist_id, video_id) DO NOTHING`,
		playlistID, videoIDs,
	); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to add videos to playlist")
		return
	}

	if _, err := h.db.Exec(r.Context(),
		`UPDATE playlists SET updated_at = now() WHERE id = $1`,
		playlistID,
	); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update playlist")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RemovePlaylistVideo(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	playlistID := chi.URLParam(r, "id")
	videoID := chi.URLParam(r, "videoId")
	if !validID(playlistID) || !validID(videoID) {
		httputil.WriteError(w, http.StatusNotFound, "video not in playlist")
		return
	}

	tag, err := h.db.Exec(r.Context(),
		`DELETE FROM playlist_videos WHERE playlist_id = $1 AND video_id = $2
		 AND playlist_id IN (SELECT id FROM playlists WHERE id = $1 AND user_id = $3)`,
		playlistID, videoID, userID,
	)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to remove video from playlist")
		return
	}
	if tag.RowsAffected() == 0 {
		httputil.WriteError(w, http.StatusNotFound, "video not in playlist")
		return
	}

	if _, err := h.db.Exec(r.Context(),
		`UPDATE playlists SET updated_at = now() WHERE id = $1`,
		playlistID,
	); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update playlist")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ReorderPlaylistVideos replaces the playlist order with the full ordered id
// list.
func (h *Handler) ReorderPlaylistVideos(w http.ResponseWriter, r *http.Request) {
	playlistID := chi.URLParam(r, "id")
	if !validID(playlistID) {
		httputil.WriteError(w, http.StatusNotFound, "playlist not found")
		return
	}

	var req playlistVideosRequest
	if err := httputil.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(uniqueIDs(req.VideoIDs)) != len(req.VideoIDs) {
		httputil.WriteError(w, http.StatusBadRequest, "video IDs must be unique")
		return
	}
	for _, id := range req.VideoIDs {
		if !validID(id) {
			httputil.WriteError(w, http.StatusBadRequest, "invalid video ID")
			return
		}
	}

	err := h.Store(r).ReorderPlaylist(r.Context(), playlistID, req.VideoIDs)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "playlist not found")
		return
	}
	if err != nil {
		slog.Error("playlist: failed to reorder", "playlist_id", playlistID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to reorder playlist videos")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SyncPlaylist runs the tag union on demand, whatever the auto-add flag.
func (h *Handler) SyncPlaylist(w http.ResponseWriter, r *http.Request) {
	playlistID := chi.URLParam(r, "id")
	if !validID(playlistID) {
		httputil.WriteError(w, http.StatusNotFound, "playlist not found")
		return
	}

	added, err := playlist.SyncMembership(r.Context(), h.Store(r), playlistID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "playlist not found")
		return
	}
	if err != nil {
		slog.Error("playlist: sync failed", "playlist_id", playlistID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to sync playlist")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"added": added})
}
