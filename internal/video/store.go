package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipshelf/clipshelf/internal/catalog"
	"github.com/clipshelf/clipshelf/internal/database"
	"github.com/clipshelf/clipshelf/internal/progress"
	"github.com/clipshelf/clipshelf/internal/source"
	"github.com/jackc/pgx/v5"
)

var ErrNotFound = errors.New("not found")

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

const thumbnailURLExpiry = 1 * time.Hour

// ObjectStorage is the subset of the bucket client used for mirrored
// thumbnails.
type ObjectStorage interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	GenerateDownloadURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

// Store is the persistence collaborator for one user. It saves progress,
// writes playlist order and runs the tag sync for feed sessions, and loads
// the videos they play.
type Store struct {
	db      database.DBTX
	storage ObjectStorage
	userID  string
}

func NewStore(db database.DBTX, storage ObjectStorage, userID string) *Store {
	return &Store{db: db, storage: storage, userID: userID}
}

const videoColumns = `v.id, v.url, v.title, v.thumbnail_url, v.thumbnail_key, v.author_name,
		        v.duration, v.last_timestamp, v.aspect_ratio, v.notes`

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanVideo(ctx context.Context, row scanner) (catalog.Video, error) {
	var v catalog.Video
	var thumbnailKey *string
	var duration *int
	var lastTimestamp *float64
	var aspect string
	if err := row.Scan(&v.ID, &v.URL, &v.Title, &v.ThumbnailURL, &thumbnailKey, &v.AuthorName,
		&duration, &lastTimestamp, &aspect, &v.Notes); err != nil {
		return catalog.Video{}, err
	}
	if duration != nil {
		v.Duration = *duration
	}
	if lastTimestamp != nil {
		v.LastTimestamp = *lastTimestamp
	}
	v.AspectRatio = source.ParseAspectRatio(aspect)
	v.ThumbnailURL = s.thumbnailURL(ctx, v.ThumbnailURL, thumbnailKey)
	v.Tags = []catalog.Tag{}
	return v, nil
}

// thumbnailURL prefers a presigned link to the mirrored copy and falls back
// to the original third-party URL.
func (s *Store) thumbnailURL(ctx context.Context, original, key *string) *string {
	if key == nil || s.storage == nil {
		return original
	}
	signed, err := s.storage.GenerateDownloadURL(ctx, *key, thumbnailURLExpiry)
	if err != nil {
		slog.Warn("video: failed to sign thumbnail url", "key", *key, "error", err)
		return original
	}
	return &signed
}

func (s *Store) collect(ctx context.Context, rows pgx.Rows) ([]catalog.Video, error) {
	defer rows.Close()
	videos := make([]catalog.Video, 0)
	for rows.Next() {
		v, err := s.scanVideo(ctx, rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate videos: %w", err)
	}
	return videos, nil
}

func (s *Store) GetVideo(ctx context.Context, videoID string) (catalog.Video, error) {
	v, err := s.scanVideo(ctx, s.db.QueryRow(ctx,
		`SELECT `+videoColumns+`
		 FROM videos v
		 WHERE v.id = $1 AND v.user_id = $2`,
		videoID, s.userID,
	))
	if isNoRows(err) {
		return catalog.Video{}, ErrNotFound
	}
	if err != nil {
		return catalog.Video{}, fmt.Errorf("get video: %w", err)
	}
	videos := []catalog.Video{v}
	if err := s.attachTags(ctx, videos); err != nil {
		return catalog.Video{}, err
	}
	return videos[0], nil
}

// ListVideos returns the user's videos, newest first. A non-empty tagID
// limits the list to videos carrying that tag.
func (s *Store) ListVideos(ctx context.Context, tagID string) ([]catalog.Video, error) {
	var rows pgx.Rows
	var err error
	if tagID == "" {
		rows, err = s.db.Query(ctx,
			`SELECT `+videoColumns+`
			 FROM videos v
			 WHERE v.user_id = $1
			 ORDER BY v.created_at DESC`,
			s.userID,
		)
	} else {
		rows, err = s.db.Query(ctx,
			`SELECT `+videoColumns+`
			 FROM videos v
			 JOIN video_tags vt ON vt.video_id = v.id AND vt.tag_id = $2
			 WHERE v.user_id = $1
			 ORDER BY v.created_at DESC`,
			s.userID, tagID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	videos, err := s.collect(ctx, rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachTags(ctx, videos); err != nil {
		return nil, err
	}
	return videos, nil
}

// VideosByID loads videos in the order of ids. Any id the user does not own
// fails the whole load with ErrNotFound.
func (s *Store) VideosByID(ctx context.Context, ids []string) ([]catalog.Video, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+videoColumns+`
		 FROM videos v
		 WHERE v.id = ANY($1) AND v.user_id = $2`,
		ids, s.userID,
	)
	if err != nil {
		return nil, fmt.Errorf("load videos: %w", err)
	}
	found, err := s.collect(ctx, rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]catalog.Video, len(found))
	for _, v := range found {
		byID[v.ID] = v
	}
	videos := make([]catalog.Video, 0, len(ids))
	for _, id := range ids {
		v, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("video %s: %w", id, ErrNotFound)
		}
		videos = append(videos, v)
	}
	if err := s.attachTags(ctx, videos); err != nil {
		return nil, err
	}
	return videos, nil
}

// PlaylistVideos loads a playlist's videos in sequence order.
func (s *Store) PlaylistVideos(ctx context.Context, playlistID string) ([]catalog.Video, error) {
	if err := s.ownsPlaylist(ctx, playlistID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+videoColumns+`
		 FROM playlist_videos pv
		 JOIN videos v ON v.id = pv.video_id
		 WHERE pv.playlist_id = $1
		 ORDER BY pv.position, pv.added_at`,
		playlistID,
	)
	if err != nil {
		return nil, fmt.Errorf("list playlist videos: %w", err)
	}
	videos, err := s.collect(ctx, rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachTags(ctx, videos); err != nil {
		return nil, err
	}
	return videos, nil
}

func (s *Store) ownsPlaylist(ctx context.Context, playlistID string) error {
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM playlists WHERE id = $1 AND user_id = $2)`,
		playlistID, s.userID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("verify playlist ownership: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *Store) attachTags(ctx context.Context, videos []catalog.Video) error {
	if len(videos) == 0 {
		return nil
	}
	ids := make([]string, len(videos))
	index := make(map[string]int, len(videos))
	for i, v := range videos {
		ids[i] = v.ID
		index[v.ID] = i
	}

	rows, err := s.db.Query(ctx,
		`SELECT vt.video_id, t.id, t.name, t.color
		 FROM video_tags vt
		 JOIN tags t ON t.id = vt.tag_id
		 WHERE vt.video_id = ANY($1)
		 ORDER BY t.name`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("load video tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var videoID string
		var tag catalog.Tag
		if err := rows.Scan(&videoID, &tag.ID, &tag.Name, &tag.Color); err != nil {
			return fmt.Errorf("scan video tag: %w", err)
		}
		if i, ok := index[videoID]; ok {
			videos[i].Tags = append(videos[i].Tags, tag)
		}
	}
	return rows.Err()
}

// UpdateProgress stores the playback position of a video.
func (s *Store) UpdateProgress(ctx context.Context, videoID string, seconds float64) error {
	_, err := s.SaveProgress(ctx, videoID, seconds)
	return err
}

// SaveProgress writes seconds unless it is within progress.SaveThreshold of
// the stored position. It reports whether a row was written.
func (s *Store) SaveProgress(ctx context.Context, videoID string, seconds float64) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE videos SET last_timestamp = $1, updated_at = now()
		 WHERE id = $2 AND user_id = $3
		   AND (last_timestamp IS NULL OR abs(last_timestamp - $1) >= $4)`,
		seconds, videoID, s.userID, progress.SaveThreshold,
	)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM videos WHERE id = $1 AND user_id = $2)`,
		videoID, s.userID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check video exists: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// ReorderPlaylist rewrites every position from the full ordered id list in
// a single statement. Ids not in the playlist are ignored.
func (s *Store) ReorderPlaylist(ctx context.Context, playlistID string, videoIDs []string) error {
	if err := s.ownsPlaylist(ctx, playlistID); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx,
		`UPDATE playlist_videos pv
		 SET position = o.ord - 1
		 FROM unnest($2::uuid[]) WITH ORDINALITY AS o(video_id, ord)
		 WHERE pv.playlist_id = $1 AND pv.video_id = o.video_id`,
		playlistID, videoIDs,
	); err != nil {
		return fmt.Errorf("reorder playlist: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		`UPDATE playlists SET updated_at = now() WHERE id = $1`,
		playlistID,
	); err != nil {
		return fmt.Errorf("touch playlist: %w", err)
	}
	return nil
}

// SyncPlaylistTags appends every video carrying one of the playlist's tags
// and not yet a member, after the current last position. Existing
// memberships and their order are untouched, so re-running it adds nothing.
func (s *Store) SyncPlaylistTags(ctx context.Context, playlistID string) (int64, error) {
	if err := s.ownsPlaylist(ctx, playlistID); err != nil {
		return 0, err
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO playlist_videos (playlist_id, video_id, position)
		 SELECT $1, c.id,
		        (SELECT COALESCE(MAX(position), -1) FROM playlist_videos WHERE playlist_id = $1)
		          + ROW_NUMBER() OVER (ORDER BY c.created_at, c.id)
		 FROM (
		     SELECT DISTINCT v.id, v.created_at
		     FROM videos v
		     JOIN video_tags vt ON vt.video_id = v.id
		     JOIN playlist_tags pt ON pt.tag_id = vt.tag_id
		     WHERE pt.playlist_id = $1 AND v.user_id = $2
		       AND NOT EXISTS (
		           SELECT 1 FROM playlist_videos x WHERE x.playlist_id = $1 AND x.video_id = v.id)
		 ) c
		 ON CONFLICT (playlist_id, video_id) DO NOTHING`,
		playlistID, s.userID,
	)
	if err != nil {
		return 0, fmt.Errorf("sync playlist tags: %w", err)
	}
	if tag.RowsAffected() > 0 {
		if _, err := s.db.Exec(ctx,
			`UPDATE playlists SET updated_at = now() WHERE id = $1`,
			playlistID,
		); err != nil {
			return tag.RowsAffected(), fmt.Errorf("touch playlist: %w", err)
		}
	}
	return tag.RowsAffected(), nil
}
