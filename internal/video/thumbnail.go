package video

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clipshelf/clipshelf/internal/database"
	"github.com/clipshelf/clipshelf/internal/metrics"
	"github.com/clipshelf/clipshelf/internal/outbound"
)

const (
	maxThumbnailBytes = 5 << 20
	maxMirrorAttempts = 3
	mirrorBatchSize   = 20
)

// ThumbnailMirror copies third-party thumbnails into object storage so
// expiring hotlinks do not break the library.
type ThumbnailMirror struct {
	db      database.DBTX
	storage ObjectStorage
	client  *http.Client
}

func NewThumbnailMirror(db database.DBTX, storage ObjectStorage) *ThumbnailMirror {
	return &ThumbnailMirror{
		db:      db,
		storage: storage,
		client:  outbound.NewClient(15 * time.Second),
	}
}

func thumbnailKey(videoID, contentType string) string {
	ext := ".jpg"
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		ext = ".png"
	case strings.HasPrefix(contentType, "image/webp"):
		ext = ".webp"
	case strings.HasPrefix(contentType, "image/gif"):
		ext = ".gif"
	}
	return "thumbnails/" + videoID + ext
}

type pendingThumbnail struct {
	videoID string
	url     string
}

// MirrorPending mirrors one batch of unmirrored thumbnails and returns how
// many were stored. Each video gets a bounded number of attempts.
func (m *ThumbnailMirror) MirrorPending(ctx context.Context) int {
	rows, err := m.db.Query(ctx,
		`SELECT id, thumbnail_url FROM videos
		 WHERE thumbnail_key IS NULL AND thumbnail_url IS NOT NULL
		   AND thumbnail_mirror_attempts < $1
		 ORDER BY created_at
		 LIMIT $2`,
		maxMirrorAttempts, mirrorBatchSize,
	)
	if err != nil {
		slog.Error("thumbnail: failed to query pending thumbnails", "error", err)
		return 0
	}
	var pending []pendingThumbnail
	for rows.Next() {
		var p pendingThumbnail
		if err := rows.Scan(&p.videoID, &p.url); err != nil {
			slog.Error("thumbnail: failed to scan pending thumbnail", "error", err)
			continue
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		slog.Error("thumbnail: row iteration error", "error", err)
	}
	rows.Close()

	mirrored := 0
	for _, p := range pending {
		if err := m.mirror(ctx, p); err != nil {
			slog.Warn("thumbnail: mirror failed", "video_id", p.videoID, "error", err)
			metrics.PersistenceFailures.WithLabelValues("thumbnail_mirror").Inc()
			if _, err := m.db.Exec(ctx,
				`UPDATE videos SET thumbnail_mirror_attempts = thumbnail_mirror_attempts + 1 WHERE id = $1`,
				p.videoID,
			); err != nil {
				slog.Error("thumbnail: failed to record attempt", "video_id", p.videoID, "error", err)
			}
			continue
		}
		mirrored++
	}
	return mirrored
}

func (m *ThumbnailMirror) mirror(ctx context.Context, p pendingThumbnail) error {
	data, contentType, err := m.download(ctx, p.url)
	if err != nil {
		return err
	}
	key := thumbnailKey(p.videoID, contentType)
	if err := m.storage.PutObject(ctx, key, data, contentType); err != nil {
		return fmt.Errorf("upload thumbnail: %w", err)
	}
	if _, err := m.db.Exec(ctx,
		`UPDATE videos SET thumbnail_key = $1, updated_at = now() WHERE id = $2`,
		key, p.videoID,
	); err != nil {
		return fmt.Errorf("store thumbnail key: %w", err)
	}
	return nil
}

func (m *ThumbnailMirror) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build thumbnail request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch thumbnail: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("thumbnail returned status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("thumbnail has content type %q", contentType)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxThumbnailBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read thumbnail: %w", err)
	}
	if len(data) > maxThumbnailBytes {
		return nil, "", fmt.Errorf("thumbnail exceeds %d bytes", maxThumbnailBytes)
	}
	return data, contentType, nil
}

func StartThumbnailMirrorLoop(ctx context.Context, mirror *ThumbnailMirror, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("thumbnail: shutting down")
				return
			case <-ticker.C:
				if n := mirror.MirrorPending(ctx); n > 0 {
					slog.Info("thumbnail: mirrored thumbnails", "count", n)
				}
			}
		}
	}()
}

func deleteWithRetry(ctx context.Context, storage ObjectStorage, key string, maxAttempts int) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = storage.DeleteObject(ctx, key)
		if lastErr == nil {
			return nil
		}
		slog.Warn("thumbnail: delete attempt failed", "attempt", attempt+1, "max_attempts", maxAttempts, "key", key, "error", lastErr)
	}
	return fmt.Errorf("all %d delete attempts failed for %s: %w", maxAttempts, key, lastErr)
}
