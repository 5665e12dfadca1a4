package playlist

import (
	"context"
	"fmt"
	"log/slog"
)

// TagSyncer unions every video carrying one of the playlist's tags into
// its membership. Re-running it must not duplicate memberships.
type TagSyncer interface {
	SyncPlaylistTags(ctx context.Context, playlistID string) (int64, error)
}

// SyncMembership runs the tag union for playlistID and returns how many
// videos were added.
func SyncMembership(ctx context.Context, syncer TagSyncer, playlistID string) (int64, error) {
	added, err := syncer.SyncPlaylistTags(ctx, playlistID)
	if err != nil {
		return 0, fmt.Errorf("sync playlist tags: %w", err)
	}
	if added > 0 {
		slog.Info("playlist: synced tag membership", "playlist_id", playlistID, "added", added)
	}
	return added, nil
}
