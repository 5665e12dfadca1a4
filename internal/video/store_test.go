package video

import (
	"context"
	"errors"
	"testing"

	"github.com/clipshelf/clipshelf/internal/progress"
	"github.com/google/go-cmp/cmp"
	"github.com/pashagolub/pgxmock/v4"
)

func TestStore_UpdateProgress(t *testing.T) {
	mock := newMockPool(t)
	store := NewStore(mock, nil, testUserID)

	mock.ExpectExec(`UPDATE videos SET last_timestamp = \$1`).
		WithArgs(42.5, testVideoID, testUserID, progress.SaveThreshold).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.UpdateProgress(context.Background(), testVideoID, 42.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}

func TestStore_UpdateProgress_NotFound(t *testing.T) {
	mock := newMockPool(t)
	store := NewStore(mock, nil, testUserID)

	mock.ExpectExec(`UPDATE videos SET last_timestamp`).
		WithArgs(10.0, testVideoID, testUserID, progress.SaveThreshold).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM videos WHERE id = \$1 AND user_id = \$2\)`).
		WithArgs(testVideoID, testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.UpdateProgress(context.Background(), testVideoID, 10)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_SaveProgress_SkipsSmallMoves(t *testing.T) {
	mock := newMockPool(t)
	store := NewStore(mock, nil, testUserID)

	mock.ExpectExec(`AND \(last_timestamp IS NULL OR abs\(last_timestamp - \$1\) >= \$4\)`).
		WithArgs(12.0, testVideoID, testUserID, progress.SaveThreshold).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(testVideoID, testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	saved, err := store.SaveProgress(context.Background(), testVideoID, 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved {
		t.Error("expected save to be skipped")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}

func TestStore_ReorderPlaylist(t *testing.T) {
	mock := newMockPool(t)
	store := NewStore(mock, nil, testUserID)
	order := []string{testVideoID2, testVideoID}

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM playlists`).
		WithArgs(testPlaylistID, testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`UPDATE playlist_videos pv\s+SET position = o.ord - 1`).
		WithArgs(testPlaylistID, order).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(`UPDATE playlists SET updated_at = now\(\)`).
		WithArgs(testPlaylistID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.ReorderPlaylist(context.Background(), testPlaylistID, order); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}

func TestStore_ReorderPlaylist_NotOwned(t *testing.T) {
	mock := newMockPool(t)
	store := NewStore(mock, nil, testUserID)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM playlists`).
		WithArgs(testPlaylistID, testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.ReorderPlaylist(context.Background(), testPlaylistID, []string{testVideoID})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}

func TestStore_SyncPlaylistTags(t *testing.T) {
	mock := newMockPool(t)
	store := NewStore(mock, nil, testUserID)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM playlists`).
		WithArgs(testPlaylistID, testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`INSERT INTO playlist_videos \(playlist_id, video_id, position\)`).
		WithArgs(testPlaylistID, testUserID).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec(`UPDATE playlists SET updated_at = now\(\)`).
		WithArgs(testPlaylistID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	added, err := store.SyncPlaylistTags(context.Background(), testPlaylistID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 2 {
		t.Errorf("expected 2 added, got %d", added)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}

func TestStore_SyncPlaylistTags_NothingNewSkipsTouch(t *testing.T) {
	mock := newMockPool(t)
	store := NewStore(mock, nil, testUserID)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM playlists`).
		WithArgs(testPlaylistID, testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`INSERT INTO playlist_videos`).
		WithArgs(testPlaylistID, testUserID).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	added, err := store.SyncPlaylistTags(context.Background(), testPlaylistID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 0 {
		t.Errorf("expected 0 added, got %d", added)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}

func TestStore_VideosByID_KeepsRequestOrder(t *testing.T) {
	mock := newMockPool(t)
	store := NewStore(mock, nil, testUserID)
	ids := []string{testVideoID2, testVideoID}

	rows := pgxmock.NewRows(videoColumnNames)
	videoRow(rows, testVideoID, "https://vimeo.com/1", intPtr(30), nil, nil)
	videoRow(rows, testVideoID2, "https://vimeo.com/2", nil, floatPtr(12.5), nil)
	mock.ExpectQuery(`WHERE v.id = ANY\(\$1\) AND v.user_id = \$2`).
		WithArgs(ids, testUserID).
		WillReturnRows(rows)
	mock.ExpectQuery(`SELECT vt.video_id, t.id, t.name, t.color`).
		WithArgs(ids).
		WillReturnRows(pgxmock.NewRows([]string{"video_id", "id", "name", "color"}).
			AddRow(testVideoID, testTagID, "cooking", (*string)(nil)))

	videos, err := store.VideosByID(context.Background(), ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := []string{videos[0].ID, videos[1].ID}
	if diff := cmp.Diff(ids, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if videos[0].LastTimestamp != 12.5 {
		t.Errorf("expected last timestamp 12.5, got %v", videos[0].LastTimestamp)
	}
	if videos[1].Duration != 30 {
		t.Errorf("expected duration 30, got %d", videos[1].Duration)
	}
	if len(videos[1].Tags) != 1 || videos[1].Tags[0].Name != "cooking" {
		t.Errorf("expected cooking tag on second video, got %+v", videos[1].Tags)
	}
	if len(videos[0].Tags) != 0 {
		t.Errorf("expected no tags on first video, got %+v", videos[0].Tags)
	}
}

func TestStore_VideosByID_MissingVideo(t *testing.T) {
	mock := newMockPool(t)
	store := NewStore(mock, nil, testUserID)
	ids := []string{testVideoID, testVideoID2}

	rows := pgxmock.NewRows(videoColumnNames)
	videoRow(rows, testVideoID, "https://vimeo.com/1", nil, nil, nil)
	mock.ExpectQuery(`WHERE v.id = ANY`).
		WithArgs(ids, testUserID).
		WillReturnRows(rows)

	_, err := store.VideosByID(context.Background(), ids)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_GetVideo_PrefersMirroredThumbnail(t *testing.T) {
	mock := newMockPool(t)
	storage := &mockStorage{downloadURL: "https://storage.example.com/signed"}
	store := NewStore(mock, storage, testUserID)

	rows := pgxmock.NewRows(videoColumnNames)
	videoRow(rows, testVideoID, "https://youtu.be/abc", nil, nil, strPtr("thumbnails/x.jpg"))
	mock.ExpectQuery(`WHERE v.id = \$1 AND v.user_id = \$2`).
		WithArgs(testVideoID, testUserID).
		WillReturnRows(rows)
	expectNoTags(mock)

	v, err := store.GetVideo(context.Background(), testVideoID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.ThumbnailURL == nil || *v.ThumbnailURL != "https://storage.example.com/signed" {
		t.Errorf("expected signed thumbnail, got %v", v.ThumbnailURL)
	}
}

func TestStore_GetVideo_SigningFailureFallsBack(t *testing.T) {
	mock := newMockPool(t)
	storage := &mockStorage{downloadErr: errors.New("presign failed")}
	store := NewStore(mock, storage, testUserID)

	rows := pgxmock.NewRows(videoColumnNames)
	videoRow(rows, testVideoID, "https://youtu.be/abc", nil, nil, strPtr("thumbnails/x.jpg"))
	mock.ExpectQuery(`WHERE v.id = \$1`).
		WithArgs(testVideoID, testUserID).
		WillReturnRows(rows)
	expectNoTags(mock)

	v, err := store.GetVideo(context.Background(), testVideoID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://img.example.com/" + testVideoID[:4] + ".jpg"
	if v.ThumbnailURL == nil || *v.ThumbnailURL != want {
		t.Errorf("expected original thumbnail %q, got %v", want, v.ThumbnailURL)
	}
}
