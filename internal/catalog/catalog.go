// Package catalog holds the saved-video records shared by the store, the
// feed and the sequencer.
package catalog

import (
	"github.com/clipshelf/clipshelf/internal/source"
)

type Tag struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Color *string `json:"color"`
}

// Video is a saved link. Duration and AuthorName are scraped hints and may
// be absent; a zero Duration means unknown.
type Video struct {
	ID            string             `json:"id"`
	URL           string             `json:"url"`
	Title         string             `json:"title"`
	ThumbnailURL  *string            `json:"thumbnailUrl"`
	AuthorName    *string            `json:"authorName"`
	Duration      int                `json:"duration,omitempty"`
	LastTimestamp float64            `json:"lastTimestamp"`
	AspectRatio   source.AspectRatio `json:"aspectRatio"`
	Notes         *string            `json:"notes"`
	Tags          []Tag              `json:"tags"`
}

// Source classifies the video's URL.
func (v Video) Source() source.Source {
	return source.Classify(v.URL)
}

// EffectiveAspect resolves the layout aspect ratio, honoring an explicit
// stored value over the platform heuristic.
func (v Video) EffectiveAspect() source.AspectRatio {
	return source.ResolveAspect(v.AspectRatio, v.Source())
}

type Playlist struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description *string  `json:"description"`
	TagIDs      []string `json:"tagIds"`
	AutoAdd     bool     `json:"autoAdd"`
	VideoIDs    []string `json:"videoIds"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt"`
}
