package validate

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/clipshelf/clipshelf/internal/source"
)

// Text field length limits shared with clients through FieldLimits.
const (
	MaxURLLength                 = 2048
	MaxTitleLength               = 500
	MaxNotesLength               = 5000
	MaxPlaylistTitleLength       = 200
	MaxPlaylistDescriptionLength = 2000
	MaxTagNameLength             = 50
)

func checkLen(value string, max int, field string) string {
	if len(value) > max {
		return fmt.Sprintf("%s must be %d characters or fewer", field, max)
	}
	return ""
}

func Title(s string) string { return checkLen(s, MaxTitleLength, "title") }
func Notes(s string) string { return checkLen(s, MaxNotesLength, "notes") }
func PlaylistTitle(s string) string {
	return checkLen(s, MaxPlaylistTitleLength, "playlist title")
}
func PlaylistDescription(s string) string {
	return checkLen(s, MaxPlaylistDescriptionLength, "playlist description")
}
func TagName(s string) string { return checkLen(s, MaxTagNameLength, "tag name") }

// VideoURL checks a user-submitted link after scheme normalization. Only
// http and https links with a host are accepted.
func VideoURL(s string) string {
	normalized := source.Normalize(s)
	if normalized == "" {
		return "url is required"
	}
	if msg := checkLen(normalized, MaxURLLength, "url"); msg != "" {
		return msg
	}
	u, err := url.Parse(normalized)
	if err != nil || u.Host == "" {
		return "url is invalid"
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return "url must use http or https"
	}
	return ""
}

// AspectRatio accepts the empty string, meaning unchanged or auto.
func AspectRatio(s string) string {
	if s == "" {
		return ""
	}
	if !source.AspectRatio(s).Valid() {
		return "aspect ratio must be one of auto, horizontal, vertical, square"
	}
	return ""
}

// FieldLimits returns a map of field names to max lengths for the /api/limits endpoint.
func FieldLimits() map[string]int {
	return map[string]int{
		"url":                 MaxURLLength,
		"title":               MaxTitleLength,
		"notes":               MaxNotesLength,
		"playlistTitle":       MaxPlaylistTitleLength,
		"playlistDescription": MaxPlaylistDescriptionLength,
		"tagName":             MaxTagNameLength,
	}
}
