package source

import (
	"net/url"
	"strings"
)

type AspectRatio string

const (
	AspectAuto       AspectRatio = "auto"
	AspectHorizontal AspectRatio = "horizontal"
	AspectVertical   AspectRatio = "vertical"
	AspectSquare     AspectRatio = "square"
)

// ParseAspectRatio maps stored values to an AspectRatio; unknown or empty
// values become AspectAuto.
func ParseAspectRatio(s string) AspectRatio {
	switch AspectRatio(strings.ToLower(strings.TrimSpace(s))) {
	case AspectHorizontal:
		return AspectHorizontal
	case AspectVertical:
		return AspectVertical
	case AspectSquare:
		return AspectSquare
	default:
		return AspectAuto
	}
}

// Valid reports whether a is one of the known values.
func (a AspectRatio) Valid() bool {
	switch a {
	case AspectAuto, AspectHorizontal, AspectVertical, AspectSquare:
		return true
	}
	return false
}

// ResolveAspect returns the layout aspect ratio for a video. An explicit
// stored value wins; auto is resolved from the platform.
func ResolveAspect(stored AspectRatio, src Source) AspectRatio {
	if stored != "" && stored != AspectAuto {
		return stored
	}
	if IsVerticalSource(src) {
		return AspectVertical
	}
	return AspectHorizontal
}

// IsVerticalSource reports whether the platform or URL shape implies a
// portrait video.
func IsVerticalSource(src Source) bool {
	switch src.Kind {
	case TikTok, YouTubeShorts, Instagram:
		return true
	case Facebook:
		return isFacebookReel(src.CanonicalURL)
	}
	return false
}

var facebookReelMarkers = []string{"/reel/", "/reels/", "/share/r/"}

func isFacebookReel(canonical string) bool {
	for _, m := range facebookReelMarkers {
		if strings.Contains(canonical, m) {
			return true
		}
	}
	if u, err := url.Parse(canonical); err == nil {
		return strings.EqualFold(u.Hostname(), "fb.watch")
	}
	return false
}
