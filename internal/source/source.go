// Package source classifies user-submitted video links into a normalized
// descriptor the player layer can embed.
package source

import (
	"net/url"
	"regexp"
	"strings"
)

type Platform string

const (
	YouTube       Platform = "youtube"
	YouTubeShorts Platform = "youtube-shorts"
	TikTok        Platform = "tiktok"
	Vimeo         Platform = "vimeo"
	Facebook      Platform = "facebook"
	Instagram     Platform = "instagram"
	Pinterest     Platform = "pinterest"
	Twitch        Platform = "twitch"
	Other         Platform = "other"
)

// Instagram and Twitch subtypes.
const (
	SubtypeReel    = "reel"
	SubtypeTV      = "tv"
	SubtypePost    = "post"
	SubtypeVideo   = "video"
	SubtypeClip    = "clip"
	SubtypeChannel = "channel"
)

// Source is the classification of a raw URL.
type Source struct {
	Kind         Platform `json:"kind"`
	ExternalID   string   `json:"externalId,omitempty"`
	Subtype      string   `json:"subtype,omitempty"`
	CanonicalURL string   `json:"canonicalUrl"`
}

// HasID reports whether an external id was extracted.
func (s Source) HasID() bool {
	return s.ExternalID != ""
}

// rule is one row of the classification table. Rows are checked in order
// and the first host match wins; extract returning false falls through to
// Other.
type rule struct {
	platform Platform
	hosts    []string
	extract  func(u *url.URL) (Source, bool)
}

var rules = []rule{
	{platform: YouTube, hosts: []string{"youtube.com", "youtu.be"}, extract: extractYouTube},
	{platform: TikTok, hosts: []string{"tiktok.com"}, extract: extractTikTok},
	{platform: Vimeo, hosts: []string{"vimeo.com"}, extract: extractVimeo},
	{platform: Facebook, hosts: []string{"facebook.com", "fb.watch"}, extract: extractFacebook},
	{platform: Instagram, hosts: []string{"instagram.com"}, extract: extractInstagram},
	{platform: Pinterest, hosts: []string{"pinterest.com", "pin.it"}, extract: extractPinterest},
	{platform: Twitch, hosts: []string{"twitch.tv"}, extract: extractTwitch},
}

func (r rule) matches(host string) bool {
	for _, h := range r.hosts {
		if strings.Contains(host, h) {
			return true
		}
	}
	return false
}

var schemePrefix = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*://`)

// Normalize trims the input and inserts an https scheme when none is present.
func Normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !schemePrefix.MatchString(trimmed) {
		trimmed = "https://" + trimmed
	}
	return trimmed
}

// Classify maps a raw URL to a Source. It never fails: anything it cannot
// recognize becomes Other with the normalized URL.
func Classify(raw string) Source {
	normalized := Normalize(raw)
	fallback := Source{Kind: Other, CanonicalURL: normalized}
	if normalized == "" {
		return fallback
	}

	u, err := url.Parse(normalized)
	if err != nil || u.Host == "" {
		return fallback
	}
	host := strings.ToLower(u.Hostname())

	for _, r := range rules {
		if !r.matches(host) {
			continue
		}
		src, ok := r.extract(u)
		if !ok {
			return fallback
		}
		src.Kind = platformOr(src.Kind, r.platform)
		if src.CanonicalURL == "" {
			src.CanonicalURL = normalized
		}
		return src
	}
	return fallback
}

func platformOr(p, fallback Platform) Platform {
	if p == "" {
		return fallback
	}
	return p
}

// pathSegments splits the path ignoring empty segments, so trailing slashes
// and doubled slashes do not matter.
func pathSegments(u *url.URL) []string {
	parts := strings.Split(u.Path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// segmentAfter returns the segment immediately following marker.
func segmentAfter(segments []string, marker string) (string, bool) {
	for i, s := range segments {
		if s == marker && i+1 < len(segments) {
			return segments[i+1], true
		}
	}
	return "", false
}

func lastSegment(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// stripAmpersandTail drops anything from the first '&' on, which shows up
// when a query string was glued onto a path without a '?'.
func stripAmpersandTail(id string) string {
	if i := strings.IndexByte(id, '&'); i >= 0 {
		return id[:i]
	}
	return id
}

func extractYouTube(u *url.URL) (Source, bool) {
	host := strings.ToLower(u.Hostname())
	segments := pathSegments(u)
	kind := YouTube

	var id string
	switch {
	case strings.Contains(host, "youtu.be") && len(segments) > 0:
		id = segments[0]
	default:
		if s, ok := segmentAfter(segments, "shorts"); ok {
			id = s
			kind = YouTubeShorts
		} else if s, ok := segmentAfter(segments, "v"); ok {
			id = s
		} else if s, ok := segmentAfter(segments, "embed"); ok {
			id = s
		} else {
			id = u.Query().Get("v")
		}
	}

	id = stripAmpersandTail(id)
	if id == "" {
		return Source{}, false
	}
	return Source{Kind: kind, ExternalID: id}, true
}

var tiktokVideoPath = regexp.MustCompile(`/video/(\d+)`)

func extractTikTok(u *url.URL) (Source, bool) {
	if m := tiktokVideoPath.FindStringSubmatch(u.Path); m != nil {
		return Source{ExternalID: m[1]}, true
	}
	if last := lastSegment(pathSegments(u)); isNumeric(last) {
		return Source{ExternalID: last}, true
	}
	return Source{}, false
}

func extractVimeo(u *url.URL) (Source, bool) {
	segments := pathSegments(u)
	for i, s := range segments {
		if !isNumeric(s) {
			continue
		}
		id := s
		if i+1 < len(segments) && segments[i+1] != "" {
			id += "?h=" + segments[i+1]
		}
		return Source{ExternalID: id}, true
	}
	return Source{}, false
}

func extractFacebook(_ *url.URL) (Source, bool) {
	return Source{}, true
}

func extractInstagram(u *url.URL) (Source, bool) {
	segments := pathSegments(u)
	subtype := SubtypePost
	if len(segments) > 0 {
		switch strings.ToLower(segments[0]) {
		case "reel", "reels":
			subtype = SubtypeReel
		case "tv":
			subtype = SubtypeTV
		}
	}

	permalink := url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	canonical := permalink.String()
	if !strings.HasSuffix(canonical, "/") {
		canonical += "/"
	}
	return Source{ExternalID: lastSegment(segments), Subtype: subtype, CanonicalURL: canonical}, true
}

var pinterestPinPath = regexp.MustCompile(`/pin/(\d+)`)

func extractPinterest(u *url.URL) (Source, bool) {
	if m := pinterestPinPath.FindStringSubmatch(u.Path); m != nil {
		return Source{ExternalID: m[1]}, true
	}
	if last := lastSegment(pathSegments(u)); isNumeric(last) {
		return Source{ExternalID: last}, true
	}
	return Source{}, true
}

func extractTwitch(u *url.URL) (Source, bool) {
	host := strings.ToLower(u.Hostname())
	segments := pathSegments(u)

	switch {
	case strings.Contains(u.Path, "/videos/"):
		id, _ := segmentAfter(segments, "videos")
		return Source{ExternalID: id, Subtype: SubtypeVideo}, true
	case strings.Contains(u.Path, "/clip/") || host == "clips.twitch.tv":
		return Source{ExternalID: lastSegment(segments), Subtype: SubtypeClip}, true
	case len(segments) > 0:
		return Source{ExternalID: segments[0], Subtype: SubtypeChannel}, true
	}
	return Source{}, true
}
