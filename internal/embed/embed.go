// Package embed turns a classified video source into a renderable embed
// descriptor: an iframe, an Instagram placeholder, or a generic media element.
package embed

import (
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"

	"github.com/clipshelf/clipshelf/internal/source"
)

type Kind string

const (
	KindIframe  Kind = "iframe"
	KindCustom  Kind = "custom"
	KindGeneric Kind = "generic"
)

const InstagramScriptURL = "https://www.instagram.com/embed.js"

const defaultParentDomain = "localhost"

// iframeAllow is the permission list granted to every third-party player.
const iframeAllow = "accelerometer; autoplay; clipboard-write; encrypted-media; gyroscope; picture-in-picture; web-share"

// scaleHints enlarge the iframe slightly so the container crops the
// platform's own chrome. Renderers must read Iframe.Scale instead of
// hardcoding these.
var scaleHints = map[source.Platform]float64{
	source.TikTok:        1.02,
	source.YouTube:       1.01,
	source.YouTubeShorts: 1.01,
	source.Facebook:      1.05,
	source.Pinterest:     1.08,
}

// Context is the presentation context an embed is selected for.
type Context struct {
	Vertical bool
	Autoplay bool
	Active   bool
	Muted    bool
	// StartAt is the resume position in seconds; zero means from the start.
	StartAt float64
	// Native prefers the generic media element with per-platform overrides,
	// used by the single-video card where progress is tracked.
	Native bool
	// InstagramHTML is pre-fetched oEmbed markup, if any.
	InstagramHTML string
}

type Iframe struct {
	Src             string  `json:"src"`
	Allow           string  `json:"allow"`
	AllowFullscreen bool    `json:"allowFullscreen"`
	Scale           float64 `json:"scale"`
}

type Custom struct {
	HTML        string `json:"html"`
	Permalink   string `json:"permalink"`
	ScriptURL   string `json:"scriptUrl,omitempty"`
	NeedsScript bool   `json:"needsScript"`
}

type YouTubePlayerVars struct {
	Start    int `json:"start,omitempty"`
	Autoplay int `json:"autoplay"`
}

type TwitchOptions struct {
	Parent []string `json:"parent"`
}

// PlayerConfig carries per-platform overrides for the generic media element.
type PlayerConfig struct {
	YouTube *YouTubePlayerVars `json:"youtube,omitempty"`
	Twitch  *TwitchOptions     `json:"twitch,omitempty"`
}

type Generic struct {
	URL     string        `json:"url"`
	StartAt float64       `json:"startAt,omitempty"`
	Playing bool          `json:"playing"`
	Muted   bool          `json:"muted"`
	Config  *PlayerConfig `json:"config,omitempty"`
}

// Spec is a tagged variant; exactly one of Iframe, Custom or Generic is set,
// matching Kind.
type Spec struct {
	Kind     Kind            `json:"kind"`
	Platform source.Platform `json:"platform"`
	Aspect   string          `json:"aspect"`
	Iframe   *Iframe         `json:"iframe,omitempty"`
	Custom   *Custom         `json:"custom,omitempty"`
	Generic  *Generic        `json:"generic,omitempty"`
}

// ReportsEnded reports whether the player can signal end of playback. Only
// the generic media element can; iframe and script embeds cannot.
func (s Spec) ReportsEnded() bool {
	return s.Kind == KindGeneric
}

type Options struct {
	// ParentDomain is the hostname Twitch requires in its parent allow-list.
	ParentDomain string
}

type Selector struct {
	parent string
}

func NewSelector(opts Options) *Selector {
	parent := strings.TrimSpace(opts.ParentDomain)
	if parent == "" {
		parent = defaultParentDomain
	}
	return &Selector{parent: parent}
}

// ParentDomain returns the Twitch parent hostname in use.
func (s *Selector) ParentDomain() string {
	return s.parent
}

// Select picks the embedding strategy for src. It is a pure function of its
// inputs.
func (s *Selector) Select(src source.Source, ctx Context) Spec {
	aspect := source.AspectHorizontal
	if ctx.Vertical {
		aspect = source.AspectVertical
	}
	spec := s.selectVariant(src, ctx)
	spec.Platform = src.Kind
	spec.Aspect = string(aspect)
	return spec
}

func (s *Selector) selectVariant(src source.Source, ctx Context) Spec {
	autoplay := ctx.Autoplay && ctx.Active

	switch src.Kind {
	case source.YouTube, source.YouTubeShorts:
		if ctx.Native {
			return s.generic(src.CanonicalURL, ctx, &PlayerConfig{
				YouTube: &YouTubePlayerVars{Start: int(ctx.StartAt), Autoplay: boolInt(autoplay)},
			})
		}
		return s.iframe(src.Kind, youTubeURL(src.ExternalID, autoplay, ctx.StartAt, ctx.Muted || !ctx.Active))

	case source.TikTok:
		return s.iframe(src.Kind, fmt.Sprintf(
			"https://www.tiktok.com/player/v1/%s?autoplay=%d&music_info=0&description=0",
			url.PathEscape(src.ExternalID), boolInt(autoplay)))

	case source.Vimeo:
		return s.iframe(src.Kind, vimeoURL(src.ExternalID, autoplay))

	case source.Facebook:
		return s.iframe(src.Kind, fmt.Sprintf(
			"https://www.facebook.com/plugins/video.php?href=%s&autoplay=%t&show_text=false",
			url.QueryEscape(src.CanonicalURL), autoplay))

	case source.Pinterest:
		if !src.HasID() {
			return s.generic(src.CanonicalURL, ctx, nil)
		}
		return s.iframe(src.Kind, "https://assets.pinterest.com/ext/embed.html?id="+url.QueryEscape(src.ExternalID))

	case source.Twitch:
		if !src.HasID() {
			return s.generic(src.CanonicalURL, ctx, nil)
		}
		if ctx.Native {
			return s.generic(src.CanonicalURL, ctx, &PlayerConfig{
				Twitch: &TwitchOptions{Parent: []string{s.parent}},
			})
		}
		return s.iframe(src.Kind, s.twitchURL(src, autoplay))

	case source.Instagram:
		return instagram(src, ctx)
	}

	return s.generic(src.CanonicalURL, ctx, nil)
}

func (s *Selector) iframe(p source.Platform, src string) Spec {
	scale, ok := scaleHints[p]
	if !ok {
		scale = 1
	}
	return Spec{
		Kind: KindIframe,
		Iframe: &Iframe{
			Src:             src,
			Allow:           iframeAllow,
			AllowFullscreen: true,
			Scale:           scale,
		},
	}
}

func (s *Selector) generic(mediaURL string, ctx Context, cfg *PlayerConfig) Spec {
	return Spec{
		Kind: KindGeneric,
		Generic: &Generic{
			URL:     mediaURL,
			StartAt: ctx.StartAt,
			Playing: ctx.Autoplay && ctx.Active,
			Muted:   ctx.Muted || !ctx.Active,
			Config:  cfg,
		},
	}
}

func youTubeURL(id string, autoplay bool, startAt float64, muted bool) string {
	q := url.Values{}
	q.Set("autoplay", strconv.Itoa(boolInt(autoplay)))
	q.Set("enablejsapi", "1")
	if startAt >= 1 {
		q.Set("start", strconv.Itoa(int(startAt)))
	}
	if muted {
		q.Set("mute", "1")
	}
	return "https://www.youtube.com/embed/" + url.PathEscape(id) + "?" + q.Encode()
}

// vimeoURL keeps the share hash the classifier folded into the id as ?h=.
func vimeoURL(id string, autoplay bool) string {
	base := "https://player.vimeo.com/video/" + id
	sep := "?"
	if strings.Contains(id, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sautoplay=%d", base, sep, boolInt(autoplay))
}

// twitchURL disambiguates clip, VOD and channel from the URL itself since
// clip slugs and VOD ids share the ExternalID field.
func (s *Selector) twitchURL(src source.Source, autoplay bool) string {
	canonical := strings.ToLower(src.CanonicalURL)
	id := url.QueryEscape(src.ExternalID)
	parent := url.QueryEscape(s.parent)

	switch {
	case strings.Contains(canonical, "/clip/") || strings.Contains(canonical, "clips.twitch.tv"):
		return fmt.Sprintf("https://clips.twitch.tv/embed?clip=%s&parent=%s&autoplay=%t", id, parent, autoplay)
	case strings.Contains(canonical, "/videos/"):
		return fmt.Sprintf("https://player.twitch.tv/?video=%s&parent=%s&autoplay=%t", id, parent, autoplay)
	default:
		return fmt.Sprintf("https://player.twitch.tv/?channel=%s&parent=%s&autoplay=%t", id, parent, autoplay)
	}
}

func instagram(src source.Source, ctx Context) Spec {
	if ctx.InstagramHTML != "" {
		return Spec{
			Kind: KindCustom,
			Custom: &Custom{
				HTML:      ctx.InstagramHTML,
				Permalink: src.CanonicalURL,
			},
		}
	}
	return Spec{
		Kind: KindCustom,
		Custom: &Custom{
			HTML:        InstagramPlaceholder(src.CanonicalURL),
			Permalink:   src.CanonicalURL,
			ScriptURL:   InstagramScriptURL,
			NeedsScript: true,
		},
	}
}

// InstagramPlaceholder returns the blockquote Instagram's embed.js replaces
// with a player once processed.
func InstagramPlaceholder(permalink string) string {
	p := html.EscapeString(permalink)
	return `<blockquote class="instagram-media" data-instgrm-captioned data-instgrm-permalink="` + p +
		`" data-instgrm-version="14"><a href="` + p + `" target="_blank" rel="noopener">View on Instagram</a></blockquote>`
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// FrameHosts lists every origin Select may point an iframe or script at.
func FrameHosts() []string {
	return []string{
		"https://www.youtube.com",
		"https://www.tiktok.com",
		"https://player.vimeo.com",
		"https://www.facebook.com",
		"https://assets.pinterest.com",
		"https://player.twitch.tv",
		"https://clips.twitch.tv",
		"https://www.instagram.com",
	}
}
