// Package metadata scrapes best-effort hints (title, thumbnail, author,
// duration, dimensions) from a video page's meta tags. Every field is
// optional; pages that block scrapers simply yield empty hints.
package metadata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/clipshelf/clipshelf/internal/outbound"
	"github.com/clipshelf/clipshelf/internal/source"
)

const (
	fetchTimeout = 5 * time.Second
	maxPageBytes = 2 << 20
	userAgent    = "Mozilla/5.0 (compatible; clipshelf/1.0; +https://github.com/clipshelf/clipshelf)"
)

type Hints struct {
	Title        string
	ThumbnailURL string
	AuthorName   string
	Duration     int
	Width        int
	Height       int
}

// AspectHint derives an aspect ratio from the advertised video dimensions.
func (h Hints) AspectHint() source.AspectRatio {
	switch {
	case h.Width <= 0 || h.Height <= 0:
		return source.AspectAuto
	case h.Width == h.Height:
		return source.AspectSquare
	case h.Height > h.Width:
		return source.AspectVertical
	default:
		return source.AspectHorizontal
	}
}

type Fetcher struct {
	client *http.Client
}

func NewFetcher() *Fetcher {
	return &Fetcher{client: outbound.NewClient(fetchTimeout)}
}

// Fetch downloads rawURL and extracts hints from its head.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Hints, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Hints{}, fmt.Errorf("build metadata request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return Hints{}, fmt.Errorf("fetch page: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Hints{}, fmt.Errorf("page returned status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return Hints{}, fmt.Errorf("page is not html: %s", ct)
	}

	return Parse(io.LimitReader(resp.Body, maxPageBytes))
}

// Parse extracts hints from an HTML document.
func Parse(r io.Reader) (Hints, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Hints{}, fmt.Errorf("parse html: %w", err)
	}

	meta := make(map[string]string)
	for _, n := range findElements(doc, "meta") {
		key := getAttr(n, "property")
		if key == "" {
			key = getAttr(n, "name")
		}
		if key == "" {
			key = getAttr(n, "itemprop")
		}
		content := strings.TrimSpace(getAttr(n, "content"))
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" || content == "" {
			continue
		}
		if _, seen := meta[key]; !seen {
			meta[key] = content
		}
	}

	h := Hints{
		Title:        first(meta, "og:title", "twitter:title"),
		ThumbnailURL: first(meta, "og:image:secure_url", "og:image", "twitter:image"),
		AuthorName:   first(meta, "author", "article:author", "og:site_name"),
		Width:        atoi(first(meta, "og:video:width", "twitter:player:width")),
		Height:       atoi(first(meta, "og:video:height", "twitter:player:height")),
	}
	if h.Title == "" {
		if titles := findElements(doc, "title"); len(titles) > 0 {
			h.Title = strings.TrimSpace(textContent(titles[0]))
		}
	}
	if d := first(meta, "video:duration", "og:video:duration"); d != "" {
		h.Duration = atoi(d)
	} else if d := meta["duration"]; d != "" {
		h.Duration = parseISODuration(d)
	}
	return h, nil
}

func first(meta map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := meta[k]; v != "" {
			return v
		}
	}
	return ""
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

var isoDuration = regexp.MustCompile(`^P(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)$`)

// parseISODuration handles the PT#H#M#S form used by itemprop="duration".
func parseISODuration(s string) int {
	m := isoDuration.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return 0
	}
	return atoi(m[1])*3600 + atoi(m[2])*60 + atoi(m[3])
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

func findElements(n *html.Node, tag string) []*html.Node {
	var results []*html.Node
	if n.Type == html.ElementNode && n.Data == tag {
		results = append(results, n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		results = append(results, findElements(c, tag)...)
	}
	return results
}
