package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultInstagramOEmbedEndpoint = "https://graph.facebook.com/v19.0/instagram_oembed"

const (
	oEmbedCacheTTL  = 6 * time.Hour
	oEmbedCacheSize = 1024
)

// OEmbedClient fetches ready-made Instagram embed markup so clients can skip
// the script placeholder. It is optional: without a token it is never built.
type OEmbedClient struct {
	endpoint string
	token    string
	http     *http.Client
	cache    *expirable.LRU[string, string]
}

func NewOEmbedClient(token string) *OEmbedClient {
	return &OEmbedClient{
		endpoint: defaultInstagramOEmbedEndpoint,
		token:    token,
		http:     &http.Client{Timeout: 5 * time.Second},
		cache:    expirable.NewLRU[string, string](oEmbedCacheSize, nil, oEmbedCacheTTL),
	}
}

// WithEndpoint overrides the oEmbed endpoint; used by tests.
func (c *OEmbedClient) WithEndpoint(endpoint string) *OEmbedClient {
	c.endpoint = endpoint
	return c
}

type oEmbedResponse struct {
	HTML string `json:"html"`
}

// InstagramHTML returns embed markup for permalink.
func (c *OEmbedClient) InstagramHTML(ctx context.Context, permalink string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("oembed client not configured")
	}
	if cached, ok := c.cache.Get(permalink); ok {
		return cached, nil
	}

	q := url.Values{}
	q.Set("url", permalink)
	q.Set("omitscript", "true")
	q.Set("access_token", c.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build oembed request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch oembed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oembed returned status %d", resp.StatusCode)
	}

	var body oEmbedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode oembed: %w", err)
	}
	markup := strings.TrimSpace(body.HTML)
	if markup == "" {
		return "", fmt.Errorf("oembed returned empty html")
	}

	c.cache.Add(permalink, markup)
	return markup, nil
}
