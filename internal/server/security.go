package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/clipshelf/clipshelf/internal/embed"
)

type SecurityConfig struct {
	BaseURL         string
	StorageEndpoint string
}

// securityHeaders sets a fixed policy per server. Third-party players are
// allowed only from the hosts the embed selector can produce, and the
// Instagram script is the only foreign script.
func securityHeaders(cfg SecurityConfig) func(http.Handler) http.Handler {
	strictTransport := cfg.BaseURL != "" && hasHTTPS(cfg.BaseURL)

	storageSuffix := ""
	if cfg.StorageEndpoint != "" {
		storageSuffix = " " + cfg.StorageEndpoint
	}
	frameHosts := strings.Join(embed.FrameHosts(), " ")
	scriptHost := strings.TrimSuffix(embed.InstagramScriptURL, "/embed.js")

	csp := fmt.Sprintf(
		"default-src 'self'; img-src 'self' data: https:; media-src 'self' blob: https:; script-src 'self' %s; style-src 'self'; connect-src 'self'%s; frame-src %s; frame-ancestors 'self';",
		scriptHost, storageSuffix, frameHosts,
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "SAMEORIGIN")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			w.Header().Set("Content-Security-Policy", csp)

			if strictTransport {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}

func hasHTTPS(baseURL string) bool {
	return strings.HasPrefix(baseURL, "https://")
}
