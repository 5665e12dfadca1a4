package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/clipshelf/clipshelf/internal/database"
	"github.com/clipshelf/clipshelf/internal/embed"
	"github.com/clipshelf/clipshelf/internal/feed"
	"github.com/clipshelf/clipshelf/internal/metadata"
	"github.com/clipshelf/clipshelf/internal/server"
	"github.com/clipshelf/clipshelf/internal/storage"
	"github.com/clipshelf/clipshelf/internal/video"
)

func main() {
	if getEnv("LOG_FORMAT", "text") == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	}

	port := getEnv("PORT", "8080")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, databaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(databaseURL); err != nil {
		log.Fatalf("database migration failed: %v", err)
	}
	log.Println("database migrations applied")

	// Left as a nil interface when no bucket is configured so the video
	// package sees "no storage" rather than a typed nil.
	var objectStorage video.ObjectStorage
	var store *storage.Storage
	if bucket := os.Getenv("S3_BUCKET"); bucket != "" && os.Getenv("S3_ENDPOINT") != "" {
		store, err = storage.New(ctx, storage.Config{
			Endpoint:       os.Getenv("S3_ENDPOINT"),
			PublicEndpoint: os.Getenv("S3_PUBLIC_ENDPOINT"),
			Bucket:         bucket,
			AccessKey:      os.Getenv("S3_ACCESS_KEY"),
			SecretKey:      os.Getenv("S3_SECRET_KEY"),
			Region:         getEnv("S3_REGION", "eu-central-1"),
		})
		if err != nil {
			log.Fatalf("storage initialization failed: %v", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			log.Fatalf("storage bucket check failed: %v", err)
		}
		objectStorage = store
		log.Println("storage bucket ready")
	} else {
		log.Println("no S3 bucket configured, thumbnails are served from their source")
	}

	baseURL := getEnv("BASE_URL", "http://localhost:8080")
	selector := embed.NewSelector(embed.Options{ParentDomain: parentDomain(baseURL)})

	var webFS fs.FS
	if dir := os.Getenv("WEB_DIR"); dir != "" {
		webFS = os.DirFS(dir)
		log.Printf("serving web client from %s", dir)
	} else {
		log.Println("WEB_DIR not set, SPA serving disabled")
	}

	feedOpts := feed.Options{
		Selector:    selector,
		IdleTimeout: getEnvDuration("FEED_IDLE_TIMEOUT", feed.DefaultIdleTimeout),
		MaxPerUser:  int(getEnvInt64("MAX_FEED_SESSIONS_PER_USER", feed.DefaultMaxPerUser)),
	}
	if token := os.Getenv("INSTAGRAM_OEMBED_TOKEN"); token != "" {
		feedOpts.Instagram = embed.NewOEmbedClient(token)
		log.Println("Instagram oEmbed prefetch enabled")
	}
	feeds := feed.NewManager(feedOpts)
	defer feeds.CloseAll()

	cfg := server.Config{
		DB:                db.Pool,
		Pinger:            db,
		Storage:           objectStorage,
		WebFS:             webFS,
		JWTSecret:         jwtSecret,
		BaseURL:           baseURL,
		S3PublicEndpoint:  os.Getenv("S3_PUBLIC_ENDPOINT"),
		Selector:          selector,
		Feeds:             feeds,
		APIRequestsPerMin: int(getEnvInt64("API_REQUESTS_PER_MINUTE", 600)),
	}
	if getEnvBool("METADATA_FETCH_ENABLED", true) {
		cfg.Metadata = metadata.NewFetcher()
	}
	srv := server.New(cfg)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	feed.StartCleanupLoop(workerCtx, feeds, time.Minute)
	if getEnvBool("THUMBNAIL_MIRROR_ENABLED", false) {
		if objectStorage == nil {
			log.Println("THUMBNAIL_MIRROR_ENABLED ignored: no S3 bucket configured")
		} else {
			mirror := video.NewThumbnailMirror(db.Pool, objectStorage)
			video.StartThumbnailMirrorLoop(workerCtx, mirror, 5*time.Minute)
			log.Println("thumbnail mirror enabled")
		}
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("clipshelf listening on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-shutdownCh
	log.Println("shutting down...")

	// Closing sessions first ends open event streams, which Shutdown
	// would otherwise wait on.
	feeds.CloseAll()
	workerCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
	log.Println("shutdown complete")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// parentDomain extracts the hostname Twitch embeds must name as parent.
func parentDomain(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
