package server

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/clipshelf/clipshelf/internal/auth"
	"github.com/clipshelf/clipshelf/internal/database"
	"github.com/clipshelf/clipshelf/internal/embed"
	"github.com/clipshelf/clipshelf/internal/feed"
	"github.com/clipshelf/clipshelf/internal/httputil"
	"github.com/clipshelf/clipshelf/internal/validate"
	"github.com/clipshelf/clipshelf/internal/video"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	DB                database.DBTX
	Pinger            Pinger
	Storage           video.ObjectStorage
	WebFS             fs.FS
	JWTSecret         string
	BaseURL           string
	S3PublicEndpoint  string
	Selector          *embed.Selector
	Metadata          video.MetadataFetcher
	Feeds             *feed.Manager
	APIRequestsPerMin int
}

type Server struct {
	router       chi.Router
	pinger       Pinger
	selector     *embed.Selector
	authHandler  *auth.Handler
	videoHandler *video.Handler
	feedHandler  *feed.Handler
	apiLimit     int
	webFS        fs.FS
}

const defaultAPIRequestsPerMin = 600

func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(SecurityConfig{
		BaseURL:         cfg.BaseURL,
		StorageEndpoint: cfg.S3PublicEndpoint,
	}))

	selector := cfg.Selector
	if selector == nil {
		selector = embed.NewSelector(embed.Options{})
	}
	apiLimit := cfg.APIRequestsPerMin
	if apiLimit <= 0 {
		apiLimit = defaultAPIRequestsPerMin
	}

	s := &Server{router: r, pinger: cfg.Pinger, selector: selector, apiLimit: apiLimit, webFS: cfg.WebFS}

	if cfg.DB != nil {
		if cfg.JWTSecret == "" {
			log.Fatal("JWT_SECRET is required; set the environment variable")
		}
		s.authHandler = auth.NewHandler(cfg.DB, cfg.JWTSecret)
		s.videoHandler = video.NewHandler(cfg.DB, cfg.Storage, selector)
		if cfg.Metadata != nil {
			s.videoHandler.SetMetadataFetcher(cfg.Metadata)
		}

		feeds := cfg.Feeds
		if feeds == nil {
			feeds = feed.NewManager(feed.Options{Selector: selector})
		}
		db, storage := cfg.DB, cfg.Storage
		s.feedHandler = feed.NewHandler(feeds, func(userID string) feed.Store {
			return video.NewStore(db, storage, userID)
		})
	}

	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/limits", s.handleLimits)
	s.router.Handle("/metrics", promhttp.Handler())

	classifyLimiter := rateLimit(60, time.Minute)
	classify := video.NewHandler(nil, nil, s.selector)
	s.router.With(classifyLimiter).Get("/api/classify", classify.Classify)

	if s.videoHandler != nil {
		apiLimiter := rateLimit(s.apiLimit, time.Minute)

		s.router.Route("/api/videos", func(r chi.Router) {
			r.Use(apiLimiter)
			r.Use(s.authHandler.Middleware)
			r.Post("/", s.videoHandler.Create)
			r.Get("/", s.videoHandler.List)
			r.Get("/{id}", s.videoHandler.Get)
			r.Patch("/{id}", s.videoHandler.Update)
			r.Delete("/{id}", s.videoHandler.Delete)
			r.Patch("/{id}/progress", s.videoHandler.UpdateProgress)
			r.Put("/{id}/tags", s.videoHandler.SetVideoTags)
		})

		s.router.Route("/api/tags", func(r chi.Router) {
			r.Use(apiLimiter)
			r.Use(s.authHandler.Middleware)
			r.Get("/", s.videoHandler.ListTags)
			r.Post("/", s.videoHandler.CreateTag)
			r.Patch("/{id}", s.videoHandler.UpdateTag)
			r.Delete("/{id}", s.videoHandler.DeleteTag)
		})

		s.router.Route("/api/playlists", func(r chi.Router) {
			r.Use(apiLimiter)
			r.Use(s.authHandler.Middleware)
			r.Post("/", s.videoHandler.CreatePlaylist)
			r.Get("/", s.videoHandler.ListPlaylists)
			r.Get("/{id}", s.videoHandler.GetPlaylist)
			r.Patch("/{id}", s.videoHandler.UpdatePlaylist)
			r.Delete("/{id}", s.videoHandler.DeletePlaylist)
			r.Post("/{id}/videos", s.videoHandler.AddPlaylistVideos)
			r.Delete("/{id}/videos/{videoId}", s.videoHandler.RemovePlaylistVideo)
			r.Put("/{id}/order", s.videoHandler.ReorderPlaylistVideos)
			r.Post("/{id}/sync", s.videoHandler.SyncPlaylist)
		})

		s.router.Route("/api/feeds", func(r chi.Router) {
			r.Use(apiLimiter)
			r.Use(s.authHandler.Middleware)
			r.Post("/", s.feedHandler.Create)
			r.Get("/{id}", s.feedHandler.Get)
			r.Post("/{id}/events", s.feedHandler.PostEvent)
			r.Get("/{id}/stream", s.feedHandler.Stream)
			r.Delete("/{id}", s.feedHandler.Delete)
		})
	}

	if s.webFS != nil {
		spa := newSPAFileServer(s.webFS)
		s.router.NotFound(spa.ServeHTTP)
	}
}

func rateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "10")
			httputil.WriteError(w, http.StatusTooManyRequests, "too many requests")
		}),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"database unreachable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, validate.FieldLimits())
}
