// Package feed hosts playlist feed sessions for HTTP clients: the
// sequencer and progress tracking run server-side, clients post playback
// events and watch state over server-sent events.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clipshelf/clipshelf/internal/catalog"
	"github.com/clipshelf/clipshelf/internal/embed"
	"github.com/clipshelf/clipshelf/internal/metrics"
	"github.com/clipshelf/clipshelf/internal/source"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrSessionNotFound = errors.New("feed session not found")
	ErrTooManySessions = errors.New("too many feed sessions")
)

const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultMaxPerUser  = 10
	oEmbedTimeout      = 5 * time.Second
)

// InstagramFetcher returns ready-made Instagram embed markup.
type InstagramFetcher interface {
	InstagramHTML(ctx context.Context, permalink string) (string, error)
}

type Options struct {
	Clock       clockwork.Clock
	Selector    *embed.Selector
	Instagram   InstagramFetcher
	IdleTimeout time.Duration
	MaxPerUser  int
}

// Manager owns every live session.
type Manager struct {
	clock       clockwork.Clock
	selector    *embed.Selector
	instagram   InstagramFetcher
	idleTimeout time.Duration
	maxPerUser  int

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]int
}

func NewManager(opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	sel := opts.Selector
	if sel == nil {
		sel = embed.NewSelector(embed.Options{})
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	maxPerUser := opts.MaxPerUser
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	return &Manager{
		clock:       clk,
		selector:    sel,
		instagram:   opts.Instagram,
		idleTimeout: idle,
		maxPerUser:  maxPerUser,
		sessions:    make(map[string]*Session),
		pending:     make(map[string]int),
	}
}

// CreateParams describes a new session. Exactly one of PlaylistID and
// VideoIDs is set.
type CreateParams struct {
	UserID     string
	PlaylistID string
	VideoIDs   []string
	Store      Store
	Muted      bool
}

// Create loads the entries, mounts a session and registers it.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, error) {
	if err := m.reserve(p.UserID); err != nil {
		return nil, err
	}
	defer m.release(p.UserID)

	var (
		videos []catalog.Video
		err    error
	)
	if p.PlaylistID != "" {
		videos, err = p.Store.PlaylistVideos(ctx, p.PlaylistID)
	} else {
		videos, err = p.Store.VideosByID(ctx, p.VideoIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("load feed entries: %w", err)
	}

	s := newSession(sessionConfig{
		id:            uuid.NewString(),
		userID:        p.UserID,
		playlistID:    p.PlaylistID,
		videos:        videos,
		store:         p.Store,
		clock:         m.clock,
		selector:      m.selector,
		muted:         p.Muted,
		instagramHTML: m.prefetchInstagram(ctx, videos),
	})
	if err := s.mount(); err != nil {
		s.Close()
		return nil, fmt.Errorf("mount feed: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	metrics.FeedSessionsActive.Inc()

	slog.Info("feed: session created", "session_id", s.id, "entries", len(videos))
	return s, nil
}

// prefetchInstagram collects oEmbed markup for Instagram entries. Entries
// that fail keep the script placeholder.
func (m *Manager) prefetchInstagram(ctx context.Context, videos []catalog.Video) map[string]string {
	if m.instagram == nil {
		return nil
	}
	out := make(map[string]string)
	for _, v := range videos {
		src := v.Source()
		if src.Kind != source.Instagram {
			continue
		}
		fetchCtx, cancel := context.WithTimeout(ctx, oEmbedTimeout)
		html, err := m.instagram.InstagramHTML(fetchCtx, src.CanonicalURL)
		cancel()
		if err != nil {
			slog.Warn("feed: instagram oembed failed", "video_id", v.ID, "error", err)
			continue
		}
		out[v.ID] = html
	}
	return out
}

// Get returns the user's session with the given id.
func (m *Manager) Get(userID, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.userID != userID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove unmounts the user's session.
func (m *Manager) Remove(userID, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.userID != userID {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	s.Close()
	metrics.FeedSessionsActive.Dec()
	return nil
}

// reserve holds one of the user's session slots while a session loads, so
// concurrent creates cannot overshoot the limit.
func (m *Manager) reserve(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.pending[userID]
	for _, s := range m.sessions {
		if s.userID == userID {
			n++
		}
	}
	if n >= m.maxPerUser {
		return ErrTooManySessions
	}
	m.pending[userID]++
	return nil
}

func (m *Manager) release(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[userID]--
	if m.pending[userID] <= 0 {
		delete(m.pending, userID)
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseIdle unmounts sessions without events or open streams for longer
// than the idle timeout and returns how many it closed.
func (m *Manager) CloseIdle() int {
	cutoff := m.clock.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.idleSince(cutoff) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		s.Close()
		metrics.FeedSessionsActive.Dec()
	}
	return len(idle)
}

// CloseAll unmounts every session; used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
		metrics.FeedSessionsActive.Dec()
	}
}

func StartCleanupLoop(ctx context.Context, m *Manager, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("feed: shutting down")
				m.CloseAll()
				return
			case <-ticker.C:
				if n := m.CloseIdle(); n > 0 {
					slog.Info("feed: closed idle sessions", "count", n)
				}
			}
		}
	}()
}
