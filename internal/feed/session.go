package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/clipshelf/clipshelf/internal/catalog"
	"github.com/clipshelf/clipshelf/internal/embed"
	"github.com/clipshelf/clipshelf/internal/playlist"
	"github.com/clipshelf/clipshelf/internal/progress"
	"github.com/jonboulle/clockwork"
)

var (
	ErrUnknownEvent = errors.New("unknown event type")
	ErrMissingField = errors.New("missing event field")
	ErrNotTracking  = errors.New("video is not tracking progress")
)

const (
	EventStart        = "start"
	EventSelect       = "select"
	EventNext         = "next"
	EventPrevious     = "previous"
	EventSkip         = "skip"
	EventEnded        = "ended"
	EventError        = "error"
	EventRepeat       = "repeat"
	EventProgress     = "progress"
	EventMove         = "move"
	EventScriptLoaded = "script_loaded"
)

// Event is a playback report or user action posted by the client.
type Event struct {
	Type    string   `json:"type"`
	VideoID string   `json:"videoId,omitempty"`
	Index   *int     `json:"index,omitempty"`
	Seconds *float64 `json:"seconds,omitempty"`
	From    *int     `json:"from,omitempty"`
	To      *int     `json:"to,omitempty"`
}

// State is the full session view sent on create, on GET and as SSE state
// events.
type State struct {
	ID       string            `json:"id"`
	Snapshot playlist.Snapshot `json:"snapshot"`
	Window   []playlist.Slot   `json:"window"`
}

// Store is the persistence collaborator a session reads from and writes
// through.
type Store interface {
	progress.Saver
	playlist.Reorderer
	PlaylistVideos(ctx context.Context, playlistID string) ([]catalog.Video, error)
	VideosByID(ctx context.Context, ids []string) ([]catalog.Video, error)
}

// Session is one mounted feed. It owns its sequencer, the progress tracker
// of the active generic entry, and the streams watching it.
type Session struct {
	id     string
	userID string
	store  Store
	clock  clockwork.Clock

	seq       *playlist.Sequencer
	hub       *hub
	host      *scriptHost
	processor *embed.Processor

	mu       sync.Mutex
	tracker  *progress.Tracker
	lastSeen time.Time
	closed   bool
}

type sessionConfig struct {
	id            string
	userID        string
	playlistID    string
	videos        []catalog.Video
	store         Store
	clock         clockwork.Clock
	selector      *embed.Selector
	muted         bool
	instagramHTML map[string]string
}

func newSession(cfg sessionConfig) *Session {
	s := &Session{
		id:       cfg.id,
		userID:   cfg.userID,
		store:    cfg.store,
		clock:    cfg.clock,
		hub:      newHub(),
		lastSeen: cfg.clock.Now(),
	}
	s.host = &scriptHost{hub: s.hub}
	s.processor = embed.NewProcessor(s.host)

	var reorderer playlist.Reorderer
	if cfg.playlistID != "" {
		reorderer = cfg.store
	}
	s.seq = playlist.New(playlist.Config{
		PlaylistID:    cfg.playlistID,
		Entries:       cfg.videos,
		Clock:         cfg.clock,
		Selector:      cfg.selector,
		Reorderer:     reorderer,
		Muted:         cfg.muted,
		InstagramHTML: cfg.instagramHTML,
		OnChange:      s.onChange,
		OnMount:       s.onMount,
	})
	return s
}

func (s *Session) ID() string {
	return s.id
}

// mount reports the initial window and arms the tracker for the first
// entry.
func (s *Session) mount() error {
	if err := s.seq.Mount(); err != nil {
		return err
	}
	s.syncTracker(s.seq.Window())
	return nil
}

// State returns the current snapshot and window.
func (s *Session) State() State {
	return State{ID: s.id, Snapshot: s.seq.Snapshot(), Window: s.seq.Window()}
}

// Apply handles one client event.
func (s *Session) Apply(ctx context.Context, ev Event) error {
	s.touch()

	switch ev.Type {
	case EventStart:
		return s.seq.Start()
	case EventSelect:
		if ev.Index == nil {
			return ErrMissingField
		}
		return s.seq.Select(*ev.Index)
	case EventNext:
		return s.seq.Next()
	case EventPrevious:
		return s.seq.Previous()
	case EventSkip:
		return s.seq.Skip()
	case EventRepeat:
		return s.seq.Repeat()
	case EventEnded:
		if ev.VideoID == "" {
			return ErrMissingField
		}
		return s.seq.Ended(ev.VideoID)
	case EventError:
		if ev.VideoID == "" {
			return ErrMissingField
		}
		return s.seq.ReportError(ev.VideoID)
	case EventMove:
		if ev.From == nil || ev.To == nil {
			return ErrMissingField
		}
		return s.seq.Move(*ev.From, *ev.To)
	case EventProgress:
		if ev.VideoID == "" || ev.Seconds == nil {
			return ErrMissingField
		}
		return s.reportProgress(ev.VideoID, *ev.Seconds)
	case EventScriptLoaded:
		s.host.confirm()
		return s.processor.Ensure(ctx)
	}
	return ErrUnknownEvent
}

func (s *Session) reportProgress(videoID string, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return playlist.ErrClosed
	}
	if s.tracker == nil || s.tracker.VideoID() != videoID {
		return ErrNotTracking
	}
	s.tracker.UpdateProgress(seconds)
	return nil
}

// Subscribe registers an SSE stream. The current state is queued first,
// along with a pending script load the stream would otherwise have missed.
func (s *Session) Subscribe() (<-chan Message, func()) {
	return s.hub.subscribe(func() []Message {
		msgs := []Message{{Event: EventState, Data: s.State()}}
		if s.host.awaitingLoad() {
			msgs = append(msgs, Message{Event: EventDirective, Data: loadScript()})
		}
		return msgs
	})
}

func (s *Session) onChange(snap playlist.Snapshot, window []playlist.Slot) {
	s.syncTracker(window)
	s.hub.publish(Message{Event: EventState, Data: State{ID: s.id, Snapshot: snap, Window: window}})
}

func (s *Session) onMount(playlist.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.processor.Ensure(ctx); err != nil {
		slog.Warn("feed: embed processing failed", "session_id", s.id, "error", err)
	}
}

// syncTracker keeps exactly one tracker, for the active entry, and only
// while that entry plays through the generic media element.
func (s *Session) syncTracker(window []playlist.Slot) {
	var (
		videoID string
		initial float64
	)
	for _, slot := range window {
		if slot.Active && slot.Embed != nil && slot.Embed.Kind == embed.KindGeneric {
			videoID = slot.Entry.Video.ID
			initial = slot.Entry.Video.LastTimestamp
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.tracker != nil && s.tracker.VideoID() == videoID {
		return
	}
	if s.tracker != nil {
		s.tracker.Stop()
		s.tracker = nil
	}
	if videoID != "" {
		s.tracker = progress.New(videoID, initial, s.store, s.clock)
	}
}

func (s *Session) touch() {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// idleSince reports whether the session has seen no events since cutoff
// and has no open streams.
func (s *Session) idleSince(cutoff time.Time) bool {
	if s.hub.count() > 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen.Before(cutoff)
}

// Close stops the sequencer and the tracker, waiting for pending writes,
// and ends every open stream.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tracker := s.tracker
	s.tracker = nil
	s.mu.Unlock()

	s.seq.Close()
	if tracker != nil {
		tracker.Stop()
	}
	s.hub.close()
}
