// Package playlist drives a playlist feed: which entry is active, which
// neighbors are pre-mounted, auto-advance on end of playback or by fallback
// timer, and reordering that keeps the same video active.
package playlist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/clipshelf/clipshelf/internal/catalog"
	"github.com/clipshelf/clipshelf/internal/embed"
	"github.com/clipshelf/clipshelf/internal/metrics"
	"github.com/clipshelf/clipshelf/internal/source"
	"github.com/jonboulle/clockwork"
)

var (
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrClosed          = errors.New("sequencer closed")
	ErrUnknownVideo    = errors.New("video not in playlist")
)

type State string

const (
	StateNotStarted State = "not_started"
	StatePlaying    State = "playing"
	StateEnded      State = "ended"
)

const persistTimeout = 10 * time.Second

// FallbackBuffer is added to a known duration before a non-reporting embed
// is assumed finished.
func FallbackBuffer(p source.Platform) time.Duration {
	if p == source.Pinterest {
		return 2 * time.Second
	}
	return 5 * time.Second
}

// Reorderer persists the full ordered id list of a playlist.
type Reorderer interface {
	ReorderPlaylist(ctx context.Context, playlistID string, videoIDs []string) error
}

type Entry struct {
	Video   catalog.Video `json:"video"`
	Source  source.Source `json:"source"`
	Aspect  string        `json:"aspect"`
	Errored bool          `json:"errored"`
}

// Snapshot is the playback session as seen by clients.
type Snapshot struct {
	PlaylistID  string   `json:"playlistId,omitempty"`
	VideoID     string   `json:"videoId"`
	ActiveIndex int      `json:"activeIndex"`
	HasStarted  bool     `json:"hasStarted"`
	HasErrored  bool     `json:"hasErrored"`
	State       State    `json:"state"`
	Order       []string `json:"order"`
}

// Slot is one entry of the rendered feed. Only mounted slots carry an embed.
type Slot struct {
	Index    int         `json:"index"`
	Entry    Entry       `json:"entry"`
	Mounted  bool        `json:"mounted"`
	Active   bool        `json:"active"`
	Autoplay bool        `json:"autoplay"`
	Embed    *embed.Spec `json:"embed,omitempty"`
}

type Config struct {
	PlaylistID string
	Entries    []catalog.Video
	Clock      clockwork.Clock
	Selector   *embed.Selector
	Reorderer  Reorderer

	// Muted starts the active entry muted, for clients that block unmuted
	// autoplay.
	Muted bool
	// InstagramHTML holds pre-fetched embed markup keyed by video id.
	InstagramHTML map[string]string

	// OnChange receives the snapshot and window as of the same mutation.
	OnChange func(Snapshot, []Slot)
	OnMount  func(Entry)
}

type Sequencer struct {
	playlistID    string
	clock         clockwork.Clock
	selector      *embed.Selector
	reorderer     Reorderer
	muted         bool
	instagramHTML map[string]string
	onChange      func(Snapshot, []Slot)
	onMount       func(Entry)

	mu       sync.Mutex
	entries  []Entry
	active   int
	started  bool
	state    State
	closed   bool
	timer    clockwork.Timer
	timerGen uint64
	mounted  map[string]bool

	queue      []func()
	delivering bool

	persistMu  sync.Mutex
	persistSeq uint64
	persistWG  sync.WaitGroup
}

func New(cfg Config) *Sequencer {
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	sel := cfg.Selector
	if sel == nil {
		sel = embed.NewSelector(embed.Options{})
	}

	entries := make([]Entry, 0, len(cfg.Entries))
	for _, v := range cfg.Entries {
		entries = append(entries, Entry{
			Video:  v,
			Source: v.Source(),
			Aspect: string(v.EffectiveAspect()),
		})
	}

	return &Sequencer{
		playlistID:    cfg.PlaylistID,
		clock:         clk,
		selector:      sel,
		reorderer:     cfg.Reorderer,
		muted:         cfg.Muted,
		instagramHTML: cfg.InstagramHTML,
		onChange:      cfg.OnChange,
		onMount:       cfg.OnMount,
		entries:       entries,
		state:         StateNotStarted,
		mounted:       make(map[string]bool),
	}
}

// Mount reports the initial buffering window to OnMount. Later window
// changes are reported as they happen.
func (s *Sequencer) Mount() error {
	return s.commit(func() (bool, error) {
		return false, nil
	})
}

// Start begins playback of the current entry.
func (s *Sequencer) Start() error {
	return s.commit(func() (bool, error) {
		return true, s.selectLocked(s.active)
	})
}

// Select makes entry i active and starts playback.
func (s *Sequencer) Select(i int) error {
	return s.commit(func() (bool, error) {
		if err := s.selectLocked(i); err != nil {
			return false, err
		}
		metrics.FeedAdvances.WithLabelValues(metrics.AdvanceManual).Inc()
		return true, nil
	})
}

// Next selects the following entry; from the last entry it ends the feed.
func (s *Sequencer) Next() error {
	return s.commit(func() (bool, error) {
		if len(s.entries) == 0 {
			return false, ErrIndexOutOfRange
		}
		s.advanceLocked(metrics.AdvanceManual)
		return true, nil
	})
}

func (s *Sequencer) Previous() error {
	return s.commit(func() (bool, error) {
		if err := s.selectLocked(s.active - 1); err != nil {
			return false, err
		}
		metrics.FeedAdvances.WithLabelValues(metrics.AdvanceManual).Inc()
		return true, nil
	})
}

// Skip moves past a broken entry.
func (s *Sequencer) Skip() error {
	return s.Next()
}

// Repeat restarts the feed from the first entry.
func (s *Sequencer) Repeat() error {
	return s.commit(func() (bool, error) {
		return true, s.selectLocked(0)
	})
}

// Ended handles an end-of-playback report. Reports from anything but the
// active entry are ignored.
func (s *Sequencer) Ended(videoID string) error {
	return s.commit(func() (bool, error) {
		if len(s.entries) == 0 || s.entries[s.active].Video.ID != videoID {
			return false, nil
		}
		if s.state == StateEnded {
			return false, nil
		}
		s.advanceLocked(metrics.AdvanceEnded)
		return true, nil
	})
}

// ReportError flags an entry as broken. The feed never advances on its own
// after an error; the client offers a skip.
func (s *Sequencer) ReportError(videoID string) error {
	return s.commit(func() (bool, error) {
		i := s.indexOfLocked(videoID)
		if i < 0 {
			return false, ErrUnknownVideo
		}
		s.entries[i].Errored = true
		if i == s.active {
			s.clearTimerLocked()
		}
		return true, nil
	})
}

// Move relocates the entry at oldIndex to newIndex, keeping the same video
// active. The new order is persisted in the background; a failed write
// leaves the local order in place.
func (s *Sequencer) Move(oldIndex, newIndex int) error {
	var (
		order []string
		seq   uint64
	)
	err := s.commit(func() (bool, error) {
		n := len(s.entries)
		if oldIndex < 0 || oldIndex >= n || newIndex < 0 || newIndex >= n {
			return false, ErrIndexOutOfRange
		}
		if oldIndex == newIndex {
			return false, nil
		}

		moved := s.entries[oldIndex]
		s.entries = append(s.entries[:oldIndex], s.entries[oldIndex+1:]...)
		s.entries = append(s.entries[:newIndex], append([]Entry{moved}, s.entries[newIndex:]...)...)

		prev := s.active
		s.active = translateIndex(s.active, oldIndex, newIndex)
		if s.active != prev {
			s.rearmLocked()
		}

		if s.reorderer != nil {
			order = s.orderLocked()
			s.persistSeq++
			seq = s.persistSeq
			s.persistWG.Add(1)
		}
		return true, nil
	})
	if err != nil || order == nil {
		return err
	}

	go s.persistOrder(seq, order)
	return nil
}

// translateIndex maps an index through a list move so it keeps pointing at
// the same element.
func translateIndex(i, from, to int) int {
	switch {
	case i == from:
		return to
	case from < i && i <= to:
		return i - 1
	case to <= i && i < from:
		return i + 1
	}
	return i
}

// persistOrder writes order unless a newer move has superseded it, so the
// last local order is also the last one written.
func (s *Sequencer) persistOrder(seq uint64, order []string) {
	defer s.persistWG.Done()
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	stale := seq != s.persistSeq
	s.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.reorderer.ReorderPlaylist(ctx, s.playlistID, order); err != nil {
		slog.Error("playlist: failed to persist order", "playlist_id", s.playlistID, "error", err)
		metrics.PersistenceFailures.WithLabelValues("reorder").Inc()
	}
}

// Close cancels the fallback timer and waits for pending order writes.
// Every later call returns ErrClosed.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.clearTimerLocked()
	s.queue = nil
	s.mu.Unlock()

	s.persistWG.Wait()
}

func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Active returns the active entry.
func (s *Sequencer) Active() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[s.active], true
}

// Len returns the number of entries.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Window returns one slot per entry. Entries within one of the active index
// are mounted; only the active one may autoplay.
func (s *Sequencer) Window() []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowLocked()
}

func (s *Sequencer) windowLocked() []Slot {
	slots := make([]Slot, len(s.entries))
	for i, e := range s.entries {
		active := i == s.active
		slot := Slot{
			Index:    i,
			Entry:    e,
			Mounted:  inWindow(i, s.active),
			Active:   active,
			Autoplay: active && s.started,
		}
		if slot.Mounted {
			spec := s.specLocked(i)
			slot.Embed = &spec
		}
		slots[i] = slot
	}
	return slots
}

func inWindow(i, active int) bool {
	d := i - active
	return d >= -1 && d <= 1
}

// commit runs a mutation under the lock and then delivers notifications
// outside it, in mutation order.
func (s *Sequencer) commit(mutate func() (bool, error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	changed, err := mutate()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if changed && s.onChange != nil {
		snap, window := s.snapshotLocked(), s.windowLocked()
		s.queue = append(s.queue, func() { s.onChange(snap, window) })
	}
	for _, e := range s.mountChangesLocked() {
		if s.onMount == nil {
			break
		}
		s.queue = append(s.queue, func() { s.onMount(e) })
	}
	s.mu.Unlock()

	s.drain()
	return nil
}

func (s *Sequencer) drain() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		next()
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

func (s *Sequencer) selectLocked(i int) error {
	if i < 0 || i >= len(s.entries) {
		return ErrIndexOutOfRange
	}
	s.started = true
	s.active = i
	s.entries[i].Errored = false
	s.state = StatePlaying
	s.rearmLocked()
	return nil
}

func (s *Sequencer) advanceLocked(reason string) {
	if s.active >= len(s.entries)-1 {
		if s.started {
			s.state = StateEnded
			s.clearTimerLocked()
		}
		return
	}
	_ = s.selectLocked(s.active + 1)
	metrics.FeedAdvances.WithLabelValues(reason).Inc()
}

func (s *Sequencer) clearTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// rearmLocked replaces the fallback timer for the active entry. Embeds that
// report ended, unknown durations and errored entries get no timer.
func (s *Sequencer) rearmLocked() {
	s.clearTimerLocked()
	if !s.started || s.state != StatePlaying || len(s.entries) == 0 {
		return
	}
	e := s.entries[s.active]
	if e.Errored || e.Video.Duration <= 0 {
		return
	}
	if s.specLocked(s.active).ReportsEnded() {
		return
	}

	wait := time.Duration(e.Video.Duration)*time.Second + FallbackBuffer(e.Source.Kind)
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(wait, func() {
		s.onFallback(gen)
	})
}

func (s *Sequencer) onFallback(gen uint64) {
	_ = s.commit(func() (bool, error) {
		if gen != s.timerGen {
			return false, nil
		}
		s.timer = nil
		s.advanceLocked(metrics.AdvanceTimer)
		return true, nil
	})
}

func (s *Sequencer) specLocked(i int) embed.Spec {
	e := s.entries[i]
	active := i == s.active
	ctx := embed.Context{
		Vertical:      e.Aspect == string(source.AspectVertical),
		Autoplay:      active && s.started,
		Active:        active,
		Muted:         s.muted,
		StartAt:       e.Video.LastTimestamp,
		InstagramHTML: s.instagramHTML[e.Video.ID],
	}
	return s.selector.Select(e.Source, ctx)
}

// mountChangesLocked updates the mounted set and returns custom-embed
// entries that just entered the window.
func (s *Sequencer) mountChangesLocked() []Entry {
	next := make(map[string]bool, 3)
	var fresh []Entry
	for i, e := range s.entries {
		if !inWindow(i, s.active) {
			continue
		}
		next[e.Video.ID] = true
		if s.mounted[e.Video.ID] {
			continue
		}
		if s.specLocked(i).Kind == embed.KindCustom {
			fresh = append(fresh, e)
		}
	}
	s.mounted = next
	return fresh
}

func (s *Sequencer) indexOfLocked(videoID string) int {
	for i, e := range s.entries {
		if e.Video.ID == videoID {
			return i
		}
	}
	return -1
}

func (s *Sequencer) orderLocked() []string {
	ids := make([]string, len(s.entries))
	for i, e := range s.entries {
		ids[i] = e.Video.ID
	}
	return ids
}

func (s *Sequencer) snapshotLocked() Snapshot {
	snap := Snapshot{
		PlaylistID:  s.playlistID,
		ActiveIndex: s.active,
		HasStarted:  s.started,
		State:       s.state,
		Order:       s.orderLocked(),
	}
	if len(s.entries) > 0 {
		snap.VideoID = s.entries[s.active].Video.ID
		snap.HasErrored = s.entries[s.active].Errored
	}
	return snap
}
