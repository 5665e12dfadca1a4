// Package progress persists playback position for the generic media path,
// debounced and threshold-gated so near-continuous player callbacks do not
// turn into a write per tick.
package progress

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/clipshelf/clipshelf/internal/metrics"
	"github.com/jonboulle/clockwork"
)

const (
	// DebounceInterval is how long UpdateProgress waits for quiet before saving.
	DebounceInterval = 2 * time.Second
	// SaveThreshold is the minimum distance in seconds from the last saved
	// position for a save to be written.
	SaveThreshold = 5.0

	saveTimeout = 10 * time.Second
)

// Saver is the progress update endpoint.
type Saver interface {
	UpdateProgress(ctx context.Context, videoID string, seconds float64) error
}

// Tracker owns the debounce timer for one mounted video.
type Tracker struct {
	videoID string
	saver   Saver
	clock   clockwork.Clock

	mu        sync.Mutex
	lastSaved float64
	pending   clockwork.Timer
	gen       uint64
	stopped   bool
	inflight  sync.WaitGroup
}

func New(videoID string, initial float64, saver Saver, clk clockwork.Clock) *Tracker {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Tracker{
		videoID:   videoID,
		saver:     saver,
		clock:     clk,
		lastSaved: initial,
	}
}

// UpdateProgress restarts the idle timer; when it elapses the last reported
// position is passed to SaveProgress.
func (t *Tracker) UpdateProgress(seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.pending != nil {
		t.pending.Stop()
	}
	t.gen++
	gen := t.gen
	t.pending = t.clock.AfterFunc(DebounceInterval, func() {
		t.fire(gen, seconds)
	})
}

func (t *Tracker) fire(gen uint64, seconds float64) {
	t.mu.Lock()
	if t.stopped || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.pending = nil
	t.mu.Unlock()

	t.SaveProgress(seconds)
}

// SaveProgress writes seconds if it is at least SaveThreshold away from the
// last saved position. The write happens in the background and failures are
// only logged.
func (t *Tracker) SaveProgress(seconds float64) {
	t.mu.Lock()
	if t.stopped || math.Abs(seconds-t.lastSaved) < SaveThreshold {
		t.mu.Unlock()
		return
	}
	t.lastSaved = seconds
	t.inflight.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()

		if err := t.saver.UpdateProgress(ctx, t.videoID, seconds); err != nil {
			slog.Error("progress: failed to save position", "video_id", t.videoID, "seconds", seconds, "error", err)
			metrics.ProgressSaves.WithLabelValues(metrics.OutcomeError).Inc()
			return
		}
		metrics.ProgressSaves.WithLabelValues(metrics.OutcomeSaved).Inc()
	}()
}

// LastSaved returns the most recently saved position.
func (t *Tracker) LastSaved() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSaved
}

// VideoID returns the id of the tracked video.
func (t *Tracker) VideoID() string {
	return t.videoID
}

// Stop cancels any pending debounce timer and waits for in-flight saves.
// Later calls on the tracker are ignored.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.gen++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.mu.Unlock()

	t.inflight.Wait()
}
