// Package metrics provides Prometheus metrics for clipshelf.
// Labels stay low-cardinality: no video, playlist or session ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Classifications counts classified URLs by resolved platform.
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipshelf_classifications_total",
		Help: "Total number of classified video URLs, by platform.",
	}, []string{"platform"})

	// FeedAdvances counts active-entry advances by what caused them.
	FeedAdvances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipshelf_feed_advances_total",
		Help: "Total number of feed advances, by reason (ended, timer, manual).",
	}, []string{"reason"})

	// ProgressSaves counts progress persistence attempts by outcome.
	ProgressSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipshelf_progress_saves_total",
		Help: "Total number of progress saves, by outcome.",
	}, []string{"outcome"})

	// PersistenceFailures counts swallowed background write failures.
	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipshelf_persistence_failures_total",
		Help: "Total number of failed background writes, by operation.",
	}, []string{"op"})

	// FeedSessionsActive tracks mounted feed sessions.
	FeedSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipshelf_feed_sessions_active",
		Help: "Current number of mounted feed sessions.",
	})
)

const (
	AdvanceEnded  = "ended"
	AdvanceTimer  = "timer"
	AdvanceManual = "manual"
)

const (
	OutcomeSaved   = "saved"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)
