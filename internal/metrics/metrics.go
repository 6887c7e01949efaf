// Package metrics exposes Prometheus collectors for the reasoning core. The
// runner serves them on an optional /metrics endpoint; everything here is
// package-level so callers never thread a registry around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn pipeline metrics
	TurnsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridmind_turns_total",
			Help: "Total number of turns processed",
		},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridmind_turn_duration_seconds",
			Help:    "Wall time spent inside one engine step",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100µs to ~0.4s
		},
	)

	TurnFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridmind_turn_failures_total",
			Help: "Turns that ended in a fallback or were abandoned",
		},
		[]string{"reason"}, // no_viable_action, malformed, timeout
	)

	PredictionMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridmind_prediction_matches_total",
			Help: "Finalized turns by prediction grade",
		},
		[]string{"match"}, // PERFECT, PARTIAL, NONE, WRONG
	)

	TurnProgress = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridmind_turn_progress_total",
			Help: "Finalized turns by progress classification",
		},
		[]string{"progress"},
	)

	// Knowledge metrics
	RulesProposed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridmind_rules_proposed_total",
			Help: "Hypotheses created from observed patterns",
		},
	)

	RulesReinforced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridmind_rules_reinforced_total",
			Help: "Records that gained confirming evidence",
		},
	)

	RulesContradicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridmind_rules_contradicted_total",
			Help: "Records that took a contradiction penalty",
		},
	)

	RulesPromoted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridmind_rules_promoted_total",
			Help: "Hypotheses promoted to active rules",
		},
	)

	RulesConsolidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridmind_rules_consolidated_total",
			Help: "Rules strengthened by an episode-complete sweep",
		},
	)

	KnowledgeRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridmind_knowledge_records",
			Help: "Current record count by status",
		},
		[]string{"status"}, // hypothesis, active, contradicted
	)

	// Planner metrics
	MentalState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridmind_mental_state",
			Help: "Current planner state (1 on the active state, 0 elsewhere)",
		},
		[]string{"state"},
	)

	MoodConfidence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridmind_mood_confidence",
			Help: "Planner confidence scalar",
		},
	)

	MoodFrustration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridmind_mood_frustration",
			Help: "Planner frustration scalar",
		},
	)

	MoodCuriosity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridmind_mood_curiosity",
			Help: "Planner curiosity scalar",
		},
	)

	SequenceLength = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridmind_sequence_length",
			Help:    "Planned action sequence length",
			Buckets: prometheus.LinearBuckets(1, 1, 5),
		},
	)

	ExperimentalDecisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridmind_experimental_decisions_total",
			Help: "Decisions flagged experimental",
		},
	)

	// Episode metrics
	Episodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridmind_episodes_total",
			Help: "Episode boundaries by terminal game state",
		},
		[]string{"outcome"}, // win, game_over, not_played
	)

	Score = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridmind_score",
			Help: "Most recently observed score",
		},
	)

	// Persistence metrics
	StateSaves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridmind_state_saves_total",
			Help: "Full-state snapshots committed to SQLite",
		},
	)

	StateSaveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridmind_state_save_duration_seconds",
			Help:    "Wall time spent writing one snapshot",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		},
	)

	// Knowledge pack metrics
	PackSeeds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridmind_pack_seeds_total",
			Help: "Seeds applied from knowledge packs",
		},
		[]string{"pack", "result"}, // result: seeded, skipped, invalid
	)

	PackReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridmind_pack_reloads_total",
			Help: "Pack files reloaded by the watcher",
		},
	)
)

// knownStates mirrors the planner's state set so the mental-state gauge
// always exports a full vector.
var knownStates = []string{
	"EXPLORING",
	"PATTERN_SEEKING",
	"HYPOTHESIS_TESTING",
	"OPTIMIZATION",
	"FRUSTRATED",
}

// SetMentalState flips the mental-state gauge vector to the given state.
func SetMentalState(state string) {
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		MentalState.WithLabelValues(s).Set(v)
	}
}

// SetKnowledgeCounts updates the per-status record gauges.
func SetKnowledgeCounts(hypotheses, active, contradicted int) {
	KnowledgeRecords.WithLabelValues("hypothesis").Set(float64(hypotheses))
	KnowledgeRecords.WithLabelValues("active").Set(float64(active))
	KnowledgeRecords.WithLabelValues("contradicted").Set(float64(contradicted))
}
