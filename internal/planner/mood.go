package planner

import (
	"gridmind/internal/turnlog"
)

// =============================================================================
// MENTAL STATE AND MOOD SCALARS
// =============================================================================

// State is the planner's cognitive stance. It governs how long an action
// sequence may be and how much risk the plan takes.
type State string

const (
	StateExploring         State = "EXPLORING"
	StatePatternSeeking    State = "PATTERN_SEEKING"
	StateHypothesisTesting State = "HYPOTHESIS_TESTING"
	StateOptimization      State = "OPTIMIZATION"
	StateFrustrated        State = "FRUSTRATED"
)

// IsValid reports whether the state is one of the known values.
func (s State) IsValid() bool {
	switch s {
	case StateExploring, StatePatternSeeking, StateHypothesisTesting, StateOptimization, StateFrustrated:
		return true
	}
	return false
}

// Mood update tuning. The scalars move deterministically from the previous
// turn's prediction grade; there is no randomness anywhere in the planner.
const (
	ConfidenceOnPerfect = 0.20
	ConfidenceOnPartial = 0.10
	ConfidenceOnWrong   = -0.10
	FrustrationOnWrong  = 0.15
	FrustrationRecovery = 0.05
	CuriosityOnReuse    = -0.02
	CuriosityOnNovelty  = 0.05

	// Transition thresholds, checked in priority order.
	FrustratedAbove = 0.70
	OptimizeAbove   = 0.80
	ExploreBelow    = 0.30

	// "Moderate" curiosity band for the pattern-seeking transition.
	CuriosityModerateLow  = 0.40
	CuriosityModerateHigh = 0.70

	// Confidence must move more than the dead band against the value three
	// turns back to count as a trend.
	trendDeadBand = 0.02
	trendWindow   = 3

	historyLimit    = 10
	stabilityWindow = 5
)

// Mood is the planner's internal state: the FSM stance plus the three
// scalars that drive its transitions. Serialized as-is for resumption.
type Mood struct {
	State       State   `json:"state"`
	Confidence  float64 `json:"confidence"`
	Frustration float64 `json:"frustration"`
	Curiosity   float64 `json:"curiosity"`
}

// NewMood returns the starting mood: exploring, neutral confidence, no
// accumulated stress, high curiosity.
func NewMood() Mood {
	return Mood{
		State:       StateExploring,
		Confidence:  0.5,
		Frustration: 0.0,
		Curiosity:   0.8,
	}
}

// Valid reports whether the mood round-tripped intact: known state, all
// scalars in range.
func (m Mood) Valid() bool {
	return m.State.IsValid() &&
		m.Confidence >= 0 && m.Confidence <= 1 &&
		m.Frustration >= 0 && m.Frustration <= 1 &&
		m.Curiosity >= 0 && m.Curiosity <= 1
}

// Telemetry is a read-only psychology summary for logs and the state
// command: where the planner has been, which way confidence is moving, and
// how settled the mood scalars are.
type Telemetry struct {
	State           State   `json:"state"`
	StateHistory    []State `json:"state_history"`
	ConfidenceTrend string  `json:"confidence_trend"` // increasing | stable | decreasing
	Stability       float64 `json:"stability"`        // 1 - recent scalar variance
}

// snapshot is one turn's mood reading, kept for trend and stability math.
type snapshot struct {
	state       State
	confidence  float64
	frustration float64
}

// Tracker owns the mood and its recent history. Mutated only by Advance,
// once per turn.
type Tracker struct {
	mood    Mood
	history []snapshot
}

// NewTracker starts a tracker at the initial mood.
func NewTracker() *Tracker {
	return &Tracker{mood: NewMood()}
}

// RestoreTracker resumes from a persisted mood. History does not persist;
// trend and stability rebuild over the next few turns.
func RestoreTracker(m Mood) *Tracker {
	if !m.Valid() {
		return NewTracker()
	}
	return &Tracker{mood: m}
}

// Mood returns the current mood.
func (t *Tracker) Mood() Mood {
	return t.mood
}

// Advance applies one turn's evidence to the mood and transitions the state
// machine. Returns the new mood and the confidence delta this turn applied.
func (t *Tracker) Advance(match turnlog.PredictionMatch, ruleReused bool, newHypotheses int) (Mood, float64) {
	before := t.mood.Confidence

	switch match {
	case turnlog.MatchPerfect:
		t.mood.Confidence += ConfidenceOnPerfect
		t.mood.Frustration -= FrustrationRecovery
	case turnlog.MatchPartial:
		t.mood.Confidence += ConfidenceOnPartial
		t.mood.Frustration -= FrustrationRecovery
	case turnlog.MatchWrong:
		t.mood.Confidence += ConfidenceOnWrong
		t.mood.Frustration += FrustrationOnWrong
	default:
		// NONE or no graded turn yet: scalars hold.
	}
	if ruleReused {
		t.mood.Curiosity += CuriosityOnReuse
	}
	if newHypotheses > 0 {
		t.mood.Curiosity += CuriosityOnNovelty
	}
	t.mood.Confidence = clamp01(t.mood.Confidence)
	t.mood.Frustration = clamp01(t.mood.Frustration)
	t.mood.Curiosity = clamp01(t.mood.Curiosity)

	// The very first turn has no graded evidence to transition on; the
	// initial (or restored) state plans it. A real grade transitions even
	// on the first turn after a restore.
	if len(t.history) > 0 || graded(match) {
		t.mood.State = transition(t.mood, t.mood.Confidence > before)
	}
	t.push()

	return t.mood, t.mood.Confidence - before
}

// graded reports whether the match carries evidence about a prediction.
// NONE covers both pure probes and turns that never graded.
func graded(match turnlog.PredictionMatch) bool {
	switch match {
	case turnlog.MatchPerfect, turnlog.MatchPartial, turnlog.MatchWrong:
		return true
	}
	return false
}

// transition picks the next state. Priority order, first match wins.
func transition(m Mood, confidenceRising bool) State {
	switch {
	case m.Frustration > FrustratedAbove:
		return StateFrustrated
	case m.Confidence > OptimizeAbove:
		return StateOptimization
	case m.Confidence < ExploreBelow:
		return StateExploring
	case m.Curiosity >= CuriosityModerateLow && m.Curiosity <= CuriosityModerateHigh && confidenceRising:
		return StatePatternSeeking
	default:
		return StateHypothesisTesting
	}
}

func (t *Tracker) push() {
	t.history = append(t.history, snapshot{
		state:       t.mood.State,
		confidence:  t.mood.Confidence,
		frustration: t.mood.Frustration,
	})
	if len(t.history) > historyLimit {
		t.history = t.history[len(t.history)-historyLimit:]
	}
}

// Telemetry summarizes the recent mood trajectory.
func (t *Tracker) Telemetry() Telemetry {
	tel := Telemetry{
		State:           t.mood.State,
		ConfidenceTrend: "stable",
		Stability:       1.0,
	}
	for _, s := range t.history {
		tel.StateHistory = append(tel.StateHistory, s.state)
	}

	if len(t.history) >= trendWindow {
		back := t.history[len(t.history)-trendWindow].confidence
		switch {
		case t.mood.Confidence-back > trendDeadBand:
			tel.ConfidenceTrend = "increasing"
		case back-t.mood.Confidence > trendDeadBand:
			tel.ConfidenceTrend = "decreasing"
		}
	}

	if n := len(t.history); n >= 2 {
		window := t.history
		if n > stabilityWindow {
			window = window[n-stabilityWindow:]
		}
		tel.Stability = 1.0 - min1((variance(window, func(s snapshot) float64 { return s.frustration })+
			variance(window, func(s snapshot) float64 { return s.confidence }))/2)
	}
	return tel
}

func variance(window []snapshot, read func(snapshot) float64) float64 {
	if len(window) == 0 {
		return 0
	}
	var mean float64
	for _, s := range window {
		mean += read(s)
	}
	mean /= float64(len(window))

	var sum float64
	for _, s := range window {
		d := read(s) - mean
		sum += d * d
	}
	return sum / float64(len(window))
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
