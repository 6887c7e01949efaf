// Package planner converts the current rule table and an internal mood state
// machine into a bounded action sequence with an explicit prediction. The
// planner is fully deterministic: identical inputs and mood history always
// produce the identical plan.
package planner

import (
	"fmt"
	"strings"

	"gridmind/internal/knowledge"
	"gridmind/internal/logging"
	"gridmind/internal/percept"
	"gridmind/internal/turnlog"
)

// Input is the read-only snapshot a single planning call consumes. Records
// are copies; the planner keeps ids, never the records themselves.
type Input struct {
	Turn          int
	Match         turnlog.PredictionMatch // grade of the previous decision
	RuleReused    bool                    // last frame reinforced a promoted rule
	NewHypotheses int                     // hypotheses proposed off the last frame
	ActiveRules   []knowledge.Record      // strongest first
	Hypotheses    []knowledge.Record      // most starved first
	ValidClicks   []percept.Point         // currently valid click targets
	RecentKinds   []percept.ActionKind    // kinds used in the last turns, newest first
	Warnings      []string                // recalled failure warnings
}

// Plan is one turn's planning result: the outward decision, the structured
// prediction for grading next turn, and the mood after this turn's update.
type Plan struct {
	Decision   percept.Decision
	Predicted  turnlog.Prediction
	Mood       Mood
	BackingIDs []string
}

// Planner owns the mood tracker across turns. Everything else arrives fresh
// in each Input.
type Planner struct {
	tracker *Tracker
}

// New creates a planner at the initial mood.
func New() *Planner {
	return &Planner{tracker: NewTracker()}
}

// Restore resumes a planner from a persisted mood.
func Restore(m Mood) *Planner {
	return &Planner{tracker: RestoreTracker(m)}
}

// Mood returns the current mood. This is the persistence surface.
func (p *Planner) Mood() Mood {
	return p.tracker.Mood()
}

// Telemetry returns the psychology summary of recent turns.
func (p *Planner) Telemetry() Telemetry {
	return p.tracker.Telemetry()
}

// Plan advances the mood off the previous turn's grade, transitions the
// state machine, and builds the action sequence the new state calls for.
// On ErrNoViableAction the mood update stands, the returned Plan still
// carries the updated Mood and confidence adjustment, and the caller must
// emit its own single safe fallback.
func (p *Planner) Plan(in Input) (Plan, error) {
	mood, delta := p.tracker.Advance(in.Match, in.RuleReused, in.NewHypotheses)

	seq, predicted, backing, reason, err := p.build(mood.State, in)
	if err != nil {
		logging.Planner("Plan: turn %d state=%s no viable action (%v)", in.Turn, mood.State, err)
		return Plan{Mood: mood, Decision: percept.Decision{ConfidenceAdjustment: delta}}, err
	}

	if verr := ValidateSequence(seq, mood.State, in.ValidClicks); verr != nil {
		// Retry once with a forced single-action fallback before giving up.
		seq = seq[:1]
		if verr = ValidateSequence(seq, mood.State, in.ValidClicks); verr != nil {
			logging.Planner("Plan: turn %d state=%s sequence rejected (%v)", in.Turn, mood.State, verr)
			return Plan{Mood: mood, Decision: percept.Decision{ConfidenceAdjustment: delta}}, fmt.Errorf("%w: %v", ErrNoViableAction, verr)
		}
	}

	if len(in.Warnings) > 0 {
		reason += " (recalling: " + in.Warnings[0] + ")"
	}

	confidence := mood.Confidence
	for i, rec := range backing {
		if i == 0 || rec.Confidence > confidence {
			confidence = rec.Confidence
		}
	}

	// A plan is experimental unless it purely exploits promoted rules.
	experimental := mood.State == StateExploring || mood.State == StateFrustrated || len(backing) == 0
	for _, rec := range backing {
		if rec.Status == knowledge.StatusHypothesis {
			experimental = true
		}
	}

	plan := Plan{
		Decision: percept.Decision{
			ActionSequence:       seq,
			Reasoning:            fmt.Sprintf("%s: %s", mood.State, reason),
			ExpectedOutcome:      predicted.Description,
			Confidence:           confidence,
			ConfidenceAdjustment: delta,
			Experimental:         experimental,
		},
		Predicted: predicted,
		Mood:      mood,
	}
	for _, rec := range backing {
		plan.BackingIDs = append(plan.BackingIDs, rec.ID)
	}

	logging.Planner("Plan: turn %d state=%s seq=%s confidence=%.2f experimental=%v",
		in.Turn, mood.State, seq, confidence, plan.Decision.Experimental)
	return plan, nil
}

// build dispatches to the state's planning strategy.
func (p *Planner) build(state State, in Input) (percept.ActionSequence, turnlog.Prediction, []knowledge.Record, string, error) {
	switch state {
	case StateFrustrated:
		return planFrustrated(in)
	case StateOptimization:
		return planOptimization(in)
	case StatePatternSeeking:
		return planPatternSeeking(in)
	case StateHypothesisTesting:
		return planHypothesisTesting(in)
	default:
		return planExploring(in)
	}
}

// =============================================================================
// PER-STATE STRATEGIES
// =============================================================================

// planExploring probes the least-recently-exercised plain actions. Pure
// probes carry no expectations, so they grade as NONE rather than WRONG.
func planExploring(in Input) (percept.ActionSequence, turnlog.Prediction, []knowledge.Record, string, error) {
	ordered := freshnessOrdered(percept.MoveActions(), in.RecentKinds)

	seq := percept.ActionSequence{percept.Move(ordered[0])}
	if len(ordered) > 1 {
		seq = append(seq, percept.Move(ordered[1]))
	}
	predicted := turnlog.Prediction{
		Description: fmt.Sprintf("probing %s to surface new patterns", seq),
	}
	return seq, predicted, nil, fmt.Sprintf("probing unexercised actions %s", seq), nil
}

// planFrustrated breaks a losing streak with a single action, avoiding
// anything used in the recent turns whenever an alternative exists.
func planFrustrated(in Input) (percept.ActionSequence, turnlog.Prediction, []knowledge.Record, string, error) {
	ordered := freshnessOrdered(percept.MoveActions(), in.RecentKinds)

	recent := make(map[percept.ActionKind]bool, len(in.RecentKinds))
	for _, k := range in.RecentKinds {
		recent[k] = true
	}
	pick := ordered[0]
	for _, k := range ordered {
		if !recent[k] {
			pick = k
			break
		}
	}

	seq := percept.ActionSequence{percept.Move(pick)}
	predicted := turnlog.Prediction{
		Description: fmt.Sprintf("breaking the pattern with %s", pick),
	}
	return seq, predicted, nil, fmt.Sprintf("stuck; forcing a single untried action %s", pick), nil
}

// planHypothesisTesting targets the most evidence-starved hypothesis with a
// single clean probe so the outcome attributes unambiguously.
func planHypothesisTesting(in Input) (percept.ActionSequence, turnlog.Prediction, []knowledge.Record, string, error) {
	for _, h := range in.Hypotheses {
		var seq percept.ActionSequence
		switch {
		case h.Condition.Action == percept.ActionClick && len(in.ValidClicks) > 0:
			target := in.ValidClicks[0]
			seq = percept.ActionSequence{percept.Click(target.X, target.Y)}
		case h.Condition.Action == percept.ActionClick:
			continue // all click targets stale; try the next hypothesis
		default:
			seq = percept.ActionSequence{percept.Move(h.Condition.Action)}
		}

		predicted := turnlog.Prediction{
			Description: "testing: " + h.Statement,
			Expected:    expectationsFor([]knowledge.Record{h}),
		}
		backing := []knowledge.Record{h}
		return seq, predicted, backing, fmt.Sprintf("testing starved hypothesis %q (evidence=%d)", h.Statement, h.EvidenceCount), nil
	}
	return nil, turnlog.Prediction{}, nil, "", fmt.Errorf("%w: no testable hypothesis", ErrNoViableAction)
}

// planPatternSeeking interleaves the strongest rule with the most starved
// hypothesis so one sequence both confirms and extends the pattern.
func planPatternSeeking(in Input) (percept.ActionSequence, turnlog.Prediction, []knowledge.Record, string, error) {
	policy := policyFor(StatePatternSeeking)

	var kinds []percept.ActionKind
	var backing []knowledge.Record
	add := func(rec knowledge.Record) {
		if rec.Condition.Action == percept.ActionClick || len(kinds) >= policy.MaxLen {
			return
		}
		kinds = append(kinds, rec.Condition.Action)
		backing = append(backing, rec)
	}

	if len(in.ActiveRules) > 0 {
		add(in.ActiveRules[0])
	}
	if len(in.Hypotheses) > 0 {
		add(in.Hypotheses[0])
	}
	for i := 1; i < len(in.ActiveRules) && len(kinds) < policy.MaxLen; i++ {
		add(in.ActiveRules[i])
	}
	for i := 1; i < len(in.Hypotheses) && len(kinds) < policy.MinLen; i++ {
		add(in.Hypotheses[i])
	}
	if len(kinds) == 0 {
		return nil, turnlog.Prediction{}, nil, "", fmt.Errorf("%w: nothing to weave a pattern from", ErrNoViableAction)
	}
	for len(kinds) < policy.MinLen {
		kinds = append(kinds, kinds[0])
	}

	seq := make(percept.ActionSequence, 0, len(kinds))
	for _, k := range kinds {
		seq = append(seq, percept.Move(k))
	}
	predicted := turnlog.Prediction{
		Description: "confirming and extending: " + backing[0].Statement,
		Expected:    expectationsFor(backing),
	}
	return seq, predicted, backing, fmt.Sprintf("weaving %d known claims into one sequence", len(backing)), nil
}

// planOptimization chains the proven rules, strongest first, into the
// longest allowed sequence. Click-conditioned rules cannot chain; one is
// exploited alone only when nothing else qualifies.
func planOptimization(in Input) (percept.ActionSequence, turnlog.Prediction, []knowledge.Record, string, error) {
	policy := policyFor(StateOptimization)

	ordered := make([]knowledge.Record, 0, len(in.ActiveRules))
	for _, r := range in.ActiveRules {
		if r.LevelProven {
			ordered = append(ordered, r)
		}
	}
	for _, r := range in.ActiveRules {
		if !r.LevelProven {
			ordered = append(ordered, r)
		}
	}

	var kinds []percept.ActionKind
	var backing []knowledge.Record
	for _, r := range ordered {
		if r.Condition.Action == percept.ActionClick {
			continue
		}
		kinds = append(kinds, r.Condition.Action)
		backing = append(backing, r)
		if len(kinds) == policy.MaxLen {
			break
		}
	}

	if len(kinds) == 0 {
		for _, r := range ordered {
			if r.Condition.Action == percept.ActionClick && len(in.ValidClicks) > 0 {
				target := in.ValidClicks[0]
				seq := percept.ActionSequence{percept.Click(target.X, target.Y)}
				predicted := turnlog.Prediction{
					Description: "exploiting: " + r.Statement,
					Expected:    expectationsFor([]knowledge.Record{r}),
				}
				return seq, predicted, []knowledge.Record{r}, "exploiting the proven click rule", nil
			}
		}
		return nil, turnlog.Prediction{}, nil, "", fmt.Errorf("%w: no exploitable rule", ErrNoViableAction)
	}

	// Cycle the strongest actions until the sequence is long enough to pay.
	base := len(kinds)
	for len(kinds) < policy.MinLen {
		kinds = append(kinds, kinds[len(kinds)%base])
	}

	seq := make(percept.ActionSequence, 0, len(kinds))
	for _, k := range kinds {
		seq = append(seq, percept.Move(k))
	}
	predicted := turnlog.Prediction{
		Description: "exploiting: " + backing[0].Statement,
		Expected:    expectationsFor(backing),
	}
	return seq, predicted, backing, fmt.Sprintf("chaining %d proven rules for maximum yield", len(backing)), nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// freshnessOrdered sorts the pool least-recently-used first. Kinds absent
// from recent history come before anything recently used; among used kinds
// the older use wins. Ties keep the pool's canonical order.
func freshnessOrdered(pool []percept.ActionKind, recent []percept.ActionKind) []percept.ActionKind {
	lastUse := make(map[percept.ActionKind]int, len(recent))
	for i, k := range recent {
		if _, seen := lastUse[k]; !seen {
			lastUse[k] = i // recent is newest first, so lower means fresher
		}
	}

	out := append([]percept.ActionKind(nil), pool...)
	// Insertion sort keeps this tiny and stable.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && fresher(out[j], out[j-1], lastUse); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func fresher(a, b percept.ActionKind, lastUse map[percept.ActionKind]int) bool {
	ia, usedA := lastUse[a]
	ib, usedB := lastUse[b]
	if usedA != usedB {
		return !usedA
	}
	if !usedA {
		return false
	}
	return ia > ib
}

// expectationsFor turns backing records into gradeable expectations. Records
// without a concrete transformation (win-condition claims) contribute none;
// score movement is graded separately from entity effects.
func expectationsFor(records []knowledge.Record) []turnlog.Expectation {
	var out []turnlog.Expectation
	seen := make(map[string]bool)
	for _, rec := range records {
		if rec.Effect == "" {
			continue
		}
		key := string(rec.Condition.EntityCategory) + "|" + string(rec.Effect)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, turnlog.Expectation{
			Category:       rec.Condition.EntityCategory,
			Transformation: rec.Effect,
		})
	}
	return out
}

// FallbackSequence is the single safe action the caller emits when planning
// fails for the turn.
func FallbackSequence() percept.ActionSequence {
	return percept.ActionSequence{percept.Move(percept.ActionSpace)}
}

// DescribeRisk renders the current policy for reasoning strings and logs.
func DescribeRisk(state State) string {
	policy := policyFor(state)
	return fmt.Sprintf("%s (len %d-%d, risk %s)", state, policy.MinLen, policy.MaxLen, strings.ReplaceAll(string(policy.Risk), "_", " "))
}
