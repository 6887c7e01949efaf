package planner

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"gridmind/internal/knowledge"
	"gridmind/internal/percept"
	"gridmind/internal/turnlog"
)

func moodIn(state State) Mood {
	m := NewMood()
	m.State = state
	return m
}

func activeRec(id string, action percept.ActionKind, effect percept.Transformation, conf float64, proven bool) knowledge.Record {
	return knowledge.Record{
		ID:            id,
		Statement:     fmt.Sprintf("%s causes %s on Game-World entities", action, effect),
		Category:      knowledge.CategoryMovement,
		Status:        knowledge.StatusActive,
		Condition:     knowledge.Condition{Action: action, EntityCategory: percept.CategoryGameWorld},
		Effect:        effect,
		Confidence:    conf,
		EvidenceCount: 4,
		LevelProven:   proven,
	}
}

func hypRec(id string, action percept.ActionKind, effect percept.Transformation, conf float64, evidence int) knowledge.Record {
	return knowledge.Record{
		ID:            id,
		Statement:     fmt.Sprintf("%s causes %s on Game-World entities", action, effect),
		Category:      knowledge.CategoryMovement,
		Status:        knowledge.StatusHypothesis,
		Condition:     knowledge.Condition{Action: action, EntityCategory: percept.CategoryGameWorld},
		Effect:        effect,
		Confidence:    conf,
		EvidenceCount: evidence,
	}
}

func seqKinds(seq percept.ActionSequence) []percept.ActionKind {
	kinds := make([]percept.ActionKind, len(seq))
	for i, a := range seq {
		kinds[i] = a.Kind
	}
	return kinds
}

// =============================================================================
// EXPLORING
// =============================================================================

func TestPlan_FirstTurnExplores(t *testing.T) {
	p := New()

	plan, err := p.Plan(Input{Turn: 1})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Mood.State != StateExploring {
		t.Fatalf("state = %s, want %s on the first turn", plan.Mood.State, StateExploring)
	}

	seq := plan.Decision.ActionSequence
	if len(seq) != 2 {
		t.Fatalf("sequence = %s, want two probe actions", seq)
	}
	if seq[0].Kind != percept.ActionUp || seq[1].Kind != percept.ActionDown {
		t.Errorf("sequence = %s, want up down with no history", seq)
	}
	if len(plan.Predicted.Expected) != 0 {
		t.Errorf("probe carries expectations: %+v", plan.Predicted.Expected)
	}
	if plan.Predicted.Description == "" {
		t.Error("probe prediction has no description")
	}
	if !plan.Decision.Experimental {
		t.Error("exploration not flagged experimental")
	}
	if !closeTo(plan.Decision.Confidence, 0.5) {
		t.Errorf("Confidence = %v, want the mood scalar 0.5", plan.Decision.Confidence)
	}
	if len(plan.BackingIDs) != 0 {
		t.Errorf("BackingIDs = %v, want none for a pure probe", plan.BackingIDs)
	}
	if !strings.HasPrefix(plan.Decision.Reasoning, "EXPLORING: ") {
		t.Errorf("Reasoning = %q, want the state prefix", plan.Decision.Reasoning)
	}
}

func TestPlan_ExploringPrefersLeastRecentlyUsed(t *testing.T) {
	p := Restore(moodIn(StateExploring))

	plan, err := p.Plan(Input{
		Turn:        5,
		RecentKinds: []percept.ActionKind{percept.ActionUp, percept.ActionDown, percept.ActionLeft},
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	got := seqKinds(plan.Decision.ActionSequence)
	want := []percept.ActionKind{percept.ActionRight, percept.ActionSpace}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("sequence = %v, want unexercised %v first", got, want)
	}
}

// =============================================================================
// FRUSTRATED
// =============================================================================

func TestPlan_FrustratedBreaksThePattern(t *testing.T) {
	p := Restore(Mood{State: StateHypothesisTesting, Confidence: 0.5, Frustration: 0.6, Curiosity: 0.5})

	plan, err := p.Plan(Input{
		Turn:        9,
		Match:       turnlog.MatchWrong,
		RecentKinds: []percept.ActionKind{percept.ActionSpace, percept.ActionSpace, percept.ActionUp},
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Mood.State != StateFrustrated {
		t.Fatalf("state = %s, want %s", plan.Mood.State, StateFrustrated)
	}
	if !closeTo(plan.Mood.Frustration, 0.75) {
		t.Errorf("Frustration = %v, want 0.75", plan.Mood.Frustration)
	}
	if !closeTo(plan.Decision.ConfidenceAdjustment, -0.1) {
		t.Errorf("ConfidenceAdjustment = %v, want -0.1", plan.Decision.ConfidenceAdjustment)
	}

	seq := plan.Decision.ActionSequence
	if len(seq) != 1 {
		t.Fatalf("sequence = %s, want exactly one action", seq)
	}
	for _, recent := range []percept.ActionKind{percept.ActionSpace, percept.ActionUp} {
		if seq[0].Kind == recent {
			t.Errorf("sequence reuses recent action %s", recent)
		}
	}
	if !plan.Decision.Experimental {
		t.Error("frustrated break-out not flagged experimental")
	}
	if !strings.HasPrefix(plan.Decision.Reasoning, "FRUSTRATED: ") {
		t.Errorf("Reasoning = %q, want the state prefix", plan.Decision.Reasoning)
	}
}

func TestPlan_FrustratedWithNoAlternativeStillActs(t *testing.T) {
	p := Restore(moodIn(StateFrustrated))

	plan, err := p.Plan(Input{
		Turn: 12,
		RecentKinds: []percept.ActionKind{
			percept.ActionUp, percept.ActionDown, percept.ActionLeft,
			percept.ActionRight, percept.ActionSpace,
		},
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	seq := plan.Decision.ActionSequence
	if len(seq) != 1 {
		t.Fatalf("sequence = %s, want exactly one action", seq)
	}
	// Every kind is recent, so the least recently used one wins.
	if seq[0].Kind != percept.ActionSpace {
		t.Errorf("sequence = %s, want the oldest-used action space", seq)
	}
}

// =============================================================================
// HYPOTHESIS_TESTING
// =============================================================================

func TestPlan_HypothesisTestingTargetsStarved(t *testing.T) {
	p := Restore(moodIn(StateHypothesisTesting))

	h1 := hypRec("h1", percept.ActionLeft, percept.TransformTranslation, 0.45, 1)
	h2 := hypRec("h2", percept.ActionUp, percept.TransformRotation, 0.6, 3)

	plan, err := p.Plan(Input{Turn: 4, Hypotheses: []knowledge.Record{h1, h2}})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	got := seqKinds(plan.Decision.ActionSequence)
	if len(got) != 1 || got[0] != percept.ActionLeft {
		t.Fatalf("sequence = %v, want a single left probing h1", got)
	}
	if len(plan.BackingIDs) != 1 || plan.BackingIDs[0] != "h1" {
		t.Errorf("BackingIDs = %v, want [h1]", plan.BackingIDs)
	}
	if len(plan.Predicted.Expected) != 1 {
		t.Fatalf("Expected = %+v, want one expectation", plan.Predicted.Expected)
	}
	exp := plan.Predicted.Expected[0]
	if exp.Category != percept.CategoryGameWorld || exp.Transformation != percept.TransformTranslation {
		t.Errorf("expectation = %+v, want Game-World TRANSLATION", exp)
	}
	if !strings.Contains(plan.Predicted.Description, h1.Statement) {
		t.Errorf("Description = %q, want the tested statement", plan.Predicted.Description)
	}
	// Decision confidence follows the claim under test, not the mood.
	if !closeTo(plan.Decision.Confidence, 0.45) {
		t.Errorf("Confidence = %v, want 0.45", plan.Decision.Confidence)
	}
	if !plan.Decision.Experimental {
		t.Error("hypothesis test not flagged experimental")
	}
}

func TestPlan_HypothesisTestingClickHandling(t *testing.T) {
	clickHyp := hypRec("hc", percept.ActionClick, percept.TransformColorChange, 0.45, 1)
	moveHyp := hypRec("hm", percept.ActionDown, percept.TransformRotation, 0.45, 2)

	t.Run("click with a live target", func(t *testing.T) {
		p := Restore(moodIn(StateHypothesisTesting))
		plan, err := p.Plan(Input{
			Turn:        6,
			Hypotheses:  []knowledge.Record{clickHyp},
			ValidClicks: []percept.Point{{X: 2, Y: 3}},
		})
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		seq := plan.Decision.ActionSequence
		if len(seq) != 1 || !seq[0].IsClick() {
			t.Fatalf("sequence = %s, want a single click", seq)
		}
		if seq[0].Coordinates == nil || *seq[0].Coordinates != (percept.Point{X: 2, Y: 3}) {
			t.Errorf("click target = %v, want (2,3)", seq[0].Coordinates)
		}
	})

	t.Run("stale click skips to the next hypothesis", func(t *testing.T) {
		p := Restore(moodIn(StateHypothesisTesting))
		plan, err := p.Plan(Input{Turn: 6, Hypotheses: []knowledge.Record{clickHyp, moveHyp}})
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		if got := seqKinds(plan.Decision.ActionSequence); len(got) != 1 || got[0] != percept.ActionDown {
			t.Errorf("sequence = %v, want a single down probing hm", got)
		}
		if len(plan.BackingIDs) != 1 || plan.BackingIDs[0] != "hm" {
			t.Errorf("BackingIDs = %v, want [hm]", plan.BackingIDs)
		}
	})

	t.Run("only stale clicks is not viable", func(t *testing.T) {
		p := Restore(moodIn(StateHypothesisTesting))
		_, err := p.Plan(Input{Turn: 6, Hypotheses: []knowledge.Record{clickHyp}})
		if !errors.Is(err, ErrNoViableAction) {
			t.Fatalf("err = %v, want ErrNoViableAction", err)
		}
	})
}

func TestPlan_HypothesisTestingWithoutHypotheses(t *testing.T) {
	p := Restore(moodIn(StateHypothesisTesting))

	plan, err := p.Plan(Input{Turn: 3})
	if !errors.Is(err, ErrNoViableAction) {
		t.Fatalf("err = %v, want ErrNoViableAction", err)
	}
	// The mood update stands even when planning fails.
	if plan.Mood.State != StateHypothesisTesting {
		t.Errorf("mood state = %s, want %s carried on the error path", plan.Mood.State, StateHypothesisTesting)
	}
	if p.Mood().State != StateHypothesisTesting {
		t.Errorf("tracker state = %s, want %s", p.Mood().State, StateHypothesisTesting)
	}
}

// =============================================================================
// OPTIMIZATION
// =============================================================================

func TestPlan_OptimizationChainsProvenFirst(t *testing.T) {
	p := Restore(moodIn(StateOptimization))

	rules := []knowledge.Record{
		activeRec("r1", percept.ActionUp, percept.TransformTranslation, 0.92, false),
		activeRec("r2", percept.ActionRight, percept.TransformTranslation, 0.88, true),
		activeRec("r3", percept.ActionDown, percept.TransformRotation, 0.75, true),
	}

	plan, err := p.Plan(Input{Turn: 20, ActiveRules: rules})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	got := seqKinds(plan.Decision.ActionSequence)
	want := []percept.ActionKind{percept.ActionRight, percept.ActionDown, percept.ActionUp}
	if len(got) != len(want) {
		t.Fatalf("sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence = %v, want proven rules first: %v", got, want)
		}
	}
	if len(plan.BackingIDs) != 3 || plan.BackingIDs[0] != "r2" {
		t.Errorf("BackingIDs = %v, want r2 leading", plan.BackingIDs)
	}
	if !closeTo(plan.Decision.Confidence, 0.92) {
		t.Errorf("Confidence = %v, want the strongest backing 0.92", plan.Decision.Confidence)
	}
	// Duplicate category/effect pairs collapse into one expectation.
	if len(plan.Predicted.Expected) != 2 {
		t.Errorf("Expected = %+v, want two distinct expectations", plan.Predicted.Expected)
	}
	if plan.Decision.Experimental {
		t.Error("rule exploitation flagged experimental")
	}
}

func TestPlan_OptimizationCyclesToMinimumLength(t *testing.T) {
	p := Restore(moodIn(StateOptimization))

	plan, err := p.Plan(Input{
		Turn:        21,
		ActiveRules: []knowledge.Record{activeRec("r1", percept.ActionUp, percept.TransformTranslation, 0.9, true)},
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	got := seqKinds(plan.Decision.ActionSequence)
	if len(got) != 3 {
		t.Fatalf("sequence = %v, want the single rule cycled to length 3", got)
	}
	for i, k := range got {
		if k != percept.ActionUp {
			t.Errorf("sequence[%d] = %s, want up", i, k)
		}
	}
	if len(plan.BackingIDs) != 1 {
		t.Errorf("BackingIDs = %v, want the one rule once", plan.BackingIDs)
	}
}

func TestPlan_OptimizationClickRule(t *testing.T) {
	clickRule := activeRec("rc", percept.ActionClick, percept.TransformAreaClearing, 0.95, true)

	t.Run("click rule exploits alone", func(t *testing.T) {
		p := Restore(moodIn(StateOptimization))
		plan, err := p.Plan(Input{
			Turn:        22,
			ActiveRules: []knowledge.Record{clickRule},
			ValidClicks: []percept.Point{{X: 1, Y: 1}},
		})
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		seq := plan.Decision.ActionSequence
		if len(seq) != 1 || !seq[0].IsClick() {
			t.Fatalf("sequence = %s, want a single click", seq)
		}
	})

	t.Run("click rule without targets is not viable", func(t *testing.T) {
		p := Restore(moodIn(StateOptimization))
		_, err := p.Plan(Input{Turn: 22, ActiveRules: []knowledge.Record{clickRule}})
		if !errors.Is(err, ErrNoViableAction) {
			t.Fatalf("err = %v, want ErrNoViableAction", err)
		}
	})

	t.Run("no rules is not viable", func(t *testing.T) {
		p := Restore(moodIn(StateOptimization))
		_, err := p.Plan(Input{Turn: 22})
		if !errors.Is(err, ErrNoViableAction) {
			t.Fatalf("err = %v, want ErrNoViableAction", err)
		}
	})
}

// =============================================================================
// PATTERN_SEEKING
// =============================================================================

func TestPlan_PatternSeekingWeavesRulesAndHypotheses(t *testing.T) {
	p := Restore(moodIn(StatePatternSeeking))

	rules := []knowledge.Record{
		activeRec("r1", percept.ActionUp, percept.TransformTranslation, 0.8, false),
		activeRec("r2", percept.ActionLeft, percept.TransformTranslation, 0.7, false),
	}
	hyps := []knowledge.Record{hypRec("h1", percept.ActionDown, percept.TransformRotation, 0.5, 2)}

	plan, err := p.Plan(Input{Turn: 15, ActiveRules: rules, Hypotheses: hyps})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	got := seqKinds(plan.Decision.ActionSequence)
	want := []percept.ActionKind{percept.ActionUp, percept.ActionDown, percept.ActionLeft}
	if len(got) != len(want) {
		t.Fatalf("sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence = %v, want rule and hypothesis interleaved: %v", got, want)
		}
	}
	if len(plan.BackingIDs) != 3 || plan.BackingIDs[1] != "h1" {
		t.Errorf("BackingIDs = %v, want the hypothesis woven second", plan.BackingIDs)
	}
	if !closeTo(plan.Decision.Confidence, 0.8) {
		t.Errorf("Confidence = %v, want 0.8", plan.Decision.Confidence)
	}
	// The weave extends a hypothesis, so the plan is not pure exploitation.
	if !plan.Decision.Experimental {
		t.Error("weave including a hypothesis not flagged experimental")
	}
}

func TestPlan_PatternSeekingPadsToMinimumLength(t *testing.T) {
	p := Restore(moodIn(StatePatternSeeking))

	plan, err := p.Plan(Input{
		Turn:        16,
		ActiveRules: []knowledge.Record{activeRec("r1", percept.ActionUp, percept.TransformTranslation, 0.8, false)},
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	got := seqKinds(plan.Decision.ActionSequence)
	if len(got) != 2 || got[0] != percept.ActionUp || got[1] != percept.ActionUp {
		t.Errorf("sequence = %v, want the lone rule repeated to length 2", got)
	}
}

func TestPlan_PatternSeekingSkipsClickRecords(t *testing.T) {
	p := Restore(moodIn(StatePatternSeeking))

	_, err := p.Plan(Input{
		Turn:        17,
		ActiveRules: []knowledge.Record{activeRec("rc", percept.ActionClick, percept.TransformAreaClearing, 0.8, false)},
		Hypotheses:  []knowledge.Record{hypRec("hc", percept.ActionClick, percept.TransformColorChange, 0.5, 1)},
	})
	if !errors.Is(err, ErrNoViableAction) {
		t.Fatalf("err = %v, want ErrNoViableAction when only clicks remain", err)
	}
}

// =============================================================================
// DECISION ASSEMBLY
// =============================================================================

func TestPlan_WarningFoldedIntoReasoning(t *testing.T) {
	p := Restore(moodIn(StateExploring))

	plan, err := p.Plan(Input{
		Turn:     8,
		Warnings: []string{"clicking plain tiles never scored"},
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !strings.Contains(plan.Decision.Reasoning, "recalling: clicking plain tiles never scored") {
		t.Errorf("Reasoning = %q, want the recalled warning", plan.Decision.Reasoning)
	}
}

func TestPlan_ExpectedOutcomeMirrorsPrediction(t *testing.T) {
	p := Restore(moodIn(StateHypothesisTesting))

	h := hypRec("h1", percept.ActionLeft, percept.TransformTranslation, 0.45, 1)
	plan, err := p.Plan(Input{Turn: 4, Hypotheses: []knowledge.Record{h}})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Decision.ExpectedOutcome != plan.Predicted.Description {
		t.Errorf("ExpectedOutcome = %q, want %q", plan.Decision.ExpectedOutcome, plan.Predicted.Description)
	}
}

func TestPlan_EverySequenceValidates(t *testing.T) {
	input := Input{
		Turn: 30,
		ActiveRules: []knowledge.Record{
			activeRec("r1", percept.ActionUp, percept.TransformTranslation, 0.9, true),
			activeRec("r2", percept.ActionRight, percept.TransformRotation, 0.8, false),
		},
		Hypotheses: []knowledge.Record{
			hypRec("h1", percept.ActionDown, percept.TransformScaling, 0.5, 1),
		},
		ValidClicks: []percept.Point{{X: 0, Y: 0}},
		RecentKinds: []percept.ActionKind{percept.ActionUp, percept.ActionUp, percept.ActionSpace},
	}

	for _, state := range []State{
		StateExploring, StatePatternSeeking, StateHypothesisTesting,
		StateOptimization, StateFrustrated,
	} {
		t.Run(string(state), func(t *testing.T) {
			p := Restore(moodIn(state))
			plan, err := p.Plan(input)
			if err != nil {
				t.Fatalf("Plan failed: %v", err)
			}
			if verr := ValidateSequence(plan.Decision.ActionSequence, plan.Mood.State, input.ValidClicks); verr != nil {
				t.Errorf("planned sequence rejected: %v", verr)
			}
			if p.Mood() != plan.Mood {
				t.Errorf("tracker mood %+v diverged from plan mood %+v", p.Mood(), plan.Mood)
			}
		})
	}
}
