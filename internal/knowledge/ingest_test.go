package knowledge

import (
	"testing"

	"gridmind/internal/percept"
)

// =============================================================================
// PATTERN EXTRACTION TESTS
// =============================================================================

func TestExtractPatterns_GroupsByCategoryAndEffect(t *testing.T) {
	t.Parallel()

	frame := &percept.Frame{
		Entities: []percept.Entity{
			{ID: "e2", Category: percept.CategoryGameWorld, Transformation: percept.TransformTranslation},
			{ID: "e1", Category: percept.CategoryGameWorld, Transformation: percept.TransformTranslation},
			{ID: "m1", Category: percept.CategoryMetaInterface, Transformation: percept.TransformUnchanged},
		},
		GameState: percept.GameStateNotFinished,
	}

	patterns := ExtractPatterns(frame, percept.ActionRight, 0)
	if len(patterns) != 1 {
		t.Fatalf("got %d patterns, want 1", len(patterns))
	}
	p := patterns[0]
	if p.Category != CategoryMovement {
		t.Errorf("category = %s, want movement", p.Category)
	}
	if p.Condition.Action != percept.ActionRight || p.Condition.EntityCategory != percept.CategoryGameWorld {
		t.Errorf("condition = %+v", p.Condition)
	}
	if p.Corroborations != 2 {
		t.Errorf("corroborations = %d, want 2", p.Corroborations)
	}
	if len(p.EntityIDs) != 2 || p.EntityIDs[0] != "e1" || p.EntityIDs[1] != "e2" {
		t.Errorf("entity ids = %v, want sorted [e1 e2]", p.EntityIDs)
	}
}

func TestExtractPatterns_NoCauseNoPatterns(t *testing.T) {
	t.Parallel()

	frame := &percept.Frame{
		Entities: []percept.Entity{
			{ID: "e1", Category: percept.CategoryGameWorld, Transformation: percept.TransformTranslation},
		},
	}

	if got := ExtractPatterns(frame, "", 0); got != nil {
		t.Errorf("no previous action should yield nil, got %v", got)
	}
	if got := ExtractPatterns(frame, percept.ActionReset, 0); got != nil {
		t.Errorf("reset is not a causal action, got %v", got)
	}
	if got := ExtractPatterns(nil, percept.ActionUp, 0); got != nil {
		t.Errorf("nil frame should yield nil, got %v", got)
	}
}

func TestExtractPatterns_ScoreGainAddsWinCondition(t *testing.T) {
	t.Parallel()

	frame := &percept.Frame{
		Entities: []percept.Entity{
			{ID: "e1", Category: percept.CategoryGameWorld, Transformation: percept.TransformDematerialization},
		},
	}

	patterns := ExtractPatterns(frame, percept.ActionSpace, 1)
	if len(patterns) != 2 {
		t.Fatalf("got %d patterns, want 2", len(patterns))
	}
	last := patterns[len(patterns)-1]
	if last.Category != CategoryWinCondition {
		t.Errorf("last pattern category = %s, want win-condition", last.Category)
	}
	if last.Condition.EntityCategory != "" {
		t.Errorf("win-condition is unscoped, got %s", last.Condition.EntityCategory)
	}
}

func TestExtractPatterns_QuietFrameIsConstraint(t *testing.T) {
	t.Parallel()

	frame := &percept.Frame{
		Entities: []percept.Entity{
			{ID: "e1", Category: percept.CategoryGameWorld, Transformation: percept.TransformUnchanged},
		},
	}

	patterns := ExtractPatterns(frame, percept.ActionDown, 0)
	if len(patterns) != 1 {
		t.Fatalf("got %d patterns, want 1", len(patterns))
	}
	if patterns[0].Category != CategoryConstraint {
		t.Errorf("category = %s, want constraint", patterns[0].Category)
	}
	if patterns[0].Effect != percept.TransformUnchanged {
		t.Errorf("effect = %s, want UNCHANGED", patterns[0].Effect)
	}
}

func TestCategoryForTransformation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		transformation percept.Transformation
		want           Category
	}{
		{percept.TransformTranslation, CategoryMovement},
		{percept.TransformRotation, CategoryStateChange},
		{percept.TransformScaling, CategoryStateChange},
		{percept.TransformColorChange, CategoryStateChange},
		{percept.TransformShapeChange, CategoryStateChange},
		{percept.TransformMaterialization, CategoryInteraction},
		{percept.TransformDematerialization, CategoryInteraction},
		{percept.TransformFragmentation, CategoryInteraction},
		{percept.TransformFusion, CategoryInteraction},
		{percept.TransformAreaClearing, CategoryInteraction},
		{percept.TransformAreaFilling, CategoryInteraction},
	}

	for _, tt := range tests {
		if got := CategoryForTransformation(tt.transformation); got != tt.want {
			t.Errorf("CategoryForTransformation(%s) = %s, want %s", tt.transformation, got, tt.want)
		}
	}
}

// =============================================================================
// INGEST TESTS
// =============================================================================

func TestStore_Ingest_ProposeThenReinforce(t *testing.T) {
	t.Parallel()

	store := NewStore()
	frame := translationFrame("e1", "e2")

	first := store.Ingest(1, frame, percept.ActionRight, 0)
	if first.NewHypotheses() != 1 {
		t.Fatalf("first frame proposed %d, want 1", first.NewHypotheses())
	}
	rec, err := store.Get(first.Proposed[0])
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !closeTo(rec.Confidence, 0.60) {
		t.Errorf("confidence = %.2f, want 0.60 (two corroborating entities)", rec.Confidence)
	}

	second := store.Ingest(2, frame, percept.ActionRight, 0)
	if len(second.Proposed) != 0 || len(second.Reinforced) != 1 {
		t.Fatalf("second frame report = %+v, want one reinforcement", second)
	}
	rec, _ = store.Get(second.Reinforced[0])
	if rec.EvidenceCount != 4 {
		t.Errorf("evidence = %d, want 4", rec.EvidenceCount)
	}
	if rec.LastSeenTurn != 2 {
		t.Errorf("last seen = %d, want 2", rec.LastSeenTurn)
	}
}

func TestStore_Ingest_RepetitionPromotesEventually(t *testing.T) {
	t.Parallel()

	store := NewStore()
	frame := translationFrame("e1", "e2")

	var id string
	for turn := 1; turn <= 3; turn++ {
		report := store.Ingest(turn, frame, percept.ActionRight, 0)
		if turn == 1 {
			id = report.Proposed[0]
		}
	}

	// Three consistent frames: 0.60 then +0.06 +0.06, evidence 6.
	rec, _ := store.Get(id)
	if !closeTo(rec.Confidence, 0.72) {
		t.Errorf("confidence = %.2f, want 0.72", rec.Confidence)
	}
	if rec.EvidenceCount != 6 {
		t.Errorf("evidence = %d, want 6", rec.EvidenceCount)
	}
	if !Eligible(rec.Confidence, rec.EvidenceCount) {
		t.Error("record should be promotable after three consistent frames")
	}
}

func TestStore_Ingest_ContradictsFiredRule(t *testing.T) {
	t.Parallel()

	store := NewStore()
	id := seedTranslationRule(t, store)

	// Same action, a game-world entity present, but nothing moved. The rule
	// fired and missed: contradiction, scoped to the witnessing entity.
	quiet := &percept.Frame{
		Entities: []percept.Entity{
			{ID: "e9", Category: percept.CategoryGameWorld, Transformation: percept.TransformUnchanged},
		},
	}
	report := store.Ingest(5, quiet, percept.ActionRight, 0)
	if len(report.Contradicted) != 1 || report.Contradicted[0] != id {
		t.Fatalf("contradicted = %v, want [%s]", report.Contradicted, id)
	}

	rec, _ := store.Get(id)
	if !rec.Excludes("e9") {
		t.Errorf("scope should exclude the witness, got %v", rec.ScopeExclusions)
	}

	// The same failing context again: every present entity is excluded, so
	// the narrowed rule no longer fires and takes no further penalty.
	before := rec.Confidence
	report = store.Ingest(6, quiet, percept.ActionRight, 0)
	if len(report.Contradicted) != 0 {
		t.Fatalf("narrowed rule contradicted again: %v", report.Contradicted)
	}
	rec, _ = store.Get(id)
	if rec.Confidence != before {
		t.Errorf("confidence moved %.2f -> %.2f without the rule firing", before, rec.Confidence)
	}
}

func TestStore_Ingest_DifferentActionDoesNotFire(t *testing.T) {
	t.Parallel()

	store := NewStore()
	id := seedTranslationRule(t, store)

	quiet := &percept.Frame{
		Entities: []percept.Entity{
			{ID: "e9", Category: percept.CategoryGameWorld, Transformation: percept.TransformUnchanged},
		},
	}
	report := store.Ingest(5, quiet, percept.ActionLeft, 0)
	for _, cid := range report.Contradicted {
		if cid == id {
			t.Error("a rule conditioned on right must not fire for left")
		}
	}
}

func TestStore_Ingest_WinConditionSurvivesQuietTurns(t *testing.T) {
	t.Parallel()

	store := NewStore()

	// A scoring turn teaches a win-condition hypothesis.
	scoring := translationFrame("e1")
	report := store.Ingest(1, scoring, percept.ActionSpace, 1)
	var winID string
	for _, pid := range report.Proposed {
		rec, _ := store.Get(pid)
		if rec.Category == CategoryWinCondition {
			winID = pid
		}
	}
	if winID == "" {
		t.Fatal("scoring frame did not propose a win-condition hypothesis")
	}

	// The same action scoring nothing later must not count against it.
	quiet := &percept.Frame{
		Entities: []percept.Entity{
			{ID: "e1", Category: percept.CategoryGameWorld, Transformation: percept.TransformUnchanged},
		},
	}
	report = store.Ingest(2, quiet, percept.ActionSpace, 0)
	for _, cid := range report.Contradicted {
		if cid == winID {
			t.Error("win-condition hypotheses must not be contradicted by quiet turns")
		}
	}
}

func TestStore_Ingest_ConstraintBrokenByChange(t *testing.T) {
	t.Parallel()

	store := NewStore()

	quiet := &percept.Frame{
		Entities: []percept.Entity{
			{ID: "e1", Category: percept.CategoryGameWorld, Transformation: percept.TransformUnchanged},
		},
	}
	report := store.Ingest(1, quiet, percept.ActionUp, 0)
	if len(report.Proposed) != 1 {
		t.Fatalf("quiet frame proposed %d, want 1 constraint", len(report.Proposed))
	}
	constraintID := report.Proposed[0]

	// The same action later causing movement breaks the no-effect claim.
	moving := translationFrame("e1")
	report = store.Ingest(2, moving, percept.ActionUp, 0)
	found := false
	for _, cid := range report.Contradicted {
		if cid == constraintID {
			found = true
		}
	}
	if !found {
		t.Errorf("constraint should be contradicted by a change, got %v", report.Contradicted)
	}
}

func TestStore_Ingest_RuleReusedFlag(t *testing.T) {
	t.Parallel()

	store := NewStore()
	frame := translationFrame("e1", "e2")

	report := store.Ingest(1, frame, percept.ActionRight, 0)
	if report.RuleReused {
		t.Error("a brand-new hypothesis is not a reuse")
	}
	id := report.Proposed[0]

	report = store.Ingest(2, frame, percept.ActionRight, 0)
	if report.RuleReused {
		t.Error("reinforcing a hypothesis is not a reuse")
	}

	if _, err := store.Promote(id, 2); err != nil {
		t.Fatalf("Promote error: %v", err)
	}
	report = store.Ingest(3, frame, percept.ActionRight, 0)
	if !report.RuleReused {
		t.Error("reinforcing a promoted rule should set RuleReused")
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// translationFrame builds a frame whose game-world entities all moved.
func translationFrame(ids ...string) *percept.Frame {
	frame := &percept.Frame{GameState: percept.GameStateNotFinished}
	for _, id := range ids {
		frame.Entities = append(frame.Entities, percept.Entity{
			ID:             id,
			Category:       percept.CategoryGameWorld,
			Transformation: percept.TransformTranslation,
			Bounds:         percept.Bounds{X: 1, Y: 1, W: 2, H: 2},
		})
	}
	return frame
}

// seedTranslationRule installs a promoted "right moves game-world entities"
// rule and returns its id.
func seedTranslationRule(t *testing.T, store *Store) string {
	t.Helper()

	frame := translationFrame("e1", "e2")
	report := store.Ingest(1, frame, percept.ActionRight, 0)
	if len(report.Proposed) != 1 {
		t.Fatalf("seed frame proposed %d records", len(report.Proposed))
	}
	id := report.Proposed[0]
	store.Ingest(2, frame, percept.ActionRight, 0)
	if _, err := store.Promote(id, 2); err != nil {
		t.Fatalf("seed promote: %v", err)
	}
	return id
}
