package consolidate

import (
	"testing"

	"gridmind/internal/knowledge"
	"gridmind/internal/percept"
)

func closeTo(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}

func ruleAt(id string, conf float64, firstSeen, lastSeen int, proven bool) knowledge.Record {
	floor := 0.4
	if proven {
		floor = 0.7
	}
	return knowledge.Record{
		ID:              id,
		Statement:       id + " statement",
		Signature:       id + "-sig",
		Category:        knowledge.CategoryMovement,
		Status:          knowledge.StatusActive,
		Condition:       knowledge.Condition{Action: percept.ActionUp, EntityCategory: percept.CategoryGameWorld},
		Effect:          percept.TransformTranslation,
		Confidence:      conf,
		EvidenceCount:   4,
		FirstSeenTurn:   firstSeen,
		LastSeenTurn:    lastSeen,
		LevelProven:     proven,
		Protected:       proven,
		FloorConfidence: floor,
	}
}

func hypAt(id string, conf float64, evidence, firstSeen, lastSeen int) knowledge.Record {
	return knowledge.Record{
		ID:            id,
		Statement:     id + " statement",
		Signature:     id + "-sig",
		Category:      knowledge.CategoryMovement,
		Status:        knowledge.StatusHypothesis,
		Condition:     knowledge.Condition{Action: percept.ActionDown, EntityCategory: percept.CategoryGameWorld},
		Effect:        percept.TransformRotation,
		Confidence:    conf,
		EvidenceCount: evidence,
		FirstSeenTurn: firstSeen,
		LastSeenTurn:  lastSeen,
	}
}

func storeWith(t *testing.T, records ...knowledge.Record) *knowledge.Store {
	t.Helper()
	store, err := knowledge.Restore(records)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	return store
}

func mustGet(t *testing.T, store *knowledge.Store, id string) knowledge.Record {
	t.Helper()
	rec, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	return rec
}

func TestOnEpisodeComplete_FalseSignalIsNoOp(t *testing.T) {
	store := storeWith(t,
		ruleAt("r1", 0.9, 1, 95, false),
		hypAt("h1", 0.55, 6, 2, 96),
	)
	engine := New(store)

	result := engine.OnEpisodeComplete(false, 100)
	if !result.Empty() {
		t.Fatalf("result = %+v, want empty on a false signal", result)
	}

	r1 := mustGet(t, store, "r1")
	if r1.LevelProven || !closeTo(r1.Confidence, 0.9) {
		t.Errorf("r1 = proven=%v confidence=%v, want untouched", r1.LevelProven, r1.Confidence)
	}
	h1 := mustGet(t, store, "h1")
	if h1.Status != knowledge.StatusHypothesis {
		t.Errorf("h1 status = %s, want untouched hypothesis", h1.Status)
	}
}

func TestOnEpisodeComplete_BoostsRecentRules(t *testing.T) {
	store := storeWith(t,
		ruleAt("weak", 0.55, 1, 95, false),
		ruleAt("strong", 0.9, 2, 92, false),
		ruleAt("stale", 0.8, 3, 80, false), // last evidenced 20 turns ago
	)
	engine := New(store)

	result := engine.OnEpisodeComplete(true, 100)
	if len(result.Promoted) != 0 {
		t.Errorf("Promoted = %v, want none", result.Promoted)
	}
	if len(result.Consolidated) != 2 || result.Consolidated[0] != "weak" || result.Consolidated[1] != "strong" {
		t.Fatalf("Consolidated = %v, want [weak strong]", result.Consolidated)
	}

	weak := mustGet(t, store, "weak")
	if !weak.LevelProven || !weak.Protected {
		t.Errorf("weak proven=%v protected=%v, want both true", weak.LevelProven, weak.Protected)
	}
	if !closeTo(weak.Confidence, 0.70) {
		t.Errorf("weak confidence = %v, want 0.70", weak.Confidence)
	}
	if !closeTo(weak.FloorConfidence, 0.7) {
		t.Errorf("weak floor = %v, want 0.7", weak.FloorConfidence)
	}
	if weak.GracePeriodEndTurn != 125 {
		t.Errorf("weak grace end = %d, want 125", weak.GracePeriodEndTurn)
	}

	strong := mustGet(t, store, "strong")
	if !strong.LevelProven || !closeTo(strong.Confidence, 1.0) {
		t.Errorf("strong proven=%v confidence=%v, want proven at the 1.0 cap", strong.LevelProven, strong.Confidence)
	}

	stale := mustGet(t, store, "stale")
	if stale.LevelProven || !closeTo(stale.Confidence, 0.8) {
		t.Errorf("stale proven=%v confidence=%v, want untouched", stale.LevelProven, stale.Confidence)
	}
}

func TestOnEpisodeComplete_PromotesEligibleHypotheses(t *testing.T) {
	store := storeWith(t,
		hypAt("steady", 0.55, 6, 1, 97),  // slow-but-steady pathway
		hypAt("weak", 0.45, 2, 2, 98),    // below the confidence bar
		hypAt("starved", 0.65, 3, 3, 99), // no pathway holds
	)
	engine := New(store)

	result := engine.OnEpisodeComplete(true, 100)
	if len(result.Promoted) != 1 || result.Promoted[0] != "steady" {
		t.Fatalf("Promoted = %v, want [steady]", result.Promoted)
	}
	if len(result.Consolidated) != 1 || result.Consolidated[0] != "steady" {
		t.Fatalf("Consolidated = %v, want [steady]", result.Consolidated)
	}

	steady := mustGet(t, store, "steady")
	if steady.Status != knowledge.StatusActive || !steady.LevelProven {
		t.Errorf("steady status=%s proven=%v, want promoted and proven", steady.Status, steady.LevelProven)
	}
	if !closeTo(steady.Confidence, 0.70) {
		t.Errorf("steady confidence = %v, want 0.55 + 0.15", steady.Confidence)
	}

	for _, id := range []string{"weak", "starved"} {
		rec := mustGet(t, store, id)
		if rec.Status != knowledge.StatusHypothesis {
			t.Errorf("%s status = %s, want untouched hypothesis", id, rec.Status)
		}
	}
	if got := mustGet(t, store, "starved").Confidence; !closeTo(got, 0.65) {
		t.Errorf("starved confidence = %v, want untouched 0.65", got)
	}
}

func TestOnEpisodeComplete_RecencyBoundary(t *testing.T) {
	store := storeWith(t,
		ruleAt("edge", 0.8, 1, 90, false),   // exactly 10 turns back
		ruleAt("beyond", 0.8, 2, 89, false), // 11 turns back
	)
	engine := New(store)

	result := engine.OnEpisodeComplete(true, 100)
	if len(result.Consolidated) != 1 || result.Consolidated[0] != "edge" {
		t.Fatalf("Consolidated = %v, want [edge] only", result.Consolidated)
	}
	if rec := mustGet(t, store, "beyond"); rec.LevelProven {
		t.Error("rule 11 turns stale was consolidated")
	}
}

func TestOnEpisodeComplete_RepeatEpisodeHoldsConfidence(t *testing.T) {
	store := storeWith(t, ruleAt("r1", 0.95, 1, 95, true))
	engine := New(store)

	result := engine.OnEpisodeComplete(true, 100)
	if len(result.Consolidated) != 1 {
		t.Fatalf("Consolidated = %v, want the proven rule re-listed", result.Consolidated)
	}
	if got := mustGet(t, store, "r1").Confidence; !closeTo(got, 0.95) {
		t.Errorf("confidence = %v, want unchanged 0.95 on a repeat sweep", got)
	}
}

func TestOnEpisodeComplete_SkipsContradicted(t *testing.T) {
	dead := hypAt("dead", 0.55, 6, 1, 98)
	dead.Status = knowledge.StatusContradicted

	store := storeWith(t, dead)
	engine := New(store)

	if result := engine.OnEpisodeComplete(true, 100); !result.Empty() {
		t.Fatalf("result = %+v, want contradicted records ignored", result)
	}
}
