package packs

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gridmind/internal/knowledge"
	"gridmind/internal/percept"
)

const corePack = `name: directional-priors
seeds:
  - statement: up moves game-world tiles
    action: up
    entity_category: Game-World
    effect: TRANSLATION
    corroborations: 2
  - action: space
    effect: UNCHANGED
`

const extraPack = `name: scoring-priors
seeds:
  - action: up
    entity_category: Game-World
    effect: TRANSLATION
  - action: right
  - action: fly
    effect: TRANSLATION
`

func writePack(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDir_SeedsStore(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "a-core.yaml", corePack)
	writePack(t, dir, "b-extra.yaml", extraPack)

	store := knowledge.NewStore()
	result, err := LoadDir(dir, store)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	want := Result{Packs: 2, Seeded: 3, Skipped: 1, Invalid: 1}
	if result != want {
		t.Fatalf("result = %+v, want %+v", result, want)
	}
	if store.Len() != 3 {
		t.Fatalf("store has %d records, want 3", store.Len())
	}

	for _, rec := range store.All() {
		if rec.Source != SourcePack {
			t.Errorf("record %q source = %q, want %q", rec.Statement, rec.Source, SourcePack)
		}
		if rec.Status != knowledge.StatusHypothesis {
			t.Errorf("record %q seeded as %s, want hypothesis", rec.Statement, rec.Status)
		}
		if rec.Condition.Action == percept.ActionUp && rec.Effect == percept.TransformTranslation {
			// Two corroborations hit the propose cap.
			if math.Abs(rec.Confidence-0.6) > 1e-9 {
				t.Errorf("seeded confidence = %v, want 0.6", rec.Confidence)
			}
			if rec.EvidenceCount != 2 {
				t.Errorf("evidence = %d, want 2", rec.EvidenceCount)
			}
		}
	}
}

func TestLoadDir_MissingDirectoryIsEmpty(t *testing.T) {
	store := knowledge.NewStore()
	result, err := LoadDir(filepath.Join(t.TempDir(), "nope"), store)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if result != (Result{}) {
		t.Errorf("result = %+v, want empty", result)
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("name: x\nseeds:\n  - action: up\n    efect: TRANSLATION\n"))
	if err == nil {
		t.Fatal("Parse accepted a misspelled field")
	}
}

func TestSeed_CategoryDerivation(t *testing.T) {
	tests := []struct {
		name string
		seed Seed
		want knowledge.Category
	}{
		{"explicit wins", Seed{Action: "up", Effect: "TRANSLATION", Category: "interaction"}, knowledge.CategoryInteraction},
		{"empty effect is a win condition", Seed{Action: "up"}, knowledge.CategoryWinCondition},
		{"unchanged is a constraint", Seed{Action: "space", Effect: "UNCHANGED"}, knowledge.CategoryConstraint},
		{"translation is movement", Seed{Action: "left", Effect: "TRANSLATION"}, knowledge.CategoryMovement},
		{"rotation is state change", Seed{Action: "left", Effect: "ROTATION"}, knowledge.CategoryStateChange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.seed.category(); got != tt.want {
				t.Errorf("category() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSeed_Validate(t *testing.T) {
	bad := []Seed{
		{Action: "fly"},
		{Action: "reset"},
		{Action: ""},
		{Action: "up", Effect: "TELEPORT"},
		{Action: "up", EntityCategory: "Blob"},
		{Action: "up", Category: "physics"},
	}
	for _, seed := range bad {
		if seed.validate() == nil {
			t.Errorf("validate accepted %+v", seed)
		}
	}
	if err := (Seed{Action: "up", Effect: "TRANSLATION", EntityCategory: "Game-World"}).validate(); err != nil {
		t.Errorf("validate rejected a good seed: %v", err)
	}
}

func TestExport_RoundTrip(t *testing.T) {
	store := knowledge.NewStore()
	cond := knowledge.Condition{Action: percept.ActionUp, EntityCategory: percept.CategoryGameWorld}
	if _, err := store.Propose(1, knowledge.CategoryMovement, cond, percept.TransformTranslation, 2, "observation"); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := store.Propose(2, knowledge.CategoryWinCondition, knowledge.Condition{Action: percept.ActionUp}, "", 1, "observation"); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	doomed, err := store.Propose(3, knowledge.CategoryMovement, knowledge.Condition{Action: percept.ActionLeft}, percept.TransformRotation, 1, "observation")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	// Two contradictions collapse a 0.45 hypothesis below the retirement line.
	for i := 0; i < 2; i++ {
		if _, err := store.Contradict(doomed.ID, nil, 4+i); err != nil {
			t.Fatalf("Contradict: %v", err)
		}
	}

	pack := Export("session-knowledge", store)
	if len(pack.Seeds) != 2 {
		t.Fatalf("exported %d seeds, want 2 with the contradicted record left behind", len(pack.Seeds))
	}

	path := filepath.Join(t.TempDir(), "exported.yaml")
	if err := WriteFile(path, pack); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fresh := knowledge.NewStore()
	result, err := LoadFile(path, fresh)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if result.Seeded != 2 || result.Invalid != 0 {
		t.Fatalf("result = %+v, want 2 clean seeds", result)
	}
	for _, rec := range fresh.All() {
		if !strings.Contains(rec.Source, SourcePack) {
			t.Errorf("reloaded record source = %q, want %q", rec.Source, SourcePack)
		}
	}
}
