// Package packs seeds the rule store from YAML knowledge packs and watches
// the pack directory for edits between turns. A pack carries prior
// hypotheses, never trusted rules: every seed enters at hypothesis status
// through the normal propose path, and the store's signature dedup means
// knowledge already earned in play always wins over a seed.
package packs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"gridmind/internal/knowledge"
	"gridmind/internal/logging"
	"gridmind/internal/metrics"
	"gridmind/internal/percept"
)

// SourcePack marks records seeded from a pack file, as opposed to
// observation-derived ones.
const SourcePack = "pack"

// Pack is one YAML pack file: a named list of hypothesis seeds.
type Pack struct {
	Name  string `yaml:"name"`
	Seeds []Seed `yaml:"seeds"`
}

// Seed is one prior hypothesis. Statement is documentation for the human
// editing the pack; the store regenerates it from the condition and effect.
// An empty effect seeds a win-condition claim, and category is derived from
// the effect unless given explicitly.
type Seed struct {
	Statement      string `yaml:"statement,omitempty"`
	Category       string `yaml:"category,omitempty"`
	Action         string `yaml:"action"`
	EntityCategory string `yaml:"entity_category,omitempty"`
	Effect         string `yaml:"effect,omitempty"`
	Corroborations int    `yaml:"corroborations,omitempty"`
}

func (s Seed) validate() error {
	kind := percept.ActionKind(s.Action)
	if !kind.IsValid() || kind == percept.ActionReset {
		return fmt.Errorf("unknown action %q", s.Action)
	}
	if s.Effect != "" && !percept.Transformation(s.Effect).IsValid() {
		return fmt.Errorf("unknown effect %q", s.Effect)
	}
	if s.EntityCategory != "" && !percept.EntityCategory(s.EntityCategory).IsValid() {
		return fmt.Errorf("unknown entity category %q", s.EntityCategory)
	}
	if s.Category != "" && !knowledge.Category(s.Category).IsValid() {
		return fmt.Errorf("unknown category %q", s.Category)
	}
	return nil
}

// category resolves the rule category: explicit wins, otherwise derived from
// the effect the same way ingest derives it.
func (s Seed) category() knowledge.Category {
	if s.Category != "" {
		return knowledge.Category(s.Category)
	}
	if s.Effect == "" {
		return knowledge.CategoryWinCondition
	}
	return knowledge.CategoryForTransformation(percept.Transformation(s.Effect))
}

// Result counts what a load or reload did.
type Result struct {
	Packs   int
	Seeded  int
	Skipped int // signature already known
	Invalid int // seeds that failed validation
}

// Add folds another result in.
func (r *Result) Add(other Result) {
	r.Packs += other.Packs
	r.Seeded += other.Seeded
	r.Skipped += other.Skipped
	r.Invalid += other.Invalid
}

// LoadDir loads every *.yaml and *.yml pack under dir into the store. A
// missing directory is not an error; packs are optional. Files load in name
// order so reruns seed deterministically.
func LoadDir(dir string, store *knowledge.Store) (Result, error) {
	var result Result

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logging.PacksDebug("LoadDir: no pack directory at %s", dir)
			return result, nil
		}
		return result, fmt.Errorf("read pack directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isPackFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		fr, err := LoadFile(filepath.Join(dir, name), store)
		if err != nil {
			return result, err
		}
		result.Add(fr)
	}
	logging.Packs("LoadDir: %d packs from %s (seeded=%d skipped=%d invalid=%d)",
		result.Packs, dir, result.Seeded, result.Skipped, result.Invalid)
	return result, nil
}

// LoadFile loads a single pack file into the store.
func LoadFile(path string, store *knowledge.Store) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read pack %s: %w", path, err)
	}
	pack, err := Parse(data)
	if err != nil {
		return Result{}, fmt.Errorf("parse pack %s: %w", path, err)
	}
	if pack.Name == "" {
		pack.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return apply(pack, store), nil
}

// Parse decodes one pack document. Unknown fields are rejected so a typo in
// a hand-written pack fails loudly instead of silently dropping a seed.
func Parse(data []byte) (Pack, error) {
	var pack Pack
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pack); err != nil {
		return Pack{}, err
	}
	return pack, nil
}

// apply proposes every seed. Existing signatures are skipped, invalid seeds
// are counted and logged; neither stops the rest of the pack.
func apply(pack Pack, store *knowledge.Store) Result {
	result := Result{Packs: 1}
	for i, seed := range pack.Seeds {
		if err := seed.validate(); err != nil {
			result.Invalid++
			metrics.PackSeeds.WithLabelValues(pack.Name, "invalid").Inc()
			logging.PacksWarn("apply: pack %s seed %d rejected: %v", pack.Name, i+1, err)
			continue
		}

		cond := knowledge.Condition{
			Action:         percept.ActionKind(seed.Action),
			EntityCategory: percept.EntityCategory(seed.EntityCategory),
		}
		_, err := store.Propose(0, seed.category(), cond, percept.Transformation(seed.Effect),
			seed.Corroborations, SourcePack)
		switch {
		case err == nil:
			result.Seeded++
			metrics.PackSeeds.WithLabelValues(pack.Name, "seeded").Inc()
		case errors.Is(err, knowledge.ErrDuplicateSignature):
			result.Skipped++
			metrics.PackSeeds.WithLabelValues(pack.Name, "skipped").Inc()
		default:
			result.Invalid++
			metrics.PackSeeds.WithLabelValues(pack.Name, "invalid").Inc()
			logging.PacksWarn("apply: pack %s seed %d rejected: %v", pack.Name, i+1, err)
		}
	}
	logging.Packs("apply: pack %s seeded=%d skipped=%d invalid=%d",
		pack.Name, result.Seeded, result.Skipped, result.Invalid)
	return result
}

// Export renders the store's live knowledge as a pack for reuse in a later
// session. Contradicted records stay behind; they are audit trail, not
// knowledge worth reseeding.
func Export(name string, store *knowledge.Store) Pack {
	pack := Pack{Name: name}
	for _, rec := range store.All() {
		if rec.Status == knowledge.StatusContradicted {
			continue
		}
		pack.Seeds = append(pack.Seeds, Seed{
			Statement:      rec.Statement,
			Category:       string(rec.Category),
			Action:         string(rec.Condition.Action),
			EntityCategory: string(rec.Condition.EntityCategory),
			Effect:         string(rec.Effect),
			Corroborations: rec.EvidenceCount,
		})
	}
	sort.Slice(pack.Seeds, func(i, j int) bool {
		if pack.Seeds[i].Action != pack.Seeds[j].Action {
			return pack.Seeds[i].Action < pack.Seeds[j].Action
		}
		return pack.Seeds[i].Effect < pack.Seeds[j].Effect
	})
	return pack
}

// WriteFile marshals a pack to path.
func WriteFile(path string, pack Pack) error {
	data, err := yaml.Marshal(pack)
	if err != nil {
		return fmt.Errorf("marshal pack: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create pack directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write pack: %w", err)
	}
	return nil
}

func isPackFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
