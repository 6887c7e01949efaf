package knowledge

import (
	"errors"
	"sort"

	"gridmind/internal/logging"
	"gridmind/internal/percept"
)

// Pattern is one condition→effect claim read out of a frame: the previous
// action, the entity category it touched, and the transformation that
// followed. Corroborations counts how many entities exhibited it this turn.
type Pattern struct {
	Category       Category
	Condition      Condition
	Effect         percept.Transformation
	Corroborations int
	EntityIDs      []string
}

// Signature returns the pattern's dedup key.
func (p Pattern) Signature() string {
	return SignatureFor(p.Category, p.Condition, p.Effect)
}

// IngestReport summarizes what one frame did to the rule table. The planner
// reads it to steer curiosity.
type IngestReport struct {
	Proposed     []string
	Reinforced   []string
	Contradicted []string
	RuleReused   bool
}

// NewHypotheses reports how many brand-new hypotheses the frame produced.
func (r IngestReport) NewHypotheses() int {
	return len(r.Proposed)
}

// ExtractPatterns derives the deterministic pattern set of a frame. Causal
// attribution needs a cause: a frame with no previous action (first turn,
// or right after an episode reset) yields nothing.
func ExtractPatterns(frame *percept.Frame, prevAction percept.ActionKind, scoreDelta int) []Pattern {
	if frame == nil || !prevAction.IsValid() || prevAction == percept.ActionReset {
		return nil
	}

	type key struct {
		category percept.EntityCategory
		effect   percept.Transformation
	}
	groups := make(map[key][]string)
	changed := 0
	for _, e := range frame.Entities {
		if !e.Changed() {
			continue
		}
		changed++
		k := key{category: e.Category, effect: e.Transformation}
		groups[k] = append(groups[k], e.ID)
	}

	var patterns []Pattern
	for k, ids := range groups {
		sort.Strings(ids)
		patterns = append(patterns, Pattern{
			Category:       CategoryForTransformation(k.effect),
			Condition:      Condition{Action: prevAction, EntityCategory: k.category},
			Effect:         k.effect,
			Corroborations: len(ids),
			EntityIDs:      ids,
		})
	}
	sort.Slice(patterns, func(i, j int) bool {
		return patterns[i].Signature() < patterns[j].Signature()
	})

	if scoreDelta > 0 {
		patterns = append(patterns, Pattern{
			Category:       CategoryWinCondition,
			Condition:      Condition{Action: prevAction},
			Corroborations: 1,
		})
	}
	if changed == 0 && scoreDelta == 0 {
		patterns = append(patterns, Pattern{
			Category:       CategoryConstraint,
			Condition:      Condition{Action: prevAction},
			Effect:         percept.TransformUnchanged,
			Corroborations: 1,
		})
	}
	return patterns
}

// Ingest applies one frame's evidence to the table: matching patterns
// reinforce their records, unknown patterns become hypotheses, and live
// records whose condition fired without their effect appearing are
// contradicted with their scope narrowed to exclude the failing context.
func (s *Store) Ingest(turn int, frame *percept.Frame, prevAction percept.ActionKind, scoreDelta int) IngestReport {
	var report IngestReport

	patterns := ExtractPatterns(frame, prevAction, scoreDelta)
	if len(patterns) == 0 {
		return report
	}

	matched := make(map[string]bool)
	for _, p := range patterns {
		rec, known := s.BySignature(p.Signature())
		if !known {
			proposed, err := s.Propose(turn, p.Category, p.Condition, p.Effect, p.Corroborations, "observation")
			if err == nil {
				report.Proposed = append(report.Proposed, proposed.ID)
				matched[proposed.ID] = true // its effect was just observed
				continue
			}
			if !errors.Is(err, ErrDuplicateSignature) {
				continue
			}
			rec = proposed
		}
		updated, err := s.Reinforce(rec.ID, true, p.Corroborations, turn)
		if err != nil {
			continue
		}
		matched[rec.ID] = true
		report.Reinforced = append(report.Reinforced, rec.ID)
		if updated.Status == StatusActive {
			report.RuleReused = true
		}
	}

	report.Contradicted = s.contradictFired(turn, frame, prevAction, matched)

	logging.KnowledgeDebug("Ingest: turn %d proposed=%d reinforced=%d contradicted=%d",
		turn, len(report.Proposed), len(report.Reinforced), len(report.Contradicted))
	return report
}

// contradictFired finds live records whose condition fired this turn without
// their effect showing up, and applies the contradiction path to each.
func (s *Store) contradictFired(turn int, frame *percept.Frame, prevAction percept.ActionKind, matched map[string]bool) []string {
	anyChange := len(frame.ChangedEntities()) > 0

	s.mu.RLock()
	type target struct {
		id       string
		excluded []string
	}
	var targets []target
	for id, rec := range s.records {
		if rec.Status == StatusContradicted || matched[id] {
			continue
		}
		if rec.Condition.Action != prevAction {
			continue
		}
		switch rec.Category {
		case CategoryWinCondition:
			// Score gains are sporadic; their absence proves nothing.
			continue
		case CategoryConstraint:
			// A no-effect claim is broken by any change at all.
			if anyChange {
				targets = append(targets, target{id: id})
			}
		default:
			witnesses, present := firingWitnesses(rec, frame)
			if present {
				targets = append(targets, target{id: id, excluded: witnesses})
			}
		}
	}
	s.mu.RUnlock()

	var contradicted []string
	for _, tg := range targets {
		if _, err := s.Contradict(tg.id, tg.excluded, turn); err == nil {
			contradicted = append(contradicted, tg.id)
		}
	}
	return contradicted
}

// firingWitnesses reports whether a rule's condition was applicable this
// frame, and if so which entity ids witnessed the failure. A rule scoped to
// an entity category fires only when at least one entity of that category is
// present and not already excluded.
func firingWitnesses(rec *Record, frame *percept.Frame) ([]string, bool) {
	const maxWitnesses = 4

	var witnesses []string
	present := false
	for _, e := range frame.Entities {
		if rec.Condition.EntityCategory != "" && e.Category != rec.Condition.EntityCategory {
			continue
		}
		if rec.Excludes(e.ID) {
			continue
		}
		present = true
		if len(witnesses) < maxWitnesses {
			witnesses = append(witnesses, e.ID)
		}
	}
	return witnesses, present
}
