package knowledge

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridmind/internal/logging"
	"gridmind/internal/percept"
)

var (
	// ErrUnknownRule means the id is not in the table.
	ErrUnknownRule = errors.New("unknown rule id")
	// ErrNotEligible means no promotion pathway holds for the record.
	ErrNotEligible = errors.New("not eligible for promotion")
	// ErrDuplicateSignature means a record with the same signature exists.
	ErrDuplicateSignature = errors.New("signature already known")
	// ErrContradictedRecord means the record collapsed and no longer
	// participates in matching, promotion, or consolidation.
	ErrContradictedRecord = errors.New("record is contradicted")
)

// maxMutationTrail bounds the in-memory audit trail; the persistence layer
// flushes mutations before they rotate out.
const maxMutationTrail = 512

// Store is the flat rule table. It exclusively owns every record; callers
// receive copies and refer back by id only.
type Store struct {
	mu        sync.RWMutex
	records   map[string]*Record
	bySig     map[string]string
	mutations []Mutation
}

// NewStore creates an empty rule table.
func NewStore() *Store {
	logging.Knowledge("Creating rule store")
	return &Store{
		records: make(map[string]*Record),
		bySig:   make(map[string]string),
	}
}

// Restore rebuilds a store from persisted records.
func Restore(records []Record) (*Store, error) {
	s := &Store{
		records: make(map[string]*Record, len(records)),
		bySig:   make(map[string]string, len(records)),
	}
	for _, rec := range records {
		if rec.ID == "" {
			return nil, fmt.Errorf("%w: record without id", ErrUnknownRule)
		}
		if prev, ok := s.bySig[rec.Signature]; ok && rec.Status != StatusContradicted {
			return nil, fmt.Errorf("%w: %s collides with %s", ErrDuplicateSignature, rec.ID, prev)
		}
		cp := rec.clone()
		s.records[rec.ID] = &cp
		if rec.Status != StatusContradicted {
			s.bySig[rec.Signature] = rec.ID
		}
	}
	logging.Knowledge("Restore: rebuilt store with %d records", len(records))
	return s, nil
}

// =============================================================================
// LIFECYCLE OPERATIONS
// =============================================================================

// Propose creates a hypothesis for a pattern no existing record covers.
// Initial confidence is a deterministic function of how many entities
// exhibited the pattern this turn. Returns the existing record and
// ErrDuplicateSignature when the pattern is already known.
func (s *Store) Propose(turn int, category Category, cond Condition, effect percept.Transformation, corroborations int, source string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if corroborations < 1 {
		corroborations = 1
	}
	sig := SignatureFor(category, cond, effect)
	if id, ok := s.bySig[sig]; ok {
		return s.records[id].clone(), fmt.Errorf("%w: %s", ErrDuplicateSignature, sig)
	}

	now := time.Now().UTC()
	confidence := ProposeBase + ProposePerCorroborant*float64(corroborations)
	if confidence > ProposeCap {
		confidence = ProposeCap
	}
	rec := &Record{
		ID:            uuid.New().String(),
		Statement:     statementFor(category, cond, effect),
		Signature:     sig,
		Category:      category,
		Status:        StatusHypothesis,
		Condition:     cond,
		Effect:        effect,
		Confidence:    confidence,
		EvidenceCount: corroborations,
		FirstSeenTurn: turn,
		LastSeenTurn:  turn,
		Source:        source,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.records[rec.ID] = rec
	s.bySig[sig] = rec.ID
	s.note(rec.ID, turn, CauseProposed, 0, confidence)

	logging.Knowledge("Propose: %q (category=%s, confidence=%.2f, corroborations=%d)",
		rec.Statement, category, confidence, corroborations)
	return rec.clone(), nil
}

// Reinforce applies outcome evidence to a record. A match nudges confidence
// up within the 0.05..0.08 band and accrues evidence; a mismatch is the
// contradiction path and costs a flat 0.2.
func (s *Store) Reinforce(id string, outcomeMatched bool, corroborations, turn int) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	if rec.Status == StatusContradicted {
		return rec.clone(), fmt.Errorf("%w: %s", ErrContradictedRecord, id)
	}
	if !outcomeMatched {
		s.applyContradiction(rec, turn)
		return rec.clone(), nil
	}

	if corroborations < 1 {
		corroborations = 1
	}
	step := ReinforceBase + ReinforcePerCorroborant*float64(corroborations-1)
	if step > ReinforceCap {
		step = ReinforceCap
	}
	old := rec.Confidence
	rec.Confidence = clamp01(rec.Confidence + step)
	rec.EvidenceCount += corroborations
	rec.LastSeenTurn = turn
	if rec.Status == StatusActive {
		rec.GracePeriodEndTurn = rec.graceEnd()
	}
	rec.UpdatedAt = time.Now().UTC()
	s.note(rec.ID, turn, CauseReinforced, old, rec.Confidence)

	logging.KnowledgeDebug("Reinforce: %s %.2f -> %.2f (evidence=%d)", id, old, rec.Confidence, rec.EvidenceCount)
	return rec.clone(), nil
}

// Contradict narrows a record's scope and applies the contradiction penalty.
// The excluded entity ids describe the context the rule failed in; a rule
// never dies to its first contradiction, it survives with a smaller claim
// until its confidence collapses.
func (s *Store) Contradict(id string, excludeEntityIDs []string, turn int) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	if rec.Status == StatusContradicted {
		return rec.clone(), fmt.Errorf("%w: %s", ErrContradictedRecord, id)
	}

	for _, entityID := range excludeEntityIDs {
		if entityID == "" || rec.Excludes(entityID) {
			continue
		}
		rec.ScopeExclusions = append(rec.ScopeExclusions, entityID)
		if len(rec.ScopeExclusions) > maxScopeExclusions {
			rec.ScopeExclusions = rec.ScopeExclusions[1:]
		}
	}
	s.applyContradiction(rec, turn)

	logging.Knowledge("Contradict: %q now %.2f (status=%s, exclusions=%d)",
		rec.Statement, rec.Confidence, rec.Status, len(rec.ScopeExclusions))
	return rec.clone(), nil
}

// applyContradiction holds the shared penalty arithmetic. Floors bind
// promoted rules, so a rule parks at its floor; a hypothesis can collapse
// below 0.2 and is then flagged contradicted and retired from matching.
func (s *Store) applyContradiction(rec *Record, turn int) {
	old := rec.Confidence
	rec.Confidence -= ContradictionPenalty
	if rec.Status == StatusActive {
		if rec.Confidence < rec.FloorConfidence {
			rec.Confidence = rec.FloorConfidence
		}
		rec.GracePeriodEndTurn = rec.graceEnd()
	} else {
		if rec.Confidence < 0 {
			rec.Confidence = 0
		}
		if rec.Confidence < ContradictedBelow {
			rec.Status = StatusContradicted
			delete(s.bySig, rec.Signature)
		}
	}
	rec.LastSeenTurn = turn
	rec.UpdatedAt = time.Now().UTC()
	s.note(rec.ID, turn, CauseContradicted, old, rec.Confidence)
}

// Promote turns a hypothesis into a rule when any pathway predicate holds.
// Idempotent on an already-promoted id; NotEligible otherwise.
func (s *Store) Promote(id string, turn int) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	if rec.Status == StatusActive {
		return rec.clone(), nil
	}
	if rec.Status == StatusContradicted {
		return rec.clone(), fmt.Errorf("%w: %s is contradicted", ErrNotEligible, id)
	}
	if !Eligible(rec.Confidence, rec.EvidenceCount) {
		return rec.clone(), fmt.Errorf("%w: confidence=%.2f evidence=%d", ErrNotEligible, rec.Confidence, rec.EvidenceCount)
	}

	rec.Status = StatusActive
	rec.FloorConfidence = FloorConfidence
	rec.GracePeriodEndTurn = rec.graceEnd()
	rec.UpdatedAt = time.Now().UTC()
	s.note(rec.ID, turn, CausePromoted, rec.Confidence, rec.Confidence)

	logging.Knowledge("Promote: %q via %s pathway (confidence=%.2f, evidence=%d)",
		rec.Statement, pathway(rec.Confidence, rec.EvidenceCount), rec.Confidence, rec.EvidenceCount)
	return rec.clone(), nil
}

// PromoteEligible promotes every hypothesis that currently satisfies a
// promotion pathway. Runs once per turn after evidence ingest, so a rule
// exists the turn it is earned rather than waiting for an episode boundary.
// Returns the promoted ids in deterministic order.
func (s *Store) PromoteEligible(turn int) []string {
	s.mu.RLock()
	var due []string
	for id, rec := range s.records {
		if rec.Status == StatusHypothesis && Eligible(rec.Confidence, rec.EvidenceCount) {
			due = append(due, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(due)

	promoted := due[:0]
	for _, id := range due {
		if _, err := s.Promote(id, turn); err == nil {
			promoted = append(promoted, id)
		}
	}
	return promoted
}

// Decay applies lazy per-turn decay to every promoted rule. Each whole turn
// past the grace window and not yet charged costs one linear step down to
// the rule's floor. Hypotheses do not decay; they live or die by evidence.
// Returns the number of rules whose confidence moved.
func (s *Store) Decay(currentTurn int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	decayed := 0
	for _, rec := range s.records {
		if rec.Status != StatusActive {
			continue
		}
		start := rec.graceEnd()
		if rec.LastDecayTurn > start {
			start = rec.LastDecayTurn
		}
		if currentTurn > start {
			steps := currentTurn - start
			old := rec.Confidence
			rec.Confidence -= rec.decayRate() * float64(steps)
			if rec.Confidence < rec.FloorConfidence {
				rec.Confidence = rec.FloorConfidence
			}
			if rec.Confidence != old {
				decayed++
				rec.UpdatedAt = time.Now().UTC()
				s.note(rec.ID, currentTurn, CauseDecayed, old, rec.Confidence)
			}
		}
		rec.LastDecayTurn = currentTurn
	}
	if decayed > 0 {
		logging.KnowledgeDebug("Decay: turn %d touched %d rules", currentTurn, decayed)
	}
	return decayed
}

// Consolidate permanently strengthens a rule after an episode success:
// confidence boost, proven flag, the long grace window, and the high floor.
// Idempotent; a second call is a no-op on confidence.
func (s *Store) Consolidate(id string, turn int) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	if rec.Status != StatusActive {
		return rec.clone(), fmt.Errorf("%w: %s is not a promoted rule", ErrNotEligible, id)
	}
	if rec.LevelProven {
		return rec.clone(), nil
	}

	old := rec.Confidence
	rec.Confidence = clamp01(rec.Confidence + ConsolidationBoost)
	rec.LevelProven = true
	rec.Protected = true
	rec.FloorConfidence = ConsolidatedFloor
	rec.LastSeenTurn = turn
	rec.GracePeriodEndTurn = rec.graceEnd()
	rec.UpdatedAt = time.Now().UTC()
	s.note(rec.ID, turn, CauseConsolidated, old, rec.Confidence)

	logging.Knowledge("Consolidate: %q %.2f -> %.2f (floor=%.2f)", rec.Statement, old, rec.Confidence, rec.FloorConfidence)
	return rec.clone(), nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns a copy of one record.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	return rec.clone(), nil
}

// BySignature looks up the live record for a pattern signature.
func (s *Store) BySignature(sig string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySig[sig]
	if !ok {
		return Record{}, false
	}
	return s.records[id].clone(), true
}

// ActiveRules returns promoted rules at or above the confidence cutoff,
// strongest first. When two rules share a condition and disagree on the
// effect only the stronger claim is returned; equal confidence breaks by
// more recent evidence.
func (s *Store) ActiveRules(minConfidence float64) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := make(map[string]*Record)
	for _, rec := range s.records {
		if rec.Status != StatusActive || rec.Confidence < minConfidence {
			continue
		}
		key := string(rec.Condition.Action) + "|" + string(rec.Condition.EntityCategory)
		cur, ok := best[key]
		if !ok || stronger(rec, cur) {
			best[key] = rec
		}
	}

	out := make([]Record, 0, len(best))
	for _, rec := range best {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].LastSeenTurn != out[j].LastSeenTurn {
			return out[i].LastSeenTurn > out[j].LastSeenTurn
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func stronger(a, b *Record) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.LastSeenTurn > b.LastSeenTurn
}

// HypothesesNeedingEvidence returns live hypotheses ordered by how starved
// they are: least evidence first, then lowest confidence, then oldest.
func (s *Store) HypothesesNeedingEvidence() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, rec := range s.records {
		if rec.Status == StatusHypothesis {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EvidenceCount != out[j].EvidenceCount {
			return out[i].EvidenceCount < out[j].EvidenceCount
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence < out[j].Confidence
		}
		if out[i].FirstSeenTurn != out[j].FirstSeenTurn {
			return out[i].FirstSeenTurn < out[j].FirstSeenTurn
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// All returns copies of every record, contradicted ones included, ordered by
// first appearance. This is the persistence surface.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeenTurn != out[j].FirstSeenTurn {
			return out[i].FirstSeenTurn < out[j].FirstSeenTurn
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SnapshotIDs returns the ids considered live this turn (everything except
// contradicted records), sorted for stable turn entries.
func (s *Store) SnapshotIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id, rec := range s.records {
		if rec.Status != StatusContradicted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Mutations returns a copy of the recent confidence audit trail.
func (s *Store) Mutations() []Mutation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Mutation(nil), s.mutations...)
}

// DrainMutations returns the buffered audit trail and clears it, so the
// persistence layer can flush entries before the bound rotates them out.
func (s *Store) DrainMutations() []Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.mutations
	s.mutations = nil
	return out
}

// Len returns the total number of records, contradicted included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Counts returns the record totals by status.
func (s *Store) Counts() (hypotheses, active, contradicted int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		switch rec.Status {
		case StatusHypothesis:
			hypotheses++
		case StatusActive:
			active++
		case StatusContradicted:
			contradicted++
		}
	}
	return hypotheses, active, contradicted
}

// Stats summarizes the table for logs and the state command.
func (s *Store) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCategory := make(map[string]int)
	hypotheses, active, contradicted, consolidated := 0, 0, 0, 0
	var totalConfidence float64
	for _, rec := range s.records {
		byCategory[string(rec.Category)]++
		totalConfidence += rec.Confidence
		switch rec.Status {
		case StatusHypothesis:
			hypotheses++
		case StatusActive:
			active++
			if rec.LevelProven {
				consolidated++
			}
		case StatusContradicted:
			contradicted++
		}
	}

	stats := map[string]interface{}{
		"total":          len(s.records),
		"hypotheses":     hypotheses,
		"active_rules":   active,
		"consolidated":   consolidated,
		"contradicted":   contradicted,
		"by_category":    byCategory,
		"avg_confidence": 0.0,
		"mutations":      len(s.mutations),
	}
	if len(s.records) > 0 {
		stats["avg_confidence"] = totalConfidence / float64(len(s.records))
	}
	return stats
}

// note appends to the bounded mutation trail. Callers hold the write lock.
func (s *Store) note(id string, turn int, cause MutationCause, oldConf, newConf float64) {
	s.mutations = append(s.mutations, Mutation{
		RuleID:        id,
		Turn:          turn,
		Cause:         cause,
		OldConfidence: oldConf,
		NewConfidence: newConf,
		At:            time.Now().UTC(),
	})
	if len(s.mutations) > maxMutationTrail {
		s.mutations = s.mutations[len(s.mutations)-maxMutationTrail:]
	}
}
