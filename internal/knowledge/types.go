// Package knowledge implements the persistent rule engine: a flat, id-keyed
// table of Hypotheses and promoted Rules with deterministic confidence
// arithmetic. Records move through a one-directional lifecycle:
//
//	Observation → Propose (hypothesis) → Reinforce/Contradict → Promote (rule)
//	            → Decay per turn → Consolidate on episode success
//
// Confidence is a maintained scalar, never a learned parameter. Every change
// to it is recorded on a mutation trail so the history of a rule's trust can
// be audited after the fact.
package knowledge

import (
	"fmt"
	"time"

	"gridmind/internal/percept"
)

// =============================================================================
// TUNING CONSTANTS
// =============================================================================

// Confidence arithmetic. Proposal strength grows with corroborating
// observations in the same turn; reinforcement uses a small step within the
// 0.05..0.08 band; contradiction costs a flat 0.2.
const (
	ProposeBase             = 0.30
	ProposePerCorroborant   = 0.15
	ProposeCap              = 0.60
	ReinforceBase           = 0.05
	ReinforcePerCorroborant = 0.01
	ReinforceCap            = 0.08
	ContradictionPenalty    = 0.20
	ContradictedBelow       = 0.20
)

// Promotion pathways. A hypothesis becomes a rule under any of the three.
const (
	PromoteFastConfidence   = 0.70
	PromoteFastEvidence     = 2
	PromoteSteadyConfidence = 0.60
	PromoteSteadyEvidence   = 4
	PromoteSlowConfidence   = 0.50
	PromoteSlowEvidence     = 6
)

// Decay model: linear, in absolute percentage points per turn beyond the
// grace window. The non-consolidated rate is the midpoint of the allowed
// 0.5%-1.5% band.
const (
	GraceTurns             = 10
	DecayPerTurn           = 0.010
	FloorConfidence        = 0.40
	ConsolidatedGraceTurns = 25
	ConsolidatedDecayRate  = 0.001
	ConsolidatedFloor      = 0.70
	ConsolidationBoost     = 0.15
)

// maxScopeExclusions bounds how many contradicting contexts a rule carries;
// the oldest exclusion is dropped once the cap is reached.
const maxScopeExclusions = 16

// =============================================================================
// RECORD TYPES
// =============================================================================

// Status is a record's lifecycle phase.
type Status string

const (
	// StatusHypothesis is a candidate rule not yet trusted.
	StatusHypothesis Status = "hypothesis"
	// StatusActive is a promoted, trusted rule.
	StatusActive Status = "active"
	// StatusContradicted marks a hypothesis whose confidence collapsed below
	// 0.2. Retained for auditability, never matched or promoted again.
	StatusContradicted Status = "contradicted"
)

// Category groups rules by the kind of behavior they describe.
type Category string

const (
	CategoryMovement     Category = "movement"
	CategoryInteraction  Category = "interaction"
	CategoryStateChange  Category = "state-change"
	CategoryWinCondition Category = "win-condition"
	CategoryConstraint   Category = "constraint"
)

// IsValid reports whether the category is one of the known values.
func (c Category) IsValid() bool {
	switch c {
	case CategoryMovement, CategoryInteraction, CategoryStateChange,
		CategoryWinCondition, CategoryConstraint:
		return true
	}
	return false
}

// CategoryForTransformation maps an observed transformation to the rule
// category a pattern built from it belongs to.
func CategoryForTransformation(t percept.Transformation) Category {
	switch t {
	case percept.TransformTranslation:
		return CategoryMovement
	case percept.TransformRotation, percept.TransformScaling,
		percept.TransformColorChange, percept.TransformShapeChange:
		return CategoryStateChange
	case percept.TransformUnchanged:
		return CategoryConstraint
	default:
		return CategoryInteraction
	}
}

// Condition is the trigger side of a rule: an action, optionally scoped to
// an entity category. An empty entity category means "any".
type Condition struct {
	Action         percept.ActionKind     `json:"action"`
	EntityCategory percept.EntityCategory `json:"entity_category,omitempty"`
}

// Record is one row of the flat rule table. A Hypothesis and a Rule are the
// same record at different lifecycle phases; promotion fills in the
// rule-only fields (floor, grace, proven, protected).
type Record struct {
	ID        string   `json:"id"`
	Statement string   `json:"statement"`
	Signature string   `json:"signature"`
	Category  Category `json:"category"`
	Status    Status   `json:"status"`

	Condition Condition              `json:"condition"`
	Effect    percept.Transformation `json:"effect,omitempty"`

	Confidence    float64 `json:"confidence"`
	EvidenceCount int     `json:"evidence_count"`
	FirstSeenTurn int     `json:"first_seen_turn"`
	LastSeenTurn  int     `json:"last_seen_turn"`
	LastDecayTurn int     `json:"last_decay_turn"`

	LevelProven        bool    `json:"level_proven"`
	Protected          bool    `json:"protected"`
	FloorConfidence    float64 `json:"floor_confidence,omitempty"`
	GracePeriodEndTurn int     `json:"grace_period_end_turn,omitempty"`

	// ScopeExclusions narrows where the rule claims to apply: entity ids in
	// whose presence the rule failed. A rule fires only when at least one
	// entity of its category is present and not excluded.
	ScopeExclusions []string `json:"scope_exclusions,omitempty"`

	Source    string    `json:"source"` // observation | pack | import
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRule reports whether the record has been promoted.
func (r *Record) IsRule() bool {
	return r.Status == StatusActive
}

// Excludes reports whether the entity id is on the record's exclusion list.
func (r *Record) Excludes(entityID string) bool {
	for _, ex := range r.ScopeExclusions {
		if ex == entityID {
			return true
		}
	}
	return false
}

// graceEnd returns the first turn at which decay may apply.
func (r *Record) graceEnd() int {
	grace := GraceTurns
	if r.LevelProven {
		grace = ConsolidatedGraceTurns
	}
	return r.LastSeenTurn + grace
}

func (r *Record) decayRate() float64 {
	if r.LevelProven {
		return ConsolidatedDecayRate
	}
	return DecayPerTurn
}

func (r *Record) clone() Record {
	out := *r
	out.ScopeExclusions = append([]string(nil), r.ScopeExclusions...)
	return out
}

// =============================================================================
// MUTATION TRAIL
// =============================================================================

// MutationCause names the operation behind a confidence change.
type MutationCause string

const (
	CauseProposed     MutationCause = "proposed"
	CauseReinforced   MutationCause = "reinforced"
	CauseContradicted MutationCause = "contradicted"
	CausePromoted     MutationCause = "promoted"
	CauseDecayed      MutationCause = "decayed"
	CauseConsolidated MutationCause = "consolidated"
)

// Mutation is one audited confidence change.
type Mutation struct {
	RuleID        string        `json:"rule_id"`
	Turn          int           `json:"turn"`
	Cause         MutationCause `json:"cause"`
	OldConfidence float64       `json:"old_confidence"`
	NewConfidence float64       `json:"new_confidence"`
	At            time.Time     `json:"at"`
}

// =============================================================================
// PROMOTION PREDICATE
// =============================================================================

// Eligible reports whether a (confidence, evidence) pair satisfies any of
// the three promotion pathways.
func Eligible(confidence float64, evidence int) bool {
	switch {
	case confidence >= PromoteFastConfidence && evidence >= PromoteFastEvidence:
		return true
	case confidence >= PromoteSteadyConfidence && evidence >= PromoteSteadyEvidence:
		return true
	case confidence >= PromoteSlowConfidence && evidence >= PromoteSlowEvidence:
		return true
	}
	return false
}

// pathway names the first pathway a pair satisfies, for log lines.
func pathway(confidence float64, evidence int) string {
	switch {
	case confidence >= PromoteFastConfidence && evidence >= PromoteFastEvidence:
		return "fast"
	case confidence >= PromoteSteadyConfidence && evidence >= PromoteSteadyEvidence:
		return "steady"
	case confidence >= PromoteSlowConfidence && evidence >= PromoteSlowEvidence:
		return "slow"
	}
	return "none"
}

// statementFor renders a human-readable condition→effect description.
func statementFor(category Category, cond Condition, effect percept.Transformation) string {
	scope := "entities"
	if cond.EntityCategory != "" {
		scope = string(cond.EntityCategory) + " entities"
	}
	switch category {
	case CategoryWinCondition:
		return fmt.Sprintf("%s increases the score", cond.Action)
	case CategoryConstraint:
		return fmt.Sprintf("%s has no effect on %s", cond.Action, scope)
	default:
		return fmt.Sprintf("%s causes %s on %s", cond.Action, effect, scope)
	}
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
