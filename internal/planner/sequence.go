package planner

import (
	"errors"
	"fmt"

	"gridmind/internal/percept"
)

var (
	// ErrInvalidSequence means a sequence broke the length or click rules
	// for the current state. Rejected before it can reach the execution
	// layer.
	ErrInvalidSequence = errors.New("invalid action sequence")
	// ErrNoViableAction means the state's planning constraints left nothing
	// to emit. Fatal for the turn, not the process: the caller falls back
	// to a single safe action and records the failure.
	ErrNoViableAction = errors.New("no viable action")
)

// Risk describes how speculative a state's plans are allowed to be.
type Risk string

const (
	RiskVeryLow  Risk = "very_low"
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskVeryHigh Risk = "very_high"
)

// Policy is a state's sequencing envelope: how many atomic actions a plan
// may carry and the risk posture behind it. Clicks are allowed in every
// state but always travel alone.
type Policy struct {
	MinLen int
	MaxLen int
	Risk   Risk
}

// policyFor maps each cognitive stance to its sequence-length policy.
func policyFor(state State) Policy {
	switch state {
	case StateExploring:
		return Policy{MinLen: 1, MaxLen: 2, Risk: RiskHigh}
	case StatePatternSeeking:
		return Policy{MinLen: 2, MaxLen: 3, Risk: RiskMedium}
	case StateHypothesisTesting:
		return Policy{MinLen: 1, MaxLen: 2, Risk: RiskLow}
	case StateOptimization:
		return Policy{MinLen: 3, MaxLen: 5, Risk: RiskVeryLow}
	case StateFrustrated:
		return Policy{MinLen: 1, MaxLen: 1, Risk: RiskVeryHigh}
	default:
		return Policy{MinLen: 1, MaxLen: 1, Risk: RiskHigh}
	}
}

// ValidateSequence checks a sequence against the rules that must hold before
// anything reaches the execution layer: non-empty, within the state's length
// cap, a click travels alone with coordinates from the caller-supplied valid
// set, and every element is well formed.
func ValidateSequence(seq percept.ActionSequence, state State, validClicks []percept.Point) error {
	if len(seq) == 0 {
		return fmt.Errorf("%w: empty sequence", ErrInvalidSequence)
	}
	policy := policyFor(state)
	if len(seq) > policy.MaxLen {
		return fmt.Errorf("%w: %d actions exceeds %s cap of %d", ErrInvalidSequence, len(seq), state, policy.MaxLen)
	}

	for _, a := range seq {
		if !a.Kind.IsValid() || a.Kind == percept.ActionReset {
			return fmt.Errorf("%w: unknown action %q", ErrInvalidSequence, a.Kind)
		}
		if !a.IsClick() {
			if a.Coordinates != nil {
				return fmt.Errorf("%w: %s carries coordinates", ErrInvalidSequence, a.Kind)
			}
			continue
		}
		if len(seq) != 1 {
			return fmt.Errorf("%w: click must be the sole element", ErrInvalidSequence)
		}
		if a.Coordinates == nil {
			return fmt.Errorf("%w: click without coordinates", ErrInvalidSequence)
		}
		if !clickTargetValid(*a.Coordinates, validClicks) {
			return fmt.Errorf("%w: click target (%d,%d) not in valid set", ErrInvalidSequence, a.Coordinates.X, a.Coordinates.Y)
		}
	}
	return nil
}

func clickTargetValid(p percept.Point, valid []percept.Point) bool {
	for _, v := range valid {
		if v == p {
			return true
		}
	}
	return false
}
