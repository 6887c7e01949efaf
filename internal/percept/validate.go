package percept

import (
	"errors"
	"fmt"
)

// ErrMalformedObservation marks a frame that is missing required fields or
// carries values outside the contract. The engine recovers by skipping rule
// updates for the turn; the planner still acts on the last-known rule set.
var ErrMalformedObservation = errors.New("malformed observation")

// Validate checks the frame against the perception contract. A nil entity
// list is malformed (the collaborator always reports, even when nothing
// changed); an empty one is a legitimate quiet frame.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrMalformedObservation)
	}
	if f.Entities == nil {
		return fmt.Errorf("%w: missing entities", ErrMalformedObservation)
	}
	for i, e := range f.Entities {
		if err := e.validate(); err != nil {
			return fmt.Errorf("%w: entity %d: %v", ErrMalformedObservation, i, err)
		}
	}
	if f.Score < 0 {
		return fmt.Errorf("%w: negative score %d", ErrMalformedObservation, f.Score)
	}
	if f.GameState != "" && !f.GameState.IsValid() {
		return fmt.Errorf("%w: unknown game state %q", ErrMalformedObservation, f.GameState)
	}
	if f.PreviousAction != nil {
		if err := f.PreviousAction.validate(); err != nil {
			return fmt.Errorf("%w: previous action: %v", ErrMalformedObservation, err)
		}
	}
	for i, t := range f.ClickTargets {
		if !t.InGrid() {
			return fmt.Errorf("%w: click target %d at (%d,%d) outside grid", ErrMalformedObservation, i, t.X, t.Y)
		}
	}
	return nil
}

func (e Entity) validate() error {
	if e.ID == "" {
		return errors.New("missing id")
	}
	if !e.Category.IsValid() {
		return fmt.Errorf("unknown category %q", e.Category)
	}
	if !e.Transformation.IsValid() {
		return fmt.Errorf("unknown transformation %q", e.Transformation)
	}
	if e.Bounds.W < 0 || e.Bounds.H < 0 {
		return fmt.Errorf("negative bounds %dx%d", e.Bounds.W, e.Bounds.H)
	}
	return nil
}

func (a Action) validate() error {
	if !a.Kind.IsValid() {
		return fmt.Errorf("unknown action %q", a.Kind)
	}
	if a.IsClick() {
		if a.Coordinates == nil {
			return errors.New("click without coordinates")
		}
		if !a.Coordinates.InGrid() {
			return fmt.Errorf("click at (%d,%d) outside grid", a.Coordinates.X, a.Coordinates.Y)
		}
	} else if a.Coordinates != nil {
		return fmt.Errorf("%s carries coordinates", a.Kind)
	}
	return nil
}
