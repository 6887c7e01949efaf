// Package percept defines the wire contract between the reasoning core and
// its external collaborators: the perception layer that turns raw pixels into
// named entities and transformations (consumed as Frame), and the execution
// layer that carries out chosen actions (fed as Decision).
//
// The reasoning core never sees pixels. Everything it knows about the grid
// arrives through these types, and everything it wants done leaves through
// them. Validation lives here too, so malformed input is caught at the
// boundary before it can touch rule bookkeeping.
package percept

import (
	"encoding/json"
	"fmt"
)

// GridSize is the fixed edge length of the puzzle grid. Click coordinates
// range over [0, GridSize).
const GridSize = 64

// =============================================================================
// ENTITY TYPES
// =============================================================================

// EntityCategory distinguishes playfield objects from HUD/interface chrome.
type EntityCategory string

const (
	CategoryGameWorld     EntityCategory = "Game-World"
	CategoryMetaInterface EntityCategory = "Meta-Interface"
)

// IsValid reports whether the category is one of the known values.
func (c EntityCategory) IsValid() bool {
	return c == CategoryGameWorld || c == CategoryMetaInterface
}

// Transformation describes how an entity changed since the previous frame.
type Transformation string

const (
	TransformTranslation       Transformation = "TRANSLATION"
	TransformRotation          Transformation = "ROTATION"
	TransformScaling           Transformation = "SCALING"
	TransformMaterialization   Transformation = "MATERIALIZATION"
	TransformDematerialization Transformation = "DEMATERIALIZATION"
	TransformColorChange       Transformation = "COLOR_CHANGE"
	TransformShapeChange       Transformation = "SHAPE_CHANGE"
	TransformFragmentation     Transformation = "FRAGMENTATION"
	TransformFusion            Transformation = "FUSION"
	TransformAreaClearing      Transformation = "AREA_CLEARING"
	TransformAreaFilling       Transformation = "AREA_FILLING"
	TransformUnchanged         Transformation = "UNCHANGED"
)

// AllTransformations lists every known transformation value.
func AllTransformations() []Transformation {
	return []Transformation{
		TransformTranslation,
		TransformRotation,
		TransformScaling,
		TransformMaterialization,
		TransformDematerialization,
		TransformColorChange,
		TransformShapeChange,
		TransformFragmentation,
		TransformFusion,
		TransformAreaClearing,
		TransformAreaFilling,
		TransformUnchanged,
	}
}

// IsValid reports whether the transformation is one of the known values.
func (t Transformation) IsValid() bool {
	for _, known := range AllTransformations() {
		if t == known {
			return true
		}
	}
	return false
}

// Bounds is an entity's axis-aligned box in grid cells.
type Bounds struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Entity is one observed object on the grid.
type Entity struct {
	ID             string         `json:"id"`
	Category       EntityCategory `json:"category"`
	Transformation Transformation `json:"transformation"`
	Bounds         Bounds         `json:"bounds"`
}

// Changed reports whether the entity did anything this frame.
func (e Entity) Changed() bool {
	return e.Transformation != TransformUnchanged
}

// =============================================================================
// GAME STATE
// =============================================================================

// GameState is the harness-reported lifecycle phase of the current puzzle.
type GameState string

const (
	GameStateNotPlayed   GameState = "NOT_PLAYED"
	GameStateNotFinished GameState = "NOT_FINISHED"
	GameStateWin         GameState = "WIN"
	GameStateGameOver    GameState = "GAME_OVER"
)

// IsValid reports whether the state is one of the known values.
func (g GameState) IsValid() bool {
	switch g {
	case GameStateNotPlayed, GameStateNotFinished, GameStateWin, GameStateGameOver:
		return true
	}
	return false
}

// EpisodeBoundary reports whether a frame in this state starts a fresh
// episode (score counters reset, a reset pseudo-action is due).
func (g GameState) EpisodeBoundary() bool {
	return g == GameStateNotPlayed || g == GameStateWin || g == GameStateGameOver
}

// =============================================================================
// ACTIONS
// =============================================================================

// ActionKind is one symbol from the fixed action alphabet.
type ActionKind string

const (
	ActionUp    ActionKind = "up"
	ActionDown  ActionKind = "down"
	ActionLeft  ActionKind = "left"
	ActionRight ActionKind = "right"
	ActionSpace ActionKind = "space"
	ActionClick ActionKind = "click"

	// ActionReset is a pseudo-action emitted at episode boundaries. It never
	// appears inside a planned sequence.
	ActionReset ActionKind = "reset"
)

// MoveActions lists the non-click, non-reset members of the alphabet.
func MoveActions() []ActionKind {
	return []ActionKind{ActionUp, ActionDown, ActionLeft, ActionRight, ActionSpace}
}

// IsValid reports whether the kind is a member of the action alphabet.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionUp, ActionDown, ActionLeft, ActionRight, ActionSpace, ActionClick, ActionReset:
		return true
	}
	return false
}

// Point is a grid coordinate, serialized as a two-element [x, y] array.
type Point struct {
	X int
	Y int
}

// MarshalJSON encodes the point as [x, y].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{p.X, p.Y})
}

// UnmarshalJSON decodes a two-element [x, y] array.
func (p *Point) UnmarshalJSON(data []byte) error {
	var xy [2]int
	if err := json.Unmarshal(data, &xy); err != nil {
		return fmt.Errorf("point must be a two-element array: %w", err)
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// InGrid reports whether the point lies on the grid.
func (p Point) InGrid() bool {
	return p.X >= 0 && p.X < GridSize && p.Y >= 0 && p.Y < GridSize
}

// Action is one executable step. Coordinates are present exactly when Kind
// is ActionClick.
type Action struct {
	Kind        ActionKind `json:"action"`
	Coordinates *Point     `json:"coordinates,omitempty"`
}

// Click builds a click action at (x, y).
func Click(x, y int) Action {
	return Action{Kind: ActionClick, Coordinates: &Point{X: x, Y: y}}
}

// Move builds a plain (coordinate-free) action.
func Move(kind ActionKind) Action {
	return Action{Kind: kind}
}

// IsClick reports whether the action is a click.
func (a Action) IsClick() bool {
	return a.Kind == ActionClick
}

// String renders the action for logs and reasoning strings.
func (a Action) String() string {
	if a.IsClick() && a.Coordinates != nil {
		return fmt.Sprintf("click(%d,%d)", a.Coordinates.X, a.Coordinates.Y)
	}
	return string(a.Kind)
}

// ActionSequence is an ordered list of 1-5 atomic actions. If any element is
// a click it must be the sole element; the planner enforces this before a
// sequence ever reaches the execution layer.
type ActionSequence []Action

// String renders the sequence for logs and reasoning strings.
func (s ActionSequence) String() string {
	if len(s) == 0 {
		return "(empty)"
	}
	out := s[0].String()
	for _, a := range s[1:] {
		out += " " + a.String()
	}
	return out
}

// ContainsClick reports whether any element is a click.
func (s ActionSequence) ContainsClick() bool {
	for _, a := range s {
		if a.IsClick() {
			return true
		}
	}
	return false
}

// =============================================================================
// WIRE FRAMES
// =============================================================================

// Frame is the complete per-turn input from the perception collaborator.
type Frame struct {
	Entities        []Entity  `json:"entities"`
	PreviousAction  *Action   `json:"previous_action,omitempty"`
	Score           int       `json:"score"`
	EpisodeComplete bool      `json:"episode_complete"`
	GameState       GameState `json:"game_state,omitempty"`
	ClickTargets    []Point   `json:"click_targets,omitempty"`
}

// ChangedEntities returns the entities that did something this frame.
func (f *Frame) ChangedEntities() []Entity {
	var changed []Entity
	for _, e := range f.Entities {
		if e.Changed() {
			changed = append(changed, e)
		}
	}
	return changed
}

// Decision is the complete per-turn output handed to the execution layer.
type Decision struct {
	ActionSequence       ActionSequence `json:"action_sequence"`
	Reasoning            string         `json:"reasoning"`
	ExpectedOutcome      string         `json:"expected_outcome"`
	Confidence           float64        `json:"confidence"`
	ConfidenceAdjustment float64        `json:"confidence_adjustment"`
	Experimental         bool           `json:"experimental"`
}
