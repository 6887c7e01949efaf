// Package turnlog keeps the append-only, turn-indexed causal record of the
// agent: what was observed, what was done, what was predicted, and what
// actually happened. The log is the system's sole notion of time; rule decay
// and anti-repetition both count turns here, never wall-clock.
//
// An entry moves through three phases. Open creates a provisional entry when
// a frame arrives; RecordDecision commits the planner's output; ResolveOutcome
// attaches the observed outcome on the next turn and seals the entry. A
// sealed entry is never mutated again, and a provisional entry that never
// reaches RecordDecision (perception timeout) vanishes without a trace.
package turnlog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gridmind/internal/percept"
)

// =============================================================================
// ENTRY TYPES
// =============================================================================

// PredictionMatch grades a prediction against the outcome that followed it.
type PredictionMatch string

const (
	MatchPerfect PredictionMatch = "PERFECT"
	MatchPartial PredictionMatch = "PARTIAL"
	MatchNone    PredictionMatch = "NONE"
	MatchWrong   PredictionMatch = "WRONG"

	// MatchPending marks a committed entry whose outcome has not arrived yet.
	MatchPending PredictionMatch = "PENDING"
)

// Progress classifies how much a finalized turn moved the game forward.
type Progress string

const (
	ProgressMajor       Progress = "MAJOR_PROGRESS"
	ProgressMinor       Progress = "MINOR_PROGRESS"
	ProgressValidAction Progress = "VALID_ACTION"
	ProgressNoEffect    Progress = "NO_EFFECT"
)

// Expectation is one predicted or observed effect: a transformation on an
// entity category.
type Expectation struct {
	Category       percept.EntityCategory `json:"category"`
	Transformation percept.Transformation `json:"transformation"`
}

// Prediction is the planner's structured forecast for a turn. An empty
// Expected set means the planner committed to no specific effect; such
// predictions grade as NONE rather than WRONG.
type Prediction struct {
	Description string        `json:"description"`
	Expected    []Expectation `json:"expected,omitempty"`
}

// Outcome is what the next frame actually showed.
type Outcome struct {
	Observed        []Expectation `json:"observed,omitempty"`
	ScoreDelta      int           `json:"score_delta"`
	EpisodeComplete bool          `json:"episode_complete"`
}

// Digest summarizes the frame that opened a turn.
type Digest struct {
	EntityCount  int  `json:"entity_count"`
	ChangedCount int  `json:"changed_count"`
	Score        int  `json:"score"`
	Malformed    bool `json:"malformed,omitempty"`
}

// Entry is one turn's causal record.
type Entry struct {
	TurnIndex       int                    `json:"turn_index"`
	Episode         int                    `json:"episode"`
	Observation     Digest                 `json:"observation"`
	ActionTaken     percept.ActionSequence `json:"action_taken"`
	Predicted       Prediction             `json:"predicted_outcome"`
	Observed        *Outcome               `json:"observed_outcome,omitempty"`
	Match           PredictionMatch        `json:"prediction_match"`
	Progress        Progress               `json:"progress,omitempty"`
	RuleSnapshotIDs []string               `json:"rule_snapshot_ids,omitempty"`
	Failure         string                 `json:"failure,omitempty"`
	Finalized       bool                   `json:"finalized"`
	CreatedAt       time.Time              `json:"created_at"`
}

func (e Entry) clone() Entry {
	out := e
	out.ActionTaken = append(percept.ActionSequence(nil), e.ActionTaken...)
	out.Predicted.Expected = append([]Expectation(nil), e.Predicted.Expected...)
	out.RuleSnapshotIDs = append([]string(nil), e.RuleSnapshotIDs...)
	if e.Observed != nil {
		obs := *e.Observed
		obs.Observed = append([]Expectation(nil), e.Observed.Observed...)
		out.Observed = &obs
	}
	return out
}

// =============================================================================
// LOG
// =============================================================================

var (
	ErrTurnOpen    = errors.New("a turn is already open")
	ErrNoOpenTurn  = errors.New("no turn is open")
	ErrUnresolved  = errors.New("previous turn outcome unresolved")
	ErrUnknownTurn = errors.New("unknown turn index")
	ErrFinalized   = errors.New("turn already finalized")
)

// Log is the append-only turn history. Committed entries only ever gain
// their outcome; nothing is rewritten or removed.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	open    *Entry
}

// New returns an empty log. Turn indexes start at 1.
func New() *Log {
	return &Log{}
}

// Restore rebuilds a log from persisted entries. Entries must be committed
// (provisional turns are never persisted) and ordered by turn index.
func Restore(entries []Entry) (*Log, error) {
	l := &Log{entries: make([]Entry, 0, len(entries))}
	for i, e := range entries {
		if e.TurnIndex != i+1 {
			return nil, fmt.Errorf("%w: entry %d has turn index %d", ErrUnknownTurn, i, e.TurnIndex)
		}
		l.entries = append(l.entries, e.clone())
	}
	return l, nil
}

// Open starts a provisional entry for the next turn. Only one turn may be
// open at a time.
func (l *Log) Open(episode int, digest Digest) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open != nil {
		return 0, ErrTurnOpen
	}
	turn := len(l.entries) + 1
	l.open = &Entry{
		TurnIndex:   turn,
		Episode:     episode,
		Observation: digest,
		Match:       MatchPending,
		CreatedAt:   time.Now().UTC(),
	}
	return turn, nil
}

// Discard drops the open provisional entry, as when perception for the turn
// timed out. Committed history is untouched and the turn index is reused.
func (l *Log) Discard() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = nil
}

// MarkFailure notes a turn-level failure (such as no viable action) on the
// open entry so the eventual record explains itself.
func (l *Log) MarkFailure(reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open == nil {
		return ErrNoOpenTurn
	}
	l.open.Failure = reason
	return nil
}

// RecordDecision commits the open entry with the planner's output. The
// previous committed entry must already have its outcome resolved; history
// never holds two turns awaiting outcomes.
func (l *Log) RecordDecision(action percept.ActionSequence, predicted Prediction, snapshotIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open == nil {
		return ErrNoOpenTurn
	}
	if n := len(l.entries); n > 0 && !l.entries[n-1].Finalized {
		return ErrUnresolved
	}
	l.open.ActionTaken = append(percept.ActionSequence(nil), action...)
	l.open.Predicted = Prediction{
		Description: predicted.Description,
		Expected:    append([]Expectation(nil), predicted.Expected...),
	}
	l.open.RuleSnapshotIDs = append([]string(nil), snapshotIDs...)
	l.entries = append(l.entries, *l.open)
	l.open = nil
	return nil
}

// ResolveOutcome attaches the observed outcome to a committed entry and
// seals it. This is the only place outcome data is written.
func (l *Log) ResolveOutcome(turnIndex int, outcome Outcome, match PredictionMatch, progress Progress) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if turnIndex < 1 || turnIndex > len(l.entries) {
		return fmt.Errorf("%w: %d", ErrUnknownTurn, turnIndex)
	}
	e := &l.entries[turnIndex-1]
	if e.Finalized {
		return fmt.Errorf("%w: %d", ErrFinalized, turnIndex)
	}
	obs := outcome
	obs.Observed = append([]Expectation(nil), outcome.Observed...)
	e.Observed = &obs
	e.Match = match
	e.Progress = progress
	e.Finalized = true
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Len returns the number of committed entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entry returns a copy of the committed entry for a turn.
func (l *Log) Entry(turnIndex int) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if turnIndex < 1 || turnIndex > len(l.entries) {
		return Entry{}, fmt.Errorf("%w: %d", ErrUnknownTurn, turnIndex)
	}
	return l.entries[turnIndex-1].clone(), nil
}

// Entries returns copies of all committed entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.clone())
	}
	return out
}

// Pending returns the committed entry still awaiting its outcome, if any.
func (l *Log) Pending() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n := len(l.entries); n > 0 && !l.entries[n-1].Finalized {
		return l.entries[n-1].clone(), true
	}
	return Entry{}, false
}

// LastMatch returns the prediction grade of the most recently finalized
// entry, or MatchPending when none is finalized yet. The planner reads this
// as the previous turn's prediction accuracy.
func (l *Log) LastMatch() PredictionMatch {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Finalized {
			return l.entries[i].Match
		}
	}
	return MatchPending
}

// LastAction returns the first action of the most recent committed entry.
func (l *Log) LastAction() (percept.Action, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		if len(l.entries[i].ActionTaken) > 0 {
			return l.entries[i].ActionTaken[0], true
		}
	}
	return percept.Action{}, false
}

// RecentActionKinds returns the action kinds used in the last n committed
// entries, newest first. Used for anti-repetition.
func (l *Log) RecentActionKinds(n int) []percept.ActionKind {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var kinds []percept.ActionKind
	for i := len(l.entries) - 1; i >= 0 && len(l.entries)-1-i < n; i-- {
		for _, a := range l.entries[i].ActionTaken {
			kinds = append(kinds, a.Kind)
		}
	}
	return kinds
}
