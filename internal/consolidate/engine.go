// Package consolidate re-scores recently evidenced knowledge when the
// perception layer signals a completed episode. The boolean signal is the
// sole trigger; score movement is ordinary progress and never implies
// completion.
package consolidate

import (
	"errors"

	"gridmind/internal/knowledge"
	"gridmind/internal/logging"
)

const (
	// RecencyWindow is how many turns back a record's last evidence may lie
	// and still count as part of the finished episode.
	RecencyWindow = 10

	// MinConfidence filters out knowledge too weak to reward, even when it
	// was evidenced during the episode.
	MinConfidence = 0.5
)

// Result lists what one sweep changed, for the audit trail and for tests.
type Result struct {
	Promoted     []string `json:"promoted,omitempty"`
	Consolidated []string `json:"consolidated,omitempty"`
}

// Empty reports whether the sweep changed nothing.
func (r Result) Empty() bool {
	return len(r.Promoted) == 0 && len(r.Consolidated) == 0
}

// Engine owns the episode-boundary sweep over one rule table.
type Engine struct {
	store *knowledge.Store
}

// New creates an engine bound to the store it re-scores.
func New(store *knowledge.Store) *Engine {
	return &Engine{store: store}
}

// OnEpisodeComplete runs one sweep when complete is true and is a strict
// no-op otherwise. The sweep selects every live record evidenced within
// RecencyWindow turns at MinConfidence or better, promotes any hypothesis
// among them that satisfies a pathway (usually a no-op, since the per-turn
// promotion pass fires first), and consolidates every selected rule. Both
// store operations are idempotent, so a rule surviving several episodes is
// boosted once and then merely re-listed.
func (e *Engine) OnEpisodeComplete(complete bool, turn int) Result {
	if !complete {
		return Result{}
	}

	var out Result
	for _, rec := range e.store.All() {
		if rec.Status == knowledge.StatusContradicted {
			continue
		}
		if turn-rec.LastSeenTurn > RecencyWindow || rec.Confidence < MinConfidence {
			continue
		}

		if rec.Status == knowledge.StatusHypothesis {
			if !knowledge.Eligible(rec.Confidence, rec.EvidenceCount) {
				continue
			}
			promoted, err := e.store.Promote(rec.ID, turn)
			if err != nil {
				logging.ConsolidationDebug("OnEpisodeComplete: promote %s failed: %v", rec.ID, err)
				continue
			}
			out.Promoted = append(out.Promoted, promoted.ID)
			rec = promoted
		}

		if _, err := e.store.Consolidate(rec.ID, turn); err != nil {
			// A record can lose eligibility between the snapshot and the
			// write; skip it rather than abort the sweep.
			if !errors.Is(err, knowledge.ErrNotEligible) {
				logging.ConsolidationDebug("OnEpisodeComplete: consolidate %s failed: %v", rec.ID, err)
			}
			continue
		}
		out.Consolidated = append(out.Consolidated, rec.ID)
	}

	logging.Consolidation("OnEpisodeComplete: turn %d promoted=%d consolidated=%d",
		turn, len(out.Promoted), len(out.Consolidated))
	return out
}
