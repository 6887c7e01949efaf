package engine

import (
	"strings"

	"gridmind/internal/knowledge"
	"gridmind/internal/percept"
	"gridmind/internal/turnlog"
)

// Progress dimension weights. A turn's classification is the sum of the
// weights whose dimension fired.
const (
	spatialWeight    = 0.25 // entities translated
	mechanicalWeight = 0.30 // entities changed some other way
	conceptualWeight = 0.25 // the frame taught us something
	strategicWeight  = 0.20 // score moved or the episode completed
)

// observedEffects reduces a frame to the deduplicated set of
// (category, transformation) effects its changed entities exhibit, in
// first-appearance order.
func observedEffects(frame *percept.Frame) []turnlog.Expectation {
	var out []turnlog.Expectation
	seen := make(map[turnlog.Expectation]bool)
	for _, e := range frame.ChangedEntities() {
		eff := turnlog.Expectation{Category: e.Category, Transformation: e.Transformation}
		if seen[eff] {
			continue
		}
		seen[eff] = true
		out = append(out, eff)
	}
	return out
}

// gradePrediction compares a committed prediction against what the next
// frame showed. No expectations grades NONE: a pure probe is never wrong.
func gradePrediction(expected, observed []turnlog.Expectation) turnlog.PredictionMatch {
	if len(expected) == 0 {
		return turnlog.MatchNone
	}
	met := 0
	for _, want := range expected {
		if expectationMet(want, observed) {
			met++
		}
	}
	switch {
	case met == len(expected):
		return turnlog.MatchPerfect
	case met > 0:
		return turnlog.MatchPartial
	default:
		return turnlog.MatchWrong
	}
}

// expectationMet checks one expectation against the observed effects. An
// UNCHANGED expectation is a stasis claim: it holds when nothing in its
// category changed. An empty category widens the claim to the whole board.
func expectationMet(want turnlog.Expectation, observed []turnlog.Expectation) bool {
	if want.Transformation == percept.TransformUnchanged {
		for _, got := range observed {
			if want.Category == "" || got.Category == want.Category {
				return false
			}
		}
		return true
	}
	for _, got := range observed {
		if got == want {
			return true
		}
	}
	return false
}

// classifyProgress scores a finalized turn over four dimensions and maps the
// total onto the progress scale. Classification feeds experience recording
// and metrics, never rule confidence.
func classifyProgress(frame *percept.Frame, report knowledge.IngestReport, scoreDelta int) turnlog.Progress {
	spatial, mechanical := false, false
	for _, e := range frame.ChangedEntities() {
		if e.Transformation == percept.TransformTranslation {
			spatial = true
		} else {
			mechanical = true
		}
	}
	conceptual := len(report.Proposed)+len(report.Reinforced) > 0
	strategic := scoreDelta > 0 || frame.EpisodeComplete

	score := 0.0
	if spatial {
		score += spatialWeight
	}
	if mechanical {
		score += mechanicalWeight
	}
	if conceptual {
		score += conceptualWeight
	}
	if strategic {
		score += strategicWeight
	}

	switch {
	case score >= 0.60:
		return turnlog.ProgressMajor
	case score >= 0.30:
		return turnlog.ProgressMinor
	case score > 0:
		return turnlog.ProgressValidAction
	default:
		return turnlog.ProgressNoEffect
	}
}

// outcomeText renders observed effects for experience records and failure
// reasons.
func outcomeText(observed []turnlog.Expectation) string {
	if len(observed) == 0 {
		return "no visible change"
	}
	parts := make([]string, 0, len(observed))
	for _, eff := range observed {
		parts = append(parts, string(eff.Category)+" "+string(eff.Transformation))
	}
	return strings.Join(parts, ", ")
}
