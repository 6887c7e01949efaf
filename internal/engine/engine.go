// Package engine drives the per-turn reasoning pipeline in a fixed order:
// observation intake and validation, outcome grading for the previous turn,
// evidence ingest, decay, the episode-complete sweep, planning, and the
// causal log commit. One Step call per frame; the engine is never invoked
// concurrently, so the pipeline itself holds no locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gridmind/internal/consolidate"
	"gridmind/internal/knowledge"
	"gridmind/internal/logging"
	"gridmind/internal/memory"
	"gridmind/internal/metrics"
	"gridmind/internal/percept"
	"gridmind/internal/planner"
	"gridmind/internal/turnlog"
)

// DefaultMinRuleConfidence filters the active rules the planner sees. Decay
// floors at this value, so every surviving rule qualifies; the knob exists
// for callers that want a stricter planning table.
const DefaultMinRuleConfidence = 0.4

// recentKindWindow is how many committed turns feed the planner's
// anti-repetition set.
const recentKindWindow = 3

// Options assembles an engine. Nil components get fresh defaults, so a
// zero Options is a valid cold start.
type Options struct {
	Store   *knowledge.Store
	Log     *turnlog.Log
	Planner *planner.Planner
	Bank    *memory.Bank
	Audit   *logging.Audit

	// Episode resumes the episode counter; below 1 it starts at 1.
	Episode int

	// MinRuleConfidence overrides DefaultMinRuleConfidence when positive.
	MinRuleConfidence float64
}

// Engine owns one reasoning core: the rule table, the causal log, the
// planner's mood, the experience bank, and the episode counter.
type Engine struct {
	store   *knowledge.Store
	log     *turnlog.Log
	planner *planner.Planner
	consol  *consolidate.Engine
	bank    *memory.Bank
	audit   *logging.Audit

	minRuleConfidence float64
	episode           int
	lastScore         int
	scoreKnown        bool
	freshEpisode      bool

	// carryMatch holds a grade resolved on an episode-boundary turn, where
	// the planner does not run, until the next planned turn's mood update.
	carryMatch turnlog.PredictionMatch
}

// New builds an engine from the given components, defaulting any left nil.
func New(opts Options) *Engine {
	if opts.Store == nil {
		opts.Store = knowledge.NewStore()
	}
	if opts.Log == nil {
		opts.Log = turnlog.New()
	}
	if opts.Planner == nil {
		opts.Planner = planner.New()
	}
	if opts.Bank == nil {
		opts.Bank = memory.NewBank()
	}
	if opts.Audit == nil {
		opts.Audit = &logging.Audit{}
	}
	if opts.Episode < 1 {
		opts.Episode = 1
	}
	if opts.MinRuleConfidence <= 0 {
		opts.MinRuleConfidence = DefaultMinRuleConfidence
	}
	return &Engine{
		store:             opts.Store,
		log:               opts.Log,
		planner:           opts.Planner,
		consol:            consolidate.New(opts.Store),
		bank:              opts.Bank,
		audit:             opts.Audit,
		minRuleConfidence: opts.MinRuleConfidence,
		episode:           opts.Episode,
	}
}

// Step runs one full turn against an observation frame and returns the
// decision for the execution layer. A malformed frame skips rule updates but
// still plans; an episode-boundary frame short-circuits to a reset
// pseudo-action. A context already expired on entry abandons the turn before
// anything is opened or mutated.
func (e *Engine) Step(ctx context.Context, frame *percept.Frame) (percept.Decision, error) {
	if err := ctx.Err(); err != nil {
		return percept.Decision{}, fmt.Errorf("frame arrived late, turn abandoned: %w", err)
	}
	start := time.Now()

	verr := frame.Validate()
	if frame == nil {
		return percept.Decision{}, verr
	}
	malformed := verr != nil
	if malformed {
		logging.PerceptWarn("Step: %v", verr)
		metrics.TurnFailures.WithLabelValues("malformed").Inc()
	}

	digest := turnlog.Digest{
		EntityCount:  len(frame.Entities),
		ChangedCount: len(frame.ChangedEntities()),
		Score:        frame.Score,
		Malformed:    malformed,
	}
	turn, err := e.log.Open(e.episode, digest)
	if err != nil {
		return percept.Decision{}, err
	}
	e.audit.TurnOpened(turn, e.episode, digest.EntityCount, frame.Score)
	metrics.TurnsTotal.Inc()
	metrics.Score.Set(float64(frame.Score))
	logging.Engine("Step: turn %d episode %d entities=%d changed=%d score=%d malformed=%v",
		turn, e.episode, digest.EntityCount, digest.ChangedCount, frame.Score, malformed)

	scoreDelta := e.scoreDelta(frame.Score)
	prevAction := e.previousAction(frame)

	// Evidence intake, then the per-turn promotion pass: a hypothesis
	// becomes a rule the turn it earns a pathway, not at the next episode
	// boundary. A malformed frame leaves the rule table untouched.
	var report knowledge.IngestReport
	if !malformed {
		report = e.store.Ingest(turn, frame, prevAction, scoreDelta)
		metrics.RulesProposed.Add(float64(len(report.Proposed)))
		metrics.RulesReinforced.Add(float64(len(report.Reinforced)))
		metrics.RulesContradicted.Add(float64(len(report.Contradicted)))
		if promoted := e.store.PromoteEligible(turn); len(promoted) > 0 {
			metrics.RulesPromoted.Add(float64(len(promoted)))
			logging.Engine("Step: turn %d promoted %d hypotheses to rules", turn, len(promoted))
		}
	}

	// The previous decision's outcome is this frame. Grade and seal it.
	match := turnlog.PredictionMatch("")
	if pending, ok := e.log.Pending(); ok {
		var resolveErr error
		match, resolveErr = e.resolve(pending, frame, report, scoreDelta, malformed)
		if resolveErr != nil {
			e.log.Discard()
			return percept.Decision{}, resolveErr
		}
	}

	// Time passes for every rule, then the external success signal may
	// trigger the sweep. A malformed frame's signal is untrusted.
	e.store.Decay(turn)
	sweep := e.consol.OnEpisodeComplete(frame.EpisodeComplete && !malformed, turn)
	if !sweep.Empty() {
		e.audit.Consolidation(e.episode, len(sweep.Promoted), len(sweep.Consolidated))
		metrics.RulesPromoted.Add(float64(len(sweep.Promoted)))
		metrics.RulesConsolidated.Add(float64(len(sweep.Consolidated)))
	}

	var decision percept.Decision
	if !malformed && frame.GameState.EpisodeBoundary() {
		// The planner is skipped at a boundary, so hold the final grade;
		// the prediction that won (or lost) the episode still reaches the
		// mood on the next planned turn.
		switch match {
		case turnlog.MatchPerfect, turnlog.MatchPartial, turnlog.MatchWrong:
			e.carryMatch = match
		}
		decision, err = e.boundaryDecision(turn, frame)
	} else {
		decision, err = e.plannedDecision(turn, frame, report, match, prevAction)
	}
	if err != nil {
		e.log.Discard()
		return percept.Decision{}, err
	}

	hyp, act, contra := e.store.Counts()
	metrics.SetKnowledgeCounts(hyp, act, contra)
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	return decision, nil
}

// plannedDecision runs the planner for a normal turn and commits the result.
// ErrNoViableAction degrades to the single safe fallback rather than failing
// the turn.
func (e *Engine) plannedDecision(turn int, frame *percept.Frame, report knowledge.IngestReport, match turnlog.PredictionMatch, prevAction percept.ActionKind) (percept.Decision, error) {
	// A reset entry grades NONE; a grade held from the episode boundary
	// replaces it so the mood still feels the episode's last prediction.
	if e.carryMatch != "" {
		match = e.carryMatch
		e.carryMatch = ""
	}

	recallCtx := recallContext(prevAction, frame)
	in := planner.Input{
		Turn:          turn,
		Match:         match,
		RuleReused:    report.RuleReused,
		NewHypotheses: report.NewHypotheses(),
		ActiveRules:   e.store.ActiveRules(e.minRuleConfidence),
		Hypotheses:    e.store.HypothesesNeedingEvidence(),
		ValidClicks:   frame.ClickTargets,
		RecentKinds:   e.log.RecentActionKinds(recentKindWindow),
		Warnings:      e.bank.Warnings(recallCtx),
	}

	plan, perr := e.planner.Plan(in)
	if perr != nil {
		if !errors.Is(perr, planner.ErrNoViableAction) {
			return percept.Decision{}, perr
		}
		return e.fallbackDecision(turn, plan, perr)
	}

	if recalled := e.bank.Recall(recallCtx); len(recalled) > 0 {
		plan.Decision.Reasoning += fmt.Sprintf(" (memory: %s)", recalled[0])
	}

	if err := e.log.RecordDecision(plan.Decision.ActionSequence, plan.Predicted, e.store.SnapshotIDs()); err != nil {
		return percept.Decision{}, err
	}

	e.audit.Decision(turn, string(plan.Mood.State), plan.Decision.ActionSequence.String(),
		plan.Decision.Reasoning, plan.Decision.Confidence, plan.Decision.Experimental)
	e.observePlan(plan)
	return plan.Decision, nil
}

// fallbackDecision commits the single safe probe after the planner found
// nothing viable. The turn still gets a full log entry; the failure note
// explains the fallback when the history is read back.
func (e *Engine) fallbackDecision(turn int, plan planner.Plan, perr error) (percept.Decision, error) {
	if err := e.log.MarkFailure(perr.Error()); err != nil {
		return percept.Decision{}, err
	}
	seq := planner.FallbackSequence()
	predicted := turnlog.Prediction{Description: "probe only, no committed prediction"}
	if err := e.log.RecordDecision(seq, predicted, e.store.SnapshotIDs()); err != nil {
		return percept.Decision{}, err
	}

	e.bank.RecordFailure(e.episode, turn, seq.String(), perr.Error())
	e.audit.TurnFailed(turn, perr.Error())
	metrics.TurnFailures.WithLabelValues("no_viable_action").Inc()

	decision := percept.Decision{
		ActionSequence:       seq,
		Reasoning:            fmt.Sprintf("%s: %v, falling back to a single safe action", plan.Mood.State, perr),
		ExpectedOutcome:      predicted.Description,
		Confidence:           plan.Mood.Confidence,
		ConfidenceAdjustment: plan.Decision.ConfidenceAdjustment,
		Experimental:         true,
	}
	e.audit.Decision(turn, string(plan.Mood.State), seq.String(), decision.Reasoning, decision.Confidence, true)
	e.observeMood(plan.Mood)
	logging.EngineWarn("Step: turn %d fell back to %s (%v)", turn, seq, perr)
	return decision, nil
}

// boundaryDecision handles NOT_PLAYED, WIN, and GAME_OVER frames: the board
// needs a reset before planning makes sense again. The planner is not
// invoked; the turn's resolved grade is held for the next planned turn's
// mood update. Knowledge always survives the reset.
func (e *Engine) boundaryDecision(turn int, frame *percept.Frame) (percept.Decision, error) {
	e.audit.EpisodeBoundary(e.episode, string(frame.GameState), frame.Score)
	metrics.Episodes.WithLabelValues(strings.ToLower(string(frame.GameState))).Inc()
	logging.Engine("Step: turn %d episode %d boundary %s score=%d", turn, e.episode, frame.GameState, frame.Score)

	switch frame.GameState {
	case percept.GameStateGameOver:
		action := "unknown"
		if last, ok := e.log.LastAction(); ok {
			action = last.String()
		}
		e.bank.RecordFailure(e.episode, turn, action, "episode ended in GAME_OVER")
		e.episode++
	case percept.GameStateWin:
		e.episode++
	}
	e.freshEpisode = true

	seq := percept.ActionSequence{percept.Move(percept.ActionReset)}
	predicted := turnlog.Prediction{Description: "fresh board after reset"}
	if err := e.log.RecordDecision(seq, predicted, e.store.SnapshotIDs()); err != nil {
		return percept.Decision{}, err
	}

	mood := e.planner.Mood()
	decision := percept.Decision{
		ActionSequence:  seq,
		Reasoning:       fmt.Sprintf("episode boundary (%s): resetting the board", frame.GameState),
		ExpectedOutcome: predicted.Description,
		Confidence:      mood.Confidence,
	}
	e.audit.Decision(turn, string(mood.State), seq.String(), decision.Reasoning, decision.Confidence, false)
	return decision, nil
}

// resolve grades the pending prediction against the frame that just arrived
// and seals its entry. A malformed frame makes the outcome unknowable, so the
// entry seals as NONE with an empty outcome rather than punishing the
// prediction.
func (e *Engine) resolve(pending turnlog.Entry, frame *percept.Frame, report knowledge.IngestReport, scoreDelta int, malformed bool) (turnlog.PredictionMatch, error) {
	match := turnlog.MatchNone
	progress := turnlog.ProgressNoEffect
	outcome := turnlog.Outcome{}

	if !malformed {
		outcome = turnlog.Outcome{
			Observed:        observedEffects(frame),
			ScoreDelta:      scoreDelta,
			EpisodeComplete: frame.EpisodeComplete,
		}
		match = gradePrediction(pending.Predicted.Expected, outcome.Observed)
		progress = classifyProgress(frame, report, scoreDelta)
	}

	if err := e.log.ResolveOutcome(pending.TurnIndex, outcome, match, progress); err != nil {
		return match, err
	}
	e.audit.Outcome(pending.TurnIndex, string(match), string(progress), scoreDelta)
	metrics.PredictionMatches.WithLabelValues(string(match)).Inc()
	metrics.TurnProgress.WithLabelValues(string(progress)).Inc()
	logging.Engine("resolve: turn %d graded %s progress=%s delta=%d", pending.TurnIndex, match, progress, scoreDelta)

	action := pending.ActionTaken.String()
	switch progress {
	case turnlog.ProgressMajor, turnlog.ProgressMinor:
		e.bank.RecordSuccess(pending.Episode, pending.TurnIndex, action, outcomeText(outcome.Observed), scoreDelta)
	}
	if match == turnlog.MatchWrong {
		reason := fmt.Sprintf("predicted %s but observed %s", pending.Predicted.Description, outcomeText(outcome.Observed))
		e.bank.RecordFailure(pending.Episode, pending.TurnIndex, action, reason)
	}
	return match, nil
}

// scoreDelta tracks the harness score across frames. The first frame of a
// session and the first frame after an episode boundary report zero; a score
// drop across a boundary is a reset, not a regression.
func (e *Engine) scoreDelta(score int) int {
	delta := 0
	if e.scoreKnown && !e.freshEpisode {
		delta = score - e.lastScore
	}
	e.lastScore = score
	e.scoreKnown = true
	e.freshEpisode = false
	return delta
}

// previousAction resolves what was done before this frame: the perception
// layer's report wins, the log's last committed action is the fallback.
func (e *Engine) previousAction(frame *percept.Frame) percept.ActionKind {
	if frame.PreviousAction != nil {
		return frame.PreviousAction.Kind
	}
	if last, ok := e.log.LastAction(); ok {
		return last.Kind
	}
	return ""
}

func (e *Engine) observePlan(plan planner.Plan) {
	metrics.SequenceLength.Observe(float64(len(plan.Decision.ActionSequence)))
	if plan.Decision.Experimental {
		metrics.ExperimentalDecisions.Inc()
	}
	e.observeMood(plan.Mood)
}

func (e *Engine) observeMood(m planner.Mood) {
	metrics.SetMentalState(string(m.State))
	metrics.MoodConfidence.Set(m.Confidence)
	metrics.MoodFrustration.Set(m.Frustration)
	metrics.MoodCuriosity.Set(m.Curiosity)
}

// recallContext builds the keyword query for experience recall from what
// just happened: the previous action first, then the observed effects.
func recallContext(prevAction percept.ActionKind, frame *percept.Frame) string {
	parts := make([]string, 0, 6)
	if prevAction != "" {
		parts = append(parts, string(prevAction))
	}
	for _, eff := range observedEffects(frame) {
		parts = append(parts, string(eff.Transformation))
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Store exposes the rule table, for persistence and the state command.
func (e *Engine) Store() *knowledge.Store { return e.store }

// TurnLog exposes the causal log.
func (e *Engine) TurnLog() *turnlog.Log { return e.log }

// Bank exposes the experience bank.
func (e *Engine) Bank() *memory.Bank { return e.bank }

// Mood returns the planner's current mood.
func (e *Engine) Mood() planner.Mood { return e.planner.Mood() }

// Telemetry returns the planner's psychology summary.
func (e *Engine) Telemetry() planner.Telemetry { return e.planner.Telemetry() }

// Episode returns the current episode counter.
func (e *Engine) Episode() int { return e.episode }

// Stats summarizes the whole engine for logs and the state command.
func (e *Engine) Stats() map[string]interface{} {
	mood := e.planner.Mood()
	return map[string]interface{}{
		"episode":     e.episode,
		"turns":       e.log.Len(),
		"mood":        string(mood.State),
		"confidence":  mood.Confidence,
		"frustration": mood.Frustration,
		"curiosity":   mood.Curiosity,
		"knowledge":   e.store.Stats(),
		"memory":      e.bank.Stats(),
	}
}
