package logging

import (
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// =============================================================================
// AUDIT TRAIL - Append-only causal narrative of the reasoning loop
// =============================================================================

// The audit trail is separate from the category logs: one structured JSON
// line per lifecycle event, always on when logging is enabled, so a full
// run can be replayed afterwards without debug logging.

// AuditEventType identifies the lifecycle event an audit line records.
type AuditEventType string

const (
	AuditSessionStart    AuditEventType = "session_start"
	AuditSessionEnd      AuditEventType = "session_end"
	AuditTurnOpened      AuditEventType = "turn_opened"
	AuditDecision        AuditEventType = "decision"
	AuditOutcome         AuditEventType = "outcome"
	AuditTurnFailed      AuditEventType = "turn_failed"
	AuditEpisodeBoundary AuditEventType = "episode_boundary"
	AuditConsolidation   AuditEventType = "consolidation"
)

// Audit writes the structured turn trail. A nil or disabled Audit is a
// no-op, so callers never guard their calls.
type Audit struct {
	log *zap.Logger
}

// NewAudit builds the audit trail writer under the configured log directory.
// Returns a no-op Audit when logging is disabled.
func NewAudit(cfg Config) (*Audit, error) {
	if !cfg.Enabled || cfg.Dir == "" {
		return &Audit{}, nil
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "event",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, "audit.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel, // The trail is append-only; levels do not apply
	)

	return &Audit{log: zap.New(core)}, nil
}

// Enabled reports whether audit lines are actually written.
func (a *Audit) Enabled() bool {
	return a != nil && a.log != nil
}

func (a *Audit) write(event AuditEventType, fields ...zap.Field) {
	if !a.Enabled() {
		return
	}
	a.log.Info(string(event), fields...)
}

// SessionStart records the beginning of an agent run.
func (a *Audit) SessionStart(sessionID string) {
	a.write(AuditSessionStart, zap.String("session", sessionID))
}

// SessionEnd records the end of an agent run.
func (a *Audit) SessionEnd(sessionID string, turns int, elapsed time.Duration) {
	a.write(AuditSessionEnd,
		zap.String("session", sessionID),
		zap.Int("turns", turns),
		zap.Duration("elapsed", elapsed),
	)
}

// TurnOpened records a frame arriving and a turn index being assigned.
func (a *Audit) TurnOpened(turn, episode, entities, score int) {
	a.write(AuditTurnOpened,
		zap.Int("turn", turn),
		zap.Int("episode", episode),
		zap.Int("entities", entities),
		zap.Int("score", score),
	)
}

// Decision records the committed output of one turn.
func (a *Audit) Decision(turn int, state, actions, reasoning string, confidence float64, experimental bool) {
	a.write(AuditDecision,
		zap.Int("turn", turn),
		zap.String("state", state),
		zap.String("actions", actions),
		zap.String("reasoning", reasoning),
		zap.Float64("confidence", confidence),
		zap.Bool("experimental", experimental),
	)
}

// Outcome records how a prior decision played out once the next frame landed.
func (a *Audit) Outcome(turn int, match, progress string, scoreDelta int) {
	a.write(AuditOutcome,
		zap.Int("turn", turn),
		zap.String("prediction_match", match),
		zap.String("progress", progress),
		zap.Int("score_delta", scoreDelta),
	)
}

// TurnFailed records a turn that ended in a fallback or a hard error.
func (a *Audit) TurnFailed(turn int, reason string) {
	a.write(AuditTurnFailed,
		zap.Int("turn", turn),
		zap.String("reason", reason),
	)
}

// EpisodeBoundary records the harness declaring an episode over or not yet
// started, and the reset that follows.
func (a *Audit) EpisodeBoundary(episode int, gameState string, score int) {
	a.write(AuditEpisodeBoundary,
		zap.Int("episode", episode),
		zap.String("game_state", gameState),
		zap.Int("score", score),
	)
}

// Consolidation records an episode-complete sweep over the rule table.
func (a *Audit) Consolidation(episode, promoted, strengthened int) {
	a.write(AuditConsolidation,
		zap.Int("episode", episode),
		zap.Int("promoted", promoted),
		zap.Int("strengthened", strengthened),
	)
}

// Sync flushes buffered audit lines.
func (a *Audit) Sync() error {
	if !a.Enabled() {
		return nil
	}
	return a.log.Sync()
}
