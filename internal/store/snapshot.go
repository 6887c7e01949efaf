package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gridmind/internal/knowledge"
	"gridmind/internal/logging"
	"gridmind/internal/memory"
	"gridmind/internal/metrics"
	"gridmind/internal/percept"
	"gridmind/internal/planner"
	"gridmind/internal/turnlog"
)

// Snapshot is the full engine state in persistence form. Save writes one;
// Load returns one for the component packages to rebuild from.
type Snapshot struct {
	Episode     int
	Records     []knowledge.Record
	Entries     []turnlog.Entry
	Mood        planner.Mood
	Telemetry   planner.Telemetry
	Experiences []memory.Experience

	// Mutations is drained from the rule table on save and appended to the
	// durable trail. Load leaves it empty; use RecentMutations to inspect
	// history.
	Mutations []knowledge.Mutation
}

// Empty reports whether the snapshot carries no prior session.
func (sn Snapshot) Empty() bool {
	return sn.Episode == 0 && len(sn.Records) == 0 && len(sn.Entries) == 0
}

// Save replaces the persisted state with the snapshot inside one
// transaction. The mutation trail appends rather than replaces.
func (s *StateStore) Save(snap Snapshot) error {
	timer := logging.StartTimer(logging.CategoryStore, "Save")
	defer timer.Stop()
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin save transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveRules(tx, snap.Records); err != nil {
		return err
	}
	if err := saveTurns(tx, snap.Entries); err != nil {
		return err
	}
	if err := saveMood(tx, snap.Mood, snap.Telemetry); err != nil {
		return err
	}
	if err := saveExperiences(tx, snap.Experiences); err != nil {
		return err
	}
	if err := appendMutations(tx, snap.Mutations); err != nil {
		return err
	}
	if err := saveEpisode(tx, snap.Episode); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit save transaction: %w", err)
	}

	metrics.StateSaves.Inc()
	metrics.StateSaveDuration.Observe(time.Since(start).Seconds())
	logging.Store("Save: %d rules, %d turns, %d experiences, episode %d",
		len(snap.Records), len(snap.Entries), len(snap.Experiences), snap.Episode)
	return nil
}

// Load reads the persisted state. A fresh database yields an empty
// snapshot: episode 0, no records, an invalid zero mood the planner
// replaces with its starting mood.
func (s *StateStore) Load() (Snapshot, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Load")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		snap Snapshot
		err  error
	)
	if snap.Records, err = s.loadRules(); err != nil {
		return Snapshot{}, err
	}
	if snap.Entries, err = s.loadTurns(); err != nil {
		return Snapshot{}, err
	}
	if snap.Mood, snap.Telemetry, err = s.loadMood(); err != nil {
		return Snapshot{}, err
	}
	if snap.Experiences, err = s.loadExperiences(); err != nil {
		return Snapshot{}, err
	}
	if snap.Episode, err = s.loadEpisode(); err != nil {
		return Snapshot{}, err
	}

	logging.Store("Load: %d rules, %d turns, %d experiences, episode %d",
		len(snap.Records), len(snap.Entries), len(snap.Experiences), snap.Episode)
	return snap, nil
}

// RecentMutations returns the newest limit rows of the confidence audit
// trail in chronological order.
func (s *StateStore) RecentMutations(limit int) ([]knowledge.Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT rule_id, turn, cause, old_confidence, new_confidence, created_at
		FROM mutations ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	var out []knowledge.Mutation
	for rows.Next() {
		var (
			m         knowledge.Mutation
			cause     string
			createdAt string
		)
		if err := rows.Scan(&m.RuleID, &m.Turn, &cause, &m.OldConfidence, &m.NewConfidence, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		m.Cause = knowledge.MutationCause(cause)
		if m.At, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse mutation time: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// =============================================================================
// RULES
// =============================================================================

func saveRules(tx *sql.Tx, records []knowledge.Record) error {
	if _, err := tx.Exec("DELETE FROM rules"); err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO rules (
			id, statement, signature, category, status,
			action, entity_category, effect,
			confidence, evidence_count, first_seen_turn, last_seen_turn, last_decay_turn,
			level_proven, protected, floor_confidence, grace_period_end_turn,
			scope_exclusions, source, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare rules insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		scopes, err := json.Marshal(rec.ScopeExclusions)
		if err != nil {
			return fmt.Errorf("failed to marshal scope exclusions for %s: %w", rec.ID, err)
		}
		if _, err := stmt.Exec(
			rec.ID, rec.Statement, rec.Signature, string(rec.Category), string(rec.Status),
			string(rec.Condition.Action), string(rec.Condition.EntityCategory), string(rec.Effect),
			rec.Confidence, rec.EvidenceCount, rec.FirstSeenTurn, rec.LastSeenTurn, rec.LastDecayTurn,
			rec.LevelProven, rec.Protected, rec.FloorConfidence, rec.GracePeriodEndTurn,
			string(scopes), rec.Source, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
		); err != nil {
			return fmt.Errorf("failed to insert rule %s: %w", rec.ID, err)
		}
	}
	return nil
}

func (s *StateStore) loadRules() ([]knowledge.Record, error) {
	rows, err := s.db.Query(`
		SELECT id, statement, signature, category, status,
		       action, entity_category, effect,
		       confidence, evidence_count, first_seen_turn, last_seen_turn, last_decay_turn,
		       level_proven, protected, floor_confidence, grace_period_end_turn,
		       scope_exclusions, source, created_at, updated_at
		FROM rules ORDER BY first_seen_turn, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []knowledge.Record
	for rows.Next() {
		var (
			rec                  knowledge.Record
			category, status     string
			action, entCategory  string
			effect, scopes       string
			createdAt, updatedAt string
		)
		if err := rows.Scan(
			&rec.ID, &rec.Statement, &rec.Signature, &category, &status,
			&action, &entCategory, &effect,
			&rec.Confidence, &rec.EvidenceCount, &rec.FirstSeenTurn, &rec.LastSeenTurn, &rec.LastDecayTurn,
			&rec.LevelProven, &rec.Protected, &rec.FloorConfidence, &rec.GracePeriodEndTurn,
			&scopes, &rec.Source, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rec.Category = knowledge.Category(category)
		rec.Status = knowledge.Status(status)
		rec.Condition = knowledge.Condition{
			Action:         percept.ActionKind(action),
			EntityCategory: percept.EntityCategory(entCategory),
		}
		rec.Effect = percept.Transformation(effect)
		if err := json.Unmarshal([]byte(scopes), &rec.ScopeExclusions); err != nil {
			return nil, fmt.Errorf("failed to decode scope exclusions for %s: %w", rec.ID, err)
		}
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at for %s: %w", rec.ID, err)
		}
		if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at for %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// TURNS
// =============================================================================

func saveTurns(tx *sql.Tx, entries []turnlog.Entry) error {
	if _, err := tx.Exec("DELETE FROM turns"); err != nil {
		return fmt.Errorf("failed to clear turns: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO turns (
			turn_index, episode, observation, action, predicted, observed,
			prediction_match, progress, rule_snapshot, failure, finalized, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare turns insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		observation, err := json.Marshal(e.Observation)
		if err != nil {
			return fmt.Errorf("failed to marshal observation for turn %d: %w", e.TurnIndex, err)
		}
		action, err := json.Marshal(e.ActionTaken)
		if err != nil {
			return fmt.Errorf("failed to marshal action for turn %d: %w", e.TurnIndex, err)
		}
		predicted, err := json.Marshal(e.Predicted)
		if err != nil {
			return fmt.Errorf("failed to marshal prediction for turn %d: %w", e.TurnIndex, err)
		}
		observed, err := json.Marshal(e.Observed)
		if err != nil {
			return fmt.Errorf("failed to marshal outcome for turn %d: %w", e.TurnIndex, err)
		}
		snapshot, err := json.Marshal(e.RuleSnapshotIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal rule snapshot for turn %d: %w", e.TurnIndex, err)
		}
		if _, err := stmt.Exec(
			e.TurnIndex, e.Episode, string(observation), string(action), string(predicted),
			string(observed), string(e.Match), string(e.Progress), string(snapshot),
			e.Failure, e.Finalized, formatTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("failed to insert turn %d: %w", e.TurnIndex, err)
		}
	}
	return nil
}

func (s *StateStore) loadTurns() ([]turnlog.Entry, error) {
	rows, err := s.db.Query(`
		SELECT turn_index, episode, observation, action, predicted, observed,
		       prediction_match, progress, rule_snapshot, failure, finalized, created_at
		FROM turns ORDER BY turn_index
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var out []turnlog.Entry
	for rows.Next() {
		var (
			e                              turnlog.Entry
			observation, action, predicted string
			observed, snapshot             string
			match, progress, createdAt     string
		)
		if err := rows.Scan(
			&e.TurnIndex, &e.Episode, &observation, &action, &predicted, &observed,
			&match, &progress, &snapshot, &e.Failure, &e.Finalized, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(observation), &e.Observation); err != nil {
			return nil, fmt.Errorf("failed to decode observation for turn %d: %w", e.TurnIndex, err)
		}
		if err := json.Unmarshal([]byte(action), &e.ActionTaken); err != nil {
			return nil, fmt.Errorf("failed to decode action for turn %d: %w", e.TurnIndex, err)
		}
		if err := json.Unmarshal([]byte(predicted), &e.Predicted); err != nil {
			return nil, fmt.Errorf("failed to decode prediction for turn %d: %w", e.TurnIndex, err)
		}
		if err := json.Unmarshal([]byte(observed), &e.Observed); err != nil {
			return nil, fmt.Errorf("failed to decode outcome for turn %d: %w", e.TurnIndex, err)
		}
		if err := json.Unmarshal([]byte(snapshot), &e.RuleSnapshotIDs); err != nil {
			return nil, fmt.Errorf("failed to decode rule snapshot for turn %d: %w", e.TurnIndex, err)
		}
		e.Match = turnlog.PredictionMatch(match)
		e.Progress = turnlog.Progress(progress)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at for turn %d: %w", e.TurnIndex, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// MOOD
// =============================================================================

func saveMood(tx *sql.Tx, mood planner.Mood, tel planner.Telemetry) error {
	telemetry, err := json.Marshal(tel)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}
	_, err = tx.Exec(`
		INSERT OR REPLACE INTO mood (id, mental_state, frustration, confidence, curiosity, telemetry, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
	`, string(mood.State), mood.Frustration, mood.Confidence, mood.Curiosity,
		string(telemetry), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save mood: %w", err)
	}
	return nil
}

func (s *StateStore) loadMood() (planner.Mood, planner.Telemetry, error) {
	var (
		mood             planner.Mood
		state, telemetry string
	)
	err := s.db.QueryRow(`
		SELECT mental_state, frustration, confidence, curiosity, telemetry
		FROM mood WHERE id = 1
	`).Scan(&state, &mood.Frustration, &mood.Confidence, &mood.Curiosity, &telemetry)
	if errors.Is(err, sql.ErrNoRows) {
		return planner.Mood{}, planner.Telemetry{}, nil
	}
	if err != nil {
		return planner.Mood{}, planner.Telemetry{}, fmt.Errorf("failed to load mood: %w", err)
	}
	mood.State = planner.State(state)

	var tel planner.Telemetry
	if err := json.Unmarshal([]byte(telemetry), &tel); err != nil {
		return planner.Mood{}, planner.Telemetry{}, fmt.Errorf("failed to decode telemetry: %w", err)
	}
	return mood, tel, nil
}

// =============================================================================
// EXPERIENCES
// =============================================================================

func saveExperiences(tx *sql.Tx, records []memory.Experience) error {
	if _, err := tx.Exec("DELETE FROM experiences"); err != nil {
		return fmt.Errorf("failed to clear experiences: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO experiences (
			id, kind, episode, turn, keywords, action, outcome, score_change, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare experiences insert: %w", err)
	}
	defer stmt.Close()

	for _, exp := range records {
		keywords, err := json.Marshal(exp.Keywords)
		if err != nil {
			return fmt.Errorf("failed to marshal keywords for %s: %w", exp.ID, err)
		}
		if _, err := stmt.Exec(
			exp.ID, string(exp.Kind), exp.Episode, exp.Turn, string(keywords),
			exp.Action, exp.Outcome, float64(exp.ScoreChange), formatTime(exp.CreatedAt),
		); err != nil {
			return fmt.Errorf("failed to insert experience %s: %w", exp.ID, err)
		}
	}
	return nil
}

func (s *StateStore) loadExperiences() ([]memory.Experience, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, episode, turn, keywords, action, outcome, score_change, created_at
		FROM experiences ORDER BY turn, created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiences: %w", err)
	}
	defer rows.Close()

	var out []memory.Experience
	for rows.Next() {
		var (
			exp                       memory.Experience
			kind, keywords, createdAt string
			scoreChange               float64
		)
		if err := rows.Scan(
			&exp.ID, &kind, &exp.Episode, &exp.Turn, &keywords,
			&exp.Action, &exp.Outcome, &scoreChange, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan experience: %w", err)
		}
		exp.Kind = memory.Kind(kind)
		exp.ScoreChange = int(scoreChange)
		if err := json.Unmarshal([]byte(keywords), &exp.Keywords); err != nil {
			return nil, fmt.Errorf("failed to decode keywords for %s: %w", exp.ID, err)
		}
		if exp.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at for %s: %w", exp.ID, err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// =============================================================================
// MUTATIONS AND META
// =============================================================================

func appendMutations(tx *sql.Tx, muts []knowledge.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO mutations (rule_id, turn, cause, old_confidence, new_confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare mutations insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range muts {
		if _, err := stmt.Exec(
			m.RuleID, m.Turn, string(m.Cause), m.OldConfidence, m.NewConfidence, formatTime(m.At),
		); err != nil {
			return fmt.Errorf("failed to insert mutation for %s: %w", m.RuleID, err)
		}
	}
	return nil
}

func saveEpisode(tx *sql.Tx, episode int) error {
	_, err := tx.Exec(
		"INSERT OR REPLACE INTO meta(key, value) VALUES ('episode', ?)",
		strconv.Itoa(episode),
	)
	if err != nil {
		return fmt.Errorf("failed to save episode: %w", err)
	}
	return nil
}

func (s *StateStore) loadEpisode() (int, error) {
	var raw string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'episode'").Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load episode: %w", err)
	}
	episode, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("malformed episode %q: %w", raw, err)
	}
	return episode, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// Times persist as RFC3339Nano text in UTC; the driver's own DATETIME
// handling is bypassed so round trips are exact.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
