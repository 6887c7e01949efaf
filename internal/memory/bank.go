// Package memory is a bounded cross-episode store of outcome summaries. It
// feeds reasoning strings only; nothing here ever touches rule confidence.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridmind/internal/logging"
)

// Kind separates what worked from what did not.
type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
)

const (
	experienceCap = 50
	failureCap    = 20

	// Recall scans a recent window rather than the whole bank and keeps the
	// newest few matches.
	recallWindow = 10
	recallLimit  = 3
	warningScan  = 5

	// Only the leading words of a context participate in matching.
	keywordLimit = 5
)

// Experience is one remembered outcome. Keywords are the lowercased tokens
// recall matches against.
type Experience struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Episode     int       `json:"episode"`
	Turn        int       `json:"turn"`
	Keywords    []string  `json:"keywords"`
	Action      string    `json:"action"`
	Outcome     string    `json:"outcome"`
	ScoreChange int       `json:"score_change"`
	CreatedAt   time.Time `json:"created_at"`
}

// Bank holds the two bounded lists, oldest first. Writes evict from the
// front once a cap is reached.
type Bank struct {
	mu          sync.RWMutex
	experiences []Experience
	failures    []Experience
}

// NewBank creates an empty bank.
func NewBank() *Bank {
	return &Bank{}
}

// RestoreBank rebuilds a bank from persisted records. Records are split by
// kind, ordered by turn, and trimmed to the caps keeping the newest.
func RestoreBank(records []Experience) *Bank {
	b := &Bank{}
	for _, rec := range sortedByTurn(records) {
		switch rec.Kind {
		case KindFailure:
			b.failures = appendBounded(b.failures, rec, failureCap)
		default:
			b.experiences = appendBounded(b.experiences, rec, experienceCap)
		}
	}
	logging.Memory("RestoreBank: %d experiences, %d failures", len(b.experiences), len(b.failures))
	return b
}

// RecordSuccess remembers a turn that produced progress.
func (b *Bank) RecordSuccess(episode, turn int, action, outcome string, scoreChange int) {
	exp := Experience{
		ID:          uuid.New().String(),
		Kind:        KindSuccess,
		Episode:     episode,
		Turn:        turn,
		Keywords:    tokenize(action + " " + outcome),
		Action:      action,
		Outcome:     outcome,
		ScoreChange: scoreChange,
		CreatedAt:   time.Now().UTC(),
	}

	b.mu.Lock()
	b.experiences = appendBounded(b.experiences, exp, experienceCap)
	b.mu.Unlock()

	logging.MemoryDebug("RecordSuccess: turn %d %q -> %q", turn, action, outcome)
}

// RecordFailure remembers a turn that went wrong so later planning can be
// warned away from it.
func (b *Bank) RecordFailure(episode, turn int, action, reason string) {
	exp := Experience{
		ID:        uuid.New().String(),
		Kind:      KindFailure,
		Episode:   episode,
		Turn:      turn,
		Keywords:  tokenize(action + " " + reason),
		Action:    action,
		Outcome:   reason,
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	b.failures = appendBounded(b.failures, exp, failureCap)
	b.mu.Unlock()

	logging.MemoryDebug("RecordFailure: turn %d %q (%s)", turn, action, reason)
}

// Recall returns up to three recent experiences whose keywords overlap the
// context, oldest first. Empty context recalls nothing.
func (b *Bank) Recall(context string) []string {
	keywords := queryKeywords(context)
	if len(keywords) == 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []string
	for _, exp := range tail(b.experiences, recallWindow) {
		if overlaps(keywords, exp.Keywords) {
			matched = append(matched, fmt.Sprintf("%s led to %s", exp.Action, exp.Outcome))
		}
	}
	if len(matched) > recallLimit {
		matched = matched[len(matched)-recallLimit:]
	}
	return matched
}

// Warnings returns recent matching failures, oldest first.
func (b *Bank) Warnings(context string) []string {
	keywords := queryKeywords(context)
	if len(keywords) == 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []string
	for _, exp := range tail(b.failures, warningScan) {
		if overlaps(keywords, exp.Keywords) {
			out = append(out, fmt.Sprintf("avoid %s: %s", exp.Action, exp.Outcome))
		}
	}
	return out
}

// All returns every record, experiences then failures, each oldest first.
// This is the persistence surface.
func (b *Bank) All() []Experience {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Experience, 0, len(b.experiences)+len(b.failures))
	out = append(out, b.experiences...)
	out = append(out, b.failures...)
	return out
}

// Stats summarizes the bank for logs and the state command.
func (b *Bank) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"experiences":    len(b.experiences),
		"failures":       len(b.failures),
		"experience_cap": experienceCap,
		"failure_cap":    failureCap,
	}
}

func appendBounded(list []Experience, exp Experience, limit int) []Experience {
	list = append(list, exp)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

func tail(list []Experience, n int) []Experience {
	if len(list) <= n {
		return list
	}
	return list[len(list)-n:]
}

func sortedByTurn(records []Experience) []Experience {
	out := append([]Experience(nil), records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Turn < out[j].Turn })
	return out
}

// tokenize lowercases and splits free text into matchable words.
func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// queryKeywords keeps the leading words of the context.
func queryKeywords(context string) []string {
	words := tokenize(context)
	if len(words) > keywordLimit {
		words = words[:keywordLimit]
	}
	return words
}

func overlaps(query, keywords []string) bool {
	for _, q := range query {
		for _, k := range keywords {
			if q == k {
				return true
			}
		}
	}
	return false
}
