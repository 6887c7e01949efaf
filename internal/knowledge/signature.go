package knowledge

import (
	"regexp"
	"strings"

	"gridmind/internal/percept"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9|*-]+`)

// SignatureFor builds the normalized dedup key for a pattern. Two patterns
// with the same signature describe the same condition→effect claim and must
// share one record. The key is stable across sessions so packs and persisted
// state dedup against live observations.
func SignatureFor(category Category, cond Condition, effect percept.Transformation) string {
	scope := "*"
	if cond.EntityCategory != "" {
		scope = string(cond.EntityCategory)
	}
	key := strings.Join([]string{
		string(category),
		string(cond.Action),
		scope,
		string(effect),
	}, "|")
	return normalizeSignature(key)
}

// normalizeSignature lowercases and strips anything that is not part of the
// key alphabet, so cosmetic differences cannot split a pattern across
// records.
func normalizeSignature(key string) string {
	key = strings.ToLower(key)
	key = nonAlnum.ReplaceAllString(key, "")
	return key
}
