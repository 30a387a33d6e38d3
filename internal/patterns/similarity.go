// Package patterns stores and retrieves task execution patterns.
//
// Similarity between two contexts is a deterministic pure function: the
// Dice coefficient over exact key/value pairs. No fuzzy string matching, no
// randomness, no external state, so the same two inputs always score the
// same.
package patterns

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/patternstore/internal/store"
)

// Similarity scores how closely two context maps match, in [0, 1].
//
// score = 2 * |pairs equal in both| / (|a| + |b|)
//
// A pair counts only when the key exists in both maps with equal values.
// Two empty contexts are vacuously identical and score 1.0.
func Similarity(a, b map[string]string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	matches := 0
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for k, v := range small {
		if lv, ok := large[k]; ok && lv == v {
			matches++
		}
	}
	return 2 * float64(matches) / float64(len(a)+len(b))
}

// keySetUpperBound is the highest similarity any two contexts with these
// key sets could reach, assuming every shared key matched. Used to prune
// whole index buckets without scoring their members.
func keySetUpperBound(queryKeys, bucketKeys []string) float64 {
	if len(queryKeys) == 0 && len(bucketKeys) == 0 {
		return 1.0
	}
	if len(queryKeys) == 0 || len(bucketKeys) == 0 {
		return 0.0
	}

	// Both slices are sorted; count the intersection with a merge walk.
	shared, i, j := 0, 0, 0
	for i < len(queryKeys) && j < len(bucketKeys) {
		switch {
		case queryKeys[i] == bucketKeys[j]:
			shared++
			i++
			j++
		case queryKeys[i] < bucketKeys[j]:
			i++
		default:
			j++
		}
	}
	return 2 * float64(shared) / float64(len(queryKeys)+len(bucketKeys))
}

// sortedKeys returns the context's keys in sorted order.
func sortedKeys(context map[string]string) []string {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fingerprint buckets a pattern by task type and context key set. Patterns
// sharing a fingerprint have identical keys (values may differ), so
// same-bucket members are the best reuse candidates.
func Fingerprint(taskType string, context map[string]string) string {
	h := sha256.New()
	h.Write([]byte(taskType))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sortedKeys(context), "\x1f")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// bucket groups same-key-set patterns under one task type.
type bucket struct {
	keys    []string // sorted context keys shared by all members
	members []*store.PatternRecord
}

// Index organizes a document's patterns by (task_type, key-set bucket) so
// similarity lookups scan only buckets whose key-set overlap can clear the
// threshold, instead of the whole pattern list.
type Index struct {
	byType map[string]map[string]*bucket
}

// BuildIndex indexes the patterns of a document. The index holds pointers
// into the document; it is valid only as long as the document is not
// reallocated.
func BuildIndex(doc *store.Document) *Index {
	idx := &Index{byType: make(map[string]map[string]*bucket)}
	for i := range doc.Sections.Patterns {
		p := &doc.Sections.Patterns[i]
		buckets := idx.byType[p.TaskType]
		if buckets == nil {
			buckets = make(map[string]*bucket)
			idx.byType[p.TaskType] = buckets
		}
		fp := Fingerprint(p.TaskType, p.Context)
		b := buckets[fp]
		if b == nil {
			b = &bucket{keys: sortedKeys(p.Context)}
			buckets[fp] = b
		}
		b.members = append(b.members, p)
	}
	return idx
}

// match is a scored index hit.
type match struct {
	record *store.PatternRecord
	score  float64
}

// lookup returns all same-type patterns with similarity strictly above
// minScore (or >= when inclusive). Buckets whose key-set upper bound cannot
// reach minScore are skipped without scoring members.
func (idx *Index) lookup(taskType string, context map[string]string, minScore float64, inclusive bool) []match {
	buckets := idx.byType[taskType]
	if len(buckets) == 0 {
		return nil
	}
	queryKeys := sortedKeys(context)

	var out []match
	for _, b := range buckets {
		bound := keySetUpperBound(queryKeys, b.keys)
		if bound < minScore || (!inclusive && bound == minScore) {
			continue
		}
		for _, p := range b.members {
			score := Similarity(context, p.Context)
			if score > minScore || (inclusive && score == minScore) {
				out = append(out, match{record: p, score: score})
			}
		}
	}
	return out
}

// Best returns the most similar same-type pattern and its score, or nil
// when the type has no patterns. Ties break on record ID for determinism.
func (idx *Index) Best(taskType string, context map[string]string) (*store.PatternRecord, float64) {
	matches := idx.lookup(taskType, context, 0, true)
	var best *store.PatternRecord
	bestScore := -1.0
	for _, m := range matches {
		if m.score > bestScore || (m.score == bestScore && best != nil && m.record.ID < best.ID) {
			best = m.record
			bestScore = m.score
		}
	}
	if best == nil {
		return nil, 0
	}
	return best, bestScore
}
