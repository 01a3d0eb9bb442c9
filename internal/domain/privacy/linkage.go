package privacy

import (
	"sort"
	"strings"
	"time"
)

// Linkage detection defaults. A requester that issues more than
// MaxSimilarQueries queries with field scopes at or above
// SimilarityThreshold inside the window is blocked.
const (
	DefaultLinkageWindow      = 24 * time.Hour
	DefaultSimilarityThreshold = 0.8
	DefaultMaxSimilarQueries  = 10
)

// LinkagePolicy holds the tunables for linkage-attack detection.
type LinkagePolicy struct {
	Window              time.Duration
	SimilarityThreshold float64
	MaxSimilarQueries   int
}

// NewLinkagePolicy creates a linkage policy, filling unset fields with
// the defaults.
func NewLinkagePolicy(window time.Duration, threshold float64, maxSimilar int) LinkagePolicy {
	if window <= 0 {
		window = DefaultLinkageWindow
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}
	if maxSimilar <= 0 {
		maxSimilar = DefaultMaxSimilarQueries
	}
	return LinkagePolicy{
		Window:              window,
		SimilarityThreshold: threshold,
		MaxSimilarQueries:   maxSimilar,
	}
}

// FieldScope is a normalized set of requested field names. Scopes are
// stored sorted and deduplicated so similarity and canonical encoding
// are deterministic.
type FieldScope []string

// NewFieldScope normalizes a list of field names into a FieldScope
func NewFieldScope(fields []string) FieldScope {
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Canonical returns the comma-joined canonical form used in query plan
// payloads and linkage storage.
func (s FieldScope) Canonical() string {
	return strings.Join(s, ",")
}

// ParseFieldScope rebuilds a FieldScope from its canonical form
func ParseFieldScope(canonical string) FieldScope {
	if canonical == "" {
		return FieldScope{}
	}
	return NewFieldScope(strings.Split(canonical, ","))
}

// Contains reports whether other is a subset of s
func (s FieldScope) Contains(other FieldScope) bool {
	set := make(map[string]bool, len(s))
	for _, f := range s {
		set[f] = true
	}
	for _, f := range other {
		if !set[f] {
			return false
		}
	}
	return true
}

// Intersect returns the fields present in both scopes
func (s FieldScope) Intersect(other FieldScope) FieldScope {
	set := make(map[string]bool, len(other))
	for _, f := range other {
		set[f] = true
	}
	out := make([]string, 0, len(s))
	for _, f := range s {
		if set[f] {
			out = append(out, f)
		}
	}
	return FieldScope(out)
}

// Similarity computes the Jaccard similarity of two field scopes:
// |intersection| / |union|. Two empty scopes are identical.
func (s FieldScope) Similarity(other FieldScope) float64 {
	if len(s) == 0 && len(other) == 0 {
		return 1.0
	}
	if len(s) == 0 || len(other) == 0 {
		return 0.0
	}

	set := make(map[string]bool, len(s))
	for _, f := range s {
		set[f] = true
	}

	intersection := 0
	for _, f := range other {
		if set[f] {
			intersection++
		}
	}

	union := len(s) + len(other) - intersection
	return float64(intersection) / float64(union)
}

// CountSimilar counts how many past scopes are at or above the policy's
// similarity threshold relative to scope.
func (p LinkagePolicy) CountSimilar(scope FieldScope, history []FieldScope) int {
	count := 0
	for _, past := range history {
		if scope.Similarity(past) >= p.SimilarityThreshold {
			count++
		}
	}
	return count
}

// Exceeded reports whether similarCount breaches the policy limit.
// The count includes only prior queries, so a requester gets exactly
// MaxSimilarQueries similar queries before the block.
func (p LinkagePolicy) Exceeded(similarCount int) bool {
	return similarCount >= p.MaxSimilarQueries
}
