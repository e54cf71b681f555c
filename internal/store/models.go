// Package store implements the Postgres-backed persistence shared by the
// Intake & Dedup Gateway, the Learning Store, Self-Preservation handoffs,
// and maintenance windows. One pool, one package — the donor's checkin
// layer made the same choice for its own handful of tables.
package store

import (
	"sort"
	"strings"
	"time"

	"github.com/potatorick/jarvis/internal/models"
)

// ResolveInstance applies the label precedence the Intake Gateway uses to
// normalize an alert's identity: labels.instance > derived(host:container)
// > labels.host. Kept here (not in models.Alert) because it is an Intake
// Gateway responsibility applied once, at ingest, before persistence —
// models.Alert.ResolvedInstance exists for call sites that want the same
// precedence computed lazily.
func ResolveInstance(labels map[string]string) string {
	if v := labels["instance"]; v != "" {
		return v
	}
	host, container := labels["host"], labels["container"]
	if host != "" && container != "" {
		return host + ":" + container
	}
	return host
}

// clampConfidence restricts a computed confidence value to the band the
// Learning Store is allowed to persist.
func clampConfidence(v float64) float64 {
	if v < 0.3 {
		return 0.3
	}
	if v > 0.95 {
		return 0.95
	}
	return v
}

// ComputeConfidence implements the Learning Store's confidence formula
// (§4.10): base success ratio, a recency bonus for patterns used in the
// last week, and a penalty once a pattern has failed more than twice.
func ComputeConfidence(successCount, failureCount int, lastUsedAt, now time.Time) float64 {
	var base float64
	if successCount+failureCount == 0 {
		base = 0.5
	} else {
		base = float64(successCount) / float64(successCount+failureCount)
	}
	var recency float64
	if !lastUsedAt.IsZero() && now.Sub(lastUsedAt) <= 7*24*time.Hour {
		recency = 0.10
	}
	var penalty float64
	if failureCount > 2 {
		penalty = 0.05
	}
	return clampConfidence(base + recency - penalty)
}

// commandSetKey canonicalizes a command sequence for FailurePattern
// deduplication; order matters, a reordered sequence is a different set.
func commandSetKey(commands []string) string {
	return strings.Join(commands, "\n")
}

// normalizeCommands trims and drops blanks before persisting, so two
// request bodies that differ only in incidental whitespace collide on the
// same FailurePattern row instead of silently duplicating it.
func normalizeCommands(commands []string) []string {
	out := make([]string, 0, len(commands))
	for _, c := range commands {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// sortPatternsByConfidence orders candidates highest-confidence first, the
// shape planner.PatternProvider.CandidatePatterns promises its callers.
func sortPatternsByConfidence(patterns []*models.Pattern) {
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Confidence > patterns[j].Confidence
	})
}
