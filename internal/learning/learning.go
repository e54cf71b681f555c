// Package learning implements the Learning Store's business-facing facade
// (spec §4.10): lookup, record_success, record_failure, tier_for. The raw
// SQL — the upsert-on-conflict merge, the confidence formula, the
// failure-pattern bookkeeping — lives in internal/store, which owns the
// connection pool; this package is the thin layer the Planner and
// Reasoning Loop actually call, grounded on the same checkin.db.go
// upsert idiom plus internal/reasoning/telemetry.go's framing of every
// attempt as flywheel input.
package learning

import (
	"context"
	"errors"
	"log"

	"github.com/potatorick/jarvis/internal/models"
	"github.com/potatorick/jarvis/internal/store"
)

// Store is the persistence this facade needs — satisfied by internal/store.DB.
type Store interface {
	CandidatePatterns(alertName string) []*models.Pattern
	FailedCommandSets(fingerprint string) []*models.FailurePattern
	RecordPatternSuccess(ctx context.Context, alertName, category, symptomFingerprint, targetHost string, commands []string, riskTier models.RiskTier, source models.PatternSource, diagnostics, reasoning string) (*models.Pattern, error)
	RecordPatternFailure(ctx context.Context, alertName, symptomFingerprint string) error
	RecordFailurePattern(ctx context.Context, fingerprint string, commands []string, reason string) error
}

// Learning is the Learning Store facade.
type Learning struct {
	store Store
}

// New builds a Learning facade over a Store.
func New(store Store) *Learning {
	return &Learning{store: store}
}

// Lookup returns every candidate pattern for an alert name, highest
// confidence first — `lookup(alert) -> [candidates sorted by confidence]`.
func (l *Learning) Lookup(alertName string) []*models.Pattern {
	return l.store.CandidatePatterns(alertName)
}

// FailedCommandSets returns the command sequences previously tried and
// failed for a symptom fingerprint.
func (l *Learning) FailedCommandSets(fingerprint string) []*models.FailurePattern {
	return l.store.FailedCommandSets(fingerprint)
}

// TierFor computes which tier an alert currently routes to, per its best
// matching pattern, mirroring models.Pattern.Tier but expressed at the
// alert level for callers that haven't already resolved a candidate.
func (l *Learning) TierFor(alertName string) models.PatternTier {
	candidates := l.Lookup(alertName)
	if len(candidates) == 0 {
		return models.TierNone
	}
	return candidates[0].Tier()
}

// RecordSuccess is called once the Verifier confirms a remediation
// actually cleared the condition. duration is accepted for parity with
// the spec's `record_success(pattern_id, duration) -> new_confidence`
// signature and logged for operator visibility; the confidence formula
// itself (§4.10) does not weight execution duration.
func (l *Learning) RecordSuccess(ctx context.Context, alert *models.Alert, fingerprint, category, targetHost string, commands []string, riskTier models.RiskTier, source models.PatternSource, diagnostics, reasoning string, duration int64) (float64, error) {
	p, err := l.store.RecordPatternSuccess(ctx, alert.Name, category, fingerprint, targetHost, commands, riskTier, source, diagnostics, reasoning)
	if err != nil {
		return 0, err
	}
	log.Printf("[learning] pattern %s/%s success_count=%d confidence=%.2f (took %dms)",
		alert.Name, fingerprint, p.SuccessCount, p.Confidence, duration)
	return p.Confidence, nil
}

// RecordFailure is called after a verified failure: it writes the
// FailurePattern row that biases future planning away from the same
// command sequence, and demotes any existing Pattern for this fingerprint.
// A missing pattern (nothing to demote yet) is not an error.
func (l *Learning) RecordFailure(ctx context.Context, alert *models.Alert, fingerprint string, commands []string, reason string) error {
	if err := l.store.RecordFailurePattern(ctx, fingerprint, commands, reason); err != nil {
		return err
	}
	if err := l.store.RecordPatternFailure(ctx, alert.Name, fingerprint); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}
