// Package verifier implements the Verifier (spec §4.9): after a
// non-diagnostic remediation completes with every exit code zero, poll
// the metrics backend until the alert's firing state clears, or declare
// verified failure once the deadline passes.
//
// No donor analog exists (jbouey-msp-flake trusts exit codes and never
// independently re-checks); this is new, shaped like internal/l2planner's
// timed retry-with-sleep loop in its own polling helper.
package verifier

import (
	"context"
	"log"
	"time"

	"github.com/potatorick/jarvis/internal/models"
)

// DefaultInitialDelay, DefaultPollInterval, DefaultMaxWait are the §6
// defaults for verification timing.
const (
	DefaultInitialDelay = 10 * time.Second
	DefaultPollInterval = 10 * time.Second
	DefaultMaxWait      = 120 * time.Second
)

// MetricsBackend is queried to learn whether an alert condition is still
// firing. A real implementation hits the same metrics backend the oracle's
// query_metric_history tool uses.
type MetricsBackend interface {
	// IsFiring reports whether the named alert is still firing for the
	// given labels. An error means the backend is unreachable.
	IsFiring(ctx context.Context, alertName string, labels map[string]string) (bool, error)
}

// Config controls verification timing; zero-value fields fall back to the
// package defaults.
type Config struct {
	InitialDelay time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	return c
}

// Verifier polls a MetricsBackend to confirm a remediation actually
// resolved the condition it targeted.
type Verifier struct {
	backend MetricsBackend
	cfg     Config
	sleep   func(time.Duration)
}

// New builds a Verifier against a metrics backend.
func New(backend MetricsBackend, cfg Config) *Verifier {
	return &Verifier{backend: backend, cfg: cfg.withDefaults(), sleep: time.Sleep}
}

// Verify implements the §4.9 algorithm. Only called after every command
// in the attempt exited zero.
func (v *Verifier) Verify(ctx context.Context, alert *models.Alert) models.VerificationOutcome {
	v.sleep(v.cfg.InitialDelay)

	deadline := time.Now().Add(v.cfg.MaxWait)
	for {
		firing, err := v.backend.IsFiring(ctx, alert.Name, alert.Labels)
		if err != nil {
			log.Printf("[verifier] metrics backend unreachable for %s: %v, falling back to unverified", alert.Name, err)
			return models.VerificationUnverified
		}
		if !firing {
			return models.VerificationVerified
		}
		if time.Now().After(deadline) {
			return models.VerificationFailed
		}

		select {
		case <-ctx.Done():
			return models.VerificationUnverified
		default:
			v.sleep(v.cfg.PollInterval)
		}
	}
}
