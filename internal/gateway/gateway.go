// Package gateway wires the Intake & Dedup Gateway, Suppression &
// Correlator, Maintenance Gate, Tiered Planner, Executor/Validator,
// Verifier, Learning Store, and Notifier into the single per-alert
// pipeline described end to end in spec §4: an alert comes in, gets
// deduplicated, checked against the correlator and maintenance gate,
// planned, remediated at whichever tier the Planner picked, verified,
// and fed back into the learning loop.
//
// No single donor file plays this role (jbouey-msp-flake's healing
// pipeline is split across daemon.healIncident and internal/l2planner
// with a lot of MSP-specific branching); this package is new, composing
// the already-adapted packages the way that dispatcher composes theirs.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/potatorick/jarvis/internal/correlator"
	"github.com/potatorick/jarvis/internal/executor"
	"github.com/potatorick/jarvis/internal/hostmonitor"
	"github.com/potatorick/jarvis/internal/learning"
	"github.com/potatorick/jarvis/internal/maintenance"
	"github.com/potatorick/jarvis/internal/metrics"
	"github.com/potatorick/jarvis/internal/models"
	"github.com/potatorick/jarvis/internal/notifier"
	"github.com/potatorick/jarvis/internal/planner"
	"github.com/potatorick/jarvis/internal/queue"
	"github.com/potatorick/jarvis/internal/reasoning"
	"github.com/potatorick/jarvis/internal/runbook"
	"github.com/potatorick/jarvis/internal/selfpreserve"
	"github.com/potatorick/jarvis/internal/validator"
	"github.com/potatorick/jarvis/internal/verifier"
)

// Status is the outcome reported back to the HTTP layer for a single
// ingested alert, matching the `{status: ...}` response shapes in §4.
type Status string

const (
	StatusDeduplicated   Status = "deduplicated"
	StatusQueued         Status = "queued"
	StatusResolved       Status = "resolved"
	StatusSkippedCascade Status = "skipped_cascade"
	StatusHostOffline    Status = "host_offline"
	StatusMaintenance    Status = "maintenance_window"
	StatusActioned       Status = "actioned"
	StatusEscalated      Status = "escalated"
)

// ErrValidation is returned for a batch member with an empty fingerprint.
var ErrValidation = errors.New("fingerprint must be non-empty")

// SSHConfig resolves a hostname to SSH connection parameters.
type SSHConfig struct {
	Username       string
	PrivateKeyPath string
	Port           int
}

// Config bundles the per-alert knobs the Gateway needs.
type Config struct {
	CommandTimeoutSecs  int
	ExternalURL         string
	VerificationEnabled bool
	FingerprintCooldown time.Duration
	EscalationCooldown  time.Duration
	SSH                 SSHConfig
}

// gatewayStore is the slice of store.DB the Gateway calls directly, plus
// what the attemptHistory adapter and the Planner's MaintenanceProvider/
// PatternProvider need from it — narrow enough that a test fake can
// implement it without a live Postgres connection, the same split
// notifier.EscalationStore and learning.Store already use.
type gatewayStore interface {
	CheckAndSetCooldown(ctx context.Context, fingerprint string, ttl time.Duration) (alreadyProcessed bool, priorProcessedAt time.Time, err error)
	ClearEscalationCooldown(ctx context.Context, alertName, instance string) error
	ActiveHandoffForTarget(ctx context.Context, target models.HandoffTarget) (*models.SelfPreservationHandoff, error)
	RecordAttempt(ctx context.Context, attempt *models.RemediationAttempt) error
	ActionableAttemptCount(fingerprint string, window time.Duration) int
	IsSuppressed(host string) bool
	CandidatePatterns(alertName string) []*models.Pattern
	FailedCommandSets(fingerprint string) []*models.FailurePattern
}

// attemptHistory adapts store.DB and correlator.Correlator into the one
// interface planner.Planner needs, since IsCascadingDependent and
// ActionableAttemptCount are owned by two different packages.
type attemptHistory struct {
	store      gatewayStore
	correlator *correlator.Correlator
}

func (a *attemptHistory) ActionableAttemptCount(fingerprint string, window time.Duration) int {
	return a.store.ActionableAttemptCount(fingerprint, window)
}

func (a *attemptHistory) IsCascadingDependent(alert *models.Alert) bool {
	return a.correlator.IsCascadingDependent(alert)
}

// Gateway is the assembled remediation pipeline.
type Gateway struct {
	db           gatewayStore
	correlator   *correlator.Correlator
	maintenance  *maintenance.Gate
	hosts        *hostmonitor.Monitor
	planner      *planner.Planner
	learning     *learning.Learning
	executor     *executor.Executor
	validator    *validator.Validator
	verifier     *verifier.Verifier
	oracle       *reasoning.Oracle
	notifier     *notifier.Notifier
	selfpreserve *selfpreserve.Manager
	queue        *queue.Queue
	runbooks     *runbook.Store
	metricsQuerier MetricsQuerier
	logQuerier     LogQuerier
	stats          *metrics.Registry

	cfg Config
}

// Deps bundles every collaborator the Gateway composes. oracle and
// selfpreserve may be nil (full reasoning and self-restart both degrade
// to clear errors rather than panicking); metricsQuerier/logQuerier may
// be nil (their tools report "not configured").
type Deps struct {
	DB             gatewayStore
	Correlator     *correlator.Correlator
	Maintenance    *maintenance.Gate
	Hosts          *hostmonitor.Monitor
	Learning       *learning.Learning
	Executor       *executor.Executor
	Validator      *validator.Validator
	Verifier       *verifier.Verifier
	Oracle         *reasoning.Oracle
	Notifier       *notifier.Notifier
	SelfPreserve   *selfpreserve.Manager
	Queue          *queue.Queue
	Runbooks       *runbook.Store
	MetricsQuerier MetricsQuerier
	LogQuerier     LogQuerier
	Stats          *metrics.Registry
}

// New assembles the Gateway, building the Tiered Planner over the
// supplied providers (store.DB for patterns/attempts, hostmonitor for
// host state, maintenance for the gate, the attemptHistory adapter for
// cascade/dedup checks).
func New(deps Deps, maxAttemptsPerAlert, attemptWindowHours, crashLoopThreshold int, cfg Config) *Gateway {
	ah := &attemptHistory{store: deps.DB, correlator: deps.Correlator}
	// deps.DB satisfies planner.MaintenanceProvider directly (IsSuppressed);
	// deps.Maintenance is the thinner Start/End/Status facade the HTTP
	// layer uses, over the same underlying table.
	p := planner.New(deps.Hosts, deps.DB, ah, deps.DB,
		time.Duration(attemptWindowHours)*time.Hour, maxAttemptsPerAlert, crashLoopThreshold)

	return &Gateway{
		db:             deps.DB,
		correlator:     deps.Correlator,
		maintenance:    deps.Maintenance,
		hosts:          deps.Hosts,
		planner:        p,
		learning:       deps.Learning,
		executor:       deps.Executor,
		validator:      deps.Validator,
		verifier:       deps.Verifier,
		oracle:         deps.Oracle,
		notifier:       deps.Notifier,
		selfpreserve:   deps.SelfPreserve,
		queue:          deps.Queue,
		runbooks:       deps.Runbooks,
		metricsQuerier: deps.MetricsQuerier,
		logQuerier:     deps.LogQuerier,
		stats:          deps.Stats,
		cfg:            cfg,
	}
}

// recordStatus increments the alerts-ingested counter for a terminal
// Status, a no-op if no Registry was wired.
func (g *Gateway) recordStatus(status Status) {
	if g.stats == nil {
		return
	}
	g.stats.AlertsIngested.WithLabelValues(string(status)).Inc()
}

// Ingest implements §4.1 steps 2-6 onward: normalize, dedup, resolution
// handling, correlator/maintenance suppression, planning, and dispatch.
// Step 1 (fingerprint non-empty) and the degraded-mode fallback are the
// HTTP layer's job, since they precede this call and the queue drain
// calls back into Ingest directly.
func (g *Gateway) Ingest(ctx context.Context, alert *models.Alert) (Status, error) {
	status, err := g.ingest(ctx, alert)
	if status != "" {
		g.recordStatus(status)
	}
	return status, err
}

func (g *Gateway) ingest(ctx context.Context, alert *models.Alert) (Status, error) {
	if alert.Fingerprint == "" {
		return "", ErrValidation
	}
	instance := alert.ResolvedInstance()
	if alert.Instance == "" {
		alert.Instance = instance
	}

	alreadyProcessed, _, err := g.db.CheckAndSetCooldown(ctx, alert.Fingerprint, g.cooldownTTL())
	if err != nil {
		if g.queue != nil && g.queue.Enqueue(alert) {
			return StatusQueued, nil
		}
		return "", fmt.Errorf("dedup check failed and degraded queue rejected the alert: %w", err)
	}
	if alreadyProcessed {
		return StatusDeduplicated, nil
	}

	if alert.Status == models.AlertResolved {
		if err := g.db.ClearEscalationCooldown(ctx, alert.Name, instance); err != nil {
			log.Printf("[gateway] clear escalation cooldown failed for %s/%s: %v", alert.Name, instance, err)
		}
		g.correlator.EndRootCause(alert.RemediationHost(), alert.Name)
		g.notifier.NotifyAlert(ctx, alert, fmt.Sprintf("%s on %s resolved", alert.Name, instance))
		return StatusResolved, nil
	}

	decision := g.planner.Plan(alert)
	switch decision.Tier {
	case planner.TierSkip:
		return g.handleSkip(ctx, alert, decision)
	case planner.TierCached:
		return g.dispatchCached(ctx, alert, decision)
	case planner.TierHintAssisted, planner.TierFullReasoning:
		return g.dispatchReasoned(ctx, alert, decision)
	default:
		return "", fmt.Errorf("unhandled planner tier %q", decision.Tier)
	}
}

func (g *Gateway) cooldownTTL() time.Duration {
	if g.cfg.FingerprintCooldown <= 0 {
		return 300 * time.Second
	}
	return g.cfg.FingerprintCooldown
}

func (g *Gateway) handleSkip(ctx context.Context, alert *models.Alert, d planner.Decision) (Status, error) {
	switch d.SkipReason {
	case planner.SkipHostOffline:
		return StatusHostOffline, nil
	case planner.SkipMaintenance:
		return StatusMaintenance, nil
	case planner.SkipCascading:
		return StatusSkippedCascade, nil
	default:
		if g.stats != nil {
			g.stats.Escalations.WithLabelValues("max_attempts").Inc()
		}
		g.notifier.NotifyEscalation(ctx, alert, &models.RemediationAttempt{AttemptIndex: d.AttemptIndex}, "max attempts reached for this alert")
		return StatusEscalated, nil
	}
}

// dispatchCached runs a cached Pattern's solution commands directly
// through the validator and executor, the §4.5 "cached tier" path.
func (g *Gateway) dispatchCached(ctx context.Context, alert *models.Alert, d planner.Decision) (Status, error) {
	host := alert.RemediationHost()
	active, _ := g.selfpreserveActive(ctx)

	g.correlator.BeginRootCause(host, alert.Name)
	defer g.correlator.EndRootCause(host, alert.Name)

	attempt := &models.RemediationAttempt{
		ID:           fmt.Sprintf("attempt-%s-%d", alert.Fingerprint, time.Now().UnixNano()),
		Timestamp:    time.Now(),
		AlertName:    alert.Name,
		Instance:     alert.ResolvedInstance(),
		Fingerprint:  alert.Fingerprint,
		AttemptIndex: d.AttemptIndex,
		RiskTier:     d.Pattern.RiskTier,
	}

	started := time.Now()
	success := true
	for _, command := range d.Pattern.SolutionCommands {
		check := g.validator.Check(command, active)
		if !check.Allowed {
			attempt.Commands = append(attempt.Commands, models.CommandResult{Command: command, Stderr: check.Reason, ExitCode: 1})
			success = false
			break
		}
		target := g.resolveTarget(host)
		result, err := g.executor.Run(ctx, target, command, g.cfg.CommandTimeoutSecs)
		if err != nil {
			if g.hosts != nil {
				g.hosts.RecordOutcome(host, false, err.Error())
			}
			attempt.Commands = append(attempt.Commands, models.CommandResult{Command: command, Stderr: err.Error(), ExitCode: 1})
			success = false
			break
		}
		if g.hosts != nil {
			g.hosts.RecordOutcome(host, result.ExitCode == 0, result.Stderr)
		}
		attempt.Commands = append(attempt.Commands, *result)
		if result.ExitCode != 0 {
			success = false
			break
		}
	}
	attempt.DurationMs = time.Since(started).Milliseconds()
	attempt.Success = success
	attempt.Finalize()

	return g.finishAttempt(ctx, alert, d, attempt, success)
}

// dispatchReasoned invokes the reasoning Oracle for hint-assisted or
// full-reasoning tiers, wiring a fresh toolRouter scoped to this alert.
func (g *Gateway) dispatchReasoned(ctx context.Context, alert *models.Alert, d planner.Decision) (Status, error) {
	if g.oracle == nil {
		g.notifier.NotifyEscalation(ctx, alert, &models.RemediationAttempt{AttemptIndex: d.AttemptIndex}, "no reasoning oracle configured")
		return StatusEscalated, nil
	}

	host := alert.RemediationHost()
	active, _ := g.selfpreserveActive(ctx)

	g.correlator.BeginRootCause(host, alert.Name)
	defer g.correlator.EndRootCause(host, alert.Name)

	router := &toolRouter{gw: g, alert: alert, hasActiveHandoff: active, crashLoop: d.CrashLoop}
	result, err := g.oracle.Run(ctx, alert, d.Pattern, g.infraSummary(alert), d.StartingBand, router)
	if err != nil {
		log.Printf("[gateway] oracle run failed for %s: %v", alert.Fingerprint, err)
		if result == nil {
			g.notifier.NotifyEscalation(ctx, alert, &models.RemediationAttempt{AttemptIndex: d.AttemptIndex}, err.Error())
			return StatusEscalated, nil
		}
	}

	attempt := result.Attempt
	attempt.AttemptIndex = d.AttemptIndex
	return g.finishAttempt(ctx, alert, d, attempt, attempt.Success)
}

// finishAttempt runs the shared tail of both dispatch paths: verify (if
// every command succeeded), persist the attempt, update the learning
// store, and notify on escalation.
func (g *Gateway) finishAttempt(ctx context.Context, alert *models.Alert, d planner.Decision, attempt *models.RemediationAttempt, success bool) (Status, error) {
	if success && g.cfg.VerificationEnabled {
		attempt.Verification = g.verifier.Verify(ctx, alert)
	}
	if g.stats != nil {
		g.stats.AttemptsTotal.WithLabelValues(string(d.Tier), fmt.Sprintf("%t", success)).Inc()
		if attempt.Verification != "" {
			g.stats.VerificationTotal.WithLabelValues(string(attempt.Verification)).Inc()
		}
	}

	fingerprint := planner.SymptomFingerprint(alert)
	if success && (attempt.Verification == models.VerificationVerified || attempt.Verification == models.VerificationNotRun) {
		confidence, err := g.learning.RecordSuccess(ctx, alert, fingerprint, alert.Labels["category"], alert.RemediationHost(),
			commandStrings(attempt.Commands), attempt.RiskTier, models.PatternReasoned, attempt.Analysis, attempt.Analysis, attempt.DurationMs)
		if err != nil {
			log.Printf("[gateway] record success failed for %s: %v", fingerprint, err)
		} else if g.stats != nil {
			g.stats.PatternConfidence.WithLabelValues(alert.Name).Set(confidence)
		}
	} else {
		attempt.Escalated = true
		reason := "remediation did not clear the condition"
		if !success {
			reason = "a command in the attempt failed"
		}
		if err := g.learning.RecordFailure(ctx, alert, fingerprint, commandStrings(attempt.Commands), reason); err != nil {
			log.Printf("[gateway] record failure failed for %s: %v", fingerprint, err)
		}
	}

	if err := g.db.RecordAttempt(ctx, attempt); err != nil {
		log.Printf("[gateway] persisting attempt failed for %s: %v", attempt.Fingerprint, err)
	}

	if attempt.Escalated {
		if g.stats != nil {
			g.stats.Escalations.WithLabelValues("remediation_failed").Inc()
		}
		g.notifier.NotifyEscalation(ctx, alert, attempt, "remediation attempt did not succeed")
		return StatusEscalated, nil
	}
	g.notifier.NotifyAlert(ctx, alert, fmt.Sprintf("%s on %s remediated", alert.Name, alert.ResolvedInstance()))
	return StatusActioned, nil
}

// infraSummary builds the system-prompt context the Reasoning Loop opens
// with: host/instance/severity plus any runbook text matched by alert
// name, so Claude doesn't have to ask for it as a tool call.
func (g *Gateway) infraSummary(alert *models.Alert) string {
	summary := fmt.Sprintf("host=%s instance=%s severity=%s", alert.RemediationHost(), alert.ResolvedInstance(), alert.Severity)
	if g.runbooks == nil {
		return summary
	}
	if text, ok := g.runbooks.Get(alert.Name); ok {
		summary += "\n\nrunbook:\n" + text
	}
	return summary
}

// selfProtectionTargets are the only values validator.selfProtectionReason
// ever reports and the only values store.CreateHandoff ever persists as a
// handoff's Target; a physical hostname is never one of them.
var selfProtectionTargets = []models.HandoffTarget{
	models.HandoffSelf, models.HandoffDatabase, models.HandoffDockerDaemon, models.HandoffHost,
}

// selfpreserveActive reports whether any self-protection target currently
// has a pending/in_progress handoff, lifting the validator's self-protection
// bypass for the whole alert regardless of which target a given command
// happens to touch (validator.Check takes one hasActiveHandoff bool, not a
// per-target one).
func (g *Gateway) selfpreserveActive(ctx context.Context) (bool, error) {
	if g.selfpreserve == nil {
		return false, nil
	}
	for _, target := range selfProtectionTargets {
		h, err := g.db.ActiveHandoffForTarget(ctx, target)
		if err != nil {
			return false, err
		}
		if h != nil {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gateway) resolveTarget(host string) *executor.Target {
	t := &executor.Target{
		Hostname:       host,
		Port:           g.cfg.SSH.Port,
		Username:       g.cfg.SSH.Username,
		CommandTimeout: g.cfg.CommandTimeoutSecs,
	}
	if g.cfg.SSH.PrivateKeyPath != "" {
		t.PrivateKeyPath = &g.cfg.SSH.PrivateKeyPath
	}
	return t
}

func selfRestartRequest(target models.HandoffTarget, reason string, rc *models.RemediationContext, externalURL string) selfpreserve.RestartRequest {
	return selfpreserve.RestartRequest{
		Target:      target,
		Reason:      reason,
		Context:     rc,
		CallbackURL: externalURL + "/resume",
	}
}

func commandStrings(results []models.CommandResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Command)
	}
	return out
}
