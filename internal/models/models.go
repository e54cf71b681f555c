// Package models holds the data types shared across the remediation
// pipeline: alerts, attempts, learned patterns, and the various cooldown
// and status records each component reads or owns.
package models

import "time"

// Severity is the normalized severity band of an Alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertStatus is the lifecycle status reported by the upstream monitor.
type AlertStatus string

const (
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
)

// Alert is a single firing/resolved condition. Fingerprint is its identity:
// two firings with the same fingerprint are the same ongoing incident.
type Alert struct {
	Fingerprint string            `json:"fingerprint"`
	Name        string            `json:"name"`
	Instance    string            `json:"instance"`
	Severity    Severity          `json:"severity"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"starts_at"`
	EndsAt      *time.Time        `json:"ends_at,omitempty"`
	Status      AlertStatus       `json:"status"`
}

// ResolvedInstance returns the instance key used for cooldown/escalation
// bookkeeping: labels.instance > derived(host:container) > labels.host.
func (a *Alert) ResolvedInstance() string {
	if v := a.Labels["instance"]; v != "" {
		return v
	}
	host, container := a.Labels["host"], a.Labels["container"]
	if host != "" && container != "" {
		return host + ":" + container
	}
	if host != "" {
		return host
	}
	return a.Instance
}

// RemediationHost returns the label-hinted target host for remediation,
// distinct from the alert's reporting instance.
func (a *Alert) RemediationHost() string {
	if v := a.Labels["remediation_host"]; v != "" {
		return v
	}
	return a.Labels["host"]
}

// CommandResult is the outcome of a single executed command.
type CommandResult struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// RiskTier classifies how invasive a remediation attempt was.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// VerificationOutcome records what the Verifier concluded, if anything.
type VerificationOutcome string

const (
	VerificationNotRun      VerificationOutcome = ""
	VerificationVerified    VerificationOutcome = "verified"
	VerificationFailed      VerificationOutcome = "failed"
	VerificationUnverified  VerificationOutcome = "unverified"
)

// RemediationAttempt is an append-only log record of one remediation try.
// Never mutated after Finalize.
type RemediationAttempt struct {
	ID            string               `json:"id"`
	Timestamp     time.Time            `json:"timestamp"`
	AlertName     string               `json:"alert_name"`
	Instance      string               `json:"instance"`
	Fingerprint   string               `json:"fingerprint"`
	AttemptIndex  int                  `json:"attempt_index"`
	Analysis      string               `json:"analysis"`
	Commands      []CommandResult      `json:"commands"`
	Success       bool                 `json:"success"`
	Verification  VerificationOutcome  `json:"verification"`
	Escalated     bool                 `json:"escalated"`
	RiskTier      RiskTier             `json:"risk_tier"`
	DurationMs    int64                `json:"duration_ms"`
	finalized     bool
}

// Finalize marks the attempt as complete; subsequent mutation is a bug.
func (r *RemediationAttempt) Finalize() { r.finalized = true }

// Finalized reports whether Finalize has been called.
func (r *RemediationAttempt) Finalized() bool { return r.finalized }

// ActionableCommandCount returns how many commands were non-diagnostic,
// used for attempt accounting (only actionable attempts count against the
// per-alert budget).
func (r *RemediationAttempt) ActionableCommandCount(isDiagnostic func(string) bool) int {
	n := 0
	for _, c := range r.Commands {
		if !isDiagnostic(c.Command) {
			n++
		}
	}
	return n
}

// PatternSource identifies where a Pattern originated.
type PatternSource string

const (
	PatternReasoned PatternSource = "reasoned"
	PatternSeeded   PatternSource = "seeded"
)

// PatternTier is the confidence band a Pattern currently occupies.
type PatternTier string

const (
	TierCached  PatternTier = "cached"
	TierHint    PatternTier = "hint"
	TierFull    PatternTier = "full"
	TierNone    PatternTier = "none"
)

// Pattern is a learned or seeded remediation, unique on
// (AlertName, SymptomFingerprint).
type Pattern struct {
	ID                 string    `json:"id"`
	AlertName          string    `json:"alert_name"`
	Category           string    `json:"category"`
	SymptomFingerprint string    `json:"symptom_fingerprint"`
	TargetHost         string    `json:"target_host,omitempty"`
	SolutionCommands   []string  `json:"solution_commands"`
	SuccessCount       int       `json:"success_count"`
	FailureCount       int       `json:"failure_count"`
	Confidence         float64   `json:"confidence"`
	RiskTier           RiskTier  `json:"risk_tier"`
	Source             PatternSource `json:"source"`
	CachedDiagnostics  string    `json:"cached_diagnostics,omitempty"`
	CachedReasoning    string    `json:"cached_reasoning,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	LastUsedAt         time.Time `json:"last_used_at"`
}

// Tier computes which confidence band this pattern currently occupies.
func (p *Pattern) Tier() PatternTier {
	switch {
	case p.Confidence >= 0.90 && p.SuccessCount >= 5:
		return TierCached
	case p.Confidence >= 0.70 && p.SuccessCount >= 3:
		return TierHint
	default:
		return TierNone
	}
}

// FailurePattern records a command sequence that previously failed for a
// given alert fingerprint, biasing the planner away from repeating it.
type FailurePattern struct {
	Fingerprint  string    `json:"fingerprint"`
	Commands     []string  `json:"commands"`
	Count        int       `json:"count"`
	LastFailedAt time.Time `json:"last_failed_at"`
	Reason       string    `json:"reason"`
}

// HostState is the reachability state of a remediation target.
type HostState string

const (
	HostOnline   HostState = "ONLINE"
	HostOffline  HostState = "OFFLINE"
	HostChecking HostState = "CHECKING"
)

// HostStatus tracks per-host reachability.
type HostStatus struct {
	Host                string    `json:"host"`
	State               HostState `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error"`
}

// MaintenanceWindow suppresses remediation for a host (or "all").
type MaintenanceWindow struct {
	Host            string     `json:"host"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	IsActive        bool       `json:"is_active"`
	Reason          string     `json:"reason"`
	SuppressedCount int        `json:"suppressed_count"`
}

// HandoffTarget names what a SelfPreservationHandoff is restarting.
type HandoffTarget string

const (
	HandoffSelf         HandoffTarget = "self"
	HandoffDatabase     HandoffTarget = "database"
	HandoffDockerDaemon HandoffTarget = "docker-daemon"
	HandoffHost         HandoffTarget = "host"
)

// HandoffStatus is the lifecycle status of a restart handoff.
type HandoffStatus string

const (
	HandoffPending    HandoffStatus = "pending"
	HandoffInProgress HandoffStatus = "in_progress"
	HandoffCompleted  HandoffStatus = "completed"
	HandoffFailed     HandoffStatus = "failed"
	HandoffTimeout    HandoffStatus = "timeout"
	HandoffCancelled  HandoffStatus = "cancelled"
)

// SelfPreservationHandoff is the persisted record of a pending restart.
type SelfPreservationHandoff struct {
	ID                string        `json:"id"`
	Target            HandoffTarget `json:"target"`
	Reason            string        `json:"reason"`
	SerializedContext []byte        `json:"serialized_context,omitempty"`
	Status            HandoffStatus `json:"status"`
	CallbackURL       string        `json:"callback_url"`
	OrchestratorExecID string       `json:"orchestrator_exec_id,omitempty"`
	RestartCount      int           `json:"restart_count"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Size caps enforced on RemediationContext serialization (spec §4.12/§6).
const (
	MaxContextCommands       = 50
	MaxContextOutputBytes    = 10 * 1024
	MaxContextAnalysisBytes  = 20 * 1024
	MaxSymptomFingerprintLen = 5000
)

// RemediationContext is the ephemeral, serializable in-flight state of a
// reasoning attempt — what a self-restart hands off and a resume picks
// back up.
type RemediationContext struct {
	AlertFingerprint string           `json:"alert_fingerprint"`
	AlertName        string           `json:"alert_name"`
	Instance         string           `json:"instance"`
	TargetHost       string           `json:"target_host"`
	CommandsRun      []CommandResult  `json:"commands_run"`
	AnalysisDraft    string           `json:"analysis_draft"`
	RestartCount     int              `json:"restart_count"`
}

// CapSizes truncates the context to the size caps in §4.12/§6, returning
// whether any truncation occurred.
func (c *RemediationContext) CapSizes() bool {
	truncated := false
	if len(c.CommandsRun) > MaxContextCommands {
		c.CommandsRun = c.CommandsRun[:MaxContextCommands]
		truncated = true
	}
	for i := range c.CommandsRun {
		if len(c.CommandsRun[i].Stdout) > MaxContextOutputBytes {
			c.CommandsRun[i].Stdout = c.CommandsRun[i].Stdout[:MaxContextOutputBytes]
			truncated = true
		}
		if len(c.CommandsRun[i].Stderr) > MaxContextOutputBytes {
			c.CommandsRun[i].Stderr = c.CommandsRun[i].Stderr[:MaxContextOutputBytes]
			truncated = true
		}
	}
	if len(c.AnalysisDraft) > MaxContextAnalysisBytes {
		c.AnalysisDraft = c.AnalysisDraft[:MaxContextAnalysisBytes]
		truncated = true
	}
	return truncated
}
