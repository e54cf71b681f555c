package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/potatorick/jarvis/internal/correlator"
	"github.com/potatorick/jarvis/internal/executor"
	"github.com/potatorick/jarvis/internal/hostmonitor"
	"github.com/potatorick/jarvis/internal/learning"
	"github.com/potatorick/jarvis/internal/models"
	"github.com/potatorick/jarvis/internal/notifier"
	"github.com/potatorick/jarvis/internal/planner"
	"github.com/potatorick/jarvis/internal/runbook"
	"github.com/potatorick/jarvis/internal/selfpreserve"
	"github.com/potatorick/jarvis/internal/validator"
)

// fakeStore implements gatewayStore (and learning.Store, since the two
// overlap on CandidatePatterns/FailedCommandSets) without a live Postgres
// connection, the same narrow-fake style internal/planner's tests use for
// the Planner's own provider interfaces.
type fakeStore struct {
	alreadyProcessed bool
	checkErr         error
	suppressed       bool
	attemptCount     int
	candidates       []*models.Pattern
	failures         []*models.FailurePattern
	activeHandoffs   map[models.HandoffTarget]*models.SelfPreservationHandoff

	clearEscalationCalled bool
	recordedAttempts      []*models.RemediationAttempt
}

func (f *fakeStore) CheckAndSetCooldown(ctx context.Context, fingerprint string, ttl time.Duration) (bool, time.Time, error) {
	return f.alreadyProcessed, time.Time{}, f.checkErr
}

func (f *fakeStore) ClearEscalationCooldown(ctx context.Context, alertName, instance string) error {
	f.clearEscalationCalled = true
	return nil
}

func (f *fakeStore) ActiveHandoffForTarget(ctx context.Context, target models.HandoffTarget) (*models.SelfPreservationHandoff, error) {
	return f.activeHandoffs[target], nil
}

func (f *fakeStore) RecordAttempt(ctx context.Context, attempt *models.RemediationAttempt) error {
	f.recordedAttempts = append(f.recordedAttempts, attempt)
	return nil
}

func (f *fakeStore) ActionableAttemptCount(fingerprint string, window time.Duration) int {
	return f.attemptCount
}

func (f *fakeStore) IsSuppressed(host string) bool { return f.suppressed }

func (f *fakeStore) CandidatePatterns(alertName string) []*models.Pattern { return f.candidates }

func (f *fakeStore) FailedCommandSets(fingerprint string) []*models.FailurePattern {
	return f.failures
}

func (f *fakeStore) RecordPatternSuccess(ctx context.Context, alertName, category, symptomFingerprint, targetHost string, commands []string, riskTier models.RiskTier, source models.PatternSource, diagnostics, reasoning string) (*models.Pattern, error) {
	p := &models.Pattern{ID: "p-test", AlertName: alertName, Confidence: 0.9, SuccessCount: 1}
	f.candidates = append(f.candidates, p)
	return p, nil
}

func (f *fakeStore) RecordPatternFailure(ctx context.Context, alertName, symptomFingerprint string) error {
	return nil
}

func (f *fakeStore) RecordFailurePattern(ctx context.Context, fingerprint string, commands []string, reason string) error {
	return nil
}

// The four methods below exist only so fakeStore also satisfies
// selfpreserve.Store, for tests that need a real selfpreserve.Manager.
func (f *fakeStore) CreateHandoff(ctx context.Context, h *models.SelfPreservationHandoff) error {
	return nil
}

func (f *fakeStore) GetHandoff(ctx context.Context, id string) (*models.SelfPreservationHandoff, error) {
	return nil, nil
}

func (f *fakeStore) UpdateHandoffStatus(ctx context.Context, id string, status models.HandoffStatus) error {
	return nil
}

func (f *fakeStore) ListStaleHandoffs(ctx context.Context, olderThan time.Time, limit int) ([]*models.SelfPreservationHandoff, error) {
	return nil, nil
}

// newTestGateway assembles a Gateway with the supplied fake store wired in
// as DB, and real, cheaply-constructed collaborators everywhere a live
// external dependency isn't needed: correlator/notifier/hostmonitor over
// nil providers (both documented as safe), a real Validator and a real
// Executor scoped to selfHost so SSH never enters the picture. Oracle,
// SelfPreserve, Queue, Runbooks, MetricsQuerier, LogQuerier, and Stats are
// left nil, matching Deps' own "may be nil" contract.
func newTestGateway(fs *fakeStore, cfg Config) *Gateway {
	return New(Deps{
		DB:         fs,
		Correlator: correlator.New(nil),
		Hosts:      hostmonitor.New(nil, nil),
		Learning:   learning.New(fs),
		Executor:   executor.New([]string{selfHost}),
		Validator:  validator.New(validator.ServiceNames{}),
		Notifier:   notifier.New("", "", nil, 0),
	}, 3, 1, 2, cfg)
}

const selfHost = "nexus"

func testAlert(fingerprint string, labels map[string]string) *models.Alert {
	return &models.Alert{Name: "ContainerDown", Fingerprint: fingerprint, Labels: labels}
}

func TestCommandStringsExtractsCommandField(t *testing.T) {
	results := []models.CommandResult{
		{Command: "docker restart omada", ExitCode: 0},
		{Command: "systemctl status nginx", ExitCode: 1},
	}
	got := commandStrings(results)
	if len(got) != 2 || got[0] != "docker restart omada" || got[1] != "systemctl status nginx" {
		t.Errorf("unexpected commands: %v", got)
	}
}

func TestCommandStringsEmpty(t *testing.T) {
	if got := commandStrings(nil); len(got) != 0 {
		t.Errorf("expected empty slice, got %v", got)
	}
}

func TestResolveTargetWithPrivateKey(t *testing.T) {
	g := &Gateway{cfg: Config{
		CommandTimeoutSecs: 45,
		SSH:                SSHConfig{Username: "svc", PrivateKeyPath: "/etc/jarvis/id_ed25519", Port: 2222},
	}}
	target := g.resolveTarget("nexus")
	if target.Hostname != "nexus" || target.Username != "svc" || target.Port != 2222 {
		t.Errorf("unexpected target: %+v", target)
	}
	if target.PrivateKeyPath == nil || *target.PrivateKeyPath != "/etc/jarvis/id_ed25519" {
		t.Errorf("expected private key path set, got %v", target.PrivateKeyPath)
	}
	if target.CommandTimeout != 45 {
		t.Errorf("expected command timeout propagated, got %d", target.CommandTimeout)
	}
}

func TestResolveTargetWithoutPrivateKey(t *testing.T) {
	g := &Gateway{cfg: Config{SSH: SSHConfig{Username: "root", Port: 22}}}
	target := g.resolveTarget("nexus")
	if target.PrivateKeyPath != nil {
		t.Errorf("expected nil private key path when unconfigured, got %v", target.PrivateKeyPath)
	}
}

func TestSelfRestartRequestBuildsCallbackURL(t *testing.T) {
	rc := &models.RemediationContext{AlertFingerprint: "fp-1"}
	req := selfRestartRequest(models.HandoffDockerDaemon, "daemon wedged", rc, "https://jarvis.example.internal")
	if req.CallbackURL != "https://jarvis.example.internal/resume" {
		t.Errorf("unexpected callback url: %s", req.CallbackURL)
	}
	if req.Target != models.HandoffDockerDaemon || req.Context != rc {
		t.Errorf("unexpected request fields: %+v", req)
	}
}

func TestCooldownTTLDefault(t *testing.T) {
	g := &Gateway{}
	if g.cooldownTTL() != 300*time.Second {
		t.Errorf("expected default 300s cooldown, got %v", g.cooldownTTL())
	}
}

func TestCooldownTTLConfigured(t *testing.T) {
	g := &Gateway{cfg: Config{FingerprintCooldown: 90 * time.Second}}
	if g.cooldownTTL() != 90*time.Second {
		t.Errorf("expected configured cooldown, got %v", g.cooldownTTL())
	}
}

func TestInfraSummaryIncludesHostAndSeverity(t *testing.T) {
	g := &Gateway{}
	alert := &models.Alert{Name: "ContainerDown", Severity: models.SeverityCritical, Labels: map[string]string{"host": "nexus"}}
	summary := g.infraSummary(alert)
	if summary == "" {
		t.Fatal("expected non-empty summary")
	}
}

func TestInfraSummaryAppendsRunbookWhenPresent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ContainerDown.md"), []byte("restart then check logs"), 0o644); err != nil {
		t.Fatal(err)
	}
	rb, err := runbook.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	g := &Gateway{runbooks: rb}
	alert := &models.Alert{Name: "ContainerDown", Severity: models.SeverityCritical, Labels: map[string]string{"host": "nexus"}}
	summary := g.infraSummary(alert)
	if !strings.Contains(summary, "restart then check logs") {
		t.Errorf("expected runbook text folded into summary, got %q", summary)
	}
}

func TestInfraSummaryOmitsRunbookWhenMissing(t *testing.T) {
	rb, err := runbook.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	g := &Gateway{runbooks: rb}
	alert := &models.Alert{Name: "UnknownAlert", Severity: models.SeverityWarning, Labels: map[string]string{"host": "nexus"}}
	summary := g.infraSummary(alert)
	if strings.Contains(summary, "runbook:") {
		t.Errorf("expected no runbook section for unmatched alert, got %q", summary)
	}
}

func TestStringAndIntArgHelpers(t *testing.T) {
	input := map[string]interface{}{"host": "nexus", "lines": float64(50), "strnum": "12"}
	if stringArg(input, "host") != "nexus" {
		t.Errorf("expected host arg extracted")
	}
	if intArg(input, "lines", 0) != 50 {
		t.Errorf("expected float64 coerced to int")
	}
	if intArg(input, "strnum", 0) != 12 {
		t.Errorf("expected numeric string parsed")
	}
	if intArg(input, "missing", 7) != 7 {
		t.Errorf("expected default returned for missing key")
	}
}

func TestBoolArgHelper(t *testing.T) {
	input := map[string]interface{}{"predict_exhaustion": true}
	if !boolArg(input, "predict_exhaustion") {
		t.Errorf("expected true")
	}
	if boolArg(input, "missing") {
		t.Errorf("expected false for missing key")
	}
}

func TestIngestRejectsEmptyFingerprint(t *testing.T) {
	g := newTestGateway(&fakeStore{}, Config{})
	_, err := g.Ingest(context.Background(), &models.Alert{Name: "ContainerDown"})
	if err != ErrValidation {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestIngestDeduplicatesRepeatedFingerprint(t *testing.T) {
	fs := &fakeStore{alreadyProcessed: true}
	g := newTestGateway(fs, Config{})
	status, err := g.Ingest(context.Background(), testAlert("fp-1", map[string]string{"host": selfHost}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusDeduplicated {
		t.Fatalf("expected deduplicated, got %s", status)
	}
}

func TestIngestResolvedAlertClearsCooldownAndEndsRootCause(t *testing.T) {
	fs := &fakeStore{}
	g := newTestGateway(fs, Config{})
	g.correlator.BeginRootCause(selfHost, "ContainerDown")

	alert := testAlert("fp-2", map[string]string{"host": selfHost})
	alert.Status = models.AlertResolved

	status, err := g.Ingest(context.Background(), alert)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusResolved {
		t.Fatalf("expected resolved, got %s", status)
	}
	if !fs.clearEscalationCalled {
		t.Errorf("expected escalation cooldown cleared on resolution")
	}
	if g.correlator.IsCascadingDependent(testAlert("fp-dep", map[string]string{"host": selfHost})) {
		t.Errorf("expected root cause cleared once the alert resolved")
	}
}

func TestIngestSkipsMaintenanceWindow(t *testing.T) {
	fs := &fakeStore{suppressed: true}
	g := newTestGateway(fs, Config{})
	status, err := g.Ingest(context.Background(), testAlert("fp-3", map[string]string{"host": selfHost}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusMaintenance {
		t.Fatalf("expected maintenance_window, got %s", status)
	}
}

func TestIngestEscalatesAtMaxAttempts(t *testing.T) {
	fs := &fakeStore{attemptCount: 3}
	g := newTestGateway(fs, Config{})
	status, err := g.Ingest(context.Background(), testAlert("fp-4", map[string]string{"host": selfHost}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusEscalated {
		t.Fatalf("expected escalated once max attempts is reached, got %s", status)
	}
}

func TestDispatchCachedRunsSolutionAndRecordsSuccess(t *testing.T) {
	pattern := &models.Pattern{
		ID: "p-cached", AlertName: "ContainerDown",
		SymptomFingerprint: "ContainerDown|host=nexus,container=omada",
		SolutionCommands:   []string{"uptime"},
		Confidence:         0.95, SuccessCount: 8,
	}
	fs := &fakeStore{candidates: []*models.Pattern{pattern}}
	g := newTestGateway(fs, Config{CommandTimeoutSecs: 5})

	alert := testAlert("fp-5", map[string]string{"host": selfHost, "container": "omada"})
	status, err := g.Ingest(context.Background(), alert)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusActioned {
		t.Fatalf("expected actioned, got %s", status)
	}
	if len(fs.recordedAttempts) != 1 {
		t.Fatalf("expected one recorded attempt, got %d", len(fs.recordedAttempts))
	}
	if !fs.recordedAttempts[0].Success {
		t.Errorf("expected the recorded attempt to be marked successful")
	}
}

// TestSelfpreserveActiveChecksAllFourTargets guards against keying the
// lookup off a physical hostname instead of the fixed self-protection
// target literals: a handoff active for the database target must still
// be reported as active even though this call never mentions "database".
func TestSelfpreserveActiveChecksAllFourTargets(t *testing.T) {
	fs := &fakeStore{
		activeHandoffs: map[models.HandoffTarget]*models.SelfPreservationHandoff{
			models.HandoffDatabase: {ID: "h-1", Target: models.HandoffDatabase, Status: models.HandoffInProgress},
		},
	}
	sp, err := selfpreserve.NewManager(fs, selfpreserve.Config{SigningKeyPath: filepath.Join(t.TempDir(), "key.hex")})
	if err != nil {
		t.Fatalf("build selfpreserve manager: %v", err)
	}
	g := newTestGateway(fs, Config{})
	g.selfpreserve = sp

	active, err := g.selfpreserveActive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !active {
		t.Errorf("expected an active database handoff to register as an active self-protection handoff")
	}
}

func TestSelfpreserveActiveFalseWithNoHandoffs(t *testing.T) {
	fs := &fakeStore{}
	sp, err := selfpreserve.NewManager(fs, selfpreserve.Config{SigningKeyPath: filepath.Join(t.TempDir(), "key.hex")})
	if err != nil {
		t.Fatalf("build selfpreserve manager: %v", err)
	}
	g := newTestGateway(fs, Config{})
	g.selfpreserve = sp

	active, err := g.selfpreserveActive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active {
		t.Errorf("expected no active handoff when the store has none")
	}
}

// TestDispatchCachedSuppressesCascadingDependentsWhileInFlight guards
// dispatchCached's correlator bracketing: a dependent alert arriving on
// the same host mid-fix must be suppressed exactly the way it already is
// for dispatchReasoned.
func TestDispatchCachedSuppressesCascadingDependentsWhileInFlight(t *testing.T) {
	pattern := &models.Pattern{
		ID: "p-root", AlertName: "DockerDaemonDown",
		SymptomFingerprint: "DockerDaemonDown|host=nexus",
		SolutionCommands:   []string{"ping -c 1 127.0.0.1"},
		Confidence:         0.95, SuccessCount: 8,
	}
	fs := &fakeStore{}
	g := newTestGateway(fs, Config{CommandTimeoutSecs: 5})

	root := testAlert("fp-root", map[string]string{"host": selfHost})
	root.Name = "DockerDaemonDown"
	decision := planner.Decision{Tier: planner.TierCached, Pattern: pattern}

	done := make(chan struct{})
	go func() {
		g.dispatchCached(context.Background(), root, decision)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	dependent := testAlert("fp-dep", map[string]string{"host": selfHost})
	dependent.Name = "ContainerDown"
	if !g.correlator.IsCascadingDependent(dependent) {
		t.Fatalf("expected dependent alert suppressed while the root cause dispatch is in flight")
	}

	<-done
	if g.correlator.IsCascadingDependent(dependent) {
		t.Fatalf("expected suppression cleared once the root cause dispatch finished")
	}
}
