// Package correlator implements Suppression & Correlator (spec §4.2): while
// a root-cause alert is being remediated, its declared dependents are
// suppressed instead of triggering their own remediation attempts.
//
// There is no donor analog for cascade tracking; this is new, shaped like
// the donor's own cooldown bookkeeping (a mutex-guarded map keyed by a
// short string, the idiom jbouey-msp-flake's healing engine uses for its
// per-rule cooldowns).
package correlator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/potatorick/jarvis/internal/models"
)

// DependencyProvider answers whether one alert is a declared dependent of
// another on a given host, via a live query against the dependency graph
// (e.g. the oracle's get_service_dependencies tool, or a direct metrics
// backend query) rather than a hardcoded table.
type DependencyProvider interface {
	IsDependent(ctx context.Context, rootAlertName, candidateAlertName, host string) bool
}

// staticHints is the last hardcoded fallback table, consulted only when the
// live DependencyProvider can't answer (timeout, error, or nil provider).
// Its hit counter exists so operators can watch usage trend toward zero as
// live dependency discovery replaces it.
var staticHints = map[string][]string{
	"HostUnreachable":   {"ContainerDown", "ServiceDown", "HighLatency"},
	"DockerDaemonDown":  {"ContainerDown", "ContainerRestarting"},
	"WireGuardVPNDown":  {"HomeAssistantUnreachable", "RemoteBackupFailed"},
}

type activeRootCause struct {
	alertName string
	startedAt time.Time
}

// Correlator tracks which (host, alertName) pairs currently represent a
// root cause under active remediation, and answers whether a new alert is
// a cascading dependent that should be suppressed instead of remediated.
type Correlator struct {
	mu             sync.RWMutex
	active         map[string]activeRootCause // keyed by host
	deps           DependencyProvider
	queryTimeout   time.Duration
	staticHintHits int64
}

// New builds a Correlator. deps may be nil, in which case every lookup
// falls back to the static hint table.
func New(deps DependencyProvider) *Correlator {
	return &Correlator{
		active:       make(map[string]activeRootCause),
		deps:         deps,
		queryTimeout: 3 * time.Second,
	}
}

// BeginRootCause marks (host, alertName) as an in-flight root cause.
func (c *Correlator) BeginRootCause(host, alertName string) {
	if host == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[host] = activeRootCause{alertName: alertName, startedAt: time.Now().UTC()}
}

// EndRootCause releases the suppression once the root cause's remediation
// completes, provided it's still the active root cause for that host (a
// newer root cause on the same host should not be cleared by a stale
// caller finishing late).
func (c *Correlator) EndRootCause(host, alertName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.active[host]; ok && cur.alertName == alertName {
		delete(c.active, host)
	}
}

// IsCascadingDependent implements planner.AttemptHistoryProvider: true if
// this alert's host currently has a different root cause in flight and
// this alert is a declared dependent of it.
func (c *Correlator) IsCascadingDependent(alert *models.Alert) bool {
	host := alert.RemediationHost()
	if host == "" {
		return false
	}

	c.mu.RLock()
	root, ok := c.active[host]
	c.mu.RUnlock()
	if !ok || root.alertName == alert.Name {
		return false
	}

	if c.deps != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.queryTimeout)
		defer cancel()
		return c.deps.IsDependent(ctx, root.alertName, alert.Name, host)
	}
	return c.staticHintDependent(root.alertName, alert.Name)
}

func (c *Correlator) staticHintDependent(rootAlertName, candidateAlertName string) bool {
	dependents, ok := staticHints[rootAlertName]
	if !ok {
		return false
	}
	atomic.AddInt64(&c.staticHintHits, 1)
	for _, d := range dependents {
		if d == candidateAlertName {
			return true
		}
	}
	return false
}

// StaticHintHits reports how many cascade decisions fell back to the
// hardcoded table instead of a live dependency query.
func (c *Correlator) StaticHintHits() int64 {
	return atomic.LoadInt64(&c.staticHintHits)
}

// ActiveRootCauses reports the current host -> root-cause-alert-name map,
// for /health and introspection.
func (c *Correlator) ActiveRootCauses() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.active))
	for host, rc := range c.active {
		out[host] = rc.alertName
	}
	return out
}
