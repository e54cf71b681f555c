// Package hostmonitor implements the Host Monitor (spec §4.3): a per-host
// ONLINE/OFFLINE/CHECKING state machine driven by executor outcome events,
// with a periodic probe for offline hosts.
//
// No donor analog exists for an explicit host-status state machine; this
// is modeled on the shape of jbouey-msp-flake's sshexec connection cache
// (a mutex-guarded map of per-host bookkeeping), generalized from caching
// live connections to tracking host health.
package hostmonitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/potatorick/jarvis/internal/models"
)

// DefaultFailureThreshold is N_fail from §4.3: consecutive outcome
// failures before a host transitions to OFFLINE.
const DefaultFailureThreshold = 3

// DefaultProbeInterval is how often an OFFLINE host gets re-probed.
const DefaultProbeInterval = 5 * time.Minute

// Prober checks whether a host has become reachable again.
type Prober interface {
	Probe(ctx context.Context, host string) bool
}

// StateChangeNotifier is informed whenever a host transitions state, for
// the notifier to emit a chat event.
type StateChangeNotifier interface {
	NotifyHostStateChange(host string, from, to models.HostState)
}

type hostRecord struct {
	state               models.HostState
	consecutiveFailures int
	lastSuccess         time.Time
	lastError           string
}

// Monitor tracks per-host reachability state.
type Monitor struct {
	mu               sync.RWMutex
	hosts            map[string]*hostRecord
	failureThreshold int
	probeInterval    time.Duration
	prober           Prober
	notifier         StateChangeNotifier
}

// New builds a Monitor.
func New(prober Prober, notifier StateChangeNotifier) *Monitor {
	return &Monitor{
		hosts:            make(map[string]*hostRecord),
		failureThreshold: DefaultFailureThreshold,
		probeInterval:    DefaultProbeInterval,
		prober:           prober,
		notifier:         notifier,
	}
}

func (m *Monitor) record(host string) *hostRecord {
	r, ok := m.hosts[host]
	if !ok {
		r = &hostRecord{state: models.HostOnline}
		m.hosts[host] = r
	}
	return r
}

// RecordOutcome is called by the Executor after every command execution
// (spec: "the Executor is the sole writer of connection-outcome events
// consumed by the Host Monitor").
func (m *Monitor) RecordOutcome(host string, success bool, errMsg string) {
	if host == "" {
		return
	}
	m.mu.Lock()
	r := m.record(host)
	prev := r.state

	if success {
		r.consecutiveFailures = 0
		r.lastSuccess = time.Now().UTC()
		r.state = models.HostOnline
	} else {
		r.consecutiveFailures++
		r.lastError = errMsg
		if r.consecutiveFailures >= m.failureThreshold {
			r.state = models.HostOffline
		}
	}
	next := r.state
	m.mu.Unlock()

	if prev != next && m.notifier != nil {
		m.notifier.NotifyHostStateChange(host, prev, next)
	}
}

// State implements planner.HostStatusProvider: unknown hosts are assumed
// ONLINE (optimistic default — a host only earns OFFLINE after observed
// failures).
func (m *Monitor) State(host string) models.HostState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.hosts[host]
	if !ok {
		return models.HostOnline
	}
	return r.state
}

// Status returns the full HostStatus record for introspection.
func (m *Monitor) Status(host string) models.HostStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.hosts[host]
	if !ok {
		return models.HostStatus{Host: host, State: models.HostOnline}
	}
	return models.HostStatus{
		Host:                host,
		State:               r.state,
		ConsecutiveFailures: r.consecutiveFailures,
		LastSuccess:         r.lastSuccess,
		LastError:           r.lastError,
	}
}

// AllStatuses returns every tracked host's status, for /health.
func (m *Monitor) AllStatuses() []models.HostStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.HostStatus, 0, len(m.hosts))
	for host, r := range m.hosts {
		out = append(out, models.HostStatus{
			Host:                host,
			State:               r.state,
			ConsecutiveFailures: r.consecutiveFailures,
			LastSuccess:         r.lastSuccess,
			LastError:           r.lastError,
		})
	}
	return out
}

// offlineHosts snapshots hosts currently OFFLINE, for the probe loop.
func (m *Monitor) offlineHosts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for host, r := range m.hosts {
		if r.state == models.HostOffline {
			out = append(out, host)
		}
	}
	return out
}

// probeOne flips an OFFLINE host to CHECKING, probes it, and lands on
// ONLINE or back on OFFLINE depending on the result.
func (m *Monitor) probeOne(ctx context.Context, host string) {
	m.mu.Lock()
	r := m.record(host)
	if r.state != models.HostOffline {
		m.mu.Unlock()
		return
	}
	r.state = models.HostChecking
	m.mu.Unlock()

	ok := m.prober.Probe(ctx, host)

	m.mu.Lock()
	prev := r.state
	if ok {
		r.state = models.HostOnline
		r.consecutiveFailures = 0
		r.lastSuccess = time.Now().UTC()
	} else {
		r.state = models.HostOffline
	}
	next := r.state
	m.mu.Unlock()

	if prev != next && m.notifier != nil {
		m.notifier.NotifyHostStateChange(host, prev, next)
	}
}

// Run starts the periodic probe loop for OFFLINE hosts; blocks until ctx
// is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m.prober == nil {
		log.Printf("[hostmonitor] no prober configured, offline hosts will never self-heal")
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, host := range m.offlineHosts() {
				m.probeOne(ctx, host)
			}
		}
	}
}
