package hostmonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/potatorick/jarvis/internal/models"
)

type fakeProber struct {
	mu      sync.Mutex
	results map[string]bool
}

func (f *fakeProber) Probe(ctx context.Context, host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[host]
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyHostStateChange(host string, from, to models.HostState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, host+":"+string(from)+"->"+string(to))
}

func TestUnknownHostDefaultsOnline(t *testing.T) {
	m := New(nil, nil)
	if m.State("nexus") != models.HostOnline {
		t.Error("unknown host should default to ONLINE")
	}
}

func TestTransitionsOfflineAfterThreshold(t *testing.T) {
	m := New(nil, nil)
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		m.RecordOutcome("nexus", false, "connection refused")
	}
	if m.State("nexus") != models.HostOnline {
		t.Fatal("should still be ONLINE before threshold reached")
	}
	m.RecordOutcome("nexus", false, "connection refused")
	if m.State("nexus") != models.HostOffline {
		t.Fatal("expected OFFLINE after reaching failure threshold")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	m := New(nil, nil)
	m.RecordOutcome("nexus", false, "err")
	m.RecordOutcome("nexus", false, "err")
	m.RecordOutcome("nexus", true, "")
	status := m.Status("nexus")
	if status.ConsecutiveFailures != 0 {
		t.Errorf("expected failure count reset, got %d", status.ConsecutiveFailures)
	}
	if status.State != models.HostOnline {
		t.Error("success should bring host back ONLINE")
	}
}

func TestNotifierFiresOnTransition(t *testing.T) {
	n := &recordingNotifier{}
	m := New(nil, n)
	for i := 0; i < DefaultFailureThreshold; i++ {
		m.RecordOutcome("nexus", false, "err")
	}
	if len(n.calls) != 1 {
		t.Fatalf("expected exactly 1 transition notification, got %v", n.calls)
	}
}

func TestProbeOneRecoversOfflineHost(t *testing.T) {
	m := New(&fakeProber{results: map[string]bool{"nexus": true}}, nil)
	for i := 0; i < DefaultFailureThreshold; i++ {
		m.RecordOutcome("nexus", false, "err")
	}
	m.probeOne(context.Background(), "nexus")
	if m.State("nexus") != models.HostOnline {
		t.Error("successful probe should bring host back ONLINE")
	}
}

func TestProbeOneKeepsOfflineOnFailure(t *testing.T) {
	m := New(&fakeProber{results: map[string]bool{"nexus": false}}, nil)
	for i := 0; i < DefaultFailureThreshold; i++ {
		m.RecordOutcome("nexus", false, "err")
	}
	m.probeOne(context.Background(), "nexus")
	if m.State("nexus") != models.HostOffline {
		t.Error("failed probe should leave host OFFLINE")
	}
}

func TestRunProbesOfflineHostsOnTicker(t *testing.T) {
	m := New(&fakeProber{results: map[string]bool{"nexus": true}}, nil)
	for i := 0; i < DefaultFailureThreshold; i++ {
		m.RecordOutcome("nexus", false, "err")
	}

	m.probeInterval = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	if m.State("nexus") != models.HostOnline {
		t.Error("expected background probe loop to recover the host")
	}
}

func TestAllStatusesReportsEveryHost(t *testing.T) {
	m := New(nil, nil)
	m.RecordOutcome("nexus", true, "")
	m.RecordOutcome("vault", false, "timeout")
	statuses := m.AllStatuses()
	if len(statuses) != 2 {
		t.Errorf("expected 2 hosts tracked, got %d", len(statuses))
	}
}
