package executor

import (
	"context"
	"testing"
)

func TestHostProberReportsSelfHostReachable(t *testing.T) {
	exec := New([]string{"localhost"})
	p := NewHostProber(exec, ProbeTarget{Username: "root", Port: 22})

	if !p.Probe(context.Background(), "localhost") {
		t.Error("expected self-host probe to succeed running a local no-op command")
	}
}

func TestHostProberFailsWhenUnreachable(t *testing.T) {
	exec := New(nil)
	p := NewHostProber(exec, ProbeTarget{Username: "root", PrivateKeyPath: "/nonexistent/key", Port: 22})

	if p.Probe(context.Background(), "unreachable.invalid") {
		t.Error("expected probe against an unreachable host with a missing key to fail")
	}
}
