package executor

import (
	"context"
)

// ProbeTarget carries the SSH coordinates used to reach every monitored
// host with one shared credential, the way a single appliance reaches
// its whole fleet with one operator-provisioned key.
type ProbeTarget struct {
	Username       string
	PrivateKeyPath string
	Port           int
}

// HostProber adapts Executor to hostmonitor.Prober: a probe is just a
// trivial remote command run through the same pooled-connection path
// real remediation commands take, so a successful probe also warms the
// connection cache for the command that will likely follow it.
type HostProber struct {
	exec   *Executor
	target ProbeTarget
}

// NewHostProber builds a HostProber. target's credentials are applied to
// every host probed; self-hosts are still routed to executeLocal by the
// underlying Executor.
func NewHostProber(exec *Executor, target ProbeTarget) *HostProber {
	return &HostProber{exec: exec, target: target}
}

// Probe runs a no-op command against host and reports whether it
// succeeded, implementing hostmonitor.Prober.
func (p *HostProber) Probe(ctx context.Context, host string) bool {
	t := &Target{
		Hostname:       host,
		Port:           p.target.Port,
		Username:       p.target.Username,
		PrivateKeyPath: &p.target.PrivateKeyPath,
		ConnectTimeout: 10,
		CommandTimeout: 10,
	}
	result, err := p.exec.Run(ctx, t, "true", 10)
	return err == nil && result != nil && result.ExitCode == 0
}
