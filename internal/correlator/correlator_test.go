package correlator

import (
	"context"
	"testing"

	"github.com/potatorick/jarvis/internal/models"
)

type fakeDeps struct {
	dependent bool
}

func (f fakeDeps) IsDependent(ctx context.Context, root, candidate, host string) bool {
	return f.dependent
}

func TestNotSuppressedWithoutActiveRootCause(t *testing.T) {
	c := New(fakeDeps{dependent: true})
	alert := &models.Alert{Name: "ContainerDown", Labels: map[string]string{"host": "nexus"}}
	if c.IsCascadingDependent(alert) {
		t.Error("should not suppress with no active root cause")
	}
}

func TestSuppressedWhenLiveDependencyConfirms(t *testing.T) {
	c := New(fakeDeps{dependent: true})
	c.BeginRootCause("nexus", "DockerDaemonDown")

	alert := &models.Alert{Name: "ContainerDown", Labels: map[string]string{"host": "nexus"}}
	if !c.IsCascadingDependent(alert) {
		t.Error("expected cascade suppression")
	}
}

func TestNotSuppressedWhenLiveDependencyDenies(t *testing.T) {
	c := New(fakeDeps{dependent: false})
	c.BeginRootCause("nexus", "DockerDaemonDown")

	alert := &models.Alert{Name: "UnrelatedAlert", Labels: map[string]string{"host": "nexus"}}
	if c.IsCascadingDependent(alert) {
		t.Error("should not suppress an unrelated alert")
	}
}

func TestSameAlertNameAsRootCauseNotSuppressed(t *testing.T) {
	c := New(fakeDeps{dependent: true})
	c.BeginRootCause("nexus", "DockerDaemonDown")

	alert := &models.Alert{Name: "DockerDaemonDown", Labels: map[string]string{"host": "nexus"}}
	if c.IsCascadingDependent(alert) {
		t.Error("the root cause's own repeated alert should not suppress itself")
	}
}

func TestEndRootCauseReleasesSuppression(t *testing.T) {
	c := New(fakeDeps{dependent: true})
	c.BeginRootCause("nexus", "DockerDaemonDown")
	c.EndRootCause("nexus", "DockerDaemonDown")

	alert := &models.Alert{Name: "ContainerDown", Labels: map[string]string{"host": "nexus"}}
	if c.IsCascadingDependent(alert) {
		t.Error("suppression should be released once root cause completes")
	}
}

func TestEndRootCauseIgnoresStaleCaller(t *testing.T) {
	c := New(fakeDeps{dependent: true})
	c.BeginRootCause("nexus", "DockerDaemonDown")
	c.BeginRootCause("nexus", "HostUnreachable") // newer root cause supersedes
	c.EndRootCause("nexus", "DockerDaemonDown")  // stale completion, should not clear

	if _, ok := c.ActiveRootCauses()["nexus"]; !ok {
		t.Error("newer root cause should not be cleared by a stale completion")
	}
}

func TestStaticHintFallback(t *testing.T) {
	c := New(nil)
	c.BeginRootCause("nexus", "DockerDaemonDown")

	alert := &models.Alert{Name: "ContainerDown", Labels: map[string]string{"host": "nexus"}}
	if !c.IsCascadingDependent(alert) {
		t.Error("expected static hint table to catch known cascade")
	}
	if c.StaticHintHits() != 1 {
		t.Errorf("expected 1 static hint hit, got %d", c.StaticHintHits())
	}
}

func TestStaticHintFallbackNoMatch(t *testing.T) {
	c := New(nil)
	c.BeginRootCause("nexus", "UnknownRoot")

	alert := &models.Alert{Name: "ContainerDown", Labels: map[string]string{"host": "nexus"}}
	if c.IsCascadingDependent(alert) {
		t.Error("unknown root cause should not match static hints")
	}
}

func TestNoHostNeverSuppressed(t *testing.T) {
	c := New(fakeDeps{dependent: true})
	alert := &models.Alert{Name: "ContainerDown"}
	if c.IsCascadingDependent(alert) {
		t.Error("alert with no resolvable host should never be suppressed")
	}
}
