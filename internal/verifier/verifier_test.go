package verifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/potatorick/jarvis/internal/models"
)

type scriptedBackend struct {
	firingSequence []bool
	errAfter       int
	calls          int
}

func (s *scriptedBackend) IsFiring(ctx context.Context, alertName string, labels map[string]string) (bool, error) {
	defer func() { s.calls++ }()
	if s.errAfter > 0 && s.calls >= s.errAfter {
		return false, errors.New("backend unreachable")
	}
	if s.calls >= len(s.firingSequence) {
		return s.firingSequence[len(s.firingSequence)-1], nil
	}
	return s.firingSequence[s.calls], nil
}

func testAlert() *models.Alert {
	return &models.Alert{Name: "ContainerDown", Labels: map[string]string{"host": "nexus"}}
}

func noSleep(time.Duration) {}

func TestVerifyImmediateSuccess(t *testing.T) {
	v := New(&scriptedBackend{firingSequence: []bool{false}}, Config{})
	v.sleep = noSleep
	if got := v.Verify(context.Background(), testAlert()); got != models.VerificationVerified {
		t.Errorf("expected verified, got %v", got)
	}
}

func TestVerifySucceedsAfterPolling(t *testing.T) {
	v := New(&scriptedBackend{firingSequence: []bool{true, true, false}}, Config{})
	v.sleep = noSleep
	if got := v.Verify(context.Background(), testAlert()); got != models.VerificationVerified {
		t.Errorf("expected verified after polling, got %v", got)
	}
}

func TestVerifyFailsWhenStillFiringAtDeadline(t *testing.T) {
	backend := &scriptedBackend{firingSequence: []bool{true, true, true, true, true, true, true, true, true, true}}
	v := New(backend, Config{MaxWait: 1 * time.Millisecond, PollInterval: 1 * time.Millisecond, InitialDelay: 0})
	// force the deadline to already be in the past by the second poll
	v.sleep = func(d time.Duration) { time.Sleep(2 * time.Millisecond) }
	if got := v.Verify(context.Background(), testAlert()); got != models.VerificationFailed {
		t.Errorf("expected failed verification at deadline, got %v", got)
	}
}

func TestVerifyUnverifiedOnBackendError(t *testing.T) {
	v := New(&scriptedBackend{firingSequence: []bool{true}, errAfter: 0}, Config{})
	v.sleep = noSleep
	if got := v.Verify(context.Background(), testAlert()); got != models.VerificationUnverified {
		t.Errorf("expected unverified on backend error, got %v", got)
	}
}

func TestVerifyUnverifiedOnContextCancel(t *testing.T) {
	v := New(&scriptedBackend{firingSequence: []bool{true, true, true}}, Config{MaxWait: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	v.sleep = func(time.Duration) {
		calls++
		if calls == 1 {
			cancel()
		}
	}
	if got := v.Verify(ctx, testAlert()); got != models.VerificationUnverified {
		t.Errorf("expected unverified on cancellation, got %v", got)
	}
}

func TestConfigDefaultsApplied(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.InitialDelay != DefaultInitialDelay || cfg.PollInterval != DefaultPollInterval || cfg.MaxWait != DefaultMaxWait {
		t.Errorf("expected defaults applied, got %+v", cfg)
	}
}
