package store

import (
	"testing"
	"time"

	"github.com/potatorick/jarvis/internal/models"
)

func TestResolveInstanceLabelPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{"instance wins", map[string]string{"instance": "10.0.0.5:9100", "host": "nexus", "container": "omada"}, "10.0.0.5:9100"},
		{"host:container fallback", map[string]string{"host": "nexus", "container": "omada"}, "nexus:omada"},
		{"host only", map[string]string{"host": "nexus"}, "nexus"},
		{"nothing", map[string]string{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveInstance(tt.labels); got != tt.want {
				t.Errorf("ResolveInstance(%v) = %q, want %q", tt.labels, got, tt.want)
			}
		})
	}
}

func TestComputeConfidenceFreshPattern(t *testing.T) {
	now := time.Now()
	got := ComputeConfidence(0, 0, time.Time{}, now)
	if got != 0.5 {
		t.Errorf("fresh pattern confidence = %f, want 0.5", got)
	}
}

func TestComputeConfidenceRecencyBonus(t *testing.T) {
	now := time.Now()
	recent := ComputeConfidence(5, 0, now.Add(-time.Hour), now)
	stale := ComputeConfidence(5, 0, now.Add(-30*24*time.Hour), now)
	if recent <= stale {
		t.Errorf("recent confidence %f should exceed stale confidence %f", recent, stale)
	}
}

func TestComputeConfidencePenalty(t *testing.T) {
	now := time.Now()
	lowFailures := ComputeConfidence(5, 2, now, now)
	highFailures := ComputeConfidence(5, 3, now, now)
	if highFailures >= lowFailures {
		t.Errorf("confidence with >2 failures (%f) should be penalized below <=2 failures (%f)", highFailures, lowFailures)
	}
}

func TestComputeConfidenceClamped(t *testing.T) {
	now := time.Now()
	got := ComputeConfidence(100, 0, now, now)
	if got > 0.95 {
		t.Errorf("confidence %f exceeds clamp ceiling", got)
	}
	got = ComputeConfidence(0, 100, now.Add(-30*24*time.Hour), now)
	if got < 0.3 {
		t.Errorf("confidence %f below clamp floor", got)
	}
}

func TestNormalizeCommandsDropsBlanks(t *testing.T) {
	got := normalizeCommands([]string{"  docker restart omada  ", "", "   ", "systemctl restart nginx"})
	want := []string{"docker restart omada", "systemctl restart nginx"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCommandSetKeyOrderSensitive(t *testing.T) {
	a := commandSetKey([]string{"a", "b"})
	b := commandSetKey([]string{"b", "a"})
	if a == b {
		t.Error("reordered command sequences should produce different keys")
	}
}

func TestSortPatternsByConfidence(t *testing.T) {
	patterns := []*models.Pattern{
		{ID: "low", Confidence: 0.4},
		{ID: "high", Confidence: 0.9},
		{ID: "mid", Confidence: 0.7},
	}
	sortPatternsByConfidence(patterns)
	if patterns[0].ID != "high" || patterns[1].ID != "mid" || patterns[2].ID != "low" {
		t.Errorf("unexpected order: %v", patterns)
	}
}
