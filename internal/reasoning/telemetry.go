package reasoning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/potatorick/jarvis/internal/models"
	"github.com/potatorick/jarvis/internal/planner"
)

// TelemetryReporter sends remediation outcomes to the learning store's
// HTTP intake. This feeds the flywheel: every attempt is recorded, and
// successful ones accumulate into Patterns the Tiered Planner can later
// route to Cached or Hint-Assisted.
type TelemetryReporter struct {
	endpoint string // base URL of the learning store API
	apiKey   string
	client   *http.Client
}

// NewTelemetryReporter creates a new telemetry reporter.
func NewTelemetryReporter(endpoint, apiKey string) *TelemetryReporter {
	return &TelemetryReporter{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// executionData is the inner execution payload the learning store ingests.
type executionData struct {
	AttemptID        string  `json:"attempt_id"`
	AlertFingerprint string  `json:"alert_fingerprint"`
	AlertName        string  `json:"alert_name"`
	Instance         string  `json:"instance"`
	Tier             string  `json:"tier"`
	DurationSeconds  float64 `json:"duration_seconds"`
	Success          bool    `json:"success"`
	Status           string  `json:"status"`
	Verification     string  `json:"verification,omitempty"`
	RiskTier         string  `json:"risk_tier"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
	InputTokens      int     `json:"input_tokens,omitempty"`
	OutputTokens     int     `json:"output_tokens,omitempty"`
	Analysis         string  `json:"analysis,omitempty"`
	SymptomFingerprint string `json:"symptom_fingerprint,omitempty"`
}

// telemetryPayload matches the learning store's execution intake model.
type telemetryPayload struct {
	Execution  executionData `json:"execution"`
	ReportedAt string        `json:"reported_at"`
}

// ReportExecution sends a remediation attempt's outcome to the learning
// store. Meant to be called as `go reporter.ReportExecution(...)` —
// fire and forget, failures are logged, never propagated.
func (r *TelemetryReporter) ReportExecution(
	alert *models.Alert,
	attempt *models.RemediationAttempt,
	tier planner.Tier,
	symptomFingerprint string,
	inputTokens, outputTokens int,
) {
	now := time.Now().UTC()
	costUSD := CalculateCost(inputTokens, outputTokens)

	status := "success"
	if !attempt.Success {
		status = "failure"
	}

	var errMsg string
	if !attempt.Success && len(attempt.Commands) > 0 {
		errMsg = attempt.Commands[len(attempt.Commands)-1].Stderr
	}

	payload := telemetryPayload{
		Execution: executionData{
			AttemptID:          attempt.ID,
			AlertFingerprint:   alert.Fingerprint,
			AlertName:          alert.Name,
			Instance:           alert.ResolvedInstance(),
			Tier:               string(tier),
			DurationSeconds:    float64(attempt.DurationMs) / 1000.0,
			Success:            attempt.Success,
			Status:             status,
			Verification:       string(attempt.Verification),
			RiskTier:           string(attempt.RiskTier),
			ErrorMessage:       errMsg,
			CostUSD:            costUSD,
			InputTokens:        inputTokens,
			OutputTokens:       outputTokens,
			Analysis:           truncate(attempt.Analysis, 2000),
			SymptomFingerprint: symptomFingerprint,
		},
		ReportedAt: now.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[reasoning] telemetry marshal error: %v", err)
		return
	}

	url := fmt.Sprintf("%s/api/executions", r.endpoint)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("[reasoning] telemetry request error: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		log.Printf("[reasoning] telemetry POST failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		log.Printf("[reasoning] telemetry POST returned %d", resp.StatusCode)
		return
	}

	log.Printf("[reasoning] telemetry reported: alert=%s tier=%s success=%v cost=$%.4f tokens=%d+%d",
		alert.Name, tier, attempt.Success, costUSD, inputTokens, outputTokens)
}
