package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/potatorick/jarvis/internal/metrics"
	"github.com/potatorick/jarvis/internal/models"
	"github.com/potatorick/jarvis/internal/planner"
)

// OracleConfig configures the reasoning oracle's connection to the
// Anthropic Messages API and the bounds of its tool-calling loop.
type OracleConfig struct {
	APIKey            string
	Endpoint          string // e.g. https://api.anthropic.com
	Model             string
	MaxTokens         int
	MaxIterations     int // normal bound on tool-calling turns per alert
	HardMaxIterations int // absolute ceiling when confidence keeps improving
	APIVersion        string
	Timeout           time.Duration
}

// DefaultOracleConfig returns sane defaults for the reasoning loop.
func DefaultOracleConfig() OracleConfig {
	return OracleConfig{
		Endpoint:          "https://api.anthropic.com",
		Model:             "claude-haiku-4-5-20251001",
		MaxTokens:         4096,
		MaxIterations:     10,
		HardMaxIterations: 15,
		APIVersion:        "2023-06-01",
		Timeout:           60 * time.Second,
	}
}

// ToolExecutor dispatches a single tool call to the rest of the daemon
// (the SSH executor, the metrics/log backends, n8n, Home Assistant, or
// the self-preservation manager) and returns its textual result.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, input map[string]interface{}) (result string, isError bool)
}

// Oracle runs the bounded tool-calling reasoning loop (spec §4.6):
// budget-gated calls to the Anthropic API, guardrail-checked tool
// dispatch, secret scrubbing on every outbound and inbound string, and
// confidence-band tracking over the course of the conversation.
type Oracle struct {
	config     OracleConfig
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker[*AnthropicResponse]
	scrubber   *SecretScrubber
	guardrails *Guardrails
	budget     *BudgetTracker
	telemetry  *TelemetryReporter
	stats      *metrics.Registry
}

// SetStats wires an optional Prometheus registry so Run observes its own
// wall-clock duration into oracle_call_duration_seconds. A nil Registry
// (the zero value, never called) leaves the Oracle instrumentation-free.
func (o *Oracle) SetStats(stats *metrics.Registry) {
	o.stats = stats
}

// NewOracle builds an Oracle. telemetry may be nil to disable reporting.
// A circuit breaker wraps the API client: after 5 consecutive failures it
// opens for 30s, so a degraded or rate-limited Anthropic endpoint doesn't
// burn the whole per-alert reasoning budget on calls doomed to time out.
func NewOracle(cfg OracleConfig, budget *BudgetTracker, telemetry *TelemetryReporter) *Oracle {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.HardMaxIterations < cfg.MaxIterations {
		cfg.HardMaxIterations = cfg.MaxIterations + 5
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2023-06-01"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[*AnthropicResponse](gobreaker.Settings{
		Name:        "reasoning-oracle",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Oracle{
		config:     cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		scrubber:   NewSecretScrubber(),
		guardrails: NewGuardrails(nil),
		budget:     budget,
		telemetry:  telemetry,
	}
}

// IsConnected reports whether the oracle has credentials to call the API.
func (o *Oracle) IsConnected() bool {
	return o.config.APIKey != ""
}

// RunResult is the outcome of one reasoning loop: the remediation
// attempt record, the ephemeral context (for self-restart handoff), and
// the final confidence band reached.
type RunResult struct {
	Attempt    *models.RemediationAttempt
	Context    *models.RemediationContext
	FinalBand  planner.ConfidenceBand
	Iterations int
}

// Run drives the reasoning loop for one alert to completion or exhaustion.
// exec dispatches tool calls; alert/hint/infraSummary seed the first user
// turn; startingBand is the Tiered Planner's initial band.
func (o *Oracle) Run(ctx context.Context, alert *models.Alert, hint *models.Pattern, infraSummary string,
	startingBand planner.ConfidenceBand, exec ToolExecutor) (*RunResult, error) {

	if !o.IsConnected() {
		return nil, fmt.Errorf("reasoning oracle: no API key configured")
	}
	if err := o.budget.CheckBudget(); err != nil {
		return nil, fmt.Errorf("reasoning oracle: %w", err)
	}
	release := o.budget.Acquire()
	defer release()

	started := time.Now()
	attempt := &models.RemediationAttempt{
		ID:          fmt.Sprintf("attempt-%s-%d", alert.Fingerprint, started.UnixNano()),
		Timestamp:   started,
		AlertName:   alert.Name,
		Instance:    alert.ResolvedInstance(),
		Fingerprint: alert.Fingerprint,
	}
	rc := &models.RemediationContext{
		AlertFingerprint: alert.Fingerprint,
		AlertName:        alert.Name,
		Instance:         alert.ResolvedInstance(),
		TargetHost:       alert.RemediationHost(),
	}

	band := startingBand
	verifiedHypothesis := false
	totalInput, totalOutput := 0, 0

	promptText := o.scrubber.ScrubString(BuildUserPrompt(alert, hint, infraSummary))
	history := []Message{{Role: "user", Content: []ContentBlock{{Type: "text", Text: promptText}}}}
	maxIter := o.config.MaxIterations
	improving := true

	iteration := 0
	for iteration < maxIter {
		iteration++

		req := BuildRequest(o.config.Model, o.config.MaxTokens, alert, hint, infraSummary, history)
		resp, err := o.callAPI(ctx, req)
		if err != nil {
			attempt.Analysis = fmt.Sprintf("oracle call failed at iteration %d: %v", iteration, err)
			attempt.Finalize()
			if o.stats != nil {
				o.stats.OracleCallDuration.Observe(time.Since(started).Seconds())
			}
			return &RunResult{Attempt: attempt, Context: rc, FinalBand: band, Iterations: iteration}, err
		}

		totalInput += resp.Usage.InputTokens
		totalOutput += resp.Usage.OutputTokens
		o.budget.RecordCost(resp.Usage.InputTokens, resp.Usage.OutputTokens)

		assistantContent := make([]ContentBlock, 0, len(resp.Content))
		assistantContent = append(assistantContent, resp.Content...)
		history = append(history, Message{Role: "assistant", Content: assistantContent})

		if text := resp.TextContent(); text != "" {
			attempt.Analysis = text
		}

		toolUses := resp.ToolUseBlocks()
		if len(toolUses) == 0 {
			break
		}

		results := make([]ContentBlock, 0, len(toolUses))
		for _, use := range toolUses {
			input, err := marshalInput(use.Input)
			if err != nil {
				results = append(results, ContentBlock{Type: "tool_result", ToolUseID: use.ID, Content: "invalid tool input: " + err.Error(), IsError: true})
				continue
			}

			switch use.Name {
			case "update_confidence":
				reported, _ := input["confidence"].(float64)
				newBand := planner.ReviseBand(band, reported, verifiedHypothesis)
				if newBand == band {
					improving = false
				}
				band = newBand
				results = append(results, ContentBlock{Type: "tool_result", ToolUseID: use.ID,
					Content: fmt.Sprintf("band now %s", band)})
				continue
			case "verify_hypothesis":
				verifiedHypothesis = true
				attempt.Verification = models.VerificationVerified
				results = append(results, ContentBlock{Type: "tool_result", ToolUseID: use.ID, Content: "hypothesis marked verified"})
				continue
			}

			check := o.guardrails.Check(use.Name, fmt.Sprintf("%v", input), bandFloor(band))
			if !check.Allowed {
				results = append(results, ContentBlock{Type: "tool_result", ToolUseID: use.ID,
					Content: "blocked by guardrails: " + check.Reason, IsError: true})
				continue
			}

			result, isError := exec.ExecuteTool(ctx, use.Name, input)
			scrubbed := o.scrubber.ScrubString(result)

			cmdResult := models.CommandResult{Command: use.Name, Stdout: scrubbed, ExitCode: 0}
			if isError {
				cmdResult.ExitCode = 1
				cmdResult.Stderr = scrubbed
				cmdResult.Stdout = ""
			}
			attempt.Commands = append(attempt.Commands, cmdResult)
			rc.CommandsRun = append(rc.CommandsRun, cmdResult)

			results = append(results, ContentBlock{Type: "tool_result", ToolUseID: use.ID, Content: scrubbed, IsError: isError})
		}

		history = append(history, toolResultMessage(results))
		rc.AnalysisDraft = attempt.Analysis
		rc.CapSizes()

		if iteration == maxIter && improving && maxIter < o.config.HardMaxIterations {
			maxIter++
		}
	}

	attempt.DurationMs = time.Since(started).Milliseconds()
	attempt.RiskTier = riskTierForBand(band)
	attempt.Success = len(attempt.Commands) > 0 && allCommandsSucceeded(attempt.Commands)
	attempt.Finalize()

	if o.stats != nil {
		o.stats.OracleCallDuration.Observe(time.Since(started).Seconds())
	}

	if o.telemetry != nil {
		tier := planner.TierFullReasoning
		if hint != nil {
			tier = planner.TierHintAssisted
		}
		go o.telemetry.ReportExecution(alert, attempt, tier, planner.SymptomFingerprint(alert), totalInput, totalOutput)
	}

	return &RunResult{Attempt: attempt, Context: rc, FinalBand: band, Iterations: iteration}, nil
}

// bandFloor maps a confidence band back to the minimum numeric confidence
// Guardrails.Check should treat it as, so the 0.6 auto-execution gate
// lines up with restart_with_verify and above.
func bandFloor(band planner.ConfidenceBand) float64 {
	switch band {
	case planner.BandFullRemediation:
		return 0.95
	case planner.BandApplyLearnedPattern:
		return 0.80
	case planner.BandRestartWithVerify:
		return 0.65
	case planner.BandSafeInvestigative:
		return 0.40
	default:
		return 0.1
	}
}

func riskTierForBand(band planner.ConfidenceBand) models.RiskTier {
	switch band {
	case planner.BandFullRemediation, planner.BandApplyLearnedPattern:
		return models.RiskHigh
	case planner.BandRestartWithVerify:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func allCommandsSucceeded(cmds []models.CommandResult) bool {
	for _, c := range cmds {
		if c.ExitCode != 0 {
			return false
		}
	}
	return true
}

// callAPI performs one POST to the Anthropic Messages API through the
// circuit breaker.
func (o *Oracle) callAPI(ctx context.Context, req AnthropicRequest) (*AnthropicResponse, error) {
	return o.breaker.Execute(func() (*AnthropicResponse, error) {
		return o.doCallAPI(ctx, req)
	})
}

func (o *Oracle) doCallAPI(ctx context.Context, req AnthropicRequest) (*AnthropicResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := o.config.Endpoint + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", o.config.APIKey)
	httpReq.Header.Set("anthropic-version", o.config.APIVersion)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}

	var parsed AnthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &parsed, nil
}

// Stats returns the oracle's current budget statistics.
func (o *Oracle) Stats() BudgetStats {
	return o.budget.Stats()
}

// Close releases the oracle's HTTP client resources.
func (o *Oracle) Close() {
	o.client.CloseIdleConnections()
	log.Printf("[reasoning] oracle closed")
}
