package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/potatorick/jarvis/internal/models"
)

// ContentBlock is one block of an Anthropic message: text, a tool_use
// request from the model, or a tool_result being fed back to it.
type ContentBlock struct {
	Type      string      `json:"type"`
	Text      string      `json:"text,omitempty"`
	ID        string      `json:"id,omitempty"`         // tool_use id
	Name      string      `json:"name,omitempty"`        // tool_use name
	Input     interface{} `json:"input,omitempty"`       // tool_use input
	ToolUseID string      `json:"tool_use_id,omitempty"` // tool_result linkage
	Content   string      `json:"content,omitempty"`     // tool_result text
	IsError   bool        `json:"is_error,omitempty"`
}

// Message is one turn of the conversation sent to or received from the
// oracle.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ToolDefinition describes one callable tool in Anthropic's tool-use
// schema.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"input_schema"`
}

// AnthropicRequest is the body of a POST to /v1/messages.
type AnthropicRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
}

// AnthropicResponse is the body of a /v1/messages response.
type AnthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ToolUseBlocks returns every tool_use content block in the response, in
// order. A response can request more than one tool call per turn.
func (r *AnthropicResponse) ToolUseBlocks() []ContentBlock {
	var out []ContentBlock
	for _, b := range r.Content {
		if b.Type == "tool_use" {
			out = append(out, b)
		}
	}
	return out
}

// TextContent concatenates every text block in the response.
func (r *AnthropicResponse) TextContent() string {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// schema is a shorthand JSON-schema object builder for tool input schemas.
func schema(props map[string]string, required ...string) map[string]interface{} {
	properties := make(map[string]interface{}, len(props))
	for name, desc := range props {
		properties[name] = map[string]string{"type": "string", "description": desc}
	}
	s := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// DefaultTools is the fixed oracle tool catalog, contractually named so
// the executor and verifier can dispatch on them without a translation
// layer.
func DefaultTools() []ToolDefinition {
	return []ToolDefinition{
		{Name: "read_file", Description: "Read a file's contents from the target host.",
			InputSchema: schema(map[string]string{"host": "target hostname", "path": "absolute file path"}, "host", "path")},
		{Name: "list_directory", Description: "List a directory's contents on the target host.",
			InputSchema: schema(map[string]string{"host": "target hostname", "path": "directory path"}, "host", "path")},
		{Name: "check_file_age", Description: "Report how long ago a file was last modified.",
			InputSchema: schema(map[string]string{"host": "target hostname", "path": "file path"}, "host", "path")},
		{Name: "check_crontab", Description: "Dump the crontab for a host or user.",
			InputSchema: schema(map[string]string{"host": "target hostname", "user": "crontab owner, default current user"}, "host")},
		{Name: "test_connectivity", Description: "Test TCP/ICMP reachability from the daemon host to a target.",
			InputSchema: schema(map[string]string{"target": "hostname or IP", "port": "optional TCP port"}, "target")},
		{Name: "execute_safe_command", Description: "Run a diagnostic (read-only) shell command on a target host.",
			InputSchema: schema(map[string]string{"host": "target hostname", "command": "shell command"}, "host", "command")},
		{Name: "restart_service", Description: "Restart a systemd unit or docker container on a target host.",
			InputSchema: schema(map[string]string{"host": "target hostname", "service": "unit or container name"}, "host", "service")},
		{Name: "query_metric_history", Description: "Query recent metric history from the metrics backend.",
			InputSchema: schema(map[string]string{"query": "PromQL-style query", "range": "lookback window, e.g. 15m"}, "query")},
		{Name: "query_loki_logs", Description: "Query recent log lines from the log aggregator.",
			InputSchema: schema(map[string]string{"query": "LogQL-style query", "range": "lookback window"}, "query")},
		{Name: "execute_n8n_workflow", Description: "Trigger an n8n automation workflow by name.",
			InputSchema: schema(map[string]string{"workflow": "workflow name or ID", "payload": "optional JSON payload"}, "workflow")},
		{Name: "list_n8n_workflows", Description: "List available n8n workflows.", InputSchema: schema(nil)},
		{Name: "restart_ha_addon", Description: "Restart a Home Assistant add-on.",
			InputSchema: schema(map[string]string{"addon": "add-on slug"}, "addon")},
		{Name: "reload_ha_automations", Description: "Reload Home Assistant automations without a full restart.",
			InputSchema: schema(nil)},
		{Name: "get_ha_addon_info", Description: "Fetch status and version info for a Home Assistant add-on.",
			InputSchema: schema(map[string]string{"addon": "add-on slug"}, "addon")},
		{Name: "get_container_diagnostics", Description: "Fetch docker inspect/logs summary for a container.",
			InputSchema: schema(map[string]string{"host": "target hostname", "container": "container name"}, "host", "container")},
		{Name: "get_service_dependencies", Description: "List services/containers declared as dependent on a given service.",
			InputSchema: schema(map[string]string{"service": "service or container name"}, "service")},
		{Name: "get_system_state", Description: "Fetch a snapshot of load, memory, and disk usage for a host.",
			InputSchema: schema(map[string]string{"host": "target hostname"}, "host")},
		{Name: "fix_container_crash_loop", Description: "Apply the crash-loop remediation ladder (recreate, repull, prune) to a container.",
			InputSchema: schema(map[string]string{"host": "target hostname", "container": "container name"}, "host", "container")},
		{Name: "update_confidence", Description: "Report a revised confidence score and rationale for the current hypothesis.",
			InputSchema: schema(map[string]string{"confidence": "0.0-1.0", "rationale": "why the confidence changed"}, "confidence", "rationale")},
		{Name: "verify_hypothesis", Description: "Declare the working hypothesis verified, unlocking full_remediation band.",
			InputSchema: schema(map[string]string{"evidence": "what was checked to confirm the hypothesis"}, "evidence")},
		{Name: "initiate_self_restart", Description: "Request a self-restart handoff to the orchestrator for self/database/docker-daemon targets.",
			InputSchema: schema(map[string]string{"target": "self, database, or docker-daemon", "reason": "why a restart is needed"}, "target", "reason")},
	}
}

// buildSystemPrompt constructs the oracle's system prompt: its role, the
// confidence-band contract, and the fixed tool catalog it can call.
func buildSystemPrompt(allowedActions []string) string {
	var sb strings.Builder
	sb.WriteString("You are the reasoning oracle for a homelab remediation daemon. ")
	sb.WriteString("You diagnose and fix infrastructure alerts by calling tools; you never have direct shell access outside them.\n\n")
	sb.WriteString("Confidence bands gate what you may do:\n")
	sb.WriteString("  read_only (<0.30): inspect only.\n")
	sb.WriteString("  safe_investigative (0.30-0.50): diagnostic commands only.\n")
	sb.WriteString("  restart_with_verify (0.50-0.70): service restarts, verified after.\n")
	sb.WriteString("  apply_learned_pattern (0.70-0.90): apply a known-good fix.\n")
	sb.WriteString("  full_remediation (>0.90): broader corrective action, requires verify_hypothesis first.\n\n")
	sb.WriteString("Call update_confidence whenever your assessment changes. Call verify_hypothesis before claiming full_remediation confidence.\n\n")
	sb.WriteString("Available tools:\n")
	for _, a := range allowedActions {
		sb.WriteString("  - " + a + "\n")
	}
	return sb.String()
}

// BuildUserPrompt renders the alert payload, infra summary, and optional
// learned-pattern hint into the oracle's first user turn.
func BuildUserPrompt(alert *models.Alert, hint *models.Pattern, infraSummary string) string {
	var sb strings.Builder

	sb.WriteString("ALERT DETAILS\n")
	fmt.Fprintf(&sb, "name: %s\n", alert.Name)
	fmt.Fprintf(&sb, "fingerprint: %s\n", alert.Fingerprint)
	fmt.Fprintf(&sb, "severity: %s\n", alert.Severity)
	fmt.Fprintf(&sb, "instance: %s\n", alert.ResolvedInstance())
	if host := alert.RemediationHost(); host != "" {
		fmt.Fprintf(&sb, "remediation_host: %s\n", host)
	}
	sb.WriteString("labels:\n")
	for k, v := range alert.Labels {
		fmt.Fprintf(&sb, "  %s=%s\n", k, v)
	}
	if len(alert.Annotations) > 0 {
		sb.WriteString("annotations:\n")
		for k, v := range alert.Annotations {
			fmt.Fprintf(&sb, "  %s: %s\n", k, truncate(v, 500))
		}
	}

	if infraSummary != "" {
		sb.WriteString("\nINFRASTRUCTURE SUMMARY\n")
		sb.WriteString(infraSummary)
		sb.WriteString("\n")
	}

	if hint != nil {
		sb.WriteString("\nLEARNED PATTERN HINT\n")
		fmt.Fprintf(&sb, "A similar alert was previously resolved with (confidence=%.2f, successes=%d):\n",
			hint.Confidence, hint.SuccessCount)
		for _, c := range hint.SolutionCommands {
			fmt.Fprintf(&sb, "  %s\n", c)
		}
		if hint.CachedReasoning != "" {
			fmt.Fprintf(&sb, "prior reasoning: %s\n", truncate(hint.CachedReasoning, 1000))
		}
		sb.WriteString("This is a hint, not a command — verify it still applies before running it.\n")
	}

	sb.WriteString("\nDiagnose the root cause and propose a remediation using the available tools.\n")
	return sb.String()
}

// BuildRequest assembles the full Anthropic request for one reasoning
// turn: system prompt, tool catalog, and conversation history so far
// (nil/empty history starts a fresh reasoning loop with just the user
// prompt appended).
func BuildRequest(model string, maxTokens int, alert *models.Alert, hint *models.Pattern, infraSummary string, history []Message) AnthropicRequest {
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, history...)
	if len(history) == 0 {
		messages = append(messages, Message{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: BuildUserPrompt(alert, hint, infraSummary)}},
		})
	}

	return AnthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    buildSystemPrompt(DefaultAllowedActions),
		Messages:  messages,
		Tools:     DefaultTools(),
	}
}

// truncate shortens a string to max characters, appending "..." if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// toolResultMessage wraps one or more tool outcomes into the next user
// turn of the conversation, matching how Anthropic expects tool_result
// blocks to be threaded back in.
func toolResultMessage(results []ContentBlock) Message {
	return Message{Role: "user", Content: results}
}

// marshalInput re-serializes a tool_use block's Input for logging or
// dispatch, tolerating both map[string]interface{} and raw json.RawMessage
// shapes a decoded response may produce.
func marshalInput(input interface{}) (map[string]interface{}, error) {
	switch v := input.(type) {
	case map[string]interface{}:
		return v, nil
	case json.RawMessage:
		var m map[string]interface{}
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var m map[string]interface{}
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
}
