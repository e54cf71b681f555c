package gateway

import (
	"context"
	"fmt"
	"strconv"

	"github.com/potatorick/jarvis/internal/models"
)

// MetricsQuerier backs the query_metric_history oracle tool.
type MetricsQuerier interface {
	QueryMetricHistory(ctx context.Context, metric, rangeSpec string, predictExhaustion bool) (string, error)
}

// LogQuerier backs the query_loki_logs oracle tool.
type LogQuerier interface {
	QueryLogs(ctx context.Context, queryType, target string, minutes int) (string, error)
}

// toolRouter implements reasoning.ToolExecutor, dispatching each tool in
// the §6 catalog to the Executor, Command Validator, metrics/log
// backends, or Self-Preservation. Tools backed by an orchestrator-side
// system this deployment doesn't wire (n8n workflows, the Home Assistant
// supervisor) return a clear "not available" error rather than panicking
// or silently no-op-ing.
type toolRouter struct {
	gw               *Gateway
	alert            *models.Alert
	hasActiveHandoff bool
	crashLoop        bool
}

func (t *toolRouter) ExecuteTool(ctx context.Context, name string, input map[string]interface{}) (string, bool) {
	switch name {
	case "read_file":
		return t.readFile(ctx, input)
	case "list_directory":
		return t.listDirectory(ctx, input)
	case "check_file_age":
		return t.checkFileAge(ctx, input)
	case "check_crontab":
		return t.checkCrontab(ctx, input)
	case "test_connectivity":
		return t.testConnectivity(ctx, input)
	case "execute_safe_command":
		return t.executeSafeCommand(ctx, input)
	case "restart_service":
		return t.restartService(ctx, input)
	case "query_metric_history":
		return t.queryMetricHistory(ctx, input)
	case "query_loki_logs":
		return t.queryLokiLogs(ctx, input)
	case "get_container_diagnostics":
		return t.containerDiagnostics(ctx, input)
	case "get_service_dependencies":
		return t.serviceDependencies(ctx, input)
	case "get_system_state":
		return t.systemState(ctx, input)
	case "initiate_self_restart":
		return t.initiateSelfRestart(ctx, input)
	case "execute_n8n_workflow", "list_n8n_workflows":
		return "no orchestrator workflow engine is configured for this deployment", true
	case "restart_ha_addon", "reload_ha_automations", "get_ha_addon_info":
		return "no home-automation supervisor is configured for this deployment", true
	case "fix_container_crash_loop":
		return t.fixContainerCrashLoop(ctx, input)
	default:
		return fmt.Sprintf("unknown tool %q", name), true
	}
}

func stringArg(input map[string]interface{}, key string) string {
	v, _ := input[key].(string)
	return v
}

func intArg(input map[string]interface{}, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func boolArg(input map[string]interface{}, key string) bool {
	v, _ := input[key].(bool)
	return v
}

func (t *toolRouter) run(ctx context.Context, host, command string) (string, bool) {
	target := t.gw.resolveTarget(host)
	result, err := t.gw.executor.Run(ctx, target, command, t.gw.cfg.CommandTimeoutSecs)
	if err != nil {
		if t.gw.hosts != nil {
			t.gw.hosts.RecordOutcome(host, false, err.Error())
		}
		return fmt.Sprintf("execution error: %v", err), true
	}
	if t.gw.hosts != nil {
		t.gw.hosts.RecordOutcome(host, result.ExitCode == 0, result.Stderr)
	}
	out := result.Stdout
	if result.ExitCode != 0 {
		return fmt.Sprintf("exit=%d stdout=%s stderr=%s", result.ExitCode, result.Stdout, result.Stderr), true
	}
	return out, false
}

func (t *toolRouter) readFile(ctx context.Context, input map[string]interface{}) (string, bool) {
	host, path := stringArg(input, "host"), stringArg(input, "path")
	cmd := "cat " + path
	if lines := intArg(input, "lines", 0); lines > 0 {
		cmd = fmt.Sprintf("tail -n %d %s", lines, path)
	}
	return t.run(ctx, host, cmd)
}

func (t *toolRouter) listDirectory(ctx context.Context, input map[string]interface{}) (string, bool) {
	return t.run(ctx, stringArg(input, "host"), "ls -la "+stringArg(input, "path"))
}

func (t *toolRouter) checkFileAge(ctx context.Context, input map[string]interface{}) (string, bool) {
	return t.run(ctx, stringArg(input, "host"), "stat -c '%Y %n' "+stringArg(input, "path"))
}

func (t *toolRouter) checkCrontab(ctx context.Context, input map[string]interface{}) (string, bool) {
	cmd := "crontab -l"
	if user := stringArg(input, "user"); user != "" {
		cmd = "crontab -l -u " + user
	}
	return t.run(ctx, stringArg(input, "host"), cmd)
}

func (t *toolRouter) testConnectivity(ctx context.Context, input map[string]interface{}) (string, bool) {
	from, to := stringArg(input, "from_host"), stringArg(input, "to")
	return t.run(ctx, from, "nc -zv -w3 "+to)
}

func (t *toolRouter) executeSafeCommand(ctx context.Context, input map[string]interface{}) (string, bool) {
	host, command := stringArg(input, "host"), stringArg(input, "command")
	check := t.gw.validator.Check(command, t.hasActiveHandoff)
	if !check.Allowed {
		return "rejected by command validator: " + check.Reason, true
	}
	return t.run(ctx, host, command)
}

func (t *toolRouter) restartService(ctx context.Context, input map[string]interface{}) (string, bool) {
	host := stringArg(input, "host")
	name := stringArg(input, "service")
	if name == "" {
		name = stringArg(input, "container")
	}
	command := "systemctl restart " + name
	if stringArg(input, "container") != "" {
		command = "docker restart " + name
	}
	check := t.gw.validator.Check(command, t.hasActiveHandoff)
	if !check.Allowed {
		return "rejected by command validator: " + check.Reason, true
	}
	return t.run(ctx, host, command)
}

func (t *toolRouter) queryMetricHistory(ctx context.Context, input map[string]interface{}) (string, bool) {
	if t.gw.metricsQuerier == nil {
		return "no metrics backend configured", true
	}
	out, err := t.gw.metricsQuerier.QueryMetricHistory(ctx, stringArg(input, "metric"), stringArg(input, "range"), boolArg(input, "predict_exhaustion"))
	if err != nil {
		return err.Error(), true
	}
	return out, false
}

func (t *toolRouter) queryLokiLogs(ctx context.Context, input map[string]interface{}) (string, bool) {
	if t.gw.logQuerier == nil {
		return "no log backend configured", true
	}
	out, err := t.gw.logQuerier.QueryLogs(ctx, stringArg(input, "query_type"), stringArg(input, "target"), intArg(input, "minutes", 15))
	if err != nil {
		return err.Error(), true
	}
	return out, false
}

func (t *toolRouter) containerDiagnostics(ctx context.Context, input map[string]interface{}) (string, bool) {
	host, container := stringArg(input, "host"), stringArg(input, "container")
	return t.run(ctx, host, fmt.Sprintf("docker inspect %s && docker stats --no-stream %s", container, container))
}

func (t *toolRouter) serviceDependencies(ctx context.Context, input map[string]interface{}) (string, bool) {
	host, service := stringArg(input, "host"), stringArg(input, "service")
	return t.run(ctx, host, "systemctl list-dependencies "+service)
}

func (t *toolRouter) systemState(ctx context.Context, input map[string]interface{}) (string, bool) {
	host := stringArg(input, "host")
	return t.run(ctx, host, "uptime && free -h && df -h")
}

func (t *toolRouter) initiateSelfRestart(ctx context.Context, input map[string]interface{}) (string, bool) {
	if t.gw.selfpreserve == nil {
		return "self-preservation is not configured for this deployment", true
	}
	target := models.HandoffTarget(stringArg(input, "target"))
	reason := stringArg(input, "reason")
	rc := &models.RemediationContext{
		AlertFingerprint: t.alert.Fingerprint,
		AlertName:        t.alert.Name,
		Instance:         t.alert.ResolvedInstance(),
		TargetHost:       t.alert.RemediationHost(),
	}
	h, err := t.gw.selfpreserve.RequestHandoff(ctx, selfRestartRequest(target, reason, rc, t.gw.cfg.ExternalURL))
	if err != nil {
		return err.Error(), true
	}
	return fmt.Sprintf("handoff %s initiated for target %s", h.ID, target), false
}

func (t *toolRouter) fixContainerCrashLoop(ctx context.Context, input map[string]interface{}) (string, bool) {
	host := stringArg(input, "host")
	container := stringArg(input, "container")
	composeDir := stringArg(input, "compose_dir")
	if !t.crashLoop {
		return "fix_container_crash_loop is only available once crash-loop detection has triggered full reasoning", true
	}
	t.gw.validator.EnableDockerfileOps(composeDir)
	return t.run(ctx, host, fmt.Sprintf("docker compose -f %s/docker-compose.yml build %s && docker compose -f %s/docker-compose.yml up -d %s",
		composeDir, container, composeDir, container))
}
