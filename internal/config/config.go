// Package config loads daemon configuration from a YAML file with
// environment variable overrides, the way the rest of the pipeline expects
// its knobs to arrive.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the full set of configuration keys enumerated in the
// external interfaces table.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen_addr"`
	BasicAuthUser string `yaml:"basic_auth_user"`
	BasicAuthPass string `yaml:"basic_auth_pass"`
	ExternalURL   string `yaml:"external_url"`

	// Database
	DatabaseURL string `yaml:"database_url"`

	// Intake / dedup
	FingerprintCooldownSeconds int `yaml:"fingerprint_cooldown_seconds"`
	EscalationCooldownHours    int `yaml:"escalation_cooldown_hours"`

	// Planner
	MaxAttemptsPerAlert int `yaml:"max_attempts_per_alert"`
	AttemptWindowHours  int `yaml:"attempt_window_hours"`
	CrashLoopThreshold  int `yaml:"crash_loop_threshold"`

	// Executor
	CommandExecutionTimeoutSeconds int `yaml:"command_execution_timeout"`
	SelfHostNames                  []string `yaml:"self_host_names"`
	SSHUsername                    string `yaml:"ssh_username"`
	SSHPrivateKeyPath              string `yaml:"ssh_private_key_path"`
	SSHPort                        int    `yaml:"ssh_port"`

	// Verifier
	VerificationEnabled            bool `yaml:"verification_enabled"`
	VerificationMaxWaitSeconds     int  `yaml:"verification_max_wait_seconds"`
	VerificationPollIntervalSeconds int `yaml:"verification_poll_interval"`
	VerificationInitialDelaySeconds int `yaml:"verification_initial_delay"`
	MetricsBackendURL              string `yaml:"metrics_backend_url"`
	LokiBackendURL                 string `yaml:"loki_backend_url"`

	// Proactive / anomaly loops
	ProactiveMonitoringEnabled  bool `yaml:"proactive_monitoring_enabled"`
	ProactiveCheckIntervalSecs  int  `yaml:"proactive_check_interval"`
	AnomalyDetectionEnabled     bool `yaml:"anomaly_detection_enabled"`
	AnomalyCheckIntervalSecs    int  `yaml:"anomaly_check_interval"`
	AnomalyCooldownMinutes      int  `yaml:"anomaly_cooldown_minutes"`
	AnomalyZWarning             float64 `yaml:"anomaly_z_warning"`
	AnomalyZCritical            float64 `yaml:"anomaly_z_critical"`

	// Self-preservation
	SelfRestartTimeoutMinutes    int `yaml:"self_restart_timeout_minutes"`
	StaleHandoffCleanupMinutes   int `yaml:"stale_handoff_cleanup_minutes"`
	MaxRestarts                  int `yaml:"max_restarts"`
	OrchestratorWebhookURL       string `yaml:"orchestrator_webhook_url"`

	// Notifier
	ChatWebhookURL  string `yaml:"chat_webhook_url"`
	ChatWebhookAuth string `yaml:"chat_webhook_auth"`

	// Reasoning oracle
	OracleProvider    string  `yaml:"oracle_provider"`
	OracleAPIKey      string  `yaml:"oracle_api_key"`
	OracleModel       string  `yaml:"oracle_model"`
	OracleHighCapModel string `yaml:"oracle_high_capability_model"`
	OracleAPIEndpoint string  `yaml:"oracle_api_endpoint"`
	OracleTimeoutSecs int     `yaml:"oracle_timeout_seconds"`
	OracleMaxIterations int   `yaml:"oracle_max_iterations"`
	OracleMaxIterationsExtended int `yaml:"oracle_max_iterations_extended"`

	// Paths
	StateDir string `yaml:"state_dir"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a config with the defaults named throughout spec §6.
func DefaultConfig() Config {
	return Config{
		ListenAddr:                      ":8080",
		FingerprintCooldownSeconds:      300,
		EscalationCooldownHours:         4,
		MaxAttemptsPerAlert:             3,
		AttemptWindowHours:              2,
		CrashLoopThreshold:              2,
		CommandExecutionTimeoutSeconds:  60,
		SelfHostNames:                   []string{"localhost", "127.0.0.1"},
		SSHUsername:                     "root",
		SSHPort:                         22,
		VerificationEnabled:             true,
		VerificationMaxWaitSeconds:      120,
		VerificationPollIntervalSeconds: 10,
		VerificationInitialDelaySeconds: 10,
		ProactiveMonitoringEnabled:      true,
		ProactiveCheckIntervalSecs:      300,
		AnomalyDetectionEnabled:         true,
		AnomalyCheckIntervalSecs:        300,
		AnomalyCooldownMinutes:          30,
		AnomalyZWarning:                 3.0,
		AnomalyZCritical:                4.0,
		SelfRestartTimeoutMinutes:       10,
		StaleHandoffCleanupMinutes:      30,
		MaxRestarts:                     2,
		OracleProvider:                  "anthropic",
		OracleModel:                     "claude-haiku-4-5-20251001",
		OracleHighCapModel:              "claude-opus-4-5-20251101",
		OracleAPIEndpoint:               "https://api.anthropic.com",
		OracleTimeoutSecs:               30,
		OracleMaxIterations:             10,
		OracleMaxIterationsExtended:     15,
		StateDir:                        "/var/lib/jarvis",
		LogLevel:                        "INFO",
	}
}

// LoadConfig loads configuration from a YAML file with env overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("JARVIS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}
	if v := os.Getenv("JARVIS_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JARVIS_ORACLE_API_KEY"); v != "" {
		cfg.OracleAPIKey = v
	}
	if v := os.Getenv("JARVIS_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("JARVIS_VERIFICATION_ENABLED"); v != "" {
		cfg.VerificationEnabled = !isFalsy(v)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}
	if cfg.BasicAuthUser == "" || cfg.BasicAuthPass == "" {
		return nil, fmt.Errorf("basic_auth_user and basic_auth_pass are required")
	}

	clampInt(&cfg.SelfRestartTimeoutMinutes, 2, 60)
	clampInt(&cfg.StaleHandoffCleanupMinutes, 10, 1440)
	if cfg.FingerprintCooldownSeconds < 1 {
		cfg.FingerprintCooldownSeconds = 300
	}

	return &cfg, nil
}

func clampInt(v *int, lo, hi int) {
	if *v < lo {
		*v = lo
	}
	if *v > hi {
		*v = hi
	}
}

func isFalsy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0" || v == "no"
}

// StateFile returns a path under StateDir for persisting runtime state.
func (c *Config) StateFile(name string) string {
	return filepath.Join(c.StateDir, name)
}

// OracleTimeout parses OracleTimeoutSecs defensively, since it may arrive
// as a string via env override in some deployments.
func ParseSecondsEnv(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
