// Package config provides configuration management for ADS.
// It supports loading configuration from environment variables, config files,
// and defaults. All process-environment access happens here; the rest of the
// codebase consumes the validated Config struct.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for ADS.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Session      SessionConfig      `mapstructure:"session"`
	Coordinator  CoordinatorConfig  `mapstructure:"coordinator"`
	Verification VerificationConfig `mapstructure:"verification"`
	Events       EventsConfig       `mapstructure:"events"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// GatewayConfig holds WebSocket gateway configuration.
type GatewayConfig struct {
	AllowedOrigins    []string `mapstructure:"allowedOrigins"`
	BearerToken       string   `mapstructure:"bearerToken"`
	MaxClients        int      `mapstructure:"maxClients"`
	MaxMissedPongs    int      `mapstructure:"maxMissedPongs"`
	HeartbeatSeconds  int      `mapstructure:"heartbeatSeconds"`
	HistoryReplaySize int      `mapstructure:"historyReplaySize"`
}

// AgentsConfig holds per-agent binaries, credentials, and feature flags.
type AgentsConfig struct {
	CodexBin  string `mapstructure:"codexBin"`
	ClaudeBin string `mapstructure:"claudeBin"`
	AmpBin    string `mapstructure:"ampBin"`
	GeminiBin string `mapstructure:"geminiBin"`
	DroidBin  string `mapstructure:"droidBin"`

	ProbeTimeoutMS int `mapstructure:"probeTimeoutMs"`

	EnableClaude bool `mapstructure:"enableClaude"`
	EnableGemini bool `mapstructure:"enableGemini"`

	ClaudeAPIKey    string `mapstructure:"claudeApiKey"`
	AnthropicAPIKey string `mapstructure:"anthropicApiKey"`
	ClaudeModel     string `mapstructure:"claudeModel"`
	ClaudeBaseURL   string `mapstructure:"claudeBaseUrl"`

	GeminiAPIKey    string `mapstructure:"geminiApiKey"`
	GoogleAPIKey    string `mapstructure:"googleApiKey"`
	GeminiModel     string `mapstructure:"geminiModel"`
	GeminiUseVertex bool   `mapstructure:"geminiUseVertex"`

	StreamThrottleMS int `mapstructure:"streamThrottleMs"`
}

// SessionConfig holds per-user session lifecycle configuration.
type SessionConfig struct {
	// TimeoutMS is the idle timeout for sessions in milliseconds.
	// Zero or negative disables idle cleanup.
	TimeoutMS       int `mapstructure:"timeoutMs"`
	CleanupInterval int `mapstructure:"cleanupIntervalMs"`
}

// CoordinatorConfig holds the supervisor/delegate loop configuration.
type CoordinatorConfig struct {
	Enabled                bool   `mapstructure:"enabled"`
	SupervisorAgentID      string `mapstructure:"supervisorAgentId"`
	MaxSupervisorRounds    int    `mapstructure:"maxSupervisorRounds"`
	MaxDelegations         int    `mapstructure:"maxDelegations"`
	MaxParallelDelegations int    `mapstructure:"maxParallelDelegations"`
	TaskTimeoutMS          int    `mapstructure:"taskTimeoutMs"`
	MaxTaskAttempts        int    `mapstructure:"maxTaskAttempts"`
	RetryBackoffMS         int    `mapstructure:"retryBackoffMs"`
}

// VerificationConfig holds machine-verification configuration.
type VerificationConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	ExecToolEnabled  bool     `mapstructure:"execToolEnabled"`
	AllowedCommands  []string `mapstructure:"allowedCommands"`
	CommandTimeoutMS int      `mapstructure:"commandTimeoutMs"`
	ReadyTimeoutMS   int      `mapstructure:"readyTimeoutMs"`
	ShutdownGraceMS  int      `mapstructure:"shutdownGraceMs"`
	BrowserBin       string   `mapstructure:"browserBin"`
	// SuitePath names a YAML file with baseline checks prepended to every
	// verification run.
	SuitePath string `mapstructure:"suitePath"`
}

// EventsConfig holds event bus configuration. Empty URL means the in-memory bus.
type EventsConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
// Empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorkspaceConfig holds the workspace root and derived state paths.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

// StateDir returns the directory for durable workspace state.
func (w *WorkspaceConfig) StateDir() string {
	return w.Root + "/.ads"
}

// StateDBPath returns the SQLite database path under the workspace.
func (w *WorkspaceConfig) StateDBPath() string {
	return w.StateDir() + "/state.db"
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ProbeTimeout returns the availability probe timeout as a time.Duration.
func (a *AgentsConfig) ProbeTimeout() time.Duration {
	return time.Duration(a.ProbeTimeoutMS) * time.Millisecond
}

// StreamThrottle returns the SDK stream delta throttle as a time.Duration.
func (a *AgentsConfig) StreamThrottle() time.Duration {
	return time.Duration(a.StreamThrottleMS) * time.Millisecond
}

// Timeout returns the session idle timeout as a time.Duration.
func (s *SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// TaskTimeout returns the per-task timeout as a time.Duration.
func (c *CoordinatorConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMS) * time.Millisecond
}

// RetryBackoff returns the retry backoff unit as a time.Duration.
func (c *CoordinatorConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// CommandTimeout returns the verification command timeout as a time.Duration.
func (v *VerificationConfig) CommandTimeout() time.Duration {
	return time.Duration(v.CommandTimeoutMS) * time.Millisecond
}

// ReadyTimeout returns the managed-service readiness timeout.
func (v *VerificationConfig) ReadyTimeout() time.Duration {
	return time.Duration(v.ReadyTimeoutMS) * time.Millisecond
}

// ShutdownGrace returns the SIGTERM-to-SIGKILL grace period.
func (v *VerificationConfig) ShutdownGrace() time.Duration {
	return time.Duration(v.ShutdownGraceMS) * time.Millisecond
}

// FeatureFlags describes which agents are enabled given the loaded config.
type FeatureFlags struct {
	Codex  bool // always on; the baseline agent
	Claude bool
	Amp    bool
	Gemini bool
	Droid  bool
}

// AgentFeatureFlags derives agent enablement from the config struct.
// Codex is always enabled; Claude and Gemini require the feature flag
// plus a credential; Amp and Droid require a configured binary.
func AgentFeatureFlags(cfg *Config) FeatureFlags {
	return FeatureFlags{
		Codex:  true,
		Claude: cfg.Agents.EnableClaude && (cfg.Agents.ClaudeAPIKey != "" || cfg.Agents.AnthropicAPIKey != ""),
		Amp:    cfg.Agents.AmpBin != "",
		Gemini: cfg.Agents.EnableGemini && (cfg.Agents.GeminiAPIKey != "" || cfg.Agents.GoogleAPIKey != ""),
		Droid:  cfg.Agents.DroidBin != "",
	}
}

// ClaudeConfig is the resolved Claude SDK configuration.
type ClaudeConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// ClaudeAgentConfig resolves the Claude SDK credentials and model.
// CLAUDE_API_KEY wins over ANTHROPIC_API_KEY when both are set.
func ClaudeAgentConfig(cfg *Config) ClaudeConfig {
	key := cfg.Agents.ClaudeAPIKey
	if key == "" {
		key = cfg.Agents.AnthropicAPIKey
	}
	model := cfg.Agents.ClaudeModel
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return ClaudeConfig{APIKey: key, Model: model, BaseURL: cfg.Agents.ClaudeBaseURL}
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ADS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8777)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Gateway defaults
	v.SetDefault("gateway.allowedOrigins", []string{})
	v.SetDefault("gateway.bearerToken", "")
	v.SetDefault("gateway.maxClients", 16)
	v.SetDefault("gateway.maxMissedPongs", 3)
	v.SetDefault("gateway.heartbeatSeconds", 30)
	v.SetDefault("gateway.historyReplaySize", 200)

	// Agent defaults
	v.SetDefault("agents.codexBin", "codex")
	v.SetDefault("agents.claudeBin", "claude")
	v.SetDefault("agents.ampBin", "")
	v.SetDefault("agents.geminiBin", "")
	v.SetDefault("agents.droidBin", "")
	v.SetDefault("agents.probeTimeoutMs", 3000)
	v.SetDefault("agents.enableClaude", false)
	v.SetDefault("agents.enableGemini", false)
	v.SetDefault("agents.streamThrottleMs", 250)

	// Session defaults: zero disables idle cleanup
	v.SetDefault("session.timeoutMs", 0)
	v.SetDefault("session.cleanupIntervalMs", 60000)

	// Coordinator defaults
	v.SetDefault("coordinator.enabled", true)
	v.SetDefault("coordinator.supervisorAgentId", "codex")
	v.SetDefault("coordinator.maxSupervisorRounds", 3)
	v.SetDefault("coordinator.maxDelegations", 4)
	v.SetDefault("coordinator.maxParallelDelegations", 2)
	v.SetDefault("coordinator.taskTimeoutMs", 600000)
	v.SetDefault("coordinator.maxTaskAttempts", 2)
	v.SetDefault("coordinator.retryBackoffMs", 2000)

	// Verification defaults
	v.SetDefault("verification.enabled", true)
	v.SetDefault("verification.execToolEnabled", true)
	v.SetDefault("verification.allowedCommands", []string{})
	v.SetDefault("verification.commandTimeoutMs", 300000)
	v.SetDefault("verification.readyTimeoutMs", 30000)
	v.SetDefault("verification.shutdownGraceMs", 2000)
	v.SetDefault("verification.browserBin", "")
	v.SetDefault("verification.suitePath", "")

	// Events defaults - empty URL means in-memory event bus
	v.SetDefault("events.url", "")
	v.SetDefault("events.maxReconnects", 10)

	// Tracing defaults - empty endpoint disables tracing
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "ads")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Workspace defaults
	v.SetDefault("workspace.root", ".")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ADS_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the documented environment surface. AutomaticEnv
	// does not handle camelCase keys or the unprefixed vendor variables.
	_ = v.BindEnv("agents.codexBin", "ADS_CODEX_BIN")
	_ = v.BindEnv("agents.claudeBin", "ADS_CLAUDE_BIN")
	_ = v.BindEnv("agents.ampBin", "ADS_AMP_BIN")
	_ = v.BindEnv("agents.geminiBin", "ADS_GEMINI_BIN")
	_ = v.BindEnv("agents.droidBin", "ADS_DROID_BIN")
	_ = v.BindEnv("agents.probeTimeoutMs", "ADS_AGENT_PROBE_TIMEOUT_MS")
	_ = v.BindEnv("agents.enableClaude", "ENABLE_CLAUDE_AGENT")
	_ = v.BindEnv("agents.enableGemini", "ENABLE_GEMINI_AGENT")
	_ = v.BindEnv("agents.claudeApiKey", "CLAUDE_API_KEY")
	_ = v.BindEnv("agents.anthropicApiKey", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("agents.claudeModel", "CLAUDE_MODEL")
	_ = v.BindEnv("agents.claudeBaseUrl", "CLAUDE_BASE_URL")
	_ = v.BindEnv("agents.geminiApiKey", "GEMINI_API_KEY")
	_ = v.BindEnv("agents.googleApiKey", "GOOGLE_API_KEY")
	_ = v.BindEnv("agents.geminiModel", "GEMINI_MODEL")
	_ = v.BindEnv("agents.geminiUseVertex", "GOOGLE_GENAI_USE_VERTEXAI")
	_ = v.BindEnv("coordinator.enabled", "ADS_COORDINATOR_ENABLED")
	_ = v.BindEnv("verification.enabled", "ADS_TASK_VERIFICATION_ENABLED")
	_ = v.BindEnv("verification.execToolEnabled", "ENABLE_AGENT_EXEC_TOOL")
	_ = v.BindEnv("verification.allowedCommands", "ADS_VERIFICATION_ALLOWLIST")
	_ = v.BindEnv("verification.suitePath", "ADS_VERIFICATION_SUITE")
	_ = v.BindEnv("workspace.root", "ADS_WORKSPACE_ROOT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ads/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Coordinator.MaxSupervisorRounds <= 0 {
		errs = append(errs, "coordinator.maxSupervisorRounds must be positive")
	}
	if cfg.Coordinator.MaxDelegations <= 0 {
		errs = append(errs, "coordinator.maxDelegations must be positive")
	}
	if cfg.Coordinator.MaxParallelDelegations <= 0 {
		errs = append(errs, "coordinator.maxParallelDelegations must be positive")
	}
	if cfg.Coordinator.MaxTaskAttempts <= 0 {
		errs = append(errs, "coordinator.maxTaskAttempts must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Workspace.Root == "" {
		errs = append(errs, "workspace.root must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
