// Package config loads and validates the Bounce configuration from
// defaults, an optional YAML config file, and BOUNCE_-prefixed
// environment variables, in that precedence order.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Bounce configuration
type Config struct {
	Debate  DebateConfig  `mapstructure:"debate"`
	Agents  AgentsConfig  `mapstructure:"agents"`
	Lock    LockConfig    `mapstructure:"lock"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// DebateConfig controls orchestrator behavior
type DebateConfig struct {
	// MaxRounds caps debate length (1-100)
	MaxRounds int `mapstructure:"max_rounds"`
	// ConsensusThreshold is the score required for consensus (0-1)
	ConsensusThreshold float64 `mapstructure:"consensus_threshold"`
	// ConsensusMode is one of "majority", "weighted", "unanimous"
	ConsensusMode string `mapstructure:"consensus_mode"`
	// QuorumRatio is the approval fraction required for auto-stop (0-1)
	QuorumRatio float64 `mapstructure:"quorum_ratio"`
	// StabilityRounds is how many consecutive reached rounds gate auto-stop
	StabilityRounds int `mapstructure:"stability_rounds"`
	// RoundMode is "sequential" or "parallel"
	RoundMode string `mapstructure:"round_mode"`
	// MaxResponseRetries is the retry budget per participant call
	MaxResponseRetries int `mapstructure:"max_response_retries"`
	// RetryBackoffMs is the base backoff, doubled per retry
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
	// JudgeModel synthesizes the final answer (empty: first participant)
	JudgeModel string `mapstructure:"judge_model"`
	// AutoStopOnConsensus stops the debate once consensus is stable
	AutoStopOnConsensus bool `mapstructure:"auto_stop_on_consensus"`
	// UserInterjection parks the debate between rounds for user input
	UserInterjection bool `mapstructure:"user_interjection"`
	// PruneAligned removes participants converged with another's stance
	PruneAligned bool `mapstructure:"prune_aligned"`
}

// AgentsConfig controls the agent manager
type AgentsConfig struct {
	// MaxConcurrent caps simultaneously running agents
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// HealthIntervalMs is the health polling period
	HealthIntervalMs int `mapstructure:"health_interval_ms"`
	// FailureThreshold trips an adapter's circuit breaker
	FailureThreshold int `mapstructure:"failure_threshold"`
	// CooldownMs is the circuit breaker cooldown
	CooldownMs int `mapstructure:"cooldown_ms"`
	// MaxRestartAttempts bounds crash restarts per agent
	MaxRestartAttempts int `mapstructure:"max_restart_attempts"`
	// RestartBackoffMs is the base restart delay, doubled per restart
	RestartBackoffMs int `mapstructure:"restart_backoff_ms"`
	// Command is the CLI binary backing spawned agents
	Command string `mapstructure:"command"`
}

// LockConfig controls protocol log file locking
type LockConfig struct {
	// Retries is the acquisition retry budget
	Retries int `mapstructure:"retries"`
	// RetryDelayMs is the delay between acquisition attempts
	RetryDelayMs int `mapstructure:"retry_delay_ms"`
	// StaleTimeoutMs is the age past which a lock is reclaimed
	StaleTimeoutMs int `mapstructure:"stale_timeout_ms"`
	// LockTimeoutMs is the hard acquisition ceiling
	LockTimeoutMs int `mapstructure:"lock_timeout_ms"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// Dir is the log directory (empty: stderr)
	Dir string `mapstructure:"dir"`
}

// HealthInterval returns the health polling period as a time.Duration
func (a *AgentsConfig) HealthInterval() time.Duration {
	return time.Duration(a.HealthIntervalMs) * time.Millisecond
}

// Cooldown returns the circuit breaker cooldown as a time.Duration
func (a *AgentsConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownMs) * time.Millisecond
}

// RestartBackoff returns the base restart delay as a time.Duration
func (a *AgentsConfig) RestartBackoff() time.Duration {
	return time.Duration(a.RestartBackoffMs) * time.Millisecond
}

// RetryBackoff returns the base retry backoff as a time.Duration
func (d *DebateConfig) RetryBackoff() time.Duration {
	return time.Duration(d.RetryBackoffMs) * time.Millisecond
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Debate: DebateConfig{
			MaxRounds:           5,
			ConsensusThreshold:  0.75,
			ConsensusMode:       "majority",
			QuorumRatio:         0.6,
			StabilityRounds:     1,
			RoundMode:           "sequential",
			MaxResponseRetries:  2,
			RetryBackoffMs:      1000,
			AutoStopOnConsensus: true,
		},
		Agents: AgentsConfig{
			MaxConcurrent:      4,
			HealthIntervalMs:   5000,
			FailureThreshold:   3,
			CooldownMs:         30000,
			MaxRestartAttempts: 3,
			RestartBackoffMs:   1000,
			Command:            "claude",
		},
		Lock: LockConfig{
			Retries:        50,
			RetryDelayMs:   100,
			StaleTimeoutMs: 30000,
			LockTimeoutMs:  10000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("debate.max_rounds", defaults.Debate.MaxRounds)
	viper.SetDefault("debate.consensus_threshold", defaults.Debate.ConsensusThreshold)
	viper.SetDefault("debate.consensus_mode", defaults.Debate.ConsensusMode)
	viper.SetDefault("debate.quorum_ratio", defaults.Debate.QuorumRatio)
	viper.SetDefault("debate.stability_rounds", defaults.Debate.StabilityRounds)
	viper.SetDefault("debate.round_mode", defaults.Debate.RoundMode)
	viper.SetDefault("debate.max_response_retries", defaults.Debate.MaxResponseRetries)
	viper.SetDefault("debate.retry_backoff_ms", defaults.Debate.RetryBackoffMs)
	viper.SetDefault("debate.judge_model", defaults.Debate.JudgeModel)
	viper.SetDefault("debate.auto_stop_on_consensus", defaults.Debate.AutoStopOnConsensus)
	viper.SetDefault("debate.user_interjection", defaults.Debate.UserInterjection)
	viper.SetDefault("debate.prune_aligned", defaults.Debate.PruneAligned)

	viper.SetDefault("agents.max_concurrent", defaults.Agents.MaxConcurrent)
	viper.SetDefault("agents.health_interval_ms", defaults.Agents.HealthIntervalMs)
	viper.SetDefault("agents.failure_threshold", defaults.Agents.FailureThreshold)
	viper.SetDefault("agents.cooldown_ms", defaults.Agents.CooldownMs)
	viper.SetDefault("agents.max_restart_attempts", defaults.Agents.MaxRestartAttempts)
	viper.SetDefault("agents.restart_backoff_ms", defaults.Agents.RestartBackoffMs)
	viper.SetDefault("agents.command", defaults.Agents.Command)

	viper.SetDefault("lock.retries", defaults.Lock.Retries)
	viper.SetDefault("lock.retry_delay_ms", defaults.Lock.RetryDelayMs)
	viper.SetDefault("lock.stale_timeout_ms", defaults.Lock.StaleTimeoutMs)
	viper.SetDefault("lock.lock_timeout_ms", defaults.Lock.LockTimeoutMs)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults on error
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "bounce")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bounce"
	}
	return filepath.Join(home, ".config", "bounce")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
