package config

import (
	"fmt"
	"strings"
)

// ValidationError describes a single invalid configuration value
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors aggregates all validation failures found in one pass
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d configuration errors:", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("\n  %d. %s", i+1, err.Error()))
	}
	return sb.String()
}

var validConsensusModes = map[string]bool{
	"majority":  true,
	"weighted":  true,
	"unanimous": true,
}

var validRoundModes = map[string]bool{
	"sequential": true,
	"parallel":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks all configuration values and returns every problem found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	add := func(field string, value interface{}, message string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: message})
	}

	if c.Debate.MaxRounds < 1 || c.Debate.MaxRounds > 100 {
		add("debate.max_rounds", c.Debate.MaxRounds, "must be between 1 and 100")
	}
	if c.Debate.ConsensusThreshold < 0 || c.Debate.ConsensusThreshold > 1 {
		add("debate.consensus_threshold", c.Debate.ConsensusThreshold, "must be between 0 and 1")
	}
	if !validConsensusModes[c.Debate.ConsensusMode] {
		add("debate.consensus_mode", c.Debate.ConsensusMode, "must be one of: majority, weighted, unanimous")
	}
	if c.Debate.QuorumRatio < 0 || c.Debate.QuorumRatio > 1 {
		add("debate.quorum_ratio", c.Debate.QuorumRatio, "must be between 0 and 1")
	}
	if c.Debate.StabilityRounds < 1 {
		add("debate.stability_rounds", c.Debate.StabilityRounds, "must be at least 1")
	}
	if !validRoundModes[c.Debate.RoundMode] {
		add("debate.round_mode", c.Debate.RoundMode, "must be one of: sequential, parallel")
	}
	if c.Debate.MaxResponseRetries < 0 {
		add("debate.max_response_retries", c.Debate.MaxResponseRetries, "must not be negative")
	}
	if c.Debate.RetryBackoffMs < 0 {
		add("debate.retry_backoff_ms", c.Debate.RetryBackoffMs, "must not be negative")
	}

	if c.Agents.MaxConcurrent < 1 {
		add("agents.max_concurrent", c.Agents.MaxConcurrent, "must be at least 1")
	}
	if c.Agents.HealthIntervalMs < 100 {
		add("agents.health_interval_ms", c.Agents.HealthIntervalMs, "must be at least 100")
	}
	if c.Agents.FailureThreshold < 1 {
		add("agents.failure_threshold", c.Agents.FailureThreshold, "must be at least 1")
	}
	if c.Agents.CooldownMs < 0 {
		add("agents.cooldown_ms", c.Agents.CooldownMs, "must not be negative")
	}
	if c.Agents.MaxRestartAttempts < 0 {
		add("agents.max_restart_attempts", c.Agents.MaxRestartAttempts, "must not be negative")
	}
	if c.Agents.RestartBackoffMs < 0 {
		add("agents.restart_backoff_ms", c.Agents.RestartBackoffMs, "must not be negative")
	}
	if strings.TrimSpace(c.Agents.Command) == "" {
		add("agents.command", c.Agents.Command, "must not be empty")
	}

	if c.Lock.Retries < 0 {
		add("lock.retries", c.Lock.Retries, "must not be negative")
	}
	if c.Lock.RetryDelayMs < 0 {
		add("lock.retry_delay_ms", c.Lock.RetryDelayMs, "must not be negative")
	}
	if c.Lock.StaleTimeoutMs < 1000 {
		add("lock.stale_timeout_ms", c.Lock.StaleTimeoutMs, "must be at least 1000")
	}
	if c.Lock.LockTimeoutMs < 0 {
		add("lock.lock_timeout_ms", c.Lock.LockTimeoutMs, "must not be negative")
	}

	if !validLogLevels[c.Logging.Level] {
		add("logging.level", c.Logging.Level, "must be one of: debug, info, warn, error")
	}

	return errs
}
