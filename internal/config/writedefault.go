package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WriteDefault writes a starter config file with default values to path.
// It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	d := Default()
	doc := map[string]interface{}{
		"debate": map[string]interface{}{
			"max_rounds":             d.Debate.MaxRounds,
			"consensus_threshold":    d.Debate.ConsensusThreshold,
			"consensus_mode":         d.Debate.ConsensusMode,
			"quorum_ratio":           d.Debate.QuorumRatio,
			"stability_rounds":       d.Debate.StabilityRounds,
			"round_mode":             d.Debate.RoundMode,
			"max_response_retries":   d.Debate.MaxResponseRetries,
			"retry_backoff_ms":       d.Debate.RetryBackoffMs,
			"judge_model":            d.Debate.JudgeModel,
			"auto_stop_on_consensus": d.Debate.AutoStopOnConsensus,
			"user_interjection":      d.Debate.UserInterjection,
			"prune_aligned":          d.Debate.PruneAligned,
		},
		"agents": map[string]interface{}{
			"max_concurrent":       d.Agents.MaxConcurrent,
			"health_interval_ms":   d.Agents.HealthIntervalMs,
			"failure_threshold":    d.Agents.FailureThreshold,
			"cooldown_ms":          d.Agents.CooldownMs,
			"max_restart_attempts": d.Agents.MaxRestartAttempts,
			"restart_backoff_ms":   d.Agents.RestartBackoffMs,
			"command":              d.Agents.Command,
		},
		"lock": map[string]interface{}{
			"retries":          d.Lock.Retries,
			"retry_delay_ms":   d.Lock.RetryDelayMs,
			"stale_timeout_ms": d.Lock.StaleTimeoutMs,
			"lock_timeout_ms":  d.Lock.LockTimeoutMs,
		},
		"logging": map[string]interface{}{
			"level": d.Logging.Level,
			"dir":   d.Logging.Dir,
		},
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := []byte("# Bounce configuration. Values here override built-in defaults;\n# BOUNCE_* environment variables override both.\n")
	return os.WriteFile(path, append(header, data...), 0o644)
}
