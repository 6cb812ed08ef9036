// Package agent manages AI agent processes behind a uniform adapter
// contract: spawn, prompt, observe output, kill. The manager enforces a
// global concurrency ceiling, restarts crashed agents with backoff, and
// trips a per-adapter circuit breaker when an adapter keeps failing.
package agent

import (
	"context"
	"time"
)

// Health classifies an agent process.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthProbing   Health = "probing"
)

// OutputHandler receives a chunk of agent output.
type OutputHandler func(agentID, output string)

// Unsubscribe removes a previously registered output handler.
type Unsubscribe func()

// Process is a live handle to one spawned agent.
type Process struct {
	ID      string
	Adapter string
	PID     int
	Started time.Time

	health       Health
	running      bool
	failures     int
	restartCount int
	lastError    error
}

// Health returns the process's last observed health.
func (p *Process) Health() Health { return p.health }

// Running reports whether the process is believed alive.
func (p *Process) Running() bool { return p.running }

// RestartCount returns how many times the process has been restarted.
func (p *Process) RestartCount() int { return p.restartCount }

// LastError returns the most recent failure, nil when none.
func (p *Process) LastError() error { return p.lastError }

// Adapter abstracts one way of running an AI agent. Implementations
// must be safe for concurrent use; Kill must be idempotent.
type Adapter interface {
	// Name identifies the adapter, e.g. "claude-cli".
	Name() string

	// IsAvailable reports whether the adapter's backing tool is
	// installed and usable on this host.
	IsAvailable(ctx context.Context) bool

	// Spawn starts a new agent process and returns its handle.
	Spawn(ctx context.Context, agentID string, args []string) (*Process, error)

	// SendPrompt delivers a prompt to a running agent and returns
	// its response.
	SendPrompt(ctx context.Context, agentID, prompt string) (string, error)

	// OnOutput registers a handler for the agent's streaming
	// output. The returned function unregisters it.
	OnOutput(agentID string, handler OutputHandler) Unsubscribe

	// IsAlive reports whether the agent's process still exists.
	IsAlive(agentID string) bool

	// Kill terminates the agent. Killing an already-dead agent is
	// not an error.
	Kill(agentID string) error
}
