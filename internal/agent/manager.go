package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bounceproto/bounce/internal/errors"
	"github.com/bounceproto/bounce/internal/event"
	"github.com/bounceproto/bounce/internal/logging"
)

// ManagerConfig tunes the agent manager.
type ManagerConfig struct {
	// MaxConcurrent caps the number of simultaneously running
	// agents across all adapters.
	MaxConcurrent int
	// FailureThreshold is how many consecutive adapter failures
	// trip that adapter's circuit breaker.
	FailureThreshold int
	// Cooldown is how long a tripped breaker refuses requests
	// before admitting a probe.
	Cooldown time.Duration
	// MaxRestartAttempts bounds crash restarts per agent.
	MaxRestartAttempts int
	// RestartBaseDelay is doubled per prior restart of the agent.
	RestartBaseDelay time.Duration
}

// DefaultManagerConfig returns the stock limits.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConcurrent:      4,
		FailureThreshold:   3,
		Cooldown:           30 * time.Second,
		MaxRestartAttempts: 3,
		RestartBaseDelay:   time.Second,
	}
}

// shutdownGrace is how long Shutdown waits for agents to die before
// force-killing them.
const shutdownGrace = 5 * time.Second

type managed struct {
	proc    *Process
	adapter Adapter
	args    []string
}

// Manager owns every spawned agent. All mutation goes through its
// methods; the event bus carries lifecycle notifications out.
type Manager struct {
	mu       sync.Mutex
	cfg      ManagerConfig
	bus      *event.Bus
	log      *logging.Logger
	adapters map[string]Adapter
	breakers map[string]*circuitBreaker
	agents   map[string]*managed
	shutdown bool

	sleep func(time.Duration)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger attaches a logger.
func WithManagerLogger(log *logging.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// withSleep replaces the restart backoff sleep, for tests.
func withSleep(f func(time.Duration)) ManagerOption {
	return func(m *Manager) { m.sleep = f }
}

// NewManager builds a Manager with no registered adapters.
func NewManager(cfg ManagerConfig, bus *event.Bus, opts ...ManagerOption) *Manager {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultManagerConfig().MaxConcurrent
	}
	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		log:      logging.NopLogger(),
		adapters: make(map[string]Adapter),
		breakers: make(map[string]*circuitBreaker),
		agents:   make(map[string]*managed),
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterAdapter makes an adapter available for spawning.
func (m *Manager) RegisterAdapter(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = a
	m.breakers[a.Name()] = newCircuitBreaker(m.cfg.FailureThreshold, m.cfg.Cooldown)
}

// Spawn starts a new agent through the named adapter. It refuses when
// the manager is shutting down, the adapter's circuit is open, or the
// concurrency ceiling is reached.
func (m *Manager) Spawn(ctx context.Context, adapterName, agentID string, args []string) (*Process, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, errors.ErrShuttingDown
	}
	adapter, ok := m.adapters[adapterName]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("adapter %q: %w", adapterName, errors.ErrAdapterUnavailable)
	}
	breaker := m.breakers[adapterName]
	if _, exists := m.agents[agentID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("agent %q already running", agentID)
	}
	if m.runningCountLocked() >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return nil, fmt.Errorf("ceiling %d: %w", m.cfg.MaxConcurrent, errors.ErrConcurrencyLimit)
	}
	m.mu.Unlock()

	if !breaker.AllowRequest() {
		return nil, fmt.Errorf("adapter %q: %w", adapterName, errors.ErrCircuitOpen)
	}
	if !adapter.IsAvailable(ctx) {
		breaker.RecordFailure()
		return nil, fmt.Errorf("adapter %q: %w", adapterName, errors.ErrAdapterUnavailable)
	}

	proc, err := adapter.Spawn(ctx, agentID, args)
	if err != nil {
		breaker.RecordFailure()
		return nil, fmt.Errorf("spawn %q: %w", agentID, err)
	}
	breaker.RecordSuccess()
	proc.health = HealthHealthy
	proc.running = true

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		_ = adapter.Kill(agentID)
		return nil, errors.ErrShuttingDown
	}
	// The lock was dropped across the adapter call; a concurrent Spawn
	// may have taken the last slot or the same id in the meantime.
	if _, exists := m.agents[agentID]; exists {
		m.mu.Unlock()
		_ = adapter.Kill(agentID)
		return nil, fmt.Errorf("agent %q already running", agentID)
	}
	if m.runningCountLocked() >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		_ = adapter.Kill(agentID)
		return nil, fmt.Errorf("ceiling %d: %w", m.cfg.MaxConcurrent, errors.ErrConcurrencyLimit)
	}
	m.agents[agentID] = &managed{proc: proc, adapter: adapter, args: args}
	m.mu.Unlock()

	m.log.WithAgent(agentID).Info("agent spawned", "adapter", adapterName, "pid", proc.PID)
	m.bus.Publish(event.NewAgentSpawnedEvent(agentID, adapterName, proc.PID))
	return proc, nil
}

// SendPrompt forwards a prompt to a running agent. Failures count
// against the adapter's circuit breaker.
func (m *Manager) SendPrompt(ctx context.Context, agentID, prompt string) (string, error) {
	m.mu.Lock()
	ma, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("agent %q: %w", agentID, errors.ErrAgentNotFound)
	}

	breaker := m.breakerFor(ma.adapter.Name())
	if !breaker.AllowRequest() {
		return "", fmt.Errorf("adapter %q: %w", ma.adapter.Name(), errors.ErrCircuitOpen)
	}

	resp, err := ma.adapter.SendPrompt(ctx, agentID, prompt)
	if err != nil {
		breaker.RecordFailure()
		m.mu.Lock()
		ma.proc.failures++
		ma.proc.lastError = err
		m.mu.Unlock()
		return "", fmt.Errorf("prompt %q: %w", agentID, err)
	}
	breaker.RecordSuccess()
	return resp, nil
}

// OnOutput attaches an output handler to an agent and republishes its
// output on the event bus.
func (m *Manager) OnOutput(agentID string) (Unsubscribe, error) {
	m.mu.Lock()
	ma, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", agentID, errors.ErrAgentNotFound)
	}
	return ma.adapter.OnOutput(agentID, func(id, output string) {
		m.bus.Publish(event.NewAgentOutputEvent(id, output))
	}), nil
}

// Get returns a managed agent's process handle.
func (m *Manager) Get(agentID string) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ma, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	return ma.proc, true
}

// List returns process handles for all managed agents.
func (m *Manager) List() []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	procs := make([]*Process, 0, len(m.agents))
	for _, ma := range m.agents {
		procs = append(procs, ma.proc)
	}
	return procs
}

// Kill terminates one agent and removes it from management.
func (m *Manager) Kill(agentID, reason string) error {
	m.mu.Lock()
	ma, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q: %w", agentID, errors.ErrAgentNotFound)
	}

	err := ma.adapter.Kill(agentID)
	ma.proc.running = false
	m.bus.Publish(event.NewAgentStoppedEvent(agentID, reason))
	return err
}

// CheckHealth runs one synchronous health pass over every agent:
// liveness probe, crash detection, restart with exponential backoff,
// and removal once restarts are exhausted.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.checkAgent(ctx, id)
	}
}

func (m *Manager) checkAgent(ctx context.Context, agentID string) {
	m.mu.Lock()
	ma, ok := m.agents[agentID]
	if !ok || m.shutdown {
		m.mu.Unlock()
		return
	}
	adapter := ma.adapter
	prevHealth := ma.proc.health
	m.mu.Unlock()

	if adapter.IsAlive(agentID) {
		breakerHealth := m.breakerFor(adapter.Name()).HealthLabel()
		m.setHealth(ma, prevHealth, breakerHealth)
		return
	}

	// Crash path.
	m.setHealth(ma, prevHealth, HealthUnhealthy)
	m.log.WithAgent(agentID).Warn("agent crashed", "adapter", adapter.Name())
	m.bus.Publish(event.NewAgentCrashedEvent(agentID, adapter.Name()))

	m.mu.Lock()
	restarts := ma.proc.restartCount
	args := ma.args
	m.mu.Unlock()

	if restarts >= m.cfg.MaxRestartAttempts {
		m.mu.Lock()
		ma.proc.running = false
		ma.proc.lastError = errors.New("Max restart attempts exceeded")
		delete(m.agents, agentID)
		m.mu.Unlock()
		m.bus.Publish(event.NewAgentStoppedEvent(agentID, "Max restart attempts exceeded"))
		return
	}

	delay := m.cfg.RestartBaseDelay
	for i := 0; i < restarts; i++ {
		delay *= 2
	}
	m.sleep(delay)

	// Reap the dead session first: adapters refuse to spawn an id they
	// still hold.
	_ = adapter.Kill(agentID)
	proc, err := adapter.Spawn(ctx, agentID, args)
	m.mu.Lock()
	ma.proc.restartCount = restarts + 1
	if err != nil {
		ma.proc.failures++
		ma.proc.lastError = err
		ma.proc.running = false
		m.mu.Unlock()
		return
	}
	proc.restartCount = restarts + 1
	proc.health = HealthHealthy
	proc.running = true
	ma.proc = proc
	m.mu.Unlock()

	m.bus.Publish(event.NewAgentRestartedEvent(agentID, restarts+1))
	m.bus.Publish(event.NewAgentHealthChangedEvent(agentID, string(HealthUnhealthy), string(HealthHealthy)))
}

// StartHealthLoop polls CheckHealth until ctx is canceled.
func (m *Manager) StartHealthLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckHealth(ctx)
			}
		}
	}()
}

// Shutdown kills every agent, waits up to the grace period for them to
// die, then force-kills stragglers. Further spawns are refused.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	remaining := make(map[string]*managed, len(m.agents))
	for id, ma := range m.agents {
		remaining[id] = ma
	}
	m.agents = make(map[string]*managed)
	m.mu.Unlock()

	for id, ma := range remaining {
		_ = ma.adapter.Kill(id)
	}

	deadline := time.Now().Add(shutdownGrace)
	for time.Now().Before(deadline) {
		alive := false
		for id, ma := range remaining {
			if ma.adapter.IsAlive(id) {
				alive = true
				break
			}
		}
		if !alive {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Canceled(ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}

	for id, ma := range remaining {
		if ma.adapter.IsAlive(id) {
			_ = ma.adapter.Kill(id)
		}
		ma.proc.running = false
		m.bus.Publish(event.NewAgentStoppedEvent(id, "shutdown"))
	}
	m.log.Info("agent manager shut down", "agents", len(remaining))
	return nil
}

func (m *Manager) breakerFor(name string) *circuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[name]
	if !ok {
		cb = newCircuitBreaker(m.cfg.FailureThreshold, m.cfg.Cooldown)
		m.breakers[name] = cb
	}
	return cb
}

func (m *Manager) runningCountLocked() int {
	n := 0
	for _, ma := range m.agents {
		if ma.proc.running {
			n++
		}
	}
	return n
}

func (m *Manager) setHealth(ma *managed, prev, next Health) {
	if prev == next {
		return
	}
	m.mu.Lock()
	ma.proc.health = next
	m.mu.Unlock()
	m.bus.Publish(event.NewAgentHealthChangedEvent(ma.proc.ID, string(prev), string(next)))
}
