package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bounceproto/bounce/internal/errors"
	"github.com/bounceproto/bounce/internal/event"
)

// fakeAdapter is an in-memory Adapter for manager tests. strict mode
// mimics session-holding adapters: Spawn refuses an id it still holds
// until Kill reaps it.
type fakeAdapter struct {
	name string

	mu          sync.Mutex
	unavailable bool
	spawnErr    error
	spawnDelay  time.Duration
	strict      bool
	promptErr   error
	promptResp  string
	alive       map[string]bool
	held        map[string]bool
	spawnCalls  int
	promptCalls int
	nextPID     int
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:       name,
		alive:      make(map[string]bool),
		held:       make(map[string]bool),
		promptResp: "ok",
	}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) IsAvailable(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unavailable
}

func (f *fakeAdapter) Spawn(_ context.Context, agentID string, _ []string) (*Process, error) {
	f.mu.Lock()
	f.spawnCalls++
	if f.spawnErr != nil {
		f.mu.Unlock()
		return nil, f.spawnErr
	}
	if f.strict && f.held[agentID] {
		f.mu.Unlock()
		return nil, fmt.Errorf("agent %q already spawned", agentID)
	}
	delay := f.spawnDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.alive[agentID] = true
	f.held[agentID] = true
	return &Process{ID: agentID, Adapter: f.name, PID: f.nextPID, Started: time.Now()}, nil
}

func (f *fakeAdapter) SendPrompt(_ context.Context, agentID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promptCalls++
	if f.promptErr != nil {
		return "", f.promptErr
	}
	return f.promptResp, nil
}

func (f *fakeAdapter) OnOutput(string, OutputHandler) Unsubscribe {
	return func() {}
}

func (f *fakeAdapter) IsAlive(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[agentID]
}

func (f *fakeAdapter) Kill(agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[agentID] = false
	delete(f.held, agentID)
	return nil
}

func (f *fakeAdapter) crash(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[agentID] = false
}

func testManager(t *testing.T, cfg ManagerConfig, opts ...ManagerOption) (*Manager, *fakeAdapter, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	m := NewManager(cfg, bus, opts...)
	fa := newFakeAdapter("fake")
	m.RegisterAdapter(fa)
	return m, fa, bus
}

func TestSpawnEnforcesConcurrencyCeiling(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MaxConcurrent = 3
	m, _, _ := testManager(t, cfg)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := m.Spawn(ctx, "fake", fmt.Sprintf("a%d", i), nil); err != nil {
			t.Fatalf("spawn %d error: %v", i, err)
		}
	}

	_, err := m.Spawn(ctx, "fake", "a4", nil)
	if !errors.Is(err, errors.ErrConcurrencyLimit) {
		t.Errorf("fourth spawn error = %v, want ErrConcurrencyLimit", err)
	}

	// Killing one frees a slot.
	if err := m.Kill("a1", "test"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Spawn(ctx, "fake", "a4", nil); err != nil {
		t.Errorf("spawn after kill error: %v", err)
	}
}

func TestConcurrentSpawnsRespectCeiling(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MaxConcurrent = 1
	m, fa, _ := testManager(t, cfg)

	// A slow adapter keeps both spawns in flight past the first
	// ceiling check; only one may be admitted.
	fa.mu.Lock()
	fa.spawnDelay = 20 * time.Millisecond
	fa.mu.Unlock()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Spawn(ctx, "fake", fmt.Sprintf("a%d", i), nil)
		}(i)
	}
	wg.Wait()

	var ok, limited int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errors.ErrConcurrencyLimit):
			limited++
		default:
			t.Fatalf("unexpected spawn error: %v", err)
		}
	}
	if ok != 1 || limited != 1 {
		t.Fatalf("errs = %v, want one success and one ErrConcurrencyLimit", errs)
	}
	if got := len(m.List()); got != 1 {
		t.Errorf("managed agents = %d, want 1", got)
	}

	// The losing spawn's process must be killed, not leaked.
	alive := 0
	for i := range errs {
		if fa.IsAlive(fmt.Sprintf("a%d", i)) {
			alive++
		}
	}
	if alive != 1 {
		t.Errorf("alive processes = %d, want 1", alive)
	}
}

func TestCrashRestartReapsAdapterSession(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MaxRestartAttempts = 2
	cfg.RestartBaseDelay = time.Millisecond
	m, fa, bus := testManager(t, cfg, withSleep(func(time.Duration) {}))
	ctx := context.Background()

	// Session-holding adapters refuse to spawn an id they still hold;
	// the restart path must reap the dead session first.
	fa.mu.Lock()
	fa.strict = true
	fa.mu.Unlock()

	var restarts []event.AgentRestartedEvent
	bus.Subscribe("agent.restarted", func(e event.Event) {
		restarts = append(restarts, e.(event.AgentRestartedEvent))
	})

	if _, err := m.Spawn(ctx, "fake", "a1", nil); err != nil {
		t.Fatal(err)
	}

	fa.crash("a1")
	m.CheckHealth(ctx)

	if len(restarts) != 1 {
		t.Fatalf("restarts = %+v, want one successful restart", restarts)
	}
	p, ok := m.Get("a1")
	if !ok {
		t.Fatal("agent should still be managed after restart")
	}
	if !p.Running() || p.RestartCount() != 1 {
		t.Errorf("process running=%v restarts=%d, want running with 1 restart", p.Running(), p.RestartCount())
	}
}

func TestSpawnUnknownAdapter(t *testing.T) {
	m, _, _ := testManager(t, DefaultManagerConfig())
	_, err := m.Spawn(context.Background(), "nope", "a1", nil)
	if !errors.Is(err, errors.ErrAdapterUnavailable) {
		t.Errorf("error = %v, want ErrAdapterUnavailable", err)
	}
}

func TestPromptFailuresTripCircuit(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.FailureThreshold = 2
	m, fa, _ := testManager(t, cfg)
	ctx := context.Background()

	if _, err := m.Spawn(ctx, "fake", "a1", nil); err != nil {
		t.Fatal(err)
	}

	fa.mu.Lock()
	fa.promptErr = fmt.Errorf("model overloaded")
	fa.mu.Unlock()

	for i := 0; i < 2; i++ {
		if _, err := m.SendPrompt(ctx, "a1", "hi"); err == nil {
			t.Fatal("expected prompt failure")
		}
	}
	callsBefore := fa.promptCalls

	_, err := m.SendPrompt(ctx, "a1", "hi")
	if !errors.Is(err, errors.ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
	if fa.promptCalls != callsBefore {
		t.Error("open circuit must not reach the adapter")
	}
}

func TestCrashRestartBackoffAndRemoval(t *testing.T) {
	var slept []time.Duration
	cfg := DefaultManagerConfig()
	cfg.MaxRestartAttempts = 2
	cfg.RestartBaseDelay = 10 * time.Millisecond
	m, fa, bus := testManager(t, cfg, withSleep(func(d time.Duration) {
		slept = append(slept, d)
	}))
	ctx := context.Background()

	var stopped []event.AgentStoppedEvent
	var restarts []event.AgentRestartedEvent
	bus.Subscribe("agent.stopped", func(e event.Event) {
		stopped = append(stopped, e.(event.AgentStoppedEvent))
	})
	bus.Subscribe("agent.restarted", func(e event.Event) {
		restarts = append(restarts, e.(event.AgentRestartedEvent))
	})

	if _, err := m.Spawn(ctx, "fake", "a1", nil); err != nil {
		t.Fatal(err)
	}

	// First crash: restarted after the base delay.
	fa.crash("a1")
	m.CheckHealth(ctx)
	if len(slept) != 1 || slept[0] != 10*time.Millisecond {
		t.Fatalf("slept = %v, want [10ms]", slept)
	}
	if len(restarts) != 1 || restarts[0].Attempt != 1 {
		t.Fatalf("restarts = %+v", restarts)
	}

	// Second crash: delay doubles.
	fa.crash("a1")
	m.CheckHealth(ctx)
	if len(slept) != 2 || slept[1] != 20*time.Millisecond {
		t.Fatalf("slept = %v, want second delay 20ms", slept)
	}

	// Third crash exhausts the restart budget.
	p, ok := m.Get("a1")
	if !ok {
		t.Fatal("agent should still be managed")
	}
	fa.crash("a1")
	m.CheckHealth(ctx)

	if _, ok := m.Get("a1"); ok {
		t.Error("agent should be removed after exhausting restarts")
	}
	if p.LastError() == nil || p.LastError().Error() != "Max restart attempts exceeded" {
		t.Errorf("LastError = %v", p.LastError())
	}
	if len(stopped) != 1 || stopped[0].Reason != "Max restart attempts exceeded" {
		t.Errorf("stopped = %+v", stopped)
	}
	if len(slept) != 2 {
		t.Errorf("removal pass should not sleep, slept = %v", slept)
	}
}

func TestShutdownKillsAllAndRejectsSpawns(t *testing.T) {
	m, fa, bus := testManager(t, DefaultManagerConfig())
	ctx := context.Background()

	var stopped []event.AgentStoppedEvent
	bus.Subscribe("agent.stopped", func(e event.Event) {
		stopped = append(stopped, e.(event.AgentStoppedEvent))
	})

	for i := 1; i <= 3; i++ {
		if _, err := m.Spawn(ctx, "fake", fmt.Sprintf("a%d", i), nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if len(stopped) != 3 {
		t.Errorf("got %d stopped events, want 3", len(stopped))
	}
	for _, e := range stopped {
		if e.Reason != "shutdown" {
			t.Errorf("stop reason = %q, want shutdown", e.Reason)
		}
	}
	for i := 1; i <= 3; i++ {
		if fa.IsAlive(fmt.Sprintf("a%d", i)) {
			t.Errorf("agent a%d still alive after shutdown", i)
		}
	}

	if _, err := m.Spawn(ctx, "fake", "late", nil); !errors.Is(err, errors.ErrShuttingDown) {
		t.Errorf("post-shutdown spawn error = %v, want ErrShuttingDown", err)
	}
}

func TestSpawnEmitsEvent(t *testing.T) {
	m, _, bus := testManager(t, DefaultManagerConfig())

	var spawned []event.AgentSpawnedEvent
	bus.Subscribe("agent.spawned", func(e event.Event) {
		spawned = append(spawned, e.(event.AgentSpawnedEvent))
	})

	p, err := m.Spawn(context.Background(), "fake", "a1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Health() != HealthHealthy || !p.Running() {
		t.Errorf("process = %+v", p)
	}
	if len(spawned) != 1 || spawned[0].AgentID != "a1" {
		t.Errorf("spawned = %+v", spawned)
	}
}

func TestUnavailableAdapterCountsAsFailure(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.FailureThreshold = 1
	m, fa, _ := testManager(t, cfg)
	ctx := context.Background()

	fa.mu.Lock()
	fa.unavailable = true
	fa.mu.Unlock()

	if _, err := m.Spawn(ctx, "fake", "a1", nil); !errors.Is(err, errors.ErrAdapterUnavailable) {
		t.Fatalf("error = %v, want ErrAdapterUnavailable", err)
	}

	// The breaker tripped on the availability failure.
	fa.mu.Lock()
	fa.unavailable = false
	fa.mu.Unlock()
	if _, err := m.Spawn(ctx, "fake", "a1", nil); !errors.Is(err, errors.ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
}
