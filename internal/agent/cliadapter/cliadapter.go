// Package cliadapter runs AI agents as local CLI subprocesses. Each
// agent is one long-lived process; prompts go in on stdin and the
// response is collected from stdout until the stream goes quiet.
package cliadapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bounceproto/bounce/internal/agent"
	"github.com/bounceproto/bounce/internal/errors"
)

// Config describes the CLI tool the adapter drives.
type Config struct {
	// Name identifies the adapter, e.g. "claude-cli".
	Name string
	// Command is the binary to run.
	Command string
	// Args are passed to every spawned process before any
	// per-agent args.
	Args []string
	// ResponseIdle is the quiet period on stdout that ends a
	// response. Zero means 500ms.
	ResponseIdle time.Duration
	// FirstByteTimeout bounds the wait for the first response
	// line. Zero means 120s.
	FirstByteTimeout time.Duration
}

type session struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string

	mu    sync.Mutex
	alive bool
}

type handlerEntry struct {
	id uint64
	fn agent.OutputHandler
}

// CLIAdapter implements agent.Adapter over local subprocesses.
type CLIAdapter struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session
	handlers map[string][]handlerEntry
	nextID   uint64
}

// New builds a CLIAdapter for the given tool.
func New(cfg Config) *CLIAdapter {
	if cfg.ResponseIdle <= 0 {
		cfg.ResponseIdle = 500 * time.Millisecond
	}
	if cfg.FirstByteTimeout <= 0 {
		cfg.FirstByteTimeout = 120 * time.Second
	}
	return &CLIAdapter{
		cfg:      cfg,
		sessions: make(map[string]*session),
		handlers: make(map[string][]handlerEntry),
	}
}

// Name returns the configured adapter name.
func (a *CLIAdapter) Name() string { return a.cfg.Name }

// IsAvailable reports whether the backing binary is on PATH.
func (a *CLIAdapter) IsAvailable(_ context.Context) bool {
	_, err := exec.LookPath(a.cfg.Command)
	return err == nil
}

// Spawn starts the CLI process for one agent.
func (a *CLIAdapter) Spawn(_ context.Context, agentID string, args []string) (*agent.Process, error) {
	a.mu.Lock()
	if s, exists := a.sessions[agentID]; exists {
		s.mu.Lock()
		alive := s.alive
		s.mu.Unlock()
		if alive {
			a.mu.Unlock()
			return nil, fmt.Errorf("agent %q already spawned", agentID)
		}
		// A dead session is reaped so a crashed agent can respawn
		// under the same id.
		delete(a.sessions, agentID)
	}
	a.mu.Unlock()

	cmd := exec.Command(a.cfg.Command, append(append([]string{}, a.cfg.Args...), args...)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", a.cfg.Command, err)
	}

	s := &session{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 256),
		alive: true,
	}
	a.mu.Lock()
	a.sessions[agentID] = s
	a.mu.Unlock()

	go a.readOutput(agentID, s, stdout)
	go func() {
		_ = cmd.Wait()
		s.mu.Lock()
		s.alive = false
		s.mu.Unlock()
	}()

	return &agent.Process{
		ID:      agentID,
		Adapter: a.cfg.Name,
		PID:     cmd.Process.Pid,
		Started: time.Now(),
	}, nil
}

func (a *CLIAdapter) readOutput(agentID string, s *session, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		a.dispatch(agentID, line)
		select {
		case s.lines <- line:
		default:
			// A slow prompt reader loses oldest lines rather
			// than stalling the process's stdout.
			select {
			case <-s.lines:
			default:
			}
			select {
			case s.lines <- line:
			default:
			}
		}
	}
	close(s.lines)
}

func (a *CLIAdapter) dispatch(agentID, line string) {
	a.mu.Lock()
	entries := make([]handlerEntry, len(a.handlers[agentID]))
	copy(entries, a.handlers[agentID])
	a.mu.Unlock()
	for _, h := range entries {
		h.fn(agentID, line)
	}
}

// SendPrompt writes the prompt to the agent's stdin and returns the
// lines that arrive on stdout until the stream is quiet.
func (a *CLIAdapter) SendPrompt(ctx context.Context, agentID, prompt string) (string, error) {
	a.mu.Lock()
	s, ok := a.sessions[agentID]
	a.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("agent %q: %w", agentID, errors.ErrAgentNotFound)
	}

	if _, err := io.WriteString(s.stdin, prompt+"\n"); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}

	var b strings.Builder
	first := time.NewTimer(a.cfg.FirstByteTimeout)
	defer first.Stop()

	select {
	case <-ctx.Done():
		return "", errors.Canceled(ctx.Err())
	case <-first.C:
		return "", fmt.Errorf("agent %q first byte: %w", agentID, errors.ErrTimeout)
	case line, open := <-s.lines:
		if !open {
			return "", fmt.Errorf("agent %q exited before responding", agentID)
		}
		b.WriteString(line)
	}

	for {
		idle := time.NewTimer(a.cfg.ResponseIdle)
		select {
		case <-ctx.Done():
			idle.Stop()
			return b.String(), errors.Canceled(ctx.Err())
		case <-idle.C:
			return b.String(), nil
		case line, open := <-s.lines:
			idle.Stop()
			if !open {
				return b.String(), nil
			}
			b.WriteString("\n")
			b.WriteString(line)
		}
	}
}

// OnOutput registers a streaming output handler for one agent.
func (a *CLIAdapter) OnOutput(agentID string, handler agent.OutputHandler) agent.Unsubscribe {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	id := a.nextID
	a.handlers[agentID] = append(a.handlers[agentID], handlerEntry{id: id, fn: handler})

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		entries := a.handlers[agentID]
		for i, h := range entries {
			if h.id == id {
				a.handlers[agentID] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// IsAlive reports whether the agent's process is still running.
func (a *CLIAdapter) IsAlive(agentID string) bool {
	a.mu.Lock()
	s, ok := a.sessions[agentID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// Kill terminates the agent's process. Killing a dead or unknown agent
// is a no-op.
func (a *CLIAdapter) Kill(agentID string) error {
	a.mu.Lock()
	s, ok := a.sessions[agentID]
	delete(a.sessions, agentID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	_ = s.stdin.Close()
	s.mu.Lock()
	alive := s.alive
	s.mu.Unlock()
	if alive && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return nil
}
