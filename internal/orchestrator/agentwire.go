package orchestrator

import (
	"context"
	"fmt"

	"github.com/bounceproto/bounce/internal/agent"
)

// AgentTransport backs the orchestrator's Transport with CLI agents
// managed by an agent.Manager. Each model id maps to a managed agent of
// the same id; missing agents are spawned on first use through the
// configured adapter.
type AgentTransport struct {
	mgr     *agent.Manager
	adapter string
	// SpawnArgs are passed to every agent spawned on demand.
	SpawnArgs []string
}

// NewAgentTransport wires a manager and adapter name into a Transport.
func NewAgentTransport(mgr *agent.Manager, adapterName string) *AgentTransport {
	return &AgentTransport{mgr: mgr, adapter: adapterName}
}

// SendMessage implements Transport.
func (t *AgentTransport) SendMessage(ctx context.Context, modelID, systemPrompt, userMessage string) (string, error) {
	if _, ok := t.mgr.Get(modelID); !ok {
		if _, err := t.mgr.Spawn(ctx, t.adapter, modelID, t.SpawnArgs); err != nil {
			return "", fmt.Errorf("spawn for transport: %w", err)
		}
	}

	prompt := userMessage
	if systemPrompt != "" {
		prompt = systemPrompt + "\n\n" + userMessage
	}
	return t.mgr.SendPrompt(ctx, modelID, prompt)
}
