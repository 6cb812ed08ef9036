// Package turn drives whose turn it is. The coordinator is a small
// state machine fed by yield notifications and turn timers; it decides
// the next speaker under the session's turn order and escalates when a
// speaker goes silent.
package turn

import (
	"strings"
	"sync"
	"time"

	"github.com/bounceproto/bounce/internal/errors"
	"github.com/bounceproto/bounce/internal/event"
	"github.com/bounceproto/bounce/internal/logging"
	"github.com/bounceproto/bounce/internal/protocol"
)

// State is the coordinator's current phase.
type State string

const (
	StateIdle            State = "idle"
	StateAgentActive     State = "agent-active"
	StateYieldReceived   State = "yield-received"
	StateNextAgent       State = "next-agent"
	StateRoundComplete   State = "round-complete"
	StateSessionComplete State = "session-complete"
	StateTimeout         State = "timeout"
	StateEscalating      State = "escalating"
	StateStuck           State = "stuck"
)

// Completion reasons published with the session-complete event.
const (
	ReasonNoAgents         = "no-agents"
	ReasonMaxRoundsReached = "max-rounds-reached"
	ReasonStopped          = "stopped"
)

// Coordinator sequences turns for one session. Events are published
// synchronously while the internal lock is held, so handlers must not
// call back into the coordinator.
type Coordinator struct {
	mu    sync.Mutex
	rules protocol.Rules
	bus   *event.Bus
	log   *logging.Logger

	state          State
	round          int
	turnsThisRound int
	activeIdx      int
	active         string
	completeReason string
	disposed       bool
	// contributed tracks which agents have spoken or yielded this
	// round; free-form rounds complete once every agent has.
	contributed map[string]bool

	timeout time.Duration
	timer   *time.Timer
	turnSeq uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout overrides the turn timeout derived from the rules.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithLogger attaches a logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// NewCoordinator builds an idle coordinator for the given rules.
func NewCoordinator(rules protocol.Rules, bus *event.Bus, opts ...Option) *Coordinator {
	c := &Coordinator{
		rules:   rules,
		bus:     bus,
		log:     logging.NopLogger(),
		state:   StateIdle,
		timeout: time.Duration(rules.TurnTimeoutSec) * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Round returns the current round, 0 before Start.
func (c *Coordinator) Round() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round
}

// ActiveAgent returns the agent whose turn it is, empty when none.
func (c *Coordinator) ActiveAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// CompleteReason returns why the session completed, empty until then.
func (c *Coordinator) CompleteReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completeReason
}

// Start begins round 1 and activates the first agent. A rules block
// with no agents completes immediately rather than erroring, so a
// malformed session still terminates cleanly.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return errors.ErrShuttingDown
	}
	if c.state != StateIdle {
		return errors.ErrDebateRunning
	}
	if len(c.rules.Agents) == 0 {
		c.completeLocked(ReasonNoAgents)
		return nil
	}

	c.round = 1
	c.turnsThisRound = 0
	c.activeIdx = 0
	c.contributed = make(map[string]bool)
	c.activateLocked(c.rules.Agents[0])
	return nil
}

// HandleYield records that author finished its turn. Under round-robin
// and supervised orders only the active agent may yield; free-form
// accepts any configured agent. actionRequested is the author's hint
// for who should speak next, honored only under supervised order.
func (c *Coordinator) HandleYield(author, actionRequested string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAgentActive && c.state != StateStuck && c.state != StateEscalating {
		return errors.ErrDebateNotRunning
	}
	if c.rules.TurnOrder == protocol.TurnFreeForm {
		if !c.rules.HasAgent(author) {
			return errors.ErrAgentUnknown
		}
		c.contributed[author] = true
		// The yielder becomes the reference point for rotation.
		for i, a := range c.rules.Agents {
			if a == author {
				c.activeIdx = i
				break
			}
		}
	} else if author != c.active {
		return errors.ErrAgentUnknown
	}

	c.stopTimerLocked()
	c.state = StateYieldReceived
	c.advanceLocked(actionRequested)
	return nil
}

// ForceAdvance skips the active agent, used by a human operator to
// unstick an escalated session.
func (c *Coordinator) ForceAdvance() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAgentActive && c.state != StateStuck && c.state != StateEscalating {
		return errors.ErrDebateNotRunning
	}
	if c.rules.TurnOrder == protocol.TurnFreeForm {
		c.contributed[c.active] = true
	}
	c.stopTimerLocked()
	c.advanceLocked("")
	return nil
}

// Stop completes the session early.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateSessionComplete || c.state == StateIdle {
		return
	}
	c.stopTimerLocked()
	c.completeLocked(ReasonStopped)
}

// Dispose stops timers and makes the coordinator unusable.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disposed = true
	c.stopTimerLocked()
	if c.state != StateSessionComplete {
		c.state = StateIdle
	}
}

// advanceLocked consumes the active agent's turn and moves to the next
// speaker or the next round. Free-form rounds complete once every agent
// has contributed or yielded; supervised rounds complete when the
// request names no agent; round-robin completes on the turn budget.
func (c *Coordinator) advanceLocked(actionRequested string) {
	c.turnsThisRound++

	if c.rules.TurnOrder == protocol.TurnFreeForm {
		if len(c.contributed) >= len(c.rules.Agents) {
			c.completeRoundLocked()
			return
		}
		c.state = StateNextAgent
		c.activateLocked(c.nextRotationLocked())
		return
	}

	maxTurns := c.rules.MaxTurnsPerRound
	if maxTurns < 1 {
		maxTurns = 1
	}
	if c.turnsThisRound >= len(c.rules.Agents)*maxTurns {
		c.completeRoundLocked()
		return
	}

	if c.rules.TurnOrder == protocol.TurnSupervised {
		next, ok := c.matchRequestLocked(actionRequested)
		if !ok {
			c.completeRoundLocked()
			return
		}
		c.state = StateNextAgent
		c.activateLocked(next)
		return
	}

	c.state = StateNextAgent
	c.activateLocked(c.nextRotationLocked())
}

// matchRequestLocked resolves a supervised action request to an agent.
// First name mentioned in the request wins, in rules order.
func (c *Coordinator) matchRequestLocked(actionRequested string) (string, bool) {
	if actionRequested == "" {
		return "", false
	}
	req := strings.ToLower(actionRequested)
	for i, a := range c.rules.Agents {
		if strings.Contains(req, strings.ToLower(a)) {
			c.activeIdx = i
			return a, true
		}
	}
	return "", false
}

func (c *Coordinator) nextRotationLocked() string {
	c.activeIdx = (c.activeIdx + 1) % len(c.rules.Agents)
	return c.rules.Agents[c.activeIdx]
}

func (c *Coordinator) completeRoundLocked() {
	c.state = StateRoundComplete

	if c.round >= c.rules.MaxRounds {
		c.completeLocked(ReasonMaxRoundsReached)
		return
	}

	c.round++
	c.turnsThisRound = 0
	c.activeIdx = 0
	c.contributed = make(map[string]bool)
	c.activateLocked(c.rules.Agents[0])
}

func (c *Coordinator) activateLocked(agent string) {
	c.active = agent
	c.state = StateAgentActive
	c.log.WithAgent(agent).WithRound(c.round).Debug("turn activated")
	c.bus.Publish(event.NewTurnActivatedEvent(agent, c.round))
	c.armTimerLocked()
}

func (c *Coordinator) completeLocked(reason string) {
	c.state = StateSessionComplete
	c.active = ""
	c.completeReason = reason
	c.log.Info("session complete", "reason", reason, "rounds", c.round)
	c.bus.Publish(event.NewSessionCompleteEvent(reason, c.round))
}

func (c *Coordinator) armTimerLocked() {
	c.stopTimerLocked()
	if c.timeout <= 0 {
		return
	}
	c.turnSeq++
	seq := c.turnSeq
	c.timer = time.AfterFunc(c.timeout, func() { c.onTimeout(seq) })
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.turnSeq++
}

// onTimeout fires when the active agent never yields. The sequence
// check drops stale timers that lost the race with a yield.
func (c *Coordinator) onTimeout(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq != c.turnSeq || c.state != StateAgentActive || c.disposed {
		return
	}

	c.state = StateTimeout
	c.log.WithAgent(c.active).WithRound(c.round).Warn("turn timeout",
		"escalation", string(c.rules.Escalation))
	c.bus.Publish(event.NewTurnTimeoutEvent(c.active, c.round, string(c.rules.Escalation)))

	switch c.rules.Escalation {
	case protocol.EscalateHuman:
		// Rests here until a human calls ForceAdvance (or the agent
		// finally yields).
		c.state = StateEscalating
	case protocol.EscalateDefaultAction, protocol.EscalateTimeoutSkip:
		c.state = StateEscalating
		if c.rules.TurnOrder == protocol.TurnFreeForm {
			c.contributed[c.active] = true
		}
		c.advanceLocked("")
	default:
		c.state = StateStuck
	}
}
