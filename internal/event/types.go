// Package event defines the event bus and event types that decouple the
// Bounce orchestrator, turn coordinator, and agent manager from their
// observers. Subscribers are notified synchronously on publish.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "bounce.started", "agent.crashed").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Bounce Debate Events
// -----------------------------------------------------------------------------

// BounceStartedEvent is emitted when a debate begins.
type BounceStartedEvent struct {
	baseEvent
	Topic        string   // Debate topic
	Participants []string // Participant model IDs at start
}

// NewBounceStartedEvent creates a BounceStartedEvent.
func NewBounceStartedEvent(topic string, participants []string) BounceStartedEvent {
	return BounceStartedEvent{
		baseEvent:    newBaseEvent("bounce.started"),
		Topic:        topic,
		Participants: participants,
	}
}

// RoundStartedEvent is emitted at the beginning of each debate round.
type RoundStartedEvent struct {
	baseEvent
	Round int // 1-based round number
}

// NewRoundStartedEvent creates a RoundStartedEvent.
func NewRoundStartedEvent(round int) RoundStartedEvent {
	return RoundStartedEvent{
		baseEvent: newBaseEvent("round.started"),
		Round:     round,
	}
}

// ParticipantThinkingEvent is emitted when a participant call is issued.
type ParticipantThinkingEvent struct {
	baseEvent
	Participant string
	Round       int
}

// NewParticipantThinkingEvent creates a ParticipantThinkingEvent.
func NewParticipantThinkingEvent(participant string, round int) ParticipantThinkingEvent {
	return ParticipantThinkingEvent{
		baseEvent:   newBaseEvent("participant.thinking"),
		Participant: participant,
		Round:       round,
	}
}

// ParticipantRespondedEvent is emitted when a participant's response is
// recorded for a round (including empty "no response" records).
type ParticipantRespondedEvent struct {
	baseEvent
	Participant string
	Round       int
	Stance      string // Parsed stance (empty for no response)
	Confidence  float64
}

// NewParticipantRespondedEvent creates a ParticipantRespondedEvent.
func NewParticipantRespondedEvent(participant string, round int, stance string, confidence float64) ParticipantRespondedEvent {
	return ParticipantRespondedEvent{
		baseEvent:   newBaseEvent("participant.responded"),
		Participant: participant,
		Round:       round,
		Stance:      stance,
		Confidence:  confidence,
	}
}

// RoundCompleteEvent is emitted after all participants have responded.
type RoundCompleteEvent struct {
	baseEvent
	Round     int
	Responses int // Number of non-empty responses
}

// NewRoundCompleteEvent creates a RoundCompleteEvent.
func NewRoundCompleteEvent(round, responses int) RoundCompleteEvent {
	return RoundCompleteEvent{
		baseEvent: newBaseEvent("round.complete"),
		Round:     round,
		Responses: responses,
	}
}

// ConsensusUpdatedEvent is emitted after each round's consensus analysis.
type ConsensusUpdatedEvent struct {
	baseEvent
	Round          int
	Score          float64
	Reached        bool
	Recommendation string
}

// NewConsensusUpdatedEvent creates a ConsensusUpdatedEvent.
func NewConsensusUpdatedEvent(round int, score float64, reached bool, recommendation string) ConsensusUpdatedEvent {
	return ConsensusUpdatedEvent{
		baseEvent:      newBaseEvent("consensus.updated"),
		Round:          round,
		Score:          score,
		Reached:        reached,
		Recommendation: recommendation,
	}
}

// UserInterjectionRequestedEvent is emitted when the orchestrator parks
// in waiting_user between rounds.
type UserInterjectionRequestedEvent struct {
	baseEvent
	Round int
}

// NewUserInterjectionRequestedEvent creates a UserInterjectionRequestedEvent.
func NewUserInterjectionRequestedEvent(round int) UserInterjectionRequestedEvent {
	return UserInterjectionRequestedEvent{
		baseEvent: newBaseEvent("user.interjection_requested"),
		Round:     round,
	}
}

// UserInterjectedEvent is emitted when the user injects a message.
type UserInterjectedEvent struct {
	baseEvent
	Message string
}

// NewUserInterjectedEvent creates a UserInterjectedEvent.
func NewUserInterjectedEvent(message string) UserInterjectedEvent {
	return UserInterjectedEvent{
		baseEvent: newBaseEvent("user.interjected"),
		Message:   message,
	}
}

// JudgingStartedEvent is emitted when judge synthesis begins.
type JudgingStartedEvent struct {
	baseEvent
	JudgeModel string
	Rounds     int
}

// NewJudgingStartedEvent creates a JudgingStartedEvent.
func NewJudgingStartedEvent(judgeModel string, rounds int) JudgingStartedEvent {
	return JudgingStartedEvent{
		baseEvent:  newBaseEvent("judging.started"),
		JudgeModel: judgeModel,
		Rounds:     rounds,
	}
}

// BouncePausedEvent is emitted when a debate is paused.
type BouncePausedEvent struct {
	baseEvent
	Round int
}

// NewBouncePausedEvent creates a BouncePausedEvent.
func NewBouncePausedEvent(round int) BouncePausedEvent {
	return BouncePausedEvent{
		baseEvent: newBaseEvent("bounce.paused"),
		Round:     round,
	}
}

// BounceResumedEvent is emitted when a paused debate resumes.
type BounceResumedEvent struct {
	baseEvent
	Round int
}

// NewBounceResumedEvent creates a BounceResumedEvent.
func NewBounceResumedEvent(round int) BounceResumedEvent {
	return BounceResumedEvent{
		baseEvent: newBaseEvent("bounce.resumed"),
		Round:     round,
	}
}

// BounceCompleteEvent is emitted when a debate finishes with a final answer.
type BounceCompleteEvent struct {
	baseEvent
	Rounds      int
	FinalAnswer string
}

// NewBounceCompleteEvent creates a BounceCompleteEvent.
func NewBounceCompleteEvent(rounds int, finalAnswer string) BounceCompleteEvent {
	return BounceCompleteEvent{
		baseEvent:   newBaseEvent("bounce.complete"),
		Rounds:      rounds,
		FinalAnswer: finalAnswer,
	}
}

// BounceErrorEvent is emitted when a debate enters the error state.
type BounceErrorEvent struct {
	baseEvent
	Err string
}

// NewBounceErrorEvent creates a BounceErrorEvent.
func NewBounceErrorEvent(errMsg string) BounceErrorEvent {
	return BounceErrorEvent{
		baseEvent: newBaseEvent("bounce.error"),
		Err:       errMsg,
	}
}

// BounceCancelledEvent is emitted when a debate is cancelled by the caller.
type BounceCancelledEvent struct {
	baseEvent
	Round int
}

// NewBounceCancelledEvent creates a BounceCancelledEvent.
func NewBounceCancelledEvent(round int) BounceCancelledEvent {
	return BounceCancelledEvent{
		baseEvent: newBaseEvent("bounce.cancelled"),
		Round:     round,
	}
}

// ParticipantPrunedEvent is emitted when a participant is removed for
// stance alignment with another participant.
type ParticipantPrunedEvent struct {
	baseEvent
	Participant string
	AlignedWith string
	Round       int
}

// NewParticipantPrunedEvent creates a ParticipantPrunedEvent.
func NewParticipantPrunedEvent(participant, alignedWith string, round int) ParticipantPrunedEvent {
	return ParticipantPrunedEvent{
		baseEvent:   newBaseEvent("participant.pruned"),
		Participant: participant,
		AlignedWith: alignedWith,
		Round:       round,
	}
}

// -----------------------------------------------------------------------------
// Turn Coordinator Events
// -----------------------------------------------------------------------------

// TurnActivatedEvent is emitted when an agent becomes the active speaker.
type TurnActivatedEvent struct {
	baseEvent
	Agent string
	Round int
}

// NewTurnActivatedEvent creates a TurnActivatedEvent.
func NewTurnActivatedEvent(agent string, round int) TurnActivatedEvent {
	return TurnActivatedEvent{
		baseEvent: newBaseEvent("turn.activated"),
		Agent:     agent,
		Round:     round,
	}
}

// TurnTimeoutEvent is emitted when the active agent's turn timer expires.
type TurnTimeoutEvent struct {
	baseEvent
	Agent      string
	Round      int
	Escalation string // Applied escalation policy
}

// NewTurnTimeoutEvent creates a TurnTimeoutEvent.
func NewTurnTimeoutEvent(agent string, round int, escalation string) TurnTimeoutEvent {
	return TurnTimeoutEvent{
		baseEvent:  newBaseEvent("turn.timeout"),
		Agent:      agent,
		Round:      round,
		Escalation: escalation,
	}
}

// SessionCompleteEvent is emitted when a coordinated session finishes.
type SessionCompleteEvent struct {
	baseEvent
	Reason string // e.g. "max-rounds-reached", "no-agents"
	Rounds int
}

// NewSessionCompleteEvent creates a SessionCompleteEvent.
func NewSessionCompleteEvent(reason string, rounds int) SessionCompleteEvent {
	return SessionCompleteEvent{
		baseEvent: newBaseEvent("session.complete"),
		Reason:    reason,
		Rounds:    rounds,
	}
}

// -----------------------------------------------------------------------------
// Agent Manager Events
// -----------------------------------------------------------------------------

// AgentSpawnedEvent is emitted when an agent process is spawned.
type AgentSpawnedEvent struct {
	baseEvent
	AgentID string
	Adapter string
	PID     int // OS pid, 0 if not applicable
}

// NewAgentSpawnedEvent creates an AgentSpawnedEvent.
func NewAgentSpawnedEvent(agentID, adapter string, pid int) AgentSpawnedEvent {
	return AgentSpawnedEvent{
		baseEvent: newBaseEvent("agent.spawned"),
		AgentID:   agentID,
		Adapter:   adapter,
		PID:       pid,
	}
}

// AgentStoppedEvent is emitted when a managed agent stops for good.
type AgentStoppedEvent struct {
	baseEvent
	AgentID string
	Reason  string // e.g. "shutdown", "killed", "Max restart attempts exceeded"
}

// NewAgentStoppedEvent creates an AgentStoppedEvent.
func NewAgentStoppedEvent(agentID, reason string) AgentStoppedEvent {
	return AgentStoppedEvent{
		baseEvent: newBaseEvent("agent.stopped"),
		AgentID:   agentID,
		Reason:    reason,
	}
}

// AgentCrashedEvent is emitted when health polling detects a dead process.
type AgentCrashedEvent struct {
	baseEvent
	AgentID string
	Adapter string
}

// NewAgentCrashedEvent creates an AgentCrashedEvent.
func NewAgentCrashedEvent(agentID, adapter string) AgentCrashedEvent {
	return AgentCrashedEvent{
		baseEvent: newBaseEvent("agent.crashed"),
		AgentID:   agentID,
		Adapter:   adapter,
	}
}

// AgentRestartedEvent is emitted after a successful restart.
type AgentRestartedEvent struct {
	baseEvent
	AgentID string
	Attempt int // 1-based restart attempt that succeeded
}

// NewAgentRestartedEvent creates an AgentRestartedEvent.
func NewAgentRestartedEvent(agentID string, attempt int) AgentRestartedEvent {
	return AgentRestartedEvent{
		baseEvent: newBaseEvent("agent.restarted"),
		AgentID:   agentID,
		Attempt:   attempt,
	}
}

// AgentHealthChangedEvent is emitted when an agent's health state changes.
type AgentHealthChangedEvent struct {
	baseEvent
	AgentID  string
	Previous string
	Current  string
}

// NewAgentHealthChangedEvent creates an AgentHealthChangedEvent.
func NewAgentHealthChangedEvent(agentID, previous, current string) AgentHealthChangedEvent {
	return AgentHealthChangedEvent{
		baseEvent: newBaseEvent("agent.health_changed"),
		AgentID:   agentID,
		Previous:  previous,
		Current:   current,
	}
}

// AgentOutputEvent forwards a chunk of agent process output.
type AgentOutputEvent struct {
	baseEvent
	AgentID string
	Output  string
}

// NewAgentOutputEvent creates an AgentOutputEvent.
func NewAgentOutputEvent(agentID, output string) AgentOutputEvent {
	return AgentOutputEvent{
		baseEvent: newBaseEvent("agent.output"),
		AgentID:   agentID,
		Output:    output,
	}
}
