// Package orchestrator runs multi-round debates among model
// participants. Dispatch is the sole mutation entrypoint; rounds obtain
// one response per participant through an injected Transport, score the
// round with the consensus analyzer, and drive judge synthesis once the
// debate stops.
package orchestrator

import (
	"context"
	"time"

	"github.com/bounceproto/bounce/internal/consensus"
	"github.com/bounceproto/bounce/internal/protocol"
)

// Status is the orchestrator's state machine position.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusWaitingUser Status = "waiting_user"
	StatusConsensus   Status = "consensus"
	StatusMaxRounds   Status = "max_rounds"
	StatusJudging     Status = "judging"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
)

// Action is a dispatchable orchestrator command.
type Action string

const (
	ActionStart             Action = "START"
	ActionPause             Action = "PAUSE"
	ActionResume            Action = "RESUME"
	ActionStop              Action = "STOP"
	ActionInjectMessage     Action = "INJECT_MESSAGE"
	ActionSkipToJudge       Action = "SKIP_TO_JUDGE"
	ActionAddParticipant    Action = "ADD_PARTICIPANT"
	ActionRemoveParticipant Action = "REMOVE_PARTICIPANT"
	ActionUpdateConfig      Action = "UPDATE_CONFIG"
)

// RoundMode selects how participant calls are issued within a round.
type RoundMode string

const (
	RoundSequential RoundMode = "sequential"
	RoundParallel   RoundMode = "parallel"
)

// Config governs one debate.
type Config struct {
	Participants []string
	JudgeModel   string
	RoundMode    RoundMode

	MaxRounds          int
	ConsensusThreshold float64
	ConsensusMode      protocol.ConsensusMode
	QuorumRatio        float64
	StabilityRounds    int

	MaxResponseRetries int
	RetryBackoff       time.Duration
	// PauseBetween delays sequential participant calls, for
	// presentation only.
	PauseBetween time.Duration

	AutoStopOnConsensus bool
	UserInterjection    bool
	PruneAligned        bool
	// PruneConfidenceGap is the maximum confidence difference at
	// which two same-stance participants count as aligned.
	PruneConfidenceGap float64
}

// DefaultConfig returns the stock debate settings.
func DefaultConfig() Config {
	return Config{
		RoundMode:           RoundSequential,
		MaxRounds:           5,
		ConsensusThreshold:  0.75,
		ConsensusMode:       protocol.ConsensusMajority,
		QuorumRatio:         0.6,
		StabilityRounds:     1,
		MaxResponseRetries:  2,
		RetryBackoff:        time.Second,
		AutoStopOnConsensus: true,
		PruneConfidenceGap:  0.15,
	}
}

// Response is one participant's parsed reply for a round. A participant
// whose call failed is still recorded, with Received false.
type Response struct {
	Participant   string
	Text          string
	Stance        protocol.Stance
	Confidence    float64
	KeyPoints     []string
	Agreements    []string
	Disagreements []string
	Received      bool
}

// Round is one completed debate round.
type Round struct {
	Number    int
	Responses []Response
	Analysis  consensus.Analysis
	Timestamp time.Time
}

// State is the orchestrator's full observable state. Snapshots returned
// by the orchestrator are copies; mutating them has no effect.
type State struct {
	Status       Status
	Topic        string
	Config       Config
	Participants []string
	CurrentRound int
	Rounds       []Round
	Analysis     *consensus.Analysis
	// Pruned maps a removed participant to the round it left.
	Pruned      map[string]int
	FinalAnswer string
	Err         string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Transport sends one message to one model and returns its reply.
// Implementations must honor ctx cancellation promptly.
type Transport interface {
	SendMessage(ctx context.Context, modelID, systemPrompt, userMessage string) (string, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, modelID, systemPrompt, userMessage string) (string, error)

// SendMessage implements Transport.
func (f TransportFunc) SendMessage(ctx context.Context, modelID, systemPrompt, userMessage string) (string, error) {
	return f(ctx, modelID, systemPrompt, userMessage)
}
