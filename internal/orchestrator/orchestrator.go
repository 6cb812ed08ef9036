package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bounceproto/bounce/internal/consensus"
	"github.com/bounceproto/bounce/internal/errors"
	"github.com/bounceproto/bounce/internal/event"
	"github.com/bounceproto/bounce/internal/logging"
)

// Orchestrator drives one debate at a time. All mutation flows through
// Dispatch; the debate loop runs synchronously inside Dispatch(START)
// and returns when the debate completes, parks, or is canceled.
type Orchestrator struct {
	mu        sync.Mutex
	state     State
	cfg       Config
	transport Transport
	bus       *event.Bus
	log       *logging.Logger

	// control flags, set by concurrent Dispatch calls and read by
	// the loop between suspension points
	pauseRequested bool
	stopRequested  bool
	skipToJudge    bool
	injected       []string

	cancel context.CancelFunc

	// sleepCh overrides time.After in tests.
	sleepCh func(time.Duration) <-chan time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger attaches a logger.
func WithLogger(log *logging.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// withAfter replaces backoff timing, for tests.
func withAfter(f func(time.Duration) <-chan time.Time) Option {
	return func(o *Orchestrator) { o.sleepCh = f }
}

// New builds an idle orchestrator.
func New(cfg Config, transport Transport, bus *event.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		transport: transport,
		bus:       bus,
		log:       logging.NopLogger(),
		state: State{
			Status: StatusIdle,
			Config: cfg,
			Pruned: make(map[string]int),
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns a copy of the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() State {
	s := o.state
	s.Participants = append([]string(nil), o.state.Participants...)
	s.Rounds = append([]Round(nil), o.state.Rounds...)
	s.Pruned = make(map[string]int, len(o.state.Pruned))
	for k, v := range o.state.Pruned {
		s.Pruned[k] = v
	}
	if o.state.Analysis != nil {
		a := *o.state.Analysis
		s.Analysis = &a
	}
	return s
}

// Dispatch executes one action. START, RESUME, INJECT_MESSAGE from the
// parked state, and SKIP_TO_JUDGE run the debate loop in the calling
// goroutine; the other actions return immediately. Errors inside the
// loop set Status error rather than propagating; cancellation is the
// exception and returns to the caller.
func (o *Orchestrator) Dispatch(ctx context.Context, action Action, arg string) error {
	switch action {
	case ActionStart:
		return o.start(ctx, arg)
	case ActionPause:
		return o.pause()
	case ActionResume:
		return o.resume(ctx)
	case ActionStop:
		return o.stop()
	case ActionInjectMessage:
		return o.inject(ctx, arg)
	case ActionSkipToJudge:
		return o.requestJudge(ctx)
	case ActionAddParticipant:
		return o.addParticipant(arg)
	case ActionRemoveParticipant:
		return o.removeParticipant(arg)
	case ActionUpdateConfig:
		return fmt.Errorf("UPDATE_CONFIG takes a Config, use UpdateConfig")
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// UpdateConfig replaces the debate configuration. Rejected while a
// debate is active.
func (o *Orchestrator) UpdateConfig(cfg Config) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeLocked() {
		return errors.ErrDebateRunning
	}
	o.cfg = cfg
	o.state.Config = cfg
	return nil
}

func (o *Orchestrator) activeLocked() bool {
	switch o.state.Status {
	case StatusRunning, StatusJudging, StatusConsensus, StatusMaxRounds:
		return true
	}
	return false
}

func (o *Orchestrator) start(ctx context.Context, topic string) error {
	o.mu.Lock()
	switch o.state.Status {
	case StatusIdle, StatusComplete, StatusError:
	default:
		o.mu.Unlock()
		return errors.ErrDebateRunning
	}
	if len(o.cfg.Participants) == 0 {
		o.mu.Unlock()
		return errors.ErrNoParticipants
	}

	o.state = State{
		Status:       StatusRunning,
		Topic:        topic,
		Config:       o.cfg,
		Participants: append([]string(nil), o.cfg.Participants...),
		Pruned:       make(map[string]int),
		StartedAt:    time.Now(),
	}
	o.pauseRequested = false
	o.stopRequested = false
	o.skipToJudge = false
	o.injected = nil
	participants := append([]string(nil), o.state.Participants...)
	o.mu.Unlock()

	o.log.Info("bounce started", "topic", topic, "participants", len(participants))
	o.bus.Publish(event.NewBounceStartedEvent(topic, participants))
	return o.runLoop(ctx)
}

func (o *Orchestrator) pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Status != StatusRunning {
		return errors.ErrDebateNotRunning
	}
	o.pauseRequested = true
	return nil
}

func (o *Orchestrator) resume(ctx context.Context) error {
	o.mu.Lock()
	switch o.state.Status {
	case StatusPaused, StatusWaitingUser:
	default:
		o.mu.Unlock()
		return errors.ErrDebateNotRunning
	}
	resumedFrom := o.state.Status
	o.state.Status = StatusRunning
	o.pauseRequested = false
	round := o.state.CurrentRound
	o.mu.Unlock()

	if resumedFrom == StatusPaused {
		o.bus.Publish(event.NewBounceResumedEvent(round))
	}
	return o.runLoop(ctx)
}

func (o *Orchestrator) stop() error {
	o.mu.Lock()
	if o.state.Status == StatusIdle {
		o.mu.Unlock()
		return errors.ErrDebateNotRunning
	}
	o.stopRequested = true
	cancel := o.cancel
	parked := o.state.Status == StatusPaused || o.state.Status == StatusWaitingUser
	round := o.state.CurrentRound
	if parked {
		o.state.Status = StatusIdle
		o.stopRequested = false
	}
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if parked {
		o.bus.Publish(event.NewBounceCancelledEvent(round))
	}
	return nil
}

func (o *Orchestrator) inject(ctx context.Context, message string) error {
	o.mu.Lock()
	switch o.state.Status {
	case StatusPaused, StatusWaitingUser:
	default:
		o.mu.Unlock()
		return errors.ErrDebateNotRunning
	}
	o.injected = append(o.injected, message)
	waiting := o.state.Status == StatusWaitingUser
	if waiting {
		o.state.Status = StatusRunning
	}
	o.mu.Unlock()

	o.bus.Publish(event.NewUserInterjectedEvent(message))
	if waiting {
		return o.runLoop(ctx)
	}
	return nil
}

func (o *Orchestrator) requestJudge(ctx context.Context) error {
	o.mu.Lock()
	switch o.state.Status {
	case StatusPaused, StatusWaitingUser:
		o.state.Status = StatusRunning
		o.skipToJudge = true
		o.mu.Unlock()
		return o.runLoop(ctx)
	case StatusRunning:
		o.skipToJudge = true
		o.mu.Unlock()
		return nil
	default:
		o.mu.Unlock()
		return errors.ErrDebateNotRunning
	}
}

func (o *Orchestrator) addParticipant(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeLocked() {
		return errors.ErrDebateRunning
	}
	if name == "" {
		return fmt.Errorf("empty participant name")
	}
	for _, p := range o.cfg.Participants {
		if p == name {
			return fmt.Errorf("participant %q already present", name)
		}
	}
	o.cfg.Participants = append(o.cfg.Participants, name)
	o.state.Config = o.cfg
	if o.state.Status == StatusWaitingUser || o.state.Status == StatusPaused {
		o.state.Participants = append(o.state.Participants, name)
	}
	return nil
}

func (o *Orchestrator) removeParticipant(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeLocked() {
		return errors.ErrDebateRunning
	}
	removed := false
	o.cfg.Participants = removeString(o.cfg.Participants, name, &removed)
	o.state.Participants = removeString(o.state.Participants, name, &removed)
	o.state.Config = o.cfg
	if !removed {
		return fmt.Errorf("participant %q not found", name)
	}
	return nil
}

func removeString(list []string, name string, removed *bool) []string {
	out := list[:0]
	for _, s := range list {
		if s == name {
			*removed = true
			continue
		}
		out = append(out, s)
	}
	return out
}

// runLoop executes rounds until the debate stops, parks, or fails.
func (o *Orchestrator) runLoop(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
	}()

	for {
		o.mu.Lock()
		if o.stopRequested {
			round := o.state.CurrentRound
			o.state.Status = StatusIdle
			o.stopRequested = false
			o.mu.Unlock()
			o.bus.Publish(event.NewBounceCancelledEvent(round))
			return nil
		}
		if o.pauseRequested {
			o.pauseRequested = false
			o.state.Status = StatusPaused
			round := o.state.CurrentRound
			o.mu.Unlock()
			o.bus.Publish(event.NewBouncePausedEvent(round))
			return nil
		}
		if o.skipToJudge {
			o.skipToJudge = false
			o.state.Status = StatusConsensus
			o.mu.Unlock()
			return o.judge(ctx)
		}
		if o.state.CurrentRound >= o.cfg.MaxRounds {
			o.state.Status = StatusMaxRounds
			o.mu.Unlock()
			return o.judge(ctx)
		}
		o.state.CurrentRound++
		round := o.state.CurrentRound
		participants := append([]string(nil), o.state.Participants...)
		o.mu.Unlock()

		o.bus.Publish(event.NewRoundStartedEvent(round))
		responses, err := o.runRound(ctx, round, participants)
		if err != nil {
			if errors.IsCanceled(err) {
				o.bus.Publish(event.NewBounceCancelledEvent(round))
				o.mu.Lock()
				if o.stopRequested {
					// STOP requested: a clean cancel, not an error.
					o.stopRequested = false
					o.state.Status = StatusIdle
				}
				o.mu.Unlock()
				return err
			}
			o.setError(err)
			return nil
		}

		analysis := o.analyzeRound(round, responses)

		o.mu.Lock()
		o.state.Rounds = append(o.state.Rounds, Round{
			Number:    round,
			Responses: responses,
			Analysis:  analysis,
			Timestamp: time.Now(),
		})
		o.state.Analysis = &analysis
		o.mu.Unlock()

		received := 0
		for _, r := range responses {
			if r.Received {
				received++
			}
		}
		o.bus.Publish(event.NewRoundCompleteEvent(round, received))
		o.bus.Publish(event.NewConsensusUpdatedEvent(round, analysis.Score,
			analysis.Reached, string(analysis.Recommendation)))

		o.pruneAligned(round, responses)

		if stop, status := o.stopDecision(round, analysis); stop {
			o.mu.Lock()
			o.state.Status = status
			o.mu.Unlock()
			return o.judge(ctx)
		}

		if o.cfg.UserInterjection {
			o.mu.Lock()
			o.state.Status = StatusWaitingUser
			o.mu.Unlock()
			o.bus.Publish(event.NewUserInterjectionRequestedEvent(round))
			return nil
		}
	}
}

// runRound obtains one response per participant, sequentially or in
// parallel. A failed call records a "no response" entry; only
// cancellation aborts the round.
func (o *Orchestrator) runRound(ctx context.Context, round int, participants []string) ([]Response, error) {
	prompt := o.buildRoundPrompt(round)

	if o.cfg.RoundMode == RoundParallel {
		responses := make([]Response, len(participants))
		errs := make([]error, len(participants))
		var wg sync.WaitGroup
		for i, p := range participants {
			wg.Add(1)
			go func(i int, p string) {
				defer wg.Done()
				responses[i], errs[i] = o.callParticipant(ctx, p, round, prompt)
			}(i, p)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil && errors.IsCanceled(err) {
				return nil, err
			}
		}
		return responses, nil
	}

	responses := make([]Response, 0, len(participants))
	for i, p := range participants {
		if i > 0 && o.cfg.PauseBetween > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Canceled(ctx.Err())
			case <-o.after(o.cfg.PauseBetween):
			}
		}
		resp, err := o.callParticipant(ctx, p, round, prompt)
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

// callParticipant issues one transport call. Non-cancellation failures
// are swallowed into an empty "no response" record.
func (o *Orchestrator) callParticipant(ctx context.Context, participant string, round int, prompt string) (Response, error) {
	o.bus.Publish(event.NewParticipantThinkingEvent(participant, round))

	text, err := o.sendMessageWithRetry(ctx, participant, o.systemPrompt(participant), prompt)
	if err != nil {
		if errors.IsCanceled(err) {
			return Response{}, err
		}
		o.log.WithAgent(participant).WithRound(round).Warn("participant failed", "error", err)
		o.bus.Publish(event.NewParticipantRespondedEvent(participant, round, "", 0))
		return Response{Participant: participant}, nil
	}

	resp := ParseResponse(participant, text)
	o.bus.Publish(event.NewParticipantRespondedEvent(participant, round,
		string(resp.Stance), resp.Confidence))
	return resp, nil
}

func (o *Orchestrator) analyzeRound(round int, responses []Response) consensus.Analysis {
	votes := make([]consensus.Vote, 0, len(responses))
	for _, r := range responses {
		if !r.Received {
			continue
		}
		votes = append(votes, consensus.Vote{
			Participant: r.Participant,
			Stance:      r.Stance,
			Confidence:  r.Confidence,
		})
	}

	o.mu.Lock()
	var prev *consensus.Analysis
	if n := len(o.state.Rounds); n > 0 {
		a := o.state.Rounds[n-1].Analysis
		prev = &a
	}
	o.mu.Unlock()

	return consensus.Analyze(votes, round, consensus.AnalysisConfig{
		Threshold:    o.cfg.ConsensusThreshold,
		QuorumRatio:  o.cfg.QuorumRatio,
		StableRounds: o.cfg.StabilityRounds,
		Mode:         o.cfg.ConsensusMode,
	}, prev)
}

// stopDecision applies the post-round precedence: auto-stop gate,
// complete, call_judge with quorum, deadlock, then round exhaustion.
func (o *Orchestrator) stopDecision(round int, a consensus.Analysis) (bool, Status) {
	need := o.cfg.StabilityRounds
	if need < 1 {
		need = 1
	}
	if o.cfg.AutoStopOnConsensus && a.Reached && a.Score >= o.cfg.ConsensusThreshold &&
		a.QuorumMet && a.StableRounds >= need {
		return true, StatusConsensus
	}
	switch a.Recommendation {
	case consensus.RecommendComplete:
		return true, StatusConsensus
	case consensus.RecommendCallJudge:
		if a.Reached && a.QuorumMet {
			return true, StatusConsensus
		}
	case consensus.RecommendDeadlock:
		return true, StatusConsensus
	}
	if round >= o.cfg.MaxRounds {
		return true, StatusMaxRounds
	}
	return false, StatusRunning
}

// pruneAligned removes participants whose stance has converged with an
// earlier-listed participant's. Pruning never reduces the debate below
// three participants and pruned participants never rejoin.
func (o *Orchestrator) pruneAligned(round int, responses []Response) {
	if !o.cfg.PruneAligned {
		return
	}

	byName := make(map[string]Response, len(responses))
	for _, r := range responses {
		if r.Received {
			byName[r.Participant] = r
		}
	}

	var pruned []event.ParticipantPrunedEvent
	o.mu.Lock()
	for i := 0; i < len(o.state.Participants) && len(o.state.Participants) > 2; i++ {
		keeper := o.state.Participants[i]
		kr, ok := byName[keeper]
		if !ok {
			continue
		}
		for j := i + 1; j < len(o.state.Participants) && len(o.state.Participants) > 2; j++ {
			cand := o.state.Participants[j]
			cr, ok := byName[cand]
			if !ok {
				continue
			}
			gap := kr.Confidence - cr.Confidence
			if gap < 0 {
				gap = -gap
			}
			if cr.Stance == kr.Stance && gap <= o.cfg.PruneConfidenceGap {
				o.state.Participants = append(o.state.Participants[:j], o.state.Participants[j+1:]...)
				o.state.Pruned[cand] = round
				pruned = append(pruned, event.NewParticipantPrunedEvent(cand, keeper, round))
				j--
			}
		}
	}
	o.mu.Unlock()

	for _, e := range pruned {
		o.log.WithRound(round).Info("participant pruned",
			"participant", e.Participant, "aligned_with", e.AlignedWith)
		o.bus.Publish(e)
	}
}

// judge synthesizes the final answer from all recorded rounds.
func (o *Orchestrator) judge(ctx context.Context) error {
	o.mu.Lock()
	judgeModel := o.cfg.JudgeModel
	if judgeModel == "" && len(o.state.Participants) > 0 {
		judgeModel = o.state.Participants[0]
	}
	rounds := len(o.state.Rounds)
	o.state.Status = StatusJudging
	o.mu.Unlock()

	o.bus.Publish(event.NewJudgingStartedEvent(judgeModel, rounds))

	answer, err := o.sendMessageWithRetry(ctx, judgeModel, judgeSystemPrompt, o.buildJudgePrompt())
	if err != nil {
		if errors.IsCanceled(err) {
			o.bus.Publish(event.NewBounceCancelledEvent(rounds))
			return err
		}
		o.setError(fmt.Errorf("judge synthesis: %w", err))
		return nil
	}

	o.mu.Lock()
	o.state.FinalAnswer = answer
	o.state.Status = StatusComplete
	o.state.CompletedAt = time.Now()
	o.mu.Unlock()

	o.log.Info("bounce complete", "rounds", rounds)
	o.bus.Publish(event.NewBounceCompleteEvent(rounds, answer))
	return nil
}

// setError parks the debate in the error state. Loop errors never
// propagate out of Dispatch; callers inspect State().Err.
func (o *Orchestrator) setError(err error) {
	o.mu.Lock()
	o.state.Status = StatusError
	o.state.Err = err.Error()
	o.mu.Unlock()
	o.log.Error("bounce error", "error", err)
	o.bus.Publish(event.NewBounceErrorEvent(err.Error()))
}

const judgeSystemPrompt = "You are the judge of a structured debate. " +
	"Weigh every participant's arguments and produce one final answer."

func (o *Orchestrator) systemPrompt(participant string) string {
	return fmt.Sprintf("You are %s, one participant in a structured debate. "+
		"State your position, your key points as bullet lines, and an explicit "+
		"confidence percentage.", participant)
}

// buildRoundPrompt assembles the topic, prior-round summaries, and any
// user interjections into the next prompt.
func (o *Orchestrator) buildRoundPrompt(round int) string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\nRound %d.\n", o.state.Topic, round)

	for _, r := range o.state.Rounds {
		fmt.Fprintf(&b, "\nRound %d positions:\n", r.Number)
		for _, resp := range r.Responses {
			if !resp.Received {
				fmt.Fprintf(&b, "- %s: (no response)\n", resp.Participant)
				continue
			}
			fmt.Fprintf(&b, "- %s [%s, confidence %.2f]: %s\n",
				resp.Participant, resp.Stance, resp.Confidence, firstLine(resp.Text))
		}
	}

	if len(o.injected) > 0 {
		b.WriteString("\nModerator notes:\n")
		for _, msg := range o.injected {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
	}

	b.WriteString("\nRespond with your current stance and confidence.")
	return b.String()
}

func (o *Orchestrator) buildJudgePrompt() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", o.state.Topic)

	for _, r := range o.state.Rounds {
		fmt.Fprintf(&b, "\nRound %d:\n", r.Number)
		for _, resp := range r.Responses {
			if !resp.Received {
				continue
			}
			fmt.Fprintf(&b, "%s [%s, confidence %.2f]:\n%s\n",
				resp.Participant, resp.Stance, resp.Confidence, resp.Text)
		}
	}

	if o.state.Analysis != nil {
		fmt.Fprintf(&b, "\nConsensus: score %.2f, reached %v, recommendation %s.\n",
			o.state.Analysis.Score, o.state.Analysis.Reached, o.state.Analysis.Recommendation)
	}

	b.WriteString("\nSynthesize the debate into one final answer.")
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
