package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bounceproto/bounce/internal/agent"
	"github.com/bounceproto/bounce/internal/agent/cliadapter"
	"github.com/bounceproto/bounce/internal/config"
	"github.com/bounceproto/bounce/internal/event"
	"github.com/bounceproto/bounce/internal/logging"
	"github.com/bounceproto/bounce/internal/orchestrator"
	"github.com/bounceproto/bounce/internal/protocol"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a debate over a session file",
	Long: `Run a debate among the session's agents. Each agent is driven
through the configured CLI tool; responses are appended to the session
file as dialogue entries, and the final synthesis is printed when the
debate stops.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runCommand string
	runJudge   string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runCommand, "command", "", "agent CLI binary (default from config)")
	runCmd.Flags().StringVar(&runJudge, "judge", "", "judge model (default from config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	path := args[0]
	result, err := protocol.LoadSession(path)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("session has %d error(s); run 'bounce session validate %s'", len(result.Errors()), path)
	}
	s := result.Session

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()
	log = log.WithSession(s.SessionID)

	command := cfg.Agents.Command
	if runCommand != "" {
		command = runCommand
	}
	judge := cfg.Debate.JudgeModel
	if runJudge != "" {
		judge = runJudge
	}

	bus := event.NewBus()
	printProgress(bus)

	adapter := cliadapter.New(cliadapter.Config{
		Name:    "cli",
		Command: command,
	})
	mgr := agent.NewManager(agent.ManagerConfig{
		MaxConcurrent:      cfg.Agents.MaxConcurrent,
		FailureThreshold:   cfg.Agents.FailureThreshold,
		Cooldown:           cfg.Agents.Cooldown(),
		MaxRestartAttempts: cfg.Agents.MaxRestartAttempts,
		RestartBaseDelay:   cfg.Agents.RestartBackoff(),
	}, bus, agent.WithManagerLogger(log))
	mgr.RegisterAdapter(adapter)

	orch := orchestrator.New(debateConfig(s.Rules, cfg, judge),
		orchestrator.NewAgentTransport(mgr, adapter.Name()), bus,
		orchestrator.WithLogger(log))

	recordRounds(bus, path, cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nStopping debate...")
		_ = orch.Dispatch(context.Background(), orchestrator.ActionStop, "")
		cancel()
	}()

	mgr.StartHealthLoop(ctx, cfg.Agents.HealthInterval())

	topic := s.Title
	if s.Context != "" {
		topic = s.Title + "\n\n" + s.Context
	}

	err = orch.Dispatch(ctx, orchestrator.ActionStart, topic)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = mgr.Shutdown(shutdownCtx)

	if err != nil {
		return fmt.Errorf("debate failed: %w", err)
	}

	state := orch.State()
	fmt.Printf("\nDebate finished after %d round(s): %s\n", len(state.Rounds), state.Status)
	if state.FinalAnswer != "" {
		fmt.Printf("\nFinal answer:\n%s\n", state.FinalAnswer)
	}
	if state.Err != "" {
		return fmt.Errorf("%s", state.Err)
	}
	return nil
}

// debateConfig derives the orchestrator settings from the session's
// rules, with app config filling what the protocol file does not govern.
func debateConfig(rules protocol.Rules, cfg *config.Config, judge string) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.Participants = rules.Agents
	oc.MaxRounds = rules.MaxRounds
	oc.ConsensusThreshold = rules.ConsensusThreshold
	oc.ConsensusMode = rules.ConsensusMode
	oc.JudgeModel = judge
	oc.RoundMode = orchestrator.RoundMode(cfg.Debate.RoundMode)
	oc.QuorumRatio = cfg.Debate.QuorumRatio
	oc.StabilityRounds = cfg.Debate.StabilityRounds
	oc.MaxResponseRetries = cfg.Debate.MaxResponseRetries
	oc.RetryBackoff = cfg.Debate.RetryBackoff()
	oc.AutoStopOnConsensus = cfg.Debate.AutoStopOnConsensus
	oc.UserInterjection = cfg.Debate.UserInterjection
	oc.PruneAligned = cfg.Debate.PruneAligned
	return oc
}

// printProgress subscribes console output to the debate's event stream.
func printProgress(bus *event.Bus) {
	bus.Subscribe("round.started", func(e event.Event) {
		ev := e.(event.RoundStartedEvent)
		fmt.Printf("\n── Round %d ──\n", ev.Round)
	})
	bus.Subscribe("participant.thinking", func(e event.Event) {
		ev := e.(event.ParticipantThinkingEvent)
		fmt.Printf("  %s is thinking...\n", ev.Participant)
	})
	bus.Subscribe("participant.responded", func(e event.Event) {
		ev := e.(event.ParticipantRespondedEvent)
		if ev.Stance == "" {
			fmt.Printf("  %s: no response\n", ev.Participant)
			return
		}
		fmt.Printf("  %s: %s (%.2f)\n", ev.Participant, ev.Stance, ev.Confidence)
	})
	bus.Subscribe("consensus.updated", func(e event.Event) {
		ev := e.(event.ConsensusUpdatedEvent)
		fmt.Printf("  consensus: %.2f (reached=%v, next=%s)\n", ev.Score, ev.Reached, ev.Recommendation)
	})
	bus.Subscribe("participant.pruned", func(e event.Event) {
		ev := e.(event.ParticipantPrunedEvent)
		fmt.Printf("  %s pruned (aligned with %s)\n", ev.Participant, ev.AlignedWith)
	})
	bus.Subscribe("judging.started", func(e event.Event) {
		ev := e.(event.JudgingStartedEvent)
		fmt.Printf("\nJudging (%s)...\n", ev.JudgeModel)
	})
	bus.Subscribe("agent.crashed", func(e event.Event) {
		ev := e.(event.AgentCrashedEvent)
		fmt.Printf("  agent %s crashed\n", ev.AgentID)
	})
}

// recordRounds appends each participant response to the session file as
// a dialogue entry, under the advisory lock.
func recordRounds(bus *event.Bus, path string, cfg *config.Config) {
	turns := make(map[int]int)
	bus.Subscribe("participant.responded", func(e event.Event) {
		ev := e.(event.ParticipantRespondedEvent)
		if ev.Stance == "" {
			return
		}

		turns[ev.Round]++
		entry := protocol.NewEntry(ev.Participant, turns[ev.Round], ev.Round, "")
		entry.Status = protocol.StatusClosed
		entry.HasYield = true
		st := protocol.Stance(ev.Stance)
		conf := ev.Confidence
		summary := fmt.Sprintf("%s responded %s with %.2f confidence", ev.Participant, ev.Stance, ev.Confidence)
		entry.Fields.Stance = &st
		entry.Fields.Confidence = &conf
		entry.Fields.Summary = &summary

		if err := protocol.AppendEntry(path, &entry, lockOptions(cfg)...); err != nil {
			fmt.Printf("  warning: failed to record entry: %v\n", err)
		}
	})
}
