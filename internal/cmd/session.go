package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bounceproto/bounce/internal/config"
	"github.com/bounceproto/bounce/internal/consensus"
	"github.com/bounceproto/bounce/internal/filelock"
	"github.com/bounceproto/bounce/internal/logging"
	"github.com/bounceproto/bounce/internal/protocol"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage bounce session files",
	Long:  `Commands for creating, inspecting, and appending to bounce session files.`,
}

var sessionInitCmd = &cobra.Command{
	Use:   "init <file>",
	Short: "Create a new session file",
	Long: `Create a new bounce session file with a fresh session ID and an
empty dialogue. Refuses to overwrite an existing file.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionInit,
}

var sessionValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a session file",
	Long: `Parse and validate a session file, printing every issue found.
Exits non-zero when any error-severity issue is present; warnings
alone do not fail validation.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionValidate,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Summarize a session file",
	Long: `Print a summary of a session file: rules, dialogue shape, and the
current consensus check over the latest round.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionShow,
}

var sessionAppendCmd = &cobra.Command{
	Use:   "append <file>",
	Short: "Append an entry to a session file",
	Long: `Append a dialogue entry to a session file under the advisory file
lock, so concurrent writers never interleave.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionAppend,
}

var sessionWatchCmd = &cobra.Command{
	Use:   "watch <file>",
	Short: "Watch a session file for new entries",
	Long:  `Follow a session file and print each new entry as it is appended.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionWatch,
}

var (
	initTitle   string
	initAgents  []string
	initContext string

	appendAuthor     string
	appendRound      int
	appendTurn       int
	appendBody       string
	appendStance     string
	appendConfidence float64
	appendSummary    string
	appendAction     string
	appendEvidence   string
	appendStatus     string
	appendYield      bool
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionInitCmd)
	sessionCmd.AddCommand(sessionValidateCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionAppendCmd)
	sessionCmd.AddCommand(sessionWatchCmd)

	sessionInitCmd.Flags().StringVar(&initTitle, "title", "", "session title (required)")
	sessionInitCmd.Flags().StringSliceVar(&initAgents, "agents", nil, "comma-separated agent names (required)")
	sessionInitCmd.Flags().StringVar(&initContext, "context", "", "context section text")
	_ = sessionInitCmd.MarkFlagRequired("title")
	_ = sessionInitCmd.MarkFlagRequired("agents")

	sessionAppendCmd.Flags().StringVar(&appendAuthor, "author", "", "entry author (required)")
	sessionAppendCmd.Flags().IntVar(&appendRound, "round", 0, "round number (default: latest round in file)")
	sessionAppendCmd.Flags().IntVar(&appendTurn, "turn", 0, "turn number (default: next turn in the round)")
	sessionAppendCmd.Flags().StringVar(&appendBody, "body", "", "entry body text")
	sessionAppendCmd.Flags().StringVar(&appendStance, "stance", "", "stance: approve, reject, neutral, defer")
	sessionAppendCmd.Flags().Float64Var(&appendConfidence, "confidence", -1, "confidence in [0, 1]")
	sessionAppendCmd.Flags().StringVar(&appendSummary, "summary", "", "one-line summary")
	sessionAppendCmd.Flags().StringVar(&appendAction, "action", "", "action requested of other agents")
	sessionAppendCmd.Flags().StringVar(&appendEvidence, "evidence", "", "supporting evidence")
	sessionAppendCmd.Flags().StringVar(&appendStatus, "status", string(protocol.StatusClosed), "entry status")
	sessionAppendCmd.Flags().BoolVar(&appendYield, "yield", true, "append a yield marker")
	_ = sessionAppendCmd.MarkFlagRequired("author")
}

func runSessionInit(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("file already exists: %s", path)
	}

	s := protocol.CreateSession(protocol.CreateOptions{
		Title:   initTitle,
		Agents:  initAgents,
		Context: initContext,
	})

	if err := protocol.WriteSession(path, s); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}

	fmt.Printf("Created session %s\n", s.SessionID)
	fmt.Printf("  File:   %s\n", path)
	fmt.Printf("  Agents: %s\n", strings.Join(s.Rules.Agents, ", "))
	return nil
}

func runSessionValidate(cmd *cobra.Command, args []string) error {
	result, err := protocol.LoadSession(args[0])
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}

	for _, issue := range result.Issues {
		fmt.Println(issue.String())
	}

	errs := result.Errors()
	if len(errs) > 0 {
		return fmt.Errorf("%d error(s) found", len(errs))
	}

	if len(result.Issues) > 0 {
		fmt.Printf("Valid with %d warning(s)\n", len(result.Issues))
	} else {
		fmt.Println("Valid")
	}
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	result, err := protocol.LoadSession(args[0])
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	s := result.Session

	fmt.Printf("Session: %s\n", s.Title)
	fmt.Printf("  ID:       %s\n", s.SessionID)
	fmt.Printf("  Version:  %s\n", s.Version)
	fmt.Printf("  Created:  %s\n", s.Created)
	fmt.Printf("  Agents:   %s\n", strings.Join(s.Rules.Agents, ", "))
	fmt.Printf("  Rules:    %s, %d round(s) max, consensus %s at %.2f\n",
		s.Rules.TurnOrder, s.Rules.MaxRounds, s.Rules.ConsensusMode, s.Rules.ConsensusThreshold)
	fmt.Printf("  Entries:  %d\n", len(s.Entries))

	if len(s.Entries) > 0 {
		last := s.Entries[len(s.Entries)-1]
		fmt.Printf("  Latest:   round %d, turn %d by %s\n", last.Round, last.Turn, last.Author)

		check := consensus.Detect(s.Entries, s.Rules)
		fmt.Printf("\nConsensus (round %d): %s, score %.2f\n", check.Round, check.Outcome, check.Score)
		for _, name := range consensus.SortedParticipants(check.AgentStances) {
			fmt.Printf("  %-12s %s\n", name, check.AgentStances[name])
		}
	}

	if !result.Valid() {
		fmt.Printf("\nFile has %d error(s); run 'bounce session validate' for details\n", len(result.Errors()))
	}
	return nil
}

func runSessionAppend(cmd *cobra.Command, args []string) error {
	path := args[0]
	result, err := protocol.LoadSession(path)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	s := result.Session

	if !s.Rules.HasAgent(appendAuthor) {
		return fmt.Errorf("author %q is not in the session's agents (%s)",
			appendAuthor, strings.Join(s.Rules.Agents, ", "))
	}

	round, turn := nextPosition(s.Entries)
	if appendRound > 0 {
		round = appendRound
	}
	if appendTurn > 0 {
		turn = appendTurn
	}

	entry := protocol.NewEntry(appendAuthor, turn, round, appendBody)
	entry.Status = protocol.EntryStatus(appendStatus)
	entry.HasYield = appendYield
	if appendStance != "" {
		st := protocol.Stance(appendStance)
		if !st.Valid() {
			return fmt.Errorf("invalid stance %q", appendStance)
		}
		entry.Fields.Stance = &st
	}
	if appendConfidence >= 0 {
		if appendConfidence > 1 {
			return fmt.Errorf("confidence must be in [0, 1], got %v", appendConfidence)
		}
		c := appendConfidence
		entry.Fields.Confidence = &c
	}
	if appendSummary != "" {
		entry.Fields.Summary = &appendSummary
	}
	if appendAction != "" {
		entry.Fields.ActionRequested = &appendAction
	}
	if appendEvidence != "" {
		entry.Fields.Evidence = &appendEvidence
	}

	cfg := config.Get()
	if err := protocol.AppendEntry(path, &entry, lockOptions(cfg)...); err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}

	fmt.Printf("Appended entry %s (round %d, turn %d)\n", entry.ID, round, turn)
	return nil
}

func runSessionWatch(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	log, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		log = logging.NopLogger()
	}
	defer log.Close()

	w, err := protocol.WatchSession(args[0], log)
	if err != nil {
		return fmt.Errorf("failed to watch session: %w", err)
	}
	defer w.Close()

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", args[0])

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case entry, ok := <-w.Entries():
			if !ok {
				return nil
			}
			printEntry(entry)
		case <-sigs:
			return nil
		}
	}
}

// nextPosition returns the round and turn for a new entry appended after
// the existing dialogue.
func nextPosition(entries []protocol.Entry) (round, turn int) {
	if len(entries) == 0 {
		return 1, 1
	}
	last := entries[len(entries)-1]
	return last.Round, last.Turn + 1
}

func printEntry(e protocol.Entry) {
	fmt.Printf("[round %d, turn %d] %s (%s)\n", e.Round, e.Turn, e.Author, e.Status)
	if e.Fields.Stance != nil {
		conf := ""
		if e.Fields.Confidence != nil {
			conf = fmt.Sprintf(" @ %.2f", *e.Fields.Confidence)
		}
		fmt.Printf("  stance: %s%s\n", *e.Fields.Stance, conf)
	}
	if e.Fields.Summary != nil {
		fmt.Printf("  summary: %s\n", *e.Fields.Summary)
	}
	if e.Body != "" {
		fmt.Printf("  %s\n", strings.ReplaceAll(strings.TrimSpace(e.Body), "\n", "\n  "))
	}
}

func lockOptions(cfg *config.Config) []filelock.Option {
	return []filelock.Option{
		filelock.WithRetries(cfg.Lock.Retries),
		filelock.WithRetryDelay(time.Duration(cfg.Lock.RetryDelayMs) * time.Millisecond),
		filelock.WithStaleTimeout(time.Duration(cfg.Lock.StaleTimeoutMs) * time.Millisecond),
		filelock.WithLockTimeout(time.Duration(cfg.Lock.LockTimeoutMs) * time.Millisecond),
	}
}
