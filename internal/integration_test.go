// Package internal contains integration tests that verify the packages
// work together correctly: the orchestrator driving a debate through the
// event bus, with responses recorded into a protocol session file.
package internal

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bounceproto/bounce/internal/consensus"
	"github.com/bounceproto/bounce/internal/event"
	"github.com/bounceproto/bounce/internal/orchestrator"
	"github.com/bounceproto/bounce/internal/protocol"
)

// TestDebateEventsReachSubscribers runs a full two-participant debate
// over a scripted transport and checks that the event stream a UI would
// consume arrives in order.
func TestDebateEventsReachSubscribers(t *testing.T) {
	bus := event.NewBus()

	var mu sync.Mutex
	var types []string
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		types = append(types, e.EventType())
		mu.Unlock()
	})

	transport := orchestrator.TransportFunc(func(_ context.Context, modelID, _, _ string) (string, error) {
		return "stance: approve\nconfidence: 90%\nAgreed on the approach.", nil
	})

	cfg := orchestrator.DefaultConfig()
	cfg.Participants = []string{"claude", "gpt"}
	cfg.RetryBackoff = 0

	orch := orchestrator.New(cfg, transport, bus)
	if err := orch.Dispatch(context.Background(), orchestrator.ActionStart, "topic"); err != nil {
		t.Fatalf("start: %v", err)
	}

	state := orch.State()
	if state.Status != orchestrator.StatusComplete {
		t.Fatalf("Status = %v, want complete", state.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	wantOrder := []string{"bounce.started", "round.started", "participant.responded", "consensus.updated", "judging.started", "bounce.complete"}
	idx := 0
	for _, typ := range types {
		if idx < len(wantOrder) && typ == wantOrder[idx] {
			idx++
		}
	}
	if idx != len(wantOrder) {
		t.Errorf("event stream missing %q; got %v", wantOrder[idx], types)
	}
}

// TestDebateResponsesRoundTripThroughSessionFile records each response
// into a session file the way the CLI does, then checks the file parses
// back and the consensus engine agrees with the orchestrator's outcome.
func TestDebateResponsesRoundTripThroughSessionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.md")
	agents := []string{"claude", "gpt"}
	s := protocol.CreateSession(protocol.CreateOptions{Title: "Pick a cache policy", Agents: agents})
	if err := protocol.WriteSession(path, s); err != nil {
		t.Fatal(err)
	}

	bus := event.NewBus()
	turns := make(map[int]int)
	bus.Subscribe("participant.responded", func(e event.Event) {
		ev := e.(event.ParticipantRespondedEvent)
		turns[ev.Round]++
		entry := protocol.NewEntry(ev.Participant, turns[ev.Round], ev.Round, "")
		entry.Status = protocol.StatusClosed
		entry.HasYield = true
		st := protocol.Stance(ev.Stance)
		conf := ev.Confidence
		summary := fmt.Sprintf("%s responded %s", ev.Participant, ev.Stance)
		entry.Fields.Stance = &st
		entry.Fields.Confidence = &conf
		entry.Fields.Summary = &summary
		if err := protocol.AppendEntry(path, &entry); err != nil {
			t.Errorf("append: %v", err)
		}
	})

	transport := orchestrator.TransportFunc(func(_ context.Context, modelID, _, _ string) (string, error) {
		return fmt.Sprintf("stance: approve\nconfidence: 80%%\n%s approves.", modelID), nil
	})

	cfg := orchestrator.DefaultConfig()
	cfg.Participants = agents
	cfg.RetryBackoff = 0

	orch := orchestrator.New(cfg, transport, bus)
	if err := orch.Dispatch(context.Background(), orchestrator.ActionStart, "Pick a cache policy"); err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := protocol.LoadSession(path)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid() {
		t.Fatalf("recorded session has errors: %v", result.Errors())
	}
	if len(result.Session.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(result.Session.Entries))
	}

	check := consensus.Detect(result.Session.Entries, result.Session.Rules)
	if check.Outcome != consensus.OutcomeReached {
		t.Errorf("Outcome = %v, want reached", check.Outcome)
	}
	if check.Score != 0.8 {
		t.Errorf("Score = %v, want 0.8", check.Score)
	}
}
