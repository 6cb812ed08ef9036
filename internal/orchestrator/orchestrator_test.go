package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bounceproto/bounce/internal/errors"
	"github.com/bounceproto/bounce/internal/event"
)

// scriptedTransport answers by model id and call number.
type scriptedTransport struct {
	mu     sync.Mutex
	calls  map[string]int
	seen   []string // userMessage per call, for prompt assertions
	script func(modelID string, call int, userMessage string) (string, error)
}

func newScripted(script func(modelID string, call int, userMessage string) (string, error)) *scriptedTransport {
	return &scriptedTransport{calls: make(map[string]int), script: script}
}

func (s *scriptedTransport) SendMessage(ctx context.Context, modelID, _, userMessage string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.calls[modelID]++
	call := s.calls[modelID]
	s.seen = append(s.seen, userMessage)
	s.mu.Unlock()
	return s.script(modelID, call, userMessage)
}

func (s *scriptedTransport) callCount(modelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[modelID]
}

// eventLog records event type strings in publish order.
type eventLog struct {
	mu    sync.Mutex
	types []string
}

func newEventLog(bus *event.Bus) *eventLog {
	l := &eventLog{}
	bus.SubscribeAll(func(e event.Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.types = append(l.types, e.EventType())
	})
	return l
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.types {
		if t == eventType {
			n++
		}
	}
	return n
}

// indexOf returns the position of the first occurrence, -1 if absent.
func (l *eventLog) indexOf(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, t := range l.types {
		if t == eventType {
			return i
		}
	}
	return -1
}

func baseConfig(participants ...string) Config {
	cfg := DefaultConfig()
	cfg.Participants = participants
	cfg.JudgeModel = "judge"
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func TestDebateReachesConsensusAndJudges(t *testing.T) {
	cfg := baseConfig("a", "b", "c", "d")

	tr := newScripted(func(modelID string, call int, _ string) (string, error) {
		if modelID == "judge" {
			return "Final: adopt the proposal.", nil
		}
		if call == 1 {
			// Split first round: one approve, two reject, one neutral.
			switch modelID {
			case "a":
				return "stance: approve\nconfidence: 80%", nil
			case "b", "c":
				return "stance: reject\nconfidence: 70%", nil
			default:
				return "Both sides have merit.", nil
			}
		}
		return "stance: approve\nconfidence: 85%", nil
	})

	bus := event.NewBus()
	log := newEventLog(bus)
	o := New(cfg, tr, bus)

	if err := o.Dispatch(context.Background(), ActionStart, "adopt token buckets?"); err != nil {
		t.Fatalf("START error: %v", err)
	}

	st := o.State()
	if st.Status != StatusComplete {
		t.Fatalf("Status = %q, want complete (err=%q)", st.Status, st.Err)
	}
	if st.FinalAnswer != "Final: adopt the proposal." {
		t.Errorf("FinalAnswer = %q", st.FinalAnswer)
	}
	if len(st.Rounds) != 2 {
		t.Fatalf("got %d rounds, want 2", len(st.Rounds))
	}

	ji, ci := log.indexOf("judging.started"), log.indexOf("bounce.complete")
	if ji < 0 || ci < 0 || ji > ci {
		t.Errorf("want judging.started before bounce.complete, got order %v", log.types)
	}
	if got := tr.callCount("judge"); got != 1 {
		t.Errorf("judge called %d times, want exactly 1", got)
	}
	for _, p := range []string{"a", "b", "c", "d"} {
		if got := tr.callCount(p); got < 2 {
			t.Errorf("participant %s called %d times, want >= 2", p, got)
		}
	}
	if log.count("round.started") != 2 || log.count("consensus.updated") != 2 {
		t.Errorf("events = %v", log.types)
	}
}

func TestRetryBackoffThenSuccess(t *testing.T) {
	cfg := baseConfig("flaky")
	cfg.MaxResponseRetries = 2
	cfg.MaxRounds = 1
	cfg.RetryBackoff = 100 * time.Millisecond

	var slept []time.Duration
	done := make(chan time.Time)
	close(done)

	tr := newScripted(func(modelID string, call int, _ string) (string, error) {
		if modelID == "judge" {
			return "done", nil
		}
		if call <= 2 {
			return "", fmt.Errorf("transient failure %d", call)
		}
		return "stance: approve\nconfidence: 90%", nil
	})

	bus := event.NewBus()
	o := New(cfg, tr, bus, withAfter(func(d time.Duration) <-chan time.Time {
		slept = append(slept, d)
		return done
	}))

	if err := o.Dispatch(context.Background(), ActionStart, "topic"); err != nil {
		t.Fatalf("START error: %v", err)
	}

	if got := tr.callCount("flaky"); got != 3 {
		t.Errorf("flaky called %d times, want 3", got)
	}
	if len(slept) != 2 || slept[0] != 100*time.Millisecond || slept[1] != 200*time.Millisecond {
		t.Errorf("backoffs = %v, want [100ms 200ms]", slept)
	}
	if st := o.State(); st.Status != StatusComplete {
		t.Errorf("Status = %q, want complete", st.Status)
	}
}

func TestRetryExhaustionRecordsNoResponse(t *testing.T) {
	cfg := baseConfig("solid", "broken")
	cfg.MaxResponseRetries = 1
	cfg.MaxRounds = 1

	done := make(chan time.Time)
	close(done)

	tr := newScripted(func(modelID string, _ int, _ string) (string, error) {
		switch modelID {
		case "broken":
			return "", fmt.Errorf("boom")
		case "judge":
			return "done", nil
		default:
			return "stance: approve\nconfidence: 90%", nil
		}
	})

	bus := event.NewBus()
	o := New(cfg, tr, bus, withAfter(func(time.Duration) <-chan time.Time { return done }))

	if err := o.Dispatch(context.Background(), ActionStart, "topic"); err != nil {
		t.Fatalf("START error: %v", err)
	}

	st := o.State()
	if st.Status != StatusComplete {
		t.Fatalf("Status = %q (err=%q)", st.Status, st.Err)
	}
	if got := tr.callCount("broken"); got != 2 {
		t.Errorf("broken called %d times, want 2 (1 + 1 retry)", got)
	}
	resp := st.Rounds[0].Responses
	if len(resp) != 2 {
		t.Fatalf("got %d responses, want 2", len(resp))
	}
	var broken *Response
	for i := range resp {
		if resp[i].Participant == "broken" {
			broken = &resp[i]
		}
	}
	if broken == nil || broken.Received {
		t.Errorf("broken should be recorded as no-response: %+v", broken)
	}
}

func TestStopCancelsInFlightCall(t *testing.T) {
	cfg := baseConfig("slow", "other")

	started := make(chan struct{})
	tr := TransportFunc(func(ctx context.Context, modelID, _, _ string) (string, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return "", ctx.Err()
	})

	bus := event.NewBus()
	log := newEventLog(bus)
	o := New(cfg, tr, bus)

	errCh := make(chan error, 1)
	go func() {
		errCh <- o.Dispatch(context.Background(), ActionStart, "topic")
	}()

	<-started
	if err := o.Dispatch(context.Background(), ActionStop, ""); err != nil {
		t.Fatalf("STOP error: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.IsCanceled(err) {
			t.Errorf("START returned %v, want cancellation", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("START did not return after STOP")
	}

	if st := o.State(); st.Status != StatusIdle {
		t.Errorf("Status = %q, want idle after stop", st.Status)
	}
	if log.count("bounce.cancelled") == 0 {
		t.Error("expected bounce.cancelled event")
	}
}

func TestWaitingUserParksAndInjectionResumes(t *testing.T) {
	cfg := baseConfig("a", "b")
	cfg.UserInterjection = true

	tr := newScripted(func(modelID string, call int, userMessage string) (string, error) {
		if modelID == "judge" {
			return "done", nil
		}
		if call == 1 {
			return "Both sides have merit.", nil
		}
		return "stance: approve\nconfidence: 90%", nil
	})

	bus := event.NewBus()
	log := newEventLog(bus)
	o := New(cfg, tr, bus)
	ctx := context.Background()

	if err := o.Dispatch(ctx, ActionStart, "topic"); err != nil {
		t.Fatalf("START error: %v", err)
	}
	if st := o.State(); st.Status != StatusWaitingUser {
		t.Fatalf("Status = %q, want waiting_user", st.Status)
	}
	if log.count("user.interjection_requested") != 1 {
		t.Error("expected user.interjection_requested")
	}

	if err := o.Dispatch(ctx, ActionInjectMessage, "consider operational cost"); err != nil {
		t.Fatalf("INJECT error: %v", err)
	}

	st := o.State()
	if st.Status != StatusComplete {
		t.Fatalf("Status = %q after injection, want complete (err=%q)", st.Status, st.Err)
	}
	if log.count("user.interjected") != 1 {
		t.Error("expected user.interjected")
	}

	// The injected note must reach the round-2 prompts.
	tr.mu.Lock()
	defer tr.mu.Unlock()
	found := false
	for _, msg := range tr.seen {
		if strings.Contains(msg, "consider operational cost") {
			found = true
		}
	}
	if !found {
		t.Error("injected message never appeared in a prompt")
	}
}

func TestMutationRejectedWhileRunning(t *testing.T) {
	cfg := baseConfig("a")
	cfg.MaxRounds = 1

	var mutErr error
	var once sync.Once
	var o *Orchestrator

	tr := newScripted(func(modelID string, _ int, _ string) (string, error) {
		once.Do(func() {
			mutErr = o.Dispatch(context.Background(), ActionAddParticipant, "late")
		})
		if modelID == "judge" {
			return "done", nil
		}
		return "stance: approve\nconfidence: 90%", nil
	})

	o = New(cfg, tr, event.NewBus())
	if err := o.Dispatch(context.Background(), ActionStart, "topic"); err != nil {
		t.Fatalf("START error: %v", err)
	}

	if !errors.Is(mutErr, errors.ErrDebateRunning) {
		t.Errorf("mid-debate ADD_PARTICIPANT error = %v, want ErrDebateRunning", mutErr)
	}
	if st := o.State(); len(st.Participants) != 1 {
		t.Errorf("Participants = %v, want unchanged", st.Participants)
	}
}

func TestPruneAlignedParticipants(t *testing.T) {
	cfg := baseConfig("a", "b", "c", "d")
	cfg.PruneAligned = true
	cfg.MaxRounds = 1
	cfg.AutoStopOnConsensus = false

	tr := newScripted(func(modelID string, _ int, _ string) (string, error) {
		switch modelID {
		case "a":
			return "stance: approve\nconfidence: 80%", nil
		case "b":
			return "stance: approve\nconfidence: 75%", nil
		case "c":
			return "stance: reject\nconfidence: 70%", nil
		case "d":
			return "stance: reject\nconfidence: 72%", nil
		default:
			return "done", nil
		}
	})

	bus := event.NewBus()
	log := newEventLog(bus)
	o := New(cfg, tr, bus)

	if err := o.Dispatch(context.Background(), ActionStart, "topic"); err != nil {
		t.Fatalf("START error: %v", err)
	}

	st := o.State()
	if st.Pruned["b"] != 1 {
		t.Errorf("b should be pruned in round 1, Pruned = %v", st.Pruned)
	}
	if st.Pruned["d"] != 1 {
		t.Errorf("d should be pruned in round 1, Pruned = %v", st.Pruned)
	}
	if len(st.Participants) != 2 {
		t.Errorf("Participants = %v, want 2 left", st.Participants)
	}
	if log.count("participant.pruned") != 2 {
		t.Errorf("got %d participant.pruned events, want 2", log.count("participant.pruned"))
	}
}

func TestParallelRound(t *testing.T) {
	cfg := baseConfig("a", "b", "c")
	cfg.RoundMode = RoundParallel
	cfg.MaxRounds = 1

	tr := newScripted(func(modelID string, _ int, _ string) (string, error) {
		if modelID == "judge" {
			return "done", nil
		}
		return "stance: approve\nconfidence: 90%", nil
	})

	o := New(cfg, tr, event.NewBus())
	if err := o.Dispatch(context.Background(), ActionStart, "topic"); err != nil {
		t.Fatalf("START error: %v", err)
	}

	st := o.State()
	if st.Status != StatusComplete {
		t.Fatalf("Status = %q (err=%q)", st.Status, st.Err)
	}
	if len(st.Rounds[0].Responses) != 3 {
		t.Errorf("got %d responses, want 3", len(st.Rounds[0].Responses))
	}
	for _, p := range []string{"a", "b", "c"} {
		if tr.callCount(p) != 1 {
			t.Errorf("%s called %d times, want 1", p, tr.callCount(p))
		}
	}
}

func TestStartRequiresParticipants(t *testing.T) {
	o := New(baseConfig(), nil, event.NewBus())
	err := o.Dispatch(context.Background(), ActionStart, "topic")
	if !errors.Is(err, errors.ErrNoParticipants) {
		t.Errorf("error = %v, want ErrNoParticipants", err)
	}
}

func TestStartRejectedWhileActive(t *testing.T) {
	cfg := baseConfig("a")
	cfg.UserInterjection = true

	tr := newScripted(func(modelID string, _ int, _ string) (string, error) {
		return "neutral thoughts", nil
	})
	o := New(cfg, tr, event.NewBus())
	ctx := context.Background()

	if err := o.Dispatch(ctx, ActionStart, "topic"); err != nil {
		t.Fatal(err)
	}
	// Parked in waiting_user: a second START must be rejected.
	if err := o.Dispatch(ctx, ActionStart, "other"); !errors.Is(err, errors.ErrDebateRunning) {
		t.Errorf("error = %v, want ErrDebateRunning", err)
	}
}

func TestSkipToJudgeFromPark(t *testing.T) {
	cfg := baseConfig("a", "b")
	cfg.UserInterjection = true

	tr := newScripted(func(modelID string, _ int, _ string) (string, error) {
		if modelID == "judge" {
			return "the verdict", nil
		}
		return "undecided so far", nil
	})

	bus := event.NewBus()
	log := newEventLog(bus)
	o := New(cfg, tr, bus)
	ctx := context.Background()

	if err := o.Dispatch(ctx, ActionStart, "topic"); err != nil {
		t.Fatal(err)
	}
	if err := o.Dispatch(ctx, ActionSkipToJudge, ""); err != nil {
		t.Fatalf("SKIP_TO_JUDGE error: %v", err)
	}

	st := o.State()
	if st.Status != StatusComplete || st.FinalAnswer != "the verdict" {
		t.Errorf("state = %q / %q", st.Status, st.FinalAnswer)
	}
	if tr.callCount("judge") != 1 {
		t.Errorf("judge called %d times, want 1", tr.callCount("judge"))
	}
	if log.count("judging.started") != 1 {
		t.Error("expected judging.started")
	}
}

func TestJudgeFailureSetsErrorState(t *testing.T) {
	cfg := baseConfig("a")
	cfg.MaxRounds = 1
	cfg.MaxResponseRetries = 0

	tr := newScripted(func(modelID string, _ int, _ string) (string, error) {
		if modelID == "judge" {
			return "", fmt.Errorf("judge unavailable")
		}
		return "stance: approve\nconfidence: 90%", nil
	})

	bus := event.NewBus()
	log := newEventLog(bus)
	o := New(cfg, tr, bus)

	if err := o.Dispatch(context.Background(), ActionStart, "topic"); err != nil {
		t.Fatalf("START should swallow loop errors, got %v", err)
	}

	st := o.State()
	if st.Status != StatusError {
		t.Fatalf("Status = %q, want error", st.Status)
	}
	if !strings.Contains(st.Err, "judge") {
		t.Errorf("Err = %q", st.Err)
	}
	if log.count("bounce.error") != 1 {
		t.Error("expected bounce.error event")
	}
}
