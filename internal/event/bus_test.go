package event

import (
	"sync"
	"testing"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe("bounce.started", func(e Event) {
		got = append(got, e)
	})

	bus.Publish(NewBounceStartedEvent("topic", []string{"a", "b"}))

	if len(got) != 1 {
		t.Fatalf("handler called %d times, want 1", len(got))
	}
	e, ok := got[0].(BounceStartedEvent)
	if !ok {
		t.Fatalf("event type = %T, want BounceStartedEvent", got[0])
	}
	if e.Topic != "topic" {
		t.Errorf("Topic = %q, want %q", e.Topic, "topic")
	}
}

func TestPublishIsSynchronous(t *testing.T) {
	bus := NewBus()

	delivered := false
	bus.Subscribe("round.started", func(Event) {
		delivered = true
	})

	bus.Publish(NewRoundStartedEvent(1))

	// Delivery must complete before Publish returns.
	if !delivered {
		t.Error("subscriber not notified before Publish returned")
	}
}

func TestSpecificBeforeWildcard(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "wildcard") })
	bus.Subscribe("round.complete", func(Event) { order = append(order, "specific") })

	bus.Publish(NewRoundCompleteEvent(1, 3))

	if len(order) != 2 || order[0] != "specific" || order[1] != "wildcard" {
		t.Errorf("dispatch order = %v, want [specific wildcard]", order)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	id := bus.Subscribe("bounce.complete", func(Event) { calls++ })

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe() returned false for a live subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("Unsubscribe() returned true for a removed subscription")
	}

	bus.Publish(NewBounceCompleteEvent(2, "answer"))
	if calls != 0 {
		t.Errorf("handler called %d times after unsubscribe, want 0", calls)
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()

	var secondCalled bool
	bus.Subscribe("agent.crashed", func(Event) { panic("boom") })
	bus.Subscribe("agent.crashed", func(Event) { secondCalled = true })

	bus.Publish(NewAgentCrashedEvent("agent-1", "cli"))

	if !secondCalled {
		t.Error("second handler not called after first handler panicked")
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe("agent.output", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewAgentOutputEvent("agent-1", "chunk"))
		}()
	}
	wg.Wait()

	if count != 20 {
		t.Errorf("handler called %d times, want 20", count)
	}
}

func TestClearAndSubscriptionCount(t *testing.T) {
	bus := NewBus()

	bus.Subscribe("a", func(Event) {})
	bus.Subscribe("b", func(Event) {})
	bus.SubscribeAll(func(Event) {})

	if got := bus.SubscriptionCount(); got != 3 {
		t.Errorf("SubscriptionCount() = %d, want 3", got)
	}

	bus.Clear()
	if got := bus.SubscriptionCount(); got != 0 {
		t.Errorf("SubscriptionCount() after Clear = %d, want 0", got)
	}
}
