package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

func waitForEvents(t *testing.T, got *[]string, mu *sync.Mutex, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(*got)
		mu.Unlock()
		if n >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", want)
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe("entity.coordinator.main", func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), "entity.coordinator.main", NewEvent("chat", "phoenix", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitForEvents(t, &got, &mu, 1)

	mu.Lock()
	defer mu.Unlock()
	if got[0] != "chat" {
		t.Errorf("expected chat event, got %s", got[0])
	}
}

func TestMemoryEventBus_WildcardSubjects(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe("entity.agentstate.*", func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	_ = b.Publish(context.Background(), "entity.agentstate.phoenix", NewEvent("checkpoint-save", "phoenix", nil))
	_ = b.Publish(context.Background(), "entity.coordinator.main", NewEvent("chat", "phoenix", nil))
	waitForEvents(t, &got, &mu, 1)

	// Give the non-matching publish a moment to (not) arrive
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "checkpoint-save" {
		t.Errorf("expected only the agentstate event, got %v", got)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	sub, _ := b.Subscribe("entity.lock.src", func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
		return nil
	})

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	_ = b.Publish(context.Background(), "entity.lock.src", NewEvent("lock-update", "", nil))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Errorf("expected no events after unsubscribe, got %v", got)
	}
}

func TestMemoryEventBus_ClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	if b.IsConnected() {
		t.Error("expected closed bus to report not connected")
	}
	if err := b.Publish(context.Background(), "entity.vmpool.main", NewEvent("vm-update", "", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
}
