package entity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

type fakeService struct {
	closed bool
}

func (s *fakeService) Close() error {
	s.closed = true
	return nil
}

func newTestRegistry() *Registry {
	r := NewRegistry(logger.Default())
	r.RegisterKind(KindResourceLock, func(inst *Instance) (interface{}, error) {
		return &fakeService{}, nil
	})
	return r
}

func TestRegistry_CreatesOnFirstContact(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	inst, err := r.Get(KindResourceLock, "src/server")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if inst.Kind() != KindResourceLock || inst.Name() != "src/server" {
		t.Errorf("unexpected identity: %s/%s", inst.Kind(), inst.Name())
	}

	again, err := r.Get(KindResourceLock, "src/server")
	if err != nil {
		t.Fatalf("second get failed: %v", err)
	}
	if again != inst {
		t.Error("expected the same instance for the same name")
	}

	other, _ := r.Get(KindResourceLock, "src/client")
	if other == inst {
		t.Error("expected distinct instances for distinct names")
	}
}

func TestRegistry_UnknownKind(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	if _, err := r.Get(KindVMPool, SingletonName); err == nil {
		t.Error("expected error for unregistered kind")
	}
	if _, err := r.Get(KindResourceLock, ""); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestRegistry_CloseClosesServices(t *testing.T) {
	r := newTestRegistry()
	inst, _ := r.Get(KindResourceLock, "a")
	svc := inst.Service().(*fakeService)

	r.Close()
	if !svc.closed {
		t.Error("expected service to be closed")
	}
	if _, ok := r.Peek(KindResourceLock, "a"); ok {
		t.Error("expected instance to be removed after close")
	}
}

func TestInstance_SerializesHandlers(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()
	inst, _ := r.Get(KindResourceLock, "serialize")

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = inst.Do(context.Background(), "test", func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected at most one handler at a time, observed %d", maxActive)
	}
}

func TestInstance_AlarmReplacesAndFires(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()
	inst, _ := r.Get(KindResourceLock, "alarm")

	fired := make(chan time.Time, 2)
	inst.SetAlarmFunc(func(ctx context.Context) error {
		fired <- time.Now()
		return nil
	})

	// The second SetAlarm replaces the first; only one fire expected.
	inst.SetAlarm(time.Now().Add(500 * time.Millisecond))
	inst.SetAlarm(time.Now().Add(30 * time.Millisecond))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
	}

	select {
	case <-fired:
		t.Error("replaced alarm fired twice")
	case <-time.After(700 * time.Millisecond):
	}

	if _, pending := inst.AlarmAt(); pending {
		t.Error("expected no pending alarm after fire")
	}
}

func TestInstance_CancelAlarm(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()
	inst, _ := r.Get(KindResourceLock, "cancel")

	fired := make(chan struct{}, 1)
	inst.SetAlarmFunc(func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	})
	inst.SetAlarm(time.Now().Add(30 * time.Millisecond))
	inst.CancelAlarm()

	select {
	case <-fired:
		t.Error("cancelled alarm fired")
	case <-time.After(200 * time.Millisecond):
	}
}
