// Package entity implements the runtime contract shared by all agentmesh
// entity kinds: stable-name addressing, per-instance serialization, a single
// pending alarm, and durable per-instance storage.
package entity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/tracing"
)

// Kind identifies an entity kind. Singleton kinds pin the name "main".
type Kind string

const (
	KindCoordinator  Kind = "coordinator"
	KindAgentState   Kind = "agentstate"
	KindResourceLock Kind = "lock"
	KindVMPool       Kind = "vmpool"
	KindGitTree      Kind = "gittree"
)

// SingletonName is the fixed name of singleton entity instances.
const SingletonName = "main"

// AlarmFunc runs when the instance's pending alarm fires. It executes under
// the same serialization as requests.
type AlarmFunc func(ctx context.Context) error

// Instance is one addressed entity: a service value, its serialization lock,
// and at most one pending alarm. Handlers for the same instance never
// interleave; different instances run independently.
type Instance struct {
	kind Kind
	name string

	// mu serializes request handlers and the alarm callback.
	mu  sync.Mutex
	svc interface{}

	alarmMu sync.Mutex
	timer   *time.Timer
	alarmAt time.Time
	alarmFn AlarmFunc

	logger *logger.Logger
}

func newInstance(kind Kind, name string, log *logger.Logger) *Instance {
	return &Instance{
		kind:   kind,
		name:   name,
		logger: log.WithEntity(string(kind), name),
	}
}

// Kind returns the entity kind.
func (i *Instance) Kind() Kind { return i.kind }

// Name returns the entity's stable name.
func (i *Instance) Name() string { return i.name }

// Service returns the domain service attached by the kind's opener.
func (i *Instance) Service() interface{} { return i.svc }

// Logger returns a logger scoped to this instance.
func (i *Instance) Logger() *logger.Logger { return i.logger }

// Do runs fn under the instance's serialization lock. Queueing order follows
// lock acquisition; a handler suspended on I/O keeps the lock, so requests to
// the same instance wait while other instances proceed.
func (i *Instance) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	ctx, span := tracing.StartEntityRequest(ctx, string(i.kind), i.name, op)
	defer span.End()

	return fn(ctx)
}

// SetAlarmFunc installs the callback invoked when the pending alarm fires.
// Called once by the kind's opener before the instance serves requests.
func (i *Instance) SetAlarmFunc(fn AlarmFunc) {
	i.alarmMu.Lock()
	defer i.alarmMu.Unlock()
	i.alarmFn = fn
}

// SetAlarm schedules the alarm for t, replacing any prior pending alarm.
func (i *Instance) SetAlarm(t time.Time) {
	i.alarmMu.Lock()
	defer i.alarmMu.Unlock()

	if i.timer != nil {
		i.timer.Stop()
	}
	i.alarmAt = t

	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	i.timer = time.AfterFunc(d, i.fireAlarm)
}

// CancelAlarm drops the pending alarm, if any.
func (i *Instance) CancelAlarm() {
	i.alarmMu.Lock()
	defer i.alarmMu.Unlock()

	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	i.alarmAt = time.Time{}
}

// AlarmAt returns the pending alarm time, if one is set.
func (i *Instance) AlarmAt() (time.Time, bool) {
	i.alarmMu.Lock()
	defer i.alarmMu.Unlock()
	return i.alarmAt, i.timer != nil
}

func (i *Instance) fireAlarm() {
	i.alarmMu.Lock()
	fn := i.alarmFn
	i.timer = nil
	i.alarmAt = time.Time{}
	i.alarmMu.Unlock()

	if fn == nil {
		return
	}
	// Alarm handlers run under the same serialization as requests.
	err := i.Do(context.Background(), "alarm", fn)
	if err != nil {
		i.logger.Error("Alarm handler failed", zap.Error(err))
	}
}

func (i *Instance) setService(svc interface{}) {
	i.svc = svc
}
