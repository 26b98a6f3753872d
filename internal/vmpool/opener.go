package vmpool

import (
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/entity"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// Register installs the pool singleton on the registry and arms its first
// sweep.
func Register(reg *entity.Registry, dataDir string, eventBus bus.EventBus, settings Settings, log *logger.Logger) {
	reg.RegisterKind(entity.KindVMPool, func(inst *entity.Instance) (interface{}, error) {
		writer, reader, err := db.OpenEntityStore(dataDir, string(inst.Kind()), inst.Name())
		if err != nil {
			return nil, err
		}
		store, err := NewStore(writer, reader)
		if err != nil {
			_ = writer.Close()
			_ = reader.Close()
			return nil, err
		}
		svc := NewService(store, eventBus, inst, settings, log)
		inst.SetAlarmFunc(svc.HandleAlarm)
		svc.ArmSweep()
		return svc, nil
	})
}
