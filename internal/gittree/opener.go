package gittree

import (
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/entity"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// Register installs the gittree opener on the registry. Each instance is one
// repository, named "owner/repo", and arms its own prune sweep on open.
func Register(reg *entity.Registry, dataDir string, eventBus bus.EventBus, client TreeFetcher, log *logger.Logger) {
	reg.RegisterKind(entity.KindGitTree, func(inst *entity.Instance) (interface{}, error) {
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
		svc, err := NewService(store, inst.Name(), client, inst, eventBus, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		inst.SetAlarmFunc(svc.HandleAlarm)
		svc.ArmPrune()
		return svc, nil
	})
}
