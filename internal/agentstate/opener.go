package agentstate

import (
	"time"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/entity"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// Register installs the agent state kind on the registry. Each agent gets its
// own sqlite store under dataDir/agentstate/.
func Register(reg *entity.Registry, dataDir string, eventBus bus.EventBus, stallThreshold time.Duration, log *logger.Logger) {
	reg.RegisterKind(entity.KindAgentState, func(inst *entity.Instance) (interface{}, error) {
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
		return NewService(store, inst.Name(), eventBus, stallThreshold, log), nil
	})
}
