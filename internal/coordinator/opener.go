package coordinator

import (
	"time"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/entity"
	"github.com/agentmesh/agentmesh/internal/events/bus"
)

// Register installs the coordinator singleton on the registry. staleAfter
// tunes claim staleness; non-positive selects the default.
func Register(reg *entity.Registry, dataDir string, eventBus bus.EventBus, peers PeerState, staleAfter time.Duration, log *logger.Logger) {
	reg.RegisterKind(entity.KindCoordinator, func(inst *entity.Instance) (interface{}, error) {
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
		return NewService(store, eventBus, peers, staleAfter, log), nil
	})
}
