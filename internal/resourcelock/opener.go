package resourcelock

import (
	"time"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/entity"
)

// Register installs the resource lock kind on the registry. Each resource gets
// its own sqlite store under dataDir/lock/.
func Register(reg *entity.Registry, dataDir string, defaultTTL time.Duration, log *logger.Logger) {
	reg.RegisterKind(entity.KindResourceLock, func(inst *entity.Instance) (interface{}, error) {
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
		svc := NewService(store, inst.Name(), inst, defaultTTL, log)
		inst.SetAlarmFunc(svc.HandleAlarm)
		return svc, nil
	})
}
