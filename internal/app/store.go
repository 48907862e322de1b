package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nuetzliches/leasequeue/internal/config"
	"github.com/nuetzliches/leasequeue/internal/queue"
)

// openStore opens the backend selected by sc. The returned string names the
// backend for logging.
func openStore(sc config.StoreConfig) (queue.Store, string, error) {
	switch sc.Kind {
	case config.StoreMemory, "":
		return queue.NewMemoryStore(queue.WithMemoryPruneInterval(sc.PruneInterval)), config.StoreMemory, nil
	case config.StoreSQLite:
		if err := ensureParentDir(sc.Path); err != nil {
			return nil, "", err
		}
		s, err := queue.NewSQLiteStore(sc.Path, queue.WithSQLitePruneInterval(sc.PruneInterval))
		if err != nil {
			return nil, "", err
		}
		return s, config.StoreSQLite, nil
	case config.StorePostgres:
		s, err := queue.NewPostgresStore(sc.DSN, queue.WithPostgresPruneInterval(sc.PruneInterval))
		if err != nil {
			return nil, "", err
		}
		return s, config.StorePostgres, nil
	case config.StorePebble:
		if err := ensureParentDir(sc.Path); err != nil {
			return nil, "", err
		}
		s, err := queue.NewPebbleStore(sc.Path,
			queue.WithPebblePruneInterval(sc.PruneInterval),
			queue.WithPebbleSync(sc.Sync),
		)
		if err != nil {
			return nil, "", err
		}
		return s, config.StorePebble, nil
	default:
		return nil, "", fmt.Errorf("unsupported store kind %q", sc.Kind)
	}
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
