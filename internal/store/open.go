package store

import (
	"context"
	"fmt"

	"github.com/xaitan80/X-Score/internal/config"
	"github.com/xaitan80/X-Score/internal/feed"
)

// Open builds the backend selected by cfg.Backend. The bus receives change
// events for backends that do not have their own listener.
func Open(ctx context.Context, cfg config.StoreConfig, bus *feed.Bus) (Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite, "":
		return OpenGorm(cfg.DBPath, bus)
	case config.BackendPostgres:
		return OpenPostgres(ctx, cfg.DatabaseURL, bus)
	case config.BackendFirestore:
		return OpenFirestore(ctx, cfg.FirestoreProject, cfg.FirebaseCredsJSON)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
