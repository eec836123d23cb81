package repo

import (
	"context"
	"fmt"

	"github.com/a2aflow/host/internal/common/config"
)

// Provide selects the backend by cfg.URL presence (spec §6.5: DATABASE_URL
// set → postgres, unset → sqlite) and returns a ready-to-use Store plus a
// close func the caller defers.
func Provide(ctx context.Context, cfg config.DatabaseConfig) (Store, func() error, error) {
	if cfg.URL != "" {
		store, err := NewPostgresStore(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("provide postgres store: %w", err)
		}
		return store, store.Close, nil
	}

	path := cfg.Path
	if path == "" {
		path = "a2ahost.db"
	}
	store, err := NewSQLiteStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("provide sqlite store: %w", err)
	}
	return store, store.Close, nil
}
