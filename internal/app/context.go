package app

import (
	"context"
	"errors"
	"fmt"

	"reviewline/internal/config"
	"reviewline/internal/repo"
)

// ResolveConfig loads the effective service config: the workspace
// reviewline.yml when present, otherwise the copy stored in the
// database, otherwise the seeded default. Whatever wins is persisted
// back to the database and the RBAC catalog is (re)seeded from it.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg, err = r.GetServiceConfig(ctx)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	if cfg == nil {
		cfg = config.Default("reviewline")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := r.UpsertServiceConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("store service config: %w", err)
	}
	if err := r.SeedRBAC(ctx, cfg); err != nil {
		return nil, fmt.Errorf("seed rbac: %w", err)
	}
	return cfg, nil
}

// ImportConfig validates and installs a config file as the stored
// service config.
func ImportConfig(ctx context.Context, path string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, err
	}
	if err := r.UpsertServiceConfig(ctx, cfg); err != nil {
		return nil, err
	}
	if err := r.SeedRBAC(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
