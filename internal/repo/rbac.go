package repo

import (
	"context"
	"database/sql"

	"reviewline/internal/config"
)

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string, authority int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO roles(id, description, authority) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description, authority=excluded.authority`, id, desc, authority)
	return err
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

func (r Repo) RemoveRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=? AND permission_id=?`, roleID, permID)
	return err
}

// SeedRBAC writes the configured role and permission catalog. Existing
// roles are updated in place so authority changes in config take effect
// on re-seed.
func (r Repo) SeedRBAC(ctx context.Context, cfg *config.Config) error {
	if cfg == nil || len(cfg.RBAC.Roles) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for roleID, role := range cfg.RBAC.Roles {
		if err := r.InsertRole(ctx, tx, roleID, role.Description, role.Authority); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := r.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}
