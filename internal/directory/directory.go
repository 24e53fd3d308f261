// Package directory exposes the user, permission, and authority lookups
// the workflow consumes. The workflow only sees the narrow interfaces;
// Service is the SQL-backed implementation.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reviewline/internal/domain"
)

var ErrUserNotFound = errors.New("user not found")

// UserDirectory resolves user records.
type UserDirectory interface {
	FindUser(ctx context.Context, userID string) (domain.User, error)
}

// PermissionDirectory answers capability questions.
type PermissionDirectory interface {
	HasPermission(ctx context.Context, userID, permission, locationID string) (bool, error)
	UsersWithPermission(ctx context.Context, permission, locationID string) ([]string, error)
}

// AuthorityResolver maps a user to its numeric authority tier.
type AuthorityResolver interface {
	AuthorityOf(ctx context.Context, userID string) (int, error)
}

// Directory is the full collaborator surface the workflow engine wires.
type Directory interface {
	UserDirectory
	PermissionDirectory
	AuthorityResolver
	UsersWithRole(ctx context.Context, roleID string) ([]string, error)
	UsersWithMinAuthority(ctx context.Context, min int) ([]string, error)
	LocationMunicipality(ctx context.Context, locationID string) (string, error)
}

// Service provides directory lookups backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) FindUser(ctx context.Context, userID string) (domain.User, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, first_name, last_name, COALESCE(email,''), COALESCE(role_id,''), active
FROM users WHERE id=?`, userID)
	var u domain.User
	var active int
	err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.RoleID, &active)
	if err == sql.ErrNoRows {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	u.Active = active != 0
	if u.Organizations, err = s.stringColumn(ctx, `SELECT org_id FROM user_organizations WHERE user_id=?`, userID); err != nil {
		return domain.User{}, err
	}
	if u.Municipalities, err = s.stringColumn(ctx, `SELECT municipality_id FROM user_municipalities WHERE user_id=?`, userID); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// AuthorityOf resolves the live authority tier through the user's role.
// Snapshots stored on a request are never consulted here.
func (s Service) AuthorityOf(ctx context.Context, userID string) (int, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT r.authority FROM users u JOIN roles r ON r.id=u.role_id WHERE u.id=?`, userID)
	var authority int
	err := row.Scan(&authority)
	if err == sql.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	return authority, nil
}

func (s Service) HasPermission(ctx context.Context, userID, permission, locationID string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM users u
JOIN role_permissions rp ON rp.role_id=u.role_id
WHERE u.id=? AND u.active=1 AND rp.permission_id=? LIMIT 1`, userID, permission)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// UsersWithPermission lists active users holding the permission. When a
// location is given the result is scoped to users covering that
// location's municipality; callers fall back to an unscoped query when
// the scoped one comes back empty.
func (s Service) UsersWithPermission(ctx context.Context, permission, locationID string) ([]string, error) {
	if locationID == "" {
		return s.stringColumn(ctx, `
SELECT u.id FROM users u
JOIN role_permissions rp ON rp.role_id=u.role_id
WHERE u.active=1 AND rp.permission_id=? ORDER BY u.id`, permission)
	}
	municipality, err := s.LocationMunicipality(ctx, locationID)
	if err != nil {
		return nil, err
	}
	if municipality == "" {
		return s.UsersWithPermission(ctx, permission, "")
	}
	return s.stringColumn(ctx, `
SELECT DISTINCT u.id FROM users u
JOIN role_permissions rp ON rp.role_id=u.role_id
JOIN user_municipalities um ON um.user_id=u.id
WHERE u.active=1 AND rp.permission_id=? AND um.municipality_id=? ORDER BY u.id`, permission, municipality)
}

func (s Service) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	return s.stringColumn(ctx, `SELECT id FROM users WHERE role_id=? AND active=1 ORDER BY id`, roleID)
}

func (s Service) UsersWithMinAuthority(ctx context.Context, min int) ([]string, error) {
	return s.stringColumn(ctx, `
SELECT u.id FROM users u JOIN roles r ON r.id=u.role_id
WHERE u.active=1 AND r.authority>=? ORDER BY u.id`, min)
}

func (s Service) LocationMunicipality(ctx context.Context, locationID string) (string, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT COALESCE(municipality_id,'') FROM locations WHERE id=?`, locationID)
	var municipality string
	err := row.Scan(&municipality)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("location %s not found", locationID)
	}
	if err != nil {
		return "", err
	}
	return municipality, nil
}

func (s Service) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Snapshot builds an ActorSnapshot from the live directory record.
func (s Service) Snapshot(ctx context.Context, userID string) (domain.ActorSnapshot, error) {
	u, err := s.FindUser(ctx, userID)
	if err != nil {
		return domain.ActorSnapshot{}, err
	}
	authority, err := s.AuthorityOf(ctx, userID)
	if err != nil {
		return domain.ActorSnapshot{}, err
	}
	return domain.ActorSnapshot{
		UserID:    u.ID,
		Name:      u.DisplayName(),
		Role:      u.RoleID,
		Authority: authority,
	}, nil
}
