package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"reviewline/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	if u.ID == "" {
		return errors.New("id required")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	active := 0
	if u.Active {
		active = 1
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO users(id,first_name,last_name,email,role_id,active,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET first_name=excluded.first_name, last_name=excluded.last_name, email=excluded.email, role_id=excluded.role_id, active=excluded.active`,
		u.ID, u.FirstName, u.LastName, nullable(u.Email), nullable(u.RoleID), active, now)
	if err != nil {
		return err
	}
	if err := r.replaceMemberships(ctx, tx, `user_organizations`, `org_id`, u.ID, u.Organizations); err != nil {
		return err
	}
	if err := r.replaceMemberships(ctx, tx, `user_municipalities`, `municipality_id`, u.ID, u.Municipalities); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) replaceMemberships(ctx context.Context, tx *sql.Tx, table, column, userID string, ids []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id=?`, userID); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO `+table+`(user_id,`+column+`) VALUES (?,?)`, userID, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) SetUserActive(ctx context.Context, userID string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET active=? WHERE id=?`, v, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,first_name,last_name,COALESCE(email,''),COALESCE(role_id,''),active FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var active int
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.RoleID, &active); err != nil {
			return nil, err
		}
		u.Active = active != 0
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) EnsureOrg(ctx context.Context, orgID, name string) error {
	if name == "" {
		name = orgID
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id,name,created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) EnsureMunicipality(ctx context.Context, municipalityID, name string) error {
	if name == "" {
		name = municipalityID
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO municipalities(id,name,created_at) VALUES (?,?,?)`, municipalityID, name, now)
	return err
}

func (r Repo) UpsertLocation(ctx context.Context, loc domain.Location) error {
	if loc.ID == "" {
		return errors.New("id required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO locations(id,name,municipality_id,org_id) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, municipality_id=excluded.municipality_id, org_id=excluded.org_id`,
		loc.ID, loc.Name, nullable(loc.MunicipalityID), nullable(loc.OrgID))
	return err
}

func (r Repo) GetLocation(ctx context.Context, id string) (domain.Location, error) {
	var loc domain.Location
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(municipality_id,''),COALESCE(org_id,'') FROM locations WHERE id=?`, id).
		Scan(&loc.ID, &loc.Name, &loc.MunicipalityID, &loc.OrgID)
	if err == sql.ErrNoRows {
		return loc, ErrNotFound
	}
	return loc, err
}
