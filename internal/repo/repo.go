package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reviewline/internal/config"
	"reviewline/internal/domain"
	"reviewline/internal/state"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means a concurrent writer got there first; the
	// caller should reload and retry.
	ErrVersionConflict = errors.New("request version conflict")
)

const requestColumns = `id,status,version,title,COALESCE(description,''),COALESCE(location_id,''),COALESCE(org_id,''),COALESCE(municipality_id,''),COALESCE(event_date,''),COALESCE(start_time,''),requester_json,reviewer_json,coordinators_json,active_responder_json,last_action_json,reschedule_json,claim_json,staff_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.Request, error) {
	var r domain.Request
	var reviewer, coordinators, responder, lastAction, reschedule, claimed, staff sql.NullString
	var requester string
	err := row.Scan(&r.ID, &r.Status, &r.Version, &r.Title, &r.Description, &r.LocationID, &r.OrgID, &r.MunicipalityID,
		&r.EventDate, &r.StartTime, &requester, &reviewer, &coordinators, &responder, &lastAction, &reschedule, &claimed, &staff,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	// Legacy spellings are normalized on the way out; the stored row is
	// left alone until the next write.
	if canonical, ok := state.Normalize(r.Status); ok {
		r.Status = canonical
	}
	if err := json.Unmarshal([]byte(requester), &r.Requester); err != nil {
		return r, fmt.Errorf("request %s: requester snapshot: %w", r.ID, err)
	}
	if err := unmarshalInto(reviewer, &r.Reviewer); err != nil {
		return r, fmt.Errorf("request %s: reviewer: %w", r.ID, err)
	}
	if err := unmarshalInto(coordinators, &r.Coordinators); err != nil {
		return r, fmt.Errorf("request %s: coordinators: %w", r.ID, err)
	}
	if err := unmarshalInto(responder, &r.Responder); err != nil {
		return r, fmt.Errorf("request %s: responder: %w", r.ID, err)
	}
	if err := unmarshalInto(lastAction, &r.LastAction); err != nil {
		return r, fmt.Errorf("request %s: last action: %w", r.ID, err)
	}
	if err := unmarshalInto(reschedule, &r.Reschedule); err != nil {
		return r, fmt.Errorf("request %s: reschedule: %w", r.ID, err)
	}
	if err := unmarshalInto(claimed, &r.Claim); err != nil {
		return r, fmt.Errorf("request %s: claim: %w", r.ID, err)
	}
	if err := unmarshalInto(staff, &r.Staff); err != nil {
		return r, fmt.Errorf("request %s: staff: %w", r.ID, err)
	}
	return r, nil
}

func unmarshalInto(col sql.NullString, target any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), target)
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *domain.ReviewerAssignment:
		if t == nil {
			return nil, nil
		}
	case *domain.ActiveResponder:
		if t == nil {
			return nil, nil
		}
	case *domain.LastAction:
		if t == nil {
			return nil, nil
		}
	case *domain.RescheduleProposal:
		if t == nil {
			return nil, nil
		}
	case *domain.Claim:
		if t == nil {
			return nil, nil
		}
	case []domain.CoordinatorEntry:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func requestArgs(r domain.Request) ([]any, error) {
	requester, err := json.Marshal(r.Requester)
	if err != nil {
		return nil, err
	}
	cols := []any{string(requester)}
	for _, v := range []any{r.Reviewer, r.Coordinators, r.Responder, r.LastAction, r.Reschedule, r.Claim, r.Staff} {
		col, err := marshalNullable(v)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	args := []any{r.ID, r.Status, r.Version, r.Title, nullable(r.Description), nullable(r.LocationID), nullable(r.OrgID),
		nullable(r.MunicipalityID), nullable(r.EventDate), nullable(r.StartTime)}
	args = append(args, cols...)
	args = append(args, r.CreatedAt, r.UpdatedAt)
	return args, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	args, err := requestArgs(req)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO requests(id,status,version,title,description,location_id,org_id,municipality_id,event_date,start_time,requester_json,reviewer_json,coordinators_json,active_responder_json,last_action_json,reschedule_json,claim_json,staff_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

// UpdateRequest persists req guarded by its version: the row is written
// only when the stored version still matches, and the version is bumped
// in the same statement. A missed match is ErrVersionConflict unless the
// row is gone entirely.
func (r Repo) UpdateRequest(ctx context.Context, tx *sql.Tx, req domain.Request) (domain.Request, error) {
	next := req
	next.Version = req.Version + 1
	args, err := requestArgs(next)
	if err != nil {
		return domain.Request{}, err
	}
	// requestArgs puts id first; the CAS update wants it last.
	args = append(args[1:], next.ID, req.Version)
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?,version=?,title=?,description=?,location_id=?,org_id=?,municipality_id=?,event_date=?,start_time=?,requester_json=?,reviewer_json=?,coordinators_json=?,active_responder_json=?,last_action_json=?,reschedule_json=?,claim_json=?,staff_json=?,created_at=?,updated_at=? WHERE id=? AND version=?`, args...)
	if err != nil {
		return domain.Request{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM requests WHERE id=?`, next.ID).Scan(&exists); err == sql.ErrNoRows {
			return domain.Request{}, ErrNotFound
		}
		return domain.Request{}, ErrVersionConflict
	}
	return next, nil
}

func (r Repo) DeleteRequest(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type RequestFilters struct {
	Status          string
	RequesterID     string
	ReviewerID      string
	LocationID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RequesterID != "" {
		clauses = append(clauses, "json_extract(requester_json,'$.user_id')=?")
		args = append(args, f.RequesterID)
	}
	if f.ReviewerID != "" {
		clauses = append(clauses, "json_extract(reviewer_json,'$.user_id')=?")
		args = append(args, f.ReviewerID)
	}
	if f.LocationID != "" {
		clauses = append(clauses, "location_id=?")
		args = append(args, f.LocationID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// AppendHistory adds the next status-trail row for a request inside the
// caller's transaction.
func (r Repo) AppendHistory(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) error {
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM request_history WHERE request_id=?`, h.RequestID)
	if err := row.Scan(&h.Seq); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO request_history(request_id,seq,status,note,actor_id,changed_at) VALUES (?,?,?,?,?,?)`,
		h.RequestID, h.Seq, h.Status, nullable(h.Note), h.ActorID, h.ChangedAt)
	return err
}

func (r Repo) ListHistory(ctx context.Context, requestID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT request_id,seq,status,COALESCE(note,''),actor_id,changed_at FROM request_history WHERE request_id=? ORDER BY seq`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.RequestID, &h.Seq, &h.Status, &h.Note, &h.ActorID, &h.ChangedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) UpsertServiceConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO service_config(id,payload_json,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`, string(payload), now)
	return err
}

func (r Repo) GetServiceConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM service_config WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
