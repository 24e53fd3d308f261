// Package engine drives the request workflow: creation with reviewer
// routing, action execution behind the policy checks, claims, and
// deletion. Every mutation runs in one transaction with its history row
// and event appended alongside, guarded by the request's version.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"reviewline/internal/assign"
	"reviewline/internal/claim"
	"reviewline/internal/config"
	"reviewline/internal/directory"
	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/repo"
	"reviewline/internal/responder"
	"reviewline/internal/state"
	"reviewline/internal/validate"
)

// casRetries bounds the reload-and-retry loop on version conflicts.
const casRetries = 3

// EventAssignmentExhausted is emitted when no reviewer could be found.
const EventAssignmentExhausted = "reviewer.assignment.exhausted"

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Dir      directory.Directory
	Assign   assign.Service
	Validate validate.Validator
	Claims   claim.Coordinator
	Tracker  responder.Tracker
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
	Logger   *log.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	dir := directory.Service{DB: db}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Dir:      dir,
		Assign:   assign.Service{Dir: dir, Rules: cfg.Routing.Rules},
		Validate: validate.Validator{Dir: dir},
		Claims:   claim.Coordinator{Timeout: time.Duration(cfg.ClaimTimeoutMinutes()) * time.Minute},
		Tracker:  responder.Tracker{},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) snapshot(ctx context.Context, userID string) (domain.ActorSnapshot, error) {
	u, err := e.Dir.FindUser(ctx, userID)
	if err != nil {
		return domain.ActorSnapshot{}, err
	}
	authority, err := e.Dir.AuthorityOf(ctx, userID)
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

// CreateRequestOptions are parameters for creating a request.
type CreateRequestOptions struct {
	ID             string
	Title          string
	Description    string
	LocationID     string
	OrgID          string
	MunicipalityID string
	EventDate      string
	StartTime      string
	// StakeholderID names an explicit counter-party reviewer.
	StakeholderID string
	RequesterID   string
	Staff         []string
}

// CreateRequest snapshots the requester, routes a reviewer, and stores
// the new pending-review request. When every routing stage comes back
// empty the exhaustion is recorded as an event before the error is
// returned, so operators get an alert even though nothing was created.
func (e Engine) CreateRequest(ctx context.Context, opts CreateRequestOptions) (domain.Request, error) {
	if opts.Title == "" {
		return domain.Request{}, errors.New("title is required")
	}
	if opts.RequesterID == "" {
		return domain.Request{}, errors.New("requester is required")
	}
	requester, err := e.snapshot(ctx, opts.RequesterID)
	if err != nil {
		return domain.Request{}, fmt.Errorf("resolve requester: %w", err)
	}
	ok, err := e.Dir.HasPermission(ctx, opts.RequesterID, "request.create", opts.LocationID)
	if err != nil {
		return domain.Request{}, err
	}
	if !ok {
		return domain.Request{}, &validate.Denial{
			Reason:  validate.ReasonInsufficientPermission,
			Message: fmt.Sprintf("actor %s lacks request.create", opts.RequesterID),
		}
	}
	if opts.MunicipalityID == "" && opts.LocationID != "" {
		municipality, err := e.Dir.LocationMunicipality(ctx, opts.LocationID)
		if err != nil {
			return domain.Request{}, err
		}
		opts.MunicipalityID = municipality
	}

	rc := assign.Context{
		LocationID:     opts.LocationID,
		OrganizationID: opts.OrgID,
		CoverageAreaID: opts.MunicipalityID,
		StakeholderID:  opts.StakeholderID,
	}
	reviewer, err := e.Assign.AssignReviewer(ctx, opts.RequesterID, rc)
	if err != nil {
		if errors.Is(err, assign.ErrNoReviewerAvailable) {
			e.recordAssignmentExhausted(ctx, opts)
		}
		return domain.Request{}, err
	}
	coordinators, err := e.Assign.QualifiedCoordinators(ctx, opts.RequesterID, rc)
	if err != nil {
		return domain.Request{}, err
	}

	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.NewString()
	}
	req := domain.Request{
		ID:             id,
		Status:         state.PendingReview,
		Version:        1,
		Title:          opts.Title,
		Description:    opts.Description,
		LocationID:     opts.LocationID,
		OrgID:          opts.OrgID,
		MunicipalityID: opts.MunicipalityID,
		EventDate:      opts.EventDate,
		StartTime:      opts.StartTime,
		Requester:      requester,
		Reviewer:       &reviewer,
		Coordinators:   coordinators,
		Responder:      responder.Initial(&reviewer),
		Staff:          opts.Staff,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.Request{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Repo.AppendHistory(ctx, tx, domain.HistoryEntry{
		RequestID: req.ID,
		Status:    req.Status,
		ActorID:   opts.RequesterID,
		ChangedAt: now,
	}); err != nil {
		return domain.Request{}, err
	}
	if err := e.Events.Append(ctx, tx, "request.created", "request", req.ID, opts.RequesterID, events.EventPayload{
		"status":          req.Status,
		"reviewer":        reviewer.UserID,
		"assignment_rule": reviewer.AssignmentRule,
	}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// recordAssignmentExhausted writes the exhaustion event in its own
// transaction; a failure here only costs the alert, not the caller's
// error path.
func (e Engine) recordAssignmentExhausted(ctx context.Context, opts CreateRequestOptions) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.logger().Printf("engine: record assignment exhaustion: %v", err)
		return
	}
	defer tx.Rollback()
	err = e.Events.Append(ctx, tx, EventAssignmentExhausted, "request", "", opts.RequesterID, events.EventPayload{
		"title":       opts.Title,
		"location_id": opts.LocationID,
	})
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		e.logger().Printf("engine: record assignment exhaustion: %v", err)
	}
}

// ActionOptions are parameters for executing a workflow action.
type ActionOptions struct {
	RequestID string
	ActorID   string
	Action    string
	Note      string
	// Reschedule fields, used only by the reschedule action.
	ProposedDate      string
	ProposedStartTime string
	ProposalNotes     string
	// Edit fields, applied only by the edit action. Nil means unchanged.
	Title       *string
	Description *string
	EventDate   *string
	StartTime   *string
	// Staff replaces the staff roster, used only by manage-staff.
	Staff []string
}

// ExecuteAction runs one workflow action through the policy checks and
// persists the result. Version conflicts from concurrent writers are
// retried against a fresh read a bounded number of times.
func (e Engine) ExecuteAction(ctx context.Context, opts ActionOptions) (domain.Request, error) {
	if opts.Action == "" {
		return domain.Request{}, errors.New("action is required")
	}
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		req, err := e.executeActionOnce(ctx, opts)
		if errors.Is(err, repo.ErrVersionConflict) {
			lastErr = err
			continue
		}
		return req, err
	}
	return domain.Request{}, fmt.Errorf("request %s: concurrent updates exhausted retries: %w", opts.RequestID, lastErr)
}

func (e Engine) executeActionOnce(ctx context.Context, opts ActionOptions) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.Request{}, err
	}
	// Expired claims are dropped before validation; the responder gate
	// trusts a claim it sees to be live.
	req.Claim = e.Claims.Active(&req)
	nextStatus, err := e.Validate.CanPerform(ctx, &req, opts.ActorID, opts.Action)
	if err != nil {
		return domain.Request{}, err
	}
	authority, err := e.Dir.AuthorityOf(ctx, opts.ActorID)
	if err != nil {
		return domain.Request{}, err
	}

	// A live claim by someone else blocks decisions below system-admin
	// authority.
	if isDecision(opts.Action) && authority < domain.TierSystemAdmin {
		if live := e.Claims.Active(&req); live != nil && live.UserID != opts.ActorID {
			return domain.Request{}, claim.ErrClaimConflict
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	var proposal *domain.RescheduleProposal
	if opts.Action == state.ActionReschedule {
		if opts.ProposedDate == "" {
			return domain.Request{}, errors.New("reschedule requires a proposed date")
		}
		actor, err := e.snapshot(ctx, opts.ActorID)
		if err != nil {
			return domain.Request{}, err
		}
		proposal = &domain.RescheduleProposal{
			ProposedBy:        actor,
			ProposedDate:      opts.ProposedDate,
			ProposedStartTime: opts.ProposedStartTime,
			Notes:             opts.ProposalNotes,
		}
	}

	switch opts.Action {
	case state.ActionEdit:
		applyEdit(&req, opts)
	case state.ActionManageStaff:
		req.Staff = opts.Staff
	case state.ActionConfirm:
		// Confirming a reschedule adopts the proposed schedule.
		if req.Reschedule != nil {
			req.EventDate = req.Reschedule.ProposedDate
			if req.Reschedule.ProposedStartTime != "" {
				req.StartTime = req.Reschedule.ProposedStartTime
			}
		}
	}

	req.Status = nextStatus
	e.Tracker.Update(&req, opts.Action, responder.ActorRef{ID: opts.ActorID, Authority: authority}, nextStatus, proposal, now)
	if isDecision(opts.Action) {
		req.Claim = nil
	}
	req.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	updated, err := e.Repo.UpdateRequest(ctx, tx, req)
	if err != nil {
		return domain.Request{}, err
	}
	if err := e.Repo.AppendHistory(ctx, tx, domain.HistoryEntry{
		RequestID: req.ID,
		Status:    nextStatus,
		Note:      opts.Note,
		ActorID:   opts.ActorID,
		ChangedAt: now,
	}); err != nil {
		return domain.Request{}, err
	}
	if err := e.Events.Append(ctx, tx, "request."+opts.Action, "request", req.ID, opts.ActorID, events.EventPayload{
		"status": nextStatus,
	}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return updated, nil
}

func isDecision(action string) bool {
	switch action {
	case state.ActionAccept, state.ActionReject, state.ActionDecline, state.ActionConfirm, state.ActionCancel:
		return true
	}
	return false
}

func applyEdit(req *domain.Request, opts ActionOptions) {
	if opts.Title != nil {
		req.Title = *opts.Title
	}
	if opts.Description != nil {
		req.Description = *opts.Description
	}
	if opts.EventDate != nil {
		req.EventDate = *opts.EventDate
	}
	if opts.StartTime != nil {
		req.StartTime = *opts.StartTime
	}
}

// AvailableActions lists the actions the actor could execute on the
// request right now: the transition table filtered through the full
// policy check. View is always present.
func (e Engine) AvailableActions(ctx context.Context, requestID, actorID string) ([]string, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	req.Claim = e.Claims.Active(&req)
	actions := []string{state.ActionView}
	for _, action := range state.AvailableActions(req.Status) {
		if action == state.ActionView {
			continue
		}
		if _, err := e.Validate.CanPerform(ctx, &req, actorID, action); err != nil {
			var d *validate.Denial
			if errors.As(err, &d) {
				continue
			}
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// ClaimRequest takes the exclusive decision hold for userID. Only the
// assigned reviewer, a qualified coordinator on the request, or a
// system administrator may claim.
func (e Engine) ClaimRequest(ctx context.Context, requestID, userID string) (domain.Request, error) {
	return e.updateWithRetry(ctx, requestID, "request.claimed", userID, func(req *domain.Request) error {
		ok, err := e.mayClaim(ctx, req, userID)
		if err != nil {
			return err
		}
		if !ok {
			return &validate.Denial{
				Reason:  validate.ReasonInsufficientPermission,
				Message: fmt.Sprintf("actor %s may not claim request %s", userID, requestID),
			}
		}
		u, err := e.Dir.FindUser(ctx, userID)
		if err != nil {
			return err
		}
		return e.Claims.Claim(req, userID, u.DisplayName())
	})
}

// ReleaseClaim drops the hold. Releasing an expired or absent claim is
// a no-op; releasing someone else's live claim is refused.
func (e Engine) ReleaseClaim(ctx context.Context, requestID, userID string) (domain.Request, error) {
	return e.updateWithRetry(ctx, requestID, "request.released", userID, func(req *domain.Request) error {
		return e.Claims.Release(req, userID)
	})
}

func (e Engine) mayClaim(ctx context.Context, req *domain.Request, userID string) (bool, error) {
	if req.Reviewer != nil && req.Reviewer.UserID == userID {
		return true, nil
	}
	for _, c := range req.Coordinators {
		if c.UserID == userID {
			return true, nil
		}
	}
	authority, err := e.Dir.AuthorityOf(ctx, userID)
	if err != nil {
		return false, err
	}
	return authority >= domain.TierSystemAdmin, nil
}

// updateWithRetry applies mutate to a fresh read of the request and
// persists it under the version guard, retrying on conflict.
func (e Engine) updateWithRetry(ctx context.Context, requestID, eventType, actorID string, mutate func(*domain.Request) error) (domain.Request, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		req, err := e.Repo.GetRequest(ctx, requestID)
		if err != nil {
			return domain.Request{}, err
		}
		if err := mutate(&req); err != nil {
			return domain.Request{}, err
		}
		req.UpdatedAt = e.now().UTC().Format(time.RFC3339)

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Request{}, err
		}
		updated, err := e.Repo.UpdateRequest(ctx, tx, req)
		if errors.Is(err, repo.ErrVersionConflict) {
			tx.Rollback()
			lastErr = err
			continue
		}
		if err != nil {
			tx.Rollback()
			return domain.Request{}, err
		}
		if err := e.Events.Append(ctx, tx, eventType, "request", req.ID, actorID, nil); err != nil {
			tx.Rollback()
			return domain.Request{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Request{}, err
		}
		return updated, nil
	}
	return domain.Request{}, fmt.Errorf("request %s: concurrent updates exhausted retries: %w", requestID, lastErr)
}

// DeleteRequest removes a request that never started review or has
// already ended, after the usual policy checks.
func (e Engine) DeleteRequest(ctx context.Context, requestID, actorID string) error {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if _, err := e.Validate.CanPerform(ctx, &req, actorID, state.ActionDelete); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRequest(ctx, tx, requestID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "request.deleted", "request", requestID, actorID, events.EventPayload{
		"status": req.Status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRequest returns the request with any expired claim elided.
func (e Engine) GetRequest(ctx context.Context, requestID string) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	req.Claim = e.Claims.Active(&req)
	return req, nil
}

func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilters) ([]domain.Request, error) {
	reqs, err := e.Repo.ListRequests(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range reqs {
		reqs[i].Claim = e.Claims.Active(&reqs[i])
	}
	return reqs, nil
}

func (e Engine) History(ctx context.Context, requestID string) ([]domain.HistoryEntry, error) {
	if _, err := e.Repo.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, requestID)
}
