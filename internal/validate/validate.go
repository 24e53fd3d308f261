// Package validate decides whether an actor may perform an action on a
// request. Checks run in a fixed order and the first failure wins, so a
// caller always gets the most fundamental reason: an illegal transition
// is reported as such even when the actor also lacks permission.
package validate

import (
	"context"
	"fmt"

	"reviewline/internal/directory"
	"reviewline/internal/domain"
	"reviewline/internal/state"
)

// Denial reason tags, stable across API and CLI surfaces.
const (
	ReasonInvalidTransition      = "INVALID_TRANSITION"
	ReasonSelfActionForbidden    = "SELF_ACTION_FORBIDDEN"
	ReasonNotActiveResponder     = "NOT_ACTIVE_RESPONDER"
	ReasonInsufficientPermission = "INSUFFICIENT_PERMISSION"
	ReasonAuthorityInsufficient  = "AUTHORITY_INSUFFICIENT"
)

// Denial is a policy refusal. It is an error so callers can surface it
// through normal error paths while keeping the tagged reason.
type Denial struct {
	Reason  string
	Message string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Reason, d.Message)
}

func deny(reason, format string, args ...any) *Denial {
	return &Denial{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// PermissionInitiate gates requester-side workflow actions.
const PermissionInitiate = "request.initiate"

// PermissionView gates read access.
const PermissionView = "request.view"

// PermissionDelete gates hard deletion.
const PermissionDelete = "request.delete"

// PermissionReview gates reviewer-side workflow actions.
const PermissionReview = "request.review"

// reviewActions are performed on someone else's request.
var reviewActions = map[string]bool{
	state.ActionAccept:      true,
	state.ActionReject:      true,
	state.ActionDecline:     true,
	state.ActionManageStaff: true,
}

// gatedActions are subject to the active-responder turn check.
var gatedActions = map[string]bool{
	state.ActionAccept:     true,
	state.ActionReject:     true,
	state.ActionDecline:    true,
	state.ActionConfirm:    true,
	state.ActionReschedule: true,
}

// Validator runs the ordered policy checks against live directory data.
type Validator struct {
	Dir directory.Directory
}

// CanPerform reports whether actorID may perform action on req, and the
// canonical status the request will hold afterwards. Read-only actions
// return the current status unchanged. A refusal is always a *Denial.
func (v Validator) CanPerform(ctx context.Context, req *domain.Request, actorID, action string) (string, error) {
	current, known := state.Normalize(req.Status)
	if !known {
		return "", deny(ReasonInvalidTransition, "request %s has unknown status %q", req.ID, req.Status)
	}

	nextStatus, err := v.checkTransition(req, current, action)
	if err != nil {
		return "", err
	}

	authority, err := v.Dir.AuthorityOf(ctx, actorID)
	if err != nil {
		return "", fmt.Errorf("resolve actor authority: %w", err)
	}
	isSystemAdmin := authority >= domain.TierSystemAdmin

	if reviewActions[action] && actorID == req.Requester.UserID {
		return "", deny(ReasonSelfActionForbidden, "actor %s cannot %s their own request", actorID, action)
	}

	if err := v.checkResponderGate(req, actorID, action, authority); err != nil {
		return "", err
	}

	if err := v.checkPermission(ctx, req, actorID, action); err != nil {
		return "", err
	}

	if err := checkAuthority(req, actorID, action, authority, isSystemAdmin); err != nil {
		return "", err
	}

	return nextStatus, nil
}

// checkTransition is the first gate: the transition table, plus the two
// actions the table does not carry. View is always legal; delete is
// legal only before review starts or after the workflow has ended.
func (v Validator) checkTransition(req *domain.Request, current, action string) (string, error) {
	switch action {
	case state.ActionView:
		return current, nil
	case state.ActionDelete:
		if current == state.PendingReview || state.IsTerminal(current) {
			return current, nil
		}
		return "", deny(ReasonInvalidTransition, "cannot delete request %s in status %s", req.ID, current)
	}
	next, ok := state.NextState(current, action)
	if !ok {
		return "", deny(ReasonInvalidTransition, "action %s is not legal from status %s", action, current)
	}
	return next, nil
}

// checkResponderGate enforces turn order. While a responder is set,
// only that user may take a gated action. System administrators always
// pass. A third party (a broadcast coordinator who is neither requester
// nor reviewer) passes only at operational-admin authority or above, or
// while holding the claim on the request; a claim present here is live,
// the engine elides expired ones before validating.
func (v Validator) checkResponderGate(req *domain.Request, actorID, action string, authority int) error {
	if !gatedActions[action] || req.Responder == nil || authority >= domain.TierSystemAdmin {
		return nil
	}
	if actorID == req.Responder.UserID {
		return nil
	}
	isParty := actorID == req.Requester.UserID ||
		(req.Reviewer != nil && actorID == req.Reviewer.UserID)
	if !isParty {
		if authority >= domain.TierOperationalAdmin {
			return nil
		}
		if req.Claim != nil && req.Claim.UserID == actorID {
			return nil
		}
	}
	return deny(ReasonNotActiveResponder, "it is %s's turn to respond on request %s", req.Responder.UserID, req.ID)
}

func (v Validator) checkPermission(ctx context.Context, req *domain.Request, actorID, action string) error {
	permission := permissionFor(req, actorID, action)
	ok, err := v.Dir.HasPermission(ctx, actorID, permission, req.LocationID)
	if err != nil {
		return fmt.Errorf("check permission: %w", err)
	}
	if !ok {
		return deny(ReasonInsufficientPermission, "actor %s lacks %s", actorID, permission)
	}
	return nil
}

// permissionFor maps an action to the capability it requires. Workflow
// actions shared by both sides require initiate permission from the
// requester and review permission from anyone else.
func permissionFor(req *domain.Request, actorID, action string) string {
	switch action {
	case state.ActionView:
		return PermissionView
	case state.ActionDelete:
		return PermissionDelete
	case state.ActionAccept, state.ActionReject, state.ActionDecline, state.ActionManageStaff:
		return PermissionReview
	}
	if actorID == req.Requester.UserID {
		return PermissionInitiate
	}
	return PermissionReview
}

// checkAuthority requires reviewer-side decisions to come from at least
// the requester's recorded tier. The snapshot is the yardstick here:
// the request was routed against it. Confirm counts as a decision when
// anyone but the requester performs it.
func checkAuthority(req *domain.Request, actorID, action string, authority int, isSystemAdmin bool) error {
	if isSystemAdmin || actorID == req.Requester.UserID {
		return nil
	}
	if !reviewActions[action] && action != state.ActionConfirm {
		return nil
	}
	if authority < req.Requester.Authority {
		return deny(ReasonAuthorityInsufficient, "actor %s at authority %d cannot decide for a tier-%d requester", actorID, authority, req.Requester.Authority)
	}
	return nil
}
