package validate

import (
	"context"
	"errors"
	"testing"

	"reviewline/internal/directory"
	"reviewline/internal/domain"
	"reviewline/internal/state"
)

// policyDirectory stubs only what the validator consults.
type policyDirectory struct {
	authorities map[string]int
	permissions map[string]map[string]bool
}

func (p *policyDirectory) FindUser(context.Context, string) (domain.User, error) {
	return domain.User{}, directory.ErrUserNotFound
}

func (p *policyDirectory) AuthorityOf(_ context.Context, userID string) (int, error) {
	a, ok := p.authorities[userID]
	if !ok {
		return 0, directory.ErrUserNotFound
	}
	return a, nil
}

func (p *policyDirectory) HasPermission(_ context.Context, userID, permission, _ string) (bool, error) {
	return p.permissions[userID][permission], nil
}

func (p *policyDirectory) UsersWithPermission(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (p *policyDirectory) UsersWithRole(context.Context, string) ([]string, error) { return nil, nil }

func (p *policyDirectory) UsersWithMinAuthority(context.Context, int) ([]string, error) {
	return nil, nil
}

func (p *policyDirectory) LocationMunicipality(context.Context, string) (string, error) {
	return "", nil
}

func newPolicyDirectory() *policyDirectory {
	return &policyDirectory{
		authorities: map[string]int{
			"alice":  domain.TierStakeholder,
			"bob":    domain.TierCoordinator,
			"carol":  domain.TierCoordinator,
			"opadm":  domain.TierOperationalAdmin,
			"sysad":  domain.TierSystemAdmin,
			"novice": domain.TierBasic,
		},
		permissions: map[string]map[string]bool{
			"alice":  {PermissionInitiate: true, PermissionView: true},
			"bob":    {PermissionReview: true, PermissionInitiate: true, PermissionView: true},
			"carol":  {PermissionReview: true, PermissionView: true},
			"opadm":  {PermissionReview: true, PermissionDelete: true, PermissionView: true},
			"sysad":  {PermissionReview: true, PermissionInitiate: true, PermissionDelete: true, PermissionView: true},
			"novice": {PermissionView: true},
		},
	}
}

func pendingRequest() *domain.Request {
	return &domain.Request{
		ID:        "req-1",
		Status:    state.PendingReview,
		Requester: domain.ActorSnapshot{UserID: "alice", Authority: domain.TierStakeholder},
		Reviewer: &domain.ReviewerAssignment{
			ActorSnapshot: domain.ActorSnapshot{UserID: "bob", Authority: domain.TierCoordinator},
		},
		Responder: &domain.ActiveResponder{UserID: "bob", Relationship: "reviewer", Authority: domain.TierCoordinator},
	}
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var d *Denial
	if !errors.As(err, &d) {
		t.Fatalf("expected denial, got %v", err)
	}
	return d.Reason
}

func TestReviewerMayAccept(t *testing.T) {
	v := Validator{Dir: newPolicyDirectory()}
	next, err := v.CanPerform(context.Background(), pendingRequest(), "bob", state.ActionAccept)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if next != state.Approved {
		t.Fatalf("expected approved, got %s", next)
	}
}

func TestIllegalTransitionWinsOverEverything(t *testing.T) {
	v := Validator{Dir: newPolicyDirectory()}
	req := pendingRequest()
	req.Status = state.Rejected
	// The novice would also fail permission and authority checks; the
	// transition failure must be the one reported.
	_, err := v.CanPerform(context.Background(), req, "novice", state.ActionAccept)
	if got := reasonOf(t, err); got != ReasonInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION, got %s", got)
	}
}

func TestSelfReviewForbidden(t *testing.T) {
	dir := newPolicyDirectory()
	dir.permissions["alice"][PermissionReview] = true
	v := Validator{Dir: dir}
	_, err := v.CanPerform(context.Background(), pendingRequest(), "alice", state.ActionAccept)
	if got := reasonOf(t, err); got != ReasonSelfActionForbidden {
		t.Fatalf("expected SELF_ACTION_FORBIDDEN, got %s", got)
	}
}

func TestResponderGateBlocksPartyOutOfTurn(t *testing.T) {
	v := Validator{Dir: newPolicyDirectory()}
	req := pendingRequest()
	req.Status = state.ReviewRescheduled
	// Reviewer's turn; the requester may not confirm yet.
	_, err := v.CanPerform(context.Background(), req, "alice", state.ActionConfirm)
	if got := reasonOf(t, err); got != ReasonNotActiveResponder {
		t.Fatalf("expected NOT_ACTIVE_RESPONDER, got %s", got)
	}
}

func TestSystemAdminOverridesResponderGate(t *testing.T) {
	v := Validator{Dir: newPolicyDirectory()}
	req := pendingRequest()
	if _, err := v.CanPerform(context.Background(), req, "sysad", state.ActionReject); err != nil {
		t.Fatalf("system admin should pass the gate: %v", err)
	}
	// A party out of turn stays blocked.
	req.Responder = &domain.ActiveResponder{UserID: "alice", Relationship: "requester", Authority: domain.TierStakeholder}
	_, err := v.CanPerform(context.Background(), req, "bob", state.ActionAccept)
	if got := reasonOf(t, err); got != ReasonNotActiveResponder {
		t.Fatalf("expected NOT_ACTIVE_RESPONDER for out-of-turn reviewer, got %s", got)
	}
}

func TestBroadcastCoordinatorGatedWithoutClaim(t *testing.T) {
	v := Validator{Dir: newPolicyDirectory()}
	req := pendingRequest()
	// carol is a valid coordinator but neither party; while the responder
	// pointer names bob she may not decide without holding the claim.
	for _, action := range []string{state.ActionAccept, state.ActionReschedule} {
		_, err := v.CanPerform(context.Background(), req, "carol", action)
		if got := reasonOf(t, err); got != ReasonNotActiveResponder {
			t.Fatalf("%s: expected NOT_ACTIVE_RESPONDER, got %s", action, got)
		}
	}
}

func TestClaimHolderPassesResponderGate(t *testing.T) {
	v := Validator{Dir: newPolicyDirectory()}
	req := pendingRequest()
	req.Claim = &domain.Claim{UserID: "carol", Name: "Carol"}
	if _, err := v.CanPerform(context.Background(), req, "carol", state.ActionAccept); err != nil {
		t.Fatalf("claim holder accept: %v", err)
	}
	// The claim opens the gate only for its holder.
	req.Claim.UserID = "sysad"
	_, err := v.CanPerform(context.Background(), req, "carol", state.ActionAccept)
	if got := reasonOf(t, err); got != ReasonNotActiveResponder {
		t.Fatalf("expected NOT_ACTIVE_RESPONDER, got %s", got)
	}
}

func TestOperationalAdminThirdPartyPassesGate(t *testing.T) {
	v := Validator{Dir: newPolicyDirectory()}
	req := pendingRequest()
	if _, err := v.CanPerform(context.Background(), req, "opadm", state.ActionReschedule); err != nil {
		t.Fatalf("operational-admin reschedule: %v", err)
	}
}

func TestPermissionCheck(t *testing.T) {
	v := Validator{Dir: newPolicyDirectory()}
	req := pendingRequest()
	req.Responder = nil
	_, err := v.CanPerform(context.Background(), req, "novice", state.ActionReject)
	if got := reasonOf(t, err); got != ReasonInsufficientPermission {
		t.Fatalf("expected INSUFFICIENT_PERMISSION, got %s", got)
	}
	// The requester reschedules with initiate permission, not review.
	if _, err := v.CanPerform(context.Background(), req, "alice", state.ActionReschedule); err != nil {
		t.Fatalf("requester reschedule: %v", err)
	}
}

func TestAuthorityHierarchy(t *testing.T) {
	dir := newPolicyDirectory()
	dir.permissions["carol"][PermissionReview] = true
	v := Validator{Dir: dir}
	req := pendingRequest()
	req.Requester = domain.ActorSnapshot{UserID: "opadm", Authority: domain.TierOperationalAdmin}
	req.Responder = nil
	// A coordinator cannot decide for an operational-admin requester.
	_, err := v.CanPerform(context.Background(), req, "carol", state.ActionAccept)
	if got := reasonOf(t, err); got != ReasonAuthorityInsufficient {
		t.Fatalf("expected AUTHORITY_INSUFFICIENT, got %s", got)
	}
	if _, err := v.CanPerform(context.Background(), req, "sysad", state.ActionAccept); err != nil {
		t.Fatalf("system admin decision: %v", err)
	}
}

func TestConfirmByReviewerSideChecksAuthority(t *testing.T) {
	v := Validator{Dir: newPolicyDirectory()}
	req := pendingRequest()
	req.Status = state.ReviewRescheduled
	req.Requester = domain.ActorSnapshot{UserID: "opadm", Authority: domain.TierOperationalAdmin}
	req.Reviewer = &domain.ReviewerAssignment{
		ActorSnapshot: domain.ActorSnapshot{UserID: "carol", Authority: domain.TierCoordinator},
	}
	req.Responder = &domain.ActiveResponder{UserID: "carol", Relationship: "reviewer", Authority: domain.TierCoordinator}
	// Confirm closes the negotiation like accept does; the reviewer side
	// needs the requester's tier to do it.
	_, err := v.CanPerform(context.Background(), req, "carol", state.ActionConfirm)
	if got := reasonOf(t, err); got != ReasonAuthorityInsufficient {
		t.Fatalf("expected AUTHORITY_INSUFFICIENT, got %s", got)
	}
}

func TestViewAlwaysLegalFromTerminal(t *testing.T) {
	v := Validator{Dir: newPolicyDirectory()}
	req := pendingRequest()
	req.Status = state.Cancelled
	next, err := v.CanPerform(context.Background(), req, "novice", state.ActionView)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if next != state.Cancelled {
		t.Fatalf("view changed status to %s", next)
	}
}

func TestDeleteStatusWindow(t *testing.T) {
	v := Validator{Dir: newPolicyDirectory()}
	req := pendingRequest()
	req.Responder = nil
	if _, err := v.CanPerform(context.Background(), req, "opadm", state.ActionDelete); err != nil {
		t.Fatalf("delete pending: %v", err)
	}
	req.Status = state.Approved
	_, err := v.CanPerform(context.Background(), req, "opadm", state.ActionDelete)
	if got := reasonOf(t, err); got != ReasonInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION for mid-flight delete, got %s", got)
	}
	req.Status = state.Rejected
	if _, err := v.CanPerform(context.Background(), req, "opadm", state.ActionDelete); err != nil {
		t.Fatalf("delete terminal: %v", err)
	}
}

func TestLegacyStatusNormalizedBeforeChecks(t *testing.T) {
	v := Validator{Dir: newPolicyDirectory()}
	req := pendingRequest()
	req.Status = "pending_review"
	next, err := v.CanPerform(context.Background(), req, "bob", state.ActionAccept)
	if err != nil {
		t.Fatalf("accept from legacy status: %v", err)
	}
	if next != state.Approved {
		t.Fatalf("expected approved, got %s", next)
	}
}
