package engine_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"reviewline/internal/claim"
	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
	"reviewline/internal/state"
	"reviewline/internal/validate"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("reviewline-test")
	eng := engine.New(conn, cfg)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	eng.Claims.Now = eng.Now
	eng.Assign.Now = eng.Now
	quiet := log.New(io.Discard, "", 0)
	eng.Logger = quiet
	eng.Assign.Logger = quiet
	eng.Tracker.Logger = quiet
	ctx := context.Background()
	if err := eng.Repo.SeedRBAC(ctx, cfg); err != nil {
		t.Fatalf("seed rbac: %v", err)
	}
	env := testEnv{Engine: &eng, Ctx: ctx, Clock: &now}
	env.seedUser(t, "alice", "stakeholder", "org-x", "muni-m")
	env.seedUser(t, "bob", "coordinator", "org-x", "muni-m")
	env.seedUser(t, "carol", "coordinator", "org-x", "muni-m")
	env.seedUser(t, "opadm", "operational-admin", "", "")
	env.seedUser(t, "sysad", "system-administrator", "", "")
	return env
}

func (env testEnv) seedUser(t *testing.T, id, role, org, muni string) {
	t.Helper()
	u := domain.User{ID: id, FirstName: id, RoleID: role, Active: true}
	if org != "" {
		if err := env.Engine.Repo.EnsureOrg(env.Ctx, org, ""); err != nil {
			t.Fatalf("ensure org: %v", err)
		}
		u.Organizations = []string{org}
	}
	if muni != "" {
		if err := env.Engine.Repo.EnsureMunicipality(env.Ctx, muni, ""); err != nil {
			t.Fatalf("ensure municipality: %v", err)
		}
		u.Municipalities = []string{muni}
	}
	if err := env.Engine.Repo.InsertUser(env.Ctx, u); err != nil {
		t.Fatalf("insert user %s: %v", id, err)
	}
}

func (env testEnv) create(t *testing.T) domain.Request {
	t.Helper()
	req, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{
		Title:       "Spring fair",
		RequesterID: "alice",
		EventDate:   "2024-06-01",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func (env testEnv) act(t *testing.T, opts engine.ActionOptions) domain.Request {
	t.Helper()
	req, err := env.Engine.ExecuteAction(env.Ctx, opts)
	if err != nil {
		t.Fatalf("%s by %s: %v", opts.Action, opts.ActorID, err)
	}
	return req
}

func TestCreateAssignsMatchingReviewer(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)
	if req.Status != state.PendingReview {
		t.Fatalf("status %s", req.Status)
	}
	if req.Reviewer == nil {
		t.Fatalf("no reviewer assigned")
	}
	// bob and carol are both banded; lexicographic tie-break.
	if req.Reviewer.UserID != "bob" {
		t.Fatalf("expected bob, got %s", req.Reviewer.UserID)
	}
	if req.Reviewer.AssignmentRule != "stakeholder-to-coordinator" {
		t.Fatalf("rule %s", req.Reviewer.AssignmentRule)
	}
	if req.Responder == nil || req.Responder.UserID != "bob" {
		t.Fatalf("responder should start at the reviewer: %+v", req.Responder)
	}
	if len(req.Coordinators) != 2 {
		t.Fatalf("expected both coordinators visible, got %d", len(req.Coordinators))
	}
	hist, err := env.Engine.History(env.Ctx, req.ID)
	if err != nil || len(hist) != 1 || hist[0].Status != state.PendingReview {
		t.Fatalf("history %v %v", hist, err)
	}
}

func TestAcceptApproves(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)
	req = env.act(t, engine.ActionOptions{RequestID: req.ID, ActorID: "bob", Action: state.ActionAccept})
	if req.Status != state.Approved {
		t.Fatalf("status %s", req.Status)
	}
	if req.Responder != nil {
		t.Fatalf("responder not cleared after decision")
	}
	if req.Version != 2 {
		t.Fatalf("version %d", req.Version)
	}
}

func TestRescheduleAlternation(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)

	// Reviewer proposes a new date: requester must respond.
	req = env.act(t, engine.ActionOptions{
		RequestID: req.ID, ActorID: "bob", Action: state.ActionReschedule,
		ProposedDate: "2024-06-08",
	})
	if req.Status != state.ReviewRescheduled {
		t.Fatalf("status %s", req.Status)
	}
	if req.Responder == nil || req.Responder.UserID != "alice" {
		t.Fatalf("responder %+v", req.Responder)
	}
	if req.Reschedule == nil || req.Reschedule.ProposedDate != "2024-06-08" {
		t.Fatalf("proposal %+v", req.Reschedule)
	}

	// Requester counter-proposes: back to the reviewer.
	req = env.act(t, engine.ActionOptions{
		RequestID: req.ID, ActorID: "alice", Action: state.ActionReschedule,
		ProposedDate: "2024-06-15",
	})
	if req.Responder == nil || req.Responder.UserID != "bob" {
		t.Fatalf("responder %+v", req.Responder)
	}

	// Reviewer confirms: approved, schedule adopted, nobody on the hook.
	req = env.act(t, engine.ActionOptions{RequestID: req.ID, ActorID: "bob", Action: state.ActionConfirm})
	if req.Status != state.Approved {
		t.Fatalf("status %s", req.Status)
	}
	if req.Responder != nil || req.Reschedule != nil {
		t.Fatalf("negotiation state not cleared: %+v %+v", req.Responder, req.Reschedule)
	}
	if req.EventDate != "2024-06-15" {
		t.Fatalf("confirmed date not adopted: %s", req.EventDate)
	}
}

func TestTurnOrderEnforced(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)
	req = env.act(t, engine.ActionOptions{
		RequestID: req.ID, ActorID: "bob", Action: state.ActionReschedule,
		ProposedDate: "2024-06-08",
	})
	// It is alice's turn; bob cannot confirm his own proposal.
	_, err := env.Engine.ExecuteAction(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "bob", Action: state.ActionConfirm})
	var d *validate.Denial
	if !errors.As(err, &d) || d.Reason != validate.ReasonNotActiveResponder {
		t.Fatalf("expected NOT_ACTIVE_RESPONDER, got %v", err)
	}
	// A system administrator overrides the turn check.
	req, err = env.Engine.ExecuteAction(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "sysad", Action: state.ActionConfirm})
	if err != nil {
		t.Fatalf("system admin confirm: %v", err)
	}
	if req.Status != state.Approved {
		t.Fatalf("status %s", req.Status)
	}
}

func TestSelfReviewBlocked(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{
		Title: "Coordinator outing", RequesterID: "bob",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Reviewer.UserID == "bob" {
		t.Fatalf("requester routed to itself")
	}
	_, err = env.Engine.ExecuteAction(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "bob", Action: state.ActionAccept})
	var d *validate.Denial
	if !errors.As(err, &d) || d.Reason != validate.ReasonSelfActionForbidden {
		t.Fatalf("expected SELF_ACTION_FORBIDDEN, got %v", err)
	}
}

func TestThirdPartyAdminReschedule(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)
	req = env.act(t, engine.ActionOptions{
		RequestID: req.ID, ActorID: "opadm", Action: state.ActionReschedule,
		ProposedDate: "2024-06-20", ProposalNotes: "venue conflict",
	})
	if req.Status != state.ReviewRescheduled {
		t.Fatalf("status %s", req.Status)
	}
	// An admin acting from outside the pair puts the requester on the hook.
	if req.Responder == nil || req.Responder.UserID != "alice" {
		t.Fatalf("responder %+v", req.Responder)
	}
	if req.Reschedule == nil || req.Reschedule.ProposedBy.UserID != "opadm" {
		t.Fatalf("proposal %+v", req.Reschedule)
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)
	if _, err := env.Engine.ClaimRequest(env.Ctx, req.ID, "carol"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// bob cannot decide while carol holds the claim.
	_, err := env.Engine.ExecuteAction(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "bob", Action: state.ActionAccept})
	if !errors.Is(err, claim.ErrClaimConflict) {
		t.Fatalf("expected claim conflict, got %v", err)
	}
	// Nor claim it.
	if _, err := env.Engine.ClaimRequest(env.Ctx, req.ID, "bob"); !errors.Is(err, claim.ErrClaimConflict) {
		t.Fatalf("expected claim conflict, got %v", err)
	}
	// The holder decides; the claim dies with the decision.
	got := env.act(t, engine.ActionOptions{RequestID: req.ID, ActorID: "carol", Action: state.ActionReject})
	if got.Status != state.Rejected || got.Claim != nil {
		t.Fatalf("status %s claim %+v", got.Status, got.Claim)
	}
}

func TestCoordinatorMustHoldClaimToDecide(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)
	// carol is a valid coordinator, but the responder pointer names bob
	// and nobody holds the claim: she may not decide yet.
	_, err := env.Engine.ExecuteAction(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "carol", Action: state.ActionAccept})
	var d *validate.Denial
	if !errors.As(err, &d) || d.Reason != validate.ReasonNotActiveResponder {
		t.Fatalf("expected NOT_ACTIVE_RESPONDER, got %v", err)
	}
	// Claiming the request opens the gate for her.
	if _, err := env.Engine.ClaimRequest(env.Ctx, req.ID, "carol"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	got := env.act(t, engine.ActionOptions{RequestID: req.ID, ActorID: "carol", Action: state.ActionAccept})
	if got.Status != state.Approved {
		t.Fatalf("status %s", got.Status)
	}
}

func TestExpiredClaimDoesNotOpenGate(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)
	if _, err := env.Engine.ClaimRequest(env.Ctx, req.ID, "carol"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	*env.Clock = env.Clock.Add(31 * time.Minute)
	_, err := env.Engine.ExecuteAction(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "carol", Action: state.ActionAccept})
	var d *validate.Denial
	if !errors.As(err, &d) || d.Reason != validate.ReasonNotActiveResponder {
		t.Fatalf("expected NOT_ACTIVE_RESPONDER after expiry, got %v", err)
	}
}

func TestClaimExpiresCooperatively(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)
	if _, err := env.Engine.ClaimRequest(env.Ctx, req.ID, "carol"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	*env.Clock = env.Clock.Add(31 * time.Minute)
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Claim != nil {
		t.Fatalf("expired claim still reported: %+v", got.Claim)
	}
	// bob can now take it over.
	if _, err := env.Engine.ClaimRequest(env.Ctx, req.ID, "bob"); err != nil {
		t.Fatalf("claim over expired: %v", err)
	}
}

func TestClaimRequiresStanding(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)
	_, err := env.Engine.ClaimRequest(env.Ctx, req.ID, "alice")
	var d *validate.Denial
	if !errors.As(err, &d) || d.Reason != validate.ReasonInsufficientPermission {
		t.Fatalf("expected refusal for non-coordinator, got %v", err)
	}
	if _, err := env.Engine.ClaimRequest(env.Ctx, req.ID, "sysad"); err != nil {
		t.Fatalf("system admin claim: %v", err)
	}
}

func TestAvailableActionsReflectPolicy(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)
	got, err := env.Engine.AvailableActions(env.Ctx, req.ID, "bob")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	want := map[string]bool{state.ActionView: true, state.ActionAccept: true, state.ActionReject: true, state.ActionDecline: true, state.ActionReschedule: true}
	if len(got) != len(want) {
		t.Fatalf("actions %v", got)
	}
	for _, a := range got {
		if !want[a] {
			t.Fatalf("unexpected action %s", a)
		}
	}
	// The requester out of turn can only look.
	got, err = env.Engine.AvailableActions(env.Ctx, req.ID, "alice")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(got) != 1 || got[0] != state.ActionView {
		t.Fatalf("actions %v", got)
	}
}

func TestEditAndManageStaff(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)
	req = env.act(t, engine.ActionOptions{RequestID: req.ID, ActorID: "bob", Action: state.ActionAccept})

	title := "Spring fair (main square)"
	req = env.act(t, engine.ActionOptions{RequestID: req.ID, ActorID: "alice", Action: state.ActionEdit, Title: &title})
	if req.Title != title || req.Status != state.Approved {
		t.Fatalf("edit: %+v", req)
	}
	req = env.act(t, engine.ActionOptions{RequestID: req.ID, ActorID: "bob", Action: state.ActionManageStaff, Staff: []string{"dave", "erin"}})
	if len(req.Staff) != 2 || req.Status != state.Approved {
		t.Fatalf("staff: %+v", req.Staff)
	}
}

func TestDeleteWindow(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)
	req = env.act(t, engine.ActionOptions{RequestID: req.ID, ActorID: "bob", Action: state.ActionAccept})
	err := env.Engine.DeleteRequest(env.Ctx, req.ID, "opadm")
	var d *validate.Denial
	if !errors.As(err, &d) || d.Reason != validate.ReasonInvalidTransition {
		t.Fatalf("expected refusal mid-flight, got %v", err)
	}
	req = env.act(t, engine.ActionOptions{RequestID: req.ID, ActorID: "alice", Action: state.ActionCancel})
	if err := env.Engine.DeleteRequest(env.Ctx, req.ID, "opadm"); err != nil {
		t.Fatalf("delete cancelled request: %v", err)
	}
	if _, err := env.Engine.GetRequest(env.Ctx, req.ID); err == nil {
		t.Fatalf("request still present after delete")
	}
}

func TestNoReviewerEmitsExhaustionEvent(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"bob", "carol", "opadm", "sysad"} {
		if err := env.Engine.Repo.SetUserActive(env.Ctx, id, false); err != nil {
			t.Fatalf("deactivate %s: %v", id, err)
		}
	}
	_, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{Title: "Nobody home", RequesterID: "alice"})
	if err == nil {
		t.Fatalf("expected routing failure")
	}
	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 0, 50)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	found := false
	for _, e := range evts {
		if e.Type == engine.EventAssignmentExhausted {
			found = true
		}
	}
	if !found {
		t.Fatalf("exhaustion event not recorded")
	}
}

func TestLegacyStatusRowStillWorks(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t)
	if _, err := env.Engine.DB.Exec(`UPDATE requests SET status='pending_review' WHERE id=?`, req.ID); err != nil {
		t.Fatalf("rewrite status: %v", err)
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != state.PendingReview {
		t.Fatalf("legacy status not normalized: %s", got.Status)
	}
	got, err = env.Engine.ExecuteAction(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "bob", Action: state.ActionAccept})
	if err != nil || got.Status != state.Approved {
		t.Fatalf("accept from legacy row: %v %s", err, got.Status)
	}
}
