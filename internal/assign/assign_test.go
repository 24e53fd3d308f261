package assign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"testing"
	"time"

	"reviewline/internal/config"
	"reviewline/internal/directory"
	"reviewline/internal/domain"
)

// fakeDirectory is an in-memory directory for routing tests.
type fakeDirectory struct {
	users          map[string]domain.User
	authorities    map[string]int
	reviewers      []string
	reviewersAt    map[string][]string // locationID -> scoped reviewer ids
	locationMunis  map[string]string
	permissions    map[string]map[string]bool // userID -> permission -> held
}

func (f *fakeDirectory) FindUser(_ context.Context, id string) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, directory.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeDirectory) AuthorityOf(_ context.Context, id string) (int, error) {
	a, ok := f.authorities[id]
	if !ok {
		return 0, directory.ErrUserNotFound
	}
	return a, nil
}

func (f *fakeDirectory) HasPermission(_ context.Context, userID, permission, _ string) (bool, error) {
	if perms, ok := f.permissions[userID]; ok {
		return perms[permission], nil
	}
	for _, id := range f.reviewers {
		if id == userID && permission == PermissionReview {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDirectory) UsersWithPermission(_ context.Context, permission, locationID string) ([]string, error) {
	if permission != PermissionReview {
		return nil, nil
	}
	if locationID != "" {
		return f.reviewersAt[locationID], nil
	}
	return f.reviewers, nil
}

func (f *fakeDirectory) UsersWithRole(_ context.Context, roleID string) ([]string, error) {
	var out []string
	for id, u := range f.users {
		if u.RoleID == roleID && u.Active {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeDirectory) UsersWithMinAuthority(_ context.Context, min int) ([]string, error) {
	var out []string
	for id, u := range f.users {
		if u.Active && f.authorities[id] >= min {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeDirectory) LocationMunicipality(_ context.Context, locationID string) (string, error) {
	return f.locationMunis[locationID], nil
}

func newService(dir directory.Directory) Service {
	return Service{
		Dir:    dir,
		Rules:  config.Default("reviewline").Routing.Rules,
		Now:    func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
		Logger: log.New(io.Discard, "", 0),
	}
}

func user(id, role string, active bool, orgs, munis []string) domain.User {
	return domain.User{
		ID: id, FirstName: id, RoleID: role, Active: active,
		Organizations: orgs, Municipalities: munis,
	}
}

func TestStakeholderRoutesToMatchingCoordinator(t *testing.T) {
	dir := &fakeDirectory{
		users: map[string]domain.User{
			"stake":     user("stake", "stakeholder", true, []string{"org-x"}, []string{"muni-m"}),
			"coord-hit": user("coord-hit", "coordinator", true, []string{"org-x"}, []string{"muni-m"}),
			"coord-far": user("coord-far", "coordinator", true, []string{"org-z"}, []string{"muni-q"}),
		},
		authorities: map[string]int{"stake": 30, "coord-hit": 60, "coord-far": 60},
		reviewers:   []string{"coord-hit", "coord-far"},
	}
	s := newService(dir)
	got, err := s.AssignReviewer(context.Background(), "stake", Context{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.UserID != "coord-hit" {
		t.Fatalf("expected matching coordinator, got %s", got.UserID)
	}
	if got.AssignmentRule != "stakeholder-to-coordinator" {
		t.Fatalf("unexpected rule %s", got.AssignmentRule)
	}
}

func TestDeclaredContextOverridesRequesterMemberships(t *testing.T) {
	dir := &fakeDirectory{
		users: map[string]domain.User{
			"stake":     user("stake", "stakeholder", true, []string{"org-x"}, []string{"muni-m"}),
			"coord-own": user("coord-own", "coordinator", true, []string{"org-x"}, []string{"muni-m"}),
			"coord-evt": user("coord-evt", "coordinator", true, []string{"org-z"}, []string{"muni-q"}),
		},
		authorities: map[string]int{"stake": 30, "coord-own": 60, "coord-evt": 60},
		reviewers:   []string{"coord-own", "coord-evt"},
	}
	s := newService(dir)
	// The request is filed for another organization and coverage area;
	// those take precedence over the requester's own memberships.
	got, err := s.AssignReviewer(context.Background(), "stake", Context{
		OrganizationID: "org-z",
		CoverageAreaID: "muni-q",
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.UserID != "coord-evt" {
		t.Fatalf("expected declared-context coordinator, got %s", got.UserID)
	}
}

func TestContextMismatchWidensInsteadOfFailing(t *testing.T) {
	dir := &fakeDirectory{
		users: map[string]domain.User{
			"stake": user("stake", "stakeholder", true, []string{"org-x"}, []string{"muni-m"}),
			"coord": user("coord", "coordinator", true, []string{"org-z"}, []string{"muni-q"}),
		},
		authorities: map[string]int{"stake": 30, "coord": 60},
		reviewers:   []string{"coord"},
	}
	s := newService(dir)
	got, err := s.AssignReviewer(context.Background(), "stake", Context{})
	if err != nil {
		t.Fatalf("expected widened assignment, got error: %v", err)
	}
	if got.UserID != "coord" {
		t.Fatalf("expected coord, got %s", got.UserID)
	}
}

func TestCoordinatorRoutesToAdmin(t *testing.T) {
	dir := &fakeDirectory{
		users: map[string]domain.User{
			"coord": user("coord", "coordinator", true, nil, nil),
			"opadm": user("opadm", "operational-admin", true, nil, nil),
			"sysad": user("sysad", "system-administrator", true, nil, nil),
		},
		authorities: map[string]int{"coord": 60, "opadm": 80, "sysad": 100},
		reviewers:   []string{"opadm", "sysad"},
	}
	s := newService(dir)
	got, err := s.AssignReviewer(context.Background(), "coord", Context{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	// Lowest authority in band wins the tie-break.
	if got.UserID != "opadm" {
		t.Fatalf("expected opadm, got %s", got.UserID)
	}
	if got.AssignmentRule != "coordinator-to-admin" {
		t.Fatalf("unexpected rule %s", got.AssignmentRule)
	}
}

func TestAdminRoutesToCoordinator(t *testing.T) {
	dir := &fakeDirectory{
		users: map[string]domain.User{
			"opadm": user("opadm", "operational-admin", true, nil, nil),
			"coord": user("coord", "coordinator", true, nil, nil),
		},
		authorities: map[string]int{"opadm": 80, "coord": 60},
		reviewers:   []string{"coord"},
	}
	s := newService(dir)
	got, err := s.AssignReviewer(context.Background(), "opadm", Context{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.UserID != "coord" || got.AssignmentRule != "admin-to-coordinator" {
		t.Fatalf("got %s via %s", got.UserID, got.AssignmentRule)
	}
}

func TestExplicitStakeholderBypassesTierSearch(t *testing.T) {
	dir := &fakeDirectory{
		users: map[string]domain.User{
			"coord": user("coord", "coordinator", true, nil, nil),
			"stake": user("stake", "stakeholder", true, nil, nil),
			"opadm": user("opadm", "operational-admin", true, nil, nil),
		},
		authorities: map[string]int{"coord": 60, "stake": 30, "opadm": 80},
		reviewers:   []string{"opadm"},
	}
	s := newService(dir)
	got, err := s.AssignReviewer(context.Background(), "coord", Context{StakeholderID: "stake"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.UserID != "stake" || got.AssignmentRule != "coordinator-to-stakeholder" {
		t.Fatalf("got %s via %s", got.UserID, got.AssignmentRule)
	}
}

func TestExplicitStakeholderRejectsSelfAndAdmins(t *testing.T) {
	dir := &fakeDirectory{
		users: map[string]domain.User{
			"coord": user("coord", "coordinator", true, nil, nil),
			"opadm": user("opadm", "operational-admin", true, nil, nil),
		},
		authorities: map[string]int{"coord": 60, "opadm": 80},
	}
	s := newService(dir)
	if _, err := s.AssignReviewer(context.Background(), "coord", Context{StakeholderID: "coord"}); err == nil {
		t.Fatalf("expected self-stakeholder rejection")
	}
	if _, err := s.AssignReviewer(context.Background(), "coord", Context{StakeholderID: "opadm"}); err == nil {
		t.Fatalf("expected admin-stakeholder rejection")
	}
}

func TestLocationScopingWithGlobalFallback(t *testing.T) {
	dir := &fakeDirectory{
		users: map[string]domain.User{
			"stake":  user("stake", "stakeholder", true, nil, nil),
			"local":  user("local", "coordinator", true, nil, nil),
			"remote": user("remote", "coordinator", true, nil, nil),
		},
		authorities: map[string]int{"stake": 30, "local": 60, "remote": 60},
		reviewers:   []string{"local", "remote"},
		reviewersAt: map[string][]string{"loc-1": {"local"}},
	}
	s := newService(dir)
	got, err := s.AssignReviewer(context.Background(), "stake", Context{LocationID: "loc-1"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.UserID != "local" {
		t.Fatalf("expected scoped candidate, got %s", got.UserID)
	}
	// Empty scoped pool falls back to the global pool.
	got, err = s.AssignReviewer(context.Background(), "stake", Context{LocationID: "loc-empty"})
	if err != nil {
		t.Fatalf("assign with fallback: %v", err)
	}
	if got.UserID != "local" && got.UserID != "remote" {
		t.Fatalf("expected global candidate, got %s", got.UserID)
	}
}

func TestFallbackChainStages(t *testing.T) {
	// No review-capable users at all: stage two finds the system admin.
	dir := &fakeDirectory{
		users: map[string]domain.User{
			"stake": user("stake", "stakeholder", true, nil, nil),
			"sysad": user("sysad", "system-administrator", true, nil, nil),
		},
		authorities: map[string]int{"stake": 30, "sysad": 100},
	}
	s := newService(dir)
	got, err := s.AssignReviewer(context.Background(), "stake", Context{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.UserID != "sysad" || got.AssignmentRule != "fallback-system-admin" {
		t.Fatalf("got %s via %s", got.UserID, got.AssignmentRule)
	}

	// Stage three: only a non-admin-role user with admin authority remains.
	dir = &fakeDirectory{
		users: map[string]domain.User{
			"stake": user("stake", "stakeholder", true, nil, nil),
			"chief": user("chief", "operational-admin", true, nil, nil),
		},
		authorities: map[string]int{"stake": 30, "chief": 80},
	}
	s = newService(dir)
	got, err = s.AssignReviewer(context.Background(), "stake", Context{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.UserID != "chief" || got.AssignmentRule != "fallback-admin-authority" {
		t.Fatalf("got %s via %s", got.UserID, got.AssignmentRule)
	}
}

func TestNoReviewerAvailable(t *testing.T) {
	dir := &fakeDirectory{
		users:       map[string]domain.User{"stake": user("stake", "stakeholder", true, nil, nil)},
		authorities: map[string]int{"stake": 30},
	}
	s := newService(dir)
	_, err := s.AssignReviewer(context.Background(), "stake", Context{})
	if !errors.Is(err, ErrNoReviewerAvailable) {
		t.Fatalf("expected ErrNoReviewerAvailable, got %v", err)
	}
}

func TestNeverAssignsRequesterToItself(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	roles := []struct {
		role      string
		authority int
	}{
		{"basic", 20}, {"stakeholder", 30}, {"coordinator", 60},
		{"operational-admin", 80}, {"system-administrator", 100},
	}
	orgs := []string{"org-a", "org-b"}
	munis := []string{"muni-a", "muni-b"}
	for trial := 0; trial < 200; trial++ {
		dir := &fakeDirectory{
			users:       map[string]domain.User{},
			authorities: map[string]int{},
		}
		n := 1 + rng.Intn(6)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("u%d", i)
			r := roles[rng.Intn(len(roles))]
			dir.users[id] = user(id, r.role, rng.Intn(4) > 0,
				[]string{orgs[rng.Intn(len(orgs))]}, []string{munis[rng.Intn(len(munis))]})
			dir.authorities[id] = r.authority
			if rng.Intn(2) == 0 {
				dir.reviewers = append(dir.reviewers, id)
			}
		}
		requester := fmt.Sprintf("u%d", rng.Intn(n))
		s := newService(dir)
		got, err := s.AssignReviewer(context.Background(), requester, Context{})
		if err != nil {
			if errors.Is(err, ErrNoReviewerAvailable) {
				continue
			}
			t.Fatalf("trial %d: %v", trial, err)
		}
		if got.UserID == requester {
			t.Fatalf("trial %d: assigned requester %s to itself", trial, requester)
		}
	}
}

func TestQualifiedCoordinatorsListsBand(t *testing.T) {
	dir := &fakeDirectory{
		users: map[string]domain.User{
			"stake": user("stake", "stakeholder", true, nil, nil),
			"c1":    user("c1", "coordinator", true, nil, nil),
			"c2":    user("c2", "coordinator", true, nil, nil),
			"adm":   user("adm", "operational-admin", true, nil, nil),
		},
		authorities: map[string]int{"stake": 30, "c1": 60, "c2": 60, "adm": 80},
		reviewers:   []string{"c1", "c2", "adm"},
	}
	s := newService(dir)
	got, err := s.QualifiedCoordinators(context.Background(), "stake", Context{})
	if err != nil {
		t.Fatalf("qualified: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected the two banded coordinators, got %d", len(got))
	}
	for _, entry := range got {
		if entry.Authority != 60 || !entry.IsActive || entry.DiscoveredAt == "" {
			t.Fatalf("bad entry %+v", entry)
		}
	}
}
