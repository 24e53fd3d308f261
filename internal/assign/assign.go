// Package assign selects a reviewer for a new request. Routing is driven
// by an ordered rule table keyed on the requester's authority tier, with
// an explicit-stakeholder shortcut and a three-stage fallback chain when
// no banded candidate exists.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"reviewline/internal/config"
	"reviewline/internal/directory"
	"reviewline/internal/domain"
)

// PermissionReview is the capability a reviewer candidate must hold.
const PermissionReview = "request.review"

// SystemAdminRole is the role consulted by the second fallback stage.
const SystemAdminRole = "system-administrator"

// ErrNoReviewerAvailable means every routing stage and every fallback
// stage came back empty. This should page someone: the directory is
// missing required role coverage.
var ErrNoReviewerAvailable = errors.New("no reviewer available")

// Context carries the optional request context used for routing.
type Context struct {
	LocationID string
	// OrganizationID and CoverageAreaID, when set, replace the
	// requester's own memberships as the match targets.
	OrganizationID string
	CoverageAreaID string
	// StakeholderID names an explicit counter-party; coordinators may
	// bypass tier search by naming one.
	StakeholderID string
}

// Service implements reviewer routing.
type Service struct {
	Dir    directory.Directory
	Rules  []config.RoutingRule
	Now    func() time.Time
	Logger *log.Logger
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

type candidate struct {
	user      domain.User
	authority int
}

// AssignReviewer picks a reviewer for the requester following the
// routing table. The returned assignment is tagged with the rule that
// produced it.
func (s Service) AssignReviewer(ctx context.Context, requesterID string, rc Context) (domain.ReviewerAssignment, error) {
	requester, err := s.Dir.FindUser(ctx, requesterID)
	if err != nil {
		return domain.ReviewerAssignment{}, fmt.Errorf("resolve requester: %w", err)
	}
	requesterAuthority, err := s.Dir.AuthorityOf(ctx, requesterID)
	if err != nil {
		return domain.ReviewerAssignment{}, fmt.Errorf("resolve requester authority: %w", err)
	}

	// Explicit stakeholder selection bypasses the tier search entirely.
	if rc.StakeholderID != "" && requesterAuthority == domain.TierCoordinator {
		return s.assignExplicitStakeholder(ctx, requesterID, rc)
	}

	rule, ok := s.ruleFor(requesterAuthority)
	if !ok {
		return s.fallbackChain(ctx, requesterID)
	}

	pool, err := s.candidatePool(ctx, requesterID, rc.LocationID)
	if err != nil {
		return domain.ReviewerAssignment{}, err
	}
	banded := s.bandFilter(pool, rule, requesterAuthority)
	if len(banded) == 0 {
		return s.fallbackChain(ctx, requesterID)
	}

	selected := banded
	if rule.MatchOrganization || rule.MatchMunicipality {
		matched := s.contextFilter(banded, requester, rc, rule)
		if len(matched) == 0 {
			// Zero context matches is not an error: widen back to the
			// banded pool instead of failing the assignment.
			s.logger().Printf("assign: no org/coverage match for requester %s under rule %s; widening candidate pool", requesterID, rule.Name)
		} else {
			selected = matched
		}
	}

	pick, ok := pickLowestAuthority(selected, requesterID)
	if !ok {
		return s.fallbackChain(ctx, requesterID)
	}
	return s.assignment(pick, rule.Name), nil
}

// QualifiedCoordinators returns every candidate in the routing rule's
// target band, for broadcast visibility on the request.
func (s Service) QualifiedCoordinators(ctx context.Context, requesterID string, rc Context) ([]domain.CoordinatorEntry, error) {
	requesterAuthority, err := s.Dir.AuthorityOf(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	rule, ok := s.ruleFor(requesterAuthority)
	if !ok {
		return nil, nil
	}
	pool, err := s.candidatePool(ctx, requesterID, rc.LocationID)
	if err != nil {
		return nil, err
	}
	banded := s.bandFilter(pool, rule, requesterAuthority)
	now := s.now().UTC().Format(time.RFC3339)
	var out []domain.CoordinatorEntry
	for _, c := range banded {
		out = append(out, domain.CoordinatorEntry{
			ActorSnapshot: snapshot(c),
			DiscoveredAt:  now,
			IsActive:      true,
		})
	}
	return out, nil
}

func (s Service) assignExplicitStakeholder(ctx context.Context, requesterID string, rc Context) (domain.ReviewerAssignment, error) {
	if rc.StakeholderID == requesterID {
		return domain.ReviewerAssignment{}, fmt.Errorf("stakeholder %s is the requester", rc.StakeholderID)
	}
	stakeholder, err := s.Dir.FindUser(ctx, rc.StakeholderID)
	if err != nil {
		return domain.ReviewerAssignment{}, fmt.Errorf("resolve stakeholder: %w", err)
	}
	authority, err := s.Dir.AuthorityOf(ctx, rc.StakeholderID)
	if err != nil {
		return domain.ReviewerAssignment{}, fmt.Errorf("resolve stakeholder authority: %w", err)
	}
	if authority >= domain.TierOperationalAdmin {
		return domain.ReviewerAssignment{}, fmt.Errorf("stakeholder %s holds admin authority; use tier routing", rc.StakeholderID)
	}
	// Explicit selection overrides the capability requirement; log the
	// gap rather than blocking.
	ok, err := s.Dir.HasPermission(ctx, rc.StakeholderID, PermissionReview, rc.LocationID)
	if err != nil {
		return domain.ReviewerAssignment{}, err
	}
	if !ok {
		s.logger().Printf("assign: explicit stakeholder %s lacks %s; assignment proceeds", rc.StakeholderID, PermissionReview)
	}
	return s.assignment(candidate{user: stakeholder, authority: authority}, "coordinator-to-stakeholder"), nil
}

func (s Service) ruleFor(requesterAuthority int) (config.RoutingRule, bool) {
	for _, rule := range s.Rules {
		if requesterAuthority >= rule.RequesterMin && requesterAuthority <= rule.RequesterMax {
			return rule, true
		}
	}
	return config.RoutingRule{}, false
}

// candidatePool queries review-capable users, scoped to the location
// when one is given, falling back to the global pool when the scoped
// query is empty. The requester is always excluded.
func (s Service) candidatePool(ctx context.Context, requesterID, locationID string) ([]candidate, error) {
	ids, err := s.Dir.UsersWithPermission(ctx, PermissionReview, locationID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 && locationID != "" {
		ids, err = s.Dir.UsersWithPermission(ctx, PermissionReview, "")
		if err != nil {
			return nil, err
		}
	}
	return s.resolve(ctx, ids, requesterID)
}

func (s Service) resolve(ctx context.Context, ids []string, requesterID string) ([]candidate, error) {
	var out []candidate
	for _, id := range ids {
		if id == requesterID {
			continue
		}
		u, err := s.Dir.FindUser(ctx, id)
		if err != nil {
			if errors.Is(err, directory.ErrUserNotFound) {
				continue
			}
			return nil, err
		}
		if !u.Active {
			continue
		}
		authority, err := s.Dir.AuthorityOf(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{user: u, authority: authority})
	}
	return out, nil
}

// bandFilter narrows the pool to the rule's target band, widening to
// "authority at or above the requester" and then to the single highest
// authority candidate before giving up.
func (s Service) bandFilter(pool []candidate, rule config.RoutingRule, requesterAuthority int) []candidate {
	var banded []candidate
	for _, c := range pool {
		if c.authority >= rule.TargetMin && c.authority <= rule.TargetMax {
			banded = append(banded, c)
		}
	}
	if len(banded) > 0 {
		return banded
	}
	for _, c := range pool {
		if c.authority >= requesterAuthority {
			banded = append(banded, c)
		}
	}
	if len(banded) > 0 {
		return banded
	}
	if len(pool) == 0 {
		return nil
	}
	best := pool[0]
	for _, c := range pool[1:] {
		if c.authority > best.authority || (c.authority == best.authority && c.user.ID < best.user.ID) {
			best = c
		}
	}
	return []candidate{best}
}

// contextFilter keeps candidates sharing organization and coverage-area
// membership with the request, per the rule's requirements. An
// organization or coverage area declared on the request overrides the
// requester's own memberships as the matching target.
func (s Service) contextFilter(pool []candidate, requester domain.User, rc Context, rule config.RoutingRule) []candidate {
	orgs := requester.Organizations
	if rc.OrganizationID != "" {
		orgs = []string{rc.OrganizationID}
	}
	areas := requester.Municipalities
	if rc.CoverageAreaID != "" {
		areas = []string{rc.CoverageAreaID}
	}
	var out []candidate
	for _, c := range pool {
		if rule.MatchOrganization && !intersects(c.user.Organizations, orgs) {
			continue
		}
		if rule.MatchMunicipality && !intersects(c.user.Municipalities, areas) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// pickLowestAuthority applies the deterministic tie-break: closest tier
// first, then lexicographic user id. The requester is dropped if it
// somehow survived the earlier exclusions.
func pickLowestAuthority(pool []candidate, requesterID string) (candidate, bool) {
	filtered := pool[:0:0]
	for _, c := range pool {
		if c.user.ID != requesterID {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return candidate{}, false
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].authority != filtered[j].authority {
			return filtered[i].authority < filtered[j].authority
		}
		return filtered[i].user.ID < filtered[j].user.ID
	})
	return filtered[0], true
}

// fallbackChain runs when no banded, non-requester candidate exists:
// any review-capable user, then any system administrator, then any
// active user at operational-admin authority or above.
func (s Service) fallbackChain(ctx context.Context, requesterID string) (domain.ReviewerAssignment, error) {
	stages := []struct {
		rule string
		ids  func() ([]string, error)
	}{
		{"fallback-review-capability", func() ([]string, error) {
			return s.Dir.UsersWithPermission(ctx, PermissionReview, "")
		}},
		{"fallback-system-admin", func() ([]string, error) {
			return s.Dir.UsersWithRole(ctx, SystemAdminRole)
		}},
		{"fallback-admin-authority", func() ([]string, error) {
			return s.Dir.UsersWithMinAuthority(ctx, domain.TierOperationalAdmin)
		}},
	}
	for _, stage := range stages {
		ids, err := stage.ids()
		if err != nil {
			return domain.ReviewerAssignment{}, err
		}
		pool, err := s.resolve(ctx, ids, requesterID)
		if err != nil {
			return domain.ReviewerAssignment{}, err
		}
		if pick, ok := pickLowestAuthority(pool, requesterID); ok {
			s.logger().Printf("assign: fallback stage %s selected %s for requester %s", stage.rule, pick.user.ID, requesterID)
			return s.assignment(pick, stage.rule), nil
		}
	}
	return domain.ReviewerAssignment{}, ErrNoReviewerAvailable
}

func (s Service) assignment(c candidate, rule string) domain.ReviewerAssignment {
	return domain.ReviewerAssignment{
		ActorSnapshot:  snapshot(c),
		AssignmentRule: rule,
	}
}

func snapshot(c candidate) domain.ActorSnapshot {
	return domain.ActorSnapshot{
		UserID:    c.user.ID,
		Name:      c.user.DisplayName(),
		Role:      c.user.RoleID,
		Authority: c.authority,
	}
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
