package domain

// Authority tiers. Routing and validation compare against these numeric
// bands; role names never drive branching.
const (
	TierBasic            = 20
	TierStakeholder      = 30
	TierCoordinator      = 60
	TierOperationalAdmin = 80
	TierSystemAdmin      = 100
)

// ActorSnapshot captures who an actor was at the time it was recorded.
// Snapshots are historical truth for the request; live authority checks
// go through the directory instead.
type ActorSnapshot struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Authority int    `json:"authority"`
}

// ReviewerAssignment is the reviewer snapshot plus the routing rule that
// produced it and optional manual-override metadata.
type ReviewerAssignment struct {
	ActorSnapshot
	AssignmentRule string  `json:"assignment_rule"`
	OverriddenAt   *string `json:"overridden_at,omitempty"`
	OverriddenBy   *string `json:"overridden_by,omitempty"`
}

// CoordinatorEntry is one member of the broadcast-visible reviewer set.
type CoordinatorEntry struct {
	ActorSnapshot
	DiscoveredAt string `json:"discovered_at"`
	IsActive     bool   `json:"is_active"`
}

// ActiveResponder points at whichever of the two parties must act next.
type ActiveResponder struct {
	UserID       string `json:"user_id"`
	Relationship string `json:"relationship" enum:"requester,reviewer"`
	Authority    int    `json:"authority"`
}

// LastAction records the most recent executed action.
type LastAction struct {
	Action  string `json:"action"`
	ActorID string `json:"actor_id"`
	TS      string `json:"ts"`
}

// RescheduleProposal is present only while a reschedule is being negotiated.
type RescheduleProposal struct {
	ProposedBy        ActorSnapshot `json:"proposed_by"`
	ProposedDate      string        `json:"proposed_date"`
	ProposedStartTime string        `json:"proposed_start_time,omitempty"`
	Notes             string        `json:"notes,omitempty"`
}

// Claim is the exclusive, time-boxed hold a coordinator takes while deciding.
type Claim struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	ClaimedAt string `json:"claimed_at"`
	TimeoutAt string `json:"timeout_at"`
}

// Request is the aggregate the whole workflow operates on.
type Request struct {
	ID             string              `json:"id"`
	Status         string              `json:"status"`
	Version        int64               `json:"version"`
	Title          string              `json:"title"`
	Description    string              `json:"description,omitempty"`
	LocationID     string              `json:"location_id,omitempty"`
	OrgID          string              `json:"org_id,omitempty"`
	MunicipalityID string              `json:"municipality_id,omitempty"`
	EventDate      string              `json:"event_date,omitempty"`
	StartTime      string              `json:"start_time,omitempty"`
	Requester      ActorSnapshot       `json:"requester"`
	Reviewer       *ReviewerAssignment `json:"reviewer,omitempty"`
	Coordinators   []CoordinatorEntry  `json:"valid_coordinators,omitempty"`
	Responder      *ActiveResponder    `json:"active_responder,omitempty"`
	LastAction     *LastAction         `json:"last_action,omitempty"`
	Reschedule     *RescheduleProposal `json:"reschedule_proposal,omitempty"`
	Claim          *Claim              `json:"claimed_by,omitempty"`
	Staff          []string            `json:"staff,omitempty"`
	CreatedAt      string              `json:"created_at" format:"date-time"`
	UpdatedAt      string              `json:"updated_at" format:"date-time"`
}

// HistoryEntry is one row of the append-only status trail.
type HistoryEntry struct {
	RequestID string `json:"request_id"`
	Seq       int64  `json:"seq"`
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	ActorID   string `json:"actor_id"`
	ChangedAt string `json:"changed_at" format:"date-time"`
}

type User struct {
	ID             string   `json:"id"`
	FirstName      string   `json:"first_name"`
	LastName       string   `json:"last_name"`
	Email          string   `json:"email,omitempty"`
	RoleID         string   `json:"role_id"`
	Active         bool     `json:"active"`
	Organizations  []string `json:"organizations,omitempty"`
	Municipalities []string `json:"municipalities,omitempty"`
}

// DisplayName is the snapshot-facing name form.
func (u User) DisplayName() string {
	if u.FirstName == "" {
		return u.LastName
	}
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

type Role struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Authority   int    `json:"authority"`
}

type Location struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	MunicipalityID string `json:"municipality_id"`
	OrgID          string `json:"org_id,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
