// Package state holds the request status transition table. It is the
// single source of truth for which action is legal from which status;
// every other check runs after this one.
package state

// Canonical statuses.
const (
	PendingReview     = "pending-review"
	ReviewRescheduled = "review-rescheduled"
	Approved          = "approved"
	Rejected          = "rejected"
	Cancelled         = "cancelled"
	Completed         = "completed"
)

// Actions.
const (
	ActionAccept      = "accept"
	ActionReject      = "reject"
	ActionDecline     = "decline"
	ActionReschedule  = "reschedule"
	ActionConfirm     = "confirm"
	ActionCancel      = "cancel"
	ActionEdit        = "edit"
	ActionManageStaff = "manage-staff"
	ActionView        = "view"
	ActionDelete      = "delete"
)

// legacyAliases maps historical status spellings to canonical statuses.
// Normalization happens once at the boundary; legacy strings never reach
// the transition table.
var legacyAliases = map[string]string{
	"pending_review":  PendingReview,
	"review-accepted": Approved,
	"review_accepted": Approved,
	"review-rejected": Rejected,
	"review_rejected": Rejected,
	"review-declined": Rejected,
	"canceled":        Cancelled,
	"complete":        Completed,
}

var transitions = map[string]map[string]string{
	PendingReview: {
		ActionAccept:     Approved,
		ActionReject:     Rejected,
		ActionDecline:    Rejected,
		ActionReschedule: ReviewRescheduled,
	},
	ReviewRescheduled: {
		ActionConfirm:    Approved,
		ActionAccept:     Approved,
		ActionReject:     Rejected,
		ActionDecline:    Rejected,
		ActionReschedule: ReviewRescheduled,
	},
	Approved: {
		ActionCancel:      Cancelled,
		ActionReschedule:  ReviewRescheduled,
		ActionEdit:        Approved,
		ActionManageStaff: Approved,
	},
	Rejected:  {},
	Cancelled: {},
	Completed: {},
}

// actionOrder fixes enumeration order for AvailableActions.
var actionOrder = []string{
	ActionAccept, ActionConfirm, ActionReject, ActionDecline,
	ActionReschedule, ActionCancel, ActionEdit, ActionManageStaff,
}

// Normalize maps a stored status (canonical or legacy) to its canonical
// form. The second return is false for unknown statuses.
func Normalize(status string) (string, bool) {
	if _, ok := transitions[status]; ok {
		return status, true
	}
	if canonical, ok := legacyAliases[status]; ok {
		return canonical, true
	}
	return status, false
}

// NextState returns the status reached by applying action to status.
// The second return is false when the pair is not in the table.
func NextState(status, action string) (string, bool) {
	canonical, ok := Normalize(status)
	if !ok {
		return "", false
	}
	next, ok := transitions[canonical][action]
	return next, ok
}

// AvailableActions lists the actions with an entry in the table for the
// given status. Terminal and unknown statuses yield only "view".
func AvailableActions(status string) []string {
	canonical, ok := Normalize(status)
	if !ok || IsTerminal(canonical) {
		return []string{ActionView}
	}
	row := transitions[canonical]
	var out []string
	for _, action := range actionOrder {
		if _, ok := row[action]; ok {
			out = append(out, action)
		}
	}
	return out
}

// IsTerminal reports whether no outgoing transitions exist.
func IsTerminal(status string) bool {
	canonical, ok := Normalize(status)
	if !ok {
		return false
	}
	return canonical == Rejected || canonical == Cancelled || canonical == Completed
}
