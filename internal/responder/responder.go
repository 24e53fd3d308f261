// Package responder maintains the active-responder pointer on a request
// after each executed action. The pointer names whichever party the
// workflow is waiting on; decision actions clear it, reschedules flip it
// to the other side.
package responder

import (
	"log"

	"reviewline/internal/domain"
	"reviewline/internal/state"
)

// ActorRef identifies the acting user for tracking purposes.
type ActorRef struct {
	ID        string
	Authority int
}

// Tracker updates the responder pointer. The zero value logs through the
// default logger.
type Tracker struct {
	Logger *log.Logger
}

func (t Tracker) logger() *log.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return log.Default()
}

// Update mutates req's responder pointer, reschedule proposal, and last
// action for one executed action. nextStatus is the canonical status the
// action produced; now is the RFC3339 timestamp of the action.
func (t Tracker) Update(req *domain.Request, action string, actor ActorRef, nextStatus string, proposal *domain.RescheduleProposal, now string) {
	req.LastAction = &domain.LastAction{Action: action, ActorID: actor.ID, TS: now}

	switch action {
	case state.ActionAccept, state.ActionReject, state.ActionDecline, state.ActionConfirm:
		// A decision ends the negotiation: nobody owes a response.
		req.Responder = nil
		req.Reschedule = nil
		return
	case state.ActionCancel:
		req.Responder = nil
		req.Reschedule = nil
		return
	case state.ActionReschedule:
		t.flip(req, actor)
		req.Reschedule = proposal
		return
	case state.ActionEdit, state.ActionManageStaff:
		// Neutral actions leave the pointer alone.
		return
	}
	if state.IsTerminal(nextStatus) {
		req.Responder = nil
		req.Reschedule = nil
	}
}

// flip points the responder at the party opposite the actor. A third
// party at coordinator authority or above is treated as acting on the
// reviewer side, so the requester becomes the responder. When the
// actor's side cannot be determined the pointer is left unchanged.
func (t Tracker) flip(req *domain.Request, actor ActorRef) {
	switch {
	case actor.ID == req.Requester.UserID:
		if req.Reviewer == nil {
			t.logger().Printf("responder: request %s has no reviewer to flip to; pointer unchanged", req.ID)
			return
		}
		req.Responder = &domain.ActiveResponder{
			UserID:       req.Reviewer.UserID,
			Relationship: "reviewer",
			Authority:    req.Reviewer.Authority,
		}
	case req.Reviewer != nil && actor.ID == req.Reviewer.UserID:
		req.Responder = &domain.ActiveResponder{
			UserID:       req.Requester.UserID,
			Relationship: "requester",
			Authority:    req.Requester.Authority,
		}
	case actor.Authority >= domain.TierCoordinator:
		// Third-party reschedule by an admin or coordinator: the
		// requester is asked to respond to the new proposal.
		req.Responder = &domain.ActiveResponder{
			UserID:       req.Requester.UserID,
			Relationship: "requester",
			Authority:    req.Requester.Authority,
		}
	default:
		t.logger().Printf("responder: cannot determine side of actor %s on request %s; pointer unchanged", actor.ID, req.ID)
	}
}

// Initial returns the responder pointer for a freshly created request:
// the assigned reviewer, when one exists.
func Initial(reviewer *domain.ReviewerAssignment) *domain.ActiveResponder {
	if reviewer == nil {
		return nil
	}
	return &domain.ActiveResponder{
		UserID:       reviewer.UserID,
		Relationship: "reviewer",
		Authority:    reviewer.Authority,
	}
}
