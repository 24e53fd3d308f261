package server

import (
	"reviewline/internal/domain"
	"reviewline/internal/engine"
)

// Request payloads

type CreateRequestBody struct {
	ID             *string  `json:"id,omitempty"`
	Title          string   `json:"title"`
	Description    *string  `json:"description,omitempty"`
	LocationID     *string  `json:"location_id,omitempty"`
	OrgID          *string  `json:"org_id,omitempty"`
	MunicipalityID *string  `json:"municipality_id,omitempty"`
	EventDate      *string  `json:"event_date,omitempty"`
	StartTime      *string  `json:"start_time,omitempty"`
	StakeholderID  *string  `json:"stakeholder_id,omitempty"`
	Staff          []string `json:"staff,omitempty"`
}

type ActionBody struct {
	Note              *string  `json:"note,omitempty"`
	ProposedDate      *string  `json:"proposed_date,omitempty"`
	ProposedStartTime *string  `json:"proposed_start_time,omitempty"`
	ProposalNotes     *string  `json:"proposal_notes,omitempty"`
	Title             *string  `json:"title,omitempty"`
	Description       *string  `json:"description,omitempty"`
	EventDate         *string  `json:"event_date,omitempty"`
	StartTime         *string  `json:"start_time,omitempty"`
	Staff             []string `json:"staff,omitempty"`
}

type CreateUserBody struct {
	ID             string   `json:"id"`
	FirstName      string   `json:"first_name,omitempty"`
	LastName       string   `json:"last_name,omitempty"`
	Email          *string  `json:"email,omitempty"`
	RoleID         string   `json:"role_id"`
	Active         *bool    `json:"active,omitempty"`
	Organizations  []string `json:"organizations,omitempty"`
	Municipalities []string `json:"municipalities,omitempty"`
}

type CreateAPIKeyBody struct {
	UserID string  `json:"user_id,omitempty"`
	Name   *string `json:"name,omitempty"`
}

// Response payloads

type RequestResponse struct {
	domain.Request
	AvailableActions []string `json:"available_actions,omitempty"`
}

type RequestListResponse struct {
	Requests   []domain.Request `json:"requests"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type HistoryResponse struct {
	History []domain.HistoryEntry `json:"history"`
}

type ActionsResponse struct {
	Actions []string `json:"actions"`
}

type EventsResponse struct {
	Events []domain.Event `json:"events"`
	Last   int64          `json:"last"`
}

type APIKeyCreatedResponse struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	// Key is returned exactly once at creation; only its hash is stored.
	Key string `json:"key"`
}

func toActionOptions(requestID, actorID, action string, body *ActionBody) engine.ActionOptions {
	opts := engine.ActionOptions{
		RequestID: requestID,
		ActorID:   actorID,
		Action:    action,
	}
	if body == nil {
		return opts
	}
	if body.Note != nil {
		opts.Note = *body.Note
	}
	if body.ProposedDate != nil {
		opts.ProposedDate = *body.ProposedDate
	}
	if body.ProposedStartTime != nil {
		opts.ProposedStartTime = *body.ProposedStartTime
	}
	if body.ProposalNotes != nil {
		opts.ProposalNotes = *body.ProposalNotes
	}
	opts.Title = body.Title
	opts.Description = body.Description
	opts.EventDate = body.EventDate
	opts.StartTime = body.StartTime
	opts.Staff = body.Staff
	return opts
}
