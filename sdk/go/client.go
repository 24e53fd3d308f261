package reviewsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Reviewline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ActorSnapshot captures who an actor was at a point in time.
type ActorSnapshot struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Authority int    `json:"authority"`
}

// ReviewerAssignment names the assigned reviewer and the routing rule
// that chose them.
type ReviewerAssignment struct {
	ActorSnapshot
	AssignmentRule string `json:"assignment_rule"`
}

// ActiveResponder marks whose turn it is to act.
type ActiveResponder struct {
	UserID       string `json:"user_id"`
	Relationship string `json:"relationship"`
	Authority    int    `json:"authority"`
}

// RescheduleProposal is a pending counter-offer on the event slot.
type RescheduleProposal struct {
	ProposedBy        ActorSnapshot `json:"proposed_by"`
	ProposedDate      string        `json:"proposed_date"`
	ProposedStartTime string        `json:"proposed_start_time,omitempty"`
	Notes             string        `json:"notes,omitempty"`
}

// Claim is an exclusive handling window on a request.
type Claim struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	ClaimedAt string `json:"claimed_at"`
	TimeoutAt string `json:"timeout_at"`
}

// Request represents the API request model (partial).
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
	Responder      *ActiveResponder    `json:"active_responder,omitempty"`
	Reschedule     *RescheduleProposal `json:"reschedule_proposal,omitempty"`
	Claim          *Claim              `json:"claimed_by,omitempty"`
	Staff          []string            `json:"staff,omitempty"`
	CreatedAt      string              `json:"created_at"`
	UpdatedAt      string              `json:"updated_at"`

	AvailableActions []string `json:"available_actions,omitempty"`
}

// HistoryEntry is one row of a request's audit trail.
type HistoryEntry struct {
	RequestID string `json:"request_id"`
	Seq       int64  `json:"seq"`
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	ActorID   string `json:"actor_id"`
	ChangedAt string `json:"changed_at"`
}

// Event represents a log entry. The payload is the raw JSON document
// as stored.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRequestInput holds the fields accepted when opening a request.
type CreateRequestInput struct {
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	LocationID     string   `json:"location_id,omitempty"`
	OrgID          string   `json:"org_id,omitempty"`
	MunicipalityID string   `json:"municipality_id,omitempty"`
	EventDate      string   `json:"event_date,omitempty"`
	StartTime      string   `json:"start_time,omitempty"`
	StakeholderID  string   `json:"stakeholder_id,omitempty"`
	Staff          []string `json:"staff,omitempty"`
}

// ActionInput carries the optional payload of an action.
type ActionInput struct {
	Note              string   `json:"note,omitempty"`
	ProposedDate      string   `json:"proposed_date,omitempty"`
	ProposedStartTime string   `json:"proposed_start_time,omitempty"`
	ProposalNotes     string   `json:"proposal_notes,omitempty"`
	Title             *string  `json:"title,omitempty"`
	Description       *string  `json:"description,omitempty"`
	EventDate         *string  `json:"event_date,omitempty"`
	StartTime         *string  `json:"start_time,omitempty"`
	Staff             []string `json:"staff,omitempty"`
}

// ListFilters narrows a request listing.
type ListFilters struct {
	Status      string
	RequesterID string
	ReviewerID  string
	LocationID  string
	Limit       int
	Cursor      string
}

// RequestPage wraps list responses with a cursor.
type RequestPage struct {
	Requests   []Request `json:"requests"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// EventsPage wraps the event log tail.
type EventsPage struct {
	Events []Event `json:"events"`
	Last   int64   `json:"last"`
}

// CreateRequest opens an event request.
func (c *Client) CreateRequest(ctx context.Context, in CreateRequestInput) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/requests", in, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "v0/requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRequests returns a page of requests matching the filters.
func (c *Client) ListRequests(ctx context.Context, f ListFilters) (RequestPage, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.RequesterID != "" {
		q.Set("requester_id", f.RequesterID)
	}
	if f.ReviewerID != "" {
		q.Set("reviewer_id", f.ReviewerID)
	}
	if f.LocationID != "" {
		q.Set("location_id", f.LocationID)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	endpoint := "v0/requests"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp RequestPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ExecuteAction performs a workflow action on a request.
func (c *Client) ExecuteAction(ctx context.Context, id, action string, in ActionInput) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s/actions/%s", url.PathEscape(id), url.PathEscape(action))
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp, err
}

// AvailableActions returns the actions the caller may take right now.
func (c *Client) AvailableActions(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Actions []string `json:"actions"`
	}
	endpoint := fmt.Sprintf("v0/requests/%s/actions", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Actions, err
}

// Claim takes the exclusive handling window on a request.
func (c *Client) Claim(ctx context.Context, id string) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s/claim", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Release gives up a held claim.
func (c *Client) Release(ctx context.Context, id string) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s/claim", url.PathEscape(id))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// History returns a request's audit trail.
func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp struct {
		History []HistoryEntry `json:"history"`
	}
	endpoint := fmt.Sprintf("v0/requests/%s/history", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.History, err
}

// DeleteRequest removes a request record.
func (c *Client) DeleteRequest(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/requests/"+url.PathEscape(id), nil, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, 0, limit)
	return page.Events, err
}

// EventsPage returns events after the given id, oldest first.
func (c *Client) EventsPage(ctx context.Context, after int64, limit int) (EventsPage, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp EventsPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
