package search

import "reqdesk/api/internal/rbac"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultRequest ResultType = "request"
	ResultMessage ResultType = "message"
)

// Result is a single search hit returned to the caller. The owner ids are
// carried for scope filtering and never serialized.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	RequestID  string     `json:"requestId"`
	Status     string     `json:"status,omitempty"`
	IsInternal bool       `json:"isInternal,omitempty"`
	ClientID   string     `json:"-"`
	ReviewerID string     `json:"-"`
}

// Query describes a search request. Results are scoped to the viewer: clients
// see their own requests, reviewers their assignments, admins everything.
// Internal notes only surface for staff roles.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
	ViewerID   string
	ViewerRole rbac.Role
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// RequestRecord is the data we index for a request.
type RequestRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Urgency    string `json:"urgency"`
	ClientID   string `json:"clientId"`
	ReviewerID string `json:"reviewerId"`
}

// MessageRecord is the data we index for a message. The parent request's
// owners are denormalized onto it so message hits can be scope-filtered
// without a join.
type MessageRecord struct {
	ID         string `json:"id"`
	Body       string `json:"body"`
	RequestID  string `json:"requestId"`
	IsInternal bool   `json:"isInternal"`
	ClientID   string `json:"clientId"`
	ReviewerID string `json:"reviewerId"`
}
