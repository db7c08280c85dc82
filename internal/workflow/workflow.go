// Package workflow models the request status lifecycle and the
// transition-authorization policy consulted before any status write.
package workflow

import (
	"fmt"

	"reqdesk/api/internal/rbac"
)

type Status string
type Urgency string

const (
	StatusNew        Status = "New"
	StatusInProgress Status = "In Progress"
	StatusInfoNeeded Status = "Info Needed"
	StatusPeerReview Status = "Peer Review"
	StatusComplete   Status = "Complete"
)

const (
	UrgencyNormal Urgency = "Normal"
	UrgencyUrgent Urgency = "Urgent"
)

var Statuses = []Status{StatusNew, StatusInProgress, StatusInfoNeeded, StatusPeerReview, StatusComplete}

func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusNew, StatusInProgress, StatusInfoNeeded, StatusPeerReview, StatusComplete:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

func ParseUrgency(raw string) (Urgency, error) {
	switch Urgency(raw) {
	case UrgencyNormal, UrgencyUrgent:
		return Urgency(raw), nil
	default:
		return "", fmt.Errorf("unknown urgency %q", raw)
	}
}

// SystemMessage is the thread entry appended alongside every status change,
// including bulk changes.
func SystemMessage(to Status) string {
	return "Status updated to: " + string(to)
}

// Rule authorizes one role to move a request from one status to another.
type Rule struct {
	Role rbac.Role
	From Status
	To   Status
}

type transitionKey struct {
	role rbac.Role
	from Status
	to   Status
}

// Policy is the transition-authorization table keyed by role, from and to.
// The legal set is data rather than code: deployments can install their own
// rules via NewPolicy.
type Policy struct {
	allowed map[transitionKey]struct{}
}

func NewPolicy(rules []Rule) *Policy {
	allowed := make(map[transitionKey]struct{}, len(rules))
	for _, rule := range rules {
		allowed[transitionKey{rule.Role, rule.From, rule.To}] = struct{}{}
	}
	return &Policy{allowed: allowed}
}

func (p *Policy) Allows(role rbac.Role, from, to Status) bool {
	_, ok := p.allowed[transitionKey{role, from, to}]
	return ok
}

// DefaultPolicy encodes the observed flows: admins move requests freely
// between all five statuses; reviewers only hand work back and forth across
// the Peer Review boundary; clients never set status.
func DefaultPolicy() *Policy {
	rules := make([]Rule, 0, len(Statuses)*len(Statuses)+2)
	for _, from := range Statuses {
		for _, to := range Statuses {
			rules = append(rules, Rule{Role: rbac.RoleAdmin, From: from, To: to})
		}
	}
	rules = append(rules,
		Rule{Role: rbac.RoleReviewer, From: StatusPeerReview, To: StatusInProgress},
		Rule{Role: rbac.RoleReviewer, From: StatusInProgress, To: StatusPeerReview},
	)
	return NewPolicy(rules)
}
