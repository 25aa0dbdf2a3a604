package approval

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusAutoApproved Status = "auto_approved"
	StatusAutoBlocked  Status = "auto_blocked"
)

// TimeoutReviewer identifies the synthetic decider of a timed-out request.
const TimeoutReviewer = "system:timeout"

func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusAutoApproved, StatusAutoBlocked:
		return true
	}
	return false
}

// Request is the coordinator's bookkeeping record for an action awaiting a
// human decision. It is mutated exactly once, by an internal reviewer, an
// external channel response or timeout expiry, and never resurrected.
type Request struct {
	ID          string
	AgentID     string
	AgentRole   string
	ActionType  string
	SafetyLevel string
	Description string

	Status     Status
	ReviewedBy string
	ReviewedAt time.Time
	Reason     string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Notification is the wire-level request sent to a NotificationChannel.
type Notification struct {
	RequestID   string
	AgentName   string
	ActionType  string
	SafetyLevel string
	Description string
	Params      map[string]any
}

// Response is the wire-level decision received from a NotificationChannel
// (or synthesized by it on timeout or shutdown).
type Response struct {
	RequestID   string
	Approved    bool
	RespondedBy string
	RespondedAt time.Time
	Reason      string
}

// TimedOut reports whether r is a synthetic timeout rejection.
func (r Response) TimedOut() bool {
	return !r.Approved && r.RespondedBy == TimeoutReviewer
}

func timeoutResponse(requestID string) Response {
	return Response{
		RequestID:   strings.TrimSpace(requestID),
		Approved:    false,
		RespondedBy: TimeoutReviewer,
		RespondedAt: time.Now().UTC(),
		Reason:      "approval request timed out",
	}
}
