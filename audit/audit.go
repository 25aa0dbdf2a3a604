package audit

import (
	"context"
	"time"
)

// Event is one policy decision. Params never appear raw: SummaryRedacted is
// produced after vault masking so the audit trail can be shipped anywhere.
type Event struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"ts"`

	RequestID  string `json:"request_id"`
	AgentID    string `json:"agent_id,omitempty"`
	AgentRole  string `json:"agent_role,omitempty"`
	ActionType string `json:"action_type"`

	SafetyLevel string   `json:"safety_level"`
	Decision    string   `json:"decision"`
	BlockedBy   string   `json:"blocked_by,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`

	SummaryRedacted string `json:"summary_redacted,omitempty"`

	ReviewedBy string `json:"reviewed_by,omitempty"`
}

// Decision values recorded per event.
const (
	DecisionAllowed      = "allowed"
	DecisionBlocked      = "blocked"
	DecisionPendingGrant = "pending_grant"
	DecisionApproved     = "approved"
	DecisionRejected     = "rejected"
)

type Sink interface {
	Emit(ctx context.Context, e Event) error
	Close() error
}

// NopSink discards every event. Used when auditing is disabled.
type NopSink struct{}

func (NopSink) Emit(ctx context.Context, e Event) error { return nil }
func (NopSink) Close() error                            { return nil }
