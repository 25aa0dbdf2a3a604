package guard

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SafetyLevel is the classifier-assigned tier controlling whether an action
// proceeds automatically, requires approval, or is refused outright. The
// ordering safe < moderate < dangerous < forbidden is significant.
type SafetyLevel string

const (
	SafetySafe      SafetyLevel = "safe"
	SafetyModerate  SafetyLevel = "moderate"
	SafetyDangerous SafetyLevel = "dangerous"
	SafetyForbidden SafetyLevel = "forbidden"
)

var safetyRank = map[SafetyLevel]int{
	SafetySafe:      0,
	SafetyModerate:  1,
	SafetyDangerous: 2,
	SafetyForbidden: 3,
}

func (l SafetyLevel) Valid() bool {
	_, ok := safetyRank[l]
	return ok
}

// AtLeast reports whether l is at or above other in the tier ordering.
// Unknown levels rank above forbidden so a corrupted value can never
// default to "allow".
func (l SafetyLevel) AtLeast(other SafetyLevel) bool {
	return l.rank() >= other.rank()
}

func (l SafetyLevel) rank() int {
	if r, ok := safetyRank[l]; ok {
		return r
	}
	return safetyRank[SafetyForbidden] + 1
}

func ParseSafetyLevel(s string) (SafetyLevel, error) {
	l := SafetyLevel(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown safety level: %q", s)
	}
	return l, nil
}

// AgentRole is the closed set of roles a requesting agent may hold.
type AgentRole string

const (
	RolePlanner      AgentRole = "planner"
	RoleWorker       AgentRole = "worker"
	RoleOrchestrator AgentRole = "orchestrator"
	RoleNotifier     AgentRole = "notifier"
)

func (r AgentRole) Valid() bool {
	switch r {
	case RolePlanner, RoleWorker, RoleOrchestrator, RoleNotifier:
		return true
	}
	return false
}

// BlockedBy tags which subsystem produced a block.
const (
	BlockedByGuardian    = "guardian"
	BlockedByAgentPolicy = "agent_policy"
)

// ActionRequest is a proposed side-effecting operation submitted by an
// agent for policy review. Immutable once created. SafetyLevel and
// RequiresApproval are caller hints; the classifier's output is the
// authoritative tier.
type ActionRequest struct {
	ID               string
	AgentID          string
	AgentRole        AgentRole
	ActionType       string
	Params           map[string]any
	SafetyLevel      SafetyLevel
	Timestamp        time.Time
	RequiresApproval bool
}

// NewActionRequest builds a request with a generated id and timestamp.
func NewActionRequest(agentID string, role AgentRole, actionType string, params map[string]any) (ActionRequest, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return ActionRequest{}, fmt.Errorf("missing agent id")
	}
	if !role.Valid() {
		return ActionRequest{}, fmt.Errorf("unknown agent role: %q", role)
	}
	actionType = strings.TrimSpace(actionType)
	if actionType == "" {
		return ActionRequest{}, fmt.Errorf("missing action type")
	}
	return ActionRequest{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		AgentRole:  role,
		ActionType: actionType,
		Params:     params,
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (r ActionRequest) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("missing request id")
	}
	if strings.TrimSpace(r.ActionType) == "" {
		return fmt.Errorf("missing action type")
	}
	return nil
}

// ActionResult is the structured outcome of a validation. Policy outcomes
// are never Go errors: a block is Success=false with a populated
// BlockedBy/BlockedReason.
type ActionResult struct {
	RequestID     string
	Success       bool
	Data          map[string]any
	BlockedReason string
	BlockedBy     string
}

func allowResult(requestID string) ActionResult {
	return ActionResult{RequestID: requestID, Success: true}
}

func blockResult(requestID, reason string) ActionResult {
	return ActionResult{
		RequestID:     requestID,
		Success:       false,
		BlockedReason: reason,
		BlockedBy:     BlockedByGuardian,
	}
}
