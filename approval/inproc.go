package approval

import (
	"context"
	"strings"
	"sync"
	"time"
)

// InprocChannel is a NotificationChannel with no transport: notifications
// are kept in memory and decisions arrive through Respond. Hosts embed it
// to drive approvals from their own UI, and tests use it as a contract-
// faithful stand-in for a real chat platform.
type InprocChannel struct {
	pending *PendingSet

	mu            sync.Mutex
	notifications []Notification
	alerts        []string
}

func NewInprocChannel() *InprocChannel {
	return &InprocChannel{pending: NewPendingSet()}
}

func (c *InprocChannel) SendApprovalRequest(ctx context.Context, n Notification) (string, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, n)
	return "inproc:" + strings.TrimSpace(n.RequestID), nil
}

func (c *InprocChannel) ListenForResponse(requestID string, timeout time.Duration) Response {
	return c.pending.Wait(requestID, timeout)
}

func (c *InprocChannel) SendAlert(ctx context.Context, message string) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, message)
}

func (c *InprocChannel) Destroy() {
	c.pending.Destroy()
}

// Respond delivers a reviewer decision to the matching waiter. Returns
// false when nothing is waiting for that request id.
func (c *InprocChannel) Respond(resp Response) bool {
	return c.pending.Resolve(resp)
}

// Notifications returns a snapshot of the approval prompts sent so far.
func (c *InprocChannel) Notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.notifications))
	copy(out, c.notifications)
	return out
}

// Alerts returns a snapshot of the fire-and-forget alerts sent so far.
func (c *InprocChannel) Alerts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.alerts))
	copy(out, c.alerts)
	return out
}
