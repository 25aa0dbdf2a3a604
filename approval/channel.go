package approval

import (
	"context"
	"time"
)

// NotificationChannel asks a human reviewer for a decision over an external
// messaging platform. Implementations must honor the fail-safe contract:
//
//   - ListenForResponse never returns an error and never hangs past its
//     timeout; absent a matching human response it returns a synthetic
//     rejection with RespondedBy = TimeoutReviewer.
//   - Destroy resolves every still-pending ListenForResponse immediately
//     with a timeout-shaped rejection. No caller may hang past Destroy.
//
// Transport failures in SendApprovalRequest are reported as errors; the
// coordinator treats them as an immediate reject with a distinguishable
// reason rather than waiting out the timeout.
type NotificationChannel interface {
	SendApprovalRequest(ctx context.Context, n Notification) (string, error)
	ListenForResponse(requestID string, timeout time.Duration) Response
	SendAlert(ctx context.Context, message string)
	Destroy()
}
