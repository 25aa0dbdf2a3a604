package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TransportFailureReviewer identifies a synthetic rejection caused by a
// failed notification send. Distinguishable from a timeout so operators can
// tell "the reviewer never answered" from "the reviewer never got asked".
const TransportFailureReviewer = "system:transport_failure"

// ResultSink receives the outcome of an internal-mode approval once a
// reviewer resolves it out-of-band. It stands in for the host's message bus.
type ResultSink interface {
	DeliverApprovalResult(ctx context.Context, rec Request) error
}

type Option func(*Coordinator)

func WithChannel(ch NotificationChannel) Option {
	return func(c *Coordinator) { c.channel = ch }
}

func WithStore(st Store) Option {
	return func(c *Coordinator) { c.store = st }
}

func WithResultSink(sink ResultSink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// Coordinator obtains human decisions for actions the classifier could not
// settle on its own. With a NotificationChannel configured it runs the
// external protocol (send, suspend, fail-safe timeout); without one it
// registers the request as pending and relies on ResolveApproval arriving
// out-of-band.
type Coordinator struct {
	timeout time.Duration
	channel NotificationChannel
	store   Store
	sink    ResultSink
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]*Request
}

func NewCoordinator(timeout time.Duration, opts ...Option) *Coordinator {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	c := &Coordinator{
		timeout: timeout,
		pending: make(map[string]*Request),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

func (c *Coordinator) HasChannel() bool {
	return c != nil && c.channel != nil
}

func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

// RequestExternal runs the full external-approval round trip and blocks the
// caller until a reviewer responds or the deadline elapses. It never returns
// an error: a send failure or timeout surfaces as a rejection response.
// Concurrent calls for distinct request ids proceed independently.
func (c *Coordinator) RequestExternal(ctx context.Context, n Notification) Response {
	n.RequestID = strings.TrimSpace(n.RequestID)
	if n.RequestID == "" {
		n.RequestID = uuid.NewString()
	}

	rec := c.register(n)

	if c.channel == nil {
		resp := timeoutResponse(n.RequestID)
		resp.RespondedBy = TransportFailureReviewer
		resp.Reason = "no notification channel is configured"
		c.finalize(ctx, rec.ID, resp)
		return resp
	}

	if _, err := c.channel.SendApprovalRequest(ctx, n); err != nil {
		c.log.Warn("approval_send_failed", "request_id", n.RequestID, "error", err.Error())
		resp := Response{
			RequestID:   n.RequestID,
			Approved:    false,
			RespondedBy: TransportFailureReviewer,
			RespondedAt: time.Now().UTC(),
			Reason:      fmt.Sprintf("approval notification could not be delivered: %v", err),
		}
		c.finalize(ctx, rec.ID, resp)
		return resp
	}

	resp := c.channel.ListenForResponse(n.RequestID, c.timeout)
	c.finalize(ctx, rec.ID, resp)
	return resp
}

// RequestInternal registers a pending approval without suspending the
// caller. The decision arrives later through ResolveApproval; the record id
// equals the action request id so reviewers can address it directly.
func (c *Coordinator) RequestInternal(ctx context.Context, n Notification) (Request, error) {
	n.RequestID = strings.TrimSpace(n.RequestID)
	if n.RequestID == "" {
		return Request{}, fmt.Errorf("missing request id")
	}

	c.mu.Lock()
	if _, exists := c.pending[n.RequestID]; exists {
		c.mu.Unlock()
		return Request{}, fmt.Errorf("approval %q is already pending", n.RequestID)
	}
	c.mu.Unlock()

	rec := c.register(n)
	c.log.Info("approval_pending",
		"request_id", rec.ID,
		"agent", rec.AgentID,
		"action_type", rec.ActionType,
		"safety_level", rec.SafetyLevel,
	)
	_ = ctx
	return *rec, nil
}

// ResolveApproval flips a pending record to its terminal state exactly once
// and pushes the outcome to the ResultSink. A second resolution attempt (or
// an unknown id) returns an error and changes nothing. A record past its
// deadline is resolved as a timeout rejection regardless of the requested
// outcome.
func (c *Coordinator) ResolveApproval(ctx context.Context, requestID string, approved bool, reviewer string, reason string) error {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return fmt.Errorf("missing request id")
	}
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return fmt.Errorf("missing reviewer identity")
	}

	resp := Response{
		RequestID:   requestID,
		Approved:    approved,
		RespondedBy: reviewer,
		RespondedAt: time.Now().UTC(),
		Reason:      strings.TrimSpace(reason),
	}

	c.mu.Lock()
	rec, ok := c.pending[requestID]
	var expired bool
	if ok {
		expired = !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval for request %q", requestID)
	}
	if expired {
		resp = timeoutResponse(requestID)
	}

	final := c.finalize(ctx, requestID, resp)
	if final == nil {
		return fmt.Errorf("approval %q was already resolved", requestID)
	}

	if c.sink != nil {
		if err := c.sink.DeliverApprovalResult(ctx, *final); err != nil {
			c.log.Warn("approval_result_delivery_failed", "request_id", requestID, "error", err.Error())
		}
	}
	if expired {
		return fmt.Errorf("approval %q expired before the decision arrived", requestID)
	}
	return nil
}

// Pending returns a snapshot of the not-yet-resolved records.
func (c *Coordinator) Pending() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, 0, len(c.pending))
	for _, rec := range c.pending {
		out = append(out, *rec)
	}
	return out
}

// Alert forwards a fire-and-forget notice to the channel, when one is
// configured.
func (c *Coordinator) Alert(ctx context.Context, message string) {
	if c == nil || c.channel == nil {
		return
	}
	c.channel.SendAlert(ctx, message)
}

// Close shuts the channel down; every in-flight external wait resolves
// immediately with a timeout-shaped rejection.
func (c *Coordinator) Close() {
	if c.channel != nil {
		c.channel.Destroy()
	}
}

func (c *Coordinator) register(n Notification) *Request {
	now := time.Now().UTC()
	rec := &Request{
		ID:          n.RequestID,
		AgentID:     strings.TrimSpace(n.AgentName),
		ActionType:  strings.TrimSpace(n.ActionType),
		SafetyLevel: strings.TrimSpace(n.SafetyLevel),
		Description: strings.TrimSpace(n.Description),
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.timeout),
	}

	c.mu.Lock()
	c.pending[rec.ID] = rec
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Create(context.Background(), *rec); err != nil {
			c.log.Warn("approval_store_create_failed", "request_id", rec.ID, "error", err.Error())
		}
	}
	return rec
}

// finalize applies resp to the pending record and removes it from the
// pending set, exactly once. It returns nil when the record was not pending
// anymore.
func (c *Coordinator) finalize(ctx context.Context, requestID string, resp Response) *Request {
	c.mu.Lock()
	rec, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.pending, requestID)

	if resp.Approved {
		rec.Status = StatusApproved
	} else {
		rec.Status = StatusRejected
	}
	rec.ReviewedBy = resp.RespondedBy
	rec.ReviewedAt = resp.RespondedAt
	rec.Reason = resp.Reason
	final := *rec
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Resolve(ctx, requestID, final.Status, final.ReviewedBy, final.Reason); err != nil {
			c.log.Warn("approval_store_resolve_failed", "request_id", requestID, "error", err.Error())
		}
	}

	c.log.Info("approval_resolved",
		"request_id", requestID,
		"status", string(final.Status),
		"reviewed_by", final.ReviewedBy,
	)
	return &final
}
