package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/wardenhq/warden/approval"
	"github.com/wardenhq/warden/audit"
	"github.com/wardenhq/warden/internal/strutil"
	"github.com/wardenhq/warden/urlpolicy"
	"github.com/wardenhq/warden/vault"
)

const summaryMaxBytes = 512

// Config carries the Guardian's policy configuration. Zero values fall back
// to safe defaults.
type Config struct {
	Classifier ClassifierConfig
	URL        urlpolicy.Config

	// NotifyOnBlocked forwards an alert through the notification channel
	// whenever an action is blocked outright.
	NotifyOnBlocked bool
}

type Option func(*Guardian)

func WithVault(v *vault.Vault) Option {
	return func(g *Guardian) { g.secrets = v }
}

func WithCoordinator(c *approval.Coordinator) Option {
	return func(g *Guardian) { g.approvals = c }
}

func WithAuditSink(s audit.Sink) Option {
	return func(g *Guardian) { g.sink = s }
}

func WithLogger(log *slog.Logger) Option {
	return func(g *Guardian) { g.log = log }
}

// Guardian is the single entry point the host calls to validate an
// ActionRequest before executing it. Synchronous checks (secret scan, URL
// policy, classification) run first; only approval waits suspend the
// caller.
type Guardian struct {
	classifier *Classifier
	urls       *urlpolicy.List
	secrets    *vault.Vault
	approvals  *approval.Coordinator
	sink       audit.Sink
	log        *slog.Logger

	notifyOnBlocked bool

	totalChecked atomic.Int64
	blocked      atomic.Int64
}

func New(cfg Config, opts ...Option) *Guardian {
	g := &Guardian{
		classifier:      NewClassifier(cfg.Classifier),
		urls:            urlpolicy.NewList(cfg.URL),
		notifyOnBlocked: cfg.NotifyOnBlocked,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.secrets == nil {
		g.secrets = vault.New()
	}
	if g.sink == nil {
		g.sink = audit.NopSink{}
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g
}

// URLs exposes the mutable allowlist so the host can apply human grants
// (AddAllowed) between validation attempts.
func (g *Guardian) URLs() *urlpolicy.List { return g.urls }

// Vault exposes the secret store backing the scan and masking.
func (g *Guardian) Vault() *vault.Vault { return g.secrets }

// ResolveApproval forwards an out-of-band reviewer decision for a pending
// internal-mode approval.
func (g *Guardian) ResolveApproval(ctx context.Context, requestID string, approved bool, reviewer, reason string) error {
	if g.approvals == nil {
		return fmt.Errorf("no approval coordinator is configured")
	}
	return g.approvals.ResolveApproval(ctx, requestID, approved, reviewer, reason)
}

// Status is a snapshot of the process-lifetime counters.
type Status struct {
	TotalChecked int64
	Blocked      int64
	Pending      int
}

func (g *Guardian) GetStatus() Status {
	st := Status{
		TotalChecked: g.totalChecked.Load(),
		Blocked:      g.blocked.Load(),
	}
	if g.approvals != nil {
		st.Pending = len(g.approvals.Pending())
	}
	return st
}

// ValidateAction runs the full decision pipeline for req. Policy outcomes
// (blocks, denials, timeouts) are reported in the ActionResult, never as an
// error; the error return is reserved for malformed requests.
func (g *Guardian) ValidateAction(ctx context.Context, req ActionRequest) (ActionResult, error) {
	if err := req.validate(); err != nil {
		return ActionResult{}, fmt.Errorf("invalid action request: %w", err)
	}
	g.totalChecked.Add(1)

	// 1. Secret scan over every string-valued param, recursively. A hit is
	// fatal: never execute, never forward to approval.
	if patterns := g.scanParams(req.Params); len(patterns) > 0 {
		res := blockResult(req.ID, fmt.Sprintf("params contain secret material (%s); refusing to process", strings.Join(patterns, ", ")))
		g.finishBlocked(ctx, req, SafetyForbidden, res, audit.DecisionBlocked)
		return res, nil
	}

	// 2. URL policy for network-touching actions.
	if rawURL := urlParam(req.Params); rawURL != "" {
		verdict := g.urls.IsAllowed(rawURL)
		if !verdict.Allowed {
			if verdict.BlockedByPattern {
				res := blockResult(req.ID, verdict.Reason)
				res.Data = map[string]any{"blocked_by_pattern": true}
				g.finishBlocked(ctx, req, SafetyForbidden, res, audit.DecisionBlocked)
				return res, nil
			}
			// Not pattern-blocked, just unknown: the host must obtain a
			// human grant (AddAllowed) and resubmit. No suspending wait.
			res := blockResult(req.ID, fmt.Sprintf("%s; domain requires approval before use", verdict.Reason))
			res.Data = map[string]any{"status": "pending"}
			g.finishBlocked(ctx, req, SafetyModerate, res, audit.DecisionPendingGrant)
			return res, nil
		}
	}

	// 3. Classification. The caller's hint is never trusted.
	level := g.classifier.Classify(req)
	switch {
	case level == SafetyForbidden:
		res := blockResult(req.ID, fmt.Sprintf("action %q is forbidden by policy", req.ActionType))
		g.finishBlocked(ctx, req, level, res, audit.DecisionBlocked)
		return res, nil
	case level == SafetySafe,
		level == SafetyModerate && !req.RequiresApproval:
		g.emit(ctx, req, level, audit.Event{Decision: audit.DecisionAllowed})
		return allowResult(req.ID), nil
	}

	// 4. Dangerous (or moderate flagged for approval): a human decides.
	return g.requireApproval(ctx, req, level), nil
}

func (g *Guardian) requireApproval(ctx context.Context, req ActionRequest, level SafetyLevel) ActionResult {
	if g.approvals == nil {
		res := blockResult(req.ID, fmt.Sprintf("action %q requires approval but no approval coordinator is configured", req.ActionType))
		g.finishBlocked(ctx, req, level, res, audit.DecisionBlocked)
		return res
	}

	n := approval.Notification{
		RequestID:   req.ID,
		AgentName:   req.AgentID,
		ActionType:  req.ActionType,
		SafetyLevel: string(level),
		Description: g.describe(req),
		Params:      req.Params,
	}

	if g.approvals.HasChannel() {
		resp := g.approvals.RequestExternal(ctx, n)
		if resp.Approved {
			g.emit(ctx, req, level, audit.Event{Decision: audit.DecisionApproved, ReviewedBy: resp.RespondedBy})
			return allowResult(req.ID)
		}
		reason := strings.TrimSpace(resp.Reason)
		if reason == "" {
			reason = "no reason given"
		}
		res := blockResult(req.ID, fmt.Sprintf("rejected via external approval: %s", reason))
		g.blocked.Add(1)
		g.emit(ctx, req, level, audit.Event{Decision: audit.DecisionRejected, ReviewedBy: resp.RespondedBy, Reasons: []string{reason}})
		return res
	}

	rec, err := g.approvals.RequestInternal(ctx, n)
	if err != nil {
		res := blockResult(req.ID, fmt.Sprintf("cannot register approval request: %v", err))
		g.finishBlocked(ctx, req, level, res, audit.DecisionBlocked)
		return res
	}
	res := blockResult(req.ID, fmt.Sprintf("action %q requires approval; awaiting reviewer decision", req.ActionType))
	res.Data = map[string]any{"status": "pending", "approval_id": rec.ID}
	g.blocked.Add(1)
	g.emit(ctx, req, level, audit.Event{Decision: audit.DecisionPendingGrant})
	return res
}

func (g *Guardian) finishBlocked(ctx context.Context, req ActionRequest, level SafetyLevel, res ActionResult, decision string) {
	g.blocked.Add(1)
	g.emit(ctx, req, level, audit.Event{Decision: decision, Reasons: []string{res.BlockedReason}})

	if g.notifyOnBlocked && decision == audit.DecisionBlocked && g.approvals != nil {
		g.approvals.Alert(ctx, fmt.Sprintf("blocked %s from agent %s: %s",
			req.ActionType, req.AgentID, g.secrets.Mask(res.BlockedReason)))
	}
	g.log.Warn("action_blocked",
		"request_id", req.ID,
		"agent", req.AgentID,
		"action_type", req.ActionType,
		"safety_level", string(level),
		"reason", g.secrets.Mask(res.BlockedReason),
	)
}

func (g *Guardian) emit(ctx context.Context, req ActionRequest, level SafetyLevel, e audit.Event) {
	e.RequestID = req.ID
	e.AgentID = req.AgentID
	e.AgentRole = string(req.AgentRole)
	e.ActionType = req.ActionType
	e.SafetyLevel = string(level)
	e.SummaryRedacted = g.describe(req)
	if err := g.sink.Emit(ctx, e); err != nil {
		g.log.Warn("audit_emit_failed", "request_id", req.ID, "error", err.Error())
	}
}

// describe renders a masked, truncated one-line summary of the request,
// safe for audit trails and chat notifications.
func (g *Guardian) describe(req ActionRequest) string {
	b, err := json.Marshal(req.Params)
	if err != nil {
		b = []byte("{}")
	}
	masked := g.classifier.RedactSecrets(g.secrets.Mask(string(b)))
	summary := fmt.Sprintf("%s %s", req.ActionType, masked)
	return strutil.TruncateUTF8(summary, summaryMaxBytes)
}

// scanParams walks params recursively and returns the names of every
// credential shape found in any string value.
func (g *Guardian) scanParams(params map[string]any) []string {
	var matched []string
	seen := make(map[string]bool)
	var walk func(v any)
	walk = func(v any) {
		switch x := v.(type) {
		case string:
			scan := g.classifier.ContainsSecretPattern(x)
			for _, name := range scan.MatchedPatterns {
				if !seen[name] {
					seen[name] = true
					matched = append(matched, name)
				}
			}
			if g.secrets.Mask(x) != x {
				if !seen["vault_value"] {
					seen["vault_value"] = true
					matched = append(matched, "vault_value")
				}
			}
		case map[string]any:
			for _, vv := range x {
				walk(vv)
			}
		case []any:
			for _, vv := range x {
				walk(vv)
			}
		}
	}
	for _, v := range params {
		walk(v)
	}
	return matched
}

// urlParam extracts the URL-shaped parameter of a request, either from a
// well-known key or any string value carrying an http(s) scheme.
func urlParam(params map[string]any) string {
	if params == nil {
		return ""
	}
	for _, key := range []string{"url", "href", "link", "endpoint"} {
		if v, ok := params[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	for _, v := range params {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
			continue
		}
		if u, err := url.Parse(s); err == nil && u.Hostname() != "" {
			return s
		}
	}
	return ""
}
